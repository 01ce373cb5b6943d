package main

import "github.com/Chirraaa/chatty-sub000/internal/cli"

func main() {
	cli.Execute()
}
