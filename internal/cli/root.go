package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Chirraaa/chatty-sub000/internal/common"
	"github.com/Chirraaa/chatty-sub000/internal/config"
	"github.com/Chirraaa/chatty-sub000/internal/cryptox"
	"github.com/Chirraaa/chatty-sub000/internal/envelope"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "chatty",
	Short: "End-to-end encrypted messaging client",
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newApp(ctx context.Context) (*App, error) {
	return NewApp(ctx, config.LoadConfig())
}

var initCmd = &cobra.Command{
	Use:   "init USER",
	Short: "Initialize encryption keys for a user on this device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		userID := args[0]

		app, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		password, err := GetPassword(os.Stderr)
		if err != nil {
			return err
		}
		defer common.WipeByteArray(password)

		kp, err := app.Keys.Initialize(ctx, userID, password)
		if err != nil {
			if errors.Is(err, common.ErrDecryptFailed) {
				return fmt.Errorf("wrong password for the existing key backup of %s", userID)
			}
			return err
		}

		fmt.Printf("Keys ready for %s\n", userID)
		fmt.Printf("Public key: %s\n", cryptox.EncodeKey(kp.Public))
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login USER",
	Short: "Restore keys from backup onto this device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		userID := args[0]

		app, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		if kp, err := app.Keys.LoadLocal(ctx, userID); err == nil {
			fmt.Printf("Already signed in as %s (public key %s)\n", userID, cryptox.EncodeKey(kp.Public))
			return nil
		}

		password, err := GetPassword(os.Stderr)
		if err != nil {
			return err
		}
		defer common.WipeByteArray(password)

		_, err = app.Keys.Initialize(ctx, userID, password)
		switch {
		case errors.Is(err, common.ErrDecryptFailed):
			return fmt.Errorf("wrong password for %s", userID)
		case err != nil:
			return err
		}
		fmt.Printf("Signed in as %s\n", userID)
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send USER PEER MESSAGE",
	Short: "Send an encrypted message",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		userID, peerID, text := args[0], args[1], args[2]

		app, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		sess, err := app.openSession(ctx, userID)
		if err != nil {
			return err
		}

		imagePath, _ := cmd.Flags().GetString("image")
		var id string
		if imagePath != "" {
			data, err := os.ReadFile(imagePath)
			if err != nil {
				return fmt.Errorf("reading image: %w", err)
			}
			id, err = sess.messaging.SendImage(ctx, peerID, data)
			if err != nil {
				return describeSendError(err, peerID)
			}
		} else {
			id, err = sess.messaging.SendText(ctx, peerID, text)
			if err != nil {
				return describeSendError(err, peerID)
			}
		}
		fmt.Printf("Sent %s\n", id)
		return nil
	},
}

func describeSendError(err error, peerID string) error {
	if errors.Is(err, common.ErrPeerKeyMissing) {
		return fmt.Errorf("%s has not set up encryption yet, nothing was sent", peerID)
	}
	return err
}

var watchCmd = &cobra.Command{
	Use:   "watch USER PEER",
	Short: "Follow a conversation live",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		userID, peerID := args[0], args[1]

		app, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		sess, err := app.openSession(ctx, userID)
		if err != nil {
			return err
		}

		unsub, err := sess.timeline.Subscribe(ctx, peerID, func(msgs []envelope.DecryptedMessage) {
			fmt.Print("\033[H\033[2J")
			for _, m := range msgs {
				printMessage(userID, m)
			}
		})
		if err != nil {
			return err
		}
		defer unsub()

		if err := sess.messaging.MarkConversationRead(ctx, peerID); err != nil {
			return err
		}

		<-ctx.Done()
		return nil
	},
}

func printMessage(userID string, m envelope.DecryptedMessage) {
	who := m.SenderID
	if m.SenderID == userID {
		who = "me"
	}
	when := m.Timestamp.Local().Format("15:04:05")
	if m.Pending {
		when += "~"
	}
	switch {
	case m.Attachment != nil:
		fmt.Printf("[%s] %s: (image %s)\n", when, who, m.Attachment.ObjectKey)
	case m.Edited:
		fmt.Printf("[%s] %s: %s (edited)\n", when, who, m.Content)
	default:
		fmt.Printf("[%s] %s: %s\n", when, who, m.Content)
	}
}

var resetKeysCmd = &cobra.Command{
	Use:   "reset-keys USER",
	Short: "Discard keys and generate a fresh pair",
	Long: "Discard the local key pair and publish a fresh one. Messages " +
		"encrypted under the old keys become permanently unreadable.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		userID := args[0]

		app, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		if err := app.Keys.Reset(ctx, userID); err != nil {
			return err
		}
		kp, err := app.Keys.GenerateAndPersist(ctx, userID)
		if err != nil {
			return err
		}

		password, err := GetPassword(os.Stderr)
		if err != nil {
			return err
		}
		defer common.WipeByteArray(password)
		if err := app.Keys.Backup(ctx, userID, kp, password); err != nil {
			fmt.Fprintf(os.Stderr, "warning: key backup failed: %v\n", err)
		}

		fmt.Printf("New public key for %s: %s\n", userID, cryptox.EncodeKey(kp.Public))
		fmt.Println("Old message history can no longer be decrypted.")
		return nil
	},
}

func init() {
	// The config layer reads these out of os.Args itself; they are
	// declared here so cobra accepts them on any command.
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to JSON config file")
	rootCmd.PersistentFlags().StringP("store-dsn", "d", "", "Document store DSN")
	rootCmd.PersistentFlags().StringP("local-db", "l", "", "Local database path")
	rootCmd.PersistentFlags().IntP("poll", "p", 0, "Change feed poll interval (ms)")

	sendCmd.Flags().String("image", "", "Send the file at this path as an encrypted image")
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(resetKeysCmd)
}
