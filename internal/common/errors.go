// Package common defines shared constants and sentinel errors used across
// the chatty messaging core. Callers should use errors.Is to match these
// values.
package common

import "errors"

var (
	// Repository/store-level errors.
	ErrNotFound = errors.New("not found")

	// Key lifecycle errors.
	ErrKeyNotInitialized = errors.New("encryption keys not initialized")
	ErrBackupUnavailable = errors.New("key backup unavailable")
	ErrPeerKeyMissing    = errors.New("recipient has no published public key")

	// Crypto errors. A failed authentication on open is expected and
	// recoverable; it is never retried.
	ErrDecryptFailed = errors.New("decryption failed")

	// Call signaling errors.
	ErrCallSetup      = errors.New("call setup failed")
	ErrCallInProgress = errors.New("another call is already in progress")
	ErrCallEnded      = errors.New("call already ended")
)
