// Package cryptox implements the cryptographic primitives of the messaging
// core: NaCl box authenticated encryption between two key pairs, secretbox
// symmetric encryption for the key backup, and password-based key
// derivation.
//
// All functions are pure over the supplied key material plus internally
// sourced randomness; there is no hidden global state.
package cryptox

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/Chirraaa/chatty-sub000/internal/common"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the size of public keys, secret keys, and symmetric keys.
	KeySize = 32

	// NonceSize is the NaCl box/secretbox nonce length.
	NonceSize = 24

	// SaltSize is the backup-KDF salt length.
	SaltSize = 16

	// BackupKDFRounds is the PBKDF2 iteration count for the key backup.
	BackupKDFRounds = 10000
)

// Key is a 32-byte NaCl key. Public and secret keys share this
// representation; the type system does not distinguish them, the field
// names on KeyPair do.
type Key [KeySize]byte

// KeyPair is a user's asymmetric key pair. The secret half never leaves
// local persistence unencrypted.
type KeyPair struct {
	Public Key
	Secret Key
}

// GenerateKeyPair draws a fresh random key pair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, sec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation: %w", err)
	}
	return &KeyPair{Public: Key(*pub), Secret: Key(*sec)}, nil
}

// EncodeKey renders a key in the base64 form used for storage and the
// public-key directory.
func EncodeKey(k Key) string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// DecodeKey parses a base64 key produced by EncodeKey.
func DecodeKey(s string) (Key, error) {
	var k Key
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("invalid key encoding: %w", err)
	}
	if len(b) != KeySize {
		return k, fmt.Errorf("invalid key length %d", len(b))
	}
	copy(k[:], b)
	return k, nil
}

// EncryptBox authenticated-encrypts plaintext from ourSecret to theirPublic
// and returns base64(nonce ‖ ciphertext).
//
// A fresh random nonce is drawn on every call; reusing a nonce under the
// same key pair is a correctness violation, so callers must never cache or
// replay the result of one call as the input of another.
func EncryptBox(theirPublic Key, ourSecret Key, plaintext []byte) (string, error) {
	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("nonce generation: %w", err)
	}

	pub, sec := [KeySize]byte(theirPublic), [KeySize]byte(ourSecret)
	sealed := box.Seal(nonce[:], plaintext, &nonce, &pub, &sec)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptBox opens base64(nonce ‖ ciphertext) produced by EncryptBox.
//
// Authentication failure (wrong key, corrupted data, or a malformed
// nonce/ciphertext) yields common.ErrDecryptFailed, never a partial
// plaintext.
func DecryptBox(theirPublic Key, ourSecret Key, encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, common.ErrDecryptFailed
	}
	if len(raw) < NonceSize {
		return nil, common.ErrDecryptFailed
	}

	var nonce [NonceSize]byte
	copy(nonce[:], raw[:NonceSize])

	pub, sec := [KeySize]byte(theirPublic), [KeySize]byte(ourSecret)
	plaintext, ok := box.Open(nil, raw[NonceSize:], &nonce, &pub, &sec)
	if !ok {
		return nil, common.ErrDecryptFailed
	}
	return plaintext, nil
}

// EncryptSecretbox symmetric-encrypts plaintext under key and returns
// base64(nonce ‖ ciphertext). Same nonce discipline as EncryptBox.
func EncryptSecretbox(key Key, plaintext []byte) (string, error) {
	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("nonce generation: %w", err)
	}

	k := [KeySize]byte(key)
	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, &k)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptSecretbox opens base64(nonce ‖ ciphertext) produced by
// EncryptSecretbox, returning common.ErrDecryptFailed on any failure.
func DecryptSecretbox(key Key, encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, common.ErrDecryptFailed
	}
	if len(raw) < NonceSize {
		return nil, common.ErrDecryptFailed
	}

	var nonce [NonceSize]byte
	copy(nonce[:], raw[:NonceSize])

	k := [KeySize]byte(key)
	plaintext, ok := secretbox.Open(nil, raw[NonceSize:], &nonce, &k)
	if !ok {
		return nil, common.ErrDecryptFailed
	}
	return plaintext, nil
}

// DeriveBackupKey stretches a password into a symmetric backup key using
// PBKDF2-SHA256 with BackupKDFRounds iterations over password ‖ salt.
// The same password and salt always yield the same key.
func DeriveBackupKey(password, salt []byte) Key {
	var k Key
	copy(k[:], pbkdf2.Key(password, salt, BackupKDFRounds, KeySize, sha256.New))
	return k
}

// PublicFromSecret derives the Curve25519 public key matching a secret
// key. The key backup stores only the encrypted secret half; the public
// half is recomputed on restore.
func PublicFromSecret(secret Key) (Key, error) {
	var pub Key
	b, err := curve25519.X25519(secret[:], curve25519.Basepoint)
	if err != nil {
		return pub, fmt.Errorf("public key derivation: %w", err)
	}
	copy(pub[:], b)
	return pub, nil
}

// GenerateSymmetricKey draws a fresh random secretbox key, used for
// encrypting image attachments before upload.
func GenerateSymmetricKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return k, fmt.Errorf("key generation: %w", err)
	}
	return k, nil
}
