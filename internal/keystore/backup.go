package keystore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/Chirraaa/chatty-sub000/internal/common"
	"github.com/Chirraaa/chatty-sub000/internal/cryptox"
	"github.com/Chirraaa/chatty-sub000/internal/docstore"
)

// BackupRepository stores password-encrypted secret keys centrally so a
// user can recover their key pair on a new device.
type BackupRepository interface {
	Put(ctx context.Context, userID string, rec BackupRecord) error
	Get(ctx context.Context, userID string) (BackupRecord, error)
}

// BackupRecord is the stored backup: the secret key under a
// password-derived secretbox key, plus the KDF salt. Decryptable only by
// re-deriving the same key from the correct password and stored salt.
type BackupRecord struct {
	EncryptedSecretKey string
	Salt               []byte
	Version            int
}

// backupVersion identifies the current record layout.
const backupVersion = 1

const backupCollection = "keyBackups"

// StoreBackups keeps backup records in the shared document store, one
// document per user.
type StoreBackups struct {
	store docstore.Store
}

func NewStoreBackups(store docstore.Store) *StoreBackups {
	return &StoreBackups{store: store}
}

func (b *StoreBackups) Put(ctx context.Context, userID string, rec BackupRecord) error {
	err := b.store.Set(ctx, backupCollection, userID, map[string]any{
		"encryptedSecretKey": rec.EncryptedSecretKey,
		"salt":               base64.StdEncoding.EncodeToString(rec.Salt),
		"version":            rec.Version,
		"updatedAt":          docstore.ServerTimestamp,
	})
	if err != nil {
		return fmt.Errorf("backup write for %s: %w", userID, err)
	}
	return nil
}

func (b *StoreBackups) Get(ctx context.Context, userID string) (BackupRecord, error) {
	doc, err := b.store.Get(ctx, backupCollection, userID)
	if errors.Is(err, common.ErrNotFound) {
		return BackupRecord{}, common.ErrBackupUnavailable
	}
	if err != nil {
		return BackupRecord{}, fmt.Errorf("backup read for %s: %w", userID, err)
	}

	rec := BackupRecord{}
	rec.EncryptedSecretKey, _ = docstore.AsString(doc.Fields["encryptedSecretKey"])
	if encodedSalt, ok := docstore.AsString(doc.Fields["salt"]); ok {
		rec.Salt, err = base64.StdEncoding.DecodeString(encodedSalt)
		if err != nil {
			return BackupRecord{}, fmt.Errorf("backup salt for %s: %w", userID, err)
		}
	}
	if v, ok := docstore.AsInt(doc.Fields["version"]); ok {
		rec.Version = int(v)
	}

	if rec.EncryptedSecretKey == "" || len(rec.Salt) == 0 {
		return BackupRecord{}, common.ErrBackupUnavailable
	}
	return rec, nil
}

// sealBackup encrypts the secret key under a key derived from password and
// a fresh random salt.
func sealBackup(kp *cryptox.KeyPair, password []byte) (BackupRecord, error) {
	salt := common.GenerateRandByteArray(cryptox.SaltSize)
	key := cryptox.DeriveBackupKey(password, salt)

	ciphertext, err := cryptox.EncryptSecretbox(key, kp.Secret[:])
	if err != nil {
		return BackupRecord{}, fmt.Errorf("backup encryption: %w", err)
	}
	return BackupRecord{EncryptedSecretKey: ciphertext, Salt: salt, Version: backupVersion}, nil
}

// openBackup rederives the symmetric key from password and the stored
// salt, opens the ciphertext, and reconstructs the full key pair. A wrong
// password surfaces as common.ErrDecryptFailed.
func openBackup(rec BackupRecord, password []byte) (*cryptox.KeyPair, error) {
	key := cryptox.DeriveBackupKey(password, rec.Salt)

	secretBytes, err := cryptox.DecryptSecretbox(key, rec.EncryptedSecretKey)
	if err != nil {
		return nil, err
	}
	if len(secretBytes) != cryptox.KeySize {
		return nil, common.ErrDecryptFailed
	}

	var secret cryptox.Key
	copy(secret[:], secretBytes)
	public, err := cryptox.PublicFromSecret(secret)
	if err != nil {
		return nil, err
	}
	return &cryptox.KeyPair{Public: public, Secret: secret}, nil
}
