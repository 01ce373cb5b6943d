package keystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Chirraaa/chatty-sub000/internal/common"
	"github.com/Chirraaa/chatty-sub000/internal/cryptox"
	"github.com/Chirraaa/chatty-sub000/internal/dbx"
)

// LocalRepository persists key pairs on the device. The secret key never
// leaves this store unencrypted except through Load.
type LocalRepository interface {
	Load(ctx context.Context, userID string) (*cryptox.KeyPair, error)
	Save(ctx context.Context, userID string, kp *cryptox.KeyPair) error
	Delete(ctx context.Context, userID string) error
}

// SQLiteRepository stores key pairs in the device-local SQLite database,
// base64-encoded, one row per user.
type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Load(ctx context.Context, userID string) (*cryptox.KeyPair, error) {
	var pub, sec string
	err := r.db.QueryRowContext(ctx,
		`SELECT public_key, secret_key FROM encryption_keys WHERE user_id = ?`,
		userID).Scan(&pub, &sec)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load keys for %s: %w", userID, err)
	}

	publicKey, err := cryptox.DecodeKey(pub)
	if err != nil {
		return nil, fmt.Errorf("stored public key for %s: %w", userID, err)
	}
	secretKey, err := cryptox.DecodeKey(sec)
	if err != nil {
		return nil, fmt.Errorf("stored secret key for %s: %w", userID, err)
	}
	return &cryptox.KeyPair{Public: publicKey, Secret: secretKey}, nil
}

// Save replaces the stored pair in one transaction: the delete of the old
// row and the insert of the new one commit together, so a failed write can
// never leave a user with half a key pair or no keys at all.
func (r *SQLiteRepository) Save(ctx context.Context, userID string, kp *cryptox.KeyPair) error {
	err := dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM encryption_keys WHERE user_id = ?`, userID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO encryption_keys (user_id, public_key, secret_key) VALUES (?, ?, ?)`,
			userID, cryptox.EncodeKey(kp.Public), cryptox.EncodeKey(kp.Secret))
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to save keys for %s: %w", userID, err)
	}
	return nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM encryption_keys WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete keys for %s: %w", userID, err)
	}
	return nil
}
