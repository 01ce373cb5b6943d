package messaging

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Chirraaa/chatty-sub000/internal/dbx"
)

// UnreadRepository tracks per-conversation unread counters on the device.
// Counters are a local convenience derived from the change feed; the
// stored messages remain the source of truth.
type UnreadRepository interface {
	Increment(ctx context.Context, userID, peerID string) error
	Clear(ctx context.Context, userID, peerID string) error
	Get(ctx context.Context, userID, peerID string) (int64, error)
}

// SQLiteUnreadRepository keeps unread counters in the local database.
type SQLiteUnreadRepository struct {
	db dbx.DBTX
}

func NewSQLiteUnreadRepository(db dbx.DBTX) *SQLiteUnreadRepository {
	return &SQLiteUnreadRepository{db: db}
}

func (r *SQLiteUnreadRepository) Increment(ctx context.Context, userID, peerID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO unread_counts (user_id, peer_id, count) VALUES ($1, $2, 1)
		ON CONFLICT (user_id, peer_id) DO UPDATE SET count = unread_counts.count + 1`,
		userID, peerID)
	if err != nil {
		return fmt.Errorf("incrementing unread count: %w", err)
	}
	return nil
}

func (r *SQLiteUnreadRepository) Clear(ctx context.Context, userID, peerID string) error {
	_, err := r.db.ExecContext(ctx,
		"DELETE FROM unread_counts WHERE user_id = $1 AND peer_id = $2", userID, peerID)
	if err != nil {
		return fmt.Errorf("clearing unread count: %w", err)
	}
	return nil
}

func (r *SQLiteUnreadRepository) Get(ctx context.Context, userID, peerID string) (int64, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT count FROM unread_counts WHERE user_id = $1 AND peer_id = $2", userID, peerID)
	var count int64
	if err := row.Scan(&count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading unread count: %w", err)
	}
	return count, nil
}
