package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Chirraaa/chatty-sub000/internal/common"
	"github.com/Chirraaa/chatty-sub000/internal/docstore/migrations"
	"github.com/Chirraaa/chatty-sub000/internal/logging"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// DefaultPollInterval is how often a Postgres subscription polls for new
// changes when no interval is configured.
const DefaultPollInterval = 250 * time.Millisecond

// PostgresStore is the production Store implementation: documents live in a
// JSONB column, every write bumps a global change sequence, and
// subscriptions are a polling change feed over that sequence.
//
// Polling gives at-least-once delivery by construction: a batch the
// subscriber processed but whose cursor advance was lost is simply read
// again. Consumers merge by document id, so replays are harmless.
//
// Physical deletes leave no seq trace and are not observable through the
// feed; the messaging core only soft-deletes. A document that stops
// matching a subscription's filters does surface, as ChangeRemoved.
type PostgresStore struct {
	db           *sql.DB
	pollInterval time.Duration
	logger       logging.Logger

	// now is a test seam for server-assigned timestamps.
	now func() time.Time
}

// OpenPostgres opens a pgx-backed *sql.DB and applies the embedded
// migrations.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	if err := RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// RunMigrations sets up goose with the embedded migrations and runs them.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	return goose.UpContext(ctx, db, ".")
}

func NewPostgresStore(db *sql.DB, pollInterval time.Duration, logger logging.Logger) *PostgresStore {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = logging.Nop{}
	}
	return &PostgresStore{db: db, pollInterval: pollInterval, logger: logger, now: time.Now}
}

func (s *PostgresStore) Add(ctx context.Context, collection string, fields map[string]any) (string, error) {
	id := uuid.NewString()
	if err := s.Set(ctx, collection, id, fields); err != nil {
		return "", err
	}
	return id, nil
}

func (s *PostgresStore) Set(ctx context.Context, collection, id string, fields map[string]any) error {
	payload, err := s.marshalFields(fields)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (collection, id, fields, seq)
		VALUES ($1, $2, $3, nextval('documents_change_seq'))
		ON CONFLICT (collection, id)
		DO UPDATE SET fields = excluded.fields, seq = nextval('documents_change_seq')
	`, collection, id, payload)
	if err != nil {
		return fmt.Errorf("failed to set %s/%s: %w", collection, id, err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	payload, err := s.marshalFields(fields)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET fields = fields || $3::jsonb, seq = nextval('documents_change_seq')
		WHERE collection = $1 AND id = $2
	`, collection, id, payload)
	if err != nil {
		return fmt.Errorf("failed to update %s/%s: %w", collection, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update %s/%s: %w", collection, id, err)
	}
	if n == 0 {
		return common.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, collection, id string) (Document, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT fields FROM documents WHERE collection = $1 AND id = $2`,
		collection, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, common.ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("failed to get %s/%s: %w", collection, id, err)
	}

	fields, err := unmarshalFields(raw)
	if err != nil {
		return Document{}, err
	}
	return Document{ID: id, Fields: fields}, nil
}

func (s *PostgresStore) Query(ctx context.Context, collection string, filters ...Filter) ([]Document, error) {
	// Filtering happens in Go so that equality semantics are identical to
	// the in-memory store regardless of JSONB value typing.
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, fields FROM documents WHERE collection = $1 ORDER BY seq`,
		collection)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", collection, err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", collection, err)
		}
		fields, err := unmarshalFields(raw)
		if err != nil {
			return nil, err
		}
		if Matches(fields, filters) {
			out = append(out, Document{ID: id, Fields: fields})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s rows: %w", collection, err)
	}
	return out, nil
}

func (s *PostgresStore) Delete(ctx context.Context, collection, id string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = $1 AND id = $2`,
		collection, id)
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", collection, id, err)
	}
	return nil
}

func (s *PostgresStore) Subscribe(ctx context.Context, collection string, filters []Filter, fn func([]Change)) (UnsubscribeFunc, error) {
	stop := make(chan struct{})
	var once sync.Once

	go func() {
		var cursor int64
		seen := make(map[string]bool)

		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		for {
			batch, next, err := s.pollChanges(ctx, collection, filters, cursor, seen)
			if err != nil {
				s.logger.Warn(ctx, "change poll failed", "collection", collection, "error", err)
			} else {
				cursor = next
				if len(batch) > 0 {
					fn(batch)
				}
			}

			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	unsubscribe := func() {
		once.Do(func() { close(stop) })
	}
	return unsubscribe, nil
}

func (s *PostgresStore) pollChanges(ctx context.Context, collection string, filters []Filter, cursor int64, seen map[string]bool) ([]Change, int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, fields, seq FROM documents
		WHERE collection = $1 AND seq > $2
		ORDER BY seq
	`, collection, cursor)
	if err != nil {
		return nil, cursor, fmt.Errorf("failed to poll %s: %w", collection, err)
	}
	defer rows.Close()

	var batch []Change
	next := cursor
	for rows.Next() {
		var id string
		var raw []byte
		var seq int64
		if err := rows.Scan(&id, &raw, &seq); err != nil {
			return nil, cursor, fmt.Errorf("failed to scan %s change: %w", collection, err)
		}
		if seq > next {
			next = seq
		}

		fields, err := unmarshalFields(raw)
		if err != nil {
			return nil, cursor, err
		}
		if !Matches(fields, filters) {
			// A document this subscription has delivered before has left
			// its result set.
			if seen[id] {
				delete(seen, id)
				batch = append(batch, Change{Kind: ChangeRemoved, Doc: Document{ID: id, Fields: fields}})
			}
			continue
		}

		kind := ChangeModified
		if !seen[id] {
			kind = ChangeAdded
			seen[id] = true
		}
		batch = append(batch, Change{Kind: kind, Doc: Document{ID: id, Fields: fields}})
	}
	if err := rows.Err(); err != nil {
		return nil, cursor, fmt.Errorf("failed to iterate %s changes: %w", collection, err)
	}
	return batch, next, nil
}

func (s *PostgresStore) marshalFields(fields map[string]any) ([]byte, error) {
	resolved := make(map[string]any, len(fields))
	for k, v := range fields {
		if _, ok := v.(serverTimestamp); ok {
			resolved[k] = s.now().UTC()
			continue
		}
		resolved[k] = v
	}
	payload, err := json.Marshal(resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fields: %w", err)
	}
	return payload, nil
}

func unmarshalFields(raw []byte) (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal fields: %w", err)
	}
	return fields, nil
}
