// Package cli implements the chatty command line client: a thin demo
// shell over the messaging core, wiring per-session services the way the
// mobile clients do.
package cli

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Chirraaa/chatty-sub000/internal/blob"
	"github.com/Chirraaa/chatty-sub000/internal/config"
	"github.com/Chirraaa/chatty-sub000/internal/cryptox"
	"github.com/Chirraaa/chatty-sub000/internal/docstore"
	"github.com/Chirraaa/chatty-sub000/internal/filex"
	"github.com/Chirraaa/chatty-sub000/internal/keystore"
	"github.com/Chirraaa/chatty-sub000/internal/localdb"
	"github.com/Chirraaa/chatty-sub000/internal/logging"
	"github.com/Chirraaa/chatty-sub000/internal/messaging"
	"github.com/Chirraaa/chatty-sub000/internal/timeline"
)

// App bundles the services behind one CLI invocation. Services are built
// per session, never shared globally, so two invocations for different
// users cannot leak state into each other.
type App struct {
	cfg    *config.Config
	logger logging.Logger

	store docstore.Store
	db    *sql.DB
	blobs blob.Store

	Keys *keystore.Service
}

// NewApp opens the stores and builds the session-independent services.
// Callers must Close.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	dataDir, err := filex.EnsureDir(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	db, err := localdb.Open(ctx, filepath.Join(dataDir, cfg.LocalDBPath))
	if err != nil {
		return nil, err
	}

	var store docstore.Store
	if cfg.StoreDSN == "" {
		// Demo mode: a process-local store. Fine for exercising one user,
		// useless for talking across processes.
		store = docstore.NewMemoryStore()
	} else {
		pg, err := docstore.OpenPostgres(ctx, cfg.StoreDSN)
		if err != nil {
			db.Close()
			return nil, err
		}
		store = docstore.NewPostgresStore(pg, cfg.PollInterval, logger)
	}

	var blobs blob.Store
	if cfg.S3AccessKey == "" {
		blobs = blob.NewMemoryStore()
	} else {
		blobs, err = blob.NewS3Store(ctx, blob.S3Config{
			Region:       cfg.S3Region,
			BaseEndpoint: cfg.S3Endpoint,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			Bucket:       cfg.S3Bucket,
		})
		if err != nil {
			db.Close()
			return nil, err
		}
	}

	keys := keystore.NewService(
		keystore.NewSQLiteRepository(db),
		keystore.NewStoreDirectory(store),
		keystore.NewStoreBackups(store),
		logger,
	)

	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
		db:     db,
		blobs:  blobs,
		Keys:   keys,
	}, nil
}

func (a *App) Close() error {
	return a.db.Close()
}

// session is one signed-in user's view of the app.
type session struct {
	userID    string
	keyPair   *cryptox.KeyPair
	messaging *messaging.Service
	timeline  *timeline.Sync
}

// openSession loads the user's local keys and builds the messaging
// services around them. It never generates keys; init or login do that.
func (a *App) openSession(ctx context.Context, userID string) (*session, error) {
	kp, err := a.Keys.LoadLocal(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("no keys for %s on this device, run 'chatty init %s' first: %w", userID, userID, err)
	}

	dir := keystore.NewStoreDirectory(a.store)
	msg := messaging.NewService(userID, kp, a.store, a.blobs, dir,
		messaging.NewSQLiteUnreadRepository(a.db), a.logger)
	return &session{
		userID:    userID,
		keyPair:   kp,
		messaging: msg,
		timeline:  timeline.NewSync(userID, kp, a.store, msg.Codec(), a.logger),
	}, nil
}
