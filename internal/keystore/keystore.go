// Package keystore manages a user's asymmetric key pair: device-local
// persistence, publication of the public half to the central directory,
// and password-protected cloud backup/restore.
//
// Initialization follows a fixed state machine:
//
//	local keys found                      → ready
//	no local, backup opens with password  → restored, ready
//	no local, no backup, password given   → fresh keys generated, ready
//	no local, no backup, no password      → ErrKeyNotInitialized
//
// Initialization for one user is serialized through a per-user lock with a
// bounded wait so that two concurrent sign-ins cannot race key generation
// and publish two different key pairs for the same identity.
package keystore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Chirraaa/chatty-sub000/internal/common"
	"github.com/Chirraaa/chatty-sub000/internal/cryptox"
	"github.com/Chirraaa/chatty-sub000/internal/logging"
	"golang.org/x/sync/semaphore"
)

// InitLockTimeout bounds how long a caller waits for another in-flight
// initialization of the same user before giving up.
const InitLockTimeout = 5 * time.Second

// Service is the key store for one process. Construct one per signed-in
// session and pass it by reference; it holds no per-user key state itself,
// only repositories and locks.
type Service struct {
	local   LocalRepository
	dir     Directory
	backups BackupRepository
	logger  logging.Logger

	mu    sync.Mutex
	locks map[string]*semaphore.Weighted
}

func NewService(local LocalRepository, dir Directory, backups BackupRepository, logger logging.Logger) *Service {
	if logger == nil {
		logger = logging.Nop{}
	}
	return &Service{
		local:   local,
		dir:     dir,
		backups: backups,
		logger:  logger,
		locks:   make(map[string]*semaphore.Weighted),
	}
}

// LoadLocal reads the device-local key pair. It never generates; absence
// is common.ErrNotFound.
func (s *Service) LoadLocal(ctx context.Context, userID string) (*cryptox.KeyPair, error) {
	return s.local.Load(ctx, userID)
}

// Initialize runs the key-initialization state machine for userID and
// returns a ready key pair. password may be nil when the caller has none
// (e.g. token-based re-auth); in that case only locally stored keys can
// satisfy the call.
//
// A backup-write failure is logged and swallowed: it must never block
// sign-up or sign-in.
func (s *Service) Initialize(ctx context.Context, userID string, password []byte) (*cryptox.KeyPair, error) {
	release, err := s.acquireUserLock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer release()

	kp, err := s.local.Load(ctx, userID)
	if err == nil {
		return kp, nil
	}
	if !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}

	if password == nil {
		return nil, fmt.Errorf("no local keys and no password for %s: %w", userID, common.ErrKeyNotInitialized)
	}

	kp, err = s.Restore(ctx, userID, password)
	switch {
	case err == nil:
		if err := s.local.Save(ctx, userID, kp); err != nil {
			return nil, err
		}
		if err := s.dir.Set(ctx, userID, kp.Public); err != nil {
			return nil, err
		}
		s.logger.Info(ctx, "keys restored from backup", "userId", userID)
		return kp, nil

	case errors.Is(err, common.ErrBackupUnavailable):
		kp, err := s.generateAndPersistLocked(ctx, userID)
		if err != nil {
			return nil, err
		}
		if err := s.Backup(ctx, userID, kp, password); err != nil {
			s.logger.Warn(ctx, "key backup failed, continuing without it", "userId", userID, "error", err)
		}
		return kp, nil

	default:
		// Wrong password or a store failure; the caller decides whether to
		// re-prompt.
		return nil, err
	}
}

// GenerateAndPersist draws a fresh key pair, persists it locally, and
// publishes the public half to the directory. Concurrent calls for the
// same user serialize through the init lock; the losers observe the
// winner's keys instead of generating their own.
func (s *Service) GenerateAndPersist(ctx context.Context, userID string) (*cryptox.KeyPair, error) {
	release, err := s.acquireUserLock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer release()

	if kp, err := s.local.Load(ctx, userID); err == nil {
		return kp, nil
	} else if !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}
	return s.generateAndPersistLocked(ctx, userID)
}

func (s *Service) generateAndPersistLocked(ctx context.Context, userID string) (*cryptox.KeyPair, error) {
	kp, err := cryptox.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := s.local.Save(ctx, userID, kp); err != nil {
		return nil, err
	}
	if err := s.dir.Set(ctx, userID, kp.Public); err != nil {
		return nil, err
	}
	s.logger.Info(ctx, "generated fresh encryption keys", "userId", userID)
	return kp, nil
}

// Backup encrypts the secret key under a password-derived key and stores
// the record centrally.
func (s *Service) Backup(ctx context.Context, userID string, kp *cryptox.KeyPair, password []byte) error {
	rec, err := sealBackup(kp, password)
	if err != nil {
		return err
	}
	return s.backups.Put(ctx, userID, rec)
}

// Restore fetches the backup record and opens it with the given password.
// Returns common.ErrBackupUnavailable when no backup exists and
// common.ErrDecryptFailed when the password is wrong; callers choose the
// follow-up flow from the error, nothing else is leaked.
func (s *Service) Restore(ctx context.Context, userID string, password []byte) (*cryptox.KeyPair, error) {
	rec, err := s.backups.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	return openBackup(rec, password)
}

// Reset discards the local key pair. A subsequent GenerateAndPersist
// produces fresh, unrelated keys; messages encrypted under the old pair
// become permanently undecryptable.
func (s *Service) Reset(ctx context.Context, userID string) error {
	release, err := s.acquireUserLock(ctx, userID)
	if err != nil {
		return err
	}
	defer release()

	if err := s.local.Delete(ctx, userID); err != nil {
		return err
	}
	s.logger.Warn(ctx, "encryption keys reset, old message history is orphaned", "userId", userID)
	return nil
}

func (s *Service) acquireUserLock(ctx context.Context, userID string) (func(), error) {
	s.mu.Lock()
	lock, ok := s.locks[userID]
	if !ok {
		lock = semaphore.NewWeighted(1)
		s.locks[userID] = lock
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, InitLockTimeout)
	defer cancel()
	if err := lock.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for key initialization of %s: %w", userID, err)
	}
	return func() { lock.Release(1) }, nil
}
