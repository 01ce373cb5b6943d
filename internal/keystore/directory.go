package keystore

import (
	"context"
	"errors"
	"fmt"

	"github.com/Chirraaa/chatty-sub000/internal/common"
	"github.com/Chirraaa/chatty-sub000/internal/cryptox"
	"github.com/Chirraaa/chatty-sub000/internal/docstore"
)

// Directory is the central public-key directory: readable by any
// authenticated party, writable only by the key's owner. No history is
// kept, so overwriting a key orphans ciphertext produced under the old
// one.
type Directory interface {
	Get(ctx context.Context, userID string) (cryptox.Key, error)
	Set(ctx context.Context, userID string, key cryptox.Key) error
}

const directoryCollection = "publicKeys"

// StoreDirectory keeps the directory in the shared document store, one
// document per user keyed by user id.
type StoreDirectory struct {
	store docstore.Store
}

func NewStoreDirectory(store docstore.Store) *StoreDirectory {
	return &StoreDirectory{store: store}
}

// Get returns common.ErrPeerKeyMissing when the user has never published a
// key, so send paths can fail fast with the right taxonomy.
func (d *StoreDirectory) Get(ctx context.Context, userID string) (cryptox.Key, error) {
	doc, err := d.store.Get(ctx, directoryCollection, userID)
	if errors.Is(err, common.ErrNotFound) {
		return cryptox.Key{}, common.ErrPeerKeyMissing
	}
	if err != nil {
		return cryptox.Key{}, fmt.Errorf("directory lookup for %s: %w", userID, err)
	}

	encoded, ok := docstore.AsString(doc.Fields["publicKey"])
	if !ok {
		return cryptox.Key{}, common.ErrPeerKeyMissing
	}
	key, err := cryptox.DecodeKey(encoded)
	if err != nil {
		return cryptox.Key{}, fmt.Errorf("directory entry for %s: %w", userID, err)
	}
	return key, nil
}

func (d *StoreDirectory) Set(ctx context.Context, userID string, key cryptox.Key) error {
	err := d.store.Set(ctx, directoryCollection, userID, map[string]any{
		"publicKey": cryptox.EncodeKey(key),
		"updatedAt": docstore.ServerTimestamp,
	})
	if err != nil {
		return fmt.Errorf("directory publish for %s: %w", userID, err)
	}
	return nil
}
