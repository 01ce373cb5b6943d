// Package timeline maintains a live, ordered view of one conversation by
// merging the two directed change streams (sent and received) of the
// message collection.
//
// The change feed is at-least-once, so the merge is keyed by message id:
// replayed or duplicated notifications converge to the same state, and the
// two streams may interleave in any order.
package timeline

import (
	"context"
	"sort"
	"sync"

	"github.com/Chirraaa/chatty-sub000/internal/cryptox"
	"github.com/Chirraaa/chatty-sub000/internal/docstore"
	"github.com/Chirraaa/chatty-sub000/internal/envelope"
	"github.com/Chirraaa/chatty-sub000/internal/logging"
)

// Sync builds conversation views for one signed-in user.
type Sync struct {
	userID string
	keys   *cryptox.KeyPair
	store  docstore.Store
	codec  *envelope.Codec
	logger logging.Logger
}

func NewSync(userID string, keys *cryptox.KeyPair, store docstore.Store, codec *envelope.Codec, logger logging.Logger) *Sync {
	if logger == nil {
		logger = logging.Nop{}
	}
	return &Sync{
		userID: userID,
		keys:   keys,
		store:  store,
		codec:  codec,
		logger: logger,
	}
}

// conversation is the mutable merge state behind one subscription.
type conversation struct {
	mu       sync.Mutex
	byID     map[string]envelope.Envelope
	onUpdate func([]envelope.DecryptedMessage)
}

// Subscribe opens a live view of the conversation with peerID. onUpdate
// receives the full ordered message list after every change batch;
// messages soft-deleted from the viewer's perspective are withheld from
// the list but kept in the merge state so a later un-hidden edit of the
// same document still converges.
//
// Plaintext is re-derived from the stored ciphertext on every emission,
// never cached, so a key reset immediately changes what renders.
//
// The returned unsubscribe function is idempotent and releases both
// underlying stream subscriptions.
func (s *Sync) Subscribe(ctx context.Context, peerID string, onUpdate func([]envelope.DecryptedMessage)) (docstore.UnsubscribeFunc, error) {
	conv := &conversation{
		byID:     make(map[string]envelope.Envelope),
		onUpdate: onUpdate,
	}
	handle := func(changes []docstore.Change) {
		s.apply(ctx, conv, changes)
	}

	unsubSent, err := s.store.Subscribe(ctx, envelope.Collection, []docstore.Filter{
		docstore.Eq("senderId", s.userID),
		docstore.Eq("receiverId", peerID),
	}, handle)
	if err != nil {
		return nil, err
	}

	unsubReceived, err := s.store.Subscribe(ctx, envelope.Collection, []docstore.Filter{
		docstore.Eq("senderId", peerID),
		docstore.Eq("receiverId", s.userID),
	}, handle)
	if err != nil {
		unsubSent()
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubSent()
			unsubReceived()
		})
	}, nil
}

// apply merges a change batch and emits the rendered view. The emission
// happens under the conversation lock: the two directed streams deliver
// from separate goroutines, and releasing the lock between render and
// onUpdate would let a stale view overtake a newer one.
func (s *Sync) apply(ctx context.Context, conv *conversation, changes []docstore.Change) {
	conv.mu.Lock()
	defer conv.mu.Unlock()
	for _, ch := range changes {
		switch ch.Kind {
		case docstore.ChangeRemoved:
			delete(conv.byID, ch.Doc.ID)
		default:
			conv.byID[ch.Doc.ID] = envelope.FromDocument(ch.Doc)
		}
	}
	conv.onUpdate(s.render(ctx, conv.byID))
}

// render produces the ordered, decrypted view: hidden messages dropped,
// the rest sorted by timestamp ascending with the id as a stable
// tie-break for identical timestamps.
func (s *Sync) render(ctx context.Context, byID map[string]envelope.Envelope) []envelope.DecryptedMessage {
	envs := make([]envelope.Envelope, 0, len(byID))
	for _, env := range byID {
		if env.DeletedForUser(s.userID) {
			continue
		}
		envs = append(envs, env)
	}
	sort.Slice(envs, func(i, j int) bool {
		if !envs[i].Timestamp.Equal(envs[j].Timestamp) {
			return envs[i].Timestamp.Before(envs[j].Timestamp)
		}
		return envs[i].ID < envs[j].ID
	})

	out := make([]envelope.DecryptedMessage, 0, len(envs))
	for _, env := range envs {
		out = append(out, s.codec.Open(ctx, env, s.userID, s.keys))
	}
	return out
}

// Load reads the conversation once, without subscribing. Useful for
// one-shot renders and for peers enumerated outside a live view.
func (s *Sync) Load(ctx context.Context, peerID string) ([]envelope.DecryptedMessage, error) {
	sent, err := s.store.Query(ctx, envelope.Collection,
		docstore.Eq("senderId", s.userID),
		docstore.Eq("receiverId", peerID),
	)
	if err != nil {
		return nil, err
	}
	received, err := s.store.Query(ctx, envelope.Collection,
		docstore.Eq("senderId", peerID),
		docstore.Eq("receiverId", s.userID),
	)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]envelope.Envelope, len(sent)+len(received))
	for _, doc := range append(sent, received...) {
		byID[doc.ID] = envelope.FromDocument(doc)
	}
	return s.render(ctx, byID), nil
}
