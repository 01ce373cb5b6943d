package docstore

import (
	"context"
	"sync"
	"time"

	"github.com/Chirraaa/chatty-sub000/internal/common"
	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store used by tests and the demo CLI. It
// honors the same contract as the Postgres-backed store: commit-order
// delivery per subscription and an initial snapshot of ChangeAdded.
type MemoryStore struct {
	mu          sync.Mutex
	collections map[string]map[string]map[string]any
	subs        map[int]*memorySub
	nextSubID   int

	// now is a test seam for server-assigned timestamps.
	now func() time.Time
}

// memorySub buffers change batches in an unbounded per-subscription queue
// drained by a single goroutine: writers never block behind a slow
// subscriber, and batches still arrive in commit order.
type memorySub struct {
	collection string
	filters    []Filter
	seen       map[string]bool

	mu    sync.Mutex
	queue [][]Change
	wake  chan struct{}
	stop  chan struct{}
	once  sync.Once
}

func (sub *memorySub) enqueue(batch []Change) {
	if len(batch) == 0 {
		return
	}
	sub.mu.Lock()
	sub.queue = append(sub.queue, batch)
	sub.mu.Unlock()
	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

func (sub *memorySub) next() ([]Change, bool) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.queue) == 0 {
		return nil, false
	}
	batch := sub.queue[0]
	sub.queue = sub.queue[1:]
	return batch, true
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]map[string]map[string]any),
		subs:        make(map[int]*memorySub),
		now:         time.Now,
	}
}

func (s *MemoryStore) Add(ctx context.Context, collection string, fields map[string]any) (string, error) {
	id := uuid.NewString()
	if err := s.Set(ctx, collection, id, fields); err != nil {
		return "", err
	}
	return id, nil
}

func (s *MemoryStore) Set(ctx context.Context, collection, id string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	col := s.collections[collection]
	if col == nil {
		col = make(map[string]map[string]any)
		s.collections[collection] = col
	}
	col[id] = s.resolveTimestamps(fields)
	s.notifyLocked(collection, id)
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.collections[collection][id]
	if !ok {
		return common.ErrNotFound
	}
	merged := copyFields(doc)
	for k, v := range s.resolveTimestamps(fields) {
		merged[k] = v
	}
	s.collections[collection][id] = merged
	s.notifyLocked(collection, id)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, collection, id string) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fields, ok := s.collections[collection][id]
	if !ok {
		return Document{}, common.ErrNotFound
	}
	return Document{ID: id, Fields: copyFields(fields)}, nil
}

func (s *MemoryStore) Query(ctx context.Context, collection string, filters ...Filter) ([]Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Document
	for id, fields := range s.collections[collection] {
		if Matches(fields, filters) {
			out = append(out, Document{ID: id, Fields: copyFields(fields)})
		}
	}
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fields, ok := s.collections[collection][id]
	if !ok {
		return nil
	}
	delete(s.collections[collection], id)

	change := Change{Kind: ChangeRemoved, Doc: Document{ID: id, Fields: copyFields(fields)}}
	for _, sub := range s.subs {
		if sub.collection != collection || !sub.seen[id] {
			continue
		}
		delete(sub.seen, id)
		sub.enqueue([]Change{change})
	}
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, collection string, filters []Filter, fn func([]Change)) (UnsubscribeFunc, error) {
	sub := &memorySub{
		collection: collection,
		filters:    filters,
		seen:       make(map[string]bool),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}

	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = sub

	// Initial snapshot, delivered as an Added batch before any
	// incremental change.
	var initial []Change
	for docID, fields := range s.collections[collection] {
		if Matches(fields, filters) {
			sub.seen[docID] = true
			initial = append(initial, Change{Kind: ChangeAdded, Doc: Document{ID: docID, Fields: copyFields(fields)}})
		}
	}
	sub.enqueue(initial)
	s.mu.Unlock()

	go func() {
		for {
			select {
			case <-sub.stop:
				return
			case <-sub.wake:
			}
			for {
				batch, ok := sub.next()
				if !ok {
					break
				}
				// Queued batches are dropped once the subscription stops.
				select {
				case <-sub.stop:
					return
				default:
				}
				fn(batch)
			}
		}
	}()

	unsubscribe := func() {
		sub.once.Do(func() {
			close(sub.stop)
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
	return unsubscribe, nil
}

// notifyLocked fans a write out to subscriptions on the collection. Caller
// holds mu, which is what guarantees commit-order enqueueing per
// subscription. A previously delivered document that no longer matches a
// subscription's filters leaves its result set as ChangeRemoved, so a
// status flip is observable even through a status-filtered watch.
func (s *MemoryStore) notifyLocked(collection, id string) {
	fields := s.collections[collection][id]
	for _, sub := range s.subs {
		if sub.collection != collection {
			continue
		}
		doc := Document{ID: id, Fields: copyFields(fields)}
		switch {
		case Matches(fields, sub.filters) && sub.seen[id]:
			sub.enqueue([]Change{{Kind: ChangeModified, Doc: doc}})
		case Matches(fields, sub.filters):
			sub.seen[id] = true
			sub.enqueue([]Change{{Kind: ChangeAdded, Doc: doc}})
		case sub.seen[id]:
			delete(sub.seen, id)
			sub.enqueue([]Change{{Kind: ChangeRemoved, Doc: doc}})
		}
	}
}

func (s *MemoryStore) resolveTimestamps(fields map[string]any) map[string]any {
	out := copyFields(fields)
	for k, v := range out {
		if _, ok := v.(serverTimestamp); ok {
			out[k] = s.now().UTC()
		}
	}
	return out
}

func copyFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
