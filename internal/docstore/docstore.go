// Package docstore abstracts the remote document database the messaging
// core coordinates through: a collection/document model with
// server-assigned timestamps, field updates, field-equality queries, and
// change subscriptions.
//
// Delivery is at-least-once: on reconnect a subscription may replay
// "added" notifications for documents it already delivered, so consumers
// must merge by document id rather than append.
package docstore

import (
	"context"
	"time"
)

// Document is a stored document: an id plus a flat field map.
type Document struct {
	ID     string
	Fields map[string]any
}

// ServerTimestamp is a sentinel field value replaced by the store with the
// commit time of the write.
var ServerTimestamp = serverTimestamp{}

type serverTimestamp struct{}

// ChangeKind classifies a change notification.
type ChangeKind int

const (
	ChangeAdded ChangeKind = iota
	ChangeModified
	ChangeRemoved
)

// Change is one document-level change within a notification batch.
type Change struct {
	Kind ChangeKind
	Doc  Document
}

// Filter is a field-equality predicate. Multiple filters AND together.
type Filter struct {
	Field string
	Value any
}

// Eq builds a field-equality filter.
func Eq(field string, value any) Filter {
	return Filter{Field: field, Value: value}
}

// UnsubscribeFunc stops a subscription. Safe to call multiple times; after
// the first call no further notification batches are delivered.
type UnsubscribeFunc func()

// Store is the document-store contract. Implementations must assign ids on
// Add, replace ServerTimestamp sentinels with the commit time, and deliver
// subscription batches for one subscription in commit order.
type Store interface {
	// Add creates a document with a store-assigned id and returns the id.
	Add(ctx context.Context, collection string, fields map[string]any) (string, error)

	// Set creates or replaces the document with the given id.
	Set(ctx context.Context, collection, id string, fields map[string]any) error

	// Update merges the named fields into an existing document. Returns
	// common.ErrNotFound if the document does not exist.
	Update(ctx context.Context, collection, id string, fields map[string]any) error

	// Get reads a document by id. Returns common.ErrNotFound if absent.
	Get(ctx context.Context, collection, id string) (Document, error)

	// Query returns all documents matching every filter.
	Query(ctx context.Context, collection string, filters ...Filter) ([]Document, error)

	// Delete removes a document. Deleting an absent document is a no-op.
	Delete(ctx context.Context, collection, id string) error

	// Subscribe delivers the current result set of the filtered collection
	// as an initial batch of ChangeAdded, then incremental batches as
	// documents enter, change within, or leave the result set. A delivered
	// document that is deleted or stops matching the filters produces a
	// ChangeRemoved.
	Subscribe(ctx context.Context, collection string, filters []Filter, fn func([]Change)) (UnsubscribeFunc, error)
}

// Matches reports whether a field map satisfies every filter.
func Matches(fields map[string]any, filters []Filter) bool {
	for _, f := range filters {
		v, ok := fields[f.Field]
		if !ok || !valueEqual(v, f.Value) {
			return false
		}
	}
	return true
}

func valueEqual(a, b any) bool {
	// Normalize the types a JSON round trip can introduce so that a filter
	// written against Go values still matches documents read back from a
	// JSONB column.
	switch bv := b.(type) {
	case string:
		av, ok := AsString(a)
		return ok && av == bv
	case bool:
		av, ok := AsBool(a)
		return ok && av == bv
	case int:
		av, ok := AsInt(a)
		return ok && av == int64(bv)
	case int64:
		av, ok := AsInt(a)
		return ok && av == bv
	case float64:
		av, ok := a.(float64)
		return ok && av == bv
	default:
		return a == b
	}
}

// AsString extracts a string field value.
func AsString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// AsBool extracts a bool field value.
func AsBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

// AsInt extracts an integer field value, accepting the float64 that JSON
// decoding produces.
func AsInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// AsTime extracts a timestamp field value, accepting both native time.Time
// and the RFC 3339 string a JSON round trip produces.
func AsTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	default:
		return time.Time{}, false
	}
}
