// Package ledger defines the versioned, key-addressed asset store consumed by
// the lifecycle engines. Writes are optimistic: every put is conditioned on the
// version observed by the preceding read, and the full revision history of a
// key stays queryable.
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get when no live value exists for a key.
	ErrNotFound = errors.New("ledger: key not found")
	// ErrVersionConflict is returned by Put when the stored version has
	// advanced since the caller's read. The caller must re-read and retry.
	ErrVersionConflict = errors.New("ledger: version conflict")
)

// Versioned is a stored value together with the version that must be handed
// back on the next Put for that key.
type Versioned struct {
	Key     string
	Value   []byte
	Version uint64
}

// Revision is one historical state of a key.
type Revision struct {
	Version   uint64
	Value     []byte
	Timestamp time.Time
	Deleted   bool
}

// Query is a structured rich query against the store's document view.
//
// Selector entries are exact matches against top-level string fields of the
// JSON document. Match entries are case-insensitive, unanchored, literal
// substring matches; special characters in the needle match themselves. A
// field path of the form "arr[].field" applies to every element of the
// top-level array "arr" and matches when any element matches.
//
// Results are ordered by the string value of SortField (ascending unless
// Descending), with ties broken by key ascending, so independent executions
// observe identical orderings.
type Query struct {
	Selector   map[string]string
	Match      map[string]string
	SortField  string
	Descending bool
	Limit      int
}

// Store is the versioned asset store interface.
//
// Put semantics: expectedVersion 0 asserts the key must not exist (create);
// any other value asserts the stored version equals it (update). A violated
// assertion yields ErrVersionConflict.
type Store interface {
	Get(ctx context.Context, key string) (Versioned, error)
	Put(ctx context.Context, key string, value []byte, expectedVersion uint64) error
	Delete(ctx context.Context, key string, expectedVersion uint64) error
	Exists(ctx context.Context, key string) (bool, error)
	Query(ctx context.Context, q Query) ([]Versioned, error)
	History(ctx context.Context, key string) ([]Revision, error)
}
