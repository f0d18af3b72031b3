// Package storage defines the row types and the store abstraction the
// capability engine persists through. The sqlite subpackage implements it.
package storage

import (
	"context"
)

// EventKind discriminates persisted events.
type EventKind string

const (
	KindDelegation EventKind = "delegation"
	KindInvocation EventKind = "invocation"
	KindRevocation EventKind = "revocation"
)

// ResourceRow is one (resource, ability) grant of an event. Caveats holds a
// JSON array, empty when none.
type ResourceRow struct {
	Resource string
	Ability  string
	Caveats  string
}

// EventRecord is an immutable event row plus its parents and grants.
type EventRecord struct {
	CID      string
	Kind     EventKind
	Issuer   string
	Audience string
	Iat      int64
	Nbf      int64
	Exp      int64
	Parents  []string
	Grants   []ResourceRow
	Raw      []byte
}

// KVEntry is one key in a space's key-value map.
type KVEntry struct {
	Space       string
	Key         string
	ContentCID  string
	ContentType string
	Size        int64
	CreatedAt   int64
	UpdatedAt   int64
}

// NonceRecord pins an invocation fingerprint for at-most-once execution.
type NonceRecord struct {
	Issuer        string
	Nonce         string
	InvocationCID string
	ResponseRef   string
	SeenAt        int64
}

// Tx is the transactional view all event-log mutations run through.
// Attenuation checks re-read parents inside the same transaction.
type Tx interface {
	UpsertActor(ctx context.Context, did string, at int64) error
	HasEvent(ctx context.Context, cid string) (bool, error)
	GetEvent(ctx context.Context, cid string) (*EventRecord, error)
	InsertEvent(ctx context.Context, rec *EventRecord) error
	// RevokedAt returns the revocation time of cid, if any.
	RevokedAt(ctx context.Context, cid string) (int64, bool, error)
	InsertRevocation(ctx context.Context, target, revokedBy string, at int64) error

	GetKV(ctx context.Context, space, key string) (*KVEntry, error)
	PutKV(ctx context.Context, entry *KVEntry) error
	DeleteKV(ctx context.Context, space, key string) error
	ListKV(ctx context.Context, space, prefix string) ([]string, error)
	SpaceUsage(ctx context.Context, space string) (int64, error)
	// ContentReferenced reports whether any KV entry or event row still
	// references the given content CID. Consulted by the block-store GC.
	ContentReferenced(ctx context.Context, cid string) (bool, error)

	GetNonce(ctx context.Context, issuer, nonce string) (*NonceRecord, error)
	InsertNonce(ctx context.Context, rec *NonceRecord) error
}

// Store is a per-space event and KV store.
type Store interface {
	Tx
	// WithTx runs fn in a transaction, rolling back on error.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}
