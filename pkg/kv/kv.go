// Package kv serves the per-space key-value service. Values live in the
// block store; rows carry the metadata.
package kv

import (
	"context"
	"log/slog"
	"time"

	"github.com/ipfs/go-cid"

	"github.com/tinycloudlabs/tinycloud-node/internal/storage"
	"github.com/tinycloudlabs/tinycloud-node/internal/storage/blockstore"
	"github.com/tinycloudlabs/tinycloud-node/internal/storage/sqlite"
	"github.com/tinycloudlabs/tinycloud-node/pkg/capability"
	"github.com/tinycloudlabs/tinycloud-node/pkg/cidutil"
	"github.com/tinycloudlabs/tinycloud-node/pkg/tcerr"
)

// Metadata is the cheap stat view of an entry.
type Metadata struct {
	Key         string `json:"key"`
	ContentCID  string `json:"contentCid"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size"`
	CreatedAt   int64  `json:"createdAt"`
	UpdatedAt   int64  `json:"updatedAt"`
}

// Service executes KV operations against one node's stores.
type Service struct {
	stores *sqlite.Manager
	blocks blockstore.Store
	logger *slog.Logger
	now    func() time.Time
}

// Config wires a Service.
type Config struct {
	Stores *sqlite.Manager
	Blocks blockstore.Store
	Logger *slog.Logger
	Now    func() time.Time
}

// New creates a KV service.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{stores: cfg.Stores, blocks: cfg.Blocks, logger: logger, now: now}
}

// Get returns the bytes and metadata for a key.
func (s *Service) Get(ctx context.Context, space capability.SpaceID, key string) ([]byte, *Metadata, error) {
	entry, err := s.entry(ctx, space, key)
	if err != nil {
		return nil, nil, err
	}
	c, err := cidutil.Parse(entry.ContentCID)
	if err != nil {
		return nil, nil, err
	}
	data, err := s.blocks.Get(ctx, c)
	if err == blockstore.ErrNotFound {
		return nil, nil, tcerr.New(tcerr.KindNotFound, "content %s missing from block store", entry.ContentCID)
	}
	if err != nil {
		return nil, nil, err
	}
	return data, metadataOf(entry), nil
}

// Put upserts the row for a key. The bytes must already be in the block
// store under contentCID.
func (s *Service) Put(ctx context.Context, space capability.SpaceID, key string, contentCID cid.Cid, contentType string, size int64) (*Metadata, error) {
	store, err := s.stores.Get(space.String())
	if err != nil {
		return nil, tcerr.Wrap(tcerr.KindTransient, err, "open store for %s", space)
	}

	ts := s.now().Unix()
	var meta *Metadata
	err = store.WithTx(ctx, func(tx storage.Tx) error {
		entry := &storage.KVEntry{
			Space:       space.String(),
			Key:         key,
			ContentCID:  cidutil.Format(contentCID),
			ContentType: contentType,
			Size:        size,
			CreatedAt:   ts,
			UpdatedAt:   ts,
		}
		if existing, err := tx.GetKV(ctx, space.String(), key); err == nil {
			entry.CreatedAt = existing.CreatedAt
		} else if err != sqlite.ErrNotFound {
			return err
		}
		if err := tx.PutKV(ctx, entry); err != nil {
			return err
		}
		meta = metadataOf(entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("kv put", "space", space.String(), "key", key, "cid", cidutil.Format(contentCID))
	return meta, nil
}

// List returns keys under prefix in lexicographic order.
func (s *Service) List(ctx context.Context, space capability.SpaceID, prefix string) ([]string, error) {
	store, err := s.stores.Get(space.String())
	if err != nil {
		return nil, tcerr.Wrap(tcerr.KindTransient, err, "open store for %s", space)
	}
	return store.ListKV(ctx, space.String(), prefix)
}

// Delete removes the row. Block deletion is deferred to GC since the block
// may still be referenced by an in-flight invocation.
func (s *Service) Delete(ctx context.Context, space capability.SpaceID, key string) error {
	store, err := s.stores.Get(space.String())
	if err != nil {
		return tcerr.Wrap(tcerr.KindTransient, err, "open store for %s", space)
	}
	err = store.DeleteKV(ctx, space.String(), key)
	if err == sqlite.ErrNotFound {
		return tcerr.New(tcerr.KindNotFound, "key %q not found in %s", key, space)
	}
	return err
}

// Metadata stats a key without fetching its bytes.
func (s *Service) Metadata(ctx context.Context, space capability.SpaceID, key string) (*Metadata, error) {
	entry, err := s.entry(ctx, space, key)
	if err != nil {
		return nil, err
	}
	return metadataOf(entry), nil
}

// Usage returns the total stored size for a space.
func (s *Service) Usage(ctx context.Context, space capability.SpaceID) (int64, error) {
	store, err := s.stores.Get(space.String())
	if err != nil {
		return 0, tcerr.Wrap(tcerr.KindTransient, err, "open store for %s", space)
	}
	return store.SpaceUsage(ctx, space.String())
}

func (s *Service) entry(ctx context.Context, space capability.SpaceID, key string) (*storage.KVEntry, error) {
	store, err := s.stores.Get(space.String())
	if err != nil {
		return nil, tcerr.Wrap(tcerr.KindTransient, err, "open store for %s", space)
	}
	entry, err := store.GetKV(ctx, space.String(), key)
	if err == sqlite.ErrNotFound {
		return nil, tcerr.New(tcerr.KindNotFound, "key %q not found in %s", key, space)
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func metadataOf(entry *storage.KVEntry) *Metadata {
	return &Metadata{
		Key:         entry.Key,
		ContentCID:  entry.ContentCID,
		ContentType: entry.ContentType,
		Size:        entry.Size,
		CreatedAt:   entry.CreatedAt,
		UpdatedAt:   entry.UpdatedAt,
	}
}
