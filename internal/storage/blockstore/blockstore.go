// Package blockstore persists raw bytes keyed by CID. Backends differ in
// latency, not semantics: puts are verified against the CID before commit,
// so a stored block can never disagree with its address.
package blockstore

import (
	"context"
	"errors"

	"github.com/ipfs/go-cid"

	"github.com/tinycloudlabs/tinycloud-node/pkg/cidutil"
	"github.com/tinycloudlabs/tinycloud-node/pkg/tcerr"
)

var (
	// ErrNotFound is returned when a CID has no stored block.
	ErrNotFound = errors.New("block not found")
	// ErrInvalidBlockContent is returned when put bytes do not hash to the
	// given CID.
	ErrInvalidBlockContent = errors.New("block bytes do not match cid")
)

// Store is the pluggable block-store capability set.
type Store interface {
	// Put stores bytes under c. Re-writing an existing CID with identical
	// bytes is a no-op success; mismatched bytes fail ErrInvalidBlockContent.
	Put(ctx context.Context, c cid.Cid, data []byte) error
	Get(ctx context.Context, c cid.Cid) ([]byte, error)
	Has(ctx context.Context, c cid.Cid) (bool, error)
	Delete(ctx context.Context, c cid.Cid) error
	// IterPrefix yields all stored CIDs whose textual form starts with
	// prefix. An empty prefix yields everything.
	IterPrefix(ctx context.Context, prefix string, fn func(cid.Cid) error) error
}

// verifyBlock checks data against c before any backend write.
func verifyBlock(c cid.Cid, data []byte) error {
	if !cidutil.Equals(cidutil.Compute(data), c) {
		return tcerr.Wrap(tcerr.KindBodyMismatch, ErrInvalidBlockContent, "bytes hash to a different cid than %s", cidutil.Format(c))
	}
	return nil
}
