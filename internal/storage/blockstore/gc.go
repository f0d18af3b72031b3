package blockstore

import (
	"context"
	"log/slog"

	"github.com/ipfs/go-cid"

	"github.com/tinycloudlabs/tinycloud-node/pkg/cidutil"
)

// Referenced reports whether any KV entry or event still points at c.
type Referenced func(ctx context.Context, c cid.Cid) (bool, error)

// Sweep deletes unreferenced blocks. It runs off the request path; deletes
// are best-effort and a failed delete is retried on the next sweep.
func Sweep(ctx context.Context, store Store, referenced Referenced, logger *slog.Logger) (removed int, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	err = store.IterPrefix(ctx, "", func(c cid.Cid) error {
		ok, err := referenced(ctx, c)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if err := store.Delete(ctx, c); err != nil {
			logger.Warn("gc delete failed", "cid", cidutil.Format(c), "error", err)
			return nil
		}
		removed++
		return nil
	})
	return removed, err
}
