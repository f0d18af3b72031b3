package blockstore

import (
	"context"
	"log/slog"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	flatfs "github.com/ipfs/go-ds-flatfs"

	"github.com/tinycloudlabs/tinycloud-node/pkg/cidutil"
	"github.com/tinycloudlabs/tinycloud-node/pkg/tcerr"
)

// FlatFS stores blocks on the local filesystem, sharded by two characters
// taken from the digest end of the CID text. flatfs writes through a temp file and
// renames, so a failed write never leaves a partial block visible.
type FlatFS struct {
	ds     *flatfs.Datastore
	logger *slog.Logger
}

var _ Store = (*FlatFS)(nil)

// OpenFlatFS creates or opens a sharded flat-file store rooted at path.
func OpenFlatFS(path string, logger *slog.Logger) (*FlatFS, error) {
	shard, err := flatfs.ParseShardFunc("/repo/flatfs/shard/v1/next-to-last/2")
	if err != nil {
		return nil, err
	}
	ds, err := flatfs.CreateOrOpen(path, shard, false)
	if err != nil {
		return nil, tcerr.Wrap(tcerr.KindTransient, err, "open flatfs at %s", path)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FlatFS{ds: ds, logger: logger}, nil
}

func (f *FlatFS) Close() error {
	return f.ds.Close()
}

func blockKey(c cid.Cid) datastore.Key {
	// flatfs accepts only upper-case key characters.
	return datastore.NewKey("/" + strings.ToUpper(cidutil.Format(c)))
}

func (f *FlatFS) Put(ctx context.Context, c cid.Cid, data []byte) error {
	if err := verifyBlock(c, data); err != nil {
		return err
	}
	key := blockKey(c)
	if ok, err := f.ds.Has(ctx, key); err == nil && ok {
		// Content-addressed: an existing block already holds these bytes.
		return nil
	}
	if err := f.ds.Put(ctx, key, data); err != nil {
		return tcerr.Wrap(tcerr.KindTransient, err, "flatfs put %s", cidutil.Format(c))
	}
	return nil
}

func (f *FlatFS) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	data, err := f.ds.Get(ctx, blockKey(c))
	if err == datastore.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, tcerr.Wrap(tcerr.KindTransient, err, "flatfs get %s", cidutil.Format(c))
	}
	return data, nil
}

func (f *FlatFS) Has(ctx context.Context, c cid.Cid) (bool, error) {
	ok, err := f.ds.Has(ctx, blockKey(c))
	if err != nil {
		return false, tcerr.Wrap(tcerr.KindTransient, err, "flatfs has %s", cidutil.Format(c))
	}
	return ok, nil
}

func (f *FlatFS) Delete(ctx context.Context, c cid.Cid) error {
	if err := f.ds.Delete(ctx, blockKey(c)); err != nil {
		return tcerr.Wrap(tcerr.KindTransient, err, "flatfs delete %s", cidutil.Format(c))
	}
	return nil
}

func (f *FlatFS) IterPrefix(ctx context.Context, prefix string, fn func(cid.Cid) error) error {
	res, err := f.ds.Query(ctx, dsq.Query{KeysOnly: true})
	if err != nil {
		return tcerr.Wrap(tcerr.KindTransient, err, "flatfs query")
	}
	defer res.Close()

	for entry := range res.Next() {
		if entry.Error != nil {
			return tcerr.Wrap(tcerr.KindTransient, entry.Error, "flatfs iterate")
		}
		name := strings.ToLower(strings.TrimPrefix(entry.Key, "/"))
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		c, err := cidutil.Parse(name)
		if err != nil {
			f.logger.Warn("skipping non-cid key in block store", "key", entry.Key)
			continue
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}
