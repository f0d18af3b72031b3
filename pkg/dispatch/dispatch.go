// Package dispatch routes verified invocations to service handlers and
// enforces at-most-once execution per (issuer, nonce) fingerprint.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ipfs/go-cid"

	"github.com/tinycloudlabs/tinycloud-node/internal/storage"
	"github.com/tinycloudlabs/tinycloud-node/internal/storage/blockstore"
	"github.com/tinycloudlabs/tinycloud-node/internal/storage/sqlite"
	"github.com/tinycloudlabs/tinycloud-node/pkg/capability"
	"github.com/tinycloudlabs/tinycloud-node/pkg/cidutil"
	"github.com/tinycloudlabs/tinycloud-node/pkg/envelope"
	"github.com/tinycloudlabs/tinycloud-node/pkg/eventlog"
	"github.com/tinycloudlabs/tinycloud-node/pkg/kv"
	"github.com/tinycloudlabs/tinycloud-node/pkg/tcerr"
)

// Result is the operation outcome returned to the transport.
type Result struct {
	Status      int    `json:"status"`
	ContentType string `json:"contentType,omitempty"`
	Body        []byte `json:"body,omitempty"`
}

// Config wires a Dispatcher.
type Config struct {
	Log    *eventlog.Log
	KV     *kv.Service
	Blocks blockstore.Store
	Stores *sqlite.Manager
	Logger *slog.Logger
	Now    func() time.Time
	// QuotaBytes caps per-space storage; 0 disables the check.
	QuotaBytes int64
	// MaxRetries bounds internal retries of transient backend errors.
	MaxRetries uint64
}

// Dispatcher resolves invocations to handlers.
type Dispatcher struct {
	log        *eventlog.Log
	kv         *kv.Service
	blocks     blockstore.Store
	stores     *sqlite.Manager
	logger     *slog.Logger
	now        func() time.Time
	quota      int64
	maxRetries uint64
}

// putCaveat is the nb shape an invocation may use to pin its body CID.
type putCaveat struct {
	CID string `json:"cid"`
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	retries := cfg.MaxRetries
	if retries == 0 {
		retries = 3
	}
	return &Dispatcher{
		log:        cfg.Log,
		kv:         cfg.KV,
		blocks:     cfg.Blocks,
		stores:     cfg.Stores,
		logger:     logger,
		now:        now,
		quota:      cfg.QuotaBytes,
		maxRetries: retries,
	}
}

// Handle executes one invocation envelope. body carries the uploaded bytes
// for put operations, nil otherwise.
func (d *Dispatcher) Handle(ctx context.Context, env *envelope.Envelope, body []byte, contentType string) (*Result, error) {
	if err := env.AsInvocation(); err != nil {
		return nil, err
	}

	if env.Kind == envelope.KindRevocationUCAN {
		return d.handleRevocation(ctx, env)
	}

	space, err := env.Space()
	if err != nil {
		return nil, err
	}
	store, err := d.stores.Get(space.String())
	if err != nil {
		return nil, tcerr.Wrap(tcerr.KindTransient, err, "open store for %s", space)
	}

	// Replay detection before any side effect.
	if prior, err := store.GetNonce(ctx, env.Issuer, env.Nonce); err == nil {
		if prior.InvocationCID != cidutil.Format(env.CID) {
			return nil, tcerr.New(tcerr.KindConflict,
				"nonce %q already used by a different invocation", env.Nonce)
		}
		return d.loadRecordedResult(ctx, prior)
	} else if err != sqlite.ErrNotFound {
		return nil, err
	}

	var res *Result
	op := func() error {
		var err error
		res, err = d.execute(ctx, env, space, body, contentType)
		if err != nil && tcerr.IsKind(err, tcerr.KindTransient) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), d.maxRetries), ctx)); err != nil {
		return nil, err
	}

	if err := d.recordResult(ctx, store, env, res); err != nil {
		d.logger.Warn("failed to record invocation result", "error", err, "nonce", env.Nonce)
	}
	return res, nil
}

func (d *Dispatcher) execute(ctx context.Context, env *envelope.Envelope, space capability.SpaceID, body []byte, contentType string) (*Result, error) {
	// Content-address and stage the body before the log insert so the KV
	// row never references a missing block.
	var bodyCID string
	if body != nil {
		if d.quota > 0 {
			used, err := d.kv.Usage(ctx, space)
			if err != nil {
				return nil, err
			}
			if used+int64(len(body)) > d.quota {
				return nil, tcerr.New(tcerr.KindQuotaExceeded, "space %s exceeds %d byte quota", space, d.quota)
			}
		}
		c := cidutil.Compute(body)
		if err := d.checkBodyCaveat(env, c); err != nil {
			return nil, err
		}
		if err := d.blocks.Put(ctx, c, body); err != nil {
			return nil, err
		}
		bodyCID = cidutil.Format(c)
	}

	auth, err := d.log.ApplyInvocation(ctx, env)
	if err != nil {
		return nil, err
	}
	if auth.Ability.Namespace != capability.Namespace || auth.Ability.Service != capability.ServiceKV {
		return nil, tcerr.New(tcerr.KindBadAbility, "no handler for service %s.%s", auth.Ability.Namespace, auth.Ability.Service)
	}

	switch auth.Ability.Action {
	case "get":
		return d.handleGet(ctx, auth)
	case "put":
		return d.handlePut(ctx, auth, bodyCID, contentType, int64(len(body)))
	case "list":
		return d.handleList(ctx, auth)
	case "del":
		return d.handleDel(ctx, auth)
	case "metadata":
		return d.handleMetadata(ctx, auth)
	default:
		return nil, tcerr.New(tcerr.KindBadAbility, "unknown kv action %q", auth.Ability.Action)
	}
}

// checkBodyCaveat fails when the invocation pins a content CID that does
// not match the uploaded bytes.
func (d *Dispatcher) checkBodyCaveat(env *envelope.Envelope, bodyCID cid.Cid) error {
	for _, raw := range env.Grants[0].Caveats {
		var cav putCaveat
		if err := json.Unmarshal(raw, &cav); err != nil || cav.CID == "" {
			continue
		}
		declared, err := cidutil.Parse(cav.CID)
		if err != nil {
			return tcerr.New(tcerr.KindBodyMismatch, "caveat cid %q is invalid", cav.CID)
		}
		if !cidutil.Equals(declared, bodyCID) {
			return tcerr.New(tcerr.KindBodyMismatch,
				"body hashes to %s, caveat declares %s", cidutil.Format(bodyCID), cav.CID)
		}
	}
	return nil
}

func (d *Dispatcher) handleRevocation(ctx context.Context, env *envelope.Envelope) (*Result, error) {
	c, err := d.log.ApplyRevocation(ctx, env)
	if err != nil {
		return nil, err
	}
	body, _ := json.Marshal(map[string]string{"cid": cidutil.Format(c)})
	return &Result{Status: 200, ContentType: "application/json", Body: body}, nil
}

func (d *Dispatcher) handleGet(ctx context.Context, auth *eventlog.Authorization) (*Result, error) {
	data, meta, err := d.kv.Get(ctx, auth.Space, auth.Resource.Path)
	if err != nil {
		return nil, err
	}
	return &Result{Status: 200, ContentType: meta.ContentType, Body: data}, nil
}

func (d *Dispatcher) handlePut(ctx context.Context, auth *eventlog.Authorization, bodyCID, contentType string, size int64) (*Result, error) {
	if bodyCID == "" {
		return nil, tcerr.New(tcerr.KindBadEnvelope, "put invocation requires a body")
	}
	c, err := cidutil.Parse(bodyCID)
	if err != nil {
		return nil, err
	}
	meta, err := d.kv.Put(ctx, auth.Space, auth.Resource.Path, c, contentType, size)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	return &Result{Status: 200, ContentType: "application/json", Body: body}, nil
}

func (d *Dispatcher) handleList(ctx context.Context, auth *eventlog.Authorization) (*Result, error) {
	keys, err := d.kv.List(ctx, auth.Space, auth.Resource.Path)
	if err != nil {
		return nil, err
	}
	if keys == nil {
		keys = []string{}
	}
	body, err := json.Marshal(keys)
	if err != nil {
		return nil, err
	}
	return &Result{Status: 200, ContentType: "application/json", Body: body}, nil
}

func (d *Dispatcher) handleDel(ctx context.Context, auth *eventlog.Authorization) (*Result, error) {
	if err := d.kv.Delete(ctx, auth.Space, auth.Resource.Path); err != nil {
		return nil, err
	}
	return &Result{Status: 200}, nil
}

func (d *Dispatcher) handleMetadata(ctx context.Context, auth *eventlog.Authorization) (*Result, error) {
	meta, err := d.kv.Metadata(ctx, auth.Space, auth.Resource.Path)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	return &Result{Status: 200, ContentType: "application/json", Body: body}, nil
}

// recordResult content-addresses the serialized result and pins the
// (issuer, nonce) fingerprint so retries replay instead of re-executing.
func (d *Dispatcher) recordResult(ctx context.Context, store storage.Store, env *envelope.Envelope, res *Result) error {
	blob, err := json.Marshal(res)
	if err != nil {
		return err
	}
	c := cidutil.Compute(blob)
	if err := d.blocks.Put(ctx, c, blob); err != nil {
		return err
	}
	return store.InsertNonce(ctx, &storage.NonceRecord{
		Issuer:        env.Issuer,
		Nonce:         env.Nonce,
		InvocationCID: cidutil.Format(env.CID),
		ResponseRef:   cidutil.Format(c),
		SeenAt:        d.now().Unix(),
	})
}

func (d *Dispatcher) loadRecordedResult(ctx context.Context, rec *storage.NonceRecord) (*Result, error) {
	if rec.ResponseRef == "" {
		return nil, tcerr.New(tcerr.KindConflict, "invocation %s already in flight", rec.InvocationCID)
	}
	c, err := cidutil.Parse(rec.ResponseRef)
	if err != nil {
		return nil, err
	}
	blob, err := d.blocks.Get(ctx, c)
	if err != nil {
		return nil, tcerr.Wrap(tcerr.KindTransient, err, "load recorded result %s", rec.ResponseRef)
	}
	var res Result
	if err := json.Unmarshal(blob, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
