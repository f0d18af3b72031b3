// Package eventlog maintains the persistent DAG of delegations,
// invocations, and revocations, and enforces the attenuation invariants on
// insertion. Writes are serialized per space; reads go straight to the
// store.
package eventlog

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ipfs/go-cid"

	"github.com/tinycloudlabs/tinycloud-node/internal/storage"
	"github.com/tinycloudlabs/tinycloud-node/internal/storage/sqlite"
	"github.com/tinycloudlabs/tinycloud-node/pkg/capability"
	"github.com/tinycloudlabs/tinycloud-node/pkg/cidutil"
	"github.com/tinycloudlabs/tinycloud-node/pkg/did"
	"github.com/tinycloudlabs/tinycloud-node/pkg/envelope"
	"github.com/tinycloudlabs/tinycloud-node/pkg/tcerr"
)

// Config wires the event log's collaborators.
type Config struct {
	Stores   *sqlite.Manager
	Registry *did.Registry
	Logger   *slog.Logger
	// Now is the clock; defaults to time.Now. Tests pin it.
	Now func() time.Time
}

// Log is the per-node event log (OrbitDatabase).
type Log struct {
	stores   *sqlite.Manager
	registry *did.Registry
	logger   *slog.Logger
	now      func() time.Time

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// Authorization is what a successfully inserted invocation resolves to.
type Authorization struct {
	Space    capability.SpaceID
	Resource capability.Resource
	Ability  capability.Ability
	Caveats  []json.RawMessage
	Nonce    string
	Issuer   string
	CID      cid.Cid
}

// New creates an event log.
func New(cfg Config) *Log {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Log{
		stores:   cfg.Stores,
		registry: cfg.Registry,
		logger:   logger,
		now:      now,
		locks:    make(map[string]*sync.Mutex),
	}
}

// spaceLock serializes event-log writes within one space.
func (l *Log) spaceLock(space string) *sync.Mutex {
	l.lockMu.Lock()
	defer l.lockMu.Unlock()
	mu, ok := l.locks[space]
	if !ok {
		mu = &sync.Mutex{}
		l.locks[space] = mu
	}
	return mu
}

// ApplyDelegation verifies and persists a delegation envelope, enforcing
// parent presence, revocation state, attenuation, and the audience chain.
// Returns the delegation's CID.
func (l *Log) ApplyDelegation(ctx context.Context, env *envelope.Envelope) (cid.Cid, error) {
	if env.Kind != envelope.KindDelegationCACAO && env.Kind != envelope.KindDelegationUCAN {
		return cid.Undef, tcerr.New(tcerr.KindBadEnvelope, "envelope is not a delegation")
	}
	if err := env.Verify(l.registry, l.now()); err != nil {
		return cid.Undef, err
	}
	space, err := env.Space()
	if err != nil {
		return cid.Undef, err
	}

	mu := l.spaceLock(space.String())
	mu.Lock()
	defer mu.Unlock()

	store, err := l.stores.Get(space.String())
	if err != nil {
		return cid.Undef, tcerr.Wrap(tcerr.KindTransient, err, "open store for %s", space)
	}

	err = store.WithTx(ctx, func(tx storage.Tx) error {
		if ok, err := tx.HasEvent(ctx, cidutil.Format(env.CID)); err != nil {
			return err
		} else if ok {
			// Same bytes, same CID: the delegation is already in the log.
			return nil
		}

		if err := l.checkDelegationChain(ctx, tx, env, space); err != nil {
			return err
		}
		return l.persistEvent(ctx, tx, env, storage.KindDelegation)
	})
	if err != nil {
		return cid.Undef, err
	}

	l.logger.Info("delegation accepted",
		"cid", cidutil.Format(env.CID), "issuer", env.Issuer, "audience", env.Audience)
	return env.CID, nil
}

// checkDelegationChain enforces §invariant 2 and 3 against stored parents.
func (l *Log) checkDelegationChain(ctx context.Context, tx storage.Tx, env *envelope.Envelope, space capability.SpaceID) error {
	if len(env.Parents) == 0 {
		// Root case: only the space controller may open a chain. A grant on
		// the hosting resource creates the space.
		if env.Issuer != did.Normalize(space.Controller()) {
			return tcerr.New(tcerr.KindUnauthorized,
				"parentless delegation issuer %s is not the space controller %s", env.Issuer, space.Controller())
		}
		return nil
	}

	audiences := make(map[string]bool)
	var parentGrants []parentGrant
	for _, p := range env.Parents {
		rec, err := tx.GetEvent(ctx, cidutil.Format(p))
		if err == sqlite.ErrNotFound {
			return tcerr.New(tcerr.KindUnknownParent, "parent %s is not in the log", cidutil.Format(p))
		}
		if err != nil {
			return err
		}
		if rec.Kind != storage.KindDelegation {
			return tcerr.New(tcerr.KindUnauthorized, "parent %s is not a delegation", rec.CID)
		}
		if at, ok, err := tx.RevokedAt(ctx, rec.CID); err != nil {
			return err
		} else if ok && at <= env.Iat {
			return tcerr.New(tcerr.KindRevokedParent, "parent %s revoked at %d", rec.CID, at)
		}
		audiences[rec.Audience] = true

		grants, err := grantsFromRecord(rec)
		if err != nil {
			return err
		}
		parentGrants = append(parentGrants, parentGrant{rec: rec, grants: grants})
	}

	// Every grant of the child must be covered by at least one cited parent
	// whose validity window contains the child's.
	for _, g := range env.Grants {
		if !coveredWithWindow(parentGrants, g, env) {
			return tcerr.New(tcerr.KindUnauthorized, "grant %s %s exceeds every cited parent",
				g.Resource, g.Ability)
		}
	}

	// The issuer must be an audience of a cited parent, or the controller.
	if !audiences[env.Issuer] && env.Issuer != did.Normalize(space.Controller()) {
		return tcerr.New(tcerr.KindUnauthorized, "issuer %s is not an audience of any cited parent", env.Issuer)
	}
	return nil
}

type parentGrant struct {
	rec    *storage.EventRecord
	grants []capability.Grant
}

// coveredWithWindow reports whether some parent covers g and bounds the
// child's time window: child exp within parent exp, child nbf at or after
// parent nbf.
func coveredWithWindow(parents []parentGrant, g capability.Grant, env *envelope.Envelope) bool {
	for _, p := range parents {
		if !capability.GrantCovered(p.grants, g) {
			continue
		}
		if p.rec.Exp != 0 && (env.Exp == 0 || env.Exp > p.rec.Exp) {
			continue
		}
		if p.rec.Nbf != 0 && nbfOf(env) < p.rec.Nbf {
			continue
		}
		return true
	}
	return false
}

func nbfOf(env *envelope.Envelope) int64 {
	if env.Nbf != 0 {
		return env.Nbf
	}
	return env.Iat
}

// ApplyInvocation verifies and persists an invocation, walking its chain
// down to a root. The returned Authorization drives the dispatcher.
func (l *Log) ApplyInvocation(ctx context.Context, env *envelope.Envelope) (*Authorization, error) {
	if env.Kind != envelope.KindInvocationUCAN {
		return nil, tcerr.New(tcerr.KindBadEnvelope, "envelope is not an invocation")
	}
	if err := env.Verify(l.registry, l.now()); err != nil {
		return nil, err
	}
	if len(env.Parents) != 1 {
		return nil, tcerr.New(tcerr.KindUnauthorized, "invocation must cite exactly one parent delegation, got %d", len(env.Parents))
	}
	space, err := env.Space()
	if err != nil {
		return nil, err
	}

	mu := l.spaceLock(space.String())
	mu.Lock()
	defer mu.Unlock()

	store, err := l.stores.Get(space.String())
	if err != nil {
		return nil, tcerr.Wrap(tcerr.KindTransient, err, "open store for %s", space)
	}

	grant := env.Grants[0]
	err = store.WithTx(ctx, func(tx storage.Tx) error {
		parentCID := cidutil.Format(env.Parents[0])
		rec, err := tx.GetEvent(ctx, parentCID)
		if err == sqlite.ErrNotFound {
			return tcerr.New(tcerr.KindUnknownParent, "parent %s is not in the log", parentCID)
		}
		if err != nil {
			return err
		}
		if rec.Kind != storage.KindDelegation {
			return tcerr.New(tcerr.KindUnauthorized, "parent %s is not a delegation", parentCID)
		}
		if env.Issuer != rec.Audience {
			return tcerr.New(tcerr.KindUnauthorized,
				"invocation issuer %s does not match delegation audience %s", env.Issuer, rec.Audience)
		}

		parentGrants, err := grantsFromRecord(rec)
		if err != nil {
			return err
		}
		if !capability.GrantCovered(parentGrants, grant) {
			return tcerr.New(tcerr.KindUnauthorized, "delegation %s does not grant %s on %s",
				parentCID, grant.Ability, grant.Resource)
		}

		// No revoked delegation anywhere between the parent and the root.
		if err := l.checkChainLive(ctx, tx, rec, env.Iat); err != nil {
			return err
		}
		if ok, err := tx.HasEvent(ctx, cidutil.Format(env.CID)); err != nil {
			return err
		} else if ok {
			return nil
		}
		return l.persistEvent(ctx, tx, env, storage.KindInvocation)
	})
	if err != nil {
		return nil, err
	}

	return &Authorization{
		Space:    space,
		Resource: grant.Resource,
		Ability:  grant.Ability,
		Caveats:  grant.Caveats,
		Nonce:    env.Nonce,
		Issuer:   env.Issuer,
		CID:      env.CID,
	}, nil
}

// checkChainLive walks parents to the root, failing on any delegation
// revoked at or before time at. The DAG is acyclic by construction, but a
// visited set bounds malicious depth anyway.
func (l *Log) checkChainLive(ctx context.Context, tx storage.Tx, rec *storage.EventRecord, at int64) error {
	visited := make(map[string]bool)
	queue := []*storage.EventRecord{rec}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if visited[cur.CID] {
			continue
		}
		visited[cur.CID] = true

		if revokedAt, ok, err := tx.RevokedAt(ctx, cur.CID); err != nil {
			return err
		} else if ok && revokedAt <= at {
			return tcerr.New(tcerr.KindRevokedParent, "delegation %s in chain revoked at %d", cur.CID, revokedAt)
		}
		for _, p := range cur.Parents {
			parent, err := tx.GetEvent(ctx, p)
			if err == sqlite.ErrNotFound {
				return tcerr.New(tcerr.KindUnknownParent, "chain parent %s is not in the log", p)
			}
			if err != nil {
				return err
			}
			queue = append(queue, parent)
		}
	}
	return nil
}

// ApplyRevocation persists a revocation targeting a delegation CID. The
// revoker must be the target's issuer or audience, or an upstream issuer in
// its chain.
func (l *Log) ApplyRevocation(ctx context.Context, env *envelope.Envelope) (cid.Cid, error) {
	if env.Kind != envelope.KindRevocationUCAN {
		return cid.Undef, tcerr.New(tcerr.KindBadEnvelope, "envelope is not a revocation")
	}
	if err := env.Verify(l.registry, l.now()); err != nil {
		return cid.Undef, err
	}
	target, err := env.RevokedCID()
	if err != nil {
		return cid.Undef, err
	}
	space, err := env.Space()
	if err != nil {
		return cid.Undef, err
	}

	mu := l.spaceLock(space.String())
	mu.Lock()
	defer mu.Unlock()

	store, err := l.stores.Get(space.String())
	if err != nil {
		return cid.Undef, tcerr.Wrap(tcerr.KindTransient, err, "open store for %s", space)
	}

	err = store.WithTx(ctx, func(tx storage.Tx) error {
		targetCID := cidutil.Format(target)
		rec, err := tx.GetEvent(ctx, targetCID)
		if err == sqlite.ErrNotFound {
			return tcerr.New(tcerr.KindUnknownParent, "revocation target %s is not in the log", targetCID)
		}
		if err != nil {
			return err
		}
		if rec.Kind != storage.KindDelegation {
			return tcerr.New(tcerr.KindBadEnvelope, "revocation target %s is not a delegation", targetCID)
		}
		if err := l.checkRevocationAuthority(ctx, tx, env.Issuer, rec); err != nil {
			return err
		}
		if ok, err := tx.HasEvent(ctx, cidutil.Format(env.CID)); err != nil {
			return err
		} else if !ok {
			if err := l.persistEvent(ctx, tx, env, storage.KindRevocation); err != nil {
				return err
			}
		}
		return tx.InsertRevocation(ctx, targetCID, cidutil.Format(env.CID), env.Iat)
	})
	if err != nil {
		return cid.Undef, err
	}

	l.logger.Info("delegation revoked",
		"target", cidutil.Format(target), "by", env.Issuer, "at", env.Iat)
	return env.CID, nil
}

// checkRevocationAuthority allows the target's issuer or audience, or any
// issuer upstream in the target's proof chain.
func (l *Log) checkRevocationAuthority(ctx context.Context, tx storage.Tx, revoker string, target *storage.EventRecord) error {
	if revoker == target.Issuer || revoker == target.Audience {
		return nil
	}

	visited := make(map[string]bool)
	queue := append([]string(nil), target.Parents...)
	for len(queue) > 0 {
		cidStr := queue[0]
		queue = queue[1:]
		if visited[cidStr] {
			continue
		}
		visited[cidStr] = true

		rec, err := tx.GetEvent(ctx, cidStr)
		if err == sqlite.ErrNotFound {
			continue
		}
		if err != nil {
			return err
		}
		if rec.Issuer == revoker {
			return nil
		}
		queue = append(queue, rec.Parents...)
	}
	return tcerr.New(tcerr.KindUnauthorized, "%s is not authorized to revoke %s", revoker, target.CID)
}

// persistEvent upserts actor rows before the event insert so referential
// integrity holds, then writes the event with parents and grants.
func (l *Log) persistEvent(ctx context.Context, tx storage.Tx, env *envelope.Envelope, kind storage.EventKind) error {
	if err := tx.UpsertActor(ctx, env.Issuer, env.Iat); err != nil {
		return err
	}
	if err := tx.UpsertActor(ctx, env.Audience, env.Iat); err != nil {
		return err
	}

	rec := &storage.EventRecord{
		CID:      cidutil.Format(env.CID),
		Kind:     kind,
		Issuer:   env.Issuer,
		Audience: env.Audience,
		Iat:      env.Iat,
		Nbf:      env.Nbf,
		Exp:      env.Exp,
		Raw:      env.Raw,
	}
	for _, p := range env.Parents {
		rec.Parents = append(rec.Parents, cidutil.Format(p))
	}
	for _, g := range env.Grants {
		row := storage.ResourceRow{Resource: g.Resource.String(), Ability: g.Ability.String()}
		if len(g.Caveats) > 0 {
			caveats, err := json.Marshal(g.Caveats)
			if err != nil {
				return err
			}
			row.Caveats = string(caveats)
		}
		rec.Grants = append(rec.Grants, row)
	}
	return tx.InsertEvent(ctx, rec)
}

// IsRevoked reports whether cid was revoked at or before the given time.
func (l *Log) IsRevoked(ctx context.Context, space capability.SpaceID, c cid.Cid, at int64) (bool, error) {
	store, err := l.stores.Get(space.String())
	if err != nil {
		return false, err
	}
	revokedAt, ok, err := store.RevokedAt(ctx, cidutil.Format(c))
	if err != nil {
		return false, err
	}
	return ok && revokedAt <= at, nil
}

// GetEvent loads a stored event by CID.
func (l *Log) GetEvent(ctx context.Context, space capability.SpaceID, c cid.Cid) (*storage.EventRecord, error) {
	store, err := l.stores.Get(space.String())
	if err != nil {
		return nil, err
	}
	rec, err := store.GetEvent(ctx, cidutil.Format(c))
	if err == sqlite.ErrNotFound {
		return nil, tcerr.New(tcerr.KindNotFound, "event %s not found", cidutil.Format(c))
	}
	return rec, err
}

// grantsFromRecord rebuilds typed grants from stored resource rows.
func grantsFromRecord(rec *storage.EventRecord) ([]capability.Grant, error) {
	grants := make([]capability.Grant, 0, len(rec.Grants))
	for _, row := range rec.Grants {
		r, err := capability.ParseResource(row.Resource)
		if err != nil {
			return nil, err
		}
		a, err := capability.ParseAbility(row.Ability)
		if err != nil {
			return nil, err
		}
		g := capability.Grant{Resource: r, Ability: a}
		if row.Caveats != "" {
			if err := json.Unmarshal([]byte(row.Caveats), &g.Caveats); err != nil {
				return nil, err
			}
		}
		grants = append(grants, g)
	}
	return grants, nil
}
