package eventlog_test

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinycloudlabs/tinycloud-node/internal/storage/sqlite"
	"github.com/tinycloudlabs/tinycloud-node/pkg/capability"
	"github.com/tinycloudlabs/tinycloud-node/pkg/cidutil"
	"github.com/tinycloudlabs/tinycloud-node/pkg/did"
	"github.com/tinycloudlabs/tinycloud-node/pkg/envelope"
	"github.com/tinycloudlabs/tinycloud-node/pkg/eventlog"
	"github.com/tinycloudlabs/tinycloud-node/pkg/tcerr"
	"github.com/tinycloudlabs/tinycloud-node/pkg/ucanjwt"
)

var testNow = time.Unix(1750000000, 0)

type identity struct {
	did  string
	priv ed25519.PrivateKey
}

func newIdentity(t *testing.T) identity {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return identity{did: did.KeyDID(pub), priv: priv}
}

type fixture struct {
	log        *eventlog.Log
	stores     *sqlite.Manager
	controller identity
	space      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	controller := newIdentity(t)
	stores := sqlite.NewManager(t.TempDir())
	t.Cleanup(func() { stores.CloseAll() })

	log := eventlog.New(eventlog.Config{
		Stores:   stores,
		Registry: did.NewRegistry(),
		Now:      func() time.Time { return testNow },
	})
	return &fixture{
		log:        log,
		stores:     stores,
		controller: controller,
		space:      "tinycloud:" + controller.did[len("did:"):] + "://default/",
	}
}

type tokenOpts struct {
	iss     identity
	aud     string
	iat     int64
	nbf     int64
	exp     int64
	nnc     string
	att     []ucanjwt.Attenuation
	parents []cid.Cid
}

func (f *fixture) token(t *testing.T, opts tokenOpts) *envelope.Envelope {
	t.Helper()
	payload := ucanjwt.Payload{
		Iss: opts.iss.did,
		Aud: opts.aud,
		Iat: opts.iat,
		Nbf: opts.nbf,
		Exp: opts.exp,
		Nnc: opts.nnc,
		Att: opts.att,
	}
	if payload.Iat == 0 {
		payload.Iat = testNow.Unix()
	}
	if payload.Exp == 0 {
		payload.Exp = testNow.Unix() + 3600
	}
	for _, p := range opts.parents {
		payload.Prf = append(payload.Prf, cidutil.Format(p))
	}
	raw, err := ucanjwt.SignEdDSA(payload, opts.iss.priv)
	require.NoError(t, err)
	env, err := envelope.Parse(raw)
	require.NoError(t, err)
	return env
}

func (f *fixture) rootDelegation(t *testing.T, aud string, abilities ...string) *envelope.Envelope {
	t.Helper()
	att := []ucanjwt.Attenuation{{With: f.space + "#orbit/host", Can: "tinycloud.capabilities/host"}}
	for _, a := range abilities {
		att = append(att, ucanjwt.Attenuation{With: f.space + "kv/", Can: a})
	}
	return f.token(t, tokenOpts{iss: f.controller, aud: aud, att: att})
}

func (f *fixture) invocation(t *testing.T, iss identity, parent cid.Cid, path, action, nonce string) *envelope.Envelope {
	t.Helper()
	env := f.token(t, tokenOpts{
		iss:     iss,
		aud:     f.controller.did,
		nnc:     nonce,
		att:     []ucanjwt.Attenuation{{With: f.space + "kv/" + path, Can: "tinycloud.kv/" + action}},
		parents: []cid.Cid{parent},
	})
	require.NoError(t, env.AsInvocation())
	return env
}

func (f *fixture) revocation(t *testing.T, iss identity, target cid.Cid, nonce string) *envelope.Envelope {
	t.Helper()
	env := f.token(t, tokenOpts{
		iss: iss,
		aud: newIdentity(t).did,
		nnc: nonce,
		att: []ucanjwt.Attenuation{{
			With: f.space + "delegation/" + cidutil.Format(target),
			Can:  "tinycloud.delegation/revoke",
		}},
	})
	require.NoError(t, env.AsInvocation())
	return env
}

func TestApplyDelegation_Root(t *testing.T) {
	f := newFixture(t)
	session := newIdentity(t)
	ctx := context.Background()

	env := f.rootDelegation(t, session.did, "tinycloud.kv/get", "tinycloud.kv/put")
	c, err := f.log.ApplyDelegation(ctx, env)
	require.NoError(t, err)
	assert.True(t, cidutil.Equals(c, env.CID))

	// Resubmission of the same bytes is a no-op success.
	c2, err := f.log.ApplyDelegation(ctx, env)
	require.NoError(t, err)
	assert.True(t, cidutil.Equals(c, c2))
}

func TestApplyDelegation_RootRequiresController(t *testing.T) {
	f := newFixture(t)
	intruder := newIdentity(t)
	session := newIdentity(t)
	ctx := context.Background()

	env := f.token(t, tokenOpts{
		iss: intruder,
		aud: session.did,
		att: []ucanjwt.Attenuation{{With: f.space + "kv/", Can: "tinycloud.kv/get"}},
	})
	_, err := f.log.ApplyDelegation(ctx, env)
	assert.Equal(t, tcerr.KindUnauthorized, tcerr.KindOf(err))
}

func TestApplyDelegation_UnknownParent(t *testing.T) {
	f := newFixture(t)
	session := newIdentity(t)
	friend := newIdentity(t)
	ctx := context.Background()

	env := f.token(t, tokenOpts{
		iss:     session,
		aud:     friend.did,
		att:     []ucanjwt.Attenuation{{With: f.space + "kv/", Can: "tinycloud.kv/get"}},
		parents: []cid.Cid{cidutil.Compute([]byte("nonexistent"))},
	})
	_, err := f.log.ApplyDelegation(ctx, env)
	assert.Equal(t, tcerr.KindUnknownParent, tcerr.KindOf(err))
}

func TestApplyDelegation_Attenuation(t *testing.T) {
	f := newFixture(t)
	session := newIdentity(t)
	friend := newIdentity(t)
	ctx := context.Background()

	root := f.rootDelegation(t, session.did, "tinycloud.kv/get")
	rootCID, err := f.log.ApplyDelegation(ctx, root)
	require.NoError(t, err)

	// Narrowing is fine.
	narrow := f.token(t, tokenOpts{
		iss:     session,
		aud:     friend.did,
		att:     []ucanjwt.Attenuation{{With: f.space + "kv/shared/", Can: "tinycloud.kv/get"}},
		parents: []cid.Cid{rootCID},
	})
	_, err = f.log.ApplyDelegation(ctx, narrow)
	require.NoError(t, err)

	// Widening the action is rejected.
	widened := f.token(t, tokenOpts{
		iss:     session,
		aud:     friend.did,
		att:     []ucanjwt.Attenuation{{With: f.space + "kv/", Can: "tinycloud.kv/put"}},
		parents: []cid.Cid{rootCID},
	})
	_, err = f.log.ApplyDelegation(ctx, widened)
	assert.Equal(t, tcerr.KindUnauthorized, tcerr.KindOf(err))
}

func TestApplyDelegation_ChildWindowExceedsParent(t *testing.T) {
	f := newFixture(t)
	session := newIdentity(t)
	friend := newIdentity(t)
	ctx := context.Background()

	parent := f.token(t, tokenOpts{
		iss: f.controller,
		aud: session.did,
		exp: testNow.Unix() + 1800,
		att: []ucanjwt.Attenuation{{With: f.space + "kv/", Can: "tinycloud.kv/get"}},
	})
	parentCID, err := f.log.ApplyDelegation(ctx, parent)
	require.NoError(t, err)

	child := f.token(t, tokenOpts{
		iss:     session,
		aud:     friend.did,
		exp:     testNow.Unix() + 3600,
		att:     []ucanjwt.Attenuation{{With: f.space + "kv/", Can: "tinycloud.kv/get"}},
		parents: []cid.Cid{parentCID},
	})
	_, err = f.log.ApplyDelegation(ctx, child)
	assert.Equal(t, tcerr.KindUnauthorized, tcerr.KindOf(err), "child exp must not exceed parent exp")
}

func TestApplyDelegation_IssuerMustBeParentAudience(t *testing.T) {
	f := newFixture(t)
	session := newIdentity(t)
	stranger := newIdentity(t)
	friend := newIdentity(t)
	ctx := context.Background()

	root := f.rootDelegation(t, session.did, "tinycloud.kv/get")
	rootCID, err := f.log.ApplyDelegation(ctx, root)
	require.NoError(t, err)

	env := f.token(t, tokenOpts{
		iss:     stranger,
		aud:     friend.did,
		att:     []ucanjwt.Attenuation{{With: f.space + "kv/", Can: "tinycloud.kv/get"}},
		parents: []cid.Cid{rootCID},
	})
	_, err = f.log.ApplyDelegation(ctx, env)
	assert.Equal(t, tcerr.KindUnauthorized, tcerr.KindOf(err))
}

func TestApplyInvocation_HappyPath(t *testing.T) {
	f := newFixture(t)
	session := newIdentity(t)
	ctx := context.Background()

	root := f.rootDelegation(t, session.did, "tinycloud.kv/get", "tinycloud.kv/put")
	rootCID, err := f.log.ApplyDelegation(ctx, root)
	require.NoError(t, err)

	inv := f.invocation(t, session, rootCID, "notes.txt", "put", "n-1")
	auth, err := f.log.ApplyInvocation(ctx, inv)
	require.NoError(t, err)
	assert.Equal(t, "put", auth.Ability.Action)
	assert.Equal(t, "notes.txt", auth.Resource.Path)
	assert.Equal(t, "n-1", auth.Nonce)
	assert.Equal(t, session.did, auth.Issuer)
}

func TestApplyInvocation_FragmentNormalization(t *testing.T) {
	f := newFixture(t)
	session := newIdentity(t)
	ctx := context.Background()

	// Delegation audiences the bare DID; the invocation issuer carries a
	// fragment. Normalization makes them the same actor.
	root := f.rootDelegation(t, session.did, "tinycloud.kv/get")
	rootCID, err := f.log.ApplyDelegation(ctx, root)
	require.NoError(t, err)

	fragmented := identity{did: session.did + "#" + session.did[len("did:key:"):], priv: session.priv}
	inv := f.invocation(t, fragmented, rootCID, "notes.txt", "get", "n-1")
	assert.Equal(t, session.did, inv.Issuer)

	_, err = f.log.ApplyInvocation(ctx, inv)
	require.NoError(t, err)
}

func TestApplyInvocation_OverBroadDenied(t *testing.T) {
	f := newFixture(t)
	session := newIdentity(t)
	ctx := context.Background()

	root := f.rootDelegation(t, session.did, "tinycloud.kv/get")
	rootCID, err := f.log.ApplyDelegation(ctx, root)
	require.NoError(t, err)

	inv := f.invocation(t, session, rootCID, "notes.txt", "put", "n-1")
	_, err = f.log.ApplyInvocation(ctx, inv)
	assert.Equal(t, tcerr.KindUnauthorized, tcerr.KindOf(err))

	// The denied invocation is not persisted.
	_, err = f.log.GetEvent(ctx, mustSpace(t, inv), inv.CID)
	assert.Equal(t, tcerr.KindNotFound, tcerr.KindOf(err))
}

func TestApplyInvocation_IssuerMustMatchAudience(t *testing.T) {
	f := newFixture(t)
	session := newIdentity(t)
	eve := newIdentity(t)
	ctx := context.Background()

	root := f.rootDelegation(t, session.did, "tinycloud.kv/get")
	rootCID, err := f.log.ApplyDelegation(ctx, root)
	require.NoError(t, err)

	// Eve found the delegation but is not its audience.
	inv := f.invocation(t, eve, rootCID, "notes.txt", "get", "n-1")
	_, err = f.log.ApplyInvocation(ctx, inv)
	assert.Equal(t, tcerr.KindUnauthorized, tcerr.KindOf(err))
}

func TestRevocation_InvalidatesShare(t *testing.T) {
	f := newFixture(t)
	alice := f.controller
	bob := newIdentity(t)
	ctx := context.Background()

	share := f.token(t, tokenOpts{
		iss: alice,
		aud: bob.did,
		att: []ucanjwt.Attenuation{
			{With: f.space + "kv/shared/", Can: "tinycloud.kv/get"},
			{With: f.space + "kv/shared/", Can: "tinycloud.kv/list"},
		},
	})
	shareCID, err := f.log.ApplyDelegation(ctx, share)
	require.NoError(t, err)

	// Bob reads successfully.
	read := f.invocation(t, bob, shareCID, "shared/doc", "get", "n-1")
	_, err = f.log.ApplyInvocation(ctx, read)
	require.NoError(t, err)

	// Alice revokes the share.
	rev := f.revocation(t, alice, shareCID, "n-2")
	_, err = f.log.ApplyRevocation(ctx, rev)
	require.NoError(t, err)

	// Subsequent reads cross the revoked CID and fail.
	read2 := f.invocation(t, bob, shareCID, "shared/doc", "get", "n-3")
	_, err = f.log.ApplyInvocation(ctx, read2)
	assert.Equal(t, tcerr.KindRevokedParent, tcerr.KindOf(err))
}

func TestRevocation_DeepChain(t *testing.T) {
	f := newFixture(t)
	session := newIdentity(t)
	friend := newIdentity(t)
	ctx := context.Background()

	root := f.rootDelegation(t, session.did, "tinycloud.kv/get")
	rootCID, err := f.log.ApplyDelegation(ctx, root)
	require.NoError(t, err)

	child := f.token(t, tokenOpts{
		iss:     session,
		aud:     friend.did,
		att:     []ucanjwt.Attenuation{{With: f.space + "kv/shared/", Can: "tinycloud.kv/get"}},
		parents: []cid.Cid{rootCID},
	})
	childCID, err := f.log.ApplyDelegation(ctx, child)
	require.NoError(t, err)

	// Revoking the root invalidates invocations through the child.
	rev := f.revocation(t, f.controller, rootCID, "n-1")
	_, err = f.log.ApplyRevocation(ctx, rev)
	require.NoError(t, err)

	inv := f.invocation(t, friend, childCID, "shared/doc", "get", "n-2")
	_, err = f.log.ApplyInvocation(ctx, inv)
	assert.Equal(t, tcerr.KindRevokedParent, tcerr.KindOf(err))
}

func TestRevocation_RequiresAuthority(t *testing.T) {
	f := newFixture(t)
	session := newIdentity(t)
	eve := newIdentity(t)
	ctx := context.Background()

	root := f.rootDelegation(t, session.did, "tinycloud.kv/get")
	rootCID, err := f.log.ApplyDelegation(ctx, root)
	require.NoError(t, err)

	rev := f.revocation(t, eve, rootCID, "n-1")
	_, err = f.log.ApplyRevocation(ctx, rev)
	assert.Equal(t, tcerr.KindUnauthorized, tcerr.KindOf(err))

	revoked, err := f.log.IsRevoked(ctx, mustSpace(t, root), rootCID, testNow.Unix())
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestRevocation_DelegationAfterRevokedParent(t *testing.T) {
	f := newFixture(t)
	session := newIdentity(t)
	friend := newIdentity(t)
	ctx := context.Background()

	root := f.rootDelegation(t, session.did, "tinycloud.kv/get")
	rootCID, err := f.log.ApplyDelegation(ctx, root)
	require.NoError(t, err)

	rev := f.revocation(t, f.controller, rootCID, "n-1")
	_, err = f.log.ApplyRevocation(ctx, rev)
	require.NoError(t, err)

	child := f.token(t, tokenOpts{
		iss:     session,
		aud:     friend.did,
		att:     []ucanjwt.Attenuation{{With: f.space + "kv/", Can: "tinycloud.kv/get"}},
		parents: []cid.Cid{rootCID},
	})
	_, err = f.log.ApplyDelegation(ctx, child)
	assert.Equal(t, tcerr.KindRevokedParent, tcerr.KindOf(err))
}

func mustSpace(t *testing.T, env *envelope.Envelope) capability.SpaceID {
	t.Helper()
	s, err := env.Space()
	require.NoError(t, err)
	return s
}
