// Package envelope unifies the signed token formats the node accepts and
// performs stateless single-envelope verification. Chain validation against
// stored parents lives in pkg/eventlog.
package envelope

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/ipfs/go-cid"

	"github.com/tinycloudlabs/tinycloud-node/pkg/cacao"
	"github.com/tinycloudlabs/tinycloud-node/pkg/capability"
	"github.com/tinycloudlabs/tinycloud-node/pkg/cidutil"
	"github.com/tinycloudlabs/tinycloud-node/pkg/did"
	"github.com/tinycloudlabs/tinycloud-node/pkg/recap"
	"github.com/tinycloudlabs/tinycloud-node/pkg/tcerr"
	"github.com/tinycloudlabs/tinycloud-node/pkg/ucanjwt"
)

// Kind discriminates the closed set of envelope types.
type Kind string

const (
	KindDelegationCACAO Kind = "delegation-cacao"
	KindDelegationUCAN  Kind = "delegation-ucan"
	KindInvocationUCAN  Kind = "invocation-ucan"
	KindRevocationUCAN  Kind = "revocation-ucan"
)

// RevokeAbility is the ability carried by revocation envelopes.
var RevokeAbility = capability.Ability{
	Namespace: capability.Namespace,
	Service:   capability.ServiceDelegation,
	Action:    "revoke",
}

// ClockSkew is the symmetric tolerance applied to time-window checks.
const ClockSkew = 60 * time.Second

// Envelope is a parsed, normalized token. Raw holds the bytes as
// transmitted; CID is computed over Raw.
type Envelope struct {
	Kind     Kind
	CID      cid.Cid
	Raw      []byte
	Issuer   string // normalized DID
	Audience string // normalized DID
	Iat      int64
	Nbf      int64 // 0 when absent
	Exp      int64 // 0 when absent
	Nonce    string
	Grants   []capability.Grant
	Parents  []cid.Cid

	cacao *cacao.CACAO
	jwt   *ucanjwt.Token
}

// Parse decodes the value of an Authorization header: either a compact UCAN
// JWT (optionally Bearer-prefixed) or base64url DagCbor CACAO bytes.
// UCAN envelopes default to the delegation kind; AsInvocation reinterprets.
func Parse(header string) (*Envelope, error) {
	v := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if v == "" {
		return nil, tcerr.New(tcerr.KindBadEnvelope, "empty authorization value")
	}
	if strings.Count(v, ".") == 2 {
		return parseUCAN(v)
	}
	raw, err := base64.RawURLEncoding.DecodeString(v)
	if err != nil {
		// Tolerate padded input.
		raw, err = base64.URLEncoding.DecodeString(v)
		if err != nil {
			return nil, tcerr.Wrap(tcerr.KindBadEnvelope, err, "authorization is neither a jwt nor base64url cbor")
		}
	}
	return parseCACAO(raw)
}

func parseCACAO(raw []byte) (*Envelope, error) {
	c, err := cacao.Decode(raw)
	if err != nil {
		return nil, err
	}

	env := &Envelope{
		Kind:     KindDelegationCACAO,
		CID:      cidutil.Compute(raw),
		Raw:      raw,
		Issuer:   did.Normalize(c.Payload.Iss),
		Audience: did.Normalize(c.Payload.Aud),
		cacao:    c,
	}
	if env.Iat, err = parseTime(c.Payload.Iat); err != nil {
		return nil, err
	}
	if c.Payload.Nbf != "" {
		if env.Nbf, err = parseTime(c.Payload.Nbf); err != nil {
			return nil, err
		}
	}
	if c.Payload.Exp != "" {
		if env.Exp, err = parseTime(c.Payload.Exp); err != nil {
			return nil, err
		}
	}
	env.Nonce = c.Payload.Nonce

	caps, err := recap.Merge(c.Payload.Resources)
	if err != nil {
		return nil, err
	}
	if env.Grants, err = grantsFromReCap(caps); err != nil {
		return nil, err
	}
	if env.Parents, err = parseParents(caps.Prf); err != nil {
		return nil, err
	}
	return env, nil
}

func parseUCAN(raw string) (*Envelope, error) {
	t, err := ucanjwt.Parse(raw)
	if err != nil {
		return nil, err
	}

	env := &Envelope{
		Kind:     KindDelegationUCAN,
		CID:      cidutil.Compute([]byte(raw)),
		Raw:      []byte(raw),
		Issuer:   did.Normalize(t.Payload.Iss),
		Audience: did.Normalize(t.Payload.Aud),
		Iat:      t.Payload.Iat,
		Nbf:      t.Payload.Nbf,
		Exp:      t.Payload.Exp,
		Nonce:    t.Payload.Nnc,
		jwt:      t,
	}
	for _, att := range t.Payload.Att {
		g, err := grantFromAttenuation(att)
		if err != nil {
			return nil, err
		}
		env.Grants = append(env.Grants, g)
	}
	if env.Parents, err = parseParents(t.Payload.Prf); err != nil {
		return nil, err
	}
	return env, nil
}

// AsInvocation reinterprets a UCAN envelope as an invocation (or revocation
// when it carries the revoke ability). CACAO envelopes cannot invoke.
func (e *Envelope) AsInvocation() error {
	if e.jwt == nil {
		return tcerr.New(tcerr.KindBadEnvelope, "invocations must be UCAN JWTs")
	}
	if len(e.Grants) != 1 {
		return tcerr.New(tcerr.KindBadEnvelope, "invocation must carry exactly one action, got %d", len(e.Grants))
	}
	if e.Nonce == "" {
		return tcerr.New(tcerr.KindBadEnvelope, "invocation missing nonce")
	}
	if e.Grants[0].Ability == RevokeAbility {
		e.Kind = KindRevocationUCAN
	} else {
		e.Kind = KindInvocationUCAN
	}
	return nil
}

// RevokedCID returns the CID a revocation envelope targets: the final path
// segment of its delegation-service resource.
func (e *Envelope) RevokedCID() (cid.Cid, error) {
	if e.Kind != KindRevocationUCAN {
		return cid.Undef, tcerr.New(tcerr.KindBadEnvelope, "not a revocation envelope")
	}
	path := e.Grants[0].Resource.Path
	seg := path[strings.LastIndexByte(path, '/')+1:]
	c, err := cidutil.Parse(seg)
	if err != nil {
		return cid.Undef, tcerr.New(tcerr.KindBadResource, "revocation target %q is not a cid", seg)
	}
	return c, nil
}

// Verify performs stateless checks: time window (with skew), signature,
// issuer/audience sanity. Structural checks ran during Parse.
func (e *Envelope) Verify(reg *did.Registry, now time.Time) error {
	if err := e.verifyTime(now); err != nil {
		return err
	}
	if err := e.verifySignature(reg); err != nil {
		return err
	}
	if !did.IsValid(e.Audience) {
		return tcerr.New(tcerr.KindBadEnvelope, "audience %q is not a valid DID", e.Audience)
	}
	if e.Issuer == e.Audience && !e.isHosting() {
		return tcerr.New(tcerr.KindBadEnvelope, "issuer and audience must differ")
	}
	return nil
}

func (e *Envelope) verifyTime(now time.Time) error {
	nbf := e.Nbf
	if nbf == 0 {
		nbf = e.Iat
	}
	ts := now.Unix()
	if nbf != 0 && ts < nbf-int64(ClockSkew.Seconds()) {
		return tcerr.New(tcerr.KindNotYetValid, "envelope not valid before %d", nbf)
	}
	if e.Exp != 0 && ts > e.Exp+int64(ClockSkew.Seconds()) {
		return tcerr.New(tcerr.KindExpired, "envelope expired at %d", e.Exp)
	}
	return nil
}

func (e *Envelope) verifySignature(reg *did.Registry) error {
	if e.cacao != nil {
		return e.cacao.Verify()
	}
	return e.jwt.Verify(reg)
}

// isHosting reports whether any grant targets a hosting resource.
func (e *Envelope) isHosting() bool {
	for _, g := range e.Grants {
		if g.Resource.IsHost() {
			return true
		}
	}
	return false
}

// Space returns the single space all grants target. Envelopes spanning
// multiple spaces are rejected so event-log writes serialize per space.
func (e *Envelope) Space() (capability.SpaceID, error) {
	if len(e.Grants) == 0 {
		return capability.SpaceID{}, tcerr.New(tcerr.KindBadEnvelope, "envelope carries no capabilities")
	}
	space := e.Grants[0].Resource.Space
	for _, g := range e.Grants[1:] {
		if g.Resource.Space != space {
			return capability.SpaceID{}, tcerr.New(tcerr.KindBadResource, "capabilities span multiple spaces")
		}
	}
	return space, nil
}

func grantsFromReCap(caps *recap.Capabilities) ([]capability.Grant, error) {
	var grants []capability.Grant
	for res, abilities := range caps.Att {
		r, err := capability.ParseResource(res)
		if err != nil {
			return nil, err
		}
		for ability, caveats := range abilities {
			a, err := capability.ParseAbility(ability)
			if err != nil {
				return nil, err
			}
			grants = append(grants, capability.Grant{Resource: r, Ability: a, Caveats: caveats})
		}
	}
	return grants, nil
}

func grantFromAttenuation(att ucanjwt.Attenuation) (capability.Grant, error) {
	r, err := capability.ParseResource(att.With)
	if err != nil {
		return capability.Grant{}, err
	}
	a, err := capability.ParseAbility(att.Can)
	if err != nil {
		return capability.Grant{}, err
	}
	g := capability.Grant{Resource: r, Ability: a}
	if len(att.Nb) > 0 {
		g.Caveats = []json.RawMessage{att.Nb}
	}
	return g, nil
}

func parseParents(prf []string) ([]cid.Cid, error) {
	parents := make([]cid.Cid, 0, len(prf))
	for _, p := range prf {
		c, err := cidutil.Parse(p)
		if err != nil {
			return nil, err
		}
		parents = append(parents, c)
	}
	return parents, nil
}

// parseTime accepts RFC-3339 strings and numeric epoch seconds.
func parseTime(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.Unix(), nil
	}
	var n int64
	if err := json.Unmarshal([]byte(s), &n); err == nil {
		return n, nil
	}
	return 0, tcerr.New(tcerr.KindBadEnvelope, "unparseable timestamp %q", s)
}
