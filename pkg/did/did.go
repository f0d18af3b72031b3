// Package did resolves the two identifier methods the node accepts:
// did:key (Ed25519, secp256k1) and did:pkh:eip155 (wallet addresses).
// Identity is stored and compared in normalized form everywhere.
package did

import (
	"strings"

	"github.com/tinycloudlabs/tinycloud-node/pkg/tcerr"
)

const (
	keyPrefix = "did:key:"
	pkhPrefix = "did:pkh:eip155:"
)

// Normalize strips the fragment and query parts from a DID URL, returning
// the base DID. Two envelopes differing only in a fragment must be treated
// as the same actor.
func Normalize(didURL string) string {
	s := didURL
	if i := strings.IndexByte(s, '#'); i >= 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, '?'); i >= 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	return s
}

// IsValid reports whether s is a syntactically acceptable DID for this node.
func IsValid(s string) bool {
	s = Normalize(s)
	if strings.HasPrefix(s, keyPrefix) {
		return len(s) > len(keyPrefix) && s[len(keyPrefix)] == 'z'
	}
	if strings.HasPrefix(s, pkhPrefix) {
		_, _, err := ParsePKH(s)
		return err == nil
	}
	return false
}

// IsKey reports whether s is a did:key identifier.
func IsKey(s string) bool {
	return strings.HasPrefix(Normalize(s), keyPrefix)
}

// IsPKH reports whether s is a did:pkh:eip155 identifier.
func IsPKH(s string) bool {
	return strings.HasPrefix(Normalize(s), pkhPrefix)
}

// ParsePKH splits a did:pkh:eip155 DID into chain ID and lowercased
// 0x-prefixed address.
func ParsePKH(s string) (chainID string, address string, err error) {
	s = Normalize(s)
	rest, ok := strings.CutPrefix(s, pkhPrefix)
	if !ok {
		return "", "", tcerr.New(tcerr.KindBadEnvelope, "not a did:pkh:eip155 DID: %s", s)
	}
	chainID, address, ok = strings.Cut(rest, ":")
	if !ok || chainID == "" {
		return "", "", tcerr.New(tcerr.KindBadEnvelope, "malformed did:pkh: %s", s)
	}
	if !strings.HasPrefix(address, "0x") || len(address) != 42 {
		return "", "", tcerr.New(tcerr.KindBadEnvelope, "malformed did:pkh address: %s", address)
	}
	return chainID, strings.ToLower(address), nil
}

// FromPKH builds a did:pkh:eip155 DID from a chain ID and address.
func FromPKH(chainID, address string) string {
	return pkhPrefix + chainID + ":" + strings.ToLower(address)
}
