package did

import (
	"crypto/ed25519"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-varint"

	"github.com/tinycloudlabs/tinycloud-node/pkg/tcerr"
)

// Multicodec values for public key types embedded in did:key.
const (
	codecEd25519   = 0xED
	codecSecp256k1 = 0xE7
)

// PublicKey is a verifying key resolved from a did:key identifier.
type PublicKey struct {
	Codec     uint64
	Ed25519   ed25519.PublicKey
	Secp256k1 *secp256k1.PublicKey
}

// Registry resolves did:key identifiers to verifying keys. Resolution is
// deterministic; the cache is purely a performance aid.
type Registry struct {
	cache *lru.Cache[string, *PublicKey]
}

// NewRegistry creates a registry with a bounded key cache.
func NewRegistry() *Registry {
	cache, err := lru.New[string, *PublicKey](4096)
	if err != nil {
		panic(err)
	}
	return &Registry{cache: cache}
}

// ResolveKey decodes the verifying key from a did:key identifier.
// did:pkh cannot resolve to a key; its signatures are checked by address
// recovery instead (see pkg/cacao).
func (r *Registry) ResolveKey(didURL string) (*PublicKey, error) {
	id := Normalize(didURL)
	if key, ok := r.cache.Get(id); ok {
		return key, nil
	}

	key, err := decodeKey(id)
	if err != nil {
		return nil, err
	}
	r.cache.Add(id, key)
	return key, nil
}

func decodeKey(id string) (*PublicKey, error) {
	body, ok := strings.CutPrefix(id, keyPrefix)
	if !ok {
		return nil, tcerr.New(tcerr.KindBadEnvelope, "cannot resolve a key from %s", id)
	}

	enc, data, err := multibase.Decode(body)
	if err != nil {
		return nil, tcerr.Wrap(tcerr.KindBadEnvelope, err, "invalid did:key multibase")
	}
	if enc != multibase.Base58BTC {
		return nil, tcerr.New(tcerr.KindBadEnvelope, "did:key must be base58btc encoded")
	}

	code, n, err := varint.FromUvarint(data)
	if err != nil {
		return nil, tcerr.Wrap(tcerr.KindBadEnvelope, err, "invalid did:key multicodec")
	}
	raw := data[n:]

	switch code {
	case codecEd25519:
		if len(raw) != ed25519.PublicKeySize {
			return nil, tcerr.New(tcerr.KindBadEnvelope, "ed25519 key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
		}
		return &PublicKey{Codec: code, Ed25519: ed25519.PublicKey(raw)}, nil
	case codecSecp256k1:
		pub, err := secp256k1.ParsePubKey(raw)
		if err != nil {
			return nil, tcerr.Wrap(tcerr.KindBadEnvelope, err, "invalid secp256k1 key")
		}
		return &PublicKey{Codec: code, Secp256k1: pub}, nil
	default:
		return nil, tcerr.New(tcerr.KindBadEnvelope, "unsupported did:key codec 0x%x", code)
	}
}

// KeyDID formats an Ed25519 public key as a did:key identifier.
func KeyDID(pub ed25519.PublicKey) string {
	prefixed := make([]byte, 0, varint.UvarintSize(codecEd25519)+len(pub))
	prefixed = append(prefixed, varint.ToUvarint(codecEd25519)...)
	prefixed = append(prefixed, pub...)
	s, err := multibase.Encode(multibase.Base58BTC, prefixed)
	if err != nil {
		panic(err)
	}
	return keyPrefix + s
}
