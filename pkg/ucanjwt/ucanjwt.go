// Package ucanjwt parses, serializes, and verifies UCAN-style JWTs. The raw
// compact serialization is preserved so the token's CID is computed over the
// bytes as transmitted.
package ucanjwt

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/tinycloudlabs/tinycloud-node/pkg/did"
	"github.com/tinycloudlabs/tinycloud-node/pkg/tcerr"
)

// Supported signature algorithms. Anything else is rejected.
const (
	AlgEdDSA  = "EdDSA"
	AlgES256K = "ES256K"
)

// Header is the JWT header.
type Header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

// Attenuation is one capability entry in the att list.
type Attenuation struct {
	With string          `json:"with"`
	Can  string          `json:"can"`
	Nb   json.RawMessage `json:"nb,omitempty"`
}

// Payload is the UCAN claim set. Times are UTC seconds since epoch.
type Payload struct {
	Iss string        `json:"iss"`
	Aud string        `json:"aud"`
	Iat int64         `json:"iat,omitempty"`
	Nbf int64         `json:"nbf,omitempty"`
	Exp int64         `json:"exp"`
	Nnc string        `json:"nnc,omitempty"`
	Att []Attenuation `json:"att"`
	Prf []string      `json:"prf,omitempty"`
}

// Token is a parsed UCAN JWT.
type Token struct {
	Raw       string
	Header    Header
	Payload   Payload
	Signature []byte

	signingInput string
}

// Parse decodes a compact JWT. It validates structure only; signatures are
// checked by Verify.
func Parse(raw string) (*Token, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, tcerr.New(tcerr.KindBadEnvelope, "jwt must have three segments, got %d", len(parts))
	}

	hdrBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, tcerr.Wrap(tcerr.KindBadEnvelope, err, "jwt header is not base64url")
	}
	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, tcerr.Wrap(tcerr.KindBadEnvelope, err, "jwt payload is not base64url")
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, tcerr.Wrap(tcerr.KindBadEnvelope, err, "jwt signature is not base64url")
	}

	t := &Token{Raw: raw, Signature: sig, signingInput: parts[0] + "." + parts[1]}
	if err := json.Unmarshal(hdrBytes, &t.Header); err != nil {
		return nil, tcerr.Wrap(tcerr.KindBadEnvelope, err, "jwt header is not valid json")
	}
	if t.Header.Typ != "JWT" {
		return nil, tcerr.New(tcerr.KindBadEnvelope, "jwt typ must be JWT, got %q", t.Header.Typ)
	}
	if t.Header.Alg != AlgEdDSA && t.Header.Alg != AlgES256K {
		return nil, tcerr.New(tcerr.KindBadEnvelope, "unsupported jwt alg %q", t.Header.Alg)
	}
	if err := json.Unmarshal(payloadBytes, &t.Payload); err != nil {
		return nil, tcerr.Wrap(tcerr.KindBadEnvelope, err, "jwt payload is not valid json")
	}
	if t.Payload.Iss == "" || t.Payload.Aud == "" {
		return nil, tcerr.New(tcerr.KindBadEnvelope, "jwt missing iss or aud")
	}
	if len(t.Payload.Att) == 0 {
		return nil, tcerr.New(tcerr.KindBadEnvelope, "jwt att must not be empty")
	}
	return t, nil
}

// Verify checks the token signature against the key resolved from its
// issuer DID.
func (t *Token) Verify(reg *did.Registry) error {
	key, err := reg.ResolveKey(t.Payload.Iss)
	if err != nil {
		return err
	}
	msg := []byte(t.signingInput)

	switch t.Header.Alg {
	case AlgEdDSA:
		if key.Ed25519 == nil {
			return tcerr.New(tcerr.KindInvalidSignature, "EdDSA token issued by non-ed25519 key")
		}
		if !ed25519.Verify(key.Ed25519, msg, t.Signature) {
			return tcerr.New(tcerr.KindInvalidSignature, "EdDSA signature does not verify")
		}
	case AlgES256K:
		if key.Secp256k1 == nil {
			return tcerr.New(tcerr.KindInvalidSignature, "ES256K token issued by non-secp256k1 key")
		}
		sig, err := parseCompactSig(t.Signature)
		if err != nil {
			return err
		}
		digest := sha256.Sum256(msg)
		if !sig.Verify(digest[:], key.Secp256k1) {
			return tcerr.New(tcerr.KindInvalidSignature, "ES256K signature does not verify")
		}
	default:
		return tcerr.New(tcerr.KindBadEnvelope, "unsupported jwt alg %q", t.Header.Alg)
	}
	return nil
}

// parseCompactSig decodes a 64-byte r||s signature.
func parseCompactSig(raw []byte) (*secpecdsa.Signature, error) {
	if len(raw) != 64 {
		return nil, tcerr.New(tcerr.KindInvalidSignature, "ES256K signature must be 64 bytes, got %d", len(raw))
	}
	var r, s secp256k1.ModNScalar
	if overflow := r.SetByteSlice(raw[:32]); overflow {
		return nil, tcerr.New(tcerr.KindInvalidSignature, "ES256K signature r overflows")
	}
	if overflow := s.SetByteSlice(raw[32:]); overflow {
		return nil, tcerr.New(tcerr.KindInvalidSignature, "ES256K signature s overflows")
	}
	return secpecdsa.NewSignature(&r, &s), nil
}

// Encode builds the compact serialization of a header and payload without a
// signature, returning the signing input.
func Encode(hdr Header, payload Payload) (string, error) {
	hdrBytes, err := json.Marshal(hdr)
	if err != nil {
		return "", err
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(hdrBytes) + "." +
		base64.RawURLEncoding.EncodeToString(payloadBytes), nil
}

// SignEdDSA produces a complete EdDSA-signed token.
func SignEdDSA(payload Payload, priv ed25519.PrivateKey) (string, error) {
	signingInput, err := Encode(Header{Alg: AlgEdDSA, Typ: "JWT"}, payload)
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(priv, []byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// SignES256K produces a complete ES256K-signed token.
func SignES256K(payload Payload, priv *secp256k1.PrivateKey) (string, error) {
	signingInput, err := Encode(Header{Alg: AlgES256K, Typ: "JWT"}, payload)
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256([]byte(signingInput))
	sig := secpecdsa.Sign(priv, digest[:])
	r := sig.R()
	s := sig.S()
	raw := make([]byte, 64)
	r.PutBytesUnchecked(raw[:32])
	s.PutBytesUnchecked(raw[32:])
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(raw), nil
}
