package ucanjwt_test

import (
	"crypto/ed25519"
	"strings"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-varint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinycloudlabs/tinycloud-node/pkg/did"
	"github.com/tinycloudlabs/tinycloud-node/pkg/ucanjwt"
)

func newEdDSAIdentity(t *testing.T) (string, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return did.KeyDID(pub), priv
}

func newES256KIdentity(t *testing.T) (string, *secp256k1.PrivateKey) {
	t.Helper()
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	prefixed := append(varint.ToUvarint(0xE7), priv.PubKey().SerializeCompressed()...)
	body, err := multibase.Encode(multibase.Base58BTC, prefixed)
	require.NoError(t, err)
	return "did:key:" + body, priv
}

func samplePayload(iss, aud string) ucanjwt.Payload {
	return ucanjwt.Payload{
		Iss: iss,
		Aud: aud,
		Iat: 1750000000,
		Exp: 1750003600,
		Nnc: "n-1",
		Att: []ucanjwt.Attenuation{{
			With: "tinycloud:key:z6MkhaXgBZDvotDkL5257faiztiGiC2QtKLGpbnnEGta2doK://default/kv/",
			Can:  "tinycloud.kv/get",
		}},
	}
}

func TestSignParseVerify_EdDSA(t *testing.T) {
	iss, priv := newEdDSAIdentity(t)
	aud, _ := newEdDSAIdentity(t)

	raw, err := ucanjwt.SignEdDSA(samplePayload(iss, aud), priv)
	require.NoError(t, err)

	tok, err := ucanjwt.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, ucanjwt.AlgEdDSA, tok.Header.Alg)
	assert.Equal(t, iss, tok.Payload.Iss)
	assert.Equal(t, raw, tok.Raw, "raw serialization preserved")

	require.NoError(t, tok.Verify(did.NewRegistry()))
}

func TestSignParseVerify_ES256K(t *testing.T) {
	iss, priv := newES256KIdentity(t)
	aud, _ := newEdDSAIdentity(t)

	raw, err := ucanjwt.SignES256K(samplePayload(iss, aud), priv)
	require.NoError(t, err)

	tok, err := ucanjwt.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, ucanjwt.AlgES256K, tok.Header.Alg)
	require.NoError(t, tok.Verify(did.NewRegistry()))
}

func TestVerify_TamperedPayload(t *testing.T) {
	iss, priv := newEdDSAIdentity(t)
	aud, _ := newEdDSAIdentity(t)

	raw, err := ucanjwt.SignEdDSA(samplePayload(iss, aud), priv)
	require.NoError(t, err)

	// Re-sign a different payload and splice its body onto the old signature.
	other := samplePayload(iss, aud)
	other.Nnc = "n-2"
	raw2, err := ucanjwt.SignEdDSA(other, priv)
	require.NoError(t, err)

	parts := strings.Split(raw, ".")
	parts2 := strings.Split(raw2, ".")
	spliced := parts2[0] + "." + parts2[1] + "." + parts[2]

	tok, err := ucanjwt.Parse(spliced)
	require.NoError(t, err)
	assert.Error(t, tok.Verify(did.NewRegistry()))
}

func TestVerify_WrongKeyFamily(t *testing.T) {
	issEd, privEd := newEdDSAIdentity(t)
	issSecp, _ := newES256KIdentity(t)
	aud, _ := newEdDSAIdentity(t)

	raw, err := ucanjwt.SignEdDSA(samplePayload(issEd, aud), privEd)
	require.NoError(t, err)
	// Swap the issuer to a secp256k1 DID: EdDSA against that key must fail.
	tok, err := ucanjwt.Parse(raw)
	require.NoError(t, err)
	tok.Payload.Iss = issSecp
	assert.Error(t, tok.Verify(did.NewRegistry()))
}

func TestParse_Rejections(t *testing.T) {
	iss, priv := newEdDSAIdentity(t)
	aud, _ := newEdDSAIdentity(t)
	valid, err := ucanjwt.SignEdDSA(samplePayload(iss, aud), priv)
	require.NoError(t, err)

	for name, raw := range map[string]string{
		"two segments":  "a.b",
		"not base64":    "!.!.!",
		"empty att":     mustSign(t, priv, ucanjwt.Payload{Iss: iss, Aud: aud, Exp: 1, Att: nil}),
		"missing iss":   mustSign(t, priv, ucanjwt.Payload{Aud: aud, Exp: 1, Att: []ucanjwt.Attenuation{{With: "x", Can: "y"}}}),
		"truncated sig": valid[:len(valid)-2] + "!",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ucanjwt.Parse(raw)
			assert.Error(t, err)
		})
	}
}

func mustSign(t *testing.T, priv ed25519.PrivateKey, p ucanjwt.Payload) string {
	t.Helper()
	raw, err := ucanjwt.SignEdDSA(p, priv)
	require.NoError(t, err)
	return raw
}
