// Package cidutil computes and parses the content identifiers used for
// envelopes and KV payloads: CIDv1, Blake3-256 multihash, raw codec.
package cidutil

import (
	"bytes"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multicodec"
	mh "github.com/multiformats/go-multihash"
	_ "github.com/multiformats/go-multihash/register/blake3"

	"github.com/tinycloudlabs/tinycloud-node/pkg/tcerr"
)

const digestSize = 32

// Compute returns the CID of data. Data is hashed exactly as given; callers
// must pass envelope bytes as transmitted, never a re-serialization.
func Compute(data []byte) cid.Cid {
	hash, err := mh.Sum(data, mh.BLAKE3, digestSize)
	if err != nil {
		// Blake3 is registered at init; a failure here is a programming error.
		panic(err)
	}
	return cid.NewCidV1(uint64(multicodec.Raw), hash)
}

// Parse decodes the textual form of a CID.
func Parse(s string) (cid.Cid, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return cid.Undef, tcerr.Wrap(tcerr.KindBadEnvelope, err, "invalid cid %q", s)
	}
	return c, nil
}

// Format renders c in the external form: lowercase base32, leading "b".
func Format(c cid.Cid) string {
	s, err := c.StringOfBase(multibase.Base32)
	if err != nil {
		return c.String()
	}
	return s
}

// Equals reports byte equality of the multihash digests.
func Equals(a, b cid.Cid) bool {
	return bytes.Equal(a.Hash(), b.Hash())
}
