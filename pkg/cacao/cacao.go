// Package cacao encodes and decodes Chain-Agnostic CApability Objects:
// IPLD DagCbor envelopes wrapping an EIP-191-signed SIWE payload.
package cacao

import (
	"bytes"
	"strconv"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ipld/go-ipld-prime/codec/dagcbor"
	"github.com/ipld/go-ipld-prime/datamodel"
	"github.com/ipld/go-ipld-prime/node/basicnode"

	"github.com/tinycloudlabs/tinycloud-node/pkg/did"
	"github.com/tinycloudlabs/tinycloud-node/pkg/siwe"
	"github.com/tinycloudlabs/tinycloud-node/pkg/tcerr"
)

// Header and signature type identifiers.
const (
	HeaderTypeEIP4361 = "eip4361"
	SigTypeEIP191     = "eip191"
)

// Payload carries the SIWE claims. Iss is a did:pkh DID; Aud is the URI the
// wallet signed in to.
type Payload struct {
	Domain    string
	Iss       string
	Aud       string
	Version   string
	Nonce     string
	Iat       string
	Nbf       string
	Exp       string
	Statement string
	RequestID string
	Resources []string
}

// CACAO is a decoded capability object. Raw holds the exact bytes received;
// CIDs and signatures are always computed over Raw, never a re-encoding.
type CACAO struct {
	HeaderType string
	Payload    Payload
	SigType    string
	Signature  []byte
	Raw        []byte
}

// Decode parses DagCbor CACAO bytes.
func Decode(raw []byte) (*CACAO, error) {
	nb := basicnode.Prototype.Any.NewBuilder()
	if err := dagcbor.Decode(nb, bytes.NewReader(raw)); err != nil {
		return nil, tcerr.Wrap(tcerr.KindBadEnvelope, err, "cacao is not valid dagcbor")
	}
	n := nb.Build()

	c := &CACAO{Raw: raw}
	h, err := n.LookupByString("h")
	if err != nil {
		return nil, tcerr.Wrap(tcerr.KindBadEnvelope, err, "cacao missing h")
	}
	if c.HeaderType, err = lookupString(h, "t"); err != nil {
		return nil, err
	}
	if c.HeaderType != HeaderTypeEIP4361 {
		return nil, tcerr.New(tcerr.KindBadEnvelope, "unsupported cacao header type %q", c.HeaderType)
	}

	p, err := n.LookupByString("p")
	if err != nil {
		return nil, tcerr.Wrap(tcerr.KindBadEnvelope, err, "cacao missing p")
	}
	if err := decodePayload(p, &c.Payload); err != nil {
		return nil, err
	}

	s, err := n.LookupByString("s")
	if err != nil {
		return nil, tcerr.Wrap(tcerr.KindBadEnvelope, err, "cacao missing s")
	}
	if c.SigType, err = lookupString(s, "t"); err != nil {
		return nil, err
	}
	if c.SigType != SigTypeEIP191 {
		return nil, tcerr.New(tcerr.KindBadEnvelope, "unsupported cacao signature type %q", c.SigType)
	}
	sigNode, err := s.LookupByString("s")
	if err != nil {
		return nil, tcerr.Wrap(tcerr.KindBadEnvelope, err, "cacao missing signature bytes")
	}
	if c.Signature, err = sigNode.AsBytes(); err != nil {
		return nil, tcerr.Wrap(tcerr.KindBadEnvelope, err, "cacao signature is not bytes")
	}
	if len(c.Signature) != 65 {
		return nil, tcerr.New(tcerr.KindBadEnvelope, "eip191 signature must be 65 bytes, got %d", len(c.Signature))
	}
	return c, nil
}

func decodePayload(p datamodel.Node, out *Payload) error {
	var err error
	if out.Domain, err = lookupString(p, "domain"); err != nil {
		return err
	}
	if out.Iss, err = lookupString(p, "iss"); err != nil {
		return err
	}
	if out.Aud, err = lookupString(p, "aud"); err != nil {
		return err
	}
	if out.Version, err = lookupString(p, "version"); err != nil {
		return err
	}
	if out.Nonce, err = lookupString(p, "nonce"); err != nil {
		return err
	}
	if out.Iat, err = lookupString(p, "iat"); err != nil {
		return err
	}
	out.Nbf, _ = lookupString(p, "nbf")
	out.Exp, _ = lookupString(p, "exp")
	out.Statement, _ = lookupString(p, "statement")
	out.RequestID, _ = lookupString(p, "requestId")

	if resNode, err := p.LookupByString("resources"); err == nil {
		it := resNode.ListIterator()
		if it == nil {
			return tcerr.New(tcerr.KindBadEnvelope, "cacao resources must be a list")
		}
		for !it.Done() {
			_, v, err := it.Next()
			if err != nil {
				return tcerr.Wrap(tcerr.KindBadEnvelope, err, "cacao resources iteration")
			}
			s, err := v.AsString()
			if err != nil {
				return tcerr.Wrap(tcerr.KindBadEnvelope, err, "cacao resource is not a string")
			}
			out.Resources = append(out.Resources, s)
		}
	}
	return nil
}

func lookupString(n datamodel.Node, key string) (string, error) {
	v, err := n.LookupByString(key)
	if err != nil {
		return "", tcerr.Wrap(tcerr.KindBadEnvelope, err, "cacao missing field %q", key)
	}
	s, err := v.AsString()
	if err != nil {
		return "", tcerr.Wrap(tcerr.KindBadEnvelope, err, "cacao field %q is not a string", key)
	}
	return s, nil
}

// SIWEMessage reconstructs the SIWE message whose personal-sign bytes the
// wallet signed.
func (c *CACAO) SIWEMessage() (*siwe.Message, error) {
	chainID, address, err := did.ParsePKH(c.Payload.Iss)
	if err != nil {
		return nil, err
	}
	id, err := strconv.Atoi(chainID)
	if err != nil {
		return nil, tcerr.Wrap(tcerr.KindBadEnvelope, err, "invalid eip155 chain id %q", chainID)
	}
	return &siwe.Message{
		Domain:         c.Payload.Domain,
		Address:        address,
		Statement:      c.Payload.Statement,
		URI:            c.Payload.Aud,
		Version:        c.Payload.Version,
		ChainID:        id,
		Nonce:          c.Payload.Nonce,
		IssuedAt:       c.Payload.Iat,
		ExpirationTime: c.Payload.Exp,
		NotBefore:      c.Payload.Nbf,
		RequestID:      c.Payload.RequestID,
		Resources:      c.Payload.Resources,
	}, nil
}

// Verify recovers the signing address from the EIP-191 signature and checks
// it against the issuer's did:pkh address.
func (c *CACAO) Verify() error {
	_, address, err := did.ParsePKH(c.Payload.Iss)
	if err != nil {
		return err
	}
	msg, err := c.SIWEMessage()
	if err != nil {
		return err
	}

	sig := make([]byte, 65)
	copy(sig, c.Signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(msg.EIP191Hash(), sig)
	if err != nil {
		return tcerr.Wrap(tcerr.KindInvalidSignature, err, "eip191 recovery failed")
	}
	recovered := crypto.PubkeyToAddress(*pub)
	if !bytes.EqualFold([]byte(recovered.Hex()), []byte(address)) {
		return tcerr.New(tcerr.KindInvalidSignature, "recovered address %s does not match issuer %s", recovered.Hex(), address)
	}
	return nil
}

// Encode serializes a CACAO to DagCbor. Payload fields are written in a
// fixed order so encoding is deterministic. Used by clients and tests; the
// server always hashes the bytes it received.
func Encode(c *CACAO) ([]byte, error) {
	nb := basicnode.Prototype.Map.NewBuilder()
	ma, err := nb.BeginMap(3)
	if err != nil {
		return nil, err
	}

	if err := assembleMap(ma, "h", func(m datamodel.MapAssembler) error {
		return assembleString(m, "t", c.HeaderType)
	}); err != nil {
		return nil, err
	}

	if err := assembleMap(ma, "p", func(m datamodel.MapAssembler) error {
		if err := assembleString(m, "domain", c.Payload.Domain); err != nil {
			return err
		}
		if err := assembleString(m, "iss", c.Payload.Iss); err != nil {
			return err
		}
		if err := assembleString(m, "aud", c.Payload.Aud); err != nil {
			return err
		}
		if err := assembleString(m, "version", c.Payload.Version); err != nil {
			return err
		}
		if err := assembleString(m, "nonce", c.Payload.Nonce); err != nil {
			return err
		}
		if err := assembleString(m, "iat", c.Payload.Iat); err != nil {
			return err
		}
		for _, opt := range []struct{ key, val string }{
			{"nbf", c.Payload.Nbf},
			{"exp", c.Payload.Exp},
			{"statement", c.Payload.Statement},
			{"requestId", c.Payload.RequestID},
		} {
			if opt.val == "" {
				continue
			}
			if err := assembleString(m, opt.key, opt.val); err != nil {
				return err
			}
		}
		if len(c.Payload.Resources) > 0 {
			ent, err := m.AssembleEntry("resources")
			if err != nil {
				return err
			}
			la, err := ent.BeginList(int64(len(c.Payload.Resources)))
			if err != nil {
				return err
			}
			for _, r := range c.Payload.Resources {
				if err := la.AssembleValue().AssignString(r); err != nil {
					return err
				}
			}
			if err := la.Finish(); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if err := assembleMap(ma, "s", func(m datamodel.MapAssembler) error {
		if err := assembleString(m, "t", c.SigType); err != nil {
			return err
		}
		ent, err := m.AssembleEntry("s")
		if err != nil {
			return err
		}
		return ent.AssignBytes(c.Signature)
	}); err != nil {
		return nil, err
	}

	if err := ma.Finish(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := dagcbor.Encode(nb.Build(), &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func assembleMap(ma datamodel.MapAssembler, key string, fill func(datamodel.MapAssembler) error) error {
	ent, err := ma.AssembleEntry(key)
	if err != nil {
		return err
	}
	inner, err := ent.BeginMap(0)
	if err != nil {
		return err
	}
	if err := fill(inner); err != nil {
		return err
	}
	return inner.Finish()
}

func assembleString(ma datamodel.MapAssembler, key, val string) error {
	ent, err := ma.AssembleEntry(key)
	if err != nil {
		return err
	}
	return ent.AssignString(val)
}
