// Package siwe parses and serializes Sign-In With Ethereum (EIP-4361)
// messages. String is the exact inverse of Parse so that the signed bytes
// can be reconstructed for verification.
package siwe

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/tinycloudlabs/tinycloud-node/pkg/tcerr"
)

// Message is a parsed SIWE message.
type Message struct {
	Domain         string
	Address        string
	Statement      string
	URI            string
	Version        string
	ChainID        int
	Nonce          string
	IssuedAt       string
	ExpirationTime string
	NotBefore      string
	RequestID      string
	Resources      []string
}

const header = " wants you to sign in with your Ethereum account:"

// Parse decodes the canonical SIWE text format.
func Parse(s string) (*Message, error) {
	lines := strings.Split(s, "\n")
	if len(lines) < 3 {
		return nil, tcerr.New(tcerr.KindBadEnvelope, "siwe message too short")
	}

	m := &Message{}
	domain, ok := strings.CutSuffix(lines[0], header)
	if !ok || domain == "" {
		return nil, tcerr.New(tcerr.KindBadEnvelope, "siwe message missing domain header")
	}
	m.Domain = domain

	m.Address = lines[1]
	if err := checkAddress(m.Address); err != nil {
		return nil, err
	}
	if lines[2] != "" {
		return nil, tcerr.New(tcerr.KindBadEnvelope, "siwe message missing separator after address")
	}

	// Optional statement block: a non-empty line followed by a blank line.
	i := 3
	if i < len(lines) && lines[i] != "" && !strings.HasPrefix(lines[i], "URI: ") {
		m.Statement = lines[i]
		i++
		if i >= len(lines) || lines[i] != "" {
			return nil, tcerr.New(tcerr.KindBadEnvelope, "siwe statement must be followed by a blank line")
		}
		i++
	} else if i < len(lines) && lines[i] == "" {
		i++
	}

	inResources := false
	for ; i < len(lines); i++ {
		line := lines[i]
		if inResources {
			res, ok := strings.CutPrefix(line, "- ")
			if !ok {
				return nil, tcerr.New(tcerr.KindBadEnvelope, "malformed siwe resource line: %q", line)
			}
			m.Resources = append(m.Resources, res)
			continue
		}
		switch {
		case strings.HasPrefix(line, "URI: "):
			m.URI = line[len("URI: "):]
		case strings.HasPrefix(line, "Version: "):
			m.Version = line[len("Version: "):]
		case strings.HasPrefix(line, "Chain ID: "):
			id, err := strconv.Atoi(line[len("Chain ID: "):])
			if err != nil {
				return nil, tcerr.Wrap(tcerr.KindBadEnvelope, err, "invalid siwe chain id")
			}
			m.ChainID = id
		case strings.HasPrefix(line, "Nonce: "):
			m.Nonce = line[len("Nonce: "):]
		case strings.HasPrefix(line, "Issued At: "):
			m.IssuedAt = line[len("Issued At: "):]
		case strings.HasPrefix(line, "Expiration Time: "):
			m.ExpirationTime = line[len("Expiration Time: "):]
		case strings.HasPrefix(line, "Not Before: "):
			m.NotBefore = line[len("Not Before: "):]
		case strings.HasPrefix(line, "Request ID: "):
			m.RequestID = line[len("Request ID: "):]
		case line == "Resources:":
			inResources = true
		default:
			return nil, tcerr.New(tcerr.KindBadEnvelope, "unrecognized siwe line: %q", line)
		}
	}

	if m.URI == "" || m.Version == "" || m.ChainID == 0 || m.Nonce == "" || m.IssuedAt == "" {
		return nil, tcerr.New(tcerr.KindBadEnvelope, "siwe message missing required field")
	}
	return m, nil
}

// String renders the canonical text form that is signed.
func (m *Message) String() string {
	var b strings.Builder
	b.WriteString(m.Domain)
	b.WriteString(header)
	b.WriteString("\n")
	b.WriteString(m.Address)
	b.WriteString("\n\n")
	if m.Statement != "" {
		b.WriteString(m.Statement)
		b.WriteString("\n\n")
	} else {
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "URI: %s\n", m.URI)
	fmt.Fprintf(&b, "Version: %s\n", m.Version)
	fmt.Fprintf(&b, "Chain ID: %d\n", m.ChainID)
	fmt.Fprintf(&b, "Nonce: %s\n", m.Nonce)
	fmt.Fprintf(&b, "Issued At: %s", m.IssuedAt)
	if m.ExpirationTime != "" {
		fmt.Fprintf(&b, "\nExpiration Time: %s", m.ExpirationTime)
	}
	if m.NotBefore != "" {
		fmt.Fprintf(&b, "\nNot Before: %s", m.NotBefore)
	}
	if m.RequestID != "" {
		fmt.Fprintf(&b, "\nRequest ID: %s", m.RequestID)
	}
	if len(m.Resources) > 0 {
		b.WriteString("\nResources:")
		for _, r := range m.Resources {
			fmt.Fprintf(&b, "\n- %s", r)
		}
	}
	return b.String()
}

// EIP191Hash returns the keccak-256 digest of the message with the
// personal-sign prefix prepended.
func (m *Message) EIP191Hash() []byte {
	return EIP191Hash([]byte(m.String()))
}

// EIP191Hash hashes arbitrary bytes under the EIP-191 personal-sign scheme.
func EIP191Hash(msg []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(msg))
	return crypto.Keccak256([]byte(prefix), msg)
}

// checkAddress accepts EIP-55 checksummed or all-lowercase 0x-hex addresses.
func checkAddress(addr string) error {
	if !common.IsHexAddress(addr) {
		return tcerr.New(tcerr.KindBadEnvelope, "invalid ethereum address: %q", addr)
	}
	lower := strings.ToLower(addr)
	checksummed := common.HexToAddress(addr).Hex()
	if addr != lower && addr != checksummed {
		return tcerr.New(tcerr.KindBadEnvelope, "address %q is neither lowercase nor EIP-55", addr)
	}
	return nil
}
