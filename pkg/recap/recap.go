// Package recap encodes and decodes ReCap capability URIs (urn:recap:...)
// as embedded in SIWE resource lists.
package recap

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/tinycloudlabs/tinycloud-node/pkg/tcerr"
)

// URNPrefix introduces a ReCap capability URI.
const URNPrefix = "urn:recap:"

// Capabilities is the decoded JSON payload of a ReCap URI. Att maps
// resource URI -> ability -> caveat list; Prf lists parent CIDs.
type Capabilities struct {
	Att map[string]map[string][]json.RawMessage `json:"att"`
	Prf []string                                `json:"prf,omitempty"`
}

// Is reports whether uri is a ReCap capability URI.
func Is(uri string) bool {
	return strings.HasPrefix(uri, URNPrefix)
}

// Decode parses a urn:recap URI.
func Decode(uri string) (*Capabilities, error) {
	body, ok := strings.CutPrefix(uri, URNPrefix)
	if !ok {
		return nil, tcerr.New(tcerr.KindBadEnvelope, "not a recap uri: %q", uri)
	}
	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return nil, tcerr.Wrap(tcerr.KindBadEnvelope, err, "recap payload is not base64url")
	}
	var caps Capabilities
	if err := json.Unmarshal(raw, &caps); err != nil {
		return nil, tcerr.Wrap(tcerr.KindBadEnvelope, err, "recap payload is not valid json")
	}
	if caps.Att == nil {
		return nil, tcerr.New(tcerr.KindBadEnvelope, "recap payload missing att")
	}
	return &caps, nil
}

// Encode renders capabilities as a urn:recap URI. encoding/json sorts map
// keys, so encoding is deterministic.
func Encode(caps *Capabilities) (string, error) {
	raw, err := json.Marshal(caps)
	if err != nil {
		return "", err
	}
	return URNPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// Merge combines all ReCap URIs found in a SIWE resource list into a single
// capability set. Ability lists under the same resource are unioned; caveat
// lists are concatenated.
func Merge(resources []string) (*Capabilities, error) {
	merged := &Capabilities{Att: map[string]map[string][]json.RawMessage{}}
	for _, uri := range resources {
		if !Is(uri) {
			continue
		}
		caps, err := Decode(uri)
		if err != nil {
			return nil, err
		}
		for res, abilities := range caps.Att {
			dst, ok := merged.Att[res]
			if !ok {
				dst = map[string][]json.RawMessage{}
				merged.Att[res] = dst
			}
			for ability, caveats := range abilities {
				dst[ability] = append(dst[ability], caveats...)
			}
		}
		merged.Prf = append(merged.Prf, caps.Prf...)
	}
	return merged, nil
}
