// Package capability models tinycloud resource URIs, abilities, and the
// attenuation rules that bound delegation chains.
package capability

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/tinycloudlabs/tinycloud-node/pkg/did"
	"github.com/tinycloudlabs/tinycloud-node/pkg/tcerr"
)

// Scheme is the URI scheme for spaces and resources.
const Scheme = "tinycloud"

// Namespace is the ability namespace served by this node.
const Namespace = "tinycloud"

// Services addressable inside a space.
const (
	ServiceKV           = "kv"
	ServiceCapabilities = "capabilities"
	ServiceDelegation   = "delegation"
)

// HostFragment marks the hosting resource of a space root delegation.
const HostFragment = "orbit/host"

// SpaceID identifies a user-owned space: tinycloud:<controller-did-body>://<name>/
type SpaceID struct {
	// ControllerBody is the controller DID without its "did:" prefix.
	ControllerBody string
	Name           string
}

// Controller returns the full controller DID of the space.
func (s SpaceID) Controller() string {
	return "did:" + s.ControllerBody
}

func (s SpaceID) String() string {
	return Scheme + ":" + s.ControllerBody + "://" + s.Name + "/"
}

// ParseSpaceID parses a space identifier URI.
func ParseSpaceID(s string) (SpaceID, error) {
	rest, ok := strings.CutPrefix(s, Scheme+":")
	if !ok {
		return SpaceID{}, tcerr.New(tcerr.KindBadResource, "space id missing %s scheme: %q", Scheme, s)
	}
	body, rest, ok := strings.Cut(rest, "://")
	if !ok || body == "" {
		return SpaceID{}, tcerr.New(tcerr.KindBadResource, "space id missing authority: %q", s)
	}
	name := strings.TrimSuffix(rest, "/")
	if name == "" || strings.ContainsAny(name, "/#") {
		return SpaceID{}, tcerr.New(tcerr.KindBadResource, "invalid space name in %q", s)
	}
	id := SpaceID{ControllerBody: body, Name: name}
	if !did.IsValid(id.Controller()) {
		return SpaceID{}, tcerr.New(tcerr.KindBadResource, "space controller is not a valid DID: %q", id.Controller())
	}
	return id, nil
}

// Resource addresses a service path inside a space, or (with Fragment set)
// the space itself.
type Resource struct {
	Space    SpaceID
	Service  string
	Path     string
	Fragment string
}

// IsHost reports whether the resource is the hosting resource of its space.
func (r Resource) IsHost() bool {
	return r.Fragment == HostFragment
}

func (r Resource) String() string {
	s := r.Space.String()
	if r.Fragment != "" {
		return strings.TrimSuffix(s, "/") + "/#" + r.Fragment
	}
	s += r.Service
	if r.Path != "" {
		s += "/" + r.Path
	}
	return s
}

// ParseResource parses a resource URI of the form
// <space-id>/<service>/<path> or <space-id>#<fragment>.
func ParseResource(s string) (Resource, error) {
	uri, frag, hasFrag := strings.Cut(s, "#")
	rest, ok := strings.CutPrefix(uri, Scheme+":")
	if !ok {
		return Resource{}, tcerr.New(tcerr.KindBadResource, "resource missing %s scheme: %q", Scheme, s)
	}
	body, rest, ok := strings.Cut(rest, "://")
	if !ok || body == "" {
		return Resource{}, tcerr.New(tcerr.KindBadResource, "resource missing authority: %q", s)
	}
	name, tail, _ := strings.Cut(rest, "/")
	if name == "" {
		return Resource{}, tcerr.New(tcerr.KindBadResource, "resource missing space name: %q", s)
	}
	space := SpaceID{ControllerBody: body, Name: name}
	if !did.IsValid(space.Controller()) {
		return Resource{}, tcerr.New(tcerr.KindBadResource, "resource controller is not a valid DID: %q", space.Controller())
	}

	if hasFrag {
		if tail != "" {
			return Resource{}, tcerr.New(tcerr.KindBadResource, "fragment resource cannot carry a path: %q", s)
		}
		return Resource{Space: space, Fragment: frag}, nil
	}

	service, path, _ := strings.Cut(tail, "/")
	switch service {
	case ServiceKV, ServiceCapabilities, ServiceDelegation:
	default:
		return Resource{}, tcerr.New(tcerr.KindBadResource, "unknown service %q in %q", service, s)
	}
	return Resource{Space: space, Service: service, Path: path}, nil
}

// Ability is a single action on a service: <namespace>.<service>/<action>.
type Ability struct {
	Namespace string
	Service   string
	Action    string
}

func (a Ability) String() string {
	return a.Namespace + "." + a.Service + "/" + a.Action
}

// ParseAbility parses an ability string.
func ParseAbility(s string) (Ability, error) {
	nsSvc, action, ok := strings.Cut(s, "/")
	if !ok || action == "" || strings.Contains(action, "/") {
		return Ability{}, tcerr.New(tcerr.KindBadAbility, "ability must carry exactly one action: %q", s)
	}
	ns, svc, ok := strings.Cut(nsSvc, ".")
	if !ok || ns == "" || svc == "" {
		return Ability{}, tcerr.New(tcerr.KindBadAbility, "ability missing namespace or service: %q", s)
	}
	return Ability{Namespace: ns, Service: svc, Action: action}, nil
}

// Grant attaches one ability to a resource, with optional caveats.
type Grant struct {
	Resource Resource
	Ability  Ability
	Caveats  []json.RawMessage
}

// Attenuates reports whether child is at most as powerful as parent:
// same space and service, equal-or-deeper path, same action, and child
// retains every parent caveat.
func Attenuates(parent, child Grant) bool {
	if parent.Resource.Space != child.Resource.Space {
		return false
	}
	if parent.Resource.Fragment != child.Resource.Fragment {
		return false
	}
	if parent.Resource.Fragment == "" {
		if parent.Resource.Service != child.Resource.Service {
			return false
		}
		if !pathCovers(parent.Resource.Path, child.Resource.Path) {
			return false
		}
	}
	if parent.Ability != child.Ability {
		return false
	}
	return caveatsRetained(parent.Caveats, child.Caveats)
}

// GrantCovered reports whether at least one of parents attenuates to g.
func GrantCovered(parents []Grant, g Grant) bool {
	for _, p := range parents {
		if Attenuates(p, g) {
			return true
		}
	}
	return false
}

// AllCovered reports whether every one of grants is covered by parents.
func AllCovered(parents, grants []Grant) bool {
	for _, g := range grants {
		if !GrantCovered(parents, g) {
			return false
		}
	}
	return true
}

// pathCovers reports whether child is equal to or nested under parent.
// Paths are hierarchical: "a/b/" scopes "a/b/c".
func pathCovers(parent, child string) bool {
	if parent == child {
		return true
	}
	if parent == "" {
		return true
	}
	if !strings.HasPrefix(child, parent) {
		return false
	}
	return strings.HasSuffix(parent, "/") || child[len(parent)] == '/'
}

// caveatsRetained reports whether every parent caveat is present in the
// child caveat list. Children may add caveats but never drop one.
func caveatsRetained(parent, child []json.RawMessage) bool {
	for _, pc := range parent {
		found := false
		for _, cc := range child {
			if equalJSON(pc, cc) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func equalJSON(a, b json.RawMessage) bool {
	ca, err := compactJSON(a)
	if err != nil {
		return false
	}
	cb, err := compactJSON(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}

func compactJSON(raw json.RawMessage) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
