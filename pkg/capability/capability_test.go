package capability_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinycloudlabs/tinycloud-node/pkg/capability"
)

const spaceURI = "tinycloud:pkh:eip155:1:0xab16a96d359ec26a11e2c2b3d8f8b8942d5bfcdb://default/"

func mustResource(t *testing.T, s string) capability.Resource {
	t.Helper()
	r, err := capability.ParseResource(s)
	require.NoError(t, err)
	return r
}

func mustAbility(t *testing.T, s string) capability.Ability {
	t.Helper()
	a, err := capability.ParseAbility(s)
	require.NoError(t, err)
	return a
}

func TestParseSpaceID(t *testing.T) {
	id, err := capability.ParseSpaceID(spaceURI)
	require.NoError(t, err)
	assert.Equal(t, "default", id.Name)
	assert.Equal(t, "did:pkh:eip155:1:0xab16a96d359ec26a11e2c2b3d8f8b8942d5bfcdb", id.Controller())
	assert.Equal(t, spaceURI, id.String())
}

func TestParseSpaceID_Rejections(t *testing.T) {
	for name, in := range map[string]string{
		"wrong scheme":   "other:pkh:eip155:1:0xab16a96d359ec26a11e2c2b3d8f8b8942d5bfcdb://default/",
		"no authority":   "tinycloud:default/",
		"no name":        "tinycloud:pkh:eip155:1:0xab16a96d359ec26a11e2c2b3d8f8b8942d5bfcdb:///",
		"bad controller": "tinycloud:web:example.com://default/",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := capability.ParseSpaceID(in)
			assert.Error(t, err)
		})
	}
}

func TestParseResource(t *testing.T) {
	r := mustResource(t, spaceURI+"kv/photos/cat.png")
	assert.Equal(t, "default", r.Space.Name)
	assert.Equal(t, capability.ServiceKV, r.Service)
	assert.Equal(t, "photos/cat.png", r.Path)
	assert.Equal(t, spaceURI+"kv/photos/cat.png", r.String())
}

func TestParseResource_Host(t *testing.T) {
	r := mustResource(t, spaceURI+"#orbit/host")
	assert.True(t, r.IsHost())
	assert.Equal(t, spaceURI+"#orbit/host", r.String())
}

func TestParseResource_Rejections(t *testing.T) {
	for name, in := range map[string]string{
		"unknown service": spaceURI + "mail/inbox",
		"wrong scheme":    "http://example.com/kv/x",
		"path after frag": spaceURI + "kv/x#orbit/host",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := capability.ParseResource(in)
			assert.Error(t, err)
		})
	}
}

func TestParseAbility(t *testing.T) {
	a := mustAbility(t, "tinycloud.kv/get")
	assert.Equal(t, "tinycloud", a.Namespace)
	assert.Equal(t, "kv", a.Service)
	assert.Equal(t, "get", a.Action)
	assert.Equal(t, "tinycloud.kv/get", a.String())
}

func TestParseAbility_Rejections(t *testing.T) {
	for _, in := range []string{"tinycloud.kv", "kv/get", "tinycloud.kv/get/put", "tinycloud.kv/"} {
		_, err := capability.ParseAbility(in)
		assert.Error(t, err, "input %q", in)
	}
}

func TestAttenuates(t *testing.T) {
	get := mustAbility(t, "tinycloud.kv/get")
	put := mustAbility(t, "tinycloud.kv/put")

	tests := []struct {
		name   string
		parent capability.Grant
		child  capability.Grant
		want   bool
	}{
		{
			name:   "equal",
			parent: capability.Grant{Resource: mustResource(t, spaceURI+"kv/"), Ability: get},
			child:  capability.Grant{Resource: mustResource(t, spaceURI+"kv/"), Ability: get},
			want:   true,
		},
		{
			name:   "deeper path",
			parent: capability.Grant{Resource: mustResource(t, spaceURI+"kv/shared/"), Ability: get},
			child:  capability.Grant{Resource: mustResource(t, spaceURI+"kv/shared/notes.txt"), Ability: get},
			want:   true,
		},
		{
			name:   "sibling path",
			parent: capability.Grant{Resource: mustResource(t, spaceURI+"kv/shared/"), Ability: get},
			child:  capability.Grant{Resource: mustResource(t, spaceURI+"kv/private/x"), Ability: get},
			want:   false,
		},
		{
			name:   "prefix is not a segment boundary",
			parent: capability.Grant{Resource: mustResource(t, spaceURI+"kv/shared"), Ability: get},
			child:  capability.Grant{Resource: mustResource(t, spaceURI+"kv/shared-extra"), Ability: get},
			want:   false,
		},
		{
			name:   "action widened",
			parent: capability.Grant{Resource: mustResource(t, spaceURI+"kv/"), Ability: get},
			child:  capability.Grant{Resource: mustResource(t, spaceURI+"kv/"), Ability: put},
			want:   false,
		},
		{
			name:   "different service",
			parent: capability.Grant{Resource: mustResource(t, spaceURI+"capabilities/"), Ability: get},
			child:  capability.Grant{Resource: mustResource(t, spaceURI+"kv/"), Ability: get},
			want:   false,
		},
		{
			name:   "shallower path",
			parent: capability.Grant{Resource: mustResource(t, spaceURI+"kv/shared/"), Ability: get},
			child:  capability.Grant{Resource: mustResource(t, spaceURI+"kv/"), Ability: get},
			want:   false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, capability.Attenuates(tt.parent, tt.child))
		})
	}
}

func TestAttenuates_CaveatsRetained(t *testing.T) {
	get := mustAbility(t, "tinycloud.kv/get")
	res := mustResource(t, spaceURI+"kv/")
	caveat := json.RawMessage(`{"max": 5}`)

	parent := capability.Grant{Resource: res, Ability: get, Caveats: []json.RawMessage{caveat}}

	dropped := capability.Grant{Resource: res, Ability: get}
	assert.False(t, capability.Attenuates(parent, dropped), "child cannot drop a parent caveat")

	kept := capability.Grant{Resource: res, Ability: get, Caveats: []json.RawMessage{json.RawMessage(`{"max":5}`)}}
	assert.True(t, capability.Attenuates(parent, kept), "whitespace-insensitive caveat match")

	added := capability.Grant{Resource: res, Ability: get, Caveats: []json.RawMessage{caveat, json.RawMessage(`{"audit":true}`)}}
	assert.True(t, capability.Attenuates(parent, added), "child may add caveats")
}

func TestGrantCovered(t *testing.T) {
	get := mustAbility(t, "tinycloud.kv/get")
	list := mustAbility(t, "tinycloud.kv/list")

	parents := []capability.Grant{
		{Resource: mustResource(t, spaceURI+"kv/shared/"), Ability: get},
		{Resource: mustResource(t, spaceURI+"kv/shared/"), Ability: list},
	}
	assert.True(t, capability.GrantCovered(parents, capability.Grant{
		Resource: mustResource(t, spaceURI+"kv/shared/doc"), Ability: get,
	}))
	assert.False(t, capability.GrantCovered(parents, capability.Grant{
		Resource: mustResource(t, spaceURI+"kv/other"), Ability: get,
	}))

	assert.True(t, capability.AllCovered(parents, parents))
}
