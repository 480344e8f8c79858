package cluster

import (
	"testing"

	"github.com/adammck/testrig/pkg/api"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDescriptor(t *testing.T) {
	d, err := ParseDescriptor([]byte(`
name: two-shards
metadata:
  members: 1
shards:
  - name: s1
    members: 3
    durable: true
  - name: s2
    members: 1
    options:
      electionTimeoutMillis: "500"
routers: 2
splits: [g, p]
options:
  enableTestCommands: "1"
`))
	require.NoError(t, err)

	want := Descriptor{
		Name:     "two-shards",
		Metadata: &GroupSpec{Name: "cfg", Members: 1},
		Shards: []GroupSpec{
			{Name: "s1", Members: 3, Durable: true},
			{Name: "s2", Members: 1, Options: map[string]string{"electionTimeoutMillis": "500"}},
		},
		Routers: 2,
		Splits:  []string{"g", "p"},
		Options: map[string]string{"enableTestCommands": "1"},
	}

	if diff := cmp.Diff(want, d); diff != "" {
		t.Errorf("descriptor mismatch (-want +got):\n%s", diff)
	}

	assert.True(t, d.Sharded())
}

func TestParseDescriptorBadYAML(t *testing.T) {
	_, err := ParseDescriptor([]byte("name: [unterminated"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	one := func(name string) GroupSpec {
		return GroupSpec{Name: name, Members: 1}
	}

	tests := []struct {
		name string
		desc Descriptor
		err  string
	}{
		{
			name: "no name",
			desc: Descriptor{Groups: []GroupSpec{one("rs")}},
			err:  "descriptor has no name",
		},
		{
			name: "no groups",
			desc: Descriptor{Name: "x"},
			err:  "descriptor has no groups",
		},
		{
			name: "empty group",
			desc: Descriptor{Name: "x", Groups: []GroupSpec{{Name: "rs"}}},
			err:  "group rs must have at least one member",
		},
		{
			name: "duplicate group",
			desc: Descriptor{Name: "x", Groups: []GroupSpec{one("rs")}, Shards: []GroupSpec{one("rs")}, Metadata: &GroupSpec{Name: "cfg", Members: 1}},
			err:  "duplicate group name: rs",
		},
		{
			name: "reserved name",
			desc: Descriptor{Name: "x", Groups: []GroupSpec{one("config")}},
			err:  "group name is reserved: config",
		},
		{
			name: "shards without metadata",
			desc: Descriptor{Name: "x", Shards: []GroupSpec{one("s1")}},
			err:  "shards, routers, configShard, and splits need a metadata group",
		},
		{
			name: "splits without shards",
			desc: Descriptor{Name: "x", Metadata: &GroupSpec{Name: "cfg", Members: 1}, Splits: []string{"m"}},
			err:  "splits need at least one shard",
		},
		{
			name: "unsorted splits",
			desc: Descriptor{Name: "x", Metadata: &GroupSpec{Name: "cfg", Members: 1}, Shards: []GroupSpec{one("s1")}, Splits: []string{"m", "c"}},
			err:  `splits must be sorted and unique: "c" after "m"`,
		},
		{
			name: "config shard may hold splits",
			desc: Descriptor{Name: "x", Metadata: &GroupSpec{Name: "cfg", Members: 1}, ConfigShard: true, Splits: []string{"m"}},
		},
		{
			name: "plain group",
			desc: Descriptor{Name: "x", Groups: []GroupSpec{one("rs")}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.desc.Validate()
			if tt.err == "" {
				assert.NoError(t, err)
			} else {
				assert.EqualError(t, err, tt.err)
			}
		})
	}
}

func TestNodeSpecs(t *testing.T) {
	d := Descriptor{
		Name:    "x",
		Options: map[string]string{"a": "1", "b": "1"},
	}

	specs := d.nodeSpecs(GroupSpec{Name: "rs", Members: 2, Durable: true, Options: map[string]string{"b": "2"}}, api.RoleData)
	require.Len(t, specs, 2)

	assert.Equal(t, api.NodeID("rs-0"), specs[0].ID)
	assert.Equal(t, api.NodeID("rs-1"), specs[1].ID)
	assert.Equal(t, "rs", specs[1].Group)
	assert.True(t, specs[1].Durable)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, specs[0].Options)

	r := d.routerSpec(0, "cfg/h:1")
	assert.Equal(t, api.RoleRouter, r.Role)
	assert.Equal(t, "cfg/h:1", r.Options[api.OptConfigDB])
}
