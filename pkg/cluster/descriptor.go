package cluster

import (
	"fmt"
	"os"

	"github.com/adammck/testrig/pkg/api"
	"github.com/goccy/go-yaml"
)

// Descriptor declares a cluster: either some plain replication groups, or a
// sharded cluster with a metadata group, shards, and routers.
type Descriptor struct {
	Name string `yaml:"name"`

	// Replication groups which aren't shards.
	Groups []GroupSpec `yaml:"groups"`

	// Sharding. Shards and routers need a metadata group.
	Metadata *GroupSpec  `yaml:"metadata"`
	Shards   []GroupSpec `yaml:"shards"`
	Routers  int         `yaml:"routers"`

	// Make the metadata group a shard too.
	ConfigShard bool `yaml:"configShard"`

	// Split the keyspace at these keys once the shards are added, and spread
	// the ranges over the shards round-robin.
	Splits []string `yaml:"splits"`

	// Passed to every node. Group options override these.
	Options map[string]string `yaml:"options"`
}

// GroupSpec declares one replication group.
type GroupSpec struct {
	Name    string            `yaml:"name"`
	Members int               `yaml:"members"`
	Durable bool              `yaml:"durable"`
	Options map[string]string `yaml:"options"`
}

// ParseDescriptor reads a descriptor from YAML.
func ParseDescriptor(data []byte) (Descriptor, error) {
	d := Descriptor{}
	if err := yaml.Unmarshal(data, &d); err != nil {
		return Descriptor{}, fmt.Errorf("error parsing descriptor: %w", err)
	}

	if d.Metadata != nil && d.Metadata.Name == "" {
		d.Metadata.Name = "cfg"
	}

	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}

	return d, nil
}

func LoadDescriptor(path string) (Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, err
	}

	return ParseDescriptor(data)
}

// Sharded returns true if the descriptor has a metadata group.
func (d Descriptor) Sharded() bool {
	return d.Metadata != nil
}

func (d Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("descriptor has no name")
	}

	names := map[string]struct{}{}
	check := func(what string, g GroupSpec) error {
		if g.Name == "" {
			return fmt.Errorf("%s group has no name", what)
		}
		if g.Members < 1 {
			return fmt.Errorf("group %s must have at least one member", g.Name)
		}
		if _, ok := names[g.Name]; ok {
			return fmt.Errorf("duplicate group name: %s", g.Name)
		}
		if api.ShardID(g.Name) == api.ConfigShard {
			return fmt.Errorf("group name is reserved: %s", g.Name)
		}
		names[g.Name] = struct{}{}
		return nil
	}

	if d.Metadata != nil {
		if err := check("metadata", *d.Metadata); err != nil {
			return err
		}
	}

	for _, g := range d.Groups {
		if err := check("replication", g); err != nil {
			return err
		}
	}

	for _, g := range d.Shards {
		if err := check("shard", g); err != nil {
			return err
		}
	}

	if d.Metadata == nil {
		if len(d.Shards) > 0 || d.Routers > 0 || d.ConfigShard || len(d.Splits) > 0 {
			return fmt.Errorf("shards, routers, configShard, and splits need a metadata group")
		}
		if len(d.Groups) == 0 {
			return fmt.Errorf("descriptor has no groups")
		}
	}

	if len(d.Splits) > 0 && len(d.Shards) == 0 && !d.ConfigShard {
		return fmt.Errorf("splits need at least one shard")
	}

	for i, k := range d.Splits {
		if k == "" {
			return fmt.Errorf("split %d is empty", i)
		}
		if i > 0 && k <= d.Splits[i-1] {
			return fmt.Errorf("splits must be sorted and unique: %q after %q", k, d.Splits[i-1])
		}
	}

	if d.Routers < 0 {
		return fmt.Errorf("routers must not be negative")
	}

	return nil
}

// nodeSpecs returns the specs of the members of a group.
func (d Descriptor) nodeSpecs(g GroupSpec, role api.Role) []api.NodeSpec {
	out := make([]api.NodeSpec, g.Members)
	for i := range out {
		out[i] = api.NodeSpec{
			ID:      api.NodeID(fmt.Sprintf("%s-%d", g.Name, i)),
			Role:    role,
			Group:   g.Name,
			Durable: g.Durable,
			Options: merge(d.Options, g.Options),
		}
	}

	return out
}

func (d Descriptor) routerSpec(i int, configDB string) api.NodeSpec {
	return api.NodeSpec{
		ID:      api.NodeID(fmt.Sprintf("router-%d", i)),
		Role:    api.RoleRouter,
		Options: merge(d.Options, map[string]string{api.OptConfigDB: configDB}),
	}
}

func merge(ms ...map[string]string) map[string]string {
	out := map[string]string{}
	for _, m := range ms {
		for k, v := range m {
			out[k] = v
		}
	}

	return out
}
