package api

import "fmt"

// Role is what a node does in a cluster.
type Role uint8

const (
	RoleUnknown Role = iota

	// RoleData is a data-bearing member of a replication group (a shard, or a
	// plain replica set when the cluster is not sharded).
	RoleData

	// RoleMetadata is a member of the group which hosts the sharding metadata:
	// the shard registry and the range distribution.
	RoleMetadata

	// RoleRouter is a stateless process which forwards data commands to the
	// shard owning the target key.
	RoleRouter
)

func (r Role) String() string {
	switch r {
	case RoleData:
		return "data"
	case RoleMetadata:
		return "metadata"
	case RoleRouter:
		return "router"
	}

	return fmt.Sprintf("Role(%d)", uint8(r))
}

// ParseRole is the inverse of Role.String.
func ParseRole(s string) (Role, error) {
	switch s {
	case "data", "shard", "":
		return RoleData, nil
	case "metadata", "config":
		return RoleMetadata, nil
	case "router":
		return RoleRouter, nil
	}

	return RoleUnknown, fmt.Errorf("unknown role: %q", s)
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	rr, err := ParseRole(string(b))
	if err != nil {
		return err
	}

	*r = rr
	return nil
}
