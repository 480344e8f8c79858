package cluster

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/adammck/testrig/pkg/api"
	"github.com/adammck/testrig/pkg/keyspace"
	"github.com/adammck/testrig/pkg/topology"
	"github.com/adammck/testrig/pkg/wire"
)

// DivergenceError is returned when the live members of a group don't hold the
// same data once replication should have caught up.
type DivergenceError struct {
	Group  string
	Hashes map[api.NodeID]string

	// Why replication didn't catch up, if it didn't.
	Err error
}

func (e *DivergenceError) Error() string {
	ids := make([]string, 0, len(e.Hashes))
	for id := range e.Hashes {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)

	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%s=%s", id, e.Hashes[api.NodeID(id)])
	}

	s := fmt.Sprintf("group %s diverged: %s", e.Group, strings.Join(parts, ", "))
	if e.Err != nil {
		s += fmt.Sprintf(" (%v)", e.Err)
	}

	return s
}

func (e *DivergenceError) Unwrap() error {
	return e.Err
}

// OrphanError is returned when some ranges are owned by a shard which isn't
// registered.
type OrphanError struct {
	Ranges []keyspace.Range
}

func (e *OrphanError) Error() string {
	parts := make([]string, len(e.Ranges))
	for i, r := range e.Ranges {
		parts[i] = r.String()
	}

	return fmt.Sprintf("orphaned ranges: %s", strings.Join(parts, ", "))
}

// CheckConvergence waits for the group to replicate, then compares the data
// hash of every live member. Members are compared even if replication never
// caught up, so that a stuck member is reported as divergence rather than as a
// timeout.
func (c *Cluster) CheckConvergence(ctx context.Context, g *topology.Group) error {
	repl := c.Topo.AwaitReplication(ctx, g)

	hashes := map[api.NodeID]string{}
	distinct := map[string]struct{}{}
	for _, n := range g.Members() {
		if !n.Alive() {
			continue
		}

		res, err := n.Do(ctx, wire.DBHash{})
		if err != nil {
			return fmt.Errorf("error hashing %s: %w", n.ID(), err)
		}

		h := wire.ParseDBHash(res).Hash
		hashes[n.ID()] = h
		distinct[h] = struct{}{}
	}

	if len(distinct) > 1 {
		return &DivergenceError{Group: g.Name(), Hashes: hashes, Err: repl}
	}

	return nil
}

// CheckOrphans returns *OrphanError if any range is owned by a shard which
// isn't registered.
func (c *Cluster) CheckOrphans(ctx context.Context) error {
	rs, err := c.Topo.Orphans(ctx)
	if err != nil {
		return err
	}

	if len(rs) > 0 {
		return &OrphanError{Ranges: rs}
	}

	return nil
}
