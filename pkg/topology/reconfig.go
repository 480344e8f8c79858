package topology

import (
	"context"
	"fmt"
	"log"

	"github.com/adammck/testrig/pkg/api"
	"github.com/adammck/testrig/pkg/wire"
)

// Reconfigure changes the membership of the group to exactly the given nodes.
// Servers only accept one voting change per reconfig, so the change is made
// in steps (additions first, then removals), each waiting for every member to
// agree on the new config. Every step must leave a majority of its voters
// reachable; if any wouldn't, nothing is sent and *api.QuorumNotReached is
// returned.
func (c *Controller) Reconfigure(ctx context.Context, g *Group, members []Node) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.reconfigure(ctx, g, members)
}

// AddMember adds a running node to the group as a voting member.
func (c *Controller) AddMember(ctx context.Context, g *Group, n Node) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := g.Member(n.ID()); ok {
		return fmt.Errorf("%s is already a member of %s", n.ID(), g.name)
	}

	return c.reconfigure(ctx, g, append(g.Members(), n))
}

// RemoveMember removes a node from the group. If it's the primary, it's asked
// to step down first.
func (c *Controller) RemoveMember(ctx context.Context, g *Group, id api.NodeID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := g.Member(id); !ok {
		return fmt.Errorf("%s isn't a member of %s", id, g.name)
	}

	ms := []Node{}
	for _, n := range g.Members() {
		if n.ID() != id {
			ms = append(ms, n)
		}
	}

	return c.reconfigure(ctx, g, ms)
}

func (c *Controller) reconfigure(ctx context.Context, g *Group, members []Node) error {
	if len(members) == 0 {
		return fmt.Errorf("can't reconfigure %s with no members", g.name)
	}

	res, err := c.onPrimary(ctx, g, wire.ReplSetGetConfig{})
	if err != nil {
		return fmt.Errorf("error getting config of %s: %w", g.name, err)
	}
	cur := wire.ParseGroupConfig(res.Doc("config"))

	// Every node which is, or will be, a member.
	byAddr := map[string]Node{}
	for _, n := range g.Members() {
		byAddr[n.Addr()] = n
	}
	for _, n := range members {
		byAddr[n.Addr()] = n
	}

	steps := plan(cur, members)
	if len(steps) == 0 {
		return nil
	}

	for _, step := range append([]wire.GroupConfig{cur}, steps...) {
		reachable := 0
		for _, m := range step.Members {
			if n, ok := byAddr[m.Host]; ok && m.Votes > 0 && n.Alive() {
				reachable++
			}
		}

		if reachable < step.Majority() {
			return &api.QuorumNotReached{
				Group:   g.name,
				Op:      "reconfigure",
				Settled: reachable,
				Needed:  step.Majority(),
				Err:     fmt.Errorf("config version %d would have %d of %d voters reachable", step.Version, reachable, step.Voters()),
			}
		}
	}

	g.setState(GroupReconfiguring)

	union := append([]Node(nil), g.Members()...)
	for _, n := range members {
		if _, ok := g.Member(n.ID()); !ok {
			union = append(union, n)
		}
	}
	g.setMembers(union)

	prev := cur
	for _, step := range steps {
		if err := c.applyStep(ctx, g, prev, step, byAddr); err != nil {
			return err
		}
		prev = step
	}

	g.setMembers(members)

	if err := c.awaitSettled(ctx, g, "reconfigure"); err != nil {
		return err
	}

	g.setState(GroupStable)
	log.Printf("reconfigured %s: %v", g.name, g.Hosts())
	return nil
}

func (c *Controller) applyStep(ctx context.Context, g *Group, prev, next wire.GroupConfig, byAddr map[string]Node) error {

	// The primary can't remove itself.
	for _, m := range prev.Members {
		if _, ok := next.Member(m.Host); ok {
			continue
		}

		p, err := c.awaitPrimary(ctx, g, nil)
		if err != nil {
			return err
		}

		if p.Addr() == m.Host {
			if _, err := c.stepDown(ctx, g, c.cfg.QuorumTimeout); err != nil {
				return err
			}
		}
	}

	_, err := c.onPrimary(ctx, g, wire.ReplSetReconfig{Config: next})
	if err != nil {
		return fmt.Errorf("error reconfiguring %s to version %d: %w", g.name, next.Version, err)
	}

	ms := []Node{}
	for _, m := range next.Members {
		if n, ok := byAddr[m.Host]; ok {
			ms = append(ms, n)
		}
	}

	return c.awaitConfigVersion(ctx, g.name, ms, next.Version)
}

// plan returns the configs to step through to get from cur to exactly the
// given members, changing one member at a time.
func plan(cur wire.GroupConfig, members []Node) []wire.GroupConfig {
	want := map[string]struct{}{}
	for _, n := range members {
		want[n.Addr()] = struct{}{}
	}

	steps := []wire.GroupConfig{}
	prev := cur

	for _, n := range members {
		if _, ok := prev.Member(n.Addr()); ok {
			continue
		}

		next := clone(prev)
		next.Version++
		next.Members = append(next.Members, wire.MemberConfig{
			ID:       prev.NextID(),
			Host:     n.Addr(),
			Priority: 1,
			Votes:    1,
		})

		steps = append(steps, next)
		prev = next
	}

	for _, m := range cur.Members {
		if _, ok := want[m.Host]; ok {
			continue
		}

		next := clone(prev)
		next.Version++
		next.Members = next.Members[:0]
		for _, pm := range prev.Members {
			if pm.Host != m.Host {
				next.Members = append(next.Members, pm)
			}
		}

		steps = append(steps, next)
		prev = next
	}

	return steps
}

func clone(gc wire.GroupConfig) wire.GroupConfig {
	out := gc
	out.Members = append([]wire.MemberConfig(nil), gc.Members...)
	return out
}
