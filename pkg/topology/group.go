package topology

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/adammck/testrig/pkg/api"
	"github.com/adammck/testrig/pkg/retry"
	"github.com/adammck/testrig/pkg/wire"
	"golang.org/x/sync/errgroup"
)

type GroupState uint8

const (
	GroupUnformed GroupState = iota
	GroupInitiating
	GroupStable
	GroupReconfiguring
	GroupTornDown
)

func (s GroupState) String() string {
	switch s {
	case GroupUnformed:
		return "Unformed"
	case GroupInitiating:
		return "Initiating"
	case GroupStable:
		return "Stable"
	case GroupReconfiguring:
		return "Reconfiguring"
	case GroupTornDown:
		return "TornDown"
	}

	return fmt.Sprintf("GroupState(%d)", s)
}

// Group is the local view of one replication group: its name, the nodes the
// controller put in it, and where it is in its lifecycle.
type Group struct {
	name string
	role api.Role

	mu      sync.Mutex
	state   GroupState
	members []Node
}

func (g *Group) Name() string {
	return g.name
}

func (g *Group) Role() api.Role {
	return g.role
}

func (g *Group) State() GroupState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Group) setState(s GroupState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	log.Printf("group %s: %s -> %s", g.name, g.state, s)
	g.state = s
}

// Members returns the nodes in the group, in config order.
func (g *Group) Members() []Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Node(nil), g.members...)
}

func (g *Group) Member(id api.NodeID) (Node, bool) {
	for _, n := range g.Members() {
		if n.ID() == id {
			return n, true
		}
	}

	return nil, false
}

func (g *Group) Hosts() []string {
	ms := g.Members()
	out := make([]string, len(ms))
	for i, n := range ms {
		out[i] = n.Addr()
	}

	return out
}

// Seed returns the group as a seed list, e.g. "rs/a:1,b:2".
func (g *Group) Seed() string {
	return wire.SeedList(g.name, g.Hosts())
}

func (g *Group) setMembers(ms []Node) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.members = append([]Node(nil), ms...)
}

func (g *Group) replace(n Node) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, m := range g.members {
		if m.ID() == n.ID() {
			g.members[i] = n
		}
	}
}

// MarkTornDown records that the group's processes have been stopped.
func (g *Group) MarkTornDown() {
	g.setState(GroupTornDown)
}

func (g *Group) String() string {
	return fmt.Sprintf("%s(%s)", g.name, g.State())
}

// FormGroup initiates a new replication group from the given nodes, which
// must be running and not yet in any group, and waits until every member has
// settled. Returns *api.QuorumNotReached if they don't settle in time.
func (c *Controller) FormGroup(ctx context.Context, name string, role api.Role, members []Node) (*Group, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("can't form group %s with no members", name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	g := &Group{name: name, role: role, members: append([]Node(nil), members...)}

	c.state.Lock()
	if _, ok := c.groups[name]; ok {
		c.state.Unlock()
		return nil, fmt.Errorf("group already exists: %s", name)
	}
	c.groups[name] = g
	if role == api.RoleMetadata {
		c.metadata = g
	}
	c.state.Unlock()

	g.setState(GroupInitiating)

	gc := wire.NewGroupConfig(name, g.Hosts())
	gc.ConfigServer = role == api.RoleMetadata

	_, err := c.do(ctx, members[0], wire.ReplSetInitiate{Config: gc})
	if err != nil && !api.HasCode(err, api.CodeAlreadyInitialized) {
		return nil, fmt.Errorf("error initiating group %s: %w", name, err)
	}

	if err := c.awaitSettled(ctx, g, "formGroup"); err != nil {
		return nil, err
	}

	g.setState(GroupStable)
	return g, nil
}

// AwaitSettled waits until exactly one live member of the group is primary,
// and every other live member is a secondary which agrees about that.
func (c *Controller) AwaitSettled(ctx context.Context, g *Group) error {
	return c.awaitSettled(ctx, g, "awaitSettled")
}

func (c *Controller) awaitSettled(ctx context.Context, g *Group, op string) error {
	var settled, needed int

	err := retry.Until(ctx, c.cfg.Backoff, c.cfg.QuorumTimeout, fmt.Sprintf("%s %s", op, g.name), func(ctx context.Context) (bool, error) {
		live := []Node{}
		for _, n := range g.Members() {
			if n.Alive() {
				live = append(live, n)
			}
		}

		hellos := make([]wire.HelloReply, len(live))
		eg, ectx := errgroup.WithContext(ctx)
		for i, n := range live {
			i, n := i, n
			eg.Go(func() error {
				res, err := n.Do(ectx, wire.Hello{})
				if err != nil {
					return err
				}
				hellos[i] = wire.ParseHello(res)
				return nil
			})
		}

		needed = len(live)
		if err := eg.Wait(); err != nil {
			settled = 0
			return false, err
		}

		primary := ""
		for i, h := range hellos {
			if h.IsWritablePrimary {
				if primary != "" {
					return false, fmt.Errorf("two primaries: %s and %s", primary, live[i].Addr())
				}
				primary = live[i].Addr()
			}
		}

		if primary == "" {
			settled = 0
			return false, errors.New("no primary")
		}

		settled = 0
		for _, h := range hellos {
			if (h.IsWritablePrimary || h.Secondary) && h.Primary == primary {
				settled++
			}
		}

		return settled == needed, nil
	})

	if err != nil {
		return &api.QuorumNotReached{Group: g.name, Op: op, Settled: settled, Needed: needed, Err: err}
	}

	return nil
}

// AwaitPrimary waits until some member of the group is primary, and returns
// it.
func (c *Controller) AwaitPrimary(ctx context.Context, g *Group) (Node, error) {
	return c.awaitPrimary(ctx, g, nil)
}

// awaitPrimary waits for a primary which isn't not (if non-nil).
func (c *Controller) awaitPrimary(ctx context.Context, g *Group, not Node) (Node, error) {
	var p Node

	err := retry.Until(ctx, c.cfg.Backoff, c.cfg.QuorumTimeout, fmt.Sprintf("primary of %s", g.name), func(ctx context.Context) (bool, error) {
		n, err := c.findPrimary(ctx, g)
		if err != nil {
			return false, err
		}

		if not != nil && n.ID() == not.ID() {
			return false, fmt.Errorf("%s is still primary", n.ID())
		}

		p = n
		return true, nil
	})

	if err != nil {
		return nil, &api.QuorumNotReached{Group: g.name, Op: "awaitPrimary", Needed: 1, Err: err}
	}

	return p, nil
}

// Primary returns the current primary of the group, without waiting.
func (c *Controller) Primary(ctx context.Context, g *Group) (Node, error) {
	return c.findPrimary(ctx, g)
}

// selfOpTime returns the last optime the node has applied.
func selfOpTime(ctx context.Context, n Node) (wire.OpTime, error) {
	res, err := n.Do(ctx, wire.ReplSetGetStatus{})
	if err != nil {
		return wire.OpTime{}, err
	}

	for _, m := range wire.ParseReplStatus(res).Members {
		if m.Self {
			return m.OpTime, nil
		}
	}

	return wire.OpTime{}, fmt.Errorf("%s didn't report itself", n.ID())
}

// AwaitReplication waits until every live member of the group has applied
// everything the primary has.
func (c *Controller) AwaitReplication(ctx context.Context, g *Group) error {
	return retry.Until(ctx, c.cfg.Backoff, c.cfg.ReplicationTimeout, fmt.Sprintf("replication in %s", g.name), func(ctx context.Context) (bool, error) {
		p, err := c.findPrimary(ctx, g)
		if err != nil {
			return false, err
		}

		want, err := selfOpTime(ctx, p)
		if err != nil {
			return false, err
		}

		for _, n := range g.Members() {
			if !n.Alive() || n.ID() == p.ID() {
				continue
			}

			got, err := selfOpTime(ctx, n)
			if err != nil {
				return false, err
			}

			if got.Less(want) {
				return false, fmt.Errorf("%s at %v, primary at %v", n.ID(), got, want)
			}
		}

		return true, nil
	})
}

// AwaitConfigVersion waits until every live member of the group reports at
// least the given config version.
func (c *Controller) AwaitConfigVersion(ctx context.Context, g *Group, version int) error {
	return c.awaitConfigVersion(ctx, g.name, g.Members(), version)
}

func (c *Controller) awaitConfigVersion(ctx context.Context, name string, members []Node, version int) error {
	return retry.Until(ctx, c.cfg.Backoff, c.cfg.QuorumTimeout, fmt.Sprintf("config version %d in %s", version, name), func(ctx context.Context) (bool, error) {
		for _, n := range members {
			if !n.Alive() {
				continue
			}

			res, err := n.Do(ctx, wire.Hello{})
			if err != nil {
				return false, err
			}

			if v := wire.ParseHello(res).ConfigVersion; v < version {
				return false, fmt.Errorf("%s at config version %d", n.ID(), v)
			}
		}

		return true, nil
	})
}

// Status returns replSetGetStatus from the primary, or else from any live
// member which answers.
func (c *Controller) Status(ctx context.Context, g *Group) (wire.ReplStatus, error) {
	if p, err := c.findPrimary(ctx, g); err == nil {
		if res, err := p.Do(ctx, wire.ReplSetGetStatus{}); err == nil {
			return wire.ParseReplStatus(res), nil
		}
	}

	var last error
	for _, n := range g.Members() {
		if !n.Alive() {
			continue
		}

		res, err := n.Do(ctx, wire.ReplSetGetStatus{})
		if err != nil {
			last = err
			continue
		}

		return wire.ParseReplStatus(res), nil
	}

	if last == nil {
		last = errors.New("no live members")
	}

	return wire.ReplStatus{}, fmt.Errorf("can't get status of %s: %w", g.name, last)
}

// StepDown asks the primary to step down for the given period, and waits
// until another member is elected and the group settles. Returns the new
// primary.
func (c *Controller) StepDown(ctx context.Context, g *Group, period time.Duration) (Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.stepDown(ctx, g, period)
}

func (c *Controller) stepDown(ctx context.Context, g *Group, period time.Duration) (Node, error) {
	old, err := c.awaitPrimary(ctx, g, nil)
	if err != nil {
		return nil, err
	}

	_, err = c.do(ctx, old, wire.ReplSetStepDown{Period: period})
	if err != nil {
		return nil, fmt.Errorf("error stepping down %s: %w", old.ID(), err)
	}

	p, err := c.awaitPrimary(ctx, g, old)
	if err != nil {
		return nil, err
	}

	if err := c.awaitSettled(ctx, g, "stepDown"); err != nil {
		return nil, err
	}

	log.Printf("stepped down: %s -> %s", old.ID(), p.ID())
	return p, nil
}

// StepUp asks the given member to run for election, and waits until it's
// primary and the group has settled.
func (c *Controller) StepUp(ctx context.Context, g *Group, n Node) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := g.Member(n.ID()); !ok {
		return fmt.Errorf("%s isn't a member of %s", n.ID(), g.name)
	}

	_, err := c.do(ctx, n, wire.ReplSetStepUp{})
	if err != nil {
		return fmt.Errorf("error stepping up %s: %w", n.ID(), err)
	}

	err = retry.Until(ctx, c.cfg.Backoff, c.cfg.QuorumTimeout, fmt.Sprintf("%s to become primary", n.ID()), func(ctx context.Context) (bool, error) {
		p, err := c.findPrimary(ctx, g)
		if err != nil {
			return false, err
		}
		return p.ID() == n.ID(), nil
	})
	if err != nil {
		return &api.QuorumNotReached{Group: g.name, Op: "stepUp", Needed: 1, Err: err}
	}

	return c.awaitSettled(ctx, g, "stepUp")
}
