package topology

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/adammck/testrig/pkg/api"
	"github.com/adammck/testrig/pkg/config"
	"github.com/adammck/testrig/pkg/retry"
	"github.com/adammck/testrig/pkg/wire"
)

// Node is a running server which the controller can send commands to.
// Satisfied by *supervisor.Handle.
type Node interface {
	ID() api.NodeID
	Addr() string
	Alive() bool
	Do(ctx context.Context, cmd wire.Command) (wire.Doc, error)
}

// Controller drives the replication groups and sharding metadata of one
// cluster. Mutations are serialized by a per-cluster lock; reads go straight
// to the servers, which answer atomically, so can proceed concurrently.
type Controller struct {
	cfg config.Config

	// Held for the duration of every mutation.
	mu sync.Mutex

	// Guards the fields below, which are only the local view of the cluster.
	// The servers are the source of truth.
	state    sync.RWMutex
	groups   map[string]*Group
	metadata *Group
	routers  []Node
	shards   map[api.ShardID]*Group
}

func New(cfg config.Config) *Controller {
	return &Controller{
		cfg:    cfg,
		groups: map[string]*Group{},
		shards: map[api.ShardID]*Group{},
	}
}

// Lock returns the per-cluster mutation lock, so that other state which must
// change in step with the topology can be guarded by it.
func (c *Controller) Lock() sync.Locker {
	return &c.mu
}

// Group returns the group with the given name, if it's been formed.
func (c *Controller) Group(name string) (*Group, bool) {
	c.state.RLock()
	defer c.state.RUnlock()
	g, ok := c.groups[name]
	return g, ok
}

// Groups returns every group, sorted by name.
func (c *Controller) Groups() []*Group {
	c.state.RLock()
	defer c.state.RUnlock()

	out := make([]*Group, 0, len(c.groups))
	for _, g := range c.groups {
		out = append(out, g)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].name < out[j].name
	})

	return out
}

// Metadata returns the group hosting the sharding metadata, if there is one.
func (c *Controller) Metadata() *Group {
	c.state.RLock()
	defer c.state.RUnlock()
	return c.metadata
}

// Shards returns the groups which have been added as shards, by shard id.
func (c *Controller) Shards() map[api.ShardID]*Group {
	c.state.RLock()
	defer c.state.RUnlock()

	out := make(map[api.ShardID]*Group, len(c.shards))
	for id, g := range c.shards {
		out[id] = g
	}

	return out
}

func (c *Controller) Routers() []Node {
	c.state.RLock()
	defer c.state.RUnlock()
	return append([]Node(nil), c.routers...)
}

// AddRouter records a router, which must already be running with the
// metadata group as its config seed.
func (c *Controller) AddRouter(n Node) {
	c.state.Lock()
	defer c.state.Unlock()
	c.routers = append(c.routers, n)
}

// Replace swaps the node with the same id in every group and router list for
// the given one. Called after a node is restarted, since that returns a new
// handle.
func (c *Controller) Replace(n Node) {
	c.state.Lock()
	defer c.state.Unlock()

	for _, g := range c.groups {
		g.replace(n)
	}

	for i, r := range c.routers {
		if r.ID() == n.ID() {
			c.routers[i] = n
		}
	}
}

// do sends a command to a node, retrying transient errors.
func (c *Controller) do(ctx context.Context, n Node, cmd wire.Command) (wire.Doc, error) {
	name, _ := cmd.Command()

	var res wire.Doc
	err := retry.Do(ctx, c.cfg.Backoff, fmt.Sprintf("%s on %s", name, n.ID()), func(ctx context.Context) error {
		var err error
		res, err = n.Do(ctx, cmd)
		return err
	})

	return res, err
}

// onPrimary sends a command to the primary of the group, finding it again
// (and retrying) if it moves.
func (c *Controller) onPrimary(ctx context.Context, g *Group, cmd wire.Command) (wire.Doc, error) {
	name, _ := cmd.Command()

	var res wire.Doc
	err := retry.Do(ctx, c.cfg.Backoff, fmt.Sprintf("%s on %s", name, g.name), func(ctx context.Context) error {
		p, err := c.findPrimary(ctx, g)
		if err != nil {
			return err
		}

		res, err = p.Do(ctx, cmd)
		return err
	})

	return res, err
}

// findPrimary asks every live member who the primary is, once. The error is
// transient (so onPrimary retries) if nobody is.
func (c *Controller) findPrimary(ctx context.Context, g *Group) (Node, error) {
	var last error
	for _, n := range g.Members() {
		if !n.Alive() {
			continue
		}

		res, err := n.Do(ctx, wire.Hello{})
		if err != nil {
			last = err
			continue
		}

		if wire.ParseHello(res).IsWritablePrimary {
			return n, nil
		}
	}

	if last != nil {
		return nil, wire.Errorf(api.CodeNotWritablePrimary, "no primary in group %s (last error: %v)", g.name, last)
	}

	return nil, wire.Errorf(api.CodeNotWritablePrimary, "no primary in group %s", g.name)
}
