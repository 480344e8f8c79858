package cluster

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/adammck/testrig/pkg/api"
	"github.com/adammck/testrig/pkg/config"
	"github.com/adammck/testrig/pkg/coordinator"
	"github.com/adammck/testrig/pkg/discovery"
	"github.com/adammck/testrig/pkg/failpoint"
	"github.com/adammck/testrig/pkg/keyspace"
	"github.com/adammck/testrig/pkg/persister"
	"github.com/adammck/testrig/pkg/supervisor"
	"github.com/adammck/testrig/pkg/topology"
	"github.com/adammck/testrig/pkg/wire"
	"golang.org/x/sync/errgroup"
)

// Env is everything a cluster needs from outside: how to start processes, how
// to talk to them, and (optionally) where to record things.
type Env struct {
	Config   config.Config
	Launcher supervisor.Launcher
	Dial     wire.Dialer

	// Optional.
	Registry  discovery.Registry
	Persister persister.Persister
}

// Cluster is a provisioned set of processes, plus the controllers which act
// on them. Tests reach the components directly.
type Cluster struct {
	desc Descriptor
	env  Env

	Sup        *supervisor.Supervisor
	Topo       *topology.Controller
	FailPoints *failpoint.Controller
	Tasks      *coordinator.Coordinator

	mu       sync.Mutex
	tornDown bool
}

// Provision starts every process in the descriptor and wires them together:
// the metadata group first, then the other groups, then the routers, then the
// shards are added and the keyspace split. If anything fails, whatever was
// started is stopped again before returning.
func Provision(ctx context.Context, env Env, desc Descriptor) (*Cluster, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	topo := topology.New(env.Config)
	c := &Cluster{
		desc:       desc,
		env:        env,
		Sup:        supervisor.New(env.Config, env.Launcher, env.Dial, env.Registry),
		Topo:       topo,
		FailPoints: failpoint.New(env.Config),
		Tasks:      coordinator.New(env.Config, env.Dial, topo.Lock()),
	}

	if err := c.provision(ctx); err != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 2*env.Config.StopGracePeriod)
		defer cancel()
		if cerr := c.Sup.Close(sctx); cerr != nil {
			log.Printf("error cleaning up after failed provision: %s: %v", desc.Name, cerr)
		}
		return nil, fmt.Errorf("error provisioning %s: %w", desc.Name, err)
	}

	log.Printf("cluster provisioned: %s", desc.Name)
	return c, nil
}

func (c *Cluster) provision(ctx context.Context) error {
	d := c.desc

	if d.Metadata != nil {
		if _, err := c.form(ctx, *d.Metadata, api.RoleMetadata); err != nil {
			return err
		}
	}

	for _, gs := range d.Groups {
		if _, err := c.form(ctx, gs, api.RoleData); err != nil {
			return err
		}
	}

	shards := make([]*topology.Group, len(d.Shards))
	for i, gs := range d.Shards {
		g, err := c.form(ctx, gs, api.RoleData)
		if err != nil {
			return err
		}
		shards[i] = g
	}

	if d.Metadata != nil {
		seed := c.Topo.Metadata().Seed()
		for i := 0; i < d.Routers; i++ {
			h, err := c.Sup.Start(ctx, d.routerSpec(i, seed))
			if err != nil {
				return err
			}
			c.Topo.AddRouter(h)
		}
	}

	ids := []api.ShardID{}
	if d.ConfigShard {
		if err := c.Topo.TransitionToConfigShard(ctx); err != nil {
			return err
		}
		ids = append(ids, api.ConfigShard)
	}

	for _, g := range shards {
		id, err := c.Topo.AddShard(ctx, g, api.ShardID(g.Name()))
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}

	// The first range stays where it is. Every later one goes to the next
	// shard round-robin.
	for i, k := range d.Splits {
		key := keyspace.Key(k)
		if err := c.Topo.SplitRange(ctx, key); err != nil {
			return err
		}

		to := ids[(i+1)%len(ids)]
		if to == ids[0] {
			continue
		}

		if err := c.Topo.MoveRange(ctx, key, to); err != nil {
			return err
		}
	}

	if d.Sharded() {
		if err := c.Snapshot(ctx); err != nil {
			return err
		}
	}

	return nil
}

// form starts the members of a group concurrently, then initiates it.
func (c *Cluster) form(ctx context.Context, gs GroupSpec, role api.Role) (*topology.Group, error) {
	specs := c.desc.nodeSpecs(gs, role)
	nodes := make([]topology.Node, len(specs))

	eg, ectx := errgroup.WithContext(ctx)
	for i := range specs {
		i := i
		eg.Go(func() error {
			h, err := c.Sup.Start(ectx, specs[i])
			if err != nil {
				return err
			}
			nodes[i] = h
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return c.Topo.FormGroup(ctx, gs.Name, role, nodes)
}

func (c *Cluster) Name() string {
	return c.desc.Name
}

func (c *Cluster) Descriptor() Descriptor {
	return c.desc
}

func (c *Cluster) Config() config.Config {
	return c.env.Config
}

// Group returns the group with the given name.
func (c *Cluster) Group(name string) (*topology.Group, error) {
	g, ok := c.Topo.Group(name)
	if !ok {
		return nil, fmt.Errorf("no such group: %s", name)
	}

	return g, nil
}

// Node returns the handle of the process with the given id.
func (c *Cluster) Node(id api.NodeID) (*supervisor.Handle, error) {
	h, ok := c.Sup.Get(id)
	if !ok {
		return nil, fmt.Errorf("no such node: %s", id)
	}

	return h, nil
}

// Router returns the first live router.
func (c *Cluster) Router() (*supervisor.Handle, error) {
	for _, r := range c.Topo.Routers() {
		if r.Alive() {
			if h, ok := r.(*supervisor.Handle); ok {
				return h, nil
			}
		}
	}

	return nil, fmt.Errorf("no live router in %s", c.desc.Name)
}

// Restart stops the node and starts it again with the given options overlaid
// on its spec. The new handle replaces the old one everywhere.
func (c *Cluster) Restart(ctx context.Context, id api.NodeID, opts map[string]string, stop supervisor.StopOptions) (*supervisor.Handle, error) {
	h, err := c.Node(id)
	if err != nil {
		return nil, err
	}

	next, err := c.Sup.Restart(ctx, h, h.Spec().WithOptions(opts), stop)
	if err != nil {
		return nil, err
	}

	c.Topo.Replace(next)
	return next, nil
}

// Snapshot records the current range distribution with the persister, if
// there is one.
func (c *Cluster) Snapshot(ctx context.Context) error {
	if c.env.Persister == nil || !c.desc.Sharded() {
		return nil
	}

	d, err := c.Topo.Distribution(ctx)
	if err != nil {
		return err
	}

	if err := c.env.Persister.PutRanges(d.Snapshot()); err != nil {
		return fmt.Errorf("error persisting distribution: %w", err)
	}

	return nil
}

// TeardownOptions controls what is checked before the processes are stopped.
type TeardownOptions struct {

	// Check that every group has converged and that no range is orphaned.
	Validate bool
}

// Teardown releases every failpoint, cancels every task, optionally checks
// that the cluster ended up consistent, then stops every process. Processes
// are stopped even if a check (or anything else) fails; all of the errors are
// returned together. Calling it twice is a no-op.
func (c *Cluster) Teardown(ctx context.Context, opts TeardownOptions) error {
	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		return nil
	}
	c.tornDown = true
	c.mu.Unlock()

	var errs []error

	if err := c.FailPoints.ReleaseAll(ctx); err != nil {
		errs = append(errs, err)
	}

	c.Tasks.CancelAll()

	if opts.Validate {
		if err := c.Validate(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	for _, g := range c.Topo.Groups() {
		g.MarkTornDown()
	}

	if err := c.Sup.Close(ctx); err != nil {
		errs = append(errs, err)
	}

	log.Printf("cluster torn down: %s", c.desc.Name)
	return errors.Join(errs...)
}

// Validate checks that every group has converged, and that every range is
// owned by a registered shard.
func (c *Cluster) Validate(ctx context.Context) error {
	var errs []error

	for _, g := range c.Topo.Groups() {
		if err := c.CheckConvergence(ctx, g); err != nil {
			errs = append(errs, err)
		}
	}

	if c.desc.Sharded() {
		if err := c.CheckOrphans(ctx); err != nil {
			errs = append(errs, err)
		}

		if err := c.Snapshot(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
