package topology

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/adammck/testrig/pkg/api"
	"github.com/adammck/testrig/pkg/keyspace"
	"github.com/adammck/testrig/pkg/wire"
)

// admin sends a sharding command to the primary of the metadata group.
func (c *Controller) admin(ctx context.Context, cmd wire.Command) (wire.Doc, error) {
	md := c.Metadata()
	if md == nil {
		return nil, errors.New("no metadata group")
	}

	return c.onPrimary(ctx, md, cmd)
}

// ListShards returns the shards registered in the metadata, sorted by name.
func (c *Controller) ListShards(ctx context.Context) ([]wire.ShardInfo, error) {
	res, err := c.admin(ctx, wire.ListShards{})
	if err != nil {
		return nil, err
	}

	return wire.ParseShards(res), nil
}

// AddShard registers a formed group as a shard, named after the group unless
// a name is given. Adding the same group under the same name again is a no-op.
// Returns *api.DuplicateShard if any of its members already belong to another
// shard, or if it holds data while other shards own the keyspace.
func (c *Controller) AddShard(ctx context.Context, g *Group, name api.ShardID) (api.ShardID, error) {
	if name == api.ZeroShard {
		name = api.ShardID(g.name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if g.State() != GroupStable {
		return api.ZeroShard, fmt.Errorf("can't add group %s as shard: group is %s", g.name, g.State())
	}

	shards, err := c.ListShards(ctx)
	if err != nil {
		return api.ZeroShard, err
	}

	hosts := g.Hosts()
	for _, s := range shards {
		for _, h := range s.Hosts {
			for _, mine := range hosts {
				if h == mine && s.Name != name {
					return api.ZeroShard, &api.DuplicateShard{Shard: name, Existing: s.Name, Host: h}
				}
			}
		}
	}

	res, err := c.admin(ctx, wire.AddShard{Name: name, SetName: g.name, Hosts: hosts})
	if err != nil {
		if api.HasCode(err, api.CodeIllegalOperation) {
			return api.ZeroShard, &api.DuplicateShard{Shard: name, Host: g.Seed(), Existing: existingOwner(shards, name)}
		}
		return api.ZeroShard, fmt.Errorf("error adding shard %s: %w", name, err)
	}

	id := api.ShardID(res.String("shardAdded"))

	c.state.Lock()
	c.shards[id] = g
	c.state.Unlock()

	log.Printf("added shard: %s (%s)", id, g.Seed())
	return id, nil
}

func existingOwner(shards []wire.ShardInfo, name api.ShardID) api.ShardID {
	for _, s := range shards {
		if s.Name == name {
			return s.Name
		}
	}

	return api.ZeroShard
}

// RemoveShard drains the shard and removes it, polling until the drain has
// completed. Returns *api.DrainIncomplete if ranges remain after the poll
// budget is spent. Once removed, no range may still be owned by it.
func (c *Controller) RemoveShard(ctx context.Context, id api.ShardID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.drain(ctx, id, wire.RemoveShard{Name: id}); err != nil {
		return err
	}

	c.state.Lock()
	delete(c.shards, id)
	c.state.Unlock()

	d, err := c.Distribution(ctx)
	if err != nil {
		return err
	}

	if n := len(d.Owned(id)); n > 0 {
		return &api.DrainIncomplete{Shard: id, Remaining: n, Err: errors.New("ranges still owned after removal")}
	}

	log.Printf("removed shard: %s", id)
	return nil
}

// drain repeats the command (removeShard or the transition) until it reports
// that the drain has completed.
func (c *Controller) drain(ctx context.Context, id api.ShardID, cmd wire.Command) error {
	remaining := -1
	var last error

	for i := 0; i < c.cfg.DrainPolls; i++ {
		if i > 0 {
			select {
			case <-time.After(c.cfg.DrainPollInterval):
			case <-ctx.Done():
				return &api.DrainIncomplete{Shard: id, Remaining: remaining, Polls: i, Err: ctx.Err()}
			}
		}

		res, err := c.admin(ctx, cmd)
		if err != nil {
			if !api.IsTransient(err) {
				return fmt.Errorf("error draining shard %s: %w", id, err)
			}
			last = err
			continue
		}

		rr := wire.ParseRemoveShard(res)
		switch rr.State {
		case wire.DrainCompleted:
			return nil
		case wire.DrainStarted, wire.DrainOngoing:
			remaining = rr.Remaining
		default:
			return fmt.Errorf("unexpected drain state of %s: %q", id, rr.State)
		}
	}

	return &api.DrainIncomplete{Shard: id, Remaining: remaining, Polls: c.cfg.DrainPolls, Err: last}
}

// SplitRange splits the range containing the key at the key.
func (c *Controller) SplitRange(ctx context.Context, key keyspace.Key) error {
	if key == keyspace.ZeroKey {
		return errors.New("can't split at the ends of the keyspace")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.admin(ctx, wire.Split{Middle: string(key)})
	if err != nil {
		return fmt.Errorf("error splitting at %q: %w", key, err)
	}

	_, err = c.Distribution(ctx)
	return err
}

// MoveRange migrates the range starting at the key to another shard.
func (c *Controller) MoveRange(ctx context.Context, start keyspace.Key, to api.ShardID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.admin(ctx, wire.MoveRange{Min: string(start), ToShard: to})
	if err != nil {
		return fmt.Errorf("error moving range %q to %s: %w", start, to, err)
	}

	_, err = c.Distribution(ctx)
	return err
}

// Distribution reads the current range ownership from the metadata group. It's
// checked for gaps and overlaps; a broken one returns
// *api.RangeOverlapConflict.
func (c *Controller) Distribution(ctx context.Context) (*keyspace.Distribution, error) {
	res, err := c.admin(ctx, wire.GetDistribution{})
	if err != nil {
		return nil, err
	}

	ranges, _ := wire.ParseDistribution(res)
	rs := make([]keyspace.Range, len(ranges))
	for i, r := range ranges {
		rs[i] = keyspace.Range{
			Ident: i + 1,
			Start: keyspace.Key(r.Min),
			End:   keyspace.Key(r.Max),
			Shard: r.Shard,
		}
	}

	if err := keyspace.Check(rs); err != nil {
		return nil, err
	}

	return keyspace.FromRanges(rs)
}

// TransitionToConfigShard makes the metadata group a data shard too, named
// api.ConfigShard.
func (c *Controller) TransitionToConfigShard(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.admin(ctx, wire.TransitionFromDedicatedConfigServer{}); err != nil {
		return fmt.Errorf("error transitioning to config shard: %w", err)
	}

	c.state.Lock()
	c.shards[api.ConfigShard] = c.metadata
	c.state.Unlock()

	log.Printf("metadata group is now a shard")
	return nil
}

// TransitionToDedicatedConfigServer drains the config shard, after which the
// metadata group holds only metadata again.
func (c *Controller) TransitionToDedicatedConfigServer(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.drain(ctx, api.ConfigShard, wire.TransitionToDedicatedConfigServer{}); err != nil {
		return err
	}

	c.state.Lock()
	delete(c.shards, api.ConfigShard)
	c.state.Unlock()

	log.Printf("metadata group is dedicated again")
	return nil
}

// Orphans returns the ranges whose owner isn't a registered shard. Before any
// shard is added, everything belongs to nobody, which is fine.
func (c *Controller) Orphans(ctx context.Context) ([]keyspace.Range, error) {
	d, err := c.Distribution(ctx)
	if err != nil {
		return nil, err
	}

	shards, err := c.ListShards(ctx)
	if err != nil {
		return nil, err
	}

	known := map[api.ShardID]struct{}{}
	for _, s := range shards {
		known[s.Name] = struct{}{}
	}

	out := []keyspace.Range{}
	for _, r := range d.Snapshot() {
		if r.Shard == api.ZeroShard && len(shards) == 0 {
			continue
		}
		if _, ok := known[r.Shard]; !ok {
			out = append(out, r)
		}
	}

	return out, nil
}
