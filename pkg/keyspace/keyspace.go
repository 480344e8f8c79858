package keyspace

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/adammck/testrig/pkg/api"
)

// Distribution is a set of non-overlapping ranges which together cover all of
// the possible keys, each owned by one shard. Mutations replace the range
// slice wholesale under the write lock, so a reader holding a Snapshot never
// sees a key covered by zero or two ranges.
type Distribution struct {
	mu        sync.RWMutex
	ranges    []Range // sorted by Start
	nextIdent int
	version   int64
}

// New returns a distribution with a single range covering everything, owned by
// the given shard (which may be ZeroShard, meaning nobody yet).
func New(owner api.ShardID) *Distribution {
	return NewWithSplits(nil, owner)
}

// NewWithSplits returns a distribution split at the given keys, which must be
// sorted, with every range owned by the given shard.
func NewWithSplits(splits []string, owner api.ShardID) *Distribution {
	d := &Distribution{}
	rs := make([]Range, len(splits)+1)

	for i := range rs {
		var s, e Key

		if i > 0 {
			s = rs[i-1].End
		} else {
			s = ZeroKey
		}

		if i < len(splits) {
			e = Key(splits[i])
		} else {
			e = ZeroKey
		}

		rs[i] = d.newRange(s, e, owner)
	}

	d.ranges = rs
	return d
}

// FromRanges returns a distribution holding the given ranges, which must
// satisfy Check. Idents are kept.
func FromRanges(rs []Range) (*Distribution, error) {
	d := &Distribution{}
	if err := d.Replace(rs); err != nil {
		return nil, err
	}

	return d, nil
}

// newRange returns a new range with the next available ident. This is the
// only way that a Range should be constructed. Caller must hold mu (or own d
// exclusively).
func (d *Distribution) newRange(start, end Key, owner api.ShardID) Range {
	r := Range{
		Ident: d.nextIdent,
		Start: start,
		End:   end,
		Shard: owner,
	}

	d.nextIdent += 1

	return r
}

// Snapshot returns a copy of the ranges, in key order.
func (d *Distribution) Snapshot() []Range {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Range, len(d.ranges))
	copy(out, d.ranges)
	return out
}

// Version is incremented by every mutation.
func (d *Distribution) Version() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.version
}

// Len returns the number of ranges.
func (d *Distribution) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.ranges)
}

// Owner returns the range which contains the given key.
func (d *Distribution) Owner(k Key) Range {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.ranges[d.find(k)]
}

// find returns the index of the range containing k. Caller must hold mu.
func (d *Distribution) find(k Key) int {
	// The first range starts at ZeroKey, which sorts before every other key,
	// so this is never zero unless k is in the first range.
	i := sort.Search(len(d.ranges), func(i int) bool {
		return d.ranges[i].Start != ZeroKey && d.ranges[i].Start > k
	})

	return i - 1
}

// Get returns the range which starts at exactly the given key.
func (d *Distribution) Get(start Key) (Range, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	i := d.find(start)
	if d.ranges[i].Start != start {
		return Range{}, false
	}

	return d.ranges[i], true
}

// Owned returns the ranges owned by the given shard.
func (d *Distribution) Owned(s api.ShardID) []Range {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := []Range{}
	for _, r := range d.ranges {
		if r.Shard == s {
			out = append(out, r)
		}
	}

	return out
}

// Shards returns the number of ranges owned by each shard.
func (d *Distribution) Shards() map[api.ShardID]int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := map[api.ShardID]int{}
	for _, r := range d.ranges {
		out[r.Shard] += 1
	}

	return out
}

// Split divides the range containing k into two at k. Both halves keep the
// owner of the original.
func (d *Distribution) Split(k Key) (Range, Range, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if k == ZeroKey {
		return Range{}, Range{}, fmt.Errorf("can't split on zero key")
	}

	i := d.find(k)
	r := d.ranges[i]

	if k == r.Start {
		return Range{}, Range{}, fmt.Errorf("range %s starts with key: %s", r, k)
	}

	one := d.newRange(r.Start, k, r.Shard)
	two := d.newRange(k, r.End, r.Shard)

	rs := make([]Range, 0, len(d.ranges)+1)
	rs = append(rs, d.ranges[:i]...)
	rs = append(rs, one, two)
	rs = append(rs, d.ranges[i+1:]...)

	d.commit(rs)
	return one, two, nil
}

// Merge joins the range starting at start with the range after it. They must
// be owned by the same shard.
func (d *Distribution) Merge(start Key) (Range, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	i := d.find(start)
	one := d.ranges[i]
	if one.Start != start {
		return Range{}, fmt.Errorf("no range starts at key: %s", start)
	}

	if i+1 >= len(d.ranges) {
		return Range{}, fmt.Errorf("range %s is the last range", one)
	}

	two := d.ranges[i+1]
	if one.Shard != two.Shard {
		return Range{}, fmt.Errorf("can't merge %s and %s: different shards", one, two)
	}

	three := d.newRange(one.Start, two.End, one.Shard)

	rs := make([]Range, 0, len(d.ranges)-1)
	rs = append(rs, d.ranges[:i]...)
	rs = append(rs, three)
	rs = append(rs, d.ranges[i+2:]...)

	d.commit(rs)
	return three, nil
}

// Move changes the owner of the range starting at start.
func (d *Distribution) Move(start Key, to api.ShardID) (Range, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	i := d.find(start)
	if d.ranges[i].Start != start {
		return Range{}, fmt.Errorf("no range starts at key: %s", start)
	}

	if d.ranges[i].Shard == to {
		return d.ranges[i], nil
	}

	rs := make([]Range, len(d.ranges))
	copy(rs, d.ranges)
	rs[i].Shard = to

	d.commit(rs)
	return rs[i], nil
}

// Reassign moves every range owned by one shard to another, returning how many
// were moved.
func (d *Distribution) Reassign(from, to api.ShardID) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	rs := make([]Range, len(d.ranges))
	copy(rs, d.ranges)
	for i := range rs {
		if rs[i].Shard == from {
			rs[i].Shard = to
			n++
		}
	}

	if n > 0 {
		d.commit(rs)
	}

	return n
}

// Replace swaps in a whole new set of ranges, after checking them.
func (d *Distribution) Replace(rs []Range) error {
	if err := Check(rs); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	next := 0
	cp := make([]Range, len(rs))
	copy(cp, rs)
	for _, r := range cp {
		if r.Ident >= next {
			next = r.Ident + 1
		}
	}

	if next > d.nextIdent {
		d.nextIdent = next
	}

	d.commit(cp)
	return nil
}

// commit installs a new range slice. Caller must hold mu for writing.
func (d *Distribution) commit(rs []Range) {
	if err := Check(rs); err != nil {
		// Every mutation above preserves coverage; this is a bug.
		panic(err)
	}

	d.ranges = rs
	d.version += 1
}

func (d *Distribution) Dump() string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s := make([]string, len(d.ranges))
	for i, r := range d.ranges {
		s[i] = r.String()
	}

	return strings.Join(s, " ")
}

// Check returns a *api.RangeOverlapConflict if the given ranges (in key
// order) don't exactly cover the keyspace: the first must start at -inf, the
// last end at +inf, and each must start where the last ended.
func Check(rs []Range) error {
	if len(rs) == 0 {
		return &api.RangeOverlapConflict{Range: "[]", Msg: "no ranges"}
	}

	if rs[0].Start != ZeroKey {
		return &api.RangeOverlapConflict{Range: rs[0].String(), Msg: "gap at start of keyspace"}
	}

	for i := 1; i < len(rs); i++ {
		prev, r := rs[i-1], rs[i]

		if prev.End == ZeroKey {
			return &api.RangeOverlapConflict{Range: prev.String(), Other: r.String(), Msg: "overlap after end of keyspace"}
		}

		if r.Start < prev.End {
			return &api.RangeOverlapConflict{Range: prev.String(), Other: r.String(), Msg: "overlap"}
		}

		if r.Start > prev.End {
			return &api.RangeOverlapConflict{Range: prev.String(), Other: r.String(), Msg: "gap"}
		}

		if r.End != ZeroKey && r.End <= r.Start {
			return &api.RangeOverlapConflict{Range: r.String(), Msg: "empty or inverted range"}
		}
	}

	if last := rs[len(rs)-1]; last.End != ZeroKey {
		return &api.RangeOverlapConflict{Range: last.String(), Msg: "gap at end of keyspace"}
	}

	return nil
}
