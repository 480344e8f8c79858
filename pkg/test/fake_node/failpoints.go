package fake_node

import (
	"context"
	"math/rand"
	"sync"

	"github.com/adammck/testrig/pkg/api"
	"github.com/adammck/testrig/pkg/wire"
)

// Failpoints compiled into the fake node.
const (
	// Pauses an insert, update or delete before it touches the store.
	// data: {collection: name} limits it to one collection.
	FpHangBeforeWrite = "hangBeforeWrite"

	// Pauses an update after the target document has been read, but before
	// the new version is written. A concurrent write to the same document
	// makes the paused one fail with WriteConflict.
	FpHangAfterReadBeforeWrite = "hangAfterReadBeforeWrite"

	// Makes moveRange fail.
	FpFailMigration = "failMigration"

	// Pauses a migration on the config server once the range has been copied
	// to its destination, before ownership switches.
	FpHangBeforeMigrationCommit = "hangBeforeMigrationCommit"

	// Pauses a member which has decided to stand for election.
	FpHangBeforeElection = "hangBeforeElection"

	// Makes commands fail. data: {failCommands: [names], errorCode: n}.
	FpFailCommand = "failCommand"

	// Makes a secondary refuse entries from the primary, so it falls behind.
	FpRsSyncApplyStop = "rsSyncApplyStop"

	// Makes removeShard finish as soon as the shard is draining, leaving
	// whatever it owned orphaned.
	FpSkipShardDrain = "skipShardDrain"
)

var knownFailPoints = map[string]struct{}{
	FpHangBeforeWrite:           {},
	FpHangAfterReadBeforeWrite:  {},
	FpFailMigration:             {},
	FpHangBeforeMigrationCommit: {},
	FpHangBeforeElection:        {},
	FpFailCommand:               {},
	FpRsSyncApplyStop:           {},
	FpSkipShardDrain:            {},
}

type failPoint struct {
	mode      api.FailPointMode
	data      wire.Doc
	remaining int
	count     int64

	// Incremented by every configure. Paused callers wait for it to change.
	gen int64

	// Closed and replaced whenever count or mode changes.
	changed chan struct{}
}

func (fp *failPoint) notify() {
	close(fp.changed)
	fp.changed = make(chan struct{})
}

type failPoints struct {
	mu  sync.Mutex
	fps map[string]*failPoint
	rnd *rand.Rand
}

func newFailPoints() *failPoints {
	fps := map[string]*failPoint{}
	for name := range knownFailPoints {
		fps[name] = &failPoint{changed: make(chan struct{})}
	}

	return &failPoints{
		fps: fps,
		rnd: rand.New(rand.NewSource(rand.Int63())),
	}
}

// configure sets the mode of a failpoint, returning how many times it has been
// entered so far.
func (f *failPoints) configure(name string, mode api.FailPointMode, data wire.Doc) (int64, error) {
	if err := mode.Validate(); err != nil {
		return 0, wire.Errorf(api.CodeBadValue, "%v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	fp, ok := f.fps[name]
	if !ok {
		return 0, wire.Errorf(api.CodeBadValue, "unknown failpoint: %s", name)
	}

	fp.mode = mode
	fp.data = data
	fp.remaining = mode.Times
	fp.gen += 1
	fp.notify()

	return fp.count, nil
}

// check evaluates the failpoint once. If it triggers, the entry count is
// incremented and its data returned. match can limit which callers trigger it,
// by examining the data; nil matches everything.
func (f *failPoints) check(name string, match func(data wire.Doc) bool) (wire.Doc, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fp, ok := f.fps[name]
	if !ok {
		return nil, false
	}

	switch fp.mode.Kind {
	case api.FpOff:
		return nil, false
	case api.FpRandom:
		if f.rnd.Float64() >= fp.mode.Probability {
			return nil, false
		}
	}

	if match != nil && !match(fp.data) {
		return nil, false
	}

	if fp.mode.Kind == api.FpTimes {
		fp.remaining -= 1
		if fp.remaining <= 0 {
			fp.mode = api.Off()
		}
	}

	fp.count += 1
	fp.notify()

	return fp.data, true
}

// pause blocks, if the failpoint triggers, until it's next configured (most
// often switched off). onPause is called before blocking. Returns early if
// either the context or the stop channel is done.
func (f *failPoints) pause(ctx context.Context, stop <-chan struct{}, name string, match func(wire.Doc) bool, onPause func()) bool {
	f.mu.Lock()
	gen := f.fps[name].gen
	f.mu.Unlock()

	if _, ok := f.check(name, match); !ok {
		return false
	}

	if onPause != nil {
		onPause()
	}

	for {
		f.mu.Lock()
		fp := f.fps[name]
		released := fp.gen != gen
		ch := fp.changed
		f.mu.Unlock()

		if released {
			return true
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return true
		case <-stop:
			return true
		}
	}
}

// wait blocks until the failpoint has been entered at least n times.
func (f *failPoints) wait(ctx context.Context, name string, n int64) error {
	for {
		f.mu.Lock()
		fp, ok := f.fps[name]
		if !ok {
			f.mu.Unlock()
			return wire.Errorf(api.CodeBadValue, "unknown failpoint: %s", name)
		}
		count := fp.count
		ch := fp.changed
		f.mu.Unlock()

		if count >= n {
			return nil
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return wire.Errorf(api.CodeMaxTimeMSExpired, "timed out waiting for failpoint %s to be entered %d times (entered %d)", name, n, count)
		}
	}
}
