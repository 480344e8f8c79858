package fake_node

import (
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adammck/testrig/pkg/api"
	"github.com/adammck/testrig/pkg/wire"
)

// Commands which aren't listed by currentOp, since they're either internal or
// introspection.
var quietCommands = map[string]struct{}{
	"hello":               {},
	"ping":                {},
	"currentOp":           {},
	"replSetHeartbeat":    {},
	"replSetRequestVotes": {},
	"applyOps":            {},
	"replSetGetStatus":    {},
	"replSetGetConfig":    {},
	"configureFailPoint":  {},
	"waitForFailPoint":    {},
	"dbHash":              {},
}

type op struct {
	id      int64
	name    string
	ns      string
	args    wire.Doc
	started time.Time

	// Name of the failpoint this op is paused at, if any.
	failpoint string
}

func (o *op) toDoc() wire.Doc {
	d := wire.Doc{
		"opid":              o.id,
		"op":                o.name,
		"ns":                o.ns,
		"command":           o.args,
		"active":            true,
		"microsecs_running": time.Since(o.started).Microseconds(),
	}

	if s := wire.ParseSession(o.args); s != nil {
		d["lsid"] = wire.Doc{"id": s.LSID}
		d["txnNumber"] = s.TxnNumber
	}

	if o.failpoint != "" {
		d["failpoint"] = o.failpoint
	}

	return d
}

// opTable tracks in-progress commands, for currentOp.
type opTable struct {
	mu   sync.Mutex
	next int64
	ops  map[int64]*op
}

func newOpTable() *opTable {
	return &opTable{ops: map[int64]*op{}}
}

func (t *opTable) start(name string, args wire.Doc) *op {
	t.mu.Lock()
	defer t.mu.Unlock()

	ns, _ := args[name].(string)
	if ns == "" {
		ns = args.String("collection")
	}

	t.next += 1
	o := &op{
		id:      t.next,
		name:    name,
		ns:      ns,
		args:    args,
		started: time.Now(),
	}

	t.ops[o.id] = o
	return o
}

func (t *opTable) finish(o *op) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.ops, o.id)
}

func (t *opTable) paused(o *op, failpoint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o.failpoint = failpoint
}

// list returns the ops matching the filter, oldest first.
func (t *opTable) list(filter wire.Doc) []wire.Doc {
	t.mu.Lock()
	ops := make([]*op, 0, len(t.ops))
	for _, o := range t.ops {
		ops = append(ops, o)
	}
	t.mu.Unlock()

	sort.Slice(ops, func(i, j int) bool {
		return ops[i].id < ops[j].id
	})

	out := []wire.Doc{}
	for _, o := range ops {
		t.mu.Lock()
		d := o.toDoc()
		t.mu.Unlock()

		d = wire.MustNormalize(d)
		if matches(d, filter) {
			out = append(out, d)
		}
	}

	return out
}

// lookup returns the value at a dotted path.
func lookup(d wire.Doc, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = d
	for _, p := range parts {
		dd := wire.AsDoc(cur)
		if dd == nil {
			return nil, false
		}
		v, ok := dd[p]
		if !ok {
			return nil, false
		}
		cur = v
	}

	return cur, true
}

// matches returns true if every field in the filter equals the field at the
// same (dotted) path in the doc. Both must be normalized.
func matches(d wire.Doc, filter wire.Doc) bool {
	for k, want := range filter {
		got, ok := lookup(d, k)
		if !ok {
			return false
		}
		if !reflect.DeepEqual(normalizeValue(want), normalizeValue(got)) {
			return false
		}
	}

	return true
}

func normalizeValue(v any) any {
	d, err := wire.Normalize(wire.Doc{"v": v})
	if err != nil {
		return v
	}

	return d["v"]
}

type cursor struct {
	id   int64
	ns   string
	docs []wire.Doc

	// Fields copied into every batch, e.g. the type of a search cursor.
	extra wire.Doc
}

// cursors are the open cursors of a node.
type cursors struct {
	mu   sync.Mutex
	next int64
	m    map[int64]*cursor
}

const defaultBatchSize = 101

func newCursors(seed int64) *cursors {
	return &cursors{
		next: seed,
		m:    map[int64]*cursor{},
	}
}

// open returns the first batch of docs, and a cursor id for the rest (or zero
// if everything fit).
func (cs *cursors) open(ns string, docs []wire.Doc, batchSize int, extra wire.Doc) wire.Doc {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	if len(docs) <= batchSize {
		return cursorDoc(0, ns, docs, true, extra)
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.next += 1
	c := &cursor{id: cs.next, ns: ns, docs: docs[batchSize:], extra: extra}
	cs.m[c.id] = c

	return cursorDoc(c.id, ns, docs[:batchSize], true, extra)
}

func (cs *cursors) more(id int64, batchSize int) (wire.Doc, error) {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	c, ok := cs.m[id]
	if !ok {
		return nil, wire.Errorf(api.CodeCursorNotFound, "cursor id %d not found", id)
	}

	if len(c.docs) <= batchSize {
		delete(cs.m, id)
		return cursorDoc(0, c.ns, c.docs, false, c.extra), nil
	}

	batch := c.docs[:batchSize]
	c.docs = c.docs[batchSize:]
	return cursorDoc(id, c.ns, batch, false, c.extra), nil
}

func (cs *cursors) kill(ids []int64) (killed, notFound []any) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	killed = []any{}
	notFound = []any{}
	for _, id := range ids {
		if _, ok := cs.m[id]; ok {
			delete(cs.m, id)
			killed = append(killed, id)
		} else {
			notFound = append(notFound, id)
		}
	}

	return killed, notFound
}

func cursorDoc(id int64, ns string, batch []wire.Doc, first bool, extra wire.Doc) wire.Doc {
	d := wire.CursorDoc(id, ns, batch, first)
	for k, v := range extra {
		if _, ok := d[k]; !ok {
			d[k] = v
		}
	}

	return d
}
