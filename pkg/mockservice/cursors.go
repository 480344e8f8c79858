package mockservice

import (
	"sort"

	"github.com/adammck/testrig/pkg/api"
	"github.com/adammck/testrig/pkg/wire"
)

type cursor struct {
	ns        string
	docs      []wire.Doc
	batchSize int
	extra     wire.Doc
}

// cursors are the result streams opened by responses. Ids are never reused,
// so that a test can refer to them by the order they were opened in.
type cursors struct {
	next int64
	m    map[int64]*cursor
}

const firstCursorID = 100

func newCursors() *cursors {
	return &cursors{next: firstCursorID, m: map[int64]*cursor{}}
}

// open renders the first batch of a cursor, and keeps the rest for getMore.
// Unless the cursor has no docs at all, its id stays live until a getMore
// finds nothing left.
func (cs *cursors) open(c Cursor) wire.Doc {
	cs.next++
	id := cs.next

	cur := &cursor{
		ns:        c.NS,
		docs:      cloneDocs(c.Docs),
		batchSize: c.BatchSize,
		extra:     c.Extra,
	}

	if len(cur.docs) == 0 {
		return cur.render(0, nil, true)
	}

	batch := cur.take(0)
	cs.m[id] = cur

	return cur.render(id, batch, true)
}

func (cur *cursor) take(batchSize int) []wire.Doc {
	n := batchSize
	if n <= 0 {
		n = cur.batchSize
	}
	if n <= 0 || n > len(cur.docs) {
		n = len(cur.docs)
	}

	batch := cur.docs[:n]
	cur.docs = cur.docs[n:]
	return batch
}

func (cur *cursor) render(id int64, batch []wire.Doc, first bool) wire.Doc {
	d := wire.CursorDoc(id, cur.ns, batch, first)
	for k, v := range cur.extra {
		d[k] = v
	}

	return d
}

func (cs *cursors) has(id int64) bool {
	_, ok := cs.m[id]
	return ok
}

func (cs *cursors) hasAll(ids []any) bool {
	for _, v := range ids {
		if !cs.has(wire.Doc{"id": v}.Int64("id")) {
			return false
		}
	}

	return true
}

// more returns the next batch. Once nothing is left, the cursor is closed and
// the reply is an empty batch with id zero.
func (cs *cursors) more(id int64, batchSize int) (wire.Doc, error) {
	cur, ok := cs.m[id]
	if !ok {
		return nil, wire.Errorf(api.CodeCursorNotFound, "cursor id %d not found", id)
	}

	if len(cur.docs) == 0 {
		delete(cs.m, id)
		return wire.Doc{"cursor": cur.render(0, []wire.Doc{}, false)}, nil
	}

	batch := cur.take(batchSize)
	return wire.Doc{"cursor": cur.render(id, batch, false)}, nil
}

func (cs *cursors) kill(ids []any) wire.Doc {
	killed := []any{}
	for _, v := range ids {
		id := wire.Doc{"id": v}.Int64("id")
		delete(cs.m, id)
		killed = append(killed, id)
	}

	return wire.Doc{"cursorsKilled": killed, "cursorsNotFound": []any{}}
}

func (cs *cursors) ids() []int64 {
	out := make([]int64, 0, len(cs.m))
	for id := range cs.m {
		out = append(out, id)
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func cloneDocs(ds []wire.Doc) []wire.Doc {
	out := make([]wire.Doc, len(ds))
	for i, d := range ds {
		out[i] = d.Clone()
	}

	return out
}
