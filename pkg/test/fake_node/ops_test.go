package fake_node

import (
	"testing"

	"github.com/adammck/testrig/pkg/api"
	"github.com/adammck/testrig/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpTableFilter(t *testing.T) {
	ot := newOpTable()
	a := ot.start("insert", wire.Doc{"insert": "a"})
	ot.start("find", wire.Doc{"find": "b"})
	ot.paused(a, FpHangBeforeWrite)

	got := ot.list(wire.Doc{"failpoint": FpHangBeforeWrite})
	require.Len(t, got, 1)
	assert.Equal(t, "insert", got[0].String("op"))
	assert.Equal(t, "a", got[0].String("ns"))

	got = ot.list(wire.Doc{"command.find": "b"})
	require.Len(t, got, 1)

	ot.finish(a)
	assert.Len(t, ot.list(wire.Doc{}), 1)
}

func TestCursors(t *testing.T) {
	cs := newCursors(100)
	docs := []wire.Doc{{"_id": 1}, {"_id": 2}, {"_id": 3}}

	c := cs.open("db.a", docs, 2, wire.Doc{"type": "results"})
	cr := wire.ParseCursor(wire.Doc{"cursor": c})
	assert.Len(t, cr.Batch, 2)
	assert.False(t, cr.Exhausted())
	assert.Equal(t, "results", cr.Extra.String("type"))

	c, err := cs.more(cr.ID, 2)
	require.NoError(t, err)
	cr = wire.ParseCursor(wire.Doc{"cursor": c})
	assert.Len(t, cr.Batch, 1)
	assert.True(t, cr.Exhausted())
	assert.Equal(t, "results", cr.Extra.String("type"))

	_, err = cs.more(101, 2)
	assert.True(t, api.HasCode(err, api.CodeCursorNotFound))
}

func TestCursorsFitInFirstBatch(t *testing.T) {
	cs := newCursors(0)
	c := cs.open("db.a", []wire.Doc{{"_id": 1}}, 0, nil)
	assert.Equal(t, int64(0), c.Int64("id"))
}

func TestKillCursors(t *testing.T) {
	cs := newCursors(0)
	c := cs.open("db.a", []wire.Doc{{"_id": 1}, {"_id": 2}}, 1, nil)

	killed, notFound := cs.kill([]int64{c.Int64("id"), 99})
	assert.Equal(t, []any{c.Int64("id")}, killed)
	assert.Equal(t, []any{int64(99)}, notFound)
}

func TestApplyUpdate(t *testing.T) {
	d := wire.Doc{"_id": 1, "a": 1.0, "b": "x", "c": true}

	got, err := applyUpdate(d, wire.Doc{"$set": wire.Doc{"b": "y"}, "$inc": wire.Doc{"a": 2}, "$unset": wire.Doc{"c": ""}})
	require.NoError(t, err)
	assert.Equal(t, wire.Doc{"_id": 1, "a": 3.0, "b": "y"}, got)

	got, err = applyUpdate(d, wire.Doc{"_id": 9, "z": 1})
	require.NoError(t, err)
	assert.Equal(t, 1, got["_id"])
	assert.Equal(t, 1, got["z"])

	_, err = applyUpdate(d, wire.Doc{"$push": wire.Doc{"a": 1}})
	assert.True(t, api.HasCode(err, api.CodeBadValue))
}

func TestUpsertDoc(t *testing.T) {
	got, err := upsertDoc(wire.Doc{"_id": "k", "a.b": 1, "c": 2}, wire.Doc{"$set": wire.Doc{"d": 3}})
	require.NoError(t, err)
	assert.Equal(t, wire.Doc{"_id": "k", "c": 2, "d": 3}, got)
}

func TestVotingDelta(t *testing.T) {
	a := wire.NewGroupConfig("rs", []string{"a", "b", "c"})
	b := wire.NewGroupConfig("rs", []string{"a", "b", "c", "d"})
	c := wire.NewGroupConfig("rs", []string{"a", "d", "e"})

	assert.Equal(t, 0, votingDelta(a, a))
	assert.Equal(t, 1, votingDelta(a, b))
	assert.Equal(t, 4, votingDelta(a, c))
}
