package fake_node

import (
	"testing"

	"github.com/adammck/testrig/pkg/keyspace"
	"github.com/adammck/testrig/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ins(ns, key string, doc wire.Doc) entry {
	return entry{Op: opInsert, NS: ns, Key: key, Doc: doc}
}

func TestStorageAppendAndGet(t *testing.T) {
	s, err := newStorage("")
	require.NoError(t, err)

	last, err := s.append(1, ins("db.a", "1", wire.Doc{"_id": 1, "x": 1}), ins("db.a", "2", wire.Doc{"_id": 2}))
	require.NoError(t, err)
	assert.Equal(t, wire.OpTime{Term: 1, Index: 2}, last)

	r, ok := s.get("db.a", "1")
	require.True(t, ok)
	assert.Equal(t, float64(1), r.doc["x"])
	assert.Equal(t, int64(1), r.ver)

	_, err = s.append(1, entry{Op: opUpdate, NS: "db.a", Key: "1", Doc: wire.Doc{"_id": 1, "x": 2}})
	require.NoError(t, err)
	r, _ = s.get("db.a", "1")
	assert.Equal(t, int64(2), r.ver)

	_, err = s.append(2, entry{Op: opDelete, NS: "db.a", Key: "2"})
	require.NoError(t, err)
	_, ok = s.get("db.a", "2")
	assert.False(t, ok)
	assert.Equal(t, wire.OpTime{Term: 2, Index: 4}, s.last())
}

func TestStorageInstallCatchesUp(t *testing.T) {
	p, _ := newStorage("")
	_, err := p.append(1, ins("db.a", "1", wire.Doc{"_id": 1}), ins("db.a", "2", wire.Doc{"_id": 2}))
	require.NoError(t, err)

	s, _ := newStorage("")

	prev, es := p.after(s.last())
	ok, err := s.install(prev, es)
	require.NoError(t, err)
	require.True(t, ok)

	ph, _ := p.hash()
	sh, _ := s.hash()
	assert.Equal(t, ph, sh)
	assert.Equal(t, p.last(), s.last())
}

func TestStorageInstallRollsBackConflicts(t *testing.T) {
	s, _ := newStorage("")
	_, err := s.append(1, ins("db.a", "1", wire.Doc{"_id": 1}))
	require.NoError(t, err)

	// An entry from a deposed primary, which nobody else saw.
	_, err = s.append(1, ins("db.a", "lost", wire.Doc{"_id": "lost"}))
	require.NoError(t, err)

	p, _ := newStorage("")
	_, err = p.append(1, ins("db.a", "1", wire.Doc{"_id": 1}))
	require.NoError(t, err)
	_, err = p.append(2, entry{Op: opNoop}, ins("db.a", "3", wire.Doc{"_id": 3}))
	require.NoError(t, err)

	prev, es := p.after(wire.OpTime{Term: 1, Index: 1})
	ok, err := s.install(prev, es)
	require.NoError(t, err)
	require.True(t, ok)

	_, found := s.get("db.a", "lost")
	assert.False(t, found)
	_, found = s.get("db.a", "3")
	assert.True(t, found)
	assert.Equal(t, wire.OpTime{Term: 2, Index: 3}, s.last())
}

func TestStorageInstallRejectsMissingPrev(t *testing.T) {
	s, _ := newStorage("")
	ok, err := s.install(wire.OpTime{Term: 1, Index: 5}, []entry{{Index: 6, Term: 1, Op: opNoop}})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStorageAfterUnknownHint(t *testing.T) {
	s, _ := newStorage("")
	_, err := s.append(1, ins("db.a", "1", nil), ins("db.a", "2", nil))
	require.NoError(t, err)

	prev, es := s.after(wire.OpTime{Term: 7, Index: 1})
	assert.Equal(t, wire.OpTime{}, prev)
	assert.Len(t, es, 2)
}

func TestStorageRetryableWrites(t *testing.T) {
	s, _ := newStorage("")
	e := ins("db.a", "1", wire.Doc{"_id": 1})
	e.LSID = "abc"
	e.Txn = 3

	_, err := s.append(1, e)
	require.NoError(t, err)
	assert.Equal(t, 1, s.txnCount("abc", 3))
	assert.Equal(t, 0, s.txnCount("abc", 4))
}

func TestStorageDurable(t *testing.T) {
	dir := t.TempDir()
	s, err := newStorage(dir)
	require.NoError(t, err)

	_, err = s.append(3, ins("db.a", "1", wire.Doc{"_id": 1, "v": "x"}))
	require.NoError(t, err)
	require.NoError(t, s.setMeta(wire.Doc{"term": 3}))

	s2, err := newStorage(dir)
	require.NoError(t, err)
	r, ok := s2.get("db.a", "1")
	require.True(t, ok)
	assert.Equal(t, "x", r.doc.String("v"))
	assert.Equal(t, int64(3), s2.getMeta().Int64("term"))
	assert.Equal(t, s.last(), s2.last())
}

func TestStorageMissingDir(t *testing.T) {
	_, err := newStorage(t.TempDir() + "/nope")
	assert.Error(t, err)
}

func TestStorageInRangeSkipsMetadata(t *testing.T) {
	s, _ := newStorage("")
	_, err := s.append(1,
		ins("db.a", "a", wire.Doc{"_id": "a"}),
		ins("db.a", "m", wire.Doc{"_id": "m"}),
		ins("db.b", "n", wire.Doc{"_id": "n"}),
		ins(nsShards, "b", wire.Doc{"_id": "b"}),
	)
	require.NoError(t, err)

	got := s.inRange(keyspace.Range{Start: "b", End: "z"})
	keys := []string{}
	for _, e := range got {
		keys = append(keys, e.NS+"/"+e.Key)
	}
	assert.Equal(t, []string{"db.a/m", "db.b/n"}, keys)
}

func TestStorageHashIgnoresHistory(t *testing.T) {
	a, _ := newStorage("")
	b, _ := newStorage("")

	_, err := a.append(1, ins("db.a", "1", wire.Doc{"_id": 1, "v": 2}))
	require.NoError(t, err)

	_, err = b.append(1, ins("db.a", "1", wire.Doc{"_id": 1, "v": 1}))
	require.NoError(t, err)
	_, err = b.append(1, entry{Op: opUpdate, NS: "db.a", Key: "1", Doc: wire.Doc{"_id": 1, "v": 2}})
	require.NoError(t, err)

	ah, ac := a.hash()
	bh, bc := b.hash()
	assert.Equal(t, ah, bh)
	assert.Equal(t, ac, bc)

	_, err = b.append(1, ins("db.a", "2", wire.Doc{"_id": 2}))
	require.NoError(t, err)
	bh, _ = b.hash()
	assert.NotEqual(t, ah, bh)
}
