// Package persistertest checks that a Persister behaves like a snapshot
// store.
package persistertest

import (
	"testing"

	"github.com/adammck/testrig/pkg/api"
	"github.com/adammck/testrig/pkg/keyspace"
	"github.com/adammck/testrig/pkg/persister"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run puts a few snapshots and checks that each replaces the last. The store
// must be empty to begin with.
func Run(t *testing.T, p persister.Persister) {
	rs, err := p.GetRanges()
	require.NoError(t, err)
	assert.Empty(t, rs)

	d := keyspace.New("s1")
	require.NoError(t, p.PutRanges(d.Snapshot()))

	rs, err = p.GetRanges()
	require.NoError(t, err)
	assert.Equal(t, d.Snapshot(), rs)

	_, _, err = d.Split("m")
	require.NoError(t, err)
	_, err = d.Move("m", api.ShardID("s2"))
	require.NoError(t, err)
	require.NoError(t, p.PutRanges(d.Snapshot()))

	rs, err = p.GetRanges()
	require.NoError(t, err)
	assert.Equal(t, d.Snapshot(), rs)
	require.NoError(t, keyspace.Check(rs))

	// Fewer ranges than before. Ranges which are gone mustn't linger.
	d = keyspace.New("s2")
	require.NoError(t, p.PutRanges(d.Snapshot()))

	rs, err = p.GetRanges()
	require.NoError(t, err)
	assert.Equal(t, d.Snapshot(), rs)
}
