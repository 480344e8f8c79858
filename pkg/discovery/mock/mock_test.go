package mock

import (
	"testing"

	"github.com/adammck/testrig/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndGet(t *testing.T) {
	d := New()
	b := api.Remote{Ident: "b", Host: "h", Port: 2}
	a := api.Remote{Ident: "a", Host: "h", Port: 1}

	require.NoError(t, d.Register("data", b))
	require.NoError(t, d.Register("data", a))
	require.NoError(t, d.Register("router", api.Remote{Ident: "r"}))

	got, err := d.Get("data")
	require.NoError(t, err)
	assert.Equal(t, []api.Remote{a, b}, got)

	require.NoError(t, d.Deregister("data", a))
	got, _ = d.Get("data")
	assert.Equal(t, []api.Remote{b}, got)

	got, _ = d.Get("nope")
	assert.Empty(t, got)
}

func TestDiscover(t *testing.T) {
	d := New()

	var added, removed []string
	g := d.Discover("data", func(r api.Remote) {
		added = append(added, r.Ident)
	}, func(r api.Remote) {
		removed = append(removed, r.Ident)
	})

	r := api.Remote{Ident: "a"}
	require.NoError(t, d.Register("data", r))
	require.NoError(t, d.Register("router", api.Remote{Ident: "x"}))
	require.NoError(t, d.Deregister("data", r))

	// Not registered, so not removed again.
	require.NoError(t, d.Deregister("data", r))

	assert.Equal(t, []string{"a"}, added)
	assert.Equal(t, []string{"a"}, removed)

	require.NoError(t, g.Stop())
	require.NoError(t, d.Register("data", r))
	assert.Equal(t, []string{"a"}, added)
}
