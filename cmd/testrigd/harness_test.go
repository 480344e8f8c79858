package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/adammck/testrig/pkg/persister/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, name, body string) string {
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func options(t *testing.T) Options {
	return Options{
		Descriptor: write(t, "cluster.yaml", `
name: cli
metadata:
  members: 1
shards:
  - name: s1
    members: 1
routers: 1
splits: [m]
`),
		Config: write(t, "config.yaml", `
host: fake
basePort: 6000
stopGracePeriod: 200ms
electionTimeout: 200ms
heartbeatInterval: 20ms
`),
		Launcher:   "inproc",
		Discovery:  "mock",
		Persister:  "memory",
		PersistKey: "cli",
		Validate:   true,
	}
}

func TestRunOnce(t *testing.T) {
	h, err := New(options(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, h.Run(ctx))

	// The distribution was recorded at provision and again at teardown.
	p := h.env.Persister.(*memory.Persister)
	assert.Equal(t, 2, p.Puts())

	rs, err := p.GetRanges()
	require.NoError(t, err)
	assert.Len(t, rs, 2)
}

func TestBadOptions(t *testing.T) {
	for _, tt := range []struct {
		name string
		mod  func(*Options)
		err  string
	}{
		{"launcher", func(o *Options) { o.Launcher = "ssh" }, "unknown launcher: ssh"},
		{"exec without binary", func(o *Options) { o.Launcher = "exec" }, "exec launcher needs -binary or binaryPath"},
		{"discovery", func(o *Options) { o.Discovery = "dns" }, "unknown discovery: dns"},
		{"persister", func(o *Options) { o.Persister = "disk" }, "unknown persister: disk"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			o := options(t)
			tt.mod(&o)
			_, err := New(o)
			assert.EqualError(t, err, tt.err)
		})
	}
}

func TestMissingDescriptor(t *testing.T) {
	o := options(t)
	o.Descriptor = filepath.Join(t.TempDir(), "nope.yaml")

	_, err := New(o)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
