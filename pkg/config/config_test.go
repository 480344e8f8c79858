package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOverlaysDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
quorumTimeout: 3s
drainPolls: 7
backoff:
  attempts: 2
binaryPath: /usr/bin/fakenoded
`))
	require.NoError(t, err)

	exp := Default()
	exp.QuorumTimeout = 3 * time.Second
	exp.DrainPolls = 7
	exp.Backoff.Attempts = 2
	exp.BinaryPath = "/usr/bin/fakenoded"
	assert.Equal(t, exp, cfg)
}

func TestParseInvalid(t *testing.T) {
	_, err := Parse([]byte("drainPolls: 0\n"))
	assert.EqualError(t, err, "drainPolls must be at least one")

	_, err = Parse([]byte("electionTimeout: 10ms\nheartbeatInterval: 20ms\n"))
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "testrig.yaml")
	require.NoError(t, os.WriteFile(path, []byte("basePort: 30000\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30000, cfg.BasePort)
	assert.Equal(t, Default().StartupTimeout, cfg.StartupTimeout)
}
