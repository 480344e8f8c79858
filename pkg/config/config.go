package config

import (
	"fmt"
	"os"
	"time"

	"github.com/adammck/testrig/pkg/retry"
	"github.com/goccy/go-yaml"
)

// Config bounds every wait the harness makes, and says where to find the
// server binary. It's shared by every component of one harness instance.
type Config struct {

	// How long may a process take between launch and answering hello?
	StartupTimeout time.Duration `yaml:"startupTimeout"`

	// How long to wait after a graceful shutdown request before killing.
	StopGracePeriod time.Duration `yaml:"stopGracePeriod"`

	// How long may a replication group take to elect a primary and have every
	// member settle, after forming or reconfiguring.
	QuorumTimeout time.Duration `yaml:"quorumTimeout"`

	// How long to wait for every member to reach the primary's optime.
	ReplicationTimeout time.Duration `yaml:"replicationTimeout"`

	// How many times to poll removeShard before giving up, and how long to
	// wait between polls.
	DrainPolls        int           `yaml:"drainPolls"`
	DrainPollInterval time.Duration `yaml:"drainPollInterval"`

	// Default bound for waitUntilReached.
	FailPointWaitTimeout time.Duration `yaml:"failPointWaitTimeout"`

	// Default hard timeout for joining a task.
	JoinTimeout time.Duration `yaml:"joinTimeout"`

	// Passed to data-bearing nodes which don't specify their own.
	ElectionTimeout   time.Duration `yaml:"electionTimeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`

	// Retry policy for transient errors in topology operations, and the
	// backoff used by every polling wait.
	Backoff retry.Policy `yaml:"backoff"`

	// Server binary for the exec launcher. Empty means in-process fakes.
	BinaryPath string `yaml:"binaryPath"`

	// Data directories are created under here. Empty means os.TempDir.
	DataRoot string `yaml:"dataRoot"`

	// Host to bind, and first port to assign when a spec has none.
	Host     string `yaml:"host"`
	BasePort int    `yaml:"basePort"`
}

func Default() Config {
	return Config{
		StartupTimeout:       10 * time.Second,
		StopGracePeriod:      5 * time.Second,
		QuorumTimeout:        10 * time.Second,
		ReplicationTimeout:   10 * time.Second,
		DrainPolls:           50,
		DrainPollInterval:    50 * time.Millisecond,
		FailPointWaitTimeout: 10 * time.Second,
		JoinTimeout:          30 * time.Second,
		ElectionTimeout:      500 * time.Millisecond,
		HeartbeatInterval:    50 * time.Millisecond,
		Backoff:              retry.DefaultPolicy(),
		Host:                 "127.0.0.1",
		BasePort:             27100,
	}
}

// Parse reads YAML over the defaults, so any field which isn't present keeps
// its default value.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("error parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Load reads the config file at the given path. A missing file isn't an
// error; the defaults are returned.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Config{}, err
	}

	return Parse(data)
}

func (c Config) Validate() error {
	if c.StartupTimeout <= 0 {
		return fmt.Errorf("startupTimeout must be positive")
	}

	if c.QuorumTimeout <= 0 {
		return fmt.Errorf("quorumTimeout must be positive")
	}

	if c.DrainPolls < 1 {
		return fmt.Errorf("drainPolls must be at least one")
	}

	if c.HeartbeatInterval <= 0 || c.ElectionTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("electionTimeout (%s) must exceed heartbeatInterval (%s)", c.ElectionTimeout, c.HeartbeatInterval)
	}

	return nil
}
