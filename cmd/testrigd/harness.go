package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/adammck/testrig/pkg/api"
	"github.com/adammck/testrig/pkg/cluster"
	"github.com/adammck/testrig/pkg/config"
	"github.com/adammck/testrig/pkg/debug"
	"github.com/adammck/testrig/pkg/discovery"
	"github.com/adammck/testrig/pkg/persister"
	"github.com/adammck/testrig/pkg/supervisor"
	"github.com/adammck/testrig/pkg/test/fake_nodes"
	"github.com/adammck/testrig/pkg/wire"
	"github.com/redis/go-redis/v9"

	consuldisc "github.com/adammck/testrig/pkg/discovery/consul"
	mockdisc "github.com/adammck/testrig/pkg/discovery/mock"
	consulpers "github.com/adammck/testrig/pkg/persister/consul"
	mempers "github.com/adammck/testrig/pkg/persister/memory"
	redispers "github.com/adammck/testrig/pkg/persister/redis"
	consulapi "github.com/hashicorp/consul/api"
)

var errNoDescriptor = errors.New("-descriptor is required")

type Options struct {
	Descriptor string
	Config     string
	Launcher   string
	Binary     string
	DebugAddr  string
	Discovery  string
	Persister  string
	RedisAddr  string
	PersistKey string
	Validate   bool
}

// Harness provisions one cluster, keeps it up until asked to stop, then tears
// it down.
type Harness struct {
	opts Options
	desc cluster.Descriptor
	env  cluster.Env

	// Watches the registry, if it can be watched, to log nodes coming and
	// going.
	watch discovery.Discoverer

	// Closed by Run.
	closers []func() error
}

func New(opts Options) (*Harness, error) {
	desc, err := cluster.LoadDescriptor(opts.Descriptor)
	if err != nil {
		return nil, err
	}

	cfg := config.Default()
	if opts.Config != "" {
		cfg, err = config.Load(opts.Config)
		if err != nil {
			return nil, err
		}
	}

	h := &Harness{
		opts: opts,
		desc: desc,
		env:  cluster.Env{Config: cfg},
	}

	if err := h.launcher(); err != nil {
		return nil, err
	}

	if err := h.discovery(); err != nil {
		return nil, err
	}

	if err := h.persister(); err != nil {
		return nil, err
	}

	return h, nil
}

func (h *Harness) launcher() error {
	switch h.opts.Launcher {
	case "inproc":
		f := fake_nodes.New()
		h.env.Launcher = &supervisor.InProcLauncher{Fabric: f}
		h.env.Dial = f.Dial
		h.closers = append(h.closers, func() error {
			f.Close()
			return nil
		})

	case "exec":
		bin := h.opts.Binary
		if bin == "" {
			bin = h.env.Config.BinaryPath
		}
		if bin == "" {
			return errors.New("exec launcher needs -binary or binaryPath")
		}

		h.env.Launcher = &supervisor.ExecLauncher{
			Binary: bin,
			Stdout: os.Stdout,
			Stderr: os.Stderr,
		}
		h.env.Dial = wire.Dial

	default:
		return fmt.Errorf("unknown launcher: %s", h.opts.Launcher)
	}

	return nil
}

func (h *Harness) discovery() error {
	switch h.opts.Discovery {
	case "none":

	case "mock":
		d := mockdisc.New()
		h.env.Registry = d
		h.watch = d

	case "consul":
		client, err := consulapi.NewClient(consulapi.DefaultConfig())
		if err != nil {
			return err
		}
		h.env.Registry = consuldisc.New(client)
		h.watch = consuldisc.NewDiscoverer(client, time.Second)

	default:
		return fmt.Errorf("unknown discovery: %s", h.opts.Discovery)
	}

	return nil
}

func (h *Harness) persister() error {
	var p persister.Persister

	switch h.opts.Persister {
	case "memory":
		p = mempers.New()

	case "consul":
		client, err := consulapi.NewClient(consulapi.DefaultConfig())
		if err != nil {
			return err
		}
		p = consulpers.New(client, h.opts.PersistKey)

	case "redis":
		client := redis.NewClient(&redis.Options{Addr: h.opts.RedisAddr})
		h.closers = append(h.closers, client.Close)
		p = redispers.New(client, h.opts.PersistKey)

	default:
		return fmt.Errorf("unknown persister: %s", h.opts.Persister)
	}

	h.env.Persister = p
	return nil
}

// Run provisions the cluster, serves the debug endpoints until the context is
// cancelled, then tears the cluster down. The teardown error (if validation
// failed) is returned.
func (h *Harness) Run(ctx context.Context) error {
	defer h.close()

	if h.watch != nil {
		for _, role := range []api.Role{api.RoleData, api.RoleMetadata, api.RoleRouter} {
			svc := role.String()
			g := h.watch.Discover(svc, func(r api.Remote) {
				log.Printf("discovered %s: %s", svc, r)
			}, func(r api.Remote) {
				log.Printf("lost %s: %s", svc, r)
			})
			h.closers = append(h.closers, g.Stop)
		}
	}

	// Provisioning isn't interrupted by the signal; the teardown after it is
	// what cleans up.
	pctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	c, err := cluster.Provision(pctx, h.env, h.desc)
	cancel()
	if err != nil {
		return err
	}

	var dbgErr chan error
	if h.opts.DebugAddr != "" {
		dctx, stop := context.WithCancel(ctx)
		defer stop()

		dbgErr = make(chan error, 1)
		go func() {
			dbgErr <- debug.New(c).ListenAndServe(dctx, h.opts.DebugAddr)
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-dbgErr:
		log.Printf("debug server stopped: %v", serveErr)
	}

	log.Printf("tearing down: %s", c.Name())

	tctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	err = c.Teardown(tctx, cluster.TeardownOptions{Validate: h.opts.Validate})
	return errors.Join(serveErr, err)
}

func (h *Harness) close() {
	for i := len(h.closers) - 1; i >= 0; i-- {
		if err := h.closers[i](); err != nil {
			log.Printf("error closing: %v", err)
		}
	}
}
