package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/adammck/testrig/pkg/api"
	"github.com/adammck/testrig/pkg/wire"
)

// Handle is one started process. It's never reused: a restart returns a new
// handle, and the old one stays dead.
type Handle struct {
	spec    api.NodeSpec
	proc    Process
	client  *wire.Client
	dataDir string
	started time.Time

	// Closed once the exit has been noticed and deregistered.
	watched chan struct{}

	// Serializes stop, kill and restart.
	opMu sync.Mutex

	mu        sync.Mutex
	alive     bool
	stopped   bool // cleaned up by Stop, Kill or Restart
	preserved bool
}

func (h *Handle) ID() api.NodeID {
	return h.spec.ID
}

// Spec returns the spec which the process was started with, including the
// assigned address and data directory.
func (h *Handle) Spec() api.NodeSpec {
	return h.spec.Clone()
}

func (h *Handle) Addr() string {
	return h.spec.Addr()
}

func (h *Handle) Remote() api.Remote {
	return api.Remote{
		Ident: string(h.spec.ID),
		Host:  h.spec.Host,
		Port:  h.spec.Port,
	}
}

func (h *Handle) DataDir() string {
	return h.dataDir
}

func (h *Handle) Started() time.Time {
	return h.started
}

// Client returns the connection to the process. It stops working once the
// process is stopped.
func (h *Handle) Client() *wire.Client {
	return h.client
}

// Run sends a command to the process.
func (h *Handle) Run(ctx context.Context, name string, args wire.Doc) (wire.Doc, error) {
	return h.client.Run(ctx, name, args)
}

// Do sends a typed command to the process.
func (h *Handle) Do(ctx context.Context, cmd wire.Command) (wire.Doc, error) {
	return h.client.Do(ctx, cmd)
}

func (h *Handle) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.alive
}

// Exited is closed when the process exits.
func (h *Handle) Exited() <-chan struct{} {
	return h.proc.Exited()
}

func (h *Handle) String() string {
	return h.spec.String()
}

func (h *Handle) cleaned() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}
