package supervisor

import (
	"context"
	"sync"

	"github.com/adammck/testrig/pkg/api"
	"github.com/adammck/testrig/pkg/test/fake_nodes"
)

// InProcLauncher starts fake nodes on an in-memory fabric. Nodes started this
// way must be dialled with the fabric's Dial.
type InProcLauncher struct {
	Fabric *fake_nodes.Fabric
}

func (l *InProcLauncher) Launch(ctx context.Context, spec api.NodeSpec) (Process, error) {
	p := &inProcess{
		fabric: l.Fabric,
		addr:   spec.Addr(),
		exited: make(chan struct{}),
	}

	if _, err := l.Fabric.Start(spec, p.markExited); err != nil {
		return nil, err
	}

	return p, nil
}

type inProcess struct {
	fabric *fake_nodes.Fabric
	addr   string
	exited chan struct{}
	once   sync.Once
}

func (p *inProcess) markExited() {
	p.once.Do(func() { close(p.exited) })
}

func (p *inProcess) Exited() <-chan struct{} {
	return p.exited
}

// Err is always nil. A fake node can't crash, only be killed.
func (p *inProcess) Err() error {
	return nil
}

// Terminate stops the node gracefully, and asynchronously, like a signal.
func (p *inProcess) Terminate() error {
	go p.stop(true)
	return nil
}

func (p *inProcess) Kill() error {
	p.stop(false)
	return nil
}

func (p *inProcess) stop(graceful bool) {
	select {
	case <-p.exited:
		return
	default:
	}

	// Error means that nothing is serving at the address, i.e. the node has
	// already been stopped (by a shutdown command) so is gone either way.
	_ = p.fabric.Stop(p.addr, graceful)
	p.markExited()
}
