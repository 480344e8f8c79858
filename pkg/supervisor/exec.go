package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/adammck/testrig/pkg/api"
)

// NodeIDEnv is set in the environment of every process started by
// ExecLauncher, since the node id isn't one of the command-line flags.
const NodeIDEnv = "TESTRIG_NODE_ID"

// ExecLauncher starts each node as an OS process, passing the spec as flags.
type ExecLauncher struct {
	Binary string

	// Prepended to the flags rendered from the spec.
	Args []string

	// Appended to the environment of the harness.
	Env []string

	// Where the output of each process goes. Nil discards it.
	Stdout io.Writer
	Stderr io.Writer
}

func (l *ExecLauncher) Launch(ctx context.Context, spec api.NodeSpec) (Process, error) {
	if l.Binary == "" {
		return nil, errors.New("exec launcher: no binary")
	}

	args := make([]string, 0, len(l.Args)+16)
	args = append(args, l.Args...)
	args = append(args, spec.Args()...)

	// Not CommandContext: the process outlives the context of the call which
	// started it. The supervisor kills it.
	cmd := exec.Command(l.Binary, args...)
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", NodeIDEnv, spec.ID))
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &execProcess{
		cmd:    cmd,
		exited: make(chan struct{}),
	}

	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.exited)
	}()

	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	exited chan struct{}

	mu  sync.Mutex
	err error
}

func (p *execProcess) Exited() <-chan struct{} {
	return p.exited
}

func (p *execProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *execProcess) Terminate() error {
	return ignoreDone(p.cmd.Process.Signal(syscall.SIGTERM))
}

func (p *execProcess) Kill() error {
	return ignoreDone(p.cmd.Process.Kill())
}

func ignoreDone(err error) error {
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
