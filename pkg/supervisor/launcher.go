package supervisor

import (
	"context"

	"github.com/adammck/testrig/pkg/api"
)

//go:generate mockgen -destination=mocks/launcher_mock.go -package=mocks -source=launcher.go

// Launcher starts server processes. The supervisor decides the address and data
// directory (both in the spec it passes); the launcher only has to make a
// process which serves the spec at its address.
type Launcher interface {

	// Launch starts a process for the spec, and returns as soon as it's
	// running. It doesn't wait for the process to be ready.
	Launch(ctx context.Context, spec api.NodeSpec) (Process, error)
}

// Process is one running instance of a server, as returned by a Launcher.
type Process interface {

	// Exited is closed once the process has exited, for whatever reason.
	Exited() <-chan struct{}

	// Err returns the reason that the process exited. Only meaningful after
	// Exited is closed. A clean exit is nil.
	Err() error

	// Terminate asks the process to shut down gracefully.
	Terminate() error

	// Kill stops the process immediately.
	Kill() error
}
