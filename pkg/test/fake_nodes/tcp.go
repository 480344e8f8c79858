package fake_nodes

import (
	"context"
	"fmt"
	"log"
	"net"

	"github.com/adammck/testrig/pkg/api"
	"github.com/adammck/testrig/pkg/test/fake_node"
	"github.com/adammck/testrig/pkg/wire"
	"google.golang.org/grpc"
)

// ServeTCP runs a single fake node on a real TCP listener at the spec's
// address, until either ctx is cancelled or the node is sent a shutdown
// command. This is what the fakenoded binary does, so that the harness can
// launch fake nodes as real processes.
func ServeTCP(ctx context.Context, spec api.NodeSpec) error {
	addr := spec.Addr()
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return &api.StartupError{Node: spec.ID, Addr: addr, Err: err}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	n, err := fake_node.New(spec, addr, fake_node.Options{
		Dial:       wire.Dial,
		OnShutdown: cancel,
	})
	if err != nil {
		lis.Close()
		return &api.StartupError{Node: spec.ID, Addr: addr, Err: err}
	}

	srv := grpc.NewServer()
	wire.Register(srv, n)

	errs := make(chan error, 1)
	go func() {
		errs <- srv.Serve(lis)
	}()

	n.Start()
	log.Printf("fake node listening: %s (%s)", spec.ID, addr)

	select {
	case <-ctx.Done():
		n.Stop()
		srv.GracefulStop()
		log.Printf("fake node stopped: %s", spec.ID)
		return nil

	case err := <-errs:
		n.Stop()
		return fmt.Errorf("serve %s: %w", addr, err)
	}
}
