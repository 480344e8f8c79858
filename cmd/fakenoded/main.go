// fakenoded serves one fake node over TCP. The exec launcher can start it in
// place of a real server binary, passing the node spec as flags.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/adammck/testrig/pkg/api"
	"github.com/adammck/testrig/pkg/supervisor"
	"github.com/adammck/testrig/pkg/test/fake_nodes"
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetPrefix("")
	log.SetFlags(0)

	id := api.NodeID(os.Getenv(supervisor.NodeIDEnv))
	if id == "" {
		id = "fake"
	}

	spec, err := api.ParseArgs(id, os.Args[1:])
	if err != nil {
		log.Fatalf("Error: %s", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := fake_nodes.ServeTCP(ctx, spec); err != nil {
		log.Fatalf("Error: %s", err)
	}
}
