package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	opts := Options{}
	flag.StringVar(&opts.Descriptor, "descriptor", "", "path to the cluster descriptor (yaml)")
	flag.StringVar(&opts.Config, "config", "", "path to the harness config (yaml); defaults if empty")
	flag.StringVar(&opts.Launcher, "launcher", "inproc", "how to start nodes: inproc or exec")
	flag.StringVar(&opts.Binary, "binary", "", "server binary for the exec launcher (default: binaryPath from config)")
	flag.StringVar(&opts.DebugAddr, "debug-addr", "localhost:8100", "address to serve the debug endpoints on; empty to disable")
	flag.StringVar(&opts.Discovery, "discovery", "none", "where to register nodes: none, mock, or consul")
	flag.StringVar(&opts.Persister, "persister", "memory", "where to record the range distribution: memory, consul, or redis")
	flag.StringVar(&opts.RedisAddr, "redis-addr", "localhost:6379", "redis address, for -persister=redis")
	flag.StringVar(&opts.PersistKey, "persist-key", "testrig", "key (or prefix) the distribution is stored under")
	flag.BoolVar(&opts.Validate, "validate", true, "check convergence and orphaned ranges at teardown")
	once := flag.Bool("once", false, "provision, validate, and tear down immediately")
	flag.Parse()

	if opts.Descriptor == "" {
		exit(errNoDescriptor)
	}

	// Replace default logger.
	log.SetOutput(os.Stdout)
	log.SetPrefix("")
	log.SetFlags(0)

	cmd, err := New(opts)
	if err != nil {
		exit(err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sig
		cancel()
	}()

	if *once {
		cancel()
	}

	err = cmd.Run(ctx)
	if err != nil {
		exit(err)
	}
}

func exit(err error) {
	log.Fatalf("Error: %s", err)
}
