package fake_nodes

import (
	"context"
	"fmt"
	"log"
	"net"
	"sort"
	"sync"

	"github.com/adammck/testrig/pkg/api"
	"github.com/adammck/testrig/pkg/test/fake_node"
	"github.com/adammck/testrig/pkg/wire"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

const bufSize = 1024 * 1024

// Fabric is an in-memory network: a set of bufconn listeners keyed by address,
// which fake nodes (or anything else speaking the command protocol) serve on,
// and which clients dial. Dialing an address with nothing listening fails the
// way a refused TCP connection would.
type Fabric struct {
	mu      sync.Mutex
	servers map[string]*server
}

type server struct {
	listener *bufconn.Listener
	grpc     *grpc.Server
	node     *fake_node.Node // nil unless started by Start
}

func New() *Fabric {
	return &Fabric{
		servers: map[string]*server{},
	}
}

// Serve starts serving the given handler at addr.
func (f *Fabric) Serve(addr string, h wire.Handler) error {
	_, err := f.serve(addr, h, nil)
	return err
}

func (f *Fabric) serve(addr string, h wire.Handler, n *fake_node.Node) (*server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.servers[addr]; ok {
		return nil, fmt.Errorf("address already in use: %s", addr)
	}

	s := &server{
		listener: bufconn.Listen(bufSize),
		grpc:     grpc.NewServer(),
		node:     n,
	}

	wire.Register(s.grpc, h)
	go func() {
		if err := s.grpc.Serve(s.listener); err != nil {
			log.Printf("fabric server stopped: %s: %v", addr, err)
		}
	}()

	f.servers[addr] = s
	return s, nil
}

// Start creates a fake node for the given spec, and serves it at the spec's
// address. exited (if non-nil) is called after the node stops because it was
// sent a shutdown command.
func (f *Fabric) Start(spec api.NodeSpec, exited func()) (*fake_node.Node, error) {
	addr := spec.Addr()

	var n *fake_node.Node
	n, err := fake_node.New(spec, addr, fake_node.Options{
		Dial: f.Dial,
		OnShutdown: func() {
			f.stop(addr, n, true)
			if exited != nil {
				exited()
			}
		},
	})
	if err != nil {
		return nil, err
	}

	if _, err := f.serve(addr, n, n); err != nil {
		n.Stop()
		return nil, err
	}

	n.Start()
	log.Printf("fake node started: %s (%s)", spec.ID, addr)
	return n, nil
}

// Stop stops whatever is serving at addr. A graceful stop lets commands in
// progress finish (releasing any paused at a failpoint); otherwise connections
// are cut first, like a killed process.
func (f *Fabric) Stop(addr string, graceful bool) error {
	f.mu.Lock()
	s, ok := f.servers[addr]
	f.mu.Unlock()

	if !ok {
		return fmt.Errorf("nothing listening at %s", addr)
	}

	f.stop(addr, s.node, graceful)
	return nil
}

// stop removes the server at addr, if it's still the one running n.
func (f *Fabric) stop(addr string, n *fake_node.Node, graceful bool) {
	f.mu.Lock()
	s, ok := f.servers[addr]
	if !ok || s.node != n {
		f.mu.Unlock()
		return
	}
	delete(f.servers, addr)
	f.mu.Unlock()

	if graceful {
		if s.node != nil {
			s.node.Stop()
		}
		s.grpc.GracefulStop()
	} else {
		s.grpc.Stop()
		if s.node != nil {
			s.node.Stop()
		}
	}

	s.listener.Close()
	log.Printf("fabric server stopped: %s (graceful=%v)", addr, graceful)
}

func (f *Fabric) dialer(ctx context.Context, addr string) (net.Conn, error) {
	f.mu.Lock()
	s, ok := f.servers[addr]
	f.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("dial %s: connection refused", addr)
	}

	return s.listener.DialContext(ctx)
}

// Dial returns a client for addr. It's fine to dial an address which nothing
// is serving yet; the connection is attempted per command, and reconnects
// after a restart.
func (f *Fabric) Dial(ctx context.Context, addr string) (*wire.Client, error) {
	opts := append(wire.DialOptions(), grpc.WithContextDialer(f.dialer))
	conn, err := grpc.NewClient("passthrough:///"+addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc.NewClient(%s): %w", addr, err)
	}

	return wire.NewClient(addr, conn), nil
}

// Node returns the fake node at addr, if there is one.
func (f *Fabric) Node(addr string) (*fake_node.Node, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.servers[addr]
	if !ok || s.node == nil {
		return nil, false
	}

	return s.node, true
}

// Addrs returns every address being served, sorted.
func (f *Fabric) Addrs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, 0, len(f.servers))
	for addr := range f.servers {
		out = append(out, addr)
	}

	sort.Strings(out)
	return out
}

// Close kills everything.
func (f *Fabric) Close() {
	for _, addr := range f.Addrs() {
		_ = f.Stop(addr, false)
	}
}
