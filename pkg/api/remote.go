package api

import (
	"fmt"
	"net"
	"strconv"
)

// Remote represents a server process listening on some host and port. They're
// returned by the supervisor once a process is ready, and registered with
// discovery so that other tooling can find them.
//
// Ident must be unique within a cluster, since it's used to refer to a logical
// node as it is restarted (maybe on a different port).
type Remote struct {
	Ident string
	Host  string
	Port  int
}

// Addr returns an address which can be dialled to connect to the remote.
func (r Remote) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// NodeID returns the remote ident as a NodeID, since that's most often how it's
// used, though it isn't one.
func (r Remote) NodeID() NodeID {
	return NodeID(r.Ident)
}

func (r Remote) String() string {
	return fmt.Sprintf("%s(%s)", r.Ident, r.Addr())
}

// ParseAddr splits a host:port into a Remote with the given ident.
func ParseAddr(ident, addr string) (Remote, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return Remote{}, err
	}

	p, err := strconv.Atoi(port)
	if err != nil {
		return Remote{}, fmt.Errorf("invalid port in %q: %w", addr, err)
	}

	return Remote{Ident: ident, Host: host, Port: p}, nil
}
