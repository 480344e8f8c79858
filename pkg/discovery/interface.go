package discovery

import "github.com/adammck/testrig/pkg/api"

// Registry records which server processes are live, by service name (which is
// the role of the node: "data", "metadata" or "router"). The supervisor
// registers a process once it's ready, and deregisters it when it exits.
//
// This is not a general-purpose service discovery interface! This is just the
// specific thing that the harness needs, to avoid letting Consul details get
// all over the place.
type Registry interface {
	Register(svcName string, remote api.Remote) error
	Deregister(svcName string, remote api.Remote) error
	Get(svcName string) ([]api.Remote, error)
}

// Discoverer watches a service, calling add and remove as remotes come and go.
type Discoverer interface {
	Discover(svcName string, add, remove func(api.Remote)) Getter
}

type Getter interface {
	Get() ([]api.Remote, error)
	Stop() error
}
