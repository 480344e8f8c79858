package consul

import (
	"fmt"
	"time"

	"github.com/adammck/testrig/pkg/api"
	consulapi "github.com/hashicorp/consul/api"
)

// Registry registers server processes as services with the local Consul agent,
// so that tooling outside the harness (dashboards, a debugger attaching to a
// live cluster) can find them.
type Registry struct {
	consul *consulapi.Client
}

func New(client *consulapi.Client) *Registry {
	return &Registry{consul: client}
}

// serviceID is unique per service and ident, since the same ident could (in
// principle) be registered under two roles.
func serviceID(svcName string, remote api.Remote) string {
	return fmt.Sprintf("%s-%s", svcName, remote.Ident)
}

func (r *Registry) Register(svcName string, remote api.Remote) error {
	def := &consulapi.AgentServiceRegistration{
		Name:    svcName,
		ID:      serviceID(svcName, remote),
		Address: remote.Host,
		Port:    remote.Port,
		Meta:    map[string]string{"ident": remote.Ident},

		Check: &consulapi.AgentServiceCheck{
			TCP: remote.Addr(),

			// How long to wait between checks.
			Interval: (3 * time.Second).String(),

			// How long to wait for a response before giving up.
			Timeout: (1 * time.Second).String(),

			// Processes killed without being deregistered (e.g. when the
			// harness itself crashes) disappear eventually.
			DeregisterCriticalServiceAfter: (10 * time.Second).String(),
		},
	}

	return r.consul.Agent().ServiceRegister(def)
}

func (r *Registry) Deregister(svcName string, remote api.Remote) error {
	return r.consul.Agent().ServiceDeregister(serviceID(svcName, remote))
}

func (r *Registry) Get(svcName string) ([]api.Remote, error) {
	res, _, err := r.consul.Catalog().Service(svcName, "", &consulapi.QueryOptions{})
	if err != nil {
		return []api.Remote{}, err
	}

	output := make([]api.Remote, len(res))
	for i, s := range res {
		output[i] = remoteFromService(s)
	}

	return output, nil
}

func remoteFromService(s *consulapi.CatalogService) api.Remote {
	ident := s.ServiceMeta["ident"]
	if ident == "" {
		ident = s.ServiceID
	}

	addr := s.ServiceAddress
	if addr == "" {
		// https://github.com/hashicorp/consul/issues/2076
		addr = s.Address
	}

	return api.Remote{
		Ident: ident,
		Host:  addr,
		Port:  s.ServicePort,
	}
}
