package mock

import (
	"sort"
	"sync"

	"github.com/adammck/testrig/pkg/api"
	"github.com/adammck/testrig/pkg/discovery"
)

// Discovery is an in-memory Registry and Discoverer. Watchers are called
// synchronously, in the order that remotes are registered.
type Discovery struct {
	mu      sync.RWMutex
	remotes map[string]map[string]api.Remote // svcName -> ident
	getters []*getter
}

func New() *Discovery {
	return &Discovery{
		remotes: map[string]map[string]api.Remote{},
	}
}

func (d *Discovery) Register(svcName string, remote api.Remote) error {
	d.mu.Lock()
	if d.remotes[svcName] == nil {
		d.remotes[svcName] = map[string]api.Remote{}
	}
	d.remotes[svcName][remote.Ident] = remote
	getters := d.watching(svcName)
	d.mu.Unlock()

	for _, g := range getters {
		if g.add != nil {
			g.add(remote)
		}
	}

	return nil
}

func (d *Discovery) Deregister(svcName string, remote api.Remote) error {
	d.mu.Lock()
	_, ok := d.remotes[svcName][remote.Ident]
	delete(d.remotes[svcName], remote.Ident)
	getters := d.watching(svcName)
	d.mu.Unlock()

	if !ok {
		return nil
	}

	for _, g := range getters {
		if g.remove != nil {
			g.remove(remote)
		}
	}

	return nil
}

// Get returns the remotes registered under the service name, sorted by ident.
func (d *Discovery) Get(svcName string) ([]api.Remote, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	res := make([]api.Remote, 0, len(d.remotes[svcName]))
	for _, r := range d.remotes[svcName] {
		res = append(res, r)
	}

	sort.Slice(res, func(i, j int) bool {
		return res[i].Ident < res[j].Ident
	})

	return res, nil
}

// watching returns the live getters for the service. Caller must hold mu.
func (d *Discovery) watching(svcName string) []*getter {
	out := []*getter{}
	for _, g := range d.getters {
		if g.svcName == svcName && !g.stopped {
			out = append(out, g)
		}
	}

	return out
}

type getter struct {
	disc    *Discovery
	svcName string
	stopped bool

	// Functions to be called when new remotes are added and removed.
	add    func(api.Remote)
	remove func(api.Remote)
}

func (d *Discovery) Discover(svcName string, add, remove func(api.Remote)) discovery.Getter {
	g := &getter{
		disc:    d,
		svcName: svcName,
		add:     add,
		remove:  remove,
	}

	d.mu.Lock()
	d.getters = append(d.getters, g)
	d.mu.Unlock()

	return g
}

func (g *getter) Get() ([]api.Remote, error) {
	return g.disc.Get(g.svcName)
}

func (g *getter) Stop() error {
	g.disc.mu.Lock()
	defer g.disc.mu.Unlock()
	g.stopped = true
	return nil
}
