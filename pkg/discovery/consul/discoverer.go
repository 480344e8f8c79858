package consul

import (
	"log"
	"sync"
	"time"

	"github.com/adammck/testrig/pkg/api"
	"github.com/adammck/testrig/pkg/discovery"
	consulapi "github.com/hashicorp/consul/api"
	"github.com/lthibault/jitterbug"
)

type Discoverer struct {
	consul   *consulapi.Client
	interval time.Duration
}

func NewDiscoverer(client *consulapi.Client, interval time.Duration) *Discoverer {
	if interval <= 0 {
		interval = time.Second
	}

	return &Discoverer{
		consul:   client,
		interval: interval,
	}
}

type discoveryGetter struct {
	disc *Discoverer
	name string

	// stop is closed to signal that run should stop ticking and return.
	stop chan struct{}

	// running can be waited on to block until run is about to return. Wait on
	// this after closing stop to ensure that no more ticks will happen.
	running sync.WaitGroup

	// Remotes that we know about, by ident.
	remotes   map[string]api.Remote
	remotesMu sync.RWMutex

	// Functions to be called when new remotes are added and removed.
	add    func(api.Remote)
	remove func(api.Remote)
}

func (d *Discoverer) Discover(svcName string, add, remove func(api.Remote)) discovery.Getter {
	dg := &discoveryGetter{
		disc:    d,
		name:    svcName,
		stop:    make(chan struct{}),
		remotes: map[string]api.Remote{},
		add:     add,
		remove:  remove,
	}

	dg.running.Add(1)
	go dg.run()

	return dg
}

func (dg *discoveryGetter) tick() error {

	// Only passing services; a node which was killed drops out once its check
	// goes critical, even if nobody deregistered it.
	res, _, err := dg.disc.consul.Health().Service(dg.name, "", true, &consulapi.QueryOptions{})
	if err != nil {
		return err
	}

	seen := map[string]struct{}{}
	added := []api.Remote{}
	removed := []api.Remote{}

	dg.remotesMu.Lock()

	for _, e := range res {
		rem := remoteFromEntry(e)
		seen[rem.Ident] = struct{}{}

		if _, ok := dg.remotes[rem.Ident]; ok {
			continue
		}

		dg.remotes[rem.Ident] = rem
		added = append(added, rem)
	}

	for ident, rem := range dg.remotes {
		if _, ok := seen[ident]; !ok {
			delete(dg.remotes, ident)
			removed = append(removed, rem)
		}
	}

	dg.remotesMu.Unlock()

	// Call add/remove callbacks outside of lock. But still synchronously inside
	// this function, so that we won't tick again until they return. Should keep
	// things linear (i.e. no remotes being removed before they're added).

	if dg.add != nil {
		for _, rem := range added {
			dg.add(rem)
		}
	}

	if dg.remove != nil {
		for _, rem := range removed {
			dg.remove(rem)
		}
	}

	return nil
}

func remoteFromEntry(e *consulapi.ServiceEntry) api.Remote {
	ident := e.Service.Meta["ident"]
	if ident == "" {
		ident = e.Service.ID
	}

	addr := e.Service.Address
	if addr == "" {
		addr = e.Node.Address
	}

	return api.Remote{
		Ident: ident,
		Host:  addr,
		Port:  e.Service.Port,
	}
}

func (dg *discoveryGetter) run() {
	defer dg.running.Done()

	ticker := jitterbug.New(dg.disc.interval, &jitterbug.Norm{Stdev: dg.disc.interval / 10})
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := dg.tick(); err != nil {
				log.Printf("error discovering %s: %v", dg.name, err)
			}
		case <-dg.stop:
			return
		}
	}
}

func (dg *discoveryGetter) Get() ([]api.Remote, error) {
	dg.remotesMu.RLock()
	defer dg.remotesMu.RUnlock()

	res := make([]api.Remote, 0, len(dg.remotes))
	for _, v := range dg.remotes {
		res = append(res, v)
	}

	return res, nil
}

func (dg *discoveryGetter) Stop() error {

	// Signal run to return instead of tick again.
	close(dg.stop)

	// Block until any in-progress ticks are finished.
	dg.running.Wait()

	return nil
}
