package memory

import (
	"sync"

	"github.com/adammck/testrig/pkg/keyspace"
)

type Persister struct {
	mu     sync.Mutex
	ranges []keyspace.Range
	puts   int
}

func New() *Persister {
	return &Persister{}
}

func (p *Persister) GetRanges() ([]keyspace.Range, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]keyspace.Range{}, p.ranges...), nil
}

func (p *Persister) PutRanges(ranges []keyspace.Range) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ranges = append([]keyspace.Range{}, ranges...)
	p.puts++
	return nil
}

// Puts returns how many times PutRanges has been called.
func (p *Persister) Puts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.puts
}
