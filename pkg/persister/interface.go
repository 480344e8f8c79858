package persister

import "github.com/adammck/testrig/pkg/keyspace"

// Persister keeps snapshots of the range distribution of a cluster, so that
// they can be inspected after the cluster is gone, and compared between runs.
type Persister interface {

	// GetRanges returns the latest snapshot. It's empty if nothing has been
	// put yet.
	GetRanges() ([]keyspace.Range, error)

	// PutRanges replaces the snapshot with the given ranges. Implementations
	// must be transactional, so either they all succeed or none do.
	PutRanges([]keyspace.Range) error
}
