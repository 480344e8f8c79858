package consul

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/adammck/testrig/pkg/keyspace"
	capi "github.com/hashicorp/consul/api"
)

type Persister struct {
	kv     *capi.KV
	prefix string

	// keep track of the last ModifyIndex for each range ident, so that puts
	// are check-and-set against what we last saw.
	modifyIndex map[int]uint64

	// guards modifyIndex
	sync.Mutex
}

// New returns a persister which keeps ranges under the given KV prefix, e.g.
// "testrig/<cluster>/ranges".
func New(client *capi.Client, prefix string) *Persister {
	return &Persister{
		kv:          client.KV(),
		prefix:      strings.Trim(prefix, "/"),
		modifyIndex: map[int]uint64{},
	}
}

func (cp *Persister) key(ident int) string {
	return fmt.Sprintf("%s/%d", cp.prefix, ident)
}

func (cp *Persister) GetRanges() ([]keyspace.Range, error) {
	pairs, _, err := cp.kv.List(cp.prefix+"/", nil)
	if err != nil {
		return nil, err
	}

	out := []keyspace.Range{}

	cp.Lock()
	defer cp.Unlock()

	for _, kv := range pairs {
		s := strings.TrimPrefix(kv.Key, cp.prefix+"/")
		ident, err := strconv.Atoi(s)
		if err != nil {
			log.Printf("WARN: invalid Consul key: %s", kv.Key)
			continue
		}

		r := keyspace.Range{}
		if err := json.Unmarshal(kv.Value, &r); err != nil {
			return nil, fmt.Errorf("error decoding %s: %w", kv.Key, err)
		}

		if ident != r.Ident {
			log.Printf("mismatch between Consul KV key and encoded range: key=%v, r.Ident=%v", ident, r.Ident)
			continue
		}

		cp.modifyIndex[ident] = kv.ModifyIndex
		out = append(out, r)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out, nil
}

func (cp *Persister) PutRanges(ranges []keyspace.Range) error {
	cp.Lock()
	defer cp.Unlock()

	var ops capi.KVTxnOps
	keep := map[int]struct{}{}

	for _, r := range ranges {
		v, err := json.Marshal(r)
		if err != nil {
			return err
		}

		op := &capi.KVTxnOp{
			Verb:  capi.KVCAS,
			Key:   cp.key(r.Ident),
			Value: v,
		}

		if index, ok := cp.modifyIndex[r.Ident]; ok {
			op.Index = index
		}

		keep[r.Ident] = struct{}{}
		ops = append(ops, op)
	}

	// Ranges from the last snapshot which are gone now.
	for ident, index := range cp.modifyIndex {
		if _, ok := keep[ident]; ok {
			continue
		}

		ops = append(ops, &capi.KVTxnOp{
			Verb:  capi.KVDeleteCAS,
			Key:   cp.key(ident),
			Index: index,
		})
	}

	ok, res, _, err := cp.kv.Txn(ops, nil)
	if err != nil {
		return err
	}
	if !ok {
		msgs := []string{}
		for _, e := range res.Errors {
			msgs = append(msgs, fmt.Sprintf("op %d: %s", e.OpIndex, e.What))
		}
		return fmt.Errorf("consul txn failed: %s", strings.Join(msgs, "; "))
	}

	for ident := range cp.modifyIndex {
		if _, ok := keep[ident]; !ok {
			delete(cp.modifyIndex, ident)
		}
	}

	for _, res := range res.Results {
		ident, err := strconv.Atoi(strings.TrimPrefix(res.Key, cp.prefix+"/"))
		if err != nil {
			continue
		}
		cp.modifyIndex[ident] = res.ModifyIndex
	}

	return nil
}
