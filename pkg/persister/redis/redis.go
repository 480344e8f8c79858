package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/adammck/testrig/pkg/keyspace"
	"github.com/redis/go-redis/v9"
)

// Persister keeps the snapshot in one hash, field per range ident. Puts
// replace the whole hash in a MULTI/EXEC.
type Persister struct {
	client *redis.Client
	key    string
	ctx    context.Context
}

func New(client *redis.Client, key string) *Persister {
	return &Persister{
		client: client,
		key:    key,
		ctx:    context.Background(),
	}
}

func (p *Persister) GetRanges() ([]keyspace.Range, error) {
	vals, err := p.client.HGetAll(p.ctx, p.key).Result()
	if err != nil {
		return nil, err
	}

	out := make([]keyspace.Range, 0, len(vals))
	for field, v := range vals {
		r := keyspace.Range{}
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			return nil, fmt.Errorf("error decoding %s[%s]: %w", p.key, field, err)
		}
		out = append(out, r)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out, nil
}

func (p *Persister) PutRanges(ranges []keyspace.Range) error {
	fields := make([]any, 0, len(ranges)*2)
	for _, r := range ranges {
		v, err := json.Marshal(r)
		if err != nil {
			return err
		}
		fields = append(fields, strconv.Itoa(r.Ident), string(v))
	}

	_, err := p.client.TxPipelined(p.ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(p.ctx, p.key)
		if len(fields) > 0 {
			pipe.HSet(p.ctx, p.key, fields...)
		}
		return nil
	})

	return err
}
