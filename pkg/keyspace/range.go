package keyspace

import (
	"fmt"
	"strconv"

	"github.com/adammck/testrig/pkg/api"
)

// Key is a point in the keyspace. Keys are compared as strings.
type Key string

// Special case representing both negative and positive infinity.
// Don't compare anything against this! Always check for it explicitly.
const ZeroKey Key = ""

// KeyOf returns the key of a document with the given _id.
func KeyOf(id any) Key {
	switch v := id.(type) {
	case string:
		return Key(v)
	case float64:
		if v == float64(int64(v)) {
			return Key(strconv.FormatInt(int64(v), 10))
		}
	case int:
		return Key(strconv.Itoa(v))
	case int64:
		return Key(strconv.FormatInt(v, 10))
	}

	return Key(fmt.Sprint(id))
}

// Range is a range of keys in the keyspace, and the shard which owns it.
// Ranges are values; the Distribution hands out copies.
type Range struct {
	Ident int
	Start Key // inclusive
	End   Key // exclusive
	Shard api.ShardID
}

// Contains returns true if the given key is within the range.
func (r Range) Contains(k Key) bool {
	if r.Start != ZeroKey {
		if k < r.Start {
			return false
		}
	}

	if r.End != ZeroKey {
		// Note that the range end is exclusive!
		if k >= r.End {
			return false
		}
	}

	return true
}

func (r Range) String() string {
	var s, e string

	if r.Start == ZeroKey {
		s = "[-inf"
	} else {
		s = fmt.Sprintf("[%s", r.Start)
	}

	if r.End == ZeroKey {
		e = "+inf]"
	} else {
		e = fmt.Sprintf("%s)", r.End)
	}

	return fmt.Sprintf("{%d %s, %s %s}", r.Ident, s, e, r.Shard)
}
