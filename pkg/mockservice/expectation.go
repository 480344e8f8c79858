package mockservice

import (
	"fmt"
	"sort"
	"strings"

	"github.com/adammck/testrig/pkg/api"
	"github.com/adammck/testrig/pkg/wire"
	"github.com/google/go-cmp/cmp"
)

// AnyConn is the connection id of a script which serves every connection that
// doesn't have one of its own.
const AnyConn = "*"

// Expectation pairs the shape of a request with the response to play back
// when one arrives. Each is consumed by exactly one matching request, unless
// it's Reusable.
type Expectation struct {
	Command string

	// Args must equal the request's args, including the command field itself
	// (e.g. {"search": "db.coll", "query": {...}}). With Partial, fields of
	// the request which aren't in Args are ignored.
	Args    wire.Doc
	Partial bool

	Response Response

	// Optional expectations aren't reported if they're never consumed. In an
	// ordered script, a request which doesn't match an optional expectation
	// skips over it.
	Optional bool

	// Reusable expectations are never consumed.
	Reusable bool

	either []Expectation
}

// EitherOf returns an expectation which is satisfied by a request matching any
// of the alternatives, and is then consumed as a whole. The response is that
// of the alternative which matched. This is for requests which any of several
// equivalent servers may send.
func EitherOf(alts ...Expectation) Expectation {
	return Expectation{either: alts}
}

// Response is what's played back for a matching expectation: an error, a
// literal reply, or one or more cursors which are then paged through with
// getMore.
type Response struct {
	Reply   wire.Doc
	Cursors []Cursor
	Err     *api.CommandError
}

// Cursor is one result stream of a response.
type Cursor struct {
	NS   string
	Docs []wire.Doc

	// How many docs to return per batch, unless the getMore asks for a
	// different number. Zero means everything in the first batch.
	BatchSize int

	// Copied into every batch, e.g. {"type": "meta"}.
	Extra wire.Doc
}

func (e Expectation) validate() error {
	if len(e.either) > 0 {
		for i, alt := range e.either {
			if len(alt.either) > 0 {
				return fmt.Errorf("alternative %d is itself an either-of set", i)
			}
			if err := alt.validate(); err != nil {
				return fmt.Errorf("alternative %d: %w", i, err)
			}
		}
		return nil
	}

	if e.Command == "" {
		return fmt.Errorf("expectation has no command")
	}

	n := 0
	if e.Response.Reply != nil {
		n++
	}
	if len(e.Response.Cursors) > 0 {
		n++
	}
	if e.Response.Err != nil {
		n++
	}
	if n > 1 {
		return fmt.Errorf("expectation for %s has more than one kind of response", e.Command)
	}

	return nil
}

// match returns the alternative which the request matches, or a diff
// explaining why none did.
func (e Expectation) match(name string, args wire.Doc) (Expectation, bool, string) {
	if len(e.either) == 0 {
		diff := e.diff(name, args)
		return e, diff == "", diff
	}

	diffs := make([]string, len(e.either))
	for i, alt := range e.either {
		diffs[i] = alt.diff(name, args)
		if diffs[i] == "" {
			return alt, true, ""
		}
	}

	return Expectation{}, false, strings.Join(diffs, "\n-- or --\n")
}

func (e Expectation) diff(name string, args wire.Doc) string {
	if name != e.Command {
		return cmp.Diff(e.Command, name)
	}

	want, err := wire.Normalize(e.Args)
	if err != nil {
		return fmt.Sprintf("can't normalize expected args: %v", err)
	}

	got := args
	if e.Partial {
		got = wire.Doc{}
		for k := range want {
			if v, ok := args[k]; ok {
				got[k] = v
			}
		}
	}

	return cmp.Diff(want, got)
}

func (e Expectation) String() string {
	if len(e.either) == 0 {
		return fmt.Sprintf("%s %s", e.Command, e.Args.LogString())
	}

	alts := make([]string, len(e.either))
	for i, alt := range e.either {
		alts[i] = alt.String()
	}
	sort.Strings(alts)
	return fmt.Sprintf("either(%s)", strings.Join(alts, " | "))
}
