package mockservice

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sort"
	"sync"

	"github.com/adammck/testrig/pkg/api"
	"github.com/adammck/testrig/pkg/wire"
	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc"
)

// Options apply to everything programmed for a connection.
type Options struct {

	// Ordered scripts must be consumed in the order they were programmed.
	// Otherwise any unconsumed expectation which matches is used.
	Ordered bool
}

type entry struct {
	exp      Expectation
	consumed bool

	// passed is set on an optional entry of an ordered script once an entry
	// after it has been consumed. It can no longer match.
	passed bool
}

type script struct {
	opts    Options
	entries []*entry
}

// Request is one request received by the server, for assertions after the
// fact.
type Request struct {
	ConnID  string
	Command string
	Args    wire.Doc

	// Index of the expectation which served it, or -1 if it was a getMore or
	// killCursors on a cursor the server opened, or a mismatch.
	Index int
	Err   error
}

// Server is a scriptable stand-in for the external search service. Servers
// under test send it commands (tagged with their connection id), and it
// replies with whatever was programmed for that connection.
type Server struct {
	mu         sync.Mutex
	scripts    map[string]*script
	curs       *cursors
	history    []Request
	mismatches []*api.ProtocolMismatch
}

func New() *Server {
	return &Server{
		scripts: map[string]*script{},
		curs:    newCursors(),
	}
}

// Program appends expectations to the script for the given connection id (or
// AnyConn). Adding to a script which still has unconsumed expectations must
// use the same options.
func (s *Server) Program(connID string, exps []Expectation, opts Options) error {
	for i, e := range exps {
		if err := e.validate(); err != nil {
			return fmt.Errorf("invalid expectation %d for conn %q: %w", i, connID, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.scripts[connID]
	if !ok || sc.done() {
		sc = &script{opts: opts}
		s.scripts[connID] = sc
	} else if sc.opts != opts {
		return fmt.Errorf("conn %q already has a script with different options", connID)
	}

	for _, e := range exps {
		sc.entries = append(sc.entries, &entry{exp: e})
	}

	return nil
}

// done returns true if nothing which must be consumed is left.
func (sc *script) done() bool {
	for _, e := range sc.entries {
		if !e.consumed && !e.exp.Optional && !e.exp.Reusable {
			return false
		}
	}

	return true
}

// RunCommand implements wire.Handler.
func (s *Server) RunCommand(ctx context.Context, name string, args wire.Doc) (wire.Doc, error) {
	connID := wire.ConnIDFromContext(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	req := Request{ConnID: connID, Command: name, Args: args.Clone(), Index: -1}
	res, err := s.handle(&req)
	req.Err = err
	s.history = append(s.history, req)

	if err != nil {
		var pm *api.ProtocolMismatch
		if errors.As(err, &pm) {
			s.mismatches = append(s.mismatches, pm)
			log.Printf("mock: %v", pm)
			return nil, wire.Errorf(api.CodeInternalError, "%v", pm)
		}
		return nil, err
	}

	return res, nil
}

func (s *Server) handle(req *Request) (wire.Doc, error) {
	// Cursors opened by this server are served without expectations.
	switch req.Command {
	case "getMore":
		id := req.Args.Int64("getMore")
		if s.curs.has(id) {
			return s.curs.more(id, req.Args.Int("batchSize"))
		}

	case "killCursors":
		if ids := req.Args.Array("cursors"); len(ids) > 0 && s.curs.hasAll(ids) {
			return s.curs.kill(ids), nil
		}
	}

	sc, ok := s.scripts[req.ConnID]
	if !ok || sc.done() {
		if fallback, ok := s.scripts[AnyConn]; ok {
			sc = fallback
		}
	}

	if sc == nil {
		return nil, newMismatch(req, -1, "nothing programmed for this connection", "")
	}

	i, e, err := sc.next(req)
	if err != nil {
		return nil, err
	}

	req.Index = i
	return s.respond(e.Response)
}

// next finds the expectation which serves the request, and consumes it.
func (sc *script) next(req *Request) (int, Expectation, error) {
	var diffs []string
	first := -1

	for i, ent := range sc.entries {
		if ent.consumed {
			continue
		}

		alt, ok, diff := ent.exp.match(req.Command, req.Args)
		if ent.passed {
			if ok {
				return -1, Expectation{}, newMismatch(req, i, "request is out of order", "optional expectation was already passed over")
			}
			continue
		}

		if ok {
			if !ent.exp.Reusable {
				ent.consumed = true
			}
			if sc.opts.Ordered {
				sc.passOver(i)
			}
			return i, alt, nil
		}

		if first == -1 {
			first = i
		}
		diffs = append(diffs, diff)

		// Anything which must be consumed blocks those after it.
		if sc.opts.Ordered && !ent.exp.Optional && !ent.exp.Reusable {
			return -1, Expectation{}, newMismatch(req, i, "request is out of order", diff)
		}
	}

	if first == -1 {
		return -1, Expectation{}, newMismatch(req, -1, "every expectation has been consumed", "")
	}

	return -1, Expectation{}, newMismatch(req, first, "no expectation matches", diffs[0])
}

// passOver marks every optional entry before i which hasn't been consumed, so
// that it can't match after its successors.
func (sc *script) passOver(i int) {
	for _, ent := range sc.entries[:i] {
		if !ent.consumed && ent.exp.Optional && !ent.exp.Reusable {
			ent.passed = true
		}
	}
}

func newMismatch(req *Request, index int, reason, diff string) *api.ProtocolMismatch {
	return &api.ProtocolMismatch{
		ConnID:  req.ConnID,
		Index:   index,
		Reason:  reason,
		Request: fmt.Sprintf("%s %s", req.Command, req.Args.LogString()),
		Diff:    diff,
	}
}

func (s *Server) respond(r Response) (wire.Doc, error) {
	if r.Err != nil {
		ce := *r.Err
		if ce.CodeName == "" {
			ce.CodeName = api.CodeName(ce.Code)
		}
		return nil, &ce
	}

	if len(r.Cursors) == 0 {
		if r.Reply == nil {
			return wire.Doc{}, nil
		}
		return r.Reply.Clone(), nil
	}

	if len(r.Cursors) == 1 {
		return wire.Doc{"cursor": s.curs.open(r.Cursors[0])}, nil
	}

	out := make([]any, len(r.Cursors))
	for i, c := range r.Cursors {
		out[i] = wire.Doc{"cursor": s.curs.open(c)}
	}

	return wire.Doc{"cursors": out}, nil
}

// History returns every request received so far, in order.
func (s *Server) History() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.history...)
}

// Mismatches returns every request which didn't match what was programmed.
func (s *Server) Mismatches() []*api.ProtocolMismatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*api.ProtocolMismatch(nil), s.mismatches...)
}

// Unconsumed returns the expectations which must be consumed but haven't
// been, keyed by connection id.
func (s *Server) Unconsumed() map[string][]Expectation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := map[string][]Expectation{}
	for id, sc := range s.scripts {
		for _, ent := range sc.entries {
			if !ent.consumed && !ent.exp.Optional && !ent.exp.Reusable {
				out[id] = append(out[id], ent.exp)
			}
		}
	}

	return out
}

// OpenCursors returns the ids of cursors which haven't been exhausted or
// killed.
func (s *Server) OpenCursors() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.curs.ids()
}

// Verify returns an error describing every mismatch and every unconsumed
// expectation, or nil if there were none.
func (s *Server) Verify() error {
	errs := []error{}
	for _, pm := range s.Mismatches() {
		errs = append(errs, pm)
	}

	un := s.Unconsumed()
	ids := make([]string, 0, len(un))
	for id := range un {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		for _, e := range un[id] {
			errs = append(errs, fmt.Errorf("unconsumed expectation on conn %q: %s", id, e))
		}
	}

	return errors.Join(errs...)
}

// AssertAllConsumed fails the test if anything was programmed but not used,
// or if any request didn't match.
func (s *Server) AssertAllConsumed(t assert.TestingT) bool {
	if h, ok := t.(interface{ Helper() }); ok {
		h.Helper()
	}

	return assert.NoError(t, s.Verify(), "mock service")
}

// Reset forgets every script, cursor, and request.
func (s *Server) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.scripts = map[string]*script{}
	s.curs = newCursors()
	s.history = nil
	s.mismatches = nil
}

// Serve serves the command protocol on the listener until the context is
// done.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer()
	wire.Register(srv, s)

	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()

	log.Printf("mock service listening: %s", lis.Addr())
	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}

	return nil
}
