package fake_node

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/adammck/testrig/pkg/keyspace"
	"github.com/adammck/testrig/pkg/wire"
	"github.com/spaolacci/murmur3"
	"github.com/zhangyunhao116/skipmap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const stateFile = "fake_node.state"

// Operations in the replication log.
const (
	opInsert = "i"
	opUpdate = "u"
	opDelete = "d"
	opNoop   = "n"
)

type record struct {
	doc wire.Doc
	ver int64
}

type collection = skipmap.FuncMap[string, record]

func newCollection() *collection {
	return skipmap.NewFunc[string, record](func(a, b string) bool {
		return a < b
	})
}

// entry is one operation in the replication log. Data only ever changes by
// appending (on the primary) or installing (on secondaries) entries, so every
// member which has the same log has the same data.
type entry struct {
	Index int64
	Term  int64
	Op    string
	NS    string
	Key   string
	Doc   wire.Doc

	// Set for retryable writes.
	LSID string
	Txn  int64
}

func (e entry) opTime() wire.OpTime {
	return wire.OpTime{Term: e.Term, Index: e.Index}
}

func (e entry) toDoc() wire.Doc {
	d := wire.Doc{
		"i":  e.Index,
		"t":  e.Term,
		"op": e.Op,
		"ns": e.NS,
		"k":  e.Key,
	}

	if e.Doc != nil {
		d["o"] = e.Doc
	}

	if e.LSID != "" {
		d["lsid"] = e.LSID
		d["txn"] = e.Txn
	}

	return d
}

func parseEntry(d wire.Doc) entry {
	return entry{
		Index: d.Int64("i"),
		Term:  d.Int64("t"),
		Op:    d.String("op"),
		NS:    d.String("ns"),
		Key:   d.String("k"),
		Doc:   d.Doc("o"),
		LSID:  d.String("lsid"),
		Txn:   d.Int64("txn"),
	}
}

// storage is the data and replication log of one fake node. When dir is set,
// the whole state is rewritten to disk after every change, so that a node
// restarted on the same dir picks up where it left off.
type storage struct {
	mu    sync.RWMutex
	colls map[string]*collection
	log   []entry
	txns  map[string]int
	meta  wire.Doc
	dir   string
}

func newStorage(dir string) (*storage, error) {
	s := &storage{
		colls: map[string]*collection{},
		txns:  map[string]int{},
		meta:  wire.Doc{},
		dir:   dir,
	}

	if dir == "" {
		return s, nil
	}

	fi, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("data directory %s: %w", dir, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("data directory %s is not a directory", dir)
	}

	if err := s.load(); err != nil {
		return nil, err
	}

	return s, nil
}

func txnKey(lsid string, txn int64) string {
	return fmt.Sprintf("%s:%d", lsid, txn)
}

func (s *storage) last() wire.OpTime {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastLocked()
}

func (s *storage) lastLocked() wire.OpTime {
	if len(s.log) == 0 {
		return wire.OpTime{}
	}

	return s.log[len(s.log)-1].opTime()
}

// termAt returns the term of the entry at the given index, and whether there
// is one. Index zero is the empty log, which always matches.
func (s *storage) termAt(index int64) (int64, bool) {
	if index == 0 {
		return 0, true
	}

	if index < 0 || index > int64(len(s.log)) {
		return 0, false
	}

	return s.log[index-1].Term, true
}

// append adds entries to the end of the log and applies them. Only the primary
// does this. Indexes are assigned here.
func (s *storage) append(term int64, es ...entry) (wire.OpTime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range es {
		e.Index = int64(len(s.log)) + 1
		e.Term = term
		if e.Doc != nil {
			d, err := wire.Normalize(e.Doc)
			if err != nil {
				return wire.OpTime{}, err
			}
			e.Doc = d
		}

		s.log = append(s.log, e)
		s.apply(e)
	}

	return s.lastLocked(), s.save()
}

func (s *storage) apply(e entry) {
	c, ok := s.colls[e.NS]
	if !ok && e.Op != opNoop {
		c = newCollection()
		s.colls[e.NS] = c
	}

	switch e.Op {
	case opInsert, opUpdate:
		old, _ := c.Load(e.Key)
		c.Store(e.Key, record{doc: e.Doc, ver: old.ver + 1})
	case opDelete:
		c.Delete(e.Key)
	}

	if e.LSID != "" {
		s.txns[txnKey(e.LSID, e.Txn)] += 1
	}
}

// after returns the entries which follow the given optime, if this log has an
// entry at that optime. Otherwise returns every entry, to be installed over an
// empty prefix.
func (s *storage) after(hint wire.OpTime) (wire.OpTime, []entry) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if t, ok := s.termAt(hint.Index); ok && t == hint.Term {
		out := make([]entry, len(s.log)-int(hint.Index))
		copy(out, s.log[hint.Index:])
		return hint, out
	}

	out := make([]entry, len(s.log))
	copy(out, s.log)
	return wire.OpTime{}, out
}

// install is the secondary side of after. Returns false if the log has no
// entry at prev, in which case nothing is changed. Entries which conflict with
// ones already in the log replace them (and everything after), which rolls
// back writes which the rest of the group never saw.
func (s *storage) install(prev wire.OpTime, es []entry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.termAt(prev.Index); !ok || t != prev.Term {
		return false, nil
	}

	changed := false
	for _, e := range es {
		if t, ok := s.termAt(e.Index); ok && e.Index > 0 && e.Index <= int64(len(s.log)) {
			if t == e.Term {
				continue
			}
			s.truncate(e.Index - 1)
		}

		if e.Index != int64(len(s.log))+1 {
			return false, fmt.Errorf("gap in log: have %d, got %d", len(s.log), e.Index)
		}

		s.log = append(s.log, e)
		s.apply(e)
		changed = true
	}

	if !changed {
		return true, nil
	}

	return true, s.save()
}

// truncate drops every entry after n and rebuilds the data from what's left.
func (s *storage) truncate(n int64) {
	keep := s.log[:n]
	s.log = nil
	s.colls = map[string]*collection{}
	s.txns = map[string]int{}

	for _, e := range keep {
		s.log = append(s.log, e)
		s.apply(e)
	}
}

// reset drops the whole log and every document.
func (s *storage) reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.truncate(0)
	return s.save()
}

func (s *storage) get(ns, key string) (record, bool) {
	s.mu.RLock()
	c, ok := s.colls[ns]
	s.mu.RUnlock()

	if !ok {
		return record{}, false
	}

	return c.Load(key)
}

// scan calls fn for every document in the collection, in key order, until fn
// returns false.
func (s *storage) scan(ns string, fn func(key string, r record) bool) {
	s.mu.RLock()
	c, ok := s.colls[ns]
	s.mu.RUnlock()

	if !ok {
		return
	}

	c.Range(fn)
}

// namespaces returns the non-empty collections, sorted.
func (s *storage) namespaces() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []string{}
	for ns, c := range s.colls {
		if c.Len() > 0 {
			out = append(out, ns)
		}
	}

	sort.Strings(out)
	return out
}

func (s *storage) txnCount(lsid string, txn int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.txns[txnKey(lsid, txn)]
}

// inRange returns every document (of every collection) whose key falls in the
// given range. Metadata collections are skipped.
func (s *storage) inRange(r keyspace.Range) []entry {
	out := []entry{}
	for _, ns := range s.namespaces() {
		if isMetadataNS(ns) {
			continue
		}

		s.scan(ns, func(key string, rec record) bool {
			if r.Contains(keyspace.Key(key)) {
				out = append(out, entry{NS: ns, Key: key, Doc: rec.doc})
			}
			return true
		})
	}

	return out
}

// hash returns a checksum of every collection, and of the whole store. Two
// members with the same documents have the same hashes, however they came by
// them.
func (s *storage) hash() (string, map[string]string) {
	colls := map[string]string{}
	total := murmur3.New64()

	for _, ns := range s.namespaces() {
		h := murmur3.New64()
		s.scan(ns, func(key string, r record) bool {
			h.Write([]byte(key))
			h.Write([]byte(r.doc.LogString()))
			return true
		})

		colls[ns] = fmt.Sprintf("%016x", h.Sum64())
		fmt.Fprintf(total, "%s:%s;", ns, colls[ns])
	}

	return fmt.Sprintf("%016x", total.Sum64()), colls
}

func (s *storage) setMeta(meta wire.Doc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.meta = meta
	return s.save()
}

func (s *storage) getMeta() wire.Doc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta.Clone()
}

// save writes the state to disk, if this is a durable store. Caller must hold
// mu.
func (s *storage) save() error {
	if s.dir == "" {
		return nil
	}

	log := make([]any, len(s.log))
	for i := range s.log {
		log[i] = s.log[i].toDoc()
	}

	st, err := wire.ToStruct(wire.Doc{"meta": s.meta, "log": log})
	if err != nil {
		return err
	}

	b, err := proto.Marshal(st)
	if err != nil {
		return err
	}

	tmp := filepath.Join(s.dir, stateFile+".tmp")
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}

	return os.Rename(tmp, filepath.Join(s.dir, stateFile))
}

func (s *storage) load() error {
	b, err := os.ReadFile(filepath.Join(s.dir, stateFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	st := &structpb.Struct{}
	if err := proto.Unmarshal(b, st); err != nil {
		return fmt.Errorf("corrupt state in %s: %w", s.dir, err)
	}

	d := wire.FromStruct(st)
	if m := d.Doc("meta"); m != nil {
		s.meta = m
	}

	for _, ed := range d.Docs("log") {
		e := parseEntry(ed)
		s.log = append(s.log, e)
		s.apply(e)
	}

	return nil
}
