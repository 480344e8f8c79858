package fake_node

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/adammck/testrig/pkg/api"
	"github.com/adammck/testrig/pkg/keyspace"
	"github.com/adammck/testrig/pkg/wire"
	"github.com/google/uuid"
)

// Collections under this prefix hold sharding metadata, and never migrate.
const metadataPrefix = "config."

func isMetadataNS(ns string) bool {
	return strings.HasPrefix(ns, metadataPrefix)
}

// primaryTerm returns the current term, if this node is primary.
func (n *Node) primaryTerm() (int64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state != api.MsPrimary {
		return 0, wire.Errorf(api.CodeNotWritablePrimary, "not primary: %s (state=%s)", n.addr, n.state)
	}

	return n.term, nil
}

// checkReadable returns an error unless this node may serve reads.
func (n *Node) checkReadable(secondaryOK bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch n.state {
	case api.MsPrimary:
		return nil
	case api.MsSecondary:
		if secondaryOK {
			return nil
		}
		return wire.Errorf(api.CodeNotPrimaryNoSecondaryOk, "not primary and secondaryOk=false: %s", n.addr)
	}

	return wire.Errorf(api.CodeNotPrimaryOrSecondary, "node is not in primary or recovering state: %s (state=%s)", n.addr, n.state)
}

func collectionMatch(coll string) func(wire.Doc) bool {
	return func(data wire.Doc) bool {
		c := data.String("collection")
		return c == "" || c == coll
	}
}

// retried returns the reply for a retryable write which has already been
// applied, or nil.
func (n *Node) retried(sess *wire.Session) wire.Doc {
	if sess == nil {
		return nil
	}

	c := n.store.txnCount(sess.LSID, sess.TxnNumber)
	if c == 0 {
		return nil
	}

	log.Printf("retried write: %s (lsid=%s, txn=%d)", n.addr, sess.LSID, sess.TxnNumber)
	return wire.Doc{"n": c, "retriedStmt": true}
}

func tag(es []entry, sess *wire.Session) {
	if sess == nil {
		return
	}

	for i := range es {
		es[i].LSID = sess.LSID
		es[i].Txn = sess.TxnNumber
	}
}

// finishWrite waits for the write concern, and reports a failure in-band.
func (n *Node) finishWrite(res wire.Doc, last wire.OpTime, args wire.Doc) wire.Doc {
	wc := wire.ParseWriteConcern(args.Doc("writeConcern"))
	if err := n.awaitWriteConcern(last, wc); err != nil {
		var ce *api.CommandError
		if errors.As(err, &ce) {
			res["writeConcernError"] = wire.Doc{"code": ce.Code, "codeName": ce.CodeName, "errmsg": ce.Message}
		}
	}

	return res
}

func (n *Node) insert(ctx context.Context, args wire.Doc) (wire.Doc, error) {
	coll := args.String("insert")
	if _, err := n.primaryTerm(); err != nil {
		return nil, err
	}

	if err := n.pause(ctx, FpHangBeforeWrite, collectionMatch(coll)); err != nil {
		return nil, err
	}
	sess := wire.ParseSession(args)

	n.writeMu.Lock()
	if res := n.retried(sess); res != nil {
		n.writeMu.Unlock()
		return res, nil
	}

	term, err := n.primaryTerm()
	if err != nil {
		n.writeMu.Unlock()
		return nil, err
	}

	es := []entry{}
	errs := []any{}
	seen := map[string]struct{}{}
	for i, d := range args.Docs("documents") {
		d = d.Clone()
		if !d.Has("_id") {
			d["_id"] = uuid.NewString()
		}

		key := string(keyspace.KeyOf(d["_id"]))
		_, dupe := seen[key]
		if _, ok := n.store.get(coll, key); ok || dupe {
			errs = append(errs, wire.WriteError(i, api.CodeDuplicateKey, "E11000 duplicate key error collection: "+coll+" dup key: { _id: "+key+" }"))
			break
		}

		seen[key] = struct{}{}
		es = append(es, entry{Op: opInsert, NS: coll, Key: key, Doc: d})
	}

	if err := n.checkMigrating(es); err != nil {
		n.writeMu.Unlock()
		return nil, err
	}

	tag(es, sess)
	last, err := n.store.append(term, es...)
	n.writeMu.Unlock()
	if err != nil {
		return nil, wire.Errorf(api.CodeInternalError, "error writing: %v", err)
	}

	res := wire.Doc{"n": len(es)}
	if len(errs) > 0 {
		res["writeErrors"] = errs
	}

	return n.finishWrite(res, last, args), nil
}

type match struct {
	key string
	rec record
}

// matching returns the documents in the collection which match the filter.
// An _id filter is a point lookup.
func (n *Node) matching(coll string, filter wire.Doc, limit int) []match {
	filter = wire.MustNormalize(filter)
	out := []match{}

	if id, ok := filter["_id"]; ok && wire.AsDoc(id) == nil {
		key := string(keyspace.KeyOf(id))
		if rec, ok := n.store.get(coll, key); ok && matches(rec.doc, filter) {
			out = append(out, match{key, rec})
		}
		return out
	}

	n.store.scan(coll, func(key string, rec record) bool {
		if matches(rec.doc, filter) {
			out = append(out, match{key, rec})
		}
		return limit <= 0 || len(out) < limit
	})

	return out
}

// applyUpdate returns the document with the update applied. Updates are
// either operator docs ($set, $inc, $unset) or plain fields to overwrite.
func applyUpdate(doc wire.Doc, u wire.Doc) (wire.Doc, error) {
	out := doc.Clone()

	for k, v := range u {
		if !strings.HasPrefix(k, "$") {
			if k != "_id" {
				out[k] = v
			}
			continue
		}

		fields := wire.AsDoc(v)
		switch k {
		case "$set":
			for f, fv := range fields {
				out[f] = fv
			}
		case "$unset":
			for f := range fields {
				delete(out, f)
			}
		case "$inc":
			for f := range fields {
				out[f] = out.Float(f) + fields.Float(f)
			}
		default:
			return nil, wire.Errorf(api.CodeBadValue, "unknown update operator: %s", k)
		}
	}

	return out, nil
}

// upsertDoc builds the document inserted by an upsert which matched nothing:
// the equality fields of the query, with the update applied.
func upsertDoc(q, u wire.Doc) (wire.Doc, error) {
	d := wire.Doc{}
	for k, v := range q {
		if !strings.HasPrefix(k, "$") && !strings.Contains(k, ".") {
			d[k] = v
		}
	}

	d, err := applyUpdate(d, u)
	if err != nil {
		return nil, err
	}

	if !d.Has("_id") {
		d["_id"] = uuid.NewString()
	}

	return d, nil
}

func (n *Node) update(ctx context.Context, args wire.Doc) (wire.Doc, error) {
	coll := args.String("update")
	if _, err := n.primaryTerm(); err != nil {
		return nil, err
	}

	if err := n.pause(ctx, FpHangBeforeWrite, collectionMatch(coll)); err != nil {
		return nil, err
	}
	sess := wire.ParseSession(args)
	stmts := args.Docs("updates")

	// Read everything first. The versions are checked again before writing,
	// so a write which slips in between is a conflict.
	reads := make([][]match, len(stmts))
	for i, s := range stmts {
		limit := 1
		if s.Bool("multi") {
			limit = 0
		}
		reads[i] = n.matching(coll, s.Doc("q"), limit)
	}

	if err := n.pause(ctx, FpHangAfterReadBeforeWrite, collectionMatch(coll)); err != nil {
		return nil, err
	}

	n.writeMu.Lock()
	res, last, err := n.applyUpdates(coll, stmts, reads, sess)
	n.writeMu.Unlock()
	if err != nil || res.Bool("retriedStmt") {
		return res, err
	}

	return n.finishWrite(res, last, args), nil
}

// applyUpdates writes the updates, if none of the documents read have changed
// since. Caller must hold writeMu.
func (n *Node) applyUpdates(coll string, stmts []wire.Doc, reads [][]match, sess *wire.Session) (wire.Doc, wire.OpTime, error) {
	if res := n.retried(sess); res != nil {
		return res, wire.OpTime{}, nil
	}

	term, err := n.primaryTerm()
	if err != nil {
		return nil, wire.OpTime{}, err
	}

	es := []entry{}
	matched := 0
	upserted := []any{}
	for i, s := range stmts {
		for _, m := range reads[i] {
			cur, ok := n.store.get(coll, m.key)
			if !ok || cur.ver != m.rec.ver {
				return nil, wire.OpTime{}, wire.Errorf(api.CodeWriteConflict, "write conflict on %s in %s", m.key, coll)
			}

			d, err := applyUpdate(cur.doc, s.Doc("u"))
			if err != nil {
				return nil, wire.OpTime{}, err
			}

			matched += 1
			es = append(es, entry{Op: opUpdate, NS: coll, Key: m.key, Doc: d})
		}

		if len(reads[i]) == 0 && s.Bool("upsert") {
			d, err := upsertDoc(s.Doc("q"), s.Doc("u"))
			if err != nil {
				return nil, wire.OpTime{}, err
			}

			key := string(keyspace.KeyOf(d["_id"]))
			es = append(es, entry{Op: opInsert, NS: coll, Key: key, Doc: d})
			upserted = append(upserted, wire.Doc{"index": i, "_id": d["_id"]})
		}
	}

	if err := n.checkMigrating(es); err != nil {
		return nil, wire.OpTime{}, err
	}

	tag(es, sess)
	last, err := n.store.append(term, es...)
	if err != nil {
		return nil, wire.OpTime{}, wire.Errorf(api.CodeInternalError, "error writing: %v", err)
	}

	res := wire.Doc{"n": matched + len(upserted), "nModified": matched}
	if len(upserted) > 0 {
		res["upserted"] = upserted
	}

	return res, last, nil
}

func (n *Node) delete(ctx context.Context, args wire.Doc) (wire.Doc, error) {
	coll := args.String("delete")
	if _, err := n.primaryTerm(); err != nil {
		return nil, err
	}

	if err := n.pause(ctx, FpHangBeforeWrite, collectionMatch(coll)); err != nil {
		return nil, err
	}
	sess := wire.ParseSession(args)

	n.writeMu.Lock()
	if res := n.retried(sess); res != nil {
		n.writeMu.Unlock()
		return res, nil
	}

	term, err := n.primaryTerm()
	if err != nil {
		n.writeMu.Unlock()
		return nil, err
	}

	es := []entry{}
	for _, s := range args.Docs("deletes") {
		for _, m := range n.matching(coll, s.Doc("q"), s.Int("limit")) {
			es = append(es, entry{Op: opDelete, NS: coll, Key: m.key})
		}
	}

	if err := n.checkMigrating(es); err != nil {
		n.writeMu.Unlock()
		return nil, err
	}

	tag(es, sess)
	last, err := n.store.append(term, es...)
	n.writeMu.Unlock()
	if err != nil {
		return nil, wire.Errorf(api.CodeInternalError, "error writing: %v", err)
	}

	return n.finishWrite(wire.Doc{"n": len(es)}, last, args), nil
}

func docsOf(ms []match) []wire.Doc {
	out := make([]wire.Doc, len(ms))
	for i := range ms {
		out[i] = ms[i].rec.doc
	}

	return out
}

func (n *Node) find(ctx context.Context, args wire.Doc) (wire.Doc, error) {
	if err := n.checkReadable(args.Bool("secondaryOk")); err != nil {
		return nil, err
	}

	coll := args.String("find")
	docs := docsOf(n.matching(coll, args.Doc("filter"), 0))
	return wire.Doc{"cursor": n.curs.open(coll, docs, args.Int("batchSize"), nil)}, nil
}

func (n *Node) count(ctx context.Context, args wire.Doc) (wire.Doc, error) {
	if err := n.checkReadable(args.Bool("secondaryOk")); err != nil {
		return nil, err
	}

	return wire.Doc{"n": len(n.matching(args.String("count"), args.Doc("query"), 0))}, nil
}

// search forwards a query to the search backend named by the searchHost
// option, drains every cursor it returns, and serves the results from local
// cursors. The backend may return one cursor, or several (e.g. results and
// metadata), each tagged with extra fields which are passed through.
func (n *Node) search(ctx context.Context, args wire.Doc) (wire.Doc, error) {
	host := n.spec.Option(api.OptSearchHost, "")
	if host == "" {
		return nil, wire.Errorf(api.CodeCommandNotFound, "search is not configured on %s", n.addr)
	}

	coll := args.String("search")
	c, err := n.client(ctx, host)
	if err != nil {
		return nil, wire.Errorf(api.CodeHostUnreachable, "can't reach search backend %s: %v", host, err)
	}
	c = c.WithConnID(n.connID())

	res, err := c.Do(ctx, wire.Search{Collection: coll, Query: args.Doc("query")})
	if err != nil {
		return nil, err
	}

	return n.serveCursors(ctx, c, coll, res, args.Int("batchSize"))
}

// serveCursors drains every cursor of a remote reply, and serves the results
// from local cursors, keeping the extra fields of each.
func (n *Node) serveCursors(ctx context.Context, c *wire.Client, coll string, res wire.Doc, batchSize int) (wire.Doc, error) {
	out := []any{}
	for _, cr := range wire.ParseCursors(res) {
		docs := cr.Batch
		extra := cr.Extra
		for !cr.Exhausted() {
			id := cr.ID
			more, err := c.Do(ctx, wire.GetMore{CursorID: id, Collection: coll})
			if err != nil {
				return nil, err
			}

			cr = wire.ParseCursor(more)
			docs = append(docs, cr.Batch...)
			if cr.ID == id && len(cr.Batch) == 0 {
				return nil, wire.Errorf(api.CodeOperationFailed, "cursor %d returned an empty batch but isn't exhausted", id)
			}
		}

		out = append(out, wire.Doc{"cursor": n.curs.open(coll, docs, batchSize, extra)})
	}

	if len(out) == 1 {
		return out[0].(wire.Doc), nil
	}

	return wire.Doc{"cursors": out}, nil
}

func rangeArgs(args wire.Doc) keyspace.Range {
	return keyspace.Range{
		Start: keyspace.Key(args.String("min")),
		End:   keyspace.Key(args.String("max")),
	}
}

// checkMigrating refuses entries in a range which is migrating off this shard.
// Caller must hold writeMu.
func (n *Node) checkMigrating(es []entry) error {
	for _, e := range es {
		if isMetadataNS(e.NS) {
			continue
		}

		for _, r := range n.migrating {
			if r.Contains(keyspace.Key(e.Key)) {
				return wire.Errorf(api.CodeStaleConfig, "range %s is migrating off %s", r, n.addr)
			}
		}
	}

	return nil
}

// isMigrating returns true if the exact range is migrating. Caller must hold
// writeMu.
func (n *Node) isMigrating(r keyspace.Range) bool {
	for _, m := range n.migrating {
		if m.Start == r.Start && m.End == r.End {
			return true
		}
	}

	return false
}

// endMigration lets writes to the range through again.
func (n *Node) endMigration(r keyspace.Range) {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()

	out := n.migrating[:0]
	for _, m := range n.migrating {
		if m.Start != r.Start || m.End != r.End {
			out = append(out, m)
		}
	}

	n.migrating = out
}

// cloneRange returns every document in a range, for a migration. Writes to the
// range are refused from now until it's deleted or the migration is aborted.
func (n *Node) cloneRange(ctx context.Context, args wire.Doc) (wire.Doc, error) {
	if _, err := n.primaryTerm(); err != nil {
		return nil, err
	}

	r := rangeArgs(args)
	n.writeMu.Lock()
	if !n.isMigrating(r) {
		n.migrating = append(n.migrating, r)
	}
	es := n.store.inRange(r)
	n.writeMu.Unlock()

	docs := []any{}
	for _, e := range es {
		docs = append(docs, wire.Doc{"ns": e.NS, "k": e.Key, "o": e.Doc})
	}

	return wire.Doc{"docs": docs}, nil
}

func (n *Node) abortRangeMigration(ctx context.Context, args wire.Doc) (wire.Doc, error) {
	n.endMigration(rangeArgs(args))
	return wire.Doc{}, nil
}

// importRange writes the documents of a range which is migrating to this
// shard, and waits for a majority to have them.
func (n *Node) importRange(ctx context.Context, args wire.Doc) (wire.Doc, error) {
	es := []entry{}
	for _, d := range args.Docs("docs") {
		es = append(es, entry{Op: opInsert, NS: d.String("ns"), Key: d.String("k"), Doc: d.Doc("o")})
	}

	return n.writeEntries(args, es)
}

// deleteRange removes every document in a range which has migrated away.
func (n *Node) deleteRange(ctx context.Context, args wire.Doc) (wire.Doc, error) {
	r := rangeArgs(args)
	defer n.endMigration(r)

	es := []entry{}
	for _, e := range n.store.inRange(r) {
		es = append(es, entry{Op: opDelete, NS: e.NS, Key: e.Key})
	}

	return n.writeEntries(args, es)
}

func (n *Node) writeEntries(args wire.Doc, es []entry) (wire.Doc, error) {
	n.writeMu.Lock()
	term, err := n.primaryTerm()
	if err != nil {
		n.writeMu.Unlock()
		return nil, err
	}

	last, err := n.store.append(term, es...)
	n.writeMu.Unlock()
	if err != nil {
		return nil, wire.Errorf(api.CodeInternalError, "error writing: %v", err)
	}

	if err := n.awaitWriteConcern(last, wire.Majority()); err != nil {
		return nil, err
	}

	return wire.Doc{"n": len(es)}, nil
}
