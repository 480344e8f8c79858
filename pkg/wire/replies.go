package wire

import (
	"github.com/adammck/testrig/pkg/api"
)

// Typed views of command replies. Each keeps whatever it didn't decode in
// Extra, so callers can still get at fields which aren't modelled here.

type HelloReply struct {
	SetName           string
	IsWritablePrimary bool
	Secondary         bool
	Primary           string
	Me                string
	Hosts             []string
	Role              api.Role
	Term              int64
	ConfigVersion     int
	Extra             Doc
}

func ParseHello(d Doc) HelloReply {
	role, _ := api.ParseRole(d.String("role"))
	return HelloReply{
		SetName:           d.String("setName"),
		IsWritablePrimary: d.Bool("isWritablePrimary"),
		Secondary:         d.Bool("secondary"),
		Primary:           d.String("primary"),
		Me:                d.String("me"),
		Hosts:             d.Strings("hosts"),
		Role:              role,
		Term:              d.Int64("term"),
		ConfigVersion:     d.Int("configVersion"),
		Extra:             d.Without("ok", "setName", "isWritablePrimary", "secondary", "primary", "me", "hosts", "role", "term", "configVersion"),
	}
}

// OpTime is a position in a replication log.
type OpTime struct {
	Term  int64
	Index int64
}

// Less orders optimes by term then index.
func (o OpTime) Less(other OpTime) bool {
	if o.Term != other.Term {
		return o.Term < other.Term
	}

	return o.Index < other.Index
}

func (o OpTime) ToDoc() Doc {
	return Doc{"t": o.Term, "i": o.Index}
}

func ParseOpTime(d Doc) OpTime {
	return OpTime{Term: d.Int64("t"), Index: d.Int64("i")}
}

type MemberStatus struct {
	ID            int
	Name          string
	State         api.MemberState
	Healthy       bool
	OpTime        OpTime
	ConfigVersion int
	Self          bool
	Extra         Doc
}

type ReplStatus struct {
	Set           string
	Term          int64
	MyState       api.MemberState
	ConfigVersion int
	Members       []MemberStatus
	Extra         Doc
}

// Primary returns the name of the member which is primary, if any.
func (rs ReplStatus) Primary() (string, bool) {
	for _, m := range rs.Members {
		if m.State == api.MsPrimary {
			return m.Name, true
		}
	}

	return "", false
}

func ParseReplStatus(d Doc) ReplStatus {
	rs := ReplStatus{
		Set:           d.String("set"),
		Term:          d.Int64("term"),
		MyState:       api.ParseMemberState(d.String("myState")),
		ConfigVersion: d.Int("configVersion"),
		Extra:         d.Without("ok", "set", "term", "myState", "configVersion", "members"),
	}

	for _, md := range d.Docs("members") {
		rs.Members = append(rs.Members, MemberStatus{
			ID:            md.Int("_id"),
			Name:          md.String("name"),
			State:         api.ParseMemberState(md.String("stateStr")),
			Healthy:       md.Bool("health"),
			OpTime:        ParseOpTime(md.Doc("optime")),
			ConfigVersion: md.Int("configVersion"),
			Self:          md.Bool("self"),
			Extra:         md.Without("_id", "name", "stateStr", "health", "optime", "configVersion", "self"),
		})
	}

	return rs
}

// CursorReply is one cursor's worth of a find, getMore or search reply.
type CursorReply struct {
	ID    int64
	NS    string
	Batch []Doc
	Extra Doc
}

// Exhausted returns true if there's nothing more to get.
func (cr CursorReply) Exhausted() bool {
	return cr.ID == 0
}

// ParseCursor reads the "cursor" field of a reply.
func ParseCursor(d Doc) CursorReply {
	return parseCursorDoc(d.Doc("cursor"))
}

func parseCursorDoc(c Doc) CursorReply {
	batch := c.Docs("firstBatch")
	if !c.Has("firstBatch") {
		batch = c.Docs("nextBatch")
	}

	return CursorReply{
		ID:    c.Int64("id"),
		NS:    c.String("ns"),
		Batch: batch,
		Extra: c.Without("id", "ns", "firstBatch", "nextBatch"),
	}
}

// ParseCursors reads a reply which may hold several cursors under "cursors",
// or a single one under "cursor".
func ParseCursors(d Doc) []CursorReply {
	if !d.Has("cursors") {
		return []CursorReply{ParseCursor(d)}
	}

	var out []CursorReply
	for _, cd := range d.Docs("cursors") {
		out = append(out, ParseCursor(cd))
	}

	return out
}

// CursorDoc renders a cursor for a reply. first selects firstBatch (for the
// initial reply) rather than nextBatch.
func CursorDoc(id int64, ns string, batch []Doc, first bool) Doc {
	key := "nextBatch"
	if first {
		key = "firstBatch"
	}

	arr := make([]any, len(batch))
	for i := range batch {
		arr[i] = batch[i]
	}

	return Doc{"id": id, "ns": ns, key: arr}
}

type FailPointReply struct {
	Count int64
	Extra Doc
}

func ParseFailPoint(d Doc) FailPointReply {
	return FailPointReply{
		Count: d.Int64("count"),
		Extra: d.Without("ok", "count"),
	}
}

type CurrentOpReply struct {
	InProgress []Doc
}

func ParseCurrentOp(d Doc) CurrentOpReply {
	return CurrentOpReply{InProgress: d.Docs("inprog")}
}

type DBHashReply struct {
	Hash        string
	Collections map[string]string
	Extra       Doc
}

func ParseDBHash(d Doc) DBHashReply {
	out := DBHashReply{
		Hash:        d.String("hash"),
		Collections: map[string]string{},
		Extra:       d.Without("ok", "hash", "collections"),
	}

	for k := range d.Doc("collections") {
		out.Collections[k] = d.Doc("collections").String(k)
	}

	return out
}

// Drain states reported by removeShard.
const (
	DrainStarted   = "started"
	DrainOngoing   = "ongoing"
	DrainCompleted = "completed"
)

type RemoveShardReply struct {
	Shard     api.ShardID
	State     string
	Remaining int
	Extra     Doc
}

func ParseRemoveShard(d Doc) RemoveShardReply {
	return RemoveShardReply{
		Shard:     api.ShardID(d.String("shard")),
		State:     d.String("state"),
		Remaining: d.Doc("remaining").Int("ranges"),
		Extra:     d.Without("ok", "shard", "state", "remaining"),
	}
}

type ShardInfo struct {
	Name     api.ShardID
	SetName  string
	Hosts    []string
	Draining bool
}

func ParseShards(d Doc) []ShardInfo {
	var out []ShardInfo
	for _, sd := range d.Docs("shards") {
		name, hosts := ParseSeedList(sd.String("host"))
		out = append(out, ShardInfo{
			Name:     api.ShardID(sd.String("_id")),
			SetName:  name,
			Hosts:    hosts,
			Draining: sd.Bool("draining"),
		})
	}

	return out
}

// RangeInfo is one entry of a getDistribution reply. Empty Min and Max are the
// ends of the keyspace.
type RangeInfo struct {
	Min   string
	Max   string
	Shard api.ShardID
}

func ParseDistribution(d Doc) (ranges []RangeInfo, version int64) {
	for _, rd := range d.Docs("ranges") {
		ranges = append(ranges, RangeInfo{
			Min:   rd.String("min"),
			Max:   rd.String("max"),
			Shard: api.ShardID(rd.String("shard")),
		})
	}

	return ranges, d.Int64("version")
}

// WriteReply is the reply to insert, update and delete. Per-statement errors
// and write concern failures are reported in-band, with ok: true.
type WriteReply struct {
	N                 int
	NModified         int
	Retried           bool
	WriteErrors       []Doc
	WriteConcernError Doc
	Extra             Doc
}

func ParseWrite(d Doc) WriteReply {
	return WriteReply{
		N:                 d.Int("n"),
		NModified:         d.Int("nModified"),
		Retried:           d.Bool("retriedStmt"),
		WriteErrors:       d.Docs("writeErrors"),
		WriteConcernError: d.Doc("writeConcernError"),
		Extra:             d.Without("ok", "n", "nModified", "retriedStmt", "writeErrors", "writeConcernError"),
	}
}

// Err returns the first write error (or else the write concern error) as a
// CommandError, or nil if the write fully succeeded.
func (wr WriteReply) Err(node, command string) error {
	var d Doc
	if len(wr.WriteErrors) > 0 {
		d = wr.WriteErrors[0]
	} else if wr.WriteConcernError != nil {
		d = wr.WriteConcernError
	} else {
		return nil
	}

	return &api.CommandError{
		Node:     node,
		Command:  command,
		Code:     d.Int("code"),
		CodeName: api.CodeName(d.Int("code")),
		Message:  d.String("errmsg"),
	}
}

// WriteError renders a per-statement error.
func WriteError(index, code int, msg string) Doc {
	return Doc{
		"index":    index,
		"code":     code,
		"codeName": api.CodeName(code),
		"errmsg":   msg,
	}
}
