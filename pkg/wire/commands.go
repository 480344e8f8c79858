package wire

import (
	"time"

	"github.com/adammck/testrig/pkg/api"
)

// Command is anything which can be sent with Client.Do. The typed commands in
// this file cover what the harness itself sends; tests can send anything else
// with Raw. Every typed command has an Extra bucket, whose fields are sent
// as-is unless they collide with a typed field.
type Command interface {
	Command() (name string, args Doc)
}

// Raw is an untyped command.
type Raw struct {
	Name string
	Args Doc
}

func (c Raw) Command() (string, Doc) {
	return c.Name, c.Args
}

func build(name string, value any, args Doc, extra Doc) (string, Doc) {
	if args == nil {
		args = Doc{}
	}

	args[name] = value
	return name, args.Merge(extra)
}

// Session identifies a logical session, so that a retried write with the same
// TxnNumber is applied at most once.
type Session struct {
	LSID      string
	TxnNumber int64
}

func (s *Session) apply(args Doc) {
	if s == nil || s.LSID == "" {
		return
	}

	args["lsid"] = Doc{"id": s.LSID}
	args["txnNumber"] = s.TxnNumber
}

// ParseSession reads the session fields from command args, or returns nil.
func ParseSession(args Doc) *Session {
	lsid := args.Doc("lsid").String("id")
	if lsid == "" {
		return nil
	}

	return &Session{LSID: lsid, TxnNumber: args.Int64("txnNumber")}
}

// WriteConcern says how many members must have a write before it's
// acknowledged. The zero value means one (the primary).
type WriteConcern struct {
	W        int
	Majority bool
	Timeout  time.Duration
}

func Majority() WriteConcern {
	return WriteConcern{Majority: true}
}

func (wc WriteConcern) IsZero() bool {
	return wc.W == 0 && !wc.Majority && wc.Timeout == 0
}

func (wc WriteConcern) ToDoc() Doc {
	d := Doc{}
	if wc.Majority {
		d["w"] = "majority"
	} else if wc.W > 0 {
		d["w"] = wc.W
	} else {
		d["w"] = 1
	}

	if wc.Timeout > 0 {
		d["wtimeout"] = wc.Timeout
	}

	return d
}

func ParseWriteConcern(d Doc) WriteConcern {
	if d == nil {
		return WriteConcern{}
	}

	wc := WriteConcern{Timeout: d.Duration("wtimeout")}
	if s, ok := d["w"].(string); ok && s == "majority" {
		wc.Majority = true
	} else {
		wc.W = d.Int("w")
	}

	return wc
}

type Hello struct {
	Extra Doc
}

func (c Hello) Command() (string, Doc) {
	return build("hello", 1, nil, c.Extra)
}

type ReplSetInitiate struct {
	Config GroupConfig
	Extra  Doc
}

func (c ReplSetInitiate) Command() (string, Doc) {
	return build("replSetInitiate", c.Config.ToDoc(), nil, c.Extra)
}

type ReplSetReconfig struct {
	Config GroupConfig
	Force  bool
	Extra  Doc
}

func (c ReplSetReconfig) Command() (string, Doc) {
	return build("replSetReconfig", c.Config.ToDoc(), Doc{"force": c.Force}, c.Extra)
}

type ReplSetGetStatus struct {
	Extra Doc
}

func (c ReplSetGetStatus) Command() (string, Doc) {
	return build("replSetGetStatus", 1, nil, c.Extra)
}

type ReplSetGetConfig struct {
	Extra Doc
}

func (c ReplSetGetConfig) Command() (string, Doc) {
	return build("replSetGetConfig", 1, nil, c.Extra)
}

// ReplSetStepDown asks the primary to become a secondary, and not to stand for
// election for the given period.
type ReplSetStepDown struct {
	Period time.Duration
	Force  bool
	Extra  Doc
}

func (c ReplSetStepDown) Command() (string, Doc) {
	secs := int(c.Period / time.Second)
	if secs < 1 {
		secs = 1
	}

	return build("replSetStepDown", secs, Doc{"force": c.Force}, c.Extra)
}

type ReplSetStepUp struct {
	Extra Doc
}

func (c ReplSetStepUp) Command() (string, Doc) {
	return build("replSetStepUp", 1, nil, c.Extra)
}

type ConfigureFailPoint struct {
	Name  string
	Mode  api.FailPointMode
	Data  Doc
	Extra Doc
}

func (c ConfigureFailPoint) Command() (string, Doc) {
	args := Doc{"mode": FailPointModeValue(c.Mode)}
	if c.Data != nil {
		args["data"] = c.Data
	}

	return build("configureFailPoint", c.Name, args, c.Extra)
}

// FailPointModeValue renders a mode the way configureFailPoint expects it.
func FailPointModeValue(m api.FailPointMode) any {
	switch m.Kind {
	case api.FpAlwaysOn:
		return "alwaysOn"
	case api.FpTimes:
		return Doc{"times": m.Times}
	case api.FpRandom:
		return Doc{"activationProbability": m.Probability}
	}

	return "off"
}

// ParseFailPointMode is the inverse of FailPointModeValue.
func ParseFailPointMode(v any) (api.FailPointMode, bool) {
	switch vv := v.(type) {
	case string:
		switch vv {
		case "off":
			return api.Off(), true
		case "alwaysOn":
			return api.AlwaysOn(), true
		}
	case Doc, map[string]any:
		d := AsDoc(vv)
		if d.Has("times") {
			return api.Times(d.Int("times")), true
		}
		if d.Has("activationProbability") {
			return api.Random(d.Float("activationProbability")), true
		}
	}

	return api.FailPointMode{}, false
}

type WaitForFailPoint struct {
	Name         string
	TimesEntered int64
	MaxTime      time.Duration
	Extra        Doc
}

func (c WaitForFailPoint) Command() (string, Doc) {
	args := Doc{
		"timesEntered": c.TimesEntered,
		"maxTimeMS":    c.MaxTime,
	}

	return build("waitForFailPoint", c.Name, args, c.Extra)
}

// CurrentOp lists in-progress operations. Every field of Filter must equal the
// corresponding (possibly dotted) field of an op for it to be included.
type CurrentOp struct {
	Filter Doc
	Extra  Doc
}

func (c CurrentOp) Command() (string, Doc) {
	args := Doc{}
	for k, v := range c.Filter {
		args[k] = v
	}

	return build("currentOp", 1, args, c.Extra)
}

type DBHash struct {
	Extra Doc
}

func (c DBHash) Command() (string, Doc) {
	return build("dbHash", 1, nil, c.Extra)
}

type AddShard struct {
	Name    api.ShardID
	SetName string
	Hosts   []string
	Extra   Doc
}

func (c AddShard) Command() (string, Doc) {
	args := Doc{}
	if c.Name != api.ZeroShard {
		args["name"] = string(c.Name)
	}

	return build("addShard", SeedList(c.SetName, c.Hosts), args, c.Extra)
}

type RemoveShard struct {
	Name  api.ShardID
	Extra Doc
}

func (c RemoveShard) Command() (string, Doc) {
	return build("removeShard", string(c.Name), nil, c.Extra)
}

type ListShards struct {
	Extra Doc
}

func (c ListShards) Command() (string, Doc) {
	return build("listShards", 1, nil, c.Extra)
}

// Split divides the range containing Middle into two, at Middle.
type Split struct {
	Middle string
	Extra  Doc
}

func (c Split) Command() (string, Doc) {
	return build("split", 1, Doc{"middle": c.Middle}, c.Extra)
}

// MoveRange migrates the range starting at Min to another shard.
type MoveRange struct {
	Min     string
	ToShard api.ShardID
	Extra   Doc
}

func (c MoveRange) Command() (string, Doc) {
	return build("moveRange", 1, Doc{"min": c.Min, "toShard": string(c.ToShard)}, c.Extra)
}

type GetDistribution struct {
	Extra Doc
}

func (c GetDistribution) Command() (string, Doc) {
	return build("getDistribution", 1, nil, c.Extra)
}

// TransitionFromDedicatedConfigServer makes the metadata group also a data
// shard, named api.ConfigShard.
type TransitionFromDedicatedConfigServer struct {
	Extra Doc
}

func (c TransitionFromDedicatedConfigServer) Command() (string, Doc) {
	return build("transitionFromDedicatedConfigServer", 1, nil, c.Extra)
}

// TransitionToDedicatedConfigServer drains the config shard. Like removeShard,
// it must be repeated until it reports completed.
type TransitionToDedicatedConfigServer struct {
	Extra Doc
}

func (c TransitionToDedicatedConfigServer) Command() (string, Doc) {
	return build("transitionToDedicatedConfigServer", 1, nil, c.Extra)
}

type Insert struct {
	Collection   string
	Documents    []Doc
	WriteConcern WriteConcern
	Session      *Session
	Extra        Doc
}

func (c Insert) Command() (string, Doc) {
	args := Doc{"documents": c.Documents}
	writeOpts(args, c.WriteConcern, c.Session)
	return build("insert", c.Collection, args, c.Extra)
}

// UpdateSpec is one statement of an update. Update is a set of fields to
// overwrite in the matched document.
type UpdateSpec struct {
	Query  Doc
	Update Doc
	Upsert bool
}

type Update struct {
	Collection   string
	Updates      []UpdateSpec
	WriteConcern WriteConcern
	Session      *Session
	Extra        Doc
}

func (c Update) Command() (string, Doc) {
	updates := make([]any, len(c.Updates))
	for i, u := range c.Updates {
		updates[i] = Doc{"q": u.Query, "u": u.Update, "upsert": u.Upsert}
	}

	args := Doc{"updates": updates}
	writeOpts(args, c.WriteConcern, c.Session)
	return build("update", c.Collection, args, c.Extra)
}

type Delete struct {
	Collection   string
	Deletes      []Doc
	WriteConcern WriteConcern
	Session      *Session
	Extra        Doc
}

func (c Delete) Command() (string, Doc) {
	deletes := make([]any, len(c.Deletes))
	for i, q := range c.Deletes {
		deletes[i] = Doc{"q": q}
	}

	args := Doc{"deletes": deletes}
	writeOpts(args, c.WriteConcern, c.Session)
	return build("delete", c.Collection, args, c.Extra)
}

func writeOpts(args Doc, wc WriteConcern, s *Session) {
	if !wc.IsZero() {
		args["writeConcern"] = wc.ToDoc()
	}
	s.apply(args)
}

type Find struct {
	Collection  string
	Filter      Doc
	BatchSize   int
	SecondaryOK bool
	Extra       Doc
}

func (c Find) Command() (string, Doc) {
	args := Doc{}
	if c.Filter != nil {
		args["filter"] = c.Filter
	}
	if c.BatchSize > 0 {
		args["batchSize"] = c.BatchSize
	}
	if c.SecondaryOK {
		args["secondaryOk"] = true
	}

	return build("find", c.Collection, args, c.Extra)
}

type GetMore struct {
	CursorID   int64
	Collection string
	BatchSize  int
	Extra      Doc
}

func (c GetMore) Command() (string, Doc) {
	args := Doc{"collection": c.Collection}
	if c.BatchSize > 0 {
		args["batchSize"] = c.BatchSize
	}

	return build("getMore", c.CursorID, args, c.Extra)
}

type KillCursors struct {
	Collection string
	Cursors    []int64
	Extra      Doc
}

func (c KillCursors) Command() (string, Doc) {
	return build("killCursors", c.Collection, Doc{"cursors": c.Cursors}, c.Extra)
}

type Count struct {
	Collection string
	Query      Doc
	Extra      Doc
}

func (c Count) Command() (string, Doc) {
	args := Doc{}
	if c.Query != nil {
		args["query"] = c.Query
	}

	return build("count", c.Collection, args, c.Extra)
}

// Search runs a query against the external search backend, via the server.
type Search struct {
	Collection string
	Query      Doc
	Extra      Doc
}

func (c Search) Command() (string, Doc) {
	return build("search", c.Collection, Doc{"query": c.Query}, c.Extra)
}

type Shutdown struct {
	Force bool
	Extra Doc
}

func (c Shutdown) Command() (string, Doc) {
	return build("shutdown", 1, Doc{"force": c.Force}, c.Extra)
}
