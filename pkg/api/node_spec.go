package api

import (
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Options recognized by every launcher. Anything else in NodeSpec.Options is
// passed through to the server verbatim (as a tuning parameter).
const (
	OptDataDir      = "dbpath"
	OptPort         = "port"
	OptReplSet      = "replSet"
	OptSearchHost   = "searchHost"
	OptConfigDB     = "configdb"
	OptElectionMS   = "electionTimeoutMillis"
	OptHeartbeatMS  = "heartbeatIntervalMillis"
	OptEnableFailPt = "enableTestCommands"
)

// NodeSpec describes one server process. It's created when a topology is
// declared, and is never mutated once the process has started. A restart with
// different options takes a new NodeSpec; see WithOptions.
type NodeSpec struct {
	ID    NodeID `yaml:"id"`
	Role  Role   `yaml:"role"`
	Group string `yaml:"group"`

	// Host and Port may be left empty, in which case the supervisor assigns
	// them at start.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Durable nodes keep their data directory when stopped with preserveData,
	// so that a restart finds the same data. Ephemeral nodes never do.
	Durable bool `yaml:"durable"`

	Options map[string]string `yaml:"options"`
}

// Clone returns a deep copy of the spec.
func (ns NodeSpec) Clone() NodeSpec {
	out := ns
	out.Options = make(map[string]string, len(ns.Options))
	for k, v := range ns.Options {
		out.Options[k] = v
	}

	return out
}

// WithOptions returns a copy of the spec with the given options overlaid. An
// empty value removes the option.
func (ns NodeSpec) WithOptions(opts map[string]string) NodeSpec {
	out := ns.Clone()
	for k, v := range opts {
		if v == "" {
			delete(out.Options, k)
			continue
		}
		out.Options[k] = v
	}

	return out
}

// Option returns the value of the given option, or the default.
func (ns NodeSpec) Option(key, def string) string {
	if v, ok := ns.Options[key]; ok {
		return v
	}

	return def
}

// Addr returns the host:port of the node. Only meaningful once the port has
// been assigned.
func (ns NodeSpec) Addr() string {
	return Remote{Host: ns.Host, Port: ns.Port}.Addr()
}

// Args renders the spec as command-line flags, in a stable order. Options which
// aren't one of the recognized flags are passed as --setParameter k=v.
func (ns NodeSpec) Args() []string {
	args := []string{
		"--port", fmt.Sprint(ns.Port),
		"--bind_ip", ns.Host,
	}

	switch ns.Role {
	case RoleMetadata:
		args = append(args, "--configsvr")
	case RoleRouter:
		args = append(args, "--router")
	default:
		args = append(args, "--shardsvr")
	}

	if ns.Group != "" && ns.Role != RoleRouter {
		args = append(args, "--replSet", ns.Group)
	}

	keys := make([]string, 0, len(ns.Options))
	for k := range ns.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		switch k {
		case OptPort, OptReplSet:
			// Already rendered from the spec fields.
		case OptDataDir, OptSearchHost, OptConfigDB:
			args = append(args, "--"+k, ns.Options[k])
		default:
			args = append(args, "--setParameter", fmt.Sprintf("%s=%s", k, ns.Options[k]))
		}
	}

	return args
}

func (ns NodeSpec) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "{%s %s", ns.ID, ns.Role)
	if ns.Group != "" {
		fmt.Fprintf(&sb, " group=%s", ns.Group)
	}
	if ns.Port != 0 {
		fmt.Fprintf(&sb, " addr=%s", ns.Addr())
	}
	if ns.Durable {
		sb.WriteString(" durable")
	}
	sb.WriteString("}")
	return sb.String()
}

type paramFlag map[string]string

func (p paramFlag) String() string {
	return fmt.Sprint(map[string]string(p))
}

func (p paramFlag) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	p[k] = v
	return nil
}

// ParseArgs is the inverse of Args. The node id isn't part of the command line,
// so must be provided.
func ParseArgs(id NodeID, args []string) (NodeSpec, error) {
	ns := NodeSpec{
		ID:      id,
		Role:    RoleData,
		Options: map[string]string{},
	}

	params := paramFlag{}
	fs := flag.NewFlagSet(string(id), flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.IntVar(&ns.Port, "port", 0, "")
	fs.StringVar(&ns.Host, "bind_ip", "localhost", "")
	fs.StringVar(&ns.Group, "replSet", "", "")
	cfgsvr := fs.Bool("configsvr", false, "")
	router := fs.Bool("router", false, "")
	fs.Bool("shardsvr", false, "")
	dbpath := fs.String(OptDataDir, "", "")
	search := fs.String(OptSearchHost, "", "")
	configdb := fs.String(OptConfigDB, "", "")
	fs.Var(params, "setParameter", "")

	if err := fs.Parse(args); err != nil {
		return NodeSpec{}, err
	}

	if fs.NArg() > 0 {
		return NodeSpec{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	switch {
	case *cfgsvr && *router:
		return NodeSpec{}, fmt.Errorf("--configsvr and --router are exclusive")
	case *cfgsvr:
		ns.Role = RoleMetadata
	case *router:
		ns.Role = RoleRouter
	}

	for k, v := range map[string]string{
		OptDataDir:    *dbpath,
		OptSearchHost: *search,
		OptConfigDB:   *configdb,
	} {
		if v != "" {
			ns.Options[k] = v
		}
	}

	for k, v := range params {
		ns.Options[k] = v
	}

	ns.Durable = ns.Options[OptDataDir] != ""
	return ns, nil
}
