package wire

import (
	"fmt"
	"sort"
	"strings"
)

// MemberConfig is one entry in a replication group's membership.
type MemberConfig struct {
	ID       int
	Host     string
	Priority float64
	Votes    int
}

// Electable returns true if the member may become primary.
func (m MemberConfig) Electable() bool {
	return m.Priority > 0 && m.Votes > 0
}

// GroupConfig is the membership of a replication group, as sent with
// replSetInitiate and replSetReconfig.
type GroupConfig struct {
	Name         string
	Version      int
	ConfigServer bool
	Members      []MemberConfig
}

// NewGroupConfig returns a version-1 config with every host a voting,
// electable member, in the given order.
func NewGroupConfig(name string, hosts []string) GroupConfig {
	gc := GroupConfig{
		Name:    name,
		Version: 1,
		Members: make([]MemberConfig, len(hosts)),
	}

	for i, h := range hosts {
		gc.Members[i] = MemberConfig{ID: i, Host: h, Priority: 1, Votes: 1}
	}

	return gc
}

// Hosts returns the host of every member, in config order.
func (gc GroupConfig) Hosts() []string {
	out := make([]string, len(gc.Members))
	for i := range gc.Members {
		out[i] = gc.Members[i].Host
	}

	return out
}

// Member returns the member with the given host.
func (gc GroupConfig) Member(host string) (MemberConfig, bool) {
	for _, m := range gc.Members {
		if m.Host == host {
			return m, true
		}
	}

	return MemberConfig{}, false
}

// Voters returns the number of voting members.
func (gc GroupConfig) Voters() int {
	n := 0
	for _, m := range gc.Members {
		if m.Votes > 0 {
			n++
		}
	}

	return n
}

// Majority returns the number of votes needed to elect a primary or to commit
// a majority write.
func (gc GroupConfig) Majority() int {
	return gc.Voters()/2 + 1
}

// NextID returns a member id which isn't yet used.
func (gc GroupConfig) NextID() int {
	next := 0
	for _, m := range gc.Members {
		if m.ID >= next {
			next = m.ID + 1
		}
	}

	return next
}

// Validate returns an error if the config couldn't be installed.
func (gc GroupConfig) Validate() error {
	if gc.Name == "" {
		return fmt.Errorf("config has no set name")
	}

	if len(gc.Members) == 0 {
		return fmt.Errorf("config for %s has no members", gc.Name)
	}

	if gc.Voters() == 0 {
		return fmt.Errorf("config for %s has no voting members", gc.Name)
	}

	ids := map[int]struct{}{}
	hosts := map[string]struct{}{}
	for _, m := range gc.Members {
		if _, ok := ids[m.ID]; ok {
			return fmt.Errorf("duplicate member id %d in config for %s", m.ID, gc.Name)
		}
		if _, ok := hosts[m.Host]; ok {
			return fmt.Errorf("duplicate host %s in config for %s", m.Host, gc.Name)
		}
		ids[m.ID] = struct{}{}
		hosts[m.Host] = struct{}{}
	}

	return nil
}

func (gc GroupConfig) ToDoc() Doc {
	members := make([]any, len(gc.Members))
	for i, m := range gc.Members {
		members[i] = Doc{
			"_id":      m.ID,
			"host":     m.Host,
			"priority": m.Priority,
			"votes":    m.Votes,
		}
	}

	d := Doc{
		"_id":     gc.Name,
		"version": gc.Version,
		"members": members,
	}

	if gc.ConfigServer {
		d["configsvr"] = true
	}

	return d
}

// ParseGroupConfig reads a config doc. Members missing votes or priority get
// the server defaults of one.
func ParseGroupConfig(d Doc) GroupConfig {
	gc := GroupConfig{
		Name:         d.String("_id"),
		Version:      d.Int("version"),
		ConfigServer: d.Bool("configsvr"),
	}

	for _, md := range d.Docs("members") {
		m := MemberConfig{
			ID:       md.Int("_id"),
			Host:     md.String("host"),
			Priority: 1,
			Votes:    1,
		}
		if md.Has("priority") {
			m.Priority = md.Float("priority")
		}
		if md.Has("votes") {
			m.Votes = md.Int("votes")
		}
		gc.Members = append(gc.Members, m)
	}

	sort.SliceStable(gc.Members, func(i, j int) bool {
		return gc.Members[i].ID < gc.Members[j].ID
	})

	return gc
}

// ParseSeedList splits "name/host1,host2" into its parts.
func ParseSeedList(s string) (name string, hosts []string) {
	if n, rest, ok := strings.Cut(s, "/"); ok {
		name, s = n, rest
	}

	for _, h := range strings.Split(s, ",") {
		if h != "" {
			hosts = append(hosts, h)
		}
	}

	return name, hosts
}

// SeedList is the inverse of ParseSeedList.
func SeedList(name string, hosts []string) string {
	return name + "/" + strings.Join(hosts, ",")
}
