package debug

import (
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/adammck/testrig/pkg/topology"
	"github.com/go-chi/chi/v5"
)

type nodeInfo struct {
	ID      string    `json:"id"`
	Role    string    `json:"role"`
	Group   string    `json:"group,omitempty"`
	Addr    string    `json:"addr"`
	Alive   bool      `json:"alive"`
	DataDir string    `json:"dataDir,omitempty"`
	Started time.Time `json:"started"`
}

type memberInfo struct {
	ID    string `json:"id"`
	Addr  string `json:"addr"`
	Alive bool   `json:"alive"`
	State string `json:"state,omitempty"`
}

type groupInfo struct {
	Name          string       `json:"name"`
	Role          string       `json:"role"`
	State         string       `json:"state"`
	Primary       string       `json:"primary,omitempty"`
	ConfigVersion int          `json:"configVersion,omitempty"`
	Members       []memberInfo `json:"members"`
}

type rangeInfo struct {
	Ident int    `json:"ident"`
	Start string `json:"start"`
	End   string `json:"end"`
	Shard string `json:"shard"`
}

type taskInfo struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
	Elapsed string `json:"elapsed"`
	Error   string `json:"error,omitempty"`
}

type failPointInfo struct {
	Name   string `json:"name"`
	Target string `json:"target"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"cluster": s.c.Name(), "status": "ok"})
}

func (s *Server) nodes(w http.ResponseWriter, r *http.Request) {
	out := []nodeInfo{}
	for _, h := range s.c.Sup.Handles() {
		spec := h.Spec()
		out = append(out, nodeInfo{
			ID:      string(h.ID()),
			Role:    spec.Role.String(),
			Group:   spec.Group,
			Addr:    h.Addr(),
			Alive:   h.Alive(),
			DataDir: h.DataDir(),
			Started: h.Started(),
		})
	}

	writeJSON(w, http.StatusOK, out)
}

func members(g *topology.Group) []memberInfo {
	out := []memberInfo{}
	for _, n := range g.Members() {
		out = append(out, memberInfo{
			ID:    string(n.ID()),
			Addr:  n.Addr(),
			Alive: n.Alive(),
		})
	}

	return out
}

func (s *Server) groups(w http.ResponseWriter, r *http.Request) {
	out := []groupInfo{}
	for _, g := range s.c.Topo.Groups() {
		out = append(out, groupInfo{
			Name:    g.Name(),
			Role:    g.Role().String(),
			State:   g.State().String(),
			Members: members(g),
		})
	}

	writeJSON(w, http.StatusOK, out)
}

// group asks the servers for the replication status of one group, so it's
// slower than the others and might fail.
func (s *Server) group(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	g, ok := s.c.Topo.Group(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no such group: %s", name))
		return
	}

	out := groupInfo{
		Name:    g.Name(),
		Role:    g.Role().String(),
		State:   g.State().String(),
		Members: members(g),
	}

	st, err := s.c.Topo.Status(r.Context(), g)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}

	out.ConfigVersion = st.ConfigVersion
	out.Primary, _ = st.Primary()

	states := map[string]string{}
	for _, m := range st.Members {
		states[m.Name] = m.State.String()
	}
	for i := range out.Members {
		out.Members[i].State = states[out.Members[i].Addr]
	}

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) distribution(w http.ResponseWriter, r *http.Request) {
	if !s.c.Descriptor().Sharded() {
		writeError(w, http.StatusNotFound, fmt.Errorf("cluster %s isn't sharded", s.c.Name()))
		return
	}

	d, err := s.c.Topo.Distribution(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}

	out := []rangeInfo{}
	for _, rr := range d.Snapshot() {
		out = append(out, rangeInfo{
			Ident: rr.Ident,
			Start: string(rr.Start),
			End:   string(rr.End),
			Shard: string(rr.Shard),
		})
	}

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) tasks(w http.ResponseWriter, r *http.Request) {
	out := []taskInfo{}
	for _, t := range s.c.Tasks.Tasks() {
		ti := taskInfo{
			Name:    t.Name(),
			Running: t.Running(),
			Elapsed: t.Elapsed().String(),
		}

		if !ti.Running {
			if _, err := t.Result(); err != nil {
				ti.Error = err.Error()
			}
		}

		out = append(out, ti)
	}

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) failpoints(w http.ResponseWriter, r *http.Request) {
	out := []failPointInfo{}
	for _, g := range s.c.FailPoints.Outstanding() {
		out = append(out, failPointInfo{
			Name:   g.Name(),
			Target: string(g.Target().ID()),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Target != out[j].Target {
			return out[i].Target < out[j].Target
		}
		return out[i].Name < out[j].Name
	})

	writeJSON(w, http.StatusOK, out)
}
