package debug

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/adammck/testrig/pkg/cluster"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server serves a read-only JSON view of a cluster over HTTP, for poking at a
// running harness by hand.
type Server struct {
	c *cluster.Cluster
}

func New(c *cluster.Cluster) *Server {
	return &Server{c: c}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.health)
	r.Get("/nodes", s.nodes)
	r.Get("/groups", s.groups)
	r.Get("/groups/{name}", s.group)
	r.Get("/distribution", s.distribution)
	r.Get("/tasks", s.tasks)
	r.Get("/failpoints", s.failpoints)

	return r
}

// ListenAndServe serves until the context is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		errs <- srv.ListenAndServe()
	}()

	log.Printf("debug server listening: %s", addr)

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(sctx); err != nil {
		return err
	}

	if err := <-errs; !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("error writing debug response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
