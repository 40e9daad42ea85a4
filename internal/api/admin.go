// Package api is the sandbox admin HTTP interface: cluster status and
// fault injection for individual nodes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/bit2swaz/syncprobe/internal/cluster"
)

type Server struct {
	cluster *cluster.Cluster
	port    int
	http    *http.Server
}

func NewServer(c *cluster.Cluster, port int) *Server {
	s := &Server{cluster: c, port: port}
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /nodes/{id}/{action}", s.handleNodeAction)
	return mux
}

// Serve blocks until the listener fails or Shutdown is called.
func (s *Server) Serve(l net.Listener) error {
	slog.Info("Starting admin HTTP server", "addr", l.Addr().String())
	if err := s.http.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin server failed: %w", err)
	}
	return nil
}

func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.http.Addr, err)
	}
	return s.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type statusResponse struct {
	Leader string               `json:"leader"`
	Nodes  []cluster.NodeStatus `json:"nodes"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Nodes: s.cluster.Status()}
	if leader := s.cluster.Leader(); leader != nil {
		resp.Leader = leader.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleNodeAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	action := r.PathValue("action")

	var op func(string) error
	switch action {
	case "pause":
		op = s.cluster.Pause
	case "resume":
		op = s.cluster.Resume
	case "isolate":
		op = s.cluster.Isolate
	case "heal":
		op = s.cluster.Heal
	default:
		http.Error(w, "unknown action "+action, http.StatusNotFound)
		return
	}

	if err := op(id); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, cluster.ErrUnknownNode) {
			status = http.StatusNotFound
		}
		slog.Error("Node action failed", "node", id, "action", action, "error", err)
		http.Error(w, err.Error(), status)
		return
	}

	slog.Info("Node action applied", "node", id, "action", action)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "node": id, "action": action})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}
