// Package server exposes the monitor state over a local HTTP endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/iyulab/plcguard/internal/detect"
	"github.com/iyulab/plcguard/internal/mapmon"
)

// MonitorStatus describes one monitor. Idle marks an enabled monitor with
// nothing to watch on this host.
type MonitorStatus struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	Running bool   `json:"running"`
	Idle    bool   `json:"idle,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Status is the /state document.
type Status struct {
	Version      string          `json:"version"`
	Host         string          `json:"host"`
	SoC          string          `json:"soc"`
	MapMode      string          `json:"map_mode"`
	Monitors     []MonitorStatus `json:"monitors"`
	Breakpoints  int             `json:"breakpoints"`
	Watchpoints  int             `json:"watchpoints"`
	Detections   uint64          `json:"detections"`
	TrackedPages int             `json:"tracked_pages"`
}

// Healthy reports whether every enabled monitor is running without error.
func (s Status) Healthy() bool {
	for _, m := range s.Monitors {
		if !m.Enabled || m.Idle {
			continue
		}
		if !m.Running || m.Error != "" {
			return false
		}
	}
	return true
}

// Source supplies the data served. The orchestrator implements it.
type Source interface {
	Status() Status
	Records() []detect.Record
	Mappings() []mapmon.Page
}

// Server is a local read-only HTTP server.
type Server struct {
	src        Source
	httpServer *http.Server
}

// New creates a Server backed by src.
func New(src Source) *Server {
	return &Server{src: src}
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /state", s.handleState)
	mux.HandleFunc("GET /detections", s.handleDetections)
	mux.HandleFunc("GET /mappings", s.handleMappings)
	return mux
}

// Start begins listening on addr ("127.0.0.1:0" picks a free port).
// Returns the bound "host:port".
func (s *Server) Start(ctx context.Context, addr string) (string, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("listen: %w", err)
	}

	s.httpServer = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go s.httpServer.Serve(ln) //nolint:errcheck

	return ln.Addr().String(), nil
}

// Stop shuts the server down, waiting up to a second for open requests.
func (s *Server) Stop() {
	if s.httpServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.httpServer.Close()
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.src.Status().Healthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.src.Status())
}

// handleDetections serves the journal, optionally filtered by ?monitor=.
func (s *Server) handleDetections(w http.ResponseWriter, r *http.Request) {
	records := s.src.Records()
	if mon := r.URL.Query().Get("monitor"); mon != "" {
		filtered := records[:0]
		for _, rec := range records {
			if rec.Monitor == mon {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}
	if records == nil {
		records = []detect.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

// handleMappings serves the tracked pages, optionally filtered by ?pid=.
func (s *Server) handleMappings(w http.ResponseWriter, r *http.Request) {
	pages := s.src.Mappings()
	if q := r.URL.Query().Get("pid"); q != "" {
		pid, err := strconv.Atoi(q)
		if err != nil {
			http.Error(w, "pid must be a number", http.StatusBadRequest)
			return
		}
		filtered := pages[:0]
		for _, p := range pages {
			if p.PID == pid {
				filtered = append(filtered, p)
			}
		}
		pages = filtered
	}
	if pages == nil {
		pages = []mapmon.Page{}
	}
	writeJSON(w, http.StatusOK, pages)
}
