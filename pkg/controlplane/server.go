package controlplane

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/zoff-tech/invoice-processor/pkg/config"
	"github.com/zoff-tech/invoice-processor/pkg/processor"
)

// Configs is the part of the configuration store the control plane reads and reloads.
type Configs interface {
	Current() config.Settings
	Reload() error
}

// Stats exposes the latest committed cycle snapshot.
type Stats interface {
	Stats() processor.CycleStats
}

// Server answers the operational endpoints. Every request only touches the config and
// stats snapshots, so handlers never wait on a running cycle.
type Server struct {
	configs Configs
	stats   Stats
}

func NewServer(configs Configs, stats Stats) *Server {
	return &Server{configs: configs, stats: stats}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("control plane handler panicked", "path", r.URL.Path, "panic", rec)
			writeText(w, http.StatusInternalServerError, "Internal Server Error")
		}
	}()

	switch r.URL.Path {
	case "/health":
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		writeText(w, http.StatusOK, "OK")
	case "/config":
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		writeJSON(w, http.StatusOK, s.configs.Current().Sanitized())
	case "/stats":
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		writeJSON(w, http.StatusOK, s.stats.Stats())
	case "/config/reload":
		if !allowMethod(w, r, http.MethodPost) {
			return
		}
		s.handleReload(w, r)
	default:
		writeText(w, http.StatusNotFound, "Not Found")
	}
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.configs.Reload(); err != nil {
		slog.Warn("reload requested over http failed", "remote", r.RemoteAddr, "error", err)
		writeText(w, http.StatusInternalServerError, "reload failed: "+err.Error())
		return
	}
	writeText(w, http.StatusOK, "reloaded")
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	writeText(w, http.StatusMethodNotAllowed, "Method Not Allowed")
	return false
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
