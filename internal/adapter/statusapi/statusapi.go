// Package statusapi serves a small JSON status document over HTTP, the
// cross-process feed loginproxy-top polls since the TUI runs as its own
// binary with no access to the daemon's in-memory Manager/DestRegistry.
package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/thushan/loginproxy/internal/adapter/proxy"
	"github.com/thushan/loginproxy/internal/core/domain"
)

// Document is the wire shape served at /status.
type Document struct {
	Pending       int                `json:"pending"`
	Detached      int                `json:"detached"`
	Disconnecting int                `json:"disconnecting"`
	Destinations  []DestinationState `json:"destinations"`
}

// DestinationState reports one backend's health counters.
type DestinationState struct {
	Address     string     `json:"address"`
	Status      string     `json:"status"`
	Waiting     int64      `json:"waiting"`
	Proxying    int64      `json:"proxying"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	LastFailure *time.Time `json:"last_failure,omitempty"`
}

// Server bundles the collaborators a status request reads from.
type Server struct {
	manager  *proxy.Manager
	registry *domain.DestRegistry
}

// New wraps the daemon's manager and destination registry for polling.
func New(manager *proxy.Manager, registry *domain.DestRegistry) *Server {
	return &Server{manager: manager, registry: registry}
}

func statusLabel(s domain.DestStatus) string {
	switch s {
	case domain.DestStatusHealthy:
		return "healthy"
	case domain.DestStatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snap := s.manager.Snapshot()
	doc := Document{
		Pending:       snap.Pending,
		Detached:      snap.Detached,
		Disconnecting: snap.Disconnecting,
	}
	for _, rec := range s.registry.Snapshot() {
		state := DestinationState{
			Address:  rec.String(),
			Status:   statusLabel(rec.Status()),
			Waiting:  rec.NumWaitingConnections(),
			Proxying: rec.NumProxyingConnections(),
		}
		if t := rec.LastSuccess(); !t.IsZero() {
			state.LastSuccess = &t
		}
		if t := rec.LastFailure(); !t.IsZero() {
			state.LastFailure = &t
		}
		doc.Destinations = append(doc.Destinations, state)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

// Serve runs the status endpoint until ctx is cancelled, mirroring how
// Registry.Serve runs the metrics endpoint.
func (s *Server) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/status", s)

	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
