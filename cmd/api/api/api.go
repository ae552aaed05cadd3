// Package api is the client-facing surface: the websocket endpoint speaking
// the browser:* protocol, the pool management endpoints, and health.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/openmux/browsermux/cmd/config"
	"github.com/openmux/browsermux/lib/pool"
	"github.com/openmux/browsermux/lib/session"
)

type ApiService struct {
	cfg      *config.Config
	registry *session.Registry
	pool     *pool.Client
}

func New(cfg *config.Config, registry *session.Registry, poolClient *pool.Client) *ApiService {
	return &ApiService{
		cfg:      cfg,
		registry: registry,
		pool:     poolClient,
	}
}

// Register mounts all routes on r.
func (s *ApiService) Register(r chi.Router) {
	r.Get("/ws", s.HandleClientSocket)
	r.Post("/browsers/start", s.StartBrowser)
	r.Post("/browsers/stop", s.StopBrowser)
	r.Get("/browsers/list", s.ListBrowsers)
	r.Get("/health", s.Health)
}

func (s *ApiService) Health(w http.ResponseWriter, r *http.Request) {
	sessions, clients := s.registry.Counts()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": sessions,
		"clients":  clients,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
