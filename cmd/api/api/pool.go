package api

import (
	"encoding/json"
	"net/http"

	"github.com/openmux/browsermux/lib/logger"
	"github.com/openmux/browsermux/lib/pool"
)

// StartBrowser asks the upstream pool for a fresh browser and returns its
// token once the CDP endpoint actually accepts websocket connections.
func (s *ApiService) StartBrowser(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	token, err := s.pool.Start(r.Context())
	if err != nil {
		log.Error("pool start failed", "err", err)
		writeJSON(w, http.StatusBadGateway, map[string]any{"success": false, "message": err.Error()})
		return
	}
	if !pool.IsWebSocketAvailable(s.cfg.BrowserEndpoint(token)) {
		log.Warn("browser started but endpoint not reachable yet", "token", token)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    map[string]any{"token": token},
	})
}

// StopBrowser shuts a browser down, refusing while any client is still
// attached to its session.
func (s *ApiService) StopBrowser(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Token == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "token is required"})
		return
	}

	if sess := s.registry.GetSessionByToken(body.Token); sess != nil && sess.ClientCount() > 0 {
		writeJSON(w, http.StatusConflict, map[string]any{
			"success": false,
			"message": "browser session still has attached clients",
		})
		return
	}

	if err := s.pool.Stop(r.Context(), body.Token); err != nil {
		log.Error("pool stop failed", "err", err, "token", body.Token)
		writeJSON(w, http.StatusBadGateway, map[string]any{"success": false, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// ListBrowsers returns the tokens of all running browsers.
func (s *ApiService) ListBrowsers(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	browsers, err := s.pool.List(r.Context())
	if err != nil {
		log.Error("pool list failed", "err", err)
		writeJSON(w, http.StatusBadGateway, map[string]any{"success": false, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    map[string]any{"browsers": browsers},
	})
}
