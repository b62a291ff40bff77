package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"time"
)

// errorResponse is the consistent error format.
type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (g *Gateway) writeError(w http.ResponseWriter, msg string, code int) {
	var resp errorResponse
	resp.Error.Message = msg
	resp.Error.Code = code
	g.writeJSON(w, code, resp)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleRoot implements GET/HEAD / for uptime pingers.
func (g *Gateway) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		g.writeError(w, "not found", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"message": "mwaai is running"})
}

// handleHealth implements GET /health.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := "ok"
	chans := make(map[string]string)
	if g.health != nil {
		for name, st := range g.health.Health() {
			if st.Connected {
				chans[name] = "connected"
			} else {
				chans[name] = "disconnected"
				status = "degraded"
			}
		}
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"status":   status,
		"uptime":   time.Since(g.startedAt).Round(time.Second).String(),
		"channels": chans,
	})
}

// handleWebhook implements GET /webhook (verification) and POST /webhook
// (notifications).
func (g *Gateway) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if g.webhook == nil {
		g.writeError(w, "webhook channel not configured", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		challenge, ok := g.webhook.VerifyWebhook(q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge"))
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if !ok {
			w.WriteHeader(http.StatusForbidden)
			io.WriteString(w, "Forbidden")
			return
		}
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, challenge)

	case http.MethodPost:
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, g.config.MaxBodyBytes))
		if err != nil {
			g.writeError(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		if err := g.webhook.HandleWebhook(r.Context(), body); err != nil {
			g.logger.Warn("webhook rejected", "error", err)
			g.writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		g.writeJSON(w, http.StatusOK, map[string]string{"status": "received"})

	default:
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
