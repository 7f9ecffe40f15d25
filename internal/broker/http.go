package broker

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// NewMux returns the broker's HTTP surface: the WebSocket signaling endpoint
// plus the JSON side channel the viewer page polls.
func NewMux(h *Hub) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/ws", h)
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/model-status", h.handleModelStatus)
	mux.HandleFunc("/initialize-model", h.handleInitializeModelHTTP)
	return mux
}

// writeJSON writes a JSON response with permissive CORS headers. The side
// channel is consumed by browser pages served from arbitrary origins.
func writeJSON(w http.ResponseWriter, status int, v any) {
	setCORS(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("writing JSON response", "error", err)
	}
}

func setCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

// preflight handles the OPTIONS leg of a cross-origin request. Returns true
// if the request was a preflight and has been answered.
func preflight(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodOptions {
		return false
	}
	setCORS(w)
	w.WriteHeader(http.StatusNoContent)
	return true
}

func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	if preflight(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
	})
}

func (h *Hub) handleModelStatus(w http.ResponseWriter, r *http.Request) {
	if preflight(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"modelLoaded": h.eng.ModelLoaded(),
		"modelPath":   h.eng.ModelPath(),
		"timestamp":   time.Now().UnixMilli(),
	})
}

// handleInitializeModelHTTP triggers a synchronous model load. Unlike the
// WebSocket variant this blocks the request until the load settles, so the
// caller gets the outcome in the response body.
func (h *Hub) handleInitializeModelHTTP(w http.ResponseWriter, r *http.Request) {
	if preflight(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	dur, err := h.eng.Initialize(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"loadTime": dur.Milliseconds(),
	})
}
