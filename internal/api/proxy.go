package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/iri/internal/upstream"
	"github.com/go-chi/chi/v5"
)

// ProxyHandler serves the collaborator endpoints that front the completions
// upstream: POST /api/niceness and POST /api/chat.
type ProxyHandler struct {
	backend upstream.Backend
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(backend upstream.Backend) *ProxyHandler {
	return &ProxyHandler{backend: backend}
}

// RegisterRoutes mounts the proxy endpoints. Every method is routed here so
// non-POST requests get a JSON 405.
func (h *ProxyHandler) RegisterRoutes(r chi.Router) {
	r.HandleFunc("/api/niceness", h.HandleNiceness)
	r.HandleFunc("/api/chat", h.HandleChat)
}

// HandleNiceness rates {text} and answers {score}.
func (h *ProxyHandler) HandleNiceness(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeObject(w, r)
	if !ok {
		return
	}

	// null decodes into a nil pointer, not an error.
	var text *string
	if raw, present := body["text"]; !present || json.Unmarshal(raw, &text) != nil || text == nil {
		Error(w, http.StatusBadRequest, "text string is required")
		return
	}

	score, err := h.backend.Niceness(r.Context(), *text)
	if err != nil {
		writeUpstreamError(w, "niceness", err)
		return
	}
	JSON(w, http.StatusOK, map[string]int{"score": score})
}

// HandleChat answers {messages} with {content}.
func (h *ProxyHandler) HandleChat(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeObject(w, r)
	if !ok {
		return
	}

	var messages []upstream.Message
	raw, present := body["messages"]
	if !present || json.Unmarshal(raw, &messages) != nil || messages == nil {
		Error(w, http.StatusBadRequest, "messages array is required")
		return
	}

	content, err := h.backend.Chat(r.Context(), messages)
	if err != nil {
		writeUpstreamError(w, "chat", err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"content": content})
}

// decodeObject enforces POST and reads the body as a JSON object. It writes
// the error response itself and reports whether to continue.
func decodeObject(w http.ResponseWriter, r *http.Request) (map[string]json.RawMessage, bool) {
	if r.Method != http.MethodPost {
		Error(w, http.StatusMethodNotAllowed, "Method not allowed")
		return nil, false
	}

	r.Body = http.MaxBytesReader(w, r.Body, defaultMaxRequestBodySize)
	var body map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body == nil {
		Error(w, http.StatusBadRequest, "Invalid JSON body")
		return nil, false
	}
	return body, true
}

// writeUpstreamError maps a non-2xx upstream answer to 502 carrying its body
// and anything else to 500 carrying the error message.
func writeUpstreamError(w http.ResponseWriter, endpoint string, err error) {
	var upErr *upstream.Error
	if errors.As(err, &upErr) {
		slog.Warn("Upstream rejected request", "endpoint", endpoint, "status", upErr.Status)
		Error(w, http.StatusBadGateway, upErr.Body)
		return
	}
	slog.Error("Upstream request failed", "endpoint", endpoint, "error", err)
	Error(w, http.StatusInternalServerError, err.Error())
}
