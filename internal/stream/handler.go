package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/ashureev/iri/internal/identity"
	"github.com/ashureev/iri/internal/pet"
	"github.com/ashureev/iri/internal/shared"
	"github.com/coder/websocket"
)

// Limiter throttles submissions per user.
type Limiter interface {
	Allow(key string) bool
}

// Handler serves GET /ws/pet.
//
// Server to client:
//
//	{"type":"state", ...snapshot}   after every change to the session
//	{"type":"pong"}
//	{"type":"accepted","utterance":{...}}
//	{"type":"error","error":"..."}
//
// Client to server:
//
//	{"type":"ping"}
//	{"type":"message","content":"..."}
type Handler struct {
	pets          *pet.Manager
	conns         *Registry
	limiter       Limiter
	allowedOrigin string
	isDev         bool
}

// NewHandler creates a stream handler. limiter may be nil.
func NewHandler(pets *pet.Manager, conns *Registry, limiter Limiter, allowedOrigin string, isDev bool) *Handler {
	return &Handler{
		pets:          pets,
		conns:         conns,
		limiter:       limiter,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

type clientMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

type stateMessage struct {
	Type string `json:"type"`
	pet.Snapshot
}

type acceptedMessage struct {
	Type      string        `json:"type"`
	Utterance pet.Utterance `json:"utterance"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}
	slog.Info("Pet stream request", "user_id", userID, "session_id", sessionID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	h.conns.Register(userID, sessionID, ws)
	defer h.conns.Unregister(userID, sessionID, ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	key := pet.Key{UserID: userID, SessionID: sessionID}

	var wg sync.WaitGroup
	wg.Add(2)

	// Input loop: client -> pet.
	go func() {
		defer wg.Done()
		defer cancel()
		h.inputLoop(ctx, ws, key)
	}()

	// Output loop: pet -> client.
	go func() {
		defer wg.Done()
		defer cancel()
		h.outputLoop(ctx, ws, key)
	}()

	wg.Wait()
	slog.Info("Pet stream ended", "user_id", userID, "session_id", sessionID)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *Handler) inputLoop(ctx context.Context, ws *websocket.Conn, key pet.Key) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				slog.Debug("WebSocket closed", "user_id", key.UserID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "user_id", key.UserID)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.writeJSON(ctx, ws, errorMessage{Type: "error", Error: "invalid message"})
			continue
		}

		switch msg.Type {
		case "ping":
			h.writeJSON(ctx, ws, map[string]string{"type": "pong"})
		case "message":
			h.submit(ctx, ws, key, msg.Content)
		default:
			h.writeJSON(ctx, ws, errorMessage{Type: "error", Error: "unknown message type"})
		}
	}
}

func (h *Handler) submit(ctx context.Context, ws *websocket.Conn, key pet.Key, text string) {
	if strings.TrimSpace(text) == "" {
		h.writeJSON(ctx, ws, errorMessage{Type: "error", Error: "text is required"})
		return
	}
	if h.limiter != nil && !h.limiter.Allow(key.UserID) {
		h.writeJSON(ctx, ws, errorMessage{Type: "error", Error: "rate limit exceeded"})
		return
	}
	utt, _, err := h.pets.Submit(ctx, key, text)
	switch {
	case err == nil:
		h.writeJSON(ctx, ws, acceptedMessage{Type: "accepted", Utterance: utt})
	case errors.Is(err, shared.ErrInvalidInput):
		h.writeJSON(ctx, ws, errorMessage{Type: "error", Error: "text is required"})
	default:
		slog.Warn("Pet submit over stream failed", "error", err, "user_id", key.UserID)
		h.writeJSON(ctx, ws, errorMessage{Type: "error", Error: "pet is unavailable"})
	}
}

// outputLoop forwards snapshots until the client leaves. When the session
// is replaced by a reset it follows the new one; when the session expires
// the stream ends.
func (h *Handler) outputLoop(ctx context.Context, ws *websocket.Conn, key pet.Key) {
	sess, err := h.pets.Get(key)
	for err == nil {
		if !h.forward(ctx, ws, sess) {
			return
		}
		next, ok := h.pets.Lookup(key)
		if !ok || next == sess {
			slog.Info("Pet session expired, closing stream", "user_id", key.UserID, "session_id", key.SessionID)
			return
		}
		sess = next
	}
	slog.Warn("Pet stream could not open session", "error", err, "user_id", key.UserID)
}

// forward relays one session's snapshots. It returns false when the client
// is gone and true when the session closed underneath it.
func (h *Handler) forward(ctx context.Context, ws *websocket.Conn, sess *pet.Session) bool {
	updates, unsubscribe, err := sess.Subscribe(ctx)
	if err != nil {
		return ctx.Err() == nil && errors.Is(err, pet.ErrClosed)
	}
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return false
		case snap, ok := <-updates:
			if !ok {
				return true
			}
			if err := h.writeJSON(ctx, ws, stateMessage{Type: "state", Snapshot: snap}); err != nil {
				return false
			}
		}
	}
}

func (h *Handler) writeJSON(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		if ctx.Err() == nil {
			slog.Debug("WebSocket write error", "error", err)
		}
		return err
	}
	return nil
}
