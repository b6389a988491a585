package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/iri/internal/identity"
	"github.com/ashureev/iri/internal/pet"
	"github.com/ashureev/iri/internal/shared"
	"github.com/go-chi/chi/v5"
)

// PetHandler serves the pet session endpoints for the caller's identity.
type PetHandler struct {
	pets    *pet.Manager
	limiter *RateLimiter
}

// NewPetHandler creates a PetHandler. limiter may be nil to disable rate
// limiting.
func NewPetHandler(pets *pet.Manager, limiter *RateLimiter) *PetHandler {
	return &PetHandler{pets: pets, limiter: limiter}
}

// SubmitRequest is the body of POST /api/pet/messages.
type SubmitRequest struct {
	Text string `json:"text"`
}

// SubmitResponse is returned once an utterance is accepted. Its score and
// reply arrive later; poll /api/pet/state or subscribe to /ws/pet.
type SubmitResponse struct {
	Utterance pet.Utterance `json:"utterance"`
	State     pet.Snapshot  `json:"state"`
}

// MeResponse describes the caller's anonymous identity.
type MeResponse struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	SessionID string `json:"session_id"`
}

// RegisterRoutes mounts the pet endpoints.
func (h *PetHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/me", h.HandleMe)
	r.Route("/api/pet", func(r chi.Router) {
		r.Post("/messages", h.HandleSubmit)
		r.Get("/state", h.HandleState)
		r.Post("/reset", h.HandleReset)
	})
}

// HandleMe handles GET /api/me.
func (h *PetHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	JSON(w, http.StatusOK, MeResponse{
		UserID:    userID,
		Username:  identity.UsernameFromContext(r.Context()),
		SessionID: identity.SessionIDFromContext(r.Context()),
	})
}

// HandleSubmit handles POST /api/pet/messages.
func (h *PetHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKey(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, defaultMaxRequestBodySize)
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		Error(w, http.StatusBadRequest, "text is required")
		return
	}

	// Only well-formed submissions spend the user's budget.
	if h.limiter != nil && !h.limiter.Allow(key.UserID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	utt, snap, err := h.pets.Submit(r.Context(), key, req.Text)
	if err != nil {
		writePetError(w, key, err)
		return
	}
	JSON(w, http.StatusAccepted, SubmitResponse{Utterance: utt, State: snap})
}

// HandleState handles GET /api/pet/state.
func (h *PetHandler) HandleState(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKey(w, r)
	if !ok {
		return
	}
	snap, err := h.pets.Snapshot(r.Context(), key)
	if err != nil {
		writePetError(w, key, err)
		return
	}
	JSON(w, http.StatusOK, snap)
}

// HandleReset handles POST /api/pet/reset. The old conversation is
// discarded and a neutral one takes its place.
func (h *PetHandler) HandleReset(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKey(w, r)
	if !ok {
		return
	}
	snap, err := h.pets.Reset(r.Context(), key)
	if err != nil {
		writePetError(w, key, err)
		return
	}
	JSON(w, http.StatusOK, snap)
}

func sessionKey(w http.ResponseWriter, r *http.Request) (pet.Key, bool) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return pet.Key{}, false
	}
	return pet.Key{UserID: userID, SessionID: identity.SessionIDFromContext(r.Context())}, true
}

func writePetError(w http.ResponseWriter, key pet.Key, err error) {
	switch {
	case errors.Is(err, shared.ErrInvalidInput):
		Error(w, http.StatusBadRequest, "text is required")
	case errors.Is(err, pet.ErrClosed):
		Error(w, http.StatusServiceUnavailable, "pet is unavailable")
	default:
		slog.Error("Pet request failed", "error", err, "user_id", key.UserID, "session_id", key.SessionID)
		Error(w, http.StatusInternalServerError, "internal error")
	}
}
