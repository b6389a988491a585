// Package identity gives every browser an anonymous user id and every tab a
// session id, and carries both on the request context.
package identity

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	AnonCookieName        = "iri_anon_id"
	SessionHeaderName     = "X-Iri-Session-ID"
	DefaultSessionIDValue = "default"
)

var (
	anonIDPattern    = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// Identity is who is talking to Iri, and from which tab.
type Identity struct {
	UserID    string
	Username  string
	SessionID string
}

type ctxKey struct{}

// WithIdentity returns a copy of ctx carrying userID and sessionID. An
// invalid session id falls back to DefaultSessionIDValue.
func WithIdentity(ctx context.Context, userID, sessionID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, Identity{
		UserID:    userID,
		Username:  usernameFor(userID),
		SessionID: sanitizeSessionID(sessionID),
	})
}

// FromContext returns the identity on ctx, if any.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

// UserIDFromContext returns the anonymous user id, or "".
func UserIDFromContext(ctx context.Context) string {
	id, _ := FromContext(ctx)
	return id.UserID
}

// UsernameFromContext returns the display name, or "".
func UsernameFromContext(ctx context.Context) string {
	id, _ := FromContext(ctx)
	return id.Username
}

// SessionIDFromContext returns the tab session id.
func SessionIDFromContext(ctx context.Context) string {
	if id, ok := FromContext(ctx); ok {
		return id.SessionID
	}
	return DefaultSessionIDValue
}

func newAnonID() (string, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return "anon_" + strings.ReplaceAll(u.String(), "-", ""), nil
}

func isValidAnonID(id string) bool {
	return anonIDPattern.MatchString(id)
}

func sanitizeSessionID(id string) string {
	id = strings.TrimSpace(id)
	if !sessionIDPattern.MatchString(id) {
		return DefaultSessionIDValue
	}
	return id
}

// usernameFor shows the last eight hex digits of the id.
func usernameFor(userID string) string {
	if !isValidAnonID(userID) {
		return "anon-user"
	}
	return "anon-" + userID[len(userID)-8:]
}
