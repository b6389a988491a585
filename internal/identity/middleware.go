package identity

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ashureev/iri/internal/domain"
	"github.com/ashureev/iri/internal/store"
)

const (
	anonCookieMaxAge = 30 * 24 * time.Hour
	// last_seen is only written when it is at least this stale.
	lastSeenResolution = time.Minute
)

type resolver struct {
	repo  store.Repository
	isDev bool
	now   func() time.Time
}

// Middleware resolves the anonymous identity of every request, issuing a
// cookie to new browsers and registering them in repo.
func Middleware(repo store.Repository, isDev bool) func(http.Handler) http.Handler {
	res := &resolver{repo: repo, isDev: isDev, now: time.Now}
	return res.wrap
}

func (res *resolver) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := res.userID(w, r)
		if err != nil {
			slog.Error("Failed to issue anonymous id", "error", err)
			http.Error(w, `{"error":"failed to establish anonymous identity"}`, http.StatusInternalServerError)
			return
		}

		if err := res.touch(r.Context(), userID); err != nil {
			slog.Error("Failed to record anonymous user", "error", err, "user_id", userID)
			http.Error(w, `{"error":"failed to initialize anonymous user"}`, http.StatusInternalServerError)
			return
		}

		ctx := WithIdentity(r.Context(), userID, sessionIDFromRequest(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// userID returns the id from a valid cookie or mints a new one. Either way
// the cookie is (re)issued so its expiry slides.
func (res *resolver) userID(w http.ResponseWriter, r *http.Request) (string, error) {
	id := ""
	if c, err := r.Cookie(AnonCookieName); err == nil && isValidAnonID(c.Value) {
		id = c.Value
	} else if id, err = newAnonID(); err != nil {
		return "", err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(anonCookieMaxAge.Seconds()),
		Expires:  res.now().Add(anonCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !res.isDev,
	})
	return id, nil
}

// touch registers first-time visitors and bumps last_seen_at for returning
// ones.
func (res *resolver) touch(ctx context.Context, userID string) error {
	now := res.now()
	user, err := res.repo.GetUser(ctx, userID)
	switch {
	case err != nil:
		return err
	case user == nil:
		return res.repo.UpsertUser(ctx, &domain.User{
			UserID:     userID,
			Username:   usernameFor(userID),
			LastSeenAt: now,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	case user.IdleFor(now) >= lastSeenResolution:
		return res.repo.UpdateLastSeen(ctx, userID, now)
	default:
		return nil
	}
}

func sessionIDFromRequest(r *http.Request) string {
	if sid := r.Header.Get(SessionHeaderName); sid != "" {
		return sanitizeSessionID(sid)
	}
	return sanitizeSessionID(r.URL.Query().Get("session_id"))
}

// IPFromRequest returns the remote host without its port.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
