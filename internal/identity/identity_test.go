package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/iri/internal/domain"
)

type memRepo struct {
	mu       sync.Mutex
	users    map[string]*domain.User
	lastSeen map[string]time.Time
}

func newMemRepo() *memRepo {
	return &memRepo{users: map[string]*domain.User{}, lastSeen: map[string]time.Time{}}
}

func (m *memRepo) GetUser(_ context.Context, userID string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (m *memRepo) UpsertUser(_ context.Context, user *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *user
	m.users[user.UserID] = &cp
	return nil
}

func (m *memRepo) UpdateLastSeen(_ context.Context, userID string, lastSeen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSeen[userID] = lastSeen
	if u, ok := m.users[userID]; ok {
		u.LastSeenAt = lastSeen
	}
	return nil
}

func (m *memRepo) DeleteInactiveUsers(context.Context, time.Duration) (int64, error) { return 0, nil }
func (m *memRepo) Ping(context.Context) error                                       { return nil }
func (m *memRepo) Close() error                                                     { return nil }

func TestMiddlewareIssuesCookieAndRegistersUser(t *testing.T) {
	repo := newMemRepo()
	var gotUser, gotSession string
	h := Middleware(repo, true)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		gotUser = UserIDFromContext(r.Context())
		gotSession = SessionIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set(SessionHeaderName, "tab-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if !isValidAnonID(gotUser) {
		t.Fatalf("user id %q is not an anonymous id", gotUser)
	}
	if gotSession != "tab-42" {
		t.Fatalf("session = %q, want tab-42", gotSession)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != AnonCookieName || cookies[0].Value != gotUser {
		t.Fatalf("unexpected cookies: %+v", cookies)
	}
	if u, _ := repo.GetUser(context.Background(), gotUser); u == nil {
		t.Fatal("user was not registered")
	}
}

func TestMiddlewareReusesCookieAndBumpsLastSeen(t *testing.T) {
	repo := newMemRepo()
	id := "anon_" + strings.Repeat("ab", 16)
	old := time.Now().Add(-time.Hour)
	_ = repo.UpsertUser(context.Background(), &domain.User{UserID: id, Username: "x", LastSeenAt: old, CreatedAt: old, UpdatedAt: old})

	var gotUser string
	h := Middleware(repo, true)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		gotUser = UserIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: id})
	h.ServeHTTP(httptest.NewRecorder(), req)

	if gotUser != id {
		t.Fatalf("user = %q, want %q", gotUser, id)
	}
	if _, ok := repo.lastSeen[id]; !ok {
		t.Fatal("expected last_seen to be updated")
	}
}

func TestSanitizeSessionID(t *testing.T) {
	tests := map[string]string{
		"":               DefaultSessionIDValue,
		"  tab-1 ":       "tab-1",
		"bad id":         DefaultSessionIDValue,
		"a/b":            DefaultSessionIDValue,
		"uuid:1234.abcd": "uuid:1234.abcd",
	}
	for in, want := range tests {
		if got := sanitizeSessionID(in); got != want {
			t.Errorf("sanitizeSessionID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSessionIDFromQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws/pet?session_id=tab-9", nil)
	if got := sessionIDFromRequest(req); got != "tab-9" {
		t.Fatalf("session = %q, want tab-9", got)
	}
}

func TestWithIdentity(t *testing.T) {
	id := "anon_" + strings.Repeat("0", 24) + "deadbeef"
	ctx := WithIdentity(context.Background(), id, "bad id")

	got, ok := FromContext(ctx)
	if !ok {
		t.Fatal("identity missing from context")
	}
	want := Identity{UserID: id, Username: "anon-deadbeef", SessionID: DefaultSessionIDValue}
	if got != want {
		t.Fatalf("identity = %+v, want %+v", got, want)
	}

	if SessionIDFromContext(context.Background()) != DefaultSessionIDValue {
		t.Fatal("empty context should fall back to the default session")
	}
	if UserIDFromContext(context.Background()) != "" {
		t.Fatal("empty context should have no user")
	}
}

func TestNewAnonIDIsValid(t *testing.T) {
	for i := 0; i < 10; i++ {
		id, err := newAnonID()
		if err != nil {
			t.Fatalf("newAnonID: %v", err)
		}
		if !isValidAnonID(id) {
			t.Fatalf("generated id %q does not validate", id)
		}
	}
}
