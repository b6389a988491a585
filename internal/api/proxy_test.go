package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ashureev/iri/internal/upstream"
	"github.com/go-chi/chi/v5"
)

type fakeBackend struct {
	score    int
	content  string
	err      error
	gotText  string
	gotChats []upstream.Message
	calls    int
}

func (f *fakeBackend) Niceness(_ context.Context, text string) (int, error) {
	f.calls++
	f.gotText = text
	return f.score, f.err
}

func (f *fakeBackend) Chat(_ context.Context, messages []upstream.Message) (string, error) {
	f.gotChats = messages
	return f.content, f.err
}

func serveProxy(t *testing.T, backend upstream.Backend, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	r := chi.NewRouter()
	NewProxyHandler(backend).RegisterRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))

	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("response is not JSON: %q", rec.Body.String())
	}
	return rec, got
}

func TestNicenessEndpoint(t *testing.T) {
	backend := &fakeBackend{score: 9}
	rec, got := serveProxy(t, backend, http.MethodPost, "/api/niceness", `{"text":"you're lovely"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got["score"] != float64(9) {
		t.Fatalf("score = %v, want 9", got["score"])
	}
	if backend.gotText != "you're lovely" {
		t.Fatalf("backend got %q", backend.gotText)
	}
}

func TestNicenessValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"not json", `nope`, "Invalid JSON body"},
		{"array body", `[1,2]`, "Invalid JSON body"},
		{"null body", `null`, "Invalid JSON body"},
		{"missing text", `{}`, "text string is required"},
		{"numeric text", `{"text":5}`, "text string is required"},
		{"null text", `{"text":null}`, "text string is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &fakeBackend{score: 7}
			rec, got := serveProxy(t, backend, http.MethodPost, "/api/niceness", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if got["error"] != tt.want {
				t.Fatalf("error = %v, want %q", got["error"], tt.want)
			}
			if backend.calls != 0 {
				t.Fatalf("backend called %d times for a rejected request", backend.calls)
			}
		})
	}
}

func TestChatEndpoint(t *testing.T) {
	backend := &fakeBackend{content: "Hello!"}
	rec, got := serveProxy(t, backend, http.MethodPost, "/api/chat", `{"messages":[{"role":"user","content":"hi"}]}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got["content"] != "Hello!" {
		t.Fatalf("content = %v", got["content"])
	}
	if len(backend.gotChats) != 1 || backend.gotChats[0].Content != "hi" {
		t.Fatalf("backend got %+v", backend.gotChats)
	}
}

func TestChatRequiresMessagesArray(t *testing.T) {
	for _, body := range []string{`{}`, `{"messages":"hi"}`, `{"messages":null}`} {
		rec, got := serveProxy(t, &fakeBackend{}, http.MethodPost, "/api/chat", body)
		if rec.Code != http.StatusBadRequest || got["error"] != "messages array is required" {
			t.Fatalf("body %s: status %d, error %v", body, rec.Code, got["error"])
		}
	}
}

func TestProxyMethodNotAllowed(t *testing.T) {
	for _, path := range []string{"/api/niceness", "/api/chat"} {
		rec, got := serveProxy(t, &fakeBackend{}, http.MethodGet, path, "")
		if rec.Code != http.StatusMethodNotAllowed || got["error"] != "Method not allowed" {
			t.Fatalf("%s: status %d, error %v", path, rec.Code, got["error"])
		}
	}
}

func TestProxyUpstreamErrors(t *testing.T) {
	rec, got := serveProxy(t, &fakeBackend{err: &upstream.Error{Status: 401, Body: "invalid api key"}},
		http.MethodPost, "/api/niceness", `{"text":"x"}`)
	if rec.Code != http.StatusBadGateway || got["error"] != "invalid api key" {
		t.Fatalf("status %d, error %v", rec.Code, got["error"])
	}

	rec, got = serveProxy(t, &fakeBackend{err: errors.New("dial tcp: connection refused")},
		http.MethodPost, "/api/chat", `{"messages":[]}`)
	if rec.Code != http.StatusInternalServerError || got["error"] != "dial tcp: connection refused" {
		t.Fatalf("status %d, error %v", rec.Code, got["error"])
	}
}
