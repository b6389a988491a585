// Package responder asks the conversation collaborator for Iri's next
// utterance.
package responder

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/iri/internal/shared"
)

// FallbackReply is shown in place of a reply that could not be generated.
const FallbackReply = "Something went wrong. Try again."

// Role identifies who authored a turn.
type Role string

const (
	// RoleUser is a message typed by the person chatting with Iri.
	RoleUser Role = "user"
	// RoleAssistant is a message spoken by Iri.
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a role the responder accepts.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Turn is one entry of the conversation history.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Responder generates the next assistant utterance.
type Responder interface {
	// Reply returns the next utterance or a *ResponseError.
	Reply(ctx context.Context, history []Turn) (string, error)
}

// ResponseError is a transport or upstream failure while generating a
// reply.
type ResponseError struct {
	Reason string
	Err    error
}

func (e *ResponseError) Error() string {
	return "generate reply: " + e.Reason
}

func (e *ResponseError) Unwrap() error {
	return e.Err
}

// ValidateHistory rejects histories the responder cannot use: empty, or
// containing a turn with an unknown role.
func ValidateHistory(history []Turn) error {
	if len(history) == 0 {
		return fmt.Errorf("history is empty: %w", shared.ErrInvalidInput)
	}
	for i, turn := range history {
		if !turn.Role.Valid() {
			return fmt.Errorf("turn %d has role %q: %w", i, turn.Role, shared.ErrInvalidInput)
		}
	}
	return nil
}

// HTTPResponder calls a chat endpoint that takes {"messages": [...]} and
// answers {"content": "..."}.
type HTTPResponder struct {
	url        string
	httpClient *http.Client
}

// Ensure HTTPResponder implements Responder.
var _ Responder = (*HTTPResponder)(nil)

// NewHTTPResponder creates a responder for the endpoint at url.
func NewHTTPResponder(url string, timeout time.Duration) *HTTPResponder {
	return &HTTPResponder{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type replyRequest struct {
	Messages []Turn `json:"messages"`
}

type replyResponse struct {
	Content *string `json:"content"`
}

// Reply posts the history and returns the content, trimmed. A missing
// content field is an empty reply, not an error.
func (r *HTTPResponder) Reply(ctx context.Context, history []Turn) (string, error) {
	if err := ValidateHistory(history); err != nil {
		return "", fmt.Errorf("generate reply: %w", err)
	}

	var resp replyResponse
	if err := shared.PostJSON(ctx, r.httpClient, r.url, replyRequest{Messages: history}, &resp); err != nil {
		var statusErr *shared.StatusError
		if errors.As(err, &statusErr) {
			return "", &ResponseError{Reason: statusErr.Reason, Err: err}
		}
		return "", &ResponseError{Reason: err.Error(), Err: err}
	}

	if resp.Content == nil {
		return "", nil
	}
	return strings.TrimSpace(*resp.Content), nil
}
