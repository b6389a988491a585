package upstream

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ashureev/iri/internal/responder"
	"github.com/ashureev/iri/internal/sentiment"
	"github.com/ashureev/iri/internal/shared"
)

// Classifier scores utterances with a Backend in-process, skipping the
// HTTP hop through /api/niceness.
type Classifier struct {
	backend Backend
}

var _ sentiment.Classifier = (*Classifier)(nil)

// NewClassifier wraps backend as a sentiment.Classifier.
func NewClassifier(backend Backend) *Classifier {
	return &Classifier{backend: backend}
}

// Classify implements sentiment.Classifier.
func (c *Classifier) Classify(ctx context.Context, text string) (int, error) {
	if strings.TrimSpace(text) == "" {
		return 0, fmt.Errorf("classify sentiment: text is required: %w", shared.ErrInvalidInput)
	}
	score, err := c.backend.Niceness(ctx, text)
	if err != nil {
		return 0, &sentiment.ClassificationError{Reason: reason(err), Err: err}
	}
	return score, nil
}

// Responder generates replies with a Backend in-process, skipping the HTTP
// hop through /api/chat.
type Responder struct {
	backend Backend
}

var _ responder.Responder = (*Responder)(nil)

// NewResponder wraps backend as a responder.Responder.
func NewResponder(backend Backend) *Responder {
	return &Responder{backend: backend}
}

// Reply implements responder.Responder.
func (r *Responder) Reply(ctx context.Context, history []responder.Turn) (string, error) {
	if err := responder.ValidateHistory(history); err != nil {
		return "", fmt.Errorf("generate reply: %w", err)
	}
	messages := make([]Message, len(history))
	for i, turn := range history {
		messages[i] = Message{Role: string(turn.Role), Content: turn.Content}
	}
	content, err := r.backend.Chat(ctx, messages)
	if err != nil {
		return "", &responder.ResponseError{Reason: reason(err), Err: err}
	}
	return content, nil
}

// reason is what the HTTP endpoints would have put in their error body.
func reason(err error) string {
	var upErr *Error
	if errors.As(err, &upErr) {
		return upErr.Body
	}
	return err.Error()
}
