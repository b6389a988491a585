package upstream

import (
	"context"
	"strings"

	"github.com/ashureev/iri/internal/config"
	"github.com/ashureev/iri/internal/sentiment"
)

// Mock is an offline Backend: niceness comes from a keyword scorer and chat
// echoes the last user message.
type Mock struct {
	scorer *sentiment.KeywordScorer
}

// NewMock returns an offline Backend.
func NewMock() *Mock {
	return &Mock{scorer: sentiment.NewKeywordScorer()}
}

// Niceness implements Backend.
func (m *Mock) Niceness(_ context.Context, text string) (int, error) {
	return m.scorer.Score(text), nil
}

// Chat implements Backend.
func (m *Mock) Chat(_ context.Context, messages []Message) (string, error) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return "You said: " + strings.TrimSpace(messages[i].Content), nil
		}
	}
	return "I'm listening.", nil
}

// New picks the Backend for cfg: Mock when IRI_MODE=MOCK or no API key is
// set, Groq otherwise.
func New(cfg *config.Config, personas *config.PersonaStore) Backend {
	if cfg.IsMock() {
		return NewMock()
	}
	client := NewClient(cfg.Groq.BaseURL, cfg.Groq.APIKey, cfg.Collaborators.Timeout)
	return NewGroq(client, personas.Current)
}
