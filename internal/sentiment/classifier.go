// Package sentiment scores how nice a single user utterance is, on an
// integer scale from 0 (cruel) to 10 (extremely kind).
package sentiment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/iri/internal/affect"
	"github.com/ashureev/iri/internal/shared"
)

// Classifier scores one utterance.
type Classifier interface {
	// Classify returns a score in [0,10] or a *ClassificationError.
	Classify(ctx context.Context, text string) (int, error)
}

// ClassificationError is a transport or upstream failure while scoring one
// utterance. The utterance is left unscored.
type ClassificationError struct {
	Reason string
	Err    error
}

func (e *ClassificationError) Error() string {
	return "classify sentiment: " + e.Reason
}

func (e *ClassificationError) Unwrap() error {
	return e.Err
}

// HTTPClassifier calls a niceness endpoint that takes {"text": ...} and
// answers {"score": n}.
type HTTPClassifier struct {
	url        string
	httpClient *http.Client
}

// Ensure HTTPClassifier implements Classifier.
var _ Classifier = (*HTTPClassifier)(nil)

// NewHTTPClassifier creates a classifier for the endpoint at url.
func NewHTTPClassifier(url string, timeout time.Duration) *HTTPClassifier {
	return &HTTPClassifier{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type classifyRequest struct {
	Text string `json:"text"`
}

type classifyResponse struct {
	Score json.RawMessage `json:"score"`
}

// Classify posts text to the endpoint. Blank text is rejected with
// shared.ErrInvalidInput without a request being made.
func (c *HTTPClassifier) Classify(ctx context.Context, text string) (int, error) {
	if strings.TrimSpace(text) == "" {
		return 0, fmt.Errorf("classify sentiment: text is required: %w", shared.ErrInvalidInput)
	}

	var resp classifyResponse
	if err := shared.PostJSON(ctx, c.httpClient, c.url, classifyRequest{Text: text}, &resp); err != nil {
		var statusErr *shared.StatusError
		if errors.As(err, &statusErr) {
			return 0, &ClassificationError{Reason: statusErr.Reason, Err: err}
		}
		return 0, &ClassificationError{Reason: err.Error(), Err: err}
	}

	return NormalizeRaw(resp.Score), nil
}

// NormalizeRaw turns a JSON score value into a window-safe sample: numbers
// are rounded and clamped to [0,10]; anything else becomes the neutral 5.
func NormalizeRaw(raw json.RawMessage) int {
	var n *float64
	if len(raw) == 0 || json.Unmarshal(raw, &n) != nil || n == nil {
		return affect.NeutralScore
	}
	return Normalize(*n)
}

// Normalize rounds and clamps a numeric score.
func Normalize(n float64) int {
	if math.IsNaN(n) {
		return affect.NeutralScore
	}
	if math.IsInf(n, 1) {
		return affect.MaxScore
	}
	if math.IsInf(n, -1) {
		return affect.MinScore
	}
	return affect.ClampScore(int(math.Floor(n + 0.5)))
}

// ParseReply reads a model's free-text reply as a score. Leading
// whitespace and a sign are accepted, then the leading run of digits is
// used ("7.", "8/10" and " 9 " all parse); no digits means the neutral 5.
func ParseReply(raw string) int {
	s := strings.TrimSpace(raw)
	neg := false
	if s != "" && (s[0] == '-' || s[0] == '+') {
		neg = s[0] == '-'
		s = s[1:]
	}
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return affect.NeutralScore
	}
	n := 0
	for _, ch := range s[:end] {
		n = n*10 + int(ch-'0')
		if n > affect.MaxScore {
			// Saturate; the result is clamped below.
			n = affect.MaxScore + 1
		}
	}
	if neg {
		n = -n
	}
	return affect.ClampScore(n)
}
