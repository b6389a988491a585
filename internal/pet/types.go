// Package pet owns the per-session state of a conversation with Iri: the
// messages, the sentiment window and the message count. Every change goes
// through one update loop per session.
package pet

import (
	"errors"
	"time"

	"github.com/ashureev/iri/internal/affect"
	"github.com/ashureev/iri/internal/responder"
	"github.com/google/uuid"
)

// ErrClosed is returned by operations on a session that has been closed.
var ErrClosed = errors.New("pet session closed")

// ScoreStatus tracks the sentiment classification of a user utterance.
type ScoreStatus string

const (
	// ScorePending means the classification has not completed yet.
	ScorePending ScoreStatus = "pending"
	// ScoreScored means a score was recorded and entered the window.
	ScoreScored ScoreStatus = "scored"
	// ScoreFailed means classification failed; the utterance has no score.
	ScoreFailed ScoreStatus = "failed"
)

// Utterance is one message in the conversation.
type Utterance struct {
	ID        uuid.UUID      `json:"id"`
	Role      responder.Role `json:"role"`
	Text      string         `json:"text"`
	Score     *int           `json:"score"`
	Scoring   ScoreStatus    `json:"scoring,omitempty"`
	InReplyTo *uuid.UUID     `json:"in_reply_to,omitempty"`
	Fallback  bool           `json:"fallback,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Snapshot is a consistent read of a session. View is recomputed from
// Window and MessageCount every time a snapshot is taken.
type Snapshot struct {
	UserID         string      `json:"user_id"`
	SessionID      string      `json:"session_id"`
	View           affect.View `json:"view"`
	Window         []int       `json:"window"`
	MessageCount   int         `json:"message_count"`
	PendingScores  int         `json:"pending_scores"`
	PendingReplies int         `json:"pending_replies"`
	Messages       []Utterance `json:"messages"`
}

// Key identifies a pet session: one per anonymous user per browser tab.
type Key struct {
	UserID    string
	SessionID string
}

func (k Key) String() string {
	return k.UserID + ":" + k.SessionID
}
