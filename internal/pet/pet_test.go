package pet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/iri/internal/affect"
	"github.com/ashureev/iri/internal/responder"
	"github.com/ashureev/iri/internal/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type outcome struct {
	score int
	err   error
}

// gatedClassifier blocks each Classify call until the test releases the
// outcome for that text.
type gatedClassifier struct {
	mu    sync.Mutex
	gates map[string]chan outcome
}

func newGatedClassifier() *gatedClassifier {
	return &gatedClassifier{gates: make(map[string]chan outcome)}
}

func (g *gatedClassifier) gate(text string) chan outcome {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.gates[text]
	if !ok {
		ch = make(chan outcome, 1)
		g.gates[text] = ch
	}
	return ch
}

func (g *gatedClassifier) release(text string, score int, err error) {
	g.gate(text) <- outcome{score: score, err: err}
}

func (g *gatedClassifier) Classify(ctx context.Context, text string) (int, error) {
	select {
	case o := <-g.gate(text):
		return o.score, o.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

type fixedClassifier int

func (f fixedClassifier) Classify(context.Context, string) (int, error) {
	return int(f), nil
}

type fakeResponder struct {
	mu      sync.Mutex
	err     error
	block   bool
	history [][]responder.Turn
}

func (f *fakeResponder) Reply(ctx context.Context, history []responder.Turn) (string, error) {
	f.mu.Lock()
	f.history = append(f.history, history)
	err, block := f.err, f.block
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if err != nil {
		return "", err
	}
	return "reply to " + history[len(history)-1].Content, nil
}

func (f *fakeResponder) calls() [][]responder.Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]responder.Turn(nil), f.history...)
}

var testKey = Key{UserID: "anon_1", SessionID: "tab-1"}

func waitFor(t *testing.T, s *Session, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	var snap Snapshot
	require.Eventually(t, func() bool {
		got, err := s.Snapshot(context.Background())
		if err != nil {
			return false
		}
		snap = got
		return cond(got)
	}, 2*time.Second, 5*time.Millisecond)
	return snap
}

func TestSessionStartsNeutral(t *testing.T) {
	s := NewSession(testKey, fixedClassifier(5), &fakeResponder{}, Options{})
	defer s.Close()

	snap, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, affect.MoodNeutral, snap.View.Mood)
	assert.Equal(t, 0, snap.MessageCount)
	assert.Empty(t, snap.Window)
	assert.Empty(t, snap.Messages)
}

func TestSubmitRejectsBlankText(t *testing.T) {
	s := NewSession(testKey, fixedClassifier(5), &fakeResponder{}, Options{})
	defer s.Close()

	_, _, err := s.Submit(context.Background(), "   \n")
	require.ErrorIs(t, err, shared.ErrInvalidInput)

	snap, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, snap.MessageCount)
	assert.Empty(t, snap.Messages)
}

func TestSubmitReturnsBeforeCollaborators(t *testing.T) {
	classifier := newGatedClassifier()
	resp := &fakeResponder{block: true}
	s := NewSession(testKey, classifier, resp, Options{})
	defer s.Close()

	utt, snap, err := s.Submit(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, responder.RoleUser, utt.Role)
	assert.Equal(t, ScorePending, utt.Scoring)
	assert.Nil(t, utt.Score)
	assert.Equal(t, 1, snap.MessageCount)
	assert.Equal(t, 1, snap.PendingScores)
	assert.Equal(t, 1, snap.PendingReplies)

	// A second message is accepted while the first is still in flight.
	_, snap, err = s.Submit(context.Background(), "still there?")
	require.NoError(t, err)
	assert.Equal(t, 2, snap.MessageCount)
	assert.Empty(t, snap.Window)
}

func TestScoresEnterWindowInArrivalOrder(t *testing.T) {
	classifier := newGatedClassifier()
	s := NewSession(testKey, classifier, &fakeResponder{}, Options{})
	defer s.Close()

	ctx := context.Background()
	first, _, err := s.Submit(ctx, "you are wonderful")
	require.NoError(t, err)
	second, _, err := s.Submit(ctx, "meh")
	require.NoError(t, err)
	third, _, err := s.Submit(ctx, "go away")
	require.NoError(t, err)

	classifier.release("meh", 0, errors.New("classify sentiment: upstream down"))
	waitFor(t, s, func(snap Snapshot) bool { return snap.PendingScores == 2 })

	classifier.release("go away", 3, nil)
	waitFor(t, s, func(snap Snapshot) bool { return snap.PendingScores == 1 })

	classifier.release("you are wonderful", 8, nil)
	snap := waitFor(t, s, func(snap Snapshot) bool { return snap.PendingScores == 0 })

	assert.Equal(t, []int{3, 8}, snap.Window)
	assert.Equal(t, 6, snap.View.Average)
	assert.Equal(t, affect.MoodPositive, snap.View.Mood)
	assert.Equal(t, 3, snap.MessageCount)

	byID := map[string]Utterance{}
	for _, m := range snap.Messages {
		byID[m.ID.String()] = m
	}
	require.NotNil(t, byID[first.ID.String()].Score)
	assert.Equal(t, 8, *byID[first.ID.String()].Score)
	assert.Equal(t, ScoreFailed, byID[second.ID.String()].Scoring)
	assert.Nil(t, byID[second.ID.String()].Score)
	require.NotNil(t, byID[third.ID.String()].Score)
	assert.Equal(t, 3, *byID[third.ID.String()].Score)
}

func TestOutOfRangeScoresAreClamped(t *testing.T) {
	classifier := newGatedClassifier()
	s := NewSession(testKey, classifier, &fakeResponder{}, Options{})
	defer s.Close()

	ctx := context.Background()
	_, _, err := s.Submit(ctx, "a")
	require.NoError(t, err)
	_, _, err = s.Submit(ctx, "b")
	require.NoError(t, err)

	classifier.release("a", 42, nil)
	classifier.release("b", -7, nil)
	snap := waitFor(t, s, func(snap Snapshot) bool { return snap.PendingScores == 0 })
	assert.ElementsMatch(t, []int{10, 0}, snap.Window)
}

func TestWindowKeepsMostRecentScores(t *testing.T) {
	s := NewSession(testKey, fixedClassifier(9), &fakeResponder{}, Options{WindowSize: 3})
	defer s.Close()

	for _, text := range []string{"one", "two", "three", "four", "five"} {
		_, _, err := s.Submit(context.Background(), text)
		require.NoError(t, err)
	}
	snap := waitFor(t, s, func(snap Snapshot) bool { return snap.PendingScores == 0 })
	assert.Len(t, snap.Window, 3)
	assert.Equal(t, 5, snap.MessageCount)
	assert.Equal(t, affect.MoodEcstatic, snap.View.Mood)
}

func TestReplyFailureUsesFallback(t *testing.T) {
	resp := &fakeResponder{err: &responder.ResponseError{Reason: "rate limited"}}
	s := NewSession(testKey, fixedClassifier(5), resp, Options{})
	defer s.Close()

	utt, _, err := s.Submit(context.Background(), "hi")
	require.NoError(t, err)

	snap := waitFor(t, s, func(snap Snapshot) bool { return snap.PendingReplies == 0 && snap.PendingScores == 0 })
	require.Len(t, snap.Messages, 2)
	reply := snap.Messages[1]
	assert.Equal(t, responder.RoleAssistant, reply.Role)
	assert.Equal(t, responder.FallbackReply, reply.Text)
	assert.True(t, reply.Fallback)
	require.NotNil(t, reply.InReplyTo)
	assert.Equal(t, utt.ID, *reply.InReplyTo)
	assert.Equal(t, []int{5}, snap.Window, "fallback replies never enter the window")
	assert.Equal(t, 1, snap.MessageCount)
}

func TestReplyHistoryIncludesEarlierTurns(t *testing.T) {
	resp := &fakeResponder{}
	s := NewSession(testKey, fixedClassifier(5), resp, Options{})
	defer s.Close()

	ctx := context.Background()
	_, _, err := s.Submit(ctx, "first")
	require.NoError(t, err)
	waitFor(t, s, func(snap Snapshot) bool { return snap.PendingReplies == 0 })
	_, _, err = s.Submit(ctx, "second")
	require.NoError(t, err)
	waitFor(t, s, func(snap Snapshot) bool { return snap.PendingReplies == 0 })

	calls := resp.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, []responder.Turn{
		{Role: responder.RoleUser, Content: "first"},
		{Role: responder.RoleAssistant, Content: "reply to first"},
		{Role: responder.RoleUser, Content: "second"},
	}, calls[1])
}

func TestSubscribeReceivesLatestSnapshot(t *testing.T) {
	s := NewSession(testKey, fixedClassifier(10), &fakeResponder{}, Options{})
	defer s.Close()

	updates, cancel, err := s.Subscribe(context.Background())
	require.NoError(t, err)
	defer cancel()

	initial := <-updates
	assert.Equal(t, 0, initial.MessageCount)

	_, _, err = s.Submit(context.Background(), "lovely")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		select {
		case snap := <-updates:
			return snap.PendingScores == 0 && snap.PendingReplies == 0
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCloseAbandonsInFlightWork(t *testing.T) {
	classifier := newGatedClassifier()
	s := NewSession(testKey, classifier, &fakeResponder{block: true}, Options{})

	updates, _, err := s.Subscribe(context.Background())
	require.NoError(t, err)
	<-updates

	_, _, err = s.Submit(context.Background(), "never scored")
	require.NoError(t, err)

	s.Close()
	s.Close()

	_, err = s.Snapshot(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	_, _, err = s.Submit(context.Background(), "late")
	require.ErrorIs(t, err, ErrClosed)

	for range updates {
	}
}

func TestManagerKeysSessions(t *testing.T) {
	m := NewManager(fixedClassifier(5), &fakeResponder{}, Options{})
	defer m.Close()

	a, err := m.Get(Key{UserID: "u", SessionID: "a"})
	require.NoError(t, err)
	again, err := m.Get(Key{UserID: "u", SessionID: "a"})
	require.NoError(t, err)
	b, err := m.Get(Key{UserID: "u", SessionID: "b"})
	require.NoError(t, err)

	assert.Same(t, a, again)
	assert.NotSame(t, a, b)
	assert.Equal(t, 2, m.Len())

	assert.Equal(t, 2, m.CloseUser("u"))
	assert.Equal(t, 0, m.Len())
}

func TestManagerResetStartsFresh(t *testing.T) {
	m := NewManager(fixedClassifier(0), &fakeResponder{}, Options{})
	defer m.Close()

	ctx := context.Background()
	_, _, err := m.Submit(ctx, testKey, "hello")
	require.NoError(t, err)

	snap, err := m.Reset(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.MessageCount)
	assert.Empty(t, snap.Window)
	assert.Equal(t, affect.MoodNeutral, snap.View.Mood)
}

func TestManagerCloseIdle(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	m := NewManager(fixedClassifier(5), &fakeResponder{}, Options{Now: clock})
	defer m.Close()

	_, err := m.Get(Key{UserID: "u", SessionID: "old"})
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(30 * time.Minute)
	mu.Unlock()
	_, err = m.Get(Key{UserID: "u", SessionID: "new"})
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(31 * time.Minute)
	mu.Unlock()

	assert.Equal(t, 1, m.CloseIdle(time.Hour))
	_, ok := m.Lookup(Key{UserID: "u", SessionID: "old"})
	assert.False(t, ok)
	_, ok = m.Lookup(Key{UserID: "u", SessionID: "new"})
	assert.True(t, ok)
}

func TestManagerSubmitAfterClose(t *testing.T) {
	m := NewManager(fixedClassifier(5), &fakeResponder{}, Options{})
	m.Close()

	_, _, err := m.Submit(context.Background(), testKey, "hi")
	require.ErrorIs(t, err, ErrClosed)
}

func TestManagerReplacesSweptSession(t *testing.T) {
	m := NewManager(fixedClassifier(5), &fakeResponder{}, Options{})
	defer m.Close()

	s, err := m.Get(testKey)
	require.NoError(t, err)
	s.Close()

	_, snap, err := m.Submit(context.Background(), testKey, "anyone home?")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.MessageCount)
}

func TestSweeperClosesIdleSessions(t *testing.T) {
	var mu sync.Mutex
	now := time.Now()
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	m := NewManager(fixedClassifier(5), &fakeResponder{}, Options{Now: clock})
	defer m.Close()

	_, err := m.Get(testKey)
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	swept := make(chan struct{}, 1)
	StartSweeper(ctx, m, time.Hour, 10*time.Millisecond, func(context.Context) {
		select {
		case swept <- struct{}{}:
		default:
		}
	})

	require.Eventually(t, func() bool { return m.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	<-swept
}
