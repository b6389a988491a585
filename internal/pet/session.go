package pet

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/iri/internal/affect"
	"github.com/ashureev/iri/internal/responder"
	"github.com/ashureev/iri/internal/sentiment"
	"github.com/ashureev/iri/internal/shared"
	"github.com/ashureev/iri/internal/transcript"
	"github.com/google/uuid"
)

// Options tunes a Session. The zero value is usable.
type Options struct {
	WindowSize int
	Journal    transcript.Logger
	Logger     *slog.Logger
	Now        func() time.Time
}

// Session is one conversation with Iri. All state lives on the session's
// update loop; the exported methods hand work to that loop and wait for it.
//
// Submit starts two tasks per utterance, sentiment classification and reply
// generation, which race each other and later submissions. Their results
// are applied by the loop in whatever order they finish, attributed by
// utterance ID.
type Session struct {
	key        Key
	classifier sentiment.Classifier
	responder  responder.Responder
	journal    transcript.Logger
	logger     *slog.Logger
	now        func() time.Time

	events     chan func()
	quit       chan struct{}
	done       chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
	tasks      sync.WaitGroup
	closeOnce  sync.Once
	lastActive atomic.Int64

	// Owned by the update loop.
	window         *affect.Window
	messages       []Utterance
	index          map[uuid.UUID]int
	count          int
	pendingScores  int
	pendingReplies int
	subscribers    map[int]chan Snapshot
	nextSubID      int
}

// NewSession starts a session and its update loop. Call Close to stop it.
func NewSession(key Key, classifier sentiment.Classifier, resp responder.Responder, opts Options) *Session {
	if opts.Journal == nil {
		opts.Journal = transcript.Noop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		key:         key,
		classifier:  classifier,
		responder:   resp,
		journal:     opts.Journal,
		logger:      opts.Logger.With("user_id", key.UserID, "session_id", key.SessionID),
		now:         opts.Now,
		events:      make(chan func()),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		window:      affect.NewWindow(opts.WindowSize),
		index:       make(map[uuid.UUID]int),
		subscribers: make(map[int]chan Snapshot),
	}
	s.touch()
	go s.run()
	return s
}

// Key returns the session identity.
func (s *Session) Key() Key {
	return s.key
}

// LastActive is the time of the most recent Submit, Snapshot or Subscribe.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

func (s *Session) touch() {
	s.lastActive.Store(s.now().UnixNano())
}

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case fn := <-s.events:
			fn()
		case <-s.quit:
			return
		}
	}
}

// do runs fn on the update loop and waits for it to finish.
func (s *Session) do(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	select {
	case s.events <- func() { fn(); close(ran) }:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-ran
	return nil
}

// post queues fn on the update loop without waiting. Dropped once the
// session is closed.
func (s *Session) post(fn func()) {
	select {
	case s.events <- fn:
	case <-s.done:
	}
}

// Submit records a user utterance and starts scoring it and generating a
// reply. It returns as soon as the utterance is recorded. Blank text is
// rejected with shared.ErrInvalidInput and changes nothing.
func (s *Session) Submit(ctx context.Context, text string) (Utterance, Snapshot, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Utterance{}, Snapshot{}, fmt.Errorf("message text is required: %w", shared.ErrInvalidInput)
	}
	s.touch()

	var (
		utt  Utterance
		snap Snapshot
	)
	err := s.do(ctx, func() {
		utt = Utterance{
			ID:        uuid.New(),
			Role:      responder.RoleUser,
			Text:      text,
			Scoring:   ScorePending,
			CreatedAt: s.now(),
		}
		s.index[utt.ID] = len(s.messages)
		s.messages = append(s.messages, utt)
		s.count++
		s.pendingScores++
		s.pendingReplies++
		history := s.history()

		s.journal.Log(transcript.Event{
			UserID:      s.key.UserID,
			SessionID:   s.key.SessionID,
			EventType:   transcript.EventUserMessage,
			UtteranceID: utt.ID.String(),
			Content:     text,
		})

		s.tasks.Add(2)
		go s.classify(utt.ID, text)
		go s.reply(utt.ID, history)

		snap = s.snapshot()
		s.publish(snap)
	})
	if err != nil {
		return Utterance{}, Snapshot{}, err
	}

	s.logger.Info("Pet message submitted", "utterance_id", utt.ID, "message_count", snap.MessageCount, "message_length", len(text))
	return utt, snap, nil
}

// Snapshot returns the current state with a freshly computed view.
func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	s.touch()
	var snap Snapshot
	if err := s.do(ctx, func() { snap = s.snapshot() }); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Subscribe returns a channel that receives the current snapshot and then
// every later one. A slow reader may miss intermediate snapshots but always
// ends up with the latest. The channel is closed by the returned cancel
// func or when the session closes.
func (s *Session) Subscribe(ctx context.Context) (<-chan Snapshot, func(), error) {
	s.touch()
	ch := make(chan Snapshot, 1)
	var id int
	err := s.do(ctx, func() {
		id = s.nextSubID
		s.nextSubID++
		s.subscribers[id] = ch
		ch <- s.snapshot()
	})
	if err != nil {
		return nil, nil, err
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			_ = s.do(context.Background(), func() {
				if sub, ok := s.subscribers[id]; ok {
					delete(s.subscribers, id)
					close(sub)
				}
			})
		})
	}
	return ch, unsubscribe, nil
}

// Close stops the loop, abandons in-flight collaborator calls and closes
// every subscription. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		close(s.quit)
		<-s.done
		s.tasks.Wait()

		for id, ch := range s.subscribers {
			close(ch)
			delete(s.subscribers, id)
		}

		s.journal.Log(transcript.Event{
			UserID:    s.key.UserID,
			SessionID: s.key.SessionID,
			EventType: transcript.EventSessionClosed,
			Meta:      map[string]any{"message_count": s.count},
		})
		s.journal.Finish(s.key.UserID, s.key.SessionID)
		s.logger.Info("Pet session closed", "message_count", s.count)
	})
}

func (s *Session) classify(id uuid.UUID, text string) {
	defer s.tasks.Done()
	score, err := s.classifier.Classify(s.ctx, text)
	s.post(func() { s.applyScore(id, score, err) })
}

func (s *Session) reply(forID uuid.UUID, history []responder.Turn) {
	defer s.tasks.Done()
	content, err := s.responder.Reply(s.ctx, history)
	s.post(func() { s.applyReply(forID, content, err) })
}

// applyScore records a finished classification. A failure leaves the
// utterance unscored and the window untouched.
func (s *Session) applyScore(id uuid.UUID, score int, err error) {
	s.pendingScores--
	i, ok := s.index[id]
	if !ok {
		return
	}

	if err != nil {
		s.messages[i].Scoring = ScoreFailed
		s.logger.Warn("Sentiment classification failed", "utterance_id", id, "error", err)
		s.journal.Log(transcript.Event{
			UserID:      s.key.UserID,
			SessionID:   s.key.SessionID,
			EventType:   transcript.EventClassificationFailed,
			UtteranceID: id.String(),
			Error:       err.Error(),
		})
		s.publish(s.snapshot())
		return
	}

	score = affect.ClampScore(score)
	s.messages[i].Score = &score
	s.messages[i].Scoring = ScoreScored
	s.window.Push(score)

	s.logger.Debug("Sentiment recorded", "utterance_id", id, "score", score, "window", s.window.Scores())
	s.journal.Log(transcript.Event{
		UserID:      s.key.UserID,
		SessionID:   s.key.SessionID,
		EventType:   transcript.EventClassification,
		UtteranceID: id.String(),
		Score:       &score,
	})
	s.publish(s.snapshot())
}

// applyReply appends Iri's answer, or the fallback line if generation
// failed. Replies never touch the window.
func (s *Session) applyReply(forID uuid.UUID, content string, err error) {
	s.pendingReplies--
	fallback := false
	if err != nil {
		fallback = true
		content = responder.FallbackReply
		s.logger.Warn("Reply generation failed", "utterance_id", forID, "error", err)
		s.journal.Log(transcript.Event{
			UserID:      s.key.UserID,
			SessionID:   s.key.SessionID,
			EventType:   transcript.EventReplyFailed,
			UtteranceID: forID.String(),
			Error:       err.Error(),
		})
	}

	inReplyTo := forID
	utt := Utterance{
		ID:        uuid.New(),
		Role:      responder.RoleAssistant,
		Text:      content,
		InReplyTo: &inReplyTo,
		Fallback:  fallback,
		CreatedAt: s.now(),
	}
	s.index[utt.ID] = len(s.messages)
	s.messages = append(s.messages, utt)

	s.journal.Log(transcript.Event{
		UserID:      s.key.UserID,
		SessionID:   s.key.SessionID,
		EventType:   transcript.EventAssistantMessage,
		UtteranceID: utt.ID.String(),
		Content:     content,
		Meta:        map[string]any{"in_reply_to": forID.String(), "fallback": fallback},
	})
	s.publish(s.snapshot())
}

func (s *Session) history() []responder.Turn {
	turns := make([]responder.Turn, len(s.messages))
	for i, m := range s.messages {
		turns[i] = responder.Turn{Role: m.Role, Content: m.Text}
	}
	return turns
}

func (s *Session) snapshot() Snapshot {
	messages := make([]Utterance, len(s.messages))
	copy(messages, s.messages)
	return Snapshot{
		UserID:         s.key.UserID,
		SessionID:      s.key.SessionID,
		View:           affect.Evaluate(s.window, s.count),
		Window:         s.window.Scores(),
		MessageCount:   s.count,
		PendingScores:  s.pendingScores,
		PendingReplies: s.pendingReplies,
		Messages:       messages,
	}
}

// publish hands snap to every subscriber, replacing any snapshot the
// subscriber has not read yet.
func (s *Session) publish(snap Snapshot) {
	for _, ch := range s.subscribers {
		select {
		case ch <- snap:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}
