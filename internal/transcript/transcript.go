// Package transcript writes an append-only NDJSON log of each pet
// conversation. The log is for auditing; nothing reads it back into a
// session.
package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

// Event types written to the transcript.
const (
	EventUserMessage          = "user_message"
	EventAssistantMessage     = "assistant_message"
	EventReplyFailed          = "reply_failed"
	EventClassification       = "classification"
	EventClassificationFailed = "classification_failed"
	EventSessionClosed        = "session_closed"
)

// Event is one transcript line.
type Event struct {
	Timestamp   string         `json:"ts"`
	UserID      string         `json:"user_id"`
	SessionID   string         `json:"session_id"`
	EventType   string         `json:"event_type"`
	UtteranceID string         `json:"utterance_id,omitempty"`
	Content     string         `json:"content,omitempty"`
	Score       *int           `json:"score,omitempty"`
	Error       string         `json:"error,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
}

// Logger accepts transcript events. Log must never block the caller.
type Logger interface {
	Log(event Event)
	// Finish marks a session as over; its file is closed (and archived
	// when configured).
	Finish(userID, sessionID string)
	Close() error
}

// Config controls the file logger.
type Config struct {
	Enabled   bool
	Dir       string
	QueueSize int
	Compress  bool
}

// New returns a file-backed Logger, or a no-op Logger when disabled.
func New(cfg Config, logger *slog.Logger) (Logger, error) {
	if !cfg.Enabled {
		return Noop{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}

	l := &fileLogger{
		cfg:    cfg,
		queue:  make(chan item, cfg.QueueSize),
		files:  make(map[string]*openFile),
		logger: logger,
		done:   make(chan struct{}),
	}
	go l.run()
	return l, nil
}

// Noop discards everything.
type Noop struct{}

// Log implements Logger.
func (Noop) Log(Event) {}

// Finish implements Logger.
func (Noop) Finish(string, string) {}

// Close implements Logger.
func (Noop) Close() error { return nil }

type item struct {
	event  Event
	finish bool
}

type openFile struct {
	f *os.File
	w *bufio.Writer
}

type fileLogger struct {
	cfg       Config
	queue     chan item
	files     map[string]*openFile // owned by run
	logger    *slog.Logger
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

func (l *fileLogger) Log(event Event) {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	l.enqueue(item{event: event})
}

func (l *fileLogger) Finish(userID, sessionID string) {
	l.enqueue(item{event: Event{UserID: userID, SessionID: sessionID}, finish: true})
}

func (l *fileLogger) enqueue(it item) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- it:
	default:
		l.logger.Warn("Transcript queue full, dropping event",
			"user_id", it.event.UserID,
			"session_id", it.event.SessionID,
			"event_type", it.event.EventType,
		)
	}
}

func (l *fileLogger) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.queue)
		l.mu.Unlock()
		<-l.done
	})
	return nil
}

func (l *fileLogger) run() {
	defer close(l.done)
	for it := range l.queue {
		key := sessionKey(it.event.UserID, it.event.SessionID)
		if it.finish {
			l.finish(key, it.event.UserID, it.event.SessionID)
			continue
		}
		if err := l.write(key, it.event); err != nil {
			l.logger.Warn("Failed to write transcript event", "error", err, "user_id", it.event.UserID)
		}
	}
	for key, of := range l.files {
		l.closeFile(key, of)
	}
}

func (l *fileLogger) write(key string, event Event) error {
	of, err := l.open(key, event.UserID, event.SessionID)
	if err != nil {
		return err
	}
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := of.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return of.w.Flush()
}

func (l *fileLogger) open(key, userID, sessionID string) (*openFile, error) {
	if of, ok := l.files[key]; ok {
		return of, nil
	}
	path := Path(l.cfg.Dir, userID, sessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create user dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	of := &openFile{f: f, w: bufio.NewWriter(f)}
	l.files[key] = of
	return of, nil
}

func (l *fileLogger) finish(key, userID, sessionID string) {
	of, ok := l.files[key]
	if !ok {
		return
	}
	l.closeFile(key, of)
	if !l.cfg.Compress {
		return
	}
	path := Path(l.cfg.Dir, userID, sessionID)
	archived, err := Archive(path)
	if err != nil {
		l.logger.Warn("Failed to archive transcript", "error", err, "path", path)
		return
	}
	l.logger.Info("Transcript archived", "user_id", userID, "session_id", sessionID, "path", archived)
}

func (l *fileLogger) closeFile(key string, of *openFile) {
	if err := of.w.Flush(); err != nil {
		l.logger.Warn("Failed to flush transcript", "error", err)
	}
	if err := of.f.Close(); err != nil {
		l.logger.Warn("Failed to close transcript", "error", err)
	}
	delete(l.files, key)
}

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// Path returns the transcript file for a user session.
func Path(dir, userID, sessionID string) string {
	return filepath.Join(dir, safeName(userID), safeName(sessionID)+".ndjson")
}

func safeName(s string) string {
	if s == "" {
		return "_"
	}
	return unsafePathChars.ReplaceAllString(s, "_")
}

func sessionKey(userID, sessionID string) string {
	return userID + ":" + sessionID
}
