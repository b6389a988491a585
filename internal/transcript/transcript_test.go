package transcript

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoggerWritesPerSessionNDJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := New(Config{Enabled: true, Dir: dir, QueueSize: 16}, slog.Default())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() { _ = logger.Close() }()

	score := 8
	logger.Log(Event{UserID: "user-1", SessionID: "tab-1", EventType: EventUserMessage, Content: "hello"})
	logger.Log(Event{UserID: "user-1", SessionID: "tab-1", EventType: EventClassification, Score: &score})

	path := filepath.Join(dir, "user-1", "tab-1.ndjson")
	lines := waitForLines(t, path, 2)

	var got Event
	if err := json.Unmarshal([]byte(lines[0]), &got); err != nil {
		t.Fatalf("unmarshal line: %v", err)
	}
	if got.Content != "hello" || got.EventType != EventUserMessage {
		t.Fatalf("unexpected first event: %+v", got)
	}
	if got.Timestamp == "" {
		t.Fatal("expected timestamp to be filled in")
	}
	if err := json.Unmarshal([]byte(lines[1]), &got); err != nil {
		t.Fatalf("unmarshal line: %v", err)
	}
	if got.Score == nil || *got.Score != 8 {
		t.Fatalf("unexpected score: %+v", got.Score)
	}
}

func TestLoggerArchivesOnFinish(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := New(Config{Enabled: true, Dir: dir, QueueSize: 16, Compress: true}, slog.Default())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	logger.Log(Event{UserID: "u", SessionID: "s", EventType: EventUserMessage, Content: "bye"})
	logger.Finish("u", "s")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	path := Path(dir, "u", "s")
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected plain transcript to be removed, stat err = %v", err)
	}
	data, err := ReadArchive(path + ArchiveSuffix)
	if err != nil {
		t.Fatalf("ReadArchive failed: %v", err)
	}
	if !strings.Contains(string(data), `"content":"bye"`) {
		t.Fatalf("archive missing event: %s", data)
	}
}

func TestLoggerDisabledIsNoop(t *testing.T) {
	logger, err := New(Config{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := logger.(Noop); !ok {
		t.Fatalf("expected Noop, got %T", logger)
	}
	logger.Log(Event{})
	logger.Finish("u", "s")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestLogAfterCloseIsDropped(t *testing.T) {
	logger, err := New(Config{Enabled: true, Dir: t.TempDir(), QueueSize: 1}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	_ = logger.Close()
	// Must not panic on a closed queue.
	logger.Log(Event{UserID: "u", SessionID: "s"})
	_ = logger.Close()
}

func TestPathSanitizesNames(t *testing.T) {
	got := Path("/logs", "anon_ab12", "../tab:1")
	want := filepath.Join("/logs", "anon_ab12", "___tab_1.ndjson")
	if got != want {
		t.Fatalf("Path = %q, want %q", got, want)
	}
}

func waitForLines(t *testing.T, path string, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil && len(data) > 0 {
			lines := strings.Split(strings.TrimSpace(string(data)), "\n")
			if len(lines) >= n {
				return lines
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d lines in %s", n, path)
	return nil
}
