package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
)

// Persona holds the model settings and prompts used for the two upstream
// completions. It can be overridden by a TOML file.
type Persona struct {
	Niceness NicenessPersona `toml:"niceness"`
	Chat     ChatPersona     `toml:"chat"`
}

// NicenessPersona configures the sentiment rating completion.
type NicenessPersona struct {
	Model        string  `toml:"model"`
	Temperature  float64 `toml:"temperature"`
	MaxTokens    int     `toml:"max_tokens"`
	SystemPrompt string  `toml:"system_prompt"`
}

// ChatPersona configures the reply completion.
type ChatPersona struct {
	Model        string  `toml:"model"`
	Temperature  float64 `toml:"temperature"`
	SystemPrompt string  `toml:"system_prompt"`
}

// DefaultPersona returns the built-in persona.
func DefaultPersona() Persona {
	return Persona{
		Niceness: NicenessPersona{
			Model:        "llama-3.1-8b-instant",
			Temperature:  0,
			MaxTokens:    4,
			SystemPrompt: "Rate the niceness of the user's text from 0 to 10. 0 is cruel, 5 is neutral, 10 is extremely kind. Respond with ONLY the number.",
		},
		Chat: ChatPersona{
			Model:        "llama-3.3-70b-versatile",
			Temperature:  0.7,
			SystemPrompt: "You are a helpful assistant. Be concise.",
		},
	}
}

// LoadPersona overlays the TOML file at path onto the defaults. An empty
// path returns the defaults.
func LoadPersona(path string) (Persona, error) {
	p := DefaultPersona()
	if path == "" {
		return p, nil
	}
	if _, err := toml.DecodeFile(path, &p); err != nil {
		return DefaultPersona(), fmt.Errorf("parse persona %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return DefaultPersona(), fmt.Errorf("persona %s: %w", path, err)
	}
	return p, nil
}

// Validate rejects personas the upstream cannot serve.
func (p Persona) Validate() error {
	if p.Niceness.Model == "" {
		return fmt.Errorf("niceness.model cannot be empty")
	}
	if p.Chat.Model == "" {
		return fmt.Errorf("chat.model cannot be empty")
	}
	if p.Niceness.MaxTokens <= 0 {
		return fmt.Errorf("niceness.max_tokens must be > 0")
	}
	if p.Niceness.Temperature < 0 || p.Chat.Temperature < 0 {
		return fmt.Errorf("temperature cannot be negative")
	}
	return nil
}

// PersonaStore serves the current persona and swaps it on reload.
type PersonaStore struct {
	path    string
	current atomic.Pointer[Persona]
}

// NewPersonaStore loads path (or the defaults when empty).
func NewPersonaStore(path string) (*PersonaStore, error) {
	p, err := LoadPersona(path)
	if err != nil {
		return nil, err
	}
	s := &PersonaStore{path: path}
	s.current.Store(&p)
	return s, nil
}

// Current returns the active persona.
func (s *PersonaStore) Current() Persona {
	return *s.current.Load()
}

// Reload re-reads the file. On error the previous persona stays active.
func (s *PersonaStore) Reload() error {
	p, err := LoadPersona(s.path)
	if err != nil {
		return err
	}
	s.current.Store(&p)
	return nil
}

// Watch reloads the persona whenever its file changes, until ctx is done.
// It watches the parent directory so editors that replace the file on save
// are picked up. No-op when the store has no file.
func (s *PersonaStore) Watch(ctx context.Context, logger *slog.Logger) error {
	if s.path == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create persona watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch persona dir: %w", err)
	}

	target := filepath.Clean(s.path)
	go func() {
		defer watcher.Close()
		logger.Info("Persona watcher started", "path", target)
		for {
			select {
			case <-ctx.Done():
				logger.Info("Persona watcher shutting down", "reason", ctx.Err())
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if err := s.Reload(); err != nil {
					logger.Warn("Persona reload failed, keeping previous", "error", err, "path", target)
					continue
				}
				logger.Info("Persona reloaded", "path", target)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("Persona watcher error", "error", err)
			}
		}
	}()
	return nil
}
