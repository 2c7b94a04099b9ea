package config

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Loader produces a complete, validated Settings value from the external source.
type Loader func() (*Settings, error)

// FileLoader returns a Loader reading filePath.
func FileLoader(filePath string) Loader {
	return func() (*Settings, error) {
		return LoadFromFile(filePath)
	}
}

// Store holds the active Settings. Readers always observe a complete snapshot; Replace and
// Reload swap the snapshot atomically and then notify subscribers in registration order.
type Store struct {
	load    Loader
	current atomic.Pointer[Settings]

	mu          sync.Mutex // serializes replacements so subscribers see them in order
	subscribers []func(Settings)
}

// NewStore loads the baseline settings. A failure here is fatal for the caller: the process
// cannot run without a valid configuration.
func NewStore(load Loader) (*Store, error) {
	cfg, err := load()
	if err != nil {
		return nil, fmt.Errorf("config: load baseline: %w", err)
	}
	s := &Store{load: load}
	s.current.Store(cfg)
	return s, nil
}

// Current returns a copy of the active settings.
func (s *Store) Current() Settings {
	return *s.current.Load()
}

// Subscribe registers fn to be called after every replacement. fn must not block.
func (s *Store) Subscribe(fn func(Settings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// Replace installs cfg as the active settings and notifies subscribers.
func (s *Store) Replace(cfg Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := cfg
	s.current.Store(&next)
	for _, fn := range s.subscribers {
		fn(next)
	}
}

// Reload reads the external source again. On failure the previous settings stay active.
func (s *Store) Reload() error {
	cfg, err := s.load()
	if err != nil {
		slog.Error("config reload failed, keeping previous settings", "error", err)
		return err
	}
	s.Replace(*cfg)
	slog.Info("config reloaded",
		"interval_seconds", cfg.IntervalSeconds,
		"max_retries", cfg.MaxRetries,
		"store_type", cfg.StoreType)
	return nil
}
