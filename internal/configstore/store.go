// Package configstore holds the operating configuration and reconciles it
// against values fetched from the node agent or a file.
package configstore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sweeney/hr-sensor/internal/logic"
)

// Source fetches the latest operating configuration.
type Source interface {
	Fetch(ctx context.Context) (logic.Configuration, error)
}

// Store holds the current configuration snapshot.
// Refresh replaces the whole value; readers never see a partial update.
type Store struct {
	source Source
	logger *slog.Logger

	mu        sync.RWMutex
	current   logic.Configuration
	version   uint64
	updatedAt time.Time
}

// New creates a Store seeded with initial. A nil source makes Refresh a no-op.
func New(source Source, initial logic.Configuration, logger *slog.Logger) *Store {
	return &Store{
		source:  source,
		logger:  logger,
		current: initial,
	}
}

// Refresh fetches the configuration and replaces the stored value if it
// differs. Failures are logged and the last good value is kept.
// Returns true when the stored value was replaced.
func (s *Store) Refresh(ctx context.Context) bool {
	if s.source == nil {
		s.logger.Debug("no config source, keeping static configuration")
		return false
	}

	s.logger.Info("reading config")
	cfg, err := s.source.Fetch(ctx)
	if err != nil {
		s.logger.Error("config fetch failed, keeping last known configuration", "error", err)
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg == s.current {
		return false
	}

	s.current = cfg
	s.version++
	s.updatedAt = time.Now()
	s.logger.Info("configuration replaced",
		"test_mode", cfg.TestMode,
		"data_label", cfg.DataLabel,
		"version", s.version)
	return true
}

// Current returns the latest configuration snapshot.
func (s *Store) Current() logic.Configuration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Version counts replacements since startup.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// UpdatedAt returns when the value was last replaced (zero if never).
func (s *Store) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}
