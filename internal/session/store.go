// Package session persists conversations so a later run can resume them.
package session

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/samsaffron/term-agent/internal/config"
)

// ErrNotFound is returned when a session id does not exist.
var ErrNotFound = errors.New("session not found")

// Store is the interface for session persistence.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, opts ListOptions) ([]SessionSummary, error)

	// AddMessage appends a full llm.Message with its parts.
	AddMessage(ctx context.Context, sessionID string, msg *Message) error
	GetMessages(ctx context.Context, sessionID string, limit, offset int) ([]Message, error)

	// UpdateMetrics adds to the running counters.
	UpdateMetrics(ctx context.Context, id string, llmTurns, toolCalls, inputTokens, outputTokens, cachedInputTokens int) error
	UpdateStatus(ctx context.Context, id string, status SessionStatus) error

	Close() error
}

// Config holds session storage configuration.
type Config struct {
	Enabled bool
	Path    string // Database path; empty means the data directory default
}

// FromConfig converts the sessions section of the app config.
func FromConfig(cfg config.SessionsConfig) Config {
	return Config{Enabled: cfg.Enabled, Path: cfg.Path}
}

// GetDBPath returns the database path for cfg.
func GetDBPath(cfg Config) (string, error) {
	if cfg.Path != "" {
		return cfg.Path, nil
	}
	dataDir, err := config.GetDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "sessions.db"), nil
}

// NewStore creates a Store. If sessions are disabled, returns a no-op store.
func NewStore(cfg Config) (Store, error) {
	if !cfg.Enabled {
		return &NoopStore{}, nil
	}
	return NewSQLiteStore(cfg)
}
