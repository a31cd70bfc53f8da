// Package audit appends one JSON line per script run to an audit log.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jkaninda/scriptbox/internal/supervisor"
)

// Event is one audited run.
type Event struct {
	Timestamp   time.Time         `json:"timestamp"`
	ExecutionID string            `json:"execution_id"`
	UserID      string            `json:"user_id"`
	GuildID     string            `json:"guild_id,omitempty"`
	Action      string            `json:"action"`
	Privileged  bool              `json:"privileged"`
	Scripts     []string          `json:"scripts"`
	Status      supervisor.Status `json:"status"`
	Diagnostic  string            `json:"diagnostic,omitempty"`
	Steps       int64             `json:"steps"`
	DurationMs  int64             `json:"duration_ms"`
}

// NewEvent describes res as run by userID.
func NewEvent(action, userID, guildID string, privileged bool, res *supervisor.ExecutionResult) Event {
	names := make([]string, len(res.Scripts))
	for i, s := range res.Scripts {
		names[i] = s.Name
	}
	return Event{
		Timestamp:   time.Now().UTC(),
		ExecutionID: res.ID,
		UserID:      userID,
		GuildID:     guildID,
		Action:      action,
		Privileged:  privileged,
		Scripts:     names,
		Status:      res.Status,
		Diagnostic:  res.Diagnostic,
		Steps:       res.Steps,
		DurationMs:  res.Duration.Milliseconds(),
	}
}

// Logger writes events as append-only JSONL. Safe for concurrent use.
// A nil Logger discards events.
type Logger struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
}

// Open opens (or creates) the audit log at path with mode 0600.
func Open(path string, logger *slog.Logger) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	return &Logger{file: f, logger: logger}, nil
}

// Record appends event to the log.
func (l *Logger) Record(ctx context.Context, event Event) error {
	if l == nil {
		return nil
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	_, writeErr := l.file.Write(data)
	l.mu.Unlock()
	if writeErr != nil {
		return fmt.Errorf("writing audit event: %w", writeErr)
	}

	l.logger.DebugContext(ctx, "audit event recorded",
		slog.String("action", event.Action),
		slog.String("user_id", event.UserID),
		slog.String("execution_id", event.ExecutionID),
		slog.String("status", string(event.Status)),
	)
	return nil
}

// Close closes the underlying file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
