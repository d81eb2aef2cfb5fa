// Package eventlog records connection status changes as a bounded,
// newest-first list of log entries. A Log plugs into a connection.Controller
// as a Notifier and can mirror its entries into a persistent Store.
package eventlog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/toolconn/connection"
)

// DefaultCapacity is the number of entries kept when no capacity is configured.
const DefaultCapacity = 1000

// Level classifies a log entry.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Entry is one connection log record.
type Entry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Message   string         `json:"message"`
	ToolID    string         `json:"toolId"`
	Details   map[string]any `json:"details,omitempty"`
}

// Store persists log entries.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	// List returns entries newest-first. An empty toolID lists every tool;
	// a non-positive limit means no limit.
	List(ctx context.Context, toolID string, limit int) ([]Entry, error)
	// Clear removes entries for toolID, or every entry when toolID is empty.
	Clear(ctx context.Context, toolID string) error
}

// LogConfig configures a Log.
type LogConfig struct {
	// Capacity bounds the in-memory entries (default: 1000).
	Capacity int
	Store    Store
	Logger   *slog.Logger
	Now      func() time.Time
	NewID    func() string
}

// Log is a bounded newest-first list of connection log entries.
type Log struct {
	capacity int
	store    Store
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string

	mu      sync.RWMutex
	entries []Entry
}

// NewLog creates an empty log.
func NewLog(cfg LogConfig) *Log {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Log{
		capacity: cfg.Capacity,
		store:    cfg.Store,
		logger:   cfg.Logger,
		now:      cfg.Now,
		newID:    cfg.NewID,
	}
}

// Capacity returns the maximum number of in-memory entries.
func (l *Log) Capacity() int {
	return l.capacity
}

// Add prepends an entry, dropping the oldest entries beyond capacity.
func (l *Log) Add(ctx context.Context, toolID, message string, level Level, details map[string]any) Entry {
	entry := Entry{
		ID:        l.newID(),
		Timestamp: l.now(),
		Level:     level,
		Message:   message,
		ToolID:    toolID,
		Details:   details,
	}

	l.mu.Lock()
	l.entries = append(l.entries, Entry{})
	copy(l.entries[1:], l.entries)
	l.entries[0] = entry
	if len(l.entries) > l.capacity {
		clear(l.entries[l.capacity:])
		l.entries = l.entries[:l.capacity]
	}
	l.mu.Unlock()

	if l.store != nil {
		if err := l.store.Append(ctx, entry); err != nil {
			l.logger.Error("eventlog: failed to persist entry",
				"tool_id", toolID,
				"entry_id", entry.ID,
				"error", err,
			)
		}
	}
	return entry
}

// Logs returns every entry, newest first.
func (l *Log) Logs() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Entry(nil), l.entries...)
}

// ToolLogs returns the entries for toolID, newest first.
func (l *Log) ToolLogs(toolID string) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Entry
	for _, entry := range l.entries {
		if entry.ToolID == toolID {
			out = append(out, entry)
		}
	}
	return out
}

// Len returns the number of in-memory entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Clear removes entries for toolID, or all entries when toolID is empty.
func (l *Log) Clear(ctx context.Context, toolID string) {
	l.mu.Lock()
	if toolID == "" {
		l.entries = nil
	} else {
		kept := l.entries[:0]
		for _, entry := range l.entries {
			if entry.ToolID != toolID {
				kept = append(kept, entry)
			}
		}
		clear(l.entries[len(kept):])
		l.entries = kept
	}
	l.mu.Unlock()

	if l.store != nil {
		if err := l.store.Clear(ctx, toolID); err != nil {
			l.logger.Error("eventlog: failed to clear persisted entries", "tool_id", toolID, "error", err)
		}
	}
}

// Restore loads the newest persisted entries into memory, replacing the
// current contents.
func (l *Log) Restore(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	entries, err := l.store.List(ctx, "", l.capacity)
	if err != nil {
		return fmt.Errorf("eventlog: restore: %w", err)
	}

	l.mu.Lock()
	l.entries = entries
	l.mu.Unlock()
	return nil
}

// Notify records a status change.
func (l *Log) Notify(ctx context.Context, change connection.StatusChange) {
	details := map[string]any{
		"previousStatus": string(change.PreviousStatus),
	}
	if change.Error != nil {
		details["error"] = change.Error
	}
	l.Add(ctx, change.ToolID, StatusMessage(change.Status), LevelForStatus(change.Status), details)
}

// StatusMessage renders the log message for a status change.
func StatusMessage(status connection.Status) string {
	return fmt.Sprintf("Connection status changed to %s", status)
}

// LevelForStatus maps a connection status to a log level.
func LevelForStatus(status connection.Status) Level {
	switch status {
	case connection.StatusError:
		return LevelError
	case connection.StatusConnected:
		return LevelSuccess
	default:
		return LevelInfo
	}
}

var _ connection.Notifier = (*Log)(nil)
