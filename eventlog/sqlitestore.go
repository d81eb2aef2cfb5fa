package eventlog

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLiteStoreConfig configures the SQLite log store.
type SQLiteStoreConfig struct {
	// DSN is the database connection string.
	DSN string

	// RetentionAge deletes entries older than this duration (0 = no age pruning).
	RetentionAge time.Duration

	// RetentionCount keeps at most this many entries overall (0 = no count pruning).
	RetentionCount int

	// PruneInterval is how often to run pruning (default 1 hour).
	PruneInterval time.Duration
}

// SQLiteStore persists log entries to SQLite with optional background pruning.
type SQLiteStore struct {
	db   *sql.DB
	cfg  SQLiteStoreConfig
	stop chan struct{}
	done chan struct{}
}

// NewSQLiteStore opens (or creates) a SQLite log store.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("eventlog: sqlite dsn is required")
	}
	if cfg.PruneInterval == 0 {
		cfg.PruneInterval = time.Hour
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("eventlog: set WAL mode: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("eventlog: create schema: %w", err)
	}

	s := &SQLiteStore{
		db:   db,
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	if cfg.RetentionAge > 0 || cfg.RetentionCount > 0 {
		go s.pruneLoop()
	} else {
		close(s.done)
	}

	return s, nil
}

// Append stores an entry.
func (s *SQLiteStore) Append(ctx context.Context, entry Entry) error {
	details := entry.Details
	if details == nil {
		details = map[string]any{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("eventlog: marshal details: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO connection_logs (id, tool_id, level, message, details, time)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.ToolID,
		string(entry.Level),
		entry.Message,
		string(detailsJSON),
		entry.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("eventlog: append: %w", err)
	}
	return nil
}

// List returns entries newest-first.
func (s *SQLiteStore) List(ctx context.Context, toolID string, limit int) ([]Entry, error) {
	query := `SELECT id, tool_id, level, message, details, time FROM connection_logs`
	var args []any
	if toolID != "" {
		query += ` WHERE tool_id = ?`
		args = append(args, toolID)
	}
	query += ` ORDER BY seq DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("eventlog: list: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// Clear removes entries for toolID, or every entry when toolID is empty.
func (s *SQLiteStore) Clear(ctx context.Context, toolID string) error {
	var err error
	if toolID == "" {
		_, err = s.db.ExecContext(ctx, `DELETE FROM connection_logs`)
	} else {
		_, err = s.db.ExecContext(ctx, `DELETE FROM connection_logs WHERE tool_id = ?`, toolID)
	}
	if err != nil {
		return fmt.Errorf("eventlog: clear: %w", err)
	}
	return nil
}

// Close stops the background pruner and closes the database connection.
func (s *SQLiteStore) Close() error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
	return s.db.Close()
}

// Prune runs a single pruning pass.
func (s *SQLiteStore) Prune(ctx context.Context) error {
	if s.cfg.RetentionAge > 0 {
		cutoff := time.Now().UTC().Add(-s.cfg.RetentionAge).Format(time.RFC3339Nano)
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM connection_logs WHERE time < ?`, cutoff,
		); err != nil {
			return fmt.Errorf("eventlog: prune by age: %w", err)
		}
	}

	if s.cfg.RetentionCount > 0 {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM connection_logs WHERE seq NOT IN (
				SELECT seq FROM connection_logs ORDER BY seq DESC LIMIT ?
			)`, s.cfg.RetentionCount,
		); err != nil {
			return fmt.Errorf("eventlog: prune by count: %w", err)
		}
	}

	return nil
}

func (s *SQLiteStore) pruneLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			_ = s.Prune(context.Background())
		}
	}
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var (
			e           Entry
			level       string
			detailsJSON string
			timeStr     string
		)
		if err := rows.Scan(&e.ID, &e.ToolID, &level, &e.Message, &detailsJSON, &timeStr); err != nil {
			return nil, fmt.Errorf("eventlog: scan entry: %w", err)
		}
		e.Level = Level(level)

		ts, err := time.Parse(time.RFC3339Nano, timeStr)
		if err != nil {
			return nil, fmt.Errorf("eventlog: parse time %q: %w", timeStr, err)
		}
		e.Timestamp = ts

		if detailsJSON != "" && detailsJSON != "{}" {
			if err := json.Unmarshal([]byte(detailsJSON), &e.Details); err != nil {
				return nil, fmt.Errorf("eventlog: unmarshal details: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

var _ Store = (*SQLiteStore)(nil)
