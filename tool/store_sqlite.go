package tool

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteStoreSchema = `
CREATE TABLE IF NOT EXISTS tools (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	payload BLOB NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tools_created ON tools(created_at, id);`

const (
	defaultSQLiteStoreDir = ".toolconn"
	defaultSQLiteStoreDB  = "toolconn.db"
)

// SQLiteStoreConfig configures the SQLite-backed tool store.
type SQLiteStoreConfig struct {
	DSN string
	// Scope controls secret key derivation; defaults to DSN.
	Scope string
}

// SQLiteStore persists tools in SQLite. Passwords, tokens and API keys are
// encrypted before they are written.
type SQLiteStore struct {
	db    *sql.DB
	codec *secretCodec
}

// DefaultSQLitePath returns the default SQLite path for CLI/daemon storage.
func DefaultSQLitePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("tool: resolve user home: %w", err)
	}
	return filepath.Join(home, defaultSQLiteStoreDir, defaultSQLiteStoreDB), nil
}

// NewSQLiteStore opens (or creates) a SQLite-backed tool store.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("tool: sqlite store dsn is required")
	}
	if dir := filepath.Dir(cfg.DSN); !strings.HasPrefix(cfg.DSN, "file:") && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("tool: sqlite store create dir: %w", err)
		}
	}

	scope := cfg.Scope
	if strings.TrimSpace(scope) == "" {
		scope = cfg.DSN
	}
	codec, err := newSecretCodec(scope)
	if err != nil {
		return nil, fmt.Errorf("tool: initialize secret codec: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("tool: sqlite store open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("tool: sqlite store set WAL mode: %w", err)
	}

	if _, err := db.Exec(sqliteStoreSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("tool: sqlite store create schema: %w", err)
	}

	return &SQLiteStore{db: db, codec: codec}, nil
}

// List returns all tools ordered by creation time, then id.
func (s *SQLiteStore) List(ctx context.Context) ([]Tool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.db == nil {
		return nil, errors.New("tool: sqlite store is nil")
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT payload
FROM tools
ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("tool: sqlite list tools: %w", err)
	}
	defer rows.Close()

	tools := make([]Tool, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("tool: sqlite scan tool: %w", err)
		}
		t, err := s.decodeTool(payload)
		if err != nil {
			return nil, err
		}
		tools = append(tools, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tool: sqlite tool rows: %w", err)
	}
	return tools, nil
}

// Get returns a tool by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (Tool, bool, error) {
	if err := ctx.Err(); err != nil {
		return Tool{}, false, err
	}
	if s == nil || s.db == nil {
		return Tool{}, false, errors.New("tool: sqlite store is nil")
	}

	row := s.db.QueryRowContext(ctx, `SELECT payload FROM tools WHERE id = ?`, strings.TrimSpace(id))

	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Tool{}, false, nil
		}
		return Tool{}, false, fmt.Errorf("tool: sqlite get tool: %w", err)
	}

	t, err := s.decodeTool(payload)
	if err != nil {
		return Tool{}, false, err
	}
	return t, true, nil
}

// Upsert inserts or updates a tool by id.
func (s *SQLiteStore) Upsert(ctx context.Context, t Tool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return errors.New("tool: sqlite store is nil")
	}
	if strings.TrimSpace(t.ID) == "" {
		return errors.New("tool: id is required")
	}

	payload, err := s.encodeTool(t)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO tools (id, name, payload, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	name = excluded.name,
	payload = excluded.payload,
	updated_at = excluded.updated_at`,
		t.ID,
		t.Name,
		payload,
		t.CreatedAt.UTC().Format(time.RFC3339Nano),
		t.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("tool: sqlite upsert tool: %w", err)
	}
	return nil
}

// Delete removes a tool by id. Deleting a missing id is a no-op.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return errors.New("tool: sqlite store is nil")
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM tools WHERE id = ?`, strings.TrimSpace(id)); err != nil {
		return fmt.Errorf("tool: sqlite delete tool: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) encodeTool(t Tool) ([]byte, error) {
	clone := cloneTool(t)
	if err := s.codec.sealCredentials(&clone); err != nil {
		return nil, err
	}
	data, err := json.Marshal(clone)
	if err != nil {
		return nil, fmt.Errorf("tool: sqlite encode tool: %w", err)
	}
	return data, nil
}

func (s *SQLiteStore) decodeTool(payload []byte) (Tool, error) {
	var t Tool
	if err := json.Unmarshal(payload, &t); err != nil {
		return Tool{}, fmt.Errorf("tool: sqlite decode tool: %w", err)
	}
	if err := s.codec.openCredentials(&t); err != nil {
		return Tool{}, err
	}
	return t, nil
}

var _ Store = (*SQLiteStore)(nil)
