package eventlog

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func testDSN(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
}

func newTestStore(t *testing.T, cfg ...SQLiteStoreConfig) *SQLiteStore {
	t.Helper()
	var c SQLiteStoreConfig
	if len(cfg) > 0 {
		c = cfg[0]
	}
	if c.DSN == "" {
		c.DSN = testDSN(t)
	}
	store, err := NewSQLiteStore(c)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func makeEntry(id, toolID string, ts time.Time) Entry {
	return Entry{
		ID:        id,
		Timestamp: ts,
		Level:     LevelInfo,
		Message:   "Connection status changed to connecting",
		ToolID:    toolID,
		Details:   map[string]any{"previousStatus": "disconnected"},
	}
}

func TestSQLiteStore_AppendList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i := 1; i <= 4; i++ {
		toolID := "a"
		if i%2 == 0 {
			toolID = "b"
		}
		if err := store.Append(ctx, makeEntry(fmt.Sprintf("e%d", i), toolID, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
	}

	all, err := store.List(ctx, "", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 4 || all[0].ID != "e4" || all[3].ID != "e1" {
		t.Fatalf("List() = %+v, want e4..e1", all)
	}
	if all[0].Details["previousStatus"] != "disconnected" {
		t.Fatalf("details = %v", all[0].Details)
	}
	if !all[0].Timestamp.Equal(base.Add(4 * time.Second)) {
		t.Fatalf("timestamp = %v, want %v", all[0].Timestamp, base.Add(4*time.Second))
	}

	forA, err := store.List(ctx, "a", 0)
	if err != nil {
		t.Fatalf("List(a): %v", err)
	}
	if len(forA) != 2 || forA[0].ID != "e3" || forA[1].ID != "e1" {
		t.Fatalf("List(a) = %+v, want [e3 e1]", forA)
	}

	limited, err := store.List(ctx, "", 1)
	if err != nil {
		t.Fatalf("List(limit): %v", err)
	}
	if len(limited) != 1 || limited[0].ID != "e4" {
		t.Fatalf("List(limit 1) = %+v, want [e4]", limited)
	}
}

func TestSQLiteStore_Clear(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	_ = store.Append(ctx, makeEntry("e1", "a", now))
	_ = store.Append(ctx, makeEntry("e2", "b", now))

	if err := store.Clear(ctx, "a"); err != nil {
		t.Fatalf("Clear(a): %v", err)
	}
	remaining, _ := store.List(ctx, "", 0)
	if len(remaining) != 1 || remaining[0].ToolID != "b" {
		t.Fatalf("List() after Clear(a) = %+v", remaining)
	}

	if err := store.Clear(ctx, ""); err != nil {
		t.Fatalf("Clear(): %v", err)
	}
	remaining, _ = store.List(ctx, "", 0)
	if len(remaining) != 0 {
		t.Fatalf("List() after Clear() = %+v, want empty", remaining)
	}
}

func TestSQLiteStore_PruneByCount(t *testing.T) {
	store := newTestStore(t, SQLiteStoreConfig{RetentionCount: 2, PruneInterval: time.Hour})
	ctx := context.Background()
	now := time.Now().UTC()
	for i := 1; i <= 5; i++ {
		_ = store.Append(ctx, makeEntry(fmt.Sprintf("e%d", i), "a", now))
	}

	if err := store.Prune(ctx); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	remaining, _ := store.List(ctx, "", 0)
	if len(remaining) != 2 || remaining[0].ID != "e5" || remaining[1].ID != "e4" {
		t.Fatalf("List() after prune = %+v, want [e5 e4]", remaining)
	}
}

func TestSQLiteStore_PruneByAge(t *testing.T) {
	store := newTestStore(t, SQLiteStoreConfig{RetentionAge: time.Hour, PruneInterval: time.Hour})
	ctx := context.Background()
	now := time.Now().UTC()
	_ = store.Append(ctx, makeEntry("old", "a", now.Add(-2*time.Hour)))
	_ = store.Append(ctx, makeEntry("new", "a", now))

	if err := store.Prune(ctx); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	remaining, _ := store.List(ctx, "", 0)
	if len(remaining) != 1 || remaining[0].ID != "new" {
		t.Fatalf("List() after prune = %+v, want [new]", remaining)
	}
}

func TestLogRestoreFromSQLite(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := newTestLog(0, store)
	first.Add(ctx, "t1", "one", LevelInfo, nil)
	first.Add(ctx, "t1", "two", LevelSuccess, nil)

	second := newTestLog(1, store)
	if err := second.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	entries := second.Logs()
	if len(entries) != 1 || entries[0].Message != "two" {
		t.Fatalf("Logs() after Restore() = %+v, want [two]", entries)
	}

	first.Clear(ctx, "t1")
	persisted, _ := store.List(ctx, "t1", 0)
	if len(persisted) != 0 {
		t.Fatalf("persisted after Clear() = %+v, want empty", persisted)
	}
}
