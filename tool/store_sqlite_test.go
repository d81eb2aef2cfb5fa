package tool

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/petal-labs/toolconn/connection"
)

func newSQLiteToolStore(t *testing.T) *SQLiteStore {
	t.Helper()

	path := filepath.Join(t.TempDir(), "tools.db")
	store, err := NewSQLiteStore(SQLiteStoreConfig{
		DSN:   path,
		Scope: path,
	})
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func sampleTool(id string, created time.Time) Tool {
	lastActive := created.Add(time.Minute)
	return Tool{
		ID:             id,
		Name:           "tool " + id,
		ConnectionType: connection.ConnectionTypeHTTP,
		Endpoint:       "https://tools.example.com/" + id,
		AuthMethod:     connection.AuthMethodBasic,
		Username:       "operator",
		Password:       "hunter2",
		Token:          "tok-" + id,
		APIKey:         "key-" + id,
		Status:         StatusConnected,
		LastActive:     &lastActive,
		CreatedAt:      created,
		UpdatedAt:      created,
	}
}

func TestStoresRoundTrip(t *testing.T) {
	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": newSQLiteToolStore(t),
	}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)

			second := sampleTool("b", base.Add(time.Hour))
			first := sampleTool("a", base)
			for _, tool := range []Tool{second, first} {
				if err := store.Upsert(ctx, tool); err != nil {
					t.Fatalf("Upsert() error = %v", err)
				}
			}

			got, ok, err := store.Get(ctx, "a")
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if !ok {
				t.Fatal("Get() ok = false, want true")
			}
			if got.Password != "hunter2" || got.Token != "tok-a" || got.APIKey != "key-a" {
				t.Fatalf("Get() credentials = %q/%q/%q", got.Password, got.Token, got.APIKey)
			}
			if got.LastActive == nil || !got.LastActive.Equal(*first.LastActive) {
				t.Fatalf("Get() lastActive = %v, want %v", got.LastActive, first.LastActive)
			}

			list, err := store.List(ctx)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(list) != 2 || list[0].ID != "a" || list[1].ID != "b" {
				t.Fatalf("List() order = %+v", list)
			}

			first.Status = StatusError
			if err := store.Upsert(ctx, first); err != nil {
				t.Fatalf("Upsert() update error = %v", err)
			}
			got, _, _ = store.Get(ctx, "a")
			if got.Status != StatusError {
				t.Fatalf("Get() status = %q, want error", got.Status)
			}

			if err := store.Delete(ctx, "a"); err != nil {
				t.Fatalf("Delete() error = %v", err)
			}
			if _, ok, _ := store.Get(ctx, "a"); ok {
				t.Fatal("Get() after Delete ok = true")
			}
			if err := store.Delete(ctx, "a"); err != nil {
				t.Fatalf("Delete() missing error = %v", err)
			}

			if err := store.Upsert(ctx, Tool{}); err == nil {
				t.Fatal("Upsert() without id error = nil")
			}
		})
	}
}

func TestSQLiteStoreEncryptsCredentials(t *testing.T) {
	store := newSQLiteToolStore(t)
	ctx := context.Background()

	tool := sampleTool("enc", time.Now().UTC())
	if err := store.Upsert(ctx, tool); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	var payload string
	if err := store.db.QueryRowContext(ctx, `SELECT payload FROM tools WHERE id = ?`, "enc").Scan(&payload); err != nil {
		t.Fatalf("raw select error = %v", err)
	}
	for _, secret := range []string{"hunter2", "tok-enc", "key-enc"} {
		if strings.Contains(payload, secret) {
			t.Fatalf("payload stores %q in plaintext: %s", secret, payload)
		}
	}
	if !strings.Contains(payload, encryptedValuePrefix) {
		t.Fatalf("payload has no encrypted values: %s", payload)
	}
	if !strings.Contains(payload, "operator") {
		t.Fatalf("payload should keep the username: %s", payload)
	}
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tools.db")
	store, err := NewSQLiteStore(SQLiteStoreConfig{DSN: path})
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	if err := store.Upsert(context.Background(), sampleTool("keep", time.Now().UTC())); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	_ = store.Close()

	reopened, err := NewSQLiteStore(SQLiteStoreConfig{DSN: path})
	if err != nil {
		t.Fatalf("NewSQLiteStore() reopen error = %v", err)
	}
	defer reopened.Close()

	got, ok, err := reopened.Get(context.Background(), "keep")
	if err != nil || !ok {
		t.Fatalf("Get() = ok %v, err %v", ok, err)
	}
	if got.Token != "tok-keep" {
		t.Fatalf("Get() token = %q", got.Token)
	}
}

func TestNewSQLiteStoreRequiresDSN(t *testing.T) {
	if _, err := NewSQLiteStore(SQLiteStoreConfig{}); err == nil {
		t.Fatal("NewSQLiteStore() error = nil, want dsn error")
	}
}
