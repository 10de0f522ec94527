package opstate

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
)

// testStore opens an in-memory store on the pure-Go driver. A single
// connection keeps every query on the same memory database.
func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open(DriverPure, ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(1)
	s, err := NewStoreFromDB(db)
	if err != nil {
		db.Close()
		t.Fatalf("NewStoreFromDB: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetMissing(t *testing.T) {
	s := testStore(t)

	val, err := s.Get(context.Background(), "ns", "missing")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "" {
		t.Errorf("Get() = %q, want empty string for missing key", val)
	}
}

func TestSetGetUpsert(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	tests := []struct {
		value string
	}{
		{`{"name":"github","kind":"stdio"}`},
		{`{"name":"github","kind":"http"}`},
	}
	for _, tt := range tests {
		if err := s.Set(ctx, "mcp_servers", "github", tt.value); err != nil {
			t.Fatalf("Set() error: %v", err)
		}
		val, err := s.Get(ctx, "mcp_servers", "github")
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if val != tt.value {
			t.Errorf("Get() = %q, want %q", val, tt.value)
		}
	}
}

func TestDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "ns", "key", "val"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if err := s.Delete(ctx, "ns", "key"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	val, err := s.Get(ctx, "ns", "key")
	if err != nil {
		t.Fatalf("Get() after delete error: %v", err)
	}
	if val != "" {
		t.Errorf("Get() = %q after delete, want empty", val)
	}

	// Deleting a non-existent key should not error.
	if err := s.Delete(ctx, "ns", "nope"); err != nil {
		t.Errorf("Delete(missing) error: %v", err)
	}
}

func TestNamespaceIsolation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.Set(ctx, "alpha", "key", "a-val")
	s.Set(ctx, "beta", "key", "b-val")

	aVal, _ := s.Get(ctx, "alpha", "key")
	bVal, _ := s.Get(ctx, "beta", "key")
	if aVal != "a-val" || bVal != "b-val" {
		t.Errorf("alpha/key = %q, beta/key = %q", aVal, bVal)
	}
}

func TestList(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.Set(ctx, "ns", "a", "1")
	s.Set(ctx, "ns", "b", "2")
	// Different namespace; should not appear.
	s.Set(ctx, "other", "c", "3")

	result, err := s.List(ctx, "ns")
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(result) != 2 || result["a"] != "1" || result["b"] != "2" {
		t.Errorf("List() = %v, want {a:1, b:2}", result)
	}

	empty, err := s.List(ctx, "empty")
	if err != nil {
		t.Fatalf("List(empty) error: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Errorf("List(empty) = %#v, want empty non-nil map", empty)
	}
}

func TestOpen_Drivers(t *testing.T) {
	tests := []struct {
		driver  string
		wantErr bool
	}{
		{DriverPure, false},
		{DriverCGO, false},
		{"", false},
		{"postgres", true},
	}
	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			s, err := Open(tt.driver, filepath.Join(t.TempDir(), "state.db"))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Open(%q) err = %v", tt.driver, err)
			}
			if s != nil {
				s.Close()
			}
		})
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "db.sqlite")
	if _, err := Open(DriverPure, dbPath); err == nil {
		t.Error("Open() should fail when parent directory doesn't exist")
	}
}

func TestStore_PersistAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "persist_test.db")
	ctx := context.Background()

	s1, err := Open(DriverPure, dbPath)
	if err != nil {
		t.Fatalf("Open(1): %v", err)
	}
	if err := s1.Set(ctx, "ns", "key", "persistent"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	s1.Close()

	s2, err := Open(DriverPure, dbPath)
	if err != nil {
		t.Fatalf("Open(2): %v", err)
	}
	defer s2.Close()

	val, err := s2.Get(ctx, "ns", "key")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "persistent" {
		t.Errorf("Get() = %q after reopen, want %q", val, "persistent")
	}
}
