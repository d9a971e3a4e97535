package storage

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"expensedb/internal/core"
	"expensedb/internal/log"
)

// createTestStore opens a fresh database in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(context.Background(), path, Options{Logger: log.Discard()})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_CreatesSchema(t *testing.T) {
	s := createTestStore(t)

	for _, table := range []string{"attachments", "categories", "expenses"} {
		var name string
		err := s.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}

	for _, index := range []string{"categories_by_name", "categories_by_color", "expenses_by_datetime", "expenses_by_category"} {
		var name string
		err := s.db.QueryRow("SELECT name FROM sqlite_master WHERE type='index' AND name=?", index).Scan(&name)
		if err != nil {
			t.Errorf("index %q not found: %v", index, err)
		}
	}

	version, dirty, err := s.CurrentVersion(context.Background())
	if err != nil {
		t.Fatalf("CurrentVersion() failed: %v", err)
	}
	if version != SchemaVersion || dirty {
		t.Errorf("expected clean version %d, got %d (dirty=%v)", SchemaVersion, version, dirty)
	}
}

func TestOpen_LogsThroughGivenLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(log.Config{Writer: &buf, Level: slog.LevelDebug})

	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), Options{Logger: logger})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := s.AddCategory(context.Background(), core.Category{Name: "Food", Color: "#FF0000"}); err != nil {
		t.Fatalf("AddCategory() failed: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"Creating schema", "Database opened", "Category saved", "component=storage"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
}

func TestOpen_Idempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(ctx, path, Options{Logger: log.Discard()})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	id, err := s.AddCategory(ctx, core.Category{Name: "Food", Color: "#FF0000"})
	if err != nil {
		t.Fatalf("AddCategory() failed: %v", err)
	}
	s.Close()

	for i := 0; i < 3; i++ {
		s, err := Open(ctx, path, Options{Logger: log.Discard()})
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		c, err := s.GetCategory(ctx, id)
		if err != nil || c.Name != "Food" {
			t.Fatalf("data lost after reopen %d: %+v, %v", i, c, err)
		}
		s.Close()
	}
}

func TestOpen_RedrivesDirtyUpgrade(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(ctx, path, Options{Logger: log.Discard()})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	// Simulate a crash in the middle of the latest upgrade.
	if _, err := s.db.Exec(`UPDATE schema_migrations SET dirty = 1`); err != nil {
		t.Fatalf("mark dirty: %v", err)
	}
	s.Close()

	s, err = Open(ctx, path, Options{Logger: log.Discard()})
	if err != nil {
		t.Fatalf("Open() after dirty upgrade failed: %v", err)
	}
	defer s.Close()

	version, dirty, err := s.CurrentVersion(ctx)
	if err != nil {
		t.Fatalf("CurrentVersion() failed: %v", err)
	}
	if version != SchemaVersion || dirty {
		t.Errorf("expected clean version %d, got %d (dirty=%v)", SchemaVersion, version, dirty)
	}
}

func TestOpen_NewerSchemaIsBlocked(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(ctx, path, Options{Logger: log.Discard()})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if _, err := s.db.Exec(`UPDATE schema_migrations SET version = 99`); err != nil {
		t.Fatalf("bump version: %v", err)
	}
	s.Close()

	_, err = Open(ctx, path, Options{Logger: log.Discard()})
	if !errors.Is(err, core.ErrOpenBlocked) {
		t.Fatalf("expected ErrOpenBlocked, got %v", err)
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	// parent "directory" is a regular file
	_, err := Open(context.Background(), filepath.Join(blocker, "test.db"), Options{Logger: log.Discard()})
	if err == nil {
		t.Fatal("expected error for invalid path, got nil")
	}
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(ctx, path, Options{Logger: log.Discard()})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if _, err := s.AddCategory(ctx, core.Category{Name: "Food", Color: "#FF0000"}); err != nil {
		t.Fatalf("AddCategory() failed: %v", err)
	}
	s.Close()

	if err := Remove(path); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s still exists", p)
		}
	}

	// removing again is fine
	if err := Remove(path); err != nil {
		t.Fatalf("second Remove() failed: %v", err)
	}
}

func TestClose_NilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close() on nil db should not error: %v", err)
	}
}

func TestClassifyErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		fn   func(error) error
		want error
	}{
		{
			name: "unique violation",
			err:  errors.New("constraint failed: UNIQUE constraint failed: categories.name (2067)"),
			fn:   classify,
			want: core.ErrDuplicate,
		},
		{
			name: "generic failure",
			err:  errors.New("disk I/O error"),
			fn:   classify,
			want: core.ErrStorage,
		},
		{
			name: "busy on open",
			err:  errors.New("database is locked (5) (SQLITE_BUSY)"),
			fn:   openError,
			want: core.ErrOpenBlocked,
		},
		{
			name: "other error on open",
			err:  errors.New("unable to open database file"),
			fn:   openError,
			want: core.ErrStorage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.fn(tt.err)
			if !errors.Is(got, tt.want) {
				t.Errorf("got %v, want kind %v", got, tt.want)
			}
		})
	}

	if classify(nil) != nil {
		t.Error("classify(nil) should be nil")
	}
}
