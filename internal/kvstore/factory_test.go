package kvstore

import (
	"errors"
	"net/url"
	"path/filepath"
	"testing"
)

func TestBuildFromDSNMemory(t *testing.T) {
	store, err := BuildFromDSN("memory://")
	if err != nil {
		t.Fatalf("build memory store: %v", err)
	}
	if _, ok := store.(*MemoryStore); !ok {
		t.Fatalf("expected *MemoryStore, got %T", store)
	}
}

func TestBuildFromDSNFileAndBolt(t *testing.T) {
	dir := t.TempDir()
	file, err := BuildFromDSN("file://" + filepath.Join(dir, "state.json"))
	if err != nil {
		t.Fatalf("build file store: %v", err)
	}
	defer file.Close()
	if _, ok := file.(*FileStore); !ok {
		t.Fatalf("expected *FileStore, got %T", file)
	}

	bare, err := BuildFromDSN(filepath.Join(dir, "bare.json"))
	if err != nil {
		t.Fatalf("build file store from bare path: %v", err)
	}
	defer bare.Close()

	bolt, err := BuildFromDSN("bolt://" + filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("build bolt store: %v", err)
	}
	defer bolt.Close()
	if _, ok := bolt.(*BoltStore); !ok {
		t.Fatalf("expected *BoltStore, got %T", bolt)
	}
}

func TestBuildFromDSNPostgresIsLazy(t *testing.T) {
	store, err := BuildFromDSN("postgres://localhost/relaysync?sslmode=disable")
	if err != nil {
		t.Fatalf("expected postgres store to build without connecting, got %v", err)
	}
	if _, ok := store.(*PostgresStore); !ok {
		t.Fatalf("expected *PostgresStore, got %T", store)
	}
}

func TestBuildFromDSNUnsupported(t *testing.T) {
	if _, err := BuildFromDSN("redis://localhost:6379"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented for redis, got %v", err)
	}
	if _, err := BuildFromDSN("gopher://nowhere"); err == nil {
		t.Fatalf("expected error for unknown scheme")
	}
	if _, err := BuildFromDSN("  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty dsn, got %v", err)
	}
}

func TestRegisterFactoryOverridesScheme(t *testing.T) {
	called := false
	RegisterFactory("Custom", func(dsn string) (KeyValueStore, error) {
		called = true
		return NewMemoryStore(), nil
	})
	if _, err := BuildFromDSN("custom://anything"); err != nil {
		t.Fatalf("build custom: %v", err)
	}
	if !called {
		t.Fatalf("expected registered factory to be used")
	}
}

func TestDSNPathRelativeHost(t *testing.T) {
	parsed, _ := url.Parse("file://.relaysync/state.json")
	path, err := dsnPath(parsed, "file://.relaysync/state.json")
	if err != nil {
		t.Fatalf("dsn path: %v", err)
	}
	if path != ".relaysync/state.json" {
		t.Fatalf("expected relative path, got %q", path)
	}
}
