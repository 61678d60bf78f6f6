package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPendingMigrations(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"0002_b.up.sql", "0001_a.up.sql", "0001_a.down.sql", "README.md"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "0003_dir.up.sql"), 0o755); err != nil {
		t.Fatal(err)
	}

	names, err := pendingMigrations(dir)
	if err != nil {
		t.Fatalf("pendingMigrations: %v", err)
	}

	want := []string{"0001_a.up.sql", "0002_b.up.sql"}
	if len(names) != len(want) {
		t.Fatalf("got %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d] = %s, want %s", i, names[i], want[i])
		}
	}
}

func TestPendingMigrationsMissingDir(t *testing.T) {
	if _, err := pendingMigrations(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected error for missing directory")
	}
}
