package recognition

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileRosterReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roster.json")
	if err := os.WriteFile(path, []byte(`{"survivors":["医生"],"hunters":["杰克"]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	fr := NewFileRoster(path)
	r, err := fr.CharacterIndex(context.Background())
	if err != nil {
		t.Fatalf("CharacterIndex: %v", err)
	}
	if len(r.Survivors) != 1 || r.Hunters[0] != "杰克" {
		t.Fatalf("roster = %+v", r)
	}

	if err := os.WriteFile(path, []byte(`{"survivors":["医生","律师"],"hunters":["杰克"]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatal(err)
	}
	r, err = fr.CharacterIndex(context.Background())
	if err != nil {
		t.Fatalf("CharacterIndex after change: %v", err)
	}
	if len(r.Survivors) != 2 {
		t.Fatalf("roster not reloaded: %+v", r)
	}
}

func TestFileRosterErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := NewFileRoster(filepath.Join(dir, "missing.json")).CharacterIndex(context.Background()); err == nil {
		t.Fatal("expected error for missing file")
	}
	bad := filepath.Join(dir, "bad.json")
	os.WriteFile(bad, []byte(`{"survivors":`), 0o644)
	if _, err := NewFileRoster(bad).CharacterIndex(context.Background()); err == nil {
		t.Fatal("expected error for malformed json")
	}
	empty := filepath.Join(dir, "empty.json")
	os.WriteFile(empty, []byte(`{}`), 0o644)
	if _, err := NewFileRoster(empty).CharacterIndex(context.Background()); err == nil {
		t.Fatal("expected error for empty roster")
	}
}
