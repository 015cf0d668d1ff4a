package store

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/chazu/cadscript/pkg/gui"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionRoundTrip(t *testing.T) {
	s := openTemp(t)
	token, err := gui.Encode("(show (box 1 1 1))", gui.State{{Key: "R", Value: gui.Number(2)}})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Save("b", token); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save("a", "v1.other"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load("b")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != token {
		t.Errorf("Load = %q, want %q", got, token)
	}
	names, err := s.Names()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"a", "b"}, names); diff != "" {
		t.Errorf("Names (-want +got):\n%s", diff)
	}

	if err := s.Delete("a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Load("a"); !errors.Is(err, ErrNoSession) {
		t.Errorf("Load after Delete = %v, want ErrNoSession", err)
	}
	if err := s.Delete("a"); !errors.Is(err, ErrNoSession) {
		t.Errorf("second Delete = %v, want ErrNoSession", err)
	}
}

func TestSessionsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Save("keep", "v1.x"); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if got, err := s.Load("keep"); err != nil || got != "v1.x" {
		t.Errorf("Load = %q, %v", got, err)
	}
}

func TestSaveRejectsEmptyName(t *testing.T) {
	if err := openTemp(t).Save("", "v1.x"); err == nil {
		t.Error("Save with an empty name succeeded")
	}
}
