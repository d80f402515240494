package gitrepo

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestRoomRepoLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	if err := svc.EnsureRoomRepo("room-1", "Mira"); err != nil {
		t.Fatalf("EnsureRoomRepo() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "room-1")); err != nil {
		t.Fatalf("repo directory missing: %v", err)
	}
	// Idempotent.
	if err := svc.EnsureRoomRepo("room-1", "Mira"); err != nil {
		t.Fatalf("second EnsureRoomRepo() error = %v", err)
	}

	commit, err := svc.CommitNote("room-1", "note-1", "Session 1", "The party met at the tavern.", "Mira", "Publish Session 1")
	if err != nil {
		t.Fatalf("CommitNote() error = %v", err)
	}
	if commit.Hash == "" {
		t.Fatal("expected commit hash")
	}
	if commit.Author != "Mira" {
		t.Fatalf("unexpected author %q", commit.Author)
	}

	if _, err := svc.CommitNote("room-1", "note-1", "Session 1", "The party met at the tavern.\n\nThen left.", "Mira", "Republish Session 1"); err != nil {
		t.Fatalf("second CommitNote() error = %v", err)
	}

	history, err := svc.NoteHistory("room-1", "note-1", 10)
	if err != nil {
		t.Fatalf("NoteHistory() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}
	if history[0].Message != "Republish Session 1" {
		t.Fatalf("expected newest first, got %q", history[0].Message)
	}

	content, err := svc.NoteAtCommit("room-1", "note-1", commit.Hash)
	if err != nil {
		t.Fatalf("NoteAtCommit() error = %v", err)
	}
	if !strings.Contains(content, "met at the tavern") || strings.Contains(content, "Then left") {
		t.Fatalf("unexpected content at first commit: %q", content)
	}
}

func TestNoteHistoryScopedToNote(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	if err := svc.EnsureRoomRepo("room-1", "Mira"); err != nil {
		t.Fatalf("EnsureRoomRepo() error = %v", err)
	}
	if _, err := svc.CommitNote("room-1", "note-a", "A", "alpha", "Mira", "Publish A"); err != nil {
		t.Fatalf("CommitNote(A) error = %v", err)
	}
	if _, err := svc.CommitNote("room-1", "note-b", "B", "beta", "Mira", "Publish B"); err != nil {
		t.Fatalf("CommitNote(B) error = %v", err)
	}

	history, err := svc.NoteHistory("room-1", "note-a", 10)
	if err != nil {
		t.Fatalf("NoteHistory() error = %v", err)
	}
	if len(history) != 1 || history[0].Message != "Publish A" {
		t.Fatalf("expected only note-a's commit, got %+v", history)
	}
}

func TestRemoveNote(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	if err := svc.EnsureRoomRepo("room-1", "Mira"); err != nil {
		t.Fatalf("EnsureRoomRepo() error = %v", err)
	}
	if _, err := svc.CommitNote("room-1", "note-1", "Gone", "soon", "Mira", "Publish"); err != nil {
		t.Fatalf("CommitNote() error = %v", err)
	}
	if err := svc.RemoveNote("room-1", "note-1", "Mira", "Delete note"); err != nil {
		t.Fatalf("RemoveNote() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "room-1", "notes", "note-1.md")); !os.IsNotExist(err) {
		t.Fatalf("note file should be gone, stat err = %v", err)
	}

	history, err := svc.NoteHistory("room-1", "note-1", 10)
	if err != nil {
		t.Fatalf("NoteHistory() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected publish + delete commits, got %d", len(history))
	}
}

func TestConcurrentCommitsSameRoom(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	if err := svc.EnsureRoomRepo("room-1", "Mira"); err != nil {
		t.Fatalf("EnsureRoomRepo() error = %v", err)
	}

	const writers = 12
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			noteID := fmt.Sprintf("note-%02d", idx)
			if _, err := svc.CommitNote("room-1", noteID, noteID, "body", "Mira", "Publish "+noteID); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			t.Fatalf("CommitNote() concurrent error = %v", err)
		}
	}

	for i := 0; i < writers; i++ {
		noteID := fmt.Sprintf("note-%02d", i)
		history, err := svc.NoteHistory("room-1", noteID, 10)
		if err != nil {
			t.Fatalf("NoteHistory(%s) error = %v", noteID, err)
		}
		if len(history) != 1 {
			t.Fatalf("expected 1 commit for %s, got %d", noteID, len(history))
		}
	}
}
