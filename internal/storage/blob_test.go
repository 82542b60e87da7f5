package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBlobWriterCommitPublishesAtomically(t *testing.T) {
	store, err := NewFilesystemBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	writer, err := store.Create("vid-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := writer.Write([]byte("first ")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := writer.Write([]byte("second")); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The final path must stay invisible until Commit renames it in.
	if _, err := os.Stat(store.Path("vid-1")); !os.IsNotExist(err) {
		t.Fatalf("final path visible before commit, stat err=%v", err)
	}

	path, err := writer.Commit()
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if path != store.Path("vid-1") {
		t.Fatalf("unexpected committed path %q", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "first second" {
		t.Fatalf("unexpected content %q", data)
	}

	staging := filepath.Join(filepath.Dir(path), "source.partial")
	if _, err := os.Stat(staging); !os.IsNotExist(err) {
		t.Fatalf("staging file left behind, stat err=%v", err)
	}
}

func TestBlobWriterAbortCleansStaging(t *testing.T) {
	store, err := NewFilesystemBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	writer, err := store.Create("vid-2")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := writer.Write([]byte("doomed")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := writer.Abort(); err != nil {
		t.Fatalf("abort: %v", err)
	}

	dir := filepath.Dir(store.Path("vid-2"))
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty blob dir after abort, got %d entries", len(entries))
	}

	// A settled writer refuses further work.
	if _, err := writer.Write([]byte("x")); err == nil {
		t.Fatal("expected write after abort to fail")
	}
	if _, err := writer.Commit(); err == nil {
		t.Fatal("expected commit after abort to fail")
	}
}

func TestBlobStoreRequiresRoot(t *testing.T) {
	if _, err := NewFilesystemBlobStore("   "); err == nil {
		t.Fatal("expected an error for a blank root")
	}
}
