package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// BlobWriter receives an upload's bytes in arrival order. Commit makes the
// object visible at its final path; until then nothing downstream can observe
// a partially written source.
type BlobWriter interface {
	Write(p []byte) (int, error)
	Commit() (string, error)
	Abort() error
}

// BlobStore allocates writable objects for uploaded originals.
type BlobStore interface {
	Create(id string) (BlobWriter, error)
	Path(id string) string
}

// NewFilesystemBlobStore initialises a store rooted at dir. Each video gets
// its own directory with the original stored as "source".
func NewFilesystemBlobStore(root string) (*FilesystemBlobStore, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return nil, fmt.Errorf("blob store root is required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("prepare blob store root: %w", err)
	}
	return &FilesystemBlobStore{root: abs}, nil
}

// FilesystemBlobStore keeps originals on local disk.
type FilesystemBlobStore struct {
	root string
}

var _ BlobStore = (*FilesystemBlobStore)(nil)

// Root returns the absolute store root.
func (s *FilesystemBlobStore) Root() string {
	return s.root
}

// Path returns the final location of a committed object.
func (s *FilesystemBlobStore) Path(id string) string {
	return filepath.Join(s.root, id, "source")
}

// Create opens a staging file for the object. The caller owns the writer and
// must call Commit or Abort exactly once.
func (s *FilesystemBlobStore) Create(id string) (BlobWriter, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("blob id is required")
	}
	dir := filepath.Join(s.root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("prepare blob dir: %w", err)
	}
	staging := filepath.Join(dir, "source.partial")
	file, err := os.OpenFile(staging, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open blob staging file: %w", err)
	}
	return &fileBlobWriter{
		file:    file,
		staging: staging,
		final:   s.Path(id),
	}, nil
}

type fileBlobWriter struct {
	file    *os.File
	staging string
	final   string
	done    bool
}

func (w *fileBlobWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, fmt.Errorf("blob writer already closed")
	}
	return w.file.Write(p)
}

// Commit flushes, fsyncs, and renames the staging file into place. The rename
// is the visibility barrier for the codec engine.
func (w *fileBlobWriter) Commit() (string, error) {
	if w.done {
		return "", fmt.Errorf("blob writer already closed")
	}
	w.done = true
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		os.Remove(w.staging)
		return "", fmt.Errorf("flush blob: %w", err)
	}
	if err := w.file.Close(); err != nil {
		os.Remove(w.staging)
		return "", fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(w.staging, w.final); err != nil {
		os.Remove(w.staging)
		return "", fmt.Errorf("publish blob: %w", err)
	}
	return w.final, nil
}

func (w *fileBlobWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	w.file.Close()
	if err := os.Remove(w.staging); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
