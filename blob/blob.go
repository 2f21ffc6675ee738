// Package blob provides the cold storage backends for sealed segments.
package blob

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/errs"
)

// Error is the class wrapping blob storage failures.
var Error = errs.Class("blob")

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = Error.New("not found")

// Store is the cold segment store. Keys are slash-separated paths;
// writes are atomic and last-writer-wins.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// FS stores blobs as files under a root directory. Writes go to a temp
// file in the destination directory and rename into place.
type FS struct {
	root string
}

// NewFS creates the root directory if needed.
func NewFS(root string) (*FS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, Error.Wrap(err)
	}
	return &FS{root: root}, nil
}

func (f *FS) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", Error.New("invalid key %q", key)
	}
	return filepath.Join(f.root, clean), nil
}

func (f *FS) Put(ctx context.Context, key string, data []byte) error {
	path, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Error.Wrap(err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-*")
	if err != nil {
		return Error.Wrap(err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return Error.Wrap(err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return Error.Wrap(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return Error.Wrap(err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return Error.Wrap(err)
	}
	return nil
}

func (f *FS) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := f.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return data, nil
}

func (f *FS) Delete(ctx context.Context, key string) error {
	path, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return Error.Wrap(err)
	}
	return nil
}

func readAll(r io.ReadCloser) ([]byte, error) {
	defer r.Close()
	return io.ReadAll(r)
}
