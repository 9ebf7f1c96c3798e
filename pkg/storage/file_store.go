package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FileStore keeps files on disk under a base directory. It stores uploaded
// videos and, as an ObjectStore, archived transcripts.
type FileStore struct {
	basePath string
}

var _ ObjectStore = (*FileStore)(nil)

// NewFileStore creates the base directory if missing.
func NewFileStore(basePath string) (*FileStore, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, fmt.Errorf("storage base path is required")
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &FileStore{basePath: abs}, nil
}

// Save writes r to <base>/<dir>/<filename> and returns the absolute path.
func (f *FileStore) Save(dir, filename string, r io.Reader) (string, error) {
	targetDir, err := f.resolve(dir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	target := filepath.Join(targetDir, safeFilename(filename))
	if err := writeFile(target, r); err != nil {
		return "", err
	}
	return target, nil
}

// RemoveDir removes <base>/<dir> and everything under it.
func (f *FileStore) RemoveDir(dir string) error {
	target, err := f.resolve(dir)
	if err != nil {
		return err
	}
	if target == f.basePath {
		return errors.New("refusing to remove storage root")
	}
	return os.RemoveAll(target)
}

// Put writes an object at <base>/<key>.
func (f *FileStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	target, err := f.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create object dir: %w", err)
	}
	return writeFile(target, r)
}

// Delete removes the object at key. Missing objects are not an error.
func (f *FileStore) Delete(ctx context.Context, key string) error {
	target, err := f.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// DeletePrefix removes the directory named by prefix.
func (f *FileStore) DeletePrefix(ctx context.Context, prefix string) error {
	return f.RemoveDir(strings.TrimSuffix(prefix, "/"))
}

// resolve maps a slash-separated key to a path that stays inside basePath.
func (f *FileStore) resolve(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash("/" + strings.TrimSpace(key)))
	target := filepath.Join(f.basePath, clean)
	rel, err := filepath.Rel(f.basePath, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("invalid storage key %q", key)
	}
	return target, nil
}

func writeFile(target string, r io.Reader) error {
	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("write file: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}
	return nil
}

func safeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimSpace(filepath.Base(name))
	if name == "" || name == "." || name == ".." || name == "/" {
		return "video"
	}
	return name
}
