package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/platinummonkey/custodian/pkg/errdefs"
)

const fsScheme = "file:"

// FileSystemStore implements ContentStore on the local filesystem
type FileSystemStore struct {
	rootDir string
	maxSize int64
}

// NewFileSystemStore creates a new filesystem-based content store
func NewFileSystemStore(rootDir string, maxSize int64) (*FileSystemStore, error) {
	if err := os.MkdirAll(filepath.Join(rootDir, "tmp"), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}
	return &FileSystemStore{rootDir: rootDir, maxSize: maxSize}, nil
}

// Put streams content to a temp file while hashing it, then moves it to its
// content address.
func (s *FileSystemStore) Put(ctx context.Context, content io.Reader, contentType string) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}

	tmpPath := filepath.Join(s.rootDir, "tmp", uuid.NewString())
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return Object{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmpPath)

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), &limitReader{r: content, max: s.maxSize})
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return Object{}, fmt.Errorf("failed to write content: %w", err)
	}

	digest := hex.EncodeToString(h.Sum(nil))
	key := shardedKey("", digest)
	finalPath := filepath.Join(s.rootDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o750); err != nil {
		return Object{}, fmt.Errorf("failed to create content directory: %w", err)
	}
	if _, err := os.Stat(finalPath); errors.Is(err, fs.ErrNotExist) {
		if err := os.Rename(tmpPath, finalPath); err != nil {
			return Object{}, fmt.Errorf("failed to store content: %w", err)
		}
	}

	return Object{Pointer: fsScheme + key, SHA256: digest, Size: size}, nil
}

// Get opens the content behind pointer.
func (s *FileSystemStore) Get(ctx context.Context, pointer string) (io.ReadCloser, error) {
	path, err := s.resolve(pointer)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: content %s", errdefs.ErrNotFound, pointer)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open content: %w", err)
	}
	return f, nil
}

// Delete removes the content behind pointer. Missing content is not an error.
func (s *FileSystemStore) Delete(ctx context.Context, pointer string) error {
	path, err := s.resolve(pointer)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete content: %w", err)
	}
	return nil
}

// HealthCheck verifies the root directory is writable.
func (s *FileSystemStore) HealthCheck(ctx context.Context) error {
	probe := filepath.Join(s.rootDir, "tmp", ".health-"+uuid.NewString())
	if err := os.WriteFile(probe, nil, 0o640); err != nil {
		return fmt.Errorf("filesystem health check failed: %w", err)
	}
	return os.Remove(probe)
}

func (s *FileSystemStore) resolve(pointer string) (string, error) {
	key, ok := strings.CutPrefix(pointer, fsScheme)
	parts := strings.Split(key, "/")
	if !ok || len(parts) != 3 || parts[0] != "sha256" || !isHexDigest(parts[1]+parts[2]) || len(parts[1]) != 2 {
		return "", fmt.Errorf("%w: invalid filesystem pointer %q", errdefs.ErrValidation, pointer)
	}
	return filepath.Join(s.rootDir, filepath.FromSlash(key)), nil
}
