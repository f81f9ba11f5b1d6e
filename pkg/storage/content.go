package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/platinummonkey/custodian/pkg/errdefs"
	"github.com/platinummonkey/custodian/pkg/observability"
)

// NewContentStore builds the content backend named by cfg.ContentBackend.
func NewContentStore(ctx context.Context, cfg Config) (ContentStore, error) {
	switch cfg.ContentBackend {
	case "", "filesystem":
		return NewFileSystemStore(cfg.FilesystemRoot, cfg.MaxObjectSize)
	case "s3":
		return NewS3Store(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown content backend %q", cfg.ContentBackend)
	}
}

// shardedKey lays a digest out as prefix/sha256/ab/cdef...
func shardedKey(prefix, digest string) string {
	key := fmt.Sprintf("sha256/%s/%s", digest[:2], digest[2:])
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

func isHexDigest(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// VerifyContent re-reads the bytes behind pointer and reports whether their
// SHA-256 matches expected.
func VerifyContent(ctx context.Context, store ContentStore, pointer, expected string) (bool, string, error) {
	rc, err := store.Get(ctx, pointer)
	if err != nil {
		return false, "", err
	}
	defer rc.Close()

	h := sha256.New()
	if _, err := io.Copy(h, rc); err != nil {
		return false, "", fmt.Errorf("failed to read content: %w", err)
	}
	actual := hex.EncodeToString(h.Sum(nil))
	return actual == expected, actual, nil
}

// limitReader fails once more than max bytes have been read.
type limitReader struct {
	r   io.Reader
	n   int64
	max int64
}

func (l *limitReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.n += int64(n)
	if l.max > 0 && l.n > l.max {
		return n, fmt.Errorf("%w: content exceeds %d bytes", errdefs.ErrValidation, l.max)
	}
	return n, err
}

type instrumented struct {
	next    ContentStore
	backend string
	metrics *observability.Metrics
}

// Instrument wraps store so every call is counted and timed.
func Instrument(store ContentStore, backend string, metrics *observability.Metrics) ContentStore {
	if metrics == nil {
		return store
	}
	return &instrumented{next: store, backend: backend, metrics: metrics}
}

func (i *instrumented) Put(ctx context.Context, content io.Reader, contentType string) (Object, error) {
	start := time.Now()
	obj, err := i.next.Put(ctx, content, contentType)
	i.metrics.ObserveContentOp("put", i.backend, time.Since(start), err)
	return obj, err
}

func (i *instrumented) Get(ctx context.Context, pointer string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := i.next.Get(ctx, pointer)
	i.metrics.ObserveContentOp("get", i.backend, time.Since(start), err)
	return rc, err
}

func (i *instrumented) Delete(ctx context.Context, pointer string) error {
	start := time.Now()
	err := i.next.Delete(ctx, pointer)
	i.metrics.ObserveContentOp("delete", i.backend, time.Since(start), err)
	return err
}

func (i *instrumented) HealthCheck(ctx context.Context) error {
	return i.next.HealthCheck(ctx)
}
