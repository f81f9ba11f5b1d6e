package storage

import (
	"context"
	"io"
	"time"
)

// Object describes stored content.
// Pointer is opaque to callers and passed back to Get and Delete. SHA256 is
// the lowercase hex digest computed while the bytes were written.
type Object struct {
	Pointer string
	SHA256  string
	Size    int64
}

// ContentStore holds raw attachment bytes. Implementations are content
// addressed, so identical bytes share one pointer.
type ContentStore interface {
	Put(ctx context.Context, content io.Reader, contentType string) (Object, error)
	// Get fails with errdefs.ErrNotFound for an unknown pointer.
	Get(ctx context.Context, pointer string) (io.ReadCloser, error)
	// Delete is idempotent.
	Delete(ctx context.Context, pointer string) error
	HealthCheck(ctx context.Context) error
}

// Transactor runs fn in one database transaction. The transaction travels
// in the context handed to fn, so store calls made with that context join it.
// Nested calls reuse the outer transaction.
type Transactor interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Config for storage backends
type Config struct {
	// ContentBackend is "filesystem" or "s3".
	ContentBackend string
	MaxObjectSize  int64

	// Filesystem config
	FilesystemRoot string

	// Database config
	DatabaseDialect string // "sqlite3" or "postgres"
	DatabaseURL     string
	ReplicaURLs     []string
	MaxConns        int
	MinConns        int
	Timeout         time.Duration
	MaxLifetime     time.Duration
	MaxIdleTime     time.Duration

	// S3 config
	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3Prefix       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool

	// Redis config
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		ContentBackend:  "filesystem",
		MaxObjectSize:   256 * 1024 * 1024, // 256MB
		FilesystemRoot:  "/var/lib/custodian/content",
		DatabaseDialect: "sqlite3",
		DatabaseURL:     "file:custodian.db?_busy_timeout=5000&_foreign_keys=on&_txlock=immediate",
		MaxConns:        20,
		MinConns:        2,
		Timeout:         10 * time.Second,
		MaxLifetime:     30 * time.Minute,
		MaxIdleTime:     5 * time.Minute,
		S3Region:        "us-east-1",
		S3Prefix:        "attachments",
		RedisDB:         0,
		RedisMaxRetries: 3,
		RedisPoolSize:   10,
	}
}
