//go:build integration

package integration

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/platinummonkey/custodian/pkg/config"
	"github.com/platinummonkey/custodian/pkg/similarity"
	"github.com/platinummonkey/custodian/pkg/storage"
)

const cleanupTimeout = 30 * time.Second

func requireDocker(t *testing.T) {
	t.Helper()
	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		t.Skip("Docker/Podman not available, skipping integration tests")
	}
	provider.Close()
}

func terminate(t *testing.T, c testcontainers.Container) {
	t.Cleanup(func() {
		// A fresh context: the test context may already be cancelled.
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if err := c.Terminate(ctx); err != nil {
			t.Logf("Warning: failed to terminate container: %v", err)
		}
	})
}

// setupPostgres starts PostgreSQL and returns its connection string.
func setupPostgres(t *testing.T) string {
	t.Helper()
	requireDocker(t)
	ctx := context.Background()

	c, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("custodian_test"),
		postgres.WithUsername("custodian"),
		postgres.WithPassword("custodian_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}
	terminate(t, c)

	connStr, err := c.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return connStr
}

// setupMinIO starts MinIO and returns its endpoint.
func setupMinIO(t *testing.T) string {
	t.Helper()
	requireDocker(t)
	ctx := context.Background()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "minio/minio:latest",
			ExposedPorts: []string{"9000/tcp"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     "minioadmin",
				"MINIO_ROOT_PASSWORD": "minioadmin",
			},
			Cmd:        []string{"server", "/data"},
			WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp"),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("Failed to start MinIO container: %v", err)
	}
	terminate(t, c)

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "9000")
	require.NoError(t, err)
	return "http://" + host + ":" + port.Port()
}

// setupRedis starts Redis and returns a redis:// URL.
func setupRedis(t *testing.T) string {
	t.Helper()
	requireDocker(t)
	ctx := context.Background()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("Failed to start Redis container: %v", err)
	}
	terminate(t, c)

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "6379")
	require.NoError(t, err)
	return fmt.Sprintf("redis://%s:%s/0", host, port.Port())
}

// stackConfig builds a configuration over postgres, MinIO and Redis.
func stackConfig(t *testing.T) *config.Config {
	t.Helper()
	dbURL := setupPostgres(t)
	s3Endpoint := setupMinIO(t)
	redisURL := setupRedis(t)

	keyFile := filepath.Join(t.TempDir(), "signing.key")
	seed := hex.EncodeToString([]byte(strings.Repeat("k", 32)))
	require.NoError(t, os.WriteFile(keyFile, []byte(seed), 0o600))

	st := storage.DefaultConfig()
	st.DatabaseDialect = "postgres"
	st.DatabaseURL = dbURL
	st.ContentBackend = "s3"
	st.S3Endpoint = s3Endpoint
	st.S3AccessKey = "minioadmin"
	st.S3SecretKey = "minioadmin"
	st.S3Bucket = "custodian-test"
	st.S3UsePathStyle = true
	st.RedisURL = redisURL

	return &config.Config{
		Storage: st,
		Ledger: config.LedgerConfig{
			SigningKeyFile:   keyFile,
			SignerTimeout:    5 * time.Second,
			DistributedLocks: true,
			LockTTL:          10 * time.Second,
			LockPrefix:       "custodian-test:lock:",
		},
		Retention: config.RetentionConfig{
			CacheSize: 64,
			CacheTTL:  time.Second,
		},
		Similarity: config.SimilarityConfig{Metric: similarity.Cosine},
		Purge:      config.PurgeConfig{PageSize: 2, Concurrency: 2},
		Observability: config.ObservabilityConfig{
			MetricsEnabled: true,
		},
	}
}
