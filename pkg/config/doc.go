// Package config loads custodian configuration from CUSTODIAN_* environment
// variables and validates it.
//
// Server settings:
//
//	CUSTODIAN_HOST="0.0.0.0"
//	CUSTODIAN_PORT="8080"
//	CUSTODIAN_HEALTH_PORT="9090"
//	CUSTODIAN_READ_TIMEOUT="30s"
//	CUSTODIAN_WRITE_TIMEOUT="60s"
//
// Storage settings:
//
//	CUSTODIAN_CONTENT_BACKEND="filesystem"  # filesystem or s3
//	CUSTODIAN_FILESYSTEM_ROOT="/var/lib/custodian/content"
//	CUSTODIAN_S3_ENDPOINT="http://minio:9000"
//	CUSTODIAN_S3_BUCKET="attachments"
//	CUSTODIAN_DB_DIALECT="postgres"         # sqlite3 or postgres
//	CUSTODIAN_DB_URL="postgres://custodian@db/custodian?sslmode=disable"
//	CUSTODIAN_DB_REPLICA_URLS="postgres://replica-1/custodian,postgres://replica-2/custodian"
//	CUSTODIAN_REDIS_URL="redis:6379"
//
// Ledger settings:
//
//	CUSTODIAN_SIGNING_KEY_FILE="/etc/custodian/signing.key"  # required
//	CUSTODIAN_SIGNER_TIMEOUT="5s"
//	CUSTODIAN_SIGNING_RETIRED_KEYS="/etc/custodian/2023.pub,/etc/custodian/2024.pub"
//	CUSTODIAN_DISTRIBUTED_LOCKS="true"
//	CUSTODIAN_LOCK_TTL="30s"
//
// Retention, similarity and purge settings:
//
//	CUSTODIAN_RETENTION_TEMPLATES="/etc/custodian/templates.yaml"
//	CUSTODIAN_RETENTION_WATCH="true"
//	CUSTODIAN_POLICY_CACHE_SIZE="1024"
//	CUSTODIAN_SIMILARITY_METRIC="cosine"    # cosine or l2
//	CUSTODIAN_PURGE_SCHEDULE="0 2 * * *"
//	CUSTODIAN_PURGE_CONCURRENCY="4"
//	CUSTODIAN_PURGE_DRY_RUN="false"
//
// Observability settings:
//
//	CUSTODIAN_LOG_LEVEL="info"
//	CUSTODIAN_LOG_FORMAT="json"
//	CUSTODIAN_METRICS_ENABLED="true"
//	CUSTODIAN_OTEL_ENABLED="true"
//	CUSTODIAN_OTEL_ENDPOINT="otel-collector:4317"
//
// Usage:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
package config
