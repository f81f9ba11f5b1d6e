package sqlstore

import (
	"context"
	"fmt"

	"github.com/platinummonkey/custodian/pkg/errdefs"
	"github.com/platinummonkey/custodian/pkg/similarity"
)

// EmbeddingStore implements similarity.Store on attachment_embeddings.
// Vectors are stored as little-endian float32 blobs.
type EmbeddingStore struct {
	db *DB
}

// NewEmbeddingStore creates an EmbeddingStore.
func NewEmbeddingStore(db *DB) *EmbeddingStore {
	return &EmbeddingStore{db: db}
}

func (s *EmbeddingStore) SaveEmbedding(ctx context.Context, e *similarity.Embedding) error {
	_, err := s.db.exec(ctx, `INSERT INTO attachment_embeddings
		(attachment_id, model, dimension, vector, source_sha256, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (attachment_id, model) DO UPDATE SET
			dimension = excluded.dimension,
			vector = excluded.vector,
			source_sha256 = excluded.source_sha256,
			updated_at = excluded.updated_at`,
		e.AttachmentID, e.Model, e.Dimension, similarity.EncodeVector(e.Vector), e.SourceSHA256, e.UpdatedAt.UTC())
	if isForeignKeyViolation(err) {
		return fmt.Errorf("%w: attachment %d", errdefs.ErrNotFound, e.AttachmentID)
	}
	if err != nil {
		return fmt.Errorf("failed to save embedding: %w", err)
	}
	return nil
}

func (s *EmbeddingStore) DeleteEmbeddings(ctx context.Context, attachmentID int64) error {
	if _, err := s.db.exec(ctx, `DELETE FROM attachment_embeddings WHERE attachment_id = ?`, attachmentID); err != nil {
		return fmt.Errorf("failed to delete embeddings: %w", err)
	}
	return nil
}

func (s *EmbeddingStore) ListEmbeddings(ctx context.Context) ([]similarity.Embedding, error) {
	rows, err := s.db.query(ctx, `SELECT attachment_id, model, dimension, vector, source_sha256, updated_at
		FROM attachment_embeddings ORDER BY attachment_id, model`)
	if err != nil {
		return nil, fmt.Errorf("failed to list embeddings: %w", err)
	}
	defer rows.Close()

	var out []similarity.Embedding
	for rows.Next() {
		var e similarity.Embedding
		var raw []byte
		if err := rows.Scan(&e.AttachmentID, &e.Model, &e.Dimension, &raw, &e.SourceSHA256, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan embedding: %w", err)
		}
		vec, err := similarity.DecodeVector(raw, e.Dimension)
		if err != nil {
			return nil, fmt.Errorf("embedding %d/%s: %w", e.AttachmentID, e.Model, err)
		}
		e.Vector = vec
		e.UpdatedAt = e.UpdatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
