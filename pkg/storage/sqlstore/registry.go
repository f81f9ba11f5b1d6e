package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/custodian/pkg/errdefs"
	"github.com/platinummonkey/custodian/pkg/registry"
	"github.com/platinummonkey/custodian/pkg/retention"
)

const attachmentColumns = `id, file_name, content_type, storage_pointer, content_hash, size,
	uploaded_by, uploaded_at, status, deleted_at`

const policyColumns = `attachment_id, policy_name, retain_until, min_retain_days, max_retain_days,
	legal_hold, delete_mode, review_required, created_by, notes, created_at, updated_at`

// RegistryStore implements registry.Store, and with it retention.Store, on
// the attachments, attachment_links and retention_policies tables.
type RegistryStore struct {
	db *DB
}

// NewRegistryStore creates a RegistryStore.
func NewRegistryStore(db *DB) *RegistryStore {
	return &RegistryStore{db: db}
}

func (s *RegistryStore) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.db.RunInTx(ctx, fn)
}

func (s *RegistryStore) CreateAttachment(ctx context.Context, a *registry.Attachment) error {
	err := s.db.queryRow(ctx, `INSERT INTO attachments
		(file_name, content_type, storage_pointer, content_hash, size, uploaded_by, uploaded_at, status, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		a.FileName, a.ContentType, a.StoragePointer, a.ContentHash, a.Size,
		nullInt64(a.UploadedBy), a.UploadedAt.UTC(), string(a.Status), nullTime(a.DeletedAt),
	).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("failed to insert attachment: %w", err)
	}
	return nil
}

func (s *RegistryStore) GetAttachment(ctx context.Context, id int64) (*registry.Attachment, error) {
	return s.getAttachment(ctx, `SELECT `+attachmentColumns+` FROM attachments WHERE id = ?`, id)
}

// LockForDelete selects the row FOR UPDATE on postgres. sqlite transactions
// opened with _txlock=immediate already hold the write lock.
func (s *RegistryStore) LockForDelete(ctx context.Context, id int64) (*registry.Attachment, error) {
	query := `SELECT ` + attachmentColumns + ` FROM attachments WHERE id = ?`
	if s.db.dialect == Postgres {
		query += ` FOR UPDATE`
	}
	return s.getAttachment(ctx, query, id)
}

func (s *RegistryStore) getAttachment(ctx context.Context, query string, id int64) (*registry.Attachment, error) {
	a, err := scanAttachment(s.db.queryRow(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: attachment %d", errdefs.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get attachment: %w", err)
	}
	return a, nil
}

// GetAttachments returns the attachments among ids in ascending id order.
// Unknown ids are skipped.
func (s *RegistryStore) GetAttachments(ctx context.Context, ids []int64) ([]registry.Attachment, error) {
	if len(ids) == 0 {
		return []registry.Attachment{}, nil
	}
	var rows *sql.Rows
	var err error
	if s.db.dialect == Postgres {
		rows, err = s.db.query(ctx, `SELECT `+attachmentColumns+` FROM attachments
			WHERE id = ANY(?) ORDER BY id`, pq.Array(ids))
	} else {
		args := make([]any, len(ids))
		for i, id := range ids {
			args[i] = id
		}
		rows, err = s.db.query(ctx, `SELECT `+attachmentColumns+` FROM attachments
			WHERE id IN (`+placeholders(len(ids))+`) ORDER BY id`, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get attachments: %w", err)
	}
	return collectAttachments(rows)
}

func (s *RegistryStore) FindByHash(ctx context.Context, hash string) ([]registry.Attachment, error) {
	rows, err := s.db.query(ctx, `SELECT `+attachmentColumns+` FROM attachments
		WHERE content_hash = ? AND status = ? ORDER BY id`, hash, string(registry.StatusActive))
	if err != nil {
		return nil, fmt.Errorf("failed to find attachments by hash: %w", err)
	}
	return collectAttachments(rows)
}

func (s *RegistryStore) UpdateStatus(ctx context.Context, id int64, status registry.Status, deletedAt *time.Time) error {
	res, err := s.db.exec(ctx, `UPDATE attachments SET status = ?, deleted_at = ? WHERE id = ?`,
		string(status), nullTime(deletedAt), id)
	if err != nil {
		return fmt.Errorf("failed to update attachment status: %w", err)
	}
	return expectOne(res, "attachment", id)
}

func (s *RegistryStore) CountByPointer(ctx context.Context, pointer string, excludeID int64) (int, error) {
	var n int
	err := s.db.queryRow(ctx, `SELECT COUNT(*) FROM attachments
		WHERE storage_pointer = ? AND id <> ? AND status <> ?`,
		pointer, excludeID, string(registry.StatusPurged)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count content references: %w", err)
	}
	return n, nil
}

func (s *RegistryStore) CreateLink(ctx context.Context, l *registry.Link) error {
	err := s.db.queryRow(ctx, `INSERT INTO attachment_links
		(attachment_id, entity_type, entity_id, linked_by, linked_at)
		VALUES (?, ?, ?, ?, ?) RETURNING id`,
		l.AttachmentID, l.EntityType, l.EntityID, nullInt64(l.LinkedBy), l.LinkedAt.UTC(),
	).Scan(&l.ID)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("%w: attachment %d", errdefs.ErrNotFound, l.AttachmentID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert link: %w", err)
	}
	return nil
}

func (s *RegistryStore) GetLink(ctx context.Context, id int64) (*registry.Link, error) {
	l, err := scanLink(s.db.queryRow(ctx, `SELECT id, attachment_id, entity_type, entity_id, linked_by, linked_at
		FROM attachment_links WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: link %d", errdefs.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get link: %w", err)
	}
	return l, nil
}

func (s *RegistryStore) DeleteLink(ctx context.Context, id int64) error {
	res, err := s.db.exec(ctx, `DELETE FROM attachment_links WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete link: %w", err)
	}
	return expectOne(res, "link", id)
}

func (s *RegistryStore) DeleteLinksFor(ctx context.Context, attachmentID int64) (int, error) {
	res, err := s.db.exec(ctx, `DELETE FROM attachment_links WHERE attachment_id = ?`, attachmentID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete links: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *RegistryStore) ListLinks(ctx context.Context, attachmentID int64) ([]registry.Link, error) {
	rows, err := s.db.query(ctx, `SELECT id, attachment_id, entity_type, entity_id, linked_by, linked_at
		FROM attachment_links WHERE attachment_id = ? ORDER BY id`, attachmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}
	defer rows.Close()

	out := []registry.Link{}
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan link: %w", err)
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

func (s *RegistryStore) GetPolicy(ctx context.Context, attachmentID int64) (*retention.Policy, error) {
	p, err := scanPolicy(s.db.queryRow(ctx, `SELECT `+policyColumns+` FROM retention_policies
		WHERE attachment_id = ?`, attachmentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: policy for attachment %d", errdefs.ErrNotFound, attachmentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	return p, nil
}

// SavePolicy upserts on attachment_id. Both dialects support ON CONFLICT.
func (s *RegistryStore) SavePolicy(ctx context.Context, p *retention.Policy) error {
	_, err := s.db.exec(ctx, `INSERT INTO retention_policies (`+policyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (attachment_id) DO UPDATE SET
			policy_name = excluded.policy_name,
			retain_until = excluded.retain_until,
			min_retain_days = excluded.min_retain_days,
			max_retain_days = excluded.max_retain_days,
			legal_hold = excluded.legal_hold,
			delete_mode = excluded.delete_mode,
			review_required = excluded.review_required,
			created_by = excluded.created_by,
			notes = excluded.notes,
			updated_at = excluded.updated_at`,
		p.AttachmentID, p.PolicyName, nullTime(p.RetainUntil), nullInt(p.MinRetainDays), nullInt(p.MaxRetainDays),
		p.LegalHold, string(p.DeleteMode), p.ReviewRequired, nullInt64(p.CreatedBy), nullString(p.Notes),
		p.CreatedAt.UTC(), p.UpdatedAt.UTC())
	if isForeignKeyViolation(err) {
		return fmt.Errorf("%w: attachment %d", errdefs.ErrNotFound, p.AttachmentID)
	}
	if err != nil {
		return fmt.Errorf("failed to save policy: %w", err)
	}
	return nil
}

func (s *RegistryStore) AttachmentUploadedAt(ctx context.Context, attachmentID int64) (time.Time, error) {
	var at time.Time
	err := s.db.queryRow(ctx, `SELECT uploaded_at FROM attachments WHERE id = ?`, attachmentID).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, fmt.Errorf("%w: attachment %d", errdefs.ErrNotFound, attachmentID)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get attachment: %w", err)
	}
	return at.UTC(), nil
}

func (s *RegistryStore) ListPurgeCandidates(ctx context.Context, afterID int64, limit int) ([]registry.Candidate, error) {
	if limit <= 0 {
		limit = 100
	}
	cols := make([]string, 0, 22)
	for _, c := range strings.Split(attachmentColumns, ",") {
		cols = append(cols, "a."+strings.TrimSpace(c))
	}
	for _, c := range strings.Split(policyColumns, ",") {
		cols = append(cols, "p."+strings.TrimSpace(c))
	}

	rows, err := s.db.query(ctx, `SELECT `+strings.Join(cols, ", ")+`
		FROM attachments a JOIN retention_policies p ON p.attachment_id = a.id
		WHERE a.id > ? AND a.status <> ?
		ORDER BY a.id LIMIT ?`, afterID, string(registry.StatusPurged), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list purge candidates: %w", err)
	}
	defer rows.Close()

	out := []registry.Candidate{}
	for rows.Next() {
		var (
			a  registry.Attachment
			p  retention.Policy
			ad attachmentNulls
			pd policyNulls
		)
		dest := append(ad.dest(&a), pd.dest(&p)...)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan purge candidate: %w", err)
		}
		ad.apply(&a)
		pd.apply(&p)
		out = append(out, registry.Candidate{Attachment: a, Policy: &p})
	}
	return out, rows.Err()
}

// attachmentNulls holds the nullable columns of one attachment row.
type attachmentNulls struct {
	uploadedBy sql.NullInt64
	deletedAt  sql.NullTime
	status     string
}

func (n *attachmentNulls) dest(a *registry.Attachment) []any {
	return []any{&a.ID, &a.FileName, &a.ContentType, &a.StoragePointer, &a.ContentHash, &a.Size,
		&n.uploadedBy, &a.UploadedAt, &n.status, &n.deletedAt}
}

func (n *attachmentNulls) apply(a *registry.Attachment) {
	a.UploadedBy = int64Ptr(n.uploadedBy)
	a.UploadedAt = a.UploadedAt.UTC()
	a.Status = registry.Status(n.status)
	a.DeletedAt = timeFromNull(n.deletedAt)
}

func scanAttachment(row scanner) (*registry.Attachment, error) {
	var a registry.Attachment
	var n attachmentNulls
	if err := row.Scan(n.dest(&a)...); err != nil {
		return nil, err
	}
	n.apply(&a)
	return &a, nil
}

func collectAttachments(rows *sql.Rows) ([]registry.Attachment, error) {
	defer rows.Close()
	out := []registry.Attachment{}
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// policyNulls holds the nullable columns of one policy row.
type policyNulls struct {
	retainUntil sql.NullTime
	minDays     sql.NullInt64
	maxDays     sql.NullInt64
	mode        string
	createdBy   sql.NullInt64
	notes       sql.NullString
}

func (n *policyNulls) dest(p *retention.Policy) []any {
	return []any{&p.AttachmentID, &p.PolicyName, &n.retainUntil, &n.minDays, &n.maxDays,
		&p.LegalHold, &n.mode, &p.ReviewRequired, &n.createdBy, &n.notes, &p.CreatedAt, &p.UpdatedAt}
}

func (n *policyNulls) apply(p *retention.Policy) {
	p.RetainUntil = timeFromNull(n.retainUntil)
	p.MinRetainDays = intPtr(n.minDays)
	p.MaxRetainDays = intPtr(n.maxDays)
	p.DeleteMode = retention.DeleteMode(n.mode)
	p.CreatedBy = int64Ptr(n.createdBy)
	p.Notes = n.notes.String
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
}

func scanPolicy(row scanner) (*retention.Policy, error) {
	var p retention.Policy
	var n policyNulls
	if err := row.Scan(n.dest(&p)...); err != nil {
		return nil, err
	}
	n.apply(&p)
	return &p, nil
}

func scanLink(row scanner) (*registry.Link, error) {
	var l registry.Link
	var linkedBy sql.NullInt64
	if err := row.Scan(&l.ID, &l.AttachmentID, &l.EntityType, &l.EntityID, &linkedBy, &l.LinkedAt); err != nil {
		return nil, err
	}
	l.LinkedBy = int64Ptr(linkedBy)
	l.LinkedAt = l.LinkedAt.UTC()
	return &l, nil
}

func expectOne(res sql.Result, what string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %d", errdefs.ErrNotFound, what, id)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
