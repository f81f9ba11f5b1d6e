package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/custodian/pkg/errdefs"
	"github.com/platinummonkey/custodian/pkg/ledger"
	"github.com/platinummonkey/custodian/pkg/observability"
	"github.com/platinummonkey/custodian/pkg/retention"
	"github.com/platinummonkey/custodian/pkg/storage"
)

// AuditEntityType is the ledger entity type for attachment events, links
// included.
const AuditEntityType = "attachment"

// AuditKey returns the ledger key of an attachment.
func AuditKey(id int64) ledger.Key {
	return ledger.Key{EntityType: AuditEntityType, EntityID: id}
}

var (
	ActionLink   = ledger.Custom("link")
	ActionUnlink = ledger.Custom("unlink")
)

// ContentLockKey serializes the reference count check before removing bytes
// with registrations of the same pointer.
func ContentLockKey(pointer string) string {
	return "content:" + pointer
}

// EmbeddingRemover drops every embedding of an attachment.
type EmbeddingRemover interface {
	Remove(ctx context.Context, attachmentID int64) error
}

// Registry owns attachments and their links.
type Registry struct {
	store   Store
	content storage.ContentStore
	audit   retention.Auditor
	locker  ledger.Locker
	index   EmbeddingRemover
	now     func() time.Time
	log     logrus.FieldLogger
	metrics *observability.Metrics
}

// Option configures a Registry.
type Option func(*Registry)

// WithContentStore sets the adapter used by Upload, Open, VerifyContent and
// hard deletes.
func WithContentStore(cs storage.ContentStore) Option {
	return func(r *Registry) { r.content = cs }
}

// WithLocker sets the locker. It must be the one given to the retention
// engine so holds and deletes on one attachment serialize.
func WithLocker(l ledger.Locker) Option {
	return func(r *Registry) { r.locker = l }
}

// WithEmbeddings sets the index cleaned up on hard delete.
func WithEmbeddings(idx EmbeddingRemover) Option {
	return func(r *Registry) { r.index = idx }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(r *Registry) { r.log = log }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// New creates a Registry.
func New(store Store, audit retention.Auditor, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		audit:  audit,
		locker: ledger.NewKeyedLocker(),
		now:    time.Now,
		log:    logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) observe(op string, err error) {
	r.metrics.ObserveRegistryOp(op, err)
}

// Register records an attachment for content already in the store. Equal
// hashes are allowed; use FindByHash to dedupe.
func (r *Registry) Register(ctx context.Context, in NewAttachment, actor ledger.Actor) (*Attachment, error) {
	a, err := r.register(ctx, in, actor)
	r.observe("register", err)
	return a, err
}

func (r *Registry) register(ctx context.Context, in NewAttachment, actor ledger.Actor) (*Attachment, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}
	if in.UploadedBy == nil {
		in.UploadedBy = actor.ID
	}

	a := &Attachment{
		FileName:       in.FileName,
		ContentType:    in.ContentType,
		StoragePointer: in.StoragePointer,
		ContentHash:    in.ContentHash,
		Size:           in.Size,
		UploadedBy:     in.UploadedBy,
		UploadedAt:     r.now().UTC().Truncate(time.Microsecond),
		Status:         StatusActive,
	}
	err := r.store.RunInTx(ctx, func(ctx context.Context) error {
		if err := r.store.CreateAttachment(ctx, a); err != nil {
			return fmt.Errorf("failed to create attachment: %w", err)
		}
		_, err := r.audit.Append(ctx, ledger.EventInput{
			Key:      AuditKey(a.ID),
			Action:   ledger.ActionCreate,
			Actor:    actor,
			NewValue: a.Snapshot(),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	r.log.WithFields(logrus.Fields{
		"attachment_id": a.ID,
		"content_hash":  a.ContentHash,
	}).Info("attachment registered")
	return a, nil
}

// Upload streams bytes into the content store and registers them. Identical
// bytes share one pointer, so the registration holds the pointer's lock and
// fails with errdefs.ErrConflict when a purge removed the bytes after Put.
func (r *Registry) Upload(ctx context.Context, body io.Reader, fileName, contentType string, actor ledger.Actor) (*Attachment, error) {
	a, err := r.upload(ctx, body, fileName, contentType, actor)
	r.observe("upload", err)
	return a, err
}

func (r *Registry) upload(ctx context.Context, body io.Reader, fileName, contentType string, actor ledger.Actor) (*Attachment, error) {
	if r.content == nil {
		return nil, errors.New("registry has no content store")
	}
	obj, err := r.content.Put(ctx, body, contentType)
	if err != nil {
		return nil, err
	}

	unlock, err := r.locker.Lock(ctx, ContentLockKey(obj.Pointer))
	if err != nil {
		return nil, err
	}
	defer unlock()

	present, err := r.contentPresent(ctx, obj.Pointer)
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, fmt.Errorf("%w: content %s was purged during upload, retry", errdefs.ErrConflict, obj.SHA256)
	}

	a, err := r.register(ctx, NewAttachment{
		FileName:       fileName,
		ContentType:    contentType,
		StoragePointer: obj.Pointer,
		ContentHash:    obj.SHA256,
		Size:           obj.Size,
	}, actor)
	if err != nil {
		r.discardOrphan(ctx, obj.Pointer)
		return nil, err
	}
	return a, nil
}

func (r *Registry) contentPresent(ctx context.Context, pointer string) (bool, error) {
	rc, err := r.content.Get(ctx, pointer)
	if errors.Is(err, errdefs.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check content: %w", err)
	}
	return true, rc.Close()
}

// discardOrphan removes bytes that no attachment references. The caller
// holds ContentLockKey(pointer).
func (r *Registry) discardOrphan(ctx context.Context, pointer string) {
	n, err := r.store.CountByPointer(ctx, pointer, 0)
	if err != nil || n > 0 {
		return
	}
	if err := r.content.Delete(ctx, pointer); err != nil {
		r.log.WithError(err).WithField("pointer", pointer).Warn("failed to remove unregistered content")
	}
}

// Get returns an active attachment.
func (r *Registry) Get(ctx context.Context, id int64) (*Attachment, error) {
	a, err := r.store.GetAttachment(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusActive {
		return nil, fmt.Errorf("%w: attachment %d", errdefs.ErrNotFound, id)
	}
	return a, nil
}

// GetIncludingDeleted returns the attachment in any status.
func (r *Registry) GetIncludingDeleted(ctx context.Context, id int64) (*Attachment, error) {
	return r.store.GetAttachment(ctx, id)
}

// GetMany returns the active attachments among ids, keyed by id.
func (r *Registry) GetMany(ctx context.Context, ids []int64) (map[int64]Attachment, error) {
	all, err := r.store.GetAttachments(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]Attachment, len(all))
	for _, a := range all {
		if a.Status == StatusActive {
			out[a.ID] = a
		}
	}
	return out, nil
}

// Liveness reports which attachment ids are active, reading the store on
// every call. It lets an index built before the registry filter out
// attachments deleted by another process.
type Liveness struct {
	store Store
}

// NewLiveness creates a Liveness over store.
func NewLiveness(store Store) *Liveness {
	return &Liveness{store: store}
}

// Live returns true for each active id among ids.
func (l *Liveness) Live(ctx context.Context, ids []int64) (map[int64]bool, error) {
	all, err := l.store.GetAttachments(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]bool, len(all))
	for _, a := range all {
		out[a.ID] = a.Status == StatusActive
	}
	return out, nil
}

// WithActive runs fn under the attachment lock once the attachment is known
// to be active. A hard delete holds the same lock while it removes
// embeddings, so a write made by fn is never left behind by one.
func (r *Registry) WithActive(ctx context.Context, id int64, fn func(ctx context.Context, a *Attachment) error) error {
	unlock, err := r.locker.Lock(ctx, retention.LockKey(id))
	if err != nil {
		return err
	}
	defer unlock()

	a, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	return fn(ctx, a)
}

// FindByHash returns active attachments with the given content hash.
func (r *Registry) FindByHash(ctx context.Context, hash string) ([]Attachment, error) {
	hash = strings.ToLower(strings.TrimSpace(hash))
	if hash == "" {
		return nil, fmt.Errorf("%w: hash is required", errdefs.ErrValidation)
	}
	return r.store.FindByHash(ctx, hash)
}

// Open returns the bytes of an active attachment.
func (r *Registry) Open(ctx context.Context, id int64) (io.ReadCloser, *Attachment, error) {
	a, err := r.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if r.content == nil {
		return nil, nil, errors.New("registry has no content store")
	}
	rc, err := r.content.Get(ctx, a.StoragePointer)
	if err != nil {
		return nil, nil, err
	}
	return rc, a, nil
}

// VerifyContent re-hashes the stored bytes and compares them with the
// registered hash. Soft deleted attachments can be checked too.
func (r *Registry) VerifyContent(ctx context.Context, id int64) (ContentCheck, error) {
	a, err := r.store.GetAttachment(ctx, id)
	if err != nil {
		return ContentCheck{}, err
	}
	if a.Status == StatusPurged {
		return ContentCheck{}, fmt.Errorf("%w: attachment %d was purged", errdefs.ErrNotFound, id)
	}
	if r.content == nil {
		return ContentCheck{}, errors.New("registry has no content store")
	}
	ok, actual, err := storage.VerifyContent(ctx, r.content, a.StoragePointer, a.ContentHash)
	if err != nil {
		return ContentCheck{}, err
	}
	if !ok {
		r.log.WithFields(logrus.Fields{
			"attachment_id": id,
			"expected":      a.ContentHash,
			"actual":        actual,
		}).Error("attachment content hash mismatch")
	}
	return ContentCheck{AttachmentID: id, OK: ok, Expected: a.ContentHash, Actual: actual}, nil
}

// Link associates an active attachment with an entity.
func (r *Registry) Link(ctx context.Context, attachmentID int64, entityType string, entityID int64, actor ledger.Actor) (*Link, error) {
	l, err := r.link(ctx, attachmentID, entityType, entityID, actor)
	r.observe("link", err)
	return l, err
}

func (r *Registry) link(ctx context.Context, attachmentID int64, entityType string, entityID int64, actor ledger.Actor) (*Link, error) {
	entityType = strings.TrimSpace(entityType)
	if entityType == "" {
		return nil, fmt.Errorf("%w: entity type is required", errdefs.ErrValidation)
	}

	unlock, err := r.locker.Lock(ctx, retention.LockKey(attachmentID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	l := &Link{
		AttachmentID: attachmentID,
		EntityType:   entityType,
		EntityID:     entityID,
		LinkedBy:     actor.ID,
		LinkedAt:     r.now().UTC().Truncate(time.Microsecond),
	}
	err = r.store.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := r.Get(ctx, attachmentID); err != nil {
			return err
		}
		if err := r.store.CreateLink(ctx, l); err != nil {
			return fmt.Errorf("failed to create link: %w", err)
		}
		_, err := r.audit.Append(ctx, ledger.EventInput{
			Key:      AuditKey(attachmentID),
			Action:   ActionLink,
			Actor:    actor,
			NewValue: l.Snapshot(),
			Note:     "linked to " + entityType + ":" + strconv.FormatInt(entityID, 10),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Unlink removes a link. The attachment is untouched.
func (r *Registry) Unlink(ctx context.Context, linkID int64, actor ledger.Actor) error {
	err := r.unlink(ctx, linkID, actor)
	r.observe("unlink", err)
	return err
}

func (r *Registry) unlink(ctx context.Context, linkID int64, actor ledger.Actor) error {
	l, err := r.store.GetLink(ctx, linkID)
	if err != nil {
		return err
	}

	unlock, err := r.locker.Lock(ctx, retention.LockKey(l.AttachmentID))
	if err != nil {
		return err
	}
	defer unlock()

	return r.store.RunInTx(ctx, func(ctx context.Context) error {
		if err := r.store.DeleteLink(ctx, linkID); err != nil {
			return err
		}
		_, err := r.audit.Append(ctx, ledger.EventInput{
			Key:      AuditKey(l.AttachmentID),
			Action:   ActionUnlink,
			Actor:    actor,
			OldValue: l.Snapshot(),
			Note:     "unlinked from " + l.EntityType + ":" + strconv.FormatInt(l.EntityID, 10),
		})
		return err
	})
}

// Links lists the links of an attachment.
func (r *Registry) Links(ctx context.Context, attachmentID int64) ([]Link, error) {
	if _, err := r.store.GetAttachment(ctx, attachmentID); err != nil {
		return nil, err
	}
	return r.store.ListLinks(ctx, attachmentID)
}

// ListPurgeCandidates pages attachments that carry a retention policy.
func (r *Registry) ListPurgeCandidates(ctx context.Context, afterID int64, limit int) ([]Candidate, error) {
	return r.store.ListPurgeCandidates(ctx, afterID, limit)
}

// Delete soft or hard deletes an attachment. Retention is evaluated again
// under the attachment lock and inside the transaction that writes the
// tombstone, so a concurrent legal hold always wins. On a hard delete the
// bytes are removed after commit unless another attachment shares them; a
// failure there is returned together with the tombstoned attachment.
func (r *Registry) Delete(ctx context.Context, id int64, req DeleteRequest) (*Attachment, error) {
	a, err := r.delete(ctx, id, req)
	r.observe("delete", err)
	return a, err
}

func (r *Registry) delete(ctx context.Context, id int64, req DeleteRequest) (*Attachment, error) {
	if req.Mode != "" {
		if _, err := retention.ParseDeleteMode(string(req.Mode)); err != nil {
			return nil, err
		}
	}

	unlock, err := r.locker.Lock(ctx, retention.LockKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var deleted *Attachment
	var mode retention.DeleteMode
	err = r.store.RunInTx(ctx, func(ctx context.Context) error {
		a, err := r.store.LockForDelete(ctx, id)
		if err != nil {
			return err
		}
		if a.Status == StatusPurged {
			return fmt.Errorf("%w: attachment %d was purged", errdefs.ErrNotFound, id)
		}

		policy, err := r.store.GetPolicy(ctx, id)
		if err != nil && !errors.Is(err, errdefs.ErrNotFound) {
			return fmt.Errorf("failed to load policy: %w", err)
		}
		now := r.now().UTC().Truncate(time.Microsecond)
		decision := retention.Evaluate(policy, a.UploadedAt, now, req.ReviewApproved)
		if !decision.CanPurge {
			return fmt.Errorf("%w: attachment %d: %s", errdefs.ErrRetentionBlocked, id, decision.Reason)
		}

		mode = req.Mode
		if mode == "" {
			mode = policy.DeleteMode
		}
		if mode == retention.DeleteSoft && a.Status == StatusSoftDeleted {
			return fmt.Errorf("%w: attachment %d is already deleted", errdefs.ErrConflict, id)
		}

		old := a.Snapshot()
		status := StatusSoftDeleted
		note := "soft delete"
		if mode == retention.DeleteHard {
			status = StatusPurged
			n, err := r.store.DeleteLinksFor(ctx, id)
			if err != nil {
				return fmt.Errorf("failed to remove links: %w", err)
			}
			note = fmt.Sprintf("hard delete, %d links removed", n)
		}
		if req.Note != "" {
			note += ": " + req.Note
		}
		if err := r.store.UpdateStatus(ctx, id, status, &now); err != nil {
			return fmt.Errorf("failed to update status: %w", err)
		}
		if _, err := r.audit.Append(ctx, ledger.EventInput{
			Key:      AuditKey(id),
			Action:   ledger.ActionDelete,
			Actor:    req.Actor,
			OldValue: old,
			Note:     note,
		}); err != nil {
			return err
		}

		a.Status = status
		a.DeletedAt = &now
		deleted = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	log := r.log.WithFields(logrus.Fields{
		"attachment_id": id,
		"mode":          mode,
	})
	log.Info("attachment deleted")

	if mode != retention.DeleteHard {
		return deleted, nil
	}
	if r.index != nil {
		if err := r.index.Remove(ctx, id); err != nil {
			log.WithError(err).Warn("failed to remove embeddings")
		}
	}
	if err := r.removeContent(ctx, deleted); err != nil {
		log.WithError(err).Error("attachment purged but content removal failed")
		return deleted, err
	}
	return deleted, nil
}

func (r *Registry) removeContent(ctx context.Context, a *Attachment) error {
	if r.content == nil {
		r.log.WithField("attachment_id", a.ID).Warn("no content store configured, bytes left in place")
		return nil
	}
	unlock, err := r.locker.Lock(ctx, ContentLockKey(a.StoragePointer))
	if err != nil {
		return err
	}
	defer unlock()

	n, err := r.store.CountByPointer(ctx, a.StoragePointer, a.ID)
	if err != nil {
		return fmt.Errorf("failed to count content references: %w", err)
	}
	if n > 0 {
		return nil
	}
	if err := r.content.Delete(ctx, a.StoragePointer); err != nil {
		return fmt.Errorf("failed to remove content of attachment %d: %w", a.ID, err)
	}
	return nil
}

// Restore reverses a soft delete.
func (r *Registry) Restore(ctx context.Context, id int64, actor ledger.Actor) (*Attachment, error) {
	a, err := r.restore(ctx, id, actor)
	r.observe("restore", err)
	return a, err
}

func (r *Registry) restore(ctx context.Context, id int64, actor ledger.Actor) (*Attachment, error) {
	unlock, err := r.locker.Lock(ctx, retention.LockKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var restored *Attachment
	err = r.store.RunInTx(ctx, func(ctx context.Context) error {
		a, err := r.store.LockForDelete(ctx, id)
		if err != nil {
			return err
		}
		if a.Status != StatusSoftDeleted {
			return fmt.Errorf("%w: attachment %d is %s", errdefs.ErrConflict, id, a.Status)
		}
		old := a.Snapshot()
		if err := r.store.UpdateStatus(ctx, id, StatusActive, nil); err != nil {
			return fmt.Errorf("failed to update status: %w", err)
		}
		a.Status = StatusActive
		a.DeletedAt = nil
		if _, err := r.audit.Append(ctx, ledger.EventInput{
			Key:      AuditKey(id),
			Action:   ledger.ActionUpdate,
			Actor:    actor,
			OldValue: old,
			NewValue: a.Snapshot(),
			Note:     "restored",
		}); err != nil {
			return err
		}
		restored = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return restored, nil
}
