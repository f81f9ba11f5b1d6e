package retention

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/custodian/pkg/errdefs"
	"github.com/platinummonkey/custodian/pkg/ledger"
	"github.com/platinummonkey/custodian/pkg/observability"
	"github.com/platinummonkey/custodian/pkg/storage"
)

// AuditEntityType is the ledger entity type for policy changes. The entity
// id is the attachment id.
const AuditEntityType = "retention_policy"

// AuditKey returns the ledger key for an attachment's policy history.
func AuditKey(attachmentID int64) ledger.Key {
	return ledger.Key{EntityType: AuditEntityType, EntityID: attachmentID}
}

// LockKey is the mutual exclusion key shared by policy writes and deletes of
// one attachment.
func LockKey(attachmentID int64) string {
	return "retention:attachment:" + strconv.FormatInt(attachmentID, 10)
}

// Store persists policies.
type Store interface {
	storage.Transactor

	// GetPolicy fails with errdefs.ErrNotFound when the attachment has none.
	GetPolicy(ctx context.Context, attachmentID int64) (*Policy, error)
	// SavePolicy inserts or replaces the attachment's policy.
	SavePolicy(ctx context.Context, p *Policy) error
	// AttachmentUploadedAt fails with errdefs.ErrNotFound for unknown ids.
	AttachmentUploadedAt(ctx context.Context, attachmentID int64) (time.Time, error)
}

// Auditor records audit events.
type Auditor interface {
	Append(ctx context.Context, in ledger.EventInput) (*ledger.Event, error)
}

// Amendment changes selected fields of an existing policy. Nil fields are
// left as they are.
type Amendment struct {
	DeleteMode       *DeleteMode `json:"delete_mode,omitempty"`
	ReviewRequired   *bool       `json:"review_required,omitempty"`
	RetainUntil      *time.Time  `json:"retain_until,omitempty"`
	ClearRetainUntil bool        `json:"clear_retain_until,omitempty"`
	MinRetainDays    *int        `json:"min_retain_days,omitempty"`
	MaxRetainDays    *int        `json:"max_retain_days,omitempty"`
	Notes            *string     `json:"notes,omitempty"`
}

type snapshot struct {
	policy     *Policy
	uploadedAt time.Time
}

// Engine answers purge questions and applies audited policy changes.
type Engine struct {
	store   Store
	audit   Auditor
	locker  ledger.Locker
	now     func() time.Time
	log     logrus.FieldLogger
	metrics *observability.Metrics

	cacheSize int
	cacheTTL  time.Duration
	cache     *expirable.LRU[int64, snapshot]
	loads     singleflight.Group
	// cacheMu orders cache fills against invalidations. A fill is dropped
	// when generation moved while its rows were being read.
	cacheMu    sync.Mutex
	generation uint64

	templates atomic.Pointer[TemplateSet]
}

// Option configures an Engine.
type Option func(*Engine)

// WithLocker sets the locker shared with the registry's delete path.
func WithLocker(l ledger.Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithClock overrides the clock used for policy timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(e *Engine) { e.log = log }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithCache sizes the read cache. A size of zero disables it.
func WithCache(size int, ttl time.Duration) Option {
	return func(e *Engine) {
		e.cacheSize = size
		e.cacheTTL = ttl
	}
}

// WithTemplates installs an initial template set.
func WithTemplates(ts *TemplateSet) Option {
	return func(e *Engine) { e.templates.Store(ts) }
}

// NewEngine creates an Engine.
func NewEngine(store Store, audit Auditor, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		audit:     audit,
		locker:    ledger.NewKeyedLocker(),
		now:       time.Now,
		log:       logrus.StandardLogger(),
		cacheSize: 1024,
		cacheTTL:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cacheSize > 0 {
		e.cache = expirable.NewLRU[int64, snapshot](e.cacheSize, nil, e.cacheTTL)
	}
	if e.templates.Load() == nil {
		e.templates.Store(EmptyTemplates())
	}
	return e
}

// SetTemplates replaces the template set, e.g. after a file reload.
func (e *Engine) SetTemplates(ts *TemplateSet) {
	e.templates.Store(ts)
}

// Templates returns the current template set.
func (e *Engine) Templates() *TemplateSet {
	return e.templates.Load()
}

// load serves GetPolicy from the cache. Purge decisions use read instead,
// since another replica may have set a hold this cache has not seen.
func (e *Engine) load(ctx context.Context, attachmentID int64) (snapshot, error) {
	if e.cache == nil {
		return e.read(ctx, attachmentID)
	}
	if snap, ok := e.cache.Get(attachmentID); ok {
		e.metrics.ObserveCache("policy", true)
		return snap, nil
	}
	e.metrics.ObserveCache("policy", false)

	v, err, _ := e.loads.Do(strconv.FormatInt(attachmentID, 10), func() (interface{}, error) {
		e.cacheMu.Lock()
		gen := e.generation
		e.cacheMu.Unlock()

		snap, err := e.read(ctx, attachmentID)
		if err != nil {
			return snapshot{}, err
		}

		e.cacheMu.Lock()
		if e.generation == gen {
			e.cache.Add(attachmentID, snap)
		}
		e.cacheMu.Unlock()
		return snap, nil
	})
	if err != nil {
		return snapshot{}, err
	}
	return v.(snapshot), nil
}

// read loads the attachment's rows from the store, inside ctx's transaction
// when there is one.
func (e *Engine) read(ctx context.Context, attachmentID int64) (snapshot, error) {
	uploadedAt, err := e.store.AttachmentUploadedAt(ctx, attachmentID)
	if err != nil {
		return snapshot{}, err
	}
	policy, err := e.store.GetPolicy(ctx, attachmentID)
	if err != nil && !errors.Is(err, errdefs.ErrNotFound) {
		return snapshot{}, fmt.Errorf("failed to load policy: %w", err)
	}
	return snapshot{policy: policy, uploadedAt: uploadedAt}, nil
}

func (e *Engine) invalidate(attachmentID int64) {
	if e.cache == nil {
		return
	}
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	e.generation++
	e.cache.Remove(attachmentID)
}

// GetPolicy returns the attachment's policy or errdefs.ErrNotFound.
func (e *Engine) GetPolicy(ctx context.Context, attachmentID int64) (*Policy, error) {
	snap, err := e.load(ctx, attachmentID)
	if err != nil {
		return nil, err
	}
	if snap.policy == nil {
		return nil, fmt.Errorf("%w: attachment %d has no retention policy", errdefs.ErrNotFound, attachmentID)
	}
	return snap.policy.Clone(), nil
}

// EffectivePurgeDate returns the purge date, with ok false meaning never.
func (e *Engine) EffectivePurgeDate(ctx context.Context, attachmentID int64) (time.Time, bool, error) {
	snap, err := e.read(ctx, attachmentID)
	if err != nil {
		return time.Time{}, false, err
	}
	at, ok := EffectivePurgeDate(snap.policy, snap.uploadedAt)
	return at, ok, nil
}

// CanPurge reports whether an automated purge is allowed at now.
func (e *Engine) CanPurge(ctx context.Context, attachmentID int64, now time.Time, reviewApproved bool) (bool, error) {
	d, err := e.Explain(ctx, attachmentID, now, reviewApproved)
	return d.CanPurge, err
}

// Explain returns the full decision behind CanPurge. It always reads the
// store, never the cache.
func (e *Engine) Explain(ctx context.Context, attachmentID int64, now time.Time, reviewApproved bool) (Decision, error) {
	snap, err := e.read(ctx, attachmentID)
	if err != nil {
		return Decision{}, err
	}
	d := Evaluate(snap.policy, snap.uploadedAt, now, reviewApproved)
	d.AttachmentID = attachmentID
	return d, nil
}

// change computes the next policy from the current one, which is nil when
// the attachment has none. Returning a nil policy means nothing changes.
type change func(current *Policy) (next *Policy, action ledger.Action, note string, err error)

// mutate applies fn under the attachment lock and records the audit event in
// the same transaction as the write.
func (e *Engine) mutate(ctx context.Context, attachmentID int64, actor ledger.Actor, op string, fn change) (*Policy, error) {
	unlock, err := e.locker.Lock(ctx, LockKey(attachmentID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock attachment %d: %w", attachmentID, err)
	}
	defer unlock()

	var result *Policy
	err = e.store.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := e.store.AttachmentUploadedAt(ctx, attachmentID); err != nil {
			return err
		}
		current, err := e.store.GetPolicy(ctx, attachmentID)
		if err != nil && !errors.Is(err, errdefs.ErrNotFound) {
			return fmt.Errorf("failed to load policy: %w", err)
		}

		next, action, note, err := fn(current.Clone())
		if err != nil {
			return err
		}
		if next == nil {
			result = current
			return nil
		}

		now := e.now().UTC()
		next.AttachmentID = attachmentID
		next.UpdatedAt = now
		if current != nil {
			next.CreatedAt = current.CreatedAt
		} else {
			next.CreatedAt = now
		}
		if next.DeleteMode == "" {
			next.DeleteMode = DeleteSoft
		}
		if err := next.Validate(); err != nil {
			return err
		}

		if _, err := e.audit.Append(ctx, ledger.EventInput{
			Key:      AuditKey(attachmentID),
			Action:   action,
			Actor:    actor,
			OldValue: current.Snapshot(),
			NewValue: next.Snapshot(),
			Note:     note,
		}); err != nil {
			return err
		}
		if err := e.store.SavePolicy(ctx, next); err != nil {
			return fmt.Errorf("failed to save policy: %w", err)
		}
		result = next
		return nil
	})
	e.invalidate(attachmentID)
	e.metrics.ObserveRegistryOp("policy_"+op, err)
	if err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{
		"attachment_id": attachmentID,
		"operation":     op,
	}).Info("retention policy changed")
	return result.Clone(), nil
}

// AttachPolicy creates or replaces the attachment's policy. An active legal
// hold survives replacement; only ApplyLegalHold releases it.
func (e *Engine) AttachPolicy(ctx context.Context, attachmentID int64, p Policy, actor ledger.Actor) (*Policy, error) {
	return e.mutate(ctx, attachmentID, actor, "attach", func(current *Policy) (*Policy, ledger.Action, string, error) {
		next := p.Clone()
		if next.CreatedBy == nil {
			next.CreatedBy = actor.ID
		}
		if current == nil {
			return next, ledger.ActionCreate, "retention policy attached", nil
		}
		if current.LegalHold {
			next.LegalHold = true
		}
		return next, ledger.ActionUpdate, "retention policy replaced", nil
	})
}

// ApplyTemplate instantiates a named template as the attachment's policy.
func (e *Engine) ApplyTemplate(ctx context.Context, attachmentID int64, name string, actor ledger.Actor) (*Policy, error) {
	tpl, ok := e.Templates().Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: retention template %q", errdefs.ErrNotFound, name)
	}
	return e.mutate(ctx, attachmentID, actor, "template", func(current *Policy) (*Policy, ledger.Action, string, error) {
		next := tpl.Instantiate(attachmentID, actor.ID)
		note := "retention template " + tpl.Name + " applied"
		if current == nil {
			return next, ledger.ActionCreate, note, nil
		}
		if current.LegalHold {
			next.LegalHold = true
		}
		return next, ledger.ActionUpdate, note, nil
	})
}

// AmendPolicy changes fields of an existing policy.
func (e *Engine) AmendPolicy(ctx context.Context, attachmentID int64, a Amendment, actor ledger.Actor) (*Policy, error) {
	return e.mutate(ctx, attachmentID, actor, "amend", func(current *Policy) (*Policy, ledger.Action, string, error) {
		if current == nil {
			return nil, "", "", fmt.Errorf("%w: attachment %d has no retention policy", errdefs.ErrNotFound, attachmentID)
		}
		next := current.Clone()
		var changes []string
		if a.DeleteMode != nil && *a.DeleteMode != next.DeleteMode {
			changes = append(changes, fmt.Sprintf("delete mode %s -> %s", next.DeleteMode, *a.DeleteMode))
			next.DeleteMode = *a.DeleteMode
		}
		if a.ReviewRequired != nil && *a.ReviewRequired != next.ReviewRequired {
			changes = append(changes, fmt.Sprintf("review required %t -> %t", next.ReviewRequired, *a.ReviewRequired))
			next.ReviewRequired = *a.ReviewRequired
		}
		if a.ClearRetainUntil && next.RetainUntil != nil {
			changes = append(changes, "retain until cleared")
			next.RetainUntil = nil
		}
		if a.RetainUntil != nil {
			t := a.RetainUntil.UTC()
			changes = append(changes, "retain until "+t.Format(time.RFC3339))
			next.RetainUntil = &t
		}
		if a.MinRetainDays != nil {
			changes = append(changes, fmt.Sprintf("min retain days %d", *a.MinRetainDays))
			next.MinRetainDays = a.MinRetainDays
		}
		if a.MaxRetainDays != nil {
			changes = append(changes, fmt.Sprintf("max retain days %d", *a.MaxRetainDays))
			next.MaxRetainDays = a.MaxRetainDays
		}
		if a.Notes != nil {
			next.Notes = *a.Notes
		}
		if len(changes) == 0 && a.Notes == nil {
			return nil, "", "", nil
		}
		note := "policy amended"
		if len(changes) > 0 {
			note += ": " + strings.Join(changes, ", ")
		}
		return next, ledger.ActionUpdate, note, nil
	})
}

// ApplyLegalHold sets or releases the legal hold. Setting a hold on an
// attachment without a policy creates a soft-delete policy carrying only the
// hold. Repeating the current state changes nothing and records nothing.
func (e *Engine) ApplyLegalHold(ctx context.Context, attachmentID int64, hold bool, actor ledger.Actor) (*Policy, error) {
	return e.mutate(ctx, attachmentID, actor, "legal_hold", func(current *Policy) (*Policy, ledger.Action, string, error) {
		note := "legal hold released"
		if hold {
			note = "legal hold set"
		}
		if current == nil {
			if !hold {
				return nil, "", "", fmt.Errorf("%w: attachment %d has no retention policy", errdefs.ErrNotFound, attachmentID)
			}
			return &Policy{
				PolicyName: "legal-hold",
				LegalHold:  true,
				DeleteMode: DeleteSoft,
				CreatedBy:  actor.ID,
			}, ledger.ActionCreate, note, nil
		}
		if current.LegalHold == hold {
			return nil, "", "", nil
		}
		current.LegalHold = hold
		return current, ledger.ActionUpdate, note, nil
	})
}
