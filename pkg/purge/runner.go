package purge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/custodian/pkg/errdefs"
	"github.com/platinummonkey/custodian/pkg/ledger"
	"github.com/platinummonkey/custodian/pkg/observability"
	"github.com/platinummonkey/custodian/pkg/registry"
	"github.com/platinummonkey/custodian/pkg/retention"
)

// ActionSkipped is recorded on an attachment whose purge date has passed but
// which was kept because of a legal hold or a pending review.
var ActionSkipped = ledger.Custom("purge_skipped")

const maxReportedErrors = 20

// Registry is the part of the attachment registry a run needs.
type Registry interface {
	ListPurgeCandidates(ctx context.Context, afterID int64, limit int) ([]registry.Candidate, error)
	Delete(ctx context.Context, id int64, req registry.DeleteRequest) (*registry.Attachment, error)
}

// Approvals reports whether a reviewer approved purging an attachment.
type Approvals interface {
	Approved(ctx context.Context, attachmentID int64) (bool, error)
}

// NoApprovals approves nothing.
type NoApprovals struct{}

func (NoApprovals) Approved(context.Context, int64) (bool, error) { return false, nil }

// Config tunes a Runner.
type Config struct {
	PageSize    int
	Concurrency int
	DryRun      bool
	Device      string
}

// DefaultConfig returns the runner defaults.
func DefaultConfig() Config {
	return Config{
		PageSize:    200,
		Concurrency: 4,
		Device:      "purge-scheduler",
	}
}

// Result summarises one run.
type Result struct {
	RunID          string    `json:"run_id"`
	DryRun         bool      `json:"dry_run"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	Scanned        int       `json:"scanned"`
	SoftDeletes    int       `json:"soft_deletes"`
	HardPurges     int       `json:"hard_purges"`
	HoldNotices    int       `json:"hold_notices"`
	ReviewNotices  int       `json:"review_notices"`
	NotDue         int       `json:"not_due"`
	AlreadyDeleted int       `json:"already_deleted"`
	Blocked        int       `json:"blocked"`
	Failures       int       `json:"failures"`
	Errors         []string  `json:"errors,omitempty"`
}

type outcome string

const (
	outcomeSoft           outcome = "soft_delete"
	outcomeHard           outcome = "hard_purge"
	outcomeHold           outcome = "hold_notice"
	outcomeReview         outcome = "review_notice"
	outcomeNotDue         outcome = "not_due"
	outcomeAlreadyDeleted outcome = "already_deleted"
	outcomeBlocked        outcome = "blocked"
	outcomeFailure        outcome = "failure"
)

// Runner enumerates attachments with policies and deletes those that are
// due. It keeps no timers; a scheduler calls RunOnce.
type Runner struct {
	reg       Registry
	audit     retention.Auditor
	approvals Approvals
	cfg       Config
	log       logrus.FieldLogger
	metrics   *observability.Metrics
}

// Option configures a Runner.
type Option func(*Runner)

func WithApprovals(a Approvals) Option {
	return func(r *Runner) { r.approvals = a }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(r *Runner) { r.log = log }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// NewRunner creates a Runner. Zero config fields take DefaultConfig values.
func NewRunner(reg Registry, audit retention.Auditor, cfg Config, opts ...Option) *Runner {
	def := DefaultConfig()
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Device == "" {
		cfg.Device = def.Device
	}
	r := &Runner{
		reg:       reg,
		audit:     audit,
		approvals: NoApprovals{},
		cfg:       cfg,
		log:       logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type tally struct {
	mu  sync.Mutex
	res *Result
}

func (t *tally) add(o outcome, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch o {
	case outcomeSoft:
		t.res.SoftDeletes++
	case outcomeHard:
		t.res.HardPurges++
	case outcomeHold:
		t.res.HoldNotices++
	case outcomeReview:
		t.res.ReviewNotices++
	case outcomeNotDue:
		t.res.NotDue++
	case outcomeAlreadyDeleted:
		t.res.AlreadyDeleted++
	case outcomeBlocked:
		t.res.Blocked++
	case outcomeFailure:
		t.res.Failures++
		if err != nil && len(t.res.Errors) < maxReportedErrors {
			t.res.Errors = append(t.res.Errors, err.Error())
		}
	}
}

// RunOnce evaluates every candidate at now. Per attachment failures are
// counted and logged; only listing errors and cancellation abort the run.
func (r *Runner) RunOnce(ctx context.Context, now time.Time) (Result, error) {
	res := Result{
		RunID:     uuid.NewString(),
		DryRun:    r.cfg.DryRun,
		StartedAt: time.Now().UTC(),
	}
	log := r.log.WithFields(logrus.Fields{
		"run_id":  res.RunID,
		"dry_run": r.cfg.DryRun,
	})
	log.Info("purge run started")

	t := &tally{res: &res}
	var afterID int64
	var runErr error
	for {
		page, err := r.reg.ListPurgeCandidates(ctx, afterID, r.cfg.PageSize)
		if err != nil {
			runErr = fmt.Errorf("failed to list purge candidates: %w", err)
			break
		}
		if len(page) == 0 {
			break
		}
		res.Scanned += len(page)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.cfg.Concurrency)
		for _, c := range page {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				o, err := r.process(gctx, log, res.RunID, c, now)
				t.add(o, err)
				r.metrics.ObservePurgeDecision(string(o))
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			runErr = err
			break
		}

		afterID = page[len(page)-1].Attachment.ID
		if len(page) < r.cfg.PageSize {
			break
		}
	}

	res.FinishedAt = time.Now().UTC()
	r.metrics.ObservePurgeRun(res.FinishedAt.Sub(res.StartedAt))
	entry := log.WithFields(logrus.Fields{
		"scanned":         res.Scanned,
		"soft_deletes":    res.SoftDeletes,
		"hard_purges":     res.HardPurges,
		"hold_notices":    res.HoldNotices,
		"review_notices":  res.ReviewNotices,
		"not_due":         res.NotDue,
		"already_deleted": res.AlreadyDeleted,
		"blocked":         res.Blocked,
		"failures":        res.Failures,
	})
	if runErr != nil {
		entry.WithError(runErr).Error("purge run aborted")
		return res, runErr
	}
	entry.Info("purge run finished")
	return res, nil
}

func (r *Runner) process(ctx context.Context, log logrus.FieldLogger, runID string, c registry.Candidate, now time.Time) (outcome, error) {
	a := c.Attachment
	log = log.WithField("attachment_id", a.ID)

	approved := false
	if c.Policy != nil && c.Policy.ReviewRequired {
		ok, err := r.approvals.Approved(ctx, a.ID)
		if err != nil {
			log.WithError(err).Error("failed to check review approval")
			return outcomeFailure, err
		}
		approved = ok
	}

	d := retention.Evaluate(c.Policy, a.UploadedAt, now, approved)
	if !d.Due(now) {
		return outcomeNotDue, nil
	}

	switch d.Reason {
	case retention.ReasonLegalHold:
		log.Info("purge date passed but attachment is under legal hold")
		return r.notice(ctx, log, runID, a.ID, "legal hold", outcomeHold)
	case retention.ReasonReviewRequired:
		log.Info("purge date passed but review has not been approved")
		return r.notice(ctx, log, runID, a.ID, "review required", outcomeReview)
	}

	mode := d.DeleteMode
	if mode == "" {
		mode = retention.DeleteSoft
	}
	if a.Status == registry.StatusSoftDeleted && mode == retention.DeleteSoft {
		return outcomeAlreadyDeleted, nil
	}
	done := outcomeSoft
	if mode == retention.DeleteHard {
		done = outcomeHard
	}
	if r.cfg.DryRun {
		log.WithField("mode", mode).Info("dry run: attachment would be deleted")
		return done, nil
	}

	_, err := r.reg.Delete(ctx, a.ID, registry.DeleteRequest{
		Mode:           mode,
		Actor:          ledger.SystemActor(r.cfg.Device),
		ReviewApproved: approved,
		Note:           "purge run " + runID,
	})
	switch {
	case err == nil:
		return done, nil
	case errors.Is(err, errdefs.ErrRetentionBlocked):
		// The policy changed between listing and deleting.
		log.WithError(err).Info("purge blocked at delete time")
		return outcomeBlocked, nil
	default:
		log.WithError(err).Error("failed to delete attachment")
		return outcomeFailure, err
	}
}

// notice records why a due attachment was kept. Dry runs record nothing.
func (r *Runner) notice(ctx context.Context, log logrus.FieldLogger, runID string, attachmentID int64, reason string, o outcome) (outcome, error) {
	if r.cfg.DryRun {
		return o, nil
	}
	_, err := r.audit.Append(ctx, ledger.EventInput{
		Key:    registry.AuditKey(attachmentID),
		Action: ActionSkipped,
		Actor:  ledger.SystemActor(r.cfg.Device),
		Note:   "purge skipped: " + reason + " (run " + runID + ")",
	})
	if err != nil {
		log.WithError(err).Error("failed to record purge notice")
		return outcomeFailure, fmt.Errorf("failed to record purge notice: %w", err)
	}
	return o, nil
}
