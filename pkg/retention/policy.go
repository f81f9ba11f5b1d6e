package retention

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/custodian/pkg/errdefs"
)

// Day is the unit of MinRetainDays and MaxRetainDays.
const Day = 24 * time.Hour

// DeleteMode selects what a purge does to an attachment.
type DeleteMode string

const (
	DeleteSoft DeleteMode = "soft"
	DeleteHard DeleteMode = "hard"
)

// ParseDeleteMode accepts "soft" or "hard" in any case.
func ParseDeleteMode(s string) (DeleteMode, error) {
	switch m := DeleteMode(strings.ToLower(strings.TrimSpace(s))); m {
	case DeleteSoft, DeleteHard:
		return m, nil
	default:
		return "", fmt.Errorf("%w: unknown delete mode %q", errdefs.ErrValidation, s)
	}
}

// Policy is the retention policy of exactly one attachment.
type Policy struct {
	AttachmentID   int64      `json:"attachment_id"`
	PolicyName     string     `json:"policy_name"`
	RetainUntil    *time.Time `json:"retain_until,omitempty"`
	MinRetainDays  *int       `json:"min_retain_days,omitempty"`
	MaxRetainDays  *int       `json:"max_retain_days,omitempty"`
	LegalHold      bool       `json:"legal_hold"`
	DeleteMode     DeleteMode `json:"delete_mode"`
	ReviewRequired bool       `json:"review_required"`
	CreatedBy      *int64     `json:"created_by,omitempty"`
	Notes          string     `json:"notes,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Validate checks the policy is internally consistent.
func (p *Policy) Validate() error {
	if strings.TrimSpace(p.PolicyName) == "" {
		return fmt.Errorf("%w: policy name is required", errdefs.ErrValidation)
	}
	if p.MinRetainDays != nil && *p.MinRetainDays < 0 {
		return fmt.Errorf("%w: min_retain_days must not be negative", errdefs.ErrValidation)
	}
	if p.MaxRetainDays != nil && *p.MaxRetainDays < 0 {
		return fmt.Errorf("%w: max_retain_days must not be negative", errdefs.ErrValidation)
	}
	if p.MinRetainDays != nil && p.MaxRetainDays != nil && *p.MinRetainDays > *p.MaxRetainDays {
		return fmt.Errorf("%w: min_retain_days exceeds max_retain_days", errdefs.ErrValidation)
	}
	if _, err := ParseDeleteMode(string(p.DeleteMode)); err != nil {
		return err
	}
	return nil
}

// Clone returns a deep copy.
func (p *Policy) Clone() *Policy {
	if p == nil {
		return nil
	}
	out := *p
	if p.RetainUntil != nil {
		t := *p.RetainUntil
		out.RetainUntil = &t
	}
	if p.MinRetainDays != nil {
		d := *p.MinRetainDays
		out.MinRetainDays = &d
	}
	if p.MaxRetainDays != nil {
		d := *p.MaxRetainDays
		out.MaxRetainDays = &d
	}
	if p.CreatedBy != nil {
		id := *p.CreatedBy
		out.CreatedBy = &id
	}
	return &out
}

// Snapshot is the JSON form stored in audit records.
func (p *Policy) Snapshot() []byte {
	if p == nil {
		return nil
	}
	b, _ := json.Marshal(p)
	return b
}

// ScheduledDate computes the purge date from the policy's dates alone,
// ignoring legal hold. ok is false when the policy carries no date data,
// which means never.
func ScheduledDate(p *Policy, uploadedAt time.Time) (time.Time, bool) {
	if p == nil {
		return time.Time{}, false
	}

	var candidate time.Time
	switch {
	case p.RetainUntil != nil:
		candidate = *p.RetainUntil
	case p.MaxRetainDays != nil:
		candidate = uploadedAt.Add(time.Duration(*p.MaxRetainDays) * Day)
	default:
		return time.Time{}, false
	}

	if p.MinRetainDays != nil {
		floor := uploadedAt.Add(time.Duration(*p.MinRetainDays) * Day)
		if floor.After(candidate) {
			candidate = floor
		}
	}
	return candidate.UTC(), true
}

// EffectivePurgeDate returns when the attachment becomes purgeable. ok is
// false for never: under legal hold, or when no date data exists.
func EffectivePurgeDate(p *Policy, uploadedAt time.Time) (time.Time, bool) {
	if p == nil || p.LegalHold {
		return time.Time{}, false
	}
	return ScheduledDate(p, uploadedAt)
}

// CanPurge reports whether an automated purge is allowed at now. A policy
// requiring review additionally needs reviewApproved.
func CanPurge(p *Policy, uploadedAt, now time.Time, reviewApproved bool) bool {
	return Evaluate(p, uploadedAt, now, reviewApproved).CanPurge
}

// Reason explains a Decision.
type Reason string

const (
	ReasonNoPolicy       Reason = "no_policy"
	ReasonLegalHold      Reason = "legal_hold"
	ReasonNoPolicyData   Reason = "no_policy_data"
	ReasonNotDue         Reason = "not_due"
	ReasonReviewRequired Reason = "review_required"
	ReasonDue            Reason = "due"
)

// Decision is the full outcome of evaluating a policy at a point in time.
type Decision struct {
	AttachmentID int64 `json:"attachment_id"`

	// PurgeDate is nil for never.
	PurgeDate *time.Time `json:"purge_date,omitempty"`

	// ScheduledDate ignores legal hold; it tells whether a held attachment
	// would otherwise be due.
	ScheduledDate *time.Time `json:"scheduled_date,omitempty"`

	CanPurge       bool       `json:"can_purge"`
	Reason         Reason     `json:"reason"`
	DeleteMode     DeleteMode `json:"delete_mode,omitempty"`
	LegalHold      bool       `json:"legal_hold"`
	ReviewRequired bool       `json:"review_required"`
}

// Evaluate is the pure decision function behind CanPurge and Explain.
func Evaluate(p *Policy, uploadedAt, now time.Time, reviewApproved bool) Decision {
	if p == nil {
		return Decision{Reason: ReasonNoPolicy}
	}

	d := Decision{
		AttachmentID:   p.AttachmentID,
		DeleteMode:     p.DeleteMode,
		LegalHold:      p.LegalHold,
		ReviewRequired: p.ReviewRequired,
	}
	if scheduled, ok := ScheduledDate(p, uploadedAt); ok {
		d.ScheduledDate = &scheduled
	}

	if p.LegalHold {
		d.Reason = ReasonLegalHold
		return d
	}
	if d.ScheduledDate == nil {
		d.Reason = ReasonNoPolicyData
		return d
	}

	purgeAt := *d.ScheduledDate
	d.PurgeDate = &purgeAt
	switch {
	case now.Before(purgeAt):
		d.Reason = ReasonNotDue
	case p.ReviewRequired && !reviewApproved:
		d.Reason = ReasonReviewRequired
	default:
		d.Reason = ReasonDue
		d.CanPurge = true
	}
	return d
}

// Due reports whether the policy dates have passed at now, regardless of
// hold or review.
func (d Decision) Due(now time.Time) bool {
	return d.ScheduledDate != nil && !now.Before(*d.ScheduledDate)
}
