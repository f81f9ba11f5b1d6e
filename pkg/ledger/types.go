package ledger

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/custodian/pkg/errdefs"
)

// Action is the kind of audited action.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionAccess Action = "access"
	ActionGrant  Action = "grant"
	ActionRevoke Action = "revoke"
	ActionLogin  Action = "login"
	ActionExport Action = "export"

	customPrefix = "custom:"
)

// Custom returns a domain specific action.
func Custom(name string) Action {
	return Action(customPrefix + name)
}

// IsCustom reports whether a was built with Custom.
func (a Action) IsCustom() bool {
	return strings.HasPrefix(string(a), customPrefix)
}

// Validate checks that a is a known action or a named custom action.
func (a Action) Validate() error {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionAccess,
		ActionGrant, ActionRevoke, ActionLogin, ActionExport:
		return nil
	}
	if a.IsCustom() && len(a) > len(customPrefix) {
		return nil
	}
	return fmt.Errorf("%w: unknown action %q", errdefs.ErrValidation, string(a))
}

// Key identifies an audited entity. The ledger never interprets it.
type Key struct {
	EntityType string `json:"entity_type"`
	EntityID   int64  `json:"entity_id"`
}

func (k Key) String() string {
	return k.EntityType + ":" + strconv.FormatInt(k.EntityID, 10)
}

// Validate checks the key has an entity type.
func (k Key) Validate() error {
	if strings.TrimSpace(k.EntityType) == "" {
		return fmt.Errorf("%w: entity type is required", errdefs.ErrValidation)
	}
	return nil
}

// Actor carries who performed an action and from where. Every field is
// optional; system actions may have none.
type Actor struct {
	ID         *int64 `json:"actor_id,omitempty"`
	SourceIP   string `json:"source_ip,omitempty"`
	DeviceInfo string `json:"device_info,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
}

// SystemActor is used for scheduler initiated actions.
func SystemActor(device string) Actor {
	return Actor{SourceIP: "system", DeviceInfo: device}
}

// EventInput is what callers supply to Append.
type EventInput struct {
	Key      Key
	Action   Action
	Actor    Actor
	OldValue []byte
	NewValue []byte
	Note     string

	// OccurredAt defaults to the ledger clock when zero.
	OccurredAt time.Time

	// ExpectedPrevHash, when non-nil, must equal the current tail hash.
	// An empty non-nil slice expects an empty chain.
	ExpectedPrevHash []byte
}

// Event is a persisted audit record. It is never mutated after Append.
type Event struct {
	EntityType string `json:"entity_type"`
	EntityID   int64  `json:"entity_id"`
	Seq        int64  `json:"seq"`
	Action     Action `json:"action"`

	ActorID    *int64 `json:"actor_id,omitempty"`
	SourceIP   string `json:"source_ip,omitempty"`
	DeviceInfo string `json:"device_info,omitempty"`
	SessionID  string `json:"session_id,omitempty"`

	OldValue []byte `json:"old_value,omitempty"`
	NewValue []byte `json:"new_value,omitempty"`
	Note     string `json:"note,omitempty"`

	OccurredAt   time.Time `json:"occurred_at"`
	ClockAnomaly bool      `json:"clock_anomaly,omitempty"`

	PrevRecordHash []byte `json:"prev_record_hash,omitempty"`
	RecordHash     []byte `json:"record_hash"`
	Signature      []byte `json:"signature"`
	// KeyID names the key that produced Signature.
	KeyID string `json:"key_id"`
}

// Key returns the entity key of the event.
func (e *Event) Key() Key {
	return Key{EntityType: e.EntityType, EntityID: e.EntityID}
}

// Query bounds a history read. From is inclusive, To exclusive; zero values
// are unbounded.
type Query struct {
	From   time.Time
	To     time.Time
	Cursor string
	Limit  int
}

// Page is one slice of an entity's history.
type Page struct {
	Events     []Event `json:"events"`
	NextCursor string  `json:"next_cursor,omitempty"`
}

// VerifyResult reports the outcome of replaying a chain. FailedIndex is
// the zero-based position of the first bad record, or -1 when OK.
type VerifyResult struct {
	OK          bool   `json:"ok"`
	Checked     int    `json:"checked"`
	FailedIndex int    `json:"failed_index"`
	Seq         int64  `json:"seq,omitempty"`
	Reason      string `json:"reason,omitempty"`
}
