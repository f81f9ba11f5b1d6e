package registry

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/custodian/pkg/errdefs"
	"github.com/platinummonkey/custodian/pkg/ledger"
	"github.com/platinummonkey/custodian/pkg/retention"
)

// Status is the lifecycle state of an attachment.
type Status string

const (
	StatusActive      Status = "active"
	StatusSoftDeleted Status = "soft_deleted"
	StatusPurged      Status = "purged"
)

// Attachment is a logical uploaded document. The content hash is fixed at
// registration; new bytes are a new attachment.
type Attachment struct {
	ID             int64      `json:"id"`
	FileName       string     `json:"file_name"`
	ContentType    string     `json:"content_type"`
	StoragePointer string     `json:"storage_pointer"`
	ContentHash    string     `json:"content_hash"`
	Size           int64      `json:"size"`
	UploadedBy     *int64     `json:"uploaded_by,omitempty"`
	UploadedAt     time.Time  `json:"uploaded_at"`
	Status         Status     `json:"status"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
}

// Snapshot is the JSON form stored in audit records.
func (a *Attachment) Snapshot() []byte {
	if a == nil {
		return nil
	}
	b, _ := json.Marshal(a)
	return b
}

func (a *Attachment) clone() *Attachment {
	out := *a
	if a.UploadedBy != nil {
		id := *a.UploadedBy
		out.UploadedBy = &id
	}
	if a.DeletedAt != nil {
		t := *a.DeletedAt
		out.DeletedAt = &t
	}
	return &out
}

// Link associates an attachment with an external entity.
type Link struct {
	ID           int64     `json:"id"`
	AttachmentID int64     `json:"attachment_id"`
	EntityType   string    `json:"entity_type"`
	EntityID     int64     `json:"entity_id"`
	LinkedBy     *int64    `json:"linked_by,omitempty"`
	LinkedAt     time.Time `json:"linked_at"`
}

// Snapshot is the JSON form stored in audit records.
func (l *Link) Snapshot() []byte {
	b, _ := json.Marshal(l)
	return b
}

// Candidate is an attachment with its policy, as listed for purge runs.
type Candidate struct {
	Attachment Attachment
	Policy     *retention.Policy
}

// NewAttachment carries the fields supplied to Register.
type NewAttachment struct {
	FileName       string `json:"file_name"`
	ContentType    string `json:"content_type"`
	StoragePointer string `json:"storage_pointer"`
	ContentHash    string `json:"content_hash"`
	Size           int64  `json:"size"`
	UploadedBy     *int64 `json:"uploaded_by,omitempty"`
}

func (n *NewAttachment) normalize() error {
	n.FileName = strings.TrimSpace(n.FileName)
	n.ContentHash = strings.ToLower(strings.TrimSpace(n.ContentHash))
	if n.FileName == "" {
		return fmt.Errorf("%w: file name is required", errdefs.ErrValidation)
	}
	if n.StoragePointer == "" {
		return fmt.Errorf("%w: storage pointer is required", errdefs.ErrValidation)
	}
	if n.ContentHash == "" {
		return fmt.Errorf("%w: content hash is required", errdefs.ErrValidation)
	}
	if n.Size < 0 {
		return fmt.Errorf("%w: size must not be negative", errdefs.ErrValidation)
	}
	if n.ContentType == "" {
		n.ContentType = "application/octet-stream"
	}
	return nil
}

// DeleteRequest controls Delete. An empty Mode uses the policy's mode.
type DeleteRequest struct {
	Mode           retention.DeleteMode
	Actor          ledger.Actor
	ReviewApproved bool
	Note           string
}

// ContentCheck is the result of re-hashing stored bytes.
type ContentCheck struct {
	AttachmentID int64  `json:"attachment_id"`
	OK           bool   `json:"ok"`
	Expected     string `json:"expected"`
	Actual       string `json:"actual"`
}
