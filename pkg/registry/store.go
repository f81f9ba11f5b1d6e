package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/platinummonkey/custodian/pkg/errdefs"
	"github.com/platinummonkey/custodian/pkg/retention"
)

// Store persists attachments, links and their retention policies.
type Store interface {
	retention.Store

	// CreateAttachment assigns a.ID.
	CreateAttachment(ctx context.Context, a *Attachment) error
	// GetAttachment returns the attachment in any status.
	GetAttachment(ctx context.Context, id int64) (*Attachment, error)
	// LockForDelete is GetAttachment holding a row lock until the
	// surrounding transaction ends.
	LockForDelete(ctx context.Context, id int64) (*Attachment, error)
	// GetAttachments returns the known attachments among ids, ascending.
	GetAttachments(ctx context.Context, ids []int64) ([]Attachment, error)
	// FindByHash returns active attachments with the content hash.
	FindByHash(ctx context.Context, hash string) ([]Attachment, error)
	UpdateStatus(ctx context.Context, id int64, status Status, deletedAt *time.Time) error
	// CountByPointer counts attachments other than excludeID still holding
	// the pointer, i.e. not purged.
	CountByPointer(ctx context.Context, pointer string, excludeID int64) (int, error)

	// CreateLink assigns l.ID.
	CreateLink(ctx context.Context, l *Link) error
	GetLink(ctx context.Context, id int64) (*Link, error)
	DeleteLink(ctx context.Context, id int64) error
	DeleteLinksFor(ctx context.Context, attachmentID int64) (int, error)
	ListLinks(ctx context.Context, attachmentID int64) ([]Link, error)

	// ListPurgeCandidates pages non-purged attachments that have a policy,
	// in ascending id order after afterID.
	ListPurgeCandidates(ctx context.Context, afterID int64, limit int) ([]Candidate, error)
}

// MemoryStore is an in-process Store. RunInTx gives no rollback; callers
// that need atomic multi-row writes use the SQL store.
type MemoryStore struct {
	mu          sync.RWMutex
	attachments map[int64]*Attachment
	links       map[int64]*Link
	policies    map[int64]*retention.Policy
	nextID      int64
	nextLinkID  int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		attachments: make(map[int64]*Attachment),
		links:       make(map[int64]*Link),
		policies:    make(map[int64]*retention.Policy),
	}
}

func (s *MemoryStore) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (s *MemoryStore) CreateAttachment(_ context.Context, a *Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	a.ID = s.nextID
	s.attachments[a.ID] = a.clone()
	return nil
}

func (s *MemoryStore) GetAttachment(_ context.Context, id int64) (*Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.attachments[id]
	if !ok {
		return nil, fmt.Errorf("%w: attachment %d", errdefs.ErrNotFound, id)
	}
	return a.clone(), nil
}

func (s *MemoryStore) LockForDelete(ctx context.Context, id int64) (*Attachment, error) {
	return s.GetAttachment(ctx, id)
}

func (s *MemoryStore) GetAttachments(_ context.Context, ids []int64) ([]Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []Attachment{}
	for _, id := range ids {
		if a, ok := s.attachments[id]; ok {
			out = append(out, *a.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) FindByHash(_ context.Context, hash string) ([]Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Attachment
	for _, a := range s.attachments {
		if a.ContentHash == hash && a.Status == StatusActive {
			out = append(out, *a.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id int64, status Status, deletedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attachments[id]
	if !ok {
		return fmt.Errorf("%w: attachment %d", errdefs.ErrNotFound, id)
	}
	a.Status = status
	a.DeletedAt = nil
	if deletedAt != nil {
		t := *deletedAt
		a.DeletedAt = &t
	}
	return nil
}

func (s *MemoryStore) CountByPointer(_ context.Context, pointer string, excludeID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, a := range s.attachments {
		if a.ID != excludeID && a.StoragePointer == pointer && a.Status != StatusPurged {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CreateLink(_ context.Context, l *Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextLinkID++
	l.ID = s.nextLinkID
	cp := *l
	s.links[l.ID] = &cp
	return nil
}

func (s *MemoryStore) GetLink(_ context.Context, id int64) (*Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.links[id]
	if !ok {
		return nil, fmt.Errorf("%w: link %d", errdefs.ErrNotFound, id)
	}
	cp := *l
	return &cp, nil
}

func (s *MemoryStore) DeleteLink(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.links[id]; !ok {
		return fmt.Errorf("%w: link %d", errdefs.ErrNotFound, id)
	}
	delete(s.links, id)
	return nil
}

func (s *MemoryStore) DeleteLinksFor(_ context.Context, attachmentID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, l := range s.links {
		if l.AttachmentID == attachmentID {
			delete(s.links, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListLinks(_ context.Context, attachmentID int64) ([]Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []Link{}
	for _, l := range s.links {
		if l.AttachmentID == attachmentID {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetPolicy(_ context.Context, attachmentID int64) (*retention.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[attachmentID]
	if !ok {
		return nil, fmt.Errorf("%w: policy for attachment %d", errdefs.ErrNotFound, attachmentID)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) SavePolicy(_ context.Context, p *retention.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.attachments[p.AttachmentID]; !ok {
		return fmt.Errorf("%w: attachment %d", errdefs.ErrNotFound, p.AttachmentID)
	}
	s.policies[p.AttachmentID] = p.Clone()
	return nil
}

func (s *MemoryStore) AttachmentUploadedAt(_ context.Context, attachmentID int64) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.attachments[attachmentID]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: attachment %d", errdefs.ErrNotFound, attachmentID)
	}
	return a.UploadedAt, nil
}

func (s *MemoryStore) ListPurgeCandidates(_ context.Context, afterID int64, limit int) ([]Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int64, 0, len(s.policies))
	for id := range s.policies {
		a, ok := s.attachments[id]
		if id > afterID && ok && a.Status != StatusPurged {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	out := make([]Candidate, 0, len(ids))
	for _, id := range ids {
		out = append(out, Candidate{
			Attachment: *s.attachments[id].clone(),
			Policy:     s.policies[id].Clone(),
		})
	}
	return out, nil
}
