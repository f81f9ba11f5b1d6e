package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/platinummonkey/custodian/pkg/errdefs"
)

// ListQuery selects records of one entity in ascending seq order.
type ListQuery struct {
	AfterSeq int64
	From     time.Time
	To       time.Time
	Limit    int
}

// Store persists audit records. It exposes no update or delete.
type Store interface {
	// Tail returns the latest record for key, or nil when the chain is empty.
	Tail(ctx context.Context, key Key) (*Event, error)

	// Insert persists ev. It must fail with errdefs.ErrConflict when a record
	// with the same (key, seq) already exists.
	Insert(ctx context.Context, ev *Event) error

	// List returns records matching q in ascending seq order.
	List(ctx context.Context, key Key, q ListQuery) ([]Event, error)
}

// Transactor is implemented by stores that can run a tail read and an
// insert in one transaction. Ledger.Append uses it when available.
type Transactor interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// MemoryStore is an in-process Store used by tests and single-node setups.
type MemoryStore struct {
	mu     sync.RWMutex
	chains map[Key][]Event
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chains: make(map[Key][]Event)}
}

// Tail implements Store.
func (s *MemoryStore) Tail(ctx context.Context, key Key) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.chains[key]
	if len(chain) == 0 {
		return nil, nil
	}
	ev := cloneEvent(chain[len(chain)-1])
	return &ev, nil
}

// Insert implements Store.
func (s *MemoryStore) Insert(ctx context.Context, ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ev.Key()
	chain := s.chains[key]
	if int64(len(chain))+1 != ev.Seq {
		return fmt.Errorf("%w: seq %d for %s", errdefs.ErrConflict, ev.Seq, key)
	}
	s.chains[key] = append(chain, cloneEvent(*ev))
	return nil
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context, key Key, q ListQuery) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.chains[key]
	start := sort.Search(len(chain), func(i int) bool { return chain[i].Seq > q.AfterSeq })

	out := make([]Event, 0)
	for _, ev := range chain[start:] {
		if !q.From.IsZero() && ev.OccurredAt.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && !ev.OccurredAt.Before(q.To) {
			break
		}
		out = append(out, cloneEvent(ev))
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// Tamper overwrites a stored record in place. It exists for forensic tests
// that must prove Verify catches out-of-band edits.
func (s *MemoryStore) Tamper(key Key, index int, mutate func(*Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mutate(&s.chains[key][index])
}

// Remove deletes a stored record out of band, for the same tests as Tamper.
func (s *MemoryStore) Remove(key Key, index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.chains[key]
	s.chains[key] = append(chain[:index:index], chain[index+1:]...)
}

func cloneEvent(ev Event) Event {
	out := ev
	out.OldValue = cloneBytes(ev.OldValue)
	out.NewValue = cloneBytes(ev.NewValue)
	out.PrevRecordHash = cloneBytes(ev.PrevRecordHash)
	out.RecordHash = cloneBytes(ev.RecordHash)
	out.Signature = cloneBytes(ev.Signature)
	if ev.ActorID != nil {
		id := *ev.ActorID
		out.ActorID = &id
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
