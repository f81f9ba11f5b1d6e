package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/custodian/pkg/errdefs"
	"github.com/platinummonkey/custodian/pkg/ledger"
	"github.com/platinummonkey/custodian/pkg/retention"
	"github.com/platinummonkey/custodian/pkg/signing"
	"github.com/platinummonkey/custodian/pkg/storage"
)

var day0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type recordingRemover struct {
	mu      sync.Mutex
	removed []int64
}

func (r *recordingRemover) Remove(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, id)
	return nil
}

type fixture struct {
	reg     *Registry
	engine  *retention.Engine
	store   *MemoryStore
	ledger  *ledger.Ledger
	content *storage.FileSystemStore
	root    string
	clock   *clock
	remover *recordingRemover
	locker  ledger.Locker
}

func setupRegistry(t *testing.T) *fixture {
	t.Helper()
	signer, err := signing.NewEd25519Signer(bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)

	root := t.TempDir()
	content, err := storage.NewFileSystemStore(root, 0)
	require.NoError(t, err)

	c := &clock{now: day0}
	store := NewMemoryStore()
	l := ledger.New(ledger.NewMemoryStore(), signer)
	locker := ledger.NewKeyedLocker()
	remover := &recordingRemover{}

	engine := retention.NewEngine(store, l,
		retention.WithLocker(locker),
		retention.WithClock(c.Now),
		retention.WithCache(0, 0),
	)
	reg := New(store, l,
		WithContentStore(content),
		WithLocker(locker),
		WithClock(c.Now),
		WithEmbeddings(remover),
	)
	return &fixture{reg: reg, engine: engine, store: store, ledger: l, content: content, root: root, clock: c, remover: remover, locker: locker}
}

func (f *fixture) upload(t *testing.T, body string) *Attachment {
	t.Helper()
	a, err := f.reg.Upload(context.Background(), bytes.NewBufferString(body), "scan.pdf", "application/pdf", actor(1))
	require.NoError(t, err)
	return a
}

func (f *fixture) events(t *testing.T, id int64) []ledger.Event {
	t.Helper()
	page, err := f.ledger.HistoryPage(context.Background(), AuditKey(id), ledger.Query{})
	require.NoError(t, err)
	return page.Events
}

func (f *fixture) contentPath(hash string) string {
	return filepath.Join(f.root, "sha256", hash[:2], hash[2:])
}

func actor(id int64) ledger.Actor {
	return ledger.Actor{ID: &id, SourceIP: "192.0.2.10", SessionID: "s-1"}
}

func intPtr(v int) *int { return &v }

func TestRegistry_Register(t *testing.T) {
	ctx := context.Background()
	f := setupRegistry(t)

	a, err := f.reg.Register(ctx, NewAttachment{
		FileName:       " report.pdf ",
		StoragePointer: "file:sha256/ab/cd",
		ContentHash:    "ABCDEF",
	}, actor(4))
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", a.FileName)
	assert.Equal(t, "abcdef", a.ContentHash)
	assert.Equal(t, "application/octet-stream", a.ContentType)
	assert.Equal(t, StatusActive, a.Status)
	require.NotNil(t, a.UploadedBy)
	assert.Equal(t, int64(4), *a.UploadedBy)
	assert.True(t, day0.Equal(a.UploadedAt))

	events := f.events(t, a.ID)
	require.Len(t, events, 1)
	assert.Equal(t, ledger.ActionCreate, events[0].Action)
	assert.Nil(t, events[0].OldValue)
	var snap Attachment
	require.NoError(t, json.Unmarshal(events[0].NewValue, &snap))
	assert.Equal(t, a.ID, snap.ID)

	got, err := f.reg.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ContentHash, got.ContentHash)

	_, err = f.reg.Get(ctx, 999)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestRegistry_RegisterValidation(t *testing.T) {
	f := setupRegistry(t)
	cases := map[string]NewAttachment{
		"no file name": {StoragePointer: "p", ContentHash: "h"},
		"no pointer":   {FileName: "a", ContentHash: "h"},
		"no hash":      {FileName: "a", StoragePointer: "p"},
		"negative":     {FileName: "a", StoragePointer: "p", ContentHash: "h", Size: -1},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.reg.Register(context.Background(), in, actor(1))
			assert.ErrorIs(t, err, errdefs.ErrValidation)
		})
	}
}

func TestRegistry_FindByHashAllowsDuplicates(t *testing.T) {
	ctx := context.Background()
	f := setupRegistry(t)

	a := f.upload(t, "same bytes")
	b := f.upload(t, "same bytes")
	f.upload(t, "other bytes")
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, a.StoragePointer, b.StoragePointer)

	found, err := f.reg.FindByHash(ctx, a.ContentHash)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, a.ID, found[0].ID)
	assert.Equal(t, b.ID, found[1].ID)

	_, err = f.reg.FindByHash(ctx, " ")
	assert.ErrorIs(t, err, errdefs.ErrValidation)
}

func TestRegistry_LinkUnlink(t *testing.T) {
	ctx := context.Background()
	f := setupRegistry(t)
	a := f.upload(t, "consent")

	l1, err := f.reg.Link(ctx, a.ID, "patient", 10, actor(2))
	require.NoError(t, err)
	l2, err := f.reg.Link(ctx, a.ID, "work_order", 77, actor(2))
	require.NoError(t, err)

	links, err := f.reg.Links(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, links, 2)

	require.NoError(t, f.reg.Unlink(ctx, l1.ID, actor(3)))
	assert.ErrorIs(t, f.reg.Unlink(ctx, l1.ID, actor(3)), errdefs.ErrNotFound)

	links, err = f.reg.Links(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, l2.ID, links[0].ID)

	_, err = f.reg.Get(ctx, a.ID)
	require.NoError(t, err, "unlinking never deletes the attachment")

	events := f.events(t, a.ID)
	require.Len(t, events, 4)
	assert.Equal(t, ActionLink, events[1].Action)
	assert.Equal(t, "linked to patient:10", events[1].Note)
	assert.Equal(t, ActionUnlink, events[3].Action)
	assert.NotNil(t, events[3].OldValue)

	_, err = f.reg.Link(ctx, 999, "patient", 1, actor(1))
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	_, err = f.reg.Link(ctx, a.ID, "", 1, actor(1))
	assert.ErrorIs(t, err, errdefs.ErrValidation)
}

func TestRegistry_DeleteBlockedByRetention(t *testing.T) {
	ctx := context.Background()
	f := setupRegistry(t)
	a := f.upload(t, "blocked")

	_, err := f.reg.Delete(ctx, a.ID, DeleteRequest{Mode: retention.DeleteSoft})
	assert.ErrorIs(t, err, errdefs.ErrRetentionBlocked, "no policy never purges")

	_, err = f.engine.AttachPolicy(ctx, a.ID, retention.Policy{
		PolicyName:     "standard",
		MinRetainDays:  intPtr(30),
		MaxRetainDays:  intPtr(90),
		ReviewRequired: true,
	}, actor(1))
	require.NoError(t, err)

	f.clock.Set(day0.Add(89 * retention.Day))
	_, err = f.reg.Delete(ctx, a.ID, DeleteRequest{ReviewApproved: true})
	assert.ErrorIs(t, err, errdefs.ErrRetentionBlocked)

	f.clock.Set(day0.Add(90 * retention.Day))
	_, err = f.reg.Delete(ctx, a.ID, DeleteRequest{})
	assert.ErrorIs(t, err, errdefs.ErrRetentionBlocked, "review not approved")

	_, err = f.engine.ApplyLegalHold(ctx, a.ID, true, actor(1))
	require.NoError(t, err)
	_, err = f.reg.Delete(ctx, a.ID, DeleteRequest{ReviewApproved: true})
	assert.ErrorIs(t, err, errdefs.ErrRetentionBlocked)

	got, err := f.reg.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)

	_, err = f.reg.Delete(ctx, a.ID, DeleteRequest{Mode: "shred"})
	assert.ErrorIs(t, err, errdefs.ErrValidation)
}

func TestRegistry_SoftDeleteAndRestore(t *testing.T) {
	ctx := context.Background()
	f := setupRegistry(t)
	a := f.upload(t, "soft")
	_, err := f.engine.AttachPolicy(ctx, a.ID, retention.Policy{PolicyName: "short", MaxRetainDays: intPtr(1)}, actor(1))
	require.NoError(t, err)
	f.clock.Set(day0.Add(2 * retention.Day))

	deleted, err := f.reg.Delete(ctx, a.ID, DeleteRequest{Actor: actor(5), Note: "expired"})
	require.NoError(t, err)
	assert.Equal(t, StatusSoftDeleted, deleted.Status)
	require.NotNil(t, deleted.DeletedAt)

	_, err = f.reg.Get(ctx, a.ID)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	hidden, err := f.reg.GetIncludingDeleted(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSoftDeleted, hidden.Status)
	found, err := f.reg.FindByHash(ctx, a.ContentHash)
	require.NoError(t, err)
	assert.Empty(t, found)

	_, err = os.Stat(f.contentPath(a.ContentHash))
	require.NoError(t, err, "soft delete keeps bytes")

	_, err = f.reg.Delete(ctx, a.ID, DeleteRequest{Mode: retention.DeleteSoft})
	assert.ErrorIs(t, err, errdefs.ErrConflict)

	events := f.events(t, a.ID)
	last := events[len(events)-1]
	assert.Equal(t, ledger.ActionDelete, last.Action)
	assert.Nil(t, last.NewValue)
	assert.Equal(t, "soft delete: expired", last.Note)

	restored, err := f.reg.Restore(ctx, a.ID, actor(6))
	require.NoError(t, err)
	assert.Equal(t, StatusActive, restored.Status)
	assert.Nil(t, restored.DeletedAt)

	_, err = f.reg.Restore(ctx, a.ID, actor(6))
	assert.ErrorIs(t, err, errdefs.ErrConflict)

	res, err := f.ledger.Verify(ctx, AuditKey(a.ID))
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestRegistry_HardDelete(t *testing.T) {
	ctx := context.Background()
	f := setupRegistry(t)
	a := f.upload(t, "purge me")
	shared := f.upload(t, "shared bytes")
	twin := f.upload(t, "shared bytes")

	for _, id := range []int64{a.ID, shared.ID} {
		_, err := f.engine.AttachPolicy(ctx, id, retention.Policy{
			PolicyName:    "hard",
			MaxRetainDays: intPtr(1),
			DeleteMode:    retention.DeleteHard,
		}, actor(1))
		require.NoError(t, err)
	}
	_, err := f.reg.Link(ctx, a.ID, "patient", 1, actor(1))
	require.NoError(t, err)
	f.clock.Set(day0.Add(3 * retention.Day))

	purged, err := f.reg.Delete(ctx, a.ID, DeleteRequest{})
	require.NoError(t, err)
	assert.Equal(t, StatusPurged, purged.Status)

	_, err = os.Stat(f.contentPath(a.ContentHash))
	assert.True(t, errors.Is(err, os.ErrNotExist))
	links, err := f.reg.Links(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, links)
	assert.Equal(t, []int64{a.ID}, f.remover.removed)

	events := f.events(t, a.ID)
	last := events[len(events)-1]
	assert.Equal(t, ledger.ActionDelete, last.Action)
	assert.Equal(t, "hard delete, 1 links removed", last.Note)

	_, err = f.reg.Delete(ctx, a.ID, DeleteRequest{})
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	_, err = f.reg.Restore(ctx, a.ID, actor(1))
	assert.ErrorIs(t, err, errdefs.ErrConflict)

	// Bytes shared with another live attachment stay.
	_, err = f.reg.Delete(ctx, shared.ID, DeleteRequest{})
	require.NoError(t, err)
	rc, _, err := f.reg.Open(ctx, twin.ID)
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, "shared bytes", string(body))
}

func TestRegistry_SoftThenHard(t *testing.T) {
	ctx := context.Background()
	f := setupRegistry(t)
	a := f.upload(t, "escalate")
	_, err := f.engine.AttachPolicy(ctx, a.ID, retention.Policy{PolicyName: "p", MaxRetainDays: intPtr(1)}, actor(1))
	require.NoError(t, err)
	f.clock.Set(day0.Add(2 * retention.Day))

	_, err = f.reg.Delete(ctx, a.ID, DeleteRequest{})
	require.NoError(t, err)
	purged, err := f.reg.Delete(ctx, a.ID, DeleteRequest{Mode: retention.DeleteHard})
	require.NoError(t, err)
	assert.Equal(t, StatusPurged, purged.Status)
}

func TestRegistry_HoldRacingDelete(t *testing.T) {
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		f := setupRegistry(t)
		a := f.upload(t, "race")
		_, err := f.engine.AttachPolicy(ctx, a.ID, retention.Policy{PolicyName: "p", MaxRetainDays: intPtr(1)}, actor(1))
		require.NoError(t, err)
		f.clock.Set(day0.Add(2 * retention.Day))

		var wg sync.WaitGroup
		var deleteErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, deleteErr = f.reg.Delete(ctx, a.ID, DeleteRequest{})
		}()
		go func() {
			defer wg.Done()
			_, err := f.engine.ApplyLegalHold(ctx, a.ID, true, actor(2))
			assert.NoError(t, err)
		}()
		wg.Wait()

		got, err := f.reg.GetIncludingDeleted(ctx, a.ID)
		require.NoError(t, err)
		if deleteErr != nil {
			assert.ErrorIs(t, deleteErr, errdefs.ErrRetentionBlocked)
			assert.Equal(t, StatusActive, got.Status)
			continue
		}
		// The delete won the lock first; the hold was applied afterwards.
		assert.Equal(t, StatusSoftDeleted, got.Status)
		p, err := f.engine.GetPolicy(ctx, a.ID)
		require.NoError(t, err)
		assert.True(t, p.LegalHold)
	}
}

// pausedContent holds Put after the bytes are written until release closes.
type pausedContent struct {
	storage.ContentStore
	written chan storage.Object
	release chan struct{}
}

func (p *pausedContent) Put(ctx context.Context, body io.Reader, contentType string) (storage.Object, error) {
	obj, err := p.ContentStore.Put(ctx, body, contentType)
	if err != nil {
		return obj, err
	}
	p.written <- obj
	<-p.release
	return obj, nil
}

func TestRegistry_UploadRacingPurgeOfSharedBytes(t *testing.T) {
	ctx := context.Background()

	t.Run("purge between put and register fails the upload", func(t *testing.T) {
		f := setupRegistry(t)
		a := f.upload(t, "shared")
		_, err := f.engine.AttachPolicy(ctx, a.ID, retention.Policy{
			PolicyName:    "hard",
			MaxRetainDays: intPtr(1),
			DeleteMode:    retention.DeleteHard,
		}, actor(1))
		require.NoError(t, err)
		f.clock.Set(day0.Add(2 * retention.Day))

		paused := &pausedContent{ContentStore: f.content, written: make(chan storage.Object, 1), release: make(chan struct{})}
		uploader := New(f.store, f.ledger, WithContentStore(paused), WithLocker(f.locker), WithClock(f.clock.Now))

		var uploadErr error
		done := make(chan struct{})
		go func() {
			defer close(done)
			_, uploadErr = uploader.Upload(ctx, bytes.NewBufferString("shared"), "copy.pdf", "application/pdf", actor(2))
		}()
		obj := <-paused.written
		assert.Equal(t, a.StoragePointer, obj.Pointer)

		_, err = f.reg.Delete(ctx, a.ID, DeleteRequest{})
		require.NoError(t, err)
		close(paused.release)
		<-done

		assert.ErrorIs(t, uploadErr, errdefs.ErrConflict)
		found, err := f.reg.FindByHash(ctx, a.ContentHash)
		require.NoError(t, err)
		assert.Empty(t, found)
	})

	t.Run("registered uploads always have their bytes", func(t *testing.T) {
		for i := 0; i < 20; i++ {
			f := setupRegistry(t)
			a := f.upload(t, "contended")
			_, err := f.engine.AttachPolicy(ctx, a.ID, retention.Policy{
				PolicyName:    "hard",
				MaxRetainDays: intPtr(1),
				DeleteMode:    retention.DeleteHard,
			}, actor(1))
			require.NoError(t, err)
			f.clock.Set(day0.Add(2 * retention.Day))

			var wg sync.WaitGroup
			var uploaded *Attachment
			var uploadErr error
			wg.Add(2)
			go func() {
				defer wg.Done()
				uploaded, uploadErr = f.reg.Upload(ctx, bytes.NewBufferString("contended"), "copy.pdf", "application/pdf", actor(2))
			}()
			go func() {
				defer wg.Done()
				_, err := f.reg.Delete(ctx, a.ID, DeleteRequest{})
				assert.NoError(t, err)
			}()
			wg.Wait()

			if uploadErr != nil {
				assert.ErrorIs(t, uploadErr, errdefs.ErrConflict)
				continue
			}
			rc, _, err := f.reg.Open(ctx, uploaded.ID)
			require.NoError(t, err)
			body, err := io.ReadAll(rc)
			require.NoError(t, rc.Close())
			require.NoError(t, err)
			assert.Equal(t, "contended", string(body))
		}
	})
}

func TestRegistry_LivenessAndWithActive(t *testing.T) {
	ctx := context.Background()
	f := setupRegistry(t)
	a := f.upload(t, "soft")
	b := f.upload(t, "live")
	_, err := f.engine.AttachPolicy(ctx, a.ID, retention.Policy{PolicyName: "p", MaxRetainDays: intPtr(1)}, actor(1))
	require.NoError(t, err)
	f.clock.Set(day0.Add(2 * retention.Day))
	_, err = f.reg.Delete(ctx, a.ID, DeleteRequest{})
	require.NoError(t, err)

	live, err := NewLiveness(f.store).Live(ctx, []int64{a.ID, b.ID, 999})
	require.NoError(t, err)
	assert.False(t, live[a.ID])
	assert.True(t, live[b.ID])
	assert.False(t, live[999])

	called := false
	err = f.reg.WithActive(ctx, a.ID, func(context.Context, *Attachment) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	assert.False(t, called)

	err = f.reg.WithActive(ctx, b.ID, func(_ context.Context, got *Attachment) error {
		assert.Equal(t, b.ID, got.ID)
		return errors.New("stop")
	})
	assert.EqualError(t, err, "stop")
}

func TestContentLockKeyDistinctFromAttachmentLock(t *testing.T) {
	assert.Equal(t, "content:file:sha256/ab/cd", ContentLockKey("file:sha256/ab/cd"))
	assert.NotEqual(t, retention.LockKey(1), ContentLockKey("1"))
}

func TestRegistry_VerifyContent(t *testing.T) {
	ctx := context.Background()
	f := setupRegistry(t)
	a := f.upload(t, "original")

	check, err := f.reg.VerifyContent(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, check.OK)
	assert.Equal(t, a.ContentHash, check.Actual)

	require.NoError(t, os.WriteFile(f.contentPath(a.ContentHash), []byte("tampered"), 0o640))
	check, err = f.reg.VerifyContent(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, check.OK)
	assert.NotEqual(t, check.Expected, check.Actual)
}

func TestRegistry_UploadWithoutContentStore(t *testing.T) {
	signer, err := signing.NewEd25519Signer(bytes.Repeat([]byte{1}, 32))
	require.NoError(t, err)
	reg := New(NewMemoryStore(), ledger.New(ledger.NewMemoryStore(), signer))

	_, err = reg.Upload(context.Background(), bytes.NewBufferString("x"), "x.txt", "text/plain", actor(1))
	assert.Error(t, err)
}

func TestRegistry_GetMany(t *testing.T) {
	ctx := context.Background()
	f := setupRegistry(t)
	a := f.upload(t, "one")
	b := f.upload(t, "two")
	_, err := f.engine.AttachPolicy(ctx, b.ID, retention.Policy{PolicyName: "p", MaxRetainDays: intPtr(0)}, actor(1))
	require.NoError(t, err)
	_, err = f.reg.Delete(ctx, b.ID, DeleteRequest{})
	require.NoError(t, err)

	got, err := f.reg.GetMany(ctx, []int64{a.ID, b.ID, 404})
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, "scan.pdf", got[a.ID].FileName)
}
