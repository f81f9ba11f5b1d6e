package sqlstore

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/custodian/pkg/errdefs"
	"github.com/platinummonkey/custodian/pkg/ledger"
	"github.com/platinummonkey/custodian/pkg/registry"
	"github.com/platinummonkey/custodian/pkg/retention"
	"github.com/platinummonkey/custodian/pkg/signing"
	"github.com/platinummonkey/custodian/pkg/similarity"
)

func setupSQLite(t *testing.T) *DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on&_txlock=immediate",
		filepath.Join(t.TempDir(), "custodian.db"))
	sqlDB, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db := New(sqlDB, SQLite, nil)
	require.NoError(t, db.Migrate(context.Background()))
	return db
}

func testSigner(t *testing.T) signing.Signer {
	t.Helper()
	signer, err := signing.NewEd25519Signer(bytes.Repeat([]byte{4}, 32))
	require.NoError(t, err)
	return signer
}

type brokenSigner struct{}

func (brokenSigner) Sign(context.Context, []byte) ([]byte, error) {
	return nil, errors.New("hsm offline")
}
func (brokenSigner) Verify(context.Context, []byte, []byte) (bool, error) { return false, nil }

func (brokenSigner) KeyID() string { return "broken" }

func TestMigrateIsIdempotent(t *testing.T) {
	db := setupSQLite(t)
	require.NoError(t, db.Migrate(context.Background()))

	for _, stmt := range SQLite.Statements() {
		assert.NotContains(t, stmt, "BYTEA")
		assert.NotContains(t, stmt, "BIGSERIAL")
	}
}

func TestLedgerStore_ChainRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := setupSQLite(t)
	l := ledger.New(NewLedgerStore(db), testSigner(t))
	key := ledger.Key{EntityType: "work_order", EntityID: 12}
	actorID := int64(3)

	base := time.Date(2024, 5, 1, 10, 0, 0, 123456000, time.UTC)
	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, ledger.EventInput{
			Key:        key,
			Action:     ledger.ActionUpdate,
			Actor:      ledger.Actor{ID: &actorID, SourceIP: "10.1.1.1", DeviceInfo: "tablet"},
			OldValue:   []byte(fmt.Sprintf(`{"v":%d}`, i)),
			NewValue:   []byte(fmt.Sprintf(`{"v":%d}`, i+1)),
			Note:       "status change",
			OccurredAt: base.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
	}

	res, err := l.Verify(ctx, key)
	require.NoError(t, err)
	assert.True(t, res.OK, res.Reason)
	assert.Equal(t, 3, res.Checked)

	page, err := l.HistoryPage(ctx, key, ledger.Query{From: base.Add(time.Hour), To: base.Add(2 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	ev := page.Events[0]
	assert.Equal(t, int64(2), ev.Seq)
	assert.True(t, base.Add(time.Hour).Equal(ev.OccurredAt))
	assert.Equal(t, "tablet", ev.DeviceInfo)
	assert.Empty(t, ev.SessionID)
	require.NotNil(t, ev.ActorID)
	assert.Equal(t, actorID, *ev.ActorID)

	first, err := NewLedgerStore(db).List(ctx, key, ledger.ListQuery{Limit: 1})
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Nil(t, first[0].PrevRecordHash)

	dup := first[0]
	err = NewLedgerStore(db).Insert(ctx, &dup)
	assert.ErrorIs(t, err, errdefs.ErrConflict)

	tail, err := NewLedgerStore(db).Tail(ctx, ledger.Key{EntityType: "work_order", EntityID: 99})
	require.NoError(t, err)
	assert.Nil(t, tail)
}

func TestLedgerStore_TamperDetected(t *testing.T) {
	ctx := context.Background()
	db := setupSQLite(t)
	l := ledger.New(NewLedgerStore(db), testSigner(t))
	key := ledger.Key{EntityType: "user", EntityID: 1}
	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, ledger.EventInput{Key: key, Action: ledger.ActionAccess, Note: fmt.Sprint(i)})
		require.NoError(t, err)
	}

	_, err := db.SQL().ExecContext(ctx, `UPDATE audit_events SET note = 'edited' WHERE seq = 2`)
	require.NoError(t, err)

	res, err := l.Verify(ctx, key)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, 1, res.FailedIndex)
}

func TestLedgerStore_AppendRollsBackWithTransaction(t *testing.T) {
	ctx := context.Background()
	db := setupSQLite(t)
	l := ledger.New(NewLedgerStore(db), testSigner(t))
	key := ledger.Key{EntityType: "user", EntityID: 2}

	boom := errors.New("later step failed")
	err := db.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := l.Append(ctx, ledger.EventInput{Key: key, Action: ledger.ActionLogin}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = l.Tail(ctx, key)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestLedgerStore_TwoLedgersShareOneChain(t *testing.T) {
	ctx := context.Background()
	db := setupSQLite(t)
	signer := testSigner(t)
	// Separate in-process lockers, as two replicas would have.
	ledgers := []*ledger.Ledger{
		ledger.New(NewLedgerStore(db), signer),
		ledger.New(NewLedgerStore(db), signer),
	}
	key := ledger.Key{EntityType: "patient", EntityID: 1}

	const perLedger = 30
	var wg sync.WaitGroup
	errs := make(chan error, 2*perLedger)
	for _, l := range ledgers {
		for i := 0; i < perLedger; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := l.Append(ctx, ledger.EventInput{Key: key, Action: ledger.ActionAccess, Note: fmt.Sprint(i)})
				errs <- err
			}()
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	res, err := ledgers[0].Verify(ctx, key)
	require.NoError(t, err)
	assert.True(t, res.OK, res.Reason)
	assert.Equal(t, 2*perLedger, res.Checked)

	tail, err := ledgers[1].Tail(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, signer.KeyID(), tail.KeyID)
}

type sqlFixture struct {
	db     *DB
	store  *RegistryStore
	ledger *ledger.Ledger
	reg    *registry.Registry
	engine *retention.Engine
	now    time.Time
}

func setupRegistryFixture(t *testing.T, signer signing.Signer) *sqlFixture {
	t.Helper()
	f := &sqlFixture{db: setupSQLite(t), now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }
	f.store = NewRegistryStore(f.db)
	f.ledger = ledger.New(NewLedgerStore(f.db), signer)
	locker := ledger.NewKeyedLocker()
	f.reg = registry.New(f.store, f.ledger, registry.WithClock(clock), registry.WithLocker(locker))
	f.engine = retention.NewEngine(f.store, f.ledger, retention.WithClock(clock), retention.WithLocker(locker), retention.WithCache(0, 0))
	return f
}

func (f *sqlFixture) register(t *testing.T, pointer string) *registry.Attachment {
	t.Helper()
	a, err := f.reg.Register(context.Background(), registry.NewAttachment{
		FileName:       "scan.pdf",
		ContentType:    "application/pdf",
		StoragePointer: pointer,
		ContentHash:    strings.Repeat("c", 64),
		Size:           42,
	}, ledger.Actor{})
	require.NoError(t, err)
	return a
}

func TestRegistryStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	f := setupRegistryFixture(t, testSigner(t))

	a := f.register(t, "file:sha256/cc/one")
	b := f.register(t, "file:sha256/cc/one")
	c := f.register(t, "file:sha256/cc/two")

	got, err := f.store.GetAttachment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "scan.pdf", got.FileName)
	assert.Equal(t, int64(42), got.Size)
	assert.Nil(t, got.UploadedBy)
	assert.True(t, f.now.Equal(got.UploadedAt))

	found, err := f.reg.FindByHash(ctx, strings.Repeat("c", 64))
	require.NoError(t, err)
	assert.Len(t, found, 3)

	many, err := f.store.GetAttachments(ctx, []int64{c.ID, a.ID, 999})
	require.NoError(t, err)
	require.Len(t, many, 2)
	assert.Equal(t, a.ID, many[0].ID)

	link, err := f.reg.Link(ctx, a.ID, "patient", 5, ledger.Actor{})
	require.NoError(t, err)
	links, err := f.reg.Links(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, link.ID, links[0].ID)

	require.NoError(t, f.reg.Unlink(ctx, link.ID, ledger.Actor{}))
	assert.ErrorIs(t, f.reg.Unlink(ctx, link.ID, ledger.Actor{}), errdefs.ErrNotFound)

	n, err := f.store.CountByPointer(ctx, a.StoragePointer, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.store.GetAttachment(ctx, 999)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	assert.ErrorIs(t, f.store.UpdateStatus(ctx, 999, registry.StatusPurged, nil), errdefs.ErrNotFound)
	_, err = f.store.AttachmentUploadedAt(ctx, 999)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	_ = b
}

func TestRegistryStore_PolicyRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := setupRegistryFixture(t, testSigner(t))
	a := f.register(t, "p")

	_, err := f.store.GetPolicy(ctx, a.ID)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	until := f.now.Add(10 * retention.Day)
	minDays, maxDays := 5, 30
	createdBy := int64(8)
	_, err = f.engine.AttachPolicy(ctx, a.ID, retention.Policy{
		PolicyName:     "clinical",
		RetainUntil:    &until,
		MinRetainDays:  &minDays,
		MaxRetainDays:  &maxDays,
		DeleteMode:     retention.DeleteHard,
		ReviewRequired: true,
		CreatedBy:      &createdBy,
		Notes:          "ward 4",
	}, ledger.Actor{})
	require.NoError(t, err)

	p, err := f.store.GetPolicy(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "clinical", p.PolicyName)
	require.NotNil(t, p.RetainUntil)
	assert.True(t, until.Equal(*p.RetainUntil))
	assert.Equal(t, 5, *p.MinRetainDays)
	assert.Equal(t, 30, *p.MaxRetainDays)
	assert.Equal(t, retention.DeleteHard, p.DeleteMode)
	assert.True(t, p.ReviewRequired)
	assert.Equal(t, int64(8), *p.CreatedBy)
	assert.Equal(t, "ward 4", p.Notes)

	_, err = f.engine.ApplyLegalHold(ctx, a.ID, true, ledger.Actor{})
	require.NoError(t, err)
	p, err = f.store.GetPolicy(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, p.LegalHold)
	assert.Equal(t, "clinical", p.PolicyName)

	err = f.store.SavePolicy(ctx, &retention.Policy{AttachmentID: 999, PolicyName: "x", DeleteMode: retention.DeleteSoft})
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestRetentionEngine_HoldVisibleAcrossEngines(t *testing.T) {
	ctx := context.Background()
	f := setupRegistryFixture(t, testSigner(t))
	a := f.register(t, "p")
	clock := func() time.Time { return f.now }

	newEngine := func() *retention.Engine {
		return retention.NewEngine(f.store, ledger.New(NewLedgerStore(f.db), testSigner(t)),
			retention.WithClock(clock),
			retention.WithCache(16, time.Hour),
		)
	}
	engineA, engineB := newEngine(), newEngine()
	maxDays := 1

	_, err := engineA.AttachPolicy(ctx, a.ID, retention.Policy{PolicyName: "short", MaxRetainDays: &maxDays}, ledger.Actor{})
	require.NoError(t, err)

	_, err = engineB.GetPolicy(ctx, a.ID)
	require.NoError(t, err)
	_, ok, err := engineB.EffectivePurgeDate(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = engineA.ApplyLegalHold(ctx, a.ID, true, ledger.Actor{})
	require.NoError(t, err)

	_, ok, err = engineB.EffectivePurgeDate(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, ok, "engine B must see the hold set through engine A")

	later := f.now.Add(30 * retention.Day)
	can, err := engineB.CanPurge(ctx, a.ID, later, true)
	require.NoError(t, err)
	assert.False(t, can)

	d, err := engineB.Explain(ctx, a.ID, later, true)
	require.NoError(t, err)
	assert.True(t, d.LegalHold)
}

func TestRegistryStore_DeleteAndCandidates(t *testing.T) {
	ctx := context.Background()
	f := setupRegistryFixture(t, testSigner(t))

	ids := make([]int64, 0, 5)
	for i := 0; i < 5; i++ {
		a := f.register(t, fmt.Sprintf("ptr-%d", i))
		ids = append(ids, a.ID)
	}
	days := 1
	for _, id := range ids[:4] {
		_, err := f.engine.AttachPolicy(ctx, id, retention.Policy{PolicyName: "p", MaxRetainDays: &days, DeleteMode: retention.DeleteHard}, ledger.Actor{})
		require.NoError(t, err)
	}
	_, err := f.reg.Link(ctx, ids[0], "patient", 1, ledger.Actor{})
	require.NoError(t, err)

	f.now = f.now.Add(2 * retention.Day)
	purged, err := f.reg.Delete(ctx, ids[0], registry.DeleteRequest{})
	require.NoError(t, err)
	assert.Equal(t, registry.StatusPurged, purged.Status)

	got, err := f.store.GetAttachment(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, registry.StatusPurged, got.Status)
	require.NotNil(t, got.DeletedAt)
	links, err := f.store.ListLinks(ctx, ids[0])
	require.NoError(t, err)
	assert.Empty(t, links)

	page, err := f.store.ListPurgeCandidates(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[1], page[0].Attachment.ID)
	require.NotNil(t, page[0].Policy)
	assert.Equal(t, retention.DeleteHard, page[0].Policy.DeleteMode)
	assert.Equal(t, 1, *page[0].Policy.MaxRetainDays)

	page, err = f.store.ListPurgeCandidates(ctx, page[1].Attachment.ID, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, ids[3], page[0].Attachment.ID)
}

func TestRegistryStore_DeleteRollsBackWhenAuditFails(t *testing.T) {
	ctx := context.Background()
	f := setupRegistryFixture(t, testSigner(t))
	a := f.register(t, "ptr")
	days := 0
	_, err := f.engine.AttachPolicy(ctx, a.ID, retention.Policy{PolicyName: "p", MaxRetainDays: &days}, ledger.Actor{})
	require.NoError(t, err)

	broken := registry.New(f.store, ledger.New(NewLedgerStore(f.db), brokenSigner{}), registry.WithClock(func() time.Time { return f.now }))
	_, err = broken.Delete(ctx, a.ID, registry.DeleteRequest{})
	assert.ErrorIs(t, err, errdefs.ErrSignature)

	got, err := f.store.GetAttachment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusActive, got.Status)
	assert.Nil(t, got.DeletedAt)
}

func TestEmbeddingStore(t *testing.T) {
	ctx := context.Background()
	f := setupRegistryFixture(t, testSigner(t))
	a := f.register(t, "p1")
	b := f.register(t, "p2")
	store := NewEmbeddingStore(f.db)

	idx := similarity.NewIndex(similarity.Cosine, similarity.WithStore(store))
	_, err := idx.Upsert(ctx, a.ID, "text-v1", []float32{1, 0, 0}, a.ContentHash)
	require.NoError(t, err)
	_, err = idx.Upsert(ctx, a.ID, "text-v1", []float32{0, 1, 0}, a.ContentHash)
	require.NoError(t, err)
	_, err = idx.Upsert(ctx, b.ID, "text-v1", []float32{0, 0.5, 0.5}, b.ContentHash)
	require.NoError(t, err)

	_, err = idx.Upsert(ctx, 999, "text-v1", []float32{1, 1, 1}, "h")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	all, err := store.ListEmbeddings(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, []float32{0, 1, 0}, all[0].Vector)
	assert.Equal(t, 3, all[0].Dimension)

	fresh := similarity.NewIndex(similarity.Cosine, similarity.WithStore(store))
	n, err := fresh.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	matches, err := fresh.Query(ctx, "text-v1", []float32{0, 1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, a.ID, matches[0].AttachmentID)

	require.NoError(t, store.DeleteEmbeddings(ctx, a.ID))
	all, err = store.ListEmbeddings(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRunInTxNested(t *testing.T) {
	ctx := context.Background()
	f := setupRegistryFixture(t, testSigner(t))

	err := f.db.RunInTx(ctx, func(ctx context.Context) error {
		return f.db.RunInTx(ctx, func(ctx context.Context) error {
			return f.store.CreateAttachment(ctx, &registry.Attachment{
				FileName: "a", ContentType: "t", StoragePointer: "p", ContentHash: "h",
				UploadedAt: time.Now().UTC(), Status: registry.StatusActive,
			})
		})
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = f.db.RunInTx(ctx, func(ctx context.Context) error {
		if err := f.store.CreateAttachment(ctx, &registry.Attachment{
			FileName: "b", ContentType: "t", StoragePointer: "p", ContentHash: "h",
			UploadedAt: time.Now().UTC(), Status: registry.StatusActive,
		}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	n, err := f.store.CountByPointer(ctx, "p", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
