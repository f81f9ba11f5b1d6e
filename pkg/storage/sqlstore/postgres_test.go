package sqlstore

import (
	"bytes"
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/custodian/pkg/errdefs"
	"github.com/platinummonkey/custodian/pkg/ledger"
	"github.com/platinummonkey/custodian/pkg/signing"
)

func setupPostgresMock(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return New(sqlDB, Postgres, nil), mock
}

func TestRebind(t *testing.T) {
	q := `SELECT a FROM t WHERE b = ? AND c IN (?, ?)`
	assert.Equal(t, `SELECT a FROM t WHERE b = $1 AND c IN ($2, $3)`, Postgres.rebind(q))
	assert.Equal(t, q, SQLite.rebind(q))
}

func TestParseDialect(t *testing.T) {
	for in, want := range map[string]Dialect{
		"sqlite":     SQLite,
		"sqlite3":    SQLite,
		"postgres":   Postgres,
		"PostgreSQL": Postgres,
	} {
		got, err := ParseDialect(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseDialect("")
	assert.ErrorIs(t, err, errdefs.ErrValidation)
	_, err = ParseDialect("oracle")
	assert.ErrorIs(t, err, errdefs.ErrValidation)
}

func TestLedgerStore_PostgresTailTakesAdvisoryLock(t *testing.T) {
	db, mock := setupPostgresMock(t)
	store := NewLedgerStore(db)
	key := ledger.Key{EntityType: "attachment", EntityID: 7}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`)).
		WithArgs("attachment:7").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM audit_events`)).
		WithArgs("attachment", int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"entity_type"}))
	mock.ExpectCommit()

	err := db.RunInTx(context.Background(), func(ctx context.Context) error {
		tail, err := store.Tail(ctx, key)
		assert.Nil(t, tail)
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedger_PostgresAppendLocksInsideTx(t *testing.T) {
	db, mock := setupPostgresMock(t)
	signer, err := signing.NewEd25519Signer(bytes.Repeat([]byte{6}, 32))
	require.NoError(t, err)
	l := ledger.New(NewLedgerStore(db), signer)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`)).
		WithArgs("patient:3").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM audit_events`)).
		WithArgs("patient", int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"entity_type"}))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO audit_events`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	ev, err := l.Append(context.Background(), ledger.EventInput{
		Key:    ledger.Key{EntityType: "patient", EntityID: 3},
		Action: ledger.ActionAccess,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), ev.Seq)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerStore_PostgresTailOutsideTx(t *testing.T) {
	db, mock := setupPostgresMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE entity_type = $1 AND entity_id = $2`)).
		WillReturnRows(sqlmock.NewRows([]string{"entity_type"}))

	tail, err := NewLedgerStore(db).Tail(context.Background(), ledger.Key{EntityType: "user", EntityID: 1})
	require.NoError(t, err)
	assert.Nil(t, tail)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerStore_PostgresUniqueViolation(t *testing.T) {
	db, mock := setupPostgresMock(t)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO audit_events`)).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value"})

	err := NewLedgerStore(db).Insert(context.Background(), &ledger.Event{
		EntityType: "user",
		EntityID:   1,
		Seq:        1,
		Action:     ledger.ActionLogin,
		OccurredAt: time.Now(),
	})
	assert.ErrorIs(t, err, errdefs.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunInTx_RollsBackOnError(t *testing.T) {
	db, mock := setupPostgresMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE attachments`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	store := NewRegistryStore(db)
	err := db.RunInTx(context.Background(), func(ctx context.Context) error {
		return store.UpdateStatus(ctx, 5, "purged", nil)
	})
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegistryStore_PostgresGetAttachmentsUsesArray(t *testing.T) {
	db, mock := setupPostgresMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE id = ANY($1) ORDER BY id`)).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "file_name", "content_type", "storage_pointer", "content_hash", "size",
			"uploaded_by", "uploaded_at", "status", "deleted_at",
		}).AddRow(int64(3), "a.pdf", "application/pdf", "p", "h", int64(10), nil, time.Now(), "active", nil))

	got, err := NewRegistryStore(db).GetAttachments(context.Background(), []int64{3, 4})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(3), got[0].ID)
	assert.Nil(t, got[0].UploadedBy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegistryStore_PostgresLockForDelete(t *testing.T) {
	db, mock := setupPostgresMock(t)

	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := NewRegistryStore(db).LockForDelete(context.Background(), 9)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
