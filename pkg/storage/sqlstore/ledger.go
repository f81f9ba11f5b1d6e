package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/platinummonkey/custodian/pkg/errdefs"
	"github.com/platinummonkey/custodian/pkg/ledger"
)

const eventColumns = `entity_type, entity_id, seq, action, actor_id, source_ip, device_info,
	session_id, old_value, new_value, note, occurred_at, clock_anomaly,
	prev_record_hash, record_hash, signature, key_id`

// LedgerStore implements ledger.Store on audit_events. It issues no UPDATE
// or DELETE.
type LedgerStore struct {
	db *DB
}

// NewLedgerStore creates a LedgerStore.
func NewLedgerStore(db *DB) *LedgerStore {
	return &LedgerStore{db: db}
}

// RunInTx lets callers group ledger appends with other writes.
func (s *LedgerStore) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.db.RunInTx(ctx, fn)
}

// Tail implements ledger.Store. Inside a postgres transaction it first takes
// a transaction scoped advisory lock on the key, serializing appends across
// processes.
func (s *LedgerStore) Tail(ctx context.Context, key ledger.Key) (*ledger.Event, error) {
	if s.db.dialect == Postgres && inTx(ctx) {
		if _, err := s.db.exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended(?, 0))`, key.String()); err != nil {
			return nil, fmt.Errorf("failed to lock chain %s: %w", key, err)
		}
	}

	row := s.db.queryRow(ctx, `SELECT `+eventColumns+` FROM audit_events
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY seq DESC LIMIT 1`, key.EntityType, key.EntityID)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read chain tail: %w", err)
	}
	return ev, nil
}

// Insert implements ledger.Store.
func (s *LedgerStore) Insert(ctx context.Context, ev *ledger.Event) error {
	_, err := s.db.exec(ctx, `INSERT INTO audit_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.EntityType, ev.EntityID, ev.Seq, string(ev.Action), nullInt64(ev.ActorID),
		nullString(ev.SourceIP), nullString(ev.DeviceInfo), nullString(ev.SessionID),
		ev.OldValue, ev.NewValue, nullString(ev.Note), ev.OccurredAt.UTC(), ev.ClockAnomaly,
		ev.PrevRecordHash, ev.RecordHash, ev.Signature, ev.KeyID)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s seq %d already exists", errdefs.ErrConflict, ev.Key(), ev.Seq)
	}
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// List implements ledger.Store.
func (s *LedgerStore) List(ctx context.Context, key ledger.Key, q ledger.ListQuery) ([]ledger.Event, error) {
	var b strings.Builder
	b.WriteString(`SELECT ` + eventColumns + ` FROM audit_events WHERE entity_type = ? AND entity_id = ? AND seq > ?`)
	args := []any{key.EntityType, key.EntityID, q.AfterSeq}
	if !q.From.IsZero() {
		b.WriteString(` AND occurred_at >= ?`)
		args = append(args, q.From.UTC())
	}
	if !q.To.IsZero() {
		b.WriteString(` AND occurred_at < ?`)
		args = append(args, q.To.UTC())
	}
	b.WriteString(` ORDER BY seq ASC`)
	if q.Limit > 0 {
		b.WriteString(` LIMIT ?`)
		args = append(args, q.Limit)
	}

	rows, err := s.db.query(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var out []ledger.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (*ledger.Event, error) {
	var (
		ev                                    ledger.Event
		action                                string
		actorID                               sql.NullInt64
		sourceIP, deviceInfo, sessionID, note sql.NullString
	)
	err := row.Scan(&ev.EntityType, &ev.EntityID, &ev.Seq, &action, &actorID,
		&sourceIP, &deviceInfo, &sessionID, &ev.OldValue, &ev.NewValue, &note,
		&ev.OccurredAt, &ev.ClockAnomaly, &ev.PrevRecordHash, &ev.RecordHash, &ev.Signature, &ev.KeyID)
	if err != nil {
		return nil, err
	}
	ev.Action = ledger.Action(action)
	ev.ActorID = int64Ptr(actorID)
	ev.SourceIP = sourceIP.String
	ev.DeviceInfo = deviceInfo.String
	ev.SessionID = sessionID.String
	ev.Note = note.String
	ev.OccurredAt = ev.OccurredAt.UTC()
	ev.OldValue = nonEmpty(ev.OldValue)
	ev.NewValue = nonEmpty(ev.NewValue)
	ev.PrevRecordHash = nonEmpty(ev.PrevRecordHash)
	return &ev, nil
}

func nonEmpty(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
