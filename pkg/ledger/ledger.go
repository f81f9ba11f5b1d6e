package ledger

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/platinummonkey/custodian/pkg/errdefs"
	"github.com/platinummonkey/custodian/pkg/observability"
	"github.com/platinummonkey/custodian/pkg/signing"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
	verifyBatchSize = 500
	cursorPrefix    = "seq:"
)

var tracer = otel.Tracer("github.com/platinummonkey/custodian/pkg/ledger")

// Ledger appends and verifies per-entity hash chains.
type Ledger struct {
	store     Store
	signer    signing.Signer
	verifiers map[string]signing.Signer
	locker    Locker
	now     func() time.Time
	log     logrus.FieldLogger
	metrics *observability.Metrics
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLocker replaces the in-process KeyedLocker, e.g. with a RedisLocker
// when several replicas append to the same store.
func WithLocker(l Locker) Option {
	return func(lg *Ledger) { lg.locker = l }
}

// WithVerifiers adds retired keys so records signed before a rotation still
// verify. The active signer is always consulted for its own key id.
func WithVerifiers(vs ...signing.Signer) Option {
	return func(lg *Ledger) {
		for _, v := range vs {
			lg.verifiers[v.KeyID()] = v
		}
	}
}

// WithClock overrides the engine clock.
func WithClock(now func() time.Time) Option {
	return func(lg *Ledger) { lg.now = now }
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(lg *Ledger) { lg.log = log }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(lg *Ledger) { lg.metrics = m }
}

// New creates a Ledger.
func New(store Store, signer signing.Signer, opts ...Option) *Ledger {
	lg := &Ledger{
		store:     store,
		signer:    signer,
		verifiers: make(map[string]signing.Signer),
		locker:    NewKeyedLocker(),
		now:       time.Now,
		log:       logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(lg)
	}
	lg.verifiers[signer.KeyID()] = signer
	return lg
}

// Append records one event at the tail of its entity's chain.
//
// It fails with errdefs.ErrChainBroken when ExpectedPrevHash does not match
// the stored tail or another writer won the race for the next seq, and with
// errdefs.ErrSignature when the signer fails. Nothing is persisted on error.
func (l *Ledger) Append(ctx context.Context, in EventInput) (*Event, error) {
	ctx, span := tracer.Start(ctx, "ledger.Append")
	defer span.End()
	span.SetAttributes(
		attribute.String("entity", in.Key.String()),
		attribute.String("action", string(in.Action)),
	)

	start := time.Now()
	ev, err := l.append(ctx, in)
	l.metrics.ObserveLedgerAppend(string(in.Action), time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.log.WithError(err).WithFields(logrus.Fields{
			"entity": in.Key.String(),
			"action": in.Action,
		}).Error("audit append failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int64("seq", ev.Seq))
	return ev, nil
}

func (l *Ledger) append(ctx context.Context, in EventInput) (*Event, error) {
	if err := in.Key.Validate(); err != nil {
		return nil, err
	}
	if err := in.Action.Validate(); err != nil {
		return nil, err
	}

	unlock, err := l.locker.Lock(ctx, in.Key.String())
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", in.Key, err)
	}
	defer unlock()

	// The locker only serializes callers sharing it. A transactional store
	// also covers the tail read and the insert with its own lock, which holds
	// across processes.
	tx, ok := l.store.(Transactor)
	if !ok {
		return l.appendLocked(ctx, in)
	}
	var ev *Event
	err = tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		ev, err = l.appendLocked(ctx, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func (l *Ledger) appendLocked(ctx context.Context, in EventInput) (*Event, error) {
	tail, err := l.store.Tail(ctx, in.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain tail: %w", err)
	}

	var tailHash []byte
	if tail != nil {
		tailHash = tail.RecordHash
	}
	if in.ExpectedPrevHash != nil && !bytes.Equal(in.ExpectedPrevHash, tailHash) {
		return nil, fmt.Errorf("%w: expected tail %x, found %x", errdefs.ErrChainBroken, in.ExpectedPrevHash, tailHash)
	}

	ev := &Event{
		EntityType:     in.Key.EntityType,
		EntityID:       in.Key.EntityID,
		Seq:            1,
		Action:         in.Action,
		ActorID:        in.Actor.ID,
		SourceIP:       in.Actor.SourceIP,
		DeviceInfo:     in.Actor.DeviceInfo,
		SessionID:      in.Actor.SessionID,
		OldValue:       nonEmpty(in.OldValue),
		NewValue:       nonEmpty(in.NewValue),
		Note:           in.Note,
		PrevRecordHash: tailHash,
		KeyID:          l.signer.KeyID(),
	}
	if tail != nil {
		ev.Seq = tail.Seq + 1
	}
	ev.OccurredAt, ev.ClockAnomaly = l.timestamp(in.OccurredAt, tail)
	if ev.ClockAnomaly {
		l.metrics.IncClockAnomaly()
		l.log.WithFields(logrus.Fields{
			"entity":   in.Key.String(),
			"supplied": in.OccurredAt,
			"recorded": ev.OccurredAt,
		}).Warn("non-increasing audit timestamp replaced with engine clock")
	}

	ev.RecordHash = ComputeHash(ev)
	sig, err := l.signer.Sign(ctx, ev.RecordHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrSignature, err)
	}
	ev.Signature = sig

	if err := l.store.Insert(ctx, ev); err != nil {
		if errors.Is(err, errdefs.ErrConflict) {
			return nil, fmt.Errorf("%w: concurrent append to %s", errdefs.ErrChainBroken, in.Key)
		}
		return nil, fmt.Errorf("failed to persist audit record: %w", err)
	}
	return ev, nil
}

// timestamp picks the recorded time for a new record. A supplied time that
// does not advance past the tail is replaced by the engine clock and flagged.
func (l *Ledger) timestamp(supplied time.Time, tail *Event) (time.Time, bool) {
	clock := normalizeTime(l.now())
	if supplied.IsZero() {
		supplied = clock
	}
	at := normalizeTime(supplied)
	if tail == nil || at.After(tail.OccurredAt) {
		return at, false
	}
	if clock.After(tail.OccurredAt) {
		return clock, true
	}
	return tail.OccurredAt.Add(time.Microsecond), true
}

// Tail returns the latest record for key, or errdefs.ErrNotFound when the
// entity has no history.
func (l *Ledger) Tail(ctx context.Context, key Key) (*Event, error) {
	tail, err := l.store.Tail(ctx, key)
	if err != nil {
		return nil, err
	}
	if tail == nil {
		return nil, fmt.Errorf("%w: no audit history for %s", errdefs.ErrNotFound, key)
	}
	return tail, nil
}

// Verify replays the chain for key and reports the first record that fails.
// Only store or signer failures are returned as errors; a broken chain is a
// result, not an error.
func (l *Ledger) Verify(ctx context.Context, key Key) (VerifyResult, error) {
	ctx, span := tracer.Start(ctx, "ledger.Verify")
	defer span.End()
	span.SetAttributes(attribute.String("entity", key.String()))

	res, err := l.verify(ctx, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	l.metrics.ObserveVerify(res.OK)
	if !res.OK {
		l.log.WithFields(logrus.Fields{
			"entity": key.String(),
			"index":  res.FailedIndex,
			"seq":    res.Seq,
			"reason": res.Reason,
		}).Error("audit chain verification failed")
	}
	return res, nil
}

func (l *Ledger) verify(ctx context.Context, key Key) (VerifyResult, error) {
	var (
		prev     *Event
		index    int
		afterSeq int64
	)
	for {
		batch, err := l.store.List(ctx, key, ListQuery{AfterSeq: afterSeq, Limit: verifyBatchSize})
		if err != nil {
			return VerifyResult{}, fmt.Errorf("failed to read chain: %w", err)
		}
		for i := range batch {
			ev := &batch[i]
			reason, err := l.check(ctx, index, ev, prev)
			if err != nil {
				return VerifyResult{}, err
			}
			if reason != "" {
				return VerifyResult{OK: false, Checked: index, FailedIndex: index, Seq: ev.Seq, Reason: reason}, nil
			}
			prev = ev
			index++
			afterSeq = ev.Seq
		}
		if len(batch) < verifyBatchSize {
			break
		}
	}
	return VerifyResult{OK: true, Checked: index, FailedIndex: -1}, nil
}

func (l *Ledger) check(ctx context.Context, index int, ev, prev *Event) (string, error) {
	if ev.Seq != int64(index)+1 {
		return fmt.Sprintf("sequence gap: expected seq %d, found %d", index+1, ev.Seq), nil
	}
	if !bytes.Equal(ComputeHash(ev), ev.RecordHash) {
		return "record hash mismatch", nil
	}
	var prevHash []byte
	if prev != nil {
		prevHash = prev.RecordHash
	}
	if !bytes.Equal(ev.PrevRecordHash, prevHash) {
		return "previous record hash mismatch", nil
	}
	if prev != nil && !ev.OccurredAt.After(prev.OccurredAt) {
		return "timestamp not increasing", nil
	}
	verifier, known := l.verifiers[ev.KeyID]
	if !known {
		return fmt.Sprintf("signed by unknown key %q", ev.KeyID), nil
	}
	ok, err := verifier.Verify(ctx, ev.RecordHash, ev.Signature)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errdefs.ErrSignature, err)
	}
	if !ok {
		return "signature invalid", nil
	}
	return "", nil
}

// HistoryPage returns one page of records in ascending order.
func (l *Ledger) HistoryPage(ctx context.Context, key Key, q Query) (Page, error) {
	if err := key.Validate(); err != nil {
		return Page{}, err
	}
	afterSeq, err := decodeCursor(q.Cursor)
	if err != nil {
		return Page{}, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	events, err := l.store.List(ctx, key, ListQuery{
		AfterSeq: afterSeq,
		From:     normalizeZero(q.From),
		To:       normalizeZero(q.To),
		Limit:    limit + 1,
	})
	if err != nil {
		return Page{}, fmt.Errorf("failed to list history: %w", err)
	}

	page := Page{Events: events}
	if len(events) > limit {
		page.Events = events[:limit]
		page.NextCursor = encodeCursor(page.Events[limit-1].Seq)
	}
	return page, nil
}

// History lazily yields every record matching q, fetching one page at a
// time. Stopping the iteration early needs no cleanup. A non-nil error is
// yielded once and ends the sequence.
func (l *Ledger) History(ctx context.Context, key Key, q Query) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for {
			page, err := l.HistoryPage(ctx, key, q)
			if err != nil {
				yield(Event{}, err)
				return
			}
			for _, ev := range page.Events {
				if !yield(ev, nil) {
					return
				}
			}
			if page.NextCursor == "" {
				return
			}
			q.Cursor = page.NextCursor
		}
	}
}

func encodeCursor(seq int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(cursorPrefix + strconv.FormatInt(seq, 10)))
}

func decodeCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil || !strings.HasPrefix(string(raw), cursorPrefix) {
		return 0, fmt.Errorf("%w: malformed cursor", errdefs.ErrValidation)
	}
	seq, err := strconv.ParseInt(strings.TrimPrefix(string(raw), cursorPrefix), 10, 64)
	if err != nil || seq < 0 {
		return 0, fmt.Errorf("%w: malformed cursor", errdefs.ErrValidation)
	}
	return seq, nil
}

func normalizeZero(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return normalizeTime(t)
}

func nonEmpty(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
