package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"strconv"
	"time"
)

const hashVersion = "custodian.audit.v2"

// normalizeTime truncates to microseconds in UTC so every backend stores
// exactly the value that was hashed.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

type canonicalWriter struct {
	buf bytes.Buffer
}

func (w *canonicalWriter) bytes(b []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(b)))
	w.buf.Write(n[:])
	w.buf.Write(b)
}

func (w *canonicalWriter) str(s string) {
	w.bytes([]byte(s))
}

func (w *canonicalWriter) optional(present bool, b []byte) {
	if !present {
		w.buf.WriteByte(0)
		return
	}
	w.buf.WriteByte(1)
	w.bytes(b)
}

func (w *canonicalWriter) int(v int64) {
	w.str(strconv.FormatInt(v, 10))
}

// canonicalBytes is the exact byte sequence covered by RecordHash.
func canonicalBytes(e *Event) []byte {
	w := &canonicalWriter{}
	w.str(hashVersion)
	w.str(e.EntityType)
	w.int(e.EntityID)
	w.int(e.Seq)
	w.str(string(e.Action))
	if e.ActorID != nil {
		w.optional(true, []byte(strconv.FormatInt(*e.ActorID, 10)))
	} else {
		w.optional(false, nil)
	}
	w.str(e.SourceIP)
	w.str(e.DeviceInfo)
	w.str(e.SessionID)
	w.optional(len(e.OldValue) > 0, e.OldValue)
	w.optional(len(e.NewValue) > 0, e.NewValue)
	w.str(e.Note)
	w.int(normalizeTime(e.OccurredAt).UnixMicro())
	if e.ClockAnomaly {
		w.str("1")
	} else {
		w.str("0")
	}
	w.optional(len(e.PrevRecordHash) > 0, e.PrevRecordHash)
	w.str(e.KeyID)
	return w.buf.Bytes()
}

// ComputeHash returns the record hash for e from its content.
func ComputeHash(e *Event) []byte {
	sum := sha256.Sum256(canonicalBytes(e))
	return sum[:]
}
