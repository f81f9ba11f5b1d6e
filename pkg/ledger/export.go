package ledger

import (
	"context"
	"encoding/base64"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/custodian/pkg/errdefs"
)

// ExportFormat selects the export encoding.
type ExportFormat string

const (
	FormatJSON   ExportFormat = "json"
	FormatNDJSON ExportFormat = "ndjson"
	FormatCSV    ExportFormat = "csv"
)

// ParseExportFormat accepts a case-insensitive format name.
func ParseExportFormat(s string) (ExportFormat, error) {
	switch f := ExportFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatNDJSON, FormatCSV:
		return f, nil
	case "":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: unsupported export format %q", errdefs.ErrValidation, s)
	}
}

// ContentType returns the MIME type for the format.
func (f ExportFormat) ContentType() string {
	switch f {
	case FormatNDJSON:
		return "application/x-ndjson"
	case FormatCSV:
		return "text/csv"
	default:
		return "application/json"
	}
}

// Export streams the history of key matching q to w and returns the number
// of records written. Records are read page by page.
func (l *Ledger) Export(ctx context.Context, w io.Writer, key Key, q Query, format ExportFormat) (int, error) {
	var enc recordEncoder
	switch format {
	case FormatJSON:
		enc = &jsonArrayEncoder{w: w}
	case FormatNDJSON:
		enc = &ndjsonEncoder{enc: json.NewEncoder(w)}
	case FormatCSV:
		enc = &csvEncoder{w: csv.NewWriter(w)}
	default:
		return 0, fmt.Errorf("%w: unsupported export format %q", errdefs.ErrValidation, format)
	}

	if err := enc.begin(); err != nil {
		return 0, err
	}
	n := 0
	for ev, err := range l.History(ctx, key, q) {
		if err != nil {
			return n, err
		}
		if err := enc.write(&ev); err != nil {
			return n, fmt.Errorf("failed to encode record %d: %w", ev.Seq, err)
		}
		n++
	}
	return n, enc.end()
}

type recordEncoder interface {
	begin() error
	write(ev *Event) error
	end() error
}

type jsonArrayEncoder struct {
	w     io.Writer
	wrote bool
}

func (e *jsonArrayEncoder) begin() error {
	_, err := io.WriteString(e.w, "[")
	return err
}

func (e *jsonArrayEncoder) write(ev *Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if e.wrote {
		if _, err := io.WriteString(e.w, ",\n"); err != nil {
			return err
		}
	}
	e.wrote = true
	_, err = e.w.Write(b)
	return err
}

func (e *jsonArrayEncoder) end() error {
	_, err := io.WriteString(e.w, "]\n")
	return err
}

type ndjsonEncoder struct {
	enc *json.Encoder
}

func (e *ndjsonEncoder) begin() error          { return nil }
func (e *ndjsonEncoder) write(ev *Event) error { return e.enc.Encode(ev) }
func (e *ndjsonEncoder) end() error            { return nil }

var csvHeader = []string{
	"EntityType",
	"EntityID",
	"Seq",
	"Action",
	"ActorID",
	"SourceIP",
	"DeviceInfo",
	"SessionID",
	"OccurredAt",
	"ClockAnomaly",
	"Note",
	"OldValue",
	"NewValue",
	"PrevRecordHash",
	"RecordHash",
	"Signature",
	"KeyID",
}

type csvEncoder struct {
	w *csv.Writer
}

func (e *csvEncoder) begin() error {
	return e.w.Write(csvHeader)
}

func (e *csvEncoder) write(ev *Event) error {
	return e.w.Write([]string{
		ev.EntityType,
		strconv.FormatInt(ev.EntityID, 10),
		strconv.FormatInt(ev.Seq, 10),
		string(ev.Action),
		formatInt64Ptr(ev.ActorID),
		ev.SourceIP,
		ev.DeviceInfo,
		ev.SessionID,
		ev.OccurredAt.Format(time.RFC3339Nano),
		strconv.FormatBool(ev.ClockAnomaly),
		ev.Note,
		base64.StdEncoding.EncodeToString(ev.OldValue),
		base64.StdEncoding.EncodeToString(ev.NewValue),
		hex.EncodeToString(ev.PrevRecordHash),
		hex.EncodeToString(ev.RecordHash),
		base64.StdEncoding.EncodeToString(ev.Signature),
		ev.KeyID,
	})
}

func (e *csvEncoder) end() error {
	e.w.Flush()
	if err := e.w.Error(); err != nil {
		return fmt.Errorf("CSV writer error: %w", err)
	}
	return nil
}

// formatInt64Ptr formats an int64 pointer as string, returning empty string for nil
func formatInt64Ptr(val *int64) string {
	if val == nil {
		return ""
	}
	return strconv.FormatInt(*val, 10)
}
