package similarity

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/platinummonkey/custodian/pkg/errdefs"
)

// Metric selects how vectors are compared. Higher scores are more similar
// for every metric.
type Metric string

const (
	// Cosine scores by cosine similarity in [-1, 1].
	Cosine Metric = "cosine"
	// L2 scores by negated Euclidean distance, so identical vectors score 0.
	L2 Metric = "l2"
)

// ParseMetric accepts "cosine" or "l2"; empty means cosine.
func ParseMetric(s string) (Metric, error) {
	switch m := Metric(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return Cosine, nil
	case Cosine, L2:
		return m, nil
	default:
		return "", fmt.Errorf("%w: unknown metric %q", errdefs.ErrValidation, s)
	}
}

// Embedding is one vector for an attachment under a model.
type Embedding struct {
	AttachmentID int64     `json:"attachment_id"`
	Model        string    `json:"model"`
	Dimension    int       `json:"dimension"`
	Vector       []float32 `json:"vector"`
	SourceSHA256 string    `json:"source_sha256"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Stale reports whether the embedding was computed from different bytes
// than the attachment's current content hash.
func (e *Embedding) Stale(currentHash string) bool {
	return !strings.EqualFold(e.SourceSHA256, currentHash)
}

// Validate checks dimension, length and that every component is finite.
func (e *Embedding) Validate() error {
	if strings.TrimSpace(e.Model) == "" {
		return fmt.Errorf("%w: model is required", errdefs.ErrValidation)
	}
	if e.Dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive", errdefs.ErrValidation)
	}
	if len(e.Vector) != e.Dimension {
		return fmt.Errorf("%w: vector has %d components, dimension is %d", errdefs.ErrValidation, len(e.Vector), e.Dimension)
	}
	return checkFinite(e.Vector)
}

func checkFinite(v []float32) error {
	for i, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: vector component %d is not finite", errdefs.ErrValidation, i)
		}
	}
	return nil
}

// EncodeVector packs v as little-endian float32, 4 bytes per component.
func EncodeVector(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(x))
	}
	return out
}

// DecodeVector unpacks bytes written by EncodeVector. The length must be
// exactly 4*dimension.
func DecodeVector(b []byte, dimension int) ([]float32, error) {
	if dimension <= 0 || len(b) != 4*dimension {
		return nil, fmt.Errorf("%w: vector has %d bytes, want %d", errdefs.ErrValidation, len(b), 4*dimension)
	}
	out := make([]float32, dimension)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out, nil
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func score(metric Metric, a []float32, an float64, b []float32, bn float64) float64 {
	switch metric {
	case L2:
		var sum float64
		for i := range a {
			d := float64(a[i]) - float64(b[i])
			sum += d * d
		}
		return -math.Sqrt(sum)
	default:
		if an == 0 || bn == 0 {
			return 0
		}
		var dot float64
		for i := range a {
			dot += float64(a[i]) * float64(b[i])
		}
		return dot / (an * bn)
	}
}
