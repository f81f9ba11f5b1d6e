package similarity

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/custodian/pkg/errdefs"
	"github.com/platinummonkey/custodian/pkg/observability"
)

// Store persists embeddings so the index can be rebuilt with Load.
type Store interface {
	// SaveEmbedding replaces the embedding for (AttachmentID, Model).
	SaveEmbedding(ctx context.Context, e *Embedding) error
	DeleteEmbeddings(ctx context.Context, attachmentID int64) error
	ListEmbeddings(ctx context.Context) ([]Embedding, error)
}

// Liveness reports which attachments may appear in results. Another process
// can purge an attachment without touching this index, so results are
// checked against it before they are returned.
type Liveness interface {
	Live(ctx context.Context, ids []int64) (map[int64]bool, error)
}

// Match is one query result.
type Match struct {
	AttachmentID int64   `json:"attachment_id"`
	Score        float64 `json:"score"`
}

type entry struct {
	emb  *Embedding
	norm float64
}

type modelSet struct {
	dimension int
	entries   map[int64]entry
}

type snapshot struct {
	models map[string]*modelSet
}

// Index is an in-memory nearest neighbour index partitioned by model.
// Readers use an immutable snapshot; writers build a new one and swap it in.
type Index struct {
	metric  Metric
	store   Store
	live    Liveness
	now     func() time.Time
	log     logrus.FieldLogger
	metrics *observability.Metrics

	writeMu sync.Mutex
	current atomic.Pointer[snapshot]
}

// Option configures an Index.
type Option func(*Index)

// WithStore persists every write.
func WithStore(s Store) Option {
	return func(i *Index) { i.store = s }
}

// WithLiveness filters Query and Similar results through l.
func WithLiveness(l Liveness) Option {
	return func(i *Index) { i.live = l }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(i *Index) { i.log = log }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(i *Index) { i.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(i *Index) { i.now = now }
}

// NewIndex creates an empty index.
func NewIndex(metric Metric, opts ...Option) *Index {
	if metric == "" {
		metric = Cosine
	}
	idx := &Index{
		metric: metric,
		now:    time.Now,
		log:    logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(idx)
	}
	idx.current.Store(&snapshot{models: map[string]*modelSet{}})
	return idx
}

// Metric returns the configured metric.
func (idx *Index) Metric() Metric {
	return idx.metric
}

// Upsert validates and stores an embedding, replacing any prior one for the
// same attachment and model. A model's dimension is fixed by its first
// embedding.
func (idx *Index) Upsert(ctx context.Context, attachmentID int64, model string, vector []float32, sourceSHA256 string) (*Embedding, error) {
	e := &Embedding{
		AttachmentID: attachmentID,
		Model:        strings.TrimSpace(model),
		Dimension:    len(vector),
		Vector:       append([]float32(nil), vector...),
		SourceSHA256: strings.ToLower(sourceSHA256),
		UpdatedAt:    idx.now().UTC(),
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}

	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	old := idx.current.Load()
	if set, ok := old.models[e.Model]; ok && set.dimension != e.Dimension {
		if _, self := set.entries[attachmentID]; !self || len(set.entries) > 1 {
			return nil, fmt.Errorf("%w: model %s has dimension %d, got %d", errdefs.ErrValidation, e.Model, set.dimension, e.Dimension)
		}
	}

	if idx.store != nil {
		if err := idx.store.SaveEmbedding(ctx, e); err != nil {
			return nil, fmt.Errorf("failed to save embedding: %w", err)
		}
	}

	next := old.withModel(e.Model)
	set := next.models[e.Model]
	set.dimension = e.Dimension
	set.entries[attachmentID] = entry{emb: e, norm: norm(e.Vector)}
	idx.current.Store(next)
	idx.metrics.SetSimilarityEntries(e.Model, len(set.entries))

	out := *e
	return &out, nil
}

// withModel copies the snapshot, deep copying only the named model's set.
func (s *snapshot) withModel(model string) *snapshot {
	next := &snapshot{models: make(map[string]*modelSet, len(s.models)+1)}
	for name, set := range s.models {
		next.models[name] = set
	}
	cp := &modelSet{entries: map[int64]entry{}}
	if set, ok := s.models[model]; ok {
		cp.dimension = set.dimension
		cp.entries = make(map[int64]entry, len(set.entries)+1)
		for id, e := range set.entries {
			cp.entries[id] = e
		}
	}
	next.models[model] = cp
	return next
}

// Get returns the embedding of an attachment under a model.
func (idx *Index) Get(attachmentID int64, model string) (*Embedding, bool) {
	set, ok := idx.current.Load().models[model]
	if !ok {
		return nil, false
	}
	e, ok := set.entries[attachmentID]
	if !ok {
		return nil, false
	}
	out := *e.emb
	out.Vector = append([]float32(nil), e.emb.Vector...)
	return &out, true
}

// Query returns at most k attachments nearest to vector under model, best
// first. Equal scores are ordered by smaller attachment id. An unknown
// model yields no results.
func (idx *Index) Query(ctx context.Context, model string, vector []float32, k int) ([]Match, error) {
	start := time.Now()
	matches, err := idx.query(ctx, model, vector, k, 0)
	idx.metrics.ObserveSimilarityQuery(model, time.Since(start), err)
	return matches, err
}

// Similar returns the k nearest neighbours of an attachment's own
// embedding, excluding the attachment itself.
func (idx *Index) Similar(ctx context.Context, attachmentID int64, model string, k int) ([]Match, error) {
	e, ok := idx.Get(attachmentID, model)
	if ok && idx.live != nil {
		live, err := idx.live.Live(ctx, []int64{attachmentID})
		if err != nil {
			return nil, fmt.Errorf("failed to check attachment status: %w", err)
		}
		ok = live[attachmentID]
	}
	if !ok {
		return nil, fmt.Errorf("%w: attachment %d has no %s embedding", errdefs.ErrNotFound, attachmentID, model)
	}
	start := time.Now()
	matches, err := idx.query(ctx, model, e.Vector, k, attachmentID)
	idx.metrics.ObserveSimilarityQuery(model, time.Since(start), err)
	return matches, err
}

func (idx *Index) query(ctx context.Context, model string, vector []float32, k int, exclude int64) ([]Match, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive", errdefs.ErrValidation)
	}
	if err := checkFinite(vector); err != nil {
		return nil, err
	}
	set, ok := idx.current.Load().models[model]
	if !ok {
		return []Match{}, nil
	}
	if len(vector) != set.dimension {
		return nil, fmt.Errorf("%w: model %s has dimension %d, got %d", errdefs.ErrValidation, model, set.dimension, len(vector))
	}

	qn := norm(vector)
	out := make([]Match, 0, len(set.entries))
	for id, e := range set.entries {
		if exclude != 0 && id == exclude {
			continue
		}
		out = append(out, Match{AttachmentID: id, Score: score(idx.metric, vector, qn, e.emb.Vector, e.norm)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].AttachmentID < out[j].AttachmentID
	})
	if idx.live != nil {
		return idx.keepLive(ctx, out, k)
	}
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// keepLive walks ranked in order and returns its first k live matches,
// checking status a page at a time.
func (idx *Index) keepLive(ctx context.Context, ranked []Match, k int) ([]Match, error) {
	out := make([]Match, 0, min(k, len(ranked)))
	for len(ranked) > 0 && len(out) < k {
		page := ranked[:min(2*k, len(ranked))]
		ranked = ranked[len(page):]

		ids := make([]int64, len(page))
		for i, m := range page {
			ids[i] = m.AttachmentID
		}
		live, err := idx.live.Live(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("failed to check attachment status: %w", err)
		}
		for _, m := range page {
			if live[m.AttachmentID] && len(out) < k {
				out = append(out, m)
			}
		}
	}
	return out, nil
}

// Remove drops every embedding of an attachment.
func (idx *Index) Remove(ctx context.Context, attachmentID int64) error {
	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	if idx.store != nil {
		if err := idx.store.DeleteEmbeddings(ctx, attachmentID); err != nil {
			return fmt.Errorf("failed to delete embeddings: %w", err)
		}
	}

	next := idx.current.Load()
	for model, set := range next.models {
		if _, ok := set.entries[attachmentID]; !ok {
			continue
		}
		next = next.withModel(model)
		delete(next.models[model].entries, attachmentID)
		if len(next.models[model].entries) == 0 {
			delete(next.models, model)
		}
		idx.metrics.SetSimilarityEntries(model, len(set.entries)-1)
	}
	idx.current.Store(next)
	return nil
}

// Load replaces the index contents with the persisted embeddings. Rows that
// conflict with their model's dimension are skipped and logged.
func (idx *Index) Load(ctx context.Context) (int, error) {
	if idx.store == nil {
		return 0, nil
	}
	all, err := idx.store.ListEmbeddings(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list embeddings: %w", err)
	}

	next := &snapshot{models: map[string]*modelSet{}}
	loaded := 0
	for i := range all {
		e := all[i]
		if err := e.Validate(); err != nil {
			idx.log.WithError(err).WithField("attachment_id", e.AttachmentID).Warn("skipping invalid embedding")
			continue
		}
		set, ok := next.models[e.Model]
		if !ok {
			set = &modelSet{dimension: e.Dimension, entries: map[int64]entry{}}
			next.models[e.Model] = set
		}
		if set.dimension != e.Dimension {
			idx.log.WithFields(logrus.Fields{
				"attachment_id": e.AttachmentID,
				"model":         e.Model,
			}).Warn("skipping embedding with mismatched dimension")
			continue
		}
		set.entries[e.AttachmentID] = entry{emb: &e, norm: norm(e.Vector)}
		loaded++
	}

	idx.writeMu.Lock()
	idx.current.Store(next)
	idx.writeMu.Unlock()

	for model, set := range next.models {
		idx.metrics.SetSimilarityEntries(model, len(set.entries))
	}
	idx.log.WithField("embeddings", loaded).Info("similarity index loaded")
	return loaded, nil
}

// Models reports the number of embeddings per model.
func (idx *Index) Models() map[string]int {
	snap := idx.current.Load()
	out := make(map[string]int, len(snap.models))
	for model, set := range snap.models {
		out[model] = len(set.entries)
	}
	return out
}

// Dimension returns a model's fixed dimension, or 0 when unknown.
func (idx *Index) Dimension(model string) int {
	if set, ok := idx.current.Load().models[model]; ok {
		return set.dimension
	}
	return 0
}
