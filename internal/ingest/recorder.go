package ingest

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"crowdwatch/internal/models"
	"crowdwatch/internal/observability"
)

const DefaultUpdateInterval = 10 * time.Second

type Store interface {
	BuildingIDs(ctx context.Context) (map[int64]struct{}, error)
	InsertCounts(ctx context.Context, samples []models.CountSample) error
}

// Recorder keeps the most recent count per building and writes the pending
// set to storage once per interval. Counts for buildings missing from storage
// are dropped.
type Recorder struct {
	store    Store
	interval time.Duration
	log      *slog.Logger
	metrics  *observability.Metrics

	mu      sync.Mutex
	pending map[int64]models.CountSample
}

func NewRecorder(store Store, interval time.Duration, logger *slog.Logger, m *observability.Metrics) *Recorder {
	if interval <= 0 {
		interval = DefaultUpdateInterval
	}
	return &Recorder{
		store:    store,
		interval: interval,
		log:      logger,
		metrics:  m,
		pending:  map[int64]models.CountSample{},
	}
}

// Record buffers a sample. An older sample never replaces a newer one.
func (r *Recorder) Record(source string, s models.CountSample) {
	r.metrics.IncIngested(source)
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.pending[s.BuildingID]; ok && s.TS.Before(cur.TS) {
		return
	}
	r.pending[s.BuildingID] = s
}

// Flush writes buffered samples and returns how many rows were stored. On a
// write failure the batch is requeued unless newer samples arrived meanwhile.
func (r *Recorder) Flush(ctx context.Context) (int, error) {
	r.mu.Lock()
	if len(r.pending) == 0 {
		r.mu.Unlock()
		return 0, nil
	}
	batch := make([]models.CountSample, 0, len(r.pending))
	for _, s := range r.pending {
		batch = append(batch, s)
	}
	r.pending = map[int64]models.CountSample{}
	r.mu.Unlock()
	sort.Slice(batch, func(i, j int) bool { return batch[i].BuildingID < batch[j].BuildingID })

	known, err := r.store.BuildingIDs(ctx)
	if err != nil {
		r.requeue(batch)
		return 0, err
	}
	rows := batch[:0]
	for _, s := range batch {
		if _, ok := known[s.BuildingID]; !ok {
			r.log.Warn("building not found, dropping count", "building", s.BuildingID, "count", s.Count)
			continue
		}
		rows = append(rows, s)
	}
	if err := r.store.InsertCounts(ctx, rows); err != nil {
		r.requeue(rows)
		return 0, err
	}
	r.metrics.AddPersisted(len(rows))
	return len(rows), nil
}

func (r *Recorder) requeue(batch []models.CountSample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range batch {
		if _, ok := r.pending[s.BuildingID]; !ok {
			r.pending[s.BuildingID] = s
		}
	}
}

// Run flushes every interval until ctx is done, then flushes once more.
func (r *Recorder) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if _, err := r.Flush(flushCtx); err != nil {
				r.log.Error("final flush failed", "err", err)
			}
			cancel()
			return
		case <-ticker.C:
			n, err := r.Flush(ctx)
			if err != nil {
				r.log.Error("flush counts failed", "err", err)
				continue
			}
			if n > 0 {
				r.log.Debug("counts flushed", "rows", n)
			}
		}
	}
}
