package vector

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/recallhq/recall/internal/common/config"
	"github.com/recallhq/recall/internal/common/logger"
	"github.com/recallhq/recall/internal/store"
)

const syncTimeout = 15 * time.Second

// Syncer runs a fixed worker pool draining a bounded queue of sync jobs.
// Enqueueing never blocks: when the queue is full the job is dropped with a
// log line.
type Syncer struct {
	index   Index
	logger  *logger.Logger
	jobs    chan func(ctx context.Context)
	wg      sync.WaitGroup
	workers int

	mu     sync.Mutex
	closed bool
}

// Provide builds the Index from config (Disabled when no URL is set) and
// wraps it in a started Syncer.
func Provide(ctx context.Context, cfg config.VectorConfig, log *logger.Logger) *Syncer {
	var index Index = Disabled{}
	if cfg.URL != "" {
		httpIndex := NewHTTPIndex(cfg.URL, cfg.ConnectTimeout)
		probeCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
		if err := httpIndex.Ping(probeCtx); err != nil {
			log.Warn("vector index unavailable, continuing without sync",
				zap.String("url", cfg.URL),
				zap.Error(err))
		} else {
			index = httpIndex
		}
	}
	return NewSyncer(index, cfg.QueueSize, cfg.Workers, log)
}

// NewSyncer creates and starts a Syncer over the given index.
func NewSyncer(index Index, queueSize, workers int, log *logger.Logger) *Syncer {
	if queueSize <= 0 {
		queueSize = 256
	}
	if workers <= 0 {
		workers = 2
	}

	s := &Syncer{
		index:   index,
		logger:  log.WithFields(zap.String("component", "vector-syncer")),
		jobs:    make(chan func(ctx context.Context), queueSize),
		workers: workers,
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

func (s *Syncer) worker() {
	defer s.wg.Done()
	for job := range s.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
		job(ctx)
		cancel()
	}
}

func (s *Syncer) enqueue(job func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.jobs <- job:
	default:
		s.logger.Warn("vector sync queue full, dropping job")
	}
}

// SyncObservation queues a best-effort mirror of one observation.
func (s *Syncer) SyncObservation(obs *store.Observation) {
	s.enqueue(func(ctx context.Context) {
		if err := s.index.SyncObservation(ctx, obs); err != nil {
			s.logger.Warn("observation sync failed",
				zap.Int64("observation_id", obs.ID),
				zap.Error(err))
		}
	})
}

// SyncSummary queues a best-effort mirror of one summary.
func (s *Syncer) SyncSummary(summary *store.Summary) {
	s.enqueue(func(ctx context.Context) {
		if err := s.index.SyncSummary(ctx, summary); err != nil {
			s.logger.Warn("summary sync failed",
				zap.Int64("summary_id", summary.ID),
				zap.Error(err))
		}
	})
}

// Close stops accepting jobs and waits for in-flight syncs to finish.
func (s *Syncer) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.jobs)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
