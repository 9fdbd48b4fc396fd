package delivery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tetherhq/tether/internal/engagement"
)

// Defaults for the scheduler's tunables.
const (
	DefaultInterval   = 30 * time.Second
	DefaultBatchSize  = 50
	DefaultStaleAfter = 5 * time.Minute
)

// Deliverer handles one claimed engagement. The coordinator satisfies it.
type Deliverer interface {
	DeliverDue(ctx context.Context, e *engagement.Engagement) error
}

// SchedulerConfig carries the scheduler's tunables. Zero values fall back
// to the defaults above.
type SchedulerConfig struct {
	Interval   time.Duration
	BatchSize  int
	StaleAfter time.Duration
}

// Scheduler drains due engagements on a fixed interval. Ticks never
// overlap: a tick that fires while the previous one is still running is
// skipped, not queued. Start and Stop are idempotent; Stop blocks until
// any in-flight tick finishes.
type Scheduler struct {
	store      EngagementStore
	deliverer  Deliverer
	interval   time.Duration
	batchSize  int
	staleAfter time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	ticking atomic.Bool
	ticks   sync.WaitGroup
}

// NewScheduler creates a scheduler over the store and deliverer.
func NewScheduler(store EngagementStore, deliverer Deliverer, cfg SchedulerConfig) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	return &Scheduler{
		store:      store,
		deliverer:  deliverer,
		interval:   cfg.Interval,
		batchSize:  cfg.BatchSize,
		staleAfter: cfg.StaleAfter,
	}
}

// Start launches the tick loop. Calling Start on a running scheduler is a
// no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(ctx, s.done)
	log.Info().Dur("interval", s.interval).Int("batch_size", s.batchSize).Msg("delivery scheduler started")
}

// Stop halts the loop and waits for any in-flight tick. Calling Stop on a
// stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	cancel()
	<-done
	s.ticks.Wait()
	log.Info().Msg("delivery scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ticks.Add(1)
			go func() {
				defer s.ticks.Done()
				s.runTick(ctx)
			}()
		}
	}
}

// TriggerNow runs a tick synchronously. Used at boot to drain the backlog
// without waiting out the first interval. The overlap guard applies: a
// trigger during a running tick is skipped. The tick counts like a
// ticker-driven one, so Stop on a running scheduler waits for it.
func (s *Scheduler) TriggerNow(ctx context.Context) {
	s.ticks.Add(1)
	defer s.ticks.Done()
	s.runTick(ctx)
}

func (s *Scheduler) runTick(ctx context.Context) {
	if !s.ticking.CompareAndSwap(false, true) {
		log.Debug().Msg("previous tick still running, skipping")
		return
	}
	defer s.ticking.Store(false)

	start := time.Now()

	if n, err := s.store.RequeueStale(ctx, s.staleAfter); err != nil {
		log.Error().Err(err).Msg("failed to requeue stale claims")
	} else if n > 0 {
		log.Warn().Int64("requeued", n).Msg("requeued stale claims")
	}

	claimed, err := s.store.ClaimDue(ctx, time.Now().UTC(), s.batchSize)
	if err != nil {
		log.Error().Err(err).Msg("failed to claim due engagements")
		return
	}
	if len(claimed) == 0 {
		log.Debug().Msg("tick found nothing due")
		return
	}

	delivered := 0
	for i, e := range claimed {
		if ctx.Err() != nil {
			s.releaseRest(claimed[i:])
			break
		}

		// One bad engagement must not poison the rest of the batch.
		if err := s.deliverer.DeliverDue(ctx, e); err != nil {
			log.Error().
				Err(err).
				Str("engagement_id", e.ID).
				Str("user_id", e.UserID).
				Msg("failed to handle due engagement")
			continue
		}
		delivered++
	}

	log.Info().
		Int("claimed", len(claimed)).
		Int("handled", delivered).
		Dur("took", time.Since(start)).
		Msg("delivery tick finished")
}

// releaseRest returns still-unprocessed claims to pending on shutdown so
// they do not sit in processing until the stale window rescues them.
func (s *Scheduler) releaseRest(claimed []*engagement.Engagement) {
	ctx := context.Background()
	for _, e := range claimed {
		if err := s.store.Release(ctx, e.ID); err != nil {
			log.Error().Err(err).Str("engagement_id", e.ID).Msg("failed to release claim on shutdown")
		}
	}
}
