package retention

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/edgefleet/edgefleet/internal/config"
)

// sweepConcurrency bounds how many data types are swept at once.
const sweepConcurrency = 4

// Scheduler drives periodic sweeps of every schedule-enabled policy. Each
// policy/data-type pair keeps its own last-run clock, so a policy with a
// 24h cadence is not re-run by every hourly tick.
type Scheduler struct {
	engine   *Engine
	interval time.Duration

	mu      sync.Mutex
	lastRun map[string]time.Time

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewScheduler wires a scheduler over the engine. The tick interval comes
// from configuration and falls back to hourly.
func NewScheduler(engine *Engine, cfg config.RetentionConfig) *Scheduler {
	interval := config.Seconds(cfg.SweepIntervalHours * 3600)
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{
		engine:   engine,
		interval: interval,
		lastRun:  make(map[string]time.Time),
		stopChan: make(chan struct{}),
	}
}

// Start launches the sweep loop. The first pass runs immediately so a
// restart does not defer overdue sweeps by a full interval.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
	log.Info().Dur("interval", s.interval).Msg("Retention scheduler started")
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Scheduler) Stop() {
	close(s.stopChan)
	s.wg.Wait()
	log.Info().Msg("Retention scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sweep(ctx)
	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Sweep applies every due policy/data-type pair once. Sweeps run
// concurrently per data type, and one failing sweep never aborts the
// others; failures come back as failed results and retry on the next due
// tick.
func (s *Scheduler) Sweep(ctx context.Context) []Result {
	now := time.Now()

	var (
		resultMu sync.Mutex
		results  []Result
	)
	var g errgroup.Group
	g.SetLimit(sweepConcurrency)
	for _, policy := range s.engine.Policies() {
		if !policy.ScheduleEnabled {
			continue
		}
		for _, dataType := range policy.DataTypes {
			if !s.markDue(policy, dataType, now) {
				continue
			}
			g.Go(func() error {
				res, err := s.engine.Apply(ctx, policy.Name, dataType)
				if err != nil {
					log.Error().Err(err).
						Str("policy", policy.Name).
						Str("dataType", dataType).
						Msg("Retention sweep failed")
					res = &Result{Policy: policy.Name, DataType: dataType, Status: StatusFailed}
				}
				resultMu.Lock()
				results = append(results, *res)
				resultMu.Unlock()
				return nil
			})
		}
	}
	g.Wait()
	return results
}

// markDue reports whether the pair's cadence has elapsed and stamps it as
// run. The stamp is taken up front, so a failing sweep waits out its
// cadence instead of retrying on every tick.
func (s *Scheduler) markDue(policy Policy, dataType string, now time.Time) bool {
	key := policy.Name + "/" + dataType
	s.mu.Lock()
	defer s.mu.Unlock()
	if policy.ScheduleInterval > 0 {
		if last, ok := s.lastRun[key]; ok && now.Sub(last) < policy.ScheduleInterval {
			return false
		}
	}
	s.lastRun[key] = now
	return true
}
