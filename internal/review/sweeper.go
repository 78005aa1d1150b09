package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/joescharf/critique/internal/logging"
	"github.com/joescharf/critique/internal/metrics"
	"github.com/joescharf/critique/internal/models"
	"github.com/joescharf/critique/internal/store"
)

// SweepResult counts what one sweep did.
type SweepResult struct {
	TimedOut   int `json:"timed_out"`
	Requeued   int `json:"requeued"`
	QueueFull  int `json:"queue_full"`
	Considered int `json:"considered"`
}

// Sweep fails reviews that outlived the maximum duration and re-queues
// pending reviews that waited longer than the queue timeout without a worker.
func (o *Orchestrator) Sweep(ctx context.Context) (SweepResult, error) {
	return o.sweep(ctx, o.now())
}

func (o *Orchestrator) sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	var res SweepResult
	reviews, err := o.store.ListStaleReviews(ctx, now.Add(-min(o.cfg.MaxDuration, o.cfg.QueueTimeout)))
	if err != nil {
		return res, fmt.Errorf("list stale reviews: %w", err)
	}
	res.Considered = len(reviews)

	for _, r := range reviews {
		age := now.Sub(r.CreatedAt)
		switch {
		case age >= o.cfg.MaxDuration:
			if o.pool.Abandon(r.ID) {
				o.log.Warn("abandoning stalled review", "review_id", r.ID)
			}
			err := o.store.TransitionReview(ctx, r.ID, models.ReviewStateFailed, store.Transition{ErrorMessage: MsgTimeout})
			if errors.Is(err, models.ErrInvalidTransition) {
				continue
			}
			if err != nil {
				return res, fmt.Errorf("time out review %s: %w", r.ID, err)
			}
			res.TimedOut++
			metrics.ReviewsSwept.Inc()
			metrics.ReviewsFinished.WithLabelValues(string(models.ReviewStateFailed)).Inc()
			o.log.Info("review timed out", "review_id", r.ID, "age", age.Round(time.Second))

		case r.State == models.ReviewStatePending && age >= o.cfg.QueueTimeout && !o.pool.InFlight(r.ID):
			if o.pool.Enqueue(r.ID) {
				res.Requeued++
			} else {
				res.QueueFull++
			}
		}
	}
	return res, nil
}

// RecoverOnStart settles reviews left open by a previous process. Those past
// their deadline are failed and the rest are queued again.
func (o *Orchestrator) RecoverOnStart(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := o.now()

	reviews, err := o.store.ListReviewsByState(ctx, models.ReviewStatePending, models.ReviewStateProcessing)
	if err != nil {
		return res, fmt.Errorf("list open reviews: %w", err)
	}
	res.Considered = len(reviews)

	for _, r := range reviews {
		if o.pool.InFlight(r.ID) {
			continue
		}
		if now.Sub(r.CreatedAt) >= o.cfg.MaxDuration {
			err := o.store.TransitionReview(ctx, r.ID, models.ReviewStateFailed, store.Transition{ErrorMessage: MsgTimeout})
			if err != nil && !errors.Is(err, models.ErrInvalidTransition) {
				return res, fmt.Errorf("time out review %s: %w", r.ID, err)
			}
			if err == nil {
				res.TimedOut++
				metrics.ReviewsFinished.WithLabelValues(string(models.ReviewStateFailed)).Inc()
			}
			continue
		}
		if o.pool.Enqueue(r.ID) {
			res.Requeued++
		} else {
			res.QueueFull++
		}
	}
	if res.Considered > 0 {
		o.log.Info("recovered open reviews", "requeued", res.Requeued, "timed_out", res.TimedOut, "queue_full", res.QueueFull)
	}
	return res, nil
}

// Sweeper runs Sweep on a fixed interval.
type Sweeper struct {
	o         *Orchestrator
	scheduler gocron.Scheduler
	log       *slog.Logger

	mu      sync.Mutex
	started bool
}

// NewSweeper registers the sweep job. It does not run until Start.
func NewSweeper(o *Orchestrator, log *slog.Logger) (*Sweeper, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	s := &Sweeper{o: o, scheduler: scheduler, log: logging.WithComponent(log, "sweeper")}

	_, err = scheduler.NewJob(
		gocron.DurationJob(o.cfg.SweepInterval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), o.cfg.SweepInterval)
			defer cancel()
			res, err := o.Sweep(ctx)
			if err != nil {
				s.log.Error("sweep failed", "error", err)
				return
			}
			if res.TimedOut > 0 || res.Requeued > 0 || res.QueueFull > 0 {
				s.log.Info("sweep finished", "timed_out", res.TimedOut, "requeued", res.Requeued, "queue_full", res.QueueFull)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("review-sweep"),
	)
	if err != nil {
		return nil, fmt.Errorf("register sweep job: %w", err)
	}
	return s, nil
}

// Start begins running the sweep job.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.scheduler.Start()
	s.started = true
	s.log.Info("sweeper started", "interval", s.o.cfg.SweepInterval)
}

// Stop shuts the scheduler down, waiting for a running sweep to finish.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false
	return s.scheduler.Shutdown()
}
