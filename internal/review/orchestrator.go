// Package review runs the review request lifecycle: submission under quota,
// asynchronous processing by a worker pool, and recovery of stalled reviews.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sethvargo/go-retry"

	"github.com/joescharf/critique/internal/github"
	"github.com/joescharf/critique/internal/llm"
	"github.com/joescharf/critique/internal/logging"
	"github.com/joescharf/critique/internal/metrics"
	"github.com/joescharf/critique/internal/models"
	"github.com/joescharf/critique/internal/quota"
	"github.com/joescharf/critique/internal/store"
	"github.com/joescharf/critique/internal/upstream"
)

// Fetcher retrieves a repository snapshot.
type Fetcher interface {
	Fetch(ctx context.Context, accessToken, repoFullName string) (*github.Snapshot, error)
}

// Analyzer turns a snapshot into feedback and scores.
type Analyzer interface {
	Analyze(ctx context.Context, snap *github.Snapshot, userContext string, focus []models.FocusArea) (*llm.Result, error)
}

// SubmitRequest is a user's request to review one repository.
type SubmitRequest struct {
	RepoFullName string             `json:"repo_full_name" validate:"required,max=140,repo"`
	Context      string             `json:"context" validate:"max=2000"`
	FocusAreas   []models.FocusArea `json:"focus_areas" validate:"max=5,unique,dive,focus"`
}

var repoPattern = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9-]{0,38})/[A-Za-z0-9._-]{1,100}$`)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("repo", func(fl validator.FieldLevel) bool {
		return repoPattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("focus", func(fl validator.FieldLevel) bool {
		return models.FocusArea(fl.Field().String()).Valid()
	})
	return v
}

// Orchestrator owns submission and processing of reviews.
type Orchestrator struct {
	store    store.Store
	ledger   *quota.Ledger
	fetcher  Fetcher
	analyzer Analyzer
	cfg      Config
	log      *slog.Logger
	validate *validator.Validate
	pool     *Pool
	now      func() time.Time
}

// New creates an orchestrator and its worker pool.
func New(s store.Store, ledger *quota.Ledger, f Fetcher, a Analyzer, cfg Config, log *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		store:    s,
		ledger:   ledger,
		fetcher:  f,
		analyzer: a,
		cfg:      cfg,
		log:      logging.WithComponent(log, "review"),
		validate: newValidator(),
		now:      time.Now,
	}
	o.pool = NewPool(o.Process, o.failPanicked, cfg.Workers, cfg.QueueSize, logging.WithComponent(log, "worker"))
	return o
}

// Start launches the worker pool.
func (o *Orchestrator) Start(ctx context.Context) { o.pool.Start(ctx) }

// Stop cancels in-flight work and waits for workers. Interrupted reviews stay
// non-terminal and are picked up by RecoverOnStart.
func (o *Orchestrator) Stop() { o.pool.Stop() }

// Submit validates req, reserves a quota slot, records the review and queues it.
// It returns the pending review without waiting for processing.
func (o *Orchestrator) Submit(ctx context.Context, userID string, req SubmitRequest) (*models.Review, error) {
	if err := o.validate.Struct(&req); err != nil {
		metrics.ReviewsSubmitted.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	focus := req.FocusAreas
	if len(focus) == 0 {
		focus = models.DefaultFocusAreas
	}

	if _, err := o.ledger.CheckAndReserve(ctx, userID); err != nil {
		if errors.Is(err, quota.ErrQuotaExceeded) {
			metrics.ReviewsSubmitted.WithLabelValues("quota_exceeded").Inc()
		}
		return nil, err
	}

	r := &models.Review{
		UserID:       userID,
		RepoName:     repoName(req.RepoFullName),
		RepoFullName: req.RepoFullName,
		Context:      req.Context,
		FocusAreas:   focus,
	}
	if err := o.store.CreateReview(ctx, r); err != nil {
		if rerr := o.ledger.Release(context.WithoutCancel(ctx), userID); rerr != nil {
			o.log.Error("release quota after failed create", "user_id", userID, "error", rerr)
		}
		return nil, fmt.Errorf("create review: %w", err)
	}
	metrics.ReviewsSubmitted.WithLabelValues("accepted").Inc()

	if !o.pool.Enqueue(r.ID) {
		o.log.Warn("queue full, review left for sweep", "review_id", r.ID)
	}
	o.log.Info("review submitted", "review_id", r.ID, "user_id", userID, "repo", r.RepoFullName)
	return r, nil
}

// Process runs one review to a terminal state. Calling it for a terminal
// review does nothing, and a review already processing is resumed.
func (o *Orchestrator) Process(ctx context.Context, id string) error {
	r, err := o.store.GetReview(ctx, id)
	if err != nil {
		return fmt.Errorf("load review: %w", err)
	}
	if r.State.Terminal() {
		return nil
	}
	log := o.log.With("review_id", r.ID, "repo", r.RepoFullName)

	if r.State == models.ReviewStatePending {
		err := o.store.TransitionReview(ctx, id, models.ReviewStateProcessing, store.Transition{})
		if errors.Is(err, models.ErrInvalidTransition) {
			log.Debug("review moved on before processing started")
			return nil
		}
		if err != nil {
			return fmt.Errorf("start review: %w", err)
		}
	}

	runCtx, cancel := context.WithDeadline(ctx, r.CreatedAt.Add(o.cfg.MaxDuration))
	defer cancel()

	res, err := o.run(runCtx, r)
	if err != nil && ctx.Err() != nil {
		// Shutdown or abandoned by the sweep; whoever cancelled owns the outcome.
		log.Info("review interrupted", "error", err)
		return nil
	}

	// The run context may be spent; the final write must still land.
	wctx, wcancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer wcancel()

	if err != nil {
		if runCtx.Err() != nil {
			err = fmt.Errorf("%w: %v", ErrPipelineTimeout, err)
		}
		msg := failureMessage(r.RepoFullName, err)
		log.Warn("review failed", "message", msg, "error", err)
		return o.finish(wctx, r, models.ReviewStateFailed, store.Transition{ErrorMessage: msg})
	}

	log.Info("review completed", "findings", len(res.Feedback), "overall", res.Scores.Overall)
	return o.finish(wctx, r, models.ReviewStateCompleted, store.Transition{Feedback: res.Feedback, Scores: &res.Scores})
}

// run fetches and analyzes with retries.
func (o *Orchestrator) run(ctx context.Context, r *models.Review) (*llm.Result, error) {
	user, err := o.store.GetUser(ctx, r.UserID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}

	var snap *github.Snapshot
	err = o.withRetry(ctx, github.Service, func(ctx context.Context) error {
		var ferr error
		snap, ferr = o.fetcher.Fetch(ctx, user.AccessToken, r.RepoFullName)
		return ferr
	})
	if err != nil {
		return nil, err
	}
	if snap.Truncated {
		o.log.Warn("repository tree truncated by GitHub", "review_id", r.ID, "repo", r.RepoFullName, "files", len(snap.Files))
	}

	var res *llm.Result
	err = o.withRetry(ctx, llm.Service, func(ctx context.Context) error {
		var aerr error
		res, aerr = o.analyzer.Analyze(ctx, snap, r.Context, r.FocusAreas)
		return aerr
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// withRetry retries transient upstream errors with jittered exponential
// backoff, waiting at least as long as the upstream asked. When attempts run
// out the last error is returned and treated as permanent.
func (o *Orchestrator) withRetry(ctx context.Context, stage string, fn func(ctx context.Context) error) error {
	var hint time.Duration
	base := retry.NewExponential(o.cfg.BackoffInitial)
	base = retry.WithCappedDuration(o.cfg.BackoffMax, base)
	base = retry.WithJitterPercent(20, base)
	var b retry.Backoff = retry.BackoffFunc(func() (time.Duration, bool) {
		d, stop := base.Next()
		if hint > d {
			d = hint
		}
		return d, stop
	})
	attempts := o.cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	b = retry.WithMaxRetries(uint64(attempts-1), b)

	return retry.Do(ctx, b, func(ctx context.Context) error {
		start := o.now()
		err := fn(ctx)
		outcome := "ok"
		if err != nil {
			outcome = string(upstream.KindOf(err))
			if outcome == "" {
				outcome = "error"
			}
		}
		metrics.UpstreamDuration.WithLabelValues(stage, outcome).Observe(o.now().Sub(start).Seconds())

		if err == nil || !upstream.IsTransient(err) {
			return err
		}
		hint = 0
		if ue, ok := upstream.As(err); ok {
			hint = ue.RetryAfter
		}
		if dl, ok := ctx.Deadline(); ok && hint > 0 && o.now().Add(hint).After(dl) {
			return err
		}
		o.log.Debug("retrying upstream call", "stage", stage, "error", err, "retry_after", hint)
		return retry.RetryableError(err)
	})
}

func (o *Orchestrator) finish(ctx context.Context, r *models.Review, to models.ReviewState, t store.Transition) error {
	err := o.store.TransitionReview(ctx, r.ID, to, t)
	if errors.Is(err, models.ErrInvalidTransition) {
		o.log.Info("review already settled", "review_id", r.ID, "target", to)
		return nil
	}
	if err != nil {
		return fmt.Errorf("finish review: %w", err)
	}
	metrics.ReviewsFinished.WithLabelValues(string(to)).Inc()
	metrics.ReviewDuration.WithLabelValues(string(to)).Observe(o.now().Sub(r.CreatedAt).Seconds())
	return nil
}

// failPanicked settles a review whose worker panicked.
func (o *Orchestrator) failPanicked(id string, _ any) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r, err := o.store.GetReview(ctx, id)
	if err != nil {
		o.log.Error("load review after panic", "review_id", id, "error", err)
		return
	}
	if err := o.finish(ctx, r, models.ReviewStateFailed, store.Transition{ErrorMessage: MsgInternalError}); err != nil {
		o.log.Error("fail review after panic", "review_id", id, "error", err)
	}
}

// Get returns the review if userID owns it.
func (o *Orchestrator) Get(ctx context.Context, userID, id string) (*models.Review, error) {
	r, err := o.store.GetReview(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.UserID != userID {
		return nil, fmt.Errorf("review %w: %s", store.ErrNotFound, id)
	}
	return r, nil
}

// List returns the user's reviews, newest first.
func (o *Orchestrator) List(ctx context.Context, userID string, limit int) ([]*models.Review, error) {
	return o.store.ListReviewsByUser(ctx, userID, limit)
}

// Delete removes a terminal review owned by userID.
func (o *Orchestrator) Delete(ctx context.Context, userID, id string) error {
	return o.store.DeleteReview(ctx, id, userID)
}

// Stats combines quota usage with review statistics.
type Stats struct {
	Subscription *models.Subscription `json:"subscription"`
	Reviews      *models.UserStats    `json:"reviews"`
}

// Stats returns the user's usage for the current period.
func (o *Orchestrator) Stats(ctx context.Context, userID string) (*Stats, error) {
	sub, err := o.ledger.Usage(ctx, userID)
	if err != nil {
		return nil, err
	}
	since, _ := models.BillingPeriod(o.now())
	us, err := o.store.UserStats(ctx, userID, since)
	if err != nil {
		return nil, err
	}
	return &Stats{Subscription: sub, Reviews: us}, nil
}

func repoName(fullName string) string {
	for i := len(fullName) - 1; i >= 0; i-- {
		if fullName[i] == '/' {
			return fullName[i+1:]
		}
	}
	return fullName
}
