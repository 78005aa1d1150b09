// Package quota enforces per-user monthly review allowances.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/joescharf/critique/internal/models"
	"github.com/joescharf/critique/internal/store"
)

var (
	// ErrQuotaExceeded means the user has no review slots left this period.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrUserNotFound means no user exists for the id, so no subscription can be provisioned.
	ErrUserNotFound = errors.New("user not found")
)

// Store is the subset of store.Store the ledger needs.
type Store interface {
	EnsureSubscription(ctx context.Context, userID string, tier models.Tier, limit int, period string) error
	GetSubscription(ctx context.Context, userID string) (*models.Subscription, error)
	RolloverSubscription(ctx context.Context, userID, period string) error
	ReserveReview(ctx context.Context, userID string) (bool, error)
	ReleaseReview(ctx context.Context, userID string) error
	SetSubscriptionTier(ctx context.Context, userID string, tier models.Tier, limit int) error
}

// Limits maps each tier to its reviews per billing period.
type Limits map[models.Tier]int

// DefaultLimits returns tier limits, reading from viper when available.
func DefaultLimits() Limits {
	limits := Limits{models.TierFree: 2, models.TierPro: 50, models.TierTeam: 200}
	for tier := range limits {
		if n := viper.GetInt("quota." + string(tier)); n > 0 {
			limits[tier] = n
		}
	}
	return limits
}

// For returns the limit for tier, falling back to the free limit.
func (l Limits) For(tier models.Tier) int {
	if n, ok := l[tier]; ok {
		return n
	}
	return l[models.TierFree]
}

// Ledger reserves review slots at submission time. The reservation is the
// storage layer's conditional increment, so concurrent submissions by the
// same user can never push usage past the limit.
type Ledger struct {
	store  Store
	limits Limits
	now    func() time.Time
}

// NewLedger creates a ledger backed by s.
func NewLedger(s Store, limits Limits) *Ledger {
	return &Ledger{store: s, limits: limits, now: time.Now}
}

// provision makes sure the user has a subscription for the current period.
func (l *Ledger) provision(ctx context.Context, userID string) error {
	period := l.now().UTC().Format(store.PeriodLayout)
	err := l.store.EnsureSubscription(ctx, userID, models.TierFree, l.limits.For(models.TierFree), period)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	if err != nil {
		return err
	}
	return l.store.RolloverSubscription(ctx, userID, period)
}

// CheckAndReserve takes one review slot for the user or denies with ErrQuotaExceeded.
// The returned subscription reflects usage after the attempt.
func (l *Ledger) CheckAndReserve(ctx context.Context, userID string) (*models.Subscription, error) {
	if err := l.provision(ctx, userID); err != nil {
		return nil, err
	}

	ok, err := l.store.ReserveReview(ctx, userID)
	if err != nil {
		return nil, err
	}
	sub, err := l.store.GetSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return sub, fmt.Errorf("%w: %d of %d %s reviews used this period",
			ErrQuotaExceeded, sub.ReviewsUsed, sub.ReviewsLimit, sub.Tier)
	}
	return sub, nil
}

// Release returns a reserved slot that never became a review record.
// Slots held by a review are settled by the review's terminal transition.
func (l *Ledger) Release(ctx context.Context, userID string) error {
	return l.store.ReleaseReview(ctx, userID)
}

// Usage returns the user's subscription for the current period.
func (l *Ledger) Usage(ctx context.Context, userID string) (*models.Subscription, error) {
	if err := l.provision(ctx, userID); err != nil {
		return nil, err
	}
	return l.store.GetSubscription(ctx, userID)
}

// SetTier moves the user to tier with its configured limit.
func (l *Ledger) SetTier(ctx context.Context, userID string, tier models.Tier) error {
	if !tier.Valid() {
		return fmt.Errorf("unknown tier %q", tier)
	}
	if err := l.provision(ctx, userID); err != nil {
		return err
	}
	return l.store.SetSubscriptionTier(ctx, userID, tier, l.limits.For(tier))
}
