package store

import (
	"context"
	"errors"
	"time"

	"github.com/joescharf/critique/internal/models"
)

// ErrNotFound is wrapped by every lookup that matches no row.
var ErrNotFound = errors.New("not found")

// Transition carries the payload written alongside a review state change.
// Feedback and Scores apply to completed, ErrorMessage to failed.
type Transition struct {
	Feedback     []models.FeedbackItem
	Scores       *models.Scores
	ErrorMessage string
}

// Store defines the persistence interface for critique.
type Store interface {
	// Users
	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByGitHubID(ctx context.Context, githubID int64) (*models.User, error)
	ListUsers(ctx context.Context) ([]*models.User, error)
	UpdateUserToken(ctx context.Context, id, accessToken string) error
	TouchUser(ctx context.Context, id string) error

	// Subscriptions
	EnsureSubscription(ctx context.Context, userID string, tier models.Tier, limit int, period string) error
	GetSubscription(ctx context.Context, userID string) (*models.Subscription, error)
	RolloverSubscription(ctx context.Context, userID, period string) error
	ReserveReview(ctx context.Context, userID string) (bool, error)
	ReleaseReview(ctx context.Context, userID string) error
	SetSubscriptionTier(ctx context.Context, userID string, tier models.Tier, limit int) error

	// Reviews
	CreateReview(ctx context.Context, r *models.Review) error
	GetReview(ctx context.Context, id string) (*models.Review, error)
	ListReviewsByUser(ctx context.Context, userID string, limit int) ([]*models.Review, error)
	ListReviewsByState(ctx context.Context, states ...models.ReviewState) ([]*models.Review, error)
	ListStaleReviews(ctx context.Context, createdBefore time.Time) ([]*models.Review, error)
	TransitionReview(ctx context.Context, id string, to models.ReviewState, t Transition) error
	DeleteReview(ctx context.Context, id, userID string) error
	UserStats(ctx context.Context, userID string, since time.Time) (*models.UserStats, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
