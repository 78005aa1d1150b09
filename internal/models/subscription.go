package models

import "time"

// Tier is a subscription level.
type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
	TierTeam Tier = "team"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierPro, TierTeam:
		return true
	}
	return false
}

// Subscription tracks a user's review allowance for the current billing period.
type Subscription struct {
	UserID       string    `json:"user_id"`
	Tier         Tier      `json:"tier"`
	ReviewsUsed  int       `json:"reviews_used"`
	ReviewsLimit int       `json:"reviews_limit"`
	PeriodStart  time.Time `json:"period_start"`
	PeriodEnd    time.Time `json:"period_end"`
}

// Remaining returns the unused reviews in the current period.
func (s *Subscription) Remaining() int {
	if n := s.ReviewsLimit - s.ReviewsUsed; n > 0 {
		return n
	}
	return 0
}

// BillingPeriod returns the calendar month (UTC) containing t.
func BillingPeriod(t time.Time) (start, end time.Time) {
	t = t.UTC()
	start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}
