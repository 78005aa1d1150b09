package models

import "time"

// User is an identity bound to a GitHub account.
type User struct {
	ID          string    `json:"id"`
	GitHubID    int64     `json:"github_id"`
	Login       string    `json:"login"`
	AccessToken string    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// UserStats aggregates a user's review history.
type UserStats struct {
	TotalReviews      int     `json:"total_reviews"`
	ReviewsThisPeriod int     `json:"reviews_this_period"`
	Completed         int     `json:"completed"`
	Failed            int     `json:"failed"`
	AvgOverall        float64 `json:"avg_overall"`
	AvgSecurity       float64 `json:"avg_security"`
	AvgQuality        float64 `json:"avg_quality"`
	AvgArchitecture   float64 `json:"avg_architecture"`
}
