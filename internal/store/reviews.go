package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joescharf/critique/internal/models"
)

// --- Reviews ---

// CreateReview inserts a new review in the pending state holding a reserved quota slot.
// The slot is tagged with the subscription's current billing period.
func (s *SQLiteStore) CreateReview(ctx context.Context, r *models.Review) error {
	if r.ID == "" {
		r.ID = newULID()
	}
	now := time.Now().UTC()
	r.State = models.ReviewStatePending
	r.Quota = models.QuotaReserved
	r.CreatedAt = now
	r.UpdatedAt = now

	focusJSON, err := json.Marshal(r.FocusAreas)
	if err != nil {
		return fmt.Errorf("encode focus areas: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reviews (id, user_id, repo_name, repo_full_name, state, context, focus_areas, quota, quota_period,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, COALESCE((SELECT period FROM subscriptions WHERE user_id = ?), ''), ?, ?)`,
		r.ID, r.UserID, r.RepoName, r.RepoFullName, string(r.State), r.Context, string(focusJSON),
		string(r.Quota), r.UserID, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		if isForeignKeyErr(err) {
			return fmt.Errorf("user %w: %s", ErrNotFound, r.UserID)
		}
		return fmt.Errorf("create review: %w", err)
	}
	return nil
}

const reviewColumns = `id, user_id, repo_name, repo_full_name, state, context, focus_areas, feedback,
	score_security, score_quality, score_architecture, score_overall, error_message, quota, attempts,
	created_at, updated_at, completed_at`

func scanReview(row interface{ Scan(...any) error }) (*models.Review, error) {
	r := &models.Review{}
	var (
		state, quota, focusJSON          string
		feedbackJSON, errMsg             sql.NullString
		security, quality, arch, overall sql.NullInt64
		completedAt                      sql.NullTime
	)
	err := row.Scan(&r.ID, &r.UserID, &r.RepoName, &r.RepoFullName, &state, &r.Context, &focusJSON, &feedbackJSON,
		&security, &quality, &arch, &overall, &errMsg, &quota, &r.Attempts,
		&r.CreatedAt, &r.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	r.State = models.ReviewState(state)
	r.Quota = models.QuotaState(quota)
	if err := json.Unmarshal([]byte(focusJSON), &r.FocusAreas); err != nil {
		return nil, fmt.Errorf("decode focus areas of review %s: %w", r.ID, err)
	}
	if feedbackJSON.Valid {
		if err := json.Unmarshal([]byte(feedbackJSON.String), &r.Feedback); err != nil {
			return nil, fmt.Errorf("decode feedback of review %s: %w", r.ID, err)
		}
	}
	if overall.Valid {
		r.Scores = &models.Scores{
			Security:     int(security.Int64),
			Quality:      int(quality.Int64),
			Architecture: int(arch.Int64),
			Overall:      int(overall.Int64),
		}
	}
	r.ErrorMessage = errMsg.String
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	return r, nil
}

func (s *SQLiteStore) GetReview(ctx context.Context, id string) (*models.Review, error) {
	r, err := scanReview(s.db.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("review %w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get review: %w", err)
	}
	return r, nil
}

// ListReviewsByUser returns a user's reviews, most recent first. limit <= 0 means no limit.
func (s *SQLiteStore) ListReviewsByUser(ctx context.Context, userID string, limit int) ([]*models.Review, error) {
	query := `SELECT ` + reviewColumns + ` FROM reviews WHERE user_id = ? ORDER BY created_at DESC, id DESC`
	args := []any{userID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryReviews(ctx, query, args...)
}

// ListReviewsByState returns reviews in any of the given states, oldest first.
func (s *SQLiteStore) ListReviewsByState(ctx context.Context, states ...models.ReviewState) ([]*models.Review, error) {
	if len(states) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(states))
	args := make([]any, len(states))
	for i, st := range states {
		placeholders[i] = "?"
		args[i] = string(st)
	}
	query := `SELECT ` + reviewColumns + ` FROM reviews WHERE state IN (` + strings.Join(placeholders, ",") + `) ORDER BY created_at, id`
	return s.queryReviews(ctx, query, args...)
}

// ListStaleReviews returns non-terminal reviews created before the cutoff.
func (s *SQLiteStore) ListStaleReviews(ctx context.Context, createdBefore time.Time) ([]*models.Review, error) {
	open, err := s.ListReviewsByState(ctx, models.ReviewStatePending, models.ReviewStateProcessing)
	if err != nil {
		return nil, err
	}
	var stale []*models.Review
	for _, r := range open {
		if r.CreatedAt.Before(createdBefore) {
			stale = append(stale, r)
		}
	}
	return stale, nil
}

func (s *SQLiteStore) queryReviews(ctx context.Context, query string, args ...any) ([]*models.Review, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var reviews []*models.Review
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		reviews = append(reviews, r)
	}
	return reviews, rows.Err()
}

// TransitionReview moves a review to a new state and writes the matching payload.
//
// The update is conditional on the state read inside the same transaction, so
// terminal states are never overwritten. Completing a review commits its quota
// slot; failing it releases the slot back to the subscription. Both happen in
// the transition's transaction and only while the slot is still reserved.
func (s *SQLiteStore) TransitionReview(ctx context.Context, id string, to models.ReviewState, t Transition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var from, quota, quotaPeriod, userID string
	err = tx.QueryRowContext(ctx,
		`SELECT state, quota, quota_period, user_id FROM reviews WHERE id = ?`, id,
	).Scan(&from, &quota, &quotaPeriod, &userID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("review %w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("read review state: %w", err)
	}
	if err := models.CheckTransition(models.ReviewState(from), to); err != nil {
		return err
	}

	now := time.Now().UTC()
	var res sql.Result
	switch to {
	case models.ReviewStateProcessing:
		res, err = tx.ExecContext(ctx,
			`UPDATE reviews SET state = ?, attempts = attempts + 1, updated_at = ? WHERE id = ? AND state = ?`,
			string(to), now, id, from)

	case models.ReviewStateCompleted:
		if t.Scores == nil || t.ErrorMessage != "" {
			return fmt.Errorf("%w: completed review needs scores and no error", models.ErrInvalidTransition)
		}
		feedbackJSON, jerr := json.Marshal(t.Feedback)
		if jerr != nil {
			return fmt.Errorf("encode feedback: %w", jerr)
		}
		res, err = tx.ExecContext(ctx,
			`UPDATE reviews SET state = ?, feedback = ?, score_security = ?, score_quality = ?,
				score_architecture = ?, score_overall = ?, error_message = NULL,
				quota = CASE WHEN quota = 'reserved' THEN 'committed' ELSE quota END,
				updated_at = ?, completed_at = ?
			WHERE id = ? AND state = ?`,
			string(to), string(feedbackJSON), t.Scores.Security, t.Scores.Quality,
			t.Scores.Architecture, t.Scores.Overall, now, now, id, from)

	case models.ReviewStateFailed:
		msg := t.ErrorMessage
		if msg == "" {
			msg = "Review failed"
		}
		res, err = tx.ExecContext(ctx,
			`UPDATE reviews SET state = ?, error_message = ?, feedback = NULL, score_security = NULL,
				score_quality = NULL, score_architecture = NULL, score_overall = NULL,
				quota = CASE WHEN quota = 'reserved' THEN 'released' ELSE quota END,
				updated_at = ?, completed_at = ?
			WHERE id = ? AND state = ?`,
			string(to), msg, now, now, id, from)

	default:
		return fmt.Errorf("%w: unknown state %q", models.ErrInvalidTransition, to)
	}
	if err != nil {
		return fmt.Errorf("transition review: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s changed concurrently", models.ErrInvalidTransition, id)
	}

	if to == models.ReviewStateFailed && models.QuotaState(quota) == models.QuotaReserved {
		if err := releaseSlot(ctx, tx, userID, quotaPeriod); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

// DeleteReview removes a finished review owned by userID.
func (s *SQLiteStore) DeleteReview(ctx context.Context, id, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM reviews WHERE id = ? AND user_id = ? AND state IN ('completed', 'failed')`, id, userID)
	if err != nil {
		return fmt.Errorf("delete review: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	r, err := s.GetReview(ctx, id)
	if err != nil {
		return err
	}
	if r.UserID != userID {
		return fmt.Errorf("review %w: %s", ErrNotFound, id)
	}
	return fmt.Errorf("%w: review %s is still %s", models.ErrInvalidTransition, id, r.State)
}

// UserStats aggregates a user's reviews. Reviews created at or after since count toward the period.
func (s *SQLiteStore) UserStats(ctx context.Context, userID string, since time.Time) (*models.UserStats, error) {
	reviews, err := s.ListReviewsByUser(ctx, userID, 0)
	if err != nil {
		return nil, err
	}

	stats := &models.UserStats{TotalReviews: len(reviews)}
	var sumOverall, sumSec, sumQual, sumArch int
	for _, r := range reviews {
		if !r.CreatedAt.Before(since) {
			stats.ReviewsThisPeriod++
		}
		switch r.State {
		case models.ReviewStateCompleted:
			stats.Completed++
			if r.Scores != nil {
				sumOverall += r.Scores.Overall
				sumSec += r.Scores.Security
				sumQual += r.Scores.Quality
				sumArch += r.Scores.Architecture
			}
		case models.ReviewStateFailed:
			stats.Failed++
		}
	}
	if stats.Completed > 0 {
		n := float64(stats.Completed)
		stats.AvgOverall = float64(sumOverall) / n
		stats.AvgSecurity = float64(sumSec) / n
		stats.AvgQuality = float64(sumQual) / n
		stats.AvgArchitecture = float64(sumArch) / n
	}
	return stats, nil
}
