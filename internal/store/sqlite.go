package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/critique/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection serializes every statement, which is what makes the
	// quota compare-and-increment and the review transitions single-writer.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// newULID returns a monotonic ULID, so ids created in the same millisecond still sort by creation.
func newULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Users ---

func (s *SQLiteStore) CreateUser(ctx context.Context, u *models.User) error {
	if u.ID == "" {
		u.ID = newULID()
	}
	now := time.Now().UTC()
	u.CreatedAt = now
	u.LastSeenAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, github_id, login, access_token, created_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.GitHubID, u.Login, u.AccessToken, u.CreatedAt, u.LastSeenAt,
	)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

const userColumns = `id, github_id, login, access_token, created_at, last_seen_at`

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	u := &models.User{}
	err := row.Scan(&u.ID, &u.GitHubID, &u.Login, &u.AccessToken, &u.CreatedAt, &u.LastSeenAt)
	return u, err
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *SQLiteStore) GetUserByGitHubID(ctx context.Context, githubID int64) (*models.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE github_id = ?`, githubID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %w: github id %d", ErrNotFound, githubID)
	}
	if err != nil {
		return nil, fmt.Errorf("get user by github id: %w", err)
	}
	return u, nil
}

func (s *SQLiteStore) ListUsers(ctx context.Context) ([]*models.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY login`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []*models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *SQLiteStore) UpdateUserToken(ctx context.Context, id, accessToken string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET access_token = ?, last_seen_at = ? WHERE id = ?`,
		accessToken, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update user token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *SQLiteStore) TouchUser(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET last_seen_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("touch user: %w", err)
	}
	return nil
}

// --- Subscriptions ---

// EnsureSubscription provisions a subscription for the user if none exists.
func (s *SQLiteStore) EnsureSubscription(ctx context.Context, userID string, tier models.Tier, limit int, period string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (user_id, tier, reviews_used, reviews_limit, period, updated_at)
		VALUES (?, ?, 0, ?, ?, ?)
		ON CONFLICT(user_id) DO NOTHING`,
		userID, string(tier), limit, period, time.Now().UTC())
	if err != nil {
		if isForeignKeyErr(err) {
			return fmt.Errorf("user %w: %s", ErrNotFound, userID)
		}
		return fmt.Errorf("ensure subscription: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	sub := &models.Subscription{}
	var tier, period string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, tier, reviews_used, reviews_limit, period FROM subscriptions WHERE user_id = ?`, userID,
	).Scan(&sub.UserID, &tier, &sub.ReviewsUsed, &sub.ReviewsLimit, &period)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("subscription %w: %s", ErrNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	sub.Tier = models.Tier(tier)
	if start, err := time.Parse(PeriodLayout, period); err == nil {
		sub.PeriodStart, sub.PeriodEnd = models.BillingPeriod(start)
	}
	return sub, nil
}

// PeriodLayout formats the billing period key stored on a subscription.
const PeriodLayout = "2006-01"

// RolloverSubscription resets usage when the stored period differs from period.
// Concurrent callers reset at most once per period.
func (s *SQLiteStore) RolloverSubscription(ctx context.Context, userID, period string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET reviews_used = 0, reviews_over = 0, period = ?, updated_at = ?
		WHERE user_id = ? AND period <> ?`,
		period, time.Now().UTC(), userID, period)
	if err != nil {
		return fmt.Errorf("rollover subscription: %w", err)
	}
	return nil
}

// ReserveReview atomically takes one review slot. It reports false when the
// subscription is already at its limit.
func (s *SQLiteStore) ReserveReview(ctx context.Context, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET reviews_used = reviews_used + 1, updated_at = ?
		WHERE user_id = ? AND reviews_used < reviews_limit`,
		time.Now().UTC(), userID)
	if err != nil {
		return false, fmt.Errorf("reserve review: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reserve review: %w", err)
	}
	return n == 1, nil
}

// ReleaseReview gives back one slot reserved in the current billing period.
func (s *SQLiteStore) ReleaseReview(ctx context.Context, userID string) error {
	return releaseSlot(ctx, s.db, userID, "")
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// releaseSlot gives a slot back while the subscription is still in period.
// An empty period means the current one. Usage absorbed by a downgrade clamp
// is drained before reviews_used.
func releaseSlot(ctx context.Context, db execer, userID, period string) error {
	_, err := db.ExecContext(ctx,
		`UPDATE subscriptions SET
			reviews_used = CASE WHEN reviews_over > 0 THEN reviews_used ELSE reviews_used - 1 END,
			reviews_over = CASE WHEN reviews_over > 0 THEN reviews_over - 1 ELSE 0 END,
			updated_at = ?
		WHERE user_id = ? AND (reviews_used > 0 OR reviews_over > 0) AND (? = '' OR period = ?)`,
		time.Now().UTC(), userID, period, period)
	if err != nil {
		return fmt.Errorf("release review: %w", err)
	}
	return nil
}

// SetSubscriptionTier changes a user's tier. Usage is clamped to the new limit;
// the clamped remainder is kept in reviews_over so in-flight reservations are
// not counted twice and a later upgrade restores it.
func (s *SQLiteStore) SetSubscriptionTier(ctx context.Context, userID string, tier models.Tier, limit int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET tier = ?, reviews_limit = ?,
			reviews_used = MIN(reviews_used + reviews_over, ?),
			reviews_over = reviews_used + reviews_over - MIN(reviews_used + reviews_over, ?),
			updated_at = ?
		WHERE user_id = ?`,
		string(tier), limit, limit, limit, time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("set subscription tier: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("subscription %w: %s", ErrNotFound, userID)
	}
	return nil
}

func isForeignKeyErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
