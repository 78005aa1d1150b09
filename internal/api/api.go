package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/joescharf/critique/internal/auth"
	"github.com/joescharf/critique/internal/github"
	"github.com/joescharf/critique/internal/logging"
	"github.com/joescharf/critique/internal/metrics"
	"github.com/joescharf/critique/internal/models"
	"github.com/joescharf/critique/internal/quota"
	"github.com/joescharf/critique/internal/review"
	"github.com/joescharf/critique/internal/store"
	"github.com/joescharf/critique/internal/upstream"
)

const maxBodyBytes = 64 << 10

// RepoLister lists the repositories a GitHub token can see.
type RepoLister interface {
	ListRepositories(ctx context.Context, accessToken string) ([]github.Repository, error)
}

// Config holds HTTP surface settings.
type Config struct {
	AllowedOrigin string
	SubmitRate    float64 // submissions per second per client IP
	SubmitBurst   int
}

// Server provides the REST API handlers.
type Server struct {
	store   store.Store
	reviews *review.Orchestrator
	repos   RepoLister
	tokens  *auth.Service
	cfg     Config
	limiter *ipLimiter
	log     *slog.Logger
}

// NewServer creates a new API server.
func NewServer(s store.Store, o *review.Orchestrator, repos RepoLister, tokens *auth.Service, cfg Config, log *slog.Logger) *Server {
	if cfg.AllowedOrigin == "" {
		cfg.AllowedOrigin = "*"
	}
	return &Server{
		store:   s,
		reviews: o,
		repos:   repos,
		tokens:  tokens,
		cfg:     cfg,
		limiter: newIPLimiter(cfg.SubmitRate, cfg.SubmitBurst),
		log:     logging.WithComponent(log, "api"),
	}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/reviews", s.authed(s.submitReview))
	mux.HandleFunc("GET /api/v1/reviews", s.authed(s.listReviews))
	mux.HandleFunc("GET /api/v1/reviews/{id}", s.authed(s.getReview))
	mux.HandleFunc("DELETE /api/v1/reviews/{id}", s.authed(s.deleteReview))

	mux.HandleFunc("GET /api/v1/me", s.authed(s.me))
	mux.HandleFunc("GET /api/v1/stats", s.authed(s.stats))
	mux.HandleFunc("GET /api/v1/repositories", s.authed(s.listRepositories))

	mux.HandleFunc("GET /healthz", s.healthz)
	mux.Handle("GET /metrics", metrics.Handler())

	return s.corsMiddleware(metrics.Instrument(mux))
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.cfg.AllowedOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type authedHandler func(w http.ResponseWriter, r *http.Request, userID string)

// authed verifies the bearer token and passes the caller's user ID on.
func (s *Server) authed(h authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok, ok := auth.BearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := s.tokens.Verify(tok)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		if err := s.store.TouchUser(r.Context(), claims.Subject); err != nil {
			s.log.Debug("touch user", "user_id", claims.Subject, "error", err)
		}
		h(w, r.WithContext(auth.WithUserID(r.Context(), claims.Subject)), claims.Subject)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps domain errors onto HTTP statuses. Unexpected errors
// are logged and reported without detail.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, review.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, quota.ErrQuotaExceeded):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, quota.ErrUserNotFound), errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, models.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "review is still in progress")
	default:
		if ue, ok := upstream.As(err); ok {
			status := http.StatusBadGateway
			if ue.Transient {
				status = http.StatusServiceUnavailable
			}
			writeError(w, status, ue.Service+" request failed ("+string(ue.Kind)+")")
			return
		}
		userID, _ := auth.UserID(r.Context())
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// --- Reviews ---

type submitResponse struct {
	ID    string             `json:"id"`
	State models.ReviewState `json:"state"`
}

func (s *Server) submitReview(w http.ResponseWriter, r *http.Request, userID string) {
	if !s.limiter.Allow(clientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "too many submissions, slow down")
		return
	}

	var req review.SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rv, err := s.reviews.Submit(r.Context(), userID, req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{ID: rv.ID, State: rv.State})
}

func (s *Server) listReviews(w http.ResponseWriter, r *http.Request, userID string) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	list, err := s.reviews.List(r.Context(), userID, limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []*models.Review{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getReview(w http.ResponseWriter, r *http.Request, userID string) {
	rv, err := s.reviews.Get(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rv)
}

func (s *Server) deleteReview(w http.ResponseWriter, r *http.Request, userID string) {
	if err := s.reviews.Delete(r.Context(), userID, r.PathValue("id")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Account ---

// me returns the caller's profile. The GitHub token never leaves the server.
func (s *Server) me(w http.ResponseWriter, r *http.Request, userID string) {
	u, err := s.store.GetUser(r.Context(), userID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request, userID string) {
	st, err := s.reviews.Stats(r.Context(), userID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) listRepositories(w http.ResponseWriter, r *http.Request, userID string) {
	u, err := s.store.GetUser(r.Context(), userID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	repos, err := s.repos.ListRepositories(r.Context(), u.AccessToken)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if repos == nil {
		repos = []github.Repository{}
	}
	writeJSON(w, http.StatusOK, repos)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "database": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Rate limiting ---

// ipLimiter hands out one token bucket per client IP.
type ipLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*ipEntry
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const limiterIdle = 10 * time.Minute

func newIPLimiter(perSecond float64, burst int) *ipLimiter {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 5
	}
	return &ipLimiter{limit: rate.Limit(perSecond), burst: burst, limiters: make(map[string]*ipEntry)}
}

func (l *ipLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	e, ok := l.limiters[ip]
	if !ok {
		if len(l.limiters) > 1024 {
			for k, v := range l.limiters {
				if now.Sub(v.lastSeen) > limiterIdle {
					delete(l.limiters, k)
				}
			}
		}
		e = &ipEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[ip] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
