package models

import (
	"errors"
	"fmt"
	"time"
)

// ReviewState is the lifecycle state of a review.
type ReviewState string

const (
	ReviewStatePending    ReviewState = "pending"
	ReviewStateProcessing ReviewState = "processing"
	ReviewStateCompleted  ReviewState = "completed"
	ReviewStateFailed     ReviewState = "failed"
)

// Terminal reports whether no further transitions are permitted from s.
func (s ReviewState) Terminal() bool {
	return s == ReviewStateCompleted || s == ReviewStateFailed
}

// Valid reports whether s is a known state.
func (s ReviewState) Valid() bool {
	switch s {
	case ReviewStatePending, ReviewStateProcessing, ReviewStateCompleted, ReviewStateFailed:
		return true
	}
	return false
}

// ErrInvalidTransition is returned when a state change would violate the review state machine.
var ErrInvalidTransition = errors.New("invalid review transition")

// CanTransition reports whether a review may move from one state to another.
// pending may go to processing or straight to failed (timeout before pickup);
// processing may go to either terminal state; terminal states are final.
func CanTransition(from, to ReviewState) bool {
	switch from {
	case ReviewStatePending:
		return to == ReviewStateProcessing || to == ReviewStateFailed
	case ReviewStateProcessing:
		return to == ReviewStateCompleted || to == ReviewStateFailed
	}
	return false
}

// CheckTransition is CanTransition returning a wrapped ErrInvalidTransition.
func CheckTransition(from, to ReviewState) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// QuotaState tracks what happened to the quota slot reserved at submission.
type QuotaState string

const (
	QuotaReserved  QuotaState = "reserved"
	QuotaCommitted QuotaState = "committed"
	QuotaReleased  QuotaState = "released"
)

// FocusArea is a user-selected review emphasis.
type FocusArea string

const (
	FocusSecurity     FocusArea = "security"
	FocusQuality      FocusArea = "quality"
	FocusArchitecture FocusArea = "architecture"
	FocusPerformance  FocusArea = "performance"
	FocusTesting      FocusArea = "testing"
)

// DefaultFocusAreas applies when a submission names none.
var DefaultFocusAreas = []FocusArea{FocusSecurity, FocusQuality, FocusArchitecture}

// Valid reports whether f is a known focus area.
func (f FocusArea) Valid() bool {
	switch f {
	case FocusSecurity, FocusQuality, FocusArchitecture, FocusPerformance, FocusTesting:
		return true
	}
	return false
}

// FindingCategory groups findings into the scored dimensions.
type FindingCategory string

const (
	CategorySecurity     FindingCategory = "security"
	CategoryQuality      FindingCategory = "quality"
	CategoryArchitecture FindingCategory = "architecture"
)

// Severity ranks how urgent a finding is.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// FeedbackItem is a single review finding.
type FeedbackItem struct {
	Category    FindingCategory `json:"category"`
	Severity    Severity        `json:"severity"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	FilePath    string          `json:"file_path,omitempty"`
	LineNumber  int             `json:"line_number,omitempty"`
	CodeSnippet string          `json:"code_snippet,omitempty"`
	Suggestion  string          `json:"suggestion,omitempty"`
	Reasoning   string          `json:"reasoning,omitempty"`
}

// Scores summarizes a review on a 0-100 scale per dimension.
type Scores struct {
	Security     int `json:"security"`
	Quality      int `json:"quality"`
	Architecture int `json:"architecture"`
	Overall      int `json:"overall"`
}

// Review is one user-submitted repository review and its lifecycle record.
type Review struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	RepoName     string         `json:"repo_name"`
	RepoFullName string         `json:"repo_full_name"`
	State        ReviewState    `json:"state"`
	Context      string         `json:"context,omitempty"`
	FocusAreas   []FocusArea    `json:"focus_areas"`
	Feedback     []FeedbackItem `json:"feedback,omitempty"`
	Scores       *Scores        `json:"scores,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Quota        QuotaState     `json:"-"`
	Attempts     int            `json:"attempts"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}
