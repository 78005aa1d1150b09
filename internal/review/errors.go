package review

import (
	"context"
	"errors"

	"github.com/joescharf/critique/internal/github"
	"github.com/joescharf/critique/internal/llm"
	"github.com/joescharf/critique/internal/upstream"
)

var (
	// ErrValidation wraps every rejected submission field.
	ErrValidation = errors.New("validation failed")
	// ErrPipelineTimeout means the review outlived its maximum duration.
	ErrPipelineTimeout = errors.New("review pipeline timed out")
)

// Failure messages stored on failed reviews.
const (
	MsgTimeout       = "Timeout"
	MsgInternalError = "Internal error while processing review"
	MsgReviewFailed  = "Review failed"
)

// failureMessage turns a pipeline error into the text shown to the user.
// Upstream detail stays in the logs.
func failureMessage(repo string, err error) string {
	if errors.Is(err, ErrPipelineTimeout) {
		return MsgTimeout
	}

	ue, ok := upstream.As(err)
	if !ok {
		if errors.Is(err, context.DeadlineExceeded) {
			return MsgTimeout
		}
		return MsgReviewFailed
	}

	switch ue.Service {
	case github.Service:
		switch ue.Kind {
		case upstream.KindNotFound, upstream.KindAccessDenied:
			return "Repository not found or access denied: " + repo
		case upstream.KindEmpty:
			return "Repository has no reviewable files: " + repo
		case upstream.KindRateLimited:
			return "GitHub rate limit exceeded, try again later"
		case upstream.KindTimeout:
			return "Repository fetch timed out"
		case upstream.KindUnavailable:
			return "GitHub is unavailable, try again later"
		default:
			return "Failed to fetch repository: " + repo
		}
	case llm.Service:
		switch ue.Kind {
		case upstream.KindTimeout:
			return "Analysis timed out"
		case upstream.KindRateLimited:
			return "Analysis service is busy, try again later"
		case upstream.KindUnavailable:
			return "Analysis service is unavailable, try again later"
		case upstream.KindInvalidResponse:
			return "Analysis returned an unreadable response"
		default:
			return "Analysis request was rejected"
		}
	}
	return MsgReviewFailed
}
