package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/critique/internal/models"
	"github.com/joescharf/critique/internal/quota"
	"github.com/joescharf/critique/internal/review"
)

// Reviews is the part of the orchestrator the tools call.
type Reviews interface {
	Submit(ctx context.Context, userID string, req review.SubmitRequest) (*models.Review, error)
	Get(ctx context.Context, userID, id string) (*models.Review, error)
	List(ctx context.Context, userID string, limit int) ([]*models.Review, error)
	Stats(ctx context.Context, userID string) (*review.Stats, error)
}

// Server exposes review operations as MCP tools on behalf of one user.
type Server struct {
	reviews Reviews
	userID  string
	version string
}

// NewServer creates the MCP server wrapper acting as userID.
func NewServer(r Reviews, userID, version string) *Server {
	if version == "" {
		version = "dev"
	}
	return &Server{reviews: r, userID: userID, version: version}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("critique", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.submitReviewTool())
	srv.AddTool(s.reviewStatusTool())
	srv.AddTool(s.listReviewsTool())
	srv.AddTool(s.quotaStatusTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	stdioServer := server.NewStdioServer(s.MCPServer())
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// submit_review
func (s *Server) submitReviewTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("submit_review",
		mcp.WithDescription("Submit a GitHub repository for AI code review. Returns the review id and its state; poll review_status for the result. Each submission uses one review from the monthly quota."),
		mcp.WithString("repo", mcp.Required(), mcp.Description("Repository as owner/name")),
		mcp.WithString("context", mcp.Description("What the reviewer should know or focus on (max 2000 characters)")),
		mcp.WithArray("focus_areas",
			mcp.Description("Any of: security, quality, architecture, performance, testing"),
			mcp.Items(map[string]any{"type": "string"}),
		),
	)
	return tool, s.handleSubmitReview
}

func (s *Server) handleSubmitReview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	repo, err := request.RequireString("repo")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var focus []models.FocusArea
	for _, f := range request.GetStringSlice("focus_areas", nil) {
		focus = append(focus, models.FocusArea(f))
	}

	r, err := s.reviews.Submit(ctx, s.userID, review.SubmitRequest{
		RepoFullName: repo,
		Context:      request.GetString("context", ""),
		FocusAreas:   focus,
	})
	if err != nil {
		if errors.Is(err, quota.ErrQuotaExceeded) {
			return mcp.NewToolResultError(err.Error() + "; upgrade the plan or wait for the next billing period"), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to submit review: %v", err)), nil
	}
	return jsonResult(map[string]any{"id": r.ID, "state": r.State})
}

// review_status
func (s *Server) reviewStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("review_status",
		mcp.WithDescription("Get a review's state and, once completed, its feedback and scores. Failed reviews carry an error message."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Review id returned by submit_review")),
	)
	return tool, s.handleReviewStatus
}

func (s *Server) handleReviewStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	r, err := s.reviews.Get(ctx, s.userID, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("review not found: %s", id)), nil
	}
	return jsonResult(r)
}

// list_reviews
func (s *Server) listReviewsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("list_reviews",
		mcp.WithDescription("List your reviews, newest first, without feedback bodies."),
		mcp.WithNumber("limit", mcp.Description("Maximum number of reviews to return (default 20)")),
	)
	return tool, s.handleListReviews
}

func (s *Server) handleListReviews(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := request.GetInt("limit", 20)
	if limit < 0 {
		limit = 20
	}
	list, err := s.reviews.List(ctx, s.userID, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list reviews: %v", err)), nil
	}

	type reviewOut struct {
		ID           string             `json:"id"`
		Repo         string             `json:"repo"`
		State        models.ReviewState `json:"state"`
		Overall      *int               `json:"overall,omitempty"`
		ErrorMessage string             `json:"error_message,omitempty"`
		CreatedAt    string             `json:"created_at"`
	}
	out := make([]reviewOut, len(list))
	for i, r := range list {
		out[i] = reviewOut{
			ID:           r.ID,
			Repo:         r.RepoFullName,
			State:        r.State,
			ErrorMessage: r.ErrorMessage,
			CreatedAt:    r.CreatedAt.Format(time.RFC3339),
		}
		if r.Scores != nil {
			overall := r.Scores.Overall
			out[i].Overall = &overall
		}
	}
	return jsonResult(out)
}

// quota_status
func (s *Server) quotaStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("quota_status",
		mcp.WithDescription("Show the current plan, reviews used and remaining this billing period, and average scores."),
	)
	return tool, s.handleQuotaStatus
}

func (s *Server) handleQuotaStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := s.reviews.Stats(ctx, s.userID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load quota: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"tier":          st.Subscription.Tier,
		"reviews_used":  st.Subscription.ReviewsUsed,
		"reviews_limit": st.Subscription.ReviewsLimit,
		"remaining":     st.Subscription.Remaining(),
		"period_end":    st.Subscription.PeriodEnd,
		"stats":         st.Reviews,
	})
}
