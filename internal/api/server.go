// Package api exposes the engagement and commitment surface over HTTP.
// Handlers stay thin: decode, enforce that callers act as themselves,
// call the domain layer, and translate its sentinel errors to the wire.
package api

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/tetherhq/tether/internal/api/auth"
	"github.com/tetherhq/tether/internal/commitment"
	"github.com/tetherhq/tether/internal/connection"
	"github.com/tetherhq/tether/internal/delivery"
	"github.com/tetherhq/tether/internal/engagement"
	"github.com/tetherhq/tether/internal/oracle"
)

// EngagementStore is the slice of the engagement store the handlers use.
type EngagementStore interface {
	Create(ctx context.Context, e *engagement.Engagement) error
	Cancel(ctx context.Context, id, userID string) error
	ListPending(ctx context.Context, userID string) ([]*engagement.Engagement, error)
	ListHistory(ctx context.Context, userID string, limit int) ([]*engagement.Engagement, error)
}

// CommitmentService is the slice of the commitment service the handlers use.
type CommitmentService interface {
	Create(ctx context.Context, p commitment.CreateParams) (*commitment.Commitment, error)
	Get(ctx context.Context, id, userID string) (*commitment.Commitment, error)
	List(ctx context.Context, userID string, status commitment.Status) ([]*commitment.Commitment, error)
	Submit(ctx context.Context, id, userID, content string) (*commitment.Commitment, error)
	Cancel(ctx context.Context, id, userID string) error
}

// DecisionProcessor feeds oracle decisions into delivery.
type DecisionProcessor interface {
	ProcessDecision(ctx context.Context, target delivery.Target, d delivery.Decision) (*delivery.Result, error)
}

// Deps carries everything the server serves.
type Deps struct {
	Engagements EngagementStore
	Commitments CommitmentService
	Coordinator DecisionProcessor
	Decider     oracle.EngagementOracle // nil when no oracle is configured
	Gateway     *connection.Gateway
	Tokens      *auth.TokenService
}

// Server represents the API server
type Server struct {
	echo *echo.Echo
	deps Deps
}

// NewServer creates a new API server
func NewServer(deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	server := &Server{
		echo: e,
		deps: deps,
	}

	// Setup routes
	server.setupRoutes()

	return server
}

// setupRoutes configures all API endpoints
func (s *Server) setupRoutes() {
	// Health check endpoint
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status": "healthy",
		})
	})

	// API v1 group
	v1 := s.echo.Group("/api/v1", auth.RequireAuth(s.deps.Tokens))

	// Engagement endpoints
	v1.POST("/engagements/schedule", s.scheduleEngagement)
	v1.GET("/engagements/pending", s.listPendingEngagements)
	v1.GET("/engagements/history", s.listEngagementHistory)
	v1.DELETE("/engagements/:engagementId", s.cancelEngagement)
	v1.POST("/engagements/evaluate", s.evaluateEngagement)

	// Commitment endpoints
	v1.POST("/commitments", s.createCommitment)
	v1.GET("/commitments", s.listCommitments)
	v1.GET("/commitments/:commitmentId", s.getCommitment)
	v1.POST("/commitments/:commitmentId/submit", s.submitCommitment)
	v1.DELETE("/commitments/:commitmentId", s.cancelCommitment)

	// Push connection
	v1.GET("/ws", s.handleWS)
}

// Start begins serving on addr and blocks until the listener stops.
func (s *Server) Start(addr string) error {
	err := s.echo.Start(addr)
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
