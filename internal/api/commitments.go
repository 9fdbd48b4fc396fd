package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tetherhq/tether/internal/commitment"
)

type createCommitmentRequest struct {
	UserID      string `json:"userId"`
	ChatID      string `json:"chatId"`
	CharacterID string `json:"characterId"`
	Description string `json:"description"`
	Type        string `json:"type"`
	DueAt       string `json:"dueAt"`
}

// createCommitment handles POST /commitments.
func (s *Server) createCommitment(c echo.Context) error {
	var req createCommitmentRequest
	if err := c.Bind(&req); err != nil {
		return respondCode(c, http.StatusBadRequest, "invalid_request", "malformed request body")
	}
	if err := requireSelf(c, req.UserID); err != nil {
		return respondError(c, err)
	}

	var dueAt *time.Time
	if req.DueAt != "" {
		parsed, err := time.Parse(time.RFC3339, req.DueAt)
		if err != nil {
			return respondCode(c, http.StatusBadRequest, "invalid_request", "dueAt must be an RFC 3339 timestamp")
		}
		dueAt = &parsed
	}

	created, err := s.deps.Commitments.Create(c.Request().Context(), commitment.CreateParams{
		UserID:      req.UserID,
		ChatID:      req.ChatID,
		CharacterID: req.CharacterID,
		Description: req.Description,
		Type:        req.Type,
		DueAt:       dueAt,
	})
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusCreated, created)
}

// listCommitments handles GET /commitments?userId=&status=.
func (s *Server) listCommitments(c echo.Context) error {
	userID := c.QueryParam("userId")
	if err := requireSelf(c, userID); err != nil {
		return respondError(c, err)
	}

	status := commitment.Status(c.QueryParam("status"))
	if status != "" && !validCommitmentStatus(status) {
		return respondCode(c, http.StatusBadRequest, "invalid_request", "unknown status filter")
	}

	commitments, err := s.deps.Commitments.List(c.Request().Context(), userID, status)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{"commitments": commitments})
}

// getCommitment handles GET /commitments/:commitmentId?userId=.
func (s *Server) getCommitment(c echo.Context) error {
	userID := c.QueryParam("userId")
	if err := requireSelf(c, userID); err != nil {
		return respondError(c, err)
	}

	found, err := s.deps.Commitments.Get(c.Request().Context(), c.Param("commitmentId"), userID)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, found)
}

type submitCommitmentRequest struct {
	UserID  string `json:"userId"`
	Content string `json:"content"`
}

// submitCommitment handles POST /commitments/:commitmentId/submit.
// Verification happens asynchronously, so the success status is 202: the
// submission is durable but the verdict comes later.
func (s *Server) submitCommitment(c echo.Context) error {
	var req submitCommitmentRequest
	if err := c.Bind(&req); err != nil {
		return respondCode(c, http.StatusBadRequest, "invalid_request", "malformed request body")
	}
	if err := requireSelf(c, req.UserID); err != nil {
		return respondError(c, err)
	}

	submitted, err := s.deps.Commitments.Submit(c.Request().Context(), c.Param("commitmentId"), req.UserID, req.Content)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusAccepted, submitted)
}

// cancelCommitment handles DELETE /commitments/:commitmentId?userId=.
func (s *Server) cancelCommitment(c echo.Context) error {
	userID := c.QueryParam("userId")
	if err := requireSelf(c, userID); err != nil {
		return respondError(c, err)
	}

	if err := s.deps.Commitments.Cancel(c.Request().Context(), c.Param("commitmentId"), userID); err != nil {
		return respondError(c, err)
	}

	return c.NoContent(http.StatusNoContent)
}

func validCommitmentStatus(s commitment.Status) bool {
	switch s {
	case commitment.StatusActive, commitment.StatusSubmitted, commitment.StatusCompleted,
		commitment.StatusRejected, commitment.StatusNotVerifiable,
		commitment.StatusNeedsRevision, commitment.StatusCancelled:
		return true
	}
	return false
}
