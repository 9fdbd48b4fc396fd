package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tetherhq/tether/internal/api/auth"
	"github.com/tetherhq/tether/internal/delivery"
	"github.com/tetherhq/tether/internal/engagement"
	"github.com/tetherhq/tether/internal/oracle"
)

// defaultHistoryLimit is used when the history call omits limit.
const defaultHistoryLimit = 50

type scheduleEngagementRequest struct {
	UserID       string `json:"userId"`
	ChatID       string `json:"chatId"`
	CharacterID  string `json:"characterId"`
	Message      string `json:"message"`
	ScheduledFor string `json:"scheduledFor"`
}

// scheduleEngagement handles POST /engagements/schedule. The caller picks
// the moment; the scheduler does the rest.
func (s *Server) scheduleEngagement(c echo.Context) error {
	var req scheduleEngagementRequest
	if err := c.Bind(&req); err != nil {
		return respondCode(c, http.StatusBadRequest, "invalid_request", "malformed request body")
	}
	if err := requireSelf(c, req.UserID); err != nil {
		return respondError(c, err)
	}

	scheduledFor, err := time.Parse(time.RFC3339, req.ScheduledFor)
	if err != nil {
		return respondCode(c, http.StatusBadRequest, "invalid_request", "scheduledFor must be an RFC 3339 timestamp")
	}

	// User-scheduled messages carry full confidence; there is no oracle
	// guessing involved.
	e, err := engagement.New(req.UserID, req.ChatID, req.CharacterID,
		req.Message, engagement.TriggerUserScheduled, 1, scheduledFor)
	if err != nil {
		return respondError(c, err)
	}

	if err := s.deps.Engagements.Create(c.Request().Context(), e); err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusCreated, map[string]string{"engagementId": e.ID})
}

// listPendingEngagements handles GET /engagements/pending?userId=.
func (s *Server) listPendingEngagements(c echo.Context) error {
	userID := c.QueryParam("userId")
	if err := requireSelf(c, userID); err != nil {
		return respondError(c, err)
	}

	engagements, err := s.deps.Engagements.ListPending(c.Request().Context(), userID)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{"engagements": engagements})
}

// listEngagementHistory handles GET /engagements/history?userId=&limit=.
func (s *Server) listEngagementHistory(c echo.Context) error {
	userID := c.QueryParam("userId")
	if err := requireSelf(c, userID); err != nil {
		return respondError(c, err)
	}

	limit := defaultHistoryLimit
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return respondCode(c, http.StatusBadRequest, "invalid_request", "limit must be an integer")
		}
		limit = parsed
	}

	engagements, err := s.deps.Engagements.ListHistory(c.Request().Context(), userID, limit)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{"engagements": engagements})
}

// cancelEngagement handles DELETE /engagements/:engagementId?userId=.
func (s *Server) cancelEngagement(c echo.Context) error {
	userID := c.QueryParam("userId")
	if err := requireSelf(c, userID); err != nil {
		return respondError(c, err)
	}

	id := c.Param("engagementId")
	if err := s.deps.Engagements.Cancel(c.Request().Context(), id, userID); err != nil {
		return respondError(c, err)
	}

	return c.NoContent(http.StatusNoContent)
}

type evaluateEngagementRequest struct {
	UserID          string           `json:"userId"`
	SessionID       string           `json:"sessionId"`
	PersonalityID   string           `json:"personalityId"`
	PersonalityName string           `json:"personalityName"`
	RecentMessages  []oracle.Message `json:"recentMessages"`
}

// evaluateEngagement handles POST /engagements/evaluate: ask the oracle
// whether the character should reach out, then act on its decision. The
// response says only what happened to the decision, never why the oracle
// made it.
func (s *Server) evaluateEngagement(c echo.Context) error {
	var req evaluateEngagementRequest
	if err := c.Bind(&req); err != nil {
		return respondCode(c, http.StatusBadRequest, "invalid_request", "malformed request body")
	}
	if err := requireSelf(c, req.UserID); err != nil {
		return respondError(c, err)
	}
	if req.SessionID == "" || req.PersonalityID == "" {
		return respondCode(c, http.StatusBadRequest, "invalid_request", "sessionId and personalityId are required")
	}

	if s.deps.Decider == nil {
		return respondError(c, oracle.ErrUnavailable)
	}

	ctx := c.Request().Context()
	lastUser := time.Time{}
	for _, m := range req.RecentMessages {
		if m.Role == "user" && m.SentAt.After(lastUser) {
			lastUser = m.SentAt
		}
	}

	decision, err := s.deps.Decider.DecideEngagement(ctx, oracle.EngagementContext{
		UserID:          req.UserID,
		SessionID:       req.SessionID,
		PersonalityID:   req.PersonalityID,
		PersonalityName: req.PersonalityName,
		RecentMessages:  req.RecentMessages,
		LastUserMessage: lastUser,
	})
	if err != nil {
		return respondError(c, err)
	}

	result, err := s.deps.Coordinator.ProcessDecision(ctx, delivery.Target{
		UserID:        req.UserID,
		SessionID:     req.SessionID,
		PersonalityID: req.PersonalityID,
	}, decision)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, result)
}

// requireSelf rejects requests that name a userId other than the one the
// bearer token was issued for. It never writes the response; callers
// return the error through respondError so a rejection both stops the
// handler and reaches the wire exactly once.
func requireSelf(c echo.Context, userID string) error {
	if userID == "" {
		return errMissingUserID
	}
	if userID != auth.UserID(c) {
		return errUserMismatch
	}
	return nil
}
