package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/tetherhq/tether/internal/commitment"
	"github.com/tetherhq/tether/internal/engagement"
	"github.com/tetherhq/tether/internal/oracle"
)

// Sentinels for the userId guard every authenticated request carries.
// They exist so requireSelf can fail without writing the response itself;
// respondError turns them into the wire envelope exactly once.
var (
	errMissingUserID = errors.New("userId is required")
	errUserMismatch  = errors.New("token was not issued for this userId")
)

// errorBody is the stable wire shape for failures. Clients switch on
// Code; Message is for humans and logs.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func respondCode(c echo.Context, status int, code, message string) error {
	return c.JSON(status, errorResponse{Error: errorBody{Code: code, Message: message}})
}

// respondError maps domain sentinel errors to the wire. Ownership
// failures come back as not_found so the API never confirms that a
// resource exists for someone else.
func respondError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, errMissingUserID):
		return respondCode(c, http.StatusBadRequest, "invalid_request", err.Error())

	case errors.Is(err, errUserMismatch):
		return respondCode(c, http.StatusUnauthorized, "unauthorized", err.Error())

	case errors.Is(err, engagement.ErrInvalid) || errors.Is(err, commitment.ErrInvalid):
		return respondCode(c, http.StatusBadRequest, "invalid_request", err.Error())

	case errors.Is(err, engagement.ErrNotFound) || errors.Is(err, engagement.ErrNotOwned) ||
		errors.Is(err, commitment.ErrNotFound) || errors.Is(err, commitment.ErrNotOwned):
		return respondCode(c, http.StatusNotFound, "not_found", "resource not found")

	case errors.Is(err, engagement.ErrNotCancellable):
		return respondCode(c, http.StatusConflict, "not_pending", "engagement is not pending")

	case errors.Is(err, commitment.ErrInvalidState):
		return respondCode(c, http.StatusConflict, "conflict", err.Error())

	case errors.Is(err, oracle.ErrUnavailable):
		return respondCode(c, http.StatusServiceUnavailable, "oracle_unavailable", "no engagement oracle is configured")

	default:
		log.Error().Err(err).Str("path", c.Request().URL.Path).Msg("request failed")
		return respondCode(c, http.StatusInternalServerError, "internal", "internal error")
	}
}
