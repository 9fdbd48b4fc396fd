package api

import (
	"github.com/labstack/echo/v4"

	"github.com/tetherhq/tether/internal/api/auth"
)

// handleWS handles GET /ws: upgrades to a WebSocket and parks the
// connection in the registry until the client goes away. Auth already
// ran, so the user behind the socket is known.
func (s *Server) handleWS(c echo.Context) error {
	// Gateway.Handle blocks for the lifetime of the connection. Upgrade
	// failures already wrote their response, so there is nothing useful
	// to return to echo either way.
	_ = s.deps.Gateway.Handle(c.Response(), c.Request(), auth.UserID(c))
	return nil
}
