package connection

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultPongTimeout  = 60 * time.Second

	// pingInterval must be shorter than the pong timeout or healthy
	// connections get reaped.
	pingInterval = 25 * time.Second
)

// Gateway upgrades HTTP requests to WebSocket connections and parks them
// in the registry for the delivery pipeline to push to.
type Gateway struct {
	registry     *Registry
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	pongTimeout  time.Duration
}

// NewGateway creates a gateway over the given registry.
func NewGateway(registry *Registry) *Gateway {
	return &Gateway{
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The bearer token is checked before the upgrade; origin
			// enforcement belongs to the deployment's proxy.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		writeTimeout: defaultWriteTimeout,
		pongTimeout:  defaultPongTimeout,
	}
}

// Handle upgrades the request and blocks until the connection closes. The
// caller has already authenticated the user.
func (g *Gateway) Handle(w http.ResponseWriter, r *http.Request, userID string) error {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return err
	}

	conn := &wsConn{ws: ws, writeTimeout: g.writeTimeout}
	g.registry.Register(userID, conn)
	log.Info().Str("user_id", userID).Int("connected", g.registry.Count()).Msg("push connection opened")

	done := make(chan struct{})
	go g.pingLoop(conn, done)
	g.readLoop(ws)
	close(done)

	g.registry.Unregister(userID, conn)
	conn.Close()
	log.Info().Str("user_id", userID).Int("connected", g.registry.Count()).Msg("push connection closed")

	return nil
}

// readLoop discards client frames until the connection dies. Clients do
// not speak on this channel; reading is only for close and pong handling.
func (g *Gateway) readLoop(ws *websocket.Conn) {
	ws.SetReadLimit(4096)
	ws.SetReadDeadline(time.Now().Add(g.pongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(g.pongTimeout))
	})

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (g *Gateway) pingLoop(conn *wsConn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// wsConn wraps a gorilla connection with a write mutex and deadline so one
// stuck client cannot wedge a delivery tick, and concurrent pushes do not
// interleave frames.
type wsConn struct {
	mu           sync.Mutex
	ws           *websocket.Conn
	writeTimeout time.Duration
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(websocket.PingMessage, nil)
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}
