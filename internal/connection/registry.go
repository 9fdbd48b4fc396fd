// Package connection tracks which users currently hold a live push
// connection and owns the WebSocket transport behind it.
package connection

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Sentinel errors for push attempts.
var (
	ErrNotConnected = errors.New("user has no active connection")
	ErrSendFailed   = errors.New("failed to push to connection")
)

// Conn is a single push-capable handle to a user's device.
type Conn interface {
	WriteMessage(data []byte) error
	Close() error
}

// Registry maps user ids to their single active connection. Last write
// wins: a user connecting from a second device displaces the first, whose
// handle is closed. Delivery code holds the registry as an interface and
// never reaches the transport directly.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]Conn)}
}

// Register installs conn as the user's active connection, closing any
// previous one.
func (r *Registry) Register(userID string, conn Conn) {
	r.mu.Lock()
	old := r.conns[userID]
	r.conns[userID] = conn
	r.mu.Unlock()

	if old != nil && old != conn {
		old.Close()
		log.Debug().Str("user_id", userID).Msg("displaced previous connection")
	}
}

// Unregister removes conn if it is still the user's registered handle. A
// displaced connection unregistering late must not kick out its
// replacement.
func (r *Registry) Unregister(userID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conns[userID] == conn {
		delete(r.conns, userID)
	}
}

// IsConnected reports whether the user has an active connection.
func (r *Registry) IsConnected(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[userID]
	return ok
}

// Count returns the number of connected users.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Send marshals payload and writes it to the user's connection. The handle
// is snapshotted under the read lock and written outside it, so a slow
// client never blocks the registry. A write failure drops the dead handle.
func (r *Registry) Send(userID string, payload interface{}) error {
	r.mu.RLock()
	conn, ok := r.conns[userID]
	r.mu.RUnlock()

	if !ok {
		return ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal push payload: %w", err)
	}

	if err := conn.WriteMessage(data); err != nil {
		r.Unregister(userID, conn)
		conn.Close()
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	return nil
}
