package connection

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu       sync.Mutex
	written  [][]byte
	writeErr error
	closed   bool
}

func (f *fakeConn) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, data)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestRegistryRegisterAndSend(t *testing.T) {
	r := NewRegistry()
	conn := &fakeConn{}

	assert.False(t, r.IsConnected("user-1"))
	assert.Equal(t, 0, r.Count())

	r.Register("user-1", conn)
	assert.True(t, r.IsConnected("user-1"))
	assert.Equal(t, 1, r.Count())

	err := r.Send("user-1", map[string]string{"hello": "there"})
	require.NoError(t, err)
	require.Len(t, conn.written, 1)

	var got map[string]string
	require.NoError(t, json.Unmarshal(conn.written[0], &got))
	assert.Equal(t, "there", got["hello"])
}

func TestRegistrySendNotConnected(t *testing.T) {
	r := NewRegistry()
	err := r.Send("ghost", map[string]string{})
	assert.ErrorIs(t, err, ErrNotConnected)
}

// Last write wins: a second device displaces the first, and the displaced
// handle is closed.
func TestRegistryLatestConnectionWins(t *testing.T) {
	r := NewRegistry()
	first := &fakeConn{}
	second := &fakeConn{}

	r.Register("user-1", first)
	r.Register("user-1", second)

	assert.True(t, first.isClosed())
	assert.False(t, second.isClosed())
	assert.Equal(t, 1, r.Count())

	require.NoError(t, r.Send("user-1", "ping"))
	assert.Empty(t, first.written)
	assert.Len(t, second.written, 1)
}

// A displaced connection unregistering late must not kick out its
// replacement.
func TestRegistryUnregisterStaleHandle(t *testing.T) {
	r := NewRegistry()
	first := &fakeConn{}
	second := &fakeConn{}

	r.Register("user-1", first)
	r.Register("user-1", second)

	r.Unregister("user-1", first)
	assert.True(t, r.IsConnected("user-1"), "stale unregister must not remove the replacement")

	r.Unregister("user-1", second)
	assert.False(t, r.IsConnected("user-1"))
}

func TestRegistrySendFailureDropsConnection(t *testing.T) {
	r := NewRegistry()
	conn := &fakeConn{writeErr: errors.New("broken pipe")}
	r.Register("user-1", conn)

	err := r.Send("user-1", "payload")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSendFailed)

	assert.False(t, r.IsConnected("user-1"), "dead connection should be dropped")
	assert.True(t, conn.isClosed())
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn := &fakeConn{}
			r.Register("user-1", conn)
			r.Send("user-1", "hello")
			r.IsConnected("user-1")
			r.Unregister("user-1", conn)
		}()
	}
	wg.Wait()

	assert.False(t, r.IsConnected("user-1"))
}
