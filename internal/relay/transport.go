package relay

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

var ErrTransportClosed = errors.New("transport closed")

// Transport is a live, already-established connection to a machine.
type Transport interface {
	IsOpen() bool
	Send(frame []byte) error
}

// WSTransport adapts a gorilla WebSocket connection to Transport. Writes are
// serialised; the first failed write closes the connection.
type WSTransport struct {
	conn *websocket.Conn

	mu        sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

func NewWSTransport(conn *websocket.Conn) *WSTransport {
	return &WSTransport{conn: conn}
}

func (t *WSTransport) IsOpen() bool { return !t.closed.Load() }

func (t *WSTransport) Send(frame []byte) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.closeLocked()
		return err
	}
	return nil
}

// Close marks the transport closed and closes the underlying connection.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeLocked()
}

func (t *WSTransport) closeLocked() error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		err = t.conn.Close()
	})
	return err
}
