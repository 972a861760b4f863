package channel

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/carapace-sec/carapace/pkg/types"
)

// WSChannel adapts a WebSocket connection to the Channel interface.
// gorilla/websocket allows one concurrent writer, so sends serialise
// behind a mutex; reads stay single-reader by contract.
type WSChannel struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// NewWS wraps an upgraded WebSocket connection.
func NewWS(conn *websocket.Conn) *WSChannel {
	return &WSChannel{
		conn:   conn,
		closed: make(chan struct{}),
	}
}

// Send writes one message as JSON.
func (c *WSChannel) Send(msg types.WireMessage) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(msg); err != nil {
		return err
	}
	return nil
}

// Receive reads the next message. A read error (including the peer
// closing) surfaces as ErrClosed after tearing the connection down.
func (c *WSChannel) Receive() (types.WireMessage, error) {
	var msg types.WireMessage
	if err := c.conn.ReadJSON(&msg); err != nil {
		c.Close()
		return types.WireMessage{}, ErrClosed
	}
	return msg, nil
}

// Close tears down the connection. Idempotent.
func (c *WSChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
