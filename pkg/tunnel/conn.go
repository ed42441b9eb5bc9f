package tunnel

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"kbnet/pkg/identity"
)

// ByteCounter observes traffic on a Conn.
type ByteCounter interface {
	BytesIn(n int)
	BytesOut(n int)
}

// Conn wraps a WebSocket with envelope framing. Writes are serialized; reads must
// come from a single goroutine.
type Conn struct {
	ws       *websocket.Conn
	id       *identity.Identity
	counter  ByteCounter
	wmu      sync.Mutex
	closeMu  sync.Once
	closeErr error
}

// NewConn wraps ws. counter may be nil.
func NewConn(ws *websocket.Conn, id *identity.Identity, counter ByteCounter) *Conn {
	return &Conn{ws: ws, id: id, counter: counter}
}

// Send seals and writes msg. withKey attaches the sender's public key.
func (c *Conn) Send(msg Message, withKey bool) error {
	env, err := Seal(c.id, msg, withKey)
	if err != nil {
		return err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("%w: write: %v", ErrTransport, err)
	}
	if c.counter != nil {
		c.counter.BytesOut(len(b))
	}
	return nil
}

// Receive reads the next envelope.
func (c *Conn) Receive() (Envelope, error) {
	_, b, err := c.ws.ReadMessage()
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: read: %v", ErrTransport, err)
	}
	if c.counter != nil {
		c.counter.BytesIn(len(b))
	}
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: decode envelope: %v", ErrProtocol, err)
	}
	return env, nil
}

// Close closes the socket once.
func (c *Conn) Close() error {
	c.closeMu.Do(func() {
		c.wmu.Lock()
		_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.wmu.Unlock()
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
