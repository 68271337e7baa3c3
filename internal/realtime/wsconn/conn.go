// Package wsconn wraps a websocket with a buffered, single-writer send path.
package wsconn

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 128
)

var (
	// ErrClosed is returned when sending on a closed connection
	ErrClosed = errors.New("connection closed")
	// ErrBufferFull is returned when a slow client let the send buffer fill up
	ErrBufferFull = errors.New("connection buffer exceeded")
)

// Conn is one viewer's websocket. Writes go through a single goroutine so
// Send is safe for concurrent use.
type Conn struct {
	ID       string
	ViewerID string

	ws     *websocket.Conn
	send   chan []byte
	once   sync.Once
	closed chan struct{}
	done   chan struct{}
}

// New wraps ws for viewerID
func New(viewerID string, ws *websocket.Conn) *Conn {
	return &Conn{
		ID:       uuid.NewString(),
		ViewerID: viewerID,
		ws:       ws,
		send:     make(chan []byte, sendBuffer),
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the write loop. Call it once.
func (c *Conn) Start() {
	go c.writeLoop()
}

// Send enqueues payload for delivery. A full buffer closes the connection.
func (c *Conn) Send(payload []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	select {
	case <-c.closed:
		return ErrClosed
	case c.send <- payload:
		return nil
	default:
		c.Close(websocket.CloseGoingAway, "send buffer full")
		return ErrBufferFull
	}
}

// SendJSON encodes v and enqueues it
func (c *Conn) SendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	return c.Send(payload)
}

// Closed is closed once the connection is closed
func (c *Conn) Closed() <-chan struct{} {
	return c.closed
}

// Close sends a close frame and tears the socket down. Safe to call repeatedly.
func (c *Conn) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.closed)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

// Wait blocks until the write loop has exited
func (c *Conn) Wait() {
	<-c.done
}

func (c *Conn) writeLoop() {
	defer close(c.done)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (c *Conn) write(messageType int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, payload)
}
