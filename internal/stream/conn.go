package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Close codes sent to viewers.
const (
	CloseNormal          = websocket.CloseNormalClosure
	ClosePolicyViolation = websocket.ClosePolicyViolation
	CloseInternalError   = websocket.CloseInternalServerErr
)

// ErrConnClosed is returned by Conn.WriteMessage once the viewer is gone.
var ErrConnClosed = errors.New("viewer connection closed")

// Conn is the outbound side of a viewer connection.
type Conn interface {
	// WriteMessage sends one text frame. Writes are serialized.
	WriteMessage(ctx context.Context, payload []byte) error
	// Closed is closed when the viewer hangs up or the connection breaks.
	Closed() <-chan struct{}
	// Close sends a close frame with code and reason and releases the
	// connection. Calls after the first are no-ops.
	Close(code int, reason string) error
}

const (
	DefaultWriteTimeout = 10 * time.Second
	DefaultPongWait     = 60 * time.Second

	maxInboundMessage = 4096
)

// WebSocketOptions tunes a WebSocketConn.
type WebSocketOptions struct {
	WriteTimeout time.Duration
	PongWait     time.Duration
}

// WebSocketConn adapts a gorilla connection. Inbound frames are read and
// discarded so that control frames and the viewer's close are noticed.
type WebSocketConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	pongWait     time.Duration

	writeMu   sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
	shutOnce  sync.Once
	stop      chan struct{}
}

// NewWebSocketConn takes ownership of ws and starts its read and ping loops.
func NewWebSocketConn(ws *websocket.Conn, opts WebSocketOptions) *WebSocketConn {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.PongWait <= 0 {
		opts.PongWait = DefaultPongWait
	}

	c := &WebSocketConn{
		ws:           ws,
		writeTimeout: opts.WriteTimeout,
		pongWait:     opts.PongWait,
		closed:       make(chan struct{}),
		stop:         make(chan struct{}),
	}

	ws.SetReadLimit(maxInboundMessage)
	_ = ws.SetReadDeadline(time.Now().Add(c.pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	go c.readLoop()
	go c.pingLoop()
	return c
}

func (c *WebSocketConn) readLoop() {
	defer c.markClosed()
	for {
		if _, _, err := c.ws.NextReader(); err != nil {
			return
		}
	}
}

func (c *WebSocketConn) pingLoop() {
	ticker := time.NewTicker(c.pongWait * 9 / 10)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-c.closed:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.writeTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.markClosed()
				return
			}
		}
	}
}

func (c *WebSocketConn) markClosed() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *WebSocketConn) Closed() <-chan struct{} {
	return c.closed
}

func (c *WebSocketConn) WriteMessage(ctx context.Context, payload []byte) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetWriteDeadline(deadline)

	// A failed write leaves a gorilla connection unusable.
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.markClosed()
		return fmt.Errorf("%w: %v", ErrConnClosed, err)
	}
	return nil
}

func (c *WebSocketConn) Close(code int, reason string) error {
	var err error
	c.shutOnce.Do(func() {
		close(c.stop)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
		err = c.ws.Close()
		c.markClosed()
	})
	return err
}
