package progress

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coral-mesh/traceme/internal/capture"
)

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
	wsPingEvery = wsPongWait * 9 / 10
)

// Message is one WebSocket progress event.
type Message struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	Source string `json:"source,omitempty"`
	URL    string `json:"url,omitempty"`
}

// Message types.
const (
	TypeStatus   = "status"
	TypeLog      = "log"
	TypeNote     = "note"
	TypeRedirect = "redirect"
	TypeFailed   = "failed"
)

// Upgrader is shared by WebSocket progress endpoints.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// WSChannel delivers progress as JSON messages over a WebSocket.
type WSChannel struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelCauseFunc
	closed bool
	done   chan struct{}
}

var _ Channel = (*WSChannel)(nil)

// NewWSChannel upgrades r. On failure the upgrader has already replied.
func NewWSChannel(w http.ResponseWriter, r *http.Request) (*WSChannel, error) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade websocket: %w", err)
	}
	ctx, cancel := context.WithCancelCause(r.Context())
	c := &WSChannel{conn: conn, ctx: ctx, cancel: cancel, done: make(chan struct{})}

	go c.readPump()
	go c.pingLoop()
	return c, nil
}

// readPump discards client messages and detects disconnect.
func (c *WSChannel) readPump() {
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.cancel(ErrClientGone)
			return
		}
	}
}

func (c *WSChannel) pingLoop() {
	t := time.NewTicker(wsPingEvery)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-c.ctx.Done():
			return
		case <-t.C:
			c.mu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			c.mu.Unlock()
			if err != nil {
				c.cancel(ErrClientGone)
				return
			}
		}
	}
}

func (c *WSChannel) send(m Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}
	if c.ctx.Err() != nil {
		return fmt.Errorf("%w: %w", context.Canceled, ErrClientGone)
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := c.conn.WriteJSON(m); err != nil {
		c.cancel(ErrClientGone)
		return fmt.Errorf("%w: %w: %w", context.Canceled, ErrClientGone, err)
	}
	return nil
}

// Status implements capture.Reporter.
func (c *WSChannel) Status(text string) error {
	return c.send(Message{Type: TypeStatus, Text: text})
}

// Log implements capture.Reporter.
func (c *WSChannel) Log(line capture.LogLine) error {
	return c.send(Message{Type: TypeLog, Text: line.Text, Source: line.Source.String()})
}

// Note implements capture.Reporter.
func (c *WSChannel) Note(text string) error {
	return c.send(Message{Type: TypeNote, Text: text})
}

// Redirect implements Channel.
func (c *WSChannel) Redirect(url string) error {
	return c.send(Message{Type: TypeRedirect, URL: url})
}

// Fail implements Channel.
func (c *WSChannel) Fail(text string) error {
	return c.send(Message{Type: TypeFailed, Text: text})
}

// Context implements Channel.
func (c *WSChannel) Context() context.Context {
	return c.ctx
}

// Close sends a normal close frame and releases the connection.
func (c *WSChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
	c.mu.Unlock()

	c.cancel(errClosed)
	return c.conn.Close()
}
