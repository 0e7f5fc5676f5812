package coordinator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/thaasbai/coordinator/internal/logging"
)

// sendBufferSize is the bounded per-session outbound queue (spec.md §5:
// "suggest 256 entries"). A full buffer marks the session unhealthy and
// closes it rather than blocking the room's handler goroutine.
const sendBufferSize = 256

// writeWait bounds how long a single frame write may take before the
// connection is considered dead.
const writeWait = 10 * time.Second

// wsConn is the subset of *websocket.Conn a Client needs, so it can be
// exercised in tests with a fake transport.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Client owns one WebSocket connection and pumps frames between it and the
// dispatcher. It implements Sender so a Session can enqueue outbound events
// without knowing about the transport.
type Client struct {
	conn   wsConn
	send   chan Message
	dsp    *Dispatcher
	sess   *Session
	closed chan struct{}
}

// NewClient wires a transport connection to a freshly registered Session.
func NewClient(conn wsConn, dsp *Dispatcher) *Client {
	return &Client{
		conn:   conn,
		send:   make(chan Message, sendBufferSize),
		dsp:    dsp,
		closed: make(chan struct{}),
	}
}

// Send enqueues an outbound event. Non-blocking: if the buffer is full the
// session is marked unhealthy and the connection is closed (spec.md §5).
func (c *Client) Send(event string, data any) bool {
	payload, err := json.Marshal(data)
	if err != nil {
		logging.Error(context.Background(), "failed to marshal outbound payload", zap.String("event", event), zap.Error(err))
		return false
	}
	select {
	case c.send <- Message{Event: event, Data: payload}:
		return true
	default:
		logging.Warn(context.Background(), "client send buffer full, closing", zap.String("event", event))
		c.Close()
		return false
	}
}

// Close tears down the connection and stops the write pump. Safe to call
// more than once.
func (c *Client) Close() {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	c.conn.Close()
}

// attach binds a registered Session to this client so readPump can route
// inbound frames through the dispatcher.
func (c *Client) attach(s *Session) {
	c.sess = s
}

// readPump decodes inbound frames and routes them to the dispatcher. It
// runs until the connection errors or is closed, then unregisters the
// session and marks the room slot disconnected (grace window, spec.md §4.6).
func (c *Client) readPump(ctx context.Context, hub *Hub) {
	defer func() {
		hub.handleDisconnect(c.sess)
		c.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(idleReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(idleReadTimeout))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if len(raw) > maxFrameSize {
			c.sess.Send(EvError, map[string]string{"code": ErrInvalidPayload})
			continue
		}
		c.conn.SetReadDeadline(time.Now().Add(idleReadTimeout))
		c.dsp.Dispatch(ctx, c.sess, raw)
	}
}

// writePump drains the send channel to the wire and emits the server idle
// ping on its own cadence (spec.md §4.6: every 25s).
func (c *Client) writePump() {
	ticker := time.NewTicker(serverPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}
