package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait is the maximum time allowed to write a frame to the peer.
	// A stalled client is closed rather than allowed to block the writePump.
	writeWait = 10 * time.Second

	// pongWait is how long the server waits for a pong after sending a ping.
	pongWait = 60 * time.Second

	// pingPeriod is how often the server pings the client. Must be less
	// than pongWait so the client has time to reply.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds inbound frames. create_job carries a full
	// parameter map, so the limit is generous compared to a push-only
	// protocol.
	maxMessageSize = 1 << 20

	// sendBufferSize is the capacity of the per-client outbound channel.
	// A client that cannot drain it is evicted so it never stalls other
	// subscribers of the same job.
	sendBufferSize = 64
)

// upgrader performs the HTTP → WebSocket protocol upgrade. Origin checks are
// delegated to the reverse proxy in production deployments.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is a single live websocket connection. Each client runs two
// goroutines: readPump (inbound protocol frames, pong handling, disconnect
// detection) and writePump (the sole writer to the wire).
//
// The send channel is the handoff point between the hub and the writePump.
// It preserves enqueue order, which is what gives subscribers per-job FIFO
// delivery of registry events.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	// send carries outbound messages to writePump. Closed exactly once,
	// via close(), when the client is evicted or disconnects.
	send chan Message

	// synthetic marks identities generated for anonymous connections.
	// Synthetic identities do not survive disconnect, so the hub purges
	// their subscriptions on teardown.
	synthetic bool

	// mu guards closed so that enqueue never races a channel close.
	mu     sync.Mutex
	closed bool

	logger *zap.Logger
}

// NewClient upgrades the HTTP request to a websocket and wraps it in a
// Client. The caller must Connect it to the hub before calling Run.
func NewClient(hub *Hub, w http.ResponseWriter, r *http.Request, logger *zap.Logger) (*Client, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan Message, sendBufferSize),
		logger: logger.With(zap.String("remote_addr", r.RemoteAddr)),
	}, nil
}

// Run starts the write pump and processes inbound frames on the calling
// goroutine, invoking handle for each one. It blocks until the connection
// closes, then deregisters the client from the hub.
//
// handle runs on the read goroutine, so inbound messages from one client are
// processed strictly in arrival order.
func (c *Client) Run(handle func(data []byte)) {
	go c.writePump()
	c.readPump(handle)
}

// enqueue queues msg for delivery. Returns false if the client is already
// closed or its buffer is full — in both cases the caller evicts the client.
func (c *Client) enqueue(msg Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// close shuts the send channel, signalling writePump to emit a close frame
// and exit. Safe to call more than once.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) readPump(handle func(data []byte)) {
	defer func() {
		c.hub.Disconnect(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)

	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("ws: failed to set read deadline", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("ws: unexpected close", zap.Error(err))
			}
			return
		}
		handle(data)
	}
}

// writePump is the only goroutine that writes to conn — gorilla connections
// are not safe for concurrent writes. It also sends periodic pings so
// readPump can detect stale connections.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("ws: failed to set write deadline", zap.Error(err))
				return
			}

			if !ok {
				// The hub closed the channel — tell the peer and exit.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Warn("ws: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("ws: failed to set write deadline", zap.Error(err))
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
