package ws

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/imageforge-io/imageforge/internal/metrics"
)

// Hub maintains the connection registry and the job subscription index.
//
// Five structures, always mutated together under mu:
//
//	conns       — set of live connections
//	clientConn  — client identity → its single current connection
//	connClient  — reverse of clientConn
//	jobSubs     — job id → (client identity → correlation token, "" if none)
//	clientJobs  — client identity → set of subscribed job ids
//
// mu is held only for map updates, never across a wire write: Broadcast
// snapshots its targets under the lock and enqueues outside it, so a slow
// client can never stall the registry's completion path.
//
// All methods are safe to call from any goroutine. The registry's broadcast
// callback fires on executor goroutines; the protocol handler runs on each
// connection's read goroutine. Per-client ordering is preserved because
// delivery goes through the client's FIFO send channel.
type Hub struct {
	mu         sync.Mutex
	conns      map[*Client]struct{}
	clientConn map[string]*Client
	connClient map[*Client]string
	jobSubs    map[string]map[string]string
	clientJobs map[string]map[string]struct{}

	metrics *metrics.Metrics // may be nil in tests
	logger  *zap.Logger
}

// NewHub creates an empty Hub. m may be nil.
func NewHub(logger *zap.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		conns:      make(map[*Client]struct{}),
		clientConn: make(map[string]*Client),
		connClient: make(map[*Client]string),
		jobSubs:    make(map[string]map[string]string),
		clientJobs: make(map[string]map[string]struct{}),
		metrics:    m,
		logger:     logger.Named("hub"),
	}
}

// Connect registers a freshly upgraded connection under clientID.
//
// If clientID is already bound to a live connection, the prior connection is
// evicted and closed — its subscriptions are untouched, so the new
// connection inherits them. If clientID is empty the connection is
// anonymous: it gets a synthetic identity that is torn down, subscriptions
// included, when it disconnects.
func (h *Hub) Connect(c *Client, clientID string) {
	if clientID == "" {
		clientID = "anon-" + uuid.NewString()
		c.synthetic = true
	}

	var evicted *Client

	h.mu.Lock()
	if old, ok := h.clientConn[clientID]; ok && old != c {
		// Same identity reconnected before (or instead of) the old
		// connection going away. The newest connection wins.
		delete(h.conns, old)
		delete(h.connClient, old)
		evicted = old
		h.logger.Warn("replacing existing client connection",
			zap.String("client_id", clientID),
		)
	}

	h.conns[c] = struct{}{}
	h.clientConn[clientID] = c
	h.connClient[c] = clientID
	if _, ok := h.clientJobs[clientID]; !ok {
		h.clientJobs[clientID] = make(map[string]struct{})
	}
	total := len(h.conns)
	h.mu.Unlock()

	if evicted != nil {
		evicted.close()
	}
	if h.metrics != nil {
		h.metrics.Connections.Set(float64(total))
	}

	h.logger.Info("client connected",
		zap.String("client_id", clientID),
		zap.Bool("anonymous", c.synthetic),
		zap.Int("total_connected", total),
	)
}

// Disconnect removes c from the connection registry. Subscriptions made
// under a real client identity are preserved so the client can reconnect and
// resume; a synthetic identity can never come back, so its subscriptions are
// purged.
func (h *Hub) Disconnect(c *Client) {
	h.mu.Lock()
	if _, ok := h.conns[c]; !ok {
		// Already evicted (supplanted or dropped by a failed send).
		h.mu.Unlock()
		c.close()
		return
	}
	delete(h.conns, c)

	clientID := h.connClient[c]
	delete(h.connClient, c)
	if h.clientConn[clientID] == c {
		delete(h.clientConn, clientID)
	}

	if c.synthetic {
		for jobID := range h.clientJobs[clientID] {
			h.removeSubscription(jobID, clientID)
		}
		delete(h.clientJobs, clientID)
	}
	total := len(h.conns)
	h.mu.Unlock()

	c.close()
	if h.metrics != nil {
		h.metrics.Connections.Set(float64(total))
	}

	h.logger.Info("client disconnected",
		zap.String("client_id", clientID),
		zap.Bool("subscriptions_preserved", !c.synthetic),
		zap.Int("total_connected", total),
	)
}

// Subscribe binds c's client identity to jobID. requestID is the optional
// correlation token echoed into every message delivered through this
// subscription; resubscribing overwrites it — the latest token wins.
func (h *Hub) Subscribe(jobID string, c *Client, requestID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clientID, ok := h.connClient[c]
	if !ok {
		// Connection raced a disconnect; nothing to bind to.
		return
	}

	if h.jobSubs[jobID] == nil {
		h.jobSubs[jobID] = make(map[string]string)
	}
	h.jobSubs[jobID][clientID] = requestID
	h.clientJobs[clientID][jobID] = struct{}{}
}

// Unsubscribe removes c's client identity from jobID's subscriber set.
func (h *Hub) Unsubscribe(jobID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clientID, ok := h.connClient[c]
	if !ok {
		return
	}
	h.removeSubscription(jobID, clientID)
	delete(h.clientJobs[clientID], jobID)
}

// removeSubscription drops (jobID, clientID) from the forward index.
// Caller holds mu.
func (h *Hub) removeSubscription(jobID, clientID string) {
	if subs, ok := h.jobSubs[jobID]; ok {
		delete(subs, clientID)
		if len(subs) == 0 {
			delete(h.jobSubs, jobID)
		}
	}
}

// Send delivers msg to a single connection. A client that cannot accept the
// message is dropped from the connection registry; its subscriptions stay in
// place for a future reconnect.
func (h *Hub) Send(c *Client, msg Message) {
	if !c.enqueue(msg) {
		h.drop(c)
	}
}

// Broadcast delivers msg to every live subscriber of jobID.
//
// Subscribers whose identity has no current connection are skipped silently —
// events are not buffered for them. When a subscription carries a correlation
// token the message is copied and the token injected, so other subscribers
// see the original untouched.
func (h *Hub) Broadcast(jobID string, msg Message) {
	type target struct {
		client    *Client
		requestID string
	}

	h.mu.Lock()
	targets := make([]target, 0, len(h.jobSubs[jobID]))
	for clientID, requestID := range h.jobSubs[jobID] {
		c, ok := h.clientConn[clientID]
		if !ok {
			continue
		}
		targets = append(targets, target{client: c, requestID: requestID})
	}
	h.mu.Unlock()

	for _, t := range targets {
		out := msg
		if t.requestID != "" {
			out.RequestID = t.requestID
		}
		if !t.client.enqueue(out) {
			h.drop(t.client)
		}
	}
}

// drop evicts a connection that failed a send. Identical to Disconnect for
// real identities; shares its synthetic-identity cleanup.
func (h *Hub) drop(c *Client) {
	h.Disconnect(c)
}

// ConnectedCount returns the number of live connections.
func (h *Hub) ConnectedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// SubscriberCount returns the number of identities subscribed to jobID,
// connected or not.
func (h *Hub) SubscriberCount(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.jobSubs[jobID])
}
