package api

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/http"

	"go.uber.org/zap"

	"github.com/imageforge-io/imageforge/internal/job"
	"github.com/imageforge-io/imageforge/internal/ws"
)

// WSHandler handles the websocket endpoint GET /api/v1/ws and implements the
// job-management message protocol on top of it.
//
// The optional `client_id` query parameter binds the connection to a
// persistent client identity: subscriptions made under it survive
// disconnects, and a reconnect with the same identity supplants any
// connection still bound to it. Without the parameter the connection is
// anonymous and its subscriptions die with it.
//
// Inbound frames are JSON objects with a `type` discriminator:
//
//	create_job       — task_type, params, [request_id]
//	get_status       — job_id, [request_id]
//	cancel_job       — job_id, [request_id]
//	get_client_jobs  — [request_id]
//	unsubscribe      — job_id, [request_id]
//
// Malformed or unknown frames produce an error reply and never close the
// connection.
type WSHandler struct {
	hub      *ws.Hub
	registry *job.Registry
	logger   *zap.Logger
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(hub *ws.Hub, registry *job.Registry, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		hub:      hub,
		registry: registry,
		logger:   logger.Named("ws_handler"),
	}
}

// inbound is the union of all fields a client frame may carry.
type inbound struct {
	Type      string         `json:"type"`
	TaskType  string         `json:"task_type"`
	Params    map[string]any `json:"params"`
	JobID     string         `json:"job_id"`
	RequestID string         `json:"request_id"`
}

// ServeWS upgrades the request and processes protocol frames until the
// connection closes. It blocks for the lifetime of the connection — expected
// for websocket handlers.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")

	client, err := ws.NewClient(h.hub, w, r, h.logger)
	if err != nil {
		// The upgrader has already written the error response.
		h.logger.Warn("ws: upgrade failed",
			zap.String("client_id", clientID),
			zap.Error(err),
		)
		return
	}

	h.hub.Connect(client, clientID)

	client.Run(func(data []byte) {
		h.dispatch(client, clientID, data)
	})
}

// dispatch routes one inbound frame. Runs on the connection's read
// goroutine, so frames from a single client are handled in arrival order.
func (h *WSHandler) dispatch(c *ws.Client, clientID string, data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		h.hub.Send(c, ws.ErrorMessage("Invalid JSON", ""))
		return
	}

	switch msg.Type {
	case "create_job":
		h.handleCreateJob(c, clientID, msg)
	case "get_status":
		h.handleGetStatus(c, msg)
	case "cancel_job":
		h.handleCancelJob(c, msg)
	case "get_client_jobs":
		h.handleGetClientJobs(c, clientID, msg)
	case "unsubscribe":
		h.handleUnsubscribe(c, msg)
	default:
		h.hub.Send(c, ws.ErrorMessage(
			fmt.Sprintf("Unknown message type: %s", msg.Type), msg.RequestID))
	}
}

func (h *WSHandler) handleCreateJob(c *ws.Client, clientID string, msg inbound) {
	params := msg.Params
	if params == nil {
		params = map[string]any{}
	}

	// The correlation token may arrive at the top level or buried in
	// params; either way it is stripped before identity derivation so it
	// never perturbs deduplication.
	requestID := msg.RequestID
	if rid, ok := params["request_id"].(string); ok {
		if requestID == "" {
			requestID = rid
		}
	}
	if _, ok := params["request_id"]; ok {
		params = maps.Clone(params)
		delete(params, "request_id")
	}

	if msg.TaskType == "" {
		h.hub.Send(c, ws.ErrorMessage("Missing task_type", requestID))
		return
	}

	id, ok := h.registry.DeriveID(msg.TaskType, params)
	if !ok {
		h.hub.Send(c, ws.ErrorMessage(
			fmt.Sprintf("Unknown task_type: %s", msg.TaskType), requestID))
		return
	}

	// Subscribe before scheduling: the executor starts broadcasting as soon
	// as CreateJob returns, and an early processing transition must not slip
	// past the creator.
	h.hub.Subscribe(id, c, requestID)

	info := h.registry.CreateJob(msg.TaskType, params, clientID)
	if info == nil {
		h.hub.Send(c, ws.ErrorMessage("Failed to create job", requestID))
		return
	}
	h.hub.Send(c, statusReply(info, requestID))
}

func (h *WSHandler) handleGetStatus(c *ws.Client, msg inbound) {
	if msg.JobID == "" {
		h.hub.Send(c, ws.ErrorMessage("Missing job_id", msg.RequestID))
		return
	}

	// Subscribe first so future transitions are delivered even if the
	// snapshot below races a status change.
	h.hub.Subscribe(msg.JobID, c, msg.RequestID)

	info := h.registry.GetJob(msg.JobID)
	if info == nil {
		h.hub.Send(c, ws.ErrorMessage(
			fmt.Sprintf("Job not found: %s", msg.JobID), msg.RequestID))
		return
	}
	h.hub.Send(c, statusReply(info, msg.RequestID))
}

func (h *WSHandler) handleCancelJob(c *ws.Client, msg inbound) {
	if msg.JobID == "" {
		h.hub.Send(c, ws.ErrorMessage("Missing job_id", msg.RequestID))
		return
	}

	if h.registry.CancelJob(msg.JobID) {
		// No direct reply: the terminal cancelled broadcast reaches this
		// connection through its existing subscription.
		return
	}

	if info := h.registry.GetJob(msg.JobID); info != nil {
		h.hub.Send(c, ws.ErrorMessage(
			fmt.Sprintf("Job %s cannot be cancelled (current status: %s)",
				msg.JobID, info.Status),
			msg.RequestID))
		return
	}
	h.hub.Send(c, ws.ErrorMessage(
		fmt.Sprintf("Job not found: %s", msg.JobID), msg.RequestID))
}

func (h *WSHandler) handleGetClientJobs(c *ws.Client, clientID string, msg inbound) {
	if clientID == "" {
		h.hub.Send(c, ws.ErrorMessage(
			"No client_id associated with this connection", msg.RequestID))
		return
	}

	jobs := h.registry.ClientJobs(clientID)
	summaries := make([]ws.JobSummary, 0, len(jobs))
	for _, j := range jobs {
		s := ws.JobSummary{
			JobID:     j.ID,
			TaskType:  j.TaskType,
			Status:    j.Status,
			CreatedAt: j.CreatedAt,
		}
		switch j.Status {
		case job.StatusCompleted:
			s.Result = j.Result
		case job.StatusFailed, job.StatusCancelled:
			s.Error = j.Error
		}
		summaries = append(summaries, s)

		// Reconnection catch-up: re-bind this connection to every job
		// still in flight so its terminal broadcast lands here.
		if !job.Terminal(j.Status) {
			h.hub.Subscribe(j.ID, c, "")
		}
	}

	h.hub.Send(c, ws.Message{
		Type:      ws.TypeClientJobs,
		Jobs:      summaries,
		RequestID: msg.RequestID,
	})
}

func (h *WSHandler) handleUnsubscribe(c *ws.Client, msg inbound) {
	if msg.JobID == "" {
		h.hub.Send(c, ws.ErrorMessage("Missing job_id", msg.RequestID))
		return
	}
	h.hub.Unsubscribe(msg.JobID, c)
}

// statusReply builds the job_status snapshot sent as the direct reply to
// create_job and get_status.
func statusReply(info *job.Job, requestID string) ws.Message {
	reply := ws.Message{
		Type:      ws.TypeJobStatus,
		JobID:     info.ID,
		Status:    info.Status,
		RequestID: requestID,
	}
	switch info.Status {
	case job.StatusCompleted:
		reply.Result = info.Result
	case job.StatusFailed, job.StatusCancelled:
		reply.Error = info.Error
	}
	return reply
}
