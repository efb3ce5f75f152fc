// Package ws implements the real-time subscription layer between the job
// registry and remote clients. It manages websocket connections, binds them
// to persistent client identities, and fans job lifecycle events out to
// every subscriber of a job id.
//
// Subscriptions are keyed by client identity, not by connection: a client
// that reconnects with the same identity keeps receiving broadcasts for
// every job it subscribed to before the disconnect. Only an explicit
// unsubscribe (or process exit) removes a subscription.
package ws

import "time"

// Message types carried in the Type discriminator of every frame.
const (
	// TypeJobStatus is sent on every lifecycle transition of a job,
	// including handler-emitted intermediate statuses.
	TypeJobStatus = "job_status"

	// TypeJobProgress is sent for each progress tick emitted by a running
	// handler (e.g. per inference step).
	TypeJobProgress = "job_progress"

	// TypeClientJobs is the reply to a get_client_jobs request.
	TypeClientJobs = "client_jobs"

	// TypeError is sent for any protocol-level failure. It never closes
	// the connection.
	TypeError = "error"
)

// Message is the envelope for every frame sent to clients. Fields are
// populated per Type and omitted from the wire when empty.
//
// Broadcast injects RequestID into a per-subscriber copy when the
// subscription carries a correlation token, so the shared value must never
// be mutated after it is handed to the hub.
type Message struct {
	Type      string         `json:"type"`
	JobID     string         `json:"job_id,omitempty"`
	Status    string         `json:"status,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Progress  map[string]any `json:"progress,omitempty"`
	Jobs      []JobSummary   `json:"jobs,omitempty"`
	Text      string         `json:"message,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// JobSummary is one entry in a client_jobs reply.
type JobSummary struct {
	JobID     string         `json:"job_id"`
	TaskType  string         `json:"task_type"`
	Status    string         `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// ErrorMessage builds an error frame, echoing the correlation token when
// the failed request carried one.
func ErrorMessage(text, requestID string) Message {
	return Message{Type: TypeError, Text: text, RequestID: requestID}
}
