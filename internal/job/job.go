// Package job implements the registry and execution engine for
// content-addressed inference jobs.
//
// A job's identity is a pure function of its parameters: the sha256 hex
// digest of their canonical JSON serialization. Submitting the same
// parameters twice while the first job is alive returns the existing entry
// and never schedules a second execution. Completed results are cached on
// disk so an identity seen for the first time in this process can still be
// satisfied without re-execution.
//
// Jobs run on a bounded executor: each scheduled job holds one permit from a
// global semaphore sized by the configured concurrency, from the processing
// transition until the terminal write. Cancellation is cooperative — a
// cancelled job's context is cancelled and its id added to a cancellation
// set that the executor re-checks around Execute's return.
package job

import (
	"context"
	"encoding/json"
	"time"
)

// Status is a job lifecycle state. The progression is monotone:
// pending → processing → (completed | failed | cancelled), with terminal
// states absorbing. Handlers may surface additional intermediate status
// strings while a job is non-terminal; those are broadcast verbatim and
// adopted into the table, but can never replace a terminal status.
type Status = string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether s is an absorbing state.
func Terminal(s Status) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Job is a registry entry. Registry methods return copies — callers never
// see the live entry, so no synchronisation is needed on the returned value.
type Job struct {
	// ID is the sha256 hex digest of the canonical parameter JSON.
	ID string `json:"id"`

	TaskType string         `json:"task_type"`
	Params   map[string]any `json:"params"`
	Status   Status         `json:"status"`

	// Result is set iff Status is completed.
	Result map[string]any `json:"result,omitempty"`

	// Error is set iff Status is failed or cancelled.
	Error string `json:"error,omitempty"`

	// ClientID is the identity that originated the job; may be empty.
	ClientID string `json:"client_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	// CompletedAt is the zero value until the job reaches a terminal state.
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// EventSink receives progress and intermediate-status events from a running
// handler. The registry passes one to Execute; implementations are safe to
// call from any goroutine the handler spawns.
type EventSink interface {
	// Progress emits a job_progress event with an arbitrary payload,
	// e.g. {"stage": "generating", "percent": 40}.
	Progress(payload map[string]any)

	// StatusUpdate emits an intermediate job_status event. The status
	// string is adopted into the registry while the job is non-terminal
	// and broadcast verbatim either way.
	StatusUpdate(status string, extra map[string]any)
}

// Handler is the capability set registered for a task type.
type Handler interface {
	// JobID derives the content-addressed identity for params. Must be
	// deterministic: identical parameters yield identical ids.
	JobID(params map[string]any) string

	// Execute performs the work. ctx is cancelled when the job is
	// cancelled; cooperative handlers should observe it at convenient
	// points and may return ctx.Err(). Blocking offloads (GPU calls) are
	// fine — the executor permit stays held for the duration.
	Execute(ctx context.Context, params map[string]any, sink EventSink) (map[string]any, error)

	// CachePolicy describes how completed results are persisted.
	CachePolicy() CachePolicy
}

// CachePolicy controls on-disk caching of a handler's completed results.
type CachePolicy struct {
	// Enabled turns caching on for this handler.
	Enabled bool

	// Dir is the cache directory; Suffix is appended to the job id to
	// form the blob filename.
	Dir    string
	Suffix string

	// Encode and Decode convert between the result mapping and blob
	// bytes. Both must be set when Enabled is true; DefaultCachePolicy
	// supplies a JSON codec.
	Encode func(result map[string]any) ([]byte, error)
	Decode func(data []byte) (map[string]any, error)
}

// DefaultCachePolicy returns the standard policy: JSON-encoded results under
// dir with a ".cache" suffix.
func DefaultCachePolicy(dir string) CachePolicy {
	return CachePolicy{
		Enabled: true,
		Dir:     dir,
		Suffix:  ".cache",
		Encode: func(result map[string]any) ([]byte, error) {
			return json.Marshal(result)
		},
		Decode: func(data []byte) (map[string]any, error) {
			var result map[string]any
			if err := json.Unmarshal(data, &result); err != nil {
				return nil, err
			}
			return result, nil
		},
	}
}
