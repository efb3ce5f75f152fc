package job

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/imageforge-io/imageforge/internal/cache"
	"github.com/imageforge-io/imageforge/internal/metrics"
	"github.com/imageforge-io/imageforge/internal/ws"
)

// cancelledByUser is the error string recorded for jobs terminated through
// CancelJob rather than a handler failure.
const cancelledByUser = "job cancelled by user"

// Broadcaster is the sink through which lifecycle events leave the registry.
// It is invoked from executor goroutines, so implementations must be safe to
// call from any goroutine; the hub's Broadcast satisfies this.
type Broadcaster func(jobID string, msg ws.Message)

// Config carries the registry's construction parameters.
type Config struct {
	// MaxConcurrency bounds the number of jobs between the processing
	// transition and the terminal write. Defaults to 1.
	MaxConcurrency int64

	Logger *zap.Logger

	// Metrics may be nil (tests).
	Metrics *metrics.Metrics
}

// Registry is the in-memory job table and executor. It is authoritative for
// the life of the process — the on-disk cache is an optimization layered
// underneath, never a journal.
//
// The mutex guards the handler table, job table, cancellation set and client
// index. It is held only for O(1) updates: cache I/O, handler execution and
// broadcasts all happen outside it.
type Registry struct {
	mu         sync.Mutex
	handlers   map[string]Handler
	jobs       map[string]*Job
	clientJobs map[string]map[string]struct{}

	// cancelled is the cancellation set consulted by the executor around
	// Execute's return; a flag present there promotes any outcome to the
	// cancelled terminal state.
	cancelled map[string]struct{}

	// cancels holds the context cancel functions of scheduled jobs so
	// CancelJob can interrupt cooperative handlers and pending waits.
	cancels map[string]context.CancelFunc

	// sem is created lazily with the current bound and discarded on
	// SetMaxConcurrency; in-flight jobs keep the instance they acquired.
	sem            *semaphore.Weighted
	maxConcurrency int64

	broadcast Broadcaster
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// New creates a Registry. Call SetBroadcast before creating jobs if
// subscribers should see lifecycle events.
func New(cfg Config) *Registry {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		handlers:       make(map[string]Handler),
		jobs:           make(map[string]*Job),
		clientJobs:     make(map[string]map[string]struct{}),
		cancelled:      make(map[string]struct{}),
		cancels:        make(map[string]context.CancelFunc),
		maxConcurrency: cfg.MaxConcurrency,
		metrics:        cfg.Metrics,
		logger:         logger.Named("registry"),
	}
}

// Register binds a handler to a task type. Re-registering overwrites.
func (r *Registry) Register(taskType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = h
}

// IsRegistered reports whether a handler is bound to taskType.
func (r *Registry) IsRegistered(taskType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handlers[taskType]
	return ok
}

// SetBroadcast installs the lifecycle event sink.
func (r *Registry) SetBroadcast(fn Broadcaster) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcast = fn
}

// SetMaxConcurrency adjusts the executor bound. Takes effect for jobs
// scheduled after the call; jobs already queued keep the semaphore they
// were scheduled against.
func (r *Registry) SetMaxConcurrency(n int64) {
	if n <= 0 {
		n = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxConcurrency = n
	r.sem = nil
}

// DeriveID returns the content-addressed id CreateJob would assign for
// taskType and params, and whether the task type is registered. It lets
// callers bind subscriptions before the job is scheduled.
func (r *Registry) DeriveID(taskType string, params map[string]any) (string, bool) {
	r.mu.Lock()
	h, ok := r.handlers[taskType]
	r.mu.Unlock()
	if !ok {
		return "", false
	}
	return h.JobID(params), true
}

// CreateJob creates a job for taskType, or returns the entry that already
// owns the derived identity. Returns nil iff taskType is not registered.
//
// Behavior by current state of the id:
//   - no entry, no cache blob: a fresh pending entry is created and
//     scheduled;
//   - no entry, cache blob present: a completed entry is materialised from
//     the blob, no execution;
//   - pending, processing or completed entry: returned unchanged — the
//     deduplication guarantee;
//   - failed or cancelled entry: discarded and replaced by a fresh pending
//     entry (retry).
func (r *Registry) CreateJob(taskType string, params map[string]any, clientID string) *Job {
	r.mu.Lock()
	h, ok := r.handlers[taskType]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	id := h.JobID(params)

	if existing := r.reusableEntry(id); existing != nil {
		r.logger.Info("job already exists, returning existing",
			zap.String("job_id", id),
			zap.String("status", existing.Status),
		)
		return existing
	}

	if entry := r.fromCache(h, taskType, id, params, clientID); entry != nil {
		r.logger.Info("job satisfied from cache", zap.String("job_id", id))
		return entry
	}

	ctx, cancel := context.WithCancel(context.Background())
	entry := &Job{
		ID:        id,
		TaskType:  taskType,
		Params:    params,
		Status:    StatusPending,
		ClientID:  clientID,
		CreatedAt: time.Now().UTC(),
	}

	r.mu.Lock()
	if existing := r.reusableEntryLocked(id); existing != nil {
		// Another creator won the race between the probe and here.
		r.mu.Unlock()
		cancel()
		return existing
	}
	r.jobs[id] = entry
	r.cancels[id] = cancel
	r.trackClientLocked(clientID, id)
	sem := r.semLocked()
	snapshot := copyJob(entry)
	r.mu.Unlock()

	r.logger.Info("job created",
		zap.String("job_id", id),
		zap.String("task_type", taskType),
		zap.String("client_id", clientID),
	)

	go r.execute(ctx, sem, h, id, params)

	return snapshot
}

// reusableEntry returns a copy of the existing entry for id when its state
// forbids re-creation (anything but failed/cancelled), nil otherwise.
func (r *Registry) reusableEntry(id string) *Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reusableEntryLocked(id)
}

func (r *Registry) reusableEntryLocked(id string) *Job {
	existing, ok := r.jobs[id]
	if !ok {
		return nil
	}
	if existing.Status == StatusFailed || existing.Status == StatusCancelled {
		// Retry is implicit: the terminal failure entry is replaceable.
		return nil
	}
	return copyJob(existing)
}

// fromCache materialises a completed entry from the handler's cache blob,
// if one exists and decodes. The file probe runs outside the lock; a
// concurrent creator that wins the subsequent insert race takes precedence.
func (r *Registry) fromCache(h Handler, taskType, id string, params map[string]any, clientID string) *Job {
	policy := h.CachePolicy()
	if !policy.Enabled || policy.Decode == nil {
		return nil
	}

	data, err := cache.Read(cache.Path(policy.Dir, id, policy.Suffix))
	if err != nil || data == nil {
		if err != nil {
			// A bad blob falls through to re-execution.
			r.logger.Warn("cache read failed", zap.String("job_id", id), zap.Error(err))
		}
		return nil
	}

	result, err := policy.Decode(data)
	if err != nil {
		r.logger.Warn("cache decode failed", zap.String("job_id", id), zap.Error(err))
		return nil
	}

	now := time.Now().UTC()
	entry := &Job{
		ID:          id,
		TaskType:    taskType,
		Params:      params,
		Status:      StatusCompleted,
		Result:      result,
		ClientID:    clientID,
		CreatedAt:   now,
		CompletedAt: now,
	}

	r.mu.Lock()
	if existing := r.reusableEntryLocked(id); existing != nil {
		r.mu.Unlock()
		return existing
	}
	r.jobs[id] = entry
	r.trackClientLocked(clientID, id)
	snapshot := copyJob(entry)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.JobsTotal.WithLabelValues("cache_hit").Inc()
	}
	return snapshot
}

// GetJob returns a copy of the entry for id, or nil.
func (r *Registry) GetJob(id string) *Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[id]; ok {
		return copyJob(j)
	}
	return nil
}

// CancelJob requests cancellation of id. Returns true iff the job exists in
// a non-terminal state.
//
// A pending job transitions to cancelled immediately and its terminal
// broadcast is emitted here; the executor skips it when the semaphore wait
// returns. A processing job is flagged and its context cancelled — the
// executor writes and broadcasts the terminal state when Execute returns.
func (r *Registry) CancelJob(id string) bool {
	r.mu.Lock()
	j, ok := r.jobs[id]
	if !ok || Terminal(j.Status) {
		r.mu.Unlock()
		return false
	}

	r.cancelled[id] = struct{}{}
	cancel := r.cancels[id]

	var emitNow bool
	if j.Status == StatusPending {
		j.Status = StatusCancelled
		j.Error = cancelledByUser
		j.CompletedAt = time.Now().UTC()
		emitNow = true
	}
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if emitNow {
		if r.metrics != nil {
			r.metrics.JobsTotal.WithLabelValues(StatusCancelled).Inc()
		}
		r.logger.Info("pending job cancelled", zap.String("job_id", id))
		r.emit(id, ws.Message{
			Type:   ws.TypeJobStatus,
			JobID:  id,
			Status: StatusCancelled,
			Error:  cancelledByUser,
		})
	} else {
		r.logger.Info("running job flagged for cancellation", zap.String("job_id", id))
	}
	return true
}

// IsCancelled reports whether id is in the cancellation set. Cooperative
// job code may consult it between steps.
func (r *Registry) IsCancelled(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.cancelled[id]
	return ok
}

// ClientJobs returns copies of every job originated by clientID, oldest
// first.
func (r *Registry) ClientJobs(clientID string) []*Job {
	r.mu.Lock()
	out := make([]*Job, 0, len(r.clientJobs[clientID]))
	for id := range r.clientJobs[clientID] {
		if j, ok := r.jobs[id]; ok {
			out = append(out, copyJob(j))
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out
}

// execute runs one scheduled job under an executor permit.
//
// Steps: acquire permit; pending → processing + broadcast; run the handler;
// re-check the cancellation flag (a set flag wins even over a successful
// return); write the terminal state; persist the cache blob on success
// (non-fatal); broadcast exactly one terminal event; clear the flag.
func (r *Registry) execute(ctx context.Context, sem *semaphore.Weighted, h Handler, id string, params map[string]any) {
	if err := sem.Acquire(ctx, 1); err != nil {
		// Cancelled while pending — CancelJob already wrote and broadcast
		// the terminal state.
		r.clearCancellation(id)
		return
	}
	defer sem.Release(1)

	r.mu.Lock()
	j, ok := r.jobs[id]
	if !ok || j.Status != StatusPending {
		// Cancelled (or replaced) between scheduling and pickup.
		r.mu.Unlock()
		r.clearCancellation(id)
		return
	}
	j.Status = StatusProcessing
	r.mu.Unlock()

	started := time.Now()
	if r.metrics != nil {
		r.metrics.JobsRunning.Inc()
	}
	defer func() {
		if r.metrics != nil {
			r.metrics.JobsRunning.Dec()
			r.metrics.JobDuration.Observe(time.Since(started).Seconds())
		}
	}()

	r.emit(id, ws.Message{Type: ws.TypeJobStatus, JobID: id, Status: StatusProcessing})

	result, err := h.Execute(ctx, params, &registrySink{r: r, jobID: id})

	r.mu.Lock()
	_, wasCancelled := r.cancelled[id]
	r.mu.Unlock()

	if err == nil && !wasCancelled {
		r.finishSuccess(h, id, result)
	} else {
		r.finishFailure(id, err, wasCancelled)
	}

	r.clearCancellation(id)
}

func (r *Registry) finishSuccess(h Handler, id string, result map[string]any) {
	r.mu.Lock()
	if j, ok := r.jobs[id]; ok {
		j.Status = StatusCompleted
		j.Result = result
		j.CompletedAt = time.Now().UTC()
	}
	r.mu.Unlock()

	r.writeCache(h, id, result)

	if r.metrics != nil {
		r.metrics.JobsTotal.WithLabelValues(StatusCompleted).Inc()
	}
	r.logger.Info("job completed", zap.String("job_id", id))
	r.emit(id, ws.Message{
		Type:   ws.TypeJobStatus,
		JobID:  id,
		Status: StatusCompleted,
		Result: result,
	})
}

func (r *Registry) finishFailure(id string, err error, wasCancelled bool) {
	status := StatusFailed
	if wasCancelled {
		status = StatusCancelled
	}
	errMsg := cancelledByUser
	if !wasCancelled && err != nil {
		errMsg = err.Error()
	}

	r.mu.Lock()
	if j, ok := r.jobs[id]; ok {
		j.Status = status
		j.Error = errMsg
		j.Result = nil
		j.CompletedAt = time.Now().UTC()
	}
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.JobsTotal.WithLabelValues(status).Inc()
	}
	if wasCancelled {
		r.logger.Info("job cancelled", zap.String("job_id", id))
	} else {
		r.logger.Error("job failed", zap.String("job_id", id), zap.String("error", errMsg))
	}
	r.emit(id, ws.Message{
		Type:   ws.TypeJobStatus,
		JobID:  id,
		Status: status,
		Error:  errMsg,
	})
}

// writeCache persists a completed result per the handler's policy.
// Failures are logged and ignored — the in-memory entry stays authoritative.
func (r *Registry) writeCache(h Handler, id string, result map[string]any) {
	policy := h.CachePolicy()
	if !policy.Enabled || policy.Encode == nil {
		return
	}
	data, err := policy.Encode(result)
	if err != nil {
		r.logger.Warn("cache encode failed", zap.String("job_id", id), zap.Error(err))
		return
	}
	if err := cache.Write(cache.Path(policy.Dir, id, policy.Suffix), data); err != nil {
		r.logger.Warn("cache write failed", zap.String("job_id", id), zap.Error(err))
	}
}

func (r *Registry) clearCancellation(id string) {
	r.mu.Lock()
	delete(r.cancelled, id)
	delete(r.cancels, id)
	r.mu.Unlock()
}

// semLocked returns the current semaphore, creating it at the configured
// bound on first use after construction or SetMaxConcurrency.
func (r *Registry) semLocked() *semaphore.Weighted {
	if r.sem == nil {
		r.sem = semaphore.NewWeighted(r.maxConcurrency)
	}
	return r.sem
}

func (r *Registry) trackClientLocked(clientID, id string) {
	if clientID == "" {
		return
	}
	if _, ok := r.clientJobs[clientID]; !ok {
		r.clientJobs[clientID] = make(map[string]struct{})
	}
	r.clientJobs[clientID][id] = struct{}{}
}

// emit forwards a lifecycle event to the installed broadcaster.
func (r *Registry) emit(jobID string, msg ws.Message) {
	r.mu.Lock()
	fn := r.broadcast
	r.mu.Unlock()
	if fn != nil {
		fn(jobID, msg)
	}
}

// registrySink is the EventSink handed to executing handlers.
type registrySink struct {
	r     *Registry
	jobID string
}

func (s *registrySink) Progress(payload map[string]any) {
	s.r.emit(s.jobID, ws.Message{
		Type:     ws.TypeJobProgress,
		JobID:    s.jobID,
		Progress: payload,
	})
}

// StatusUpdate adopts a handler-emitted intermediate status while the job is
// non-terminal and broadcasts it verbatim. A terminal status already
// recorded is never overwritten.
func (s *registrySink) StatusUpdate(status string, extra map[string]any) {
	s.r.mu.Lock()
	if j, ok := s.r.jobs[s.jobID]; ok && !Terminal(j.Status) {
		j.Status = status
	}
	s.r.mu.Unlock()

	s.r.emit(s.jobID, ws.Message{
		Type:   ws.TypeJobStatus,
		JobID:  s.jobID,
		Status: status,
		Result: extra,
	})
}

// copyJob returns a shallow copy. Params are immutable after creation and
// Result is written once before the terminal broadcast, so sharing the maps
// with callers is safe as long as they treat them as read-only.
func copyJob(j *Job) *Job {
	cp := *j
	return &cp
}
