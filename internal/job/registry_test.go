package job

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/imageforge-io/imageforge/internal/cache"
	"github.com/imageforge-io/imageforge/internal/ws"
)

const waitFor = 5 * time.Second

// stubHandler is a controllable Handler for registry tests.
type stubHandler struct {
	execFn func(ctx context.Context, params map[string]any, sink EventSink) (map[string]any, error)
	policy CachePolicy
	execs  atomic.Int64
}

func (h *stubHandler) JobID(params map[string]any) string { return HashParams(params) }

func (h *stubHandler) CachePolicy() CachePolicy { return h.policy }

func (h *stubHandler) Execute(ctx context.Context, params map[string]any, sink EventSink) (map[string]any, error) {
	h.execs.Add(1)
	if h.execFn != nil {
		return h.execFn(ctx, params, sink)
	}
	return map[string]any{"ok": true}, nil
}

// recorder captures broadcast messages for assertions.
type recorder struct {
	mu   sync.Mutex
	msgs []ws.Message
}

func (r *recorder) record(_ string, msg ws.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) statuses(jobID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.msgs {
		if m.Type == ws.TypeJobStatus && m.JobID == jobID {
			out = append(out, m.Status)
		}
	}
	return out
}

func (r *recorder) count(jobID, status string) int {
	var n int
	for _, s := range r.statuses(jobID) {
		if s == status {
			n++
		}
	}
	return n
}

func newTestRegistry(t *testing.T, maxConcurrency int64) (*Registry, *recorder) {
	t.Helper()
	rec := &recorder{}
	r := New(Config{MaxConcurrency: maxConcurrency, Logger: zaptest.NewLogger(t)})
	r.SetBroadcast(rec.record)
	return r, rec
}

func waitTerminal(t *testing.T, r *Registry, id string) *Job {
	t.Helper()
	require.Eventually(t, func() bool {
		j := r.GetJob(id)
		return j != nil && Terminal(j.Status)
	}, waitFor, 5*time.Millisecond)
	return r.GetJob(id)
}

func TestCreateJobUnregisteredType(t *testing.T) {
	r, _ := newTestRegistry(t, 1)
	assert.Nil(t, r.CreateJob("nope", map[string]any{"x": 1}, ""))
	assert.False(t, r.IsRegistered("nope"))
}

func TestCreateJobRunsToCompletion(t *testing.T) {
	r, rec := newTestRegistry(t, 1)
	h := &stubHandler{}
	r.Register("t", h)
	require.True(t, r.IsRegistered("t"))

	info := r.CreateJob("t", map[string]any{"x": 1}, "c1")
	require.NotNil(t, info)
	assert.Equal(t, HashParams(map[string]any{"x": 1}), info.ID)
	assert.Equal(t, StatusPending, info.Status)
	assert.Equal(t, "c1", info.ClientID)
	assert.False(t, info.CreatedAt.IsZero())
	assert.True(t, info.CompletedAt.IsZero())

	done := waitTerminal(t, r, info.ID)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, map[string]any{"ok": true}, done.Result)
	assert.False(t, done.CompletedAt.IsZero())

	// Status sequence is a prefix of pending, processing, terminal.
	assert.Equal(t, []string{StatusProcessing, StatusCompleted}, rec.statuses(info.ID))
}

func TestDedupWhileNonTerminal(t *testing.T) {
	r, rec := newTestRegistry(t, 1)
	gate := make(chan struct{})
	h := &stubHandler{
		execFn: func(ctx context.Context, _ map[string]any, _ EventSink) (map[string]any, error) {
			<-gate
			return map[string]any{"ok": true}, nil
		},
	}
	r.Register("t", h)

	first := r.CreateJob("t", map[string]any{"x": 1}, "")
	require.NotNil(t, first)

	second := r.CreateJob("t", map[string]any{"x": 1}, "")
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)

	close(gate)
	waitTerminal(t, r, first.ID)

	assert.Equal(t, int64(1), h.execs.Load(), "dedup must not schedule a second execution")
	assert.Equal(t, 1, rec.count(first.ID, StatusProcessing))
	assert.Equal(t, 1, rec.count(first.ID, StatusCompleted))
}

func TestDedupReturnsCompletedEntry(t *testing.T) {
	r, _ := newTestRegistry(t, 1)
	h := &stubHandler{}
	r.Register("t", h)

	first := r.CreateJob("t", map[string]any{"x": 1}, "")
	waitTerminal(t, r, first.ID)

	again := r.CreateJob("t", map[string]any{"x": 1}, "")
	require.NotNil(t, again)
	assert.Equal(t, StatusCompleted, again.Status)
	assert.Equal(t, map[string]any{"ok": true}, again.Result)
	assert.Equal(t, int64(1), h.execs.Load())
}

func TestIdentityIgnoresKeyOrder(t *testing.T) {
	a := HashParams(map[string]any{"a": 1, "b": 2})
	b := HashParams(map[string]any{"b": 2, "a": 1})
	assert.Equal(t, a, b)
}

func TestFailedJobAllowsRetry(t *testing.T) {
	r, rec := newTestRegistry(t, 1)
	var failures atomic.Int64
	failures.Store(1)
	h := &stubHandler{
		execFn: func(ctx context.Context, _ map[string]any, _ EventSink) (map[string]any, error) {
			if failures.Add(-1) >= 0 {
				return nil, fmt.Errorf("boom")
			}
			return map[string]any{"ok": true}, nil
		},
	}
	r.Register("t", h)

	info := r.CreateJob("t", map[string]any{"x": 1}, "")
	failed := waitTerminal(t, r, info.ID)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, "boom", failed.Error)
	assert.Nil(t, failed.Result)

	// Retry replaces the failed entry with a fresh pending one.
	retry := r.CreateJob("t", map[string]any{"x": 1}, "")
	require.NotNil(t, retry)
	assert.Equal(t, StatusPending, retry.Status)

	done := waitTerminal(t, r, info.ID)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, int64(2), h.execs.Load())
	assert.Equal(t, 1, rec.count(info.ID, StatusFailed))
	assert.Equal(t, 1, rec.count(info.ID, StatusCompleted))
}

func TestCancelPendingJob(t *testing.T) {
	r, rec := newTestRegistry(t, 1)
	gate := make(chan struct{})
	h := &stubHandler{
		execFn: func(ctx context.Context, _ map[string]any, _ EventSink) (map[string]any, error) {
			<-gate
			return map[string]any{"ok": true}, nil
		},
	}
	r.Register("t", h)

	running := r.CreateJob("t", map[string]any{"x": "a"}, "")
	require.Eventually(t, func() bool {
		return r.GetJob(running.ID).Status == StatusProcessing
	}, waitFor, 5*time.Millisecond)

	pending := r.CreateJob("t", map[string]any{"x": "b"}, "")
	require.Equal(t, StatusPending, pending.Status)

	require.True(t, r.CancelJob(pending.ID))

	got := r.GetJob(pending.ID)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.NotEmpty(t, got.Error)
	assert.False(t, got.CompletedAt.IsZero())

	close(gate)
	waitTerminal(t, r, running.ID)

	// The cancelled job never ran and never reached processing.
	assert.Equal(t, int64(1), h.execs.Load())
	assert.Equal(t, []string{StatusCancelled}, rec.statuses(pending.ID))
	require.Eventually(t, func() bool {
		return !r.IsCancelled(pending.ID)
	}, waitFor, 5*time.Millisecond, "cancellation flag is cleared after teardown")
}

func TestCancelRunningJob(t *testing.T) {
	r, rec := newTestRegistry(t, 1)
	started := make(chan struct{})
	h := &stubHandler{
		execFn: func(ctx context.Context, _ map[string]any, _ EventSink) (map[string]any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	r.Register("t", h)

	info := r.CreateJob("t", map[string]any{"x": 1}, "")
	<-started

	require.True(t, r.CancelJob(info.ID))

	done := waitTerminal(t, r, info.ID)
	assert.Equal(t, StatusCancelled, done.Status, "a flagged job terminates cancelled, not failed")
	assert.Equal(t, 1, rec.count(info.ID, StatusCancelled))
	assert.Equal(t, 0, rec.count(info.ID, StatusFailed))
}

func TestCancelFlagWinsOverSuccessfulReturn(t *testing.T) {
	r, _ := newTestRegistry(t, 1)
	cancelled := make(chan struct{})
	h := &stubHandler{
		execFn: func(ctx context.Context, _ map[string]any, _ EventSink) (map[string]any, error) {
			// Return success only after the cancel flag is set.
			<-cancelled
			return map[string]any{"ok": true}, nil
		},
	}
	r.Register("t", h)

	info := r.CreateJob("t", map[string]any{"x": 1}, "")
	require.Eventually(t, func() bool {
		return r.GetJob(info.ID).Status == StatusProcessing
	}, waitFor, 5*time.Millisecond)

	require.True(t, r.CancelJob(info.ID))
	close(cancelled)

	done := waitTerminal(t, r, info.ID)
	assert.Equal(t, StatusCancelled, done.Status)
	assert.Nil(t, done.Result)
}

func TestCancelTerminalOrUnknown(t *testing.T) {
	r, _ := newTestRegistry(t, 1)
	h := &stubHandler{}
	r.Register("t", h)

	info := r.CreateJob("t", map[string]any{"x": 1}, "")
	waitTerminal(t, r, info.ID)

	assert.False(t, r.CancelJob(info.ID), "terminal jobs cannot be cancelled")
	assert.False(t, r.CancelJob("no-such-id"))
}

func TestCacheRoundTrip(t *testing.T) {
	dir := t.TempDir()
	policy := DefaultCachePolicy(dir)

	r, _ := newTestRegistry(t, 1)
	h := &stubHandler{
		policy: policy,
		execFn: func(ctx context.Context, _ map[string]any, _ EventSink) (map[string]any, error) {
			return map[string]any{"filename": "a.png"}, nil
		},
	}
	r.Register("t", h)

	params := map[string]any{"prompt": "cat"}
	info := r.CreateJob("t", params, "")
	done := waitTerminal(t, r, info.ID)

	// The blob appears after completion and round-trips the result.
	path := cache.Path(dir, info.ID, ".cache")
	require.Eventually(t, func() bool {
		data, err := cache.Read(path)
		return err == nil && data != nil
	}, waitFor, 5*time.Millisecond)

	data, err := cache.Read(path)
	require.NoError(t, err)
	decoded, err := policy.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, done.Result, decoded)

	// A fresh registry (new process) satisfies the id from the blob with
	// no execution and no processing broadcast.
	r2, rec2 := newTestRegistry(t, 1)
	h2 := &stubHandler{policy: policy}
	r2.Register("t", h2)

	hit := r2.CreateJob("t", params, "")
	require.NotNil(t, hit)
	assert.Equal(t, StatusCompleted, hit.Status)
	assert.Equal(t, map[string]any{"filename": "a.png"}, hit.Result)
	assert.False(t, hit.CompletedAt.IsZero())
	assert.Equal(t, int64(0), h2.execs.Load())
	assert.Empty(t, rec2.statuses(hit.ID))
}

func TestCorruptCacheFallsThroughToExecution(t *testing.T) {
	dir := t.TempDir()
	policy := DefaultCachePolicy(dir)

	r, _ := newTestRegistry(t, 1)
	h := &stubHandler{policy: policy}
	r.Register("t", h)

	params := map[string]any{"x": 1}
	id := HashParams(params)
	require.NoError(t, cache.Write(cache.Path(dir, id, ".cache"), []byte("not json")))

	info := r.CreateJob("t", params, "")
	require.Equal(t, StatusPending, info.Status)

	done := waitTerminal(t, r, id)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, int64(1), h.execs.Load())
}

func TestConcurrencyBound(t *testing.T) {
	const bound = 2
	r, _ := newTestRegistry(t, bound)

	var running, peak atomic.Int64
	gate := make(chan struct{})
	h := &stubHandler{
		execFn: func(ctx context.Context, _ map[string]any, _ EventSink) (map[string]any, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-gate
			running.Add(-1)
			return map[string]any{}, nil
		},
	}
	r.Register("t", h)

	var ids []string
	for i := 0; i < 5; i++ {
		info := r.CreateJob("t", map[string]any{"i": i}, "")
		ids = append(ids, info.ID)
	}

	require.Eventually(t, func() bool { return running.Load() == bound }, waitFor, 5*time.Millisecond)
	close(gate)

	for _, id := range ids {
		waitTerminal(t, r, id)
	}
	assert.LessOrEqual(t, peak.Load(), int64(bound))
	assert.Equal(t, int64(5), h.execs.Load())
}

func TestClientJobs(t *testing.T) {
	r, _ := newTestRegistry(t, 4)
	h := &stubHandler{}
	r.Register("t", h)

	a := r.CreateJob("t", map[string]any{"i": 1}, "alice")
	b := r.CreateJob("t", map[string]any{"i": 2}, "alice")
	r.CreateJob("t", map[string]any{"i": 3}, "bob")

	got := r.ClientJobs("alice")
	require.Len(t, got, 2)
	ids := []string{got[0].ID, got[1].ID}
	assert.ElementsMatch(t, []string{a.ID, b.ID}, ids)

	assert.Empty(t, r.ClientJobs("nobody"))
}

func TestIntermediateStatusAdoptedButNeverTerminal(t *testing.T) {
	r, rec := newTestRegistry(t, 1)
	reported := make(chan struct{})
	gate := make(chan struct{})
	h := &stubHandler{
		execFn: func(ctx context.Context, _ map[string]any, sink EventSink) (map[string]any, error) {
			sink.StatusUpdate("generated", map[string]any{"filename": "a.png"})
			close(reported)
			<-gate
			return map[string]any{"ok": true}, nil
		},
	}
	r.Register("t", h)

	info := r.CreateJob("t", map[string]any{"x": 1}, "")
	<-reported

	require.Eventually(t, func() bool {
		return r.GetJob(info.ID).Status == "generated"
	}, waitFor, 5*time.Millisecond)

	close(gate)
	done := waitTerminal(t, r, info.ID)
	assert.Equal(t, StatusCompleted, done.Status)

	// The intermediate status was broadcast verbatim, between processing
	// and the terminal event.
	assert.Equal(t, []string{StatusProcessing, "generated", StatusCompleted}, rec.statuses(info.ID))
}

func TestProgressEventsForwarded(t *testing.T) {
	r, rec := newTestRegistry(t, 1)
	h := &stubHandler{
		execFn: func(ctx context.Context, _ map[string]any, sink EventSink) (map[string]any, error) {
			sink.Progress(map[string]any{"stage": "generating", "percent": 50.0})
			return map[string]any{}, nil
		},
	}
	r.Register("t", h)

	info := r.CreateJob("t", map[string]any{"x": 1}, "")
	waitTerminal(t, r, info.ID)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	var progress []ws.Message
	for _, m := range rec.msgs {
		if m.Type == ws.TypeJobProgress && m.JobID == info.ID {
			progress = append(progress, m)
		}
	}
	require.Len(t, progress, 1)
	assert.Equal(t, map[string]any{"stage": "generating", "percent": 50.0}, progress[0].Progress)
}

func TestSetMaxConcurrencyAppliesToNewJobs(t *testing.T) {
	r, _ := newTestRegistry(t, 1)

	var running, peak atomic.Int64
	gate := make(chan struct{})
	h := &stubHandler{
		execFn: func(ctx context.Context, _ map[string]any, _ EventSink) (map[string]any, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-gate
			running.Add(-1)
			return map[string]any{}, nil
		},
	}
	r.Register("t", h)

	r.SetMaxConcurrency(3)

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, r.CreateJob("t", map[string]any{"i": i}, "").ID)
	}
	require.Eventually(t, func() bool { return running.Load() == 3 }, waitFor, 5*time.Millisecond)

	close(gate)
	for _, id := range ids {
		waitTerminal(t, r, id)
	}
	assert.Equal(t, int64(3), peak.Load())
}
