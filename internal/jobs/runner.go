// Package jobs runs named background jobs from a shared-cache delayed
// queue. Re-enqueueing a job id before it runs replaces its schedule,
// which gives callers debouncing for free.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"devos/internal/cache"
	"devos/internal/telemetry"
)

const (
	// DefaultPollInterval is how often due jobs are claimed.
	DefaultPollInterval = 500 * time.Millisecond

	// payloadTTL bounds orphaned payloads of jobs that never ran.
	payloadTTL = 24 * time.Hour
)

// Job is one unit of queued work.
type Job struct {
	Name    string         `json:"name"`
	ID      string         `json:"id"`
	Payload map[string]any `json:"payload"`
}

// Handler processes one job.
type Handler func(ctx context.Context, job Job) error

// Runner polls per-name delayed queues and dispatches due jobs to a
// fixed worker pool.
type Runner struct {
	backend      cache.Backend
	workers      int
	pollInterval time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler

	tasks       chan Job
	workerWG    sync.WaitGroup
	pollWG      sync.WaitGroup
	stopOnce    sync.Once
	stop        chan struct{}
	activeTasks int64
	now         func() time.Time
}

// NewRunner creates a runner with the given worker count.
func NewRunner(backend cache.Backend, workers int) *Runner {
	if workers <= 0 {
		workers = 4
	}
	return &Runner{
		backend:      backend,
		workers:      workers,
		pollInterval: DefaultPollInterval,
		handlers:     make(map[string]Handler),
		tasks:        make(chan Job, workers*10),
		stop:         make(chan struct{}),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// SetPollInterval overrides the claim cadence.
func (r *Runner) SetPollInterval(d time.Duration) { r.pollInterval = d }

// Register binds a handler to a job name. Must be called before Start.
func (r *Runner) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

func queueKey(name string) string {
	return "jobs:" + name
}

func payloadKey(name, id string) string {
	return "jobs:" + name + ":payload:" + id
}

// Enqueue schedules a job to run after delay. Enqueueing an id that is
// already pending replaces its payload and schedule.
func (r *Runner) Enqueue(ctx context.Context, name, id string, payload map[string]any, delay time.Duration) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to serialize job payload: %w", err)
	}
	if err := r.backend.Set(ctx, payloadKey(name, id), string(data), payloadTTL); err != nil {
		return fmt.Errorf("failed to store job payload: %w", err)
	}
	readyAt := float64(r.now().Add(delay).UnixMilli())
	if err := r.backend.ZAdd(ctx, queueKey(name), readyAt, id); err != nil {
		return fmt.Errorf("failed to schedule job %s/%s: %w", name, id, err)
	}
	return nil
}

// Start launches the workers and the claim loop.
func (r *Runner) Start(ctx context.Context) {
	for i := 0; i < r.workers; i++ {
		r.workerWG.Add(1)
		go r.worker(ctx, i)
	}
	r.pollWG.Add(1)
	go r.pollLoop(ctx)
}

// Stop halts the claim loop first so no task is dispatched to a closed
// channel, then waits for in-flight jobs.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
		r.pollWG.Wait()
		close(r.tasks)
	})
	r.workerWG.Wait()
}

// ActiveCount returns the number of currently executing jobs.
func (r *Runner) ActiveCount() int {
	return int(atomic.LoadInt64(&r.activeTasks))
}

func (r *Runner) worker(ctx context.Context, id int) {
	defer r.workerWG.Done()
	for job := range r.tasks {
		atomic.AddInt64(&r.activeTasks, 1)
		r.mu.RLock()
		h := r.handlers[job.Name]
		r.mu.RUnlock()
		if h != nil {
			if err := h(ctx, job); err != nil {
				telemetry.LogError("job failed", err, "job", job.Name, "id", job.ID, "worker", id)
			}
		}
		atomic.AddInt64(&r.activeTasks, -1)
	}
}

func (r *Runner) pollLoop(ctx context.Context) {
	defer r.pollWG.Done()
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.claimDue(ctx)
		}
	}
}

// claimDue pops every job whose schedule has passed. ZRem arbitrates
// between competing runners: only the remover dispatches.
func (r *Runner) claimDue(ctx context.Context) {
	r.mu.RLock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	r.mu.RUnlock()

	nowMs := strconv.FormatInt(r.now().UnixMilli(), 10)
	for _, name := range names {
		ids, err := r.backend.ZRangeByScore(ctx, queueKey(name), "-inf", nowMs)
		if err != nil {
			telemetry.LogWarn("failed to poll job queue", "job", name, "error", err)
			continue
		}
		for _, id := range ids {
			removed, err := r.backend.ZRem(ctx, queueKey(name), id)
			if err != nil || removed == 0 {
				continue
			}
			job := Job{Name: name, ID: id}
			if raw, ok, err := r.backend.Get(ctx, payloadKey(name, id)); err == nil && ok {
				if err := json.Unmarshal([]byte(raw), &job.Payload); err != nil {
					telemetry.LogWarn("corrupt job payload", "job", name, "id", id, "error", err)
				}
				r.backend.Del(ctx, payloadKey(name, id))
			}
			select {
			case r.tasks <- job:
			case <-r.stop:
				return
			}
		}
	}
}
