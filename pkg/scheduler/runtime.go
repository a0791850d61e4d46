package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/skypier/skypier/pkg/coordination"
	"github.com/skypier/skypier/pkg/observability/logger"
	"github.com/skypier/skypier/pkg/session"
)

// StatusKey is the coordination-store key holding the published job status blob.
const StatusKey = "scheduler:status"

const (
	DefaultStatusTTL         = time.Hour
	DefaultRateLimitCooldown = 15 * time.Minute
)

// Job is one leader-gated periodic maintenance task.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Validate verifies required fields.
func (j *Job) Validate() error {
	if j == nil {
		return schedulerError(ErrValidation, "job is nil")
	}
	if strings.TrimSpace(j.Name) == "" {
		return schedulerError(ErrValidation, "job name is required")
	}
	if j.Interval <= 0 {
		return schedulerError(ErrValidation, "job interval must be > 0")
	}
	if j.Run == nil {
		return schedulerError(ErrValidation, "job run function is required")
	}
	return nil
}

// JobStatus is one job's entry in the published status blob.
type JobStatus struct {
	LastRun   time.Time `json:"last_run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	NextRun   time.Time `json:"next_run"`
}

// Status is the blob the leader publishes to the coordination store after
// every job cycle, for dashboards and the follower workers.
type Status struct {
	Worker    string               `json:"worker"`
	UpdatedAt time.Time            `json:"updated_at"`
	Jobs      map[string]JobStatus `json:"jobs"`
}

// RuntimeConfig controls the job runtime.
type RuntimeConfig struct {
	StatusKey string
	StatusTTL time.Duration
	// RateLimitCooldown is how far a job's next run is pushed out when its
	// body hit the upstream throttle. Much longer than any interval, so a
	// penalized account is left alone.
	RateLimitCooldown time.Duration
}

func (c *RuntimeConfig) normalize() {
	if c.StatusKey == "" {
		c.StatusKey = StatusKey
	}
	if c.StatusTTL <= 0 {
		c.StatusTTL = DefaultStatusTTL
	}
	if c.RateLimitCooldown <= 0 {
		c.RateLimitCooldown = DefaultRateLimitCooldown
	}
}

// Runtime runs registered jobs on their intervals, but only while this worker
// holds the scheduler leader lease. Followers keep their loops ticking so
// leadership handover needs no restart.
type Runtime struct {
	elector *LeaderElector
	store   coordination.Store
	log     logger.Logger
	config  RuntimeConfig

	mu       sync.Mutex
	jobs     map[string]Job
	statuses map[string]JobStatus
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRuntime creates a leader-gated job runtime.
func NewRuntime(elector *LeaderElector, store coordination.Store, log logger.Logger, cfg RuntimeConfig) (*Runtime, error) {
	if elector == nil {
		return nil, schedulerError(ErrValidation, "leader elector is required")
	}
	if store == nil {
		return nil, schedulerError(ErrValidation, "coordination store is required")
	}
	if log == nil {
		return nil, schedulerError(ErrValidation, "logger is required")
	}
	cfg.normalize()

	return &Runtime{
		elector:  elector,
		store:    store,
		log:      log.With("component", "scheduler"),
		config:   cfg,
		jobs:     map[string]Job{},
		statuses: map[string]JobStatus{},
		now:      func() time.Time { return time.Now().UTC() },
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
	}, nil
}

// Register adds a job. Jobs must be registered before Start.
func (r *Runtime) Register(job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return schedulerError(ErrConflict, "scheduler already running")
	}
	if _, exists := r.jobs[job.Name]; exists {
		return schedulerError(ErrConflict, fmt.Sprintf("job %q is already registered", job.Name))
	}
	r.jobs[job.Name] = job
	return nil
}

// Start runs all registered job loops until context cancellation.
func (r *Runtime) Start(ctx context.Context) error {
	if r == nil {
		return ErrNotInitialized
	}
	if ctx == nil {
		return schedulerError(ErrValidation, "context is required")
	}

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return schedulerError(ErrConflict, "scheduler already running")
	}
	if len(r.jobs) == 0 {
		r.mu.Unlock()
		return schedulerError(ErrValidation, "no jobs registered")
	}
	runningCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	jobs := make([]Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		jobs = append(jobs, job)
	}
	r.mu.Unlock()

	for _, job := range jobs {
		r.wg.Add(1)
		go r.runJobLoop(runningCtx, job)
	}

	<-runningCtx.Done()
	return r.Stop(context.Background())
}

// Stop requests shutdown and waits for active job loops.
func (r *Runtime) Stop(ctx context.Context) error {
	if r == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancel
	r.cancel = nil
	r.running = false
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	waitCh := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-waitCh:
		return nil
	}
}

func (r *Runtime) runJobLoop(ctx context.Context, job Job) {
	defer r.wg.Done()

	next := r.now().Add(job.Interval)
	r.setStatus(job.Name, JobStatus{NextRun: next})

	for {
		if wait := next.Sub(r.now()); wait > 0 {
			if err := r.sleep(ctx, wait); err != nil {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}

		if !r.elector.IsLeader() {
			// Followers keep cadence but never run the body.
			next = r.now().Add(job.Interval)
			recordJobRun(job.Name, "skipped_follower")
			continue
		}

		next = r.runJobOnce(ctx, job)
		r.publishStatus(ctx)
	}
}

// runJobOnce executes the job body and returns when it should run next: the
// normal interval, or the rate-limit cooldown when the body was throttled.
func (r *Runtime) runJobOnce(ctx context.Context, job Job) time.Time {
	started := r.now()
	err := job.Run(ctx)
	finished := r.now()

	status := JobStatus{LastRun: finished}
	delay := job.Interval

	switch {
	case err == nil:
		recordJobRun(job.Name, "success")
	case errors.Is(err, session.ErrRateLimited):
		// The account is penalized; hammering it again at the next interval
		// only extends the penalty.
		delay = r.config.RateLimitCooldown
		status.LastError = err.Error()
		recordJobRun(job.Name, "rate_limited")
		r.log.Warn("job hit upstream throttle, backing off",
			"job", job.Name, "cooldown", delay, "error", err)
	case errors.Is(err, session.ErrLockTimeout):
		status.LastError = err.Error()
		recordJobRun(job.Name, "lock_timeout")
		r.log.Warn("job lost the login lock race, waiting for next tick", "job", job.Name)
	default:
		status.LastError = err.Error()
		recordJobRun(job.Name, "error")
		r.log.Error("job failed", "job", job.Name, "duration", finished.Sub(started), "error", err)
	}

	status.NextRun = finished.Add(delay)
	r.setStatus(job.Name, status)
	return status.NextRun
}

func (r *Runtime) setStatus(name string, status JobStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[name] = status
}

// Snapshot returns the current per-job status map.
func (r *Runtime) Snapshot() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	jobs := make(map[string]JobStatus, len(r.statuses))
	for name, status := range r.statuses {
		jobs[name] = status
	}
	return Status{
		Worker:    r.elector.HolderID(),
		UpdatedAt: r.now(),
		Jobs:      jobs,
	}
}

// publishStatus writes the status blob to the coordination store. Best
// effort: a failed publish never fails a job.
func (r *Runtime) publishStatus(ctx context.Context) {
	body, err := json.Marshal(r.Snapshot())
	if err != nil {
		r.log.Warn("status blob marshal failed", "error", err)
		return
	}
	if err := r.store.Set(ctx, r.config.StatusKey, string(body), r.config.StatusTTL); err != nil {
		r.log.Warn("status blob publish failed", "error", err)
	}
}
