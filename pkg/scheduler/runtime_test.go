package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skypier/skypier/pkg/coordination"
	"github.com/skypier/skypier/pkg/session"
)

func newTestRuntime(t *testing.T, store coordination.Backend, leading bool) *Runtime {
	t.Helper()
	elector := newTestElector(t, store, "worker-a")
	if leading {
		elector.tick(context.Background())
		if !elector.IsLeader() {
			t.Fatal("Expected elector to lead")
		}
	}

	runtime, err := NewRuntime(elector, store, schedulerTestLogger(t), RuntimeConfig{})
	if err != nil {
		t.Fatalf("NewRuntime failed: %v", err)
	}
	return runtime
}

func TestRegisterValidation(t *testing.T) {
	runtime := newTestRuntime(t, coordination.NewMemoryStore(), false)
	noop := func(ctx context.Context) error { return nil }

	tests := []struct {
		name string
		job  Job
	}{
		{"missing name", Job{Interval: time.Minute, Run: noop}},
		{"missing interval", Job{Name: "cleanup", Run: noop}},
		{"missing run", Job{Name: "cleanup", Interval: time.Minute}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := runtime.Register(tt.job); !errors.Is(err, ErrValidation) {
				t.Errorf("Expected ErrValidation, got %v", err)
			}
		})
	}

	job := Job{Name: "cleanup", Interval: time.Minute, Run: noop}
	if err := runtime.Register(job); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := runtime.Register(job); !errors.Is(err, ErrConflict) {
		t.Errorf("Expected ErrConflict for duplicate, got %v", err)
	}
}

func TestStartWithoutJobs(t *testing.T) {
	runtime := newTestRuntime(t, coordination.NewMemoryStore(), false)
	if err := runtime.Start(context.Background()); !errors.Is(err, ErrValidation) {
		t.Errorf("Expected ErrValidation, got %v", err)
	}
}

// TestRuntime_LeaderRunsJobs tests that a leading worker executes job bodies
// on their interval and shuts down cleanly.
func TestRuntime_LeaderRunsJobs(t *testing.T) {
	runtime := newTestRuntime(t, coordination.NewMemoryStore(), true)

	var runs atomic.Int64
	err := runtime.Register(Job{
		Name:     "task-status",
		Interval: 5 * time.Millisecond,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runtime.Start(ctx) }()

	deadline := time.After(2 * time.Second)
	for runs.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("Timed out waiting for job runs")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Runtime did not stop on cancel")
	}
}

// A follower keeps its loops ticking but never runs a job body.
func TestRuntime_FollowerSkipsJobs(t *testing.T) {
	runtime := newTestRuntime(t, coordination.NewMemoryStore(), false)

	var runs atomic.Int64
	err := runtime.Register(Job{
		Name:     "task-status",
		Interval: time.Millisecond,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runtime.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if runs.Load() != 0 {
		t.Errorf("Expected zero runs on a follower, got %d", runs.Load())
	}
}

// TestRunJobOnce_RateLimitCooldown tests that a throttled job body pushes the
// next run far past the normal interval.
func TestRunJobOnce_RateLimitCooldown(t *testing.T) {
	runtime := newTestRuntime(t, coordination.NewMemoryStore(), true)
	runtime.config.RateLimitCooldown = 15 * time.Minute

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	runtime.now = func() time.Time { return base }

	job := Job{Name: "quota", Interval: time.Minute, Run: func(ctx context.Context) error {
		return session.ErrRateLimited
	}}

	next := runtime.runJobOnce(context.Background(), job)
	if want := base.Add(15 * time.Minute); !next.Equal(want) {
		t.Errorf("Expected next run at %v, got %v", want, next)
	}

	// A plain failure keeps the normal interval.
	job.Run = func(ctx context.Context) error { return errors.New("boom") }
	next = runtime.runJobOnce(context.Background(), job)
	if want := base.Add(time.Minute); !next.Equal(want) {
		t.Errorf("Expected next run at %v, got %v", want, next)
	}
}

func TestRunJobOnce_LockTimeoutWaitsForNextTick(t *testing.T) {
	runtime := newTestRuntime(t, coordination.NewMemoryStore(), true)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	runtime.now = func() time.Time { return base }

	job := Job{Name: "cleanup", Interval: time.Minute, Run: func(ctx context.Context) error {
		return fmt.Errorf("login: %w", session.ErrLockTimeout)
	}}

	next := runtime.runJobOnce(context.Background(), job)
	if want := base.Add(time.Minute); !next.Equal(want) {
		t.Errorf("Expected normal interval after lock timeout, got %v", next)
	}
}

func TestStatusPublication(t *testing.T) {
	store := coordination.NewMemoryStore()
	runtime := newTestRuntime(t, store, true)
	ctx := context.Background()

	job := Job{Name: "task-status", Interval: time.Minute, Run: func(ctx context.Context) error {
		return nil
	}}
	runtime.runJobOnce(ctx, job)
	runtime.publishStatus(ctx)

	raw, err := store.Get(ctx, StatusKey)
	if err != nil {
		t.Fatalf("Expected status blob, got %v", err)
	}

	var status Status
	if err := json.Unmarshal([]byte(raw), &status); err != nil {
		t.Fatalf("Status blob is not valid JSON: %v", err)
	}
	if status.Worker != "worker-a" {
		t.Errorf("Expected worker id in blob, got %q", status.Worker)
	}
	entry, ok := status.Jobs["task-status"]
	if !ok {
		t.Fatal("Expected job entry in blob")
	}
	if entry.LastRun.IsZero() || entry.NextRun.IsZero() {
		t.Errorf("Expected run timestamps, got %+v", entry)
	}
	if entry.LastError != "" {
		t.Errorf("Expected no error for successful run, got %q", entry.LastError)
	}
}
