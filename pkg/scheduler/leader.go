package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/skypier/skypier/pkg/coordination"
	"github.com/skypier/skypier/pkg/observability/logger"
)

// LeaderKey is the coordination-store key holding the current scheduler leader.
const LeaderKey = "scheduler:leader"

const (
	DefaultLeaderTTL     = 120 * time.Second
	DefaultRenewInterval = 60 * time.Second
)

// LeaderConfig controls leader election timing.
type LeaderConfig struct {
	Key           string
	TTL           time.Duration
	RenewInterval time.Duration
	HolderID      string
}

func (c *LeaderConfig) normalize() {
	if c.Key == "" {
		c.Key = LeaderKey
	}
	if c.TTL <= 0 {
		c.TTL = DefaultLeaderTTL
	}
	if c.RenewInterval <= 0 {
		c.RenewInterval = DefaultRenewInterval
	}
	if c.HolderID == "" {
		host, _ := os.Hostname()
		c.HolderID = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString())
	}
}

// LeaderElector competes for the scheduler leader lease. Exactly one worker
// holds it at a time; the holder renews it at half the TTL, and a crashed
// holder is replaced within one TTL by whichever worker acquires next.
type LeaderElector struct {
	coord  coordination.LeaseProvider
	log    logger.Logger
	config LeaderConfig

	leader atomic.Bool
	mu     sync.Mutex
	lease  *coordination.Lease

	sleep func(ctx context.Context, d time.Duration) error
}

// NewLeaderElector creates a leader elector over the coordination store.
func NewLeaderElector(coord coordination.LeaseProvider, log logger.Logger, cfg LeaderConfig) (*LeaderElector, error) {
	if coord == nil {
		return nil, schedulerError(ErrValidation, "coordination store is required")
	}
	if log == nil {
		return nil, schedulerError(ErrValidation, "logger is required")
	}
	cfg.normalize()

	return &LeaderElector{
		coord:  coord,
		log:    log.With("component", "leader", "holder", cfg.HolderID),
		config: cfg,
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

// IsLeader reports whether this worker currently holds the leader lease.
func (e *LeaderElector) IsLeader() bool {
	return e.leader.Load()
}

// HolderID returns this worker's election identity.
func (e *LeaderElector) HolderID() string {
	return e.config.HolderID
}

// Run competes for leadership until the context is canceled, acquiring when
// the lease is free and renewing while held. Returns the context error on
// shutdown, after resigning any held lease.
func (e *LeaderElector) Run(ctx context.Context) error {
	for {
		e.tick(ctx)

		if err := e.sleep(ctx, e.config.RenewInterval); err != nil {
			e.Resign(context.WithoutCancel(ctx))
			return err
		}
	}
}

func (e *LeaderElector) tick(ctx context.Context) {
	if !e.IsLeader() {
		lease, acquired, err := e.coord.AcquireLease(ctx, e.config.Key, e.config.HolderID, e.config.TTL)
		if err != nil {
			e.log.Warn("leader acquire failed", "error", err)
			recordElection("acquire_error")
			return
		}
		if !acquired {
			recordElection("follower")
			return
		}

		e.mu.Lock()
		e.lease = lease
		e.mu.Unlock()
		e.leader.Store(true)
		setLeaderGauge(true)
		recordElection("acquired")
		e.log.Info("became scheduler leader")
		return
	}

	e.mu.Lock()
	lease := e.lease
	e.mu.Unlock()

	if err := e.coord.RenewLease(ctx, lease, e.config.TTL); err != nil {
		// A lost lease means another worker may already lead; step down
		// immediately rather than run jobs concurrently with it.
		e.stepDown()
		if errors.Is(err, coordination.ErrLeaseLost) {
			recordElection("lost")
			e.log.Warn("leader lease lost, stepping down")
		} else {
			recordElection("renew_error")
			e.log.Warn("leader renew failed, stepping down", "error", err)
		}
		return
	}
	recordElection("renewed")
}

// Resign releases a held lease so another worker can take over without
// waiting out the TTL. Safe to call when not leading.
func (e *LeaderElector) Resign(ctx context.Context) {
	e.mu.Lock()
	lease := e.lease
	e.mu.Unlock()

	if !e.IsLeader() || lease == nil {
		return
	}
	e.stepDown()

	releaseCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := e.coord.ReleaseLease(releaseCtx, lease); err != nil && !errors.Is(err, coordination.ErrLeaseLost) {
		e.log.Warn("leader lease release failed", "error", err)
		return
	}
	e.log.Info("resigned scheduler leadership")
}

func (e *LeaderElector) stepDown() {
	e.leader.Store(false)
	setLeaderGauge(false)
	e.mu.Lock()
	e.lease = nil
	e.mu.Unlock()
}
