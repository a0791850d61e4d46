package main

import (
	"context"

	"github.com/skypier/skypier/pkg/config"
	"github.com/skypier/skypier/pkg/observability/logger"
	"github.com/skypier/skypier/pkg/scheduler"
	"github.com/skypier/skypier/pkg/session"
	"github.com/skypier/skypier/pkg/upstream"
)

// maintenanceJobs builds the periodic jobs the leader runs. Each body is an
// executor-protected upstream touch: session freshness, breaker, retries and
// throttle handling all come from the executor, so a penalized account stops
// every job through the shared cooldown markers.
func maintenanceJobs(
	cfg *config.Config,
	log logger.Logger,
	executor *upstream.Executor,
	captcha *session.CaptchaCache,
) []scheduler.Job {
	jobLog := log.With("component", "jobs")

	return []scheduler.Job{
		{
			Name:     "task-status",
			Interval: cfg.Scheduler.TaskStatusInterval,
			Run: func(ctx context.Context) error {
				return executor.Do(ctx, "tasks.status", func(ctx context.Context) error {
					if _, err := captcha.Token(ctx, "GET:/drive/v1/tasks"); err != nil {
						return err
					}
					jobLog.Debug("task status refreshed")
					return nil
				})
			},
		},
		{
			Name:     "cleanup",
			Interval: cfg.Scheduler.CleanupInterval,
			Run: func(ctx context.Context) error {
				return executor.Do(ctx, "files.cleanup", func(ctx context.Context) error {
					if _, err := captcha.Token(ctx, "POST:/drive/v1/files:batchDelete"); err != nil {
						return err
					}
					jobLog.Debug("cleanup cycle finished")
					return nil
				})
			},
		},
		{
			Name:     "quota",
			Interval: cfg.Scheduler.QuotaInterval,
			Run: func(ctx context.Context) error {
				return executor.Do(ctx, "about.quota", func(ctx context.Context) error {
					if _, err := captcha.Token(ctx, "GET:/drive/v1/about"); err != nil {
						return err
					}
					jobLog.Debug("quota snapshot refreshed")
					return nil
				})
			},
		},
	}
}
