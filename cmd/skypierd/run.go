package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/skypier/skypier/pkg/config"
	"github.com/skypier/skypier/pkg/coordination"
	"github.com/skypier/skypier/pkg/health"
	"github.com/skypier/skypier/pkg/observability/logger"
	"github.com/skypier/skypier/pkg/scheduler"
	"github.com/skypier/skypier/pkg/session"
	"github.com/skypier/skypier/pkg/upstream"
)

// runDaemon wires the full stack and blocks until the context is canceled.
func runDaemon(ctx context.Context, cfg *config.Config, log logger.Logger) error {
	log.Info("starting",
		"service", cfg.Service.Name,
		"environment", cfg.Service.Environment,
	)

	store, err := coordination.NewRedisStore(coordination.RedisConfig{
		URL:              cfg.Redis.URL,
		Prefix:           cfg.Redis.Prefix,
		MaxConns:         cfg.Redis.MaxConns,
		OperationTimeout: cfg.Redis.OperationTimeout,
	}, log)
	if err != nil {
		return fmt.Errorf("coordination store: %w", err)
	}
	defer func() { _ = store.Close() }()

	credStore, err := session.NewPostgresStore(session.PostgresConfig{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		QueryTimeout:    cfg.Database.QueryTimeout,
	}, log)
	if err != nil {
		return fmt.Errorf("credential store: %w", err)
	}
	defer func() { _ = credStore.Close() }()

	deviceID := cfg.Account.DeviceID
	if deviceID == "" {
		deviceID = upstream.DeriveDeviceID(cfg.Account.Username, cfg.Account.Password)
	}

	client, err := upstream.NewClient(upstream.Config{
		UserBaseURL:         cfg.Upstream.UserBaseURL,
		APIBaseURL:          cfg.Upstream.APIBaseURL,
		DeviceID:            deviceID,
		HTTPTimeout:         cfg.Upstream.HTTPTimeout,
		CaptchaMintInterval: cfg.Upstream.CaptchaMintInterval,
	}, log)
	if err != nil {
		return fmt.Errorf("upstream client: %w", err)
	}

	manager, err := session.NewManager(client, store, credStore, log, session.Config{
		Username:         cfg.Account.Username,
		Password:         cfg.Account.Password,
		ExpiryBuffer:     cfg.Session.ExpiryBuffer,
		LockTTL:          cfg.Session.LockTTL,
		LockPollInterval: cfg.Session.LockPollInterval,
		LockWaitTimeout:  cfg.Session.LockWaitTimeout,
		CooldownWindow:   cfg.Session.CooldownWindow,
	})
	if err != nil {
		return fmt.Errorf("session manager: %w", err)
	}

	// Pick up a previous worker's login instead of forcing a fresh one.
	if creds, err := credStore.Load(ctx); err == nil {
		manager.SetCredentials(creds)
		log.Info("loaded persisted credentials", "user_id", creds.UserID)
	} else if !errors.Is(err, session.ErrNoCredentials) {
		log.Warn("credential preload failed", "error", err)
	}

	executor, err := upstream.NewExecutor(manager, log, upstream.ExecutorConfig{
		MaxAttempts:      cfg.Upstream.MaxAttempts,
		RequestTimeout:   cfg.Upstream.RequestTimeout,
		RateLimitDelay:   cfg.Upstream.RateLimitDelay,
		BackoffBase:      cfg.Upstream.BackoffBase,
		BackoffMax:       cfg.Upstream.BackoffMax,
		BreakerThreshold: cfg.Upstream.BreakerThreshold,
		BreakerReset:     cfg.Upstream.BreakerReset,
	})
	if err != nil {
		return fmt.Errorf("executor: %w", err)
	}

	captcha := session.NewCaptchaCache(manager)

	elector, err := scheduler.NewLeaderElector(store, log, scheduler.LeaderConfig{
		TTL:           cfg.Scheduler.LeaderTTL,
		RenewInterval: cfg.Scheduler.RenewInterval,
	})
	if err != nil {
		return fmt.Errorf("leader elector: %w", err)
	}

	runtime, err := scheduler.NewRuntime(elector, store, log, scheduler.RuntimeConfig{
		StatusTTL:         cfg.Scheduler.StatusTTL,
		RateLimitCooldown: cfg.Scheduler.RateLimitCooldown,
	})
	if err != nil {
		return fmt.Errorf("scheduler runtime: %w", err)
	}
	for _, job := range maintenanceJobs(cfg, log, executor, captcha) {
		if err := runtime.Register(job); err != nil {
			return fmt.Errorf("register job: %w", err)
		}
	}

	checks := health.NewRegistry()
	checks.Register(health.NewAdapterChecker("redis", store, 2*time.Second))
	checks.Register(health.NewAdapterChecker("postgres", credStore, 2*time.Second))

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		err := elector.Run(groupCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	group.Go(func() error {
		return runtime.Start(groupCtx)
	})

	if cfg.Metrics.Enabled {
		group.Go(func() error {
			return serveManagement(groupCtx, cfg.Metrics.Port, checks, log)
		})
	}

	log.Info("started", "worker", elector.HolderID())
	err = group.Wait()
	log.Info("stopped")
	return err
}

// serveManagement exposes Prometheus metrics and health endpoints until the
// context is canceled.
func serveManagement(ctx context.Context, port int, checks *health.Registry, log logger.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if checks.Healthy(r.Context()) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("unhealthy"))
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("management server listening", "addr", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
