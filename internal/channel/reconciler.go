package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErroredRetrier re-runs lifecycle hooks for errored channels.
type ErroredRetrier interface {
	RetryErrored(ctx context.Context) (int, error)
}

// Reconciler periodically retries the lifecycle hooks of errored channels.
type Reconciler struct {
	cron     *cron.Cron
	retrier  ErroredRetrier
	schedule string
	timeout  time.Duration
	logger   *slog.Logger
}

// NewReconciler creates a reconciler. An empty schedule disables it.
func NewReconciler(log *slog.Logger, retrier ErroredRetrier, schedule string) *Reconciler {
	return &Reconciler{
		cron:     cron.New(),
		retrier:  retrier,
		schedule: strings.TrimSpace(schedule),
		timeout:  time.Minute,
		logger:   log.With(slog.String("component", "channel_reconciler")),
	}
}

// Start registers the job and starts the scheduler.
func (r *Reconciler) Start() error {
	if r.schedule == "" {
		r.logger.Info("channel reconciler disabled")
		return nil
	}
	if _, err := r.cron.AddFunc(r.schedule, r.RunOnce); err != nil {
		return fmt.Errorf("schedule channel reconciler: %w", err)
	}
	r.cron.Start()
	r.logger.Info("channel reconciler started", slog.String("schedule", r.schedule))
	return nil
}

// Stop stops the scheduler and waits for a running job.
func (r *Reconciler) Stop(ctx context.Context) error {
	done := r.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce retries errored channels once.
func (r *Reconciler) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	recovered, err := r.retrier.RetryErrored(ctx)
	if err != nil {
		r.logger.Error("reconcile errored channels failed", slog.Any("error", err))
		return
	}
	if recovered > 0 {
		r.logger.Info("errored channels recovered", slog.Int("count", recovered))
	}
}
