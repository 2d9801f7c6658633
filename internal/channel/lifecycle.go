package channel

import (
	"context"
	"log/slog"
)

// Lifecycle runs adapter lifecycle hooks. Hook failures never fail the
// surrounding operation: they mark the channel errored and are logged.
type Lifecycle struct {
	registry *Registry
	logger   *slog.Logger
}

// NewLifecycle creates a lifecycle runner backed by registry.
func NewLifecycle(log *slog.Logger, registry *Registry) *Lifecycle {
	return &Lifecycle{
		registry: registry,
		logger:   log.With(slog.String("component", "channel_lifecycle")),
	}
}

// Created runs the create hook and sets ch.IsErrored from its result.
func (l *Lifecycle) Created(ctx context.Context, ch *Channel) {
	d, err := l.registry.Dispatch(ch.Type)
	if err != nil {
		l.markErrored(ch, "create", err)
		return
	}
	if err := d.OnCreated(ctx, ch); err != nil {
		l.markErrored(ch, "create", err)
		return
	}
	ch.IsErrored = false
}

// Updated runs the update hook and sets ch.IsErrored from its result.
func (l *Lifecycle) Updated(ctx context.Context, ch *Channel, previous Channel) {
	d, err := l.registry.Dispatch(ch.Type)
	if err != nil {
		l.markErrored(ch, "update", err)
		return
	}
	if err := d.OnUpdated(ctx, ch, previous); err != nil {
		l.markErrored(ch, "update", err)
		return
	}
	ch.IsErrored = false
}

// Deleted runs the delete hook. The channel is gone, so failures are only logged.
func (l *Lifecycle) Deleted(ctx context.Context, ch Channel) {
	d, err := l.registry.Dispatch(ch.Type)
	if err != nil {
		return
	}
	if err := d.OnDeleted(ctx, ch); err != nil {
		l.logger.Warn("channel delete hook failed",
			slog.String("channel_id", ch.ID),
			slog.String("channel_type", ch.Type.String()),
			slog.String("slug", ch.Slug),
			slog.Any("error", err),
		)
	}
}

func (l *Lifecycle) markErrored(ch *Channel, hook string, err error) {
	ch.IsErrored = true
	l.logger.Error("channel lifecycle hook failed",
		slog.String("hook", hook),
		slog.String("channel_id", ch.ID),
		slog.String("channel_type", ch.Type.String()),
		slog.String("slug", ch.Slug),
		slog.Any("error", err),
	)
}
