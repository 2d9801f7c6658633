package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/memohai/connector/internal/apperr"
	"github.com/memohai/connector/internal/channel"
	"github.com/memohai/connector/internal/conversation"
)

const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 2 * time.Second
)

// DeliveryConfig controls per-message delivery retry.
type DeliveryConfig struct {
	MaxAttempts int
	RetryDelay  time.Duration
}

// History persists outbound messages under the bot participant.
type History interface {
	EnsureBotParticipant(ctx context.Context, conv conversation.Conversation) (conversation.Participant, error)
	Append(ctx context.Context, conv conversation.Conversation, p conversation.Participant, attachments ...channel.Attachment) ([]conversation.Message, error)
}

// DeliveryResult reports a completed delivery.
type DeliveryResult struct {
	Persisted int
	Delivered int
	// Reply holds the rendered response body of synchronous channels.
	Reply any
}

// Deliverer validates, persists, formats and delivers a bot reply batch.
// Messages are delivered strictly in order; the first message that exhausts
// its retries aborts the rest of the batch.
type Deliverer struct {
	registry  *channel.Registry
	history   History
	validator *BatchValidator
	cfg       DeliveryConfig
	logger    *slog.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewDeliverer(log *slog.Logger, registry *channel.Registry, history History, cfg DeliveryConfig) *Deliverer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	return &Deliverer{
		registry:  registry,
		history:   history,
		validator: NewBatchValidator(),
		cfg:       cfg,
		logger:    log.With(slog.String("component", "delivery")),
		sleep:     sleepContext,
	}
}

// Deliver runs the outbound pipeline for msgs in conv.
func (d *Deliverer) Deliver(ctx context.Context, ch channel.Channel, conv conversation.Conversation, msgs []channel.Attachment) (DeliveryResult, error) {
	drv, err := d.registry.Dispatch(ch.Type)
	if err != nil {
		return DeliveryResult{}, err
	}
	if err := d.validator.Validate(msgs); err != nil {
		return DeliveryResult{}, err
	}
	var result DeliveryResult
	if len(msgs) > 0 {
		bot, err := d.history.EnsureBotParticipant(ctx, conv)
		if err != nil {
			return DeliveryResult{}, fmt.Errorf("ensure bot participant: %w", err)
		}
		persisted, err := d.history.Append(ctx, conv, bot, msgs...)
		if err != nil {
			return DeliveryResult{}, fmt.Errorf("persist bot messages: %w", err)
		}
		result.Persisted = len(persisted)
	}

	view := conv.View()
	if drv.Synchronous() {
		payloads := make([]any, 0, len(msgs))
		for _, msg := range msgs {
			formatted, err := drv.FormatMessage(ch, view, msg)
			if err != nil {
				return result, asFormatFailure(err, msg)
			}
			payloads = append(payloads, formatted...)
		}
		reply, err := drv.RenderReply(ch, view, payloads)
		if err != nil {
			return result, err
		}
		result.Reply = reply
		result.Delivered = len(msgs)
		return result, nil
	}

	for i, msg := range msgs {
		payloads, err := drv.FormatMessage(ch, view, msg)
		if err != nil {
			return result, asFormatFailure(err, msg)
		}
		for _, payload := range payloads {
			if err := d.deliverWithRetry(ctx, drv, ch, view, payload); err != nil {
				return result, apperr.Connector(err,
					"failed to deliver message %d of %d to %s channel %q in conversation %s",
					i+1, len(msgs), ch.Type, ch.Slug, conv.ID,
				).With("channel_type", ch.Type.String()).
					With("channel_slug", ch.Slug).
					With("conversation_id", conv.ID)
			}
		}
		result.Delivered++
	}
	return result, nil
}

func (d *Deliverer) deliverWithRetry(ctx context.Context, drv channel.Driver, ch channel.Channel, conv channel.Conversation, payload any) error {
	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		err := drv.DeliverMessage(ctx, ch, conv, payload)
		if err == nil {
			return nil
		}
		lastErr = err
		d.logger.Warn("deliver message retry",
			slog.String("channel_type", ch.Type.String()),
			slog.String("channel_id", ch.ID),
			slog.String("conversation_id", conv.ID),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
		if attempt == d.cfg.MaxAttempts {
			break
		}
		if err := d.sleep(ctx, d.cfg.RetryDelay); err != nil {
			return fmt.Errorf("%w (retry aborted: %v)", lastErr, err)
		}
	}
	return fmt.Errorf("deliver failed after %d attempts: %w", d.cfg.MaxAttempts, lastErr)
}

func asFormatFailure(err error, msg channel.Attachment) error {
	if _, ok := apperr.As(err); ok {
		return err
	}
	return apperr.Wrap(apperr.KindBadRequest, err, fmt.Sprintf("cannot format %s message", msg.Type))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
