package channelchecker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/memohai/connector/internal/channel"
	"github.com/memohai/connector/internal/healthcheck"
)

const (
	checkTypeChannelLifecycle = "channel.lifecycle"
	titleChannelLifecycle     = "Channel registration"
)

// ChannelLister lists the channels of a bot.
type ChannelLister interface {
	List(ctx context.Context, botID string) ([]channel.Channel, error)
}

// Checker reports whether each channel's platform registration succeeded.
type Checker struct {
	logger   *slog.Logger
	channels ChannelLister
}

// NewChecker creates a channel health checker.
func NewChecker(log *slog.Logger, channels ChannelLister) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		logger:   log.With(slog.String("checker", "healthcheck_channel")),
		channels: channels,
	}
}

// ListChecks evaluates the lifecycle state of every channel of a bot.
func (c *Checker) ListChecks(ctx context.Context, botID string) []healthcheck.CheckResult {
	botID = strings.TrimSpace(botID)
	if botID == "" {
		return []healthcheck.CheckResult{}
	}
	if c.channels == nil {
		return []healthcheck.CheckResult{serviceCheck(healthcheck.StatusWarn, "channel lister is nil")}
	}
	items, err := c.channels.List(ctx, botID)
	if err != nil {
		c.logger.Warn("list channels for healthcheck failed", slog.String("bot_id", botID), slog.Any("error", err))
		return []healthcheck.CheckResult{serviceCheck(healthcheck.StatusUnknown, err.Error())}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Type == items[j].Type {
			return items[i].ID < items[j].ID
		}
		return items[i].Type < items[j].Type
	})

	checks := make([]healthcheck.CheckResult, 0, len(items))
	for _, ch := range items {
		channelType := ch.Type.String()
		item := healthcheck.CheckResult{
			ID:          checkTypeChannelLifecycle + "." + ch.ID,
			Type:        checkTypeChannelLifecycle,
			Title:       titleChannelLifecycle,
			Subtitle:    buildSubtitle(channelType, ch.Slug),
			Status:      healthcheck.StatusOK,
			Summary:     fmt.Sprintf("Channel %s is registered.", channelType),
			ChannelID:   ch.ID,
			ChannelType: channelType,
			Webhook:     ch.Webhook,
			Activated:   ch.IsActivated,
			Errored:     ch.IsErrored,
			AppID:       ch.AppID,
			Children:    len(ch.Children),
			UpdatedAt:   ch.UpdatedAt,
		}
		switch {
		case !ch.IsActivated:
			item.Status = healthcheck.StatusWarn
			item.Summary = fmt.Sprintf("Channel %s is deactivated.", channelType)
		case ch.IsErrored:
			item.Status = healthcheck.StatusError
			item.Summary = fmt.Sprintf("Channel %s registration failed.", channelType)
			item.Detail = "the platform rejected the webhook registration; it is retried on the reconcile schedule"
		}
		checks = append(checks, item)
	}
	return checks
}

func serviceCheck(status healthcheck.Status, detail string) healthcheck.CheckResult {
	return healthcheck.CheckResult{
		ID:      checkTypeChannelLifecycle + ".service",
		Type:    checkTypeChannelLifecycle,
		Title:   titleChannelLifecycle,
		Status:  status,
		Summary: "Channel checker could not list channels.",
		Detail:  detail,
	}
}

func buildSubtitle(channelType, slug string) string {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return channelType
	}
	return channelType + " (" + slug + ")"
}
