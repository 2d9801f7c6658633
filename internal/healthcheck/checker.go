// Package healthcheck reports per-bot channel health for the admin API.
package healthcheck

import (
	"context"
	"time"
)

// Status is the outcome of one check.
type Status string

const (
	StatusOK      Status = "ok"
	StatusWarn    Status = "warn"
	StatusError   Status = "error"
	StatusUnknown Status = "unknown"
)

// CheckResult describes the platform registration state of one channel, or
// a failure to inspect a bot's channels at all (ChannelID empty).
type CheckResult struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Title       string    `json:"title"`
	Subtitle    string    `json:"subtitle,omitempty"`
	Status      Status    `json:"status"`
	Summary     string    `json:"summary"`
	Detail      string    `json:"detail,omitempty"`
	ChannelID   string    `json:"channelId,omitempty"`
	ChannelType string    `json:"channelType,omitempty"`
	Webhook     string    `json:"webhook,omitempty"`
	Activated   bool      `json:"activated"`
	Errored     bool      `json:"errored"`
	AppID       string    `json:"app,omitempty"`
	Children    int       `json:"children,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt,omitzero"`
}

// Checker evaluates the checks of a bot.
type Checker interface {
	ListChecks(ctx context.Context, botID string) []CheckResult
}
