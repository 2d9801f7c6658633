// Package slackapp implements the distributable Slack app channel. The app
// channel owns one slack child channel per installed workspace and routes
// each event to the child matching its team id.
package slackapp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/slack-go/slack"

	"github.com/memohai/connector/internal/apperr"
	"github.com/memohai/connector/internal/channel"
	slackadapter "github.com/memohai/connector/internal/channel/adapters/slack"
)

// Type is the Slack app channel type.
const Type channel.ChannelType = "slackapp"

// ChildFinder looks up the workspace channel spawned by an app channel.
type ChildFinder interface {
	FindChild(ctx context.Context, appID, externalID string) (channel.Channel, error)
}

// Installation is the result of a successful OAuth install.
type Installation struct {
	TeamID      string
	TeamName    string
	Credentials map[string]any
}

type SlackAppAdapter struct {
	logger    *slog.Logger
	client    *http.Client
	children  ChildFinder
	workspace *slackadapter.SlackAdapter
}

func NewSlackAppAdapter(log *slog.Logger, client *http.Client, children ChildFinder, workspace *slackadapter.SlackAdapter) *SlackAppAdapter {
	if log == nil {
		log = slog.Default()
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &SlackAppAdapter{
		logger:    log.With(slog.String("adapter", "slackapp")),
		client:    client,
		children:  children,
		workspace: workspace,
	}
}

func (a *SlackAppAdapter) Type() channel.ChannelType {
	return Type
}

func (a *SlackAppAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        Type,
		DisplayName: "Slack App",
		ConfigSchema: channel.ConfigSchema{
			Version: 1,
			Fields: map[string]channel.FieldSchema{
				"clientId":      {Type: channel.FieldString, Required: true, Title: "Client ID"},
				"clientSecret":  {Type: channel.FieldSecret, Required: true, Title: "Client Secret"},
				"signingSecret": {Type: channel.FieldSecret, Required: true, Title: "Signing Secret"},
			},
		},
	}
}

// BeforePipeline answers url_verification for the app and swaps the app
// channel for the workspace child the event belongs to.
func (a *SlackAppAdapter) BeforePipeline(ctx context.Context, req *channel.WebhookRequest, ch channel.Channel) channel.Outcome[channel.Channel] {
	event, err := slackadapter.ParseEvent(req.Body)
	if err != nil {
		return channel.Reject[channel.Channel](err)
	}
	if challenge, ok := slackadapter.ChallengeReply(event); ok {
		return channel.Stop[channel.Channel](challenge)
	}
	if event.TeamID == "" {
		return channel.Reject[channel.Channel](apperr.BadRequest("slack event has no team_id"))
	}
	child, err := a.children.FindChild(ctx, ch.ID, event.TeamID)
	if err != nil {
		if errors.Is(err, channel.ErrChannelNotFound) {
			a.logger.Warn("event for uninstalled workspace",
				slog.String("channel_id", ch.ID),
				slog.String("team_id", event.TeamID),
			)
			return channel.Stop[channel.Channel](nil)
		}
		return channel.Reject[channel.Channel](err)
	}
	return a.workspace.BeforePipeline(ctx, req, child)
}

// Install exchanges an OAuth code for a workspace bot token.
func (a *SlackAppAdapter) Install(ctx context.Context, app channel.Channel, code, redirectURI string) (Installation, error) {
	if app.Type != Type {
		return Installation{}, apperr.BadRequest("channel %s is not a slack app", app.ID)
	}
	if code == "" {
		return Installation{}, apperr.BadRequest("missing oauth code")
	}
	resp, err := slack.GetOAuthV2ResponseContext(ctx, a.client,
		app.Credential("clientId", "client_id"),
		app.Credential("clientSecret", "client_secret"),
		code, redirectURI,
	)
	if err != nil {
		return Installation{}, apperr.Service(err, "slack oauth exchange failed")
	}
	creds := map[string]any{
		"botToken":      resp.AccessToken,
		"teamName":      resp.Team.Name,
		"signingSecret": app.Credential("signingSecret", "signing_secret"),
	}
	return Installation{TeamID: resp.Team.ID, TeamName: resp.Team.Name, Credentials: creds}, nil
}
