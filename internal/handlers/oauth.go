package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/memohai/connector/internal/apperr"
	"github.com/memohai/connector/internal/channel"
	"github.com/memohai/connector/internal/channel/adapters/slack"
	"github.com/memohai/connector/internal/channel/adapters/slackapp"
)

// SlackInstaller exchanges a Slack OAuth code for workspace credentials.
type SlackInstaller interface {
	Install(ctx context.Context, app channel.Channel, code, redirectURI string) (slackapp.Installation, error)
}

// ChildChannels loads app channels and upserts their per-workspace children.
type ChildChannels interface {
	Get(ctx context.Context, id string) (channel.Channel, error)
	UpsertChild(ctx context.Context, parent channel.Channel, childType channel.ChannelType, externalID string, credentials map[string]any) (channel.Channel, error)
}

type OAuthHandler struct {
	installer SlackInstaller
	channels  ChildChannels
	baseURL   string
	logger    *slog.Logger
}

func NewOAuthHandler(log *slog.Logger, installer SlackInstaller, channels ChildChannels, baseURL string) *OAuthHandler {
	return &OAuthHandler{
		installer: installer,
		channels:  channels,
		baseURL:   strings.TrimRight(baseURL, "/"),
		logger:    log.With(slog.String("handler", "oauth")),
	}
}

func (h *OAuthHandler) Register(e *echo.Echo) {
	e.GET("/v1/oauth/slack/:channel_id", h.SlackInstall)
}

// SlackInstall godoc
// @Summary Complete a Slack app installation
// @Description Exchanges the OAuth code and creates or refreshes the workspace channel
// @Tags oauth
// @Param channel_id path string true "Slack app channel ID"
// @Param code query string true "OAuth code"
// @Success 200 {object} Envelope
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /v1/oauth/slack/{channel_id} [get]
func (h *OAuthHandler) SlackInstall(c echo.Context) error {
	ctx := c.Request().Context()
	if denied := c.QueryParam("error"); denied != "" {
		return apperr.BadRequest("slack installation was not approved: %s", denied)
	}
	app, err := h.channels.Get(ctx, c.Param("channel_id"))
	if err != nil {
		return err
	}
	if app.Type != slackapp.Type {
		return apperr.BadRequest("channel %s is not a slack app", app.ID)
	}
	redirectURI := h.baseURL + "/v1/oauth/slack/" + url.PathEscape(app.ID)
	install, err := h.installer.Install(ctx, app, strings.TrimSpace(c.QueryParam("code")), redirectURI)
	if err != nil {
		return err
	}
	child, err := h.channels.UpsertChild(ctx, app, slack.Type, install.TeamID, install.Credentials)
	if err != nil {
		return err
	}
	h.logger.Info("slack workspace installed",
		slog.String("app_id", app.ID),
		slog.String("channel_id", child.ID),
		slog.String("team_id", install.TeamID),
	)
	return c.JSON(http.StatusOK, Envelope{
		Results: child,
		Message: "Slack workspace " + install.TeamName + " installed",
	})
}
