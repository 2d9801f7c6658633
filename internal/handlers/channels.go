package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/connector/internal/channel"
)

// ChannelService is the channel CRUD used by the admin API.
type ChannelService interface {
	Get(ctx context.Context, id string) (channel.Channel, error)
	List(ctx context.Context, botID string) ([]channel.Channel, error)
	Create(ctx context.Context, botID string, req channel.CreateRequest) (channel.Channel, error)
	Update(ctx context.Context, id string, req channel.UpdateRequest) (channel.Channel, error)
	Delete(ctx context.Context, id string) error
}

// DescriptorLister lists the registered channel types.
type DescriptorLister interface {
	ListDescriptors() []channel.Descriptor
}

type ChannelsHandler struct {
	channels ChannelService
	bots     BotService
	types    DescriptorLister
	logger   *slog.Logger
}

func NewChannelsHandler(log *slog.Logger, channels ChannelService, botService BotService, types DescriptorLister) *ChannelsHandler {
	return &ChannelsHandler{
		channels: channels,
		bots:     botService,
		types:    types,
		logger:   log.With(slog.String("handler", "channels")),
	}
}

func (h *ChannelsHandler) Register(e *echo.Echo) {
	e.GET("/v1/channel-types", h.ListTypes)

	group := e.Group("/v1/bots/:bot_id/channels")
	group.POST("", h.Create)
	group.GET("", h.List)
	group.GET("/:channel_id", h.Get)
	group.PUT("/:channel_id", h.Update)
	group.DELETE("/:channel_id", h.Delete)
}

// ListTypes godoc
// @Summary List channel types
// @Description Lists every registered channel type with its credential schema
// @Tags channels
// @Success 200 {object} Envelope
// @Router /v1/channel-types [get]
func (h *ChannelsHandler) ListTypes(c echo.Context) error {
	descs := make([]channel.Descriptor, 0)
	for _, d := range h.types.ListDescriptors() {
		if d.Internal {
			continue
		}
		descs = append(descs, d)
	}
	return c.JSON(http.StatusOK, Envelope{Results: descs, Message: "Channel types successfully listed"})
}

// Create godoc
// @Summary Create a channel
// @Tags channels
// @Param bot_id path string true "Bot ID"
// @Param payload body channel.CreateRequest true "Channel"
// @Success 201 {object} Envelope
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /v1/bots/{bot_id}/channels [post]
func (h *ChannelsHandler) Create(c echo.Context) error {
	ctx := c.Request().Context()
	bot, err := h.bots.Get(ctx, c.Param("bot_id"))
	if err != nil {
		return err
	}
	var req channel.CreateRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	ch, err := h.channels.Create(ctx, bot.ID, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, Envelope{Results: ch, Message: "Channel successfully created"})
}

// List godoc
// @Summary List a bot's channels
// @Tags channels
// @Param bot_id path string true "Bot ID"
// @Success 200 {object} Envelope
// @Failure 404 {object} ErrorResponse
// @Router /v1/bots/{bot_id}/channels [get]
func (h *ChannelsHandler) List(c echo.Context) error {
	ctx := c.Request().Context()
	bot, err := h.bots.Get(ctx, c.Param("bot_id"))
	if err != nil {
		return err
	}
	items, err := h.channels.List(ctx, bot.ID)
	if err != nil {
		return err
	}
	if items == nil {
		items = []channel.Channel{}
	}
	return c.JSON(http.StatusOK, Envelope{Results: items, Message: "Channels successfully listed"})
}

// Get godoc
// @Summary Get a channel
// @Tags channels
// @Param bot_id path string true "Bot ID"
// @Param channel_id path string true "Channel ID"
// @Success 200 {object} Envelope
// @Failure 404 {object} ErrorResponse
// @Router /v1/bots/{bot_id}/channels/{channel_id} [get]
func (h *ChannelsHandler) Get(c echo.Context) error {
	ch, err := h.owned(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, Envelope{Results: ch, Message: "Channel successfully found"})
}

// Update godoc
// @Summary Update a channel
// @Tags channels
// @Param bot_id path string true "Bot ID"
// @Param channel_id path string true "Channel ID"
// @Param payload body channel.UpdateRequest true "Channel"
// @Success 200 {object} Envelope
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /v1/bots/{bot_id}/channels/{channel_id} [put]
func (h *ChannelsHandler) Update(c echo.Context) error {
	ch, err := h.owned(c)
	if err != nil {
		return err
	}
	var req channel.UpdateRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	updated, err := h.channels.Update(c.Request().Context(), ch.ID, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, Envelope{Results: updated, Message: "Channel successfully updated"})
}

// Delete godoc
// @Summary Delete a channel
// @Tags channels
// @Param bot_id path string true "Bot ID"
// @Param channel_id path string true "Channel ID"
// @Success 200 {object} Envelope
// @Failure 404 {object} ErrorResponse
// @Router /v1/bots/{bot_id}/channels/{channel_id} [delete]
func (h *ChannelsHandler) Delete(c echo.Context) error {
	ch, err := h.owned(c)
	if err != nil {
		return err
	}
	if err := h.channels.Delete(c.Request().Context(), ch.ID); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, Envelope{Results: nil, Message: "Channel successfully deleted"})
}

// owned loads the path channel and hides channels of other bots.
func (h *ChannelsHandler) owned(c echo.Context) (channel.Channel, error) {
	ch, err := h.channels.Get(c.Request().Context(), c.Param("channel_id"))
	if err != nil {
		return channel.Channel{}, err
	}
	if ch.BotID != c.Param("bot_id") {
		return channel.Channel{}, channel.ErrChannelNotFound
	}
	return ch, nil
}
