package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/connector/internal/channel"
)

// MaxWebhookBody bounds inbound webhook payloads.
const MaxWebhookBody = 1 << 20

// WebhookIngestor runs inbound webhook calls through the message pipeline.
type WebhookIngestor interface {
	Handle(ctx context.Context, channelID string, req *channel.WebhookRequest) (channel.Reply, error)
	Verify(ctx context.Context, channelID string, req *channel.WebhookRequest) (channel.Reply, error)
}

type WebhookHandler struct {
	ingestor WebhookIngestor
	logger   *slog.Logger
}

func NewWebhookHandler(log *slog.Logger, ingestor WebhookIngestor) *WebhookHandler {
	return &WebhookHandler{
		ingestor: ingestor,
		logger:   log.With(slog.String("handler", "webhook")),
	}
}

func (h *WebhookHandler) Register(e *echo.Echo) {
	for _, prefix := range []string{"/v1/webhook", "/webhook"} {
		group := e.Group(prefix)
		group.POST("/:channel_id", h.Receive)
		group.GET("/:channel_id", h.Verify)
	}
}

// Receive godoc
// @Summary Receive a channel webhook
// @Description Runs a platform webhook call through the message pipeline
// @Tags webhook
// @Param channel_id path string true "Channel ID"
// @Success 200 {object} object
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /v1/webhook/{channel_id} [post]
func (h *WebhookHandler) Receive(c echo.Context) error {
	req, err := channel.NewWebhookRequest(c.Request(), MaxWebhookBody)
	if err != nil {
		return err
	}
	reply, err := h.ingestor.Handle(c.Request().Context(), c.Param("channel_id"), req)
	if err != nil {
		return err
	}
	return writeReply(c, reply)
}

// Verify godoc
// @Summary Verify a channel webhook
// @Description Answers platform webhook verification challenges
// @Tags webhook
// @Param channel_id path string true "Channel ID"
// @Success 200 {object} object
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /v1/webhook/{channel_id} [get]
func (h *WebhookHandler) Verify(c echo.Context) error {
	req, err := channel.NewWebhookRequest(c.Request(), MaxWebhookBody)
	if err != nil {
		return err
	}
	reply, err := h.ingestor.Verify(c.Request().Context(), c.Param("channel_id"), req)
	if err != nil {
		return err
	}
	return writeReply(c, reply)
}

// writeReply renders string bodies as plain text (verification challenges
// are echoed verbatim) and anything else as JSON.
func writeReply(c echo.Context, reply channel.Reply) error {
	status := reply.Status
	if status == 0 {
		status = http.StatusOK
	}
	switch body := reply.Body.(type) {
	case nil:
		return c.NoContent(status)
	case string:
		return c.String(status, body)
	case []byte:
		return c.Blob(status, echo.MIMETextPlainCharsetUTF8, body)
	default:
		return c.JSON(status, body)
	}
}
