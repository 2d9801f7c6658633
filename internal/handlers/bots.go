package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/connector/internal/bots"
	"github.com/memohai/connector/internal/healthcheck"
)

// BotService is the bot CRUD used by the admin API.
type BotService interface {
	Get(ctx context.Context, id string) (bots.Bot, error)
	Create(ctx context.Context, req bots.CreateRequest) (bots.Bot, error)
	Update(ctx context.Context, id string, req bots.UpdateRequest) (bots.Bot, error)
}

type BotsHandler struct {
	bots   BotService
	checks healthcheck.Checker
	logger *slog.Logger
}

func NewBotsHandler(log *slog.Logger, service BotService, checks healthcheck.Checker) *BotsHandler {
	return &BotsHandler{
		bots:   service,
		checks: checks,
		logger: log.With(slog.String("handler", "bots")),
	}
}

func (h *BotsHandler) Register(e *echo.Echo) {
	group := e.Group("/v1/bots")
	group.POST("", h.Create)
	group.GET("/:bot_id", h.Get)
	group.PUT("/:bot_id", h.Update)
	group.GET("/:bot_id/checks", h.Checks)
}

// ChecksResponse is the runtime health of a bot's channels.
type ChecksResponse struct {
	Status healthcheck.Status        `json:"status"`
	Items  []healthcheck.CheckResult `json:"items"`
}

// Create godoc
// @Summary Create a bot
// @Tags bots
// @Param payload body bots.CreateRequest true "Bot"
// @Success 201 {object} Envelope
// @Failure 400 {object} ErrorResponse
// @Router /v1/bots [post]
func (h *BotsHandler) Create(c echo.Context) error {
	var req bots.CreateRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	bot, err := h.bots.Create(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, Envelope{Results: bot, Message: "Bot successfully created"})
}

// Get godoc
// @Summary Get a bot
// @Tags bots
// @Param bot_id path string true "Bot ID"
// @Success 200 {object} Envelope
// @Failure 404 {object} ErrorResponse
// @Router /v1/bots/{bot_id} [get]
func (h *BotsHandler) Get(c echo.Context) error {
	bot, err := h.bots.Get(c.Request().Context(), c.Param("bot_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, Envelope{Results: bot, Message: "Bot successfully found"})
}

// Update godoc
// @Summary Update a bot
// @Tags bots
// @Param bot_id path string true "Bot ID"
// @Param payload body bots.UpdateRequest true "Bot"
// @Success 200 {object} Envelope
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /v1/bots/{bot_id} [put]
func (h *BotsHandler) Update(c echo.Context) error {
	var req bots.UpdateRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	bot, err := h.bots.Update(c.Request().Context(), c.Param("bot_id"), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, Envelope{Results: bot, Message: "Bot successfully updated"})
}

// Checks godoc
// @Summary List a bot's runtime checks
// @Description Reports whether each channel of the bot is registered with its platform
// @Tags bots
// @Param bot_id path string true "Bot ID"
// @Success 200 {object} Envelope
// @Failure 404 {object} ErrorResponse
// @Router /v1/bots/{bot_id}/checks [get]
func (h *BotsHandler) Checks(c echo.Context) error {
	ctx := c.Request().Context()
	bot, err := h.bots.Get(ctx, c.Param("bot_id"))
	if err != nil {
		return err
	}
	items := []healthcheck.CheckResult{}
	if h.checks != nil {
		items = h.checks.ListChecks(ctx, bot.ID)
	}
	return c.JSON(http.StatusOK, Envelope{
		Results: ChecksResponse{Status: healthcheck.Overall(items), Items: items},
		Message: "Checks successfully listed",
	})
}
