// Package handlers exposes the relay over HTTP: platform webhooks, the Slack
// app install callback and the admin API.
package handlers

import (
	"github.com/labstack/echo/v4"

	"github.com/memohai/connector/internal/apperr"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Results any    `json:"results"`
	Message string `json:"message"`
}

// Envelope wraps successful admin API responses.
type Envelope struct {
	Results any    `json:"results"`
	Message string `json:"message"`
}

func bindAndValidate(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return apperr.BadRequest("invalid request body")
	}
	if err := c.Validate(v); err != nil {
		return apperr.Wrap(apperr.KindBadRequest, err, err.Error())
	}
	return nil
}
