package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/connector/internal/apperr"
)

func TestShouldSkipJWT(t *testing.T) {
	t.Parallel()

	cases := []struct {
		path string
		want bool
	}{
		{path: "/v1/webhook/ch-1", want: true},
		{path: "/webhook/ch-1", want: true},
		{path: "/v1/webhook/", want: false},
		{path: "/v1/oauth/slack/ch-1", want: true},
		{path: "/ping", want: true},
		{path: "/health", want: true},
		{path: "/v1/bots", want: false},
		{path: "/v1/bots/b-1/channels", want: false},
		{path: "/v1/channel-types", want: false},
		{path: "/api/v1/webhook/ch-1", want: false},
	}

	for _, tc := range cases {
		got := ShouldSkipJWT(tc.path)
		if got != tc.want {
			t.Fatalf("path=%q want=%v got=%v", tc.path, tc.want, got)
		}
	}
}

type routeHandler struct {
	method string
	path   string
	fn     echo.HandlerFunc
}

func (h routeHandler) Register(e *echo.Echo) {
	e.Add(h.method, h.path, h.fn)
}

func newTestServer(handlers ...Handler) *Server {
	return NewServer(slog.New(slog.NewTextHandler(io.Discard, nil)), "", "secret", handlers...)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "results")
	assert.Nil(t, body["results"])
	msg, _ := body["message"].(string)
	return errorBody{Message: msg}
}

func TestErrorHandlerMapsKinds(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		err    error
		status int
		msg    string
	}{
		{name: "not found", err: apperr.NotFound("channel not found"), status: http.StatusNotFound, msg: "channel not found"},
		{name: "unauthorized", err: apperr.Unauthorized("bad signature"), status: http.StatusUnauthorized, msg: "bad signature"},
		{name: "connector", err: apperr.Connector(errors.New("boom"), "delivery failed"), status: http.StatusServiceUnavailable, msg: "delivery failed"},
		{name: "http error", err: echo.NewHTTPError(http.StatusTeapot, "short and stout"), status: http.StatusTeapot, msg: "short and stout"},
		{name: "plain", err: errors.New("leak"), status: http.StatusInternalServerError, msg: "internal server error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := tc.err
			srv := newTestServer(routeHandler{method: http.MethodPost, path: "/v1/webhook/:channel_id", fn: func(echo.Context) error { return err }})
			rec := httptest.NewRecorder()
			srv.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/webhook/ch-1", nil))
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.msg, decodeError(t, rec).Message)
		})
	}
}

func TestAdminRoutesRequireToken(t *testing.T) {
	t.Parallel()

	srv := newTestServer(routeHandler{method: http.MethodGet, path: "/v1/bots/:bot_id", fn: func(c echo.Context) error {
		return c.NoContent(http.StatusNoContent)
	}})
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/bots/b-1", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, decodeError(t, rec).Message)
}

func TestValidatorRejectsMissingFields(t *testing.T) {
	t.Parallel()

	type payload struct {
		URL string `validate:"required,url"`
	}
	v := NewValidator()
	assert.Error(t, v.Validate(payload{}))
	assert.Error(t, v.Validate(payload{URL: "not a url"}))
	assert.NoError(t, v.Validate(payload{URL: "https://bot.example.com/hook"}))
}
