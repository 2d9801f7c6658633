// Package forwarder posts canonical inbound messages to a bot and decodes
// the bot's reply batch.
package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/memohai/connector/internal/apperr"
	"github.com/memohai/connector/internal/channel"
)

const maxResponseBytes = 4 << 20

// Request is the body posted to the bot.
type Request struct {
	Message  any    `json:"message"`
	ChatID   string `json:"chatId"`
	SenderID string `json:"senderId"`
}

// Response is the decoded bot reply.
type Response struct {
	Messages []channel.Attachment
	Results  json.RawMessage
}

type wireResponse struct {
	Messages json.RawMessage `json:"messages"`
	Results  json.RawMessage `json:"results"`
}

// Client forwards messages to bots. Failures are not retried.
type Client struct {
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a forwarding client with the given request timeout.
func NewClient(log *slog.Logger, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		http:   &http.Client{Timeout: timeout},
		logger: log.With(slog.String("component", "forwarder")),
	}
}

// NewClientWithHTTP creates a client around an existing http.Client.
func NewClientWithHTTP(log *slog.Logger, client *http.Client) *Client {
	return &Client{http: client, logger: log.With(slog.String("component", "forwarder"))}
}

// Send posts req to url and decodes the reply.
func (c *Client) Send(ctx context.Context, url string, req Request) (Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("encode bot request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Response{}, apperr.Wrap(apperr.KindService, err, "invalid bot url")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Response{}, apperr.Service(err, "bot request failed")
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Response{}, apperr.Service(err, "read bot response")
	}
	c.logger.Debug("bot replied",
		slog.String("chat_id", req.ChatID),
		slog.Int("status", resp.StatusCode),
		slog.Duration("latency", time.Since(start)),
	)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Response{}, apperr.Service(fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(data), 200)), "bot rejected the message")
	}
	return DecodeResponse(data)
}

// DecodeResponse decodes a bot reply whose messages field is either an
// array of attachments or a JSON string holding such an array.
func DecodeResponse(data []byte) (Response, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Response{}, nil
	}
	var wire wireResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return Response{}, apperr.Wrap(apperr.KindFormat, err, "invalid bot response")
	}
	msgs, err := decodeMessages(wire.Messages)
	if err != nil {
		return Response{}, err
	}
	return Response{Messages: msgs, Results: wire.Results}, nil
}

func decodeMessages(raw json.RawMessage) ([]channel.Attachment, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil, nil
	}
	if trimmed[0] == '"' {
		var encoded string
		if err := json.Unmarshal(trimmed, &encoded); err != nil {
			return nil, apperr.Wrap(apperr.KindFormat, err, "invalid messages string")
		}
		if strings.TrimSpace(encoded) == "" {
			return nil, nil
		}
		trimmed = []byte(encoded)
	}
	var msgs []channel.Attachment
	if err := json.Unmarshal(trimmed, &msgs); err != nil {
		return nil, apperr.Wrap(apperr.KindFormat, err, "messages must be an array of attachments")
	}
	return msgs, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
