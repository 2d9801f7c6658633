// Package channel provides the adapter abstraction that lets one webhook
// pipeline talk to many incompatible chat platforms. It defines the channel
// record, the canonical attachment union, the adapter capability interfaces
// and the registry that dispatches a channel type to its adapter.
package channel

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/memohai/connector/internal/apperr"
)

// ChannelType identifies a messaging platform (e.g., "telegram", "twilio").
type ChannelType string

// String returns the channel type as a plain string.
func (c ChannelType) String() string {
	return string(c)
}

// Channel is a configured integration between one bot and one chat platform.
type Channel struct {
	ID           string         `json:"id"`
	BotID        string         `json:"botId"`
	Type         ChannelType    `json:"type"`
	Slug         string         `json:"slug"`
	Credentials  map[string]any `json:"credentials,omitempty"`
	SelfIdentity map[string]any `json:"selfIdentity,omitempty"`
	Webhook      string         `json:"webhook"`
	IsActivated  bool           `json:"isActivated"`
	IsErrored    bool           `json:"isErrored"`
	// AppID references the parent channel for channels spawned by an app
	// (a Slack app installed into several workspaces).
	AppID      string    `json:"app,omitempty"`
	ExternalID string    `json:"externalId,omitempty"`
	Children   []string  `json:"children,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Credential returns the first non-empty credential among keys.
func (c Channel) Credential(keys ...string) string {
	return ReadString(c.Credentials, keys...)
}

// Self returns the first non-empty self identity value among keys.
func (c Channel) Self(keys ...string) string {
	return ReadString(c.SelfIdentity, keys...)
}

// Conversation is the view of a conversation handed to adapters.
type Conversation struct {
	ID       string
	ChatID   string
	Metadata map[string]any
}

// Meta returns a metadata value as a string.
func (c Conversation) Meta(key string) string {
	return ReadString(c.Metadata, key)
}

// RoutingContext identifies the chat and the sender of an inbound webhook.
// Metadata is merged into the conversation and is available at delivery time.
type RoutingContext struct {
	ChatID   string
	SenderID string
	Metadata map[string]any
}

// RawMessage is the channel-native message extracted from a webhook call.
type RawMessage []byte

// WebhookRequest is the transport-neutral view of an inbound webhook call.
type WebhookRequest struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
}

// NewWebhookRequest reads r's body up to limit bytes.
func NewWebhookRequest(r *http.Request, limit int64) (*WebhookRequest, error) {
	var body []byte
	if r.Body != nil {
		data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
		if err != nil {
			return nil, fmt.Errorf("read webhook body: %w", err)
		}
		if int64(len(data)) > limit {
			return nil, apperr.BadRequest("payload too large")
		}
		body = data
	}
	u := *r.URL
	return &WebhookRequest{
		Method: r.Method,
		URL:    &u,
		Header: r.Header.Clone(),
		Body:   body,
	}, nil
}

// Query returns a query string parameter.
func (r *WebhookRequest) Query(key string) string {
	if r.URL == nil {
		return ""
	}
	return r.URL.Query().Get(key)
}

// HeaderValue returns a trimmed header value.
func (r *WebhookRequest) HeaderValue(key string) string {
	return strings.TrimSpace(r.Header.Get(key))
}

// DecodeJSON unmarshals the body into v.
func (r *WebhookRequest) DecodeJSON(v any) error {
	if len(r.Body) == 0 {
		return apperr.BadRequest("empty request body")
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return apperr.Wrap(apperr.KindBadRequest, err, "invalid json body")
	}
	return nil
}

// Form returns the body as parameters, accepting either a form-encoded body
// or a JSON object. Repeated form keys keep every value.
func (r *WebhookRequest) Form() (url.Values, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/x-www-form-urlencoded" {
		values, err := url.ParseQuery(string(r.Body))
		if err != nil {
			return nil, apperr.Wrap(apperr.KindBadRequest, err, "invalid form body")
		}
		return values, nil
	}
	var raw map[string]any
	if err := r.DecodeJSON(&raw); err != nil {
		return nil, err
	}
	out := make(url.Values, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			out.Set(k, val)
		case nil:
			out.Set(k, "")
		case []any:
			for _, item := range val {
				out.Add(k, fmt.Sprint(item))
			}
		default:
			out.Set(k, fmt.Sprint(val))
		}
	}
	return out, nil
}

// Params flattens Form to the first value of each key.
func (r *WebhookRequest) Params() (map[string]string, error) {
	values, err := r.Form()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			out[k] = v[0]
		} else {
			out[k] = ""
		}
	}
	return out, nil
}

// Reply is a literal HTTP response produced by a pipeline stage.
type Reply struct {
	Status int
	Body   any
}

// CreateRequest is the input for creating a channel.
type CreateRequest struct {
	Type        string         `json:"type" validate:"required"`
	Slug        string         `json:"slug" validate:"required"`
	Credentials map[string]any `json:"credentials"`
	IsActivated *bool          `json:"isActivated,omitempty"`
}

// UpdateRequest is the input for updating a channel. Nil fields are unchanged.
type UpdateRequest struct {
	Slug        *string        `json:"slug,omitempty"`
	Credentials map[string]any `json:"credentials,omitempty"`
	IsActivated *bool          `json:"isActivated,omitempty"`
}
