package ciscospark

import (
	"context"
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/memohai/connector/internal/apperr"
	"github.com/memohai/connector/internal/channel"
	"github.com/memohai/connector/internal/channel/adapters/common"
)

// Type is the Cisco Spark (Webex Teams) channel type.
const Type channel.ChannelType = "ciscospark"

const defaultAPIBase = "https://webexapis.com"

type notification struct {
	ID       string `json:"id"`
	Resource string `json:"resource"`
	Event    string `json:"event"`
	Data     struct {
		ID          string `json:"id"`
		RoomID      string `json:"roomId"`
		PersonID    string `json:"personId"`
		PersonEmail string `json:"personEmail"`
	} `json:"data"`
}

type message struct {
	ID       string   `json:"id"`
	RoomID   string   `json:"roomId"`
	PersonID string   `json:"personId"`
	Text     string   `json:"text"`
	HTML     string   `json:"html,omitempty"`
	Files    []string `json:"files,omitempty"`
}

type SparkAdapter struct {
	logger  *slog.Logger
	client  *http.Client
	apiBase string
}

func NewSparkAdapter(log *slog.Logger, client *http.Client) *SparkAdapter {
	if log == nil {
		log = slog.Default()
	}
	return &SparkAdapter{
		logger:  log.With(slog.String("adapter", "ciscospark")),
		client:  client,
		apiBase: defaultAPIBase,
	}
}

func (a *SparkAdapter) Type() channel.ChannelType {
	return Type
}

func (a *SparkAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        Type,
		DisplayName: "Cisco Spark",
		ConfigSchema: channel.ConfigSchema{
			Version: 1,
			Fields: map[string]channel.FieldSchema{
				"accessToken":   {Type: channel.FieldSecret, Required: true, Title: "Bot Access Token"},
				"webhookSecret": {Type: channel.FieldSecret, Title: "Webhook Secret"},
			},
		},
	}
}

func (a *SparkAdapter) call(ctx context.Context, ch channel.Channel, method, path string, body, out any) error {
	return common.Do(ctx, a.client, common.Request{
		Method: method,
		URL:    common.JoinURL(a.apiBase, path),
		JSON:   body,
		Header: common.Bearer(ch.Credential("accessToken", "access_token", "token")),
	}, out)
}

// OnCreated reads the bot identity and registers a messages webhook.
func (a *SparkAdapter) OnCreated(ctx context.Context, ch *channel.Channel) error {
	var me struct {
		ID          string `json:"id"`
		DisplayName string `json:"displayName"`
	}
	if err := a.call(ctx, *ch, http.MethodGet, "/v1/people/me", nil, &me); err != nil {
		return apperr.Service(err, "cisco spark identity lookup failed")
	}
	hook := map[string]any{
		"name":      "connector " + ch.ID,
		"targetUrl": ch.Webhook,
		"resource":  "messages",
		"event":     "created",
	}
	if secret := ch.Credential("webhookSecret", "webhook_secret"); secret != "" {
		hook["secret"] = secret
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := a.call(ctx, *ch, http.MethodPost, "/v1/webhooks", hook, &created); err != nil {
		return apperr.Service(err, "cisco spark webhook registration failed")
	}
	ch.SelfIdentity = map[string]any{"id": me.ID, "name": me.DisplayName, "webhook_id": created.ID}
	return nil
}

func (a *SparkAdapter) OnUpdated(ctx context.Context, ch *channel.Channel, previous channel.Channel) error {
	if err := a.OnDeleted(ctx, previous); err != nil {
		a.logger.Warn("remove previous webhook failed", slog.String("channel_id", ch.ID), slog.Any("error", err))
	}
	return a.OnCreated(ctx, ch)
}

func (a *SparkAdapter) OnDeleted(ctx context.Context, ch channel.Channel) error {
	id := ch.Self("webhook_id")
	if id == "" {
		return nil
	}
	if err := a.call(ctx, ch, http.MethodDelete, "/v1/webhooks/"+url.PathEscape(id), nil, nil); err != nil {
		return apperr.Service(err, "cisco spark webhook removal failed")
	}
	return nil
}

// Authenticate checks x-spark-signature (hex HMAC-SHA1 of the body) when the
// channel has a webhook secret. Without one every call is accepted.
func (a *SparkAdapter) Authenticate(_ context.Context, req *channel.WebhookRequest, ch channel.Channel) error {
	secret := ch.Credential("webhookSecret", "webhook_secret")
	if secret == "" {
		return nil
	}
	if !channel.SignatureEqual(channel.HMACHex(sha1.New, secret, req.Body), req.HeaderValue("X-Spark-Signature")) {
		return apperr.Unauthorized("invalid cisco spark signature")
	}
	return nil
}

// BeforePipeline drops notifications for messages the bot posted itself.
func (a *SparkAdapter) BeforePipeline(_ context.Context, req *channel.WebhookRequest, ch channel.Channel) channel.Outcome[channel.Channel] {
	var n notification
	if err := req.DecodeJSON(&n); err != nil {
		return channel.Reject[channel.Channel](err)
	}
	if n.Resource != "messages" || n.Event != "created" {
		return channel.Stop[channel.Channel](nil)
	}
	if self := ch.Self("id"); self != "" && n.Data.PersonID == self {
		return channel.Stop[channel.Channel](nil)
	}
	return channel.Continue(ch)
}

func (a *SparkAdapter) ExtractContext(req *channel.WebhookRequest, _ channel.Channel) (channel.RoutingContext, error) {
	var n notification
	if err := req.DecodeJSON(&n); err != nil {
		return channel.RoutingContext{}, err
	}
	if n.Data.RoomID == "" {
		return channel.RoutingContext{}, apperr.BadRequest("cisco spark notification has no room")
	}
	return channel.RoutingContext{ChatID: n.Data.RoomID, SenderID: n.Data.PersonID}, nil
}

// RawMessage fetches the message body, since notifications only carry its id.
func (a *SparkAdapter) RawMessage(ctx context.Context, req *channel.WebhookRequest, ch channel.Channel, _ channel.RoutingContext) (channel.RawMessage, error) {
	var n notification
	if err := req.DecodeJSON(&n); err != nil {
		return nil, err
	}
	if n.Data.ID == "" {
		return nil, apperr.BadRequest("cisco spark notification has no message id")
	}
	var raw json.RawMessage
	if err := a.call(ctx, ch, http.MethodGet, "/v1/messages/"+url.PathEscape(n.Data.ID), nil, &raw); err != nil {
		return nil, fmt.Errorf("fetch cisco spark message: %w", err)
	}
	return channel.RawMessage(raw), nil
}

func (a *SparkAdapter) ParseMessage(_ context.Context, _ channel.Channel, _ channel.Conversation, raw channel.RawMessage, _ channel.RoutingContext) channel.Outcome[channel.Attachment] {
	var msg message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return channel.Reject[channel.Attachment](apperr.BadRequest("invalid cisco spark message"))
	}
	if len(msg.Files) > 0 {
		return channel.Continue(channel.NewAttachment(channel.AttachmentPicture, msg.Files[0]))
	}
	text := strings.TrimSpace(msg.Text)
	if msg.HTML != "" {
		// Rich messages keep their formatting as markdown.
		if md, err := htmltomarkdown.ConvertString(msg.HTML); err == nil && strings.TrimSpace(md) != "" {
			text = strings.TrimSpace(md)
		}
	}
	if text == "" {
		return channel.Stop[channel.Attachment](nil)
	}
	return channel.Continue(channel.TextAttachment(text))
}

// FormatMessage renders text and media natively and everything else as
// markdown text.
func (a *SparkAdapter) FormatMessage(_ channel.Channel, _ channel.Conversation, msg channel.Attachment) ([]any, error) {
	msg = msg.Normalized()
	switch msg.Type {
	case channel.AttachmentConversationStart, channel.AttachmentConversationEnd:
		return nil, nil
	case channel.AttachmentText:
		return []any{map[string]any{"text": msg.Text()}}, nil
	case channel.AttachmentPicture, channel.AttachmentVideo, channel.AttachmentAudio:
		return []any{map[string]any{"files": []string{msg.Text()}}}, nil
	case channel.AttachmentCustom:
		var custom map[string]any
		if err := msg.Decode(&custom); err != nil {
			return nil, apperr.BadRequest("%v", err)
		}
		return []any{custom}, nil
	}
	text := msg.Summary()
	if text == "" {
		return nil, apperr.NotSupported("cisco spark does not support %s messages", msg.Type)
	}
	return []any{map[string]any{"markdown": text}}, nil
}

func (a *SparkAdapter) DeliverMessage(ctx context.Context, ch channel.Channel, conv channel.Conversation, payload any) error {
	body, ok := payload.(map[string]any)
	if !ok {
		return fmt.Errorf("unexpected cisco spark payload %T", payload)
	}
	out := make(map[string]any, len(body)+1)
	for k, v := range body {
		out[k] = v
	}
	out["roomId"] = conv.ChatID
	return a.call(ctx, ch, http.MethodPost, "/v1/messages", out, nil)
}

func (a *SparkAdapter) FetchProfile(ctx context.Context, ch channel.Channel, _ channel.Conversation, senderID string) (map[string]any, error) {
	var person map[string]any
	if err := a.call(ctx, ch, http.MethodGet, "/v1/people/"+url.PathEscape(senderID), nil, &person); err != nil {
		return nil, err
	}
	return person, nil
}
