package messenger

import (
	"context"
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/memohai/connector/internal/apperr"
	"github.com/memohai/connector/internal/channel"
	"github.com/memohai/connector/internal/channel/adapters/common"
)

// Type is the Facebook Messenger channel type.
const Type channel.ChannelType = "messenger"

const defaultGraphURL = "https://graph.facebook.com/v19.0"

// Config holds the Messenger page credentials of a channel.
type Config struct {
	PageAccessToken string
	AppSecret       string
	VerifyToken     string
}

func parseConfig(ch channel.Channel) Config {
	cfg := Config{
		PageAccessToken: ch.Credential("pageAccessToken", "page_access_token", "token"),
		AppSecret:       ch.Credential("appSecret", "app_secret"),
		VerifyToken:     ch.Credential("verifyToken", "verify_token"),
	}
	if cfg.VerifyToken == "" {
		cfg.VerifyToken = ch.ID
	}
	return cfg
}

type webhookEvent struct {
	Object string `json:"object"`
	Entry  []struct {
		ID        string           `json:"id"`
		Messaging []messagingEvent `json:"messaging"`
	} `json:"entry"`
}

type messagingEvent struct {
	Sender    struct{ ID string } `json:"sender"`
	Recipient struct{ ID string } `json:"recipient"`
	Message   *struct {
		IsEcho     bool   `json:"is_echo"`
		Text       string `json:"text"`
		QuickReply *struct {
			Payload string `json:"payload"`
		} `json:"quick_reply"`
		Attachments []struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		} `json:"attachments"`
	} `json:"message"`
	Postback *struct {
		Title   string `json:"title"`
		Payload string `json:"payload"`
	} `json:"postback"`
}

// firstMessaging returns the first user-originated messaging event.
func firstMessaging(body []byte) (messagingEvent, bool, error) {
	var event webhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return messagingEvent{}, false, apperr.Wrap(apperr.KindBadRequest, err, "invalid messenger event")
	}
	for _, entry := range event.Entry {
		for _, m := range entry.Messaging {
			if m.Message != nil && !m.Message.IsEcho {
				return m, true, nil
			}
			if m.Postback != nil {
				return m, true, nil
			}
		}
	}
	return messagingEvent{}, false, nil
}

// MessengerAdapter relays a Facebook page through the Messenger Platform.
type MessengerAdapter struct {
	logger   *slog.Logger
	client   *http.Client
	graphURL string
}

func NewMessengerAdapter(log *slog.Logger, client *http.Client) *MessengerAdapter {
	if log == nil {
		log = slog.Default()
	}
	return &MessengerAdapter{
		logger:   log.With(slog.String("adapter", "messenger")),
		client:   client,
		graphURL: defaultGraphURL,
	}
}

func (a *MessengerAdapter) Type() channel.ChannelType {
	return Type
}

func (a *MessengerAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        Type,
		DisplayName: "Messenger",
		ConfigSchema: channel.ConfigSchema{
			Version: 1,
			Fields: map[string]channel.FieldSchema{
				"pageAccessToken": {Type: channel.FieldSecret, Required: true, Title: "Page Access Token"},
				"appSecret":       {Type: channel.FieldSecret, Required: true, Title: "App Secret"},
				"verifyToken":     {Type: channel.FieldString, Title: "Verify Token"},
			},
		},
	}
}

func (a *MessengerAdapter) graph(path string, token string) string {
	return common.JoinURL(a.graphURL, path) + "?access_token=" + url.QueryEscape(token)
}

// OnCreated reads the page identity and subscribes the app to the page.
func (a *MessengerAdapter) OnCreated(ctx context.Context, ch *channel.Channel) error {
	cfg := parseConfig(*ch)
	var page struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := common.Do(ctx, a.client, common.Request{URL: a.graph("me", cfg.PageAccessToken)}, &page); err != nil {
		return apperr.Service(err, "messenger page lookup failed")
	}
	ch.SelfIdentity = map[string]any{"id": page.ID, "name": page.Name}
	err := common.Do(ctx, a.client, common.Request{
		Method: http.MethodPost,
		URL:    a.graph("me/subscribed_apps", cfg.PageAccessToken),
		JSON:   map[string]any{"subscribed_fields": []string{"messages", "messaging_postbacks"}},
	}, nil)
	if err != nil {
		return apperr.Service(err, "messenger page subscription failed")
	}
	return nil
}

func (a *MessengerAdapter) OnUpdated(ctx context.Context, ch *channel.Channel, previous channel.Channel) error {
	if parseConfig(previous).PageAccessToken != parseConfig(*ch).PageAccessToken {
		if err := a.OnDeleted(ctx, previous); err != nil {
			a.logger.Warn("unsubscribe previous page failed", slog.String("channel_id", ch.ID), slog.Any("error", err))
		}
	}
	return a.OnCreated(ctx, ch)
}

func (a *MessengerAdapter) OnDeleted(ctx context.Context, ch channel.Channel) error {
	err := common.Do(ctx, a.client, common.Request{
		Method: http.MethodDelete,
		URL:    a.graph("me/subscribed_apps", parseConfig(ch).PageAccessToken),
	}, nil)
	if err != nil {
		return apperr.Service(err, "messenger page unsubscription failed")
	}
	return nil
}

// VerifyWebhook answers the hub.challenge subscription handshake.
func (a *MessengerAdapter) VerifyWebhook(_ context.Context, req *channel.WebhookRequest, ch channel.Channel) (channel.Reply, error) {
	if req.Query("hub.mode") != "subscribe" || req.Query("hub.verify_token") != parseConfig(ch).VerifyToken {
		return channel.Reply{}, apperr.Forbidden("invalid verify token")
	}
	return channel.Reply{Status: http.StatusOK, Body: req.Query("hub.challenge")}, nil
}

// BeforePipeline drops echoes, delivery and read receipts.
func (a *MessengerAdapter) BeforePipeline(_ context.Context, req *channel.WebhookRequest, ch channel.Channel) channel.Outcome[channel.Channel] {
	_, ok, err := firstMessaging(req.Body)
	if err != nil {
		return channel.Reject[channel.Channel](err)
	}
	if !ok {
		return channel.Stop[channel.Channel](nil)
	}
	return channel.Continue(ch)
}

// Authenticate checks x-hub-signature: "sha1=" + hex HMAC-SHA1 of the body
// keyed by the app secret.
func (a *MessengerAdapter) Authenticate(_ context.Context, req *channel.WebhookRequest, ch channel.Channel) error {
	expected := "sha1=" + channel.HMACHex(sha1.New, parseConfig(ch).AppSecret, req.Body)
	if !channel.SignatureEqual(expected, req.HeaderValue("X-Hub-Signature")) {
		return apperr.Unauthorized("invalid messenger signature")
	}
	return nil
}

func (a *MessengerAdapter) ExtractContext(req *channel.WebhookRequest, _ channel.Channel) (channel.RoutingContext, error) {
	m, ok, err := firstMessaging(req.Body)
	if err != nil {
		return channel.RoutingContext{}, err
	}
	if !ok || m.Sender.ID == "" {
		return channel.RoutingContext{}, apperr.BadRequest("messenger event has no sender")
	}
	return channel.RoutingContext{ChatID: m.Sender.ID, SenderID: m.Sender.ID}, nil
}

// RawMessage narrows the webhook batch to the messaging event being handled.
func (a *MessengerAdapter) RawMessage(_ context.Context, req *channel.WebhookRequest, _ channel.Channel, _ channel.RoutingContext) (channel.RawMessage, error) {
	m, _, err := firstMessaging(req.Body)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode messaging event: %w", err)
	}
	return data, nil
}

func (a *MessengerAdapter) ParseMessage(_ context.Context, _ channel.Channel, _ channel.Conversation, raw channel.RawMessage, _ channel.RoutingContext) channel.Outcome[channel.Attachment] {
	var m messagingEvent
	if err := json.Unmarshal(raw, &m); err != nil {
		return channel.Reject[channel.Attachment](apperr.BadRequest("invalid messenger message"))
	}
	if m.Postback != nil {
		return channel.Continue(channel.TextAttachment(m.Postback.Payload))
	}
	if m.Message == nil {
		return channel.Stop[channel.Attachment](nil)
	}
	if m.Message.QuickReply != nil && m.Message.QuickReply.Payload != "" {
		return channel.Continue(channel.TextAttachment(m.Message.QuickReply.Payload))
	}
	if strings.TrimSpace(m.Message.Text) != "" {
		return channel.Continue(channel.TextAttachment(m.Message.Text))
	}
	for _, att := range m.Message.Attachments {
		var payload struct {
			URL         string `json:"url"`
			Coordinates *struct {
				Lat  float64 `json:"lat"`
				Long float64 `json:"long"`
			} `json:"coordinates"`
		}
		if err := json.Unmarshal(att.Payload, &payload); err != nil {
			a.logger.Debug("skip malformed messenger attachment", slog.String("type", att.Type), slog.Any("error", err))
			continue
		}
		if payload.URL == "" && att.Type != "location" {
			continue
		}
		switch att.Type {
		case "image":
			return channel.Continue(channel.NewAttachment(channel.AttachmentPicture, payload.URL))
		case "video":
			return channel.Continue(channel.NewAttachment(channel.AttachmentVideo, payload.URL))
		case "audio":
			return channel.Continue(channel.NewAttachment(channel.AttachmentAudio, payload.URL))
		case "location":
			if payload.Coordinates != nil {
				return channel.Continue(channel.NewAttachment(channel.AttachmentCustom, map[string]any{
					"type":      "location",
					"latitude":  payload.Coordinates.Lat,
					"longitude": payload.Coordinates.Long,
				}))
			}
		}
	}
	return channel.Stop[channel.Attachment](nil)
}

// FormatMessage builds Send API message objects; the recipient is added at
// delivery time.
func (a *MessengerAdapter) FormatMessage(_ channel.Channel, _ channel.Conversation, msg channel.Attachment) ([]any, error) {
	msg = msg.Normalized()
	switch msg.Type {
	case channel.AttachmentText:
		return one(map[string]any{"text": msg.Text()}), nil
	case channel.AttachmentPicture:
		return one(mediaMessage("image", msg.Text())), nil
	case channel.AttachmentVideo:
		return one(mediaMessage("video", msg.Text())), nil
	case channel.AttachmentAudio:
		return one(mediaMessage("audio", msg.Text())), nil
	case channel.AttachmentCard:
		card, err := msg.Card()
		if err != nil {
			return nil, apperr.BadRequest("%v", err)
		}
		return one(genericTemplate([]channel.Card{card})), nil
	case channel.AttachmentCarousel:
		cards, err := msg.Carousel()
		if err != nil {
			return nil, apperr.BadRequest("%v", err)
		}
		return one(genericTemplate(cards)), nil
	case channel.AttachmentButtons:
		content, err := msg.Buttons()
		if err != nil {
			return nil, apperr.BadRequest("%v", err)
		}
		return one(template(map[string]any{
			"template_type": "button",
			"text":          content.Title,
			"buttons":       buttons(content.Buttons),
		})), nil
	case channel.AttachmentQuickReplies:
		content, err := msg.Buttons()
		if err != nil {
			return nil, apperr.BadRequest("%v", err)
		}
		replies := make([]map[string]any, 0, len(content.Buttons))
		for _, b := range content.Buttons {
			value := b.Value
			if value == "" {
				value = b.Title
			}
			replies = append(replies, map[string]any{"content_type": "text", "title": b.Title, "payload": value})
		}
		return one(map[string]any{"text": content.Title, "quick_replies": replies}), nil
	case channel.AttachmentList:
		list, err := msg.List()
		if err != nil {
			return nil, apperr.BadRequest("%v", err)
		}
		elements := make([]map[string]any, 0, len(list.Elements))
		for _, el := range list.Elements {
			elements = append(elements, element(el.Title, el.Subtitle, el.ImageURL, el.Buttons))
		}
		payload := map[string]any{
			"template_type":     "list",
			"top_element_style": "compact",
			"elements":          elements,
		}
		if len(list.Buttons) > 0 {
			payload["buttons"] = buttons(list.Buttons)
		}
		return one(template(payload)), nil
	case channel.AttachmentCustom:
		var custom map[string]any
		if err := msg.Decode(&custom); err != nil {
			return nil, apperr.BadRequest("%v", err)
		}
		return one(custom), nil
	case channel.AttachmentConversationStart, channel.AttachmentConversationEnd:
		return nil, nil
	}
	return nil, apperr.NotSupported("messenger does not support %s messages", msg.Type)
}

func one(v map[string]any) []any {
	return []any{v}
}

func mediaMessage(kind, link string) map[string]any {
	return map[string]any{
		"attachment": map[string]any{
			"type":    kind,
			"payload": map[string]any{"url": link, "is_reusable": true},
		},
	}
}

func template(payload map[string]any) map[string]any {
	return map[string]any{
		"attachment": map[string]any{"type": "template", "payload": payload},
	}
}

func genericTemplate(cards []channel.Card) map[string]any {
	elements := make([]map[string]any, 0, len(cards))
	for _, c := range cards {
		elements = append(elements, element(c.Title, c.Subtitle, c.ImageURL, c.Buttons))
	}
	return template(map[string]any{"template_type": "generic", "elements": elements})
}

func element(title, subtitle, imageURL string, btns []channel.Button) map[string]any {
	el := map[string]any{"title": title}
	if subtitle != "" {
		el["subtitle"] = subtitle
	}
	if imageURL != "" {
		el["image_url"] = imageURL
	}
	if len(btns) > 0 {
		el["buttons"] = buttons(btns)
	}
	return el
}

func buttons(btns []channel.Button) []map[string]any {
	out := make([]map[string]any, 0, len(btns))
	for _, b := range btns {
		switch b.Type {
		case channel.ButtonWebURL:
			out = append(out, map[string]any{"type": "web_url", "title": b.Title, "url": b.Value})
		case channel.ButtonPhoneNumber:
			out = append(out, map[string]any{"type": "phone_number", "title": b.Title, "payload": b.Value})
		default:
			out = append(out, map[string]any{"type": "postback", "title": b.Title, "payload": b.Value})
		}
	}
	return out
}

func (a *MessengerAdapter) send(ctx context.Context, ch channel.Channel, body map[string]any) error {
	return common.Do(ctx, a.client, common.Request{
		Method: http.MethodPost,
		URL:    a.graph("me/messages", parseConfig(ch).PageAccessToken),
		JSON:   body,
	}, nil)
}

func (a *MessengerAdapter) DeliverMessage(ctx context.Context, ch channel.Channel, conv channel.Conversation, payload any) error {
	message, ok := payload.(map[string]any)
	if !ok {
		return fmt.Errorf("unexpected messenger payload %T", payload)
	}
	return a.send(ctx, ch, map[string]any{
		"recipient":      map[string]string{"id": conv.ChatID},
		"messaging_type": "RESPONSE",
		"message":        message,
	})
}

func (a *MessengerAdapter) SendTyping(ctx context.Context, ch channel.Channel, conv channel.Conversation) error {
	return a.send(ctx, ch, map[string]any{
		"recipient":     map[string]string{"id": conv.ChatID},
		"sender_action": "typing_on",
	})
}

func (a *MessengerAdapter) FetchProfile(ctx context.Context, ch channel.Channel, _ channel.Conversation, senderID string) (map[string]any, error) {
	var profile map[string]any
	u := a.graph(url.PathEscape(senderID), parseConfig(ch).PageAccessToken) + "&fields=first_name,last_name,profile_pic"
	if err := common.Do(ctx, a.client, common.Request{URL: u}, &profile); err != nil {
		return nil, err
	}
	delete(profile, "id")
	return profile, nil
}
