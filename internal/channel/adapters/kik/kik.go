package kik

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/memohai/connector/internal/apperr"
	"github.com/memohai/connector/internal/channel"
	"github.com/memohai/connector/internal/channel/adapters/common"
)

// Type is the Kik channel type.
const Type channel.ChannelType = "kik"

const defaultAPIBase = "https://api.kik.com"

type inbound struct {
	Messages []kikMessage `json:"messages"`
}

type kikMessage struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type"`
	ChatID   string `json:"chatId"`
	From     string `json:"from,omitempty"`
	To       string `json:"to,omitempty"`
	Body     string `json:"body,omitempty"`
	PicURL   string `json:"picUrl,omitempty"`
	VideoURL string `json:"videoUrl,omitempty"`
}

func firstMessage(body []byte) (kikMessage, error) {
	var in inbound
	if err := json.Unmarshal(body, &in); err != nil {
		return kikMessage{}, apperr.Wrap(apperr.KindBadRequest, err, "invalid kik payload")
	}
	if len(in.Messages) == 0 {
		return kikMessage{}, apperr.BadRequest("kik payload has no messages")
	}
	return in.Messages[0], nil
}

type KikAdapter struct {
	logger  *slog.Logger
	client  *http.Client
	apiBase string
}

func NewKikAdapter(log *slog.Logger, client *http.Client) *KikAdapter {
	if log == nil {
		log = slog.Default()
	}
	return &KikAdapter{
		logger:  log.With(slog.String("adapter", "kik")),
		client:  client,
		apiBase: defaultAPIBase,
	}
}

func (a *KikAdapter) Type() channel.ChannelType {
	return Type
}

func (a *KikAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        Type,
		DisplayName: "Kik",
		ConfigSchema: channel.ConfigSchema{
			Version: 1,
			Fields: map[string]channel.FieldSchema{
				"userName": {Type: channel.FieldString, Required: true, Title: "Bot Username"},
				"apiKey":   {Type: channel.FieldSecret, Required: true, Title: "API Key"},
			},
		},
	}
}

func credentials(ch channel.Channel) (string, string) {
	return ch.Credential("userName", "username"), ch.Credential("apiKey", "api_key")
}

// OnCreated points the Kik bot configuration at the channel webhook.
func (a *KikAdapter) OnCreated(ctx context.Context, ch *channel.Channel) error {
	user, key := credentials(*ch)
	err := common.Do(ctx, a.client, common.Request{
		Method:   http.MethodPost,
		URL:      common.JoinURL(a.apiBase, "/v1/config"),
		Username: user,
		Password: key,
		JSON: map[string]any{
			"webhook": ch.Webhook,
			"features": map[string]bool{
				"receiveReadReceipts":      false,
				"receiveIsTyping":          false,
				"manuallySendReadReceipts": false,
				"receiveDeliveryReceipts":  false,
			},
		},
	}, nil)
	if err != nil {
		return apperr.Service(err, "kik config update failed")
	}
	return nil
}

func (a *KikAdapter) OnUpdated(ctx context.Context, ch *channel.Channel, _ channel.Channel) error {
	return a.OnCreated(ctx, ch)
}

// Authenticate requires x-kik-username to name the channel's bot.
func (a *KikAdapter) Authenticate(_ context.Context, req *channel.WebhookRequest, ch channel.Channel) error {
	user, _ := credentials(ch)
	if user == "" || req.HeaderValue("X-Kik-Username") != user {
		return apperr.Unauthorized("invalid kik username")
	}
	return nil
}

func (a *KikAdapter) ExtractContext(req *channel.WebhookRequest, _ channel.Channel) (channel.RoutingContext, error) {
	msg, err := firstMessage(req.Body)
	if err != nil {
		return channel.RoutingContext{}, err
	}
	return channel.RoutingContext{
		ChatID:   msg.ChatID,
		SenderID: msg.From,
		Metadata: map[string]any{"username": msg.From},
	}, nil
}

func (a *KikAdapter) RawMessage(_ context.Context, req *channel.WebhookRequest, _ channel.Channel, _ channel.RoutingContext) (channel.RawMessage, error) {
	msg, err := firstMessage(req.Body)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode kik message: %w", err)
	}
	return data, nil
}

func (a *KikAdapter) ParseMessage(_ context.Context, _ channel.Channel, _ channel.Conversation, raw channel.RawMessage, _ channel.RoutingContext) channel.Outcome[channel.Attachment] {
	var msg kikMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return channel.Reject[channel.Attachment](apperr.BadRequest("invalid kik message"))
	}
	switch msg.Type {
	case "text":
		if strings.TrimSpace(msg.Body) == "" {
			return channel.Stop[channel.Attachment](nil)
		}
		return channel.Continue(channel.TextAttachment(msg.Body))
	case "picture":
		return channel.Continue(channel.NewAttachment(channel.AttachmentPicture, msg.PicURL))
	case "video":
		return channel.Continue(channel.NewAttachment(channel.AttachmentVideo, msg.VideoURL))
	case "start-chatting":
		return channel.Continue(channel.Attachment{Type: channel.AttachmentConversationStart})
	}
	return channel.Stop[channel.Attachment](nil)
}

// FormatMessage builds Kik message objects. Buttons become suggested
// responses attached to the last message.
func (a *KikAdapter) FormatMessage(_ channel.Channel, conv channel.Conversation, msg channel.Attachment) ([]any, error) {
	to := conv.Meta("username")
	base := func(kind string) map[string]any {
		return map[string]any{"type": kind, "to": to, "chatId": conv.ChatID}
	}
	msg = msg.Normalized()
	switch msg.Type {
	case channel.AttachmentText:
		m := base("text")
		m["body"] = msg.Text()
		return []any{m}, nil
	case channel.AttachmentPicture:
		m := base("picture")
		m["picUrl"] = msg.Text()
		return []any{m}, nil
	case channel.AttachmentVideo:
		m := base("video")
		m["videoUrl"] = msg.Text()
		return []any{m}, nil
	case channel.AttachmentCard, channel.AttachmentCarousel, channel.AttachmentList:
		cards := make([]channel.Card, 0)
		var trailing []channel.Button
		switch msg.Type {
		case channel.AttachmentCard:
			card, err := msg.Card()
			if err != nil {
				return nil, apperr.BadRequest("%v", err)
			}
			cards = append(cards, card)
		case channel.AttachmentCarousel:
			list, err := msg.Carousel()
			if err != nil {
				return nil, apperr.BadRequest("%v", err)
			}
			cards = list
		default:
			list, err := msg.List()
			if err != nil {
				return nil, apperr.BadRequest("%v", err)
			}
			for _, el := range list.Elements {
				cards = append(cards, channel.Card{Title: el.Title, Subtitle: el.Subtitle, ImageURL: el.ImageURL, Buttons: el.Buttons})
			}
			trailing = list.Buttons
		}
		out := make([]any, 0, len(cards)*2)
		var last map[string]any
		for _, card := range cards {
			if card.ImageURL != "" {
				pic := base("picture")
				pic["picUrl"] = card.ImageURL
				out = append(out, pic)
			}
			text := base("text")
			text["body"] = strings.TrimSpace(card.Title + "\n" + card.Subtitle)
			out = append(out, text)
			last = text
			if len(card.Buttons) > 0 {
				withKeyboard(text, card.Buttons)
			}
		}
		if len(trailing) > 0 && last != nil {
			withKeyboard(last, trailing)
		}
		return out, nil
	case channel.AttachmentButtons, channel.AttachmentQuickReplies:
		content, err := msg.Buttons()
		if err != nil {
			return nil, apperr.BadRequest("%v", err)
		}
		m := base("text")
		m["body"] = content.Title
		withKeyboard(m, content.Buttons)
		return []any{m}, nil
	case channel.AttachmentConversationStart, channel.AttachmentConversationEnd:
		return nil, nil
	}
	return nil, apperr.NotSupported("kik does not support %s messages", msg.Type)
}

func withKeyboard(m map[string]any, buttons []channel.Button) {
	responses := make([]map[string]string, 0, len(buttons))
	for _, b := range buttons {
		responses = append(responses, map[string]string{"type": "text", "body": b.Title})
	}
	m["keyboards"] = []map[string]any{{"type": "suggested", "responses": responses}}
}

func (a *KikAdapter) DeliverMessage(ctx context.Context, ch channel.Channel, _ channel.Conversation, payload any) error {
	user, key := credentials(ch)
	return common.Do(ctx, a.client, common.Request{
		Method:   http.MethodPost,
		URL:      common.JoinURL(a.apiBase, "/v1/message"),
		Username: user,
		Password: key,
		JSON:     map[string]any{"messages": []any{payload}},
	}, nil)
}

func (a *KikAdapter) FetchProfile(ctx context.Context, ch channel.Channel, _ channel.Conversation, senderID string) (map[string]any, error) {
	user, key := credentials(ch)
	var profile map[string]any
	err := common.Do(ctx, a.client, common.Request{
		URL:      common.JoinURL(a.apiBase, "/v1/user/"+senderID),
		Username: user,
		Password: key,
	}, &profile)
	return profile, err
}
