package line

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"

	"github.com/memohai/connector/internal/apperr"
	"github.com/memohai/connector/internal/channel"
	"github.com/memohai/connector/internal/channel/adapters/common"
)

// Type is the LINE Messaging API channel type.
const Type channel.ChannelType = "line"

const (
	defaultAPIBase     = "https://api.line.me"
	maxTemplateActions = 4
	defaultAudioMillis = 60000
)

type webhookBody struct {
	Destination string  `json:"destination"`
	Events      []event `json:"events"`
}

type event struct {
	Type       string `json:"type"`
	ReplyToken string `json:"replyToken,omitempty"`
	Source     struct {
		Type    string `json:"type"`
		UserID  string `json:"userId,omitempty"`
		GroupID string `json:"groupId,omitempty"`
		RoomID  string `json:"roomId,omitempty"`
	} `json:"source"`
	Message *struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"message,omitempty"`
	Postback *struct {
		Data string `json:"data"`
	} `json:"postback,omitempty"`
}

func firstEvent(body []byte) (event, error) {
	var in webhookBody
	if err := json.Unmarshal(body, &in); err != nil {
		return event{}, apperr.Wrap(apperr.KindBadRequest, err, "invalid line payload")
	}
	if len(in.Events) == 0 {
		return event{}, apperr.BadRequest("line payload has no events")
	}
	return in.Events[0], nil
}

type LineAdapter struct {
	logger  *slog.Logger
	client  *http.Client
	apiBase string
}

func NewLineAdapter(log *slog.Logger, client *http.Client) *LineAdapter {
	if log == nil {
		log = slog.Default()
	}
	return &LineAdapter{
		logger:  log.With(slog.String("adapter", "line")),
		client:  client,
		apiBase: defaultAPIBase,
	}
}

func (a *LineAdapter) Type() channel.ChannelType {
	return Type
}

func (a *LineAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        Type,
		DisplayName: "LINE",
		ConfigSchema: channel.ConfigSchema{
			Version: 1,
			Fields: map[string]channel.FieldSchema{
				"channelAccessToken": {Type: channel.FieldSecret, Required: true, Title: "Channel Access Token"},
				"channelSecret":      {Type: channel.FieldSecret, Required: true, Title: "Channel Secret"},
			},
		},
	}
}

func token(ch channel.Channel) string {
	return ch.Credential("channelAccessToken", "channel_access_token", "token")
}

func (a *LineAdapter) api(ctx context.Context, ch channel.Channel) (*messaging_api.MessagingApiAPI, error) {
	opts := []messaging_api.MessagingApiAPIOption{messaging_api.WithEndpoint(a.apiBase)}
	if a.client != nil {
		opts = append(opts, messaging_api.WithHTTPClient(a.client))
	}
	api, err := messaging_api.NewMessagingApiAPI(token(ch), opts...)
	if err != nil {
		return nil, fmt.Errorf("line client: %w", err)
	}
	return api.WithContext(ctx), nil
}

// OnCreated reads the bot info and sets the channel webhook endpoint.
func (a *LineAdapter) OnCreated(ctx context.Context, ch *channel.Channel) error {
	api, err := a.api(ctx, *ch)
	if err != nil {
		return err
	}
	info, err := api.GetBotInfo()
	if err != nil {
		return apperr.Service(err, "line bot info failed")
	}
	ch.SelfIdentity = map[string]any{"user_id": info.UserId, "basic_id": info.BasicId, "name": info.DisplayName}
	if _, err := api.SetWebhookEndpoint(&messaging_api.SetWebhookEndpointRequest{Endpoint: ch.Webhook}); err != nil {
		return apperr.Service(err, "line webhook endpoint update failed")
	}
	return nil
}

func (a *LineAdapter) OnUpdated(ctx context.Context, ch *channel.Channel, _ channel.Channel) error {
	return a.OnCreated(ctx, ch)
}

// Authenticate checks x-line-signature: base64 HMAC-SHA256 of the body keyed
// by the channel secret.
func (a *LineAdapter) Authenticate(_ context.Context, req *channel.WebhookRequest, ch channel.Channel) error {
	secret := ch.Credential("channelSecret", "channel_secret")
	if secret == "" {
		return apperr.Unauthorized("line channel %s has no channel secret", ch.ID)
	}
	if !webhook.ValidateSignature(secret, req.HeaderValue("X-Line-Signature"), req.Body) {
		return apperr.Unauthorized("invalid line signature")
	}
	return nil
}

// BeforePipeline acknowledges verification pings, which carry no events.
func (a *LineAdapter) BeforePipeline(_ context.Context, req *channel.WebhookRequest, ch channel.Channel) channel.Outcome[channel.Channel] {
	var in webhookBody
	if err := req.DecodeJSON(&in); err != nil {
		return channel.Reject[channel.Channel](err)
	}
	if len(in.Events) == 0 {
		return channel.Stop[channel.Channel](nil)
	}
	return channel.Continue(ch)
}

func (a *LineAdapter) ExtractContext(req *channel.WebhookRequest, _ channel.Channel) (channel.RoutingContext, error) {
	ev, err := firstEvent(req.Body)
	if err != nil {
		return channel.RoutingContext{}, err
	}
	chatID := ev.Source.UserID
	switch ev.Source.Type {
	case "group":
		chatID = ev.Source.GroupID
	case "room":
		chatID = ev.Source.RoomID
	}
	if chatID == "" {
		return channel.RoutingContext{}, apperr.BadRequest("line event has no source")
	}
	return channel.RoutingContext{ChatID: chatID, SenderID: ev.Source.UserID}, nil
}

func (a *LineAdapter) RawMessage(_ context.Context, req *channel.WebhookRequest, _ channel.Channel, _ channel.RoutingContext) (channel.RawMessage, error) {
	ev, err := firstEvent(req.Body)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode line event: %w", err)
	}
	return data, nil
}

func (a *LineAdapter) ParseMessage(_ context.Context, _ channel.Channel, _ channel.Conversation, raw channel.RawMessage, _ channel.RoutingContext) channel.Outcome[channel.Attachment] {
	var ev event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return channel.Reject[channel.Attachment](apperr.BadRequest("invalid line event"))
	}
	switch ev.Type {
	case "follow":
		return channel.Continue(channel.Attachment{Type: channel.AttachmentConversationStart})
	case "postback":
		if ev.Postback != nil && ev.Postback.Data != "" {
			return channel.Continue(channel.TextAttachment(ev.Postback.Data))
		}
	case "message":
		if ev.Message != nil && ev.Message.Type == "text" && strings.TrimSpace(ev.Message.Text) != "" {
			return channel.Continue(channel.TextAttachment(ev.Message.Text))
		}
	}
	return channel.Stop[channel.Attachment](nil)
}

func (a *LineAdapter) FormatMessage(_ channel.Channel, _ channel.Conversation, msg channel.Attachment) ([]any, error) {
	msg = msg.Normalized()
	switch msg.Type {
	case channel.AttachmentText:
		return one(map[string]any{"type": "text", "text": msg.Text()}), nil
	case channel.AttachmentPicture:
		return one(map[string]any{"type": "image", "originalContentUrl": msg.Text(), "previewImageUrl": msg.Text()}), nil
	case channel.AttachmentVideo:
		return one(map[string]any{"type": "video", "originalContentUrl": msg.Text(), "previewImageUrl": msg.Text()}), nil
	case channel.AttachmentAudio:
		return one(map[string]any{"type": "audio", "originalContentUrl": msg.Text(), "duration": defaultAudioMillis}), nil
	case channel.AttachmentCard:
		card, err := msg.Card()
		if err != nil {
			return nil, apperr.BadRequest("%v", err)
		}
		return one(templateMessage(msg.Summary(), buttonsTemplate(card.Title, card.Subtitle, card.ImageURL, card.Buttons))), nil
	case channel.AttachmentCarousel:
		cards, err := msg.Carousel()
		if err != nil {
			return nil, apperr.BadRequest("%v", err)
		}
		columns := make([]map[string]any, 0, len(cards))
		for _, c := range cards {
			columns = append(columns, column(c.Title, c.Subtitle, c.ImageURL, c.Buttons))
		}
		return one(templateMessage(msg.Summary(), map[string]any{"type": "carousel", "columns": columns})), nil
	case channel.AttachmentList:
		list, err := msg.List()
		if err != nil {
			return nil, apperr.BadRequest("%v", err)
		}
		columns := make([]map[string]any, 0, len(list.Elements))
		for _, el := range list.Elements {
			columns = append(columns, column(el.Title, el.Subtitle, el.ImageURL, el.Buttons))
		}
		out := one(templateMessage(msg.Summary(), map[string]any{"type": "carousel", "columns": columns}))
		if len(list.Buttons) > 0 {
			out = append(out, message(templateMessage(msg.Summary(), buttonsTemplate("", "", "", list.Buttons))))
		}
		return out, nil
	case channel.AttachmentButtons:
		content, err := msg.Buttons()
		if err != nil {
			return nil, apperr.BadRequest("%v", err)
		}
		return one(templateMessage(msg.Summary(), buttonsTemplate("", content.Title, "", content.Buttons))), nil
	case channel.AttachmentQuickReplies:
		content, err := msg.Buttons()
		if err != nil {
			return nil, apperr.BadRequest("%v", err)
		}
		items := make([]map[string]any, 0, len(content.Buttons))
		for _, b := range content.Buttons {
			items = append(items, map[string]any{"type": "action", "action": action(b)})
		}
		return one(map[string]any{"type": "text", "text": content.Title, "quickReply": map[string]any{"items": items}}), nil
	case channel.AttachmentCustom:
		var custom map[string]any
		if err := msg.Decode(&custom); err != nil {
			return nil, apperr.BadRequest("%v", err)
		}
		return one(custom), nil
	case channel.AttachmentConversationStart, channel.AttachmentConversationEnd:
		return nil, nil
	}
	return nil, apperr.NotSupported("line does not support %s messages", msg.Type)
}

// message is a Messaging API message object in wire form.
type message map[string]any

func (m message) GetType() string {
	t, _ := m["type"].(string)
	return t
}

func one(m map[string]any) []any {
	return []any{message(m)}
}

func templateMessage(altText string, tmpl map[string]any) map[string]any {
	if altText == "" {
		altText = "message"
	}
	return map[string]any{"type": "template", "altText": common.Truncate(altText, 396), "template": tmpl}
}

func buttonsTemplate(title, text, imageURL string, buttons []channel.Button) map[string]any {
	tmpl := column(title, text, imageURL, buttons)
	tmpl["type"] = "buttons"
	return tmpl
}

func column(title, text, imageURL string, buttons []channel.Button) map[string]any {
	if text == "" {
		text = title
		title = ""
	}
	col := map[string]any{"text": text, "actions": actions(buttons)}
	if title != "" {
		col["title"] = title
	}
	if imageURL != "" {
		col["thumbnailImageUrl"] = imageURL
	}
	return col
}

func actions(buttons []channel.Button) []map[string]any {
	if len(buttons) > maxTemplateActions {
		buttons = buttons[:maxTemplateActions]
	}
	out := make([]map[string]any, 0, len(buttons))
	for _, b := range buttons {
		out = append(out, action(b))
	}
	return out
}

func action(b channel.Button) map[string]any {
	switch b.Type {
	case channel.ButtonWebURL:
		return map[string]any{"type": "uri", "label": b.Title, "uri": b.Value}
	case channel.ButtonPhoneNumber:
		return map[string]any{"type": "uri", "label": b.Title, "uri": "tel:" + b.Value}
	case channel.ButtonPostback:
		return map[string]any{"type": "postback", "label": b.Title, "data": b.Value, "displayText": b.Title}
	}
	return map[string]any{"type": "message", "label": b.Title, "text": b.Title}
}

func (a *LineAdapter) DeliverMessage(ctx context.Context, ch channel.Channel, conv channel.Conversation, payload any) error {
	msg, ok := payload.(message)
	if !ok {
		return fmt.Errorf("unexpected line payload %T", payload)
	}
	api, err := a.api(ctx, ch)
	if err != nil {
		return err
	}
	_, err = api.PushMessage(&messaging_api.PushMessageRequest{
		To:       conv.ChatID,
		Messages: []messaging_api.MessageInterface{msg},
	}, "")
	if err != nil {
		return fmt.Errorf("line push: %w", err)
	}
	return nil
}

func (a *LineAdapter) FetchProfile(ctx context.Context, ch channel.Channel, _ channel.Conversation, senderID string) (map[string]any, error) {
	api, err := a.api(ctx, ch)
	if err != nil {
		return nil, err
	}
	profile, err := api.GetProfile(senderID)
	if err != nil {
		return nil, fmt.Errorf("line profile: %w", err)
	}
	out := map[string]any{"userId": profile.UserId, "displayName": profile.DisplayName}
	if profile.PictureUrl != "" {
		out["pictureUrl"] = profile.PictureUrl
	}
	if profile.StatusMessage != "" {
		out["statusMessage"] = profile.StatusMessage
	}
	return out, nil
}
