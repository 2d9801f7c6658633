package microsoft

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/memohai/connector/internal/apperr"
	"github.com/memohai/connector/internal/channel"
	"github.com/memohai/connector/internal/channel/adapters/common"
)

// Type is the Microsoft Bot Framework channel type.
const Type channel.ChannelType = "microsoft"

const (
	defaultJWKSURL  = "https://login.botframework.com/v1/.well-known/keys"
	defaultTokenURL = "https://login.microsoftonline.com/botframework.com/oauth2/v2.0/token"
	tokenScope      = "https://api.botframework.com/.default"
	tokenIssuer     = "https://api.botframework.com"
	tokenLeeway     = 5 * time.Minute
)

type account struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type activity struct {
	Type         string           `json:"type"`
	ID           string           `json:"id,omitempty"`
	ServiceURL   string           `json:"serviceUrl,omitempty"`
	ChannelID    string           `json:"channelId,omitempty"`
	From         account          `json:"from"`
	Recipient    account          `json:"recipient"`
	Conversation account          `json:"conversation"`
	Text         string           `json:"text,omitempty"`
	Value        any              `json:"value,omitempty"`
	Attachments  []cardAttachment `json:"attachments,omitempty"`
}

type cardAttachment struct {
	ContentType string `json:"contentType"`
	ContentURL  string `json:"contentUrl,omitempty"`
	Content     any    `json:"content,omitempty"`
}

type MicrosoftAdapter struct {
	logger   *slog.Logger
	client   *http.Client
	keys     *signingKeys
	tokenURL string

	mu     sync.Mutex
	tokens map[string]oauth2.TokenSource
}

func NewMicrosoftAdapter(log *slog.Logger, client *http.Client) *MicrosoftAdapter {
	if log == nil {
		log = slog.Default()
	}
	return &MicrosoftAdapter{
		logger:   log.With(slog.String("adapter", "microsoft")),
		client:   client,
		keys:     newSigningKeys(client, defaultJWKSURL),
		tokenURL: defaultTokenURL,
		tokens:   make(map[string]oauth2.TokenSource),
	}
}

func (a *MicrosoftAdapter) Type() channel.ChannelType {
	return Type
}

func (a *MicrosoftAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        Type,
		DisplayName: "Microsoft Bot Framework",
		ConfigSchema: channel.ConfigSchema{
			Version: 1,
			Fields: map[string]channel.FieldSchema{
				"clientId":     {Type: channel.FieldString, Required: true, Title: "Microsoft App ID"},
				"clientSecret": {Type: channel.FieldSecret, Required: true, Title: "Microsoft App Password"},
			},
		},
	}
}

func appID(ch channel.Channel) string {
	return ch.Credential("clientId", "appId", "client_id")
}

// Authenticate verifies the RS256 bearer token issued by the Bot Framework
// for this bot's app id.
func (a *MicrosoftAdapter) Authenticate(ctx context.Context, req *channel.WebhookRequest, ch channel.Channel) error {
	raw, ok := strings.CutPrefix(req.HeaderValue("Authorization"), "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return apperr.Unauthorized("missing bot framework token")
	}
	_, err := jwt.Parse(strings.TrimSpace(raw), a.keys.keyfunc(ctx),
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithAudience(appID(ch)),
		jwt.WithLeeway(tokenLeeway),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return apperr.Wrap(apperr.KindUnauthorized, err, "invalid bot framework token")
	}
	return nil
}

// BeforePipeline acknowledges every activity that is not a message
// (conversationUpdate, typing, contactRelationUpdate).
func (a *MicrosoftAdapter) BeforePipeline(_ context.Context, req *channel.WebhookRequest, ch channel.Channel) channel.Outcome[channel.Channel] {
	var act activity
	if err := req.DecodeJSON(&act); err != nil {
		return channel.Reject[channel.Channel](err)
	}
	if act.Type != "message" {
		return channel.Stop[channel.Channel](nil)
	}
	return channel.Continue(ch)
}

// ExtractContext keeps the service url and bot account, which replies must
// be addressed with.
func (a *MicrosoftAdapter) ExtractContext(req *channel.WebhookRequest, _ channel.Channel) (channel.RoutingContext, error) {
	var act activity
	if err := req.DecodeJSON(&act); err != nil {
		return channel.RoutingContext{}, err
	}
	if act.Conversation.ID == "" || act.ServiceURL == "" {
		return channel.RoutingContext{}, apperr.BadRequest("activity has no conversation")
	}
	return channel.RoutingContext{
		ChatID:   act.Conversation.ID,
		SenderID: act.From.ID,
		Metadata: map[string]any{
			"serviceUrl":     act.ServiceURL,
			"conversationId": act.Conversation.ID,
			"channelId":      act.ChannelID,
			"botId":          act.Recipient.ID,
			"botName":        act.Recipient.Name,
		},
	}, nil
}

func (a *MicrosoftAdapter) ParseMessage(_ context.Context, _ channel.Channel, _ channel.Conversation, raw channel.RawMessage, _ channel.RoutingContext) channel.Outcome[channel.Attachment] {
	var act activity
	if err := json.Unmarshal(raw, &act); err != nil {
		return channel.Reject[channel.Attachment](apperr.BadRequest("invalid activity"))
	}
	if value, ok := act.Value.(string); ok && value != "" {
		return channel.Continue(channel.TextAttachment(value))
	}
	for _, att := range act.Attachments {
		if att.ContentURL == "" {
			continue
		}
		switch {
		case strings.HasPrefix(att.ContentType, "image/"):
			return channel.Continue(channel.NewAttachment(channel.AttachmentPicture, att.ContentURL))
		case strings.HasPrefix(att.ContentType, "video/"):
			return channel.Continue(channel.NewAttachment(channel.AttachmentVideo, att.ContentURL))
		case strings.HasPrefix(att.ContentType, "audio/"):
			return channel.Continue(channel.NewAttachment(channel.AttachmentAudio, att.ContentURL))
		}
	}
	if strings.TrimSpace(act.Text) == "" {
		return channel.Stop[channel.Attachment](nil)
	}
	return channel.Continue(channel.TextAttachment(act.Text))
}

// FormatMessage builds message activities. Cards are hero cards; carousels
// and lists use the matching attachment layout.
func (a *MicrosoftAdapter) FormatMessage(_ channel.Channel, _ channel.Conversation, msg channel.Attachment) ([]any, error) {
	msg = msg.Normalized()
	switch msg.Type {
	case channel.AttachmentConversationStart, channel.AttachmentConversationEnd:
		return nil, nil
	case channel.AttachmentText:
		return one(message(map[string]any{"text": msg.Text()})), nil
	case channel.AttachmentPicture, channel.AttachmentVideo, channel.AttachmentAudio:
		return one(message(map[string]any{
			"attachments": []cardAttachment{{ContentType: mediaType(msg.Type, msg.Text()), ContentURL: msg.Text()}},
		})), nil
	case channel.AttachmentCard:
		card, err := msg.Card()
		if err != nil {
			return nil, apperr.BadRequest("%v", err)
		}
		return one(message(map[string]any{
			"attachments": []cardAttachment{heroCard(card.Title, card.Subtitle, card.ImageURL, "", card.Buttons)},
		})), nil
	case channel.AttachmentCarousel:
		cards, err := msg.Carousel()
		if err != nil {
			return nil, apperr.BadRequest("%v", err)
		}
		atts := make([]cardAttachment, 0, len(cards))
		for _, c := range cards {
			atts = append(atts, heroCard(c.Title, c.Subtitle, c.ImageURL, "", c.Buttons))
		}
		return one(message(map[string]any{"attachmentLayout": "carousel", "attachments": atts})), nil
	case channel.AttachmentList:
		list, err := msg.List()
		if err != nil {
			return nil, apperr.BadRequest("%v", err)
		}
		atts := make([]cardAttachment, 0, len(list.Elements)+1)
		for _, el := range list.Elements {
			atts = append(atts, heroCard(el.Title, el.Subtitle, el.ImageURL, "", el.Buttons))
		}
		if len(list.Buttons) > 0 {
			atts = append(atts, heroCard("", "", "", "", list.Buttons))
		}
		return one(message(map[string]any{"attachmentLayout": "list", "attachments": atts})), nil
	case channel.AttachmentButtons:
		content, err := msg.Buttons()
		if err != nil {
			return nil, apperr.BadRequest("%v", err)
		}
		return one(message(map[string]any{
			"attachments": []cardAttachment{heroCard("", "", "", content.Title, content.Buttons)},
		})), nil
	case channel.AttachmentQuickReplies:
		content, err := msg.Buttons()
		if err != nil {
			return nil, apperr.BadRequest("%v", err)
		}
		return one(message(map[string]any{
			"text":             content.Title,
			"suggestedActions": map[string]any{"actions": cardActions(content.Buttons)},
		})), nil
	case channel.AttachmentCustom:
		var custom map[string]any
		if err := msg.Decode(&custom); err != nil {
			return nil, apperr.BadRequest("%v", err)
		}
		return one(message(custom)), nil
	}
	return nil, apperr.NotSupported("microsoft does not support %s messages", msg.Type)
}

func one(m map[string]any) []any {
	return []any{m}
}

func message(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	if _, ok := out["type"]; !ok {
		out["type"] = "message"
	}
	return out
}

func mediaType(kind channel.AttachmentType, rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		if t := mime.TypeByExtension(path.Ext(u.Path)); t != "" {
			return t
		}
	}
	switch kind {
	case channel.AttachmentVideo:
		return "video/mp4"
	case channel.AttachmentAudio:
		return "audio/mpeg"
	}
	return "image/png"
}

func heroCard(title, subtitle, imageURL, text string, buttons []channel.Button) cardAttachment {
	content := map[string]any{"buttons": cardActions(buttons)}
	if title != "" {
		content["title"] = title
	}
	if subtitle != "" {
		content["subtitle"] = subtitle
	}
	if text != "" {
		content["text"] = text
	}
	if imageURL != "" {
		content["images"] = []map[string]string{{"url": imageURL}}
	}
	return cardAttachment{ContentType: "application/vnd.microsoft.card.hero", Content: content}
}

func cardActions(buttons []channel.Button) []map[string]string {
	out := make([]map[string]string, 0, len(buttons))
	for _, b := range buttons {
		action := map[string]string{"type": "imBack", "title": b.Title, "value": b.Title}
		switch b.Type {
		case channel.ButtonWebURL:
			action["type"], action["value"] = "openUrl", b.Value
		case channel.ButtonPhoneNumber:
			action["type"], action["value"] = "call", "tel:"+b.Value
		case channel.ButtonPostback:
			action["type"], action["value"] = "postBack", b.Value
		}
		out = append(out, action)
	}
	return out
}

// connectorClient returns a client that authenticates with a cached
// client-credentials token for the channel's app.
func (a *MicrosoftAdapter) connectorClient(ch channel.Channel) *http.Client {
	base := context.Background()
	if a.client != nil {
		base = context.WithValue(base, oauth2.HTTPClient, a.client)
	}
	key := appID(ch) + "\x00" + ch.Credential("clientSecret", "appPassword", "client_secret")

	a.mu.Lock()
	ts, ok := a.tokens[key]
	if !ok {
		cfg := clientcredentials.Config{
			ClientID:     appID(ch),
			ClientSecret: ch.Credential("clientSecret", "appPassword", "client_secret"),
			TokenURL:     a.tokenURL,
			Scopes:       []string{tokenScope},
		}
		ts = cfg.TokenSource(base)
		a.tokens[key] = ts
	}
	a.mu.Unlock()
	return oauth2.NewClient(base, ts)
}

func (a *MicrosoftAdapter) send(ctx context.Context, ch channel.Channel, conv channel.Conversation, act map[string]any) error {
	serviceURL := conv.Meta("serviceUrl")
	if serviceURL == "" {
		return fmt.Errorf("conversation %s has no service url", conv.ID)
	}
	conversationID := conv.Meta("conversationId")
	if conversationID == "" {
		conversationID = conv.ChatID
	}
	out := make(map[string]any, len(act)+2)
	for k, v := range act {
		out[k] = v
	}
	out["conversation"] = account{ID: conversationID}
	if bot := conv.Meta("botId"); bot != "" {
		out["from"] = account{ID: bot, Name: conv.Meta("botName")}
	}
	return common.Do(ctx, a.connectorClient(ch), common.Request{
		Method: http.MethodPost,
		URL:    common.JoinURL(serviceURL, "/v3/conversations/"+url.PathEscape(conversationID)+"/activities"),
		JSON:   out,
	}, nil)
}

func (a *MicrosoftAdapter) DeliverMessage(ctx context.Context, ch channel.Channel, conv channel.Conversation, payload any) error {
	act, ok := payload.(map[string]any)
	if !ok {
		return fmt.Errorf("unexpected microsoft payload %T", payload)
	}
	return a.send(ctx, ch, conv, act)
}

func (a *MicrosoftAdapter) SendTyping(ctx context.Context, ch channel.Channel, conv channel.Conversation) error {
	return a.send(ctx, ch, conv, map[string]any{"type": "typing"})
}
