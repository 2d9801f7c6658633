package twitter

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/dghubble/oauth1"

	"github.com/memohai/connector/internal/apperr"
	"github.com/memohai/connector/internal/channel"
	"github.com/memohai/connector/internal/channel/adapters/common"
)

// Type is the Twitter direct message channel type.
const Type channel.ChannelType = "twitter"

const (
	defaultAPIBase  = "https://api.twitter.com"
	maxQuickReplies = 20
)

type activity struct {
	ForUserID           string         `json:"for_user_id"`
	DirectMessageEvents []messageEvent `json:"direct_message_events"`
}

type messageEvent struct {
	Type          string `json:"type"`
	ID            string `json:"id"`
	MessageCreate struct {
		Target struct {
			RecipientID string `json:"recipient_id"`
		} `json:"target"`
		SenderID    string `json:"sender_id"`
		MessageData struct {
			Text               string `json:"text"`
			QuickReplyResponse *struct {
				Metadata string `json:"metadata"`
			} `json:"quick_reply_response,omitempty"`
			Attachment *struct {
				Type  string `json:"type"`
				Media struct {
					Type          string `json:"type"`
					MediaURLHTTPS string `json:"media_url_https"`
				} `json:"media"`
			} `json:"attachment,omitempty"`
		} `json:"message_data"`
	} `json:"message_create"`
}

func decodeActivity(body []byte) (activity, error) {
	var in activity
	if err := json.Unmarshal(body, &in); err != nil {
		return activity{}, apperr.Wrap(apperr.KindBadRequest, err, "invalid twitter payload")
	}
	return in, nil
}

type TwitterAdapter struct {
	logger  *slog.Logger
	client  *http.Client
	apiBase string
}

func NewTwitterAdapter(log *slog.Logger, client *http.Client) *TwitterAdapter {
	if log == nil {
		log = slog.Default()
	}
	return &TwitterAdapter{
		logger:  log.With(slog.String("adapter", "twitter")),
		client:  client,
		apiBase: defaultAPIBase,
	}
}

func (a *TwitterAdapter) Type() channel.ChannelType {
	return Type
}

func (a *TwitterAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        Type,
		DisplayName: "Twitter",
		ConfigSchema: channel.ConfigSchema{
			Version: 1,
			Fields: map[string]channel.FieldSchema{
				"consumerKey":       {Type: channel.FieldString, Required: true, Title: "Consumer Key"},
				"consumerSecret":    {Type: channel.FieldSecret, Required: true, Title: "Consumer Secret"},
				"accessToken":       {Type: channel.FieldString, Required: true, Title: "Access Token"},
				"accessTokenSecret": {Type: channel.FieldSecret, Required: true, Title: "Access Token Secret"},
				"envName":           {Type: channel.FieldString, Title: "Account Activity Environment"},
			},
		},
	}
}

func consumerSecret(ch channel.Channel) string {
	return ch.Credential("consumerSecret", "consumer_secret")
}

// httpClient returns an OAuth1 signing client built on top of the adapter's
// transport.
func (a *TwitterAdapter) httpClient(ctx context.Context, ch channel.Channel) *http.Client {
	if a.client != nil {
		ctx = context.WithValue(ctx, oauth1.HTTPClient, a.client)
	}
	config := oauth1.NewConfig(ch.Credential("consumerKey", "consumer_key"), consumerSecret(ch))
	token := oauth1.NewToken(ch.Credential("accessToken", "access_token"), ch.Credential("accessTokenSecret", "access_token_secret"))
	return config.Client(ctx, token)
}

func (a *TwitterAdapter) call(ctx context.Context, ch channel.Channel, method, path string, body, out any) error {
	return common.Do(ctx, a.httpClient(ctx, ch), common.Request{
		Method: method,
		URL:    common.JoinURL(a.apiBase, path),
		JSON:   body,
	}, out)
}

func environmentPath(ch channel.Channel, suffix string) string {
	return "/1.1/account_activity/all/" + url.PathEscape(ch.Credential("envName", "env_name")) + suffix
}

// OnCreated reads the account behind the access token and, when an Account
// Activity environment is configured, registers and subscribes the webhook.
func (a *TwitterAdapter) OnCreated(ctx context.Context, ch *channel.Channel) error {
	var me struct {
		IDStr      string `json:"id_str"`
		ScreenName string `json:"screen_name"`
	}
	if err := a.call(ctx, *ch, http.MethodGet, "/1.1/account/verify_credentials.json", nil, &me); err != nil {
		return apperr.Service(err, "twitter credential verification failed")
	}
	self := map[string]any{"user_id": me.IDStr, "screen_name": me.ScreenName}
	if ch.Credential("envName", "env_name") != "" {
		var hook struct {
			ID string `json:"id"`
		}
		path := environmentPath(*ch, "/webhooks.json?url="+url.QueryEscape(ch.Webhook))
		if err := a.call(ctx, *ch, http.MethodPost, path, nil, &hook); err != nil {
			return apperr.Service(err, "twitter webhook registration failed")
		}
		if err := a.call(ctx, *ch, http.MethodPost, environmentPath(*ch, "/subscriptions.json"), nil, nil); err != nil {
			return apperr.Service(err, "twitter subscription failed")
		}
		self["webhook_id"] = hook.ID
	}
	ch.SelfIdentity = self
	return nil
}

func (a *TwitterAdapter) OnDeleted(ctx context.Context, ch channel.Channel) error {
	id := ch.Self("webhook_id")
	if id == "" {
		return nil
	}
	if err := a.call(ctx, ch, http.MethodDelete, environmentPath(ch, "/webhooks/"+url.PathEscape(id)+".json"), nil, nil); err != nil {
		return apperr.Service(err, "twitter webhook removal failed")
	}
	return nil
}

// CRCResponse computes the challenge response token for crcToken.
func CRCResponse(secret, crcToken string) string {
	return "sha256=" + channel.HMACBase64(sha256.New, secret, []byte(crcToken))
}

// VerifyWebhook answers the Account Activity challenge-response check.
func (a *TwitterAdapter) VerifyWebhook(_ context.Context, req *channel.WebhookRequest, ch channel.Channel) (channel.Reply, error) {
	crcToken := req.Query("crc_token")
	if crcToken == "" {
		return channel.Reply{}, apperr.BadRequest("missing crc_token")
	}
	return channel.Reply{
		Status: http.StatusOK,
		Body:   map[string]string{"response_token": CRCResponse(consumerSecret(ch), crcToken)},
	}, nil
}

// Authenticate checks x-twitter-webhooks-signature: "sha256=" followed by the
// hex HMAC-SHA256 of the body keyed by the consumer secret.
func (a *TwitterAdapter) Authenticate(_ context.Context, req *channel.WebhookRequest, ch channel.Channel) error {
	expected := "sha256=" + channel.HMACHex(sha256.New, consumerSecret(ch), req.Body)
	if !channel.SignatureEqual(expected, req.HeaderValue("X-Twitter-Webhooks-Signature")) {
		return apperr.Unauthorized("invalid twitter signature")
	}
	return nil
}

// BeforePipeline acknowledges activities that are not direct messages and
// the echo of messages the account sent itself.
func (a *TwitterAdapter) BeforePipeline(_ context.Context, req *channel.WebhookRequest, ch channel.Channel) channel.Outcome[channel.Channel] {
	in, err := decodeActivity(req.Body)
	if err != nil {
		return channel.Reject[channel.Channel](err)
	}
	if len(in.DirectMessageEvents) == 0 {
		return channel.Stop[channel.Channel](nil)
	}
	ev := in.DirectMessageEvents[0]
	if ev.Type != "message_create" || ev.MessageCreate.SenderID == in.ForUserID {
		return channel.Stop[channel.Channel](nil)
	}
	return channel.Continue(ch)
}

func (a *TwitterAdapter) ExtractContext(req *channel.WebhookRequest, _ channel.Channel) (channel.RoutingContext, error) {
	in, err := decodeActivity(req.Body)
	if err != nil {
		return channel.RoutingContext{}, err
	}
	if len(in.DirectMessageEvents) == 0 {
		return channel.RoutingContext{}, apperr.BadRequest("twitter payload has no direct message")
	}
	sender := in.DirectMessageEvents[0].MessageCreate.SenderID
	return channel.RoutingContext{ChatID: sender, SenderID: sender}, nil
}

func (a *TwitterAdapter) RawMessage(_ context.Context, req *channel.WebhookRequest, _ channel.Channel, _ channel.RoutingContext) (channel.RawMessage, error) {
	in, err := decodeActivity(req.Body)
	if err != nil {
		return nil, err
	}
	if len(in.DirectMessageEvents) == 0 {
		return nil, apperr.BadRequest("twitter payload has no direct message")
	}
	data, err := json.Marshal(in.DirectMessageEvents[0])
	if err != nil {
		return nil, fmt.Errorf("encode twitter event: %w", err)
	}
	return data, nil
}

func (a *TwitterAdapter) ParseMessage(_ context.Context, _ channel.Channel, _ channel.Conversation, raw channel.RawMessage, _ channel.RoutingContext) channel.Outcome[channel.Attachment] {
	var ev messageEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return channel.Reject[channel.Attachment](apperr.BadRequest("invalid twitter event"))
	}
	data := ev.MessageCreate.MessageData
	if data.QuickReplyResponse != nil && data.QuickReplyResponse.Metadata != "" {
		return channel.Continue(channel.TextAttachment(data.QuickReplyResponse.Metadata))
	}
	if data.Attachment != nil && data.Attachment.Media.MediaURLHTTPS != "" {
		kind := channel.AttachmentPicture
		if data.Attachment.Media.Type == "video" || data.Attachment.Media.Type == "animated_gif" {
			kind = channel.AttachmentVideo
		}
		return channel.Continue(channel.NewAttachment(kind, data.Attachment.Media.MediaURLHTTPS))
	}
	if strings.TrimSpace(data.Text) == "" {
		return channel.Stop[channel.Attachment](nil)
	}
	return channel.Continue(channel.TextAttachment(data.Text))
}

// FormatMessage builds message_data objects. Media is sent as a link since
// direct messages only accept previously uploaded media ids.
func (a *TwitterAdapter) FormatMessage(_ channel.Channel, _ channel.Conversation, msg channel.Attachment) ([]any, error) {
	msg = msg.Normalized()
	switch msg.Type {
	case channel.AttachmentConversationStart, channel.AttachmentConversationEnd:
		return nil, nil
	case channel.AttachmentQuickReplies:
		content, err := msg.Buttons()
		if err != nil {
			return nil, apperr.BadRequest("%v", err)
		}
		buttons := content.Buttons
		if len(buttons) > maxQuickReplies {
			buttons = buttons[:maxQuickReplies]
		}
		options := make([]map[string]any, 0, len(buttons))
		for _, b := range buttons {
			value := b.Value
			if value == "" {
				value = b.Title
			}
			options = append(options, map[string]any{"label": common.Truncate(b.Title, 36), "metadata": value})
		}
		return []any{map[string]any{
			"text":        content.Title,
			"quick_reply": map[string]any{"type": "options", "options": options},
		}}, nil
	case channel.AttachmentCustom:
		var custom map[string]any
		if err := msg.Decode(&custom); err != nil {
			return nil, apperr.BadRequest("%v", err)
		}
		return []any{custom}, nil
	}
	text := msg.Summary()
	if text == "" {
		return nil, apperr.NotSupported("twitter does not support %s messages", msg.Type)
	}
	return []any{map[string]any{"text": text}}, nil
}

func (a *TwitterAdapter) DeliverMessage(ctx context.Context, ch channel.Channel, conv channel.Conversation, payload any) error {
	return a.call(ctx, ch, http.MethodPost, "/1.1/direct_messages/events/new.json", map[string]any{
		"event": map[string]any{
			"type": "message_create",
			"message_create": map[string]any{
				"target":       map[string]any{"recipient_id": conv.ChatID},
				"message_data": payload,
			},
		},
	}, nil)
}

func (a *TwitterAdapter) FetchProfile(ctx context.Context, ch channel.Channel, _ channel.Conversation, senderID string) (map[string]any, error) {
	var user struct {
		Name       string `json:"name"`
		ScreenName string `json:"screen_name"`
		Image      string `json:"profile_image_url_https"`
	}
	if err := a.call(ctx, ch, http.MethodGet, "/1.1/users/show.json?user_id="+url.QueryEscape(senderID), nil, &user); err != nil {
		return nil, err
	}
	return map[string]any{"name": user.Name, "screen_name": user.ScreenName, "picture": user.Image}, nil
}
