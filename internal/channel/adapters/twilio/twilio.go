package twilio

import (
	"context"
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	twiliosdk "github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/memohai/connector/internal/apperr"
	"github.com/memohai/connector/internal/channel"
)

// Type is the Twilio SMS channel type.
const Type channel.ChannelType = "twilio"

// maxBodyLength is Twilio's limit for a concatenated SMS body.
const maxBodyLength = 1600

// Config holds the Twilio credentials of a channel.
type Config struct {
	AccountSID  string
	AuthToken   string
	PhoneNumber string
}

func parseConfig(raw map[string]any) Config {
	return Config{
		AccountSID:  channel.ReadString(raw, "accountSid", "account_sid"),
		AuthToken:   channel.ReadString(raw, "authToken", "auth_token"),
		PhoneNumber: channel.ReadString(raw, "phoneNumber", "phone_number"),
	}
}

// outboundMessage is one Messages.json call.
type outboundMessage struct {
	Body     string
	MediaURL string
}

// TwilioAdapter relays SMS and MMS through Twilio's programmable messaging API.
type TwilioAdapter struct {
	logger *slog.Logger
	client *http.Client
}

// NewTwilioAdapter creates a TwilioAdapter.
func NewTwilioAdapter(log *slog.Logger, client *http.Client) *TwilioAdapter {
	if log == nil {
		log = slog.Default()
	}
	return &TwilioAdapter{
		logger: log.With(slog.String("adapter", "twilio")),
		client: client,
	}
}

func (a *TwilioAdapter) Type() channel.ChannelType {
	return Type
}

func (a *TwilioAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        Type,
		DisplayName: "Twilio",
		ConfigSchema: channel.ConfigSchema{
			Version: 1,
			Fields: map[string]channel.FieldSchema{
				"accountSid":  {Type: channel.FieldString, Required: true, Title: "Account SID"},
				"authToken":   {Type: channel.FieldSecret, Required: true, Title: "Auth Token"},
				"phoneNumber": {Type: channel.FieldString, Required: true, Title: "Phone Number"},
			},
		},
	}
}

// ExtractContext uses the sender phone number as both chat and sender id.
func (a *TwilioAdapter) ExtractContext(req *channel.WebhookRequest, _ channel.Channel) (channel.RoutingContext, error) {
	params, err := req.Params()
	if err != nil {
		return channel.RoutingContext{}, err
	}
	from := strings.TrimSpace(params["From"])
	if from == "" {
		return channel.RoutingContext{}, apperr.BadRequest("missing From parameter")
	}
	return channel.RoutingContext{ChatID: from, SenderID: from}, nil
}

// Authenticate checks x-twilio-signature: base64 HMAC-SHA1 keyed by the auth
// token over the webhook URL followed by every parameter, sorted by name, as
// name+value.
func (a *TwilioAdapter) Authenticate(_ context.Context, req *channel.WebhookRequest, ch channel.Channel) error {
	form, err := req.Form()
	if err != nil {
		return err
	}
	cfg := parseConfig(ch.Credentials)
	if cfg.AuthToken == "" {
		return apperr.Unauthorized("twilio channel %s has no auth token", ch.ID)
	}
	signature := req.HeaderValue("X-Twilio-Signature")
	if params, ok := singleValued(form); ok {
		validator := twclient.NewRequestValidator(cfg.AuthToken)
		if !validator.Validate(ch.Webhook, params, signature) {
			return apperr.Unauthorized("invalid twilio signature")
		}
		return nil
	}
	// The SDK validator takes one value per key; repeated keys are signed here.
	expected := channel.HMACBase64(sha1.New, cfg.AuthToken, []byte(SignaturePayload(ch.Webhook, form)))
	if !channel.SignatureEqual(expected, signature) {
		return apperr.Unauthorized("invalid twilio signature")
	}
	return nil
}

func singleValued(form url.Values) (map[string]string, bool) {
	out := make(map[string]string, len(form))
	for k, v := range form {
		if len(v) > 1 {
			return nil, false
		}
		out[k] = ""
		if len(v) == 1 {
			out[k] = v[0]
		}
	}
	return out, true
}

// SignaturePayload builds the string Twilio signs for a webhook call. Keys are
// sorted, and a repeated key contributes one name+value pair per distinct
// value in sorted order.
func SignaturePayload(webhookURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(webhookURL)
	for _, k := range keys {
		values := append([]string(nil), form[k]...)
		if len(values) == 0 {
			values = []string{""}
		}
		sort.Strings(values)
		for i, v := range values {
			if i > 0 && v == values[i-1] {
				continue
			}
			b.WriteString(k)
			b.WriteString(v)
		}
	}
	return b.String()
}

// RawMessage re-encodes the flat parameters as JSON.
func (a *TwilioAdapter) RawMessage(_ context.Context, req *channel.WebhookRequest, _ channel.Channel, _ channel.RoutingContext) (channel.RawMessage, error) {
	params, err := req.Params()
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode twilio params: %w", err)
	}
	return data, nil
}

func (a *TwilioAdapter) ParseMessage(_ context.Context, _ channel.Channel, _ channel.Conversation, raw channel.RawMessage, _ channel.RoutingContext) channel.Outcome[channel.Attachment] {
	var params map[string]string
	if err := json.Unmarshal(raw, &params); err != nil {
		return channel.Reject[channel.Attachment](apperr.BadRequest("invalid twilio message"))
	}
	if n, _ := strconv.Atoi(params["NumMedia"]); n > 0 && params["MediaUrl0"] != "" {
		mediaType := strings.ToLower(params["MediaContentType0"])
		switch {
		case strings.HasPrefix(mediaType, "image/"):
			return channel.Continue(channel.NewAttachment(channel.AttachmentPicture, params["MediaUrl0"]))
		case strings.HasPrefix(mediaType, "video/"):
			return channel.Continue(channel.NewAttachment(channel.AttachmentVideo, params["MediaUrl0"]))
		case strings.HasPrefix(mediaType, "audio/"):
			return channel.Continue(channel.NewAttachment(channel.AttachmentAudio, params["MediaUrl0"]))
		}
	}
	body := strings.TrimSpace(params["Body"])
	if body == "" {
		return channel.Stop[channel.Attachment](nil)
	}
	return channel.Continue(channel.TextAttachment(body))
}

// FormatMessage maps media to MMS and renders structured content as text.
func (a *TwilioAdapter) FormatMessage(_ channel.Channel, _ channel.Conversation, msg channel.Attachment) ([]any, error) {
	msg = msg.Normalized()
	switch msg.Type {
	case channel.AttachmentText:
		chunks := channel.ChunkText(msg.Text(), maxBodyLength)
		out := make([]any, 0, len(chunks))
		for _, chunk := range chunks {
			out = append(out, outboundMessage{Body: chunk})
		}
		return out, nil
	case channel.AttachmentPicture, channel.AttachmentVideo, channel.AttachmentAudio:
		return []any{outboundMessage{MediaURL: msg.Text()}}, nil
	case channel.AttachmentCard, channel.AttachmentCarousel, channel.AttachmentList,
		channel.AttachmentButtons, channel.AttachmentQuickReplies:
		return []any{outboundMessage{Body: msg.Summary()}}, nil
	case channel.AttachmentConversationStart, channel.AttachmentConversationEnd:
		return nil, nil
	}
	return nil, apperr.NotSupported("twilio does not support %s messages", msg.Type)
}

func (a *TwilioAdapter) DeliverMessage(_ context.Context, ch channel.Channel, conv channel.Conversation, payload any) error {
	msg, ok := payload.(outboundMessage)
	if !ok {
		return fmt.Errorf("unexpected twilio payload %T", payload)
	}
	cfg := parseConfig(ch.Credentials)
	params := &openapi.CreateMessageParams{}
	params.SetPathAccountSid(cfg.AccountSID)
	params.SetTo(conv.ChatID)
	params.SetFrom(cfg.PhoneNumber)
	if msg.Body != "" {
		params.SetBody(msg.Body)
	}
	if msg.MediaURL != "" {
		params.SetMediaUrl([]string{msg.MediaURL})
	}
	resp, err := a.restClient(cfg).Api.CreateMessage(params)
	if err != nil {
		return fmt.Errorf("twilio create message: %w", err)
	}
	if resp.Sid != nil {
		a.logger.Debug("twilio message queued", slog.String("channel_id", ch.ID), slog.String("sid", *resp.Sid))
	}
	return nil
}

func (a *TwilioAdapter) restClient(cfg Config) *twiliosdk.RestClient {
	base := &twclient.Client{
		Credentials: twclient.NewCredentials(cfg.AccountSID, cfg.AuthToken),
		HTTPClient:  a.client,
	}
	base.SetAccountSid(cfg.AccountSID)
	return twiliosdk.NewRestClientWithParams(twiliosdk.ClientParams{Client: base})
}
