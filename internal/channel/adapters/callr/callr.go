package callr

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/memohai/connector/internal/apperr"
	"github.com/memohai/connector/internal/channel"
	"github.com/memohai/connector/internal/channel/adapters/common"
)

// Type is the CallR SMS channel type.
const Type channel.ChannelType = "callr"

const (
	defaultAPIURL = "https://api.callr.com/json-rpc/v1.1/"
	eventSMSMO    = "sms.mo"
)

type webhookEvent struct {
	Type string `json:"type"`
	Data struct {
		From string `json:"from"`
		To   string `json:"to"`
		Text string `json:"text"`
	} `json:"data"`
}

type rpcRequest struct {
	ID      int    `json:"id"`
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type CallrAdapter struct {
	logger *slog.Logger
	client *http.Client
	apiURL string
}

func NewCallrAdapter(log *slog.Logger, client *http.Client) *CallrAdapter {
	if log == nil {
		log = slog.Default()
	}
	return &CallrAdapter{
		logger: log.With(slog.String("adapter", "callr")),
		client: client,
		apiURL: defaultAPIURL,
	}
}

func (a *CallrAdapter) Type() channel.ChannelType {
	return Type
}

func (a *CallrAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        Type,
		DisplayName: "CallR",
		ConfigSchema: channel.ConfigSchema{
			Version: 1,
			Fields: map[string]channel.FieldSchema{
				"login":      {Type: channel.FieldString, Required: true, Title: "Login"},
				"password":   {Type: channel.FieldSecret, Required: true, Title: "Password"},
				"hmacSecret": {Type: channel.FieldSecret, Required: true, Title: "Webhook HMAC Secret"},
				"sender":     {Type: channel.FieldString, Title: "Sender ID"},
			},
		},
	}
}

// rpc calls one CallR JSON-RPC method.
func (a *CallrAdapter) rpc(ctx context.Context, ch channel.Channel, method string, params []any, out any) error {
	var resp rpcResponse
	err := common.Do(ctx, a.client, common.Request{
		Method:   http.MethodPost,
		URL:      a.apiURL,
		JSON:     rpcRequest{ID: 1, JSONRPC: "2.0", Method: method, Params: params},
		Username: ch.Credential("login"),
		Password: ch.Credential("password"),
	}, &resp)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("callr %s: %d %s", method, resp.Error.Code, resp.Error.Message)
	}
	if out != nil && len(resp.Result) > 0 {
		return json.Unmarshal(resp.Result, out)
	}
	return nil
}

// OnCreated subscribes the channel webhook to inbound SMS.
func (a *CallrAdapter) OnCreated(ctx context.Context, ch *channel.Channel) error {
	var sub struct {
		Hash string `json:"hash"`
	}
	if err := a.rpc(ctx, *ch, "webhooks.subscribe", []any{eventSMSMO, ch.Webhook, nil}, &sub); err != nil {
		return apperr.Service(err, "callr webhook subscription failed")
	}
	ch.SelfIdentity = map[string]any{"webhook_hash": sub.Hash}
	return nil
}

func (a *CallrAdapter) OnUpdated(ctx context.Context, ch *channel.Channel, previous channel.Channel) error {
	if previous.Self("webhook_hash") != "" {
		if err := a.OnDeleted(ctx, previous); err != nil {
			a.logger.Warn("unsubscribe previous webhook failed", slog.String("channel_id", ch.ID), slog.Any("error", err))
		}
	}
	return a.OnCreated(ctx, ch)
}

func (a *CallrAdapter) OnDeleted(ctx context.Context, ch channel.Channel) error {
	hash := ch.Self("webhook_hash")
	if hash == "" {
		return nil
	}
	if err := a.rpc(ctx, ch, "webhooks.unsubscribe", []any{hash}, nil); err != nil {
		return apperr.Service(err, "callr webhook unsubscription failed")
	}
	return nil
}

// Authenticate checks x-callr-hmacsignature: base64 HMAC-SHA256 of the JSON
// body keyed by the webhook secret.
func (a *CallrAdapter) Authenticate(_ context.Context, req *channel.WebhookRequest, ch channel.Channel) error {
	expected := channel.HMACBase64(sha256.New, ch.Credential("hmacSecret", "hmac_secret"), req.Body)
	if !channel.SignatureEqual(expected, req.HeaderValue("X-Callr-Hmacsignature")) {
		return apperr.Unauthorized("invalid callr signature")
	}
	return nil
}

func (a *CallrAdapter) BeforePipeline(_ context.Context, req *channel.WebhookRequest, ch channel.Channel) channel.Outcome[channel.Channel] {
	var ev webhookEvent
	if err := req.DecodeJSON(&ev); err != nil {
		return channel.Reject[channel.Channel](err)
	}
	if ev.Type != eventSMSMO {
		return channel.Stop[channel.Channel](nil)
	}
	return channel.Continue(ch)
}

func (a *CallrAdapter) ExtractContext(req *channel.WebhookRequest, _ channel.Channel) (channel.RoutingContext, error) {
	var ev webhookEvent
	if err := req.DecodeJSON(&ev); err != nil {
		return channel.RoutingContext{}, err
	}
	if ev.Data.From == "" {
		return channel.RoutingContext{}, apperr.BadRequest("callr event has no sender")
	}
	return channel.RoutingContext{ChatID: ev.Data.From, SenderID: ev.Data.From}, nil
}

func (a *CallrAdapter) ParseMessage(_ context.Context, _ channel.Channel, _ channel.Conversation, raw channel.RawMessage, _ channel.RoutingContext) channel.Outcome[channel.Attachment] {
	var ev webhookEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return channel.Reject[channel.Attachment](apperr.BadRequest("invalid callr event"))
	}
	if strings.TrimSpace(ev.Data.Text) == "" {
		return channel.Stop[channel.Attachment](nil)
	}
	return channel.Continue(channel.TextAttachment(ev.Data.Text))
}

// FormatMessage renders everything as SMS text.
func (a *CallrAdapter) FormatMessage(_ channel.Channel, _ channel.Conversation, msg channel.Attachment) ([]any, error) {
	msg = msg.Normalized()
	switch msg.Type {
	case channel.AttachmentConversationStart, channel.AttachmentConversationEnd:
		return nil, nil
	case channel.AttachmentCustom:
		return nil, apperr.NotSupported("callr does not support %s messages", msg.Type)
	}
	text := msg.Summary()
	if text == "" {
		return nil, apperr.NotSupported("callr cannot render %s messages", msg.Type)
	}
	return []any{text}, nil
}

func (a *CallrAdapter) DeliverMessage(ctx context.Context, ch channel.Channel, conv channel.Conversation, payload any) error {
	text, ok := payload.(string)
	if !ok {
		return fmt.Errorf("unexpected callr payload %T", payload)
	}
	sender := ch.Credential("sender")
	if sender == "" {
		sender = "SMS"
	}
	return a.rpc(ctx, ch, "sms.send", []any{sender, conv.ChatID, text, nil}, nil)
}
