package channel

import (
	"context"
	"net/http"
	"strings"

	"github.com/memohai/connector/internal/apperr"
)

// WebhookPath is the route prefix of channel webhooks.
const WebhookPath = "/v1/webhook/"

// Driver exposes the full capability set of an adapter. Capabilities the
// adapter does not implement fall back to the defaults in this file.
type Driver interface {
	Adapter
	ValidateConfig(ch Channel) error
	OnCreated(ctx context.Context, ch *Channel) error
	OnUpdated(ctx context.Context, ch *Channel, previous Channel) error
	OnDeleted(ctx context.Context, ch Channel) error
	BuildWebhookURL(baseURL string, ch Channel) string
	BeforePipeline(ctx context.Context, req *WebhookRequest, ch Channel) Outcome[Channel]
	VerifyWebhook(ctx context.Context, req *WebhookRequest, ch Channel) (Reply, error)
	Authenticate(ctx context.Context, req *WebhookRequest, ch Channel) error
	ExtractContext(req *WebhookRequest, ch Channel) (RoutingContext, error)
	RawMessage(ctx context.Context, req *WebhookRequest, ch Channel, rc RoutingContext) (RawMessage, error)
	ParseMessage(ctx context.Context, ch Channel, conv Conversation, raw RawMessage, rc RoutingContext) Outcome[Attachment]
	FormatMessage(ch Channel, conv Conversation, msg Attachment) ([]any, error)
	DeliverMessage(ctx context.Context, ch Channel, conv Conversation, payload any) error
	SendTyping(ctx context.Context, ch Channel, conv Conversation) error
	FetchProfile(ctx context.Context, ch Channel, conv Conversation, senderID string) (map[string]any, error)
	// Synchronous reports whether replies are returned in the webhook response.
	Synchronous() bool
	RenderReply(ch Channel, conv Conversation, payloads []any) (any, error)
}

type driver struct {
	Adapter
}

// NewDriver wraps an adapter with the default capability table.
func NewDriver(adapter Adapter) Driver {
	if d, ok := adapter.(Driver); ok {
		return d
	}
	return driver{Adapter: adapter}
}

func (d driver) ValidateConfig(ch Channel) error {
	if v, ok := d.Adapter.(ConfigValidator); ok {
		return v.ValidateConfig(ch)
	}
	if err := ValidateRequired(d.Descriptor().ConfigSchema, ch); err != nil {
		return apperr.BadRequest("%s", err.Error())
	}
	return nil
}

func (d driver) OnCreated(ctx context.Context, ch *Channel) error {
	if h, ok := d.Adapter.(CreateHook); ok {
		return h.OnCreated(ctx, ch)
	}
	return nil
}

func (d driver) OnUpdated(ctx context.Context, ch *Channel, previous Channel) error {
	if h, ok := d.Adapter.(UpdateHook); ok {
		return h.OnUpdated(ctx, ch, previous)
	}
	return nil
}

func (d driver) OnDeleted(ctx context.Context, ch Channel) error {
	if h, ok := d.Adapter.(DeleteHook); ok {
		return h.OnDeleted(ctx, ch)
	}
	return nil
}

func (d driver) BuildWebhookURL(baseURL string, ch Channel) string {
	if b, ok := d.Adapter.(WebhookURLBuilder); ok {
		return b.BuildWebhookURL(baseURL, ch)
	}
	return DefaultWebhookURL(baseURL, ch)
}

// DefaultWebhookURL returns {base}/v1/webhook/{channelId}.
func DefaultWebhookURL(baseURL string, ch Channel) string {
	return strings.TrimRight(baseURL, "/") + WebhookPath + ch.ID
}

func (d driver) BeforePipeline(ctx context.Context, req *WebhookRequest, ch Channel) Outcome[Channel] {
	if r, ok := d.Adapter.(DispatchResolver); ok {
		return r.BeforePipeline(ctx, req, ch)
	}
	return Continue(ch)
}

func (d driver) VerifyWebhook(ctx context.Context, req *WebhookRequest, ch Channel) (Reply, error) {
	if v, ok := d.Adapter.(WebhookVerifier); ok {
		return v.VerifyWebhook(ctx, req, ch)
	}
	return Reply{}, apperr.BadRequest("channel type %s does not support webhook verification", d.Type())
}

func (d driver) Authenticate(ctx context.Context, req *WebhookRequest, ch Channel) error {
	if a, ok := d.Adapter.(Authenticator); ok {
		return a.Authenticate(ctx, req, ch)
	}
	return nil
}

func (d driver) ExtractContext(req *WebhookRequest, ch Channel) (RoutingContext, error) {
	if e, ok := d.Adapter.(ContextExtractor); ok {
		return e.ExtractContext(req, ch)
	}
	return RoutingContext{}, apperr.NotSupported("channel type %s cannot extract a routing context", d.Type())
}

func (d driver) RawMessage(ctx context.Context, req *WebhookRequest, ch Channel, rc RoutingContext) (RawMessage, error) {
	if r, ok := d.Adapter.(RawMessageReader); ok {
		return r.RawMessage(ctx, req, ch, rc)
	}
	return RawMessage(req.Body), nil
}

func (d driver) ParseMessage(ctx context.Context, ch Channel, conv Conversation, raw RawMessage, rc RoutingContext) Outcome[Attachment] {
	if p, ok := d.Adapter.(Parser); ok {
		return p.ParseMessage(ctx, ch, conv, raw, rc)
	}
	return Reject[Attachment](apperr.NotSupported("channel type %s cannot parse messages", d.Type()))
}

func (d driver) FormatMessage(ch Channel, conv Conversation, msg Attachment) ([]any, error) {
	if f, ok := d.Adapter.(Formatter); ok {
		return f.FormatMessage(ch, conv, msg.Normalized())
	}
	return nil, apperr.NotSupported("channel type %s cannot format messages", d.Type())
}

func (d driver) DeliverMessage(ctx context.Context, ch Channel, conv Conversation, payload any) error {
	if s, ok := d.Adapter.(Deliverer); ok {
		return s.DeliverMessage(ctx, ch, conv, payload)
	}
	return nil
}

func (d driver) SendTyping(ctx context.Context, ch Channel, conv Conversation) error {
	if t, ok := d.Adapter.(TypingNotifier); ok {
		return t.SendTyping(ctx, ch, conv)
	}
	return nil
}

func (d driver) FetchProfile(ctx context.Context, ch Channel, conv Conversation, senderID string) (map[string]any, error) {
	if p, ok := d.Adapter.(ProfileFetcher); ok {
		return p.FetchProfile(ctx, ch, conv, senderID)
	}
	return nil, nil
}

func (d driver) Synchronous() bool {
	_, ok := d.Adapter.(ReplyRenderer)
	return ok
}

func (d driver) RenderReply(ch Channel, conv Conversation, payloads []any) (any, error) {
	if r, ok := d.Adapter.(ReplyRenderer); ok {
		return r.RenderReply(ch, conv, payloads)
	}
	return DefaultReply().Body, nil
}

// DefaultReply is the webhook acknowledgement used when no stage overrides it.
func DefaultReply() Reply {
	return Reply{
		Status: http.StatusOK,
		Body: map[string]any{
			"results": nil,
			"message": "Message successfully received",
		},
	}
}
