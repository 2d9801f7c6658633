package channel

import "context"

// Adapter is the interface every channel adapter implements. All other
// behaviour is discovered through the optional capability interfaces below
// and resolved by the Registry into a Driver.
type Adapter interface {
	Type() ChannelType
	Descriptor() Descriptor
}

// FieldType describes how a credential field is rendered and validated.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldSecret FieldType = "secret"
	FieldBool   FieldType = "bool"
)

// FieldSchema describes one credential field.
type FieldSchema struct {
	Type     FieldType `json:"type"`
	Required bool      `json:"required"`
	Title    string    `json:"title,omitempty"`
}

// ConfigSchema describes the credential fields a channel type expects.
type ConfigSchema struct {
	Version int                    `json:"version"`
	Fields  map[string]FieldSchema `json:"fields"`
}

// Descriptor holds static metadata about a channel type.
type Descriptor struct {
	Type         ChannelType  `json:"type"`
	DisplayName  string       `json:"displayName"`
	ConfigSchema ConfigSchema `json:"configSchema"`
	// Internal channel types are created by other channels (app children)
	// and cannot be created through the admin API.
	Internal bool `json:"internal,omitempty"`
}

// ConfigValidator checks a channel's credentials before it is persisted.
type ConfigValidator interface {
	ValidateConfig(ch Channel) error
}

// CreateHook runs remote side effects after a channel is created. It may
// update ch (self identity, external id) and the changes are persisted.
type CreateHook interface {
	OnCreated(ctx context.Context, ch *Channel) error
}

// UpdateHook runs remote side effects after a channel is updated.
type UpdateHook interface {
	OnUpdated(ctx context.Context, ch *Channel, previous Channel) error
}

// DeleteHook runs remote side effects after a channel is deleted.
type DeleteHook interface {
	OnDeleted(ctx context.Context, ch Channel) error
}

// WebhookURLBuilder overrides the default webhook URL.
type WebhookURLBuilder interface {
	BuildWebhookURL(baseURL string, ch Channel) string
}

// DispatchResolver may substitute the channel a webhook is processed for,
// or stop the pipeline with a protocol acknowledgement.
type DispatchResolver interface {
	BeforePipeline(ctx context.Context, req *WebhookRequest, ch Channel) Outcome[Channel]
}

// WebhookVerifier answers synchronous webhook verification requests (GET).
type WebhookVerifier interface {
	VerifyWebhook(ctx context.Context, req *WebhookRequest, ch Channel) (Reply, error)
}

// Authenticator verifies the per-channel signature scheme of a webhook call.
type Authenticator interface {
	Authenticate(ctx context.Context, req *WebhookRequest, ch Channel) error
}

// ContextExtractor extracts the chat and sender identifiers.
type ContextExtractor interface {
	ExtractContext(req *WebhookRequest, ch Channel) (RoutingContext, error)
}

// RawMessageReader overrides the default raw message (the request body).
type RawMessageReader interface {
	RawMessage(ctx context.Context, req *WebhookRequest, ch Channel, rc RoutingContext) (RawMessage, error)
}

// Parser converts a raw message into a canonical attachment, or stops the
// pipeline for echoes, verification pings and irrelevant events.
type Parser interface {
	ParseMessage(ctx context.Context, ch Channel, conv Conversation, raw RawMessage, rc RoutingContext) Outcome[Attachment]
}

// Formatter converts a canonical attachment into one or more wire payloads.
type Formatter interface {
	FormatMessage(ch Channel, conv Conversation, msg Attachment) ([]any, error)
}

// Deliverer sends one formatted payload to the channel's API.
type Deliverer interface {
	DeliverMessage(ctx context.Context, ch Channel, conv Conversation, payload any) error
}

// TypingNotifier shows a typing indicator in the conversation.
type TypingNotifier interface {
	SendTyping(ctx context.Context, ch Channel, conv Conversation) error
}

// ProfileFetcher loads a participant's profile from the channel.
type ProfileFetcher interface {
	FetchProfile(ctx context.Context, ch Channel, conv Conversation, senderID string) (map[string]any, error)
}

// ReplyRenderer marks synchronous channels: formatted payloads are returned
// in the webhook response instead of being delivered.
type ReplyRenderer interface {
	RenderReply(ch Channel, conv Conversation, payloads []any) (any, error)
}
