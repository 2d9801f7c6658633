package webchat

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/memohai/connector/internal/apperr"
	"github.com/memohai/connector/internal/channel"
)

// Type is the embeddable web chat channel type.
const Type channel.ChannelType = "webchat"

const receivedMessage = "Message successfully received"

type inbound struct {
	ChatID  string `json:"chatId"`
	Message struct {
		Attachment channel.Attachment `json:"attachment"`
	} `json:"message"`
}

// Claims are carried by web chat client tokens. ChatID, when set, pins the
// token to one chat.
type Claims struct {
	ChatID string `json:"chatId,omitempty"`
	jwt.RegisteredClaims
}

type WebchatAdapter struct {
	logger *slog.Logger
}

func NewWebchatAdapter(log *slog.Logger) *WebchatAdapter {
	if log == nil {
		log = slog.Default()
	}
	return &WebchatAdapter{logger: log.With(slog.String("adapter", "webchat"))}
}

func (a *WebchatAdapter) Type() channel.ChannelType {
	return Type
}

func (a *WebchatAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        Type,
		DisplayName: "Web Chat",
		ConfigSchema: channel.ConfigSchema{
			Version: 1,
			Fields: map[string]channel.FieldSchema{
				"secret": {Type: channel.FieldSecret, Required: true, Title: "Token Secret"},
			},
		},
	}
}

// IssueToken signs a client token for a web chat channel secret.
func IssueToken(secret, chatID, subject string, ttl time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(secret) == "" {
		return "", time.Time{}, apperr.BadRequest("webchat secret is required")
	}
	now := time.Now().UTC()
	claims := Claims{
		ChatID: chatID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	var expiresAt time.Time
	if ttl != 0 {
		expiresAt = now.Add(ttl)
		claims.ExpiresAt = jwt.NewNumericDate(expiresAt)
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func (a *WebchatAdapter) claims(req *channel.WebhookRequest, ch channel.Channel) (*Claims, error) {
	raw, ok := strings.CutPrefix(req.HeaderValue("Authorization"), "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, apperr.Unauthorized("missing webchat token")
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(strings.TrimSpace(raw), claims, func(*jwt.Token) (any, error) {
		return []byte(ch.Credential("secret")), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnauthorized, err, "invalid webchat token")
	}
	return claims, nil
}

// Authenticate verifies the HS256 bearer token and, for chat-bound tokens,
// that the body targets the same chat.
func (a *WebchatAdapter) Authenticate(_ context.Context, req *channel.WebhookRequest, ch channel.Channel) error {
	if ch.Credential("secret") == "" {
		return apperr.Unauthorized("webchat channel has no secret")
	}
	claims, err := a.claims(req, ch)
	if err != nil {
		return err
	}
	if claims.ChatID == "" {
		return nil
	}
	var in inbound
	if err := req.DecodeJSON(&in); err != nil {
		return err
	}
	if in.ChatID != claims.ChatID {
		return apperr.Unauthorized("webchat token is not valid for this chat")
	}
	return nil
}

func (a *WebchatAdapter) ExtractContext(req *channel.WebhookRequest, ch channel.Channel) (channel.RoutingContext, error) {
	var in inbound
	if err := req.DecodeJSON(&in); err != nil {
		return channel.RoutingContext{}, err
	}
	if strings.TrimSpace(in.ChatID) == "" {
		return channel.RoutingContext{}, apperr.BadRequest("chatId is required")
	}
	sender := in.ChatID
	if claims, err := a.claims(req, ch); err == nil && claims.Subject != "" {
		sender = claims.Subject
	}
	return channel.RoutingContext{ChatID: in.ChatID, SenderID: sender}, nil
}

func (a *WebchatAdapter) ParseMessage(_ context.Context, _ channel.Channel, _ channel.Conversation, raw channel.RawMessage, _ channel.RoutingContext) channel.Outcome[channel.Attachment] {
	var in inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return channel.Reject[channel.Attachment](apperr.BadRequest("invalid webchat message"))
	}
	msg := in.Message.Attachment.Normalized()
	if msg.Type == "" {
		return channel.Reject[channel.Attachment](apperr.BadRequest("message.attachment.type is required"))
	}
	if msg.Type == channel.AttachmentText && strings.TrimSpace(msg.Text()) == "" {
		return channel.Stop[channel.Attachment](nil)
	}
	return channel.Continue(msg)
}

// FormatMessage passes attachments through unchanged: the web client renders
// the canonical format itself.
func (a *WebchatAdapter) FormatMessage(_ channel.Channel, _ channel.Conversation, msg channel.Attachment) ([]any, error) {
	msg = msg.Normalized()
	switch msg.Type {
	case channel.AttachmentConversationStart, channel.AttachmentConversationEnd:
		return nil, nil
	}
	return []any{map[string]any{"attachment": msg}}, nil
}

func (a *WebchatAdapter) RenderReply(_ channel.Channel, _ channel.Conversation, payloads []any) (any, error) {
	messages := payloads
	if messages == nil {
		messages = []any{}
	}
	return map[string]any{
		"results": map[string]any{"messages": messages},
		"message": receivedMessage,
	}, nil
}
