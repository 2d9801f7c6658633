package amazonalexa

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/memohai/connector/internal/apperr"
	"github.com/memohai/connector/internal/channel"
)

// Type is the Amazon Alexa skill channel type.
const Type channel.ChannelType = "amazonalexa"

// maxRequestAge bounds the request timestamp skew Alexa allows.
const maxRequestAge = 150 * time.Second

type requestEnvelope struct {
	Version string `json:"version"`
	Session struct {
		New         bool   `json:"new"`
		SessionID   string `json:"sessionId"`
		Application struct {
			ApplicationID string `json:"applicationId"`
		} `json:"application"`
		User struct {
			UserID string `json:"userId"`
		} `json:"user"`
	} `json:"session"`
	Context struct {
		System struct {
			Application struct {
				ApplicationID string `json:"applicationId"`
			} `json:"application"`
			User struct {
				UserID string `json:"userId"`
			} `json:"user"`
		} `json:"System"`
	} `json:"context"`
	Request struct {
		Type      string `json:"type"`
		RequestID string `json:"requestId"`
		Timestamp string `json:"timestamp"`
		Locale    string `json:"locale"`
		Intent    *struct {
			Name  string `json:"name"`
			Slots map[string]struct {
				Name  string `json:"name"`
				Value string `json:"value"`
			} `json:"slots"`
		} `json:"intent,omitempty"`
	} `json:"request"`
}

func (e requestEnvelope) applicationID() string {
	if id := e.Context.System.Application.ApplicationID; id != "" {
		return id
	}
	return e.Session.Application.ApplicationID
}

func (e requestEnvelope) userID() string {
	if id := e.Session.User.UserID; id != "" {
		return id
	}
	return e.Context.System.User.UserID
}

// endSession is the formatted payload of a conversation_end attachment.
type endSession struct{}

type AlexaAdapter struct {
	logger *slog.Logger
	now    func() time.Time
}

func NewAlexaAdapter(log *slog.Logger) *AlexaAdapter {
	if log == nil {
		log = slog.Default()
	}
	return &AlexaAdapter{
		logger: log.With(slog.String("adapter", "amazonalexa")),
		now:    time.Now,
	}
}

func (a *AlexaAdapter) Type() channel.ChannelType {
	return Type
}

func (a *AlexaAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        Type,
		DisplayName: "Amazon Alexa",
		ConfigSchema: channel.ConfigSchema{
			Version: 1,
			Fields: map[string]channel.FieldSchema{
				"skillId": {Type: channel.FieldString, Required: true, Title: "Skill ID"},
			},
		},
	}
}

// Authenticate rejects requests addressed to another skill or carrying a
// stale timestamp.
func (a *AlexaAdapter) Authenticate(_ context.Context, req *channel.WebhookRequest, ch channel.Channel) error {
	var env requestEnvelope
	if err := req.DecodeJSON(&env); err != nil {
		return err
	}
	if env.applicationID() == "" || env.applicationID() != ch.Credential("skillId", "skill_id") {
		return apperr.Forbidden("alexa application id does not match the skill")
	}
	if env.Request.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339, env.Request.Timestamp)
		if err != nil {
			return apperr.BadRequest("invalid alexa request timestamp")
		}
		if age := a.now().Sub(ts); age > maxRequestAge || age < -maxRequestAge {
			return apperr.Forbidden("alexa request timestamp is out of range")
		}
	}
	return nil
}

// ExtractContext maps one Alexa session to one conversation.
func (a *AlexaAdapter) ExtractContext(req *channel.WebhookRequest, _ channel.Channel) (channel.RoutingContext, error) {
	var env requestEnvelope
	if err := req.DecodeJSON(&env); err != nil {
		return channel.RoutingContext{}, err
	}
	chatID := env.Session.SessionID
	if chatID == "" {
		chatID = env.userID()
	}
	if chatID == "" {
		return channel.RoutingContext{}, apperr.BadRequest("alexa request has no session")
	}
	return channel.RoutingContext{
		ChatID:   chatID,
		SenderID: env.userID(),
		Metadata: map[string]any{"sessionId": env.Session.SessionID, "locale": env.Request.Locale},
	}, nil
}

func (a *AlexaAdapter) ParseMessage(_ context.Context, _ channel.Channel, _ channel.Conversation, raw channel.RawMessage, _ channel.RoutingContext) channel.Outcome[channel.Attachment] {
	var env requestEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return channel.Reject[channel.Attachment](apperr.BadRequest("invalid alexa request"))
	}
	switch env.Request.Type {
	case "LaunchRequest":
		return channel.Continue(channel.Attachment{Type: channel.AttachmentConversationStart})
	case "SessionEndedRequest":
		return channel.Continue(channel.Attachment{Type: channel.AttachmentConversationEnd})
	case "IntentRequest":
		if env.Request.Intent == nil {
			return channel.Reject[channel.Attachment](apperr.BadRequest("alexa intent request has no intent"))
		}
		switch env.Request.Intent.Name {
		case "AMAZON.StopIntent", "AMAZON.CancelIntent":
			return channel.Continue(channel.Attachment{Type: channel.AttachmentConversationEnd})
		}
		return channel.Continue(channel.TextAttachment(intentText(env)))
	}
	return channel.Stop[channel.Attachment](nil)
}

// intentText is the first filled slot value in slot name order, or the
// intent name when no slot is filled.
func intentText(env requestEnvelope) string {
	intent := env.Request.Intent
	names := make([]string, 0, len(intent.Slots))
	for name := range intent.Slots {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if v := strings.TrimSpace(intent.Slots[name].Value); v != "" {
			return v
		}
	}
	return intent.Name
}

// FormatMessage renders every attachment as speech.
func (a *AlexaAdapter) FormatMessage(_ channel.Channel, _ channel.Conversation, msg channel.Attachment) ([]any, error) {
	msg = msg.Normalized()
	switch msg.Type {
	case channel.AttachmentConversationStart:
		return nil, nil
	case channel.AttachmentConversationEnd:
		return []any{endSession{}}, nil
	case channel.AttachmentPicture, channel.AttachmentVideo, channel.AttachmentAudio, channel.AttachmentCustom:
		return nil, apperr.NotSupported("alexa does not support %s messages", msg.Type)
	}
	text := msg.Summary()
	if text == "" {
		return nil, apperr.NotSupported("alexa cannot speak %s messages", msg.Type)
	}
	return []any{text}, nil
}

// RenderReply builds the skill response: every speech payload joined into a
// single PlainText outputSpeech. A conversation_end payload ends the session.
func (a *AlexaAdapter) RenderReply(_ channel.Channel, _ channel.Conversation, payloads []any) (any, error) {
	var (
		speech []string
		end    bool
	)
	for _, p := range payloads {
		switch v := p.(type) {
		case string:
			speech = append(speech, v)
		case endSession:
			end = true
		}
	}
	response := map[string]any{"shouldEndSession": end}
	if len(speech) > 0 {
		response["outputSpeech"] = map[string]any{"type": "PlainText", "text": strings.Join(speech, " ")}
	}
	return map[string]any{"version": "1.0", "response": response}, nil
}
