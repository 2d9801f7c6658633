package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/memohai/connector/internal/apperr"
	"github.com/memohai/connector/internal/channel"
)

// Type is the Slack workspace channel type.
const Type channel.ChannelType = "slack"

const defaultAPIURL = "https://slack.com/api/"

// outboundMessage is one chat.postMessage call.
type outboundMessage struct {
	Text   string
	Blocks []slack.Block
}

// SlackAdapter relays Slack Events API callbacks for one workspace.
type SlackAdapter struct {
	logger *slog.Logger
	client *http.Client
	apiURL string
}

// NewSlackAdapter creates a SlackAdapter.
func NewSlackAdapter(log *slog.Logger, client *http.Client) *SlackAdapter {
	if log == nil {
		log = slog.Default()
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &SlackAdapter{
		logger: log.With(slog.String("adapter", "slack")),
		client: client,
		apiURL: defaultAPIURL,
	}
}

func (a *SlackAdapter) api(ch channel.Channel) *slack.Client {
	return slack.New(ch.Credential("botToken", "bot_token", "token"),
		slack.OptionHTTPClient(a.client),
		slack.OptionAPIURL(a.apiURL),
	)
}

func (a *SlackAdapter) Type() channel.ChannelType {
	return Type
}

func (a *SlackAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        Type,
		DisplayName: "Slack",
		ConfigSchema: channel.ConfigSchema{
			Version: 1,
			Fields: map[string]channel.FieldSchema{
				"botToken":      {Type: channel.FieldSecret, Required: true, Title: "Bot Token"},
				"signingSecret": {Type: channel.FieldSecret, Required: true, Title: "Signing Secret"},
			},
		},
	}
}

// OnCreated records the bot user so its own messages can be ignored.
func (a *SlackAdapter) OnCreated(ctx context.Context, ch *channel.Channel) error {
	resp, err := a.api(*ch).AuthTestContext(ctx)
	if err != nil {
		return apperr.Service(err, "slack auth.test failed")
	}
	ch.SelfIdentity = map[string]any{
		"user_id": resp.UserID,
		"bot_id":  resp.BotID,
		"team_id": resp.TeamID,
	}
	return nil
}

func (a *SlackAdapter) OnUpdated(ctx context.Context, ch *channel.Channel, _ channel.Channel) error {
	return a.OnCreated(ctx, ch)
}

// ParseEvent decodes an Events API envelope without token verification;
// requests are authenticated by signature instead.
func ParseEvent(body []byte) (slackevents.EventsAPIEvent, error) {
	event, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		return slackevents.EventsAPIEvent{}, apperr.Wrap(apperr.KindBadRequest, err, "invalid slack event")
	}
	return event, nil
}

// ChallengeReply answers url_verification handshakes.
func ChallengeReply(event slackevents.EventsAPIEvent) (map[string]string, bool) {
	if event.Type != slackevents.URLVerification {
		return nil, false
	}
	verification, ok := event.Data.(*slackevents.EventsAPIURLVerificationEvent)
	if !ok {
		return nil, false
	}
	return map[string]string{"challenge": verification.Challenge}, true
}

// BeforePipeline answers url_verification and drops everything that is not
// a plain user message, including the bot's own messages.
func (a *SlackAdapter) BeforePipeline(_ context.Context, req *channel.WebhookRequest, ch channel.Channel) channel.Outcome[channel.Channel] {
	event, err := ParseEvent(req.Body)
	if err != nil {
		return channel.Reject[channel.Channel](err)
	}
	if challenge, ok := ChallengeReply(event); ok {
		return channel.Stop[channel.Channel](challenge)
	}
	if _, ok := userMessage(event, ch); !ok {
		return channel.Stop[channel.Channel](nil)
	}
	return channel.Continue(ch)
}

func userMessage(event slackevents.EventsAPIEvent, ch channel.Channel) (*slackevents.MessageEvent, bool) {
	if event.Type != slackevents.CallbackEvent {
		return nil, false
	}
	msg, ok := event.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok || msg == nil {
		return nil, false
	}
	if msg.SubType != "" || msg.BotID != "" || msg.User == "" {
		return nil, false
	}
	if self := ch.Self("user_id"); self != "" && msg.User == self {
		return nil, false
	}
	return msg, true
}

// Authenticate verifies the X-Slack-Signature header. A channel without a
// signing secret accepts nothing.
func (a *SlackAdapter) Authenticate(_ context.Context, req *channel.WebhookRequest, ch channel.Channel) error {
	secret := ch.Credential("signingSecret", "signing_secret")
	if secret == "" {
		return apperr.Unauthorized("slack channel %s has no signing secret", ch.ID)
	}
	verifier, err := slack.NewSecretsVerifier(req.Header, secret)
	if err != nil {
		return apperr.Unauthorized("invalid slack signature headers")
	}
	if _, err := verifier.Write(req.Body); err != nil {
		return apperr.Unauthorized("invalid slack signature")
	}
	if err := verifier.Ensure(); err != nil {
		return apperr.Unauthorized("invalid slack signature")
	}
	return nil
}

func (a *SlackAdapter) ExtractContext(req *channel.WebhookRequest, ch channel.Channel) (channel.RoutingContext, error) {
	event, err := ParseEvent(req.Body)
	if err != nil {
		return channel.RoutingContext{}, err
	}
	msg, ok := userMessage(event, ch)
	if !ok {
		return channel.RoutingContext{}, apperr.BadRequest("slack event is not a user message")
	}
	return channel.RoutingContext{
		ChatID:   msg.Channel,
		SenderID: msg.User,
		Metadata: map[string]any{"team_id": event.TeamID},
	}, nil
}

func (a *SlackAdapter) ParseMessage(_ context.Context, ch channel.Channel, _ channel.Conversation, raw channel.RawMessage, _ channel.RoutingContext) channel.Outcome[channel.Attachment] {
	event, err := ParseEvent(raw)
	if err != nil {
		return channel.Reject[channel.Attachment](err)
	}
	msg, ok := userMessage(event, ch)
	if !ok || strings.TrimSpace(msg.Text) == "" {
		return channel.Stop[channel.Attachment](nil)
	}
	return channel.Continue(channel.TextAttachment(msg.Text))
}

// FormatMessage renders attachments as Block Kit blocks with a plain-text
// fallback.
func (a *SlackAdapter) FormatMessage(_ channel.Channel, _ channel.Conversation, msg channel.Attachment) ([]any, error) {
	msg = msg.Normalized()
	switch msg.Type {
	case channel.AttachmentText:
		return []any{outboundMessage{Text: msg.Text()}}, nil
	case channel.AttachmentPicture:
		return []any{outboundMessage{
			Text:   msg.Text(),
			Blocks: []slack.Block{slack.NewImageBlock(msg.Text(), "picture", "", nil)},
		}}, nil
	case channel.AttachmentVideo, channel.AttachmentAudio:
		return []any{outboundMessage{Text: msg.Text()}}, nil
	case channel.AttachmentCard:
		card, err := msg.Card()
		if err != nil {
			return nil, apperr.BadRequest("%v", err)
		}
		return []any{outboundMessage{Text: msg.Summary(), Blocks: cardBlocks(card.Title, card.Subtitle, card.ImageURL, card.Buttons)}}, nil
	case channel.AttachmentCarousel:
		cards, err := msg.Carousel()
		if err != nil {
			return nil, apperr.BadRequest("%v", err)
		}
		blocks := make([]slack.Block, 0)
		for i, card := range cards {
			if i > 0 {
				blocks = append(blocks, slack.NewDividerBlock())
			}
			blocks = append(blocks, cardBlocks(card.Title, card.Subtitle, card.ImageURL, card.Buttons)...)
		}
		return []any{outboundMessage{Text: msg.Summary(), Blocks: blocks}}, nil
	case channel.AttachmentList:
		list, err := msg.List()
		if err != nil {
			return nil, apperr.BadRequest("%v", err)
		}
		blocks := make([]slack.Block, 0)
		for _, el := range list.Elements {
			blocks = append(blocks, cardBlocks(el.Title, el.Subtitle, el.ImageURL, el.Buttons)...)
		}
		if len(list.Buttons) > 0 {
			blocks = append(blocks, actionBlock(list.Buttons))
		}
		return []any{outboundMessage{Text: msg.Summary(), Blocks: blocks}}, nil
	case channel.AttachmentButtons, channel.AttachmentQuickReplies:
		content, err := msg.Buttons()
		if err != nil {
			return nil, apperr.BadRequest("%v", err)
		}
		return []any{outboundMessage{Text: msg.Summary(), Blocks: cardBlocks(content.Title, "", "", content.Buttons)}}, nil
	case channel.AttachmentCustom:
		var blocks slack.Blocks
		if err := msg.Decode(&blocks); err != nil {
			return nil, apperr.BadRequest("slack custom content must be a block list: %v", err)
		}
		return []any{outboundMessage{Blocks: blocks.BlockSet}}, nil
	case channel.AttachmentConversationStart, channel.AttachmentConversationEnd:
		return nil, nil
	}
	return nil, apperr.NotSupported("slack does not support %s messages", msg.Type)
}

func cardBlocks(title, subtitle, imageURL string, buttons []channel.Button) []slack.Block {
	blocks := make([]slack.Block, 0, 3)
	text := strings.TrimSpace(fmt.Sprintf("*%s*\n%s", title, subtitle))
	if title == "" {
		text = strings.TrimSpace(subtitle)
	}
	if text != "" {
		var accessory *slack.Accessory
		if imageURL != "" {
			accessory = slack.NewAccessory(slack.NewImageBlockElement(imageURL, title))
		}
		blocks = append(blocks, slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, accessory))
	} else if imageURL != "" {
		blocks = append(blocks, slack.NewImageBlock(imageURL, "image", "", nil))
	}
	if len(buttons) > 0 {
		blocks = append(blocks, actionBlock(buttons))
	}
	return blocks
}

func actionBlock(buttons []channel.Button) *slack.ActionBlock {
	elements := make([]slack.BlockElement, 0, len(buttons))
	for i, b := range buttons {
		btn := slack.NewButtonBlockElement(fmt.Sprintf("button_%d", i), b.Value, slack.NewTextBlockObject(slack.PlainTextType, b.Title, false, false))
		if b.Type == channel.ButtonWebURL {
			btn.URL = b.Value
		}
		elements = append(elements, btn)
	}
	return slack.NewActionBlock("", elements...)
}

func (a *SlackAdapter) DeliverMessage(ctx context.Context, ch channel.Channel, conv channel.Conversation, payload any) error {
	msg, ok := payload.(outboundMessage)
	if !ok {
		return fmt.Errorf("unexpected slack payload %T", payload)
	}
	opts := []slack.MsgOption{slack.MsgOptionText(msg.Text, false)}
	if len(msg.Blocks) > 0 {
		opts = append(opts, slack.MsgOptionBlocks(msg.Blocks...))
	}
	_, _, err := a.api(ch).PostMessageContext(ctx, conv.ChatID, opts...)
	return err
}

func (a *SlackAdapter) FetchProfile(ctx context.Context, ch channel.Channel, _ channel.Conversation, senderID string) (map[string]any, error) {
	user, err := a.api(ch).GetUserInfoContext(ctx, senderID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"name":         user.Name,
		"real_name":    user.RealName,
		"display_name": user.Profile.DisplayName,
		"image":        user.Profile.Image192,
	}, nil
}
