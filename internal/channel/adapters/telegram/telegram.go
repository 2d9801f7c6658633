package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/memohai/connector/internal/apperr"
	"github.com/memohai/connector/internal/channel"
)

// Type is the Telegram channel type.
const Type channel.ChannelType = "telegram"

const listKeyboardText = "Options"

// maxMessageLength is the Bot API limit for sendMessage text.
const maxMessageLength = 4096

// ackBody is what Telegram expects for updates the relay ignores.
var ackBody = map[string]string{"status": "success"}

// TelegramAdapter relays Telegram bot updates received through setWebhook.
type TelegramAdapter struct {
	logger      *slog.Logger
	client      *http.Client
	apiEndpoint string
	mu          sync.RWMutex
	bots        map[string]*tgbotapi.BotAPI // keyed by bot token
}

// NewTelegramAdapter creates a TelegramAdapter with the given logger.
func NewTelegramAdapter(log *slog.Logger, client *http.Client) *TelegramAdapter {
	if log == nil {
		log = slog.Default()
	}
	if client == nil {
		client = http.DefaultClient
	}
	adapter := &TelegramAdapter{
		logger:      log.With(slog.String("adapter", "telegram")),
		client:      client,
		apiEndpoint: tgbotapi.APIEndpoint,
		bots:        make(map[string]*tgbotapi.BotAPI),
	}
	_ = tgbotapi.SetLogger(&slogBotLogger{log: adapter.logger})
	return adapter
}

// getBot returns a cached client for token. The client is built without the
// getMe round trip NewBotAPI performs.
func (a *TelegramAdapter) getBot(token string) (*tgbotapi.BotAPI, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, apperr.BadRequest("telegram botToken is required")
	}
	a.mu.RLock()
	bot, ok := a.bots[token]
	a.mu.RUnlock()
	if ok {
		return bot, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if bot, ok := a.bots[token]; ok {
		return bot, nil
	}
	bot = &tgbotapi.BotAPI{
		Token:  token,
		Client: a.client,
		Buffer: 100,
	}
	bot.SetAPIEndpoint(a.apiEndpoint)
	a.bots[token] = bot
	return bot, nil
}

func (a *TelegramAdapter) botFor(ch channel.Channel) (*tgbotapi.BotAPI, error) {
	return a.getBot(ch.Credential("botToken", "bot_token", "token"))
}

// Type returns the Telegram channel type.
func (a *TelegramAdapter) Type() channel.ChannelType {
	return Type
}

// Descriptor returns the Telegram channel metadata.
func (a *TelegramAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        Type,
		DisplayName: "Telegram",
		ConfigSchema: channel.ConfigSchema{
			Version: 1,
			Fields: map[string]channel.FieldSchema{
				"botToken": {
					Type:     channel.FieldSecret,
					Required: true,
					Title:    "Bot Token",
				},
			},
		},
	}
}

// OnCreated reads the bot identity and points Telegram at the channel webhook.
func (a *TelegramAdapter) OnCreated(_ context.Context, ch *channel.Channel) error {
	bot, err := a.botFor(*ch)
	if err != nil {
		return err
	}
	me, err := bot.GetMe()
	if err != nil {
		return apperr.Service(err, "telegram getMe failed")
	}
	ch.SelfIdentity = map[string]any{
		"id":       strconv.FormatInt(me.ID, 10),
		"username": me.UserName,
	}
	wh, err := tgbotapi.NewWebhook(ch.Webhook)
	if err != nil {
		return apperr.BadRequest("invalid webhook url %q", ch.Webhook)
	}
	if _, err := bot.Request(wh); err != nil {
		return apperr.Service(err, "telegram setWebhook failed")
	}
	return nil
}

// OnUpdated re-registers the webhook, releasing the previous bot when the
// token changed.
func (a *TelegramAdapter) OnUpdated(ctx context.Context, ch *channel.Channel, previous channel.Channel) error {
	oldToken := previous.Credential("botToken", "bot_token", "token")
	if oldToken != "" && oldToken != ch.Credential("botToken", "bot_token", "token") {
		if err := a.OnDeleted(ctx, previous); err != nil {
			a.logger.Warn("delete previous webhook failed", slog.String("channel_id", ch.ID), slog.Any("error", err))
		}
	}
	return a.OnCreated(ctx, ch)
}

func (a *TelegramAdapter) OnDeleted(_ context.Context, ch channel.Channel) error {
	bot, err := a.botFor(ch)
	if err != nil {
		return err
	}
	if _, err := bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return apperr.Service(err, "telegram deleteWebhook failed")
	}
	return nil
}

// BeforePipeline acknowledges edits and every update that carries neither a
// message nor a callback query.
func (a *TelegramAdapter) BeforePipeline(_ context.Context, req *channel.WebhookRequest, ch channel.Channel) channel.Outcome[channel.Channel] {
	var update tgbotapi.Update
	if err := req.DecodeJSON(&update); err != nil {
		return channel.Reject[channel.Channel](err)
	}
	if update.EditedMessage != nil || (update.Message == nil && update.CallbackQuery == nil) {
		return channel.Stop[channel.Channel](ackBody)
	}
	return channel.Continue(ch)
}

func (a *TelegramAdapter) ExtractContext(req *channel.WebhookRequest, _ channel.Channel) (channel.RoutingContext, error) {
	var update tgbotapi.Update
	if err := req.DecodeJSON(&update); err != nil {
		return channel.RoutingContext{}, err
	}
	msg, from := updateMessage(update)
	if msg == nil || msg.Chat == nil || from == nil {
		return channel.RoutingContext{}, apperr.BadRequest("telegram update has no chat")
	}
	return channel.RoutingContext{
		ChatID:   strconv.FormatInt(msg.Chat.ID, 10),
		SenderID: strconv.FormatInt(from.ID, 10),
	}, nil
}

func updateMessage(update tgbotapi.Update) (*tgbotapi.Message, *tgbotapi.User) {
	if update.Message != nil {
		return update.Message, update.Message.From
	}
	if update.CallbackQuery != nil {
		return update.CallbackQuery.Message, update.CallbackQuery.From
	}
	return nil, nil
}

func (a *TelegramAdapter) ParseMessage(_ context.Context, ch channel.Channel, _ channel.Conversation, raw channel.RawMessage, _ channel.RoutingContext) channel.Outcome[channel.Attachment] {
	var update tgbotapi.Update
	if err := json.Unmarshal(raw, &update); err != nil {
		return channel.Reject[channel.Attachment](apperr.BadRequest("invalid telegram update"))
	}
	if cb := update.CallbackQuery; cb != nil {
		if strings.TrimSpace(cb.Data) == "" {
			return channel.Stop[channel.Attachment](ackBody)
		}
		return channel.Continue(channel.TextAttachment(cb.Data))
	}
	msg := update.Message
	if msg == nil {
		return channel.Stop[channel.Attachment](ackBody)
	}
	switch {
	case strings.TrimSpace(msg.Text) != "":
		return channel.Continue(channel.TextAttachment(msg.Text))
	case len(msg.Photo) > 0:
		return a.fileAttachment(ch, channel.AttachmentPicture, msg.Photo[len(msg.Photo)-1].FileID)
	case msg.Video != nil:
		return a.fileAttachment(ch, channel.AttachmentVideo, msg.Video.FileID)
	case msg.Voice != nil:
		return a.fileAttachment(ch, channel.AttachmentAudio, msg.Voice.FileID)
	case msg.Audio != nil:
		return a.fileAttachment(ch, channel.AttachmentAudio, msg.Audio.FileID)
	case msg.Location != nil:
		return channel.Continue(channel.NewAttachment(channel.AttachmentCustom, map[string]any{
			"type":      "location",
			"latitude":  msg.Location.Latitude,
			"longitude": msg.Location.Longitude,
		}))
	}
	return channel.Stop[channel.Attachment](ackBody)
}

func (a *TelegramAdapter) fileAttachment(ch channel.Channel, t channel.AttachmentType, fileID string) channel.Outcome[channel.Attachment] {
	bot, err := a.botFor(ch)
	if err != nil {
		return channel.Reject[channel.Attachment](err)
	}
	link, err := bot.GetFileDirectURL(fileID)
	if err != nil {
		return channel.Reject[channel.Attachment](apperr.Service(err, "telegram getFile failed"))
	}
	return channel.Continue(channel.NewAttachment(t, link))
}

// FormatMessage builds Telegram method calls. Lists expand into one post per
// element followed by a keyboard post for the list buttons.
func (a *TelegramAdapter) FormatMessage(_ channel.Channel, conv channel.Conversation, msg channel.Attachment) ([]any, error) {
	chatID, err := strconv.ParseInt(conv.ChatID, 10, 64)
	if err != nil {
		return nil, apperr.BadRequest("telegram chat id must be numeric: %q", conv.ChatID)
	}
	msg = msg.Normalized()
	switch msg.Type {
	case channel.AttachmentText:
		chunks := channel.ChunkText(msg.Text(), maxMessageLength)
		out := make([]any, 0, len(chunks))
		for _, chunk := range chunks {
			out = append(out, tgbotapi.NewMessage(chatID, chunk))
		}
		return out, nil
	case channel.AttachmentPicture:
		return []any{tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(msg.Text()))}, nil
	case channel.AttachmentVideo:
		return []any{tgbotapi.NewVideo(chatID, tgbotapi.FileURL(msg.Text()))}, nil
	case channel.AttachmentAudio:
		return []any{tgbotapi.NewAudio(chatID, tgbotapi.FileURL(msg.Text()))}, nil
	case channel.AttachmentCard:
		card, err := msg.Card()
		if err != nil {
			return nil, apperr.BadRequest("%v", err)
		}
		return []any{cardPost(chatID, card.Title, card.Subtitle, card.ImageURL, card.Buttons)}, nil
	case channel.AttachmentCarousel:
		cards, err := msg.Carousel()
		if err != nil {
			return nil, apperr.BadRequest("%v", err)
		}
		out := make([]any, 0, len(cards))
		for _, card := range cards {
			out = append(out, cardPost(chatID, card.Title, card.Subtitle, card.ImageURL, card.Buttons))
		}
		return out, nil
	case channel.AttachmentList:
		list, err := msg.List()
		if err != nil {
			return nil, apperr.BadRequest("%v", err)
		}
		out := make([]any, 0, len(list.Elements)+1)
		for _, el := range list.Elements {
			out = append(out, cardPost(chatID, el.Title, el.Subtitle, el.ImageURL, el.Buttons))
		}
		if len(list.Buttons) > 0 {
			keyboard := tgbotapi.NewMessage(chatID, listKeyboardText)
			keyboard.ReplyMarkup = inlineKeyboard(list.Buttons)
			out = append(out, keyboard)
		}
		return out, nil
	case channel.AttachmentButtons:
		content, err := msg.Buttons()
		if err != nil {
			return nil, apperr.BadRequest("%v", err)
		}
		post := tgbotapi.NewMessage(chatID, content.Title)
		post.ReplyMarkup = inlineKeyboard(content.Buttons)
		return []any{post}, nil
	case channel.AttachmentQuickReplies:
		content, err := msg.Buttons()
		if err != nil {
			return nil, apperr.BadRequest("%v", err)
		}
		post := tgbotapi.NewMessage(chatID, content.Title)
		post.ReplyMarkup = replyKeyboard(content.Buttons)
		return []any{post}, nil
	case channel.AttachmentConversationStart, channel.AttachmentConversationEnd:
		return nil, nil
	}
	return nil, apperr.NotSupported("telegram does not support %s messages", msg.Type)
}

func cardPost(chatID int64, title, subtitle, imageURL string, buttons []channel.Button) tgbotapi.Chattable {
	caption := strings.TrimSpace(title + "\n" + subtitle)
	if imageURL != "" {
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(imageURL))
		photo.Caption = caption
		if len(buttons) > 0 {
			photo.ReplyMarkup = inlineKeyboard(buttons)
		}
		return photo
	}
	post := tgbotapi.NewMessage(chatID, caption)
	if len(buttons) > 0 {
		post.ReplyMarkup = inlineKeyboard(buttons)
	}
	return post
}

func inlineKeyboard(buttons []channel.Button) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(buttons))
	for _, b := range buttons {
		if b.Type == channel.ButtonWebURL {
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL(b.Title, b.Value)))
			continue
		}
		value := b.Value
		if value == "" {
			value = b.Title
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(b.Title, value)))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func replyKeyboard(buttons []channel.Button) tgbotapi.ReplyKeyboardMarkup {
	rows := make([][]tgbotapi.KeyboardButton, 0, len(buttons))
	for _, b := range buttons {
		rows = append(rows, tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(b.Title)))
	}
	return tgbotapi.NewOneTimeReplyKeyboard(rows...)
}

func (a *TelegramAdapter) DeliverMessage(_ context.Context, ch channel.Channel, _ channel.Conversation, payload any) error {
	chattable, ok := payload.(tgbotapi.Chattable)
	if !ok {
		return fmt.Errorf("unexpected telegram payload %T", payload)
	}
	bot, err := a.botFor(ch)
	if err != nil {
		return err
	}
	_, err = bot.Send(chattable)
	return err
}

func (a *TelegramAdapter) SendTyping(_ context.Context, ch channel.Channel, conv channel.Conversation) error {
	bot, err := a.botFor(ch)
	if err != nil {
		return err
	}
	chatID, err := strconv.ParseInt(conv.ChatID, 10, 64)
	if err != nil {
		return err
	}
	_, err = bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
	return err
}

func (a *TelegramAdapter) FetchProfile(_ context.Context, ch channel.Channel, _ channel.Conversation, senderID string) (map[string]any, error) {
	bot, err := a.botFor(ch)
	if err != nil {
		return nil, err
	}
	id, err := strconv.ParseInt(senderID, 10, 64)
	if err != nil {
		return nil, err
	}
	chat, err := bot.GetChat(tgbotapi.ChatInfoConfig{ChatConfig: tgbotapi.ChatConfig{ChatID: id}})
	if err != nil {
		return nil, err
	}
	profile := map[string]any{}
	if chat.FirstName != "" {
		profile["first_name"] = chat.FirstName
	}
	if chat.LastName != "" {
		profile["last_name"] = chat.LastName
	}
	if chat.UserName != "" {
		profile["username"] = chat.UserName
	}
	return profile, nil
}

type slogBotLogger struct {
	log *slog.Logger
}

func (l *slogBotLogger) Println(v ...any) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintln(v...)))
}

func (l *slogBotLogger) Printf(format string, v ...any) {
	l.log.Debug(fmt.Sprintf(format, v...))
}
