package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/memohai/connector/internal/apperr"
	"github.com/memohai/connector/internal/bots"
	"github.com/memohai/connector/internal/channel"
)

var ErrConversationNotFound = apperr.NotFound("conversation not found")

// Store persists conversations, participants and messages.
type Store interface {
	// FindOrCreateConversation atomically inserts conv unless an active
	// conversation already exists for (ChannelID, ChatID), in which case the
	// existing one is returned with created=false.
	FindOrCreateConversation(ctx context.Context, conv Conversation) (Conversation, bool, error)
	FindConversation(ctx context.Context, channelID, chatID string) (Conversation, error)
	GetConversation(ctx context.Context, id string) (Conversation, error)
	UpdateConversationMetadata(ctx context.Context, id string, metadata map[string]any) error
	UpsertParticipant(ctx context.Context, p Participant) (Participant, bool, error)
	UpdateParticipantData(ctx context.Context, id string, data map[string]any) error
	ListParticipants(ctx context.Context, conversationID string) ([]Participant, error)
	// AppendMessages persists all messages or none.
	AppendMessages(ctx context.Context, msgs []Message) error
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
}

// ChannelReader loads channels.
type ChannelReader interface {
	Get(ctx context.Context, id string) (channel.Channel, error)
}

// BotReader loads bots.
type BotReader interface {
	Get(ctx context.Context, id string) (bots.Bot, error)
}

// Service implements find-or-create and history persistence.
type Service struct {
	store    Store
	channels ChannelReader
	bots     BotReader
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(log *slog.Logger, store Store, channels ChannelReader, bots BotReader) *Service {
	return &Service{
		store:    store,
		channels: channels,
		bots:     bots,
		logger:   log.With(slog.String("service", "conversation")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// FindOrCreate returns the active conversation for (channelID, chatID),
// creating it when absent. Creation requires an activated channel with a
// reachable owning bot.
func (s *Service) FindOrCreate(ctx context.Context, channelID, chatID string) (Conversation, error) {
	if existing, err := s.store.FindConversation(ctx, channelID, chatID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrConversationNotFound) {
		return Conversation{}, err
	}
	ch, err := s.channels.Get(ctx, channelID)
	if err != nil {
		return Conversation{}, err
	}
	return s.Open(ctx, ch, chatID, nil)
}

// Open finds or creates the conversation of ch for chatID and merges
// routing metadata into it.
func (s *Service) Open(ctx context.Context, ch channel.Channel, chatID string, metadata map[string]any) (Conversation, error) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return Conversation{}, apperr.BadRequest("chat id is required")
	}
	conv, err := s.store.FindConversation(ctx, ch.ID, chatID)
	if errors.Is(err, ErrConversationNotFound) {
		return s.create(ctx, ch, chatID, metadata)
	}
	if err != nil {
		return Conversation{}, err
	}
	merged, changed := channel.MergeMetadata(conv.Metadata, metadata)
	if changed {
		if err := s.store.UpdateConversationMetadata(ctx, conv.ID, merged); err != nil {
			return Conversation{}, err
		}
		conv.Metadata = merged
	}
	return conv, nil
}

func (s *Service) create(ctx context.Context, ch channel.Channel, chatID string, metadata map[string]any) (Conversation, error) {
	if !ch.IsActivated {
		return Conversation{}, apperr.BadRequest("channel %s is not activated", ch.ID)
	}
	if _, err := s.bots.Get(ctx, ch.BotID); err != nil {
		return Conversation{}, fmt.Errorf("resolve channel bot: %w", err)
	}
	conv, created, err := s.store.FindOrCreateConversation(ctx, Conversation{
		ID:        uuid.NewString(),
		ChannelID: ch.ID,
		BotID:     ch.BotID,
		ChatID:    chatID,
		IsActive:  true,
		Metadata:  metadata,
		CreatedAt: s.now(),
	})
	if err != nil {
		return Conversation{}, err
	}
	if created {
		s.logger.Info("conversation created",
			slog.String("conversation_id", conv.ID),
			slog.String("channel_id", ch.ID),
			slog.String("channel_type", ch.Type.String()),
		)
	}
	return conv, nil
}

// Get returns a conversation by id.
func (s *Service) Get(ctx context.Context, id string) (Conversation, error) {
	return s.store.GetConversation(ctx, id)
}

// EnsureParticipant returns the participant for senderID, creating it on
// first sight. created reports whether it was just inserted.
func (s *Service) EnsureParticipant(ctx context.Context, conv Conversation, senderID string, isBot bool) (Participant, bool, error) {
	senderID = strings.TrimSpace(senderID)
	if senderID == "" {
		return Participant{}, false, apperr.BadRequest("sender id is required")
	}
	return s.store.UpsertParticipant(ctx, Participant{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       senderID,
		IsBot:          isBot,
		CreatedAt:      s.now(),
	})
}

// EnsureBotParticipant returns the single bot participant of conv.
func (s *Service) EnsureBotParticipant(ctx context.Context, conv Conversation) (Participant, error) {
	p, _, err := s.EnsureParticipant(ctx, conv, BotSenderID(conv), true)
	return p, err
}

// BotSenderID is the sender id of the synthetic bot participant.
func BotSenderID(conv Conversation) string {
	return "bot:" + conv.BotID
}

// SetParticipantData stores a fetched participant profile.
func (s *Service) SetParticipantData(ctx context.Context, p Participant, data map[string]any) error {
	return s.store.UpdateParticipantData(ctx, p.ID, data)
}

// Append persists attachments sent by p as one ordered batch.
func (s *Service) Append(ctx context.Context, conv Conversation, p Participant, attachments ...channel.Attachment) ([]Message, error) {
	if len(attachments) == 0 {
		return nil, nil
	}
	base := s.now()
	msgs := make([]Message, 0, len(attachments))
	for i, att := range attachments {
		msgs = append(msgs, Message{
			ID:             uuid.NewString(),
			ConversationID: conv.ID,
			ParticipantID:  p.ID,
			Attachment:     att,
			ReceivedAt:     base.Add(time.Duration(i) * time.Microsecond),
		})
	}
	if err := s.store.AppendMessages(ctx, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Messages returns the ordered history of a conversation.
func (s *Service) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	return s.store.ListMessages(ctx, conversationID)
}

// Participants returns the participants of a conversation in creation order.
func (s *Service) Participants(ctx context.Context, conversationID string) ([]Participant, error) {
	return s.store.ListParticipants(ctx, conversationID)
}
