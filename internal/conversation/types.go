// Package conversation owns the conversation aggregate: conversations keyed
// by (channel, chatId), their de-duplicated participants and their ordered
// message history.
package conversation

import (
	"time"

	"github.com/memohai/connector/internal/channel"
)

// Conversation is the thread between one channel-side chat and the bot.
type Conversation struct {
	ID        string         `json:"id"`
	ChannelID string         `json:"channelId"`
	BotID     string         `json:"botId"`
	ChatID    string         `json:"chatId"`
	IsActive  bool           `json:"isActive"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// View returns the adapter-facing view of the conversation.
func (c Conversation) View() channel.Conversation {
	return channel.Conversation{ID: c.ID, ChatID: c.ChatID, Metadata: c.Metadata}
}

// Participant is one side of a conversation, de-duplicated by SenderID.
type Participant struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	SenderID       string         `json:"senderId"`
	IsBot          bool           `json:"isBot"`
	Data           map[string]any `json:"data,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// Message is one persisted attachment.
type Message struct {
	ID             string             `json:"id"`
	ConversationID string             `json:"conversationId"`
	ParticipantID  string             `json:"participantId"`
	Attachment     channel.Attachment `json:"attachment"`
	ReceivedAt     time.Time          `json:"receivedAt"`
}
