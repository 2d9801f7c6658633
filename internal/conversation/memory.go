package conversation

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps the conversation aggregate in process. All operations
// hold one lock, so find-or-create is atomic.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]Conversation
	participants  map[string]Participant
	messages      map[string][]Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: map[string]Conversation{},
		participants:  map[string]Participant{},
		messages:      map[string][]Message{},
	}
}

func (s *MemoryStore) FindOrCreateConversation(_ context.Context, conv Conversation) (Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.findLocked(conv.ChannelID, conv.ChatID); ok {
		return existing, false, nil
	}
	conv.IsActive = true
	s.conversations[conv.ID] = conv
	return conv, true, nil
}

func (s *MemoryStore) FindConversation(_ context.Context, channelID, chatID string) (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if conv, ok := s.findLocked(channelID, chatID); ok {
		return conv, nil
	}
	return Conversation{}, ErrConversationNotFound
}

func (s *MemoryStore) findLocked(channelID, chatID string) (Conversation, bool) {
	for _, conv := range s.conversations {
		if conv.IsActive && conv.ChannelID == channelID && conv.ChatID == chatID {
			return conv, true
		}
	}
	return Conversation{}, false
}

func (s *MemoryStore) GetConversation(_ context.Context, id string) (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return Conversation{}, ErrConversationNotFound
	}
	return conv, nil
}

func (s *MemoryStore) UpdateConversationMetadata(_ context.Context, id string, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return ErrConversationNotFound
	}
	conv.Metadata = metadata
	s.conversations[id] = conv
	return nil
}

func (s *MemoryStore) UpsertParticipant(_ context.Context, p Participant) (Participant, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.participants {
		if existing.ConversationID == p.ConversationID && existing.SenderID == p.SenderID {
			return existing, false, nil
		}
	}
	s.participants[p.ID] = p
	return p, true, nil
}

func (s *MemoryStore) UpdateParticipantData(_ context.Context, id string, data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[id]
	if !ok {
		return nil
	}
	p.Data = data
	s.participants[id] = p
	return nil
}

func (s *MemoryStore) ListParticipants(_ context.Context, conversationID string) ([]Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]Participant, 0)
	for _, p := range s.participants {
		if p.ConversationID == conversationID {
			items = append(items, p)
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

func (s *MemoryStore) AppendMessages(_ context.Context, msgs []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		s.messages[m.ConversationID] = append(s.messages[m.ConversationID], m)
	}
	return nil
}

func (s *MemoryStore) ListMessages(_ context.Context, conversationID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := append([]Message(nil), s.messages[conversationID]...)
	sort.SliceStable(items, func(i, j int) bool { return items[i].ReceivedAt.Before(items[j].ReceivedAt) })
	return items, nil
}

// MessageCount returns the number of persisted messages across all conversations.
func (s *MemoryStore) MessageCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, msgs := range s.messages {
		n += len(msgs)
	}
	return n
}
