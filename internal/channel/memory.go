package channel

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and the memory storage driver.
type MemoryStore struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{channels: map[string]Channel{}}
}

func (s *MemoryStore) CreateChannel(_ context.Context, ch Channel) (Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.channels {
		if existing.BotID == ch.BotID && existing.Slug == ch.Slug {
			return Channel{}, ErrSlugTaken
		}
	}
	now := time.Now().UTC()
	ch.CreatedAt = now
	ch.UpdatedAt = now
	ch.Children = nil
	s.channels[ch.ID] = ch
	return ch, nil
}

func (s *MemoryStore) UpdateChannel(_ context.Context, ch Channel) (Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.channels[ch.ID]
	if !ok {
		return Channel{}, ErrChannelNotFound
	}
	for id, other := range s.channels {
		if id != ch.ID && other.BotID == existing.BotID && other.Slug == ch.Slug {
			return Channel{}, ErrSlugTaken
		}
	}
	ch.BotID = existing.BotID
	ch.Type = existing.Type
	ch.AppID = existing.AppID
	ch.CreatedAt = existing.CreatedAt
	ch.UpdatedAt = time.Now().UTC()
	ch.Children = nil
	s.channels[ch.ID] = ch
	return s.withChildren(ch), nil
}

func (s *MemoryStore) DeleteChannel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[id]; !ok {
		return ErrChannelNotFound
	}
	delete(s.channels, id)
	return nil
}

func (s *MemoryStore) GetChannel(_ context.Context, id string) (Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[id]
	if !ok {
		return Channel{}, ErrChannelNotFound
	}
	return s.withChildren(ch), nil
}

func (s *MemoryStore) FindChild(_ context.Context, appID, externalID string) (Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.channels {
		if ch.AppID == appID && ch.ExternalID == externalID {
			return ch, nil
		}
	}
	return Channel{}, ErrChannelNotFound
}

func (s *MemoryStore) ListChannels(_ context.Context, botID string) ([]Channel, error) {
	return s.filter(func(ch Channel) bool { return ch.BotID == botID }), nil
}

func (s *MemoryStore) ListErrored(_ context.Context) ([]Channel, error) {
	return s.filter(func(ch Channel) bool { return ch.IsErrored }), nil
}

func (s *MemoryStore) filter(keep func(Channel) bool) []Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]Channel, 0)
	for _, ch := range s.channels {
		if keep(ch) {
			items = append(items, ch)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items
}

func (s *MemoryStore) withChildren(ch Channel) Channel {
	children := make([]string, 0)
	for id, other := range s.channels {
		if other.AppID == ch.ID {
			children = append(children, id)
		}
	}
	sort.Strings(children)
	if len(children) > 0 {
		ch.Children = children
	}
	return ch
}
