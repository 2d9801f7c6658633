package channel

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/memohai/connector/internal/apperr"
)

// Registry holds all registered channel adapters and dispatches a channel
// type to its Driver. It must be created via NewRegistry and passed
// explicitly to components that need it.
type Registry struct {
	mu      sync.RWMutex
	drivers map[ChannelType]Driver
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		drivers: map[ChannelType]Driver{},
	}
}

// Register adds an adapter to the registry.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return fmt.Errorf("adapter is nil")
	}
	ct := normalizeChannelType(adapter.Type().String())
	if ct == "" {
		return fmt.Errorf("channel type is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.drivers[ct]; exists {
		return fmt.Errorf("channel type already registered: %s", ct)
	}
	r.drivers[ct] = NewDriver(adapter)
	return nil
}

// MustRegister calls Register and panics on error.
func (r *Registry) MustRegister(adapter Adapter) {
	if err := r.Register(adapter); err != nil {
		panic(err)
	}
}

// Has reports whether a channel type is registered.
func (r *Registry) Has(channelType ChannelType) bool {
	_, ok := r.get(channelType)
	return ok
}

// Dispatch returns the driver registered for channelType.
func (r *Registry) Dispatch(channelType ChannelType) (Driver, error) {
	d, ok := r.get(channelType)
	if !ok {
		return nil, apperr.NotSupported("unsupported channel type: %s", channelType)
	}
	return d, nil
}

func (r *Registry) get(channelType ChannelType) (Driver, bool) {
	ct := normalizeChannelType(channelType.String())
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[ct]
	return d, ok
}

// Types returns all registered channel types in lexical order.
func (r *Registry) Types() []ChannelType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]ChannelType, 0, len(r.drivers))
	for ct := range r.drivers {
		items = append(items, ct)
	}
	sort.Slice(items, func(i, j int) bool { return items[i] < items[j] })
	return items
}

// ListDescriptors returns descriptors for all registered channel types.
func (r *Registry) ListDescriptors() []Descriptor {
	types := r.Types()
	items := make([]Descriptor, 0, len(types))
	for _, ct := range types {
		if d, ok := r.get(ct); ok {
			items = append(items, d.Descriptor())
		}
	}
	return items
}

// ParseChannelType validates and normalizes a raw string into a registered ChannelType.
func (r *Registry) ParseChannelType(raw string) (ChannelType, error) {
	ct := normalizeChannelType(raw)
	if ct == "" || !r.Has(ct) {
		return "", apperr.BadRequest("unsupported channel type: %s", raw)
	}
	return ct, nil
}

func normalizeChannelType(raw string) ChannelType {
	normalized := strings.TrimSpace(strings.ToLower(raw))
	if normalized == "" {
		return ""
	}
	return ChannelType(normalized)
}
