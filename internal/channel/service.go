package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/memohai/connector/internal/apperr"
)

var (
	ErrChannelNotFound = apperr.NotFound("channel not found")
	ErrSlugTaken       = apperr.Conflict("channel slug already exists")
)

// Store persists channel records.
type Store interface {
	CreateChannel(ctx context.Context, ch Channel) (Channel, error)
	UpdateChannel(ctx context.Context, ch Channel) (Channel, error)
	DeleteChannel(ctx context.Context, id string) error
	GetChannel(ctx context.Context, id string) (Channel, error)
	FindChild(ctx context.Context, appID, externalID string) (Channel, error)
	ListChannels(ctx context.Context, botID string) ([]Channel, error)
	ListErrored(ctx context.Context) ([]Channel, error)
}

// Service creates, updates and deletes channels, validating them against
// the registry and running lifecycle hooks.
type Service struct {
	store     Store
	registry  *Registry
	lifecycle *Lifecycle
	baseURL   string
	logger    *slog.Logger
}

// NewService creates a channel service. baseURL is used to build webhook URLs.
func NewService(log *slog.Logger, store Store, registry *Registry, baseURL string) *Service {
	return &Service{
		store:     store,
		registry:  registry,
		lifecycle: NewLifecycle(log, registry),
		baseURL:   baseURL,
		logger:    log.With(slog.String("service", "channels")),
	}
}

// Get returns a channel by id.
func (s *Service) Get(ctx context.Context, id string) (Channel, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Channel{}, ErrChannelNotFound
	}
	return s.store.GetChannel(ctx, id)
}

// List returns the channels of a bot.
func (s *Service) List(ctx context.Context, botID string) ([]Channel, error) {
	return s.store.ListChannels(ctx, botID)
}

// FindChild returns the child of appID identified by externalID.
func (s *Service) FindChild(ctx context.Context, appID, externalID string) (Channel, error) {
	return s.store.FindChild(ctx, appID, externalID)
}

// Create validates and persists a channel, then runs its create hook.
// Unknown channel types and invalid credentials fail before persistence.
func (s *Service) Create(ctx context.Context, botID string, req CreateRequest) (Channel, error) {
	ct, err := s.registry.ParseChannelType(req.Type)
	if err != nil {
		return Channel{}, err
	}
	d, err := s.registry.Dispatch(ct)
	if err != nil {
		return Channel{}, err
	}
	if d.Descriptor().Internal {
		return Channel{}, apperr.BadRequest("channel type %s cannot be created directly", ct)
	}
	slug := strings.TrimSpace(req.Slug)
	if slug == "" {
		return Channel{}, apperr.BadRequest("slug is required")
	}
	ch := Channel{
		ID:          uuid.NewString(),
		BotID:       botID,
		Type:        ct,
		Slug:        slug,
		Credentials: cloneAnyMap(req.Credentials),
		IsActivated: true,
	}
	if req.IsActivated != nil {
		ch.IsActivated = *req.IsActivated
	}
	return s.create(ctx, d, ch)
}

func (s *Service) create(ctx context.Context, d Driver, ch Channel) (Channel, error) {
	if err := d.ValidateConfig(ch); err != nil {
		return Channel{}, asBadRequest(err)
	}
	ch.Webhook = d.BuildWebhookURL(s.baseURL, ch)
	created, err := s.store.CreateChannel(ctx, ch)
	if err != nil {
		return Channel{}, err
	}
	s.lifecycle.Created(ctx, &created)
	updated, err := s.store.UpdateChannel(ctx, created)
	if err != nil {
		return Channel{}, fmt.Errorf("persist lifecycle state: %w", err)
	}
	s.logger.Info("channel created",
		slog.String("channel_id", updated.ID),
		slog.String("channel_type", updated.Type.String()),
		slog.Bool("errored", updated.IsErrored),
	)
	return updated, nil
}

// Update applies req to a channel and runs its update hook.
func (s *Service) Update(ctx context.Context, id string, req UpdateRequest) (Channel, error) {
	previous, err := s.Get(ctx, id)
	if err != nil {
		return Channel{}, err
	}
	d, err := s.registry.Dispatch(previous.Type)
	if err != nil {
		return Channel{}, err
	}
	ch := previous
	ch.Credentials = cloneAnyMap(previous.Credentials)
	if req.Slug != nil {
		slug := strings.TrimSpace(*req.Slug)
		if slug == "" {
			return Channel{}, apperr.BadRequest("slug is required")
		}
		ch.Slug = slug
	}
	for k, v := range req.Credentials {
		if ch.Credentials == nil {
			ch.Credentials = map[string]any{}
		}
		ch.Credentials[k] = v
	}
	if req.IsActivated != nil {
		ch.IsActivated = *req.IsActivated
	}
	if err := d.ValidateConfig(ch); err != nil {
		return Channel{}, asBadRequest(err)
	}
	ch.Webhook = d.BuildWebhookURL(s.baseURL, ch)
	s.lifecycle.Updated(ctx, &ch, previous)
	return s.store.UpdateChannel(ctx, ch)
}

// Delete removes a channel and its children, then runs delete hooks.
func (s *Service) Delete(ctx context.Context, id string) error {
	ch, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	for _, childID := range ch.Children {
		if err := s.Delete(ctx, childID); err != nil && !errors.Is(err, ErrChannelNotFound) {
			return fmt.Errorf("delete child channel %s: %w", childID, err)
		}
	}
	if err := s.store.DeleteChannel(ctx, ch.ID); err != nil {
		return err
	}
	s.lifecycle.Deleted(ctx, ch)
	s.logger.Info("channel deleted", slog.String("channel_id", ch.ID), slog.String("channel_type", ch.Type.String()))
	return nil
}

// UpsertChild creates or refreshes the child of parent identified by
// externalID, e.g. a Slack workspace where a Slack app was installed.
func (s *Service) UpsertChild(ctx context.Context, parent Channel, childType ChannelType, externalID string, credentials map[string]any) (Channel, error) {
	d, err := s.registry.Dispatch(childType)
	if err != nil {
		return Channel{}, err
	}
	existing, err := s.store.FindChild(ctx, parent.ID, externalID)
	if err == nil {
		return s.Update(ctx, existing.ID, UpdateRequest{Credentials: credentials})
	}
	if !errors.Is(err, ErrChannelNotFound) {
		return Channel{}, err
	}
	child := Channel{
		ID:          uuid.NewString(),
		BotID:       parent.BotID,
		Type:        d.Type(),
		Slug:        parent.Slug + "-" + strings.ToLower(externalID),
		Credentials: cloneAnyMap(credentials),
		IsActivated: parent.IsActivated,
		AppID:       parent.ID,
		ExternalID:  externalID,
	}
	return s.create(ctx, d, child)
}

// RetryErrored re-runs the create hook of every errored, activated channel.
// It returns how many channels recovered.
func (s *Service) RetryErrored(ctx context.Context) (int, error) {
	items, err := s.store.ListErrored(ctx)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, ch := range items {
		if !ch.IsActivated {
			continue
		}
		s.lifecycle.Created(ctx, &ch)
		if ch.IsErrored {
			continue
		}
		if _, err := s.store.UpdateChannel(ctx, ch); err != nil {
			return recovered, fmt.Errorf("persist recovered channel %s: %w", ch.ID, err)
		}
		recovered++
	}
	return recovered, nil
}

func asBadRequest(err error) error {
	if _, ok := apperr.As(err); ok {
		return err
	}
	return apperr.Wrap(apperr.KindBadRequest, err, "invalid channel configuration")
}
