package bots

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/memohai/connector/internal/apperr"
	"github.com/memohai/connector/internal/db"
)

var ErrBotNotFound = apperr.NotFound("bot not found")

// Store persists bots.
type Store interface {
	CreateBot(ctx context.Context, bot Bot) (Bot, error)
	UpdateBot(ctx context.Context, bot Bot) (Bot, error)
	GetBot(ctx context.Context, id string) (Bot, error)
}

// Service provides bot lookups and thin CRUD.
type Service struct {
	store  Store
	logger *slog.Logger
}

func NewService(log *slog.Logger, store Store) *Service {
	return &Service{
		store:  store,
		logger: log.With(slog.String("service", "bots")),
	}
}

// Get returns a bot by id.
func (s *Service) Get(ctx context.Context, id string) (Bot, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Bot{}, ErrBotNotFound
	}
	return s.store.GetBot(ctx, id)
}

// Create registers a new bot.
func (s *Service) Create(ctx context.Context, req CreateRequest) (Bot, error) {
	url := strings.TrimSpace(req.URL)
	if url == "" {
		return Bot{}, apperr.BadRequest("url is required")
	}
	bot, err := s.store.CreateBot(ctx, Bot{ID: uuid.NewString(), URL: url})
	if err != nil {
		return Bot{}, err
	}
	s.logger.Info("bot created", slog.String("bot_id", bot.ID))
	return bot, nil
}

// Update changes the bot's forwarding URL.
func (s *Service) Update(ctx context.Context, id string, req UpdateRequest) (Bot, error) {
	bot, err := s.Get(ctx, id)
	if err != nil {
		return Bot{}, err
	}
	url := strings.TrimSpace(req.URL)
	if url == "" {
		return Bot{}, apperr.BadRequest("url is required")
	}
	bot.URL = url
	return s.store.UpdateBot(ctx, bot)
}

// PGStore persists bots in Postgres.
type PGStore struct {
	db db.DBTX
}

func NewPGStore(conn db.DBTX) *PGStore {
	return &PGStore{db: conn}
}

func (s *PGStore) CreateBot(ctx context.Context, bot Bot) (Bot, error) {
	row := s.db.QueryRow(ctx,
		`INSERT INTO bots (id, url) VALUES ($1, $2) RETURNING id, url, created_at, updated_at`,
		bot.ID, bot.URL)
	if err := row.Scan(&bot.ID, &bot.URL, &bot.CreatedAt, &bot.UpdatedAt); err != nil {
		return Bot{}, fmt.Errorf("insert bot: %w", err)
	}
	return bot, nil
}

func (s *PGStore) UpdateBot(ctx context.Context, bot Bot) (Bot, error) {
	row := s.db.QueryRow(ctx,
		`UPDATE bots SET url = $2, updated_at = now() WHERE id = $1 RETURNING id, url, created_at, updated_at`,
		bot.ID, bot.URL)
	if err := row.Scan(&bot.ID, &bot.URL, &bot.CreatedAt, &bot.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Bot{}, ErrBotNotFound
		}
		return Bot{}, fmt.Errorf("update bot: %w", err)
	}
	return bot, nil
}

func (s *PGStore) GetBot(ctx context.Context, id string) (Bot, error) {
	var bot Bot
	row := s.db.QueryRow(ctx, `SELECT id, url, created_at, updated_at FROM bots WHERE id = $1`, id)
	if err := row.Scan(&bot.ID, &bot.URL, &bot.CreatedAt, &bot.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Bot{}, ErrBotNotFound
		}
		return Bot{}, fmt.Errorf("get bot: %w", err)
	}
	return bot, nil
}

// MemoryStore keeps bots in process.
type MemoryStore struct {
	mu   sync.RWMutex
	bots map[string]Bot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bots: map[string]Bot{}}
}

func (s *MemoryStore) CreateBot(_ context.Context, bot Bot) (Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	bot.CreatedAt, bot.UpdatedAt = now, now
	s.bots[bot.ID] = bot
	return bot, nil
}

func (s *MemoryStore) UpdateBot(_ context.Context, bot Bot) (Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.bots[bot.ID]
	if !ok {
		return Bot{}, ErrBotNotFound
	}
	existing.URL = bot.URL
	existing.UpdatedAt = time.Now().UTC()
	s.bots[bot.ID] = existing
	return existing, nil
}

func (s *MemoryStore) GetBot(_ context.Context, id string) (Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bot, ok := s.bots[id]
	if !ok {
		return Bot{}, ErrBotNotFound
	}
	return bot, nil
}
