package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/memohai/connector/internal/db"
)

const channelColumns = `id, bot_id, type, slug, credentials, self_identity, webhook,
  is_activated, is_errored, COALESCE(app_id, ''), external_id, created_at, updated_at`

// PGStore persists channels in Postgres.
type PGStore struct {
	db db.DBTX
}

// NewPGStore creates a Postgres channel store.
func NewPGStore(conn db.DBTX) *PGStore {
	return &PGStore{db: conn}
}

func (s *PGStore) CreateChannel(ctx context.Context, ch Channel) (Channel, error) {
	creds, self, err := marshalChannelMaps(ch)
	if err != nil {
		return Channel{}, err
	}
	row := s.db.QueryRow(ctx, `
INSERT INTO channels (id, bot_id, type, slug, credentials, self_identity, webhook,
  is_activated, is_errored, app_id, external_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11)
RETURNING `+channelColumns,
		ch.ID, ch.BotID, ch.Type.String(), ch.Slug, creds, self, ch.Webhook,
		ch.IsActivated, ch.IsErrored, ch.AppID, ch.ExternalID,
	)
	created, err := scanChannel(row)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Channel{}, ErrSlugTaken
		}
		return Channel{}, fmt.Errorf("insert channel: %w", err)
	}
	return created, nil
}

func (s *PGStore) UpdateChannel(ctx context.Context, ch Channel) (Channel, error) {
	creds, self, err := marshalChannelMaps(ch)
	if err != nil {
		return Channel{}, err
	}
	row := s.db.QueryRow(ctx, `
UPDATE channels SET slug = $2, credentials = $3, self_identity = $4, webhook = $5,
  is_activated = $6, is_errored = $7, external_id = $8, updated_at = now()
WHERE id = $1
RETURNING `+channelColumns,
		ch.ID, ch.Slug, creds, self, ch.Webhook, ch.IsActivated, ch.IsErrored, ch.ExternalID,
	)
	updated, err := scanChannel(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Channel{}, ErrChannelNotFound
		}
		if db.IsUniqueViolation(err) {
			return Channel{}, ErrSlugTaken
		}
		return Channel{}, fmt.Errorf("update channel: %w", err)
	}
	return s.withChildren(ctx, updated)
}

func (s *PGStore) DeleteChannel(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM channels WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrChannelNotFound
	}
	return nil
}

func (s *PGStore) GetChannel(ctx context.Context, id string) (Channel, error) {
	row := s.db.QueryRow(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = $1`, id)
	ch, err := scanChannel(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Channel{}, ErrChannelNotFound
		}
		return Channel{}, fmt.Errorf("get channel: %w", err)
	}
	return s.withChildren(ctx, ch)
}

func (s *PGStore) FindChild(ctx context.Context, appID, externalID string) (Channel, error) {
	row := s.db.QueryRow(ctx, `SELECT `+channelColumns+` FROM channels WHERE app_id = $1 AND external_id = $2`, appID, externalID)
	ch, err := scanChannel(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Channel{}, ErrChannelNotFound
		}
		return Channel{}, fmt.Errorf("find child channel: %w", err)
	}
	return ch, nil
}

func (s *PGStore) ListChannels(ctx context.Context, botID string) ([]Channel, error) {
	return s.list(ctx, `SELECT `+channelColumns+` FROM channels WHERE bot_id = $1 ORDER BY created_at`, botID)
}

func (s *PGStore) ListErrored(ctx context.Context) ([]Channel, error) {
	return s.list(ctx, `SELECT `+channelColumns+` FROM channels WHERE is_errored ORDER BY updated_at`)
}

func (s *PGStore) list(ctx context.Context, query string, args ...any) ([]Channel, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()
	items := make([]Channel, 0)
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		items = append(items, ch)
	}
	return items, rows.Err()
}

func (s *PGStore) withChildren(ctx context.Context, ch Channel) (Channel, error) {
	rows, err := s.db.Query(ctx, `SELECT id FROM channels WHERE app_id = $1 ORDER BY created_at`, ch.ID)
	if err != nil {
		return Channel{}, fmt.Errorf("list child channels: %w", err)
	}
	defer rows.Close()
	ch.Children = nil
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return Channel{}, fmt.Errorf("scan child channel: %w", err)
		}
		ch.Children = append(ch.Children, id)
	}
	return ch, rows.Err()
}

func scanChannel(row pgx.Row) (Channel, error) {
	var (
		ch        Channel
		chType    string
		creds     []byte
		self      []byte
		createdAt time.Time
		updatedAt time.Time
	)
	if err := row.Scan(&ch.ID, &ch.BotID, &chType, &ch.Slug, &creds, &self, &ch.Webhook,
		&ch.IsActivated, &ch.IsErrored, &ch.AppID, &ch.ExternalID, &createdAt, &updatedAt); err != nil {
		return Channel{}, err
	}
	ch.Type = ChannelType(chType)
	ch.CreatedAt = createdAt
	ch.UpdatedAt = updatedAt
	if len(creds) > 0 {
		if err := json.Unmarshal(creds, &ch.Credentials); err != nil {
			return Channel{}, fmt.Errorf("decode credentials: %w", err)
		}
	}
	if len(self) > 0 {
		if err := json.Unmarshal(self, &ch.SelfIdentity); err != nil {
			return Channel{}, fmt.Errorf("decode self identity: %w", err)
		}
	}
	return ch, nil
}

func marshalChannelMaps(ch Channel) ([]byte, []byte, error) {
	creds := ch.Credentials
	if creds == nil {
		creds = map[string]any{}
	}
	self := ch.SelfIdentity
	if self == nil {
		self = map[string]any{}
	}
	credsJSON, err := json.Marshal(creds)
	if err != nil {
		return nil, nil, fmt.Errorf("encode credentials: %w", err)
	}
	selfJSON, err := json.Marshal(self)
	if err != nil {
		return nil, nil, fmt.Errorf("encode self identity: %w", err)
	}
	return credsJSON, selfJSON, nil
}
