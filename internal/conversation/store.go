package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/memohai/connector/internal/db"
)

const (
	conversationColumns = `id, channel_id, bot_id, chat_id, is_active, metadata, created_at`
	participantColumns  = `id, conversation_id, sender_id, is_bot, data, created_at`
)

// PGStore persists the conversation aggregate in Postgres. Uniqueness of
// (channel_id, chat_id) among active conversations and of
// (conversation_id, sender_id) is enforced by unique indexes; inserts use
// ON CONFLICT DO NOTHING and re-read the winner.
type PGStore struct {
	db db.Pool
}

func NewPGStore(pool db.Pool) *PGStore {
	return &PGStore{db: pool}
}

func (s *PGStore) FindOrCreateConversation(ctx context.Context, conv Conversation) (Conversation, bool, error) {
	metadata, err := marshalMap(conv.Metadata)
	if err != nil {
		return Conversation{}, false, err
	}
	row := s.db.QueryRow(ctx, `
INSERT INTO conversations (id, channel_id, bot_id, chat_id, is_active, metadata, created_at)
VALUES ($1, $2, $3, $4, true, $5, $6)
ON CONFLICT (channel_id, chat_id) WHERE is_active DO NOTHING
RETURNING `+conversationColumns,
		conv.ID, conv.ChannelID, conv.BotID, conv.ChatID, metadata, conv.CreatedAt,
	)
	created, err := scanConversation(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, false, fmt.Errorf("insert conversation: %w", err)
	}
	existing, err := s.FindConversation(ctx, conv.ChannelID, conv.ChatID)
	if err != nil {
		return Conversation{}, false, err
	}
	return existing, false, nil
}

func (s *PGStore) FindConversation(ctx context.Context, channelID, chatID string) (Conversation, error) {
	row := s.db.QueryRow(ctx, `SELECT `+conversationColumns+`
FROM conversations WHERE channel_id = $1 AND chat_id = $2 AND is_active`, channelID, chatID)
	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Conversation{}, ErrConversationNotFound
		}
		return Conversation{}, fmt.Errorf("find conversation: %w", err)
	}
	return conv, nil
}

func (s *PGStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	row := s.db.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Conversation{}, ErrConversationNotFound
		}
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

func (s *PGStore) UpdateConversationMetadata(ctx context.Context, id string, metadata map[string]any) error {
	data, err := marshalMap(metadata)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, `UPDATE conversations SET metadata = $2 WHERE id = $1`, id, data)
	if err != nil {
		return fmt.Errorf("update conversation metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func (s *PGStore) UpsertParticipant(ctx context.Context, p Participant) (Participant, bool, error) {
	data, err := marshalMap(p.Data)
	if err != nil {
		return Participant{}, false, err
	}
	row := s.db.QueryRow(ctx, `
INSERT INTO participants (id, conversation_id, sender_id, is_bot, data, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (conversation_id, sender_id) DO NOTHING
RETURNING `+participantColumns,
		p.ID, p.ConversationID, p.SenderID, p.IsBot, data, p.CreatedAt,
	)
	created, err := scanParticipant(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Participant{}, false, fmt.Errorf("insert participant: %w", err)
	}
	row = s.db.QueryRow(ctx, `SELECT `+participantColumns+`
FROM participants WHERE conversation_id = $1 AND sender_id = $2`, p.ConversationID, p.SenderID)
	existing, err := scanParticipant(row)
	if err != nil {
		return Participant{}, false, fmt.Errorf("get participant: %w", err)
	}
	return existing, false, nil
}

func (s *PGStore) UpdateParticipantData(ctx context.Context, id string, data map[string]any) error {
	encoded, err := marshalMap(data)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, `UPDATE participants SET data = $2 WHERE id = $1`, id, encoded); err != nil {
		return fmt.Errorf("update participant data: %w", err)
	}
	return nil
}

func (s *PGStore) ListParticipants(ctx context.Context, conversationID string) ([]Participant, error) {
	rows, err := s.db.Query(ctx, `SELECT `+participantColumns+`
FROM participants WHERE conversation_id = $1 ORDER BY created_at, id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()
	items := make([]Participant, 0)
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func (s *PGStore) AppendMessages(ctx context.Context, msgs []Message) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	for _, m := range msgs {
		attachment, err := json.Marshal(m.Attachment)
		if err != nil {
			return fmt.Errorf("encode attachment: %w", err)
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO messages (id, conversation_id, participant_id, attachment, received_at)
VALUES ($1, $2, $3, $4, $5)`,
			m.ID, m.ConversationID, m.ParticipantID, attachment, m.ReceivedAt); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit messages: %w", err)
	}
	return nil
}

func (s *PGStore) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.Query(ctx, `SELECT id, conversation_id, participant_id, attachment, received_at
FROM messages WHERE conversation_id = $1 ORDER BY received_at, seq`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	items := make([]Message, 0)
	for rows.Next() {
		var (
			m          Message
			attachment []byte
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.ParticipantID, &attachment, &m.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if err := json.Unmarshal(attachment, &m.Attachment); err != nil {
			return nil, fmt.Errorf("decode attachment: %w", err)
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

func scanConversation(row pgx.Row) (Conversation, error) {
	var (
		conv     Conversation
		metadata []byte
	)
	if err := row.Scan(&conv.ID, &conv.ChannelID, &conv.BotID, &conv.ChatID, &conv.IsActive, &metadata, &conv.CreatedAt); err != nil {
		return Conversation{}, err
	}
	if err := unmarshalMap(metadata, &conv.Metadata); err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

func scanParticipant(row pgx.Row) (Participant, error) {
	var (
		p    Participant
		data []byte
	)
	if err := row.Scan(&p.ID, &p.ConversationID, &p.SenderID, &p.IsBot, &data, &p.CreatedAt); err != nil {
		return Participant{}, err
	}
	if err := unmarshalMap(data, &p.Data); err != nil {
		return Participant{}, err
	}
	return p, nil
}

func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return data, nil
}

func unmarshalMap(data []byte, dst *map[string]any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	if len(*dst) == 0 {
		*dst = nil
	}
	return nil
}
