package conversation

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRow struct {
	scanFunc func(dest ...any) error
}

func (r *fakeRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

// fakePool implements db.Pool; only QueryRow is exercised.
type fakePool struct {
	queries      []string
	queryRowFunc func(sql string, args ...any) pgx.Row
}

func (p *fakePool) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (p *fakePool) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }

func (p *fakePool) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	p.queries = append(p.queries, sql)
	return p.queryRowFunc(sql, args...)
}

func (p *fakePool) Begin(context.Context) (pgx.Tx, error) { return nil, nil }

func conversationRow(id string) *fakeRow {
	return &fakeRow{scanFunc: func(dest ...any) error {
		*dest[0].(*string) = id
		*dest[1].(*string) = "ch-1"
		*dest[2].(*string) = "bot-1"
		*dest[3].(*string) = "chat-1"
		*dest[4].(*bool) = true
		*dest[5].(*[]byte) = []byte(`{"k":"v"}`)
		*dest[6].(*time.Time) = time.Unix(0, 0)
		return nil
	}}
}

func TestPGFindOrCreateInsertWins(t *testing.T) {
	t.Parallel()

	pool := &fakePool{queryRowFunc: func(string, ...any) pgx.Row { return conversationRow("new-id") }}
	conv, created, err := NewPGStore(pool).FindOrCreateConversation(context.Background(), Conversation{ID: "new-id", ChannelID: "ch-1", ChatID: "chat-1"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "new-id", conv.ID)
	assert.Equal(t, "v", conv.Metadata["k"])
	require.Len(t, pool.queries, 1)
	assert.Contains(t, pool.queries[0], "ON CONFLICT (channel_id, chat_id) WHERE is_active DO NOTHING")
}

func TestPGFindOrCreateConflictRefetches(t *testing.T) {
	t.Parallel()

	pool := &fakePool{queryRowFunc: func(sql string, _ ...any) pgx.Row {
		if strings.Contains(sql, "INSERT") {
			return &fakeRow{scanFunc: func(...any) error { return pgx.ErrNoRows }}
		}
		return conversationRow("winner-id")
	}}
	conv, created, err := NewPGStore(pool).FindOrCreateConversation(context.Background(), Conversation{ID: "loser-id", ChannelID: "ch-1", ChatID: "chat-1"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "winner-id", conv.ID)
	assert.Len(t, pool.queries, 2)
}

func TestPGFindConversationNotFound(t *testing.T) {
	t.Parallel()

	pool := &fakePool{queryRowFunc: func(string, ...any) pgx.Row {
		return &fakeRow{scanFunc: func(...any) error { return pgx.ErrNoRows }}
	}}
	_, err := NewPGStore(pool).FindConversation(context.Background(), "ch-1", "chat-1")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}
