package channel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/connector/internal/apperr"
)

const hookChannelType = ChannelType("hooked")

// hookAdapter records lifecycle calls and returns configurable errors.
type hookAdapter struct {
	createErr  error
	updateErr  error
	deleteErr  error
	created    int
	updated    int
	deleted    int
	validateFn func(ch Channel) error
}

func (a *hookAdapter) Type() ChannelType { return hookChannelType }

func (a *hookAdapter) Descriptor() Descriptor {
	return Descriptor{Type: hookChannelType, DisplayName: "Hooked"}
}

func (a *hookAdapter) ValidateConfig(ch Channel) error {
	if a.validateFn != nil {
		return a.validateFn(ch)
	}
	return nil
}

func (a *hookAdapter) OnCreated(_ context.Context, ch *Channel) error {
	a.created++
	if a.createErr == nil {
		ch.SelfIdentity = map[string]any{"botId": "B1"}
	}
	return a.createErr
}

func (a *hookAdapter) OnUpdated(context.Context, *Channel, Channel) error {
	a.updated++
	return a.updateErr
}

func (a *hookAdapter) OnDeleted(context.Context, Channel) error {
	a.deleted++
	return a.deleteErr
}

func newTestService(t *testing.T, adapter Adapter) (*Service, *MemoryStore) {
	t.Helper()
	reg := NewRegistry()
	reg.MustRegister(adapter)
	store := NewMemoryStore()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(log, store, reg, "https://relay.example.com"), store
}

func TestCreateRunsHookAndPersistsSelfIdentity(t *testing.T) {
	t.Parallel()

	adapter := &hookAdapter{}
	svc, _ := newTestService(t, adapter)

	ch, err := svc.Create(context.Background(), "bot-1", CreateRequest{Type: "hooked", Slug: "main"})
	require.NoError(t, err)
	assert.Equal(t, 1, adapter.created)
	assert.False(t, ch.IsErrored)
	assert.True(t, ch.IsActivated)
	assert.Equal(t, "https://relay.example.com/v1/webhook/"+ch.ID, ch.Webhook)

	stored, err := svc.Get(context.Background(), ch.ID)
	require.NoError(t, err)
	assert.Equal(t, "B1", stored.Self("botId"))
}

func TestCreateHookFailureMarksErrored(t *testing.T) {
	t.Parallel()

	adapter := &hookAdapter{createErr: errors.New("subscribe failed")}
	svc, _ := newTestService(t, adapter)

	ch, err := svc.Create(context.Background(), "bot-1", CreateRequest{Type: "hooked", Slug: "main"})
	require.NoError(t, err, "hook failures must not fail creation")
	assert.True(t, ch.IsErrored)

	stored, err := svc.Get(context.Background(), ch.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsErrored)
}

func TestCreateUnknownTypeFailsBeforePersistence(t *testing.T) {
	t.Parallel()

	svc, store := newTestService(t, &hookAdapter{})

	_, err := svc.Create(context.Background(), "bot-1", CreateRequest{Type: "carrier-pigeon", Slug: "main"})
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, apperr.Status(err))

	items, err := store.ListChannels(context.Background(), "bot-1")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestCreateInvalidConfigIsBadRequest(t *testing.T) {
	t.Parallel()

	adapter := &hookAdapter{validateFn: func(Channel) error { return errors.New("token missing") }}
	svc, store := newTestService(t, adapter)

	_, err := svc.Create(context.Background(), "bot-1", CreateRequest{Type: "hooked", Slug: "main"})
	assert.Equal(t, http.StatusBadRequest, apperr.Status(err))
	items, _ := store.ListChannels(context.Background(), "bot-1")
	assert.Empty(t, items)
	assert.Zero(t, adapter.created)
}

func TestCreateDuplicateSlugConflicts(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, &hookAdapter{})
	_, err := svc.Create(context.Background(), "bot-1", CreateRequest{Type: "hooked", Slug: "main"})
	require.NoError(t, err)

	_, err = svc.Create(context.Background(), "bot-1", CreateRequest{Type: "hooked", Slug: "main"})
	assert.Equal(t, http.StatusConflict, apperr.Status(err))
}

func TestUpdateHookFailureMarksErrored(t *testing.T) {
	t.Parallel()

	adapter := &hookAdapter{}
	svc, _ := newTestService(t, adapter)
	ch, err := svc.Create(context.Background(), "bot-1", CreateRequest{Type: "hooked", Slug: "main"})
	require.NoError(t, err)

	adapter.updateErr = errors.New("resubscribe failed")
	updated, err := svc.Update(context.Background(), ch.ID, UpdateRequest{Credentials: map[string]any{"token": "new"}})
	require.NoError(t, err)
	assert.True(t, updated.IsErrored)
	assert.Equal(t, "new", updated.Credential("token"))
	assert.Equal(t, 1, adapter.updated)
}

func TestDeleteIgnoresHookFailure(t *testing.T) {
	t.Parallel()

	adapter := &hookAdapter{deleteErr: errors.New("unsubscribe failed")}
	svc, _ := newTestService(t, adapter)
	ch, err := svc.Create(context.Background(), "bot-1", CreateRequest{Type: "hooked", Slug: "main"})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(context.Background(), ch.ID))
	assert.Equal(t, 1, adapter.deleted)
	_, err = svc.Get(context.Background(), ch.ID)
	assert.ErrorIs(t, err, ErrChannelNotFound)
}

func TestRetryErroredRecoversChannels(t *testing.T) {
	t.Parallel()

	adapter := &hookAdapter{createErr: errors.New("platform down")}
	svc, _ := newTestService(t, adapter)
	ch, err := svc.Create(context.Background(), "bot-1", CreateRequest{Type: "hooked", Slug: "main"})
	require.NoError(t, err)
	require.True(t, ch.IsErrored)

	adapter.createErr = nil
	recovered, err := svc.RetryErrored(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	stored, err := svc.Get(context.Background(), ch.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsErrored)
}

func TestUpsertChildCreatesThenUpdates(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, &hookAdapter{})
	parent, err := svc.Create(context.Background(), "bot-1", CreateRequest{Type: "hooked", Slug: "app"})
	require.NoError(t, err)

	child, err := svc.UpsertChild(context.Background(), parent, hookChannelType, "T123", map[string]any{"token": "a"})
	require.NoError(t, err)
	assert.Equal(t, parent.ID, child.AppID)
	assert.Equal(t, "app-t123", child.Slug)

	again, err := svc.UpsertChild(context.Background(), parent, hookChannelType, "T123", map[string]any{"token": "b"})
	require.NoError(t, err)
	assert.Equal(t, child.ID, again.ID)
	assert.Equal(t, "b", again.Credential("token"))

	reloaded, err := svc.Get(context.Background(), parent.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{child.ID}, reloaded.Children)
}
