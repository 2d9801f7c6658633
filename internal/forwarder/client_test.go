package forwarder

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/connector/internal/apperr"
	"github.com/memohai/connector/internal/channel"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSendPostsCanonicalBody(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"messages":[{"type":"text","content":"pong"}],"results":{"ok":true}}`))
	}))
	defer srv.Close()

	resp, err := NewClient(testLogger(), time.Second).Send(context.Background(), srv.URL, Request{
		Message:  map[string]any{"attachment": channel.TextAttachment("ping")},
		ChatID:   "chat-1",
		SenderID: "user-1",
	})
	require.NoError(t, err)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "pong", resp.Messages[0].Text())
	assert.JSONEq(t, `{"ok":true}`, string(resp.Results))
	assert.Equal(t, "chat-1", got["chatId"])
	assert.Equal(t, "user-1", got["senderId"])
	assert.NotNil(t, got["message"])
}

func TestDecodeResponseVariants(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		body    string
		want    int
		wantErr bool
	}{
		{"array", `{"messages":[{"type":"text","content":"a"},{"type":"text","content":"b"}]}`, 2, false},
		{"string", `{"messages":"[{\"type\":\"text\",\"content\":\"a\"}]"}`, 1, false},
		{"missing", `{"results":null}`, 0, false},
		{"null", `{"messages":null}`, 0, false},
		{"empty body", ``, 0, false},
		{"object", `{"messages":{"type":"text"}}`, 0, true},
		{"bad string", `{"messages":"not json"}`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := DecodeResponse([]byte(tt.body))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, apperr.IsKind(err, apperr.KindFormat))
				return
			}
			require.NoError(t, err)
			assert.Len(t, resp.Messages, tt.want)
		})
	}
}

func TestSendSurfacesBotFailure(t *testing.T) {
	t.Parallel()

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewClient(testLogger(), time.Second).Send(context.Background(), srv.URL, Request{ChatID: "c"})
	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, apperr.Status(err))
	assert.Equal(t, 1, calls, "bot forwarding must not retry")
}
