package webchat

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/memohai/connector/internal/apperr"
	"github.com/memohai/connector/internal/channel"
)

const chatBody = `{"chatId":"chat-1","message":{"attachment":{"type":"text","content":"hello"}}}`

func testChannel() channel.Channel {
	return channel.Channel{ID: "ch-1", Type: Type, Credentials: map[string]any{"secret": "s3cret"}}
}

func request(body, token string) *channel.WebhookRequest {
	req := &channel.WebhookRequest{Method: http.MethodPost, Header: http.Header{}, Body: []byte(body)}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func mustToken(t *testing.T, secret, chatID string, ttl time.Duration) string {
	t.Helper()
	token, _, err := IssueToken(secret, chatID, "visitor-1", ttl)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	adapter := NewWebchatAdapter(nil)
	tests := []struct {
		name  string
		token string
		ok    bool
	}{
		{name: "valid", token: mustToken(t, "s3cret", "", time.Hour), ok: true},
		{name: "chat bound", token: mustToken(t, "s3cret", "chat-1", time.Hour), ok: true},
		{name: "other chat", token: mustToken(t, "s3cret", "chat-2", time.Hour)},
		{name: "wrong secret", token: mustToken(t, "other", "", time.Hour)},
		{name: "expired", token: mustToken(t, "s3cret", "", -time.Minute)},
		{name: "missing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := adapter.Authenticate(context.Background(), request(chatBody, tt.token), testChannel())
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && apperr.Status(err) != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %v", err)
			}
		})
	}
}

func TestParseAndRender(t *testing.T) {
	t.Parallel()

	adapter := NewWebchatAdapter(nil)
	req := request(chatBody, mustToken(t, "s3cret", "", time.Hour))
	rc, err := adapter.ExtractContext(req, testChannel())
	if err != nil || rc.ChatID != "chat-1" || rc.SenderID != "visitor-1" {
		t.Fatalf("unexpected routing context: %+v %v", rc, err)
	}
	out := adapter.ParseMessage(context.Background(), testChannel(), channel.Conversation{}, channel.RawMessage(chatBody), rc)
	if out.Value().Text() != "hello" {
		t.Fatalf("unexpected text: %s", out.Value().Content)
	}

	payloads, err := adapter.FormatMessage(testChannel(), channel.Conversation{}, channel.TextAttachment("hi back"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	reply, err := adapter.RenderReply(testChannel(), channel.Conversation{}, payloads)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, _ := json.Marshal(reply)
	want := `{"message":"Message successfully received","results":{"messages":[{"attachment":{"type":"text","content":"hi back"}}]}}`
	if string(data) != want {
		t.Fatalf("unexpected reply:\n got %s\nwant %s", data, want)
	}

	empty, _ := adapter.RenderReply(testChannel(), channel.Conversation{}, nil)
	data, _ = json.Marshal(empty)
	if !strings.Contains(string(data), `"messages":[]`) {
		t.Fatalf("unexpected empty reply: %s", data)
	}

	if _, err := adapter.ExtractContext(request(`{"message":{}}`, ""), testChannel()); !apperr.IsKind(err, apperr.KindBadRequest) {
		t.Fatalf("expected bad request, got %v", err)
	}
}
