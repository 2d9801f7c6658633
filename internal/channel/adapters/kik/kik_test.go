package kik

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/memohai/connector/internal/apperr"
	"github.com/memohai/connector/internal/channel"
)

const textPayload = `{"messages":[{"id":"m1","type":"text","chatId":"chat-1","from":"alice","body":"hello"}]}`

func testChannel() channel.Channel {
	return channel.Channel{
		ID:          "ch-1",
		Type:        Type,
		Webhook:     "https://relay.example.com/v1/webhook/ch-1",
		Credentials: map[string]any{"userName": "relaybot", "apiKey": "key"},
	}
}

func request(body string) *channel.WebhookRequest {
	return &channel.WebhookRequest{Method: http.MethodPost, Header: http.Header{}, Body: []byte(body)}
}

func TestAuthenticateByUsername(t *testing.T) {
	t.Parallel()

	adapter := NewKikAdapter(nil, nil)
	req := request(textPayload)
	req.Header.Set("X-Kik-Username", "relaybot")
	if err := adapter.Authenticate(context.Background(), req, testChannel()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req.Header.Set("X-Kik-Username", "someoneelse")
	if err := adapter.Authenticate(context.Background(), req, testChannel()); apperr.Status(err) != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestParseAndFormat(t *testing.T) {
	t.Parallel()

	adapter := NewKikAdapter(nil, nil)
	req := request(textPayload)
	rc, err := adapter.ExtractContext(req, testChannel())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rc.ChatID != "chat-1" || rc.SenderID != "alice" {
		t.Fatalf("unexpected routing context: %+v", rc)
	}
	raw, _ := adapter.RawMessage(context.Background(), req, testChannel(), rc)
	out := adapter.ParseMessage(context.Background(), testChannel(), channel.Conversation{}, raw, rc)
	if out.Value().Text() != "hello" {
		t.Fatalf("unexpected text: %s", out.Value().Content)
	}

	conv := channel.Conversation{ChatID: "chat-1", Metadata: rc.Metadata}
	card := channel.NewAttachment(channel.AttachmentCard, channel.Card{
		Title:    "Offer",
		ImageURL: "https://img/1.png",
		Buttons:  []channel.Button{{Title: "Buy"}},
	})
	payloads, err := adapter.FormatMessage(testChannel(), conv, card)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(payloads) != 2 {
		t.Fatalf("expected picture and text, got %d", len(payloads))
	}
	text := payloads[1].(map[string]any)
	if text["to"] != "alice" || text["body"] != "Offer" || text["keyboards"] == nil {
		t.Fatalf("unexpected text message: %#v", text)
	}
}

func TestOnCreatedAndDeliver(t *testing.T) {
	t.Parallel()

	var paths []string
	var webhook string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, _ := r.BasicAuth()
		if user != "relaybot" || pass != "key" {
			t.Errorf("unexpected credentials %s:%s", user, pass)
		}
		paths = append(paths, r.URL.Path)
		if r.URL.Path == "/v1/config" {
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			webhook, _ = body["webhook"].(string)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	adapter := NewKikAdapter(nil, srv.Client())
	adapter.apiBase = srv.URL
	ch := testChannel()
	if err := adapter.OnCreated(context.Background(), &ch); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if webhook != ch.Webhook {
		t.Fatalf("unexpected webhook: %s", webhook)
	}
	if err := adapter.DeliverMessage(context.Background(), ch, channel.Conversation{}, map[string]any{"type": "text"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(paths) != 2 || paths[1] != "/v1/message" {
		t.Fatalf("unexpected paths: %v", paths)
	}
}
