package messenger

import (
	"context"
	"crypto/sha1"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/memohai/connector/internal/apperr"
	"github.com/memohai/connector/internal/channel"
)

const textEvent = `{"object":"page","entry":[{"id":"P1","messaging":[{"sender":{"id":"U1"},"recipient":{"id":"P1"},"message":{"mid":"m1","text":"hello"}}]}]}`

func testChannel() channel.Channel {
	return channel.Channel{
		ID:   "ch-1",
		Type: Type,
		Credentials: map[string]any{
			"pageAccessToken": "page-token",
			"appSecret":       "app-secret",
			"verifyToken":     "verify-me",
		},
	}
}

func request(body string) *channel.WebhookRequest {
	return &channel.WebhookRequest{Method: http.MethodPost, Header: http.Header{}, Body: []byte(body)}
}

func TestVerifyWebhook(t *testing.T) {
	t.Parallel()

	adapter := NewMessengerAdapter(nil, nil)
	u, _ := url.Parse("/v1/webhook/ch-1?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=42")
	reply, err := adapter.VerifyWebhook(context.Background(), &channel.WebhookRequest{Method: http.MethodGet, URL: u}, testChannel())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Body != "42" {
		t.Fatalf("unexpected challenge: %#v", reply.Body)
	}

	bad, _ := url.Parse("/v1/webhook/ch-1?hub.mode=subscribe&hub.verify_token=nope&hub.challenge=42")
	_, err = adapter.VerifyWebhook(context.Background(), &channel.WebhookRequest{Method: http.MethodGet, URL: bad}, testChannel())
	if apperr.Status(err) != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", err)
	}
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	adapter := NewMessengerAdapter(nil, nil)
	req := request(textEvent)
	req.Header.Set("X-Hub-Signature", "sha1="+channel.HMACHex(sha1.New, "app-secret", []byte(textEvent)))
	if err := adapter.Authenticate(context.Background(), req, testChannel()); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
	req.Header.Set("X-Hub-Signature", "sha1=00")
	if err := adapter.Authenticate(context.Background(), req, testChannel()); apperr.Status(err) != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestBeforePipelineStopsEchoes(t *testing.T) {
	t.Parallel()

	adapter := NewMessengerAdapter(nil, nil)
	echo := `{"object":"page","entry":[{"id":"P1","messaging":[{"sender":{"id":"P1"},"recipient":{"id":"U1"},"message":{"is_echo":true,"text":"hi"}}]}]}`
	if out := adapter.BeforePipeline(context.Background(), request(echo), testChannel()); out.Kind() != channel.OutcomeStop {
		t.Fatalf("expected stop for echo, got %v", out.Kind())
	}
	read := `{"object":"page","entry":[{"id":"P1","messaging":[{"sender":{"id":"U1"},"recipient":{"id":"P1"},"read":{"watermark":1}}]}]}`
	if out := adapter.BeforePipeline(context.Background(), request(read), testChannel()); out.Kind() != channel.OutcomeStop {
		t.Fatalf("expected stop for read receipt, got %v", out.Kind())
	}
	if out := adapter.BeforePipeline(context.Background(), request(textEvent), testChannel()); out.Kind() != channel.OutcomeContinue {
		t.Fatalf("expected continue, got %v", out.Kind())
	}
}

func TestParseMessages(t *testing.T) {
	t.Parallel()

	adapter := NewMessengerAdapter(nil, nil)
	tests := []struct {
		name string
		body string
		typ  channel.AttachmentType
		want string
	}{
		{"text", textEvent, channel.AttachmentText, "hello"},
		{"quick reply", `{"entry":[{"messaging":[{"sender":{"id":"U1"},"message":{"text":"Yes","quick_reply":{"payload":"YES"}}}]}]}`, channel.AttachmentText, "YES"},
		{"postback", `{"entry":[{"messaging":[{"sender":{"id":"U1"},"postback":{"title":"Go","payload":"GO"}}]}]}`, channel.AttachmentText, "GO"},
		{"image", `{"entry":[{"messaging":[{"sender":{"id":"U1"},"message":{"attachments":[{"type":"image","payload":{"url":"https://img/1.png"}}]}}]}]}`, channel.AttachmentPicture, "https://img/1.png"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request(tt.body)
			rc, err := adapter.ExtractContext(req, testChannel())
			if err != nil || rc.ChatID != "U1" {
				t.Fatalf("unexpected routing context: %+v %v", rc, err)
			}
			raw, err := adapter.RawMessage(context.Background(), req, testChannel(), rc)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			out := adapter.ParseMessage(context.Background(), testChannel(), channel.Conversation{}, raw, rc)
			if out.Value().Type != tt.typ || out.Value().Text() != tt.want {
				t.Fatalf("unexpected attachment: %+v", out.Value())
			}
		})
	}
}

func TestParseSkipsMalformedAttachments(t *testing.T) {
	t.Parallel()

	adapter := NewMessengerAdapter(nil, nil)
	parse := func(body string) channel.Outcome[channel.Attachment] {
		req := request(body)
		rc, err := adapter.ExtractContext(req, testChannel())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		raw, err := adapter.RawMessage(context.Background(), req, testChannel(), rc)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return adapter.ParseMessage(context.Background(), testChannel(), channel.Conversation{}, raw, rc)
	}

	out := parse(`{"entry":[{"messaging":[{"sender":{"id":"U1"},"message":{"attachments":[` +
		`{"type":"image","payload":"not-an-object"},` +
		`{"type":"video","payload":{}},` +
		`{"type":"audio","payload":{"url":"https://a/1.mp3"}}]}}]}]}`)
	if out.Kind() != channel.OutcomeContinue || out.Value().Type != channel.AttachmentAudio || out.Value().Text() != "https://a/1.mp3" {
		t.Fatalf("expected the first well-formed attachment, got %v %+v", out.Kind(), out.Value())
	}

	out = parse(`{"entry":[{"messaging":[{"sender":{"id":"U1"},"message":{"attachments":[{"type":"image","payload":[1,2]}]}}]}]}`)
	if out.Kind() != channel.OutcomeStop {
		t.Fatalf("expected stop when no attachment decodes, got %v", out.Kind())
	}
}

func TestFormatTemplates(t *testing.T) {
	t.Parallel()

	adapter := NewMessengerAdapter(nil, nil)
	btn := []channel.Button{{Type: channel.ButtonWebURL, Title: "Open", Value: "https://example.com"}}
	carousel := channel.NewAttachment(channel.AttachmentCarouselle, []channel.Card{{Title: "A", Buttons: btn}, {Title: "B", Buttons: btn}})
	payloads, err := adapter.FormatMessage(testChannel(), channel.Conversation{}, carousel)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, _ := json.Marshal(payloads[0])
	if !strings.Contains(string(data), `"template_type":"generic"`) || !strings.Contains(string(data), `"type":"web_url"`) {
		t.Fatalf("unexpected template: %s", data)
	}

	quick := channel.NewAttachment(channel.AttachmentQuickReplies, channel.ButtonsContent{Title: "Pick", Buttons: []channel.Button{{Title: "Red"}}})
	payloads, err = adapter.FormatMessage(testChannel(), channel.Conversation{}, quick)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, _ = json.Marshal(payloads[0])
	if !strings.Contains(string(data), `"quick_replies":[{"content_type":"text","payload":"Red","title":"Red"}]`) {
		t.Fatalf("unexpected quick replies: %s", data)
	}
}

func TestDeliverAndTyping(t *testing.T) {
	t.Parallel()

	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/me/messages" || r.URL.Query().Get("access_token") != "page-token" {
			t.Errorf("unexpected request: %s", r.URL)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		bodies = append(bodies, body)
		_, _ = w.Write([]byte(`{"recipient_id":"U1","message_id":"m2"}`))
	}))
	defer srv.Close()

	adapter := NewMessengerAdapter(nil, srv.Client())
	adapter.graphURL = srv.URL
	conv := channel.Conversation{ID: "conv-1", ChatID: "U1"}
	if err := adapter.SendTyping(context.Background(), testChannel(), conv); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	payloads, _ := adapter.FormatMessage(testChannel(), conv, channel.TextAttachment("pong"))
	if err := adapter.DeliverMessage(context.Background(), testChannel(), conv, payloads[0]); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bodies) != 2 || bodies[0]["sender_action"] != "typing_on" {
		t.Fatalf("unexpected bodies: %#v", bodies)
	}
	message := bodies[1]["message"].(map[string]any)
	if message["text"] != "pong" {
		t.Fatalf("unexpected message: %#v", message)
	}
}
