package microsoft

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/memohai/connector/internal/apperr"
	"github.com/memohai/connector/internal/channel"
)

const messageActivity = `{
  "type": "message",
  "id": "act-1",
  "serviceUrl": "SERVICE_URL",
  "channelId": "msteams",
  "from": {"id": "user-1", "name": "Ada"},
  "recipient": {"id": "bot-1", "name": "Relay"},
  "conversation": {"id": "conv-1"},
  "text": "hello bot"
}`

func testChannel() channel.Channel {
	return channel.Channel{
		ID:          "ch-1",
		Type:        Type,
		Credentials: map[string]any{"clientId": "app-id", "clientSecret": "app-secret"},
	}
}

func request(body string) *channel.WebhookRequest {
	return &channel.WebhookRequest{Method: http.MethodPost, Header: http.Header{}, Body: []byte(body)}
}

type botFramework struct {
	server     *httptest.Server
	key        *rsa.PrivateKey
	tokenCalls atomic.Int32
	keyCalls   atomic.Int32
	activities chan map[string]any
	auth       chan string
}

func newBotFramework(t *testing.T) *botFramework {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	bf := &botFramework{key: key, activities: make(chan map[string]any, 4), auth: make(chan string, 4)}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /keys", func(w http.ResponseWriter, _ *http.Request) {
		bf.keyCalls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{{
			"kid": "k1",
			"kty": "RSA",
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}}})
	})
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, _ *http.Request) {
		bf.tokenCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"connector-token","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("POST /v3/conversations/{id}/activities", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		body["_path_id"] = r.PathValue("id")
		bf.auth <- r.Header.Get("Authorization")
		bf.activities <- body
		_, _ = w.Write([]byte(`{"id":"sent"}`))
	})
	bf.server = httptest.NewServer(mux)
	t.Cleanup(bf.server.Close)
	return bf
}

func (bf *botFramework) adapter() *MicrosoftAdapter {
	a := NewMicrosoftAdapter(nil, bf.server.Client())
	a.keys = newSigningKeys(bf.server.Client(), bf.server.URL+"/keys")
	a.tokenURL = bf.server.URL + "/token"
	return a
}

func (bf *botFramework) token(t *testing.T, claims jwt.MapClaims, kid string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	signed, err := tok.SignedString(bf.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"iss": tokenIssuer,
		"aud": "app-id",
		"exp": time.Now().Add(time.Hour).Unix(),
		"nbf": time.Now().Add(-time.Minute).Unix(),
	}
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	bf := newBotFramework(t)
	adapter := bf.adapter()

	tests := []struct {
		name   string
		header string
		ok     bool
	}{
		{name: "valid", header: "Bearer " + bf.token(t, validClaims(), "k1"), ok: true},
		{name: "missing", header: ""},
		{name: "wrong audience", header: "Bearer " + bf.token(t, jwt.MapClaims{"iss": tokenIssuer, "aud": "other", "exp": time.Now().Add(time.Hour).Unix()}, "k1")},
		{name: "wrong issuer", header: "Bearer " + bf.token(t, jwt.MapClaims{"iss": "https://evil.example.com", "aud": "app-id", "exp": time.Now().Add(time.Hour).Unix()}, "k1")},
		{name: "expired", header: "Bearer " + bf.token(t, jwt.MapClaims{"iss": tokenIssuer, "aud": "app-id", "exp": time.Now().Add(-time.Hour).Unix()}, "k1")},
		{name: "unknown key", header: "Bearer " + bf.token(t, validClaims(), "k2")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request(messageActivity)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			err := adapter.Authenticate(context.Background(), req, testChannel())
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && apperr.Status(err) != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %v", err)
			}
		})
	}
}

func TestUnknownKeyIDRefetchIsRateLimited(t *testing.T) {
	t.Parallel()

	bf := newBotFramework(t)
	adapter := bf.adapter()
	forged := "Bearer " + bf.token(t, validClaims(), "attacker-kid")

	for i := 0; i < 20; i++ {
		req := request(messageActivity)
		req.Header.Set("Authorization", forged)
		if err := adapter.Authenticate(context.Background(), req, testChannel()); apperr.Status(err) != http.StatusUnauthorized {
			t.Fatalf("request %d: expected 401, got %v", i, err)
		}
	}
	// One initial load plus at most one refetch for the unknown kid.
	if n := bf.keyCalls.Load(); n > 2 {
		t.Fatalf("expected at most 2 key set fetches, got %d", n)
	}

	req := request(messageActivity)
	req.Header.Set("Authorization", "Bearer "+bf.token(t, validClaims(), "k1"))
	if err := adapter.Authenticate(context.Background(), req, testChannel()); err != nil {
		t.Fatalf("known key rejected after unknown kid flood: %v", err)
	}
}

func TestInboundActivity(t *testing.T) {
	t.Parallel()

	adapter := NewMicrosoftAdapter(nil, nil)
	body := strings.Replace(messageActivity, "SERVICE_URL", "https://smba.example.com/teams/", 1)
	if out := adapter.BeforePipeline(context.Background(), request(body), testChannel()); out.Kind() != channel.OutcomeContinue {
		t.Fatalf("expected continue, got %v", out.Kind())
	}
	update := `{"type":"conversationUpdate","serviceUrl":"https://smba.example.com","conversation":{"id":"conv-1"}}`
	if out := adapter.BeforePipeline(context.Background(), request(update), testChannel()); out.Kind() != channel.OutcomeStop {
		t.Fatalf("expected stop for conversation update, got %v", out.Kind())
	}

	rc, err := adapter.ExtractContext(request(body), testChannel())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rc.ChatID != "conv-1" || rc.SenderID != "user-1" || rc.Metadata["serviceUrl"] != "https://smba.example.com/teams/" || rc.Metadata["botId"] != "bot-1" {
		t.Fatalf("unexpected routing context: %+v", rc)
	}
	out := adapter.ParseMessage(context.Background(), testChannel(), channel.Conversation{}, channel.RawMessage(body), rc)
	if out.Value().Text() != "hello bot" {
		t.Fatalf("unexpected text: %s", out.Value().Content)
	}
	postBack := `{"type":"message","value":"BUY","conversation":{"id":"conv-1"}}`
	out = adapter.ParseMessage(context.Background(), testChannel(), channel.Conversation{}, channel.RawMessage(postBack), rc)
	if out.Value().Text() != "BUY" {
		t.Fatalf("unexpected postback text: %s", out.Value().Content)
	}
}

func TestFormatCard(t *testing.T) {
	t.Parallel()

	adapter := NewMicrosoftAdapter(nil, nil)
	msg := channel.NewAttachment(channel.AttachmentCard, channel.Card{
		Title:    "Shoes",
		ImageURL: "https://img.example.com/shoes.png",
		Buttons:  []channel.Button{{Type: channel.ButtonWebURL, Title: "Open", Value: "https://shop.example.com"}},
	})
	payloads, err := adapter.FormatMessage(testChannel(), channel.Conversation{}, msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, _ := json.Marshal(payloads[0])
	for _, want := range []string{`"contentType":"application/vnd.microsoft.card.hero"`, `"type":"openUrl"`, `"type":"message"`} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("payload %s missing %s", data, want)
		}
	}
}

func TestDeliverMessageUsesConnectorToken(t *testing.T) {
	t.Parallel()

	bf := newBotFramework(t)
	adapter := bf.adapter()
	conv := channel.Conversation{
		ID:     "c-1",
		ChatID: "conv-1",
		Metadata: map[string]any{
			"serviceUrl":     bf.server.URL,
			"conversationId": "conv-1",
			"botId":          "bot-1",
		},
	}
	for i := 0; i < 2; i++ {
		if err := adapter.DeliverMessage(context.Background(), testChannel(), conv, map[string]any{"type": "message", "text": "pong"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if auth := <-bf.auth; auth != "Bearer connector-token" {
			t.Fatalf("unexpected authorization: %q", auth)
		}
		act := <-bf.activities
		if act["_path_id"] != "conv-1" || act["text"] != "pong" {
			t.Fatalf("unexpected activity: %#v", act)
		}
	}
	if got := bf.tokenCalls.Load(); got != 1 {
		t.Fatalf("expected token to be cached, got %d token calls", got)
	}

	if err := adapter.DeliverMessage(context.Background(), testChannel(), channel.Conversation{ChatID: "conv-1"}, map[string]any{"text": "x"}); err == nil {
		t.Fatal("expected error without service url")
	}
}
