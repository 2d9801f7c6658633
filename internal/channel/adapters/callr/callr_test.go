package callr

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/memohai/connector/internal/apperr"
	"github.com/memohai/connector/internal/channel"
)

const smsEvent = `{"type":"sms.mo","data":{"from":"+33600000001","to":"SMS","text":"hello"}}`

func testChannel() channel.Channel {
	return channel.Channel{
		ID:          "ch-1",
		Type:        Type,
		Webhook:     "https://relay.example.com/v1/webhook/ch-1",
		Credentials: map[string]any{"login": "user", "password": "pass", "hmacSecret": "hmac"},
	}
}

func request(body string) *channel.WebhookRequest {
	return &channel.WebhookRequest{Method: http.MethodPost, Header: http.Header{}, Body: []byte(body)}
}

func TestAuthenticateAndParse(t *testing.T) {
	t.Parallel()

	adapter := NewCallrAdapter(nil, nil)
	req := request(smsEvent)
	req.Header.Set("X-Callr-Hmacsignature", channel.HMACBase64(sha256.New, "hmac", []byte(smsEvent)))
	if err := adapter.Authenticate(context.Background(), req, testChannel()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req.Header.Set("X-Callr-Hmacsignature", "nope")
	if err := adapter.Authenticate(context.Background(), req, testChannel()); apperr.Status(err) != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}

	rc, err := adapter.ExtractContext(req, testChannel())
	if err != nil || rc.ChatID != "+33600000001" {
		t.Fatalf("unexpected routing context: %+v %v", rc, err)
	}
	out := adapter.ParseMessage(context.Background(), testChannel(), channel.Conversation{}, channel.RawMessage(smsEvent), rc)
	if out.Value().Text() != "hello" {
		t.Fatalf("unexpected text: %s", out.Value().Content)
	}

	if out := adapter.BeforePipeline(context.Background(), request(`{"type":"call.inbound_start"}`), testChannel()); out.Kind() != channel.OutcomeStop {
		t.Fatalf("expected stop for non sms event, got %v", out.Kind())
	}
}

func TestRPCCalls(t *testing.T) {
	t.Parallel()

	var methods []string
	var lastParams []any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		methods = append(methods, req.Method)
		lastParams = req.Params
		if req.Method == "webhooks.subscribe" {
			_, _ = w.Write([]byte(`{"result":{"hash":"H1"}}`))
			return
		}
		if req.Method == "sms.send" && req.Params[1] == "+fail" {
			_, _ = w.Write([]byte(`{"error":{"code":22,"message":"invalid number"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"result":"SMSHASH"}`))
	}))
	defer srv.Close()

	adapter := NewCallrAdapter(nil, srv.Client())
	adapter.apiURL = srv.URL
	ch := testChannel()
	if err := adapter.OnCreated(context.Background(), &ch); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ch.Self("webhook_hash") != "H1" {
		t.Fatalf("unexpected self identity: %#v", ch.SelfIdentity)
	}
	if err := adapter.DeliverMessage(context.Background(), ch, channel.Conversation{ChatID: "+336"}, "pong"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lastParams[1] != "+336" || lastParams[2] != "pong" {
		t.Fatalf("unexpected params: %v", lastParams)
	}
	if err := adapter.DeliverMessage(context.Background(), ch, channel.Conversation{ChatID: "+fail"}, "pong"); err == nil {
		t.Fatal("expected rpc error")
	}
	if err := adapter.OnDeleted(context.Background(), ch); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if methods[len(methods)-1] != "webhooks.unsubscribe" {
		t.Fatalf("unexpected methods: %v", methods)
	}
}
