package common

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestDoSendsJSONAndDecodes(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected content type: %s", r.Header.Get("Content-Type"))
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("unexpected authorization: %s", r.Header.Get("Authorization"))
		}
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		_ = json.NewEncoder(w).Encode(map[string]string{"echo": in["text"]})
	}))
	defer srv.Close()

	var out map[string]string
	err := Do(context.Background(), srv.Client(), Request{
		Method: http.MethodPost,
		URL:    srv.URL,
		JSON:   map[string]string{"text": "hi"},
		Header: Bearer("tok"),
	}, &out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["echo"] != "hi" {
		t.Fatalf("unexpected response: %#v", out)
	}
}

func TestDoFormWithBasicAuth(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "sid" || pass != "secret" {
			t.Errorf("unexpected basic auth: %s %s", user, pass)
		}
		_ = r.ParseForm()
		if r.PostForm.Get("Body") != "hello" {
			t.Errorf("unexpected form: %v", r.PostForm)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	err := Do(context.Background(), srv.Client(), Request{
		Method:   http.MethodPost,
		URL:      srv.URL,
		Form:     url.Values{"Body": {"hello"}},
		Username: "sid",
		Password: "secret",
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDoReturnsAPIErrorWithoutQuery(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad token", http.StatusForbidden)
	}))
	defer srv.Close()

	err := Do(context.Background(), srv.Client(), Request{URL: srv.URL + "/me?access_token=secret"}, nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusForbidden {
		t.Fatalf("unexpected status: %d", apiErr.Status)
	}
	if strings.Contains(apiErr.Error(), "secret") {
		t.Fatalf("error leaks query string: %s", apiErr.Error())
	}
}

func TestJoinURL(t *testing.T) {
	t.Parallel()

	if got := JoinURL("https://api.example.com/", "/v1/message"); got != "https://api.example.com/v1/message" {
		t.Fatalf("unexpected url: %s", got)
	}
}
