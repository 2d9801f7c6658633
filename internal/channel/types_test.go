package channel

import (
	"net/http"
	"reflect"
	"testing"
)

func TestWebhookRequestFormKeepsRepeatedKeys(t *testing.T) {
	t.Parallel()

	header := http.Header{}
	header.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")
	req := &WebhookRequest{Header: header, Body: []byte("MediaUrl=b&Body=hi&MediaUrl=a")}

	form, err := req.Form()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := form["MediaUrl"]; !reflect.DeepEqual(got, []string{"b", "a"}) {
		t.Fatalf("MediaUrl = %v, want both values", got)
	}
	params, err := req.Params()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if params["MediaUrl"] != "b" || params["Body"] != "hi" {
		t.Fatalf("unexpected flat params: %v", params)
	}
}

func TestWebhookRequestFormFromJSON(t *testing.T) {
	t.Parallel()

	req := &WebhookRequest{Header: http.Header{}, Body: []byte(`{"From":"+1","NumMedia":2,"Tags":["x","y"],"Empty":null}`)}
	form, err := req.Form()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if form.Get("From") != "+1" || form.Get("NumMedia") != "2" || form.Get("Empty") != "" {
		t.Fatalf("unexpected form: %v", form)
	}
	if got := form["Tags"]; !reflect.DeepEqual(got, []string{"x", "y"}) {
		t.Fatalf("Tags = %v", got)
	}
}
