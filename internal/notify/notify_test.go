package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"mog/internal/logging"
)

func TestWebhookPostsText(t *testing.T) {
	got := make(chan map[string]string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected request %s %s", r.Method, r.Header.Get("Content-Type"))
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		got <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	New(srv.URL, logging.Discard()).Post(context.Background(), "run 7 started")
	body := <-got
	if body["text"] != "run 7 started" {
		t.Fatalf("body = %v", body)
	}
}

func TestWebhookFailureIsLogged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	var buf bytes.Buffer
	logger, _ := logging.NewWithWriter(&buf, "info")
	New(srv.URL, logger).Post(context.Background(), "hello")
	if !strings.Contains(buf.String(), "webhook notification failed") || !strings.Contains(buf.String(), "403") {
		t.Fatalf("log = %q", buf.String())
	}
}

func TestEmptyURLIsNoop(t *testing.T) {
	n := New("", logging.Discard())
	if _, ok := n.(nop); !ok {
		t.Fatalf("expected nop notifier, got %T", n)
	}
	n.Post(context.Background(), "ignored")
}
