// Package notify posts short run messages to a Slack-compatible incoming
// webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
)

type Notifier interface {
	Post(ctx context.Context, text string)
}

// New returns a webhook notifier, or a no-op when url is empty.
func New(url string, logger *log.Logger) Notifier {
	if url == "" {
		return nop{}
	}
	return &Webhook{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
		Logger: logger,
	}
}

type nop struct{}

func (nop) Post(context.Context, string) {}

type Webhook struct {
	URL    string
	Client *http.Client
	Logger *log.Logger
}

// Post sends {"text": text}. Failures are logged, never returned.
func (w *Webhook) Post(ctx context.Context, text string) {
	if err := w.send(ctx, text); err != nil {
		w.Logger.Warn("webhook notification failed", "error", err)
	}
}

func (w *Webhook) send(ctx context.Context, text string) error {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
