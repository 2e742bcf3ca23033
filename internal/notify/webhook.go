package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"text/template"
	"time"

	"github.com/agentsh/warden/internal/config"
)

// Webhook posts messages to an HTTP endpoint. With a template the body is
// rendered from {{.Message}} and {{.Text}}; otherwise the message is sent as
// JSON with an added "text" field.
type Webhook struct {
	name       string
	url        string
	method     string
	headers    map[string]string
	tmpl       *template.Template
	timeout    time.Duration
	retryCount int
	retryDelay time.Duration
	client     *http.Client
}

// NewWebhook validates cfg and compiles its template.
func NewWebhook(cfg config.WebhookConfig) (*Webhook, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook %q: url is required", cfg.Name)
	}
	w := &Webhook{
		name:       cfg.Name,
		url:        cfg.URL,
		method:     cfg.Method,
		headers:    cfg.Headers,
		timeout:    config.Duration(cfg.Timeout, 10*time.Second),
		retryCount: cfg.RetryCount,
		retryDelay: config.Duration(cfg.RetryDelay, time.Second),
		client:     &http.Client{},
	}
	if w.name == "" {
		w.name = "webhook"
	}
	if w.method == "" {
		w.method = http.MethodPost
	}
	if cfg.Template != "" {
		tmpl, err := template.New(w.name).Parse(cfg.Template)
		if err != nil {
			return nil, fmt.Errorf("webhook %q: invalid template: %w", w.name, err)
		}
		w.tmpl = tmpl
	}
	return w, nil
}

func (w *Webhook) Name() string { return w.name }

// Send delivers msg, retrying non-2xx responses and transport errors.
func (w *Webhook) Send(ctx context.Context, msg Message) error {
	body, err := w.render(msg)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= w.retryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.retryDelay):
			}
		}
		lastErr = w.do(ctx, body)
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (w *Webhook) do(ctx context.Context, body []byte) error {
	reqCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, w.method, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

func (w *Webhook) render(msg Message) ([]byte, error) {
	if w.tmpl != nil {
		var buf bytes.Buffer
		if err := w.tmpl.Execute(&buf, map[string]any{"Message": msg, "Text": msg.Text()}); err != nil {
			return nil, fmt.Errorf("render template: %w", err)
		}
		return buf.Bytes(), nil
	}
	payload := struct {
		Message
		Text string `json:"text"`
	}{Message: msg, Text: msg.Text()}
	return json.Marshal(payload)
}

// ChannelsFromConfig builds one channel per configured webhook.
func ChannelsFromConfig(cfg config.NotifyConfig) ([]Channel, error) {
	channels := make([]Channel, 0, len(cfg.Webhooks))
	for _, wc := range cfg.Webhooks {
		w, err := NewWebhook(wc)
		if err != nil {
			return nil, err
		}
		channels = append(channels, w)
	}
	return channels, nil
}
