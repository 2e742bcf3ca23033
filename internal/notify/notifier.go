// Package notify fans operator-facing messages out to webhooks.
package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/agentsh/warden/pkg/ratelimit"
	"github.com/agentsh/warden/pkg/types"
)

// Kind labels where in the lifecycle a message was produced.
type Kind string

const (
	KindDetect   Kind = "detect"
	KindAttempt  Kind = "attempt"
	KindOutcome  Kind = "outcome"
	KindDisabled Kind = "disabled"
	KindAlert    Kind = "security_alert"
	KindIncident Kind = "incident"
	KindRelease  Kind = "containment_release"
	KindPause    Kind = "remediation_pause"
)

// Message is one notification.
type Message struct {
	Kind      Kind           `json:"kind"`
	Title     string         `json:"title"`
	Body      string         `json:"body,omitempty"`
	Severity  types.Severity `json:"severity,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Text renders the message as a single line of text.
func (m Message) Text() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(string(m.Kind))
	if m.Severity != "" {
		b.WriteString("/")
		b.WriteString(string(m.Severity))
	}
	b.WriteString("] ")
	b.WriteString(m.Title)
	if m.Body != "" {
		b.WriteString(": ")
		b.WriteString(m.Body)
	}
	if len(m.Fields) > 0 {
		keys := make([]string, 0, len(m.Fields))
		for k := range m.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, m.Fields[k])
		}
	}
	return b.String()
}

// Notifier delivers a message and reports whether it was accepted. Callers
// treat false as a logging event only.
type Notifier interface {
	Push(ctx context.Context, msg Message) bool
}

// Channel is one delivery target.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Multi sends each message to every channel, throttled by a token bucket.
type Multi struct {
	channels []Channel
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
}

// NewMulti builds a fan-out notifier. A nil limiter disables throttling.
func NewMulti(channels []Channel, limiter *ratelimit.Limiter, logger *slog.Logger) *Multi {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Multi{channels: channels, limiter: limiter, logger: logger}
}

// Push reports true when at least one channel accepted the message, or when
// no channels are configured and the message was only logged.
func (m *Multi) Push(ctx context.Context, msg Message) bool {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	m.logger.Info("notification", "kind", msg.Kind, "text", msg.Text())
	if len(m.channels) == 0 {
		return true
	}
	if m.limiter != nil && !m.limiter.Allow() {
		m.logger.Warn("notification dropped by rate limit", "kind", msg.Kind, "title", msg.Title)
		return false
	}
	ok := false
	for _, ch := range m.channels {
		if err := ch.Send(ctx, msg); err != nil {
			m.logger.Warn("notify: channel send failed", "channel", ch.Name(), "kind", msg.Kind, "error", err)
			continue
		}
		ok = true
	}
	return ok
}

// Channels returns the configured channel names.
func (m *Multi) Channels() []string {
	names := make([]string, 0, len(m.channels))
	for _, ch := range m.channels {
		names = append(names, ch.Name())
	}
	return names
}

// Discard accepts and drops every message.
type Discard struct{}

func (Discard) Push(context.Context, Message) bool { return true }
