package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsh/warden/internal/config"
	"github.com/agentsh/warden/pkg/ratelimit"
	"github.com/agentsh/warden/pkg/types"
)

func TestMessage_Text(t *testing.T) {
	m := Message{
		Kind:     KindIncident,
		Title:    "incident opened",
		Body:     "sender:agentX",
		Severity: types.SeverityHigh,
		Fields:   map[string]any{"policy": "p", "count": 3},
	}
	assert.Equal(t, "[incident/high] incident opened: sender:agentX count=3 policy=p", m.Text())
}

func TestWebhook_SendJSON(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	w, err := NewWebhook(config.WebhookConfig{Name: "ops", URL: server.URL, Headers: map[string]string{"X-Token": "secret"}})
	require.NoError(t, err)
	require.NoError(t, w.Send(context.Background(), Message{Kind: KindAlert, Title: "alert"}))
	assert.Equal(t, "security_alert", got["kind"])
	assert.Equal(t, "[security_alert] alert", got["text"])
}

func TestWebhook_Template(t *testing.T) {
	var body string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body = string(b)
	}))
	defer server.Close()

	w, err := NewWebhook(config.WebhookConfig{URL: server.URL, Template: `{"text": {{printf "%q" .Text}}}`})
	require.NoError(t, err)
	require.NoError(t, w.Send(context.Background(), Message{Kind: KindOutcome, Title: "fixed"}))
	assert.Equal(t, `{"text": "[outcome] fixed"}`, body)
}

func TestWebhook_Retries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	w, err := NewWebhook(config.WebhookConfig{URL: server.URL, RetryCount: 2, RetryDelay: "1ms"})
	require.NoError(t, err)
	require.NoError(t, w.Send(context.Background(), Message{Title: "x"}))
	assert.EqualValues(t, 3, calls.Load())

	calls.Store(-10)
	w.retryCount = 1
	assert.Error(t, w.Send(context.Background(), Message{Title: "x"}))
}

func TestNewWebhook_Errors(t *testing.T) {
	_, err := NewWebhook(config.WebhookConfig{})
	assert.Error(t, err)
	_, err = NewWebhook(config.WebhookConfig{URL: "http://x", Template: "{{"})
	assert.Error(t, err)
}

type recordingChannel struct {
	name string
	err  error
	msgs []Message
}

func (r *recordingChannel) Name() string { return r.name }
func (r *recordingChannel) Send(_ context.Context, m Message) error {
	r.msgs = append(r.msgs, m)
	return r.err
}

func TestMulti_FanOutAndFailures(t *testing.T) {
	good := &recordingChannel{name: "good"}
	bad := &recordingChannel{name: "bad", err: errors.New("down")}
	m := NewMulti([]Channel{good, bad}, nil, nil)

	assert.True(t, m.Push(context.Background(), Message{Title: "a"}))
	assert.Len(t, good.msgs, 1)
	assert.Len(t, bad.msgs, 1)
	assert.False(t, good.msgs[0].Timestamp.IsZero())

	onlyBad := NewMulti([]Channel{bad}, nil, nil)
	assert.False(t, onlyBad.Push(context.Background(), Message{Title: "b"}))
	assert.Equal(t, []string{"bad"}, onlyBad.Channels())
}

func TestMulti_RateLimited(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	lim := ratelimit.NewLimiter(1, 2)
	lim.SetClock(func() time.Time { return now })
	ch := &recordingChannel{name: "c"}
	m := NewMulti([]Channel{ch}, lim, nil)

	assert.True(t, m.Push(context.Background(), Message{Title: "1"}))
	assert.True(t, m.Push(context.Background(), Message{Title: "2"}))
	assert.False(t, m.Push(context.Background(), Message{Title: "3"}))
	assert.Len(t, ch.msgs, 2)
}

func TestMulti_NoChannelsLogsOnly(t *testing.T) {
	assert.True(t, NewMulti(nil, nil, nil).Push(context.Background(), Message{Title: "x"}))
	assert.True(t, Discard{}.Push(context.Background(), Message{}))
}

func TestChannelsFromConfig(t *testing.T) {
	chs, err := ChannelsFromConfig(config.NotifyConfig{Webhooks: []config.WebhookConfig{{Name: "a", URL: "http://a"}}})
	require.NoError(t, err)
	require.Len(t, chs, 1)
	assert.Equal(t, "a", chs[0].Name())
}

type blockingNotifier struct {
	started chan struct{}
	release chan struct{}
	mu      sync.Mutex
	titles  []string
}

func (b *blockingNotifier) Push(_ context.Context, m Message) bool {
	b.started <- struct{}{}
	<-b.release
	b.mu.Lock()
	defer b.mu.Unlock()
	b.titles = append(b.titles, m.Title)
	return true
}

func TestAsync_PushDoesNotWaitForDelivery(t *testing.T) {
	slow := &blockingNotifier{started: make(chan struct{}, 4), release: make(chan struct{})}
	a := NewAsync(slow, 1, nil)

	require.True(t, a.Push(context.Background(), Message{Title: "1"}))
	select {
	case <-slow.started:
	case <-time.After(5 * time.Second):
		t.Fatal("sender did not pick up the message")
	}
	// The sender is stuck on "1"; "2" fills the backlog and "3" is dropped.
	assert.True(t, a.Push(context.Background(), Message{Title: "2"}))
	assert.False(t, a.Push(context.Background(), Message{Title: "3"}))
	assert.Equal(t, 1, a.Stats().Backlog)

	close(slow.release)
	a.Close()
	assert.Equal(t, []string{"1", "2"}, slow.titles)
	st := a.Stats()
	assert.Equal(t, int64(2), st.Delivered)
	assert.Equal(t, int64(1), st.Dropped)

	assert.False(t, a.Push(context.Background(), Message{Title: "late"}))
	a.Close()
}

func TestAsync_ContextCancelDoesNotAbortDelivery(t *testing.T) {
	ch := &recordingChannel{name: "c"}
	a := NewAsync(NewMulti([]Channel{ch}, nil, nil), 0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.True(t, a.Push(ctx, Message{Title: "x"}))
	cancel()
	a.Close()
	require.Len(t, ch.msgs, 1)
	assert.False(t, ch.msgs[0].Timestamp.IsZero())
	assert.Equal(t, int64(1), a.Stats().Delivered)
}
