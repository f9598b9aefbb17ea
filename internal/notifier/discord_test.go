package notifier

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rip-stream/ripstream/internal/queue"
)

func TestNotifySendsWebhookPayload(t *testing.T) {
	var (
		gotMethod      string
		gotContentType string
		gotBody        []byte
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewDiscordNotifier(srv.URL)
	require.NoError(t, n.Notify(context.Background(), "hello there"))

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "application/json", gotContentType)
	assert.JSONEq(t, `{"content": "hello there"}`, string(gotBody))
}

func TestNotifyRejectsMissingWebhookURL(t *testing.T) {
	n := NewDiscordNotifier("")

	err := n.Notify(context.Background(), "ignored")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook URL is not set")
}

func TestNotifyReportsWebhookFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewDiscordNotifier(srv.URL)

	err := n.Notify(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook failed with status 500")
}

func TestNotifyHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n := NewDiscordNotifier(srv.URL)
	require.Error(t, n.Notify(ctx, "never sent"))
}

func TestWatchQueueNotifiesTerminalStates(t *testing.T) {
	received := make(chan string, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		received <- payload["content"]
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	q := queue.New(10, nil)
	WatchQueue(context.Background(), q, NewDiscordNotifier(srv.URL))

	require.True(t, q.AddTask(queue.Task{
		ID:        "t1",
		ContentID: "c1",
		Source:    "direct",
		Title:     "Night Drive",
		Artist:    "The Streets",
	}))
	require.True(t, q.AddTask(queue.Task{
		ID:        "t2",
		ContentID: "content-123",
		Source:    "direct",
	}))

	first, ok := q.GetNextTask(context.Background(), 0)
	require.True(t, ok)
	require.True(t, q.CompleteTask(first.ID))

	assert.Equal(t, "✅ Download finished: The Streets - Night Drive", nextMessage(t, received))

	second, ok := q.GetNextTask(context.Background(), 0)
	require.True(t, ok)
	require.True(t, q.FailTask(second.ID, "connection reset"))

	assert.Equal(t, "❌ Download failed: content-123 (connection reset)", nextMessage(t, received))
}

func nextMessage(t *testing.T, ch <-chan string) string {
	t.Helper()

	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no notification received")
		return ""
	}
}
