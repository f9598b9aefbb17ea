// Package notifier pushes download lifecycle events to an operator-facing
// webhook.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rip-stream/ripstream/internal/logctx"
	"github.com/rip-stream/ripstream/internal/queue"
)

type Notifier interface {
	Notify(ctx context.Context, content string) error
}

const webhookTimeout = 10 * time.Second

// DiscordNotifier posts plain-content messages to a Discord-compatible
// webhook.
type DiscordNotifier struct {
	WebhookURL string

	client *http.Client
}

func NewDiscordNotifier(webhookURL string) *DiscordNotifier {
	return &DiscordNotifier{
		WebhookURL: webhookURL,
		client:     &http.Client{Timeout: webhookTimeout},
	}
}

func (d *DiscordNotifier) Notify(ctx context.Context, content string) error {
	if d.WebhookURL == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	payload := map[string]string{"content": content}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	client := d.client
	if client == nil {
		client = &http.Client{Timeout: webhookTimeout}
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}

// WatchQueue subscribes n to the queue's terminal-task callbacks. Delivery is
// best effort: failures are logged and never propagate into queue state.
func WatchQueue(ctx context.Context, q *queue.Queue, n Notifier) {
	logger := logctx.LoggerFromContext(ctx)

	q.OnTaskCompleted(func(task queue.Task) {
		if err := n.Notify(ctx, "✅ Download finished: "+taskLabel(task)); err != nil {
			logger.Error("failed to send notification", "task_id", task.ID, "err", err)
		}
	})

	q.OnTaskFailed(func(task queue.Task, message string) {
		if err := n.Notify(ctx, "❌ Download failed: "+taskLabel(task)+" ("+message+")"); err != nil {
			logger.Error("failed to send notification", "task_id", task.ID, "err", err)
		}
	})
}

func taskLabel(task queue.Task) string {
	switch {
	case task.Title != "" && task.Artist != "":
		return task.Artist + " - " + task.Title
	case task.Title != "":
		return task.Title
	default:
		return task.ContentID
	}
}
