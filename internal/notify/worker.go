package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
)

// SendNotificationArgs is the queued notification payload.
type SendNotificationArgs struct {
	UserID uuid.UUID         `json:"user_id"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data,omitempty"`
}

func (SendNotificationArgs) Kind() string { return "send_notification" }

// SendNotificationWorker delivers queued notifications to the configured
// webhook. With no webhook configured it logs and succeeds, so environments
// without a delivery channel drain the queue instead of retrying forever.
type SendNotificationWorker struct {
	river.WorkerDefaults[SendNotificationArgs]
	webhookURL string
	httpClient *http.Client
	log        *slog.Logger
}

func NewSendNotificationWorker(webhookURL string, log *slog.Logger) *SendNotificationWorker {
	if log == nil {
		log = slog.Default()
	}
	return &SendNotificationWorker{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		log:        log,
	}
}

func (w *SendNotificationWorker) Work(ctx context.Context, job *river.Job[SendNotificationArgs]) error {
	args := job.Args
	if w.webhookURL == "" {
		w.log.Info("notification (no webhook configured)",
			"user_id", args.UserID, "title", args.Title)
		return nil
	}

	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deliver notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification webhook returned status %d", resp.StatusCode)
	}
	return nil
}
