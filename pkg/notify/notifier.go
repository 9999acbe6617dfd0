// Package notify fires best-effort webhook notifications for human-approval
// requests and terminal workflow outcomes. Delivery failures are logged and
// swallowed: notification is never allowed to block the approval gate's own
// timeout logic.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/secflow-io/secflow/pkg/models"
)

const requestTimeout = 10 * time.Second

// Notification is the webhook payload.
type Notification struct {
	Kind             string          `json:"kind"`
	WorkflowID       string          `json:"workflow_id"`
	ApprovalID       string          `json:"approval_id,omitempty"`
	Priority         models.Priority `json:"priority,omitempty"`
	PendingCount     int             `json:"pending_count,omitempty"`
	Detail           string          `json:"detail,omitempty"`
	ExpiresAt        *time.Time      `json:"expires_at,omitempty"`
}

// Notifier posts notifications to a single configured webhook. An empty URL
// disables it.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     *slog.Logger
}

func NewNotifier(webhookURL string, logger *slog.Logger) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: requestTimeout},
		logger:     logger.With("module", "notifier"),
	}
}

// Send fires the notification. Always returns; never propagates errors.
func (n *Notifier) Send(ctx context.Context, notification Notification) {
	if n.webhookURL == "" {
		n.logger.DebugContext(ctx, "Webhook not configured, skipping notification",
			"kind", notification.Kind,
		)

		return
	}

	body, err := json.Marshal(notification)
	if err != nil {
		n.logger.ErrorContext(ctx, "Failed to marshal notification", "error", err)

		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		n.logger.ErrorContext(ctx, "Failed to build notification request", "error", err)

		return
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.WarnContext(ctx, "Notification delivery failed",
			"kind", notification.Kind,
			"workflow_id", notification.WorkflowID,
			"error", err,
		)

		return
	}

	defer func() {
		err := resp.Body.Close()
		if err != nil {
			n.logger.ErrorContext(ctx, "Failed to close notification response body", "error", err)
		}
	}()

	if resp.StatusCode >= 300 {
		n.logger.WarnContext(ctx, "Notification rejected by webhook",
			"kind", notification.Kind,
			"status", resp.StatusCode,
		)
	}
}
