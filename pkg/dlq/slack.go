package dlq

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/jordigilh/kubernaut/pkg/taskmodel"
)

// SlackNotifier posts a DLQ entry to an incoming webhook, giving operators
// the real-time half of investigation-queue triage; the queue itself stays
// pull-based (Service.InvestigationQueue).
type SlackNotifier struct {
	webhookURL string
}

// NewSlackNotifier builds a SlackNotifier. An empty webhookURL is valid —
// NotifyBlockedTask becomes a no-op — so deployments without Slack
// configured can still wire a *SlackNotifier in unconditionally.
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{webhookURL: webhookURL}
}

func (n *SlackNotifier) NotifyBlockedTask(ctx context.Context, entry taskmodel.DLQEntry) error {
	if n.webhookURL == "" {
		return nil
	}
	msg := &slack.WebhookMessage{
		Text: fmt.Sprintf(":rotating_light: task `%s` moved to the DLQ (reason: %s, was: %s)",
			entry.TaskUUID, entry.DLQReason, entry.OriginalState),
	}
	return slack.PostWebhookContext(ctx, n.webhookURL, msg)
}
