// Package notify posts session terminal transitions to Slack. Wiring
// it is optional; a nil notifier disables the feature.
package notify

import (
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"

	"github.com/pi-agent/relay/model"
)

// SlackNotifier posts to an incoming webhook. It satisfies
// service.Notifier.
type SlackNotifier struct {
	webhookURL string
	log        *slog.Logger
}

// NewSlack creates a notifier for the given webhook URL.
func NewSlack(webhookURL string, log *slog.Logger) *SlackNotifier {
	return &SlackNotifier{webhookURL: webhookURL, log: log}
}

// SessionArchived announces a session archive.
func (n *SlackNotifier) SessionArchived(sess *model.Session) {
	go n.post(fmt.Sprintf(":package: session `%s` (%s) archived", sess.ID, sess.Mode))
}

// SessionErrored announces a session failure with its reason.
func (n *SlackNotifier) SessionErrored(sess *model.Session, reason string) {
	go n.post(fmt.Sprintf(":rotating_light: session `%s` (%s) failed: %s", sess.ID, sess.Mode, reason))
}

func (n *SlackNotifier) post(text string) {
	err := slack.PostWebhook(n.webhookURL, &slack.WebhookMessage{Text: text})
	if err != nil {
		n.log.Warn("posting slack notification", "error", err)
	}
}
