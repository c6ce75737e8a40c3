package alertnotify

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"
)

// Slack posts Alerts to a single configured channel, trimmed to the
// one-shot text-message shape the aggregator needs.
type Slack struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewSlack constructs a Slack notifier. An empty botToken leaves the
// client nil, making every Notify call a logging no-op.
func NewSlack(botToken, channel string, logger *slog.Logger) *Slack {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Slack{client: client, channel: channel, logger: logger}
}

// IsEnabled reports whether Notify will actually post anywhere.
func (s *Slack) IsEnabled() bool {
	return s.client != nil && s.channel != ""
}

// Notify implements Notifier.
func (s *Slack) Notify(ctx context.Context, alert Alert) error {
	if !s.IsEnabled() {
		s.logger.Debug("slack notifier disabled, dropping alert",
			"kind", alert.Kind, "namespace", alert.Namespace, "entity", alert.EntityID, "resource", alert.Resource)
		return nil
	}

	text := fmt.Sprintf("%s *%s* %s/%s/%s: %s", emojiFor(alert.Kind), alert.Kind, alert.Namespace, alert.EntityID, alert.Resource, alert.Message)

	_, _, err := s.client.PostMessageContext(ctx, s.channel, goslack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("alertnotify: posting to slack: %w", err)
	}
	s.logger.Info("posted alert", "kind", alert.Kind, "namespace", alert.Namespace, "entity", alert.EntityID, "resource", alert.Resource)
	return nil
}

func emojiFor(kind Kind) string {
	if kind == KindWCUExhaustionStreak {
		return "🔴"
	}
	return "⚠️"
}
