// Package notify posts board activity to a Slack channel. Notifications are
// best-effort: failures are logged and counted, never propagated to the
// operation that triggered them.
package notify

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"github.com/jndoye/pikaboard/internal/board"
	"github.com/jndoye/pikaboard/internal/metrics"
)

// SlackAPI abstracts the Slack client for testing.
type SlackAPI interface {
	PostMessage(channelID string, options ...slack.MsgOption) (string, string, error)
}

// Notifier posts board events to one channel.
type Notifier struct {
	api     SlackAPI
	channel string
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// New creates a notifier. A nil Notifier is valid and does nothing, so
// callers never have to branch on whether Slack is configured.
func New(api SlackAPI, channel string, m *metrics.Metrics, logger zerolog.Logger) *Notifier {
	return &Notifier{
		api:     api,
		channel: channel,
		logger:  logger.With().Str("component", "notify").Logger(),
		metrics: m,
	}
}

// TaskCreated announces a new card.
func (n *Notifier) TaskCreated(t *board.Task, actor string) {
	n.post(fmt.Sprintf(":sparkles: *%s* added *%s* to _%s_", actor, t.Title, t.Status))
}

// TaskMoved announces a column change.
func (n *Notifier) TaskMoved(t *board.Task, from, actor string) {
	if from == t.Status {
		return
	}
	n.post(fmt.Sprintf(":arrow_right: *%s* moved *%s* from _%s_ to _%s_", actor, t.Title, from, t.Status))
}

// TaskDeleted announces a removed card.
func (n *Notifier) TaskDeleted(title, actor string) {
	n.post(fmt.Sprintf(":wastebasket: *%s* deleted *%s*", actor, title))
}

func (n *Notifier) post(text string) {
	if n == nil || n.api == nil || n.channel == "" {
		return
	}
	_, _, err := n.api.PostMessage(
		n.channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionDisableLinkUnfurl(),
	)
	if err != nil {
		n.logger.Warn().Err(err).Msg("failed to post notification")
		n.metrics.RecordError("notify", "post")
	}
}
