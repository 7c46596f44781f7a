// Package notify posts terminal pipeline outcomes to Slack. Delivery is
// fire-and-forget: a failed post is logged and never blocks or fails the
// pipeline.
package notify

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"github.com/reforge-dev/reforge/internal/store"
)

// SlackAPI is the minimal Slack surface the notifier needs.
type SlackAPI interface {
	PostMessage(channelID string, options ...slack.MsgOption) (string, string, error)
}

// Notifier announces project completions and failures in a Slack channel.
// A nil *Notifier is a no-op, so callers never branch on configuration.
type Notifier struct {
	api     SlackAPI
	channel string
	logger  zerolog.Logger
}

// New creates a notifier posting to the given channel.
func New(token, channel string, logger zerolog.Logger) *Notifier {
	return NewFromAPI(slack.New(token), channel, logger)
}

// NewFromAPI creates a notifier with an injected Slack client.
func NewFromAPI(api SlackAPI, channel string, logger zerolog.Logger) *Notifier {
	return &Notifier{
		api:     api,
		channel: channel,
		logger:  logger.With().Str("component", "notify").Logger(),
	}
}

// ProjectComplete announces a finished migration.
func (n *Notifier) ProjectComplete(p *store.Project) {
	if n == nil {
		return
	}
	text := fmt.Sprintf(":white_check_mark: Migration complete: *%s* (confidence %.0f%%)", p.Name, p.ConfidenceScore*100)
	go n.post(p.ID, text)
}

// ProjectFailed announces a halted migration with its error context.
func (n *Notifier) ProjectFailed(p *store.Project) {
	if n == nil {
		return
	}
	text := fmt.Sprintf(":x: Migration failed: *%s*", p.Name)
	if p.ErrorContext != "" {
		text += "\n> " + p.ErrorContext
	}
	go n.post(p.ID, text)
}

func (n *Notifier) post(projectID, text string) {
	if _, _, err := n.api.PostMessage(n.channel, slack.MsgOptionText(text, false)); err != nil {
		n.logger.Error().Err(err).Str("project_id", projectID).Msg("failed to post slack notification")
		return
	}
	n.logger.Debug().Str("project_id", projectID).Msg("slack notification posted")
}
