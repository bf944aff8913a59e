// Package notify posts terminal lifecycle outcomes to Slack. It is a passive
// event bus subscriber; nothing else in the system depends on it.
package notify

import (
	"context"
	"fmt"
	"log"

	"github.com/slack-go/slack"

	"github.com/kishoreUdatha/mendbox/pkg/eventbus"
	"github.com/kishoreUdatha/mendbox/pkg/model"
)

// Slack subscribes to all projects and posts terminal outcomes to a channel.
type Slack struct {
	client  *slack.Client
	channel string
	bus     eventbus.Bus
}

// NewSlack creates a notifier for the given channel.
func NewSlack(botToken, channel string, bus eventbus.Bus) *Slack {
	return &Slack{
		client:  slack.New(botToken),
		channel: channel,
		bus:     bus,
	}
}

// Run consumes events until ctx is cancelled. Only terminal outcomes are
// posted; the chatter in between stays on the bus.
func (s *Slack) Run(ctx context.Context) {
	ch := s.bus.Subscribe(eventbus.AllProjects)
	defer s.bus.Unsubscribe(eventbus.AllProjects, ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if msg := render(ev); msg != "" {
				s.post(ctx, msg)
			}
		}
	}
}

// render formats a terminal event, or returns "" for events not worth a ping.
func render(ev *model.Event) string {
	switch ev.Kind {
	case model.EventDockerFailed:
		return fmt.Sprintf(":red_circle: Preview for `%s` failed: %s",
			ev.ProjectID, ev.Payload["error"])
	case model.EventFixComplete:
		return fmt.Sprintf(":white_check_mark: Auto-fix healed `%s`: %s (files: %s)",
			ev.ProjectID, ev.Payload["explanation"], ev.Payload["modified"])
	case model.EventFixMaxRetries:
		return fmt.Sprintf(":rotating_light: Auto-fix gave up on `%s` after %s attempts, manual intervention needed",
			ev.ProjectID, ev.Payload["attempts"])
	}
	return ""
}

func (s *Slack) post(ctx context.Context, text string) {
	_, _, err := s.client.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(text, false))
	if err != nil {
		log.Printf("Slack notification failed: %v", err)
	}
}
