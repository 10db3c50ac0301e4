// Package notify delivers ticket lifecycle notifications over mail, Slack and
// Telegram.
package notify

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Attachment is a file carried by a notification.
type Attachment struct {
	Name string
	Data []byte
}

// Message is a channel-neutral notification.
type Message struct {
	// To overrides the channel's default recipients. Only mail honours it.
	To          []string
	Subject     string
	Body        string
	Attachments []Attachment
}

// Text renders the subject and body for chat channels.
func (m Message) Text() string {
	var b strings.Builder
	b.WriteString(m.Subject)
	if m.Body != "" {
		b.WriteString("\n\n")
		b.WriteString(m.Body)
	}
	for _, a := range m.Attachments {
		fmt.Fprintf(&b, "\n\n[%s]\n%s", a.Name, a.Data)
	}
	return b.String()
}

// Notifier delivers a message on one channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, msg Message) error
}

// Multi sends to every channel and joins their errors.
type Multi struct {
	notifiers []Notifier
	logger    *zap.Logger
}

// NewMulti fans out to notifiers.
func NewMulti(logger *zap.Logger, notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers, logger: logger}
}

// Name implements Notifier.
func (m *Multi) Name() string { return "multi" }

// Notify implements Notifier. A failing channel does not stop the others.
func (m *Multi) Notify(ctx context.Context, msg Message) error {
	var errs error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, msg); err != nil {
			m.logger.Warn("notification failed",
				zap.String("channel", n.Name()),
				zap.String("subject", msg.Subject),
				zap.Error(err),
			)
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", n.Name(), err))
		}
	}
	return errs
}

// Len returns the number of channels.
func (m *Multi) Len() int { return len(m.notifiers) }

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
