// Package notify composes failure and recovery emails and delivers them
// through a Transport.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"al.essio.dev/pkg/shellescape"

	"github.com/hazz-dev/svcwatch/internal/checker"
)

// Kind distinguishes failure alerts from recovery notices.
type Kind string

const (
	KindFailure  Kind = "failure"
	KindRecovery Kind = "recovery"
)

// Event is a state transition worth telling someone about.
type Event struct {
	Kind        Kind
	Service     string
	Command     []string
	OutageID    string
	Attempts    int
	MaxAttempts int
	Result      checker.Result
	At          time.Time
	Sender      string
	Recipients  []string
}

// Mail is a plain-text message ready for a Transport.
type Mail struct {
	From    string
	To      []string
	Subject string
	Body    string
}

// Transport delivers a single message.
type Transport interface {
	Send(ctx context.Context, m Mail) error
}

// Compose renders the email for an event.
func Compose(evt Event) Mail {
	var subject, headline string
	switch evt.Kind {
	case KindRecovery:
		subject = fmt.Sprintf("%s service check OK", evt.Service)
		headline = fmt.Sprintf("%s - service is recovered", evt.Service)
	default:
		subject = fmt.Sprintf("%s service check fail", evt.Service)
		headline = fmt.Sprintf("%s - service check failed and max tries (%d) are reached", evt.Service, evt.MaxAttempts)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", headline)
	fmt.Fprintf(&b, "Command:  %s\n", shellescape.QuoteCommand(evt.Command))
	fmt.Fprintf(&b, "Result:   %s\n", evt.Result.Describe())
	if evt.OutageID != "" {
		fmt.Fprintf(&b, "Outage:   %s\n", evt.OutageID)
	}
	if evt.Kind == KindFailure {
		fmt.Fprintf(&b, "Attempts: %d\n", evt.Attempts)
	}
	fmt.Fprintf(&b, "Time:     %s\n", evt.At.Format(time.RFC3339))
	fmt.Fprintf(&b, "\nstdout:\n%s\n", strings.TrimRight(string(evt.Result.Stdout), "\n"))
	fmt.Fprintf(&b, "\nstderr:\n%s\n", strings.TrimRight(string(evt.Result.Stderr), "\n"))

	return Mail{
		From:    evt.Sender,
		To:      append([]string(nil), evt.Recipients...),
		Subject: subject,
		Body:    b.String(),
	}
}

// Notifier sends event emails. Each event gets exactly one delivery attempt.
type Notifier struct {
	transport Transport
	logger    *slog.Logger
}

// New creates a Notifier. Pass nil logger to use the default logger.
func New(transport Transport, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{transport: transport, logger: logger}
}

// Notify composes and sends the email for evt. A transport error is logged
// and returned; it is never retried.
func (n *Notifier) Notify(ctx context.Context, evt Event) error {
	m := Compose(evt)
	if err := n.transport.Send(ctx, m); err != nil {
		n.logger.Error("sending notification",
			"service", evt.Service,
			"kind", evt.Kind,
			"recipients", m.To,
			"error", err,
		)
		return fmt.Errorf("sending %s notification for %q: %w", evt.Kind, evt.Service, err)
	}
	n.logger.Info("notification sent",
		"service", evt.Service,
		"kind", evt.Kind,
		"recipients", m.To,
		"outage_id", evt.OutageID,
	)
	return nil
}
