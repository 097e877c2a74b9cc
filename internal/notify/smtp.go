package notify

import (
	"context"
	"fmt"

	"github.com/wneessen/go-mail"

	"github.com/hazz-dev/svcwatch/internal/config"
)

// SMTPTransport sends mail through a single SMTP relay. A fresh client is
// dialled per message, so one transport is safe for concurrent use.
type SMTPTransport struct {
	cfg config.SMTPConfig
}

// NewSMTPTransport returns a transport for the given relay settings.
func NewSMTPTransport(cfg config.SMTPConfig) *SMTPTransport {
	return &SMTPTransport{cfg: cfg}
}

// Send delivers m as a plain-text message.
func (t *SMTPTransport) Send(ctx context.Context, m Mail) error {
	msg := mail.NewMsg()
	if err := msg.From(m.From); err != nil {
		return fmt.Errorf("setting sender %q: %w", m.From, err)
	}
	if err := msg.To(m.To...); err != nil {
		return fmt.Errorf("setting recipients: %w", err)
	}
	msg.Subject(m.Subject)
	msg.SetBodyString(mail.TypeTextPlain, m.Body)

	client, err := mail.NewClient(t.cfg.Host, t.options()...)
	if err != nil {
		return fmt.Errorf("creating smtp client for %s:%d: %w", t.cfg.Host, t.cfg.Port, err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("delivering via %s:%d: %w", t.cfg.Host, t.cfg.Port, err)
	}
	return nil
}

func (t *SMTPTransport) options() []mail.Option {
	opts := []mail.Option{
		mail.WithPort(t.cfg.Port),
		mail.WithTimeout(t.cfg.Timeout.Duration),
	}
	switch t.cfg.TLS {
	case config.TLSMandatory:
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	case config.TLSOpportunistic:
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	default:
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	}
	if t.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(t.cfg.Username),
			mail.WithPassword(t.cfg.Password),
		)
	}
	return opts
}
