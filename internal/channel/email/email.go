// Package email delivers change sets as HTML email over SMTP submission
// (STARTTLS on port 587).
package email

import (
	"context"
	"strings"

	"orderwatch/internal/dispatch"
	"orderwatch/internal/prefs"
	"orderwatch/internal/schedule"
	"orderwatch/pkg/logx"
)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string

	// OverrideRecipient, when set (CLI --to), wins over every other
	// recipient source.
	OverrideRecipient string
}

// Sender submits one rendered message. The SMTP implementation lives in
// smtp.go; tests inject a fake.
type Sender interface {
	Submit(ctx context.Context, to, subject, htmlBody string) error
}

// AddressResolver resolves the recipient with the documented precedence:
// explicit per-call > environment override > user settings.
type AddressResolver interface {
	Address(explicit string, p prefs.UserPreference, c prefs.Channel) string
}

type Dispatcher struct {
	cfg      Config
	sender   Sender
	resolver AddressResolver
	log      logx.Logger
}

func New(cfg Config, resolver AddressResolver, log logx.Logger) *Dispatcher {
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{cfg: cfg, resolver: resolver, log: log}
	d.sender = &smtpSender{cfg: cfg}
	return d
}

// WithSender replaces the SMTP transport. Tests only.
func (d *Dispatcher) WithSender(s Sender) *Dispatcher {
	d.sender = s
	return d
}

func (d *Dispatcher) Channel() prefs.Channel { return prefs.ChannelEmail }

func (d *Dispatcher) Send(ctx context.Context, user prefs.UserPreference, cs schedule.ChangeSet) dispatch.DispatchResult {
	to := d.resolver.Address(d.cfg.OverrideRecipient, user, prefs.ChannelEmail)
	if strings.TrimSpace(d.cfg.Host) == "" || strings.TrimSpace(d.cfg.From) == "" || to == "" {
		return dispatch.Skipped(prefs.ChannelEmail, dispatch.ReasonNotConfigured)
	}

	if err := d.sender.Submit(ctx, to, Subject(cs), RenderHTML(cs)); err != nil {
		return dispatch.Failed(prefs.ChannelEmail, err)
	}
	return dispatch.Sent(prefs.ChannelEmail)
}
