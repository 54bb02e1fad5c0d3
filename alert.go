package certsentinel

import (
	"fmt"
	"log/slog"

	gomail "gopkg.in/gomail.v2"
)

// Alerter sends one email per domain per state transition into WARNING or
// CRITICAL. Alert failures are logged, never fatal: alerting is a side
// channel, not a gate.
type Alerter struct {
	cfg    AlertsConfig
	logger *slog.Logger

	// last alerted state per domain, so a daemon run does not mail the
	// same condition every cycle
	sent map[string]CertState

	// send seam for tests
	send func(msg *gomail.Message) error
}

// NewAlerter returns nil when alerting is not configured; callers treat a
// nil Alerter as disabled.
func NewAlerter(cfg AlertsConfig, logger *slog.Logger) *Alerter {
	if cfg.Server == "" || cfg.To == "" {
		return nil
	}
	if logger == nil {
		panic("NewAlerter: received nil logger")
	}
	dialer := gomail.NewDialer(cfg.Server, cfg.Port, cfg.User, cfg.Pass)
	return &Alerter{
		cfg:    cfg,
		logger: logger.With("component", "alerter"),
		sent:   make(map[string]CertState),
		send:   func(msg *gomail.Message) error { return dialer.DialAndSend(msg) },
	}
}

// Notify mails the recipient when the status warrants it. OK and UNKNOWN
// clear the throttle so a later regression alerts again.
func (a *Alerter) Notify(status CertificateStatus) {
	if status.State != StateWarning && status.State != StateCritical {
		delete(a.sent, status.Domain)
		return
	}
	if a.sent[status.Domain] == status.State {
		return
	}

	subject := fmt.Sprintf("[certsentinel] %s: certificate %s", status.State, status.Domain)
	body := fmt.Sprintf(
		"Certificate for %s is %s.\n\nExpires: %s\nDays remaining: %d\n",
		status.Domain, status.State, status.NotAfter.UTC().Format("2006-01-02 15:04:05 MST"), status.DaysRemaining,
	)

	msg := gomail.NewMessage()
	from := a.cfg.From
	if from == "" {
		from = a.cfg.User
	}
	msg.SetHeader("From", from)
	msg.SetHeader("To", a.cfg.To)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)

	if err := a.send(msg); err != nil {
		a.logger.Error("failed to send alert", "domain", status.Domain, "state", status.State, "error", err)
		return
	}
	a.sent[status.Domain] = status.State
	a.logger.Info("alert sent", "domain", status.Domain, "state", status.State, "to", a.cfg.To)
}
