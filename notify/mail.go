package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/jordan-wright/email"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type SMTPConfig struct {
	Addr     string
	From     string
	User     string
	Password string
}

// Mailer sends each event as a plain text message. Admin events go to the
// admin address and are skipped when there is none; user events go to the
// event's recipient.
type Mailer struct {
	config SMTPConfig
	admin  string
	send   func(e *email.Email) error
}

func NewMailer(config SMTPConfig, admin string) *Mailer {
	m := &Mailer{config: config, admin: admin}
	m.send = func(e *email.Email) error {
		var auth smtp.Auth
		if config.User != "" {
			host := config.Addr
			if i := strings.LastIndex(host, ":"); i >= 0 {
				host = host[:i]
			}
			auth = smtp.PlainAuth("", config.User, config.Password, host)
		}
		return e.Send(config.Addr, auth)
	}
	return m
}

func (m *Mailer) Notify(_ context.Context, event Event) error {
	event = stamp(event)
	to := event.Recipient
	if event.Audience == Admin {
		if m.admin == "" {
			log.WithField("id", event.ID).Debug("no admin address, not mailing admin event")
			return nil
		}
		to = m.admin
	}
	if to == "" {
		return errors.Errorf("no recipient for event %s", event.ID)
	}
	e := email.NewEmail()
	e.From = m.config.From
	e.To = []string{to}
	e.Subject = event.Subject()
	e.Text = []byte(body(event))
	if err := m.send(e); err != nil {
		return errors.Wrapf(err, "unable to mail %s", to)
	}
	return nil
}

func body(event Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "File:   %s\n", event.FileName)
	fmt.Fprintf(&b, "Job:    %s\n", event.Job)
	fmt.Fprintf(&b, "Status: %s\n", event.Status)
	if event.TapeID != "" {
		fmt.Fprintf(&b, "Tape:   %s\n", event.TapeID)
	}
	if event.Location != "" {
		fmt.Fprintf(&b, "Path:   %s\n", event.Location)
	}
	if event.Error != "" {
		fmt.Fprintf(&b, "Error:  %s\n", event.Error)
	}
	fmt.Fprintf(&b, "Time:   %s\n", event.Time.Format("2006-01-02 15:04:05 MST"))
	return b.String()
}
