package email

import (
	"context"
	"time"

	"gopkg.in/mail.v2"
)

// SMTPSender delivers mail through an SMTP relay
type SMTPSender struct {
	dialer   *mail.Dialer
	from     string
	fromName string
}

func NewSMTPSender(host string, port int, username, password, from, fromName string) *SMTPSender {
	return &SMTPSender{
		dialer:   mail.NewDialer(host, port, username, password),
		from:     from,
		fromName: fromName,
	}
}

func (s *SMTPSender) SendEmail(ctx context.Context, to string, tmpl EmailTemplate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	message := buildMessage(s.from, s.fromName, to, tmpl)
	if deadline, ok := ctx.Deadline(); ok {
		// mail.Dialer has no context support; bound the dial instead
		d := *s.dialer
		d.Timeout = timeUntil(deadline)
		return d.DialAndSend(message)
	}
	return s.dialer.DialAndSend(message)
}

func buildMessage(from, fromName, to string, tmpl EmailTemplate) *mail.Message {
	message := mail.NewMessage()
	if fromName != "" {
		message.SetAddressHeader("From", from, fromName)
	} else {
		message.SetHeader("From", from)
	}
	message.SetHeader("To", to)
	message.SetHeader("Subject", tmpl.Subject)
	if tmpl.Text != "" {
		message.SetBody("text/plain", tmpl.Text)
		if tmpl.HTML != "" {
			message.AddAlternative("text/html", tmpl.HTML)
		}
	} else {
		message.SetBody("text/html", tmpl.HTML)
	}
	return message
}

func timeUntil(deadline time.Time) time.Duration {
	d := time.Until(deadline)
	if d <= 0 {
		return time.Millisecond
	}
	return d
}
