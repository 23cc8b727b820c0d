// Package mail sends the directory's transactional emails. Sending is fire
// and forget: failures are logged and never block the request that triggered
// the message.
package mail

import (
	"bytes"
	"fmt"
	"net/smtp"
	"text/template"

	"github.com/rs/zerolog/log"
)

// Message is one templated email, selected by key.
type Message struct {
	Key    string
	To     string
	Params map[string]string
}

// Sender delivers messages.
type Sender interface {
	Send(msg Message)
}

type mailTemplate struct {
	subject *template.Template
	body    *template.Template
}

var templates = map[string]mailTemplate{
	"login": {
		subject: template.Must(template.New("s").Parse("Sign in to {{.Host}}")),
		body: template.Must(template.New("b").Parse(
			"Open this link to sign in on {{.Host}}:\r\n\r\n{{.Link}}\r\n\r\nIf you did not request this email you can ignore it.\r\n")),
	},
	"invitation": {
		subject: template.Must(template.New("s").Parse("You are invited to join {{.Organization}}")),
		body: template.Must(template.New("b").Parse(
			"You have been invited to join the organization {{.Organization}} on {{.Host}}.\r\n\r\nFollow this link to accept the invitation:\r\n\r\n{{.Link}}\r\n")),
	},
	"conflict": {
		subject: template.Must(template.New("s").Parse("Account already exists on {{.Host}}")),
		body: template.Must(template.New("b").Parse(
			"Somebody, probably you, tried to create an account on {{.Host}} with your email address, but the account already exists.\r\n\r\nYou can sign in here: {{.Origin}}\r\n")),
	},
	"noCreation": {
		subject: template.Must(template.New("s").Parse("Sign up refused on {{.Host}}")),
		body: template.Must(template.New("b").Parse(
			"An account creation was attempted with your email address on {{.Host}}, but this site only accepts invited users.\r\n")),
	},
	"action": {
		subject: template.Must(template.New("s").Parse("Account operation on {{.Host}}")),
		body: template.Must(template.New("b").Parse(
			"Follow this link to confirm the requested account operation on {{.Host}}:\r\n\r\n{{.Link}}\r\n")),
	},
}

// SMTPConfig holds the delivery settings.
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// SMTPSender delivers through a plain SMTP relay.
type SMTPSender struct {
	cfg SMTPConfig
}

func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	return &SMTPSender{cfg: cfg}
}

func (s *SMTPSender) Send(msg Message) {
	go func() {
		if err := s.deliver(msg); err != nil {
			log.Error().Err(err).Str("key", msg.Key).Str("to", msg.To).Msg("sending mail failed")
			return
		}
		log.Debug().Str("key", msg.Key).Str("to", msg.To).Msg("mail sent")
	}()
}

func (s *SMTPSender) deliver(msg Message) error {
	tmpl, ok := templates[msg.Key]
	if !ok {
		return fmt.Errorf("no mail template for key %q", msg.Key)
	}
	var subject, body bytes.Buffer
	if err := tmpl.subject.Execute(&subject, msg.Params); err != nil {
		return fmt.Errorf("rendering subject: %w", err)
	}
	if err := tmpl.body.Execute(&body, msg.Params); err != nil {
		return fmt.Errorf("rendering body: %w", err)
	}

	var payload bytes.Buffer
	fmt.Fprintf(&payload, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&payload, "To: %s\r\n", msg.To)
	fmt.Fprintf(&payload, "Subject: %s\r\n", subject.String())
	payload.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	payload.Write(body.Bytes())

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	return smtp.SendMail(addr, auth, s.cfg.From, []string{msg.To}, payload.Bytes())
}

// LogSender writes messages to the log instead of delivering them, for
// development setups without a relay.
type LogSender struct{}

func (LogSender) Send(msg Message) {
	log.Info().Str("key", msg.Key).Str("to", msg.To).Interface("params", msg.Params).Msg("mail (log only)")
}
