// Package mailer delivers passcode e-mails. The flow depends on the
// Mailer interface; the concrete implementation pools SMTP connections.
package mailer

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"html/template"
	"net/smtp"
	"time"

	"github.com/knadh/smtppool"
)

// Mailer sends a passcode to an address. Implementations must treat a
// returned error as "the user did not get the code".
type Mailer interface {
	Push(to, token string) error
}

// Config represents the SMTP server's credentials.
type Config struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	AuthProtocol string        `json:"auth_protocol"`
	Username     string        `json:"username"`
	Password     string        `json:"password"`
	FromEmail    string        `json:"from_email"`
	Timeout      time.Duration `json:"timeout"`
	MaxConns     int           `json:"max_conns"`

	// STARTTLS or TLS.
	TLSType       string `json:"tls_type"`
	TLSSkipVerify bool   `json:"tls_skip_verify"`
}

// tplData is what the subject and body templates see.
type tplData struct {
	Token  string
	Expiry time.Duration
}

// SMTP sends passcode e-mails through a pooled SMTP connection.
type SMTP struct {
	cfg     Config
	pool    *smtppool.Pool
	subject *template.Template
	body    *template.Template
	expiry  time.Duration
}

// New creates an SMTP mailer. subject and body are templates executed
// with the passcode and its validity duration.
func New(cfg Config, subject, body *template.Template, expiry time.Duration) (*SMTP, error) {
	if cfg.FromEmail == "" {
		cfg.FromEmail = "noreply@localhost"
	}

	var auth smtp.Auth
	switch cfg.AuthProtocol {
	case "login":
		auth = &smtppool.LoginAuth{Username: cfg.Username, Password: cfg.Password}
	case "cram":
		auth = smtp.CRAMMD5Auth(cfg.Username, cfg.Password)
	case "plain":
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	case "", "none":
	default:
		return nil, fmt.Errorf("unknown SMTP auth type '%s'", cfg.AuthProtocol)
	}

	opt := smtppool.Opt{
		Host:            cfg.Host,
		Port:            cfg.Port,
		MaxConns:        cfg.MaxConns,
		IdleTimeout:     time.Second * 10,
		PoolWaitTimeout: cfg.Timeout,
		Auth:            auth,
	}

	// TLS config.
	if cfg.TLSType != "none" {
		opt.TLSConfig = &tls.Config{}
		if cfg.TLSSkipVerify {
			opt.TLSConfig.InsecureSkipVerify = cfg.TLSSkipVerify
		} else {
			opt.TLSConfig.ServerName = cfg.Host
		}

		if cfg.TLSType == "TLS" {
			opt.SSL = true
		}
	}

	pool, err := smtppool.New(opt)
	if err != nil {
		return nil, err
	}

	return &SMTP{
		cfg:     cfg,
		pool:    pool,
		subject: subject,
		body:    body,
		expiry:  expiry,
	}, nil
}

// Push renders the templates and sends the passcode e-mail.
func (s *SMTP) Push(to, token string) error {
	var (
		subj = &bytes.Buffer{}
		out  = &bytes.Buffer{}
		data = tplData{Token: token, Expiry: s.expiry}
	)
	if err := s.subject.Execute(subj, data); err != nil {
		return err
	}
	if err := s.body.Execute(out, data); err != nil {
		return err
	}

	return s.pool.Send(smtppool.Email{
		From:    s.cfg.FromEmail,
		To:      []string{to},
		Subject: subj.String(),
		HTML:    out.Bytes(),
	})
}
