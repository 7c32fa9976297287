package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-codegate/internal/config"
	"github.com/go-codegate/internal/domain"
)

// Mailer sends emails.
type Mailer interface {
	Send(ctx context.Context, msg domain.Email) error
}

type mailer struct {
	host       string
	port       string
	from       string
	username   string
	password   string
	timeout    time.Duration
	maxRetries uint64
	dialer     *net.Dialer
	tlsConfig  *tls.Config
}

func NewMailer(cfg *config.Config) Mailer {
	return &mailer{
		host:       cfg.SMTPHost,
		port:       cfg.SMTPPort,
		from:       cfg.SMTPFrom,
		username:   cfg.SMTPUsername,
		password:   cfg.SMTPPassword,
		timeout:    cfg.SMTPTimeout,
		maxRetries: uint64(cfg.SMTPMaxRetries),
		dialer:     &net.Dialer{Timeout: cfg.SMTPTimeout},
		tlsConfig:  &tls.Config{ServerName: cfg.SMTPHost, MinVersion: tls.VersionTLS12},
	}
}

// Send delivers msg in one SMTP session. Only connection failures are retried;
// once the server has seen the envelope a retry could deliver the code twice.
func (m *mailer) Send(ctx context.Context, msg domain.Email) error {
	body, err := buildMessage(m.from, msg, time.Now())
	if err != nil {
		return err
	}

	var conn net.Conn
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), m.maxRetries), ctx)
	err = backoff.RetryNotify(func() error {
		var dialErr error
		conn, dialErr = m.dial(ctx)
		return dialErr
	}, b, func(err error, wait time.Duration) {
		slog.Warn("smtp dial failed, retrying", "host", m.host, "err", err, "retry_in", wait)
	})
	if err != nil {
		return fmt.Errorf("smtp dial %s: %w", net.JoinHostPort(m.host, m.port), err)
	}
	defer conn.Close()

	deadline := time.Now().Add(m.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("smtp set deadline: %w", err)
	}

	if err := m.session(conn, msg.To, body); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

// dial opens the TCP connection, wrapping it in TLS on port 465.
func (m *mailer) dial(ctx context.Context) (net.Conn, error) {
	addr := net.JoinHostPort(m.host, m.port)
	if m.port == "465" {
		d := &tls.Dialer{NetDialer: m.dialer, Config: m.tlsConfig}
		return d.DialContext(ctx, "tcp", addr)
	}
	return m.dialer.DialContext(ctx, "tcp", addr)
}

func (m *mailer) session(conn net.Conn, to string, body []byte) error {
	client, err := smtp.NewClient(conn, m.host)
	if err != nil {
		return err
	}
	defer client.Close()

	if _, isTLS := conn.(*tls.Conn); !isTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(m.tlsConfig); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}
	}

	if m.username != "" {
		if ok, _ := client.Extension("AUTH"); !ok {
			return errors.New("server does not support AUTH")
		}
		if err := client.Auth(smtp.PlainAuth("", m.username, m.password, m.host)); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := client.Mail(m.from); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close body: %w", err)
	}
	return client.Quit()
}

// LogMailer writes messages to the log instead of sending them. Development only.
type LogMailer struct {
	Logger *slog.Logger
}

func (m LogMailer) Send(_ context.Context, msg domain.Email) error {
	l := m.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Info("email not sent (log mailer)", "to", msg.To, "subject", msg.Subject, "text", msg.Text)
	return nil
}
