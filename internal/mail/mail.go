// Package mail delivers rendered digests over SMTP.
package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net"
	netmail "net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/TobiSchelling/RedditDigest/internal/config"
)

// ErrNoRecipients is returned when a message has nobody to go to.
var ErrNoRecipients = errors.New("no recipients configured")

// Config holds the SMTP connection settings.
type Config struct {
	Host     string
	Port     int
	UseSSL   bool
	UseTLS   bool
	Username string
	Password string
	// From is the envelope sender and From header. It may carry a display name.
	From    string
	Timeout time.Duration
}

// ConfigFrom maps the email config section, reading the password from its env var.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Host:     cfg.Email.SMTPHost,
		Port:     cfg.Email.SMTPPort,
		UseSSL:   cfg.Email.UseSSL,
		UseTLS:   cfg.Email.UseTLS,
		Username: cfg.Email.Username,
		Password: cfg.SMTPPassword(),
		From:     cfg.Email.From,
	}
}

// Message is one multipart/alternative email.
type Message struct {
	To      []string
	Subject string
	Text    string
	HTML    string
}

// SMTPSender sends messages through a single SMTP server.
type SMTPSender struct {
	config Config
	now    func() time.Time
}

// NewSMTPSender creates a sender.
func NewSMTPSender(cfg Config) *SMTPSender {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SMTPSender{config: cfg, now: time.Now}
}

// Send delivers msg to every recipient in one SMTP transaction.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return ErrNoRecipients
	}
	envelopeFrom, err := envelopeAddress(s.config.From)
	if err != nil {
		return fmt.Errorf("from address: %w", err)
	}

	body, err := s.build(msg)
	if err != nil {
		return err
	}

	c, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	if errMail := c.Mail(envelopeFrom); errMail != nil {
		return fmt.Errorf("mail from: %w", errMail)
	}
	for _, to := range msg.To {
		addr, err := envelopeAddress(to)
		if err != nil {
			return fmt.Errorf("recipient %q: %w", to, err)
		}
		if errRcpt := c.Rcpt(addr); errRcpt != nil {
			return fmt.Errorf("rcpt to %s: %w", addr, errRcpt)
		}
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return c.Quit()
}

// Check connects, negotiates TLS and authenticates without sending anything.
func (s *SMTPSender) Check(ctx context.Context) error {
	c, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()
	return c.Quit()
}

func (s *SMTPSender) connect(ctx context.Context) (*smtp.Client, error) {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	tlsConfig := &tls.Config{ServerName: s.config.Host, MinVersion: tls.VersionTLS12}

	var conn net.Conn
	var err error
	if s.config.UseSSL {
		d := &tls.Dialer{NetDialer: &net.Dialer{Timeout: s.config.Timeout}, Config: tlsConfig}
		conn, err = d.DialContext(ctx, "tcp", addr)
	} else {
		d := &net.Dialer{Timeout: s.config.Timeout}
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dial smtp %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(s.now().Add(s.config.Timeout))
	}

	c, err := smtp.NewClient(conn, s.config.Host)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("smtp handshake: %w", err)
	}

	if s.config.UseTLS && !s.config.UseSSL {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			_ = c.Close()
			return nil, fmt.Errorf("server %s does not support STARTTLS", addr)
		}
		if err := c.StartTLS(tlsConfig); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("starttls: %w", err)
		}
	}

	if s.config.Username != "" && s.config.Password != "" {
		auth := smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
		if err := c.Auth(auth); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("smtp auth: %w", err)
		}
	}
	return c, nil
}

func (s *SMTPSender) build(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	headers := []string{
		"From: " + sanitizeHeader(s.config.From),
		"To: " + sanitizeHeader(strings.Join(msg.To, ", ")),
		"Subject: " + mime.QEncoding.Encode("utf-8", sanitizeHeader(msg.Subject)),
		"Date: " + s.now().Format(time.RFC1123Z),
		"MIME-Version: 1.0",
		fmt.Sprintf("Content-Type: multipart/alternative; boundary=%q", mw.Boundary()),
		"",
		"",
	}
	var out bytes.Buffer
	out.WriteString(strings.Join(headers, "\r\n"))

	for _, part := range []struct{ ctype, body string }{
		{"text/plain", msg.Text},
		{"text/html", msg.HTML},
	} {
		h := textproto.MIMEHeader{}
		h.Set("Content-Type", part.ctype+"; charset=UTF-8")
		h.Set("Content-Transfer-Encoding", "8bit")
		w, err := mw.CreatePart(h)
		if err != nil {
			return nil, fmt.Errorf("creating %s part: %w", part.ctype, err)
		}
		if _, err := w.Write([]byte(toCRLF(part.body))); err != nil {
			return nil, fmt.Errorf("writing %s part: %w", part.ctype, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("closing multipart: %w", err)
	}

	out.Write(buf.Bytes())
	return out.Bytes(), nil
}

func envelopeAddress(s string) (string, error) {
	a, err := netmail.ParseAddress(sanitizeHeader(s))
	if err != nil {
		return "", err
	}
	return a.Address, nil
}

func toCRLF(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "\r\n", "\n"), "\n", "\r\n")
}

func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}
