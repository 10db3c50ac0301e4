package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net"
	"net/smtp"
	"net/textproto"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

const smtpTimeout = 2 * time.Minute

// ErrNoRecipients is returned when neither the message nor the config name a recipient.
var ErrNoRecipients = errors.New("no mail recipients")

// SMTPConfig configures the mail channel.
type SMTPConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Addr        string `yaml:"addr"` // host:port
	From        string `yaml:"from"`
	Mailbox     string `yaml:"mailbox"` // default recipient, the operator mailbox
	Username    string `yaml:"username"`
	PasswordEnv string `yaml:"password_env"`
}

// SMTP sends notifications as MIME mail.
type SMTP struct {
	config SMTPConfig
	send   func(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error
	now    func() time.Time
}

// NewSMTP creates the mail channel.
func NewSMTP(cfg SMTPConfig) (*SMTP, error) {
	if cfg.Addr == "" || cfg.From == "" {
		return nil, fmt.Errorf("smtp: addr and from are required")
	}
	return &SMTP{config: cfg, send: sendMail, now: time.Now}, nil
}

// Name implements Notifier.
func (s *SMTP) Name() string { return "smtp" }

// Notify implements Notifier.
func (s *SMTP) Notify(ctx context.Context, msg Message) error {
	to := msg.To
	if len(to) == 0 && s.config.Mailbox != "" {
		to = []string{s.config.Mailbox}
	}
	if len(to) == 0 {
		return ErrNoRecipients
	}

	data, err := s.compose(to, msg)
	if err != nil {
		return err
	}

	var auth smtp.Auth
	if s.config.Username != "" {
		host, _, err := net.SplitHostPort(s.config.Addr)
		if err != nil {
			return fmt.Errorf("smtp: parsing addr: %w", err)
		}
		auth = smtp.PlainAuth("", s.config.Username, os.Getenv(s.config.PasswordEnv), host)
	}

	if err := s.send(ctx, s.config.Addr, auth, s.config.From, to, data); err != nil {
		return fmt.Errorf("smtp: send: %w", err)
	}
	return nil
}

// sendMail delivers msg like smtp.SendMail, but over a connection bound to
// ctx: cancelling ctx aborts the session. Once the server accepted the data,
// a failing QUIT is not reported.
func sendMail(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(smtpTimeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return err
	}
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	c, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return err
		}
	}
	if a != nil {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(a); err != nil {
				return err
			}
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	_ = c.Quit()
	return nil
}

func (s *SMTP) compose(to []string, msg Message) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	domain := "localhost"
	if i := strings.LastIndexByte(s.config.From, '@'); i >= 0 {
		domain = s.config.From[i+1:]
	}

	header := []struct{ k, v string }{
		{"From", s.config.From},
		{"To", strings.Join(to, ", ")},
		{"Subject", mime.QEncoding.Encode("utf-8", msg.Subject)},
		{"Date", s.now().Format(time.RFC1123Z)},
		{"Message-ID", fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)},
		{"MIME-Version", "1.0"},
		{"Content-Type", "multipart/mixed; boundary=" + mw.Boundary()},
	}
	for _, h := range header {
		fmt.Fprintf(&buf, "%s: %s\r\n", h.k, h.v)
	}
	buf.WriteString("\r\n")

	text, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {"text/plain; charset=utf-8"},
		"Content-Transfer-Encoding": {"quoted-printable"},
	})
	if err != nil {
		return nil, fmt.Errorf("smtp: text part: %w", err)
	}
	qp := quotedprintable.NewWriter(text)
	if _, err := qp.Write([]byte(msg.Body)); err != nil {
		return nil, fmt.Errorf("smtp: text part: %w", err)
	}
	if err := qp.Close(); err != nil {
		return nil, fmt.Errorf("smtp: text part: %w", err)
	}

	for _, a := range msg.Attachments {
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {mime.FormatMediaType("text/plain", map[string]string{"charset": "utf-8", "name": a.Name})},
			"Content-Transfer-Encoding": {"base64"},
			"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": a.Name})},
		})
		if err != nil {
			return nil, fmt.Errorf("smtp: attachment %s: %w", a.Name, err)
		}
		if err := writeBase64Lines(part, a.Data); err != nil {
			return nil, fmt.Errorf("smtp: attachment %s: %w", a.Name, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("smtp: closing multipart: %w", err)
	}
	return buf.Bytes(), nil
}

// writeBase64Lines encodes data wrapped at 76 columns.
func writeBase64Lines(w io.Writer, data []byte) error {
	enc := base64.StdEncoding.EncodeToString(data)
	for len(enc) > 0 {
		n := min(76, len(enc))
		if _, err := fmt.Fprintf(w, "%s\r\n", enc[:n]); err != nil {
			return err
		}
		enc = enc[n:]
	}
	return nil
}
