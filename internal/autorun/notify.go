package autorun

import (
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/shantenlens/backend/internal/liqi"
)

// smtpTimeout bounds the whole SMTP conversation.
const smtpTimeout = 12 * time.Second

// EmailSettings is the runtime mail configuration for run notifications.
type EmailSettings struct {
	Enabled  bool
	Host     string
	Port     int
	SSL      bool
	From     string
	Password string
	To       string
}

func parseEmailSettings(m map[string]any) EmailSettings {
	return EmailSettings{
		Enabled:  liqi.Bool(m, "enabled", false),
		Host:     strings.TrimSpace(liqi.Str(m, "host")),
		Port:     liqi.Int(m, "port", 0),
		SSL:      liqi.Bool(m, "ssl", false),
		From:     strings.TrimSpace(liqi.Str(m, "from")),
		Password: liqi.Str(m, "pass"),
		To:       strings.TrimSpace(liqi.Str(m, "to")),
	}
}

// mailFunc sends one notification; swapped out in tests.
type mailFunc func(cfg EmailSettings, subject, body, toOverride string) (bool, string)

// sendEmail delivers a plain-text notification over SMTP. Port 465 implies
// implicit TLS; otherwise STARTTLS is attempted and skipped when the server
// does not offer it. The returned reason is "" on success.
func sendEmail(cfg EmailSettings, subject, body, toOverride string) (bool, string) {
	if !cfg.Enabled {
		return false, "email-notify-disabled"
	}
	to := cfg.To
	if toOverride != "" {
		to = strings.TrimSpace(toOverride)
	}
	if cfg.Host == "" || cfg.Port == 0 {
		return false, "smtp-host-or-port-missing"
	}
	if !strings.Contains(cfg.From, "@") {
		return false, "from-address-invalid"
	}
	if !strings.Contains(to, "@") {
		return false, "to-address-invalid"
	}
	if cfg.Password == "" {
		return false, "smtp-password-missing"
	}

	useSSL := cfg.SSL || cfg.Port == 465
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	conn, err := net.DialTimeout("tcp", addr, smtpTimeout)
	if err != nil {
		return false, "smtp-connect-failed:" + err.Error()
	}
	_ = conn.SetDeadline(time.Now().Add(smtpTimeout))
	if useSSL {
		conn = tls.Client(conn, &tls.Config{ServerName: cfg.Host})
	}

	c, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		conn.Close()
		return false, "smtp-connect-failed:" + err.Error()
	}
	defer c.Close()

	if !useSSL {
		if ok, _ := c.Extension("STARTTLS"); ok {
			// best effort; some relays work without it
			_ = c.StartTLS(&tls.Config{ServerName: cfg.Host})
		}
	}

	auth := smtp.PlainAuth("", cfg.From, cfg.Password, cfg.Host)
	if err := c.Auth(auth); err != nil {
		return false, "smtp-auth-failed:" + err.Error()
	}
	if err := c.Mail(cfg.From); err != nil {
		return false, "smtp-error:" + err.Error()
	}
	if err := c.Rcpt(to); err != nil {
		return false, "smtp-recipient-refused"
	}
	w, err := c.Data()
	if err != nil {
		return false, "smtp-disconnected"
	}
	msg := buildMessage(cfg.From, to, subject, body)
	if _, err := w.Write([]byte(msg)); err != nil {
		return false, "smtp-disconnected"
	}
	if err := w.Close(); err != nil {
		return false, "smtp-error:" + err.Error()
	}
	_ = c.Quit()
	return true, ""
}

func buildMessage(from, to, subject, body string) string {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", subject) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	b.WriteString("\r\n")
	return b.String()
}
