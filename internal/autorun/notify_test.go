package autorun

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseEmailSettings(t *testing.T) {
	got := parseEmailSettings(map[string]any{
		"enabled": true,
		"host":    " smtp.example.com ",
		"port":    int64(465),
		"ssl":     false,
		"from":    "bot@example.com",
		"pass":    "secret",
		"to":      "me@example.com",
	})
	assert.Equal(t, EmailSettings{
		Enabled:  true,
		Host:     "smtp.example.com",
		Port:     465,
		From:     "bot@example.com",
		Password: "secret",
		To:       "me@example.com",
	}, got)
}

func TestSendEmailValidation(t *testing.T) {
	base := EmailSettings{
		Enabled:  true,
		Host:     "smtp.example.com",
		Port:     587,
		From:     "bot@example.com",
		Password: "secret",
		To:       "me@example.com",
	}

	cases := []struct {
		name   string
		mutate func(*EmailSettings)
		reason string
	}{
		{"disabled", func(c *EmailSettings) { c.Enabled = false }, "email-notify-disabled"},
		{"no host", func(c *EmailSettings) { c.Host = "" }, "smtp-host-or-port-missing"},
		{"no port", func(c *EmailSettings) { c.Port = 0 }, "smtp-host-or-port-missing"},
		{"bad from", func(c *EmailSettings) { c.From = "nope" }, "from-address-invalid"},
		{"bad to", func(c *EmailSettings) { c.To = "nope" }, "to-address-invalid"},
		{"no password", func(c *EmailSettings) { c.Password = "" }, "smtp-password-missing"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := base
			c.mutate(&cfg)
			ok, reason := sendEmail(cfg, "s", "b", "")
			assert.False(t, ok)
			assert.Equal(t, c.reason, reason)
		})
	}
}

func TestSendEmailToOverrideValidated(t *testing.T) {
	cfg := EmailSettings{
		Enabled:  true,
		Host:     "smtp.example.com",
		Port:     587,
		From:     "bot@example.com",
		Password: "secret",
		To:       "me@example.com",
	}
	ok, reason := sendEmail(cfg, "s", "b", "not-an-address")
	assert.False(t, ok)
	assert.Equal(t, "to-address-invalid", reason)
}

func TestBuildMessageHeaders(t *testing.T) {
	msg := buildMessage("a@x.com", "b@y.com", "【Shanten Lens】测试", "body line")

	assert.True(t, strings.HasPrefix(msg, "From: a@x.com\r\n"))
	assert.Contains(t, msg, "To: b@y.com\r\n")
	assert.Contains(t, msg, "Subject: =?utf-8?q?")
	assert.Contains(t, msg, "Content-Type: text/plain; charset=utf-8\r\n")
	assert.True(t, strings.HasSuffix(msg, "\r\nbody line\r\n"))
}

func TestFmtMS(t *testing.T) {
	assert.Equal(t, "00:00:00", fmtMS(0))
	assert.Equal(t, "00:00:59", fmtMS(59_999))
	assert.Equal(t, "01:01:05", fmtMS((3600+65)*1000))
	assert.Equal(t, "00:00:00", fmtMS(-5))
}
