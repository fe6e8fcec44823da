package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"os"
	"strings"
	"time"

	"junior.app/backend/internal/config"
	"junior.app/backend/internal/logger"
	"junior.app/backend/models"
)

type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

type sendFunc func(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error

type SMTPMailer struct {
	host     string
	port     string
	username string
	password string
	from     string
	send     sendFunc
}

var ErrNotConfigured = errors.New("SMTP configuration missing")

// New returns an SMTP mailer when SMTP_HOST is set and a no-op mailer otherwise.
func New(cfg config.Email) Mailer {
	if !cfg.Enabled() {
		logger.Info("SMTP not configured, license emails disabled")
		return NoopMailer{}
	}
	return &SMTPMailer{
		host:     cfg.SMTPHost,
		port:     cfg.SMTPPort,
		username: cfg.SMTPUsername,
		password: cfg.SMTPPassword,
		from:     cfg.From,
		send:     sendMail,
	}
}

func (m *SMTPMailer) Send(ctx context.Context, to, subject, body string) error {
	if m.host == "" || m.port == "" || m.username == "" || m.password == "" {
		logger.Error("SMTP configuration missing")
		return ErrNotConfigured
	}
	if strings.ContainsAny(to, "\r\n") || strings.ContainsAny(subject, "\r\n") {
		return fmt.Errorf("invalid header value for recipient %q", to)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	auth := smtp.PlainAuth("", m.username, m.password, m.host)

	msg := []byte(fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"MIME-Version: 1.0\r\n"+
		"Content-Type: text/plain; charset=UTF-8\r\n"+
		"\r\n"+
		"%s\r\n", m.from, to, subject, body))

	addr := net.JoinHostPort(m.host, m.port)
	return m.send(ctx, addr, auth, m.from, []string{to}, msg)
}

// sendMail is smtp.SendMail bounded by ctx: the dial honors cancellation and
// every read and write on the connection shares the context deadline.
func sendMail(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) (err error) {
	defer func() {
		if err == nil {
			return
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %v", ctxErr, err)
		} else if errors.Is(err, os.ErrDeadlineExceeded) {
			err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
	}()

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid SMTP address %q: %w", addr, err)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Close()
			return fmt.Errorf("failed to set SMTP deadline: %w", err)
		}
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("SMTP greeting failed: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return fmt.Errorf("STARTTLS failed: %w", err)
		}
	}
	if a != nil {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(a); err != nil {
				return fmt.Errorf("SMTP auth failed: %w", err)
			}
		}
	}
	if err := c.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM rejected: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("RCPT TO rejected: %w", err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA rejected: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("message rejected: %w", err)
	}
	return c.Quit()
}

type NoopMailer struct{}

func (NoopMailer) Send(ctx context.Context, to, subject, body string) error {
	logger.Debug("Email delivery disabled, skipping", map[string]interface{}{
		"to":      to,
		"subject": subject,
	})
	return nil
}

// License holds what the purchase email tells the customer. Zero Plan,
// DownloadLimit and DownloadTTL fall back to the beta defaults.
type License struct {
	Email          string
	LicenseKey     string
	DownloadURL    string
	FormattedPrice string
	Plan           string
	DownloadLimit  int
	DownloadTTL    time.Duration
}

const LicenseSubject = "Your Junior LinkedIn Automation License"

func LicenseBody(l License) string {
	plan := l.Plan
	if plan == "" {
		plan = models.PlanBeta
	}
	limit := l.DownloadLimit
	if limit <= 0 {
		limit = models.DefaultDownloadLimit
	}
	ttl := l.DownloadTTL
	if ttl <= 0 {
		ttl = models.DefaultDownloadTTL
	}

	return fmt.Sprintf(`Hello,

Thank you for joining the Junior LinkedIn Automation %s! Your payment has been processed successfully.

LICENSE DETAILS
License Key: %s
Plan: %s
Amount Paid: %s

DOWNLOAD
Your personal download link: %s
The link works for %s within %s.

GETTING STARTED
1. Download and run the installer
2. Open Junior and go to Settings > License
3. Enter your license key: %s

NEED HELP?
Reply to this email and we will get back to you.

Best regards,
The Junior Team`,
		plan,
		l.LicenseKey,
		planTitle(plan),
		l.FormattedPrice,
		l.DownloadURL,
		plural(limit, "download"),
		humanDuration(ttl),
		l.LicenseKey)
}

func planTitle(plan string) string {
	return strings.ToUpper(plan[:1]) + plan[1:]
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// humanDuration renders whole days or hours in words and anything else as
// Go duration text.
func humanDuration(d time.Duration) string {
	const day = 24 * time.Hour
	switch {
	case d >= 2*day && d%day == 0:
		return plural(int(d/day), "day")
	case d%time.Hour == 0:
		return plural(int(d/time.Hour), "hour")
	default:
		return d.String()
	}
}

// SendLicense delivers the purchase email.
func SendLicense(ctx context.Context, m Mailer, l License) error {
	return m.Send(ctx, l.Email, LicenseSubject, LicenseBody(l))
}
