package email

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"junior.app/backend/internal/config"
)

type capturedMail struct {
	addr string
	from string
	to   []string
	msg  string
}

func newTestMailer(captured *capturedMail, sendErr error) *SMTPMailer {
	m := New(config.Email{
		SMTPHost:     "smtp.example.com",
		SMTPPort:     "587",
		SMTPUsername: "user@example.com",
		SMTPPassword: "password",
		From:         "licenses@junior.app",
	}).(*SMTPMailer)
	m.send = func(_ context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		captured.addr = addr
		captured.from = from
		captured.to = to
		captured.msg = string(msg)
		return sendErr
	}
	return m
}

func TestNew_DisabledWithoutHost(t *testing.T) {
	m := New(config.Email{})
	if _, ok := m.(NoopMailer); !ok {
		t.Fatalf("Expected NoopMailer, got %T", m)
	}
	if err := m.Send(context.Background(), "a@example.com", "s", "b"); err != nil {
		t.Errorf("Expected no error from noop mailer, got %v", err)
	}
}

func TestSend(t *testing.T) {
	var captured capturedMail
	m := newTestMailer(&captured, nil)

	if err := m.Send(context.Background(), "buyer@example.com", "Test Subject", "Test Body"); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if captured.addr != "smtp.example.com:587" {
		t.Errorf("Expected addr smtp.example.com:587, got %s", captured.addr)
	}
	if captured.from != "licenses@junior.app" {
		t.Errorf("Expected from licenses@junior.app, got %s", captured.from)
	}
	if len(captured.to) != 1 || captured.to[0] != "buyer@example.com" {
		t.Errorf("Unexpected recipients %v", captured.to)
	}
	for _, want := range []string{"To: buyer@example.com\r\n", "Subject: Test Subject\r\n", "\r\n\r\nTest Body\r\n"} {
		if !strings.Contains(captured.msg, want) {
			t.Errorf("Expected message to contain %q, got %q", want, captured.msg)
		}
	}
}

func TestSend_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(m *SMTPMailer)
		to      string
		subject string
		sendErr error
		wantErr error
	}{
		{
			name:    "missing password",
			mutate:  func(m *SMTPMailer) { m.password = "" },
			to:      "buyer@example.com",
			subject: "s",
			wantErr: ErrNotConfigured,
		},
		{
			name:    "header injection",
			mutate:  func(m *SMTPMailer) {},
			to:      "buyer@example.com\r\nBcc: evil@example.com",
			subject: "s",
		},
		{
			name:    "transport failure",
			mutate:  func(m *SMTPMailer) {},
			to:      "buyer@example.com",
			subject: "s",
			sendErr: errors.New("connection refused"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var captured capturedMail
			m := newTestMailer(&captured, tt.sendErr)
			tt.mutate(m)

			err := m.Send(context.Background(), tt.to, tt.subject, "body")
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestSend_CanceledContext(t *testing.T) {
	var captured capturedMail
	m := newTestMailer(&captured, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := m.Send(ctx, "buyer@example.com", "s", "b"); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if captured.msg != "" {
		t.Error("Nothing should be sent after cancellation")
	}
}

func TestLicenseBody(t *testing.T) {
	body := LicenseBody(License{
		Email:          "buyer@example.com",
		LicenseKey:     "0123456789ABCDEF0123456789ABCDEF",
		DownloadURL:    "https://api.junior.app/download/tok",
		FormattedPrice: "$20.00",
	})

	for _, want := range []string{
		"License Key: 0123456789ABCDEF0123456789ABCDEF",
		"Amount Paid: $20.00",
		"https://api.junior.app/download/tok",
		"Plan: Beta",
		"3 downloads within 24 hours",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected body to contain %q", want)
		}
	}
}

func TestLicenseBody_ConfiguredPlan(t *testing.T) {
	tests := []struct {
		name  string
		plan  string
		limit int
		ttl   time.Duration
		want  []string
	}{
		{"days", "pro", 5, 48 * time.Hour, []string{"Plan: Pro", "5 downloads within 2 days"}},
		{"single hour", "beta", 1, time.Hour, []string{"Plan: Beta", "1 download within 1 hour"}},
		{"odd duration", "team", 10, 90 * time.Minute, []string{"Plan: Team", "10 downloads within 1h30m0s"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := LicenseBody(License{LicenseKey: "KEY", Plan: tt.plan, DownloadLimit: tt.limit, DownloadTTL: tt.ttl})
			for _, want := range tt.want {
				if !strings.Contains(body, want) {
					t.Errorf("Expected body to contain %q, got:\n%s", want, body)
				}
			}
			if strings.Contains(body, "Plan: Beta") && tt.plan != "beta" {
				t.Error("Body must not fall back to the beta plan when one is configured")
			}
		})
	}
}

func TestSendLicense(t *testing.T) {
	var captured capturedMail
	m := newTestMailer(&captured, nil)

	err := SendLicense(context.Background(), m, License{Email: "buyer@example.com", LicenseKey: "KEY", FormattedPrice: "$20.00"})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !strings.Contains(captured.msg, "Subject: "+LicenseSubject) {
		t.Errorf("Expected license subject, got %q", captured.msg)
	}
}

// smtpServer answers just enough SMTP for one message and hands back the DATA
// section once the client quits.
func smtpServer(t *testing.T) (port string, got <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	ch := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		r := bufio.NewReader(conn)
		reply := func(line string) { fmt.Fprintf(conn, "%s\r\n", line) }
		reply("220 localhost ESMTP")

		var data strings.Builder
		inData := false
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			if inData {
				if line == ".\r\n" {
					inData = false
					reply("250 queued")
					continue
				}
				data.WriteString(line)
				continue
			}
			switch cmd := strings.ToUpper(line); {
			case strings.HasPrefix(cmd, "EHLO"):
				reply("250 localhost")
			case strings.HasPrefix(cmd, "DATA"):
				inData = true
				reply("354 end with .")
			case strings.HasPrefix(cmd, "QUIT"):
				reply("221 bye")
				ch <- data.String()
				return
			default:
				reply("250 OK")
			}
		}
	}()

	_, port, _ = net.SplitHostPort(ln.Addr().String())
	return port, ch
}

func TestSendMail_DeliversOverSMTP(t *testing.T) {
	port, got := smtpServer(t)

	m := newTestMailer(&capturedMail{}, nil)
	m.host = "127.0.0.1"
	m.port = port
	m.send = sendMail

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.Send(ctx, "buyer@example.com", "Welcome", "Hello there"); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	select {
	case data := <-got:
		for _, want := range []string{"To: buyer@example.com\r\n", "Subject: Welcome\r\n", "Hello there"} {
			if !strings.Contains(data, want) {
				t.Errorf("Expected message to contain %q, got %q", want, data)
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Server never received the message")
	}
}

func TestSendMail_SilentServerHonorsDeadline(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer ln.Close()

	// Accept and hold the connection without ever sending a greeting.
	held := make(chan net.Conn, 1)
	go func() {
		if conn, err := ln.Accept(); err == nil {
			held <- conn
		}
	}()
	defer func() {
		select {
		case conn := <-held:
			conn.Close()
		default:
		}
	}()

	m := newTestMailer(&capturedMail{}, nil)
	_, m.port, _ = net.SplitHostPort(ln.Addr().String())
	m.host = "127.0.0.1"
	m.send = sendMail

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = m.Send(ctx, "buyer@example.com", "s", "b")
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("Expected error from a server that never greets")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected context.DeadlineExceeded, got %v", err)
	}
	if elapsed > 2*time.Second {
		t.Errorf("Send blocked for %v past a 200ms deadline", elapsed)
	}
}
