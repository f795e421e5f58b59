package email

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/smtp"
	"strconv"

	"github.com/dsentr/dsentr/internal/integrations"
	"github.com/dsentr/dsentr/internal/template"
)

type tlsMode int

const (
	tlsStartTLS tlsMode = iota
	tlsImplicit
)

func (m tlsMode) String() string {
	if m == tlsImplicit {
		return "implicit_tls"
	}
	return "starttls"
}

func parseTLSMode(value string, port int) (tlsMode, error) {
	switch value {
	case "starttls":
		return tlsStartTLS, nil
	case "implicit_tls", "implicit", "wrapper":
		return tlsImplicit, nil
	case "none", "plaintext":
		return 0, fmt.Errorf("SMTP TLS must remain enabled; insecure SMTP transports are not supported")
	case "":
		if port == 465 {
			return tlsImplicit, nil
		}
		return tlsStartTLS, nil
	default:
		return 0, fmt.Errorf("unsupported SMTP TLS mode: %s", value)
	}
}

func sendSMTP(ctx context.Context, rawParams json.RawMessage, tmplCtx template.Context) (json.RawMessage, *string, error) {
	params, err := unmarshalParams(rawParams)
	if err != nil {
		return nil, nil, integrations.ValidationErr("%v", err)
	}

	host := stringField(params, "smtpHost")
	if host == "" {
		return nil, nil, integrations.ValidationErr("SMTP host is required")
	}

	port, err := smtpPort(params)
	if err != nil {
		return nil, nil, integrations.ValidationErr("%v", err)
	}

	username := stringField(params, "smtpUser")
	if username == "" {
		return nil, nil, integrations.ValidationErr("SMTP user is required")
	}
	password := stringField(params, "smtpPassword")
	if password == "" {
		return nil, nil, integrations.ValidationErr("SMTP password is required")
	}

	from := stringField(params, "from")
	if from == "" || !isValidEmailAddress(from) {
		return nil, nil, integrations.ValidationErr("invalid from email address")
	}

	toRaw := stringField(params, "to")
	recipients, err := parseRecipientList(toRaw)
	if err != nil {
		return nil, nil, integrations.ValidationErr("%v", err)
	}

	subject := renderedOrEmpty(params, "subject", tmplCtx)
	body := renderedOrEmpty(params, "body", tmplCtx)
	if subject == "" {
		return nil, nil, integrations.ValidationErr("subject is required")
	}
	if body == "" {
		return nil, nil, integrations.ValidationErr("message body is required")
	}

	mode, err := resolveTLSMode(params, port)
	if err != nil {
		return nil, nil, integrations.ValidationErr("%v", err)
	}

	if err := dialAndSend(ctx, host, port, username, password, mode, from, recipients, subject, body); err != nil {
		return nil, nil, integrations.TransportErr("sending SMTP email (host: %s:%d, tls: %s): %v", host, port, mode, err)
	}

	out, _ := json.Marshal(struct {
		Sent          bool   `json:"sent"`
		Service       string `json:"service"`
		RecipientCount int   `json:"recipient_count"`
	}{true, "SMTP", len(recipients)})
	return out, nil, nil
}

func smtpPort(params map[string]json.RawMessage) (int, error) {
	raw, ok := params["smtpPort"]
	if !ok {
		return 0, fmt.Errorf("valid SMTP port is required")
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("valid SMTP port is required")
		}
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		parsed, err := strconv.Atoi(s)
		if err != nil || parsed <= 0 {
			return 0, fmt.Errorf("valid SMTP port is required")
		}
		return parsed, nil
	}
	return 0, fmt.Errorf("valid SMTP port is required")
}

func resolveTLSMode(params map[string]json.RawMessage, port int) (tlsMode, error) {
	if explicit := stringField(params, "smtpTlsMode"); explicit != "" {
		return parseTLSMode(explicit, port)
	}
	enabled := true
	if raw, ok := params["smtpTls"]; ok {
		_ = json.Unmarshal(raw, &enabled)
	}
	if !enabled {
		return 0, fmt.Errorf("SMTP TLS must remain enabled; disable the smtpTls flag or provide a secure smtpTlsMode")
	}
	return parseTLSMode("", port)
}

func dialAndSend(ctx context.Context, host string, port int, username, password string, mode tlsMode, from string, recipients []string, subject, body string) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	msg := buildMessage(from, recipients, subject, body)

	var dialer net.Dialer
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", addr, err)
	}

	var conn net.Conn = rawConn
	if mode == tlsImplicit {
		conn = tls.Client(rawConn, &tls.Config{ServerName: host})
	}

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		return fmt.Errorf("establishing SMTP session: %w", err)
	}
	defer client.Close()

	if mode == tlsStartTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: host}); err != nil {
				return fmt.Errorf("STARTTLS negotiation: %w", err)
			}
		} else {
			return fmt.Errorf("server does not support STARTTLS")
		}
	}

	auth := smtp.PlainAuth("", username, password, host)
	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("authenticating: %w", err)
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("writing message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing message body: %w", err)
	}

	return client.Quit()
}

func buildMessage(from string, recipients []string, subject, body string) []byte {
	var b []byte
	b = append(b, fmt.Sprintf("From: %s\r\n", from)...)
	b = append(b, fmt.Sprintf("To: %s\r\n", joinComma(recipients))...)
	b = append(b, fmt.Sprintf("Subject: %s\r\n", subject)...)
	b = append(b, "MIME-Version: 1.0\r\n"...)
	b = append(b, "Content-Type: text/plain; charset=\"utf-8\"\r\n"...)
	b = append(b, "\r\n"...)
	b = append(b, body...)
	return b
}

func joinComma(values []string) string {
	out := ""
	for i, v := range values {
		if i > 0 {
			out += ", "
		}
		out += v
	}
	return out
}
