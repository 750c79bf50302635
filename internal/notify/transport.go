package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Request is an outbound HTTP call built by a channel
type Request struct {
	Method   string
	URL      string
	Header   map[string]string
	Body     []byte
	Username string
	Password string
}

// Transport performs outbound HTTP calls for the HTTP-based channels
type Transport interface {
	Do(ctx context.Context, req *Request) (int, []byte, error)
}

// Mailer delivers email for the email channel
type Mailer interface {
	SendMail(ctx context.Context, to []string, subject, body string) error
}

// HTTPTransport implements Transport with net/http
type HTTPTransport struct {
	logger     *zap.Logger
	httpClient *http.Client
}

// NewHTTPTransport creates a new HTTP transport
func NewHTTPTransport(logger *zap.Logger, timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		logger: logger.Named("http-transport"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Do performs the request. Responses with status >= 400 are errors.
func (t *HTTPTransport) Do(ctx context.Context, r *Request) (int, []byte, error) {
	method := r.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, r.URL, bytes.NewReader(r.Body))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: failed to create request: %v", ErrTransport, err)
	}
	for key, value := range r.Header {
		req.Header.Set(key, value)
	}
	if r.Username != "" {
		req.SetBasicAuth(r.Username, r.Password)
	}

	t.logger.Debug("Executing HTTP request",
		zap.String("method", method),
		zap.String("host", req.URL.Host))

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: request failed: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("%w: failed to read response: %v", ErrTransport, err)
	}
	if resp.StatusCode >= 400 {
		return resp.StatusCode, body, fmt.Errorf("%w: HTTP request failed with status: %d", ErrTransport, resp.StatusCode)
	}
	return resp.StatusCode, body, nil
}

// SMTPConfig holds SMTP server settings
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPMailer implements Mailer with net/smtp
type SMTPMailer struct {
	config SMTPConfig
}

// NewSMTPMailer creates a new SMTP mailer
func NewSMTPMailer(config SMTPConfig) *SMTPMailer {
	return &SMTPMailer{config: config}
}

// SendMail sends a plain text email. net/smtp has no context support, so the
// call runs in a goroutine and is abandoned when ctx expires.
func (m *SMTPMailer) SendMail(ctx context.Context, to []string, subject, body string) error {
	if m.config.Host == "" {
		return fmt.Errorf("%w: smtp host not configured", ErrTransport)
	}

	var auth smtp.Auth
	if m.config.Username != "" {
		auth = smtp.PlainAuth("", m.config.Username, m.config.Password, m.config.Host)
	}

	msg := buildMail(m.config.From, to, subject, body)

	addr := fmt.Sprintf("%s:%d", m.config.Host, m.config.Port)
	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(addr, auth, m.config.From, to, msg)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrTransport, ctx.Err())
	}
}

var headerBreaks = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

// buildMail renders a plain text message. Line breaks in header values are
// folded into spaces so they cannot start new headers.
func buildMail(from string, to []string, subject, body string) []byte {
	return []byte(fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"Content-Type: text/plain; charset=UTF-8\r\n"+
		"\r\n"+
		"%s\r\n",
		headerBreaks.Replace(from),
		headerBreaks.Replace(strings.Join(to, ", ")),
		headerBreaks.Replace(subject),
		body))
}
