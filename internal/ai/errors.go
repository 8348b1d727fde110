package ai

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"unicode/utf8"
)

var ErrConfiguration = errors.New("configuration error")

// ConfigurationError is detected before any network call and is never retried.
type ConfigurationError struct {
	Provider string
	Field    string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	var b strings.Builder
	b.WriteString("configuration error")
	if e.Provider != "" {
		b.WriteString(" (")
		b.WriteString(e.Provider)
		b.WriteString(")")
	}
	if e.Field != "" {
		b.WriteString(": ")
		b.WriteString(e.Field)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	return b.String()
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// TransportKind classifies a transport-level failure.
type TransportKind string

const (
	KindAuth       TransportKind = "authentication"
	KindNotFound   TransportKind = "endpoint_not_found"
	KindRateLimit  TransportKind = "rate_limited"
	KindServer     TransportKind = "server_error"
	KindHTTP       TransportKind = "http_error"
	KindConnection TransportKind = "connection"
	KindTimeout    TransportKind = "timeout"
	KindTLS        TransportKind = "tls"
	KindDisconnect TransportKind = "disconnected"
	KindProvider   TransportKind = "provider_error"
)

// TransportError is a terminal failure of one request. It is never retried here;
// retry policy belongs to the caller.
type TransportError struct {
	Provider string
	Kind     TransportKind
	Status   int
	Message  string
	Err      error
}

func (e *TransportError) Error() string {
	var detail string
	switch e.Kind {
	case KindAuth:
		if e.Status == http.StatusForbidden {
			detail = fmt.Sprintf("access denied (HTTP %d): check the API key permissions", e.Status)
		} else {
			detail = fmt.Sprintf("authentication failed (HTTP %d): check the API key", e.Status)
		}
	case KindNotFound:
		detail = fmt.Sprintf("endpoint not found (HTTP %d): check the API URL", e.Status)
	case KindRateLimit:
		detail = fmt.Sprintf("rate limited (HTTP %d): slow down and try again", e.Status)
	case KindServer:
		detail = fmt.Sprintf("server error (HTTP %d): try again later", e.Status)
	case KindHTTP:
		detail = fmt.Sprintf("HTTP error %d", e.Status)
	case KindConnection:
		detail = "cannot connect to server: check the API URL and network connection"
	case KindTimeout:
		detail = "request timed out"
	case KindTLS:
		detail = "TLS handshake failed"
	case KindDisconnect:
		detail = "connection lost while streaming"
	case KindProvider:
		detail = "provider reported an error"
	default:
		detail = "network error"
	}

	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(e.Provider)
		b.WriteString(": ")
	}
	b.WriteString(detail)
	if msg := strings.TrimSpace(e.Message); msg != "" {
		b.WriteString(" - ")
		b.WriteString(msg)
	} else if e.Err != nil {
		b.WriteString(" - ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError is a malformed stream line that cannot be explained by a read
// boundary. It never terminates the stream.
type DecodeError struct {
	Line string
	Err  error
}

func (e *DecodeError) Error() string {
	line := e.Line
	if len(line) > 120 {
		line = line[:120] + "..."
	}
	return fmt.Sprintf("decode stream line %q: %v", line, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// AsTransportError reports whether err carries a *TransportError.
func AsTransportError(err error) (*TransportError, bool) {
	var te *TransportError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// ClassifyStatus builds the TransportError for a non-2xx response.
func ClassifyStatus(provider string, status int, body []byte) *TransportError {
	var kind TransportKind
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindAuth
	case status == http.StatusNotFound:
		kind = KindNotFound
	case status == http.StatusTooManyRequests:
		kind = KindRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		kind = KindTimeout
	case status >= 500:
		kind = KindServer
	default:
		kind = KindHTTP
	}
	return &TransportError{
		Provider: provider,
		Kind:     kind,
		Status:   status,
		Message:  errorMessage(body),
	}
}

// ClassifyNetError builds the TransportError for a failure below HTTP.
// Context cancellation is returned unchanged: a cancelled request is not a failure.
func ClassifyNetError(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if _, ok := AsTransportError(err); ok {
		return err
	}

	kind := KindConnection
	var (
		netErr      net.Error
		recordErr   tls.RecordHeaderError
		certErr     *tls.CertificateVerificationError
		unknownAuth x509.UnknownAuthorityError
		hostErr     x509.HostnameError
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.As(err, &certErr), errors.As(err, &recordErr), errors.As(err, &unknownAuth), errors.As(err, &hostErr):
		kind = KindTLS
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = KindTimeout
	}
	return &TransportError{Provider: provider, Kind: kind, Err: err}
}

type errorEnvelope struct {
	Error   json.RawMessage `json:"error"`
	Message string          `json:"message"`
}

// errorMessage extracts a readable message from a provider error body:
// {"error":{"message":...}}, {"error":"..."} or the raw text.
func errorMessage(body []byte) string {
	raw := strings.TrimSpace(string(body))
	if raw == "" {
		return ""
	}
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil {
		if hasError(env.Error) {
			return inlineErrorMessage(env.Error)
		}
		if env.Message != "" {
			return env.Message
		}
	}
	return truncateUTF8(raw, maxErrorMessage)
}

const maxErrorMessage = 512

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func hasError(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

// inlineErrorMessage reads the value of an "error" field, which providers send
// either as {"message": ...} or as a bare string.
func inlineErrorMessage(raw json.RawMessage) string {
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &obj) == nil && obj.Message != "" {
		return obj.Message
	}
	var s string
	if json.Unmarshal(raw, &s) == nil && s != "" {
		return s
	}
	return string(raw)
}
