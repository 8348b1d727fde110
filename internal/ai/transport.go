package ai

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"time"
)

// Transport delivers a built Request to its provider.
type Transport interface {
	// Open sends req and returns the response body once a 2xx status arrived.
	// Failures before that are *TransportError (or context.Canceled).
	Open(ctx context.Context, req *Request) (io.ReadCloser, error)
	// Probe checks that the provider endpoint is reachable and accepts the
	// request's credentials without generating anything.
	Probe(ctx context.Context, req *Request) error
}

// HTTPTransport is the default Transport. Streaming responses are never subject
// to a whole-request timeout; callers bound them through the context.
type HTTPTransport struct {
	client *http.Client
}

func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = NewHTTPClient()
	}
	return &HTTPTransport{client: client}
}

// NewHTTPClient returns a client that refuses TLS below 1.2.
func NewHTTPClient() *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 60 * time.Second,
			MaxIdleConnsPerHost:   8,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

func (t *HTTPTransport) Open(ctx context.Context, req *Request) (io.ReadCloser, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, &ConfigurationError{Provider: req.Provider, Field: "api_url", Reason: err.Error()}
	}
	httpReq.Header = req.Header.Clone()

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, ClassifyNetError(req.Provider, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, ClassifyStatus(req.Provider, resp.StatusCode, b)
	}
	return &disconnectReader{rc: resp.Body, ctx: ctx, provider: req.Provider}, nil
}

// Probe sends a HEAD request with req's headers. Endpoints that only accept POST
// answer 405, which still proves they are reachable and routed.
func (t *HTTPTransport) Probe(ctx context.Context, req *Request) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodHead, req.URL, nil)
	if err != nil {
		return &ConfigurationError{Provider: req.Provider, Field: "api_url", Reason: err.Error()}
	}
	httpReq.Header = req.Header.Clone()

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return ClassifyNetError(req.Provider, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusNotFound,
		resp.StatusCode >= 500:
		return ClassifyStatus(req.Provider, resp.StatusCode, nil)
	}
	return nil
}

// disconnectReader turns body read failures into KindDisconnect errors unless
// the caller cancelled.
type disconnectReader struct {
	rc       io.ReadCloser
	ctx      context.Context
	provider string
}

func (r *disconnectReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	if err == nil || errors.Is(err, io.EOF) {
		return n, err
	}
	if errors.Is(r.ctx.Err(), context.Canceled) {
		return n, context.Canceled
	}
	te := ClassifyNetError(r.provider, err)
	if t, ok := AsTransportError(te); ok && t.Kind == KindConnection {
		t.Kind = KindDisconnect
	}
	return n, te
}

func (r *disconnectReader) Close() error { return r.rc.Close() }
