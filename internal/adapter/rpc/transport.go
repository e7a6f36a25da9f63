package rpc

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Transport is the protocol-specific capability set shared by the JSON-RPC
// and XML-RPC variants. Authenticate must be called before Execute.
// Transports classify failures but never sleep or retry; retry policy lives
// in the engine (and the single session-recovery case in the client).
type Transport interface {
	Authenticate(ctx context.Context, username string) (int64, error)
	Execute(ctx context.Context, model, method string, args []any, kwargs map[string]any) (any, error)
	CurrentUserID() (int64, bool)
	Close()
}

// TransportConfig carries the HTTP-level contract both variants share.
type TransportConfig struct {
	BaseURL       string
	Database      string
	APIKey        string
	Timeout       time.Duration
	VerifyTLS     bool
	MaxBodyBytes  int64
}

const defaultMaxBodyBytes = 8 << 20 // 8 MiB

func (c TransportConfig) maxBody() int64 {
	if c.MaxBodyBytes > 0 {
		return c.MaxBodyBytes
	}
	return defaultMaxBodyBytes
}

// httpPoster is the shared HTTP layer: POST with keep-alive, configurable
// timeout, optional TLS verification and a capped response body.
type httpPoster struct {
	hc  *http.Client
	cap int64
}

func newHTTPPoster(cfg TransportConfig) *httpPoster {
	tr := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	if !cfg.VerifyTLS {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // Admin-toggled for self-signed ERP deployments.
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &httpPoster{
		hc:  &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(tr)},
		cap: cfg.maxBody(),
	}
}

// post sends body to url and returns the capped response body. Transport
// failures (DNS, TCP, TLS, read) fail fast as KindTransport; 429 and 5xx map
// to KindServer; 403 maps to KindSession. Any other non-2xx is KindServer as
// well since the remote speaks POST-only RPC.
func (p *httpPoster) post(ctx context.Context, url, contentType string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, newError(KindTransport, 0, "build request", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Connection", "keep-alive")

	resp, err := p.hc.Do(req)
	if err != nil {
		return nil, newError(KindTransport, 0, fmt.Sprintf("op=rpc.post: %v", err), err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, p.cap))
	if err != nil {
		return nil, newError(KindTransport, resp.StatusCode, "read body", err)
	}

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return nil, newError(KindSession, resp.StatusCode, "http 403 forbidden", nil)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, newError(KindServer, resp.StatusCode, fmt.Sprintf("server returned %d", resp.StatusCode), nil)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, newError(KindServer, resp.StatusCode, fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}
	return data, nil
}

func (p *httpPoster) close() {
	p.hc.CloseIdleConnections()
}

// NewTransport constructs the transport variant for the given protocol.
func NewTransport(protocol string, cfg TransportConfig) (Transport, error) {
	switch protocol {
	case "json-rpc":
		return newJSONRPCTransport(cfg), nil
	case "xml-rpc":
		return newXMLRPCTransport(cfg), nil
	default:
		return nil, newError(KindConfigMissing, 0, "unknown protocol "+protocol, nil)
	}
}
