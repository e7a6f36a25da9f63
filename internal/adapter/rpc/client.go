package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/odoo-sync-bridge/internal/domain"
)

// CredentialsProvider loads the decrypted connection record for a tenant.
// Called lazily on first use and again after a transport reset so credential
// rotation propagates without restarting the process.
type CredentialsProvider func(ctx context.Context) (domain.Credential, error)

// Client is the lazy-connecting facade over a Transport. The first call
// loads credentials and authenticates; subsequent calls reuse the session.
// If a call surfaces a session error and the method is idempotent, the
// client resets its transport, re-authenticates once and retries exactly
// once. Create is never retried automatically because a duplicate resource
// cannot be distinguished from a lost response.
type Client struct {
	creds CredentialsProvider

	mu        sync.Mutex
	transport Transport
	cred      domain.Credential
}

// NewClient constructs an unconnected client.
func NewClient(creds CredentialsProvider) *Client {
	return &Client{creds: creds}
}

// Factory hands modules a way to obtain clients without owning one, so
// connection resets and credential rotation propagate.
type Factory func(tenant string) *Client

func (c *Client) connect(ctx context.Context) (Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport != nil {
		return c.transport, nil
	}
	cred, err := c.creds(ctx)
	if err != nil {
		return nil, newError(KindConfigMissing, 0, "load credentials", err)
	}
	if cred.URL == "" || cred.Database == "" || cred.Username == "" || cred.APIKey == "" {
		return nil, newError(KindConfigMissing, 0, "connection record incomplete", nil)
	}
	t, err := NewTransport(string(cred.Protocol), TransportConfig{
		BaseURL:   cred.URL,
		Database:  cred.Database,
		APIKey:    cred.APIKey,
		Timeout:   time.Duration(cred.TimeoutSeconds) * time.Second,
		VerifyTLS: true,
	})
	if err != nil {
		return nil, err
	}
	if _, err := t.Authenticate(ctx, cred.Username); err != nil {
		t.Close()
		return nil, err
	}
	c.transport = t
	c.cred = cred
	return t, nil
}

// Reset drops the cached transport so the next call reconnects. Invoked on
// credential change and by the session-recovery path.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport != nil {
		c.transport.Close()
		c.transport = nil
	}
}

// execute runs one RPC with the session-recovery policy applied.
func (c *Client) execute(ctx context.Context, model, method string, args []any, kwargs map[string]any) (any, error) {
	tracer := otel.Tracer("rpc.client")
	ctx, span := tracer.Start(ctx, "rpc."+method)
	defer span.End()

	t, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	res, err := t.Execute(ctx, model, method, args, kwargs)
	if err == nil {
		return res, nil
	}
	if method != "create" && IsSessionError(err) {
		slog.Warn("rpc session expired, re-authenticating",
			slog.String("model", model), slog.String("method", method))
		c.Reset()
		t, cerr := c.connect(ctx)
		if cerr != nil {
			return nil, cerr
		}
		return t.Execute(ctx, model, method, args, kwargs)
	}
	return nil, err
}

// TestConnection drops any cached session and re-authenticates, returning
// the remote user id. Used by the admin connection-test endpoint.
func (c *Client) TestConnection(ctx context.Context) (int64, error) {
	c.Reset()
	t, err := c.connect(ctx)
	if err != nil {
		return 0, err
	}
	uid, ok := t.CurrentUserID()
	if !ok {
		return 0, newError(KindNotAuthenticated, 0, "no authenticated session", nil)
	}
	return uid, nil
}

// Execute invokes an arbitrary model method.
func (c *Client) Execute(ctx context.Context, model, method string, args []any, kwargs map[string]any) (any, error) {
	return c.execute(ctx, model, method, args, kwargs)
}

// Search returns matching record ids.
func (c *Client) Search(ctx context.Context, model string, dom Domain, offset, limit int, order string) ([]int64, error) {
	kw := map[string]any{}
	if offset > 0 {
		kw["offset"] = offset
	}
	if limit > 0 {
		kw["limit"] = limit
	}
	if order != "" {
		kw["order"] = order
	}
	res, err := c.execute(ctx, model, "search", []any{dom.Encode()}, kw)
	if err != nil {
		return nil, err
	}
	return toIDList(res)
}

// SearchRead combines search and read in one round trip.
func (c *Client) SearchRead(ctx context.Context, model string, dom Domain, fields []string, offset, limit int, order string) ([]map[string]any, error) {
	kw := map[string]any{}
	if len(fields) > 0 {
		kw["fields"] = fields
	}
	if offset > 0 {
		kw["offset"] = offset
	}
	if limit > 0 {
		kw["limit"] = limit
	}
	if order != "" {
		kw["order"] = order
	}
	res, err := c.execute(ctx, model, "search_read", []any{dom.Encode()}, kw)
	if err != nil {
		return nil, err
	}
	return toRecordList(res)
}

// Read loads the given fields of the listed records.
func (c *Client) Read(ctx context.Context, model string, ids []int64, fields []string, rctx map[string]any) ([]map[string]any, error) {
	kw := map[string]any{}
	if len(fields) > 0 {
		kw["fields"] = fields
	}
	if len(rctx) > 0 {
		kw["context"] = rctx
	}
	res, err := c.execute(ctx, model, "read", []any{ids}, kw)
	if err != nil {
		return nil, err
	}
	return toRecordList(res)
}

// Create inserts one record and returns its id. Never retried on session
// errors.
func (c *Client) Create(ctx context.Context, model string, values map[string]any, rctx map[string]any) (int64, error) {
	kw := map[string]any{}
	if len(rctx) > 0 {
		kw["context"] = rctx
	}
	res, err := c.execute(ctx, model, "create", []any{values}, kw)
	if err != nil {
		return 0, err
	}
	id, ok := asInt64(res)
	if !ok {
		return 0, newError(KindParse, 0, fmt.Sprintf("create returned %T", res), nil)
	}
	return id, nil
}

// CreateBatch inserts several records in one call.
func (c *Client) CreateBatch(ctx context.Context, model string, values []map[string]any) ([]int64, error) {
	vals := make([]any, len(values))
	for i, v := range values {
		vals[i] = v
	}
	res, err := c.execute(ctx, model, "create", []any{vals}, nil)
	if err != nil {
		return nil, err
	}
	return toIDList(res)
}

// Write updates the listed records.
func (c *Client) Write(ctx context.Context, model string, ids []int64, values map[string]any, rctx map[string]any) (bool, error) {
	kw := map[string]any{}
	if len(rctx) > 0 {
		kw["context"] = rctx
	}
	res, err := c.execute(ctx, model, "write", []any{ids, values}, kw)
	if err != nil {
		return false, err
	}
	b, _ := res.(bool)
	return b, nil
}

// Unlink deletes the listed records.
func (c *Client) Unlink(ctx context.Context, model string, ids []int64) (bool, error) {
	res, err := c.execute(ctx, model, "unlink", []any{ids}, nil)
	if err != nil {
		return false, err
	}
	b, _ := res.(bool)
	return b, nil
}

// SearchCount returns the number of matching records.
func (c *Client) SearchCount(ctx context.Context, model string, dom Domain) (int, error) {
	res, err := c.execute(ctx, model, "search_count", []any{dom.Encode()}, nil)
	if err != nil {
		return 0, err
	}
	n, ok := asInt64(res)
	if !ok {
		return 0, newError(KindParse, 0, "search_count result", nil)
	}
	return int(n), nil
}

// FieldsGet returns field definitions for a model.
func (c *Client) FieldsGet(ctx context.Context, model string, attributes []string) (map[string]map[string]any, error) {
	kw := map[string]any{}
	if len(attributes) > 0 {
		kw["attributes"] = attributes
	}
	res, err := c.execute(ctx, model, "fields_get", []any{}, kw)
	if err != nil {
		return nil, err
	}
	m, ok := res.(map[string]any)
	if !ok {
		return nil, newError(KindParse, 0, "fields_get result", nil)
	}
	out := make(map[string]map[string]any, len(m))
	for k, v := range m {
		if def, ok := v.(map[string]any); ok {
			out[k] = def
		}
	}
	return out, nil
}

func toIDList(res any) ([]int64, error) {
	list, ok := res.([]any)
	if !ok {
		// A single-record create may return a bare id.
		if id, ok := asInt64(res); ok {
			return []int64{id}, nil
		}
		return nil, newError(KindParse, 0, fmt.Sprintf("expected id list, got %T", res), nil)
	}
	out := make([]int64, 0, len(list))
	for _, e := range list {
		id, ok := asInt64(e)
		if !ok {
			return nil, newError(KindParse, 0, "non-integer id in list", nil)
		}
		out = append(out, id)
	}
	return out, nil
}

func toRecordList(res any) ([]map[string]any, error) {
	list, ok := res.([]any)
	if !ok {
		return nil, newError(KindParse, 0, fmt.Sprintf("expected record list, got %T", res), nil)
	}
	out := make([]map[string]any, 0, len(list))
	for _, e := range list {
		rec, ok := e.(map[string]any)
		if !ok {
			return nil, newError(KindParse, 0, "non-object record in list", nil)
		}
		out = append(out, rec)
	}
	return out, nil
}
