package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/odoo-sync-bridge/internal/adapter/observability"
)

// jsonrpcTransport speaks the ERP's JSON-RPC 2.0 surface. Authentication and
// CRUD both go through the single /jsonrpc endpoint: authentication via the
// "common" service, everything else via execute_kw on the "object" service.
type jsonrpcTransport struct {
	cfg    TransportConfig
	poster *httpPoster
	login  string
	nextID atomic.Int64
	uid    atomic.Int64
}

func newJSONRPCTransport(cfg TransportConfig) *jsonrpcTransport {
	return &jsonrpcTransport{cfg: cfg, poster: newHTTPPoster(cfg)}
}

type jsonrpcRequest struct {
	Jsonrpc string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params"`
	ID      int64          `json:"id"`
}

type jsonrpcResponse struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *jsonrpcFault   `json:"error"`
}

type jsonrpcFault struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data"`
}

// faultMessage flattens the most specific remote message available.
func (f *jsonrpcFault) faultMessage() string {
	if f.Data != nil {
		if m, ok := f.Data["message"].(string); ok && m != "" {
			return m
		}
	}
	return f.Message
}

func (t *jsonrpcTransport) call(ctx context.Context, service, method string, args []any) (json.RawMessage, error) {
	req := jsonrpcRequest{
		Jsonrpc: "2.0",
		Method:  "call",
		Params: map[string]any{
			"service": service,
			"method":  method,
			"args":    args,
		},
		ID: t.nextID.Add(1),
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, newError(KindParse, 0, "encode request", err)
	}
	url := strings.TrimRight(t.cfg.BaseURL, "/") + "/jsonrpc"
	raw, err := t.poster.post(ctx, url, "application/json", body)
	if err != nil {
		return nil, err
	}
	var resp jsonrpcResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, newError(KindParse, 0, "non-JSON body on 2xx", err)
	}
	if resp.Error != nil {
		msg := resp.Error.faultMessage()
		if sessionTokenRe.MatchString(msg) && !strings.Contains(strings.ToLower(msg), "access denied") {
			return nil, newError(KindSession, 0, msg, nil)
		}
		return nil, newError(KindProtocol, 0, msg, nil)
	}
	return resp.Result, nil
}

// Authenticate resolves and caches the remote user id for the configured key.
func (t *jsonrpcTransport) Authenticate(ctx context.Context, username string) (int64, error) {
	if t.cfg.Database == "" || t.cfg.APIKey == "" {
		return 0, newError(KindConfigMissing, 0, "database or api key missing", nil)
	}
	res, err := t.call(ctx, "common", "authenticate", []any{t.cfg.Database, username, t.cfg.APIKey, map[string]any{}})
	if err != nil {
		return 0, err
	}
	var uid int64
	if err := json.Unmarshal(res, &uid); err != nil || uid <= 0 {
		// The remote returns false for bad credentials.
		return 0, newError(KindProtocol, 0, "authentication rejected", nil)
	}
	t.login = username
	t.uid.Store(uid)
	return uid, nil
}

// Execute invokes execute_kw on the object service. Keyword args are always
// encoded as an object, never an array, even when empty.
func (t *jsonrpcTransport) Execute(ctx context.Context, model, method string, args []any, kwargs map[string]any) (any, error) {
	uid := t.uid.Load()
	if uid == 0 {
		return nil, newError(KindNotAuthenticated, 0, "execute before authenticate", nil)
	}
	start := time.Now()
	defer func() { observability.ObserveRPC("json-rpc", method, time.Since(start)) }()
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	res, err := t.call(ctx, "object", "execute_kw",
		[]any{t.cfg.Database, uid, t.cfg.APIKey, model, method, args, kwargs})
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(strings.NewReader(string(res)))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, newError(KindParse, 0, fmt.Sprintf("decode result for %s.%s", model, method), err)
	}
	return out, nil
}

func (t *jsonrpcTransport) CurrentUserID() (int64, bool) {
	uid := t.uid.Load()
	return uid, uid != 0
}

func (t *jsonrpcTransport) Close() { t.poster.close() }
