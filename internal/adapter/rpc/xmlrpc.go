package rpc

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/odoo-sync-bridge/internal/adapter/observability"
)

// xmlrpcTransport speaks the legacy XML-RPC surface: authenticate on the
// common endpoint, execute_kw on the object endpoint.
type xmlrpcTransport struct {
	cfg    TransportConfig
	poster *httpPoster
	uid    atomic.Int64
}

func newXMLRPCTransport(cfg TransportConfig) *xmlrpcTransport {
	return &xmlrpcTransport{cfg: cfg, poster: newHTTPPoster(cfg)}
}

func (t *xmlrpcTransport) endpoint(name string) string {
	return strings.TrimRight(t.cfg.BaseURL, "/") + "/xmlrpc/2/" + name
}

func (t *xmlrpcTransport) Authenticate(ctx context.Context, username string) (int64, error) {
	if t.cfg.Database == "" || t.cfg.APIKey == "" {
		return 0, newError(KindConfigMissing, 0, "database or api key missing", nil)
	}
	res, err := t.call(ctx, t.endpoint("common"), "authenticate",
		[]any{t.cfg.Database, username, t.cfg.APIKey, map[string]any{}})
	if err != nil {
		return 0, err
	}
	uid, ok := asInt64(res)
	if !ok || uid <= 0 {
		return 0, newError(KindProtocol, 0, "authentication rejected", nil)
	}
	t.uid.Store(uid)
	return uid, nil
}

func (t *xmlrpcTransport) Execute(ctx context.Context, model, method string, args []any, kwargs map[string]any) (any, error) {
	uid := t.uid.Load()
	if uid == 0 {
		return nil, newError(KindNotAuthenticated, 0, "execute before authenticate", nil)
	}
	start := time.Now()
	defer func() { observability.ObserveRPC("xml-rpc", method, time.Since(start)) }()
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return t.call(ctx, t.endpoint("object"), "execute_kw",
		[]any{t.cfg.Database, uid, t.cfg.APIKey, model, method, args, kwargs})
}

func (t *xmlrpcTransport) CurrentUserID() (int64, bool) {
	uid := t.uid.Load()
	return uid, uid != 0
}

func (t *xmlrpcTransport) Close() { t.poster.close() }

func (t *xmlrpcTransport) call(ctx context.Context, url, method string, params []any) (any, error) {
	body, err := marshalMethodCall(method, params)
	if err != nil {
		return nil, newError(KindParse, 0, "encode request", err)
	}
	raw, err := t.poster.post(ctx, url, "text/xml", body)
	if err != nil {
		return nil, err
	}
	out, fault, err := unmarshalMethodResponse(raw)
	if err != nil {
		return nil, newError(KindParse, 0, "decode response", err)
	}
	if fault != "" {
		if sessionTokenRe.MatchString(fault) && !strings.Contains(strings.ToLower(fault), "access denied") {
			return nil, newError(KindSession, 0, fault, nil)
		}
		return nil, newError(KindProtocol, 0, fault, nil)
	}
	return out, nil
}

// --- wire codec ---

func marshalMethodCall(method string, params []any) ([]byte, error) {
	var b strings.Builder
	b.WriteString(xml.Header)
	b.WriteString("<methodCall><methodName>")
	if err := xml.EscapeText(&b, []byte(method)); err != nil {
		return nil, err
	}
	b.WriteString("</methodName><params>")
	for _, p := range params {
		b.WriteString("<param>")
		if err := writeValue(&b, p); err != nil {
			return nil, err
		}
		b.WriteString("</param>")
	}
	b.WriteString("</params></methodCall>")
	return []byte(b.String()), nil
}

func writeValue(b *strings.Builder, v any) error {
	b.WriteString("<value>")
	defer b.WriteString("</value>")
	switch t := v.(type) {
	case nil:
		b.WriteString("<boolean>0</boolean>")
	case bool:
		if t {
			b.WriteString("<boolean>1</boolean>")
		} else {
			b.WriteString("<boolean>0</boolean>")
		}
	case int:
		fmt.Fprintf(b, "<int>%d</int>", t)
	case int64:
		fmt.Fprintf(b, "<int>%d</int>", t)
	case float64:
		fmt.Fprintf(b, "<double>%v</double>", t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			fmt.Fprintf(b, "<int>%d</int>", i)
		} else {
			f, _ := t.Float64()
			fmt.Fprintf(b, "<double>%v</double>", f)
		}
	case string:
		b.WriteString("<string>")
		if err := xml.EscapeText(b, []byte(t)); err != nil {
			return err
		}
		b.WriteString("</string>")
	case []any:
		b.WriteString("<array><data>")
		for _, e := range t {
			if err := writeValue(b, e); err != nil {
				return err
			}
		}
		b.WriteString("</data></array>")
	case map[string]any:
		b.WriteString("<struct>")
		for k, val := range t {
			b.WriteString("<member><name>")
			if err := xml.EscapeText(b, []byte(k)); err != nil {
				return err
			}
			b.WriteString("</name>")
			if err := writeValue(b, val); err != nil {
				return err
			}
			b.WriteString("</member>")
		}
		b.WriteString("</struct>")
	default:
		return fmt.Errorf("unsupported xml-rpc value %T", v)
	}
	return nil
}

type xValue struct {
	Int     *string  `xml:"int"`
	I4      *string  `xml:"i4"`
	Double  *string  `xml:"double"`
	Boolean *string  `xml:"boolean"`
	Str     *string  `xml:"string"`
	Array   *xArray  `xml:"array"`
	Struct  *xStruct `xml:"struct"`
	Raw     string   `xml:",chardata"`
}

type xArray struct {
	Values []xValue `xml:"data>value"`
}

type xStruct struct {
	Members []xMember `xml:"member"`
}

type xMember struct {
	Name  string `xml:"name"`
	Value xValue `xml:"value"`
}

type xMethodResponse struct {
	XMLName xml.Name `xml:"methodResponse"`
	Params  []xValue `xml:"params>param>value"`
	Fault   *xValue  `xml:"fault>value"`
}

func unmarshalMethodResponse(raw []byte) (any, string, error) {
	var resp xMethodResponse
	if err := xml.Unmarshal(raw, &resp); err != nil {
		return nil, "", err
	}
	if resp.Fault != nil {
		fv := decodeValue(*resp.Fault)
		if m, ok := fv.(map[string]any); ok {
			if s, ok := m["faultString"].(string); ok {
				return nil, s, nil
			}
		}
		return nil, fmt.Sprintf("%v", fv), nil
	}
	if len(resp.Params) == 0 {
		return nil, "", nil
	}
	return decodeValue(resp.Params[0]), "", nil
}

func decodeValue(v xValue) any {
	switch {
	case v.Int != nil:
		return json.Number(strings.TrimSpace(*v.Int))
	case v.I4 != nil:
		return json.Number(strings.TrimSpace(*v.I4))
	case v.Double != nil:
		return json.Number(strings.TrimSpace(*v.Double))
	case v.Boolean != nil:
		return strings.TrimSpace(*v.Boolean) == "1"
	case v.Str != nil:
		return *v.Str
	case v.Array != nil:
		out := make([]any, 0, len(v.Array.Values))
		for _, e := range v.Array.Values {
			out = append(out, decodeValue(e))
		}
		return out
	case v.Struct != nil:
		out := make(map[string]any, len(v.Struct.Members))
		for _, m := range v.Struct.Members {
			out[m.Name] = decodeValue(m.Value)
		}
		return out
	default:
		// Bare <value>text</value> is a string per the XML-RPC spec.
		return strings.TrimSpace(v.Raw)
	}
}

func asInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case float64:
		return int64(t), true
	case json.Number:
		i, err := t.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}
