package hostfunc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/caffeineduck/starbridge/value"
)

const (
	DefaultMaxURLLength   = 8192
	DefaultMaxBodySize    = 1 << 20 // 1MB
	DefaultRequestTimeout = 30 * time.Second
)

type HTTPConfig struct {
	AllowedHosts   []string      `yaml:"allowed_hosts" json:"allowed_hosts"`
	MaxBodySize    int64         `yaml:"max_body_size" json:"max_body_size" validate:"gte=0"`
	MaxURLLength   int           `yaml:"max_url_length" json:"max_url_length" validate:"gte=0"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout" validate:"gte=0"`
}

type HTTP struct {
	cfg    HTTPConfig
	client *http.Client
}

func NewHTTP(cfg HTTPConfig) *HTTP {
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.MaxURLLength == 0 {
		cfg.MaxURLLength = DefaultMaxURLLength
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	return &HTTP{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
	}
}

// Request performs an HTTP request.
// Args: url, method="GET", body=None, headers=None.
// Returns {"status": int, "body": str, "headers": {str: str}}.
func (h *HTTP) Request(ctx context.Context, args []value.Value, kwargs map[string]value.Value) (value.Value, error) {
	rawURL, err := stringArg(args, kwargs, 0, "url")
	if err != nil || rawURL == "" {
		return value.Null(), fmt.Errorf("url required")
	}
	method, err := optionalString(args, kwargs, 1, "method", "GET")
	if err != nil {
		return value.Null(), err
	}
	return h.do(ctx, method, rawURL, args, kwargs)
}

// Get is Request with the method fixed to GET.
func (h *HTTP) Get(ctx context.Context, args []value.Value, kwargs map[string]value.Value) (value.Value, error) {
	rawURL, err := stringArg(args, kwargs, 0, "url")
	if err != nil || rawURL == "" {
		return value.Null(), fmt.Errorf("url required")
	}
	return h.do(ctx, "GET", rawURL, nil, kwargs)
}

func (h *HTTP) do(ctx context.Context, method, rawURL string, args []value.Value, kwargs map[string]value.Value) (value.Value, error) {
	method = strings.ToUpper(method)

	switch method {
	case "GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS":
	default:
		return value.Null(), fmt.Errorf("unsupported method: %s", method)
	}

	if len(rawURL) > h.cfg.MaxURLLength {
		return value.Null(), fmt.Errorf("url exceeds max length")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return value.Null(), fmt.Errorf("invalid url")
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return value.Null(), fmt.Errorf("scheme must be http or https")
	}

	if len(h.cfg.AllowedHosts) == 0 {
		return value.Null(), fmt.Errorf("http not enabled")
	}

	host := parsed.Hostname()
	if !h.isHostAllowed(host) {
		return value.Null(), fmt.Errorf("host not allowed: %s", host)
	}

	var body io.Reader
	if b, ok := arg(args, kwargs, 2, "body"); ok && !b.IsNull() {
		raw, err := bodyBytes(b)
		if err != nil {
			return value.Null(), err
		}
		if int64(len(raw)) > h.cfg.MaxBodySize {
			return value.Null(), fmt.Errorf("request body exceeds max size")
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return value.Null(), fmt.Errorf("failed to create request: %w", err)
	}

	if headers, ok := arg(args, kwargs, 3, "headers"); ok && !headers.IsNull() {
		entries, err := headers.Entries()
		if err != nil {
			return value.Null(), fmt.Errorf("headers must be a mapping")
		}
		for _, e := range entries {
			k, kerr := e.Key.AsString()
			v, verr := e.Value.AsString()
			if kerr == nil && verr == nil {
				req.Header.Set(k, v)
			}
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return value.Null(), fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, h.cfg.MaxBodySize))
	if err != nil {
		return value.Null(), fmt.Errorf("failed to read response: %w", err)
	}

	names := make([]string, 0, len(resp.Header))
	for k := range resp.Header {
		names = append(names, k)
	}
	sort.Strings(names)
	respHeaders := make([]value.Entry, 0, len(names))
	for _, k := range names {
		if v := resp.Header[k]; len(v) > 0 {
			respHeaders = append(respHeaders, value.KV(value.String(k), value.String(v[0])))
		}
	}

	return value.MustMapping(
		value.KV(value.String("status"), value.Int(int64(resp.StatusCode))),
		value.KV(value.String("body"), value.String(string(respBody))),
		value.KV(value.String("headers"), value.MustMapping(respHeaders...)),
	), nil
}

func bodyBytes(v value.Value) ([]byte, error) {
	switch v.Kind() {
	case value.KindString:
		s, _ := v.AsString()
		return []byte(s), nil
	case value.KindBytes:
		return v.AsBytes()
	}
	return nil, fmt.Errorf("body must be str or bytes, got %s", v.Kind())
}

// isHostAllowed matches domains exactly or by subdomain suffix. IP
// addresses only match an equal IP entry, in any notation.
func (h *HTTP) isHostAllowed(host string) bool {
	ip := net.ParseIP(host)
	for _, allowed := range h.cfg.AllowedHosts {
		if ip != nil {
			if aip := net.ParseIP(allowed); aip != nil && aip.Equal(ip) {
				return true
			}
			continue
		}
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

// NewHTTPGet returns a standalone GET function for cfg.
func NewHTTPGet(cfg HTTPConfig) Func {
	return NewHTTP(cfg).Get
}
