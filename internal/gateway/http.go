package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
)

// HTTPCapabilityConfig declares an integration backed by one HTTP endpoint.
type HTTPCapabilityConfig struct {
	Name    string            `mapstructure:"name" validate:"required"`
	Method  string            `mapstructure:"method" validate:"omitempty,oneof=GET POST PUT PATCH DELETE"`
	URL     string            `mapstructure:"url" validate:"required,url"`
	Headers map[string]string `mapstructure:"headers"`
}

// HTTPCapability calls an HTTP endpoint with the node params: as query
// parameters for GET and DELETE, as a JSON body otherwise. A JSON response is
// decoded; any other body is returned as a string. 5xx and 429 responses are
// transient.
type HTTPCapability struct {
	cfg    HTTPCapabilityConfig
	client *resty.Client
}

// NewHTTPCapability creates an HTTPCapability. client may be nil.
func NewHTTPCapability(cfg HTTPCapabilityConfig, client *resty.Client) *HTTPCapability {
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	cfg.Method = strings.ToUpper(cfg.Method)
	if client == nil {
		client = resty.New()
	}
	client.SetHeader("Accept", "application/json")
	for k, v := range cfg.Headers {
		client.SetHeader(k, v)
	}
	return &HTTPCapability{cfg: cfg, client: client}
}

func (c *HTTPCapability) Name() string { return c.cfg.Name }

func (c *HTTPCapability) Call(ctx context.Context, params map[string]any) (any, error) {
	req := c.client.R().SetContext(ctx)
	switch c.cfg.Method {
	case http.MethodGet, http.MethodDelete:
		for k, v := range params {
			req.SetQueryParam(k, fmt.Sprint(v))
		}
	default:
		req.SetHeader("Content-Type", "application/json").SetBody(params)
	}

	resp, err := req.Execute(c.cfg.Method, c.cfg.URL)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, Transient(fmt.Errorf("%s %s: %w", c.cfg.Method, c.cfg.URL, err))
	}
	if code := resp.StatusCode(); code >= 400 {
		err := fmt.Errorf("%s %s: status %d: %s", c.cfg.Method, c.cfg.URL, code, truncate(resp.String(), 256))
		if code >= 500 || code == http.StatusTooManyRequests {
			return nil, Transient(err)
		}
		return nil, err
	}

	body := resp.Body()
	if len(body) == 0 {
		return nil, nil
	}
	var decoded any
	if json.Unmarshal(body, &decoded) == nil {
		return decoded, nil
	}
	return string(body), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
