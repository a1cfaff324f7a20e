// Package platform is a client for the external agent platform: the chat
// endpoints behind the front end's assistant and the document silos that
// hold resolved incidents and machine manuals for semantic search.
//
// Every call carries the platform API key in the X-API-KEY header. Non-2xx
// answers are reported as *StatusError so callers can relay the upstream
// status.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	apiKeyHeader   = "X-API-KEY"
	defaultTimeout = 2 * time.Minute
	maxReplyBytes  = 8 << 20
)

// ErrNotJSON is returned when the platform answers 2xx with a body that is
// not JSON.
var ErrNotJSON = errors.New("agent platform returned a non-JSON body")

// Config describes the upstream agent platform.
type Config struct {
	// BaseURL is the platform root, e.g. https://aict-desa.lksnext.com.
	BaseURL string
	// APIKey is sent as X-API-KEY on every call.
	APIKey string
	// HTTPClient defaults to a client with a two minute timeout.
	HTTPClient *http.Client
}

// Client talks to one agent platform. It is safe for concurrent use.
type Client struct {
	base   *url.URL
	apiKey string
	http   *http.Client
}

// New validates cfg and builds a Client.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid agent platform URL %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme != "https" && base.Scheme != "http" {
		return nil, fmt.Errorf("agent platform URL must use HTTP or HTTPS scheme, got %q", base.Scheme)
	}
	c := &Client{base: base, apiKey: cfg.APIKey, http: cfg.HTTPClient}
	if c.http == nil {
		c.http = &http.Client{Timeout: defaultTimeout}
	}
	return c, nil
}

// StatusError is a non-2xx answer from the platform.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned '%d %s' for url '%s'", e.StatusCode, http.StatusText(e.StatusCode), e.URL)
}

// Chat posts body to the call or reset action of an agent chat and returns
// the platform's JSON answer unchanged. A nil body is sent as an empty
// request.
func (c *Client) Chat(ctx context.Context, appID, agentID int, action string, body []byte) ([]byte, error) {
	var rd io.Reader
	ctype := ""
	if body != nil {
		rd = bytes.NewReader(body)
		ctype = "application/json"
	}
	return c.do(ctx, http.MethodPost, c.ChatURL(appID, agentID, action), rd, ctype)
}

// ChatURL is the upstream address of a chat action.
func (c *Client) ChatURL(appID, agentID int, action string) string {
	return c.endpoint(fmt.Sprintf("public/v1/app/%d/chat/%d/%s", appID, agentID, action))
}

func (c *Client) endpoint(p string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + p
	u.RawQuery = ""
	return u.String()
}

// do sends one request and returns the JSON reply body.
func (c *Client) do(ctx context.Context, method, target string, body io.Reader, ctype string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	req.Header.Set(apiKeyHeader, c.apiKey)
	req.Header.Set("Accept", "application/json")
	if ctype != "" {
		req.Header.Set("Content-Type", ctype)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach agent platform: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{StatusCode: resp.StatusCode, URL: target}
	}

	out, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream response: %w", err)
	}
	if len(bytes.TrimSpace(out)) == 0 {
		return nil, nil
	}
	if !json.Valid(out) {
		return nil, ErrNotJSON
	}
	return out, nil
}

// doJSON encodes in (when non-nil) as the request body and decodes the reply
// into out (when non-nil).
func (c *Client) doJSON(ctx context.Context, method, target string, in, out any) error {
	var (
		rd    io.Reader
		ctype string
	)
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		rd, ctype = bytes.NewReader(b), "application/json"
	}
	reply, err := c.do(ctx, method, target, rd, ctype)
	if err != nil {
		return err
	}
	if out == nil || reply == nil {
		return nil
	}
	if err := json.Unmarshal(reply, out); err != nil {
		return fmt.Errorf("failed to decode upstream response: %w", err)
	}
	return nil
}
