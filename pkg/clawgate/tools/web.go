package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/jholhewres/clawgate/pkg/clawgate/policy"
)

// WebConfig configures web_fetch.
type WebConfig struct {
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes"`
	MaxRedirects   int    `yaml:"max_redirects"`
	UserAgent      string `yaml:"user_agent"`
}

// DefaultWebConfig returns the stock web_fetch settings.
func DefaultWebConfig() WebConfig {
	return WebConfig{
		TimeoutSeconds: 20,
		MaxBodyBytes:   512 * 1024,
		MaxRedirects:   5,
		UserAgent:      "clawgate/1.0",
	}
}

// WebFetchTool performs guarded HTTP GET requests.
type WebFetchTool struct {
	cfg    WebConfig
	guard  *policy.NetworkGuard
	client *http.Client
}

// NewWebFetchTool builds the tool. Every dial and every redirect target is
// re-checked against guard.
func NewWebFetchTool(cfg WebConfig, guard *policy.NetworkGuard) *WebFetchTool {
	d := DefaultWebConfig()
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = d.TimeoutSeconds
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = d.MaxBodyBytes
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = d.MaxRedirects
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = d.UserAgent
	}
	if guard == nil {
		guard = policy.NewNetworkGuard(policy.DefaultNetworkConfig(), nil, nil)
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second, Control: guard.Control}
	t := &WebFetchTool{cfg: cfg, guard: guard}
	t.client = &http.Client{
		Transport: &http.Transport{
			DialContext:         dialer.DialContext,
			TLSHandshakeTimeout: 10 * time.Second,
			MaxIdleConns:        10,
			IdleConnTimeout:     60 * time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= cfg.MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", cfg.MaxRedirects)
			}
			return guard.Check(req.Context(), req.URL.String())
		},
	}
	return t
}

func (t *WebFetchTool) Name() string { return "web_fetch" }
func (t *WebFetchTool) Kind() Kind   { return KindNetwork }

func (t *WebFetchTool) Description() string {
	return "Fetch a public http(s) URL and return the response body as text."
}

func (t *WebFetchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
	"type": "object",
	"properties": {
		"url": {"type": "string", "minLength": 1, "description": "Absolute http or https URL"}
	},
	"required": ["url"]
}`)
}

// Timeout implements TimeoutTool.
func (t *WebFetchTool) Timeout() time.Duration {
	return time.Duration(t.cfg.TimeoutSeconds) * time.Second
}

func (t *WebFetchTool) URLs(args json.RawMessage) ([]string, error) {
	var a struct {
		URL string `json:"url"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	return []string{a.URL}, nil
}

func (t *WebFetchTool) Execute(ctx context.Context, inv Invocation) (Result, error) {
	urls, err := t.URLs(inv.Arguments)
	if err != nil {
		return Result{}, err
	}
	target := urls[0]

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", t.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,text/plain,application/json;q=0.9,*/*;q=0.5")

	resp, err := t.client.Do(req)
	if err != nil {
		if errors.Is(err, policy.ErrNetworkDenied) {
			return Result{}, &RefusalError{Tool: t.Name(), Err: err}
		}
		return Result{}, fmt.Errorf("fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.cfg.MaxBodyBytes+1))
	if err != nil {
		return Result{}, fmt.Errorf("read body: %w", err)
	}
	truncated := int64(len(body)) > t.cfg.MaxBodyBytes
	text := string(body)
	if truncated {
		text, _ = policy.Truncate(text, int(t.cfg.MaxBodyBytes))
	}

	return Result{
		Text: fmt.Sprintf("Status: %d\nContent-Type: %s\n\n%s",
			resp.StatusCode, resp.Header.Get("Content-Type"), text),
		Truncated: truncated,
		IsError:   resp.StatusCode >= 400,
	}, nil
}
