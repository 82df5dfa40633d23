package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client drives the antbs admin API over HTTP. Every call carries the
// bearer key and unwraps the server's {"msg": ...} envelope.
type Client struct {
	base string
	key  string
	hc   *http.Client
}

// New creates a client for the server at base ("https://build.antergos.com"
// or "http://localhost:8020"). key is the admin api key; calls to open
// endpoints work with an empty key.
func New(base, key string) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		key:  key,
		hc:   &http.Client{Timeout: 30 * time.Second},
	}
}

type msgEnvelope struct {
	Msg string `json:"msg"`
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return "", err
	}
	if c.key != "" {
		req.Header.Set("Authorization", "Bearer "+c.key)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	var env msgEnvelope
	_ = json.Unmarshal(raw, &env)

	if resp.StatusCode >= http.StatusBadRequest {
		if env.Msg != "" {
			return "", fmt.Errorf("server: %s (%s)", env.Msg, resp.Status)
		}
		return "", fmt.Errorf("server: %s", resp.Status)
	}
	return env.Msg, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload interface{}) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return c.do(ctx, http.MethodPost, path, bytes.NewReader(raw), "application/json")
}

// TriggerBuild queues an immediate build of pkgname on behalf of dev.
// The returned message is "Ok" or the server's refusal (for one, a
// build still waiting on review).
func (c *Client) TriggerBuild(ctx context.Context, pkgname, dev string) (string, error) {
	form := url.Values{"pkgname": {pkgname}, "dev": {dev}}
	return c.do(ctx, http.MethodPost, "/api/build_pkg_now",
		strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
}

// Rebuild queues pkg for a rebuild.
func (c *Client) Rebuild(ctx context.Context, pkg, dev string) (string, error) {
	return c.postJSON(ctx, "/api/ajax", map[string]string{
		"pkg": pkg, "dev": dev, "result": "rebuild",
	})
}

// RemovePackage queues removal of pkg from the main repo databases.
func (c *Client) RemovePackage(ctx context.Context, pkg, dev string) (string, error) {
	return c.postJSON(ctx, "/api/ajax", map[string]string{
		"pkg": pkg, "dev": dev, "result": "remove",
	})
}

// SubmitReview records a review verdict (passed, failed or skip) for a
// staged build.
func (c *Client) SubmitReview(ctx context.Context, bnum int64, dev, result string) (string, error) {
	return c.postJSON(ctx, "/pkg_review", map[string]interface{}{
		"bnum": bnum, "dev": dev, "result": result,
	})
}

// ReleaseISO queues an ISO release run.
func (c *Client) ReleaseISO(ctx context.Context) (string, error) {
	return c.do(ctx, http.MethodGet, "/api/ajax?do_iso_release=1", nil, "")
}

// ResetQueues empties every build queue and forces the server idle.
func (c *Client) ResetQueues(ctx context.Context) (string, error) {
	return c.do(ctx, http.MethodGet, "/api/ajax?reset_build_queue=1", nil, "")
}

// RerunTransaction re-queues the packages a previous timeline event
// named.
func (c *Client) RerunTransaction(ctx context.Context, eventID int64) (string, error) {
	return c.do(ctx, http.MethodGet,
		"/api/ajax?rerun_transaction="+strconv.FormatInt(eventID, 10), nil, "")
}

// ComponentHealth is one component entry of the health report.
type ComponentHealth struct {
	Name    string    `json:"name"`
	Healthy bool      `json:"healthy"`
	Message string    `json:"message,omitempty"`
	Updated time.Time `json:"updated"`
}

// Health mirrors the /healthz response.
type Health struct {
	Healthy    bool              `json:"healthy"`
	Version    string            `json:"version,omitempty"`
	Uptime     time.Duration     `json:"uptime"`
	Idle       bool              `json:"idle"`
	Components []ComponentHealth `json:"components"`
}

// Health fetches the server health report. An unhealthy server answers
// 503 but still sends the report, so that is not an error here; the
// caller reads Healthy.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/healthz", nil)
	if err != nil {
		return h, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return h, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return h, fmt.Errorf("server: %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return h, fmt.Errorf("failed to decode health report: %w", err)
	}
	return h, nil
}
