// Package client talks to a running warden's ops API.
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

	"github.com/agentsh/warden/internal/containment"
	"github.com/agentsh/warden/internal/engine"
	"github.com/agentsh/warden/internal/store"
	"github.com/agentsh/warden/pkg/emergency"
	"github.com/agentsh/warden/pkg/types"
)

type Client struct {
	baseURL    string
	apiKey     string
	headerName string
	httpClient *http.Client
}

func New(baseURL string, apiKey string) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		headerName: "X-API-Key",
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// WithHeader overrides the API key header name.
func (c *Client) WithHeader(name string) *Client {
	if name != "" {
		c.headerName = name
	}
	return c
}

func (c *Client) Status(ctx context.Context) (engine.Status, error) {
	var out engine.Status
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/status", nil, nil, &out)
	return out, err
}

func (c *Client) SubmitEvent(ctx context.Context, ev types.SecurityEvent) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/events", nil, ev, nil)
}

func (c *Client) Release(ctx context.Context, target types.ContainmentTarget, by string) error {
	body := map[string]any{"target_type": target.Type, "target_id": target.ID, "by": by}
	return c.doJSON(ctx, http.MethodPost, "/api/v1/containment/release", nil, body, nil)
}

func (c *Client) Containments(ctx context.Context) ([]containment.State, error) {
	var out []containment.State
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/containment", nil, nil, &out)
	return out, err
}

func (c *Client) Incidents(ctx context.Context) ([]types.Incident, error) {
	var out []types.Incident
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/incidents", nil, nil, &out)
	return out, err
}

func (c *Client) RecentFixes(ctx context.Context, limit int) ([]store.FixRecord, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []store.FixRecord
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/fixes", q, nil, &out)
	return out, err
}

func (c *Client) PauseRemediation(ctx context.Context, by, reason string) (emergency.PauseState, error) {
	var out emergency.PauseState
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/remediation/pause", nil, map[string]any{"by": by, "reason": reason}, &out)
	return out, err
}

func (c *Client) ResumeRemediation(ctx context.Context, by string) (emergency.PauseState, error) {
	var out emergency.PauseState
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/remediation/resume", nil, map[string]any{"by": by}, &out)
	return out, err
}

func (c *Client) doJSON(ctx context.Context, method, path string, q url.Values, body any, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set(c.headerName, c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(b)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
