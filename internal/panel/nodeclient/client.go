// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package nodeclient is the panel-side HTTP client for node agents.
package nodeclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"grimm.is/fleetwall/internal/errors"
)

// Per-endpoint deadlines. Metrics polls are tight so one slow node
// cannot stall a collection round; xray collection moves bigger
// payloads.
const (
	MetricsTimeout = 5 * time.Second
	HAProxyTimeout = 10 * time.Second
	CollectTimeout = 30 * time.Second
	SyncTimeout    = 20 * time.Second
)

// Client talks to one node agent.
type Client struct {
	http    *resty.Client
	baseURL string
}

// New builds a client for one agent base URL.
func New(baseURL, apiKey string) *Client {
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("X-API-Key", apiKey).
		SetHeader("Accept", "application/json").
		SetRetryCount(0)
	return &Client{http: c, baseURL: baseURL}
}

// classify maps a transport or HTTP failure onto an error kind the
// collector can store as a coarse error code.
func classify(resp *resty.Response, err error) error {
	if err != nil {
		msg := err.Error()
		switch {
		case strings.Contains(msg, "context deadline exceeded") || strings.Contains(msg, "Client.Timeout"):
			return errors.Wrap(err, errors.KindTimeout, "node request timed out")
		case strings.Contains(msg, "connection refused"):
			return errors.Wrap(err, errors.KindConnectionRefused, "node refused connection")
		case strings.Contains(msg, "tls") || strings.Contains(msg, "certificate"):
			return errors.Wrap(err, errors.KindValidation, "tls failure talking to node")
		default:
			return errors.Wrap(err, errors.KindUnknown, "node request failed")
		}
	}
	if resp == nil {
		return errors.New(errors.KindUnknown, "no response from node")
	}
	code := resp.StatusCode()
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden || code == 444:
		return errors.Errorf(errors.KindAuth, "node rejected credentials (status %d)", code)
	case code >= 500:
		return errors.Errorf(errors.KindHostCommand, "node error: %s", firstLine(resp.String()))
	default:
		return errors.Errorf(errors.KindValidation, "node returned %d: %s", code, firstLine(resp.String()))
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func (c *Client) get(ctx context.Context, path string, timeout time.Duration, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := c.http.R().SetContext(ctx).Get(path)
	if cerr := classify(resp, err); cerr != nil {
		return cerr
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return errors.Wrap(err, errors.KindValidation, "bad json from node")
		}
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, timeout time.Duration, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req := c.http.R().SetContext(ctx)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	resp, err := req.Post(path)
	if cerr := classify(resp, err); cerr != nil {
		return cerr
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return errors.Wrap(err, errors.KindValidation, "bad json from node")
		}
	}
	return nil
}

// MetricsRaw fetches the node metrics snapshot as raw JSON plus the
// fields the collector stores in columns.
type MetricsRaw struct {
	Raw  json.RawMessage
	Body MetricsBody
}

// MetricsBody is the subset of the node snapshot the collector derives
// columns from.
type MetricsBody struct {
	CPU struct {
		Percent float64 `json:"percent"`
	} `json:"cpu"`
	Memory struct {
		Percent     float64 `json:"percent"`
		SwapPercent float64 `json:"swap_percent"`
	} `json:"memory"`
	Disk struct {
		Percent float64 `json:"percent"`
	} `json:"disk"`
	Network struct {
		RxBytes uint64 `json:"rx_bytes"`
		TxBytes uint64 `json:"tx_bytes"`
	} `json:"network"`
	TCP map[string]int `json:"tcp"`
}

// Metrics polls /api/metrics.
func (c *Client) Metrics(ctx context.Context) (MetricsRaw, error) {
	ctx, cancel := context.WithTimeout(ctx, MetricsTimeout)
	defer cancel()
	resp, err := c.http.R().SetContext(ctx).Get("/api/metrics")
	if cerr := classify(resp, err); cerr != nil {
		return MetricsRaw{}, cerr
	}
	var m MetricsRaw
	m.Raw = json.RawMessage(resp.Body())
	if err := json.Unmarshal(m.Raw, &m.Body); err != nil {
		return MetricsRaw{}, errors.Wrap(err, errors.KindValidation, "bad metrics json from node")
	}
	return m, nil
}

// HAProxyStatus fetches the node's HAProxy status blob as raw JSON for
// panel-side caching.
func (c *Client) HAProxyStatus(ctx context.Context) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, HAProxyTimeout)
	defer cancel()
	resp, err := c.http.R().SetContext(ctx).Get("/api/haproxy/status")
	if cerr := classify(resp, err); cerr != nil {
		return nil, cerr
	}
	return json.RawMessage(resp.Body()), nil
}

// TrafficSummary fetches the node's port traffic summary blob.
func (c *Client) TrafficSummary(ctx context.Context, hours int) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, HAProxyTimeout)
	defer cancel()
	resp, err := c.http.R().SetContext(ctx).
		SetQueryParam("hours", fmt.Sprintf("%d", hours)).
		Get("/api/traffic/summary/ports")
	if cerr := classify(resp, err); cerr != nil {
		return nil, cerr
	}
	return json.RawMessage(resp.Body()), nil
}

// XrayStatus probes the node for a running xray ingester.
type XrayStatus struct {
	Running      bool `json:"running"`
	PendingLines int  `json:"pending_lines"`
	Entries      int  `json:"entries"`
}

// ProbeXray calls /api/remnawave/status; an Auth or transport error
// means the flag stays unknown and the caller keeps the old value.
func (c *Client) ProbeXray(ctx context.Context) (XrayStatus, error) {
	var st XrayStatus
	err := c.get(ctx, "/api/remnawave/status", MetricsTimeout, &st)
	return st, err
}

// CollectedStat is one aggregated (email, ip, host) count from a node.
type CollectedStat struct {
	Email    int    `json:"email"`
	SourceIP string `json:"source_ip"`
	Host     string `json:"host"`
	Count    int64  `json:"count"`
}

// XraySnapshot is a node's collect-and-clear response.
type XraySnapshot struct {
	Stats       []CollectedStat `json:"stats"`
	CollectedAt time.Time       `json:"collected_at"`
}

// CollectXray drains the node's aggregation buffer.
func (c *Client) CollectXray(ctx context.Context) (XraySnapshot, error) {
	var snap XraySnapshot
	err := c.post(ctx, "/api/remnawave/stats/collect", CollectTimeout, nil, &snap)
	return snap, err
}

// SyncResult mirrors the node's ipset sync response.
type SyncResult struct {
	Success bool     `json:"success"`
	Added   int      `json:"added"`
	Removed int      `json:"removed"`
	Invalid []string `json:"invalid,omitempty"`
	Total   int      `json:"total"`
	Message string   `json:"message,omitempty"`
}

// SyncBlocklist pushes the authoritative permanent set for one
// direction.
func (c *Client) SyncBlocklist(ctx context.Context, ips []string, direction string) (SyncResult, error) {
	if ips == nil {
		ips = []string{}
	}
	var res SyncResult
	err := c.post(ctx, "/api/ipset/sync", SyncTimeout, map[string]any{
		"ips":       ips,
		"permanent": true,
		"direction": direction,
	}, &res)
	return res, err
}

// Health calls the unauthenticated liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.get(ctx, "/health", MetricsTimeout, nil)
}
