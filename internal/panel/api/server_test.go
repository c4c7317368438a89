// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/fleetwall/internal/logging"
	"grimm.is/fleetwall/internal/panel/blocklist"
	"grimm.is/fleetwall/internal/panel/nodeclient"
	"grimm.is/fleetwall/internal/panel/store"
	"grimm.is/fleetwall/internal/panel/xraystats"
)

const panelKey = "panel-key"

type fakeSyncer struct{}

func (fakeSyncer) SyncBlocklist(_ context.Context, ips []string, _ string) (nodeclient.SyncResult, error) {
	return nodeclient.SyncResult{Success: true, Added: len(ips), Total: len(ips)}, nil
}

type fakeCollector struct {
	stats []nodeclient.CollectedStat
}

func (f *fakeCollector) CollectXray(context.Context) (nodeclient.XraySnapshot, error) {
	return nodeclient.XraySnapshot{Stats: f.stats, CollectedAt: time.Now()}, nil
}

func newTestPanel(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "panel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := logging.Default()
	bl := blocklist.New(st, func(string, string) blocklist.Syncer { return fakeSyncer{} }, logger)
	xs := xraystats.New(st, func(string, string) xraystats.NodeClient { return &fakeCollector{} }, nil, logger)

	cfg := DefaultConfig()
	cfg.APIKey = panelKey
	return New(Options{Config: cfg, Store: st, Blocklist: bl, Xray: xs, Logger: logger}), st
}

func doRequest(s *Server, method, path, body string, authed bool) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if authed {
		req.Header.Set("X-API-Key", panelKey)
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func TestAuth_Required(t *testing.T) {
	s, _ := newTestPanel(t)

	w := doRequest(s, "GET", "/api/servers", "", false)
	assert.Equal(t, 444, w.Code)

	w = doRequest(s, "GET", "/health", "", false)
	assert.Equal(t, http.StatusOK, w.Code, "health stays open")
}

func TestServers_CRUDOverHTTP(t *testing.T) {
	s, _ := newTestPanel(t)

	w := doRequest(s, "POST", "/api/servers",
		`{"name":"edge-1","base_url":"http://10.0.0.1:8080","api_key":"secret"}`, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var created struct {
		Server store.Server `json:"server"`
		APIKey string       `json:"api_key"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "edge-1", created.Server.Name)
	assert.Equal(t, "secret", created.APIKey, "the key is echoed once at creation")

	w = doRequest(s, "PUT", "/api/servers/1", `{"name":"edge-renamed"}`, true)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(s, "GET", "/api/servers", "", true)
	var list struct {
		Servers []store.Server `json:"servers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Servers, 1)
	assert.Equal(t, "edge-renamed", list.Servers[0].Name)

	w = doRequest(s, "DELETE", "/api/servers/1", "", true)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(s, "GET", "/api/servers/1", "", true)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServers_KeyMintedWhenOmitted(t *testing.T) {
	s, _ := newTestPanel(t)

	w := doRequest(s, "POST", "/api/servers",
		`{"name":"edge-2","base_url":"http://10.0.0.2:8080"}`, true)
	require.Equal(t, http.StatusOK, w.Code)

	var created struct {
		APIKey string `json:"api_key"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotEmpty(t, created.APIKey)
}

func TestServers_ValidationRejected(t *testing.T) {
	s, _ := newTestPanel(t)

	w := doRequest(s, "POST", "/api/servers", `{"name":""}`, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetrics_LatestAndNotFound(t *testing.T) {
	s, st := newTestPanel(t)

	id, err := st.CreateServer(store.Server{Name: "edge", BaseURL: "http://e:1", APIKey: "k", Active: true})
	require.NoError(t, err)

	w := doRequest(s, "GET", "/api/servers/1/metrics/latest", "", true)
	assert.Equal(t, http.StatusNotFound, w.Code)

	require.NoError(t, st.InsertSnapshot(store.Snapshot{
		ServerID: id, TakenAt: store.FmtTime(time.Now()), CPUPercent: 42,
	}))
	w = doRequest(s, "GET", "/api/servers/1/metrics/latest", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	var sn store.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sn))
	assert.Equal(t, 42.0, sn.CPUPercent)
}

func TestBlocklist_RulesOverHTTP(t *testing.T) {
	s, _ := newTestPanel(t)

	w := doRequest(s, "POST", "/api/blocklist/rules", `{"ip_cidr":"1.1.1.1","direction":"in"}`, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doRequest(s, "GET", "/api/blocklist/rules", "", true)
	var list struct {
		Rules []store.BlocklistRule `json:"rules"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Rules, 1)
	assert.True(t, list.Rules[0].Permanent)

	w = doRequest(s, "DELETE", "/api/blocklist/rules/1", "", true)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(s, "DELETE", "/api/blocklist/rules/1", "", true)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBlocklist_SyncEndpoint(t *testing.T) {
	s, st := newTestPanel(t)

	_, err := st.CreateServer(store.Server{Name: "edge", BaseURL: "http://e:1", APIKey: "k", Active: true})
	require.NoError(t, err)
	_, err = st.AddRule(store.BlocklistRule{IPCIDR: "1.1.1.1", Direction: "in", Permanent: true}, time.Now())
	require.NoError(t, err)

	w := doRequest(s, "POST", "/api/blocklist/sync", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	var res struct {
		Results []blocklist.ServerSyncResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Len(t, res.Results, 1)
	assert.True(t, res.Results[0].Success)
}

func TestBulkServerActive(t *testing.T) {
	s, st := newTestPanel(t)

	for _, name := range []string{"a", "b", "c"} {
		_, err := st.CreateServer(store.Server{Name: name, BaseURL: "http://" + name + ":1", APIKey: "k", Active: true})
		require.NoError(t, err)
	}

	w := doRequest(s, "POST", "/api/bulk/servers/active", `{"ids":[1,3,99],"active":false}`, true)
	require.Equal(t, http.StatusOK, w.Code)
	var res struct {
		Updated int `json:"updated"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, 2, res.Updated, "unknown ids are skipped")

	active, err := st.ListServers(true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "b", active[0].Name)
}

func TestBulkAddRules(t *testing.T) {
	s, st := newTestPanel(t)

	w := doRequest(s, "POST", "/api/bulk/blocklist/rules",
		`{"ips":["1.1.1.1","2.2.2.0/24",""],"direction":"out"}`, true)
	require.Equal(t, http.StatusOK, w.Code)
	var res struct {
		Added     int `json:"added"`
		Requested int `json:"requested"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, 2, res.Added, "empty entry is rejected")
	assert.Equal(t, 3, res.Requested)

	rules, err := st.Rules()
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "out", rules[0].Direction)
}

func TestXrayBatch_EmptyStore(t *testing.T) {
	s, _ := newTestPanel(t)

	w := doRequest(s, "GET", "/api/remnawave/stats/batch", "", true)
	require.Equal(t, http.StatusOK, w.Code)

	var b xraystats.BatchStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &b))
	assert.Zero(t, b.Global.TotalVisits)
	assert.Empty(t, b.Destinations)
}

func TestSettings_PutAndGet(t *testing.T) {
	s, _ := newTestPanel(t)

	w := doRequest(s, "PUT", "/api/settings/poll_interval_seconds", `{"value":"30"}`, true)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(s, "GET", "/api/settings", "", true)
	var res struct {
		Settings map[string]string `json:"settings"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "30", res.Settings["poll_interval_seconds"])
}

func TestProxy_ForwardsWithNodeKey(t *testing.T) {
	s, st := newTestPanel(t)

	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "node-secret", r.Header.Get("X-API-Key"))
		assert.Equal(t, "/api/haproxy/status", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"running":true}`))
	}))
	defer node.Close()

	_, err := st.CreateServer(store.Server{Name: "edge", BaseURL: node.URL, APIKey: "node-secret", Active: true})
	require.NoError(t, err)

	w := doRequest(s, "GET", "/api/proxy/1/api/haproxy/status", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"running":true}`, w.Body.String())
}
