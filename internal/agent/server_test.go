// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/fleetwall/internal/haproxy"
	"grimm.is/fleetwall/internal/hostexec"
	"grimm.is/fleetwall/internal/ipset"
	"grimm.is/fleetwall/internal/logging"
	"grimm.is/fleetwall/internal/panel/nodeclient"
	"grimm.is/fleetwall/internal/sysmetrics"
	"grimm.is/fleetwall/internal/torrent"
	"grimm.is/fleetwall/internal/trafficacct"
	"grimm.is/fleetwall/internal/ufw"
	"grimm.is/fleetwall/internal/xraylog"
)

const testAPIKey = "test-key"

// fakeHost answers every host command; ipset state is tracked so the
// sync endpoint behaves like the real thing.
type fakeHost struct {
	sets map[string]map[string]bool
}

func newFakeHost() *fakeHost {
	return &fakeHost{sets: map[string]map[string]bool{
		ipset.SetInPermanent:  {},
		ipset.SetInTemp:       {},
		ipset.SetOutPermanent: {},
		ipset.SetOutTemp:      {},
	}}
}

func (f *fakeHost) Execute(_ context.Context, req hostexec.Request) hostexec.Result {
	cmd := req.Command
	switch {
	case strings.Contains(cmd, "| ipset restore"):
		start := strings.Index(cmd, "'")
		end := strings.LastIndex(cmd, "'")
		for _, line := range strings.Split(cmd[start+1:end], "\n") {
			fields := strings.Fields(line)
			if len(fields) < 3 {
				continue
			}
			if f.sets[fields[1]] == nil {
				f.sets[fields[1]] = map[string]bool{}
			}
			if fields[0] == "add" {
				f.sets[fields[1]][fields[2]] = true
			} else {
				delete(f.sets[fields[1]], fields[2])
			}
		}
		return hostexec.Result{Success: true}
	case strings.HasPrefix(cmd, "ipset list "):
		set := strings.Fields(cmd)[2]
		var b strings.Builder
		fmt.Fprintf(&b, "Name: %s\nMembers:\n", set)
		for entry := range f.sets[set] {
			b.WriteString(entry + "\n")
		}
		return hostexec.Result{Success: true, Stdout: b.String()}
	case strings.HasPrefix(cmd, "ipset add "):
		fields := strings.Fields(cmd)
		f.sets[fields[2]][fields[3]] = true
		return hostexec.Result{Success: true}
	case strings.HasPrefix(cmd, "ipset del "):
		fields := strings.Fields(cmd)
		delete(f.sets[fields[2]], fields[3])
		return hostexec.Result{Success: true}
	case strings.HasPrefix(cmd, "haproxy -c -f"):
		return hostexec.Result{Success: true}
	case cmd == "systemctl is-active haproxy":
		return hostexec.Result{Success: true, Stdout: "active\n"}
	default:
		return hostexec.Result{Success: true}
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	fh := newFakeHost()
	logger := logging.Default()

	ipsetDriver := ipset.NewDriver(fh, logger, filepath.Join(dir, "blocklist.json"))
	haproxyDriver := haproxy.NewDriver(fh, logger, filepath.Join(dir, "haproxy.cfg"))
	require.NoError(t, haproxyDriver.EnsureConfig())

	store, err := trafficacct.OpenStore(filepath.Join(dir, "traffic.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := DefaultServerConfig()
	cfg.APIKey = testAPIKey

	return NewServer(ServerOptions{
		Config:   cfg,
		Logger:   logger,
		UFW:      ufw.NewDriver(fh, logger),
		Ipset:    ipsetDriver,
		HAProxy:  haproxyDriver,
		Traffic:  trafficacct.New(trafficacct.Config{StatePath: filepath.Join(dir, "state.json")}, fh, store, logger),
		Ingester: xraylog.New(nil, logger),
		Torrent:  torrent.New(ipsetDriver, fh, logger, filepath.Join(dir, "torrent.json")),
		Metrics:  sysmetrics.NewProducer(fh, nil, logger),
	})
}

func doRequest(s *Server, method, path, body string, authed bool) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.RemoteAddr = "198.51.100.7:12345"
	if authed {
		req.Header.Set("X-API-Key", testAPIKey)
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func TestAuth_MissingKeyDropped(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(s, "GET", "/api/metrics", "", false)
	assert.Equal(t, StatusConnectionClosed, w.Code)
	assert.Empty(t, w.Body.String(), "444 carries no body")
}

func TestAuth_BanAfterRepeatedFailures(t *testing.T) {
	s := newTestServer(t)

	for n := 0; n < DefaultMaxFailedAttempts; n++ {
		doRequest(s, "GET", "/api/metrics", "", false)
	}

	// Banned now: even a valid key gets the drop.
	w := doRequest(s, "GET", "/api/haproxy/rules", "", true)
	assert.Equal(t, StatusConnectionClosed, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestHealth_Unauthenticated(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(s, "GET", "/health", "", false)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestHAProxyRule_RoundTripOverHTTP(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(s, "POST", "/api/haproxy/rules",
		`{"name":"ssh","rule_type":"tcp","listen_port":2222,"target_ip":"10.0.0.1","target_port":22,"send_proxy":false}`, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doRequest(s, "GET", "/api/haproxy/rules", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Rules []haproxy.Rule `json:"rules"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Rules, 1)
	assert.Equal(t, "ssh", list.Rules[0].Name)
	assert.Equal(t, 2222, list.Rules[0].ListenPort)
	assert.Equal(t, "10.0.0.1", list.Rules[0].TargetIP)

	w = doRequest(s, "DELETE", "/api/haproxy/rules/ssh", "", true)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(s, "GET", "/api/haproxy/rules", "", true)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Empty(t, list.Rules)
}

func TestHAProxyRule_ConflictIs400(t *testing.T) {
	s := newTestServer(t)

	body := `{"name":"a","rule_type":"tcp","listen_port":1000,"target_ip":"1.1.1.1","target_port":80}`
	require.Equal(t, http.StatusOK, doRequest(s, "POST", "/api/haproxy/rules", body, true).Code)

	w := doRequest(s, "POST", "/api/haproxy/rules", body, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "already exists")
}

func TestIpsetSync_Contract(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(s, "POST", "/api/ipset/sync",
		`{"ips":["2.2.2.2","3.3.3.3","junk"],"permanent":true,"direction":"in"}`, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res ipset.SyncResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 2, res.Added)
	assert.Equal(t, 0, res.Removed)
	assert.Equal(t, []string{"junk"}, res.Invalid)

	// Second sync with the same set is a no-op.
	w = doRequest(s, "POST", "/api/ipset/sync",
		`{"ips":["2.2.2.2","3.3.3.3"],"permanent":true,"direction":"in"}`, true)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Zero(t, res.Added)
	assert.Zero(t, res.Removed)
}

func TestTrafficSeries_BadGranularity(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(s, "GET", "/api/traffic/weekly", "", true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTorrentBlocker_EnableDisable(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(s, "POST", "/api/remnawave/torrent-blocker/enable", "", true)
	require.Equal(t, http.StatusOK, w.Code)

	var res struct {
		Stats torrent.Stats `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.Stats.Enabled)

	w = doRequest(s, "POST", "/api/remnawave/torrent-blocker/threshold", `{"threshold":2}`, true)
	assert.Equal(t, http.StatusBadRequest, w.Code, "threshold below minimum")

	w = doRequest(s, "POST", "/api/remnawave/torrent-blocker/disable", "", true)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.False(t, res.Stats.Enabled)
}

// TestXrayStatusRoute_MatchesPanelClient drives the panel's real node
// client against this router over HTTP, so the two sides cannot drift
// on the status path.
func TestXrayStatusRoute_MatchesPanelClient(t *testing.T) {
	s := newTestServer(t)
	backend := httptest.NewServer(s)
	defer backend.Close()

	client := nodeclient.New(backend.URL, testAPIKey)
	st, err := client.ProbeXray(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Running, "no tail source wired here")

	w := doRequest(s, "GET", "/api/remnawave/status", "", true)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestXrayCollect_EmptySnapshot(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(s, "POST", "/api/remnawave/stats/collect", "", true)
	require.Equal(t, http.StatusOK, w.Code)

	var snap xraylog.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Empty(t, snap.Stats)
	assert.WithinDuration(t, time.Now(), snap.CollectedAt, 5*time.Second)
}
