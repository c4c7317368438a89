// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package anomaly

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/fleetwall/internal/logging"
	"grimm.is/fleetwall/internal/panel/remnawave"
	"grimm.is/fleetwall/internal/panel/store"
)

type fakeNotifier struct {
	sent []string
	err  error
}

func (f *fakeNotifier) Send(_ context.Context, text string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, text)
	return nil
}

type fakeDevices struct {
	devices map[string][]remnawave.Device
}

func (f *fakeDevices) Devices(_ context.Context, uuid string) ([]remnawave.Device, error) {
	return f.devices[uuid], nil
}

type fakeResolver struct {
	records map[string]store.ASNRecord
}

func (f *fakeResolver) Resolve(_ context.Context, ip string, _ time.Time) (store.ASNRecord, bool) {
	rec, ok := f.records[ip]
	return rec, ok
}

func newDetector(t *testing.T, devices DeviceSource, n *fakeNotifier) (*Detector, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "panel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	d := New(st, devices, n, logging.Default())
	d.asn = &fakeResolver{}
	return d, st
}

const gb = int64(1 << 30)

func cacheUser(t *testing.T, st *store.Store, u store.CachedUser, now time.Time) {
	t.Helper()
	existing, err := st.CachedUsers()
	require.NoError(t, err)
	require.NoError(t, st.ReplaceUserCache(append(existing, u), now))
}

func TestTraffic_FirstScanOnlyBaselines(t *testing.T) {
	n := &fakeNotifier{}
	d, st := newDetector(t, nil, n)
	now := time.Now().UTC()

	cacheUser(t, st, store.CachedUser{Email: 1, UUID: "u1", Username: "alice",
		UsedTraffic: 500 * gb, TrafficLimit: 10 * gb}, now)

	d.Scan(context.Background(), now)
	assert.Empty(t, n.sent, "no baseline yet, nothing to compare")

	anomalies, err := st.Anomalies(10)
	require.NoError(t, err)
	assert.Empty(t, anomalies)
}

func TestTraffic_WarningAndCritical(t *testing.T) {
	n := &fakeNotifier{}
	d, st := newDetector(t, nil, n)
	now := time.Now().UTC()

	cacheUser(t, st, store.CachedUser{Email: 1, UUID: "u1", Username: "alice",
		UsedTraffic: 100 * gb, TrafficLimit: 10 * gb}, now)
	d.Scan(context.Background(), now)

	// 15 GB since baseline: over limit, under 2x.
	require.NoError(t, st.ReplaceUserCache([]store.CachedUser{
		{Email: 1, UUID: "u1", Username: "alice", UsedTraffic: 115 * gb, TrafficLimit: 10 * gb},
	}, now))
	d.Scan(context.Background(), now.Add(30*time.Minute))

	anomalies, err := st.Anomalies(10)
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, "traffic", anomalies[0].Type)
	assert.Equal(t, "warning", anomalies[0].Severity)
	assert.True(t, anomalies[0].Notified)
	assert.Len(t, n.sent, 1)
}

func TestTraffic_CounterResetUsesCurrentValue(t *testing.T) {
	n := &fakeNotifier{}
	d, st := newDetector(t, nil, n)
	now := time.Now().UTC()

	cacheUser(t, st, store.CachedUser{Email: 1, UUID: "u1", Username: "alice",
		UsedTraffic: 100 * gb, TrafficLimit: 10 * gb}, now)
	d.Scan(context.Background(), now)

	// Plan renewed: counter restarted at 2 GB. Delta is 2 GB, under
	// the limit, no anomaly.
	require.NoError(t, st.ReplaceUserCache([]store.CachedUser{
		{Email: 1, UUID: "u1", Username: "alice", UsedTraffic: 2 * gb, TrafficLimit: 10 * gb},
	}, now))
	d.Scan(context.Background(), now.Add(30*time.Minute))

	anomalies, err := st.Anomalies(10)
	require.NoError(t, err)
	assert.Empty(t, anomalies)
}

func TestTraffic_DedupWithin24h(t *testing.T) {
	n := &fakeNotifier{}
	d, st := newDetector(t, nil, n)
	now := time.Now().UTC()

	cacheUser(t, st, store.CachedUser{Email: 1, UUID: "u1", Username: "alice",
		UsedTraffic: 0, TrafficLimit: 10 * gb}, now)
	d.Scan(context.Background(), now)

	for i := 1; i <= 3; i++ {
		require.NoError(t, st.ReplaceUserCache([]store.CachedUser{
			{Email: 1, UUID: "u1", Username: "alice", UsedTraffic: int64(i) * 50 * gb, TrafficLimit: 10 * gb},
		}, now))
		d.Scan(context.Background(), now.Add(time.Duration(i)*time.Hour))
	}

	anomalies, err := st.Anomalies(10)
	require.NoError(t, err)
	assert.Len(t, anomalies, 1, "unresolved anomaly suppresses repeats")
	assert.Len(t, n.sent, 1)
}

// seedVisits merges one fact row per (ip, count) pair for the user.
func seedVisits(t *testing.T, st *store.Store, email int, at time.Time, counts map[string]int64) {
	t.Helper()
	var deltas []store.VisitDelta
	for ip, count := range counts {
		deltas = append(deltas, store.VisitDelta{Email: email, SourceIP: ip, Host: "site.com", Count: count})
	}
	require.NoError(t, st.MergeVisits(deltas, at))
}

func TestIPClustering_BusyGroupsUnderLimit(t *testing.T) {
	n := &fakeNotifier{}
	d, st := newDetector(t, nil, n)
	now := time.Now().UTC()

	cacheUser(t, st, store.CachedUser{Email: 7, UUID: "u7", Username: "bob", HWIDDeviceLimit: 2}, now)
	require.NoError(t, st.PutSetting(settingIPMultiplier, "2", now))

	// 8 IPs clustering into 3 networks totalling 1200/1500/300; only
	// two groups carry >= 1000 visits, allowed is 2*2=4.
	seedVisits(t, st, 7, now, map[string]int64{
		"10.0.0.1": 600, "10.0.0.2": 600,
		"10.1.0.1": 500, "10.1.0.2": 500, "10.1.0.3": 500,
		"10.2.0.1": 100, "10.2.0.2": 100, "10.2.0.3": 100,
	})
	d.asn = &fakeResolver{records: map[string]store.ASNRecord{
		"10.0.0.1": {ASN: "AS100"}, "10.0.0.2": {ASN: "AS100"},
		"10.1.0.1": {ASN: "AS200"}, "10.1.0.2": {ASN: "AS200"}, "10.1.0.3": {ASN: "AS200"},
		"10.2.0.1": {ASN: "AS300"}, "10.2.0.2": {ASN: "AS300"}, "10.2.0.3": {ASN: "AS300"},
	}}

	d.Scan(context.Background(), now)

	anomalies, err := st.Anomalies(10)
	require.NoError(t, err)
	assert.Empty(t, anomalies, "2 busy networks within an allowance of 4")
}

func TestIPClustering_GroupTotalsNotPerIPFloors(t *testing.T) {
	n := &fakeNotifier{}
	d, st := newDetector(t, nil, n)
	now := time.Now().UTC()

	cacheUser(t, st, store.CachedUser{Email: 7, UUID: "u7", Username: "bob", HWIDDeviceLimit: 1}, now)

	// Five networks, two IPs each at 600 visits: every individual IP
	// is under the 1000 floor but every group total is 1200.
	counts := make(map[string]int64)
	records := make(map[string]store.ASNRecord)
	for g := 0; g < 5; g++ {
		for i := 0; i < 2; i++ {
			ip := fmt.Sprintf("10.%d.0.%d", g, i+1)
			counts[ip] = 600
			records[ip] = store.ASNRecord{ASN: fmt.Sprintf("AS10%d", g)}
		}
	}
	seedVisits(t, st, 7, now, counts)
	d.asn = &fakeResolver{records: records}

	d.Scan(context.Background(), now)

	anomalies, err := st.Anomalies(10)
	require.NoError(t, err)
	require.Len(t, anomalies, 1, "5 busy networks over an allowance of 3")
	assert.Equal(t, "ip_count", anomalies[0].Type)
	assert.Contains(t, anomalies[0].Details, `"group_count":5`)
	assert.Contains(t, anomalies[0].Details, `"asn_groups"`)
}

func TestIPClustering_WindowIsLast24h(t *testing.T) {
	n := &fakeNotifier{}
	d, st := newDetector(t, nil, n)
	now := time.Now().UTC()

	cacheUser(t, st, store.CachedUser{Email: 7, UUID: "u7", Username: "bob", HWIDDeviceLimit: 1}, now)

	// Heavy history from last week spread over many networks must not
	// trigger anything today.
	counts := make(map[string]int64)
	records := make(map[string]store.ASNRecord)
	for g := 0; g < 6; g++ {
		ip := fmt.Sprintf("10.%d.0.1", g)
		counts[ip] = 5000
		records[ip] = store.ASNRecord{ASN: fmt.Sprintf("AS20%d", g)}
	}
	seedVisits(t, st, 7, now.Add(-7*24*time.Hour), counts)
	d.asn = &fakeResolver{records: records}

	d.Scan(context.Background(), now)

	anomalies, err := st.Anomalies(10)
	require.NoError(t, err)
	assert.Empty(t, anomalies)
}

func TestIPClustering_InfrastructureExcluded(t *testing.T) {
	n := &fakeNotifier{}
	d, st := newDetector(t, nil, n)
	now := time.Now().UTC()

	cacheUser(t, st, store.CachedUser{Email: 7, UUID: "u7", Username: "bob", HWIDDeviceLimit: 1}, now)

	// Four busy networks, but one of the IPs is a registered node.
	counts := make(map[string]int64)
	records := make(map[string]store.ASNRecord)
	for g := 0; g < 4; g++ {
		ip := fmt.Sprintf("10.%d.0.1", g)
		counts[ip] = 2000
		records[ip] = store.ASNRecord{ASN: fmt.Sprintf("AS30%d", g)}
	}
	seedVisits(t, st, 7, now, counts)
	d.asn = &fakeResolver{records: records}

	_, err := st.CreateServer(store.Server{Name: "edge", BaseURL: "http://10.2.0.1:8080", APIKey: "k", Active: true})
	require.NoError(t, err)

	d.Scan(context.Background(), now)

	anomalies, err := st.Anomalies(10)
	require.NoError(t, err)
	assert.Empty(t, anomalies, "3 client networks within an allowance of 3")
}

func TestRIPEResolver_CacheHitSkipsLookup(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "panel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	now := time.Now().UTC()

	require.NoError(t, st.PutASN(store.ASNRecord{IP: "8.8.8.8", ASN: "AS15169", Holder: "GOOGLE"}, now))

	// The base URL is unroutable; a cache miss would fail, a cache hit
	// never dials.
	r := newRIPEResolver(st, logging.Default())
	r.http.SetBaseURL("http://127.0.0.1:1")

	rec, ok := r.Resolve(context.Background(), "8.8.8.8", now)
	require.True(t, ok)
	assert.Equal(t, "AS15169", rec.ASN)

	_, ok = r.Resolve(context.Background(), "9.9.9.9", now)
	assert.False(t, ok)
}

func TestDevices_CrackedAgentCritical(t *testing.T) {
	now := time.Now().UTC()
	devices := &fakeDevices{devices: map[string][]remnawave.Device{
		"u1": {
			{HWID: "a", UserAgent: "V2rayNG/1.8 FREE-CRACKED", UpdatedAt: now.Format(time.RFC3339)},
			{HWID: "b", UserAgent: "HACK-client", UpdatedAt: now.Format(time.RFC3339)},
			{HWID: "c", UserAgent: "Shadowrocket/2.2", UpdatedAt: now.Format(time.RFC3339)},
		},
	}}
	n := &fakeNotifier{}
	d, st := newDetector(t, devices, n)

	cacheUser(t, st, store.CachedUser{Email: 1, UUID: "u1", Username: "alice"}, now)
	d.Scan(context.Background(), now)

	anomalies, err := st.Anomalies(10)
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, "hwid", anomalies[0].Type)
	assert.Equal(t, "critical", anomalies[0].Severity, "more than one failing device")
}

func TestDevices_StaleDevicesIgnored(t *testing.T) {
	now := time.Now().UTC()
	devices := &fakeDevices{devices: map[string][]remnawave.Device{
		"u1": {
			{HWID: "a", UserAgent: "CRACK-build", UpdatedAt: now.Add(-48 * time.Hour).Format(time.RFC3339)},
		},
	}}
	n := &fakeNotifier{}
	d, st := newDetector(t, devices, n)

	cacheUser(t, st, store.CachedUser{Email: 1, UUID: "u1", Username: "alice"}, now)
	d.Scan(context.Background(), now)

	anomalies, err := st.Anomalies(10)
	require.NoError(t, err)
	assert.Empty(t, anomalies, "only recently active devices are judged")
}

func TestAgentAllowed(t *testing.T) {
	assert.True(t, agentAllowed("V2rayNG/1.8.23"))
	assert.True(t, agentAllowed("Happ/3.0"), "unknown but unmarked agents pass")
	assert.False(t, agentAllowed("V2rayNG FREE edition"))
	assert.False(t, agentAllowed("crack-tool"), "deny markers are case-insensitive")
	assert.False(t, agentAllowed(""))
}

func TestDeliveryFailure_NotifiedStaysFalse(t *testing.T) {
	n := &fakeNotifier{err: assert.AnError}
	d, st := newDetector(t, nil, n)
	now := time.Now().UTC()

	cacheUser(t, st, store.CachedUser{Email: 1, UUID: "u1", Username: "alice",
		UsedTraffic: 0, TrafficLimit: 10 * gb}, now)
	d.Scan(context.Background(), now)

	require.NoError(t, st.ReplaceUserCache([]store.CachedUser{
		{Email: 1, UUID: "u1", Username: "alice", UsedTraffic: 50 * gb, TrafficLimit: 10 * gb},
	}, now))
	d.Scan(context.Background(), now.Add(time.Hour))

	anomalies, err := st.Anomalies(10)
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.False(t, anomalies[0].Notified)
}
