// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package collector

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/fleetwall/internal/logging"
	"grimm.is/fleetwall/internal/panel/nodeclient"
	"grimm.is/fleetwall/internal/panel/store"
)

type fakeNode struct {
	metrics     nodeclient.MetricsBody
	metricsErr  error
	haproxyJSON string
	xray        nodeclient.XrayStatus
	xrayErr     error
}

func (f *fakeNode) Metrics(context.Context) (nodeclient.MetricsRaw, error) {
	if f.metricsErr != nil {
		return nodeclient.MetricsRaw{}, f.metricsErr
	}
	raw, _ := json.Marshal(f.metrics)
	return nodeclient.MetricsRaw{Raw: raw, Body: f.metrics}, nil
}

func (f *fakeNode) HAProxyStatus(context.Context) (json.RawMessage, error) {
	if f.haproxyJSON == "" {
		return nil, assert.AnError
	}
	return json.RawMessage(f.haproxyJSON), nil
}

func (f *fakeNode) TrafficSummary(context.Context, int) (json.RawMessage, error) {
	return nil, assert.AnError
}

func (f *fakeNode) ProbeXray(context.Context) (nodeclient.XrayStatus, error) {
	return f.xray, f.xrayErr
}

func newCollector(t *testing.T, node *fakeNode) (*Collector, *store.Store, int64) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "panel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	id, err := st.CreateServer(store.Server{Name: "edge", BaseURL: "http://edge:8080", APIKey: "k", Active: true})
	require.NoError(t, err)

	c := New(st, func(string, string) NodeClient { return node }, logging.Default())
	return c, st, id
}

func metricsBody(cpu float64, rx, tx uint64) nodeclient.MetricsBody {
	var b nodeclient.MetricsBody
	b.CPU.Percent = cpu
	b.Memory.Percent = 40
	b.Network.RxBytes = rx
	b.Network.TxBytes = tx
	b.TCP = map[string]int{"established": 3, "listen": 2}
	return b
}

func TestPoll_StoresSnapshotAndMarksSeen(t *testing.T) {
	node := &fakeNode{metrics: metricsBody(55, 1000, 2000)}
	c, st, id := newCollector(t, node)

	c.PollOnce(context.Background())

	sn, ok, err := st.LatestSnapshot(id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 55.0, sn.CPUPercent)
	assert.Equal(t, uint64(1000), sn.NetRxBytes)
	assert.Equal(t, 3, sn.TCPEstablished)
	assert.Zero(t, sn.NetRxBytesPerSec, "first sample has no baseline")

	srv, err := st.GetServer(id)
	require.NoError(t, err)
	assert.NotEmpty(t, srv.LastSeen)
	assert.Zero(t, srv.ErrorCode)
	assert.Contains(t, srv.LastMetricsData, `"percent":55`)
}

func TestPoll_SpeedDerivation(t *testing.T) {
	node := &fakeNode{metrics: metricsBody(10, 1000, 500)}
	c, st, id := newCollector(t, node)

	c.PollOnce(context.Background())

	// Force a known elapsed window for the second sample.
	c.mu.Lock()
	prev := c.prev[id]
	prev.at = prev.at.Add(-10 * time.Second)
	c.prev[id] = prev
	c.mu.Unlock()

	node.metrics = metricsBody(10, 6000, 1500)
	c.PollOnce(context.Background())

	sn, ok, err := st.LatestSnapshot(id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 500.0, sn.NetRxBytesPerSec, 1.0)
	assert.InDelta(t, 100.0, sn.NetTxBytesPerSec, 1.0)
}

func TestPoll_RebootCounterReset(t *testing.T) {
	node := &fakeNode{metrics: metricsBody(10, 1000000, 2000)}
	c, st, id := newCollector(t, node)

	c.PollOnce(context.Background())

	c.mu.Lock()
	prev := c.prev[id]
	prev.at = prev.at.Add(-10 * time.Second)
	c.prev[id] = prev
	c.mu.Unlock()

	// rx restarted at 100 after a reboot; tx kept counting. The reset
	// counter's current value is the whole delta, and the healthy
	// counter is unaffected.
	node.metrics = metricsBody(10, 100, 3000)
	c.PollOnce(context.Background())

	sn, ok, err := st.LatestSnapshot(id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(100), sn.NetRxBytes)
	assert.InDelta(t, 10.0, sn.NetRxBytesPerSec, 0.5)
	assert.InDelta(t, 100.0, sn.NetTxBytesPerSec, 1.0)
}

func TestPoll_ErrorRecorded(t *testing.T) {
	node := &fakeNode{metricsErr: assert.AnError}
	c, st, id := newCollector(t, node)

	c.PollOnce(context.Background())

	srv, err := st.GetServer(id)
	require.NoError(t, err)
	assert.NotEmpty(t, srv.LastError)
	assert.NotZero(t, srv.ErrorCode)
	assert.Empty(t, srv.LastSeen, "failed poll must not advance last_seen")

	_, ok, err := st.LatestSnapshot(id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProbeXray_FlagFlips(t *testing.T) {
	node := &fakeNode{metrics: metricsBody(1, 0, 0), xray: nodeclient.XrayStatus{Running: true}}
	c, st, id := newCollector(t, node)

	c.probeXray(context.Background())
	srv, err := st.GetServer(id)
	require.NoError(t, err)
	assert.True(t, srv.HasXrayNode)

	// A probe failure keeps the stored flag.
	node.xrayErr = assert.AnError
	node.xray.Running = false
	c.probeXray(context.Background())
	srv, err = st.GetServer(id)
	require.NoError(t, err)
	assert.True(t, srv.HasXrayNode)
}

func TestRollUp_HourAggregation(t *testing.T) {
	node := &fakeNode{}
	c, st, id := newCollector(t, node)

	now := time.Date(2026, 5, 1, 13, 0, 30, 0, time.UTC)
	hourStart := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	for i, cpu := range []float64{20, 40, 60} {
		require.NoError(t, st.InsertSnapshot(store.Snapshot{
			ServerID:         id,
			TakenAt:          store.FmtTime(hourStart.Add(time.Duration(i) * 10 * time.Minute)),
			CPUPercent:       cpu,
			NetRxBytes:       uint64(1000 * (i + 1)),
			NetRxBytesPerSec: 100,
		}))
	}

	c.rollUp(now)

	aggs, err := st.Aggregates(id, "hour", hourStart, hourStart)
	require.NoError(t, err)
	require.Len(t, aggs, 1)
	assert.InDelta(t, 40.0, aggs[0].AvgCPU, 0.01)
	assert.Equal(t, 60.0, aggs[0].MaxCPU)
	assert.Equal(t, uint64(2000), aggs[0].TotalRx, "counter span 1000 to 3000")
	assert.Equal(t, 3, aggs[0].Samples)
}

func TestClampInterval(t *testing.T) {
	assert.Equal(t, MinPollInterval, ClampInterval(time.Second))
	assert.Equal(t, 30*time.Second, ClampInterval(30*time.Second))
	assert.Equal(t, MaxPollInterval, ClampInterval(time.Hour))
}

func TestReloadSettings_AppliesClampedInterval(t *testing.T) {
	node := &fakeNode{}
	c, st, _ := newCollector(t, node)

	require.NoError(t, st.PutSetting(settingPollInterval, "60", time.Now()))
	c.reloadSettings()
	assert.Equal(t, 60*time.Second, c.currentInterval())

	require.NoError(t, st.PutSetting(settingPollInterval, "1", time.Now()))
	c.reloadSettings()
	assert.Equal(t, MinPollInterval, c.currentInterval())
}
