// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package trafficacct

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/fleetwall/internal/hostexec"
	"grimm.is/fleetwall/internal/logging"
)

// fakeCounters serves mutable counter values through the commands the
// accountant actually runs.
type fakeCounters struct {
	rxBytes, txBytes uint64
	portIn, portOut  uint64
	commands         []string
}

func (f *fakeCounters) Execute(_ context.Context, req hostexec.Request) hostexec.Result {
	f.commands = append(f.commands, req.Command)
	cmd := req.Command

	switch {
	case cmd == "cat /proc/net/dev":
		out := fmt.Sprintf(`Inter-|   Receive                                                |  Transmit
 face |bytes    packets errs drop fifo frame compressed multicast|bytes    packets errs drop fifo colls carrier compressed
    lo:  999999    1000    0    0    0     0          0         0  999999    1000    0    0    0     0       0          0
  eth0: %d    5000    0    0    0     0          0         0  %d    4000    0    0    0     0       0          0
`, f.rxBytes, f.txBytes)
		return hostexec.Result{Success: true, Stdout: out}

	case strings.HasPrefix(cmd, "iptables -L "+ChainIn):
		out := fmt.Sprintf(`Chain TRAFFIC_ACCOUNTING_IN (1 references)
    pkts      bytes target     prot opt in     out     source               destination
     100   %d            tcp  --  *      *       0.0.0.0/0            0.0.0.0/0            tcp dpt:443
`, f.portIn)
		return hostexec.Result{Success: true, Stdout: out}

	case strings.HasPrefix(cmd, "iptables -L "+ChainOut):
		out := fmt.Sprintf(`Chain TRAFFIC_ACCOUNTING_OUT (1 references)
    pkts      bytes target     prot opt in     out     source               destination
      80   %d            tcp  --  *      *       0.0.0.0/0            0.0.0.0/0            tcp spt:443
`, f.portOut)
		return hostexec.Result{Success: true, Stdout: out}

	default:
		return hostexec.Result{Success: true}
	}
}

func newTestAccountant(t *testing.T) (*Accountant, *fakeCounters, *Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := OpenStore(filepath.Join(dir, "traffic.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fc := &fakeCounters{}
	a := New(Config{StatePath: filepath.Join(dir, "state.json")}, fc, store, logging.Default())
	return a, fc, store
}

func TestParseProcNetDev(t *testing.T) {
	text := `Inter-|   Receive                                                |  Transmit
 face |bytes    packets errs drop fifo frame compressed multicast|bytes    packets errs drop fifo colls carrier compressed
    lo: 100 10 0 0 0 0 0 0 100 10 0 0 0 0 0 0
  eth0: 1000000 5000 0 0 0 0 0 0 2000000 4000 0 0 0 0 0 0
`
	got := parseProcNetDev(text)
	require.Len(t, got, 1, "loopback must be skipped")
	assert.Equal(t, "eth0", got[0].Name)
	assert.Equal(t, uint64(1000000), got[0].RxBytes)
	assert.Equal(t, uint64(5000), got[0].RxPackets)
	assert.Equal(t, uint64(2000000), got[0].TxBytes)
	assert.Equal(t, uint64(4000), got[0].TxPackets)
}

func TestParseChainCounters(t *testing.T) {
	text := `Chain TRAFFIC_ACCOUNTING_IN (1 references)
    pkts      bytes target     prot opt in     out     source               destination
     123      45678            tcp  --  *      *       0.0.0.0/0            0.0.0.0/0            tcp dpt:443
      10       2048            udp  --  *      *       0.0.0.0/0            0.0.0.0/0            udp dpt:53
`
	got := parseChainCounters(text, "in")
	require.Len(t, got, 2)
	assert.Equal(t, PortCounters{Port: 443, Protocol: "tcp", Direction: "in", Bytes: 45678, Packets: 123}, got[0])
	assert.Equal(t, PortCounters{Port: 53, Protocol: "udp", Direction: "in", Bytes: 2048, Packets: 10}, got[1])
}

func TestCounterDelta_RebootRule(t *testing.T) {
	assert.Equal(t, uint64(50000), counterDelta(1050000, 1000000))
	assert.Equal(t, uint64(100), counterDelta(100, 1050000), "counter reset records the current value")
	assert.Equal(t, uint64(0), counterDelta(7, 7))
}

func TestCollect_FirstTickIsBaselineOnly(t *testing.T) {
	a, fc, store := newTestAccountant(t)
	ctx := context.Background()

	fc.rxBytes, fc.txBytes = 1000000, 2000000
	require.NoError(t, a.Collect(ctx))

	rows, err := store.InterfaceTotals(time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, rows, "baseline tick must not record samples")
}

func TestCollect_DeltasAndAccumulation(t *testing.T) {
	a, fc, store := newTestAccountant(t)
	ctx := context.Background()

	fc.rxBytes, fc.txBytes = 1000000, 2000000
	fc.portIn, fc.portOut = 10000, 5000
	require.NoError(t, a.Collect(ctx))

	fc.rxBytes, fc.txBytes = 1050000, 2030000
	fc.portIn, fc.portOut = 14000, 6000
	require.NoError(t, a.Collect(ctx))

	ifaces, err := store.InterfaceTotals(time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, ifaces, 1)
	assert.Equal(t, uint64(50000), ifaces[0].RxBytes)
	assert.Equal(t, uint64(30000), ifaces[0].TxBytes)

	ports, err := store.PortTotals(time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, ports, 2)

	byDir := map[string]uint64{}
	for _, p := range ports {
		assert.Equal(t, 443, p.Port)
		byDir[p.Direction] = p.Bytes
	}
	assert.Equal(t, uint64(4000), byDir["in"])
	assert.Equal(t, uint64(1000), byDir["out"])

	hourly, err := store.Series("hourly", 10)
	require.NoError(t, err)
	require.NotEmpty(t, hourly)
	var eth0 *PeriodRow
	for i := range hourly {
		if hourly[i].Entity == "eth0" {
			eth0 = &hourly[i]
		}
	}
	require.NotNil(t, eth0)
	assert.Equal(t, uint64(50000), eth0.RxBytes)
	assert.Equal(t, uint64(30000), eth0.TxBytes)
}

func TestCollect_RebootRecordsCurrent(t *testing.T) {
	a, fc, store := newTestAccountant(t)
	ctx := context.Background()

	fc.rxBytes, fc.txBytes = 1000000, 2000000
	require.NoError(t, a.Collect(ctx))

	// Host rebooted: counters restart near zero.
	fc.rxBytes, fc.txBytes = 100, 200
	require.NoError(t, a.Collect(ctx))

	ifaces, err := store.InterfaceTotals(time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, ifaces, 1)
	assert.Equal(t, uint64(100), ifaces[0].RxBytes)
	assert.Equal(t, uint64(200), ifaces[0].TxBytes)
}

func TestAccumulate_UpsertAddsWithinPeriod(t *testing.T) {
	_, _, store := newTestAccountant(t)
	now := time.Now()

	sample := func(rx, tx uint64) []InterfaceSample {
		return []InterfaceSample{{Timestamp: now, Interface: "eth0", RxBytes: rx, TxBytes: tx}}
	}
	require.NoError(t, store.RecordTick(sample(100, 50), nil))
	require.NoError(t, store.RecordTick(sample(200, 75), nil))

	daily, err := store.EntitySeries("daily", "eth0", 10)
	require.NoError(t, err)
	require.Len(t, daily, 1)
	assert.Equal(t, uint64(300), daily[0].RxBytes)
	assert.Equal(t, uint64(125), daily[0].TxBytes)
}

func TestPortCRUD(t *testing.T) {
	a, fc, _ := newTestAccountant(t)
	ctx := context.Background()

	p := TrackedPort{Port: 443, Protocol: "tcp"}
	require.NoError(t, a.AddPort(ctx, p))
	assert.Equal(t, []TrackedPort{p}, a.ListPorts())

	err := a.AddPort(ctx, p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already tracked")

	assert.Error(t, a.AddPort(ctx, TrackedPort{Port: 0, Protocol: "tcp"}))
	assert.Error(t, a.AddPort(ctx, TrackedPort{Port: 80, Protocol: "icmp"}))

	require.NoError(t, a.RemovePort(ctx, p))
	assert.Empty(t, a.ListPorts())
	assert.Error(t, a.RemovePort(ctx, p))

	joined := strings.Join(fc.commands, "\n")
	assert.Contains(t, joined, "--dport 443")
	assert.Contains(t, joined, "--sport 443")
}

func TestStateSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.json")
	store, err := OpenStore(filepath.Join(dir, "traffic.db"))
	require.NoError(t, err)
	defer store.Close()

	fc := &fakeCounters{rxBytes: 1000000, txBytes: 2000000}
	a := New(Config{StatePath: statePath}, fc, store, logging.Default())
	ctx := context.Background()

	require.NoError(t, a.AddPort(ctx, TrackedPort{Port: 443, Protocol: "tcp"}))
	require.NoError(t, a.Collect(ctx)) // baseline
	a.saveState()

	// A fresh accountant from the same state file must not re-baseline:
	// the first tick after restart produces real deltas.
	a2 := New(Config{StatePath: statePath}, fc, store, logging.Default())
	assert.Equal(t, []TrackedPort{{Port: 443, Protocol: "tcp"}}, a2.ListPorts())

	fc.rxBytes = 1000500
	require.NoError(t, a2.Collect(ctx))

	ifaces, err := store.InterfaceTotals(time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, ifaces, 1)
	assert.Equal(t, uint64(500), ifaces[0].RxBytes)
}

func TestSeries_UnknownGranularity(t *testing.T) {
	_, _, store := newTestAccountant(t)
	_, err := store.Series("weekly", 10)
	assert.Error(t, err)
}
