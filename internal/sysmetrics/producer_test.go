// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package sysmetrics

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/fleetwall/internal/hostexec"
	"grimm.is/fleetwall/internal/logging"
)

type fakeRunner struct {
	tcpText  string
	udpCount string
	calls    int
}

func (f *fakeRunner) Execute(_ context.Context, req hostexec.Request) hostexec.Result {
	f.calls++
	if strings.Contains(req.Command, "/proc/net/udp") {
		return hostexec.Result{Success: true, Stdout: f.udpCount}
	}
	return hostexec.Result{Success: true, Stdout: f.tcpText}
}

const procNetTCP = `  sl  local_address rem_address   st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode
   0: 00000000:0016 00000000:0000 0A 00000000:00000000 00:00000000 00000000     0        0 1 0000000000000000 100 0 0 10 0
   1: 0100007F:0CEA 00000000:0000 0A 00000000:00000000 00:00000000 00000000     0        0 1 0000000000000000 100 0 0 10 0
   2: AC1F0001:01BB AC1F0002:D2F4 01 00000000:00000000 00:00000000 00000000     0        0 1 0000000000000000 20 4 30 10 -1
   3: AC1F0001:01BB AC1F0003:A3B2 06 00000000:00000000 03:00000F2C 00000000     0        0 0 0000000000000000
   4: AC1F0001:01BB AC1F0004:B1C1 08 00000000:00000000 00:00000000 00000000     0        0 1 0000000000000000 20 4 30 10 -1
   5: AC1F0001:0050 AC1F0005:C2D2 09 00000000:00000000 00:00000000 00000000     0        0 1 0000000000000000
`

func TestParseTCPStates(t *testing.T) {
	hist := parseTCPStates(procNetTCP)
	assert.Equal(t, 2, hist.Listen)
	assert.Equal(t, 1, hist.Established)
	assert.Equal(t, 1, hist.TimeWait)
	assert.Equal(t, 1, hist.CloseWait)
	assert.Equal(t, 1, hist.Other, "LAST_ACK lands in other")
	assert.Zero(t, hist.SynSent)
}

func TestTCPHistogram_Cached(t *testing.T) {
	fr := &fakeRunner{tcpText: procNetTCP, udpCount: "6\n"}
	p := NewProducer(fr, nil, logging.Default())
	ctx := context.Background()

	first := p.tcpHistogram(ctx)
	calls := fr.calls
	second := p.tcpHistogram(ctx)

	assert.Equal(t, first, second)
	assert.Equal(t, calls, fr.calls, "second call within TTL must not hit the host")
	assert.Equal(t, 4, first.UDPSockets, "header lines excluded")
}

type fakeCerts struct{ names []string }

func (f *fakeCerts) ListCertNames(context.Context) ([]string, error) { return f.names, nil }

func TestCollect_Composite(t *testing.T) {
	fr := &fakeRunner{tcpText: procNetTCP, udpCount: "2\n"}
	p := NewProducer(fr, &fakeCerts{names: []string{"example.com"}}, logging.Default())

	snap := p.Collect(context.Background())

	require.False(t, snap.Timestamp.IsZero())
	assert.Equal(t, []string{"example.com"}, snap.Certificates)
	assert.Equal(t, 1, snap.TCP.Established)

	// Real gopsutil sections: just check they populated on this host.
	assert.NotZero(t, snap.Memory.Total)
	assert.NotZero(t, snap.CPU.Cores)
	assert.NotEmpty(t, snap.System.Hostname)
}
