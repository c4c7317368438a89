// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package xraylog

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/fleetwall/internal/logging"
)

func accessLine(ip, host string, email int) string {
	return fmt.Sprintf("2026/08/24 13:00:01.123 from tcp:%s:51234 accepted tcp:%s:443 [vless-in -> direct] email: %d", ip, host, email)
}

func TestParseLine(t *testing.T) {
	entry, ok := ParseLine(accessLine("9.9.9.9", "a.com", 42))
	require.True(t, ok)
	assert.Equal(t, Entry{Email: 42, SourceIP: "9.9.9.9", Host: "a.com"}, entry)

	// Without the tcp: source prefix and without subsecond precision.
	entry, ok = ParseLine("2026/08/24 13:00:01 from 1.2.3.4:1000 accepted udp:b.org:53 [in -> out] email: 7")
	require.True(t, ok)
	assert.Equal(t, Entry{Email: 7, SourceIP: "1.2.3.4", Host: "b.org"}, entry)
}

func TestParseLine_SkipsBlockedAndTorrent(t *testing.T) {
	for _, line := range []string{
		"2026/08/24 13:00:01 from tcp:9.9.9.9:1 accepted tcp:ads.com:443 [vless-in -> BLOCK] email: 42",
		"2026/08/24 13:00:01 from tcp:9.9.9.9:1 accepted tcp:ads.com:443 [vless-in >> BLOCK] email: 42",
		"2026/08/24 13:00:01 from tcp:9.9.9.9:1 accepted tcp:tracker.io:6881 [vless-in -> torrent] email: 42",
		"garbage line",
		"2026/08/24 13:00:01 from tcp:9.9.9.9:1 accepted tcp:a.com:443 [in -> out] email: not-a-number",
	} {
		_, ok := ParseLine(line)
		assert.False(t, ok, line)
	}
}

func newTestIngester(hooks ...LineHook) *Ingester {
	return New(nil, logging.Default(), hooks...)
}

func TestAggregation(t *testing.T) {
	i := newTestIngester()

	// Three lines for user 42: a.com twice, b.com once.
	i.ingestLine(accessLine("9.9.9.9", "a.com", 42))
	i.ingestLine(accessLine("9.9.9.9", "a.com", 42))
	i.ingestLine(accessLine("9.9.9.9", "b.com", 42))
	i.processBatch()

	snap := i.CollectAndClear()
	require.Len(t, snap.Stats, 2)

	byHost := map[string]Stat{}
	for _, s := range snap.Stats {
		byHost[s.Host] = s
	}
	assert.Equal(t, int64(2), byHost["a.com"].Count)
	assert.Equal(t, int64(1), byHost["b.com"].Count)
	assert.Equal(t, 42, byHost["a.com"].Email)
	assert.Equal(t, "9.9.9.9", byHost["a.com"].SourceIP)
	assert.False(t, snap.CollectedAt.IsZero())
}

func TestCollectAndClear_DrainsPendingBatch(t *testing.T) {
	i := newTestIngester()

	// Lines still sitting in the buffer, no batch tick yet.
	i.ingestLine(accessLine("9.9.9.9", "a.com", 42))

	snap := i.CollectAndClear()
	require.Len(t, snap.Stats, 1)
	assert.Equal(t, int64(1), snap.Stats[0].Count)

	// Second collect: everything was reset.
	snap = i.CollectAndClear()
	assert.Empty(t, snap.Stats)
}

func TestCountMonotonicBetweenClears(t *testing.T) {
	i := newTestIngester()

	i.ingestLine(accessLine("9.9.9.9", "a.com", 42))
	i.processBatch()
	first := i.Status().AggregateSize

	i.ingestLine(accessLine("9.9.9.9", "a.com", 42))
	i.processBatch()

	assert.Equal(t, first, i.Status().AggregateSize, "same key must not grow the map")
	snap := i.CollectAndClear()
	require.Len(t, snap.Stats, 1)
	assert.Equal(t, int64(2), snap.Stats[0].Count)
}

func TestBufferBounds_DropsWhenFull(t *testing.T) {
	i := newTestIngester()
	i.maxBufferLines = 3

	for n := 0; n < 5; n++ {
		i.ingestLine(accessLine("9.9.9.9", "a.com", 42))
	}

	st := i.Status()
	assert.Equal(t, 3, st.BufferedLines)
	assert.Equal(t, int64(2), st.DroppedLines)
}

func TestWatchdog_ClearsOverLimit(t *testing.T) {
	i := newTestIngester()

	i.ingestLine(accessLine("9.9.9.9", "a.com", 42))
	i.processBatch()

	// Force the over-limit branch.
	i.mu.Lock()
	i.aggBytes = maxAggregateBytes + 1
	i.mu.Unlock()

	i.watchdogCheck()

	st := i.Status()
	assert.Equal(t, 0, st.AggregateSize)
	assert.Equal(t, int64(1), st.AutoFlushes)
}

func TestWatchdog_ClearsStaleAggregate(t *testing.T) {
	i := newTestIngester()

	i.ingestLine(accessLine("9.9.9.9", "a.com", 42))
	i.processBatch()

	i.mu.Lock()
	i.lastDrain = time.Now().Add(-11 * time.Minute)
	i.mu.Unlock()

	i.watchdogCheck()
	assert.Equal(t, 0, i.Status().AggregateSize)
}

func TestWatchdog_NearLimitSkipsNextBatch(t *testing.T) {
	i := newTestIngester()

	i.mu.Lock()
	i.aggBytes = int(float64(maxAggregateBytes)*nearLimitFraction) + 1
	i.mu.Unlock()
	i.watchdogCheck()

	i.ingestLine(accessLine("9.9.9.9", "a.com", 42))
	i.processBatch() // skipped
	assert.Equal(t, 1, i.Status().BufferedLines)

	i.processBatch() // next one runs
	assert.Equal(t, 0, i.Status().BufferedLines)
	assert.Equal(t, 1, i.Status().AggregateSize)
}

func TestLineHooks_SeeRawLines(t *testing.T) {
	var seen []string
	i := newTestIngester(func(line string) { seen = append(seen, line) })

	torrentLine := "2026/08/24 13:00:01 from tcp:9.9.9.9:1 accepted tcp:tracker.io:6881 [vless-in -> torrent] email: 42"
	i.ingestLine(torrentLine)
	i.ingestLine(accessLine("9.9.9.9", "a.com", 42))
	i.processBatch()

	// Hooks observe filtered lines too.
	require.Len(t, seen, 2)
	assert.Equal(t, torrentLine, seen[0])

	snap := i.CollectAndClear()
	assert.Len(t, snap.Stats, 1, "torrent line must not be aggregated")
}
