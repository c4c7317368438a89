// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package alerting

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/fleetwall/internal/logging"
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

func newEngine(t *testing.T, notifier *fakeNotifier, cfg Config) (*Engine, *store.Store, int64) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "panel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	id, err := st.CreateServer(store.Server{Name: "edge", BaseURL: "http://edge:8080", APIKey: "k", Active: true})
	require.NoError(t, err)

	return New(st, notifier, cfg, logging.Default()), st, id
}

// feed inserts a snapshot taken at now and marks the server seen.
func feed(t *testing.T, st *store.Store, id int64, now time.Time, cpu float64) {
	t.Helper()
	feedSnap(t, st, id, now, store.Snapshot{CPUPercent: cpu, RAMPercent: 50})
}

func feedSnap(t *testing.T, st *store.Store, id int64, now time.Time, sn store.Snapshot) {
	t.Helper()
	sn.ServerID = id
	sn.TakenAt = store.FmtTime(now)
	require.NoError(t, st.MarkServerSeen(id, now, "{}"))
	require.NoError(t, st.InsertSnapshot(sn))
}

// fail records n consecutive poll failures.
func fail(t *testing.T, st *store.Store, id int64, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, st.MarkServerError(id, "connection refused", 1))
	}
}

func TestAbsolute_RequiresSustainedBreach(t *testing.T) {
	n := &fakeNotifier{}
	e, st, id := newEngine(t, n, Config{Sustained: 300 * time.Second})
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	// Breach starts; not sustained yet.
	feed(t, st, id, now, 95)
	e.Evaluate(context.Background(), now)
	feed(t, st, id, now.Add(10*time.Second), 95)
	e.Evaluate(context.Background(), now.Add(10*time.Second))
	assert.Empty(t, n.sent)

	// Still breaching after the sustained window.
	feed(t, st, id, now.Add(301*time.Second), 95)
	e.Evaluate(context.Background(), now.Add(301*time.Second))
	require.Len(t, n.sent, 1)
	assert.Contains(t, n.sent[0], "CPU")

	alerts, err := st.Alerts(id, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "cpu_high", alerts[0].Type)
	assert.True(t, alerts[0].Delivered)
}

func TestAbsolute_RecoveryResetsBreach(t *testing.T) {
	n := &fakeNotifier{}
	e, st, id := newEngine(t, n, Config{Sustained: 300 * time.Second})
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	feed(t, st, id, now, 95)
	e.Evaluate(context.Background(), now)

	// Dip below threshold clears the breach clock.
	feed(t, st, id, now.Add(100*time.Second), 50)
	e.Evaluate(context.Background(), now.Add(100*time.Second))

	feed(t, st, id, now.Add(400*time.Second), 95)
	e.Evaluate(context.Background(), now.Add(400*time.Second))
	assert.Empty(t, n.sent, "breach restarted, not yet sustained")
}

func TestCooldown_SuppressesRepeats(t *testing.T) {
	n := &fakeNotifier{}
	e, st, id := newEngine(t, n, Config{Sustained: time.Second, Cooldown: 1800 * time.Second})
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		at := now.Add(time.Duration(i) * 60 * time.Second)
		feed(t, st, id, at, 95)
		e.Evaluate(context.Background(), at)
	}
	assert.Len(t, n.sent, 1, "cooldown holds repeats for 30 minutes")

	history, err := st.Alerts(id, 100)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestOffline_AndRecovery(t *testing.T) {
	n := &fakeNotifier{}
	e, st, id := newEngine(t, n, Config{OfflineAfter: 90 * time.Second, OfflineFailures: 3})
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, st.MarkServerSeen(id, now.Add(-5*time.Minute), "{}"))
	fail(t, st, id, 3)
	e.Evaluate(context.Background(), now)
	require.Len(t, n.sent, 1)
	assert.Contains(t, n.sent[0], "offline")

	// Repeated evaluation while offline stays quiet.
	e.Evaluate(context.Background(), now.Add(time.Minute))
	assert.Len(t, n.sent, 1)

	// A successful poll clears the streak and announces recovery.
	require.NoError(t, st.MarkServerSeen(id, now.Add(2*time.Minute), "{}"))
	e.Evaluate(context.Background(), now.Add(2*time.Minute))
	require.Len(t, n.sent, 2)
	assert.Contains(t, n.sent[1], "back online")
}

func TestOffline_NeedsFailureStreak(t *testing.T) {
	n := &fakeNotifier{}
	e, st, id := newEngine(t, n, Config{OfflineAfter: 90 * time.Second, OfflineFailures: 3})
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	// Stale but only two failures: one bad poll round must not page.
	require.NoError(t, st.MarkServerSeen(id, now.Add(-5*time.Minute), "{}"))
	fail(t, st, id, 2)
	e.Evaluate(context.Background(), now)
	assert.Empty(t, n.sent)

	// Three failures but recent contact: staleness is still required.
	require.NoError(t, st.MarkServerSeen(id, now, "{}"))
	fail(t, st, id, 3)
	e.Evaluate(context.Background(), now.Add(30*time.Second))
	assert.Empty(t, n.sent)

	// Both conditions met.
	e.Evaluate(context.Background(), now.Add(5*time.Minute))
	require.Len(t, n.sent, 1)
	assert.Contains(t, n.sent[0], "offline")
}

func TestRelativeSpike_SustainedAfterWarmup(t *testing.T) {
	n := &fakeNotifier{}
	e, st, id := newEngine(t, n, Config{Sustained: 60 * time.Second})
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	// Five calm samples warm the baseline up.
	for i := 0; i < 5; i++ {
		at := now.Add(time.Duration(i) * 10 * time.Second)
		feed(t, st, id, at, 10)
		e.Evaluate(context.Background(), at)
	}

	// The spike starts the breach clock but must hold.
	feed(t, st, id, now.Add(50*time.Second), 80)
	e.Evaluate(context.Background(), now.Add(50*time.Second))
	feed(t, st, id, now.Add(60*time.Second), 80)
	e.Evaluate(context.Background(), now.Add(60*time.Second))
	assert.Empty(t, n.sent, "short excursions stay quiet")

	feed(t, st, id, now.Add(120*time.Second), 80)
	e.Evaluate(context.Background(), now.Add(120*time.Second))
	require.Len(t, n.sent, 1)
	assert.Contains(t, n.sent[0], "spiked")

	alerts, err := st.Alerts(id, 10)
	require.NoError(t, err)
	assert.Equal(t, "cpu_spike", alerts[0].Type)
}

func TestRelativeSpike_BelowWarmupStaysQuiet(t *testing.T) {
	n := &fakeNotifier{}
	e, st, id := newEngine(t, n, Config{Sustained: time.Second})
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	// Only three samples before the excursion: no baseline yet.
	for i := 0; i < 3; i++ {
		at := now.Add(time.Duration(i) * 10 * time.Second)
		feed(t, st, id, at, 10)
		e.Evaluate(context.Background(), at)
	}
	feed(t, st, id, now.Add(30*time.Second), 80)
	e.Evaluate(context.Background(), now.Add(30*time.Second))
	assert.Empty(t, n.sent)
}

func TestNetDrop_Sustained(t *testing.T) {
	n := &fakeNotifier{}
	e, st, id := newEngine(t, n, Config{Sustained: 60 * time.Second})
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	busy := store.Snapshot{CPUPercent: 10, RAMPercent: 50, NetRxBytesPerSec: 5e6, NetTxBytesPerSec: 5e6}
	for i := 0; i < 5; i++ {
		at := now.Add(time.Duration(i) * 10 * time.Second)
		feedSnap(t, st, id, at, busy)
		e.Evaluate(context.Background(), at)
	}

	idle := store.Snapshot{CPUPercent: 10, RAMPercent: 50}
	feedSnap(t, st, id, now.Add(50*time.Second), idle)
	e.Evaluate(context.Background(), now.Add(50*time.Second))
	assert.Empty(t, n.sent)

	feedSnap(t, st, id, now.Add(120*time.Second), idle)
	e.Evaluate(context.Background(), now.Add(120*time.Second))
	require.Len(t, n.sent, 1)
	assert.Contains(t, n.sent[0], "net")

	alerts, err := st.Alerts(id, 10)
	require.NoError(t, err)
	assert.Equal(t, "net_drop", alerts[0].Type)
	assert.Equal(t, "info", alerts[0].Severity)
}

func TestTCPEstablishedSpike(t *testing.T) {
	n := &fakeNotifier{}
	e, st, id := newEngine(t, n, Config{Sustained: 60 * time.Second})
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	calm := store.Snapshot{CPUPercent: 10, RAMPercent: 50, TCPEstablished: 100}
	for i := 0; i < 5; i++ {
		at := now.Add(time.Duration(i) * 10 * time.Second)
		feedSnap(t, st, id, at, calm)
		e.Evaluate(context.Background(), at)
	}

	flood := store.Snapshot{CPUPercent: 10, RAMPercent: 50, TCPEstablished: 400}
	feedSnap(t, st, id, now.Add(50*time.Second), flood)
	e.Evaluate(context.Background(), now.Add(50*time.Second))
	feedSnap(t, st, id, now.Add(120*time.Second), flood)
	e.Evaluate(context.Background(), now.Add(120*time.Second))

	require.Len(t, n.sent, 1)
	assert.Contains(t, n.sent[0], "tcp_established")

	alerts, err := st.Alerts(id, 10)
	require.NoError(t, err)
	assert.Equal(t, "tcp_established_spike", alerts[0].Type)
}

func TestDeliveryFailure_StillRecorded(t *testing.T) {
	n := &fakeNotifier{err: assert.AnError}
	e, st, id := newEngine(t, n, Config{OfflineAfter: 90 * time.Second, OfflineFailures: 3})
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, st.MarkServerSeen(id, now.Add(-5*time.Minute), "{}"))
	fail(t, st, id, 3)
	e.Evaluate(context.Background(), now)

	alerts, err := st.Alerts(id, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.False(t, alerts[0].Delivered, "history kept even when delivery fails")
}

func TestRussianMessages(t *testing.T) {
	n := &fakeNotifier{}
	e, st, id := newEngine(t, n, Config{OfflineAfter: 90 * time.Second, OfflineFailures: 3, Language: "ru"})
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, st.MarkServerSeen(id, now.Add(-5*time.Minute), "{}"))
	fail(t, st, id, 3)
	e.Evaluate(context.Background(), now)
	require.Len(t, n.sent, 1)
	assert.Contains(t, n.sent[0], "не отвечает")
}
