// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package alerting watches collected metrics and notifies operators.
package alerting

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"grimm.is/fleetwall/internal/logging"
	"grimm.is/fleetwall/internal/notify"
	"grimm.is/fleetwall/internal/panel/store"
)

const (
	// emaWindow sets the smoothing factor: alpha = 2/(window+1).
	emaWindow = 30
	emaAlpha  = 2.0 / (emaWindow + 1)

	// warmupSamples must be seen before relative detection fires.
	warmupSamples = 5

	DefaultSustained       = 300 * time.Second
	DefaultCooldown        = 1800 * time.Second
	DefaultOffline         = 90 * time.Second
	DefaultOfflineFailures = 3

	DefaultCPUThreshold = 90.0
	DefaultRAMThreshold = 90.0

	// Relative detection: value beyond factor times the EMA.
	spikeFactor = 2.0
	dropFactor  = 0.3
)

// metricClass is one EMA-tracked series. noise is the minimum signal
// relative detection reacts to; drop enables symmetric low-side
// detection.
type metricClass struct {
	name  string
	value func(store.Snapshot) float64
	noise float64
	drop  bool
}

var metricClasses = []metricClass{
	{"cpu", func(sn store.Snapshot) float64 { return sn.CPUPercent }, 20, false},
	{"ram", func(sn store.Snapshot) float64 { return sn.RAMPercent }, 20, false},
	{"net", func(sn store.Snapshot) float64 { return sn.NetRxBytesPerSec + sn.NetTxBytesPerSec }, 1 << 20, true},
	{"tcp_established", func(sn store.Snapshot) float64 { return float64(sn.TCPEstablished) }, 50, true},
	{"tcp_listen", func(sn store.Snapshot) float64 { return float64(sn.TCPListen) }, 50, false},
	{"tcp_time_wait", func(sn store.Snapshot) float64 { return float64(sn.TCPTimeWait) }, 50, false},
	{"tcp_close_wait", func(sn store.Snapshot) float64 { return float64(sn.TCPCloseWait) }, 50, false},
	{"tcp_syn_sent", func(sn store.Snapshot) float64 { return float64(sn.TCPSynSent) }, 50, false},
	{"tcp_syn_recv", func(sn store.Snapshot) float64 { return float64(sn.TCPSynRecv) }, 50, false},
	{"tcp_fin_wait", func(sn store.Snapshot) float64 { return float64(sn.TCPFinWait) }, 50, false},
}

// Config tunes the engine. Zero values take the defaults.
type Config struct {
	CPUThreshold float64
	RAMThreshold float64
	Sustained    time.Duration
	Cooldown     time.Duration
	OfflineAfter time.Duration
	// OfflineFailures is the consecutive poll failures before a stale
	// server counts as offline.
	OfflineFailures int
	Language        string // "en" or "ru"
}

func (c *Config) applyDefaults() {
	if c.CPUThreshold == 0 {
		c.CPUThreshold = DefaultCPUThreshold
	}
	if c.RAMThreshold == 0 {
		c.RAMThreshold = DefaultRAMThreshold
	}
	if c.Sustained == 0 {
		c.Sustained = DefaultSustained
	}
	if c.Cooldown == 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.OfflineAfter == 0 {
		c.OfflineAfter = DefaultOffline
	}
	if c.OfflineFailures == 0 {
		c.OfflineFailures = DefaultOfflineFailures
	}
	if c.Language == "" {
		c.Language = "en"
	}
}

// Engine evaluates server state after each collection round.
type Engine struct {
	store    *store.Store
	notifier notify.Notifier
	logger   *logging.Logger
	cfg      Config

	mu    sync.Mutex
	state map[int64]*serverState
}

type serverState struct {
	ema     map[string]float64 // metric class -> smoothed baseline
	samples int

	breachSince map[string]time.Time // alert type -> first breach
	lastAlert   map[string]time.Time // alert type -> last notification
	offline     bool
}

// New builds an engine. notifier may be nil; alerts are then recorded
// but not delivered.
func New(st *store.Store, notifier notify.Notifier, cfg Config, logger *logging.Logger) *Engine {
	cfg.applyDefaults()
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Engine{
		store:    st,
		notifier: notifier,
		logger:   logger.WithComponent("alerting"),
		cfg:      cfg,
		state:    make(map[int64]*serverState),
	}
}

// Run evaluates on a fixed cadence until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Evaluate(ctx, time.Now())
		}
	}
}

// Evaluate checks every active server once.
func (e *Engine) Evaluate(ctx context.Context, now time.Time) {
	servers, err := e.store.ListServers(true)
	if err != nil {
		e.logger.Error("listing servers failed", "error", err)
		return
	}
	for _, srv := range servers {
		e.evaluateServer(ctx, srv, now)
	}
}

func (e *Engine) evaluateServer(ctx context.Context, srv store.Server, now time.Time) {
	st := e.serverState(srv.ID)

	e.checkOffline(ctx, srv, st, now)

	sn, ok, err := e.store.LatestSnapshot(srv.ID)
	if err != nil || !ok {
		return
	}
	// Stale snapshots would re-trigger on old data.
	takenAt, err := store.ParseTime(sn.TakenAt)
	if err != nil || now.Sub(takenAt) > e.cfg.OfflineAfter {
		return
	}

	st.samples++
	for _, mc := range metricClasses {
		v := mc.value(sn)
		if st.samples == 1 {
			st.ema[mc.name] = v
		} else {
			st.ema[mc.name] = emaAlpha*v + (1-emaAlpha)*st.ema[mc.name]
		}
	}

	e.checkAbsolute(ctx, srv, st, now, "cpu_high", sn.CPUPercent, e.cfg.CPUThreshold)
	e.checkAbsolute(ctx, srv, st, now, "ram_high", sn.RAMPercent, e.cfg.RAMThreshold)

	if st.samples >= warmupSamples {
		for _, mc := range metricClasses {
			e.checkRelative(ctx, srv, st, now, mc, mc.value(sn))
		}
	}
}

func (e *Engine) serverState(id int64) *serverState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.state[id]
	if !ok {
		st = &serverState{
			ema:         make(map[string]float64),
			breachSince: make(map[string]time.Time),
			lastAlert:   make(map[string]time.Time),
		}
		e.state[id] = st
	}
	return st
}

// checkAbsolute fires when a metric stays over its threshold for the
// sustained window.
func (e *Engine) checkAbsolute(ctx context.Context, srv store.Server, st *serverState, now time.Time, alertType string, value, threshold float64) {
	e.sustained(ctx, srv, st, now, value >= threshold, store.Alert{
		ServerID:  srv.ID,
		Type:      alertType,
		Severity:  "warning",
		Message:   e.message(alertType, srv.Name, value, threshold),
		Value:     value,
		Threshold: threshold,
	})
}

// checkRelative compares one metric against its EMA. Departures must
// hold for the sustained window, same as absolute breaches.
func (e *Engine) checkRelative(ctx context.Context, srv store.Server, st *serverState, now time.Time, mc metricClass, value float64) {
	ema := st.ema[mc.name]
	if ema <= 0 {
		return
	}

	spiking := value > ema*spikeFactor && value > mc.noise
	e.sustained(ctx, srv, st, now, spiking, store.Alert{
		ServerID:  srv.ID,
		Type:      mc.name + "_spike",
		Severity:  "warning",
		Message:   e.message(mc.name+"_spike", srv.Name, value, ema),
		Value:     value,
		Threshold: ema,
	})

	if !mc.drop {
		return
	}
	dropping := value < ema*dropFactor && ema > mc.noise
	e.sustained(ctx, srv, st, now, dropping, store.Alert{
		ServerID:  srv.ID,
		Type:      mc.name + "_drop",
		Severity:  "info",
		Message:   e.message(mc.name+"_drop", srv.Name, value, ema),
		Value:     value,
		Threshold: ema,
	})
}

// sustained tracks a breach per alert type and fires once it has held
// for the sustained window.
func (e *Engine) sustained(ctx context.Context, srv store.Server, st *serverState, now time.Time, breaching bool, alert store.Alert) {
	if !breaching {
		delete(st.breachSince, alert.Type)
		return
	}
	since, ok := st.breachSince[alert.Type]
	if !ok {
		st.breachSince[alert.Type] = now
		return
	}
	if now.Sub(since) < e.cfg.Sustained {
		return
	}
	e.fire(ctx, srv, st, now, alert)
}

// checkOffline calls a server offline after enough consecutive poll
// failures with no recent contact, and pairs it with a recovery alert
// on the first successful poll after.
func (e *Engine) checkOffline(ctx context.Context, srv store.Server, st *serverState, now time.Time) {
	var stale bool
	if srv.LastSeen == "" {
		stale = true
	} else if seen, err := store.ParseTime(srv.LastSeen); err == nil {
		stale = now.Sub(seen) > e.cfg.OfflineAfter
	}
	down := stale && srv.FailCount >= e.cfg.OfflineFailures

	switch {
	case down && !st.offline:
		st.offline = true
		e.fire(ctx, srv, st, now, store.Alert{
			ServerID: srv.ID,
			Type:     "offline",
			Severity: "critical",
			Message:  e.message("offline", srv.Name, 0, 0),
		})
	case !down && st.offline:
		st.offline = false
		// Recovery bypasses the cooldown so it always pairs with the
		// offline alert.
		delete(st.lastAlert, "recovered")
		e.fire(ctx, srv, st, now, store.Alert{
			ServerID: srv.ID,
			Type:     "recovered",
			Severity: "info",
			Message:  e.message("recovered", srv.Name, 0, 0),
		})
	}
}

// fire records the alert and attempts delivery, honoring the per-type
// cooldown. History rows are written regardless of delivery outcome.
func (e *Engine) fire(ctx context.Context, srv store.Server, st *serverState, now time.Time, alert store.Alert) {
	if last, ok := st.lastAlert[alert.Type]; ok && now.Sub(last) < e.cfg.Cooldown {
		return
	}
	st.lastAlert[alert.Type] = now
	delete(st.breachSince, alert.Type)

	id, err := e.store.InsertAlert(alert, now)
	if err != nil {
		e.logger.Error("recording alert failed", "server", srv.Name, "error", err)
		return
	}
	if err := e.notifier.Send(ctx, alert.Message); err != nil {
		e.logger.Warn("alert delivery failed", "server", srv.Name, "type", alert.Type, "error", err)
		return
	}
	if err := e.store.MarkAlertDelivered(id); err != nil {
		e.logger.Warn("marking alert delivered failed", "error", err)
	}
}

var messagesEN = map[string]string{
	"cpu_high":  "⚠️ <b>%s</b>: CPU at %.1f%% (threshold %.0f%%)",
	"ram_high":  "⚠️ <b>%s</b>: RAM at %.1f%% (threshold %.0f%%)",
	"cpu_spike": "📈 <b>%s</b>: CPU spiked to %.1f%% (recent average %.1f%%)",
	"cpu_drop":  "📉 <b>%s</b>: CPU dropped to %.1f%% (recent average %.1f%%)",
	"spike":     "📈 <b>%s</b>: %s spiked to %.0f (recent average %.0f)",
	"drop":      "📉 <b>%s</b>: %s dropped to %.0f (recent average %.0f)",
	"offline":   "🔴 <b>%s</b> is offline",
	"recovered": "🟢 <b>%s</b> is back online",
}

var messagesRU = map[string]string{
	"cpu_high":  "⚠️ <b>%s</b>: CPU %.1f%% (порог %.0f%%)",
	"ram_high":  "⚠️ <b>%s</b>: RAM %.1f%% (порог %.0f%%)",
	"cpu_spike": "📈 <b>%s</b>: скачок CPU до %.1f%% (среднее %.1f%%)",
	"cpu_drop":  "📉 <b>%s</b>: падение CPU до %.1f%% (среднее %.1f%%)",
	"spike":     "📈 <b>%s</b>: скачок %s до %.0f (среднее %.0f)",
	"drop":      "📉 <b>%s</b>: падение %s до %.0f (среднее %.0f)",
	"offline":   "🔴 <b>%s</b> не отвечает",
	"recovered": "🟢 <b>%s</b> снова в сети",
}

func (e *Engine) message(alertType, serverName string, value, reference float64) string {
	msgs := messagesEN
	if e.cfg.Language == "ru" {
		msgs = messagesRU
	}
	name := notify.Escape(serverName)
	if tmpl, ok := msgs[alertType]; ok {
		switch alertType {
		case "offline", "recovered":
			return fmt.Sprintf(tmpl, name)
		default:
			return fmt.Sprintf(tmpl, name, value, reference)
		}
	}
	// Generic template for metric classes without a dedicated message.
	if metric, ok := strings.CutSuffix(alertType, "_spike"); ok {
		return fmt.Sprintf(msgs["spike"], name, metric, value, reference)
	}
	if metric, ok := strings.CutSuffix(alertType, "_drop"); ok {
		return fmt.Sprintf(msgs["drop"], name, metric, value, reference)
	}
	return fmt.Sprintf("%s: %s", name, alertType)
}
