// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package trafficacct

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"grimm.is/fleetwall/internal/errors"
	"grimm.is/fleetwall/internal/logging"
)

const (
	// DefaultCollectInterval is how often counters are sampled.
	DefaultCollectInterval = 60 * time.Second
	// DefaultRetentionDays bounds the raw sample tables.
	DefaultRetentionDays = 30
	// DefaultStatePath persists counter baselines across restarts.
	DefaultStatePath = "/var/lib/monitoring/traffic_state.json"

	stateSaveInterval  = 5 * time.Minute
	chainCheckInterval = 10 * time.Minute
	summaryCacheTTL    = 120 * time.Second
)

// Config tunes the accountant.
type Config struct {
	CollectInterval time.Duration
	RetentionDays   int
	StatePath       string
}

func (c *Config) applyDefaults() {
	if c.CollectInterval <= 0 {
		c.CollectInterval = DefaultCollectInterval
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = DefaultRetentionDays
	}
	if c.StatePath == "" {
		c.StatePath = DefaultStatePath
	}
}

// persistedState is the durable baseline file. Without it a restart
// would treat the running counters as fresh deltas and double-count.
type persistedState struct {
	SavedAt    time.Time                    `json:"saved_at"`
	Ports      []TrackedPort                `json:"ports"`
	Interfaces map[string]InterfaceCounters `json:"interfaces"`
	PortPrev   map[string]PortCounters      `json:"port_prev"`
}

// Accountant samples counters on a schedule and feeds the store.
type Accountant struct {
	cfg    Config
	runner Runner
	store  *Store
	logger *logging.Logger

	mu        sync.Mutex
	ports     []TrackedPort
	ifacePrev map[string]InterfaceCounters
	portPrev  map[string]PortCounters
	baselined bool

	summaries *gocache.Cache
}

// New creates an accountant. Call Run to start the schedule.
func New(cfg Config, runner Runner, store *Store, logger *logging.Logger) *Accountant {
	cfg.applyDefaults()
	a := &Accountant{
		cfg:       cfg,
		runner:    runner,
		store:     store,
		logger:    logger.WithComponent("trafficacct"),
		ifacePrev: make(map[string]InterfaceCounters),
		portPrev:  make(map[string]PortCounters),
		summaries: gocache.New(summaryCacheTTL, time.Minute),
	}
	a.loadState()
	return a
}

// Run installs the chains and samples until the context is cancelled.
func (a *Accountant) Run(ctx context.Context) error {
	a.mu.Lock()
	ports := append([]TrackedPort(nil), a.ports...)
	a.mu.Unlock()

	if err := ensureChains(ctx, a.runner, ports); err != nil {
		// The chains get re-ensured on the 10 min schedule; a transient
		// failure at startup is not fatal.
		a.logger.Error("failed to install accounting chains", "error", err)
	}

	collect := time.NewTicker(a.cfg.CollectInterval)
	defer collect.Stop()
	save := time.NewTicker(stateSaveInterval)
	defer save.Stop()
	chains := time.NewTicker(chainCheckInterval)
	defer chains.Stop()
	cleanup := time.NewTicker(24 * time.Hour)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			a.saveState()
			return ctx.Err()
		case <-collect.C:
			if err := a.Collect(ctx); err != nil {
				a.logger.Warn("traffic collection failed", "error", err)
			}
		case <-save.C:
			a.saveState()
		case <-chains.C:
			a.mu.Lock()
			ports := append([]TrackedPort(nil), a.ports...)
			a.mu.Unlock()
			if err := ensureChains(ctx, a.runner, ports); err != nil {
				a.logger.Warn("failed to re-ensure accounting chains", "error", err)
			}
		case <-cleanup.C:
			retention := time.Duration(a.cfg.RetentionDays) * 24 * time.Hour
			n, err := a.store.Cleanup(retention)
			if err != nil {
				a.logger.Warn("traffic retention cleanup failed", "error", err)
			} else if n > 0 {
				a.logger.Info("pruned raw traffic rows", "rows", n)
			}
		}
	}
}

// Collect samples current counters and persists the deltas. The first
// call after start only records baselines.
func (a *Accountant) Collect(ctx context.Context) error {
	now := time.Now()

	ifaces, err := readInterfaces(ctx, a.runner)
	if err != nil {
		return err
	}
	ports, err := readPortCounters(ctx, a.runner)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.baselined {
		for _, i := range ifaces {
			a.ifacePrev[i.Name] = i
		}
		for _, p := range ports {
			a.portPrev[portKey(p)] = p
		}
		a.baselined = true
		return nil
	}

	var ifaceSamples []InterfaceSample
	for _, cur := range ifaces {
		prev, seen := a.ifacePrev[cur.Name]
		a.ifacePrev[cur.Name] = cur
		if !seen {
			continue // new interface: baseline only
		}
		ifaceSamples = append(ifaceSamples, InterfaceSample{
			Timestamp: now,
			Interface: cur.Name,
			RxBytes:   counterDelta(cur.RxBytes, prev.RxBytes),
			TxBytes:   counterDelta(cur.TxBytes, prev.TxBytes),
			RxPackets: counterDelta(cur.RxPackets, prev.RxPackets),
			TxPackets: counterDelta(cur.TxPackets, prev.TxPackets),
		})
	}

	var portSamples []PortSample
	for _, cur := range ports {
		key := portKey(cur)
		prev, seen := a.portPrev[key]
		a.portPrev[key] = cur
		if !seen {
			continue
		}
		portSamples = append(portSamples, PortSample{
			Timestamp: now,
			Port:      cur.Port,
			Protocol:  cur.Protocol,
			Direction: cur.Direction,
			Bytes:     counterDelta(cur.Bytes, prev.Bytes),
			Packets:   counterDelta(cur.Packets, prev.Packets),
		})
	}

	a.summaries.Flush()
	return a.store.RecordTick(ifaceSamples, portSamples)
}

// counterDelta applies the reboot rule: a counter going backwards means
// the host restarted, so the current value is the whole delta.
func counterDelta(cur, prev uint64) uint64 {
	if cur < prev {
		return cur
	}
	return cur - prev
}

func portKey(p PortCounters) string {
	return fmt.Sprintf("%s:%d/%s", p.Protocol, p.Port, p.Direction)
}

// AddPort starts accounting a port in both directions.
func (a *Accountant) AddPort(ctx context.Context, p TrackedPort) error {
	if err := p.validate(); err != nil {
		return errors.Wrap(err, errors.KindValidation, "invalid tracked port")
	}

	a.mu.Lock()
	for _, existing := range a.ports {
		if existing == p {
			a.mu.Unlock()
			return errors.Errorf(errors.KindConflict, "port %d/%s is already tracked", p.Port, p.Protocol)
		}
	}
	a.ports = append(a.ports, p)
	a.mu.Unlock()

	for _, cmd := range portRuleCmds(p) {
		res := a.runner.Execute(ctx, execRequest(cmd))
		if !res.Success {
			return errors.Errorf(errors.KindHostCommand, "failed to install accounting rule: %s", res.Stderr)
		}
	}
	a.saveState()
	return nil
}

// RemovePort stops accounting a port and deletes its rules.
func (a *Accountant) RemovePort(ctx context.Context, p TrackedPort) error {
	a.mu.Lock()
	found := false
	kept := a.ports[:0]
	for _, existing := range a.ports {
		if existing == p {
			found = true
			continue
		}
		kept = append(kept, existing)
	}
	a.ports = kept
	delete(a.portPrev, portKey(PortCounters{Port: p.Port, Protocol: p.Protocol, Direction: "in"}))
	delete(a.portPrev, portKey(PortCounters{Port: p.Port, Protocol: p.Protocol, Direction: "out"}))
	a.mu.Unlock()

	if !found {
		return errors.Errorf(errors.KindNotFound, "port %d/%s is not tracked", p.Port, p.Protocol)
	}

	removePortRules(ctx, a.runner, p)
	a.saveState()
	return nil
}

// ListPorts returns the tracked ports.
func (a *Accountant) ListPorts() []TrackedPort {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]TrackedPort(nil), a.ports...)
}

// Series returns an accumulated period series, memoized for 120 s.
func (a *Accountant) Series(granularity string, limit int) ([]PeriodRow, error) {
	key := fmt.Sprintf("series/%s/%d", granularity, limit)
	if v, ok := a.summaries.Get(key); ok {
		return v.([]PeriodRow), nil
	}
	rows, err := a.store.Series(granularity, limit)
	if err != nil {
		return nil, err
	}
	a.summaries.Set(key, rows, gocache.DefaultExpiration)
	return rows, nil
}

// PortTotals returns per-port totals over a window, memoized for 120 s.
func (a *Accountant) PortTotals(window time.Duration) ([]PortSample, error) {
	key := fmt.Sprintf("ports/%s", window)
	if v, ok := a.summaries.Get(key); ok {
		return v.([]PortSample), nil
	}
	now := time.Now()
	rows, err := a.store.PortTotals(now.Add(-window), now)
	if err != nil {
		return nil, err
	}
	a.summaries.Set(key, rows, gocache.DefaultExpiration)
	return rows, nil
}

// InterfaceTotals returns per-interface totals over a window, memoized
// for 120 s.
func (a *Accountant) InterfaceTotals(window time.Duration) ([]InterfaceSample, error) {
	key := fmt.Sprintf("ifaces/%s", window)
	if v, ok := a.summaries.Get(key); ok {
		return v.([]InterfaceSample), nil
	}
	now := time.Now()
	rows, err := a.store.InterfaceTotals(now.Add(-window), now)
	if err != nil {
		return nil, err
	}
	a.summaries.Set(key, rows, gocache.DefaultExpiration)
	return rows, nil
}

func (a *Accountant) saveState() {
	a.mu.Lock()
	st := persistedState{
		SavedAt:    time.Now(),
		Ports:      append([]TrackedPort(nil), a.ports...),
		Interfaces: make(map[string]InterfaceCounters, len(a.ifacePrev)),
		PortPrev:   make(map[string]PortCounters, len(a.portPrev)),
	}
	for k, v := range a.ifacePrev {
		st.Interfaces[k] = v
	}
	for k, v := range a.portPrev {
		st.PortPrev[k] = v
	}
	a.mu.Unlock()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return
	}
	tmp := a.cfg.StatePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		a.logger.Warn("failed to write traffic state", "error", err)
		return
	}
	if err := os.Rename(tmp, a.cfg.StatePath); err != nil {
		a.logger.Warn("failed to commit traffic state", "error", err)
	}
}

func (a *Accountant) loadState() {
	data, err := os.ReadFile(a.cfg.StatePath)
	if err != nil {
		return
	}
	var st persistedState
	if err := json.Unmarshal(data, &st); err != nil {
		a.logger.Warn("traffic state file is corrupt, starting fresh", "error", err)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.ports = st.Ports
	for k, v := range st.Interfaces {
		a.ifacePrev[k] = v
	}
	for k, v := range st.PortPrev {
		a.portPrev[k] = v
	}
	// Baselines restored: first tick can produce real deltas.
	a.baselined = len(st.Interfaces) > 0 || len(st.PortPrev) > 0
}
