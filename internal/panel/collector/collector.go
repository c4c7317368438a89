// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package collector polls node agents and feeds the panel store.
package collector

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"grimm.is/fleetwall/internal/errors"
	"grimm.is/fleetwall/internal/logging"
	"grimm.is/fleetwall/internal/panel/nodeclient"
	"grimm.is/fleetwall/internal/panel/store"
)

const (
	DefaultPollInterval = 10 * time.Second
	MinPollInterval     = 5 * time.Second
	MaxPollInterval     = 300 * time.Second

	cacheInterval    = 300 * time.Second
	probeInterval    = 2 * time.Minute
	settingsInterval = 30 * time.Second

	// Retention applied after each poll round.
	rawRetention    = 24 * time.Hour
	hourlyRetention = 30 * 24 * time.Hour
	dailyRetention  = 365 * 24 * time.Hour

	// Bound on concurrent node polls in one round.
	maxConcurrentPolls = 16
)

// settingPollInterval is the hot-reloadable settings key, in seconds.
const settingPollInterval = "poll_interval_seconds"

// ClientFactory builds a node client; tests substitute fakes.
type ClientFactory func(baseURL, apiKey string) NodeClient

// NodeClient is the collector's view of one agent.
type NodeClient interface {
	Metrics(ctx context.Context) (nodeclient.MetricsRaw, error)
	HAProxyStatus(ctx context.Context) (json.RawMessage, error)
	TrafficSummary(ctx context.Context, hours int) (json.RawMessage, error)
	ProbeXray(ctx context.Context) (nodeclient.XrayStatus, error)
}

// Collector owns the panel's periodic node polling.
type Collector struct {
	store   *store.Store
	factory ClientFactory
	logger  *logging.Logger

	mu       sync.Mutex
	interval time.Duration
	prev     map[int64]prevSample // last cumulative counters per server
}

type prevSample struct {
	at time.Time
	rx uint64
	tx uint64
}

// New builds a collector. factory may be nil; the real resty client is
// used then.
func New(st *store.Store, factory ClientFactory, logger *logging.Logger) *Collector {
	if factory == nil {
		factory = func(baseURL, apiKey string) NodeClient {
			return nodeclient.New(baseURL, apiKey)
		}
	}
	return &Collector{
		store:    st,
		factory:  factory,
		logger:   logger.WithComponent("collector"),
		interval: DefaultPollInterval,
		prev:     make(map[int64]prevSample),
	}
}

// ClampInterval bounds a configured poll interval.
func ClampInterval(d time.Duration) time.Duration {
	if d < MinPollInterval {
		return MinPollInterval
	}
	if d > MaxPollInterval {
		return MaxPollInterval
	}
	return d
}

// SetInterval applies a clamped poll interval.
func (c *Collector) SetInterval(d time.Duration) {
	c.mu.Lock()
	c.interval = ClampInterval(d)
	c.mu.Unlock()
}

func (c *Collector) currentInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

// Run drives the poll, cache, probe, settings-reload, and roll-up
// loops until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) {
	cacheTicker := time.NewTicker(cacheInterval)
	probeTicker := time.NewTicker(probeInterval)
	settingsTicker := time.NewTicker(settingsInterval)
	defer cacheTicker.Stop()
	defer probeTicker.Stop()
	defer settingsTicker.Stop()

	// The poll timer is rebuilt each round so interval changes apply
	// without restart.
	for {
		pollTimer := time.NewTimer(c.currentInterval())
		select {
		case <-ctx.Done():
			pollTimer.Stop()
			return
		case <-pollTimer.C:
			c.PollOnce(ctx)
			c.rollUp(time.Now())
			if err := c.store.PruneMetrics(time.Now(), rawRetention, hourlyRetention, dailyRetention); err != nil {
				c.logger.Warn("metrics retention failed", "error", err)
			}
		case <-cacheTicker.C:
			c.refreshCaches(ctx)
		case <-probeTicker.C:
			c.probeXray(ctx)
		case <-settingsTicker.C:
			c.reloadSettings()
		}
		pollTimer.Stop()
	}
}

// PollOnce polls every active server in parallel and stores snapshots.
func (c *Collector) PollOnce(ctx context.Context) {
	servers, err := c.store.ListServers(true)
	if err != nil {
		c.logger.Error("listing servers failed", "error", err)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentPolls)
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			c.pollServer(gctx, srv)
			return nil
		})
	}
	g.Wait()
}

func (c *Collector) pollServer(ctx context.Context, srv store.Server) {
	client := c.factory(srv.BaseURL, srv.APIKey)
	now := time.Now()

	m, err := client.Metrics(ctx)
	if err != nil {
		code := errorCode(err)
		c.logger.Warn("metrics poll failed", "server", srv.Name, "error", err)
		if serr := c.store.MarkServerError(srv.ID, err.Error(), code); serr != nil {
			c.logger.Error("recording poll error failed", "server", srv.Name, "error", serr)
		}
		return
	}

	sn := c.buildSnapshot(srv.ID, now, m.Body)
	if err := c.store.InsertSnapshot(sn); err != nil {
		c.logger.Error("storing snapshot failed", "server", srv.Name, "error", err)
	}
	if err := c.store.MarkServerSeen(srv.ID, now, string(m.Raw)); err != nil {
		c.logger.Error("marking server seen failed", "server", srv.Name, "error", err)
	}
}

// buildSnapshot derives per-second speeds from cumulative counters.
// After a node reboot the counters restart, so a backwards step means
// the current value is the whole delta since the previous sample.
func (c *Collector) buildSnapshot(serverID int64, now time.Time, body nodeclient.MetricsBody) store.Snapshot {
	sn := store.Snapshot{
		ServerID:    serverID,
		TakenAt:     store.FmtTime(now),
		CPUPercent:  body.CPU.Percent,
		RAMPercent:  body.Memory.Percent,
		SwapPercent: body.Memory.SwapPercent,
		DiskPercent: body.Disk.Percent,
		NetRxBytes:  body.Network.RxBytes,
		NetTxBytes:  body.Network.TxBytes,
	}
	sn.TCPEstablished = body.TCP["established"]
	sn.TCPListen = body.TCP["listen"]
	sn.TCPTimeWait = body.TCP["time_wait"]
	sn.TCPCloseWait = body.TCP["close_wait"]
	sn.TCPSynSent = body.TCP["syn_sent"]
	sn.TCPSynRecv = body.TCP["syn_recv"]
	sn.TCPFinWait = body.TCP["fin_wait"]
	sn.TCPOther = body.TCP["other"]

	c.mu.Lock()
	prev, ok := c.prev[serverID]
	c.prev[serverID] = prevSample{at: now, rx: body.Network.RxBytes, tx: body.Network.TxBytes}
	c.mu.Unlock()

	if ok {
		elapsed := now.Sub(prev.at).Seconds()
		if elapsed > 0 {
			sn.NetRxBytesPerSec = counterSpeed(body.Network.RxBytes, prev.rx, elapsed)
			sn.NetTxBytesPerSec = counterSpeed(body.Network.TxBytes, prev.tx, elapsed)
		}
	}
	return sn
}

// counterSpeed derives bytes/sec from one cumulative counter. Each
// counter carries the reboot rule independently: rx restarting must
// not zero tx.
func counterSpeed(cur, prev uint64, elapsed float64) float64 {
	if cur < prev {
		return float64(cur) / elapsed
	}
	return float64(cur-prev) / elapsed
}

// refreshCaches pulls the heavier HAProxy and traffic blobs for the
// dashboard without hitting nodes on every page load.
func (c *Collector) refreshCaches(ctx context.Context) {
	servers, err := c.store.ListServers(true)
	if err != nil {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentPolls)
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			client := c.factory(srv.BaseURL, srv.APIKey)
			var haproxyJSON, trafficJSON string
			if raw, err := client.HAProxyStatus(gctx); err == nil {
				haproxyJSON = string(raw)
			}
			if raw, err := client.TrafficSummary(gctx, 24); err == nil {
				trafficJSON = string(raw)
			}
			if haproxyJSON != "" || trafficJSON != "" {
				if err := c.store.CacheServerData(srv.ID, haproxyJSON, trafficJSON); err != nil {
					c.logger.Warn("caching node data failed", "server", srv.Name, "error", err)
				}
			}
			return nil
		})
	}
	g.Wait()
}

// probeXray refreshes the has_xray_node flag. Transport failures leave
// the stored flag untouched.
func (c *Collector) probeXray(ctx context.Context) {
	servers, err := c.store.ListServers(true)
	if err != nil {
		return
	}
	for _, srv := range servers {
		client := c.factory(srv.BaseURL, srv.APIKey)
		st, err := client.ProbeXray(ctx)
		if err != nil {
			continue
		}
		if st.Running != srv.HasXrayNode {
			if err := c.store.SetServerXrayNode(srv.ID, st.Running); err != nil {
				c.logger.Warn("updating xray flag failed", "server", srv.Name, "error", err)
			}
		}
	}
}

func (c *Collector) reloadSettings() {
	v, ok, err := c.store.GetSetting(settingPollInterval)
	if err != nil || !ok {
		return
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return
	}
	c.SetInterval(time.Duration(secs) * time.Second)
}

func errorCode(err error) int {
	switch errors.GetKind(err) {
	case errors.KindTimeout:
		return 1
	case errors.KindConnectionRefused:
		return 2
	case errors.KindAuth:
		return 3
	case errors.KindValidation:
		return 4
	case errors.KindHostCommand:
		return 5
	default:
		return 9
	}
}
