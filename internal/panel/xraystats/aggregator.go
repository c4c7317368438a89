// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package xraystats merges per-node xray access aggregates into the
// panel's fact table and keeps the summary projections fresh.
package xraystats

import (
	"context"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	"grimm.is/fleetwall/internal/logging"
	"grimm.is/fleetwall/internal/panel/nodeclient"
	"grimm.is/fleetwall/internal/panel/remnawave"
	"grimm.is/fleetwall/internal/panel/store"
)

const (
	DefaultCollectInterval   = 2 * time.Minute
	userCacheRefreshInterval = 30 * time.Minute
	cleanupInterval          = 24 * time.Hour

	factRetention   = 365 * 24 * time.Hour
	hourlyRetention = 365 * 24 * time.Hour

	// Bound on concurrent node collects in one round.
	maxConcurrentCollects = 5

	batchCacheTTL = 60 * time.Second
)

// Settings keys read on every collection round.
const (
	settingIgnoredUsers = "xray_ignored_users"         // comma-separated email tags
	settingExcludedDest = "xray_excluded_destinations" // comma-separated hosts
)

// NodeClient is the aggregator's view of one agent.
type NodeClient interface {
	CollectXray(ctx context.Context) (nodeclient.XraySnapshot, error)
}

// UserSource lists upstream panel users; tests substitute fakes.
type UserSource interface {
	AllUsers(ctx context.Context) ([]remnawave.User, error)
}

// ClientFactory builds a node client per server.
type ClientFactory func(baseURL, apiKey string) NodeClient

// Aggregator owns xray stats collection and the user cache.
type Aggregator struct {
	store   *store.Store
	factory ClientFactory
	users   UserSource
	logger  *logging.Logger

	// writeMu serializes fact-table merges and summary rebuilds.
	writeMu sync.Mutex

	cache *gocache.Cache
}

// New builds an aggregator. users may be nil when no upstream panel is
// configured.
func New(st *store.Store, factory ClientFactory, users UserSource, logger *logging.Logger) *Aggregator {
	if factory == nil {
		factory = func(baseURL, apiKey string) NodeClient {
			return nodeclient.New(baseURL, apiKey)
		}
	}
	return &Aggregator{
		store:   st,
		factory: factory,
		users:   users,
		logger:  logger.WithComponent("xraystats"),
		cache:   gocache.New(batchCacheTTL, 5*time.Minute),
	}
}

// Run drives the collect, user-cache, and cleanup loops.
func (a *Aggregator) Run(ctx context.Context, collectInterval time.Duration) {
	if collectInterval <= 0 {
		collectInterval = DefaultCollectInterval
	}
	collectTicker := time.NewTicker(collectInterval)
	userTicker := time.NewTicker(userCacheRefreshInterval)
	cleanupTicker := time.NewTicker(cleanupInterval)
	defer collectTicker.Stop()
	defer userTicker.Stop()
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-collectTicker.C:
			if err := a.CollectOnce(ctx); err != nil {
				a.logger.Warn("collection round failed", "error", err)
			}
		case <-userTicker.C:
			if err := a.RefreshUserCache(ctx); err != nil {
				a.logger.Warn("user cache refresh failed", "error", err)
			}
		case <-cleanupTicker.C:
			if err := a.store.PruneVisits(time.Now(), factRetention, hourlyRetention); err != nil {
				a.logger.Warn("visit retention failed", "error", err)
			}
		}
	}
}

// CollectOnce drains every xray-capable node, filters, merges, and
// rebuilds summaries. A node failure skips that node; its buffer is
// only cleared on a successful drain, so nothing is lost.
func (a *Aggregator) CollectOnce(ctx context.Context) error {
	servers, err := a.store.ListServers(true)
	if err != nil {
		return err
	}

	ignored, excluded := a.loadFilters()

	var mu sync.Mutex
	merged := make(map[deltaKey]int64)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentCollects)
	collectedAny := false
	for _, srv := range servers {
		if !srv.HasXrayNode {
			continue
		}
		srv := srv
		g.Go(func() error {
			snap, err := a.factory(srv.BaseURL, srv.APIKey).CollectXray(gctx)
			if err != nil {
				a.logger.Warn("node collect failed", "server", srv.Name, "error", err)
				return nil
			}
			mu.Lock()
			for _, st := range snap.Stats {
				if ignored[st.Email] || excluded[stripPort(st.Host)] {
					continue
				}
				merged[deltaKey{st.Email, st.SourceIP, st.Host}] += st.Count
			}
			collectedAny = true
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	if !collectedAny || len(merged) == 0 {
		return nil
	}

	deltas := make([]store.VisitDelta, 0, len(merged))
	for k, count := range merged {
		deltas = append(deltas, store.VisitDelta{Email: k.email, SourceIP: k.ip, Host: k.host, Count: count})
	}

	now := time.Now()
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := a.store.MergeVisits(deltas, now); err != nil {
		return err
	}
	if err := a.store.RebuildSummaries(now, a.infrastructureIPs(servers)); err != nil {
		return err
	}
	a.cache.Flush()
	a.warmBatchCache()
	return nil
}

type deltaKey struct {
	email int
	ip    string
	host  string
}

// stripPort removes a trailing :port so excluded destinations match
// with or without one.
func stripPort(host string) string {
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		if _, err := strconv.Atoi(host[i+1:]); err == nil {
			return host[:i]
		}
	}
	return host
}

func (a *Aggregator) loadFilters() (map[int]bool, map[string]bool) {
	ignored := make(map[int]bool)
	if v, ok, _ := a.store.GetSetting(settingIgnoredUsers); ok {
		for _, part := range strings.Split(v, ",") {
			if email, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
				ignored[email] = true
			}
		}
	}
	excluded := make(map[string]bool)
	if v, ok, _ := a.store.GetSetting(settingExcludedDest); ok {
		for _, part := range strings.Split(v, ",") {
			if host := strings.TrimSpace(part); host != "" {
				excluded[stripPort(host)] = true
			}
		}
	}
	return ignored, excluded
}

// infrastructureIPs collects node addresses; visits from these are
// panel-to-node plumbing, not client traffic.
func (a *Aggregator) infrastructureIPs(servers []store.Server) map[string]bool {
	out := make(map[string]bool)
	for _, srv := range servers {
		u, err := url.Parse(srv.BaseURL)
		if err != nil {
			continue
		}
		host := u.Hostname()
		if net.ParseIP(host) != nil {
			out[host] = true
		}
	}
	return out
}

// BatchStats is the dashboard's one-call summary payload.
type BatchStats struct {
	Global       store.GlobalSummary        `json:"global"`
	Destinations []store.DestinationSummary `json:"destinations"`
	Users        []store.UserSummary        `json:"users"`
}

// Batch returns the combined summary payload, cached between
// collection rounds.
func (a *Aggregator) Batch(destLimit, userLimit int) (BatchStats, error) {
	key := batchKey(destLimit, userLimit)
	if v, ok := a.cache.Get(key); ok {
		return v.(BatchStats), nil
	}
	b, err := a.buildBatch(destLimit, userLimit)
	if err != nil {
		return BatchStats{}, err
	}
	a.cache.SetDefault(key, b)
	return b, nil
}

func batchKey(destLimit, userLimit int) string {
	return "batch_all_" + strconv.Itoa(destLimit) + "_" + strconv.Itoa(userLimit)
}

func (a *Aggregator) buildBatch(destLimit, userLimit int) (BatchStats, error) {
	var b BatchStats
	global, _, err := a.store.GetGlobalSummary()
	if err != nil {
		return b, err
	}
	b.Global = global
	if b.Destinations, err = a.store.TopDestinations(destLimit); err != nil {
		return b, err
	}
	if b.Users, err = a.store.TopUsers(userLimit); err != nil {
		return b, err
	}
	return b, nil
}

// warmBatchCache precomputes the default dashboard payload.
func (a *Aggregator) warmBatchCache() {
	if b, err := a.buildBatch(100, 100); err == nil {
		a.cache.SetDefault(batchKey(100, 100), b)
	}
}

// RefreshUserCache mirrors the upstream user list. On a fetch failure
// the previous cache is retained untouched.
func (a *Aggregator) RefreshUserCache(ctx context.Context) error {
	if a.users == nil {
		return nil
	}
	users, err := a.users.AllUsers(ctx)
	if err != nil {
		return err
	}
	cached := make([]store.CachedUser, 0, len(users))
	for _, u := range users {
		cached = append(cached, store.CachedUser{
			Email:           u.Email,
			UUID:            u.UUID,
			Username:        u.Username,
			Status:          u.Status,
			UsedTraffic:     u.UsedTraffic,
			TrafficLimit:    u.TrafficLimit,
			HWIDDeviceLimit: u.HWIDDeviceLimit,
		})
	}
	return a.store.ReplaceUserCache(cached, time.Now())
}
