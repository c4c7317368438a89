// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package blocklist keeps node ipsets in step with the panel's rule
// store and external feed sources.
package blocklist

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	"grimm.is/fleetwall/internal/errors"
	"grimm.is/fleetwall/internal/ipset"
	"grimm.is/fleetwall/internal/logging"
	"grimm.is/fleetwall/internal/panel/nodeclient"
	"grimm.is/fleetwall/internal/panel/store"
)

const (
	DefaultRefreshInterval = 24 * time.Hour

	fetchTimeout  = 30 * time.Second
	fetchCacheTTL = 5 * time.Minute

	// Per-server deadline for one sync; the node call itself is
	// tighter, leaving headroom for both directions.
	serverSyncDeadline = 30 * time.Second

	maxConcurrentSyncs = 8
)

// Syncer is the manager's view of one node; tests substitute fakes.
type Syncer interface {
	SyncBlocklist(ctx context.Context, ips []string, direction string) (nodeclient.SyncResult, error)
}

// ClientFactory builds a node syncer per server.
type ClientFactory func(baseURL, apiKey string) Syncer

// Manager owns feed refresh and node synchronization.
type Manager struct {
	store   *store.Store
	factory ClientFactory
	http    *resty.Client
	logger  *logging.Logger

	fetchCache *gocache.Cache
	inProgress atomic.Bool
	syncMu     sync.Mutex
}

// New builds a manager. factory may be nil; the real node client is
// used then.
func New(st *store.Store, factory ClientFactory, logger *logging.Logger) *Manager {
	if factory == nil {
		factory = func(baseURL, apiKey string) Syncer {
			return nodeclient.New(baseURL, apiKey)
		}
	}
	return &Manager{
		store:      st,
		factory:    factory,
		http:       resty.New().SetTimeout(fetchTimeout),
		logger:     logger.WithComponent("blocklist"),
		fetchCache: gocache.New(fetchCacheTTL, 10*time.Minute),
	}
}

// Run refreshes every enabled source on a schedule, syncing nodes when
// anything changed.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.RefreshSources(ctx) {
				m.SyncAll(ctx)
			}
		}
	}
}

// RefreshSources fetches every enabled feed and swaps its derived
// rules when the content hash changed. Returns true when any source
// changed.
func (m *Manager) RefreshSources(ctx context.Context) bool {
	sources, err := m.store.Sources()
	if err != nil {
		m.logger.Error("listing sources failed", "error", err)
		return false
	}

	changed := false
	for _, src := range sources {
		if !src.Enabled {
			continue
		}
		didChange, err := m.refreshSource(ctx, src)
		if err != nil {
			m.logger.Warn("source refresh failed", "source", src.Name, "error", err)
			continue
		}
		changed = changed || didChange
	}
	return changed
}

func (m *Manager) refreshSource(ctx context.Context, src store.BlocklistSource) (bool, error) {
	ips, err := m.fetchFeed(ctx, src.URL)
	if err != nil {
		return false, err
	}

	hash := hashSet(ips)
	if hash == src.LastHash {
		// Unchanged upstream: bump the freshness timestamp only.
		return false, m.store.MarkSourceRefreshed(src.ID, hash, len(ips), time.Now())
	}

	if err := m.store.ReplaceSourceRules(src.ID, src.Direction, ips, time.Now()); err != nil {
		return false, err
	}
	if err := m.store.MarkSourceRefreshed(src.ID, hash, len(ips), time.Now()); err != nil {
		return false, err
	}
	m.logger.Info("source updated", "source", src.Name, "entries", len(ips))
	return true, nil
}

// fetchFeed downloads and parses a feed, with a short-lived cache so a
// burst of manual triggers does not hammer the upstream.
func (m *Manager) fetchFeed(ctx context.Context, feedURL string) ([]string, error) {
	if v, ok := m.fetchCache.Get(feedURL); ok {
		return v.([]string), nil
	}
	resp, err := m.http.R().SetContext(ctx).Get(feedURL)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConnectionRefused, "feed fetch failed")
	}
	if resp.StatusCode() != 200 {
		return nil, errors.Errorf(errors.KindUnknown, "feed returned %d", resp.StatusCode())
	}
	ips := ParseFeed(resp.String())
	m.fetchCache.SetDefault(feedURL, ips)
	return ips, nil
}

// ParseFeed extracts valid IPs and CIDRs from feed text. Comment lines
// and inline comments are stripped; entries are deduplicated and
// sorted.
func ParseFeed(body string) []string {
	seen := make(map[string]bool)
	for _, line := range strings.Split(body, "\n") {
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		entry := strings.TrimSpace(line)
		if entry == "" {
			continue
		}
		if normalized, err := ipset.Normalize(entry); err == nil {
			seen[normalized] = true
		}
	}
	out := make([]string, 0, len(seen))
	for entry := range seen {
		out = append(out, entry)
	}
	sort.Strings(out)
	return out
}

// hashSet is the change detector: SHA-256 over the sorted unique set.
func hashSet(ips []string) string {
	h := sha256.New()
	for _, ip := range ips {
		h.Write([]byte(ip))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ServerSyncResult is the outcome of syncing one server.
type ServerSyncResult struct {
	ServerID int64  `json:"server_id"`
	Name     string `json:"name"`
	Success  bool   `json:"success"`
	Added    int    `json:"added"`
	Removed  int    `json:"removed"`
	Error    string `json:"error,omitempty"`
}

// InProgress reports whether a sync round is running.
func (m *Manager) InProgress() bool {
	return m.inProgress.Load()
}

// SyncAll pushes each server's effective permanent set for both
// directions. Servers sync independently; one failure never blocks the
// rest.
func (m *Manager) SyncAll(ctx context.Context) []ServerSyncResult {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()
	m.inProgress.Store(true)
	defer m.inProgress.Store(false)

	servers, err := m.store.ListServers(true)
	if err != nil {
		m.logger.Error("listing servers failed", "error", err)
		return nil
	}

	results := make([]ServerSyncResult, len(servers))
	g := &errgroup.Group{}
	g.SetLimit(maxConcurrentSyncs)
	for i, srv := range servers {
		i, srv := i, srv
		g.Go(func() error {
			results[i] = m.syncServer(ctx, srv)
			return nil
		})
	}
	g.Wait()
	return results
}

// SyncServer pushes one server's effective sets.
func (m *Manager) SyncServer(ctx context.Context, serverID int64) (ServerSyncResult, error) {
	srv, err := m.store.GetServer(serverID)
	if err != nil {
		return ServerSyncResult{}, err
	}
	return m.syncServer(ctx, srv), nil
}

func (m *Manager) syncServer(ctx context.Context, srv store.Server) ServerSyncResult {
	ctx, cancel := context.WithTimeout(ctx, serverSyncDeadline)
	defer cancel()

	res := ServerSyncResult{ServerID: srv.ID, Name: srv.Name, Success: true}
	client := m.factory(srv.BaseURL, srv.APIKey)

	for _, direction := range []string{"in", "out"} {
		ips, err := m.store.EffectiveSet(srv.ID, direction, true)
		if err != nil {
			res.Success = false
			res.Error = err.Error()
			return res
		}
		sr, err := client.SyncBlocklist(ctx, ips, direction)
		if err != nil {
			res.Success = false
			res.Error = err.Error()
			m.logger.Warn("node sync failed", "server", srv.Name, "direction", direction, "error", err)
			continue
		}
		res.Added += sr.Added
		res.Removed += sr.Removed
	}
	return res
}
