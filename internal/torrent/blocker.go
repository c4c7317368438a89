// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package torrent detects torrent traffic in the Xray access log and
// temp-bans offenders through the ipset driver. Two detectors feed the
// same sink: a tag detector for lines the core already routed to the
// torrent outbound, and a behavior detector that counts unique raw-IPv4
// destinations per source per minute.
package torrent

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"grimm.is/fleetwall/internal/errors"
	"grimm.is/fleetwall/internal/hostexec"
	"grimm.is/fleetwall/internal/ipset"
	"grimm.is/fleetwall/internal/logging"
	"grimm.is/fleetwall/internal/xraylog"
)

const (
	DefaultThreshold = 50
	MinThreshold     = 5
	MaxThreshold     = 1000

	// DefaultStatePath persists the enabled flag, threshold, and
	// whitelist so the blocker auto-starts after a restart.
	DefaultStatePath = "/var/lib/monitoring/torrent_blocker.json"

	dedupWindow      = 60 * time.Second
	bucketMaxAge     = 2 * time.Minute
	cleanupLineCount = 500
)

// DefaultWhitelist covers loopback and RFC 1918.
var DefaultWhitelist = []string{"127.0.0.0/8", "10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"}

var sourceIPRe = regexp.MustCompile(`from\s+(?:tcp:)?(\d+\.\d+\.\d+\.\d+):\d+`)

// BanSink is the slice of the ipset driver the blocker uses.
type BanSink interface {
	Add(ctx context.Context, ip string, permanent bool, direction ipset.Direction) error
	Remove(ctx context.Context, ip string, permanent bool, direction ipset.Direction) error
	List(ctx context.Context, permanent bool, direction ipset.Direction) ([]string, error)
}

// Runner abstracts the host executor (conntrack cleanup).
type Runner interface {
	Execute(ctx context.Context, req hostexec.Request) hostexec.Result
}

type persistedState struct {
	Enabled   bool     `json:"enabled"`
	Threshold int      `json:"threshold"`
	Whitelist []string `json:"whitelist"`
}

// Stats reports blocker counters.
type Stats struct {
	Enabled       bool     `json:"enabled"`
	Threshold     int      `json:"threshold"`
	Whitelist     []string `json:"whitelist"`
	TagBans       int64    `json:"tag_bans"`
	BehaviorBans  int64    `json:"behavior_bans"`
	LinesSeen     int64    `json:"lines_seen"`
	TrackedHosts  int      `json:"tracked_hosts"`
	DedupSuppress int64    `json:"dedup_suppressed"`
}

type bucketKey struct {
	minute int64
	source string
}

// Blocker is the detector pair plus ban bookkeeping.
type Blocker struct {
	sink      BanSink
	runner    Runner
	logger    *logging.Logger
	statePath string

	mu        sync.Mutex
	enabled   bool
	threshold int
	whitelist []*net.IPNet
	cidrs     []string

	recentBans map[string]time.Time
	buckets    map[bucketKey]map[string]bool
	lineCount  int64
	sinceClean int

	tagBans      int64
	behaviorBans int64
	suppressed   int64
}

// New creates a blocker and loads persisted state. If it was enabled
// before the restart it comes back enabled.
func New(sink BanSink, runner Runner, logger *logging.Logger, statePath string) *Blocker {
	if statePath == "" {
		statePath = DefaultStatePath
	}
	b := &Blocker{
		sink:       sink,
		runner:     runner,
		logger:     logger.WithComponent("torrent"),
		statePath:  statePath,
		threshold:  DefaultThreshold,
		recentBans: make(map[string]time.Time),
		buckets:    make(map[bucketKey]map[string]bool),
	}
	b.setWhitelistLocked(DefaultWhitelist)
	b.loadState()
	return b
}

// ProcessLine is the ingester hook; it runs both detectors.
func (b *Blocker) ProcessLine(line string) {
	b.mu.Lock()
	if !b.enabled {
		b.mu.Unlock()
		return
	}
	b.lineCount++
	b.sinceClean++
	if b.sinceClean >= cleanupLineCount {
		b.cleanupLocked(time.Now())
		b.sinceClean = 0
	}
	threshold := b.threshold
	b.mu.Unlock()

	ctx := context.Background()

	// Tag detector: the core already classified this connection.
	if containsTorrentTag(line) {
		if src := sourceIPOf(line); src != "" {
			b.ban(ctx, src, "tag")
		}
		return
	}

	// Behavior detector: many distinct raw-IP destinations in one
	// minute from the same source looks like DHT/peer discovery.
	entry, ok := xraylog.ParseLine(line)
	if !ok || net.ParseIP(entry.Host) == nil || net.ParseIP(entry.Host).To4() == nil {
		return
	}

	b.mu.Lock()
	key := bucketKey{minute: time.Now().Unix() / 60, source: entry.SourceIP}
	set := b.buckets[key]
	if set == nil {
		set = make(map[string]bool)
		b.buckets[key] = set
	}
	set[entry.Host] = true
	hit := len(set) >= threshold
	b.mu.Unlock()

	if hit {
		b.ban(ctx, entry.SourceIP, "behavior")
	}
}

func containsTorrentTag(line string) bool {
	return strings.Contains(line, "-> torrent")
}

func sourceIPOf(line string) string {
	if m := sourceIPRe.FindStringSubmatch(line); m != nil {
		return m[1]
	}
	return ""
}

// ban applies the dedup window and whitelist, then temp-bans the IP
// and drops its conntrack entries so active sessions die immediately.
func (b *Blocker) ban(ctx context.Context, ip, detector string) {
	b.mu.Lock()
	if last, seen := b.recentBans[ip]; seen && time.Since(last) < dedupWindow {
		b.suppressed++
		b.mu.Unlock()
		return
	}
	if b.isWhitelistedLocked(ip) {
		b.mu.Unlock()
		return
	}
	b.recentBans[ip] = time.Now()
	if detector == "tag" {
		b.tagBans++
	} else {
		b.behaviorBans++
	}
	b.mu.Unlock()

	if err := b.sink.Add(ctx, ip, false, ipset.DirectionIn); err != nil {
		b.logger.Error("failed to ban torrent source", "ip", ip, "error", err)
		return
	}
	b.runner.Execute(ctx, hostexec.Request{
		Command: fmt.Sprintf("conntrack -D -s %s 2>/dev/null || true", ip),
		Timeout: 10 * time.Second,
	})
	b.logger.Info("banned torrent source", "ip", ip, "detector", detector)
}

func (b *Blocker) isWhitelistedLocked(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, n := range b.whitelist {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

// cleanupLocked drops minute buckets older than two minutes and stale
// dedup entries.
func (b *Blocker) cleanupLocked(now time.Time) {
	cutoff := now.Add(-bucketMaxAge).Unix() / 60
	for k := range b.buckets {
		if k.minute < cutoff {
			delete(b.buckets, k)
		}
	}
	for ip, at := range b.recentBans {
		if now.Sub(at) > dedupWindow {
			delete(b.recentBans, ip)
		}
	}
}

// Enable turns detection on and persists the flag.
func (b *Blocker) Enable() {
	b.mu.Lock()
	b.enabled = true
	b.mu.Unlock()
	b.saveState()
}

// Disable turns detection off and persists the flag.
func (b *Blocker) Disable() {
	b.mu.Lock()
	b.enabled = false
	b.buckets = make(map[bucketKey]map[string]bool)
	b.mu.Unlock()
	b.saveState()
}

// SetThreshold updates the behavior threshold within [5, 1000].
func (b *Blocker) SetThreshold(n int) error {
	if n < MinThreshold || n > MaxThreshold {
		return errors.Errorf(errors.KindValidation, "threshold must be in [%d, %d], got %d", MinThreshold, MaxThreshold, n)
	}
	b.mu.Lock()
	b.threshold = n
	b.mu.Unlock()
	b.saveState()
	return nil
}

// SetWhitelist replaces the whitelist. Temp-banned IPs that the new
// whitelist covers are unbanned.
func (b *Blocker) SetWhitelist(ctx context.Context, cidrs []string) error {
	parsed := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			if ip := net.ParseIP(c); ip != nil && ip.To4() != nil {
				_, n, _ = net.ParseCIDR(c + "/32")
			} else {
				return errors.Errorf(errors.KindValidation, "invalid whitelist entry: %q", c)
			}
		}
		parsed = append(parsed, n)
	}

	b.mu.Lock()
	b.whitelist = parsed
	b.cidrs = append([]string(nil), cidrs...)
	b.mu.Unlock()
	b.saveState()

	banned, err := b.sink.List(ctx, false, ipset.DirectionIn)
	if err != nil {
		return err
	}
	for _, ip := range banned {
		b.mu.Lock()
		covered := b.isWhitelistedLocked(ip)
		b.mu.Unlock()
		if covered {
			if err := b.sink.Remove(ctx, ip, false, ipset.DirectionIn); err != nil {
				b.logger.Warn("failed to unban whitelisted ip", "ip", ip, "error", err)
			}
		}
	}
	return nil
}

func (b *Blocker) setWhitelistLocked(cidrs []string) {
	b.whitelist = b.whitelist[:0]
	b.cidrs = append([]string(nil), cidrs...)
	for _, c := range cidrs {
		if _, n, err := net.ParseCIDR(c); err == nil {
			b.whitelist = append(b.whitelist, n)
		}
	}
}

// Stats returns current counters.
func (b *Blocker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Enabled:       b.enabled,
		Threshold:     b.threshold,
		Whitelist:     append([]string(nil), b.cidrs...),
		TagBans:       b.tagBans,
		BehaviorBans:  b.behaviorBans,
		LinesSeen:     b.lineCount,
		TrackedHosts:  len(b.buckets),
		DedupSuppress: b.suppressed,
	}
}

func (b *Blocker) saveState() {
	b.mu.Lock()
	st := persistedState{Enabled: b.enabled, Threshold: b.threshold, Whitelist: append([]string(nil), b.cidrs...)}
	b.mu.Unlock()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return
	}
	tmp := b.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		b.logger.Warn("failed to write torrent blocker state", "error", err)
		return
	}
	if err := os.Rename(tmp, b.statePath); err != nil {
		b.logger.Warn("failed to commit torrent blocker state", "error", err)
	}
}

func (b *Blocker) loadState() {
	data, err := os.ReadFile(b.statePath)
	if err != nil {
		return
	}
	var st persistedState
	if err := json.Unmarshal(data, &st); err != nil {
		b.logger.Warn("torrent blocker state is corrupt, using defaults", "error", err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.enabled = st.Enabled
	if st.Threshold >= MinThreshold && st.Threshold <= MaxThreshold {
		b.threshold = st.Threshold
	}
	if len(st.Whitelist) > 0 {
		b.setWhitelistLocked(st.Whitelist)
	}
}
