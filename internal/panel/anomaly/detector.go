// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package anomaly scans the user population for abuse patterns:
// runaway traffic, client IP clustering, and suspicious device agents.
package anomaly

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"grimm.is/fleetwall/internal/logging"
	"grimm.is/fleetwall/internal/notify"
	"grimm.is/fleetwall/internal/panel/remnawave"
	"grimm.is/fleetwall/internal/panel/store"
)

const (
	DefaultScanInterval = 30 * time.Minute

	// dedupWindow suppresses repeated notifications for the same
	// unresolved anomaly.
	dedupWindow = 24 * time.Hour

	// deviceRecentWindow filters HWID devices to recently active ones.
	deviceRecentWindow = 24 * time.Hour

	// clusterWindow bounds which client IPs enter ASN clustering.
	clusterWindow = 24 * time.Hour

	// deviceBatchSize bounds users checked per scan so a large fleet
	// spreads device lookups across rounds.
	deviceBatchSize = 100

	// defaultIPMultiplier: allowed distinct client IPs is the HWID
	// device limit times this.
	defaultIPMultiplier = 3
)

const settingIPMultiplier = "anomaly_ip_limit_multiplier"

// allowedAgents are client apps an honest subscription uses.
var allowedAgents = []string{
	"V2rayNG", "Shadowrocket", "Clash", "Mihomo", "sing-box", "NekoBox", "Hiddify",
}

// deniedMarkers flag cracked or resold client builds.
var deniedMarkers = []string{"FREE", "CRACK", "HACK"}

// DeviceSource fetches HWID devices; tests substitute fakes.
type DeviceSource interface {
	Devices(ctx context.Context, userUUID string) ([]remnawave.Device, error)
}

// Detector owns the periodic anomaly scan.
type Detector struct {
	store    *store.Store
	devices  DeviceSource
	notifier notify.Notifier
	asn      Resolver
	logger   *logging.Logger

	// deviceCursor round-robins device checks across scans.
	deviceCursor int
}

// New builds a detector. devices may be nil to skip HWID checks;
// notifier may be nil to record without delivering.
func New(st *store.Store, devices DeviceSource, notifier notify.Notifier, logger *logging.Logger) *Detector {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	logger = logger.WithComponent("anomaly")
	return &Detector{
		store:    st,
		devices:  devices,
		notifier: notifier,
		asn:      newRIPEResolver(st, logger),
		logger:   logger,
	}
}

// Run scans on a schedule until ctx is cancelled.
func (d *Detector) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Scan(ctx, time.Now())
		}
	}
}

// Scan runs every check once.
func (d *Detector) Scan(ctx context.Context, now time.Time) {
	users, err := d.store.CachedUsers()
	if err != nil {
		d.logger.Error("loading user cache failed", "error", err)
		return
	}
	if len(users) == 0 {
		return
	}

	d.checkTraffic(ctx, users, now)
	d.checkIPClustering(ctx, users, now)
	d.checkDevices(ctx, users, now)
}

// checkTraffic compares cumulative usage against the previous scan's
// baseline. Upstream resets the counter on plan renewal; a backwards
// step means the delta is the new value.
func (d *Detector) checkTraffic(ctx context.Context, users []store.CachedUser, now time.Time) {
	for _, u := range users {
		prev, ok, err := d.store.GetTrafficSnapshot(u.Email)
		if err != nil {
			continue
		}
		if err := d.store.PutTrafficSnapshot(u.Email, u.UsedTraffic, now); err != nil {
			d.logger.Warn("storing traffic baseline failed", "email", u.Email, "error", err)
		}
		if !ok || u.TrafficLimit <= 0 {
			continue
		}

		delta := u.UsedTraffic - prev.UsedBytes
		if delta < 0 {
			delta = u.UsedTraffic
		}
		if delta <= u.TrafficLimit {
			continue
		}

		severity := "warning"
		if delta > 2*u.TrafficLimit {
			severity = "critical"
		}
		d.report(ctx, store.Anomaly{
			Email:    u.Email,
			Type:     "traffic",
			Severity: severity,
			Details: fmt.Sprintf("user %s moved %d bytes since last scan (limit %d)",
				u.Username, delta, u.TrafficLimit),
		}, now)
	}
}

// checkIPClustering clusters each user's last-24h client IPs by origin
// ASN and flags accounts whose busy networks outnumber the device
// allowance. Grouping by network keeps one subscriber hopping carrier
// addresses from looking like five people.
func (d *Detector) checkIPClustering(ctx context.Context, users []store.CachedUser, now time.Time) {
	multiplier := d.ipMultiplier()
	infra := d.infrastructureIPs()

	for _, u := range users {
		if u.HWIDDeviceLimit <= 0 {
			continue
		}
		groups := d.asnGroups(ctx, u.Email, infra, now)

		// Only networks carrying real traffic count toward the limit.
		busy := groups[:0]
		for _, g := range groups {
			if g.Visits >= store.MinASNVisitCount {
				busy = append(busy, g)
			}
		}
		allowed := u.HWIDDeviceLimit * multiplier
		if len(busy) <= allowed {
			continue
		}

		d.report(ctx, store.Anomaly{
			Email:    u.Email,
			Type:     "ip_count",
			Severity: "warning",
			Details:  clusterDetails(u.Username, busy, allowed),
		}, now)
	}
}

type asnGroup struct {
	ASN    string   `json:"asn"`
	Holder string   `json:"holder,omitempty"`
	Visits int64    `json:"visits"`
	IPs    []string `json:"ips"`
}

// asnGroups resolves the user's recent client IPs and clusters them by
// origin network. Unresolvable IPs pool into one "unknown" group so a
// lookup outage cannot inflate the group count.
func (d *Detector) asnGroups(ctx context.Context, email int, infra map[string]bool, now time.Time) []asnGroup {
	visits, err := d.store.ClientVisits(email, now.Add(-clusterWindow))
	if err != nil {
		d.logger.Warn("loading client visits failed", "email", email, "error", err)
		return nil
	}

	byASN := make(map[string]*asnGroup)
	var order []string
	resolved := 0
	for _, v := range visits {
		if infra[v.IP] {
			continue
		}
		key, holder := "unknown", ""
		if d.asn != nil && resolved < asnLookupCap {
			resolved++
			if rec, ok := d.asn.Resolve(ctx, v.IP, now); ok {
				key, holder = rec.ASN, rec.Holder
			}
		}
		g := byASN[key]
		if g == nil {
			g = &asnGroup{ASN: key, Holder: holder}
			byASN[key] = g
			order = append(order, key)
		}
		g.Visits += v.Visits
		g.IPs = append(g.IPs, v.IP)
	}

	out := make([]asnGroup, 0, len(order))
	for _, key := range order {
		out = append(out, *byASN[key])
	}
	return out
}

// clusterDetails renders the structured breakdown, capped at 5 groups
// of 10 IPs each.
func clusterDetails(username string, groups []asnGroup, allowed int) string {
	sort.Slice(groups, func(i, j int) bool { return groups[i].Visits > groups[j].Visits })
	capped := groups
	if len(capped) > 5 {
		capped = capped[:5]
	}
	for i := range capped {
		if len(capped[i].IPs) > 10 {
			capped[i].IPs = capped[i].IPs[:10]
		}
	}
	payload := struct {
		User       string     `json:"user"`
		GroupCount int        `json:"group_count"`
		Allowed    int        `json:"allowed"`
		ASNGroups  []asnGroup `json:"asn_groups"`
	}{username, len(groups), allowed, capped}
	b, _ := json.Marshal(payload)
	return string(b)
}

// infrastructureIPs collects the registered node addresses so fleet
// traffic never counts as client activity.
func (d *Detector) infrastructureIPs() map[string]bool {
	servers, err := d.store.ListServers(false)
	if err != nil {
		return nil
	}
	infra := make(map[string]bool)
	for _, srv := range servers {
		if u, err := url.Parse(srv.BaseURL); err == nil {
			if host := u.Hostname(); net.ParseIP(host) != nil {
				infra[host] = true
			}
		}
	}
	return infra
}

// checkDevices validates HWID user agents for one batch of users per
// scan.
func (d *Detector) checkDevices(ctx context.Context, users []store.CachedUser, now time.Time) {
	if d.devices == nil {
		return
	}

	start := d.deviceCursor % len(users)
	end := start + deviceBatchSize
	if end > len(users) {
		end = len(users)
	}
	d.deviceCursor = end % len(users)

	for _, u := range users[start:end] {
		devices, err := d.devices.Devices(ctx, u.UUID)
		if err != nil {
			continue
		}

		failed := 0
		var badAgent string
		for _, dev := range devices {
			if updated, err := time.Parse(time.RFC3339, dev.UpdatedAt); err == nil {
				if now.Sub(updated) > deviceRecentWindow {
					continue
				}
			}
			if !agentAllowed(dev.UserAgent) {
				failed++
				badAgent = dev.UserAgent
			}
		}
		if failed == 0 {
			continue
		}

		severity := "warning"
		if failed > 1 {
			severity = "critical"
		}
		d.report(ctx, store.Anomaly{
			Email:    u.Email,
			Type:     "hwid",
			Severity: severity,
			Details: fmt.Sprintf("user %s has %d device(s) with suspicious agent (e.g. %q)",
				u.Username, failed, badAgent),
		}, now)
	}
}

// agentAllowed accepts known client apps and rejects cracked builds.
// Unknown agents pass: the deny list is the signal, not novelty.
func agentAllowed(agent string) bool {
	upper := strings.ToUpper(agent)
	for _, marker := range deniedMarkers {
		if strings.Contains(upper, marker) {
			return false
		}
	}
	for _, known := range allowedAgents {
		if strings.Contains(agent, known) {
			return true
		}
	}
	return agent != ""
}

func (d *Detector) ipMultiplier() int {
	if v, ok, _ := d.store.GetSetting(settingIPMultiplier); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultIPMultiplier
}

// report records an anomaly unless an unresolved one of the same type
// is already open for the user, then attempts delivery. The notified
// flag is set only on a successful send.
func (d *Detector) report(ctx context.Context, a store.Anomaly, now time.Time) {
	recent, err := d.store.HasRecentAnomaly(a.Email, a.Type, now, dedupWindow)
	if err != nil || recent {
		return
	}
	id, err := d.store.InsertAnomaly(a, now)
	if err != nil {
		d.logger.Error("recording anomaly failed", "email", a.Email, "error", err)
		return
	}
	msg := fmt.Sprintf("🚨 <b>%s</b> anomaly (%s): %s", a.Type, a.Severity, notify.Escape(a.Details))
	if err := d.notifier.Send(ctx, msg); err != nil {
		d.logger.Warn("anomaly delivery failed", "email", a.Email, "error", err)
		return
	}
	if err := d.store.MarkAnomalyNotified(id); err != nil {
		d.logger.Warn("marking anomaly notified failed", "error", err)
	}
}
