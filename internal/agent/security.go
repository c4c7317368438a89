// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package agent

import (
	"net"
	"net/http"
	"sync"
	"time"

	"grimm.is/fleetwall/internal/logging"
)

const (
	// StatusConnectionClosed is the nginx-style "close without telling
	// them anything" status for banned sources.
	StatusConnectionClosed = 444

	DefaultMaxFailedAttempts = 10
	DefaultBanDuration       = 3600 * time.Second

	securityCleanupInterval = 300 * time.Second
)

type ipRecord struct {
	failedAttempts int
	lastAttempt    time.Time
	bannedUntil    time.Time
}

// SecurityManager implements fail2ban-style IP dropping for the agent
// API: repeated auth failures ban the source, and banned sources get a
// bare connection close with no response body.
type SecurityManager struct {
	logger      *logging.Logger
	maxFailed   int
	banDuration time.Duration

	mu      sync.Mutex
	records map[string]*ipRecord
}

// NewSecurityManager creates the guard and starts its cleanup loop.
func NewSecurityManager(logger *logging.Logger, maxFailed int, banDuration time.Duration) *SecurityManager {
	if maxFailed <= 0 {
		maxFailed = DefaultMaxFailedAttempts
	}
	if banDuration <= 0 {
		banDuration = DefaultBanDuration
	}
	sm := &SecurityManager{
		logger:      logger.WithComponent("security"),
		maxFailed:   maxFailed,
		banDuration: banDuration,
		records:     make(map[string]*ipRecord),
	}
	go sm.cleanupLoop()
	return sm
}

// IsBanned reports whether the source is currently banned.
func (sm *SecurityManager) IsBanned(ip string) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	rec, ok := sm.records[ip]
	return ok && time.Now().Before(rec.bannedUntil)
}

// RecordFailure counts one auth failure; at the threshold the source
// is banned.
func (sm *SecurityManager) RecordFailure(ip string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	rec, ok := sm.records[ip]
	if !ok {
		rec = &ipRecord{}
		sm.records[ip] = rec
	}
	rec.failedAttempts++
	rec.lastAttempt = time.Now()

	if rec.failedAttempts >= sm.maxFailed && rec.bannedUntil.Before(time.Now()) {
		rec.bannedUntil = time.Now().Add(sm.banDuration)
		sm.logger.Warn("banned source after repeated auth failures",
			"ip", ip, "attempts", rec.failedAttempts, "until", rec.bannedUntil)
	}
}

// RecordSuccess resets the failure count for a source.
func (sm *SecurityManager) RecordSuccess(ip string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.records, ip)
}

func (sm *SecurityManager) cleanupLoop() {
	ticker := time.NewTicker(securityCleanupInterval)
	defer ticker.Stop()
	for range ticker.C {
		sm.mu.Lock()
		now := time.Now()
		for ip, rec := range sm.records {
			if now.After(rec.bannedUntil) && now.Sub(rec.lastAttempt) > sm.banDuration {
				delete(sm.records, ip)
			}
		}
		sm.mu.Unlock()
	}
}

// drop closes the connection with no body. Hijack gives a true bare
// close; when the writer cannot hijack we fall back to a bodyless 444.
func drop(w http.ResponseWriter) {
	if hj, ok := w.(http.Hijacker); ok {
		if conn, _, err := hj.Hijack(); err == nil {
			conn.Close()
			return
		}
	}
	w.WriteHeader(StatusConnectionClosed)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
