// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package store is the panel's relational layer. Datetimes are stored
// as naive UTC text; the HTTP layer serializes them as ISO-8601 with a
// trailing Z.
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is the naive UTC storage format. Lexicographic order
// equals chronological order.
const timeLayout = "2006-01-02 15:04:05"

// FmtTime renders a timestamp for storage.
func FmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime reads a stored timestamp back as UTC.
func ParseTime(s string) (time.Time, error) {
	t, err := time.ParseInLocation(timeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad stored timestamp %q: %w", s, err)
	}
	return t, nil
}

// ISO renders a stored timestamp for the external API (trailing Z).
func ISO(s string) string {
	t, err := ParseTime(s)
	if err != nil {
		return s
	}
	return t.Format("2006-01-02T15:04:05Z")
}

const (
	retryAttempts = 3
	retryBackoff  = 300 * time.Millisecond
)

// Store wraps the panel database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the panel database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open panel db: %w", err)
	}
	// The pool serves every scheduler; writes serialize inside SQLite.
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for package-internal query files.
func (s *Store) DB() *sql.DB { return s.db }

// WithRetry runs fn, retrying up to 3 times with linear back-off when
// the database reports contention.
func WithRetry(fn func() error) error {
	var err error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err = fn()
		if err == nil || !isContention(err) {
			return err
		}
		time.Sleep(time.Duration(attempt) * retryBackoff)
	}
	return err
}

func isContention(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "deadlock")
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS servers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		base_url TEXT NOT NULL,
		api_key TEXT NOT NULL,
		position INTEGER DEFAULT 0,
		active INTEGER DEFAULT 1,
		folder TEXT,
		has_xray_node INTEGER DEFAULT 0,
		last_seen TEXT,
		last_error TEXT,
		error_code INTEGER DEFAULT 0,
		fail_count INTEGER DEFAULT 0,
		last_metrics_data TEXT,
		last_haproxy_data TEXT,
		last_traffic_data TEXT
	);

	CREATE TABLE IF NOT EXISTS metrics_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		server_id INTEGER NOT NULL,
		taken_at TEXT NOT NULL,
		cpu_percent REAL DEFAULT 0,
		ram_percent REAL DEFAULT 0,
		swap_percent REAL DEFAULT 0,
		net_rx_bytes INTEGER DEFAULT 0,
		net_tx_bytes INTEGER DEFAULT 0,
		net_rx_bytes_per_sec REAL DEFAULT 0,
		net_tx_bytes_per_sec REAL DEFAULT 0,
		disk_percent REAL DEFAULT 0,
		tcp_established INTEGER DEFAULT 0,
		tcp_listen INTEGER DEFAULT 0,
		tcp_time_wait INTEGER DEFAULT 0,
		tcp_close_wait INTEGER DEFAULT 0,
		tcp_syn_sent INTEGER DEFAULT 0,
		tcp_syn_recv INTEGER DEFAULT 0,
		tcp_fin_wait INTEGER DEFAULT 0,
		tcp_other INTEGER DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_server_time ON metrics_snapshots(server_id, taken_at);

	CREATE TABLE IF NOT EXISTS aggregated_metrics (
		server_id INTEGER NOT NULL,
		period TEXT NOT NULL,           -- 'hour' or 'day'
		period_start TEXT NOT NULL,
		avg_cpu REAL DEFAULT 0,
		max_cpu REAL DEFAULT 0,
		avg_ram REAL DEFAULT 0,
		max_ram REAL DEFAULT 0,
		avg_rx_speed REAL DEFAULT 0,
		max_rx_speed REAL DEFAULT 0,
		avg_tx_speed REAL DEFAULT 0,
		max_tx_speed REAL DEFAULT 0,
		total_rx_bytes INTEGER DEFAULT 0,
		total_tx_bytes INTEGER DEFAULT 0,
		samples INTEGER DEFAULT 0,
		PRIMARY KEY (server_id, period, period_start)
	);

	CREATE TABLE IF NOT EXISTS blocklist_rules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ip_cidr TEXT NOT NULL,
		server_id INTEGER,              -- NULL means global
		direction TEXT NOT NULL DEFAULT 'in',
		permanent INTEGER DEFAULT 1,
		source TEXT NOT NULL DEFAULT 'manual',  -- manual or auto_list
		source_id INTEGER,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_blocklist_rules_server ON blocklist_rules(server_id, direction);

	CREATE TABLE IF NOT EXISTS blocklist_sources (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		url TEXT NOT NULL,
		enabled INTEGER DEFAULT 1,
		direction TEXT NOT NULL DEFAULT 'in',
		last_hash TEXT,
		ip_count INTEGER DEFAULT 0,
		last_updated TEXT
	);

	CREATE TABLE IF NOT EXISTS xray_stats (
		email INTEGER NOT NULL,
		source_ip TEXT NOT NULL,
		host TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		first_seen TEXT NOT NULL,
		last_seen TEXT NOT NULL,
		PRIMARY KEY (email, source_ip, host)
	);
	CREATE INDEX IF NOT EXISTS idx_xray_stats_last_seen ON xray_stats(last_seen);
	CREATE INDEX IF NOT EXISTS idx_xray_stats_host ON xray_stats(host);

	CREATE TABLE IF NOT EXISTS xray_hourly_stats (
		server_id INTEGER NOT NULL,     -- 0 is the fleet-wide row
		hour TEXT NOT NULL,
		visits INTEGER DEFAULT 0,
		unique_users INTEGER DEFAULT 0,
		unique_hosts INTEGER DEFAULT 0,
		PRIMARY KEY (server_id, hour)
	);

	CREATE TABLE IF NOT EXISTS xray_global_summary (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		total_visits INTEGER DEFAULT 0,
		unique_users INTEGER DEFAULT 0,
		unique_hosts INTEGER DEFAULT 0,
		updated_at TEXT
	);

	CREATE TABLE IF NOT EXISTS xray_destination_summary (
		host TEXT PRIMARY KEY,
		total_visits INTEGER DEFAULT 0,
		unique_users INTEGER DEFAULT 0,
		last_seen TEXT
	);

	CREATE TABLE IF NOT EXISTS xray_user_summary (
		email INTEGER PRIMARY KEY,
		total_visits INTEGER DEFAULT 0,
		unique_sites INTEGER DEFAULT 0,
		unique_client_ips INTEGER DEFAULT 0,
		infrastructure_ips INTEGER DEFAULT 0,
		first_seen TEXT,
		last_seen TEXT
	);

	CREATE TABLE IF NOT EXISTS remnawave_user_cache (
		email INTEGER PRIMARY KEY,
		uuid TEXT NOT NULL,
		username TEXT,
		status TEXT,
		used_traffic_bytes INTEGER DEFAULT 0,
		traffic_limit_bytes INTEGER DEFAULT 0,
		hwid_device_limit INTEGER DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS asn_cache (
		ip TEXT PRIMARY KEY,
		asn TEXT,
		prefix TEXT,
		holder TEXT,
		cached_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS user_traffic_snapshots (
		email INTEGER PRIMARY KEY,
		used_traffic_bytes INTEGER DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS traffic_anomaly_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		email INTEGER NOT NULL,
		anomaly_type TEXT NOT NULL,     -- traffic, ip_count, hwid
		severity TEXT NOT NULL,         -- warning or critical
		details TEXT,
		resolved INTEGER DEFAULT 0,
		notified INTEGER DEFAULT 0,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_anomaly_log_user ON traffic_anomaly_log(email, anomaly_type, created_at);

	CREATE TABLE IF NOT EXISTS alert_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		server_id INTEGER NOT NULL,
		alert_type TEXT NOT NULL,
		severity TEXT NOT NULL,
		message TEXT,
		value REAL DEFAULT 0,
		threshold REAL DEFAULT 0,
		delivered INTEGER DEFAULT 0,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_alert_history_server ON alert_history(server_id, created_at);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}
