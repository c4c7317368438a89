// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package store

import (
	"database/sql"
	"time"
)

// FleetWide is the sentinel server id for fleet-aggregate hourly rows.
const FleetWide int64 = 0

// upsertChunkSize bounds one statement batch inside the merge
// transaction.
const upsertChunkSize = 500

// VisitDelta is one increment against the fact table.
type VisitDelta struct {
	Email    int    `json:"email"`
	SourceIP string `json:"source_ip"`
	Host     string `json:"host"`
	Count    int64  `json:"count"`
}

// VisitRow is one stored fact row.
type VisitRow struct {
	Email     int    `json:"email"`
	SourceIP  string `json:"source_ip"`
	Host      string `json:"host"`
	Count     int64  `json:"count"`
	FirstSeen string `json:"first_seen"`
	LastSeen  string `json:"last_seen"`
}

// MergeVisits applies deltas to the fact table in chunks of 500 inside
// one transaction, then upserts the fleet-wide hourly row. The caller
// holds the process-wide write lock; this function only retries
// contention.
func (s *Store) MergeVisits(deltas []VisitDelta, now time.Time) error {
	if len(deltas) == 0 {
		return nil
	}
	ts := FmtTime(now)
	hour := FmtTime(now.Truncate(time.Hour))

	return WithRetry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}

		stmt, err := tx.Prepare(
			`INSERT INTO xray_stats (email, source_ip, host, count, first_seen, last_seen)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(email, source_ip, host) DO UPDATE SET
				count = count + excluded.count,
				last_seen = excluded.last_seen`)
		if err != nil {
			tx.Rollback()
			return err
		}

		for start := 0; start < len(deltas); start += upsertChunkSize {
			end := start + upsertChunkSize
			if end > len(deltas) {
				end = len(deltas)
			}
			for _, d := range deltas[start:end] {
				if _, err := stmt.Exec(d.Email, d.SourceIP, d.Host, d.Count, ts, ts); err != nil {
					stmt.Close()
					tx.Rollback()
					return err
				}
			}
		}
		stmt.Close()

		var visits int64
		users := make(map[int]bool)
		hosts := make(map[string]bool)
		for _, d := range deltas {
			visits += d.Count
			users[d.Email] = true
			hosts[d.Host] = true
		}
		if _, err := tx.Exec(
			`INSERT INTO xray_hourly_stats (server_id, hour, visits, unique_users, unique_hosts)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(server_id, hour) DO UPDATE SET
				visits = visits + excluded.visits,
				unique_users = MAX(unique_users, excluded.unique_users),
				unique_hosts = MAX(unique_hosts, excluded.unique_hosts)`,
			FleetWide, hour, visits, len(users), len(hosts)); err != nil {
			tx.Rollback()
			return err
		}

		return tx.Commit()
	})
}

// Visits reads fact rows, newest activity first.
func (s *Store) Visits(limit int) ([]VisitRow, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.Query(
		`SELECT email, source_ip, host, count, first_seen, last_seen
		 FROM xray_stats ORDER BY last_seen DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanVisitRows(rows)
}

// UserVisits reads one user's fact rows since a cutoff.
func (s *Store) UserVisits(email int, since time.Time) ([]VisitRow, error) {
	rows, err := s.db.Query(
		`SELECT email, source_ip, host, count, first_seen, last_seen
		 FROM xray_stats WHERE email = ? AND last_seen >= ?
		 ORDER BY count DESC`, email, FmtTime(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanVisitRows(rows)
}

// IPVisit is one (source_ip, total visits) pair.
type IPVisit struct {
	IP     string `json:"ip"`
	Visits int64  `json:"visits"`
}

// ClientVisits sums a user's visits per source IP for rows active
// since the cutoff, heaviest first.
func (s *Store) ClientVisits(email int, since time.Time) ([]IPVisit, error) {
	rows, err := s.db.Query(
		`SELECT source_ip, SUM(count) FROM xray_stats
		 WHERE email = ? AND last_seen >= ?
		 GROUP BY source_ip ORDER BY SUM(count) DESC`, email, FmtTime(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IPVisit
	for rows.Next() {
		var v IPVisit
		if err := rows.Scan(&v.IP, &v.Visits); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanVisitRows(rows *sql.Rows) ([]VisitRow, error) {
	var out []VisitRow
	for rows.Next() {
		var v VisitRow
		if err := rows.Scan(&v.Email, &v.SourceIP, &v.Host, &v.Count, &v.FirstSeen, &v.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// GlobalSummary is the single-row projection.
type GlobalSummary struct {
	TotalVisits int64  `json:"total_visits"`
	UniqueUsers int64  `json:"unique_users"`
	UniqueHosts int64  `json:"unique_hosts"`
	UpdatedAt   string `json:"updated_at"`
}

// DestinationSummary is one host's projection row.
type DestinationSummary struct {
	Host        string `json:"host"`
	TotalVisits int64  `json:"total_visits"`
	UniqueUsers int64  `json:"unique_users"`
	LastSeen    string `json:"last_seen"`
}

// UserSummary is one user's projection row.
type UserSummary struct {
	Email             int    `json:"email"`
	TotalVisits       int64  `json:"total_visits"`
	UniqueSites       int64  `json:"unique_sites"`
	UniqueClientIPs   int64  `json:"unique_client_ips"`
	InfrastructureIPs int64  `json:"infrastructure_ips"`
	FirstSeen         string `json:"first_seen"`
	LastSeen          string `json:"last_seen"`
}

// MinASNVisitCount is the per-(email, ip) visit floor for counting an
// IP as a real client in the user summary.
const MinASNVisitCount = 1000

// RebuildSummaries regenerates the three projections by full scan.
// Reconstruction is idempotent: the result depends only on the fact
// table and infraIPs.
func (s *Store) RebuildSummaries(now time.Time, infraIPs map[string]bool) error {
	return WithRetry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}

		if _, err := tx.Exec(
			`INSERT INTO xray_global_summary (id, total_visits, unique_users, unique_hosts, updated_at)
			 SELECT 1, COALESCE(SUM(count),0), COUNT(DISTINCT email), COUNT(DISTINCT host), ?
			 FROM xray_stats WHERE true
			 ON CONFLICT(id) DO UPDATE SET
				total_visits = excluded.total_visits,
				unique_users = excluded.unique_users,
				unique_hosts = excluded.unique_hosts,
				updated_at = excluded.updated_at`,
			FmtTime(now)); err != nil {
			tx.Rollback()
			return err
		}

		if _, err := tx.Exec(`DELETE FROM xray_destination_summary`); err != nil {
			tx.Rollback()
			return err
		}
		if _, err := tx.Exec(
			`INSERT INTO xray_destination_summary (host, total_visits, unique_users, last_seen)
			 SELECT host, SUM(count), COUNT(DISTINCT email), MAX(last_seen)
			 FROM xray_stats GROUP BY host`); err != nil {
			tx.Rollback()
			return err
		}

		if _, err := tx.Exec(`DELETE FROM xray_user_summary`); err != nil {
			tx.Rollback()
			return err
		}
		if _, err := tx.Exec(
			`INSERT INTO xray_user_summary (email, total_visits, unique_sites, first_seen, last_seen)
			 SELECT email, SUM(count), COUNT(DISTINCT host), MIN(first_seen), MAX(last_seen)
			 FROM xray_stats GROUP BY email`); err != nil {
			tx.Rollback()
			return err
		}

		// Client IP columns need the infrastructure set, which lives
		// outside the database; compute per (email, ip) in Go.
		rows, err := tx.Query(
			`SELECT email, source_ip, SUM(count) FROM xray_stats GROUP BY email, source_ip`)
		if err != nil {
			tx.Rollback()
			return err
		}
		type ipCounts struct{ client, infra int64 }
		perUser := make(map[int]*ipCounts)
		for rows.Next() {
			var email int
			var ip string
			var count int64
			if err := rows.Scan(&email, &ip, &count); err != nil {
				rows.Close()
				tx.Rollback()
				return err
			}
			c := perUser[email]
			if c == nil {
				c = &ipCounts{}
				perUser[email] = c
			}
			if infraIPs[ip] {
				c.infra++
			} else if count >= MinASNVisitCount {
				c.client++
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			tx.Rollback()
			return err
		}
		rows.Close()

		for email, c := range perUser {
			if _, err := tx.Exec(
				`UPDATE xray_user_summary SET unique_client_ips = ?, infrastructure_ips = ? WHERE email = ?`,
				c.client, c.infra, email); err != nil {
				tx.Rollback()
				return err
			}
		}

		return tx.Commit()
	})
}

// GetGlobalSummary reads the projection; ok=false before first rebuild.
func (s *Store) GetGlobalSummary() (GlobalSummary, bool, error) {
	var g GlobalSummary
	err := s.db.QueryRow(
		`SELECT total_visits, unique_users, unique_hosts, COALESCE(updated_at,'')
		 FROM xray_global_summary WHERE id = 1`).
		Scan(&g.TotalVisits, &g.UniqueUsers, &g.UniqueHosts, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return GlobalSummary{}, false, nil
	}
	return g, err == nil, err
}

// TopDestinations reads the destination projection by visit count.
func (s *Store) TopDestinations(limit int) ([]DestinationSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT host, total_visits, unique_users, COALESCE(last_seen,'')
		 FROM xray_destination_summary ORDER BY total_visits DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DestinationSummary
	for rows.Next() {
		var d DestinationSummary
		if err := rows.Scan(&d.Host, &d.TotalVisits, &d.UniqueUsers, &d.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// TopUsers reads the user projection by visit count.
func (s *Store) TopUsers(limit int) ([]UserSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT email, total_visits, unique_sites, unique_client_ips, infrastructure_ips,
			COALESCE(first_seen,''), COALESCE(last_seen,'')
		 FROM xray_user_summary ORDER BY total_visits DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UserSummary
	for rows.Next() {
		var u UserSummary
		if err := rows.Scan(&u.Email, &u.TotalVisits, &u.UniqueSites, &u.UniqueClientIPs,
			&u.InfrastructureIPs, &u.FirstSeen, &u.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// HourlyStats reads hourly rows for one server id (FleetWide for the
// aggregate), newest first.
func (s *Store) HourlyStats(serverID int64, limit int) ([]struct {
	Hour        string `json:"hour"`
	Visits      int64  `json:"visits"`
	UniqueUsers int64  `json:"unique_users"`
	UniqueHosts int64  `json:"unique_hosts"`
}, error) {
	if limit <= 0 {
		limit = 168
	}
	rows, err := s.db.Query(
		`SELECT hour, visits, unique_users, unique_hosts FROM xray_hourly_stats
		 WHERE server_id = ? ORDER BY hour DESC LIMIT ?`, serverID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []struct {
		Hour        string `json:"hour"`
		Visits      int64  `json:"visits"`
		UniqueUsers int64  `json:"unique_users"`
		UniqueHosts int64  `json:"unique_hosts"`
	}
	for rows.Next() {
		var r struct {
			Hour        string `json:"hour"`
			Visits      int64  `json:"visits"`
			UniqueUsers int64  `json:"unique_users"`
			UniqueHosts int64  `json:"unique_hosts"`
		}
		if err := rows.Scan(&r.Hour, &r.Visits, &r.UniqueUsers, &r.UniqueHosts); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ClearVisits drops the fact table and summaries.
func (s *Store) ClearVisits() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	for _, q := range []string{
		`DELETE FROM xray_stats`,
		`DELETE FROM xray_global_summary`,
		`DELETE FROM xray_destination_summary`,
		`DELETE FROM xray_user_summary`,
	} {
		if _, err := tx.Exec(q); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// PruneVisits applies retention to fact, hourly, and user-cache rows,
// vacuuming when anything was removed.
func (s *Store) PruneVisits(now time.Time, factAge, hourlyAge time.Duration) error {
	var removed int64

	res, err := s.db.Exec(`DELETE FROM xray_stats WHERE last_seen < ?`, FmtTime(now.Add(-factAge)))
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	removed += n

	res, err = s.db.Exec(`DELETE FROM xray_hourly_stats WHERE hour < ?`, FmtTime(now.Add(-hourlyAge)))
	if err != nil {
		return err
	}
	n, _ = res.RowsAffected()
	removed += n

	res, err = s.db.Exec(`DELETE FROM remnawave_user_cache WHERE updated_at < ?`,
		FmtTime(now.Add(-7*24*time.Hour)))
	if err != nil {
		return err
	}
	n, _ = res.RowsAffected()
	removed += n

	if removed > 0 {
		_, err = s.db.Exec(`VACUUM`)
	}
	return err
}

// CachedUser mirrors one upstream VPN panel user.
type CachedUser struct {
	Email            int    `json:"email"`
	UUID             string `json:"uuid"`
	Username         string `json:"username"`
	Status           string `json:"status"`
	UsedTraffic      int64  `json:"used_traffic_bytes"`
	TrafficLimit     int64  `json:"traffic_limit_bytes"`
	HWIDDeviceLimit  int    `json:"hwid_device_limit"`
	UpdatedAt        string `json:"updated_at"`
}

// ReplaceUserCache upserts the fresh user set and deletes emails not
// present in it.
func (s *Store) ReplaceUserCache(users []CachedUser, now time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}

	ts := FmtTime(now)
	keep := make([]any, 0, len(users))
	for _, u := range users {
		if _, err := tx.Exec(
			`INSERT INTO remnawave_user_cache (email, uuid, username, status, used_traffic_bytes,
				traffic_limit_bytes, hwid_device_limit, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(email) DO UPDATE SET
				uuid = excluded.uuid, username = excluded.username, status = excluded.status,
				used_traffic_bytes = excluded.used_traffic_bytes,
				traffic_limit_bytes = excluded.traffic_limit_bytes,
				hwid_device_limit = excluded.hwid_device_limit,
				updated_at = excluded.updated_at`,
			u.Email, u.UUID, u.Username, u.Status, u.UsedTraffic, u.TrafficLimit, u.HWIDDeviceLimit, ts); err != nil {
			tx.Rollback()
			return err
		}
		keep = append(keep, u.Email)
	}

	// Emails absent from the fresh response are gone upstream.
	if len(keep) > 0 {
		placeholders := "?"
		for range keep[1:] {
			placeholders += ",?"
		}
		if _, err := tx.Exec(
			`DELETE FROM remnawave_user_cache WHERE email NOT IN (`+placeholders+`)`, keep...); err != nil {
			tx.Rollback()
			return err
		}
	} else {
		if _, err := tx.Exec(`DELETE FROM remnawave_user_cache`); err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// CachedUsers returns the mirrored user set.
func (s *Store) CachedUsers() ([]CachedUser, error) {
	rows, err := s.db.Query(
		`SELECT email, uuid, COALESCE(username,''), COALESCE(status,''), used_traffic_bytes,
			traffic_limit_bytes, hwid_device_limit, updated_at
		 FROM remnawave_user_cache ORDER BY email`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CachedUser
	for rows.Next() {
		var u CachedUser
		if err := rows.Scan(&u.Email, &u.UUID, &u.Username, &u.Status, &u.UsedTraffic,
			&u.TrafficLimit, &u.HWIDDeviceLimit, &u.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ASNRecord is one cached RIPE lookup (7-day TTL).
type ASNRecord struct {
	IP       string `json:"ip"`
	ASN      string `json:"asn"`
	Prefix   string `json:"prefix"`
	Holder   string `json:"holder"`
	CachedAt string `json:"cached_at"`
}

// GetASN returns a cached record younger than the TTL.
func (s *Store) GetASN(ip string, now time.Time) (ASNRecord, bool, error) {
	var rec ASNRecord
	err := s.db.QueryRow(
		`SELECT ip, COALESCE(asn,''), COALESCE(prefix,''), COALESCE(holder,''), cached_at
		 FROM asn_cache WHERE ip = ? AND cached_at >= ?`,
		ip, FmtTime(now.Add(-7*24*time.Hour))).
		Scan(&rec.IP, &rec.ASN, &rec.Prefix, &rec.Holder, &rec.CachedAt)
	if err == sql.ErrNoRows {
		return ASNRecord{}, false, nil
	}
	return rec, err == nil, err
}

// PutASN caches a lookup result.
func (s *Store) PutASN(rec ASNRecord, now time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO asn_cache (ip, asn, prefix, holder, cached_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(ip) DO UPDATE SET
			asn = excluded.asn, prefix = excluded.prefix, holder = excluded.holder,
			cached_at = excluded.cached_at`,
		rec.IP, rec.ASN, rec.Prefix, rec.Holder, FmtTime(now))
	return err
}
