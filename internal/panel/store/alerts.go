// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package store

import (
	"database/sql"
	"time"
)

// Alert is one recorded alert event, delivered or not.
type Alert struct {
	ID        int64   `json:"id"`
	ServerID  int64   `json:"server_id"`
	Type      string  `json:"alert_type"`
	Severity  string  `json:"severity"`
	Message   string  `json:"message"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Delivered bool    `json:"delivered"`
	CreatedAt string  `json:"created_at"`
}

// InsertAlert records an alert and returns its id. Alerts are recorded
// regardless of delivery outcome.
func (s *Store) InsertAlert(a Alert, now time.Time) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO alert_history (server_id, alert_type, severity, message, value, threshold, delivered, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ServerID, a.Type, a.Severity, a.Message, a.Value, a.Threshold, a.Delivered, FmtTime(now))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// MarkAlertDelivered flips the delivered flag after a successful send.
func (s *Store) MarkAlertDelivered(id int64) error {
	_, err := s.db.Exec(`UPDATE alert_history SET delivered = 1 WHERE id = ?`, id)
	return err
}

// Alerts lists recent alerts, newest first. serverID 0 means all
// servers.
func (s *Store) Alerts(serverID int64, limit int) ([]Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, server_id, alert_type, severity, COALESCE(message,''), value, threshold, delivered, created_at
		 FROM alert_history`
	args := []any{}
	if serverID != 0 {
		query += ` WHERE server_id = ?`
		args = append(args, serverID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		var a Alert
		if err := rows.Scan(&a.ID, &a.ServerID, &a.Type, &a.Severity, &a.Message,
			&a.Value, &a.Threshold, &a.Delivered, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// PruneAlerts drops alert rows older than age.
func (s *Store) PruneAlerts(now time.Time, age time.Duration) error {
	_, err := s.db.Exec(`DELETE FROM alert_history WHERE created_at < ?`, FmtTime(now.Add(-age)))
	return err
}

// Anomaly is one detected user anomaly.
type Anomaly struct {
	ID        int64  `json:"id"`
	Email     int    `json:"email"`
	Type      string `json:"anomaly_type"` // traffic, ip_count, hwid
	Severity  string `json:"severity"`     // warning or critical
	Details   string `json:"details"`
	Resolved  bool   `json:"resolved"`
	Notified  bool   `json:"notified"`
	CreatedAt string `json:"created_at"`
}

// HasRecentAnomaly reports whether an unresolved anomaly of the same
// type exists for the user within the window. Used to suppress
// duplicate notifications.
func (s *Store) HasRecentAnomaly(email int, anomalyType string, now time.Time, window time.Duration) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM traffic_anomaly_log
		 WHERE email = ? AND anomaly_type = ? AND resolved = 0 AND created_at >= ?`,
		email, anomalyType, FmtTime(now.Add(-window))).Scan(&n)
	return n > 0, err
}

// InsertAnomaly records a detection.
func (s *Store) InsertAnomaly(a Anomaly, now time.Time) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO traffic_anomaly_log (email, anomaly_type, severity, details, resolved, notified, created_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?)`,
		a.Email, a.Type, a.Severity, a.Details, a.Notified, FmtTime(now))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// MarkAnomalyNotified flips the notified flag after a delivered alert.
func (s *Store) MarkAnomalyNotified(id int64) error {
	_, err := s.db.Exec(`UPDATE traffic_anomaly_log SET notified = 1 WHERE id = ?`, id)
	return err
}

// ResolveAnomalies marks every unresolved anomaly of a type for a user
// as resolved.
func (s *Store) ResolveAnomalies(email int, anomalyType string) error {
	_, err := s.db.Exec(
		`UPDATE traffic_anomaly_log SET resolved = 1 WHERE email = ? AND anomaly_type = ? AND resolved = 0`,
		email, anomalyType)
	return err
}

// Anomalies lists recent detections, newest first.
func (s *Store) Anomalies(limit int) ([]Anomaly, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT id, email, anomaly_type, severity, COALESCE(details,''), resolved, notified, created_at
		 FROM traffic_anomaly_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Anomaly
	for rows.Next() {
		var a Anomaly
		if err := rows.Scan(&a.ID, &a.Email, &a.Type, &a.Severity, &a.Details,
			&a.Resolved, &a.Notified, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// TrafficSnapshot is the last observed cumulative usage for one user,
// kept between anomaly scans.
type TrafficSnapshot struct {
	Email     int    `json:"email"`
	UsedBytes int64  `json:"used_traffic_bytes"`
	UpdatedAt string `json:"updated_at"`
}

// GetTrafficSnapshot returns the stored baseline; ok=false on first
// sight of the user.
func (s *Store) GetTrafficSnapshot(email int) (TrafficSnapshot, bool, error) {
	var snap TrafficSnapshot
	err := s.db.QueryRow(
		`SELECT email, used_traffic_bytes, updated_at FROM user_traffic_snapshots WHERE email = ?`, email).
		Scan(&snap.Email, &snap.UsedBytes, &snap.UpdatedAt)
	if err == sql.ErrNoRows {
		return TrafficSnapshot{}, false, nil
	}
	return snap, err == nil, err
}

// PutTrafficSnapshot upserts the baseline.
func (s *Store) PutTrafficSnapshot(email int, usedBytes int64, now time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO user_traffic_snapshots (email, used_traffic_bytes, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(email) DO UPDATE SET
			used_traffic_bytes = excluded.used_traffic_bytes, updated_at = excluded.updated_at`,
		email, usedBytes, FmtTime(now))
	return err
}

// GetSetting reads a settings value; ok=false when unset.
func (s *Store) GetSetting(key string) (string, bool, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	return v, err == nil, err
}

// PutSetting upserts a settings value.
func (s *Store) PutSetting(key, value string, now time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, FmtTime(now))
	return err
}

// Settings returns the whole settings map.
func (s *Store) Settings() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}
