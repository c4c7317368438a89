// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package store

import (
	"database/sql"
	"time"

	"grimm.is/fleetwall/internal/errors"
)

// Server is one managed node.
type Server struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	BaseURL     string `json:"base_url"`
	APIKey      string `json:"-"`
	Position    int    `json:"position"`
	Active      bool   `json:"active"`
	Folder      string `json:"folder,omitempty"`
	HasXrayNode bool   `json:"has_xray_node"`
	LastSeen    string `json:"last_seen,omitempty"`
	LastError   string `json:"last_error,omitempty"`
	ErrorCode   int    `json:"error_code,omitempty"`
	FailCount   int    `json:"fail_count,omitempty"`

	// Cached JSON bodies from the collector loops.
	LastMetricsData string `json:"last_metrics_data,omitempty"`
	LastHAProxyData string `json:"last_haproxy_data,omitempty"`
	LastTrafficData string `json:"last_traffic_data,omitempty"`
}

const serverColumns = `id, name, base_url, api_key, position, active, COALESCE(folder,''),
	has_xray_node, COALESCE(last_seen,''), COALESCE(last_error,''), error_code, fail_count,
	COALESCE(last_metrics_data,''), COALESCE(last_haproxy_data,''), COALESCE(last_traffic_data,'')`

func scanServer(row interface{ Scan(...any) error }) (Server, error) {
	var s Server
	err := row.Scan(&s.ID, &s.Name, &s.BaseURL, &s.APIKey, &s.Position, &s.Active, &s.Folder,
		&s.HasXrayNode, &s.LastSeen, &s.LastError, &s.ErrorCode, &s.FailCount,
		&s.LastMetricsData, &s.LastHAProxyData, &s.LastTrafficData)
	return s, err
}

// CreateServer inserts a server and returns its id.
func (s *Store) CreateServer(srv Server) (int64, error) {
	if srv.Name == "" || srv.BaseURL == "" {
		return 0, errors.New(errors.KindValidation, "name and base_url are required")
	}
	res, err := s.db.Exec(
		`INSERT INTO servers (name, base_url, api_key, position, active, folder)
		 VALUES (?, ?, ?, ?, ?, NULLIF(?, ''))`,
		srv.Name, srv.BaseURL, srv.APIKey, srv.Position, srv.Active, srv.Folder)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetServer loads one server.
func (s *Store) GetServer(id int64) (Server, error) {
	srv, err := scanServer(s.db.QueryRow(`SELECT `+serverColumns+` FROM servers WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Server{}, errors.Errorf(errors.KindNotFound, "server %d not found", id)
	}
	return srv, err
}

// ListServers returns servers ordered by position. activeOnly filters
// to active ones.
func (s *Store) ListServers(activeOnly bool) ([]Server, error) {
	query := `SELECT ` + serverColumns + ` FROM servers`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY position, id`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Server
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, srv)
	}
	return out, rows.Err()
}

// UpdateServer rewrites the operator-editable fields.
func (s *Store) UpdateServer(srv Server) error {
	res, err := s.db.Exec(
		`UPDATE servers SET name = ?, base_url = ?, api_key = ?, position = ?, active = ?, folder = NULLIF(?, '')
		 WHERE id = ?`,
		srv.Name, srv.BaseURL, srv.APIKey, srv.Position, srv.Active, srv.Folder, srv.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Errorf(errors.KindNotFound, "server %d not found", srv.ID)
	}
	return nil
}

// DeleteServer removes a server and its dependent rows.
func (s *Store) DeleteServer(id int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	for _, q := range []string{
		`DELETE FROM metrics_snapshots WHERE server_id = ?`,
		`DELETE FROM aggregated_metrics WHERE server_id = ?`,
		`DELETE FROM blocklist_rules WHERE server_id = ?`,
		`DELETE FROM alert_history WHERE server_id = ?`,
		`DELETE FROM servers WHERE id = ?`,
	} {
		if _, err := tx.Exec(q, id); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// MarkServerSeen clears the error state and the consecutive-failure
// streak, and caches the metrics body.
func (s *Store) MarkServerSeen(id int64, at time.Time, metricsJSON string) error {
	_, err := s.db.Exec(
		`UPDATE servers SET last_seen = ?, last_error = NULL, error_code = 0, fail_count = 0,
			last_metrics_data = ?
		 WHERE id = ?`,
		FmtTime(at), metricsJSON, id)
	return err
}

// MarkServerError records a poll failure and extends the failure
// streak, without touching last_seen.
func (s *Store) MarkServerError(id int64, message string, code int) error {
	_, err := s.db.Exec(
		`UPDATE servers SET last_error = ?, error_code = ?, fail_count = fail_count + 1 WHERE id = ?`,
		message, code, id)
	return err
}

// SetServerXrayNode flips the has_xray_node flag.
func (s *Store) SetServerXrayNode(id int64, has bool) error {
	_, err := s.db.Exec(`UPDATE servers SET has_xray_node = ? WHERE id = ?`, has, id)
	return err
}

// CacheServerData stores the HAProxy and traffic cache bodies; empty
// strings leave the previous value.
func (s *Store) CacheServerData(id int64, haproxyJSON, trafficJSON string) error {
	_, err := s.db.Exec(
		`UPDATE servers SET
			last_haproxy_data = CASE WHEN ? != '' THEN ? ELSE last_haproxy_data END,
			last_traffic_data = CASE WHEN ? != '' THEN ? ELSE last_traffic_data END
		 WHERE id = ?`,
		haproxyJSON, haproxyJSON, trafficJSON, trafficJSON, id)
	return err
}
