// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package store

import (
	"database/sql"
	"sort"
	"time"

	"grimm.is/fleetwall/internal/errors"
)

// BlocklistRule is one managed block entry. ServerID nil means the
// rule applies to every server.
type BlocklistRule struct {
	ID        int64  `json:"id"`
	IPCIDR    string `json:"ip_cidr"`
	ServerID  *int64 `json:"server_id,omitempty"`
	Direction string `json:"direction"`
	Permanent bool   `json:"permanent"`
	Source    string `json:"source"` // manual or auto_list
	SourceID  *int64 `json:"source_id,omitempty"`
	CreatedAt string `json:"created_at"`
}

// BlocklistSource is one external feed URL.
type BlocklistSource struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	URL         string `json:"url"`
	Enabled     bool   `json:"enabled"`
	Direction   string `json:"direction"`
	LastHash    string `json:"last_hash,omitempty"`
	IPCount     int    `json:"ip_count"`
	LastUpdated string `json:"last_updated,omitempty"`
}

const ruleColumns = `id, ip_cidr, server_id, direction, permanent, source, source_id, created_at`

func scanRule(row interface{ Scan(...any) error }) (BlocklistRule, error) {
	var r BlocklistRule
	var serverID, sourceID sql.NullInt64
	err := row.Scan(&r.ID, &r.IPCIDR, &serverID, &r.Direction, &r.Permanent, &r.Source, &sourceID, &r.CreatedAt)
	if serverID.Valid {
		r.ServerID = &serverID.Int64
	}
	if sourceID.Valid {
		r.SourceID = &sourceID.Int64
	}
	return r, err
}

// AddRule inserts a manual or source-derived rule.
func (s *Store) AddRule(r BlocklistRule, now time.Time) (int64, error) {
	if r.IPCIDR == "" {
		return 0, errors.New(errors.KindValidation, "ip_cidr is required")
	}
	if r.Direction != "in" && r.Direction != "out" {
		return 0, errors.Errorf(errors.KindValidation, "invalid direction %q", r.Direction)
	}
	if r.Source == "" {
		r.Source = "manual"
	}
	res, err := s.db.Exec(
		`INSERT INTO blocklist_rules (ip_cidr, server_id, direction, permanent, source, source_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.IPCIDR, r.ServerID, r.Direction, r.Permanent, r.Source, r.SourceID, FmtTime(now))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// DeleteRule removes one rule by id.
func (s *Store) DeleteRule(id int64) error {
	res, err := s.db.Exec(`DELETE FROM blocklist_rules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Errorf(errors.KindNotFound, "blocklist rule %d not found", id)
	}
	return nil
}

// Rules returns every stored rule, newest first.
func (s *Store) Rules() ([]BlocklistRule, error) {
	rows, err := s.db.Query(`SELECT ` + ruleColumns + ` FROM blocklist_rules ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRules(rows)
}

func scanRules(rows *sql.Rows) ([]BlocklistRule, error) {
	var out []BlocklistRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ReplaceSourceRules swaps a source's derived rules for a fresh IP set
// inside one transaction.
func (s *Store) ReplaceSourceRules(sourceID int64, direction string, ips []string, now time.Time) error {
	return WithRetry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM blocklist_rules WHERE source = 'auto_list' AND source_id = ?`, sourceID); err != nil {
			tx.Rollback()
			return err
		}
		stmt, err := tx.Prepare(
			`INSERT INTO blocklist_rules (ip_cidr, server_id, direction, permanent, source, source_id, created_at)
			 VALUES (?, NULL, ?, 1, 'auto_list', ?, ?)`)
		if err != nil {
			tx.Rollback()
			return err
		}
		ts := FmtTime(now)
		for _, ip := range ips {
			if _, err := stmt.Exec(ip, direction, sourceID, ts); err != nil {
				stmt.Close()
				tx.Rollback()
				return err
			}
		}
		stmt.Close()
		return tx.Commit()
	})
}

// EffectiveSet computes the deduplicated block set for one server and
// direction: global rules, the server's own rules, and enabled-source
// rules. Sorted for stable sync payloads.
func (s *Store) EffectiveSet(serverID int64, direction string, permanent bool) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT r.ip_cidr FROM blocklist_rules r
		 LEFT JOIN blocklist_sources src ON r.source_id = src.id
		 WHERE r.direction = ? AND r.permanent = ?
		   AND (r.server_id IS NULL OR r.server_id = ?)
		   AND (r.source != 'auto_list' OR src.enabled = 1)`,
		direction, permanent, serverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, err
		}
		out = append(out, ip)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// CreateSource registers a feed.
func (s *Store) CreateSource(src BlocklistSource) (int64, error) {
	if src.Name == "" || src.URL == "" {
		return 0, errors.New(errors.KindValidation, "name and url are required")
	}
	if src.Direction == "" {
		src.Direction = "in"
	}
	res, err := s.db.Exec(
		`INSERT INTO blocklist_sources (name, url, enabled, direction) VALUES (?, ?, ?, ?)`,
		src.Name, src.URL, src.Enabled, src.Direction)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetSource loads one feed.
func (s *Store) GetSource(id int64) (BlocklistSource, error) {
	var src BlocklistSource
	err := s.db.QueryRow(
		`SELECT id, name, url, enabled, direction, COALESCE(last_hash,''), ip_count, COALESCE(last_updated,'')
		 FROM blocklist_sources WHERE id = ?`, id).
		Scan(&src.ID, &src.Name, &src.URL, &src.Enabled, &src.Direction, &src.LastHash, &src.IPCount, &src.LastUpdated)
	if err == sql.ErrNoRows {
		return BlocklistSource{}, errors.Errorf(errors.KindNotFound, "blocklist source %d not found", id)
	}
	return src, err
}

// Sources returns every feed.
func (s *Store) Sources() ([]BlocklistSource, error) {
	rows, err := s.db.Query(
		`SELECT id, name, url, enabled, direction, COALESCE(last_hash,''), ip_count, COALESCE(last_updated,'')
		 FROM blocklist_sources ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BlocklistSource
	for rows.Next() {
		var src BlocklistSource
		if err := rows.Scan(&src.ID, &src.Name, &src.URL, &src.Enabled, &src.Direction,
			&src.LastHash, &src.IPCount, &src.LastUpdated); err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// SetSourceEnabled toggles a feed without touching its derived rules;
// EffectiveSet filters on the flag.
func (s *Store) SetSourceEnabled(id int64, enabled bool) error {
	res, err := s.db.Exec(`UPDATE blocklist_sources SET enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Errorf(errors.KindNotFound, "blocklist source %d not found", id)
	}
	return nil
}

// MarkSourceRefreshed records a successful fetch.
func (s *Store) MarkSourceRefreshed(id int64, hash string, ipCount int, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE blocklist_sources SET last_hash = ?, ip_count = ?, last_updated = ? WHERE id = ?`,
		hash, ipCount, FmtTime(at), id)
	return err
}

// DeleteSource removes a feed and cascades to its derived rules.
func (s *Store) DeleteSource(id int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM blocklist_rules WHERE source = 'auto_list' AND source_id = ?`, id); err != nil {
		tx.Rollback()
		return err
	}
	res, err := tx.Exec(`DELETE FROM blocklist_sources WHERE id = ?`, id)
	if err != nil {
		tx.Rollback()
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		tx.Rollback()
		return errors.Errorf(errors.KindNotFound, "blocklist source %d not found", id)
	}
	return tx.Commit()
}
