// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package trafficacct

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// InterfaceSample is one raw per-tick delta for an interface.
type InterfaceSample struct {
	Timestamp time.Time `json:"timestamp"`
	Interface string    `json:"interface"`
	RxBytes   uint64    `json:"rx_bytes"`
	TxBytes   uint64    `json:"tx_bytes"`
	RxPackets uint64    `json:"rx_packets"`
	TxPackets uint64    `json:"tx_packets"`
}

// PortSample is one raw per-tick delta for a tracked port.
type PortSample struct {
	Timestamp time.Time `json:"timestamp"`
	Port      int       `json:"port"`
	Protocol  string    `json:"protocol"`
	Direction string    `json:"direction"`
	Bytes     uint64    `json:"bytes"`
	Packets   uint64    `json:"packets"`
}

// PeriodRow is one accumulated row in an hourly/daily/monthly table.
type PeriodRow struct {
	Period  string `json:"period"` // "2026-08-24T13" / "2026-08-24" / "2026-08"
	Entity  string `json:"entity"` // interface name or "tcp:443/in"
	RxBytes uint64 `json:"rx_bytes"`
	TxBytes uint64 `json:"tx_bytes"`
}

// Store persists the traffic series.
type Store struct {
	db *sql.DB
}

// OpenStore opens or creates the traffic database.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open traffic db: %w", err)
	}

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

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS interface_traffic (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts INTEGER NOT NULL, -- Unix timestamp
		interface TEXT NOT NULL,
		rx_bytes INTEGER DEFAULT 0,
		tx_bytes INTEGER DEFAULT 0,
		rx_packets INTEGER DEFAULT 0,
		tx_packets INTEGER DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_interface_traffic_ts ON interface_traffic(ts);

	CREATE TABLE IF NOT EXISTS port_traffic (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts INTEGER NOT NULL,
		port INTEGER NOT NULL,
		protocol TEXT NOT NULL,
		direction TEXT NOT NULL,
		bytes INTEGER DEFAULT 0,
		packets INTEGER DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_port_traffic_ts ON port_traffic(ts);
	CREATE INDEX IF NOT EXISTS idx_port_traffic_port ON port_traffic(port);

	CREATE TABLE IF NOT EXISTS hourly_traffic (
		period TEXT NOT NULL,
		entity TEXT NOT NULL,
		rx_bytes INTEGER DEFAULT 0,
		tx_bytes INTEGER DEFAULT 0,
		PRIMARY KEY (period, entity)
	);
	CREATE TABLE IF NOT EXISTS daily_traffic (
		period TEXT NOT NULL,
		entity TEXT NOT NULL,
		rx_bytes INTEGER DEFAULT 0,
		tx_bytes INTEGER DEFAULT 0,
		PRIMARY KEY (period, entity)
	);
	CREATE TABLE IF NOT EXISTS monthly_traffic (
		period TEXT NOT NULL,
		entity TEXT NOT NULL,
		rx_bytes INTEGER DEFAULT 0,
		tx_bytes INTEGER DEFAULT 0,
		PRIMARY KEY (period, entity)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordTick persists one collection tick: raw deltas plus the
// hourly/daily/monthly accumulation, in a single transaction.
func (s *Store) RecordTick(ifaces []InterfaceSample, ports []PortSample) error {
	if len(ifaces) == 0 && len(ports) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}

	for _, i := range ifaces {
		_, err := tx.Exec(
			`INSERT INTO interface_traffic (ts, interface, rx_bytes, tx_bytes, rx_packets, tx_packets)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			i.Timestamp.Unix(), i.Interface, i.RxBytes, i.TxBytes, i.RxPackets, i.TxPackets,
		)
		if err != nil {
			tx.Rollback()
			return err
		}
		if err := accumulate(tx, i.Timestamp, i.Interface, i.RxBytes, i.TxBytes); err != nil {
			tx.Rollback()
			return err
		}
	}

	for _, p := range ports {
		_, err := tx.Exec(
			`INSERT INTO port_traffic (ts, port, protocol, direction, bytes, packets)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			p.Timestamp.Unix(), p.Port, p.Protocol, p.Direction, p.Bytes, p.Packets,
		)
		if err != nil {
			tx.Rollback()
			return err
		}
		entity := fmt.Sprintf("%s:%d/%s", p.Protocol, p.Port, p.Direction)
		var rx, txb uint64
		if p.Direction == "in" {
			rx = p.Bytes
		} else {
			txb = p.Bytes
		}
		if err := accumulate(tx, p.Timestamp, entity, rx, txb); err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// accumulate adds a delta into the three period tables with
// upsert-on-conflict. Period keys are naive UTC.
func accumulate(tx *sql.Tx, ts time.Time, entity string, rx, txBytes uint64) error {
	utc := ts.UTC()
	periods := []struct{ table, key string }{
		{"hourly_traffic", utc.Format("2006-01-02T15")},
		{"daily_traffic", utc.Format("2006-01-02")},
		{"monthly_traffic", utc.Format("2006-01")},
	}
	for _, p := range periods {
		_, err := tx.Exec(fmt.Sprintf(
			`INSERT INTO %s (period, entity, rx_bytes, tx_bytes) VALUES (?, ?, ?, ?)
			 ON CONFLICT(period, entity) DO UPDATE SET
				rx_bytes = rx_bytes + excluded.rx_bytes,
				tx_bytes = tx_bytes + excluded.tx_bytes`, p.table),
			p.key, entity, rx, txBytes,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// Series returns accumulated rows from one period table, newest first.
func (s *Store) Series(granularity string, limit int) ([]PeriodRow, error) {
	table, err := periodTable(granularity)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT period, entity, rx_bytes, tx_bytes FROM %s
		 ORDER BY period DESC LIMIT ?`, table), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPeriodRows(rows)
}

// EntitySeries returns one entity's accumulated rows, newest first.
func (s *Store) EntitySeries(granularity, entity string, limit int) ([]PeriodRow, error) {
	table, err := periodTable(granularity)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT period, entity, rx_bytes, tx_bytes FROM %s
		 WHERE entity = ? ORDER BY period DESC LIMIT ?`, table), entity, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPeriodRows(rows)
}

func periodTable(granularity string) (string, error) {
	switch granularity {
	case "hourly":
		return "hourly_traffic", nil
	case "daily":
		return "daily_traffic", nil
	case "monthly":
		return "monthly_traffic", nil
	default:
		return "", fmt.Errorf("unknown granularity: %q", granularity)
	}
}

func scanPeriodRows(rows *sql.Rows) ([]PeriodRow, error) {
	var out []PeriodRow
	for rows.Next() {
		var r PeriodRow
		if err := rows.Scan(&r.Period, &r.Entity, &r.RxBytes, &r.TxBytes); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PortTotals sums raw port samples over a time range, grouped by
// (port, protocol, direction).
func (s *Store) PortTotals(from, to time.Time) ([]PortSample, error) {
	rows, err := s.db.Query(
		`SELECT port, protocol, direction, SUM(bytes), SUM(packets)
		 FROM port_traffic
		 WHERE ts >= ? AND ts <= ?
		 GROUP BY port, protocol, direction
		 ORDER BY SUM(bytes) DESC`,
		from.Unix(), to.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PortSample
	for rows.Next() {
		var p PortSample
		if err := rows.Scan(&p.Port, &p.Protocol, &p.Direction, &p.Bytes, &p.Packets); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// InterfaceTotals sums raw interface samples over a time range.
func (s *Store) InterfaceTotals(from, to time.Time) ([]InterfaceSample, error) {
	rows, err := s.db.Query(
		`SELECT interface, SUM(rx_bytes), SUM(tx_bytes), SUM(rx_packets), SUM(tx_packets)
		 FROM interface_traffic
		 WHERE ts >= ? AND ts <= ?
		 GROUP BY interface
		 ORDER BY SUM(rx_bytes) + SUM(tx_bytes) DESC`,
		from.Unix(), to.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []InterfaceSample
	for rows.Next() {
		var i InterfaceSample
		if err := rows.Scan(&i.Interface, &i.RxBytes, &i.TxBytes, &i.RxPackets, &i.TxPackets); err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// Cleanup removes raw rows older than the retention window. The period
// tables are already compact and are kept.
func (s *Store) Cleanup(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).Unix()
	var total int64
	for _, table := range []string{"interface_traffic", "port_traffic"} {
		res, err := s.db.Exec(fmt.Sprintf("DELETE FROM %s WHERE ts < ?", table), cutoff)
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}
