// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package store

import (
	"database/sql"
	"time"
)

// Snapshot is one stored metrics row. Byte counters are the node's
// cumulative values; the *PerSec columns are panel-derived.
type Snapshot struct {
	ID       int64  `json:"id"`
	ServerID int64  `json:"server_id"`
	TakenAt  string `json:"taken_at"`

	CPUPercent  float64 `json:"cpu_percent"`
	RAMPercent  float64 `json:"ram_percent"`
	SwapPercent float64 `json:"swap_percent"`

	NetRxBytes       uint64  `json:"net_rx_bytes"`
	NetTxBytes       uint64  `json:"net_tx_bytes"`
	NetRxBytesPerSec float64 `json:"net_rx_bytes_per_sec"`
	NetTxBytesPerSec float64 `json:"net_tx_bytes_per_sec"`

	DiskPercent float64 `json:"disk_percent"`

	TCPEstablished int `json:"tcp_established"`
	TCPListen      int `json:"tcp_listen"`
	TCPTimeWait    int `json:"tcp_time_wait"`
	TCPCloseWait   int `json:"tcp_close_wait"`
	TCPSynSent     int `json:"tcp_syn_sent"`
	TCPSynRecv     int `json:"tcp_syn_recv"`
	TCPFinWait     int `json:"tcp_fin_wait"`
	TCPOther       int `json:"tcp_other"`
}

const snapshotColumns = `id, server_id, taken_at, cpu_percent, ram_percent, swap_percent,
	net_rx_bytes, net_tx_bytes, net_rx_bytes_per_sec, net_tx_bytes_per_sec, disk_percent,
	tcp_established, tcp_listen, tcp_time_wait, tcp_close_wait, tcp_syn_sent, tcp_syn_recv,
	tcp_fin_wait, tcp_other`

func scanSnapshot(row interface{ Scan(...any) error }) (Snapshot, error) {
	var sn Snapshot
	err := row.Scan(&sn.ID, &sn.ServerID, &sn.TakenAt, &sn.CPUPercent, &sn.RAMPercent, &sn.SwapPercent,
		&sn.NetRxBytes, &sn.NetTxBytes, &sn.NetRxBytesPerSec, &sn.NetTxBytesPerSec, &sn.DiskPercent,
		&sn.TCPEstablished, &sn.TCPListen, &sn.TCPTimeWait, &sn.TCPCloseWait, &sn.TCPSynSent,
		&sn.TCPSynRecv, &sn.TCPFinWait, &sn.TCPOther)
	return sn, err
}

// InsertSnapshot stores a snapshot.
func (s *Store) InsertSnapshot(sn Snapshot) error {
	_, err := s.db.Exec(
		`INSERT INTO metrics_snapshots (server_id, taken_at, cpu_percent, ram_percent, swap_percent,
			net_rx_bytes, net_tx_bytes, net_rx_bytes_per_sec, net_tx_bytes_per_sec, disk_percent,
			tcp_established, tcp_listen, tcp_time_wait, tcp_close_wait, tcp_syn_sent, tcp_syn_recv,
			tcp_fin_wait, tcp_other)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sn.ServerID, sn.TakenAt, sn.CPUPercent, sn.RAMPercent, sn.SwapPercent,
		sn.NetRxBytes, sn.NetTxBytes, sn.NetRxBytesPerSec, sn.NetTxBytesPerSec, sn.DiskPercent,
		sn.TCPEstablished, sn.TCPListen, sn.TCPTimeWait, sn.TCPCloseWait, sn.TCPSynSent,
		sn.TCPSynRecv, sn.TCPFinWait, sn.TCPOther)
	return err
}

// LatestSnapshot returns the newest snapshot for a server, or ok=false
// when none exists yet.
func (s *Store) LatestSnapshot(serverID int64) (Snapshot, bool, error) {
	sn, err := scanSnapshot(s.db.QueryRow(
		`SELECT `+snapshotColumns+` FROM metrics_snapshots
		 WHERE server_id = ? ORDER BY taken_at DESC, id DESC LIMIT 1`, serverID))
	if err == sql.ErrNoRows {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	return sn, true, nil
}

// Snapshots returns a server's snapshots in a window, oldest first.
func (s *Store) Snapshots(serverID int64, from, to time.Time) ([]Snapshot, error) {
	rows, err := s.db.Query(
		`SELECT `+snapshotColumns+` FROM metrics_snapshots
		 WHERE server_id = ? AND taken_at >= ? AND taken_at <= ?
		 ORDER BY taken_at ASC, id ASC`,
		serverID, FmtTime(from), FmtTime(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		sn, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sn)
	}
	return out, rows.Err()
}

// AggregatedRow is one hourly or daily roll-up.
type AggregatedRow struct {
	ServerID    int64   `json:"server_id"`
	Period      string  `json:"period"` // hour or day
	PeriodStart string  `json:"period_start"`
	AvgCPU      float64 `json:"avg_cpu"`
	MaxCPU      float64 `json:"max_cpu"`
	AvgRAM      float64 `json:"avg_ram"`
	MaxRAM      float64 `json:"max_ram"`
	AvgRxSpeed  float64 `json:"avg_rx_speed"`
	MaxRxSpeed  float64 `json:"max_rx_speed"`
	AvgTxSpeed  float64 `json:"avg_tx_speed"`
	MaxTxSpeed  float64 `json:"max_tx_speed"`
	TotalRx     uint64  `json:"total_rx_bytes"`
	TotalTx     uint64  `json:"total_tx_bytes"`
	Samples     int     `json:"samples"`
}

// UpsertAggregate writes one roll-up row; the roll-up scheduler may
// rebuild a period, so conflicts replace.
func (s *Store) UpsertAggregate(a AggregatedRow) error {
	_, err := s.db.Exec(
		`INSERT INTO aggregated_metrics (server_id, period, period_start, avg_cpu, max_cpu,
			avg_ram, max_ram, avg_rx_speed, max_rx_speed, avg_tx_speed, max_tx_speed,
			total_rx_bytes, total_tx_bytes, samples)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(server_id, period, period_start) DO UPDATE SET
			avg_cpu = excluded.avg_cpu, max_cpu = excluded.max_cpu,
			avg_ram = excluded.avg_ram, max_ram = excluded.max_ram,
			avg_rx_speed = excluded.avg_rx_speed, max_rx_speed = excluded.max_rx_speed,
			avg_tx_speed = excluded.avg_tx_speed, max_tx_speed = excluded.max_tx_speed,
			total_rx_bytes = excluded.total_rx_bytes, total_tx_bytes = excluded.total_tx_bytes,
			samples = excluded.samples`,
		a.ServerID, a.Period, a.PeriodStart, a.AvgCPU, a.MaxCPU,
		a.AvgRAM, a.MaxRAM, a.AvgRxSpeed, a.MaxRxSpeed, a.AvgTxSpeed, a.MaxTxSpeed,
		a.TotalRx, a.TotalTx, a.Samples)
	return err
}

// Aggregates returns roll-up rows for a server and period kind.
func (s *Store) Aggregates(serverID int64, period string, from, to time.Time) ([]AggregatedRow, error) {
	rows, err := s.db.Query(
		`SELECT server_id, period, period_start, avg_cpu, max_cpu, avg_ram, max_ram,
			avg_rx_speed, max_rx_speed, avg_tx_speed, max_tx_speed,
			total_rx_bytes, total_tx_bytes, samples
		 FROM aggregated_metrics
		 WHERE server_id = ? AND period = ? AND period_start >= ? AND period_start <= ?
		 ORDER BY period_start ASC`,
		serverID, period, FmtTime(from), FmtTime(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AggregatedRow
	for rows.Next() {
		var a AggregatedRow
		if err := rows.Scan(&a.ServerID, &a.Period, &a.PeriodStart, &a.AvgCPU, &a.MaxCPU,
			&a.AvgRAM, &a.MaxRAM, &a.AvgRxSpeed, &a.MaxRxSpeed, &a.AvgTxSpeed, &a.MaxTxSpeed,
			&a.TotalRx, &a.TotalTx, &a.Samples); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// PruneMetrics applies retention: raw > rawAge, hourly > hourlyAge,
// daily > dailyAge.
func (s *Store) PruneMetrics(now time.Time, rawAge, hourlyAge, dailyAge time.Duration) error {
	if _, err := s.db.Exec(`DELETE FROM metrics_snapshots WHERE taken_at < ?`,
		FmtTime(now.Add(-rawAge))); err != nil {
		return err
	}
	if _, err := s.db.Exec(`DELETE FROM aggregated_metrics WHERE period = 'hour' AND period_start < ?`,
		FmtTime(now.Add(-hourlyAge))); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM aggregated_metrics WHERE period = 'day' AND period_start < ?`,
		FmtTime(now.Add(-dailyAge)))
	return err
}
