// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package collector

import (
	"time"

	"github.com/montanaflynn/stats"

	"grimm.is/fleetwall/internal/panel/store"
)

// rollUp rebuilds the previous hour's and previous day's aggregate
// rows from raw snapshots. Rebuilding the whole period each time keeps
// the operation idempotent; conflicts replace.
func (c *Collector) rollUp(now time.Time) {
	servers, err := c.store.ListServers(false)
	if err != nil {
		return
	}

	hourStart := now.UTC().Truncate(time.Hour).Add(-time.Hour)
	dayStart := now.UTC().Truncate(24 * time.Hour).Add(-24 * time.Hour)

	for _, srv := range servers {
		c.rollUpPeriod(srv.ID, "hour", hourStart, hourStart.Add(time.Hour))
		c.rollUpPeriod(srv.ID, "day", dayStart, dayStart.Add(24*time.Hour))
	}
}

func (c *Collector) rollUpPeriod(serverID int64, period string, from, to time.Time) {
	snaps, err := c.store.Snapshots(serverID, from, to.Add(-time.Second))
	if err != nil || len(snaps) == 0 {
		return
	}

	cpu := make([]float64, 0, len(snaps))
	ram := make([]float64, 0, len(snaps))
	rx := make([]float64, 0, len(snaps))
	tx := make([]float64, 0, len(snaps))
	for _, sn := range snaps {
		cpu = append(cpu, sn.CPUPercent)
		ram = append(ram, sn.RAMPercent)
		rx = append(rx, sn.NetRxBytesPerSec)
		tx = append(tx, sn.NetTxBytesPerSec)
	}

	row := store.AggregatedRow{
		ServerID:    serverID,
		Period:      period,
		PeriodStart: store.FmtTime(from),
		AvgCPU:      mean(cpu),
		MaxCPU:      max(cpu),
		AvgRAM:      mean(ram),
		MaxRAM:      max(ram),
		AvgRxSpeed:  mean(rx),
		MaxRxSpeed:  max(rx),
		AvgTxSpeed:  mean(tx),
		MaxTxSpeed:  max(tx),
		TotalRx:     counterSpan(snaps, func(s store.Snapshot) uint64 { return s.NetRxBytes }),
		TotalTx:     counterSpan(snaps, func(s store.Snapshot) uint64 { return s.NetTxBytes }),
		Samples:     len(snaps),
	}
	if err := c.store.UpsertAggregate(row); err != nil {
		c.logger.Warn("roll-up upsert failed", "server_id", serverID, "period", period, "error", err)
	}
}

func mean(xs []float64) float64 {
	v, err := stats.Mean(xs)
	if err != nil {
		return 0
	}
	return v
}

func max(xs []float64) float64 {
	v, err := stats.Max(xs)
	if err != nil {
		return 0
	}
	return v
}

// counterSpan sums bytes moved across the period from cumulative
// counters, splitting the span at every reboot (counter step down).
func counterSpan(snaps []store.Snapshot, get func(store.Snapshot) uint64) uint64 {
	var total uint64
	for i := 1; i < len(snaps); i++ {
		cur, prev := get(snaps[i]), get(snaps[i-1])
		if cur >= prev {
			total += cur - prev
		} else {
			total += cur
		}
	}
	return total
}
