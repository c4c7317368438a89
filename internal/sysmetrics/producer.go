// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package sysmetrics assembles the composite metrics snapshot served
// at /api/metrics. All byte counters are cumulative since boot; the
// panel derives rates from successive snapshots, so every rate here is
// zero by contract.
package sysmetrics

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	gopsnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"

	"grimm.is/fleetwall/internal/hostexec"
	"grimm.is/fleetwall/internal/logging"
)

const (
	cacheTTL    = 5 * time.Second
	topNProcs   = 10
	procTimeout = 10 * time.Second
)

// Runner abstracts the host executor (TCP histogram reads the host's
// /proc through it).
type Runner interface {
	Execute(ctx context.Context, req hostexec.Request) hostexec.Result
}

// CertLister is the slice of the HAProxy driver that supplies the
// certificate summary.
type CertLister interface {
	ListCertNames(ctx context.Context) ([]string, error)
}

// CPUInfo describes processor state.
type CPUInfo struct {
	Model      string    `json:"model"`
	Cores      int       `json:"cores"`
	PerCPU     []float64 `json:"per_cpu_percent"`
	Load1      float64   `json:"load_1"`
	Load5      float64   `json:"load_5"`
	Load15     float64   `json:"load_15"`
	FreqMHz    float64   `json:"freq_mhz"`
	TempC      float64   `json:"temp_c,omitempty"`
}

// MemoryInfo describes RAM and swap.
type MemoryInfo struct {
	Total       uint64  `json:"total"`
	Used        uint64  `json:"used"`
	Available   uint64  `json:"available"`
	UsedPercent float64 `json:"used_percent"`
	SwapTotal   uint64  `json:"swap_total"`
	SwapUsed    uint64  `json:"swap_used"`
}

// DiskPartition is one mounted filesystem.
type DiskPartition struct {
	Device      string  `json:"device"`
	Mountpoint  string  `json:"mountpoint"`
	Fstype      string  `json:"fstype"`
	Total       uint64  `json:"total"`
	Used        uint64  `json:"used"`
	UsedPercent float64 `json:"used_percent"`
}

// DiskIO is one device's cumulative I/O counters.
type DiskIO struct {
	Device     string `json:"device"`
	ReadBytes  uint64 `json:"read_bytes"`
	WriteBytes uint64 `json:"write_bytes"`
	ReadOps    uint64 `json:"read_ops"`
	WriteOps   uint64 `json:"write_ops"`
}

// NetInterface is one interface's cumulative counters.
type NetInterface struct {
	Name      string `json:"name"`
	RxBytes   uint64 `json:"rx_bytes"`
	TxBytes   uint64 `json:"tx_bytes"`
	RxPackets uint64 `json:"rx_packets"`
	TxPackets uint64 `json:"tx_packets"`
	RxErrors  uint64 `json:"rx_errors"`
	TxErrors  uint64 `json:"tx_errors"`
	RxDropped uint64 `json:"rx_dropped"`
	TxDropped uint64 `json:"tx_dropped"`
}

// ProcessInfo is one row of the top-N process list.
type ProcessInfo struct {
	PID        int32   `json:"pid"`
	Name       string  `json:"name"`
	CPUPercent float64 `json:"cpu_percent"`
	MemPercent float32 `json:"mem_percent"`
	RSS        uint64  `json:"rss"`
}

// TCPHistogram is the per-state socket count from /proc/net/tcp{,6}.
type TCPHistogram struct {
	Established int `json:"established"`
	Listen      int `json:"listen"`
	TimeWait    int `json:"time_wait"`
	CloseWait   int `json:"close_wait"`
	SynSent     int `json:"syn_sent"`
	SynRecv     int `json:"syn_recv"`
	FinWait1    int `json:"fin_wait1"`
	FinWait2    int `json:"fin_wait2"`
	Other       int `json:"other"`
	UDPSockets  int `json:"udp_sockets"`
}

// SystemInfo is host-level metadata.
type SystemInfo struct {
	Hostname       string `json:"hostname"`
	OS             string `json:"os"`
	Platform       string `json:"platform"`
	KernelVersion  string `json:"kernel_version"`
	UptimeSeconds  uint64 `json:"uptime_seconds"`
	TimezoneOffset int    `json:"timezone_offset_seconds"`
}

// Snapshot is the full /api/metrics document.
type Snapshot struct {
	Timestamp    time.Time       `json:"timestamp"`
	CPU          CPUInfo         `json:"cpu"`
	Memory       MemoryInfo      `json:"memory"`
	Disk         []DiskPartition `json:"disk"`
	DiskIO       []DiskIO        `json:"disk_io"`
	Network      []NetInterface  `json:"network"`
	Processes    []ProcessInfo   `json:"processes"`
	TCP          TCPHistogram    `json:"tcp"`
	System       SystemInfo      `json:"system"`
	Certificates []string        `json:"certificates"`
}

// Producer builds snapshots with a 5 s cache on the expensive parts.
type Producer struct {
	runner Runner
	certs  CertLister
	logger *logging.Logger
	cache  *gocache.Cache
}

// NewProducer creates a metrics producer. certs may be nil.
func NewProducer(runner Runner, certs CertLister, logger *logging.Logger) *Producer {
	return &Producer{
		runner: runner,
		certs:  certs,
		logger: logger.WithComponent("sysmetrics"),
		cache:  gocache.New(cacheTTL, time.Minute),
	}
}

// Collect assembles a snapshot. Individual sections degrade to their
// zero value on failure rather than failing the whole document.
func (p *Producer) Collect(ctx context.Context) Snapshot {
	snap := Snapshot{Timestamp: time.Now().UTC()}

	snap.CPU = p.cpuInfo(ctx)
	snap.Memory = memoryInfo(ctx)
	snap.Disk, snap.DiskIO = diskInfo(ctx)
	snap.Network = networkInfo(ctx)
	snap.Processes = p.topProcesses(ctx)
	snap.TCP = p.tcpHistogram(ctx)
	snap.System = p.systemInfo(ctx)

	if p.certs != nil {
		names, err := p.certs.ListCertNames(ctx)
		if err != nil {
			p.logger.Warn("certificate summary failed", "error", err)
		} else {
			snap.Certificates = names
		}
	}
	return snap
}

func (p *Producer) cpuInfo(ctx context.Context) CPUInfo {
	var info CPUInfo

	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		info.Model = infos[0].ModelName
		info.FreqMHz = infos[0].Mhz
	}
	if counts, err := cpu.CountsWithContext(ctx, true); err == nil {
		info.Cores = counts
	}
	if percents, err := cpu.PercentWithContext(ctx, 0, true); err == nil {
		info.PerCPU = percents
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		info.Load1 = avg.Load1
		info.Load5 = avg.Load5
		info.Load15 = avg.Load15
	}
	if temps, err := host.SensorsTemperaturesWithContext(ctx); err == nil {
		for _, t := range temps {
			if strings.Contains(t.SensorKey, "coretemp") || strings.Contains(t.SensorKey, "cpu") {
				info.TempC = t.Temperature
				break
			}
		}
	}
	return info
}

func memoryInfo(ctx context.Context) MemoryInfo {
	var info MemoryInfo
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.Total = vm.Total
		info.Used = vm.Used
		info.Available = vm.Available
		info.UsedPercent = vm.UsedPercent
	}
	if sw, err := mem.SwapMemoryWithContext(ctx); err == nil {
		info.SwapTotal = sw.Total
		info.SwapUsed = sw.Used
	}
	return info
}

func diskInfo(ctx context.Context) ([]DiskPartition, []DiskIO) {
	var parts []DiskPartition
	if ps, err := disk.PartitionsWithContext(ctx, false); err == nil {
		for _, part := range ps {
			usage, err := disk.UsageWithContext(ctx, part.Mountpoint)
			if err != nil {
				continue
			}
			parts = append(parts, DiskPartition{
				Device:      part.Device,
				Mountpoint:  part.Mountpoint,
				Fstype:      part.Fstype,
				Total:       usage.Total,
				Used:        usage.Used,
				UsedPercent: usage.UsedPercent,
			})
		}
	}

	var io []DiskIO
	if counters, err := disk.IOCountersWithContext(ctx); err == nil {
		for dev, c := range counters {
			io = append(io, DiskIO{
				Device:     dev,
				ReadBytes:  c.ReadBytes,
				WriteBytes: c.WriteBytes,
				ReadOps:    c.ReadCount,
				WriteOps:   c.WriteCount,
			})
		}
		sort.Slice(io, func(a, b int) bool { return io[a].Device < io[b].Device })
	}
	return parts, io
}

func networkInfo(ctx context.Context) []NetInterface {
	counters, err := gopsnet.IOCountersWithContext(ctx, true)
	if err != nil {
		return nil
	}
	var out []NetInterface
	for _, c := range counters {
		if c.Name == "lo" {
			continue
		}
		out = append(out, NetInterface{
			Name:      c.Name,
			RxBytes:   c.BytesRecv,
			TxBytes:   c.BytesSent,
			RxPackets: c.PacketsRecv,
			TxPackets: c.PacketsSent,
			RxErrors:  c.Errin,
			TxErrors:  c.Errout,
			RxDropped: c.Dropin,
			TxDropped: c.Dropout,
		})
	}
	return out
}

// topProcesses returns the top-N by CPU, cached for 5 s.
func (p *Producer) topProcesses(ctx context.Context) []ProcessInfo {
	if v, ok := p.cache.Get("processes"); ok {
		return v.([]ProcessInfo)
	}

	ctx, cancel := context.WithTimeout(ctx, procTimeout)
	defer cancel()

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil
	}

	var out []ProcessInfo
	for _, proc := range procs {
		cpuPct, err := proc.CPUPercentWithContext(ctx)
		if err != nil {
			continue
		}
		name, _ := proc.NameWithContext(ctx)
		memPct, _ := proc.MemoryPercentWithContext(ctx)
		var rss uint64
		if mi, err := proc.MemoryInfoWithContext(ctx); err == nil && mi != nil {
			rss = mi.RSS
		}
		out = append(out, ProcessInfo{
			PID:        proc.Pid,
			Name:       name,
			CPUPercent: cpuPct,
			MemPercent: memPct,
			RSS:        rss,
		})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CPUPercent > out[b].CPUPercent })
	if len(out) > topNProcs {
		out = out[:topNProcs]
	}

	p.cache.Set("processes", out, gocache.DefaultExpiration)
	return out
}

// tcpHistogram parses the host's /proc/net/tcp{,6}, cached for 5 s.
func (p *Producer) tcpHistogram(ctx context.Context) TCPHistogram {
	if v, ok := p.cache.Get("tcp"); ok {
		return v.(TCPHistogram)
	}

	var hist TCPHistogram
	res := p.runner.Execute(ctx, hostexec.Request{
		Command: "cat /proc/net/tcp /proc/net/tcp6 2>/dev/null",
		Timeout: 10 * time.Second,
	})
	if res.Success {
		hist = parseTCPStates(res.Stdout)
	}

	udp := p.runner.Execute(ctx, hostexec.Request{
		Command: "cat /proc/net/udp /proc/net/udp6 2>/dev/null | grep -c ':' || true",
		Timeout: 10 * time.Second,
	})
	if udp.Success {
		if n, err := strconv.Atoi(strings.TrimSpace(udp.Stdout)); err == nil && n > 0 {
			// Subtract the two header lines.
			hist.UDPSockets = n - 2
			if hist.UDPSockets < 0 {
				hist.UDPSockets = 0
			}
		}
	}

	p.cache.Set("tcp", hist, gocache.DefaultExpiration)
	return hist
}

// parseTCPStates maps the hex state column of /proc/net/tcp rows onto
// the histogram.
func parseTCPStates(text string) TCPHistogram {
	var hist TCPHistogram
	for _, line := range strings.Split(text, "\n") {
		fields := strings.Fields(line)
		// sl local_address rem_address st ...
		if len(fields) < 4 || !strings.HasSuffix(fields[0], ":") {
			continue
		}
		switch fields[3] {
		case "01":
			hist.Established++
		case "02":
			hist.SynSent++
		case "03":
			hist.SynRecv++
		case "04":
			hist.FinWait1++
		case "05":
			hist.FinWait2++
		case "06":
			hist.TimeWait++
		case "08":
			hist.CloseWait++
		case "0A":
			hist.Listen++
		default:
			hist.Other++
		}
	}
	return hist
}

func (p *Producer) systemInfo(ctx context.Context) SystemInfo {
	if v, ok := p.cache.Get("system"); ok {
		info := v.(SystemInfo)
		// Uptime still advances between cache hits; recompute cheaply.
		if up, err := host.UptimeWithContext(ctx); err == nil {
			info.UptimeSeconds = up
		}
		return info
	}

	var info SystemInfo
	if hi, err := host.InfoWithContext(ctx); err == nil {
		info.Hostname = hi.Hostname
		info.OS = hi.OS
		info.Platform = hi.Platform
		info.KernelVersion = hi.KernelVersion
		info.UptimeSeconds = hi.Uptime
	}
	_, offset := time.Now().Zone()
	info.TimezoneOffset = offset

	p.cache.Set("system", info, gocache.DefaultExpiration)
	return info
}
