// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package trafficacct tracks per-interface and per-port traffic through
// /proc/net/dev and two dedicated iptables accounting chains. Counters
// are read periodically, converted to deltas, and accumulated into
// hourly/daily/monthly SQLite rows.
package trafficacct

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"grimm.is/fleetwall/internal/hostexec"
)

// Accounting chain names. One rule per (port, protocol) in each chain:
// the IN chain matches --dport, the OUT chain matches --sport.
const (
	ChainIn  = "TRAFFIC_ACCOUNTING_IN"
	ChainOut = "TRAFFIC_ACCOUNTING_OUT"
)

// Runner abstracts the host executor for testing.
type Runner interface {
	Execute(ctx context.Context, req hostexec.Request) hostexec.Result
}

// InterfaceCounters holds cumulative counters for one network interface.
type InterfaceCounters struct {
	Name      string `json:"interface"`
	RxBytes   uint64 `json:"rx_bytes"`
	RxPackets uint64 `json:"rx_packets"`
	TxBytes   uint64 `json:"tx_bytes"`
	TxPackets uint64 `json:"tx_packets"`
}

// PortCounters holds cumulative counters for one accounting rule.
type PortCounters struct {
	Port      int    `json:"port"`
	Protocol  string `json:"protocol"`
	Direction string `json:"direction"` // "in" or "out"
	Bytes     uint64 `json:"bytes"`
	Packets   uint64 `json:"packets"`
}

// TrackedPort is one port under accounting; rules are kept in both
// chains so inbound and outbound bytes are counted separately.
type TrackedPort struct {
	Port     int    `json:"port"`
	Protocol string `json:"protocol"` // tcp or udp
}

func (p TrackedPort) validate() error {
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("port out of range: %d", p.Port)
	}
	if p.Protocol != "tcp" && p.Protocol != "udp" {
		return fmt.Errorf("protocol must be tcp or udp, got %q", p.Protocol)
	}
	return nil
}

func execRequest(cmd string) hostexec.Request {
	return hostexec.Request{Command: cmd, Timeout: 10 * time.Second}
}

// parseProcNetDev extracts per-interface cumulative counters from the
// /proc/net/dev text. Loopback is skipped.
func parseProcNetDev(text string) []InterfaceCounters {
	var out []InterfaceCounters
	for _, line := range strings.Split(text, "\n") {
		idx := strings.Index(line, ":")
		if idx == -1 {
			continue
		}
		name := strings.TrimSpace(line[:idx])
		if name == "" || name == "lo" {
			continue
		}
		fields := strings.Fields(line[idx+1:])
		// bytes packets errs drop fifo frame compressed multicast | tx...
		if len(fields) < 10 {
			continue
		}
		rxBytes, _ := strconv.ParseUint(fields[0], 10, 64)
		rxPackets, _ := strconv.ParseUint(fields[1], 10, 64)
		txBytes, _ := strconv.ParseUint(fields[8], 10, 64)
		txPackets, _ := strconv.ParseUint(fields[9], 10, 64)
		out = append(out, InterfaceCounters{
			Name:      name,
			RxBytes:   rxBytes,
			RxPackets: rxPackets,
			TxBytes:   txBytes,
			TxPackets: txPackets,
		})
	}
	return out
}

// parseChainCounters extracts per-rule counters from the output of
// `iptables -L <chain> -v -n -x`. Accounting rules have no target, so
// the column after bytes is the protocol; the port lives in the
// trailing "dpt:N" / "spt:N" match description.
func parseChainCounters(text, direction string) []PortCounters {
	var out []PortCounters
	for _, line := range strings.Split(text, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		pkts, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			continue // header lines
		}
		bytes, _ := strconv.ParseUint(fields[1], 10, 64)

		pc := PortCounters{Direction: direction, Packets: pkts, Bytes: bytes}
		for _, f := range fields[2:] {
			switch {
			case f == "tcp" || f == "udp":
				pc.Protocol = f
			case strings.HasPrefix(f, "dpt:") || strings.HasPrefix(f, "spt:"):
				pc.Port, _ = strconv.Atoi(f[4:])
			}
		}
		if pc.Port != 0 && pc.Protocol != "" {
			out = append(out, pc)
		}
	}
	return out
}

// readInterfaces reads cumulative interface counters through the host.
func readInterfaces(ctx context.Context, r Runner) ([]InterfaceCounters, error) {
	res := r.Execute(ctx, hostexec.Request{Command: "cat /proc/net/dev", Timeout: 10 * time.Second})
	if !res.Success {
		return nil, fmt.Errorf("failed to read /proc/net/dev: %s", strings.TrimSpace(res.Stderr))
	}
	return parseProcNetDev(res.Stdout), nil
}

// readPortCounters reads the accounting chains' cumulative counters.
func readPortCounters(ctx context.Context, r Runner) ([]PortCounters, error) {
	var out []PortCounters
	for _, c := range []struct{ chain, dir string }{{ChainIn, "in"}, {ChainOut, "out"}} {
		res := r.Execute(ctx, hostexec.Request{
			Command: fmt.Sprintf("iptables -L %s -v -n -x", c.chain),
			Timeout: 10 * time.Second,
		})
		if !res.Success {
			return nil, fmt.Errorf("failed to list chain %s: %s", c.chain, strings.TrimSpace(res.Stderr))
		}
		out = append(out, parseChainCounters(res.Stdout, c.dir)...)
	}
	return out, nil
}

// ensureChains creates the accounting chains and attaches them at the
// top of INPUT/OUTPUT, then ensures one rule per tracked port. All
// commands are check-then-add so repeated runs are no-ops.
func ensureChains(ctx context.Context, r Runner, ports []TrackedPort) error {
	cmds := []string{
		fmt.Sprintf("iptables -N %s 2>/dev/null || true", ChainIn),
		fmt.Sprintf("iptables -N %s 2>/dev/null || true", ChainOut),
		fmt.Sprintf("iptables -C INPUT -j %s 2>/dev/null || iptables -I INPUT 1 -j %s", ChainIn, ChainIn),
		fmt.Sprintf("iptables -C OUTPUT -j %s 2>/dev/null || iptables -I OUTPUT 1 -j %s", ChainOut, ChainOut),
	}
	for _, p := range ports {
		cmds = append(cmds, portRuleCmds(p)...)
	}
	for _, cmd := range cmds {
		res := r.Execute(ctx, hostexec.Request{Command: cmd, Timeout: 10 * time.Second})
		if !res.Success {
			return fmt.Errorf("iptables setup failed: %s: %s", cmd, strings.TrimSpace(res.Stderr))
		}
	}
	return nil
}

func portRuleCmds(p TrackedPort) []string {
	return []string{
		fmt.Sprintf("iptables -C %s -p %s --dport %d 2>/dev/null || iptables -A %s -p %s --dport %d",
			ChainIn, p.Protocol, p.Port, ChainIn, p.Protocol, p.Port),
		fmt.Sprintf("iptables -C %s -p %s --sport %d 2>/dev/null || iptables -A %s -p %s --sport %d",
			ChainOut, p.Protocol, p.Port, ChainOut, p.Protocol, p.Port),
	}
}

// removePortRules deletes the accounting rules for one port.
func removePortRules(ctx context.Context, r Runner, p TrackedPort) {
	cmds := []string{
		fmt.Sprintf("iptables -D %s -p %s --dport %d 2>/dev/null || true", ChainIn, p.Protocol, p.Port),
		fmt.Sprintf("iptables -D %s -p %s --sport %d 2>/dev/null || true", ChainOut, p.Protocol, p.Port),
	}
	for _, cmd := range cmds {
		r.Execute(ctx, hostexec.Request{Command: cmd, Timeout: 10 * time.Second})
	}
}
