// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package haproxy edits a systemd-managed HAProxy through its config
// file. The agent owns only the marker-delimited rules region; the base
// section preceding it is a deterministic template.
package haproxy

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"grimm.is/fleetwall/internal/errors"
)

// Sentinels delimiting the rules region. These exact strings are part of
// the on-disk contract; rule CRUD rewrites only what lies between them.
const (
	RulesStartMarker = "# === RULES START ==="
	RulesEndMarker   = "# === RULES END ==="
)

// DefaultConfigPath is where the managed config lives.
const DefaultConfigPath = "/etc/haproxy/haproxy.cfg"

// RuleKind is the rule's traffic mode.
type RuleKind string

const (
	KindTCP   RuleKind = "tcp"
	KindHTTPS RuleKind = "https"
)

// Rule is one proxy rule in the managed region. Uniqueness is on Name.
type Rule struct {
	Name       string   `json:"name"`
	Kind       RuleKind `json:"rule_type"`
	ListenPort int      `json:"listen_port"`
	TargetIP   string   `json:"target_ip"`
	TargetPort int      `json:"target_port"`
	CertDomain string   `json:"cert_domain,omitempty"`
	TargetSSL  bool     `json:"target_ssl"`
	SendProxy  bool     `json:"send_proxy"`
}

var ruleNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Validate checks a rule before it is rendered.
func (r *Rule) Validate() error {
	if !ruleNameRe.MatchString(r.Name) {
		return errors.Errorf(errors.KindValidation, "rule name must match [A-Za-z0-9_-]+, got %q", r.Name)
	}
	if r.Kind != KindTCP && r.Kind != KindHTTPS {
		return errors.Errorf(errors.KindValidation, "rule type must be tcp or https, got %q", r.Kind)
	}
	if r.ListenPort < 1 || r.ListenPort > 65535 {
		return errors.Errorf(errors.KindValidation, "listen port out of range: %d", r.ListenPort)
	}
	if r.TargetPort < 1 || r.TargetPort > 65535 {
		return errors.Errorf(errors.KindValidation, "target port out of range: %d", r.TargetPort)
	}
	if r.TargetIP == "" {
		return errors.New(errors.KindValidation, "target ip is required")
	}
	if r.Kind == KindHTTPS && r.CertDomain == "" {
		return errors.New(errors.KindValidation, "https rules require cert_domain")
	}
	return nil
}

// BaseConfig is the deterministic section before the rules region:
// stats socket, BBR-friendly timeouts, TCP splice.
const BaseConfig = `global
    log /dev/log local0
    log /dev/log local1 notice
    chroot /var/lib/haproxy
    stats socket /var/run/haproxy.sock mode 660 level admin
    stats timeout 30s
    user haproxy
    group haproxy
    daemon
    maxconn 65536
    tune.bufsize 32768

defaults
    log     global
    mode    tcp
    option  tcplog
    option  dontlognull
    option  splice-auto
    option  splice-request
    option  splice-response
    timeout connect 10s
    timeout client  300s
    timeout server  300s
    timeout tunnel  3600s
    retries 3

`

// RenderConfig produces the complete config file for a rule set.
func RenderConfig(rules []Rule) string {
	var b strings.Builder
	b.WriteString(BaseConfig)
	b.WriteString(RulesStartMarker)
	b.WriteString("\n")
	for _, r := range rules {
		b.WriteString(renderRule(r))
	}
	b.WriteString(RulesEndMarker)
	b.WriteString("\n")
	return b.String()
}

func renderRule(r Rule) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n# rule: %s\n", r.Name)
	fmt.Fprintf(&b, "listen %s\n", r.Name)

	switch r.Kind {
	case KindHTTPS:
		fmt.Fprintf(&b, "    bind *:%d ssl crt %s\n", r.ListenPort, CombinedCertPath(r.CertDomain))
		b.WriteString("    mode http\n")
		b.WriteString("    option forwardfor\n")
	default:
		fmt.Fprintf(&b, "    bind *:%d\n", r.ListenPort)
		b.WriteString("    mode tcp\n")
	}

	server := fmt.Sprintf("    server srv1 %s:%d check inter 5s fall 3 rise 2", r.TargetIP, r.TargetPort)
	if r.TargetSSL {
		server += " ssl verify none"
	}
	if r.SendProxy {
		server += " send-proxy"
	}
	b.WriteString(server + "\n")
	return b.String()
}

// ReplaceRulesRegion swaps the rules region of an existing config,
// leaving everything outside the markers untouched.
func ReplaceRulesRegion(config string, rules []Rule) (string, error) {
	start := strings.Index(config, RulesStartMarker)
	end := strings.Index(config, RulesEndMarker)
	if start == -1 || end == -1 || end < start {
		return "", errors.New(errors.KindValidation, "config is missing the rules region markers")
	}

	var region strings.Builder
	region.WriteString(RulesStartMarker)
	region.WriteString("\n")
	for _, r := range rules {
		region.WriteString(renderRule(r))
	}

	return config[:start] + region.String() + config[end:], nil
}

// ParseRules extracts rules from the region between the markers. It is
// the inverse of rendering: ParseRules(RenderConfig(rs)) == rs.
func ParseRules(config string) ([]Rule, error) {
	start := strings.Index(config, RulesStartMarker)
	end := strings.Index(config, RulesEndMarker)
	if start == -1 || end == -1 || end < start {
		return nil, errors.New(errors.KindValidation, "config is missing the rules region markers")
	}
	region := config[start+len(RulesStartMarker) : end]

	var rules []Rule
	var cur *Rule
	flush := func() {
		if cur != nil {
			rules = append(rules, *cur)
			cur = nil
		}
	}

	for _, line := range strings.Split(region, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "listen "):
			flush()
			cur = &Rule{Name: strings.TrimSpace(strings.TrimPrefix(trimmed, "listen ")), Kind: KindTCP}

		case cur == nil:
			continue

		case strings.HasPrefix(trimmed, "bind "):
			parseBind(cur, trimmed)

		case strings.HasPrefix(trimmed, "mode "):
			if strings.TrimSpace(strings.TrimPrefix(trimmed, "mode ")) == "http" && cur.CertDomain != "" {
				cur.Kind = KindHTTPS
			}

		case strings.HasPrefix(trimmed, "server "):
			parseServer(cur, trimmed)
		}
	}
	flush()
	return rules, nil
}

func parseBind(r *Rule, line string) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return
	}
	addr := fields[1]
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		r.ListenPort, _ = strconv.Atoi(addr[idx+1:])
	}
	for i, f := range fields {
		if f == "crt" && i+1 < len(fields) {
			r.Kind = KindHTTPS
			r.CertDomain = domainFromCertPath(fields[i+1])
		}
	}
}

func parseServer(r *Rule, line string) {
	fields := strings.Fields(line)
	// server srv1 10.0.0.1:22 check ...
	if len(fields) < 3 {
		return
	}
	addr := fields[2]
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		r.TargetIP = addr[:idx]
		r.TargetPort, _ = strconv.Atoi(addr[idx+1:])
	}
	for _, f := range fields[3:] {
		switch f {
		case "ssl":
			r.TargetSSL = true
		case "send-proxy":
			r.SendProxy = true
		}
	}
}

// CombinedCertPath returns the combined.pem path for a domain.
func CombinedCertPath(domain string) string {
	return fmt.Sprintf("/etc/letsencrypt/live/%s/combined.pem", domain)
}

func domainFromCertPath(path string) string {
	parts := strings.Split(path, "/")
	if len(parts) >= 2 {
		return parts[len(parts)-2]
	}
	return ""
}
