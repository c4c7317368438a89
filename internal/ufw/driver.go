// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ufw is a thin adapter over the host's UFW firewall. All
// mutations go through the host executor.
package ufw

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"grimm.is/fleetwall/internal/errors"
	"grimm.is/fleetwall/internal/hostexec"
	"grimm.is/fleetwall/internal/logging"
)

// Runner abstracts the host executor for testing.
type Runner interface {
	Execute(ctx context.Context, req hostexec.Request) hostexec.Result
}

// Action is a firewall rule verb.
type Action string

const (
	ActionAllow Action = "ALLOW"
	ActionDeny  Action = "DENY"
)

// Direction of a rule.
type Direction string

const (
	DirectionIn  Direction = "IN"
	DirectionOut Direction = "OUT"
)

// Rule is one parsed line of `ufw status numbered`.
type Rule struct {
	Number     int       `json:"number"`
	Port       int       `json:"port"`
	Protocol   string    `json:"protocol"` // tcp, udp or any
	Action     Action    `json:"action"`
	Direction  Direction `json:"direction"`
	SourceCIDR string    `json:"source_cidr,omitempty"`
	IPv6       bool      `json:"ipv6"`
	Raw        string    `json:"raw"`
}

// numberedRuleRe matches one line of `ufw status numbered`, e.g.
// [ 1] 22/tcp                     ALLOW IN    Anywhere
// [ 3] 8080                       DENY OUT    10.0.0.0/8
var numberedRuleRe = regexp.MustCompile(`^\[\s*(\d+)\]\s+(\d+)(?:/(\w+))?\s+(ALLOW|DENY)\s+(IN|OUT|FWD)?\s*(.+?)(\s+\(v6\))?$`)

// Driver wraps UFW invocations.
type Driver struct {
	runner Runner
	logger *logging.Logger
}

// NewDriver creates a UFW driver on top of the given runner.
func NewDriver(runner Runner, logger *logging.Logger) *Driver {
	return &Driver{
		runner: runner,
		logger: logger.WithComponent("ufw"),
	}
}

func (d *Driver) run(ctx context.Context, command string) (hostexec.Result, error) {
	res := d.runner.Execute(ctx, hostexec.Request{Command: command})
	if !res.Success {
		// Idempotent removal: UFW reports deletion of a missing rule
		// as an error but the post-state is what the caller wanted.
		if strings.Contains(res.Stderr, "Could not delete non-existent rule") ||
			strings.Contains(res.Stdout, "Could not delete non-existent rule") {
			return res, nil
		}
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(res.Stdout)
		}
		if res.Error != "" {
			msg = res.Error
		}
		return res, errors.Errorf(errors.KindHostCommand, "ufw command failed: %s", msg)
	}
	return res, nil
}

func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return errors.Errorf(errors.KindValidation, "port must be in 1..65535, got %d", port)
	}
	return nil
}

func validateProto(proto string) error {
	switch proto {
	case "tcp", "udp", "any", "":
		return nil
	}
	return errors.Errorf(errors.KindValidation, "protocol must be tcp, udp or any, got %q", proto)
}

// AddSimple allows a port, optionally restricted to one protocol.
func (d *Driver) AddSimple(ctx context.Context, port int, proto string) error {
	if err := validatePort(port); err != nil {
		return err
	}
	if err := validateProto(proto); err != nil {
		return err
	}

	spec := strconv.Itoa(port)
	if proto != "" && proto != "any" {
		spec += "/" + proto
	}
	_, err := d.run(ctx, fmt.Sprintf("ufw allow %s", spec))
	if err == nil {
		d.logger.Info("firewall rule added", "port", port, "proto", proto)
	}
	return err
}

// AddAdvanced adds a rule in the long form:
// ufw <action> <direction> [from CIDR] to any port P [proto X]
func (d *Driver) AddAdvanced(ctx context.Context, port int, proto string, action Action, fromCIDR string, direction Direction) error {
	if err := validatePort(port); err != nil {
		return err
	}
	if err := validateProto(proto); err != nil {
		return err
	}
	if action != ActionAllow && action != ActionDeny {
		return errors.Errorf(errors.KindValidation, "action must be ALLOW or DENY, got %q", action)
	}
	if direction != DirectionIn && direction != DirectionOut {
		return errors.Errorf(errors.KindValidation, "direction must be IN or OUT, got %q", direction)
	}

	var b strings.Builder
	b.WriteString("ufw ")
	b.WriteString(strings.ToLower(string(action)))
	b.WriteString(" ")
	b.WriteString(strings.ToLower(string(direction)))
	if fromCIDR != "" {
		fmt.Fprintf(&b, " from %s", fromCIDR)
	}
	fmt.Fprintf(&b, " to any port %d", port)
	if proto != "" && proto != "any" {
		fmt.Fprintf(&b, " proto %s", proto)
	}

	_, err := d.run(ctx, b.String())
	if err == nil {
		d.logger.Info("firewall rule added",
			"port", port, "proto", proto, "action", string(action),
			"direction", string(direction), "from", fromCIDR)
	}
	return err
}

// RemoveByPort deletes the allow rule for a port/protocol pair. A
// missing rule counts as success.
func (d *Driver) RemoveByPort(ctx context.Context, port int, proto string) error {
	if err := validatePort(port); err != nil {
		return err
	}
	if err := validateProto(proto); err != nil {
		return err
	}

	spec := strconv.Itoa(port)
	if proto != "" && proto != "any" {
		spec += "/" + proto
	}
	_, err := d.run(ctx, fmt.Sprintf("ufw --force delete allow %s", spec))
	return err
}

// RemoveByNumber deletes a rule by its position in `ufw status numbered`.
func (d *Driver) RemoveByNumber(ctx context.Context, number int) error {
	if number < 1 {
		return errors.Errorf(errors.KindValidation, "rule number must be positive, got %d", number)
	}
	_, err := d.run(ctx, fmt.Sprintf("yes | ufw delete %d", number))
	return err
}

// List parses `ufw status numbered` into structured rules.
func (d *Driver) List(ctx context.Context) ([]Rule, error) {
	res, err := d.run(ctx, "ufw status numbered")
	if err != nil {
		return nil, err
	}
	return ParseNumberedStatus(res.Stdout), nil
}

// ParseNumberedStatus extracts rules from `ufw status numbered` output.
func ParseNumberedStatus(output string) []Rule {
	var rules []Rule
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r ")
		m := numberedRuleRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}

		num, _ := strconv.Atoi(m[1])
		port, _ := strconv.Atoi(m[2])
		proto := m[3]
		if proto == "" {
			proto = "any"
		}

		dir := DirectionIn
		if m[5] == "OUT" {
			dir = DirectionOut
		}

		src := strings.TrimSpace(m[6])
		if src == "Anywhere" || src == "Anywhere (v6)" {
			src = ""
		}

		rules = append(rules, Rule{
			Number:     num,
			Port:       port,
			Protocol:   proto,
			Action:     Action(m[4]),
			Direction:  dir,
			SourceCIDR: src,
			IPv6:       m[7] != "",
			Raw:        strings.TrimSpace(line),
		})
	}
	return rules
}

// Status reports whether UFW is active plus the raw status text.
func (d *Driver) Status(ctx context.Context) (active bool, raw string, err error) {
	res, err := d.run(ctx, "ufw status verbose")
	if err != nil {
		return false, "", err
	}
	return strings.Contains(res.Stdout, "Status: active"), res.Stdout, nil
}

// Enable turns the firewall on.
func (d *Driver) Enable(ctx context.Context) error {
	_, err := d.run(ctx, "ufw --force enable")
	return err
}

// Disable turns the firewall off.
func (d *Driver) Disable(ctx context.Context) error {
	_, err := d.run(ctx, "ufw --force disable")
	return err
}

// Reset removes all rules and disables the firewall.
func (d *Driver) Reset(ctx context.Context) error {
	_, err := d.run(ctx, "ufw --force reset")
	return err
}
