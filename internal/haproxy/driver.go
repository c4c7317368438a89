// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package haproxy

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"grimm.is/fleetwall/internal/errors"
	"grimm.is/fleetwall/internal/hostexec"
	"grimm.is/fleetwall/internal/logging"
)

// Runner abstracts the host executor for testing.
type Runner interface {
	Execute(ctx context.Context, req hostexec.Request) hostexec.Result
}

// ServiceState is the HAProxy service state machine:
// not_installed -> stopped <-> running.
type ServiceState string

const (
	StateNotInstalled ServiceState = "not_installed"
	StateStopped      ServiceState = "stopped"
	StateRunning      ServiceState = "running"
)

const statusCacheKey = "service_status"

// Driver manages the HAProxy config file and service. All config
// mutations are serialized: no two concurrent rule changes may
// interleave their write/validate/restore sequence.
type Driver struct {
	runner     Runner
	logger     *logging.Logger
	configPath string

	// mu serializes every mutating operation on the config file.
	mu sync.Mutex

	// statusCache hides the systemctl query cost during bursts (5 s TTL).
	statusCache *gocache.Cache
}

// NewDriver creates an HAProxy driver. configPath may be empty to use
// the default location.
func NewDriver(runner Runner, logger *logging.Logger, configPath string) *Driver {
	if configPath == "" {
		configPath = DefaultConfigPath
	}
	return &Driver{
		runner:      runner,
		logger:      logger.WithComponent("haproxy"),
		configPath:  configPath,
		statusCache: gocache.New(5*time.Second, time.Minute),
	}
}

func (d *Driver) run(ctx context.Context, command string, timeout time.Duration) hostexec.Result {
	return d.runner.Execute(ctx, hostexec.Request{Command: command, Timeout: timeout})
}

// EnsureConfig writes the base config with an empty rules region if the
// file does not exist or lacks the markers.
func (d *Driver) EnsureConfig() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	data, err := os.ReadFile(d.configPath)
	if err == nil && strings.Contains(string(data), RulesStartMarker) {
		return nil
	}
	return d.writeFile(RenderConfig(nil))
}

// ReadConfig returns the raw config file contents.
func (d *Driver) ReadConfig() (string, error) {
	data, err := os.ReadFile(d.configPath)
	if err != nil {
		return "", fmt.Errorf("failed to read haproxy config: %w", err)
	}
	return string(data), nil
}

// ListRules parses the rules region of the on-disk config.
func (d *Driver) ListRules() ([]Rule, error) {
	cfg, err := d.ReadConfig()
	if err != nil {
		if os.IsNotExist(errors.Unwrap(err)) {
			return nil, nil
		}
		return nil, err
	}
	return ParseRules(cfg)
}

// AddRule appends a rule. The config must pass `haproxy -c` afterwards
// or the previous file is restored and the operation fails.
func (d *Driver) AddRule(ctx context.Context, rule Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	rules, err := d.currentRulesLocked()
	if err != nil {
		return err
	}
	for _, r := range rules {
		if r.Name == rule.Name {
			return errors.Errorf(errors.KindConflict, "rule %q already exists", rule.Name)
		}
		if r.ListenPort == rule.ListenPort {
			return errors.Errorf(errors.KindConflict, "port %d is already in use by rule %q", rule.ListenPort, r.Name)
		}
	}

	return d.applyRulesLocked(ctx, append(rules, rule))
}

// UpdateRule replaces a rule by name.
func (d *Driver) UpdateRule(ctx context.Context, name string, rule Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	rules, err := d.currentRulesLocked()
	if err != nil {
		return err
	}

	found := false
	for i, r := range rules {
		if r.Name == name {
			rules[i] = rule
			found = true
		} else if r.ListenPort == rule.ListenPort {
			return errors.Errorf(errors.KindConflict, "port %d is already in use by rule %q", rule.ListenPort, r.Name)
		}
	}
	if !found {
		return errors.Errorf(errors.KindNotFound, "rule %q not found", name)
	}

	return d.applyRulesLocked(ctx, rules)
}

// DeleteRule removes a rule by name.
func (d *Driver) DeleteRule(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	rules, err := d.currentRulesLocked()
	if err != nil {
		return err
	}

	kept := rules[:0]
	found := false
	for _, r := range rules {
		if r.Name == name {
			found = true
			continue
		}
		kept = append(kept, r)
	}
	if !found {
		return errors.Errorf(errors.KindNotFound, "rule %q not found", name)
	}

	return d.applyRulesLocked(ctx, kept)
}

func (d *Driver) currentRulesLocked() ([]Rule, error) {
	data, err := os.ReadFile(d.configPath)
	if os.IsNotExist(err) {
		if err := d.writeFile(RenderConfig(nil)); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read haproxy config: %w", err)
	}
	return ParseRules(string(data))
}

// applyRulesLocked rewrites the rules region, validates the result with
// `haproxy -c -f`, and rolls back to the .bak on failure.
func (d *Driver) applyRulesLocked(ctx context.Context, rules []Rule) error {
	orig, err := os.ReadFile(d.configPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read haproxy config: %w", err)
	}

	var next string
	if err == nil && strings.Contains(string(orig), RulesStartMarker) {
		next, err = ReplaceRulesRegion(string(orig), rules)
		if err != nil {
			return err
		}
	} else {
		next = RenderConfig(rules)
	}

	// Keep a .bak of the pre-mutation file for rollback.
	bakPath := d.configPath + ".bak"
	if len(orig) > 0 {
		if err := os.WriteFile(bakPath, orig, 0644); err != nil {
			return fmt.Errorf("failed to write backup: %w", err)
		}
	}

	if err := d.writeFile(next); err != nil {
		return err
	}

	if err := d.validateLocked(ctx); err != nil {
		// Restore the pre-mutation bytes even when the file started
		// empty; leaving the rejected config in place would be worse.
		if rbErr := os.WriteFile(d.configPath, orig, 0644); rbErr != nil {
			d.logger.Error("rollback write failed", "error", rbErr)
		}
		return err
	}

	return nil
}

func (d *Driver) writeFile(content string) error {
	tmp := d.configPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write haproxy config: %w", err)
	}
	if err := os.Rename(tmp, d.configPath); err != nil {
		return fmt.Errorf("failed to commit haproxy config: %w", err)
	}
	return nil
}

// Validate runs `haproxy -c` against the on-disk config.
func (d *Driver) Validate(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.validateLocked(ctx)
}

func (d *Driver) validateLocked(ctx context.Context) error {
	res := d.run(ctx, fmt.Sprintf("haproxy -c -f %s", d.configPath), 10*time.Second)
	if !res.Success {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(res.Stdout)
		}
		return errors.Errorf(errors.KindValidation, "haproxy config validation failed: %s", msg)
	}
	return nil
}

// Status returns the current service state, cached for 5 seconds.
func (d *Driver) Status(ctx context.Context) ServiceState {
	if v, ok := d.statusCache.Get(statusCacheKey); ok {
		return v.(ServiceState)
	}
	state := d.queryStatus(ctx)
	d.statusCache.Set(statusCacheKey, state, gocache.DefaultExpiration)
	return state
}

func (d *Driver) queryStatus(ctx context.Context) ServiceState {
	res := d.run(ctx, "systemctl is-active haproxy", 10*time.Second)
	out := strings.TrimSpace(res.Stdout)
	if res.Success && out == "active" {
		return StateRunning
	}

	// Distinguish "installed but stopped" from "not installed".
	unit := d.run(ctx, "systemctl list-unit-files haproxy.service --no-legend", 10*time.Second)
	if strings.TrimSpace(unit.Stdout) == "" {
		return StateNotInstalled
	}
	return StateStopped
}

// invalidateStatus drops the cached state; every transition calls it.
func (d *Driver) invalidateStatus() {
	d.statusCache.Delete(statusCacheKey)
}

// Start starts the service.
func (d *Driver) Start(ctx context.Context) error {
	defer d.invalidateStatus()
	res := d.run(ctx, "systemctl start haproxy", 30*time.Second)
	if !res.Success {
		return errors.Errorf(errors.KindHostCommand, "failed to start haproxy: %s", strings.TrimSpace(res.Stderr))
	}
	return nil
}

// Stop stops the service.
func (d *Driver) Stop(ctx context.Context) error {
	defer d.invalidateStatus()
	res := d.run(ctx, "systemctl stop haproxy", 30*time.Second)
	if !res.Success {
		return errors.Errorf(errors.KindHostCommand, "failed to stop haproxy: %s", strings.TrimSpace(res.Stderr))
	}
	return nil
}

// Restart restarts the service.
func (d *Driver) Restart(ctx context.Context) error {
	defer d.invalidateStatus()
	res := d.run(ctx, "systemctl restart haproxy", 30*time.Second)
	if !res.Success {
		return errors.Errorf(errors.KindHostCommand, "failed to restart haproxy: %s", strings.TrimSpace(res.Stderr))
	}
	return nil
}

// Reload applies the config to a running service. Policy:
//   - config must validate first;
//   - service not installed: fail;
//   - not running and autoStart: start;
//   - not running and !autoStart: succeed silently, config stays on disk;
//   - running: systemctl reload.
func (d *Driver) Reload(ctx context.Context, autoStart bool) (string, error) {
	if err := d.Validate(ctx); err != nil {
		return "", err
	}

	switch d.Status(ctx) {
	case StateNotInstalled:
		return "", errors.New(errors.KindNotFound, "haproxy service is not installed")
	case StateStopped:
		if !autoStart {
			return "Config saved, HAProxy not running", nil
		}
		if err := d.Start(ctx); err != nil {
			return "", err
		}
		return "HAProxy started", nil
	default:
		defer d.invalidateStatus()
		res := d.run(ctx, "systemctl reload haproxy", 30*time.Second)
		if !res.Success {
			return "", errors.Errorf(errors.KindHostCommand, "failed to reload haproxy: %s", strings.TrimSpace(res.Stderr))
		}
		return "HAProxy reloaded", nil
	}
}
