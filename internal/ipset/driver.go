// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ipset maintains the four host blocklist sets (two directions,
// permanent and TTL-bounded temp) and the iptables DROP rules that wire
// them into INPUT/OUTPUT.
package ipset

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"grimm.is/fleetwall/internal/errors"
	"grimm.is/fleetwall/internal/hostexec"
	"grimm.is/fleetwall/internal/logging"
)

// Runner abstracts the host executor for testing.
type Runner interface {
	Execute(ctx context.Context, req hostexec.Request) hostexec.Result
}

// Direction selects the inbound or outbound set pair.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Set names on the host.
const (
	SetInPermanent  = "blocklist_permanent"
	SetInTemp       = "blocklist_temp"
	SetOutPermanent = "blocklist_out_permanent"
	SetOutTemp      = "blocklist_out_temp"
)

const (
	// DefaultTempTimeout is the TTL for temp-set entries.
	DefaultTempTimeout = 3600
	// MaxTempTimeout caps the TTL at 30 days.
	MaxTempTimeout = 30 * 86400

	// DefaultStatePath persists the permanent lists and temp TTL.
	DefaultStatePath = "/var/lib/monitoring/blocklist.json"
)

// SyncResult reports the outcome of a Sync call.
type SyncResult struct {
	Success bool     `json:"success"`
	Added   int      `json:"added"`
	Removed int      `json:"removed"`
	Invalid []string `json:"invalid"`
	Total   int      `json:"total"`
	Message string   `json:"message"`
}

// Status describes all four sets.
type Status struct {
	Sets        map[string]int `json:"sets"` // set name -> entry count
	TempTimeout int            `json:"temp_timeout_seconds"`
	RulesWired  bool           `json:"rules_wired"`
}

// persistedState is the JSON document written to DefaultStatePath.
type persistedState struct {
	PermanentIn  []string `json:"permanent_in"`
	PermanentOut []string `json:"permanent_out"`
	TempTimeout  int      `json:"temp_timeout_seconds"`
}

// Driver manages the host ipsets. Mutations are serialized per direction
// so concurrent syncs cannot corrupt a set.
type Driver struct {
	runner    Runner
	logger    *logging.Logger
	statePath string

	muIn  sync.Mutex
	muOut sync.Mutex

	stateMu     sync.Mutex
	tempTimeout int
}

// NewDriver creates the ipset driver. statePath may be empty to use the
// default location.
func NewDriver(runner Runner, logger *logging.Logger, statePath string) *Driver {
	if statePath == "" {
		statePath = DefaultStatePath
	}
	return &Driver{
		runner:      runner,
		logger:      logger.WithComponent("ipset"),
		statePath:   statePath,
		tempTimeout: DefaultTempTimeout,
	}
}

func (d *Driver) lock(direction Direction) func() {
	if direction == DirectionOut {
		d.muOut.Lock()
		return d.muOut.Unlock
	}
	d.muIn.Lock()
	return d.muIn.Unlock
}

func setName(direction Direction, permanent bool) string {
	switch {
	case direction == DirectionOut && permanent:
		return SetOutPermanent
	case direction == DirectionOut:
		return SetOutTemp
	case permanent:
		return SetInPermanent
	default:
		return SetInTemp
	}
}

func (d *Driver) run(ctx context.Context, command string) (hostexec.Result, error) {
	res := d.runner.Execute(ctx, hostexec.Request{Command: command})
	if !res.Success {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = res.Error
		}
		return res, errors.Errorf(errors.KindHostCommand, "ipset command failed: %s", msg)
	}
	return res, nil
}

// Init creates all four sets and their DROP rules, then restores the
// persisted permanent entries. Idempotent: existing sets and rules are
// left alone.
func (d *Driver) Init(ctx context.Context) error {
	state := d.loadState()
	if state.TempTimeout > 0 {
		d.stateMu.Lock()
		d.tempTimeout = state.TempTimeout
		d.stateMu.Unlock()
	}

	for _, s := range []struct {
		name    string
		timeout int
	}{
		{SetInPermanent, 0},
		{SetOutPermanent, 0},
		{SetInTemp, d.TempTimeout()},
		{SetOutTemp, d.TempTimeout()},
	} {
		if err := d.ensureSet(ctx, s.name, s.timeout); err != nil {
			return err
		}
	}

	for _, w := range []struct {
		set       string
		direction Direction
	}{
		{SetInPermanent, DirectionIn},
		{SetInTemp, DirectionIn},
		{SetOutPermanent, DirectionOut},
		{SetOutTemp, DirectionOut},
	} {
		if err := d.ensureDropRule(ctx, w.set, w.direction); err != nil {
			return err
		}
	}

	// Restore persisted permanent entries.
	if len(state.PermanentIn) > 0 {
		d.restoreEntries(ctx, SetInPermanent, state.PermanentIn)
	}
	if len(state.PermanentOut) > 0 {
		d.restoreEntries(ctx, SetOutPermanent, state.PermanentOut)
	}

	d.logger.Info("ipset driver initialized",
		"permanent_in", len(state.PermanentIn),
		"permanent_out", len(state.PermanentOut),
		"temp_timeout", d.TempTimeout())
	return nil
}

func (d *Driver) ensureSet(ctx context.Context, name string, timeout int) error {
	cmd := fmt.Sprintf("ipset create %s hash:net -exist", name)
	if timeout > 0 {
		cmd = fmt.Sprintf("ipset create %s hash:net timeout %d -exist", name, timeout)
	}
	_, err := d.run(ctx, cmd)
	return err
}

func (d *Driver) ensureDropRule(ctx context.Context, set string, direction Direction) error {
	chain, flag := "INPUT", "src"
	if direction == DirectionOut {
		chain, flag = "OUTPUT", "dst"
	}
	// -C checks for the rule; -I inserts only when the check fails.
	cmd := fmt.Sprintf(
		"iptables -C %s -m set --match-set %s %s -j DROP 2>/dev/null || iptables -I %s -m set --match-set %s %s -j DROP",
		chain, set, flag, chain, set, flag)
	_, err := d.run(ctx, cmd)
	return err
}

func (d *Driver) restoreEntries(ctx context.Context, set string, entries []string) {
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "add %s %s -exist\n", set, e)
	}
	cmd := fmt.Sprintf("printf '%s' | ipset restore", shellEscape(b.String()))
	if _, err := d.run(ctx, cmd); err != nil {
		d.logger.Warn("failed to restore persisted entries", "set", set, "error", err)
	}
}

// Add inserts one IP or CIDR into the chosen set.
func (d *Driver) Add(ctx context.Context, ip string, permanent bool, direction Direction) error {
	norm, err := Normalize(ip)
	if err != nil {
		return err
	}
	defer d.lock(direction)()

	set := setName(direction, permanent)
	if _, err := d.run(ctx, fmt.Sprintf("ipset add %s %s -exist", set, norm)); err != nil {
		return err
	}
	if permanent {
		d.persist(ctx)
	}
	return nil
}

// Remove deletes one IP or CIDR from the chosen set. Missing entries are
// not an error.
func (d *Driver) Remove(ctx context.Context, ip string, permanent bool, direction Direction) error {
	norm, err := Normalize(ip)
	if err != nil {
		return err
	}
	defer d.lock(direction)()

	set := setName(direction, permanent)
	res := d.runner.Execute(ctx, hostexec.Request{
		Command: fmt.Sprintf("ipset del %s %s", set, norm),
	})
	if !res.Success && !strings.Contains(res.Stderr, "not added") {
		return errors.Errorf(errors.KindHostCommand, "ipset del failed: %s", strings.TrimSpace(res.Stderr))
	}
	if permanent {
		d.persist(ctx)
	}
	return nil
}

// BulkAdd inserts many entries; invalid ones are reported, not fatal.
func (d *Driver) BulkAdd(ctx context.Context, ips []string, permanent bool, direction Direction) (added int, invalid []string, err error) {
	valid, invalid := partitionValid(ips)
	if len(valid) == 0 {
		return 0, invalid, nil
	}
	defer d.lock(direction)()

	set := setName(direction, permanent)
	if err := d.batchMutate(ctx, set, "add", valid); err != nil {
		return 0, invalid, err
	}
	if permanent {
		d.persist(ctx)
	}
	return len(valid), invalid, nil
}

// BulkRemove deletes many entries.
func (d *Driver) BulkRemove(ctx context.Context, ips []string, permanent bool, direction Direction) (removed int, invalid []string, err error) {
	valid, invalid := partitionValid(ips)
	if len(valid) == 0 {
		return 0, invalid, nil
	}
	defer d.lock(direction)()

	set := setName(direction, permanent)
	if err := d.batchMutate(ctx, set, "del", valid); err != nil {
		return 0, invalid, err
	}
	if permanent {
		d.persist(ctx)
	}
	return len(valid), invalid, nil
}

func (d *Driver) batchMutate(ctx context.Context, set, verb string, entries []string) error {
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s %s %s -exist\n", verb, set, e)
	}
	_, err := d.run(ctx, fmt.Sprintf("printf '%s' | ipset restore", shellEscape(b.String())))
	return err
}

// Sync replaces the set contents with the authoritative list: entries
// missing from the host are added, entries no longer wanted are removed.
// Calling Sync twice with the same input yields zero additions and zero
// removals on the second call.
func (d *Driver) Sync(ctx context.Context, ips []string, permanent bool, direction Direction) (SyncResult, error) {
	valid, invalid := partitionValid(ips)
	defer d.lock(direction)()

	set := setName(direction, permanent)
	current, err := d.listSet(ctx, set)
	if err != nil {
		return SyncResult{Invalid: invalid}, err
	}

	want := make(map[string]bool, len(valid))
	for _, ip := range valid {
		want[ip] = true
	}
	have := make(map[string]bool, len(current))
	for _, ip := range current {
		have[ip] = true
	}

	var toAdd, toRemove []string
	for ip := range want {
		if !have[ip] {
			toAdd = append(toAdd, ip)
		}
	}
	for ip := range have {
		if !want[ip] {
			toRemove = append(toRemove, ip)
		}
	}
	sort.Strings(toAdd)
	sort.Strings(toRemove)

	if len(toAdd) > 0 {
		if err := d.batchMutate(ctx, set, "add", toAdd); err != nil {
			return SyncResult{Invalid: invalid}, err
		}
	}
	if len(toRemove) > 0 {
		if err := d.batchMutate(ctx, set, "del", toRemove); err != nil {
			return SyncResult{Invalid: invalid}, err
		}
	}

	if permanent {
		d.persist(ctx)
	}

	res := SyncResult{
		Success: true,
		Added:   len(toAdd),
		Removed: len(toRemove),
		Invalid: invalid,
		Total:   len(want),
		Message: fmt.Sprintf("synced %s: +%d -%d", set, len(toAdd), len(toRemove)),
	}
	d.logger.Info("ipset synced", "set", set, "added", res.Added, "removed", res.Removed, "total", res.Total)
	return res, nil
}

// ClearSet flushes one set.
func (d *Driver) ClearSet(ctx context.Context, permanent bool, direction Direction) error {
	defer d.lock(direction)()

	set := setName(direction, permanent)
	if _, err := d.run(ctx, fmt.Sprintf("ipset flush %s", set)); err != nil {
		return err
	}
	if permanent {
		d.persist(ctx)
	}
	return nil
}

// List returns the entries of one set.
func (d *Driver) List(ctx context.Context, permanent bool, direction Direction) ([]string, error) {
	defer d.lock(direction)()
	return d.listSet(ctx, setName(direction, permanent))
}

func (d *Driver) listSet(ctx context.Context, set string) ([]string, error) {
	res, err := d.run(ctx, fmt.Sprintf("ipset list %s", set))
	if err != nil {
		return nil, err
	}
	return parseMembers(res.Stdout), nil
}

// parseMembers extracts entries from `ipset list` output. Temp-set
// members carry a "timeout N" suffix which is stripped.
func parseMembers(output string) []string {
	var members []string
	inMembers := false
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "Members:" {
			inMembers = true
			continue
		}
		if !inMembers || line == "" {
			continue
		}
		fields := strings.Fields(line)
		members = append(members, fields[0])
	}
	return members
}

// TempTimeout returns the current TTL for temp-set entries.
func (d *Driver) TempTimeout() int {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.tempTimeout
}

// SetTimeout recreates both temp sets with a new per-entry TTL. This
// destroys current temp entries by design. If the rebuild fails midway
// the old TTL is restored and the DROP rule re-attached.
func (d *Driver) SetTimeout(ctx context.Context, seconds int) error {
	if seconds < 1 || seconds > MaxTempTimeout {
		return errors.Errorf(errors.KindValidation, "timeout must be in 1..%d seconds, got %d", MaxTempTimeout, seconds)
	}

	d.stateMu.Lock()
	old := d.tempTimeout
	d.stateMu.Unlock()

	for _, w := range []struct {
		set       string
		direction Direction
	}{
		{SetInTemp, DirectionIn},
		{SetOutTemp, DirectionOut},
	} {
		if err := d.rebuildTempSet(ctx, w.set, w.direction, seconds); err != nil {
			// Roll back: recreate with the old TTL and re-attach the rule.
			if rbErr := d.rebuildTempSet(ctx, w.set, w.direction, old); rbErr != nil {
				d.logger.Error("temp set rollback failed", "set", w.set, "error", rbErr)
			}
			return err
		}
	}

	d.stateMu.Lock()
	d.tempTimeout = seconds
	d.stateMu.Unlock()
	d.persist(ctx)

	d.logger.Info("temp set timeout changed", "old", old, "new", seconds)
	return nil
}

func (d *Driver) rebuildTempSet(ctx context.Context, set string, direction Direction, timeout int) error {
	defer d.lock(direction)()

	chain, flag := "INPUT", "src"
	if direction == DirectionOut {
		chain, flag = "OUTPUT", "dst"
	}

	// The iptables rule must be detached before the set can be destroyed.
	if _, err := d.run(ctx, fmt.Sprintf(
		"iptables -D %s -m set --match-set %s %s -j DROP 2>/dev/null; ipset destroy %s 2>/dev/null; true",
		chain, set, flag, set)); err != nil {
		return err
	}
	if err := d.ensureSet(ctx, set, timeout); err != nil {
		return err
	}
	return d.ensureDropRule(ctx, set, direction)
}

// GetStatus reports entry counts for all four sets.
func (d *Driver) GetStatus(ctx context.Context) (Status, error) {
	st := Status{
		Sets:        make(map[string]int, 4),
		TempTimeout: d.TempTimeout(),
		RulesWired:  true,
	}
	for _, set := range []string{SetInPermanent, SetInTemp, SetOutPermanent, SetOutTemp} {
		entries, err := d.listSet(ctx, set)
		if err != nil {
			return st, err
		}
		st.Sets[set] = len(entries)
	}
	return st, nil
}

// persist saves permanent lists and the temp TTL to disk. Callers hold
// the relevant direction lock only for their own set; persist re-reads
// both permanent sets without locks, so it is called with at most one
// direction lock held.
func (d *Driver) persist(ctx context.Context) {
	inEntries, _ := d.listSet(ctx, SetInPermanent)
	outEntries, _ := d.listSet(ctx, SetOutPermanent)

	state := persistedState{
		PermanentIn:  inEntries,
		PermanentOut: outEntries,
		TempTimeout:  d.TempTimeout(),
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return
	}

	if err := os.MkdirAll(filepath.Dir(d.statePath), 0755); err != nil {
		d.logger.Warn("failed to create state dir", "error", err)
		return
	}
	tmp := d.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		d.logger.Warn("failed to write blocklist state", "error", err)
		return
	}
	if err := os.Rename(tmp, d.statePath); err != nil {
		d.logger.Warn("failed to commit blocklist state", "error", err)
	}
}

func (d *Driver) loadState() persistedState {
	var state persistedState
	data, err := os.ReadFile(d.statePath)
	if err != nil {
		return state
	}
	if err := json.Unmarshal(data, &state); err != nil {
		d.logger.Warn("corrupt blocklist state file, ignoring", "path", d.statePath, "error", err)
	}
	return state
}

func partitionValid(ips []string) (valid, invalid []string) {
	seen := make(map[string]bool, len(ips))
	for _, ip := range ips {
		norm, err := Normalize(ip)
		if err != nil {
			invalid = append(invalid, ip)
			continue
		}
		if !seen[norm] {
			seen[norm] = true
			valid = append(valid, norm)
		}
	}
	return valid, invalid
}

// shellEscape makes a string safe inside single-quoted printf '%s'.
func shellEscape(s string) string {
	return strings.ReplaceAll(s, "'", `'\''`)
}
