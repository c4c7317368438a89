// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package haproxy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/fleetwall/internal/hostexec"
	"grimm.is/fleetwall/internal/logging"
)

// fakeRunner validates configs by checking for the rules markers, and
// can be told to fail validation to exercise rollback.
type fakeRunner struct {
	commands     []string
	failValidate bool
	serviceState string // "active", "inactive", "" (not installed)
}

func (f *fakeRunner) Execute(_ context.Context, req hostexec.Request) hostexec.Result {
	f.commands = append(f.commands, req.Command)
	cmd := req.Command

	switch {
	case strings.HasPrefix(cmd, "haproxy -c -f"):
		if f.failValidate {
			return hostexec.Result{Success: false, Stderr: "parsing error"}
		}
		return hostexec.Result{Success: true}

	case cmd == "systemctl is-active haproxy":
		if f.serviceState == "active" {
			return hostexec.Result{Success: true, Stdout: "active\n"}
		}
		return hostexec.Result{Success: false, Stdout: f.serviceState + "\n"}

	case strings.HasPrefix(cmd, "systemctl list-unit-files"):
		if f.serviceState == "" {
			return hostexec.Result{Success: true, Stdout: ""}
		}
		return hostexec.Result{Success: true, Stdout: "haproxy.service enabled\n"}

	default:
		return hostexec.Result{Success: true}
	}
}

func newTestDriver(t *testing.T) (*Driver, *fakeRunner, string) {
	t.Helper()
	fr := &fakeRunner{serviceState: "active"}
	path := filepath.Join(t.TempDir(), "haproxy.cfg")
	d := NewDriver(fr, logging.Default(), path)
	require.NoError(t, d.EnsureConfig())
	return d, fr, path
}

func TestRenderParse_RoundTrip(t *testing.T) {
	rules := []Rule{
		{Name: "ssh", Kind: KindTCP, ListenPort: 2222, TargetIP: "10.0.0.1", TargetPort: 22},
		{Name: "web", Kind: KindHTTPS, ListenPort: 443, TargetIP: "10.0.0.2", TargetPort: 8080,
			CertDomain: "example.com", TargetSSL: true, SendProxy: true},
	}

	parsed, err := ParseRules(RenderConfig(rules))
	require.NoError(t, err)
	assert.Equal(t, rules, parsed)
}

func TestAddRule_TCPRoundTrip(t *testing.T) {
	d, _, path := newTestDriver(t)
	ctx := context.Background()

	rule := Rule{
		Name: "ssh", Kind: KindTCP,
		ListenPort: 2222, TargetIP: "10.0.0.1", TargetPort: 22,
	}
	require.NoError(t, d.AddRule(ctx, rule))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	cfg := string(data)

	region := cfg[strings.Index(cfg, RulesStartMarker):strings.Index(cfg, RulesEndMarker)]
	assert.Contains(t, region, "bind *:2222")
	assert.Contains(t, region, "server srv1 10.0.0.1:22 check inter 5s fall 3 rise 2")

	rules, err := d.ListRules()
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, rule, rules[0])

	require.NoError(t, d.DeleteRule(ctx, "ssh"))
	rules, err = d.ListRules()
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestAddRule_DuplicateNameRejected(t *testing.T) {
	d, _, _ := newTestDriver(t)
	ctx := context.Background()

	rule := Rule{Name: "a", Kind: KindTCP, ListenPort: 1000, TargetIP: "1.1.1.1", TargetPort: 80}
	require.NoError(t, d.AddRule(ctx, rule))

	err := d.AddRule(ctx, rule)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestAddRule_DuplicatePortRejected(t *testing.T) {
	d, _, _ := newTestDriver(t)
	ctx := context.Background()

	require.NoError(t, d.AddRule(ctx, Rule{Name: "a", Kind: KindTCP, ListenPort: 1000, TargetIP: "1.1.1.1", TargetPort: 80}))

	err := d.AddRule(ctx, Rule{Name: "b", Kind: KindTCP, ListenPort: 1000, TargetIP: "2.2.2.2", TargetPort: 81})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already in use")
}

func TestAddRule_ValidationFailureRollsBack(t *testing.T) {
	d, fr, path := newTestDriver(t)
	ctx := context.Background()

	require.NoError(t, d.AddRule(ctx, Rule{Name: "keep", Kind: KindTCP, ListenPort: 1000, TargetIP: "1.1.1.1", TargetPort: 80}))
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	fr.failValidate = true
	err = d.AddRule(ctx, Rule{Name: "bad", Kind: KindTCP, ListenPort: 2000, TargetIP: "2.2.2.2", TargetPort: 81})
	require.Error(t, err)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after), "failed mutation must restore the previous config")

	fr.failValidate = false
	rules, err := d.ListRules()
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "keep", rules[0].Name)
}

func TestAddRule_RollbackToEmptyOriginal(t *testing.T) {
	fr := &fakeRunner{serviceState: "active", failValidate: true}
	path := filepath.Join(t.TempDir(), "haproxy.cfg")
	require.NoError(t, os.WriteFile(path, nil, 0644))
	d := NewDriver(fr, logging.Default(), path)

	err := d.AddRule(context.Background(), Rule{Name: "a", Kind: KindTCP, ListenPort: 1000, TargetIP: "1.1.1.1", TargetPort: 80})
	require.Error(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, string(data), "rejected config must not replace an empty original")
}

func TestRuleValidate(t *testing.T) {
	base := Rule{Name: "ok", Kind: KindTCP, ListenPort: 80, TargetIP: "1.1.1.1", TargetPort: 80}

	bad := base
	bad.Name = "has space"
	assert.Error(t, bad.Validate())

	bad = base
	bad.Kind = "udp"
	assert.Error(t, bad.Validate())

	bad = base
	bad.ListenPort = 0
	assert.Error(t, bad.Validate())

	bad = base
	bad.Kind = KindHTTPS
	assert.Error(t, bad.Validate(), "https without cert_domain")

	assert.NoError(t, base.Validate())
}

func TestReload_Policy(t *testing.T) {
	d, fr, _ := newTestDriver(t)
	ctx := context.Background()

	// Running: reload.
	fr.serviceState = "active"
	msg, err := d.Reload(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "HAProxy reloaded", msg)
	assert.Contains(t, fr.commands, "systemctl reload haproxy")

	// Stopped without autostart: succeed silently.
	fr.serviceState = "inactive"
	d.invalidateStatus()
	msg, err = d.Reload(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "Config saved, HAProxy not running", msg)

	// Stopped with autostart: start.
	d.invalidateStatus()
	msg, err = d.Reload(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, "HAProxy started", msg)
	assert.Contains(t, fr.commands, "systemctl start haproxy")

	// Not installed: fail.
	fr.serviceState = ""
	d.invalidateStatus()
	_, err = d.Reload(ctx, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not installed")
}

func TestStatus_Cached(t *testing.T) {
	d, fr, _ := newTestDriver(t)
	ctx := context.Background()

	assert.Equal(t, StateRunning, d.Status(ctx))
	queries := len(fr.commands)
	assert.Equal(t, StateRunning, d.Status(ctx))
	assert.Equal(t, queries, len(fr.commands), "second status query within TTL must hit the cache")
}

func TestStrippedLineageSuffix(t *testing.T) {
	assert.Equal(t, "example.com", strippedLineageSuffix("example.com"))
	assert.Equal(t, "example.com", strippedLineageSuffix("example.com-0001"))
	assert.Equal(t, "my-site.com", strippedLineageSuffix("my-site.com"))
	assert.Equal(t, "a-1234.com", strippedLineageSuffix("a-1234.com"))
}
