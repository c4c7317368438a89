// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadNode_DefaultsApplied(t *testing.T) {
	path := writeConfig(t, "node.hcl", `
api_key = "secret"

traffic {
  collect_interval_seconds = 30
}

xray {
  enabled   = true
  container = "remnanode"
}
`)
	cfg, err := LoadNode(path)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, "/etc/haproxy/haproxy.cfg", cfg.HAProxyConfigPath)
	assert.Equal(t, "secret", cfg.APIKey)
	require.NotNil(t, cfg.Traffic)
	assert.Equal(t, 30, cfg.Traffic.CollectIntervalSeconds)
	require.NotNil(t, cfg.Xray)
	assert.True(t, cfg.Xray.Enabled)
	assert.Nil(t, cfg.Torrent)
}

func TestLoadNode_MissingKeyRejected(t *testing.T) {
	path := writeConfig(t, "node.hcl", `listen = ":9090"`)
	_, err := LoadNode(path)
	assert.Error(t, err)
}

func TestLoadNode_MissingFile(t *testing.T) {
	_, err := LoadNode(filepath.Join(t.TempDir(), "absent.hcl"))
	assert.Error(t, err)
}

func TestLoadPanel_Blocks(t *testing.T) {
	path := writeConfig(t, "panel.hcl", `
listen                = ":9443"
poll_interval_seconds = 15
language              = "ru"

telegram {
  bot_token = "123:abc"
  chat_id   = "-100"
}

alerting {
  cpu_threshold     = 85
  sustained_seconds = 120
}
`)
	cfg, err := LoadPanel(path)
	require.NoError(t, err)
	assert.Equal(t, ":9443", cfg.Listen)
	assert.Equal(t, 15*time.Second, cfg.PollInterval())
	assert.Equal(t, "ru", cfg.Language)
	require.NotNil(t, cfg.Telegram)
	assert.Equal(t, "-100", cfg.Telegram.ChatID)
	require.NotNil(t, cfg.Alerting)
	assert.Equal(t, 85.0, cfg.Alerting.CPUThreshold)
	assert.Nil(t, cfg.Remnawave)
}

func TestLoadPanel_DefaultPollInterval(t *testing.T) {
	path := writeConfig(t, "panel.hcl", ``)
	cfg, err := LoadPanel(path)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.PollInterval())
	assert.Equal(t, ":8443", cfg.Listen)
}
