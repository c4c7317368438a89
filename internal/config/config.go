// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads HCL configuration for the node agent and the
// panel.
package config

import (
	"os"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"grimm.is/fleetwall/internal/errors"
)

// NodeConfig is node.hcl.
type NodeConfig struct {
	Listen string `hcl:"listen,optional"`
	APIKey string `hcl:"api_key"`

	HAProxyConfigPath string `hcl:"haproxy_config_path,optional"`
	StateDir          string `hcl:"state_dir,optional"`

	Traffic *TrafficConfig `hcl:"traffic,block"`
	Xray    *XrayConfig    `hcl:"xray,block"`
	Torrent *TorrentConfig `hcl:"torrent,block"`
}

// TrafficConfig tunes the traffic accountant.
type TrafficConfig struct {
	CollectIntervalSeconds int      `hcl:"collect_interval_seconds,optional"`
	RetentionDays          int      `hcl:"retention_days,optional"`
	Interfaces             []string `hcl:"interfaces,optional"`
}

// XrayConfig tunes the access log ingester.
type XrayConfig struct {
	Enabled   bool   `hcl:"enabled,optional"`
	Container string `hcl:"container,optional"`
	LogPath   string `hcl:"log_path,optional"`
}

// TorrentConfig tunes the torrent blocker.
type TorrentConfig struct {
	Enabled   bool     `hcl:"enabled,optional"`
	Threshold int      `hcl:"threshold,optional"`
	Whitelist []string `hcl:"whitelist,optional"`
}

// PanelConfig is panel.hcl.
type PanelConfig struct {
	Listen string `hcl:"listen,optional"`
	APIKey string `hcl:"api_key,optional"`
	DBPath string `hcl:"db_path,optional"`

	PollIntervalSeconds int    `hcl:"poll_interval_seconds,optional"`
	Language            string `hcl:"language,optional"`

	Telegram  *TelegramConfig  `hcl:"telegram,block"`
	Remnawave *RemnawaveConfig `hcl:"remnawave,block"`
	Alerting  *AlertingConfig  `hcl:"alerting,block"`
}

// TelegramConfig enables alert delivery.
type TelegramConfig struct {
	BotToken string `hcl:"bot_token"`
	ChatID   string `hcl:"chat_id"`
}

// RemnawaveConfig points at the upstream VPN panel.
type RemnawaveConfig struct {
	BaseURL string `hcl:"base_url"`
	Token   string `hcl:"token"`
}

// AlertingConfig tunes thresholds.
type AlertingConfig struct {
	CPUThreshold     float64 `hcl:"cpu_threshold,optional"`
	RAMThreshold     float64 `hcl:"ram_threshold,optional"`
	SustainedSeconds int     `hcl:"sustained_seconds,optional"`
	CooldownSeconds  int     `hcl:"cooldown_seconds,optional"`
	OfflineSeconds   int     `hcl:"offline_seconds,optional"`
	OfflineFailures  int     `hcl:"offline_failures,optional"`
}

// LoadNode reads and validates node.hcl.
func LoadNode(path string) (*NodeConfig, error) {
	var cfg NodeConfig
	if err := decodeFile(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.HAProxyConfigPath == "" {
		cfg.HAProxyConfigPath = "/etc/haproxy/haproxy.cfg"
	}
	if cfg.StateDir == "" {
		cfg.StateDir = "/var/lib/monitoring"
	}
	if cfg.APIKey == "" {
		return nil, errors.New(errors.KindValidation, "api_key is required")
	}
	return &cfg, nil
}

// LoadPanel reads and validates panel.hcl.
func LoadPanel(path string) (*PanelConfig, error) {
	var cfg PanelConfig
	if err := decodeFile(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8443"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "/var/lib/fleetwall/panel.db"
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	return &cfg, nil
}

func decodeFile(path string, out any) error {
	if _, err := os.Stat(path); err != nil {
		return errors.Wrapf(err, errors.KindNotFound, "config file %s", path)
	}
	if err := hclsimple.DecodeFile(path, nil, out); err != nil {
		return errors.Wrap(err, errors.KindValidation, "parsing config failed")
	}
	return nil
}

// PollInterval returns the configured interval as a duration.
func (c *PanelConfig) PollInterval() time.Duration {
	if c.PollIntervalSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.PollIntervalSeconds) * time.Second
}
