// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// fleetwall-panel is the central server: it polls node agents, stores
// metrics and xray statistics, manages blocklists, and alerts.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"grimm.is/fleetwall/internal/agent"
	"grimm.is/fleetwall/internal/config"
	"grimm.is/fleetwall/internal/logging"
	"grimm.is/fleetwall/internal/notify"
	"grimm.is/fleetwall/internal/panel/alerting"
	"grimm.is/fleetwall/internal/panel/anomaly"
	"grimm.is/fleetwall/internal/panel/api"
	"grimm.is/fleetwall/internal/panel/blocklist"
	"grimm.is/fleetwall/internal/panel/collector"
	"grimm.is/fleetwall/internal/panel/remnawave"
	"grimm.is/fleetwall/internal/panel/store"
	"grimm.is/fleetwall/internal/panel/xraystats"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:          "fleetwall-panel",
		Short:        "Central monitoring panel",
		SilenceUsage: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			return run(configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/fleetwall/panel.hcl", "config file")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(*cobra.Command, []string) {
			fmt.Println(agent.Version)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadPanel(configPath)
	if err != nil {
		return err
	}

	logger := logging.Default()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	var notifier notify.Notifier = notify.Noop{}
	if cfg.Telegram != nil {
		notifier = notify.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
	}

	var upstream *remnawave.Client
	if cfg.Remnawave != nil {
		upstream = remnawave.New(cfg.Remnawave.BaseURL, cfg.Remnawave.Token)
	}

	coll := collector.New(st, nil, logger)
	coll.SetInterval(cfg.PollInterval())

	var userSource xraystats.UserSource
	if upstream != nil {
		userSource = upstream
	}
	xray := xraystats.New(st, nil, userSource, logger)

	bl := blocklist.New(st, nil, logger)

	alertCfg := alerting.Config{Language: cfg.Language}
	if cfg.Alerting != nil {
		alertCfg.CPUThreshold = cfg.Alerting.CPUThreshold
		alertCfg.RAMThreshold = cfg.Alerting.RAMThreshold
		alertCfg.Sustained = time.Duration(cfg.Alerting.SustainedSeconds) * time.Second
		alertCfg.Cooldown = time.Duration(cfg.Alerting.CooldownSeconds) * time.Second
		alertCfg.OfflineAfter = time.Duration(cfg.Alerting.OfflineSeconds) * time.Second
		alertCfg.OfflineFailures = cfg.Alerting.OfflineFailures
	}
	alerts := alerting.New(st, notifier, alertCfg, logger)

	var devices anomaly.DeviceSource
	if upstream != nil {
		devices = upstream
	}
	detector := anomaly.New(st, devices, notifier, logger)

	apiCfg := api.DefaultConfig()
	apiCfg.Addr = cfg.Listen
	apiCfg.APIKey = cfg.APIKey
	server := api.New(api.Options{
		Config:    apiCfg,
		Store:     st,
		Blocklist: bl,
		Xray:      xray,
		Logger:    logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := config.Watch(ctx, configPath, logger, func() {
		logger.Warn("config changed; restart to apply", "path", configPath)
	}); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { coll.Run(gctx); return nil })
	g.Go(func() error { xray.Run(gctx, xraystats.DefaultCollectInterval); return nil })
	g.Go(func() error { bl.Run(gctx, blocklist.DefaultRefreshInterval); return nil })
	g.Go(func() error { alerts.Run(gctx, 30*time.Second); return nil })
	g.Go(func() error { detector.Run(gctx, anomaly.DefaultScanInterval); return nil })
	g.Go(func() error { return server.ListenAndServe(gctx) })

	logger.Info("panel started", "addr", cfg.Listen)
	return g.Wait()
}
