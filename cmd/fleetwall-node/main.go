// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// fleetwall-node is the edge agent: it exposes the node API and runs
// the traffic accountant, xray log ingester, and torrent blocker.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"grimm.is/fleetwall/internal/agent"
	"grimm.is/fleetwall/internal/config"
	"grimm.is/fleetwall/internal/haproxy"
	"grimm.is/fleetwall/internal/hostexec"
	"grimm.is/fleetwall/internal/ipset"
	"grimm.is/fleetwall/internal/logging"
	"grimm.is/fleetwall/internal/sysmetrics"
	"grimm.is/fleetwall/internal/torrent"
	"grimm.is/fleetwall/internal/trafficacct"
	"grimm.is/fleetwall/internal/ufw"
	"grimm.is/fleetwall/internal/xraylog"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:          "fleetwall-node",
		Short:        "Edge node agent",
		SilenceUsage: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			return run(configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/fleetwall/node.hcl", "config file")

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

// certNames adapts the HAProxy driver to the metrics producer.
type certNames struct {
	driver *haproxy.Driver
}

func (c certNames) ListCertNames(ctx context.Context) ([]string, error) {
	certs, err := c.driver.ListCerts(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(certs))
	for _, cert := range certs {
		names = append(names, cert.Domain)
	}
	return names, nil
}

func run(configPath string) error {
	cfg, err := config.LoadNode(configPath)
	if err != nil {
		return err
	}

	logger := logging.Default()
	exec := hostexec.New(logger)

	ipsetDriver := ipset.NewDriver(exec, logger, filepath.Join(cfg.StateDir, "blocklist.json"))
	haproxyDriver := haproxy.NewDriver(exec, logger, cfg.HAProxyConfigPath)
	if err := haproxyDriver.EnsureConfig(); err != nil {
		return err
	}

	trafficStore, err := trafficacct.OpenStore(filepath.Join(cfg.StateDir, "traffic.db"))
	if err != nil {
		return err
	}
	defer trafficStore.Close()

	trafficCfg := trafficacct.Config{StatePath: filepath.Join(cfg.StateDir, "traffic_state.json")}
	if cfg.Traffic != nil {
		if cfg.Traffic.CollectIntervalSeconds > 0 {
			trafficCfg.CollectInterval = time.Duration(cfg.Traffic.CollectIntervalSeconds) * time.Second
		}
		trafficCfg.RetentionDays = cfg.Traffic.RetentionDays
	}
	accountant := trafficacct.New(trafficCfg, exec, trafficStore, logger)

	blocker := torrent.New(ipsetDriver, exec, logger, filepath.Join(cfg.StateDir, "torrent_blocker.json"))
	if cfg.Torrent != nil && cfg.Torrent.Enabled {
		blocker.Enable()
		if cfg.Torrent.Threshold > 0 {
			if err := blocker.SetThreshold(cfg.Torrent.Threshold); err != nil {
				return err
			}
		}
	}

	var source xraylog.LineSource
	if cfg.Xray != nil && cfg.Xray.Enabled {
		source = &xraylog.DockerTail{Exec: exec, Container: cfg.Xray.Container, LogPath: cfg.Xray.LogPath}
	}
	ingester := xraylog.New(source, logger, blocker.ProcessLine)

	metrics := sysmetrics.NewProducer(exec, certNames{haproxyDriver}, logger)

	agentCfg := agent.DefaultServerConfig()
	agentCfg.Addr = cfg.Listen
	agentCfg.APIKey = cfg.APIKey

	server := agent.NewServer(agent.ServerOptions{
		Config:   agentCfg,
		Logger:   logger,
		Exec:     exec,
		UFW:      ufw.NewDriver(exec, logger),
		Ipset:    ipsetDriver,
		HAProxy:  haproxyDriver,
		Traffic:  accountant,
		Ingester: ingester,
		Torrent:  blocker,
		Metrics:  metrics,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := config.Watch(ctx, configPath, logger, func() {
		logger.Warn("config changed; restart to apply", "path", configPath)
	}); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return accountant.Run(gctx) })
	if source != nil {
		g.Go(func() error { return ingester.Run(gctx) })
	}
	g.Go(func() error { return server.ListenAndServe(gctx) })

	logger.Info("node agent started", "addr", cfg.Listen)
	return g.Wait()
}
