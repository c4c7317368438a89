// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package agent is the node-side HTTP API: metrics, HAProxy and
// firewall management, ipset blocklists, traffic accounting, and the
// Xray ingestion surface the panel pulls from.
package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/fleetwall/internal/errors"
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

// Version is stamped at build time.
var Version = "dev"

// ServerConfig holds HTTP server hardening knobs.
type ServerConfig struct {
	Addr              string
	APIKey            string
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	MaxFailedAttempts int
	BanDuration       time.Duration
}

// DefaultServerConfig returns secure defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:              ":8080",
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Exec streaming holds the response open; WriteTimeout stays
		// above the executor's 600 s ceiling.
		WriteTimeout:      660 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 16,
		MaxFailedAttempts: DefaultMaxFailedAttempts,
		BanDuration:       DefaultBanDuration,
	}
}

// ServerOptions holds the agent's dependencies.
type ServerOptions struct {
	Config   ServerConfig
	Logger   *logging.Logger
	Exec     *hostexec.Executor
	UFW      *ufw.Driver
	Ipset    *ipset.Driver
	HAProxy  *haproxy.Driver
	Traffic  *trafficacct.Accountant
	Ingester *xraylog.Ingester
	Torrent  *torrent.Blocker
	Metrics  *sysmetrics.Producer
}

// Server is the node API server.
type Server struct {
	cfg      ServerConfig
	logger   *logging.Logger
	exec     *hostexec.Executor
	ufw      *ufw.Driver
	ipset    *ipset.Driver
	haproxy  *haproxy.Driver
	traffic  *trafficacct.Accountant
	ingester *xraylog.Ingester
	torrent  *torrent.Blocker
	metrics  *sysmetrics.Producer
	security *SecurityManager

	startTime time.Time
	mux       *http.ServeMux
}

// NewServer wires the handlers. Any nil dependency disables its routes.
func NewServer(opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	s := &Server{
		cfg:       opts.Config,
		logger:    logger.WithComponent("agent"),
		exec:      opts.Exec,
		ufw:       opts.UFW,
		ipset:     opts.Ipset,
		haproxy:   opts.HAProxy,
		traffic:   opts.Traffic,
		ingester:  opts.Ingester,
		torrent:   opts.Torrent,
		metrics:   opts.Metrics,
		security:  NewSecurityManager(logger, opts.Config.MaxFailedAttempts, opts.Config.BanDuration),
		startTime: time.Now(),
		mux:       http.NewServeMux(),
	}
	s.initRoutes()
	return s
}

func (s *Server) initRoutes() {
	mux := s.mux

	// Public.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Composite metrics.
	mux.HandleFunc("GET /api/metrics", s.handleMetrics)

	// HAProxy: service, rules, certs, firewall, config.
	mux.HandleFunc("GET /api/haproxy/status", s.handleHAProxyStatus)
	mux.HandleFunc("POST /api/haproxy/service/{action}", s.handleHAProxyService)
	mux.HandleFunc("GET /api/haproxy/rules", s.handleListRules)
	mux.HandleFunc("POST /api/haproxy/rules", s.handleAddRule)
	mux.HandleFunc("PUT /api/haproxy/rules/{name}", s.handleUpdateRule)
	mux.HandleFunc("DELETE /api/haproxy/rules/{name}", s.handleDeleteRule)
	mux.HandleFunc("GET /api/haproxy/config", s.handleGetConfig)
	mux.HandleFunc("POST /api/haproxy/validate", s.handleValidateConfig)
	mux.HandleFunc("GET /api/haproxy/certs", s.handleListCerts)
	mux.HandleFunc("POST /api/haproxy/certs", s.handleGenerateCert)
	mux.HandleFunc("GET /api/haproxy/firewall", s.handleFirewallList)
	mux.HandleFunc("POST /api/haproxy/firewall", s.handleFirewallAdd)
	mux.HandleFunc("DELETE /api/haproxy/firewall", s.handleFirewallRemove)
	mux.HandleFunc("POST /api/haproxy/firewall/{action}", s.handleFirewallAction)

	// System.
	mux.HandleFunc("GET /api/system/version", s.handleVersion)
	mux.HandleFunc("POST /api/system/exec", s.handleExec)
	mux.HandleFunc("POST /api/system/exec-stream", s.handleExecStream)
	mux.HandleFunc("POST /api/system/optimize", s.handleOptimize)

	// Ipset blocklists.
	mux.HandleFunc("GET /api/ipset/list", s.handleIpsetList)
	mux.HandleFunc("GET /api/ipset/status", s.handleIpsetStatus)
	mux.HandleFunc("POST /api/ipset/add", s.handleIpsetAdd)
	mux.HandleFunc("POST /api/ipset/remove", s.handleIpsetRemove)
	mux.HandleFunc("POST /api/ipset/sync", s.handleIpsetSync)
	mux.HandleFunc("POST /api/ipset/clear", s.handleIpsetClear)
	mux.HandleFunc("POST /api/ipset/set-timeout", s.handleIpsetSetTimeout)

	// Traffic accounting.
	mux.HandleFunc("GET /api/traffic/{granularity}", s.handleTrafficSeries)
	mux.HandleFunc("GET /api/traffic/summary/ports", s.handleTrafficPorts)
	mux.HandleFunc("GET /api/traffic/summary/interfaces", s.handleTrafficInterfaces)
	mux.HandleFunc("GET /api/traffic/ports/tracked", s.handleTrackedPorts)
	mux.HandleFunc("POST /api/traffic/ports/tracked", s.handleTrackPort)
	mux.HandleFunc("DELETE /api/traffic/ports/tracked", s.handleUntrackPort)

	// Xray ingestion + torrent blocker.
	mux.HandleFunc("GET /api/remnawave/status", s.handleXrayStatus)
	mux.HandleFunc("POST /api/remnawave/stats/collect", s.handleXrayCollect)
	mux.HandleFunc("GET /api/remnawave/torrent-blocker", s.handleTorrentStats)
	mux.HandleFunc("POST /api/remnawave/torrent-blocker/{action}", s.handleTorrentAction)
}

// ServeHTTP applies the IP-drop guard and API key check before routing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)

	if s.security.IsBanned(ip) {
		drop(w)
		return
	}

	// Health and Prometheus scrape stay unauthenticated.
	if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
		s.mux.ServeHTTP(w, r)
		return
	}

	if s.cfg.APIKey == "" || r.Header.Get("X-API-Key") != s.cfg.APIKey {
		s.security.RecordFailure(ip)
		authFailures.Inc()
		drop(w)
		return
	}
	s.security.RecordSuccess(ip)

	requestsTotal.Inc()
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe runs the server until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		MaxHeaderBytes:    s.cfg.MaxHeaderBytes,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("agent api listening", "addr", s.cfg.Addr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        Version,
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeErr maps the error kind onto an HTTP status. Host paths and
// keys never leak: the message is what the operation chose to say.
func writeErr(w http.ResponseWriter, err error) {
	kind := errors.GetKind(err)
	writeJSON(w, kind.HTTPStatus(), map[string]any{
		"success": false,
		"error":   err.Error(),
	})
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 10<<20))
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(err, errors.KindValidation, "invalid request body")
	}
	return nil
}
