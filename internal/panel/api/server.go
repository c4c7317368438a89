// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package api is the panel's HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"grimm.is/fleetwall/internal/errors"
	"grimm.is/fleetwall/internal/logging"
	"grimm.is/fleetwall/internal/panel/blocklist"
	"grimm.is/fleetwall/internal/panel/store"
	"grimm.is/fleetwall/internal/panel/xraystats"
)

const maxBodyBytes = 10 << 20

// Config tunes the panel HTTP server.
type Config struct {
	Addr   string
	APIKey string // empty disables auth
}

// DefaultConfig returns the panel listen defaults.
func DefaultConfig() Config {
	return Config{Addr: ":8443"}
}

// Options carries the server's dependencies.
type Options struct {
	Config    Config
	Store     *store.Store
	Blocklist *blocklist.Manager
	Xray      *xraystats.Aggregator
	Logger    *logging.Logger
}

// Server is the panel HTTP server.
type Server struct {
	cfg       Config
	store     *store.Store
	blocklist *blocklist.Manager
	xray      *xraystats.Aggregator
	logger    *logging.Logger
	router    *mux.Router

	proxy http.Client
}

// New wires the router.
func New(opts Options) *Server {
	s := &Server{
		cfg:       opts.Config,
		store:     opts.Store,
		blocklist: opts.Blocklist,
		xray:      opts.Xray,
		logger:    opts.Logger.WithComponent("panel-api"),
		router:    mux.NewRouter(),
		proxy:     http.Client{Timeout: 60 * time.Second},
	}
	s.initRoutes()
	return s
}

func (s *Server) initRoutes() {
	r := s.router
	r.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.authMiddleware)

	api.HandleFunc("/servers", s.handleListServers).Methods("GET")
	api.HandleFunc("/servers", s.handleCreateServer).Methods("POST")
	api.HandleFunc("/servers/{id:[0-9]+}", s.handleGetServer).Methods("GET")
	api.HandleFunc("/servers/{id:[0-9]+}", s.handleUpdateServer).Methods("PUT")
	api.HandleFunc("/servers/{id:[0-9]+}", s.handleDeleteServer).Methods("DELETE")
	api.HandleFunc("/servers/{id:[0-9]+}/metrics/latest", s.handleLatestMetrics).Methods("GET")
	api.HandleFunc("/servers/{id:[0-9]+}/metrics", s.handleMetricsWindow).Methods("GET")
	api.HandleFunc("/servers/{id:[0-9]+}/aggregates", s.handleAggregates).Methods("GET")

	api.PathPrefix("/proxy/{id:[0-9]+}/").HandlerFunc(s.handleProxy)

	api.HandleFunc("/blocklist/rules", s.handleListRules).Methods("GET")
	api.HandleFunc("/blocklist/rules", s.handleAddRule).Methods("POST")
	api.HandleFunc("/blocklist/rules/{id:[0-9]+}", s.handleDeleteRule).Methods("DELETE")
	api.HandleFunc("/blocklist/sources", s.handleListSources).Methods("GET")
	api.HandleFunc("/blocklist/sources", s.handleCreateSource).Methods("POST")
	api.HandleFunc("/blocklist/sources/{id:[0-9]+}/toggle", s.handleToggleSource).Methods("POST")
	api.HandleFunc("/blocklist/sources/{id:[0-9]+}", s.handleDeleteSource).Methods("DELETE")
	api.HandleFunc("/blocklist/refresh", s.handleRefreshSources).Methods("POST")
	api.HandleFunc("/blocklist/sync", s.handleSyncBlocklist).Methods("POST")
	api.HandleFunc("/blocklist/status", s.handleBlocklistStatus).Methods("GET")

	api.HandleFunc("/remnawave/stats/batch", s.handleXrayBatch).Methods("GET")
	api.HandleFunc("/remnawave/stats/hourly", s.handleXrayHourly).Methods("GET")
	api.HandleFunc("/remnawave/stats/users/{email:[0-9]+}", s.handleXrayUser).Methods("GET")
	api.HandleFunc("/remnawave/stats/collect", s.handleXrayCollect).Methods("POST")
	api.HandleFunc("/remnawave/users", s.handleCachedUsers).Methods("GET")

	api.HandleFunc("/bulk/servers/active", s.handleBulkServerActive).Methods("POST")
	api.HandleFunc("/bulk/blocklist/rules", s.handleBulkAddRules).Methods("POST")

	api.HandleFunc("/alerts", s.handleAlerts).Methods("GET")
	api.HandleFunc("/anomalies", s.handleAnomalies).Methods("GET")

	api.HandleFunc("/settings", s.handleGetSettings).Methods("GET")
	api.HandleFunc("/settings/{key}", s.handlePutSetting).Methods("PUT")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe runs until ctx is cancelled, then drains.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	s.logger.Info("panel listening", "addr", s.cfg.Addr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey != "" && r.Header.Get("X-API-Key") != s.cfg.APIKey {
			writeErr(w, errors.New(errors.KindAuth, "invalid api key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	status := errors.GetKind(err).HTTPStatus()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Wrap(err, errors.KindValidation, "invalid request body")
	}
	return nil
}

func pathID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// handleProxy forwards a request to a node agent, injecting its API
// key. The node path is everything after /api/proxy/{id}.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	srv, err := s.store.GetServer(pathID(r))
	if err != nil {
		writeErr(w, err)
		return
	}

	prefix := "/api/proxy/" + mux.Vars(r)["id"]
	target := srv.BaseURL + r.URL.Path[len(prefix):]
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		writeErr(w, errors.Wrap(err, errors.KindValidation, "bad proxy target"))
		return
	}
	req.Header.Set("X-API-Key", srv.APIKey)
	if ct := r.Header.Get("Content-Type"); ct != "" {
		req.Header.Set("Content-Type", ct)
	}

	resp, err := s.proxy.Do(req)
	if err != nil {
		writeErr(w, errors.Wrap(err, errors.KindConnectionRefused, "node unreachable"))
		return
	}
	defer resp.Body.Close()

	for _, h := range []string{"Content-Type", "Cache-Control"} {
		if v := resp.Header.Get(h); v != "" {
			w.Header().Set(h, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}
