// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"grimm.is/fleetwall/internal/errors"
	"grimm.is/fleetwall/internal/panel/store"
)

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := s.store.ListServers(r.URL.Query().Get("active") == "true")
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]any{"servers": servers})
}

type serverRequest struct {
	Name     string `json:"name"`
	BaseURL  string `json:"base_url"`
	APIKey   string `json:"api_key"`
	Position int    `json:"position"`
	Active   *bool  `json:"active"`
	Folder   string `json:"folder"`
}

func (s *Server) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.APIKey == "" {
		// Registering without a key mints one; the operator copies it
		// into the node's config.
		req.APIKey = uuid.NewString()
	}
	srv := store.Server{
		Name: req.Name, BaseURL: req.BaseURL, APIKey: req.APIKey,
		Position: req.Position, Active: true, Folder: req.Folder,
	}
	if req.Active != nil {
		srv.Active = *req.Active
	}
	id, err := s.store.CreateServer(srv)
	if err != nil {
		writeErr(w, err)
		return
	}
	created, err := s.store.GetServer(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	// The key is shown once, at creation; reads never serialize it.
	writeJSON(w, map[string]any{"server": created, "api_key": req.APIKey})
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	srv, err := s.store.GetServer(pathID(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, srv)
}

func (s *Server) handleUpdateServer(w http.ResponseWriter, r *http.Request) {
	existing, err := s.store.GetServer(pathID(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	var req serverRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.Name != "" {
		existing.Name = req.Name
	}
	if req.BaseURL != "" {
		existing.BaseURL = req.BaseURL
	}
	if req.APIKey != "" {
		existing.APIKey = req.APIKey
	}
	if req.Position != 0 {
		existing.Position = req.Position
	}
	if req.Active != nil {
		existing.Active = *req.Active
	}
	if req.Folder != "" {
		existing.Folder = req.Folder
	}
	if err := s.store.UpdateServer(existing); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, existing)
}

func (s *Server) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteServer(pathID(r)); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]bool{"deleted": true})
}

func (s *Server) handleLatestMetrics(w http.ResponseWriter, r *http.Request) {
	sn, ok, err := s.store.LatestSnapshot(pathID(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	if !ok {
		writeErr(w, errors.New(errors.KindNotFound, "no metrics yet"))
		return
	}
	writeJSON(w, sn)
}

// handleMetricsWindow returns raw snapshots; default window is the
// last hour.
func (s *Server) handleMetricsWindow(w http.ResponseWriter, r *http.Request) {
	to := time.Now()
	from := to.Add(-time.Hour)
	if v := r.URL.Query().Get("hours"); v != "" {
		from = to.Add(-time.Duration(queryInt(r, "hours", 1)) * time.Hour)
	}
	snaps, err := s.store.Snapshots(pathID(r), from, to)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]any{"snapshots": snaps})
}

func (s *Server) handleAggregates(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	if period != "hour" && period != "day" {
		writeErr(w, errors.Errorf(errors.KindValidation, "invalid period %q", period))
		return
	}
	days := queryInt(r, "days", 7)
	to := time.Now()
	rows, err := s.store.Aggregates(pathID(r), period, to.Add(-time.Duration(days)*24*time.Hour), to)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]any{"aggregates": rows})
}

func (s *Server) handleListRules(w http.ResponseWriter, _ *http.Request) {
	rules, err := s.store.Rules()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]any{"rules": rules})
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var rule store.BlocklistRule
	if err := decodeBody(w, r, &rule); err != nil {
		writeErr(w, err)
		return
	}
	if rule.Direction == "" {
		rule.Direction = "in"
	}
	rule.Permanent = true
	id, err := s.store.AddRule(rule, time.Now())
	if err != nil {
		writeErr(w, err)
		return
	}
	rule.ID = id
	s.triggerSync()
	writeJSON(w, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteRule(pathID(r)); err != nil {
		writeErr(w, err)
		return
	}
	s.triggerSync()
	writeJSON(w, map[string]bool{"deleted": true})
}

func (s *Server) handleListSources(w http.ResponseWriter, _ *http.Request) {
	sources, err := s.store.Sources()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]any{"sources": sources})
}

func (s *Server) handleCreateSource(w http.ResponseWriter, r *http.Request) {
	var src store.BlocklistSource
	if err := decodeBody(w, r, &src); err != nil {
		writeErr(w, err)
		return
	}
	src.Enabled = true
	id, err := s.store.CreateSource(src)
	if err != nil {
		writeErr(w, err)
		return
	}
	src.ID = id
	writeJSON(w, src)
}

func (s *Server) handleToggleSource(w http.ResponseWriter, r *http.Request) {
	src, err := s.store.GetSource(pathID(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := s.store.SetSourceEnabled(src.ID, !src.Enabled); err != nil {
		writeErr(w, err)
		return
	}
	src.Enabled = !src.Enabled
	s.triggerSync()
	writeJSON(w, src)
}

func (s *Server) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSource(pathID(r)); err != nil {
		writeErr(w, err)
		return
	}
	s.triggerSync()
	writeJSON(w, map[string]bool{"deleted": true})
}

func (s *Server) handleRefreshSources(w http.ResponseWriter, r *http.Request) {
	changed := s.blocklist.RefreshSources(r.Context())
	if changed {
		s.triggerSync()
	}
	writeJSON(w, map[string]bool{"changed": changed})
}

func (s *Server) handleSyncBlocklist(w http.ResponseWriter, r *http.Request) {
	if s.blocklist.InProgress() {
		writeErr(w, errors.New(errors.KindConflict, "sync already in progress"))
		return
	}
	results := s.blocklist.SyncAll(r.Context())
	writeJSON(w, map[string]any{"results": results})
}

func (s *Server) handleBlocklistStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]bool{"in_progress": s.blocklist.InProgress()})
}

// triggerSync pushes the new effective sets to nodes without blocking
// the request.
func (s *Server) triggerSync() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		s.blocklist.SyncAll(ctx)
	}()
}

// handleBulkServerActive flips the active flag on many servers at
// once. Deactivated servers stop being polled and synced.
func (s *Server) handleBulkServerActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs    []int64 `json:"ids"`
		Active bool    `json:"active"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if len(req.IDs) == 0 {
		writeErr(w, errors.New(errors.KindValidation, "no server ids"))
		return
	}

	updated := 0
	for _, id := range req.IDs {
		srv, err := s.store.GetServer(id)
		if err != nil {
			continue
		}
		srv.Active = req.Active
		if err := s.store.UpdateServer(srv); err == nil {
			updated++
		}
	}
	writeJSON(w, map[string]int{"updated": updated})
}

// handleBulkAddRules inserts many manual rules in one call; invalid
// entries are skipped, and nodes sync once at the end.
func (s *Server) handleBulkAddRules(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IPs       []string `json:"ips"`
		Direction string   `json:"direction"`
		ServerID  *int64   `json:"server_id"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.Direction == "" {
		req.Direction = "in"
	}
	if len(req.IPs) == 0 {
		writeErr(w, errors.New(errors.KindValidation, "no ips"))
		return
	}

	added := 0
	now := time.Now()
	for _, ip := range req.IPs {
		_, err := s.store.AddRule(store.BlocklistRule{
			IPCIDR: ip, Direction: req.Direction, ServerID: req.ServerID,
			Permanent: true,
		}, now)
		if err == nil {
			added++
		}
	}
	if added > 0 {
		s.triggerSync()
	}
	writeJSON(w, map[string]int{"added": added, "requested": len(req.IPs)})
}

func (s *Server) handleXrayBatch(w http.ResponseWriter, r *http.Request) {
	b, err := s.xray.Batch(queryInt(r, "destinations", 100), queryInt(r, "users", 100))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, b)
}

func (s *Server) handleXrayHourly(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.HourlyStats(store.FleetWide, queryInt(r, "limit", 168))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]any{"hourly": rows})
}

func (s *Server) handleXrayUser(w http.ResponseWriter, r *http.Request) {
	email := queryPathInt(r, "email")
	hours := queryInt(r, "hours", 24)
	rows, err := s.store.UserVisits(email, time.Now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]any{"visits": rows})
}

func (s *Server) handleXrayCollect(w http.ResponseWriter, r *http.Request) {
	if err := s.xray.CollectOnce(r.Context()); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]bool{"collected": true})
}

func (s *Server) handleCachedUsers(w http.ResponseWriter, _ *http.Request) {
	users, err := s.store.CachedUsers()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]any{"users": users})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.store.Alerts(int64(queryInt(r, "server_id", 0)), queryInt(r, "limit", 100))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]any{"alerts": alerts})
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	anomalies, err := s.store.Anomalies(queryInt(r, "limit", 100))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]any{"anomalies": anomalies})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	settings, err := s.store.Settings()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]any{"settings": settings})
}

func (s *Server) handlePutSetting(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value string `json:"value"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}
	key := mux.Vars(r)["key"]
	if err := s.store.PutSetting(key, req.Value, time.Now()); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]string{"key": key, "value": req.Value})
}

func queryPathInt(r *http.Request, key string) int {
	n, _ := strconv.Atoi(mux.Vars(r)[key])
	return n
}
