// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package agent

import (
	"net/http"

	"grimm.is/fleetwall/internal/ipset"
)

func directionOf(raw string) ipset.Direction {
	if raw == "out" {
		return ipset.DirectionOut
	}
	return ipset.DirectionIn
}

func (s *Server) handleIpsetList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	permanent := q.Get("permanent") != "false"
	dir := directionOf(q.Get("direction"))

	ips, err := s.ipset.List(r.Context(), permanent, dir)
	if err != nil {
		writeErr(w, err)
		return
	}
	if ips == nil {
		ips = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ips": ips, "count": len(ips)})
}

func (s *Server) handleIpsetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.ipset.GetStatus(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type ipsetMutation struct {
	IP        string `json:"ip"`
	Permanent bool   `json:"permanent"`
	Direction string `json:"direction"`
}

func (s *Server) handleIpsetAdd(w http.ResponseWriter, r *http.Request) {
	var req ipsetMutation
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.ipset.Add(r.Context(), req.IP, req.Permanent, directionOf(req.Direction)); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleIpsetRemove(w http.ResponseWriter, r *http.Request) {
	var req ipsetMutation
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.ipset.Remove(r.Context(), req.IP, req.Permanent, directionOf(req.Direction)); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleIpsetSync(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IPs       []string `json:"ips"`
		Permanent bool     `json:"permanent"`
		Direction string   `json:"direction"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}

	result, err := s.ipset.Sync(r.Context(), req.IPs, req.Permanent, directionOf(req.Direction))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleIpsetClear(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Permanent bool   `json:"permanent"`
		Direction string `json:"direction"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.ipset.ClearSet(r.Context(), req.Permanent, directionOf(req.Direction)); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleIpsetSetTimeout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Seconds int `json:"seconds"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.ipset.SetTimeout(r.Context(), req.Seconds); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "timeout": req.Seconds})
}
