// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package agent

import (
	"net/http"

	"grimm.is/fleetwall/internal/errors"
)

func (s *Server) handleXrayStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ingester.Status())
}

// handleXrayCollect drains the aggregate; the panel calls this on its
// collection schedule. The reset is atomic: two concurrent collects
// never see the same rows.
func (s *Server) handleXrayCollect(w http.ResponseWriter, r *http.Request) {
	xrayCollects.Inc()
	writeJSON(w, http.StatusOK, s.ingester.CollectAndClear())
}

func (s *Server) handleTorrentStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.torrent.Stats())
}

func (s *Server) handleTorrentAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	switch action := r.PathValue("action"); action {
	case "enable":
		s.torrent.Enable()
	case "disable":
		s.torrent.Disable()
	case "threshold":
		var req struct {
			Threshold int `json:"threshold"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeErr(w, err)
			return
		}
		if err := s.torrent.SetThreshold(req.Threshold); err != nil {
			writeErr(w, err)
			return
		}
	case "whitelist":
		var req struct {
			Whitelist []string `json:"whitelist"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeErr(w, err)
			return
		}
		if err := s.torrent.SetWhitelist(ctx, req.Whitelist); err != nil {
			writeErr(w, err)
			return
		}
	default:
		writeErr(w, errors.Errorf(errors.KindValidation, "unknown torrent blocker action: %q", action))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "stats": s.torrent.Stats()})
}
