// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package agent

import (
	"net/http"
	"time"

	"grimm.is/fleetwall/internal/errors"
	"grimm.is/fleetwall/internal/trafficacct"
)

func (s *Server) handleTrafficSeries(w http.ResponseWriter, r *http.Request) {
	granularity := r.PathValue("granularity")
	switch granularity {
	case "hourly", "daily", "monthly":
	default:
		writeErr(w, errors.Errorf(errors.KindValidation, "unknown granularity: %q", granularity))
		return
	}

	rows, err := s.traffic.Series(granularity, queryInt(r, "limit", 100))
	if err != nil {
		writeErr(w, err)
		return
	}
	if rows == nil {
		rows = []trafficacct.PeriodRow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"granularity": granularity, "rows": rows})
}

func trafficWindow(r *http.Request) time.Duration {
	hours := queryInt(r, "hours", 24)
	if hours < 1 {
		hours = 24
	}
	return time.Duration(hours) * time.Hour
}

func (s *Server) handleTrafficPorts(w http.ResponseWriter, r *http.Request) {
	rows, err := s.traffic.PortTotals(trafficWindow(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	if rows == nil {
		rows = []trafficacct.PortSample{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ports": rows})
}

func (s *Server) handleTrafficInterfaces(w http.ResponseWriter, r *http.Request) {
	rows, err := s.traffic.InterfaceTotals(trafficWindow(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	if rows == nil {
		rows = []trafficacct.InterfaceSample{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"interfaces": rows})
}

func (s *Server) handleTrackedPorts(w http.ResponseWriter, r *http.Request) {
	ports := s.traffic.ListPorts()
	if ports == nil {
		ports = []trafficacct.TrackedPort{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ports": ports})
}

func (s *Server) handleTrackPort(w http.ResponseWriter, r *http.Request) {
	var p trafficacct.TrackedPort
	if err := decodeBody(r, &p); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.traffic.AddPort(r.Context(), p); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "port": p})
}

func (s *Server) handleUntrackPort(w http.ResponseWriter, r *http.Request) {
	var p trafficacct.TrackedPort
	if err := decodeBody(r, &p); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.traffic.RemovePort(r.Context(), p); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
