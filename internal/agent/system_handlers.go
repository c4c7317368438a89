// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package agent

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"grimm.is/fleetwall/internal/hostexec"
)

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Collect(r.Context()))
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":        Version,
		"go_version":     runtime.Version(),
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
	})
}

type execRequest struct {
	Command string `json:"command"`
	Timeout int    `json:"timeout"` // seconds
	Shell   string `json:"shell"`
}

func (r execRequest) toHostRequest() hostexec.Request {
	return hostexec.Request{
		Command: r.Command,
		Timeout: time.Duration(r.Timeout) * time.Second,
		Shell:   r.Shell,
	}
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	var req execRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}

	execCommands.Inc()
	result := s.exec.Execute(r.Context(), req.toHostRequest())
	writeJSON(w, http.StatusOK, result)
}

// handleExecStream frames executor events as SSE. Each event is one
// `data:` line carrying the JSON event; the stream ends after done.
func (s *Server) handleExecStream(w http.ResponseWriter, r *http.Request) {
	var req execRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	execCommands.Inc()
	events, err := s.exec.ExecuteStream(r.Context(), req.toHostRequest())
	if err != nil {
		writeErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}
}

// optimizeCommands applies the usual BBR + limits tuning. Each step is
// independent; a failed step is reported but does not stop the rest.
var optimizeCommands = []struct {
	Name    string
	Command string
}{
	{"bbr", "modprobe tcp_bbr; sysctl -w net.ipv4.tcp_congestion_control=bbr net.core.default_qdisc=fq"},
	{"buffers", "sysctl -w net.core.rmem_max=67108864 net.core.wmem_max=67108864"},
	{"backlog", "sysctl -w net.core.somaxconn=65535 net.ipv4.tcp_max_syn_backlog=65535"},
	{"file-limits", "sysctl -w fs.file-max=1048576"},
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	type stepResult struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Message string `json:"msg,omitempty"`
	}

	results := make([]stepResult, 0, len(optimizeCommands))
	allOK := true
	for _, step := range optimizeCommands {
		res := s.exec.Execute(ctx, hostexec.Request{Command: step.Command, Timeout: 30 * time.Second})
		sr := stepResult{Name: step.Name, OK: res.Success}
		if !res.Success {
			allOK = false
			sr.Message = res.Stderr
			if res.Error != "" {
				sr.Message = res.Error
			}
		}
		results = append(results, sr)
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": allOK, "steps": results})
}
