// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package agent

import (
	"net/http"
	"strconv"

	"grimm.is/fleetwall/internal/errors"
	"grimm.is/fleetwall/internal/haproxy"
	"grimm.is/fleetwall/internal/ufw"
)

func (s *Server) handleHAProxyStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"state": s.haproxy.Status(r.Context()),
	})
}

func (s *Server) handleHAProxyService(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	var message string

	switch action := r.PathValue("action"); action {
	case "start":
		err = s.haproxy.Start(ctx)
		message = "HAProxy started"
	case "stop":
		err = s.haproxy.Stop(ctx)
		message = "HAProxy stopped"
	case "restart":
		err = s.haproxy.Restart(ctx)
		message = "HAProxy restarted"
	case "reload":
		autoStart := r.URL.Query().Get("auto_start") == "true"
		message, err = s.haproxy.Reload(ctx, autoStart)
	default:
		err = errors.Errorf(errors.KindValidation, "unknown service action: %q", action)
	}

	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": message})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.haproxy.ListRules()
	if err != nil {
		writeErr(w, err)
		return
	}
	if rules == nil {
		rules = []haproxy.Rule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var rule haproxy.Rule
	if err := decodeBody(r, &rule); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.haproxy.AddRule(r.Context(), rule); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "rule": rule})
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var rule haproxy.Rule
	if err := decodeBody(r, &rule); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.haproxy.UpdateRule(r.Context(), r.PathValue("name"), rule); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "rule": rule})
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.haproxy.DeleteRule(r.Context(), r.PathValue("name")); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.haproxy.ReadConfig()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"config": cfg})
}

func (s *Server) handleValidateConfig(w http.ResponseWriter, r *http.Request) {
	if err := s.haproxy.Validate(r.Context()); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"valid": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}

func (s *Server) handleListCerts(w http.ResponseWriter, r *http.Request) {
	certs, err := s.haproxy.ListCerts(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	if certs == nil {
		certs = []haproxy.Certificate{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"certificates": certs})
}

func (s *Server) handleGenerateCert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Domain  string `json:"domain"`
		Method  string `json:"method"`
		Email   string `json:"email"`
		Webroot string `json:"webroot"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.Method == "" {
		req.Method = string(haproxy.CertStandalone)
	}
	err := s.haproxy.GenerateCert(r.Context(), s.ufw, req.Domain, haproxy.CertMethod(req.Method), req.Email, req.Webroot)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "domain": req.Domain})
}

func (s *Server) handleFirewallList(w http.ResponseWriter, r *http.Request) {
	rules, err := s.ufw.List(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	if rules == nil {
		rules = []ufw.Rule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

func (s *Server) handleFirewallAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Port      int    `json:"port"`
		Protocol  string `json:"protocol"`
		Action    string `json:"action"`
		FromIP    string `json:"from_ip"`
		Direction string `json:"direction"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}

	ctx := r.Context()
	var err error
	if req.Action == "" && req.FromIP == "" && req.Direction == "" {
		err = s.ufw.AddSimple(ctx, req.Port, req.Protocol)
	} else {
		err = s.ufw.AddAdvanced(ctx, req.Port, req.Protocol, ufw.Action(req.Action), req.FromIP, ufw.Direction(req.Direction))
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleFirewallRemove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Port     int    `json:"port"`
		Protocol string `json:"protocol"`
		Number   int    `json:"number"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}

	ctx := r.Context()
	var err error
	switch {
	case req.Number > 0:
		err = s.ufw.RemoveByNumber(ctx, req.Number)
	case req.Port > 0:
		err = s.ufw.RemoveByPort(ctx, req.Port, req.Protocol)
	default:
		err = errors.New(errors.KindValidation, "either number or port is required")
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleFirewallAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error

	switch action := r.PathValue("action"); action {
	case "enable":
		err = s.ufw.Enable(ctx)
	case "disable":
		err = s.ufw.Disable(ctx)
	case "reset":
		err = s.ufw.Reset(ctx)
	case "status":
		var active bool
		var raw string
		active, raw, err = s.ufw.Status(ctx)
		if err == nil {
			writeJSON(w, http.StatusOK, map[string]any{"active": active, "raw": raw})
			return
		}
	default:
		err = errors.Errorf(errors.KindValidation, "unknown firewall action: %q", action)
	}

	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func queryInt(r *http.Request, key string, fallback int) int {
	if raw := r.URL.Query().Get(key); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
	}
	return fallback
}
