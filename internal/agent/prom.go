// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fleetwall",
		Subsystem: "agent",
		Name:      "requests_total",
		Help:      "Authenticated API requests served.",
	})
	authFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fleetwall",
		Subsystem: "agent",
		Name:      "auth_failures_total",
		Help:      "Requests dropped for a missing or wrong API key.",
	})
	execCommands = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fleetwall",
		Subsystem: "agent",
		Name:      "exec_commands_total",
		Help:      "Host commands run through the exec endpoints.",
	})
	xrayCollects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fleetwall",
		Subsystem: "agent",
		Name:      "xray_collects_total",
		Help:      "Aggregate snapshots drained by the panel.",
	})
)
