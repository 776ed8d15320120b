// Coworker is a sandboxed workspace agent service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	jobsSubmitted   *prometheus.CounterVec
	jobsCompleted   *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	claimConflicts  prometheus.Counter
	approvalsMinted prometheus.Counter
	approvalsDenied prometheus.Counter
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors.
// Primarily used by tests to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// IncJobSubmitted records a POST /jobs outcome by tool name and whether
// a new row was created or the dedupe key matched.
func IncJobSubmitted(tool string, createdNew bool) {
	outcome := "deduped"
	if createdNew {
		outcome = "created"
	}
	mu.RLock()
	defer mu.RUnlock()
	if jobsSubmitted != nil {
		jobsSubmitted.WithLabelValues(tool, outcome).Inc()
	}
}

// ObserveJobCompleted records a terminal job with its handler duration.
func ObserveJobCompleted(tool string, ok bool, duration time.Duration) {
	status := "failed"
	if ok {
		status = "succeeded"
	}
	mu.RLock()
	defer mu.RUnlock()
	if jobsCompleted != nil {
		jobsCompleted.WithLabelValues(tool, status).Inc()
	}
	if jobDuration != nil {
		jobDuration.WithLabelValues(tool).Observe(durationSeconds(duration))
	}
}

// IncClaimConflict counts a lost lease-claim race.
func IncClaimConflict() {
	mu.RLock()
	defer mu.RUnlock()
	if claimConflicts != nil {
		claimConflicts.Inc()
	}
}

// IncApprovalMinted counts a successfully minted approval token.
func IncApprovalMinted() {
	mu.RLock()
	defer mu.RUnlock()
	if approvalsMinted != nil {
		approvalsMinted.Inc()
	}
}

// IncApprovalDenied counts a failed approval validation at execution time.
func IncApprovalDenied() {
	mu.RLock()
	defer mu.RUnlock()
	if approvalsDenied != nil {
		approvalsDenied.Inc()
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	submitted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coworker",
		Subsystem: "jobs",
		Name:      "submitted_total",
		Help:      "Job submissions grouped by tool and dedupe outcome.",
	}, []string{"tool", "outcome"})

	completed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coworker",
		Subsystem: "jobs",
		Name:      "completed_total",
		Help:      "Terminal jobs grouped by tool and final status.",
	}, []string{"tool", "status"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "coworker",
		Subsystem: "jobs",
		Name:      "handler_duration_seconds",
		Help:      "Handler execution time by tool.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"tool"})

	conflicts := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "coworker",
		Subsystem: "workers",
		Name:      "claim_conflicts_total",
		Help:      "Lease claims lost to another worker.",
	})

	minted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "coworker",
		Subsystem: "approvals",
		Name:      "minted_total",
		Help:      "Approval tokens minted.",
	})

	denied := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "coworker",
		Subsystem: "approvals",
		Name:      "denied_total",
		Help:      "Approval validations that failed at execution time.",
	})

	registry.MustRegister(submitted, completed, duration, conflicts, minted, denied)

	reg = registry
	jobsSubmitted = submitted
	jobsCompleted = completed
	jobDuration = duration
	claimConflicts = conflicts
	approvalsMinted = minted
	approvalsDenied = denied
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
