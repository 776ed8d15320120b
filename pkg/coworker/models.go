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

// Package coworker contains the shared data models and constants used by
// the control-plane store, workers, approval service, and HTTP API.
// Status and type codes are stable integers persisted in the database and
// exposed on the wire; they must never be renumbered.
package coworker

// JobStatus is the lifecycle state of a job.
// Transitions are monotone: QUEUED → RUNNING → {SUCCEEDED|FAILED}.
// CANCELED is reserved; no code path currently sets it.
type JobStatus int

const (
	StatusQueued    JobStatus = 1
	StatusRunning   JobStatus = 2
	StatusSucceeded JobStatus = 3
	StatusFailed    JobStatus = 4
	StatusCanceled  JobStatus = 5
)

// Valid reports whether the status is one of the allowed states.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is a terminal state.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// String returns the canonical lowercase name of the status.
func (s JobStatus) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// JobType identifies the tool a job invokes. Codes 1–7 are the core
// set; 8–15 are reserved for registry extensions.
type JobType int

const (
	TypeScanIndex    JobType = 1
	TypeListFiles    JobType = 2
	TypeReadFile     JobType = 3
	TypeOrganizePlan JobType = 4
	TypeExecutePlan  JobType = 5
	TypeSoftDelete   JobType = 6
	TypeRestore      JobType = 7

	TypeSearchAudit JobType = 13
)

// Mutating reports whether jobs of this type change the filesystem and
// therefore require an approval token at submit time.
func (t JobType) Mutating() bool {
	switch t {
	case TypeExecutePlan, TypeSoftDelete, TypeRestore:
		return true
	default:
		return false
	}
}

// Job is the central control-plane entity. All timestamps are Unix
// milliseconds. Lease fields are set only while RUNNING.
type Job struct {
	ID             string            `json:"job_id"`
	DedupeKey      string            `json:"dedupe_key"`
	Type           JobType           `json:"type"`
	Status         JobStatus         `json:"status"`
	CreatedAtMS    int64             `json:"created_at_ms"`
	StartedAtMS    *int64            `json:"started_at_ms,omitempty"`
	FinishedAtMS   *int64            `json:"finished_at_ms,omitempty"`
	ErrorMessage   *string           `json:"error_message,omitempty"`
	Params         map[string]string `json:"params"`
	AllowedRoots   []string          `json:"allowed_roots"`
	LeaseOwner     *string           `json:"lease_owner,omitempty"`
	LeaseExpiresMS *int64            `json:"lease_expires_at_ms,omitempty"`
	ApprovalToken  string            `json:"-"` // never serialized to clients
}

// Session is a handshake-minted client session. The token is an opaque
// bearer credential returned exactly once.
type Session struct {
	ID          string `json:"session_id"`
	Token       string `json:"token"`
	CreatedAtMS int64  `json:"created_at_ms"`
}

// Result is the byte payload a worker stored for a completed job.
type Result struct {
	JobID       string `json:"job_id"`
	Bytes       []byte `json:"-"`
	ContentType string `json:"content_type"`
	CreatedAtMS int64  `json:"created_at_ms"`
}

// Approval authorizes exactly one (plan_job_id, plan_hash) pair until
// it expires.
type Approval struct {
	Token       string `json:"-"`
	PlanJobID   string `json:"plan_job_id"`
	PlanHash    string `json:"plan_hash"`
	ExpiresAtMS int64  `json:"expires_at_ms"`
	CreatedAtMS int64  `json:"created_at_ms"`
}
