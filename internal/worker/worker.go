package worker

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

// Package worker implements the long-running workers that poll the
// control-plane store, claim jobs under a time-bounded lease, dispatch
// to the registered tool handler, and record the outcome. The worker is
// also where the approval policy protecting destructive work is
// enforced: every mutating job is validated against a live approval
// bound to the exact plan it is about to run.
import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"coworker/internal/clock"
	"coworker/internal/metrics"
	"coworker/internal/store"
	"coworker/internal/tools"
	"coworker/pkg/coworker"
)

// Fixed failure messages surfaced as job error_message values. Clients
// match on these; do not reword.
const (
	msgInvalidApproval = "Invalid or expired approval token for this plan"
	msgMissingApproval = "Missing approval_token"
)

// Store defines the persistence operations required by the worker.
type Store interface {
	FetchNextQueuedJob(ctx context.Context, nowMS int64) (*coworker.Job, error)
	ClaimJobLease(ctx context.Context, jobID, workerID string, leaseMS, nowMS int64) (bool, error)
	GetResult(ctx context.Context, jobID string) (*coworker.Result, error)
	PutResult(ctx context.Context, jobID string, data []byte, contentType string, nowMS int64) error
	CompleteJob(ctx context.Context, jobID string, ok bool, errorMessage string, nowMS int64) error
}

// ApprovalValidator validates an approval token against a plan identity.
type ApprovalValidator interface {
	Validate(ctx context.Context, token, planJobID, planHash string) (bool, error)
}

// Config controls worker behavior.
type Config struct {
	WorkerID string

	// IdleInterval is the sleep between polls when the queue is empty.
	IdleInterval time.Duration
	// RetryInterval is the backoff after a lost claim race.
	RetryInterval time.Duration
	// LeaseTTL bounds a worker's ownership of a RUNNING job; after
	// expiry any worker may reclaim and re-run.
	LeaseTTL time.Duration
}

// Worker runs the claim/dispatch/complete loop.
type Worker struct {
	store     Store
	registry  *tools.Registry
	fs        *tools.FS
	approvals ApprovalValidator
	cfg       Config
	logger    *log.Logger
	now       func() int64
}

// New constructs a Worker, applying defaults for unset config values.
func New(st Store, registry *tools.Registry, fs *tools.FS, approvals ApprovalValidator, cfg Config, logger *log.Logger) *Worker {
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = 250 * time.Millisecond
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 100 * time.Millisecond
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	return &Worker{
		store:     st,
		registry:  registry,
		fs:        fs,
		approvals: approvals,
		cfg:       cfg,
		logger:    logger,
		now:       clock.NowMS,
	}
}

func (w *Worker) logf(format string, args ...any) {
	if w.logger != nil {
		w.logger.Printf("[worker %s] %s", w.cfg.WorkerID, fmt.Sprintf(format, args...))
	}
}

// Run polls for jobs until ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	w.logf("starting worker; idle=%s lease=%s", w.cfg.IdleInterval, w.cfg.LeaseTTL)
	defer w.logf("worker stopped")

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := w.store.FetchNextQueuedJob(ctx, w.now())
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				w.logf("fetch error: %v", err)
			}
			if !sleepCtx(ctx, w.cfg.IdleInterval) {
				return
			}
			continue
		}

		claimed, err := w.store.ClaimJobLease(ctx, job.ID, w.cfg.WorkerID, w.cfg.LeaseTTL.Milliseconds(), w.now())
		if err != nil {
			w.logf("claim error for job %s: %v", job.ID, err)
			if !sleepCtx(ctx, w.cfg.RetryInterval) {
				return
			}
			continue
		}
		if !claimed {
			metrics.IncClaimConflict()
			if !sleepCtx(ctx, w.cfg.RetryInterval) {
				return
			}
			continue
		}

		w.processJob(ctx, job)
	}
}

// processJob dispatches one claimed job and records its outcome. Handler
// errors terminate the job with the error text; no result is stored on
// failure.
func (w *Worker) processJob(ctx context.Context, job *coworker.Job) {
	start := w.now()
	spec, ok := w.registry.Lookup(job.Type)
	toolName := fmt.Sprintf("type_%d", int(job.Type))
	if ok {
		toolName = spec.Name
	}

	data, contentType, err := w.dispatch(ctx, job, spec, ok)
	elapsed := time.Duration(w.now()-start) * time.Millisecond

	if err != nil {
		w.logf("job %s (%s) failed: %v", job.ID, toolName, err)
		if cerr := w.store.CompleteJob(ctx, job.ID, false, err.Error(), w.now()); cerr != nil {
			w.logf("job %s: failed to mark failed: %v", job.ID, cerr)
		}
		metrics.ObserveJobCompleted(toolName, false, elapsed)
		return
	}

	if perr := w.store.PutResult(ctx, job.ID, data, contentType, w.now()); perr != nil {
		w.logf("job %s: failed to store result: %v", job.ID, perr)
		if cerr := w.store.CompleteJob(ctx, job.ID, false, perr.Error(), w.now()); cerr != nil {
			w.logf("job %s: failed to mark failed: %v", job.ID, cerr)
		}
		metrics.ObserveJobCompleted(toolName, false, elapsed)
		return
	}
	if cerr := w.store.CompleteJob(ctx, job.ID, true, "", w.now()); cerr != nil {
		w.logf("job %s: failed to mark succeeded: %v", job.ID, cerr)
		return
	}
	metrics.ObserveJobCompleted(toolName, true, elapsed)
}

func (w *Worker) dispatch(ctx context.Context, job *coworker.Job, spec tools.Spec, known bool) ([]byte, string, error) {
	if !known {
		return nil, "", fmt.Errorf("Unsupported job type: %d", int(job.Type))
	}

	if job.Type.Mutating() {
		if job.ApprovalToken == "" {
			return nil, "", errors.New(msgMissingApproval)
		}
		if err := w.validateApproval(ctx, job); err != nil {
			return nil, "", err
		}
	}

	if job.Type == coworker.TypeExecutePlan {
		return w.executePlan(ctx, job)
	}
	return spec.Handler(ctx, job.Params, job.AllowedRoots)
}

// validateApproval checks the job's approval token against the plan it
// is about to run. EXECUTE_PLAN recomputes the hash from the stored plan
// content; soft_delete and restore validate against the derived
// {action, from, to} plan under its symbolic id.
func (w *Worker) validateApproval(ctx context.Context, job *coworker.Job) error {
	var planJobID, planHash string

	switch job.Type {
	case coworker.TypeExecutePlan:
		planJobID = job.Params["plan_job_id"]
		if planJobID == "" {
			return errors.New("Missing plan_job_id")
		}
		res, err := w.store.GetResult(ctx, planJobID)
		if err != nil {
			return errors.New("Missing plan result")
		}
		var plan map[string]any
		if err := json.Unmarshal(res.Bytes, &plan); err != nil {
			return fmt.Errorf("decode plan result: %w", err)
		}
		// Always recompute from content: an edited plan must not ride
		// on its stale embedded hash.
		planHash, err = coworker.PlanHash(plan)
		if err != nil {
			return err
		}

	case coworker.TypeSoftDelete:
		ap := coworker.ActionPlan{Action: "soft_delete", From: job.Params["path"]}
		hash, err := coworker.PlanHash(ap)
		if err != nil {
			return err
		}
		planJobID, planHash = coworker.ActionPlanID(ap.Action), hash

	case coworker.TypeRestore:
		ap := coworker.ActionPlan{Action: "restore", From: job.Params["trash_item_path"], To: job.Params["restore_to"]}
		hash, err := coworker.PlanHash(ap)
		if err != nil {
			return err
		}
		planJobID, planHash = coworker.ActionPlanID(ap.Action), hash

	default:
		return fmt.Errorf("approval validation for non-mutating type %d", int(job.Type))
	}

	ok, err := w.approvals.Validate(ctx, job.ApprovalToken, planJobID, planHash)
	if err != nil {
		return err
	}
	if !ok {
		metrics.IncApprovalDenied()
		return errors.New(msgInvalidApproval)
	}
	return nil
}

func (w *Worker) executePlan(ctx context.Context, job *coworker.Job) ([]byte, string, error) {
	res, err := w.store.GetResult(ctx, job.Params["plan_job_id"])
	if err != nil {
		return nil, "", errors.New("Missing plan result")
	}
	var plan coworker.Plan
	if err := json.Unmarshal(res.Bytes, &plan); err != nil {
		return nil, "", fmt.Errorf("decode plan result: %w", err)
	}

	wsRoot := job.Params["workspace_root"]
	if wsRoot == "" && len(job.AllowedRoots) > 0 {
		wsRoot = job.AllowedRoots[0]
	}

	out, err := w.fs.ApplyPlan(&plan, job.AllowedRoots, wsRoot)
	if err != nil {
		return nil, "", err
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, "", fmt.Errorf("encode outcome: %w", err)
	}
	return data, "application/json", nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
