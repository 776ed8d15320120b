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

// End-to-end worker tests against a real store and a temp workspace:
// claim/dispatch/complete, the approval gate on mutating jobs, and
// lease reclamation.

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"coworker/internal/approval"
	"coworker/internal/clock"
	"coworker/internal/store"
	"coworker/internal/tools"
	"coworker/pkg/coworker"
)

type testEnv struct {
	st        *store.Store
	fs        *tools.FS
	registry  *tools.Registry
	approvals *approval.Service
	root      string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "cp.db"), nil)
	if err != nil {
		t.Fatalf("Open store failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	fs := tools.NewFS()
	return &testEnv{
		st:        st,
		fs:        fs,
		registry:  tools.Builtin(fs),
		approvals: approval.New(st),
		root:      t.TempDir(),
	}
}

// startWorker runs a worker with fast polling until the test ends.
func (e *testEnv) startWorker(t *testing.T, id string) {
	t.Helper()
	w := New(e.st, e.registry, e.fs, e.approvals, Config{
		WorkerID:      id,
		IdleInterval:  10 * time.Millisecond,
		RetryInterval: 5 * time.Millisecond,
		LeaseTTL:      30 * time.Second,
	}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(ctx)
}

func (e *testEnv) submit(t *testing.T, id, dedupeKey string, jtype coworker.JobType, params map[string]string, approvalToken string) {
	t.Helper()
	if params == nil {
		params = map[string]string{}
	}
	job := &coworker.Job{
		ID:            id,
		DedupeKey:     dedupeKey,
		Type:          jtype,
		CreatedAtMS:   clock.NowMS(),
		Params:        params,
		AllowedRoots:  []string{e.root},
		ApprovalToken: approvalToken,
	}
	if _, _, err := e.st.UpsertJobIfNew(context.Background(), job); err != nil {
		t.Fatalf("submit %s failed: %v", id, err)
	}
}

func (e *testEnv) waitTerminal(t *testing.T, id string) *coworker.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := e.st.GetJob(context.Background(), id)
		if err != nil {
			t.Fatalf("GetJob %s failed: %v", id, err)
		}
		if job.Status.IsTerminal() {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal state", id)
	return nil
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir failed: %v", err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
}

func TestWorkerRunsReadOnlyJob(t *testing.T) {
	e := newTestEnv(t)
	writeFiles(t, e.root, map[string]string{"a.txt": "x"})
	e.startWorker(t, "w1")

	e.submit(t, "job-1", "list", coworker.TypeListFiles, map[string]string{"root": e.root}, "")

	job := e.waitTerminal(t, "job-1")
	if job.Status != coworker.StatusSucceeded {
		t.Fatalf("job failed: %+v", job)
	}
	if job.StartedAtMS == nil || job.FinishedAtMS == nil {
		t.Fatalf("lifecycle timestamps missing: %+v", job)
	}
	if job.LeaseOwner != nil || job.LeaseExpiresMS != nil {
		t.Fatalf("lease not cleared: %+v", job)
	}

	res, err := e.st.GetResult(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("GetResult failed: %v", err)
	}
	if res.ContentType != "application/json" {
		t.Fatalf("content type: %s", res.ContentType)
	}
	var out map[string]any
	if err := json.Unmarshal(res.Bytes, &out); err != nil {
		t.Fatalf("result not JSON: %v", err)
	}
	if out["truncated"] != false {
		t.Fatalf("unexpected result: %v", out)
	}
}

func TestWorkerExecutePlanFlow(t *testing.T) {
	e := newTestEnv(t)
	writeFiles(t, e.root, map[string]string{"a.txt": "alpha", "b.pdf": "beta"})
	e.startWorker(t, "w1")

	// 1. Plan.
	e.submit(t, "plan-1", "plan", coworker.TypeOrganizePlan,
		map[string]string{"root": e.root, "policy": "by_ext"}, "")
	if job := e.waitTerminal(t, "plan-1"); job.Status != coworker.StatusSucceeded {
		t.Fatalf("plan job failed: %+v", job)
	}

	// 2. Approve.
	grant, err := e.approvals.ApprovePlan(context.Background(), "plan-1", 120)
	if err != nil {
		t.Fatalf("ApprovePlan failed: %v", err)
	}

	// 3. Execute.
	e.submit(t, "exec-1", "exec", coworker.TypeExecutePlan,
		map[string]string{"plan_job_id": "plan-1", "workspace_root": e.root}, grant.ApprovalToken)
	job := e.waitTerminal(t, "exec-1")
	if job.Status != coworker.StatusSucceeded {
		t.Fatalf("execute job failed: %+v", job)
	}

	res, err := e.st.GetResult(context.Background(), "exec-1")
	if err != nil {
		t.Fatalf("GetResult failed: %v", err)
	}
	var out tools.PlanOutcome
	if err := json.Unmarshal(res.Bytes, &out); err != nil {
		t.Fatalf("outcome not JSON: %v", err)
	}
	if out.Applied != 2 || out.Skipped != 0 || len(out.Errors) != 0 {
		t.Fatalf("outcome mismatch: %+v", out)
	}

	// Filesystem reflects the moves; the audit log gained one line per move.
	if _, err := os.Stat(filepath.Join(e.root, "txt", "a.txt")); err != nil {
		t.Fatalf("a.txt not moved: %v", err)
	}
	if _, err := os.Stat(filepath.Join(e.root, "pdf", "b.pdf")); err != nil {
		t.Fatalf("b.pdf not moved: %v", err)
	}
	audit, err := os.ReadFile(filepath.Join(e.root, ".coworker_audit.jsonl"))
	if err != nil {
		t.Fatalf("audit log missing: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(audit)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 audit lines, got %d", len(lines))
	}
	for _, line := range lines {
		if !strings.Contains(line, `"action":"move"`) {
			t.Fatalf("unexpected audit line: %s", line)
		}
	}
}

func TestWorkerTamperedPlanFails(t *testing.T) {
	e := newTestEnv(t)
	writeFiles(t, e.root, map[string]string{"a.txt": "alpha"})
	e.startWorker(t, "w1")

	e.submit(t, "plan-1", "plan", coworker.TypeOrganizePlan,
		map[string]string{"root": e.root, "policy": "by_ext"}, "")
	e.waitTerminal(t, "plan-1")

	grant, err := e.approvals.ApprovePlan(context.Background(), "plan-1", 120)
	if err != nil {
		t.Fatalf("ApprovePlan failed: %v", err)
	}

	// Rewrite the stored plan so a destination changes, keeping the
	// stale embedded hash in place.
	res, err := e.st.GetResult(context.Background(), "plan-1")
	if err != nil {
		t.Fatalf("GetResult failed: %v", err)
	}
	var plan coworker.Plan
	if err := json.Unmarshal(res.Bytes, &plan); err != nil {
		t.Fatalf("plan not decodable: %v", err)
	}
	plan.Moves[0].To = filepath.Join(e.root, "hijacked", "a.txt")
	tampered, _ := json.Marshal(plan)
	if err := e.st.PutResult(context.Background(), "plan-1", tampered, "application/json", clock.NowMS()); err != nil {
		t.Fatalf("PutResult failed: %v", err)
	}

	e.submit(t, "exec-1", "exec", coworker.TypeExecutePlan,
		map[string]string{"plan_job_id": "plan-1", "workspace_root": e.root}, grant.ApprovalToken)
	job := e.waitTerminal(t, "exec-1")
	if job.Status != coworker.StatusFailed {
		t.Fatalf("tampered execute did not fail: %+v", job)
	}
	if job.ErrorMessage == nil || *job.ErrorMessage != "Invalid or expired approval token for this plan" {
		t.Fatalf("error message mismatch: %+v", job.ErrorMessage)
	}
	// No mutation happened.
	if _, err := os.Stat(filepath.Join(e.root, "hijacked")); !os.IsNotExist(err) {
		t.Fatalf("tampered plan was applied")
	}
	if _, err := e.st.GetResult(context.Background(), "exec-1"); err == nil {
		t.Fatalf("failed job stored a result")
	}
}

func TestWorkerMissingApprovalToken(t *testing.T) {
	e := newTestEnv(t)
	e.startWorker(t, "w1")

	e.submit(t, "exec-1", "exec", coworker.TypeExecutePlan,
		map[string]string{"plan_job_id": "plan-1", "workspace_root": e.root}, "")
	job := e.waitTerminal(t, "exec-1")
	if job.Status != coworker.StatusFailed {
		t.Fatalf("expected failure: %+v", job)
	}
	if job.ErrorMessage == nil || *job.ErrorMessage != "Missing approval_token" {
		t.Fatalf("error message mismatch: %v", job.ErrorMessage)
	}
}

func TestWorkerUnsupportedType(t *testing.T) {
	e := newTestEnv(t)
	e.startWorker(t, "w1")

	e.submit(t, "job-1", "weird", coworker.JobType(99), nil, "")
	job := e.waitTerminal(t, "job-1")
	if job.Status != coworker.StatusFailed {
		t.Fatalf("expected failure: %+v", job)
	}
	if job.ErrorMessage == nil || !strings.Contains(*job.ErrorMessage, "Unsupported job type") {
		t.Fatalf("error message mismatch: %v", job.ErrorMessage)
	}
}

func TestWorkerSoftDeleteWithActionApproval(t *testing.T) {
	e := newTestEnv(t)
	writeFiles(t, e.root, map[string]string{"doomed.txt": "bye"})
	target := filepath.Join(e.root, "doomed.txt")
	e.startWorker(t, "w1")

	grant, err := e.approvals.ApproveAction(context.Background(), "soft_delete", target, "", 60)
	if err != nil {
		t.Fatalf("ApproveAction failed: %v", err)
	}

	e.submit(t, "del-1", "del", coworker.TypeSoftDelete,
		map[string]string{"path": target, "workspace_root": e.root}, grant.ApprovalToken)
	job := e.waitTerminal(t, "del-1")
	if job.Status != coworker.StatusSucceeded {
		t.Fatalf("soft delete failed: %+v", job)
	}

	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Fatalf("target still present")
	}
	entries, err := os.ReadDir(filepath.Join(e.root, ".trash"))
	if err != nil || len(entries) != 1 {
		t.Fatalf("trash entry missing: %v %v", err, entries)
	}
	if !strings.HasPrefix(entries[0].Name(), "doomed.txt.") {
		t.Fatalf("trash naming: %s", entries[0].Name())
	}
}

func TestWorkerSoftDeleteRejectsForeignApproval(t *testing.T) {
	e := newTestEnv(t)
	writeFiles(t, e.root, map[string]string{"doomed.txt": "bye", "other.txt": "keep"})
	e.startWorker(t, "w1")

	// Approval minted for a different path.
	grant, err := e.approvals.ApproveAction(context.Background(), "soft_delete", filepath.Join(e.root, "other.txt"), "", 60)
	if err != nil {
		t.Fatalf("ApproveAction failed: %v", err)
	}

	target := filepath.Join(e.root, "doomed.txt")
	e.submit(t, "del-1", "del", coworker.TypeSoftDelete,
		map[string]string{"path": target, "workspace_root": e.root}, grant.ApprovalToken)
	job := e.waitTerminal(t, "del-1")
	if job.Status != coworker.StatusFailed {
		t.Fatalf("foreign approval accepted: %+v", job)
	}
	if job.ErrorMessage == nil || *job.ErrorMessage != "Invalid or expired approval token for this plan" {
		t.Fatalf("error message mismatch: %v", job.ErrorMessage)
	}
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("file was deleted despite rejected approval: %v", err)
	}
}

func TestWorkerReclaimsExpiredLease(t *testing.T) {
	e := newTestEnv(t)
	writeFiles(t, e.root, map[string]string{"a.txt": "x"})

	// Simulate a worker that died mid-handler: the job is RUNNING with a
	// lease that lapses almost immediately.
	e.submit(t, "job-1", "list", coworker.TypeListFiles, map[string]string{"root": e.root}, "")
	now := clock.NowMS()
	ok, err := e.st.ClaimJobLease(context.Background(), "job-1", "dead-worker", 1, now)
	if err != nil || !ok {
		t.Fatalf("seed claim failed: ok=%v err=%v", ok, err)
	}
	time.Sleep(5 * time.Millisecond)

	e.startWorker(t, "w2")
	job := e.waitTerminal(t, "job-1")
	if job.Status != coworker.StatusSucceeded {
		t.Fatalf("reclaimed job failed: %+v", job)
	}
	if job.FinishedAtMS == nil {
		t.Fatalf("finished_at missing after reclaim: %+v", job)
	}
}
