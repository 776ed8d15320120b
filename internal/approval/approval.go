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

// Package approval mints and validates plan-approval tokens. Each token
// binds exactly one (plan_job_id, plan_hash) pair for a bounded TTL;
// validation is a point lookup against the control-plane store.
package approval

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"coworker/internal/clock"
	"coworker/internal/metrics"
	"coworker/pkg/coworker"
)

const (
	// Approval TTLs are clamped to this range.
	minTTLSeconds = 10
	maxTTLSeconds = 3600
)

var (
	// ErrPlanNotFound indicates the referenced plan job does not exist.
	ErrPlanNotFound = errors.New("plan job not found")
	// ErrPlanNotSucceeded indicates the plan job is not in SUCCEEDED state.
	ErrPlanNotSucceeded = errors.New("plan job is not in SUCCEEDED state")
	// ErrResultNotFound indicates the plan job has no stored result.
	ErrResultNotFound = errors.New("plan result not found")
	// ErrUnknownAction indicates an action approval for an unsupported action.
	ErrUnknownAction = errors.New("unknown action")
)

// Store defines the persistence operations the approval service needs.
type Store interface {
	GetJob(ctx context.Context, id string) (*coworker.Job, error)
	GetResult(ctx context.Context, jobID string) (*coworker.Result, error)
	CreateApproval(ctx context.Context, a coworker.Approval) error
	ValidateApproval(ctx context.Context, token, planJobID, planHash string, nowMS int64) (bool, error)
	PurgeExpiredApprovals(ctx context.Context, nowMS int64) error
}

// Grant is the response to a successful mint.
type Grant struct {
	ApprovalToken string `json:"approval_token"`
	PlanJobID     string `json:"plan_job_id"`
	PlanHash      string `json:"plan_hash"`
	TTLSeconds    int    `json:"ttl_seconds"`
}

// Service mints and validates approvals.
type Service struct {
	store Store

	// Now allows tests to control timestamps.
	Now func() int64
}

// New constructs a Service over the given store.
func New(store Store) *Service {
	return &Service{store: store, Now: clock.NowMS}
}

// ApprovePlan mints an approval for a SUCCEEDED ORGANIZE_PLAN job.
// The plan hash is taken from the plan_hash field embedded in the stored
// plan when present, otherwise computed from the canonical encoding.
// Expired approvals are purged before each mint.
func (s *Service) ApprovePlan(ctx context.Context, planJobID string, ttlSeconds int) (*Grant, error) {
	now := s.Now()
	if err := s.store.PurgeExpiredApprovals(ctx, now); err != nil {
		return nil, err
	}

	job, err := s.store.GetJob(ctx, planJobID)
	if err != nil {
		return nil, ErrPlanNotFound
	}
	if job.Status != coworker.StatusSucceeded {
		return nil, ErrPlanNotSucceeded
	}

	res, err := s.store.GetResult(ctx, planJobID)
	if err != nil {
		return nil, ErrResultNotFound
	}

	var plan map[string]any
	if err := json.Unmarshal(res.Bytes, &plan); err != nil {
		return nil, fmt.Errorf("decode plan result: %w", err)
	}
	hash, _ := plan["plan_hash"].(string)
	if hash == "" {
		hash, err = coworker.PlanHash(plan)
		if err != nil {
			return nil, err
		}
	}

	return s.mint(ctx, planJobID, hash, ttlSeconds, now)
}

// ApproveAction mints an approval for a soft_delete or restore job. The
// approval binds the derived plan {action, from, to} under the symbolic
// plan-job id "action:<action>"; the worker re-derives the same plan
// from job parameters and validates through the identical path.
func (s *Service) ApproveAction(ctx context.Context, action, from, to string, ttlSeconds int) (*Grant, error) {
	if action != "soft_delete" && action != "restore" {
		return nil, ErrUnknownAction
	}
	now := s.Now()
	if err := s.store.PurgeExpiredApprovals(ctx, now); err != nil {
		return nil, err
	}

	hash, err := coworker.PlanHash(coworker.ActionPlan{Action: action, From: from, To: to})
	if err != nil {
		return nil, err
	}
	return s.mint(ctx, coworker.ActionPlanID(action), hash, ttlSeconds, now)
}

// Validate reports whether a live approval matches all of (token,
// plan_job_id, plan_hash).
func (s *Service) Validate(ctx context.Context, token, planJobID, planHash string) (bool, error) {
	return s.store.ValidateApproval(ctx, token, planJobID, planHash, s.Now())
}

func (s *Service) mint(ctx context.Context, planJobID, planHash string, ttlSeconds int, nowMS int64) (*Grant, error) {
	token, err := MintToken()
	if err != nil {
		return nil, err
	}
	ttl := clampTTL(ttlSeconds)

	if err := s.store.CreateApproval(ctx, coworker.Approval{
		Token:       token,
		PlanJobID:   planJobID,
		PlanHash:    planHash,
		ExpiresAtMS: nowMS + int64(ttl)*1000,
		CreatedAtMS: nowMS,
	}); err != nil {
		return nil, err
	}
	metrics.IncApprovalMinted()

	return &Grant{
		ApprovalToken: token,
		PlanJobID:     planJobID,
		PlanHash:      planHash,
		TTLSeconds:    ttl,
	}, nil
}

// MintToken returns a cryptographically random 256-bit URL-safe token.
func MintToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("mint token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func clampTTL(ttlSeconds int) int {
	if ttlSeconds < minTTLSeconds {
		return minTTLSeconds
	}
	if ttlSeconds > maxTTLSeconds {
		return maxTTLSeconds
	}
	return ttlSeconds
}
