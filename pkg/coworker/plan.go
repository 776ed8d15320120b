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

package coworker

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Move is a single planned rename.
type Move struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Plan is the output of an organize_plan job. Hash is the hex SHA-256
// of the plan's canonical encoding and is embedded when the plan is
// produced; executors recompute it from content rather than trusting
// the embedded value.
type Plan struct {
	Policy string `json:"policy"`
	Count  int    `json:"count"`
	Moves  []Move `json:"moves"`
	Hash   string `json:"plan_hash,omitempty"`
}

// ActionPlan is the trivially-derived plan an approval binds for
// soft_delete and restore jobs. For soft_delete To is empty: the trash
// destination embeds a timestamp unknown at approval time.
type ActionPlan struct {
	Action string `json:"action"`
	From   string `json:"from"`
	To     string `json:"to"`
}

// ActionPlanID returns the symbolic plan-job id an action approval is
// stored under.
func ActionPlanID(action string) string { return "action:" + action }

// CanonicalJSON returns the canonical encoding of v: JSON with sorted
// object keys and no whitespace separators. The value is round-tripped
// through a generic decode so struct field order does not leak into the
// encoding.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return out, nil
}

// PlanHash computes the hex SHA-256 of v's canonical encoding with any
// top-level "plan_hash" member removed, so that embedding the hash in
// the plan does not change the plan's identity.
func PlanHash(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("plan hash: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("plan hash: %w", err)
	}
	if obj, ok := generic.(map[string]any); ok {
		delete(obj, "plan_hash")
	}
	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("plan hash: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
