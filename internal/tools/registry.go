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

// Package tools implements the tool handler registry and the builtin
// sandboxed filesystem tools. Handlers are opaque to the scheduler: they
// consume a parameter map and the job's root allow-list and return a
// byte payload plus a content type.
package tools

import (
	"context"
	"fmt"
	"sort"

	"coworker/pkg/coworker"
)

// Handler executes one tool invocation.
type Handler func(ctx context.Context, params map[string]string, roots []string) ([]byte, string, error)

// Spec describes a registered tool.
type Spec struct {
	Name             string
	Type             coworker.JobType
	Params           []string
	RequiresApproval bool

	// Handler is nil for execute_plan: the worker drives plan loading
	// and approval validation itself before applying the plan.
	Handler Handler
}

// Registry maps job type codes to tool specs.
type Registry struct {
	byType map[coworker.JobType]Spec
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[coworker.JobType]Spec)}
}

// Register adds a spec; a duplicate type code is an error.
func (r *Registry) Register(s Spec) error {
	if s.Name == "" {
		return fmt.Errorf("register tool: empty name")
	}
	if _, exists := r.byType[s.Type]; exists {
		return fmt.Errorf("register tool %s: type %d already registered", s.Name, s.Type)
	}
	r.byType[s.Type] = s
	return nil
}

// Lookup returns the spec for a type code.
func (r *Registry) Lookup(t coworker.JobType) (Spec, bool) {
	s, ok := r.byType[t]
	return s, ok
}

// List returns all registered specs ordered by type code.
func (r *Registry) List() []Spec {
	out := make([]Spec, 0, len(r.byType))
	for _, s := range r.byType {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Builtin returns a registry with the core filesystem tools wired to fs.
func Builtin(fs *FS) *Registry {
	r := NewRegistry()
	for _, s := range []Spec{
		{Name: "scan_index", Type: coworker.TypeScanIndex, Params: []string{"root", "hash_files"}, Handler: fs.ScanIndex},
		{Name: "list_files", Type: coworker.TypeListFiles, Params: []string{"root"}, Handler: fs.ListFiles},
		{Name: "read_file", Type: coworker.TypeReadFile, Params: []string{"path", "max_bytes"}, Handler: fs.ReadFile},
		{Name: "organize_plan", Type: coworker.TypeOrganizePlan, Params: []string{"root", "policy"}, Handler: fs.OrganizePlan},
		{Name: "execute_plan", Type: coworker.TypeExecutePlan, Params: []string{"plan_job_id", "workspace_root"}, RequiresApproval: true},
		{Name: "soft_delete", Type: coworker.TypeSoftDelete, Params: []string{"path", "workspace_root"}, RequiresApproval: true, Handler: fs.SoftDelete},
		{Name: "restore", Type: coworker.TypeRestore, Params: []string{"trash_item_path", "restore_to", "workspace_root"}, RequiresApproval: true, Handler: fs.Restore},
		{Name: "search_audit", Type: coworker.TypeSearchAudit, Params: []string{"query", "workspace_root"}, Handler: fs.SearchAudit},
	} {
		if err := r.Register(s); err != nil {
			// Specs above are static; a duplicate is a programming error.
			panic(err)
		}
	}
	return r
}
