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

package tools

import (
	"fmt"
	"os"
	"path/filepath"

	"coworker/internal/sandbox"
	"coworker/pkg/coworker"
)

// auditFileName is the append-only JSONL mutation log kept at the top of
// each workspace. The core never truncates it.
const auditFileName = ".coworker_audit.jsonl"

type auditEvent struct {
	Action   string `json:"action"`
	From     string `json:"from"`
	To       string `json:"to"`
	TsUnixMS int64  `json:"ts_unix_ms"`
}

// appendAudit writes one canonical-JSON event line to the workspace audit
// file. The audit path itself is sandbox-checked; the file is opened
// per write in append mode.
func (f *FS) appendAudit(roots []string, workspaceRoot, action, from, to string) error {
	auditPath := filepath.Join(workspaceRoot, auditFileName)
	if _, err := sandbox.EnforceWithinRoots(auditPath, roots); err != nil {
		return err
	}

	line, err := coworker.CanonicalJSON(auditEvent{
		Action:   action,
		From:     from,
		To:       to,
		TsUnixMS: f.Now(),
	})
	if err != nil {
		return fmt.Errorf("audit event: %w", err)
	}

	fh, err := os.OpenFile(auditPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer fh.Close()

	if _, err := fh.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}
