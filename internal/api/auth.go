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

package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"

	"coworker/internal/store"
)

// Session/token headers checked on every control call but /handshake.
const (
	SessionHeader = "X-Coworker-Session"
	TokenHeader   = "X-Coworker-Token"
)

type ctxKey int

const sessionKey ctxKey = 1

// SessionFromContext returns the authenticated session id, if any.
func SessionFromContext(ctx context.Context) (string, bool) {
	if v := ctx.Value(sessionKey); v != nil {
		if id, ok := v.(string); ok {
			return id, true
		}
	}
	return "", false
}

// requireSession enforces the per-session bearer token: 401 when either
// header is missing, 403 when the token does not match the session's.
func (h *Handler) requireSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.Header.Get(SessionHeader)
		token := r.Header.Get(TokenHeader)
		if sessionID == "" || token == "" {
			writeJSON(w, http.StatusUnauthorized, jsonError{Error: "unauthorized", Message: "Missing session or token"})
			return
		}

		expected, err := h.store.GetSessionToken(r.Context(), sessionID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeJSON(w, http.StatusForbidden, jsonError{Error: "forbidden", Message: "Invalid token"})
				return
			}
			h.logger.Error("failed to load session", "session_id", sessionID, "error", err)
			writeJSON(w, http.StatusInternalServerError, jsonError{Error: "server_error", Message: "internal error"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(token)) != 1 {
			writeJSON(w, http.StatusForbidden, jsonError{Error: "forbidden", Message: "Invalid token"})
			return
		}

		ctx := context.WithValue(r.Context(), sessionKey, sessionID)
		next(w, r.WithContext(ctx))
	}
}
