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

// Package middleware provides HTTP hygiene for the control API: security
// headers, optional CORS for local browser clients, and a token-bucket
// rate limit for the unauthenticated handshake endpoint.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

// SecurityHeadersConfig holds configuration for security headers middleware.
type SecurityHeadersConfig struct {
	// EnableCORS enables CORS headers for browser-based clients.
	EnableCORS bool
	// CORSAllowedOrigins is the list of allowed origins (default: *)
	CORSAllowedOrigins []string
	// CORSAllowedMethods is the list of allowed HTTP methods
	CORSAllowedMethods []string
	// CORSAllowedHeaders is the list of allowed request headers
	CORSAllowedHeaders []string
	// CORSMaxAge is the max age for CORS preflight cache
	CORSMaxAge int
}

// DefaultSecurityHeadersConfig returns defaults suitable for a local
// control plane: CORS off, session headers allowed when it is enabled.
func DefaultSecurityHeadersConfig() SecurityHeadersConfig {
	return SecurityHeadersConfig{
		EnableCORS:         false,
		CORSAllowedOrigins: []string{"*"},
		CORSAllowedMethods: []string{"GET", "POST", "OPTIONS"},
		CORSAllowedHeaders: []string{"Content-Type", "X-Coworker-Session", "X-Coworker-Token"},
		CORSMaxAge:         3600,
	}
}

// SecurityHeaders returns middleware that adds security headers to responses:
//   - X-Content-Type-Options: nosniff (prevent MIME sniffing)
//   - X-Frame-Options: DENY (prevent clickjacking)
//   - Referrer-Policy: no-referrer (prevent referrer leakage)
//   - Optional CORS headers when configured
func SecurityHeaders(cfg SecurityHeadersConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "no-referrer")

			if cfg.EnableCORS {
				// Handle preflight OPTIONS request
				if r.Method == http.MethodOptions {
					w.Header().Set("Access-Control-Allow-Origin", strings.Join(cfg.CORSAllowedOrigins, ","))
					w.Header().Set("Access-Control-Allow-Methods", strings.Join(cfg.CORSAllowedMethods, ","))
					w.Header().Set("Access-Control-Allow-Headers", strings.Join(cfg.CORSAllowedHeaders, ","))
					if cfg.CORSMaxAge > 0 {
						w.Header().Set("Access-Control-Max-Age", strconv.Itoa(cfg.CORSMaxAge))
					}
					w.WriteHeader(http.StatusNoContent)
					return
				}

				w.Header().Set("Access-Control-Allow-Origin", strings.Join(cfg.CORSAllowedOrigins, ","))
			}

			next.ServeHTTP(w, r)
		})
	}
}
