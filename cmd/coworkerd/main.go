package main

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

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"coworker/internal/api"
	"coworker/internal/approval"
	"coworker/internal/clock"
	"coworker/internal/logging"
	"coworker/internal/metrics"
	"coworker/internal/middleware"
	"coworker/internal/store"
	"coworker/internal/tools"
	"coworker/internal/worker"
	"coworker/pkg/crypto"
)

// Config holds runtime configuration for the coworker daemon.
// Values can be provided via environment variables and/or flags.
// Flags take precedence over environment variables.
type Config struct {
	HTTPAddr     string        // COWORKER_HTTP_ADDR
	DBPath       string        // COWORKER_DB_PATH
	AllowedRoots string        // COWORKER_ALLOWED_ROOTS (comma-separated)
	SecretKey    string        // COWORKER_SECRET_KEY (do not log value)
	Workers      int           // COWORKER_WORKERS
	LeaseTTL     time.Duration // COWORKER_LEASE_TTL
	EnableCORS   bool          // COWORKER_ENABLE_CORS
	LogLevel     string        // LOG_LEVEL: debug|info|warn|error
}

func defaultConfig() Config {
	return Config{
		HTTPAddr:     ":8080",
		DBPath:       "./coworker_cp.sqlite3",
		AllowedRoots: "",
		SecretKey:    "",
		Workers:      2,
		LeaseTTL:     30 * time.Second,
		EnableCORS:   false,
		LogLevel:     "info",
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// parseConfig builds the Config from env + flags.
// Flags override environment variables.
func parseConfig() Config {
	def := defaultConfig()

	cfg := Config{
		HTTPAddr:     getenv("COWORKER_HTTP_ADDR", def.HTTPAddr),
		DBPath:       getenv("COWORKER_DB_PATH", def.DBPath),
		AllowedRoots: getenv("COWORKER_ALLOWED_ROOTS", def.AllowedRoots),
		SecretKey:    getenv("COWORKER_SECRET_KEY", def.SecretKey),
		Workers:      getenvInt("COWORKER_WORKERS", def.Workers),
		LeaseTTL:     getenvDuration("COWORKER_LEASE_TTL", def.LeaseTTL),
		EnableCORS:   getenvBool("COWORKER_ENABLE_CORS", def.EnableCORS),
		LogLevel:     getenv("LOG_LEVEL", def.LogLevel),
	}

	flag.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "HTTP listen address (env COWORKER_HTTP_ADDR)")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite DB path (env COWORKER_DB_PATH)")
	flag.StringVar(&cfg.AllowedRoots, "allowed-roots", cfg.AllowedRoots, "Comma-separated allowed roots (env COWORKER_ALLOWED_ROOTS)")
	flag.StringVar(&cfg.SecretKey, "secret-key", cfg.SecretKey, "Session token encryption passphrase (env COWORKER_SECRET_KEY)")
	flag.IntVar(&cfg.Workers, "workers", cfg.Workers, "Worker count (env COWORKER_WORKERS)")
	flag.DurationVar(&cfg.LeaseTTL, "lease-ttl", cfg.LeaseTTL, "Job lease TTL (env COWORKER_LEASE_TTL)")
	flag.BoolVar(&cfg.EnableCORS, "enable-cors", cfg.EnableCORS, "Enable CORS for browser clients (env COWORKER_ENABLE_CORS)")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error (env LOG_LEVEL)")

	flag.Parse()
	return cfg
}

// allowedRoots resolves the configured root list; defaults to the
// process working directory.
func allowedRoots(cfg Config) []string {
	var roots []string
	for _, r := range strings.Split(cfg.AllowedRoots, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roots = append(roots, r)
		}
	}
	if len(roots) == 0 {
		if wd, err := os.Getwd(); err == nil {
			roots = []string{wd}
		}
	}
	return roots
}

func redactedSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}

func logConfig(logger *slog.Logger, cfg Config, roots []string) {
	// Do not log secret values
	logger.Info("coworkerd configuration",
		"addr", cfg.HTTPAddr,
		"db", cfg.DBPath,
		"allowed_roots", strings.Join(roots, ","),
		"secret_key", redactedSecret(cfg.SecretKey),
		"workers", cfg.Workers,
		"lease_ttl", cfg.LeaseTTL,
		"enable_cors", cfg.EnableCORS,
		"log_level", cfg.LogLevel,
	)
}

func writeJSON(w http.ResponseWriter, status int, v string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(v))
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, `{"ok":true}`)
}

func newMux(h *api.Handler, limiter *middleware.RateLimiter, secCfg middleware.SecurityHeadersConfig) http.Handler {
	mux := http.NewServeMux()

	inner := http.NewServeMux()
	h.Register(inner)

	// Rate-limit only the unauthenticated handshake; everything else is
	// already gated by the session token.
	mux.Handle("/handshake", limiter.Middleware(inner))
	mux.Handle("/tools", inner)
	mux.Handle("/jobs", inner)
	mux.Handle("/jobs/", inner)
	mux.Handle("/approve", inner)

	mux.HandleFunc("/healthz", healthHandler)
	mux.HandleFunc("/readyz", healthHandler)
	mux.Handle("/metrics", metrics.Handler())

	return middleware.SecurityHeaders(secCfg)(mux)
}

// purgeLoop keeps expired approvals from lingering when no mints happen.
func purgeLoop(ctx context.Context, st *store.Store, logger *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := st.PurgeExpiredApprovals(ctx, clock.NowMS()); err != nil && ctx.Err() == nil {
				logger.Warn("approval purge failed", "error", err)
			}
		}
	}
}

func main() {
	cfg := parseConfig()

	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)

	roots := allowedRoots(cfg)
	logConfig(logger, cfg, roots)

	var enc *crypto.Encryptor
	if cfg.SecretKey != "" {
		var err error
		enc, err = crypto.NewEncryptor(cfg.SecretKey)
		if err != nil {
			logger.Error("failed to initialize encryptor", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("No secret key provided. Session tokens will be stored in plaintext. Use --secret-key or COWORKER_SECRET_KEY environment variable.")
	}

	st, err := store.Open(context.Background(), cfg.DBPath, enc)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// Clear out anything that expired while the process was down.
	if err := st.PurgeExpiredApprovals(context.Background(), clock.NowMS()); err != nil {
		logger.Warn("startup approval purge failed", "error", err)
	}

	fs := tools.NewFS()
	registry := tools.Builtin(fs)
	approvals := approval.New(st)
	handler := api.New(st, approvals, registry, logger)
	handler.DefaultRoots = roots

	workerCtx, workerCancel := context.WithCancel(context.Background())
	for i := 0; i < cfg.Workers; i++ {
		w := worker.New(st, registry, fs, approvals, worker.Config{
			WorkerID: fmt.Sprintf("w%d", i+1),
			LeaseTTL: cfg.LeaseTTL,
		}, log.Default())
		go w.Run(workerCtx)
	}
	go purgeLoop(workerCtx, st, logger)

	limiter := middleware.NewRateLimiter(middleware.DefaultRateLimitConfig())
	defer limiter.Stop()
	secCfg := middleware.DefaultSecurityHeadersConfig()
	secCfg.EnableCORS = cfg.EnableCORS

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newMux(handler, limiter, secCfg),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, initiating graceful shutdown", "signal", sig.String())
	case err := <-errCh:
		logger.Error("server error", "error", err)
	}

	workerCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	} else {
		logger.Info("server stopped gracefully")
	}
}
