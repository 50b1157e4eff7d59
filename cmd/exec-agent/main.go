// Copyright 2026 The cloudrecovery Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command exec-agent runs recovery commands on a host on behalf of a
// cloudrecovery server using the remote executor. Every command is checked
// again with the local safety policy before it runs.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/cloudrecovery/internal/app"
	"github.com/traylinx/cloudrecovery/internal/buildinfo"
	"github.com/traylinx/cloudrecovery/internal/config"
	"github.com/traylinx/cloudrecovery/internal/logging"
	"github.com/traylinx/cloudrecovery/internal/policy"
	"github.com/traylinx/cloudrecovery/internal/recovery"
)

const (
	defaultAddr    = "127.0.0.1:18888"
	maxRequestBody = 64 << 10
	maxTimeout     = 30 * time.Minute
)

type agent struct {
	safety  *policy.SafetyPolicy
	exec    recovery.Executor
	timeout time.Duration
}

func main() {
	logging.SetupBaseLogger()

	listenAddr := flag.String("listen-address", defaultAddr, "Address to listen on")
	configPath := flag.String("config", "", "Optional server config file; its policy section is enforced here too")
	flag.Parse()

	secret := os.Getenv(config.EnvExecSecret)
	if secret == "" {
		log.Fatalf("%s environment variable must be set", config.EnvExecSecret)
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		cfg = loaded
	}
	logging.SetLevel(cfg.LogLevel)

	opts, err := app.SafetyOptions(cfg.Policy)
	if err != nil {
		log.Fatalf("policy: %v", err)
	}
	safety, err := policy.NewSafetyPolicy(opts, &policy.EmergencyStop{})
	if err != nil {
		log.Fatalf("policy: %v", err)
	}

	a := &agent{
		safety:  safety,
		exec:    recovery.ShellExecutor{Dir: cfg.Session.WorkDir},
		timeout: time.Duration(cfg.Recovery.DefaultTimeoutSeconds) * time.Second,
	}

	mux := http.NewServeMux()
	mux.Handle("/run", authMiddleware(secret, http.HandlerFunc(a.handleRun)))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": buildinfo.Version})
	})

	srv := &http.Server{Addr: *listenAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	log.Infof("exec agent listening on %s", *listenAddr)
	log.Fatal(srv.ListenAndServe())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("failed to encode response")
	}
}

func (a *agent) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req recovery.ExecRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		http.Error(w, "Invalid request: command is required", http.StatusBadRequest)
		return
	}

	d := a.safety.Check(req.Command)
	if !d.Allowed {
		log.WithFields(log.Fields{"rule": d.Rule, "level": d.Level}).Warnf("security block: %s", d.Reason)
		writeJSON(w, http.StatusForbidden, recovery.ExecResponse{ExitCode: -1, Error: d.Reason, Decision: d.Rule})
		return
	}

	timeout := a.timeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	if timeout <= 0 || timeout > maxTimeout {
		timeout = maxTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	log.WithField("level", d.Level).Infof("executing: %s", d.Normalized)
	out, err := a.exec.Run(ctx, d.Normalized)
	resp := recovery.ExecResponse{Stdout: out, Decision: d.Rule}
	if err != nil {
		resp.Error = err.Error()
		resp.ExitCode = 1
		if errors.Is(err, context.DeadlineExceeded) {
			resp.ExitCode = 124
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func authMiddleware(secret string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		token, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || !config.MatchSecret(secret, token) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
