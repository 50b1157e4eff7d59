// Copyright 2026 The cloudrecovery Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package main runs the cloudrecovery server: the supervised session, the
// recovery engine and the HTTP API in front of them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/skratchdot/open-golang/open"
	"golang.org/x/net/netutil"

	"github.com/traylinx/cloudrecovery/internal/api"
	"github.com/traylinx/cloudrecovery/internal/app"
	"github.com/traylinx/cloudrecovery/internal/audit"
	"github.com/traylinx/cloudrecovery/internal/buildinfo"
	"github.com/traylinx/cloudrecovery/internal/config"
	"github.com/traylinx/cloudrecovery/internal/logging"
)

var (
	Version           = "dev"
	Commit            = "none"
	BuildDate         = "unknown"
	DefaultConfigPath = "config.yaml"
)

func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	var (
		configPath  string
		openBrowser bool
		showVersion bool
		noWatch     bool
	)
	flag.StringVar(&configPath, "config", DefaultConfigPath, "Configure File Path")
	flag.BoolVar(&openBrowser, "open", false, "Open the server base URL in a browser once listening")
	flag.BoolVar(&noWatch, "no-watch", false, "Do not reload the policy section when the config file changes")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(buildinfo.String())
		return
	}

	// Load environment variables from .env if present.
	if wd, err := os.Getwd(); err == nil {
		if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil && !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	if err := run(configPath, openBrowser, !noWatch); err != nil {
		log.Fatalf("cloudrecovery: %v", err)
	}
}

func run(configPath string, openBrowser, watch bool) error {
	cfg, err := config.LoadConfigOptional(configPath, configPath == DefaultConfigPath)
	if err != nil {
		return err
	}

	logging.SetLevel(cfg.LogLevel)
	if cfg.Debug {
		logging.SetLevel("debug")
	}
	if err = logging.ConfigureLogOutput(cfg.LoggingToFile, cfg.LogDir, 0); err != nil {
		return fmt.Errorf("configure log output: %w", err)
	}
	log.Info(buildinfo.String())

	auditLog, err := audit.InitGlobal(audit.Config{
		Enabled:     cfg.Audit.Enabled,
		LogPath:     cfg.Audit.LogPath,
		MaxSizeMB:   cfg.Audit.MaxSizeMB,
		MaxBackups:  cfg.Audit.MaxBackups,
		MaxAgeDays:  cfg.Audit.MaxAgeDays,
		Compress:    cfg.Audit.Compress,
		HistorySize: cfg.Audit.HistorySize,
	})
	if err != nil {
		return fmt.Errorf("audit log: %w", err)
	}
	defer auditLog.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, app.Options{Audit: auditLog})
	if err != nil {
		return err
	}
	if err = a.Start(ctx); err != nil {
		return err
	}

	if watch {
		if _, statErr := os.Stat(configPath); statErr == nil {
			w := config.NewWatcher(configPath, func(next *config.Config) {
				if errReload := a.Reload(next); errReload != nil {
					log.WithError(errReload).Error("config reload rejected")
				}
			})
			if errWatch := w.Start(); errWatch != nil {
				log.WithError(errWatch).Warn("config watcher not started")
			} else {
				defer w.Stop()
			}
		}
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	if cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, cfg.MaxConnections)
	}

	srv := &http.Server{
		Handler:           api.NewServer(a).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("API server listening on %s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	if openBrowser {
		if errOpen := open.Run(cfg.BaseURL + "/healthz"); errOpen != nil {
			log.WithError(errOpen).Warn("failed to open browser")
		}
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("API server stopped")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if errShutdown := srv.Shutdown(shutdownCtx); errShutdown != nil {
		log.WithError(errShutdown).Warn("API server shutdown")
	}
	a.Close(shutdownCtx)
	return nil
}
