// Copyright 2026 The cloudrecovery Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package store persists audit entries to a SQL database. SQLite and
// PostgreSQL are supported.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver ("pgx")
	_ "github.com/mattn/go-sqlite3"    // SQLite driver
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/cloudrecovery/internal/audit"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

const table = "audit_entries"

// AuditStore is an audit.Sink backed by database/sql.
type AuditStore struct {
	db           *sql.DB
	driver       string
	mu           sync.Mutex
	writeTimeout time.Duration
}

// Open connects to dsn with driver and creates the schema.
func Open(ctx context.Context, driver, dsn string) (*AuditStore, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("store dsn cannot be empty")
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	s := New(db, driver)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	log.Infof("audit store initialized (driver: %s)", driver)
	return s, nil
}

// New wraps an open database.
func New(db *sql.DB, driver string) *AuditStore {
	return &AuditStore{db: db, driver: driver, writeTimeout: 5 * time.Second}
}

// Migrate creates the audit table if it does not exist.
func (s *AuditStore) Migrate(ctx context.Context) error {
	id := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == DriverPostgres {
		id = "id BIGSERIAL PRIMARY KEY"
	}
	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		%s,
		ts TIMESTAMP NOT NULL,
		action_type TEXT NOT NULL,
		subject TEXT,
		plan_id TEXT,
		action_id TEXT,
		allowed BOOLEAN NOT NULL,
		risk_level TEXT,
		reason TEXT,
		executed BOOLEAN NOT NULL,
		outcome TEXT,
		actor TEXT,
		details TEXT
	)`, table, id)
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	index := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_ts ON %s (ts)", table, table)
	if _, err := s.db.ExecContext(ctx, index); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

// placeholders returns n bind markers in the driver's syntax.
func (s *AuditStore) placeholders(n int) string {
	marks := make([]string, n)
	for i := range marks {
		if s.driver == DriverPostgres {
			marks[i] = fmt.Sprintf("$%d", i+1)
		} else {
			marks[i] = "?"
		}
	}
	return strings.Join(marks, ", ")
}

// Write implements audit.Sink.
func (s *AuditStore) Write(e audit.Entry) error {
	var details []byte
	if len(e.Details) > 0 {
		var err error
		if details, err = json.Marshal(e.Details); err != nil {
			log.Warnf("failed to marshal audit details: %v", err)
			details = []byte("{}")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()

	query := fmt.Sprintf(`INSERT INTO %s (ts, action_type, subject, plan_id, action_id, allowed, risk_level, reason, executed, outcome, actor, details) VALUES (%s)`,
		table, s.placeholders(12))

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, query,
		e.Timestamp.UTC(),
		e.ActionType,
		e.Subject,
		e.PlanID,
		e.ActionID,
		e.Allowed,
		e.RiskLevel,
		e.Reason,
		e.Executed,
		e.Outcome,
		e.Actor,
		string(details),
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *AuditStore) Recent(ctx context.Context, limit int) ([]audit.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT ts, action_type, subject, plan_id, action_id, allowed, risk_level, reason, executed, outcome, actor, details FROM %s ORDER BY id DESC LIMIT %s`,
		table, s.placeholders(1))

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var e audit.Entry
		var subject, planID, actionID, risk, reason, outcome, actor, details sql.NullString
		if err := rows.Scan(&e.Timestamp, &e.ActionType, &subject, &planID, &actionID, &e.Allowed,
			&risk, &reason, &e.Executed, &outcome, &actor, &details); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Subject, e.PlanID, e.ActionID = subject.String, planID.String, actionID.String
		e.RiskLevel, e.Reason, e.Outcome, e.Actor = risk.String, reason.String, outcome.String, actor.String
		if details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				log.Warnf("failed to unmarshal audit details: %v", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *AuditStore) Close() error {
	return s.db.Close()
}
