// Copyright 2025 The depotfs Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package catalog

import (
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"

	_ "github.com/tursodatabase/go-libsql"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

const SchemaVersion = "1"

// Default busy_timeout in milliseconds (30 seconds)
const DefaultBusyTimeout = 30000

// EnvBusyTimeout overrides the SQLite busy_timeout for all connections.
const EnvBusyTimeout = "DEPOTFS_BUSY_TIMEOUT"

// GetBusyTimeout returns the busy_timeout value, env override first.
func GetBusyTimeout() int {
	if val := os.Getenv(EnvBusyTimeout); val != "" {
		if timeout, err := strconv.Atoi(val); err == nil && timeout > 0 {
			return timeout
		}
	}
	return DefaultBusyTimeout
}

// BuildDSN builds the SQLite DSN for the catalog file.
func BuildDSN(path string) string {
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d",
		path, GetBusyTimeout())
}

const schema = `
-- Schema version tracking
CREATE TABLE IF NOT EXISTS schema_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- One row per live path; authoritative for managed-content existence
CREATE TABLE IF NOT EXISTS file_entries (
    id TEXT PRIMARY KEY,
    metadata_id TEXT NOT NULL,
    path TEXT NOT NULL UNIQUE,
    parent_path TEXT NOT NULL,
    is_directory INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_file_entries_parent ON file_entries(parent_path);
CREATE INDEX IF NOT EXISTS idx_file_entries_metadata ON file_entries(metadata_id);

-- One row per content blob
CREATE TABLE IF NOT EXISTS metadata_entries (
    id TEXT PRIMARY KEY,
    suffix TEXT,
    size INTEGER NOT NULL DEFAULT 0,
    internet_media_type TEXT NOT NULL,
    is_video INTEGER NOT NULL DEFAULT 0,
    is_image INTEGER NOT NULL DEFAULT 0,
    data BLOB,
    created_at INTEGER NOT NULL
);

-- Short-lived mutual-exclusion leases keyed by path
CREATE TABLE IF NOT EXISTS path_locks (
    id TEXT PRIMARY KEY,
    path TEXT NOT NULL UNIQUE
);

-- Deferred post-processing work
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    metadata_id TEXT NOT NULL,
    path TEXT NOT NULL,
    added_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_type ON tasks(type);

-- Classification labels
CREATE TABLE IF NOT EXISTS tags (
    id TEXT PRIMARY KEY,
    metadata_id TEXT NOT NULL,
    label TEXT NOT NULL,
    score REAL NOT NULL DEFAULT 0,
    source TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tags_metadata ON tags(metadata_id);
`

const initSchema = `
INSERT OR IGNORE INTO schema_info (key, value) VALUES ('version', ?);
INSERT OR IGNORE INTO schema_info (key, value) VALUES ('created_at', datetime('now'));

-- Stale locks from a previous crash must not outlive the process
DELETE FROM path_locks;
`

// execPragma runs a PRAGMA statement using Query (not Exec) because libsql
// returns rows for PRAGMA statements. The result rows are drained and closed.
func execPragma(db *sql.DB, pragma string) error {
	rows, err := db.Query(pragma)
	if err != nil {
		return err
	}
	rows.Close()
	return nil
}

// applyPragmas sets essential PRAGMAs after opening a libsql connection.
// libsql ignores DSN-based _pragma=value parameters, so all PRAGMAs must be
// set explicitly via SQL statements after the connection is opened.
func applyPragmas(db *sql.DB) error {
	// Busy timeout MUST be set first so journal_mode=WAL (which needs
	// exclusive access) waits for locks instead of failing immediately.
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", GetBusyTimeout()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if err := execPragma(db, p); err != nil {
			return fmt.Errorf("apply %q: %w", p, err)
		}
	}
	return nil
}

// Open opens (creating if needed) the catalog database at path and returns
// a Bun handle with the schema bootstrapped.
func Open(path string) (*bun.DB, error) {
	sqlDB, err := sql.Open("libsql", BuildDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", path, err)
	}
	// Single connection keeps the PRAGMAs effective for every query and
	// serializes writers ahead of SQLite's own locking.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	if err := applyPragmas(sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}
	// Execute statements individually for libsql compatibility
	if err := execStatements(sqlDB, schema); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	if err := execStatements(sqlDB, initSchema, SchemaVersion); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return bun.NewDB(sqlDB, sqlitedialect.New()), nil
}

// execStatements executes multiple SQL statements separated by semicolons.
// libsql driver doesn't support multi-statement Exec, so we split and execute
// individually.
func execStatements(db *sql.DB, sqlScript string, args ...interface{}) error {
	statements := splitStatements(sqlScript)
	argIdx := 0
	for _, stmt := range statements {
		if stmt == "" {
			continue
		}
		placeholders := strings.Count(stmt, "?")
		stmtArgs := args[argIdx : argIdx+placeholders]
		argIdx += placeholders
		if _, err := db.Exec(stmt, stmtArgs...); err != nil {
			return err
		}
	}
	return nil
}

// splitStatements splits a SQL script into individual statements
func splitStatements(script string) []string {
	var statements []string
	var current strings.Builder

	lines := strings.Split(script, "\n")
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			statements = append(statements, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}
	if current.Len() > 0 {
		stmt := strings.TrimSpace(current.String())
		if stmt != "" {
			statements = append(statements, stmt)
		}
	}
	return statements
}
