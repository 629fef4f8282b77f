// SPDX-License-Identifier: LGPL-3.0-or-later

package worker

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"guestkit/gkerr"
	"guestkit/jobproto"
)

// ResultStore persists JobResults atomically as
// "<results>/<job_id>-result.json" and maintains a SQLite side index
// from idempotency_key to job_id, so a repeated submission with the
// same key can short-circuit without invoking a handler (P7).
//
// The schema-init/WAL-mode pattern is adapted from the teacher's
// daemon/store.SQLiteStore, repurposed from a full job-definition
// store to a narrow (idempotency_key) -> job_id index over files that
// already hold the authoritative result.
type ResultStore struct {
	resultsDir string
	db         *sql.DB
}

// OpenResultStore opens (creating if absent) a result store rooted at
// resultsDir, with its idempotency index at indexPath.
func OpenResultStore(resultsDir, indexPath string) (*ResultStore, error) {
	if err := os.MkdirAll(resultsDir, 0o755); err != nil {
		return nil, gkerr.Wrap(gkerr.NotFound, "create results directory", err)
	}

	db, err := sql.Open("sqlite3", indexPath)
	if err != nil {
		return nil, gkerr.Wrap(gkerr.CacheCorrupt, "open idempotency index", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, gkerr.Wrap(gkerr.CacheCorrupt, "enable WAL mode", err)
	}
	schema := `
	CREATE TABLE IF NOT EXISTS idempotency_index (
		idempotency_key TEXT PRIMARY KEY,
		job_id TEXT NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, gkerr.Wrap(gkerr.CacheCorrupt, "init idempotency schema", err)
	}

	return &ResultStore{resultsDir: resultsDir, db: db}, nil
}

func (s *ResultStore) resultPath(jobID string) string {
	return filepath.Join(s.resultsDir, jobID+"-result.json")
}

// Save writes result atomically (write-then-rename) and registers its
// idempotency key if present.
func (s *ResultStore) Save(result *jobproto.JobResult) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return gkerr.Wrap(gkerr.Validation, "marshal job result", err)
	}

	tmp := filepath.Join(s.resultsDir, "."+result.JobID+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return gkerr.Wrap(gkerr.CacheCorrupt, "write temp result file", err)
	}
	if err := os.Rename(tmp, s.resultPath(result.JobID)); err != nil {
		return gkerr.Wrap(gkerr.CacheCorrupt, "rename result file", err)
	}

	key := result.ExecutionSummary.IdempotencyKey
	if key == "" {
		return nil
	}
	if _, err := s.db.Exec(
		"INSERT INTO idempotency_index (idempotency_key, job_id) VALUES (?, ?) ON CONFLICT(idempotency_key) DO UPDATE SET job_id=excluded.job_id",
		key, result.JobID,
	); err != nil {
		return gkerr.Wrap(gkerr.CacheCorrupt, "index idempotency key", err)
	}
	return nil
}

// Lookup returns the cached result for idempotency key, if one exists
// and its result file still completed successfully.
func (s *ResultStore) Lookup(idempotencyKey string) (*jobproto.JobResult, bool, error) {
	if idempotencyKey == "" {
		return nil, false, nil
	}

	var jobID string
	err := s.db.QueryRow("SELECT job_id FROM idempotency_index WHERE idempotency_key = ?", idempotencyKey).Scan(&jobID)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, gkerr.Wrap(gkerr.CacheCorrupt, "query idempotency index", err)
	}

	data, err := os.ReadFile(s.resultPath(jobID))
	if err != nil {
		return nil, false, nil
	}
	var result jobproto.JobResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, false, gkerr.Wrap(gkerr.CacheCorrupt, "decode cached result", err)
	}
	if result.Status != jobproto.StatusCompleted {
		return nil, false, nil
	}
	return &result, true, nil
}

// Close closes the underlying index database.
func (s *ResultStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
