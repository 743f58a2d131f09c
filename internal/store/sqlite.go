// Copyright 2025 Tom Barlow
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

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/baton/pkg/errors"
)

// Compile-time interface assertions.
var _ Store = (*SQLite)(nil)

// SQLite is a durable single-node Store backed by modernc.org/sqlite.
type SQLite struct {
	db *sql.DB
}

// SQLiteConfig contains SQLite connection configuration.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// NewSQLite opens (creating if necessary) the database at cfg.Path and
// runs migrations.
func NewSQLite(cfg SQLiteConfig) (*SQLite, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes; a single connection avoids lock churn.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *SQLite) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workflow_checkpoints (
			run_id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			next_step_index INTEGER NOT NULL,
			last_result_hash TEXT NOT NULL,
			step_outputs_json TEXT NOT NULL,
			status TEXT NOT NULL,
			spent_minor INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_status ON workflow_checkpoints(status)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			total_items INTEGER NOT NULL,
			completed_items INTEGER NOT NULL DEFAULT 0,
			failed_items INTEGER NOT NULL DEFAULT 0,
			reserved_minor INTEGER NOT NULL DEFAULT 0,
			spent_minor INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS job_items (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			item_index INTEGER NOT NULL,
			input_json TEXT,
			output_json TEXT,
			worker_id TEXT,
			status TEXT NOT NULL,
			claimed_at TEXT,
			completed_at TEXT,
			error_text TEXT,
			FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_items_pending
			ON job_items(job_id, item_index) WHERE status = 'pending'`,
		`CREATE TABLE IF NOT EXISTS worker_heartbeats (
			worker_id TEXT PRIMARY KEY,
			last_heartbeat TEXT NOT NULL
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// SaveCheckpoint implements CheckpointStore. The upsert never touches
// created_at after the first insert, and updated_at never moves
// backwards.
func (s *SQLite) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	hash, err := cp.ComputeHash()
	if err != nil {
		return fmt.Errorf("computing checkpoint hash: %w", err)
	}

	outputsJSON, err := json.Marshal(cp.StepOutputs)
	if err != nil {
		return fmt.Errorf("failed to marshal step outputs: %w", err)
	}

	now := time.Now().UTC()
	query := `
		INSERT INTO workflow_checkpoints
			(run_id, workflow_id, next_step_index, last_result_hash, step_outputs_json, status, spent_minor, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			workflow_id = excluded.workflow_id,
			next_step_index = excluded.next_step_index,
			last_result_hash = excluded.last_result_hash,
			step_outputs_json = excluded.step_outputs_json,
			status = excluded.status,
			spent_minor = excluded.spent_minor,
			updated_at = MAX(workflow_checkpoints.updated_at, excluded.updated_at)
	`
	_, err = s.db.ExecContext(ctx, query,
		cp.RunID, cp.WorkflowID, cp.NextStepIndex, hash, string(outputsJSON),
		string(cp.Status), cp.SpentMinor, formatTime(now), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	cp.LastResultHash = hash
	return nil
}

// LoadCheckpoint implements CheckpointStore.
func (s *SQLite) LoadCheckpoint(ctx context.Context, runID string) (*Checkpoint, error) {
	query := `
		SELECT run_id, workflow_id, next_step_index, last_result_hash, step_outputs_json, status, spent_minor, created_at, updated_at
		FROM workflow_checkpoints WHERE run_id = ?
	`
	cp, err := scanCheckpoint(s.db.QueryRowContext(ctx, query, runID))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint %q: %w", runID, ErrNotFound)
	}
	return cp, err
}

// DeleteCheckpoint implements CheckpointStore.
func (s *SQLite) DeleteCheckpoint(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM workflow_checkpoints WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// ListCheckpoints implements CheckpointStore.
func (s *SQLite) ListCheckpoints(ctx context.Context, status Status) ([]*Checkpoint, error) {
	query := `
		SELECT run_id, workflow_id, next_step_index, last_result_hash, step_outputs_json, status, spent_minor, created_at, updated_at
		FROM workflow_checkpoints
	`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (*Checkpoint, error) {
	var (
		cp          Checkpoint
		outputsJSON string
		status      string
		createdAt   string
		updatedAt   string
	)
	err := row.Scan(&cp.RunID, &cp.WorkflowID, &cp.NextStepIndex, &cp.LastResultHash,
		&outputsJSON, &status, &cp.SpentMinor, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(outputsJSON), &cp.StepOutputs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal step outputs: %w", err)
	}
	cp.Status = Status(status)
	if cp.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if cp.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &cp, nil
}

// CreateJob implements JobStore. The job row and all item rows are
// written in one transaction.
func (s *SQLite) CreateJob(ctx context.Context, job *Job, items []*JobItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, agent_id, status, total_items, completed_items, failed_items, reserved_minor, spent_minor, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, 0, ?, 0, ?, ?)
	`, job.ID, job.AgentID, string(JobStatusRunning), len(items), job.ReservedMinor, formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	for _, item := range items {
		inputJSON, err := json.Marshal(item.Input)
		if err != nil {
			return fmt.Errorf("failed to marshal item input: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO job_items (id, job_id, item_index, input_json, status)
			VALUES (?, ?, ?, ?, ?)
		`, item.ID, job.ID, item.ItemIndex, string(inputJSON), string(ItemStatusPending))
		if err != nil {
			return fmt.Errorf("failed to create job item: %w", err)
		}
	}
	return tx.Commit()
}

// GetJob implements JobStore.
func (s *SQLite) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var (
		job       Job
		status    string
		createdAt string
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, status, total_items, completed_items, failed_items, reserved_minor, spent_minor, created_at, updated_at
		FROM jobs WHERE id = ?
	`, jobID).Scan(&job.ID, &job.AgentID, &status, &job.TotalItems, &job.CompletedItems, &job.FailedItems,
		&job.ReservedMinor, &job.SpentMinor, &createdAt, &updatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %q: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	job.Status = JobStatus(status)
	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if job.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &job, nil
}

// GetItem implements JobStore.
func (s *SQLite) GetItem(ctx context.Context, itemID string) (*JobItem, error) {
	item, err := scanItem(s.db.QueryRowContext(ctx, `
		SELECT id, job_id, item_index, input_json, output_json, worker_id, status, claimed_at, completed_at, error_text
		FROM job_items WHERE id = ?
	`, itemID))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("item %q: %w", itemID, ErrNotFound)
	}
	return item, err
}

// ClaimNext implements JobStore. The claim is a single UPDATE guarded
// by a status predicate, so under SQLite's serialized writes at most
// one worker can win any given item.
func (s *SQLite) ClaimNext(ctx context.Context, jobID, workerID string, now time.Time) (*JobItem, error) {
	query := `
		UPDATE job_items
		SET status = ?, worker_id = ?, claimed_at = ?
		WHERE id = (
			SELECT id FROM job_items
			WHERE job_id = ? AND status = 'pending'
			ORDER BY item_index ASC
			LIMIT 1
		) AND status = 'pending'
		RETURNING id, job_id, item_index, input_json, output_json, worker_id, status, claimed_at, completed_at, error_text
	`
	item, err := scanItem(s.db.QueryRowContext(ctx, query,
		string(ItemStatusClaimed), workerID, formatTime(now.UTC()), jobID))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim item: %w", err)
	}
	return item, nil
}

// CompleteItem implements JobStore.
func (s *SQLite) CompleteItem(ctx context.Context, workerID, itemID string, output map[string]any, costMinor int64, now time.Time) error {
	outputJSON, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("failed to marshal item output: %w", err)
	}

	return s.finishItem(ctx, workerID, itemID, func(tx *sql.Tx) (bool, error) {
		res, err := tx.ExecContext(ctx, `
			UPDATE job_items
			SET status = ?, output_json = ?, completed_at = ?
			WHERE id = ? AND worker_id = ? AND status IN ('claimed', 'running')
		`, string(ItemStatusCompleted), string(outputJSON), formatTime(now), itemID, workerID)
		if err != nil {
			return false, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return false, nil
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET completed_items = completed_items + 1, spent_minor = spent_minor + ?, updated_at = ?
			WHERE id = (SELECT job_id FROM job_items WHERE id = ?)
		`, costMinor, formatTime(now), itemID)
		return true, err
	})
}

// FailItem implements JobStore.
func (s *SQLite) FailItem(ctx context.Context, workerID, itemID, itemErr string, now time.Time) error {
	return s.finishItem(ctx, workerID, itemID, func(tx *sql.Tx) (bool, error) {
		res, err := tx.ExecContext(ctx, `
			UPDATE job_items
			SET status = ?, error_text = ?, completed_at = ?
			WHERE id = ? AND worker_id = ? AND status IN ('claimed', 'running')
		`, string(ItemStatusFailed), itemErr, formatTime(now), itemID, workerID)
		if err != nil {
			return false, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return false, nil
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET failed_items = failed_items + 1, updated_at = ?
			WHERE id = (SELECT job_id FROM job_items WHERE id = ?)
		`, formatTime(now), itemID)
		return true, err
	})
}

// finishItem runs the guarded terminal write in a transaction and maps
// a zero-row update to ClaimLostError. The job status rollup runs in
// the same transaction.
func (s *SQLite) finishItem(ctx context.Context, workerID, itemID string, write func(tx *sql.Tx) (bool, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	claimed, err := write(tx)
	if err != nil {
		return fmt.Errorf("failed to finish item: %w", err)
	}
	if !claimed {
		return &errors.ClaimLostError{WorkerID: workerID, ItemID: itemID}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET status = CASE WHEN failed_items > 0 THEN 'failed' ELSE 'completed' END
		WHERE id = (SELECT job_id FROM job_items WHERE id = ?)
		AND completed_items + failed_items >= total_items
	`, itemID)
	if err != nil {
		return fmt.Errorf("failed to roll up job status: %w", err)
	}
	return tx.Commit()
}

// Heartbeat implements JobStore.
func (s *SQLite) Heartbeat(ctx context.Context, workerID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_heartbeats (worker_id, last_heartbeat) VALUES (?, ?)
		ON CONFLICT (worker_id) DO UPDATE SET last_heartbeat = excluded.last_heartbeat
	`, workerID, formatTime(now.UTC()))
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	return nil
}

// ReclaimStale implements JobStore. Items owned by workers with no
// heartbeat at all are also reclaimed.
func (s *SQLite) ReclaimStale(ctx context.Context, deadline time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_items
		SET status = 'pending', worker_id = NULL, claimed_at = NULL
		WHERE status IN ('claimed', 'running') AND id IN (
			SELECT ji.id FROM job_items ji
			LEFT JOIN worker_heartbeats wh ON wh.worker_id = ji.worker_id
			WHERE ji.status IN ('claimed', 'running')
			AND (wh.last_heartbeat IS NULL OR wh.last_heartbeat < ?)
		)
	`, formatTime(deadline.UTC()))
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale items: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Close implements io.Closer.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func scanItem(row rowScanner) (*JobItem, error) {
	var (
		item        JobItem
		inputJSON   sql.NullString
		outputJSON  sql.NullString
		workerID    sql.NullString
		status      string
		claimedAt   sql.NullString
		completedAt sql.NullString
		errorText   sql.NullString
	)
	err := row.Scan(&item.ID, &item.JobID, &item.ItemIndex, &inputJSON, &outputJSON,
		&workerID, &status, &claimedAt, &completedAt, &errorText)
	if err != nil {
		return nil, err
	}

	if inputJSON.Valid && inputJSON.String != "" {
		if err := json.Unmarshal([]byte(inputJSON.String), &item.Input); err != nil {
			return nil, fmt.Errorf("failed to unmarshal item input: %w", err)
		}
	}
	if outputJSON.Valid && outputJSON.String != "" {
		if err := json.Unmarshal([]byte(outputJSON.String), &item.Output); err != nil {
			return nil, fmt.Errorf("failed to unmarshal item output: %w", err)
		}
	}
	item.WorkerID = workerID.String
	item.Status = ItemStatus(status)
	item.Error = errorText.String

	if claimedAt.Valid {
		t, err := parseTime(claimedAt.String)
		if err != nil {
			return nil, err
		}
		item.ClaimedAt = &t
	}
	if completedAt.Valid {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return nil, err
		}
		item.CompletedAt = &t
	}
	return &item, nil
}

// timeLayout is fixed-width so stored timestamps compare correctly as
// strings (MAX() in the checkpoint upsert, the reclaim deadline).
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse stored time %q: %w", s, err)
	}
	return t, nil
}
