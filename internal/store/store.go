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

// Package store provides durable persistence for workflow checkpoints
// and job/claim scheduling state.
//
// # Interface Hierarchy
//
// The package uses interface segregation so components can depend on
// the minimal capability they need:
//
//   - CheckpointStore: save/load/delete resumable run state
//   - JobStore: job and item lifecycle with atomic claims
//   - Store: composite of both plus io.Closer
//
// Two implementations exist: Memory (in-process, test and single-run
// use) and SQLite (durable single-node deployments).
package store

import (
	"context"
	stderrors "errors"
	"io"
	"time"

	"github.com/tombee/baton/pkg/canonical"
)

// ErrNotFound is returned when a checkpoint, job, or item does not
// exist.
var ErrNotFound = stderrors.New("store: not found")

// Status is the persisted lifecycle state of a workflow run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPaused    Status = "paused"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Checkpoint is the durable snapshot a crashed run resumes from.
type Checkpoint struct {
	RunID          string         `json:"run_id"`
	WorkflowID     string         `json:"workflow_id"`
	NextStepIndex  int            `json:"next_step_index"`
	LastResultHash string         `json:"last_result_hash"`
	StepOutputs    map[string]any `json:"step_outputs"`
	Status         Status         `json:"status"`

	// CreatedAt is set on first save and never mutated thereafter.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is monotonically non-decreasing per run id.
	UpdatedAt time.Time `json:"updated_at"`

	// SpentMinor is the run's committed spend, persisted so a resumed
	// run primes its budget accumulator correctly.
	SpentMinor int64 `json:"spent_minor"`
}

// ComputeHash returns the 16-hex-character content hash of the
// checkpoint's step outputs. Save implementations recompute this on
// every write so the stored hash can never drift from the stored
// outputs.
func (c *Checkpoint) ComputeHash() (string, error) {
	return canonical.HashPrefix(c.StepOutputs)
}

// CheckpointStore persists resumable run state, keyed by run id.
type CheckpointStore interface {
	// SaveCheckpoint upserts the checkpoint. The first save fixes
	// created_at; later saves update everything else and leave
	// created_at untouched. The content hash is recomputed from
	// StepOutputs on every save.
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error

	// LoadCheckpoint returns the checkpoint for runID, or ErrNotFound.
	LoadCheckpoint(ctx context.Context, runID string) (*Checkpoint, error)

	// DeleteCheckpoint removes the checkpoint for runID. Deleting a
	// missing checkpoint is a no-op.
	DeleteCheckpoint(ctx context.Context, runID string) error

	// ListCheckpoints returns checkpoints filtered by status; an empty
	// status returns all, newest update first.
	ListCheckpoints(ctx context.Context, status Status) ([]*Checkpoint, error)
}

// JobStatus is the persisted lifecycle state of a batch job.
type JobStatus string

const (
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// ItemStatus is the persisted lifecycle state of one job item.
type ItemStatus string

const (
	ItemStatusPending   ItemStatus = "pending"
	ItemStatusClaimed   ItemStatus = "claimed"
	ItemStatusRunning   ItemStatus = "running"
	ItemStatusCompleted ItemStatus = "completed"
	ItemStatusFailed    ItemStatus = "failed"
)

// Terminal reports whether the item status admits no further
// transitions.
func (s ItemStatus) Terminal() bool {
	return s == ItemStatusCompleted || s == ItemStatusFailed
}

// Job is a batch of items processed by claiming workers.
type Job struct {
	ID string `json:"id"`

	// AgentID scopes the job's ledger reservations.
	AgentID        string    `json:"agent_id,omitempty"`
	Status         JobStatus `json:"status"`
	TotalItems     int       `json:"total_items"`
	CompletedItems int       `json:"completed_items"`
	FailedItems    int       `json:"failed_items"`
	ReservedMinor  int64     `json:"reserved_minor"`
	SpentMinor     int64     `json:"spent_minor"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// JobItem is one unit of work within a job.
type JobItem struct {
	ID          string         `json:"id"`
	JobID       string         `json:"job_id"`
	ItemIndex   int            `json:"item_index"`
	Input       map[string]any `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	WorkerID    string         `json:"worker_id,omitempty"`
	Status      ItemStatus     `json:"status"`
	ClaimedAt   *time.Time     `json:"claimed_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// JobStore persists jobs and items and provides the atomic claim
// primitive the scheduler is built on.
type JobStore interface {
	// CreateJob inserts a job and its items. Item ids must be unique;
	// items start pending.
	CreateJob(ctx context.Context, job *Job, items []*JobItem) error

	// GetJob returns the job, or ErrNotFound.
	GetJob(ctx context.Context, jobID string) (*Job, error)

	// GetItem returns the item, or ErrNotFound.
	GetItem(ctx context.Context, itemID string) (*JobItem, error)

	// ClaimNext atomically claims the pending item with the lowest
	// item_index for jobID on behalf of workerID. At most one worker
	// can hold a non-terminal claim on an item. Returns (nil, nil)
	// when no item is pending.
	ClaimNext(ctx context.Context, jobID, workerID string, now time.Time) (*JobItem, error)

	// CompleteItem marks a claimed item completed with its output and
	// actual cost. If the claim was revoked (reclaimed or claimed by
	// another worker), returns a ClaimLostError and writes nothing.
	CompleteItem(ctx context.Context, workerID, itemID string, output map[string]any, costMinor int64, now time.Time) error

	// FailItem marks a claimed item failed. Same revocation rule as
	// CompleteItem.
	FailItem(ctx context.Context, workerID, itemID, itemErr string, now time.Time) error

	// Heartbeat records that workerID was alive at now.
	Heartbeat(ctx context.Context, workerID string, now time.Time) error

	// ReclaimStale resets claimed or running items whose worker's last
	// heartbeat is older than deadline back to pending, clearing the
	// worker id. Returns the number of items reclaimed.
	ReclaimStale(ctx context.Context, deadline time.Time) (int, error)
}

// Store is the composite interface full-featured backends implement.
type Store interface {
	CheckpointStore
	JobStore
	io.Closer
}
