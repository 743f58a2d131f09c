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
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tombee/baton/pkg/errors"
)

// Compile-time interface assertions.
var _ Store = (*Memory)(nil)

// Memory is an in-process Store. All operations run under one mutex;
// the atomic claim guarantee follows directly.
type Memory struct {
	mu          sync.Mutex
	checkpoints map[string]*Checkpoint
	jobs        map[string]*Job
	items       map[string]*JobItem
	heartbeats  map[string]time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		checkpoints: make(map[string]*Checkpoint),
		jobs:        make(map[string]*Job),
		items:       make(map[string]*JobItem),
		heartbeats:  make(map[string]time.Time),
	}
}

// SaveCheckpoint implements CheckpointStore.
func (m *Memory) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	hash, err := cp.ComputeHash()
	if err != nil {
		return fmt.Errorf("computing checkpoint hash: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	stored := cloneCheckpoint(cp)
	stored.LastResultHash = hash
	stored.UpdatedAt = now

	if prev, ok := m.checkpoints[cp.RunID]; ok {
		stored.CreatedAt = prev.CreatedAt
		if stored.UpdatedAt.Before(prev.UpdatedAt) {
			stored.UpdatedAt = prev.UpdatedAt
		}
	} else {
		stored.CreatedAt = now
	}

	m.checkpoints[cp.RunID] = stored
	cp.LastResultHash = stored.LastResultHash
	cp.CreatedAt = stored.CreatedAt
	cp.UpdatedAt = stored.UpdatedAt
	return nil
}

// LoadCheckpoint implements CheckpointStore.
func (m *Memory) LoadCheckpoint(ctx context.Context, runID string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp, ok := m.checkpoints[runID]
	if !ok {
		return nil, fmt.Errorf("checkpoint %q: %w", runID, ErrNotFound)
	}
	return cloneCheckpoint(cp), nil
}

// DeleteCheckpoint implements CheckpointStore.
func (m *Memory) DeleteCheckpoint(ctx context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkpoints, runID)
	return nil
}

// ListCheckpoints implements CheckpointStore.
func (m *Memory) ListCheckpoints(ctx context.Context, status Status) ([]*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Checkpoint
	for _, cp := range m.checkpoints {
		if status == "" || cp.Status == status {
			out = append(out, cloneCheckpoint(cp))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// CreateJob implements JobStore.
func (m *Memory) CreateJob(ctx context.Context, job *Job, items []*JobItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[job.ID]; exists {
		return &errors.ValidationError{Field: "job_id", Message: fmt.Sprintf("job %q already exists", job.ID)}
	}

	now := time.Now().UTC()
	j := *job
	j.Status = JobStatusRunning
	j.TotalItems = len(items)
	j.CreatedAt = now
	j.UpdatedAt = now
	m.jobs[job.ID] = &j

	for _, item := range items {
		it := *item
		it.JobID = job.ID
		it.Status = ItemStatusPending
		m.items[item.ID] = &it
	}
	return nil
}

// GetJob implements JobStore.
func (m *Memory) GetJob(ctx context.Context, jobID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %q: %w", jobID, ErrNotFound)
	}
	j := *job
	return &j, nil
}

// GetItem implements JobStore.
func (m *Memory) GetItem(ctx context.Context, itemID string) (*JobItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[itemID]
	if !ok {
		return nil, fmt.Errorf("item %q: %w", itemID, ErrNotFound)
	}
	it := *item
	return &it, nil
}

// ClaimNext implements JobStore.
func (m *Memory) ClaimNext(ctx context.Context, jobID, workerID string, now time.Time) (*JobItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidate *JobItem
	for _, item := range m.items {
		if item.JobID != jobID || item.Status != ItemStatusPending {
			continue
		}
		if candidate == nil || item.ItemIndex < candidate.ItemIndex {
			candidate = item
		}
	}
	if candidate == nil {
		return nil, nil
	}

	claimedAt := now.UTC()
	candidate.Status = ItemStatusClaimed
	candidate.WorkerID = workerID
	candidate.ClaimedAt = &claimedAt

	it := *candidate
	return &it, nil
}

// CompleteItem implements JobStore.
func (m *Memory) CompleteItem(ctx context.Context, workerID, itemID string, output map[string]any, costMinor int64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[itemID]
	if !ok {
		return fmt.Errorf("item %q: %w", itemID, ErrNotFound)
	}
	if err := m.checkClaim(item, workerID); err != nil {
		return err
	}

	completedAt := now.UTC()
	item.Status = ItemStatusCompleted
	item.Output = output
	item.CompletedAt = &completedAt

	job := m.jobs[item.JobID]
	job.CompletedItems++
	job.SpentMinor += costMinor
	m.finishJobIfDone(job, now)
	return nil
}

// FailItem implements JobStore.
func (m *Memory) FailItem(ctx context.Context, workerID, itemID, itemErr string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[itemID]
	if !ok {
		return fmt.Errorf("item %q: %w", itemID, ErrNotFound)
	}
	if err := m.checkClaim(item, workerID); err != nil {
		return err
	}

	completedAt := now.UTC()
	item.Status = ItemStatusFailed
	item.Error = itemErr
	item.CompletedAt = &completedAt

	job := m.jobs[item.JobID]
	job.FailedItems++
	m.finishJobIfDone(job, now)
	return nil
}

// checkClaim enforces J1/J2: only the claiming worker may write a
// terminal state, and only while its claim is live.
func (m *Memory) checkClaim(item *JobItem, workerID string) error {
	if item.Status.Terminal() || item.WorkerID != workerID {
		return &errors.ClaimLostError{WorkerID: workerID, ItemID: item.ID}
	}
	return nil
}

func (m *Memory) finishJobIfDone(job *Job, now time.Time) {
	job.UpdatedAt = now.UTC()
	if job.CompletedItems+job.FailedItems < job.TotalItems {
		return
	}
	if job.FailedItems > 0 {
		job.Status = JobStatusFailed
	} else {
		job.Status = JobStatusCompleted
	}
}

// Heartbeat implements JobStore.
func (m *Memory) Heartbeat(ctx context.Context, workerID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeats[workerID] = now.UTC()
	return nil
}

// ReclaimStale implements JobStore.
func (m *Memory) ReclaimStale(ctx context.Context, deadline time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reclaimed := 0
	for _, item := range m.items {
		if item.Status != ItemStatusClaimed && item.Status != ItemStatusRunning {
			continue
		}
		hb, ok := m.heartbeats[item.WorkerID]
		if ok && !hb.Before(deadline) {
			continue
		}
		item.Status = ItemStatusPending
		item.WorkerID = ""
		item.ClaimedAt = nil
		reclaimed++
	}
	return reclaimed, nil
}

// Close implements io.Closer.
func (m *Memory) Close() error {
	return nil
}

func cloneCheckpoint(cp *Checkpoint) *Checkpoint {
	out := *cp
	if cp.StepOutputs != nil {
		outputs := make(map[string]any, len(cp.StepOutputs))
		for k, v := range cp.StepOutputs {
			outputs[k] = v
		}
		out.StepOutputs = outputs
	}
	return &out
}
