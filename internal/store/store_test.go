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
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/baton/pkg/canonical"
	"github.com/tombee/baton/pkg/errors"
)

// forEachStore runs the shared conformance suite against every
// implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemory())
	})

	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "store.db"), WAL: true})
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
}

func TestCheckpoint_SaveAndLoad(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		cp := &Checkpoint{
			RunID:         "run-1",
			WorkflowID:    "wf-1",
			NextStepIndex: 2,
			StepOutputs:   map[string]any{"a": map[string]any{"v": float64(1)}},
			Status:        StatusRunning,
			SpentMinor:    40,
		}
		require.NoError(t, s.SaveCheckpoint(ctx, cp))

		got, err := s.LoadCheckpoint(ctx, "run-1")
		require.NoError(t, err)
		assert.Equal(t, "wf-1", got.WorkflowID)
		assert.Equal(t, 2, got.NextStepIndex)
		assert.Equal(t, StatusRunning, got.Status)
		assert.Equal(t, int64(40), got.SpentMinor)
		assert.Equal(t, cp.StepOutputs, got.StepOutputs)
		assert.False(t, got.CreatedAt.IsZero())
	})
}

func TestCheckpoint_UpsertPreservesCreatedAt(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		cp := &Checkpoint{
			RunID: "run-1", WorkflowID: "wf-1", NextStepIndex: 0,
			StepOutputs: map[string]any{}, Status: StatusRunning,
		}
		require.NoError(t, s.SaveCheckpoint(ctx, cp))

		first, err := s.LoadCheckpoint(ctx, "run-1")
		require.NoError(t, err)

		time.Sleep(10 * time.Millisecond)

		cp.NextStepIndex = 3
		cp.StepOutputs = map[string]any{"a": "done"}
		require.NoError(t, s.SaveCheckpoint(ctx, cp))

		second, err := s.LoadCheckpoint(ctx, "run-1")
		require.NoError(t, err)

		assert.Equal(t, first.CreatedAt, second.CreatedAt, "created_at must never change")
		assert.False(t, second.UpdatedAt.Before(first.UpdatedAt), "updated_at must not move backwards")
		assert.Equal(t, 3, second.NextStepIndex)
	})
}

func TestCheckpoint_HashRecomputedOnSave(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		outputs := map[string]any{"step": map[string]any{"value": float64(42)}}
		cp := &Checkpoint{
			RunID: "run-1", WorkflowID: "wf-1",
			StepOutputs: outputs, Status: StatusRunning,
			LastResultHash: "bogusbogusbogusb", // overwritten by Save
		}
		require.NoError(t, s.SaveCheckpoint(ctx, cp))

		want, err := canonical.HashPrefix(outputs)
		require.NoError(t, err)

		got, err := s.LoadCheckpoint(ctx, "run-1")
		require.NoError(t, err)
		assert.Equal(t, want, got.LastResultHash)
		assert.Len(t, got.LastResultHash, 16)
	})
}

func TestCheckpoint_NotFoundAndDelete(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.LoadCheckpoint(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.SaveCheckpoint(ctx, &Checkpoint{
			RunID: "run-1", WorkflowID: "wf-1", StepOutputs: map[string]any{}, Status: StatusRunning,
		}))
		require.NoError(t, s.DeleteCheckpoint(ctx, "run-1"))
		_, err = s.LoadCheckpoint(ctx, "run-1")
		assert.ErrorIs(t, err, ErrNotFound)

		// Deleting a missing checkpoint is a no-op.
		require.NoError(t, s.DeleteCheckpoint(ctx, "run-1"))
	})
}

func TestCheckpoint_ListByStatus(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i, status := range []Status{StatusRunning, StatusCompleted, StatusRunning} {
			require.NoError(t, s.SaveCheckpoint(ctx, &Checkpoint{
				RunID: fmt.Sprintf("run-%d", i), WorkflowID: "wf",
				StepOutputs: map[string]any{}, Status: status,
			}))
		}

		running, err := s.ListCheckpoints(ctx, StatusRunning)
		require.NoError(t, err)
		assert.Len(t, running, 2)

		all, err := s.ListCheckpoints(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})
}

func makeJob(t *testing.T, s Store, jobID string, n int) {
	t.Helper()
	items := make([]*JobItem, n)
	for i := range items {
		items[i] = &JobItem{
			ID:        fmt.Sprintf("%s-item-%03d", jobID, i),
			ItemIndex: i,
			Input:     map[string]any{"i": float64(i)},
		}
	}
	require.NoError(t, s.CreateJob(context.Background(), &Job{ID: jobID, ReservedMinor: int64(n) * 10}, items))
}

func TestJob_ClaimLowestIndexFirst(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		makeJob(t, s, "job-1", 3)
		now := time.Now()

		for want := 0; want < 3; want++ {
			item, err := s.ClaimNext(ctx, "job-1", "w1", now)
			require.NoError(t, err)
			require.NotNil(t, item)
			assert.Equal(t, want, item.ItemIndex)
			assert.Equal(t, ItemStatusClaimed, item.Status)
			assert.Equal(t, "w1", item.WorkerID)
		}

		item, err := s.ClaimNext(ctx, "job-1", "w1", now)
		require.NoError(t, err)
		assert.Nil(t, item, "exhausted job must return no item")
	})
}

func TestJob_CompleteAndFailRollUp(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		makeJob(t, s, "job-1", 2)
		now := time.Now()

		first, err := s.ClaimNext(ctx, "job-1", "w1", now)
		require.NoError(t, err)
		second, err := s.ClaimNext(ctx, "job-1", "w1", now)
		require.NoError(t, err)

		require.NoError(t, s.CompleteItem(ctx, "w1", first.ID, map[string]any{"ok": true}, 7, now))
		require.NoError(t, s.FailItem(ctx, "w1", second.ID, "boom", now))

		job, err := s.GetJob(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, 1, job.CompletedItems)
		assert.Equal(t, 1, job.FailedItems)
		assert.Equal(t, int64(7), job.SpentMinor)
		assert.Equal(t, JobStatusFailed, job.Status)

		item, err := s.GetItem(ctx, second.ID)
		require.NoError(t, err)
		assert.Equal(t, ItemStatusFailed, item.Status)
		assert.Equal(t, "boom", item.Error)
	})
}

func TestJob_CompleteAfterReclaimIsClaimLost(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		makeJob(t, s, "job-1", 1)

		base := time.Now()
		require.NoError(t, s.Heartbeat(ctx, "w1", base))

		item, err := s.ClaimNext(ctx, "job-1", "w1", base)
		require.NoError(t, err)
		require.NotNil(t, item)

		// w1 goes silent; its claim is reclaimed past the deadline.
		n, err := s.ReclaimStale(ctx, base.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		// The original worker's late completion must be rejected.
		err = s.CompleteItem(ctx, "w1", item.ID, map[string]any{"late": true}, 1, base.Add(2*time.Minute))
		var claimLost *errors.ClaimLostError
		require.ErrorAs(t, err, &claimLost)
		assert.Equal(t, "w1", claimLost.WorkerID)

		// The item is pending again and claimable by another worker.
		require.NoError(t, s.Heartbeat(ctx, "w2", base.Add(2*time.Minute)))
		got, err := s.ClaimNext(ctx, "job-1", "w2", base.Add(2*time.Minute))
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, item.ID, got.ID)
	})
}

func TestJob_ReclaimSparesLiveWorkers(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		makeJob(t, s, "job-1", 2)

		base := time.Now()
		require.NoError(t, s.Heartbeat(ctx, "live", base.Add(time.Minute)))
		require.NoError(t, s.Heartbeat(ctx, "dead", base.Add(-time.Minute)))

		_, err := s.ClaimNext(ctx, "job-1", "live", base)
		require.NoError(t, err)
		_, err = s.ClaimNext(ctx, "job-1", "dead", base)
		require.NoError(t, err)

		n, err := s.ReclaimStale(ctx, base)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "only the dead worker's item is reclaimed")
	})
}

func TestJob_TerminalStateIsFinal(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		makeJob(t, s, "job-1", 1)
		now := time.Now()

		item, err := s.ClaimNext(ctx, "job-1", "w1", now)
		require.NoError(t, err)
		require.NoError(t, s.CompleteItem(ctx, "w1", item.ID, nil, 0, now))

		// A second terminal write, even from the owner, is rejected.
		var claimLost *errors.ClaimLostError
		assert.ErrorAs(t, s.CompleteItem(ctx, "w1", item.ID, nil, 0, now), &claimLost)
		assert.ErrorAs(t, s.FailItem(ctx, "w1", item.ID, "late", now), &claimLost)
	})
}

// TestJob_ContendedClaims drives many workers against one job and
// checks that every item is claimed exactly once.
func TestJob_ContendedClaims(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		const (
			items   = 100
			workers = 20
		)
		ctx := context.Background()
		makeJob(t, s, "job-big", items)

		var (
			mu      sync.Mutex
			claimed = make(map[string]string) // item id -> worker id
		)
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(workerID string) {
				defer wg.Done()
				for {
					item, err := s.ClaimNext(ctx, "job-big", workerID, time.Now())
					if err != nil || item == nil {
						return
					}
					mu.Lock()
					prev, dup := claimed[item.ID]
					claimed[item.ID] = workerID
					mu.Unlock()
					if dup {
						t.Errorf("item %s claimed by both %s and %s", item.ID, prev, workerID)
						return
					}
					if err := s.CompleteItem(ctx, workerID, item.ID, nil, 1, time.Now()); err != nil {
						t.Errorf("complete %s: %v", item.ID, err)
						return
					}
				}
			}(fmt.Sprintf("w%02d", w))
		}
		wg.Wait()

		assert.Len(t, claimed, items)

		job, err := s.GetJob(ctx, "job-big")
		require.NoError(t, err)
		assert.Equal(t, items, job.CompletedItems)
		assert.Equal(t, JobStatusCompleted, job.Status)
		assert.Equal(t, int64(items), job.SpentMinor)
	})
}
