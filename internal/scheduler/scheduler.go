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

// Package scheduler coordinates batch jobs: item claims under mutual
// exclusion, worker heartbeats, stale-claim reclamation, and the
// ledger reservations that bracket each item's cost.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/baton/internal/log"
	"github.com/tombee/baton/internal/metrics"
	"github.com/tombee/baton/internal/store"
	"github.com/tombee/baton/pkg/errors"
	"github.com/tombee/baton/pkg/ledger"
)

// DefaultHeartbeatTTL is how long a worker may go silent before its
// claims become eligible for reclamation.
const DefaultHeartbeatTTL = 60 * time.Second

// Scheduler drives job and item lifecycle over a JobStore, settling
// and refunding item reservations against the ledger.
type Scheduler struct {
	store        store.JobStore
	ledger       ledger.Ledger
	logger       *slog.Logger
	heartbeatTTL time.Duration
	now          func() time.Time
}

// Config configures a Scheduler.
type Config struct {
	Store  store.JobStore
	Ledger ledger.Ledger
	Logger *slog.Logger

	// HeartbeatTTL overrides DefaultHeartbeatTTL when positive.
	HeartbeatTTL time.Duration
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.HeartbeatTTL
	if ttl <= 0 {
		ttl = DefaultHeartbeatTTL
	}
	return &Scheduler{
		store:        cfg.Store,
		ledger:       cfg.Ledger,
		logger:       logger,
		heartbeatTTL: ttl,
		now:          time.Now,
	}
}

// WithClock overrides the scheduler's clock for tests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// reservationID is the ledger key for one item's hold. Using the item
// id makes settle idempotent per item.
func reservationID(jobID, itemID string) string {
	return jobID + "/" + itemID
}

// CreateJob reserves len(items) * perItemMinor against agentID and
// inserts the job with one pending item per input. A denied
// reservation fails the whole creation; partially placed holds are
// refunded.
func (s *Scheduler) CreateJob(ctx context.Context, jobID, agentID string, inputs []map[string]any, perItemMinor int64) (*store.Job, error) {
	if jobID == "" {
		jobID = uuid.NewString()
	}
	if len(inputs) == 0 {
		return nil, &errors.ValidationError{Field: "items", Message: "job has no items"}
	}

	items := make([]*store.JobItem, len(inputs))
	for i, input := range inputs {
		items[i] = &store.JobItem{
			ID:        fmt.Sprintf("%s-%04d", jobID, i),
			JobID:     jobID,
			ItemIndex: i,
			Input:     input,
		}
	}

	var placed []string
	for _, item := range items {
		resID := reservationID(jobID, item.ID)
		if err := s.ledger.Reserve(ctx, agentID, resID, perItemMinor); err != nil {
			for _, id := range placed {
				if rerr := s.ledger.Refund(ctx, agentID, id); rerr != nil {
					s.logger.Error("refund after failed job reservation",
						"job_id", jobID, "reservation_id", id, "error", rerr)
				}
			}
			return nil, fmt.Errorf("reserving budget for job %s: %w", jobID, err)
		}
		placed = append(placed, resID)
	}

	job := &store.Job{
		ID:            jobID,
		AgentID:       agentID,
		ReservedMinor: int64(len(items)) * perItemMinor,
	}
	if err := s.store.CreateJob(ctx, job, items); err != nil {
		for _, id := range placed {
			if rerr := s.ledger.Refund(ctx, agentID, id); rerr != nil {
				s.logger.Error("refund after failed job insert",
					"job_id", jobID, "reservation_id", id, "error", rerr)
			}
		}
		return nil, err
	}

	s.logger.Info("job created",
		"job_id", jobID, "items", len(items), "reserved_minor", job.ReservedMinor)
	return job, nil
}

// ClaimNext claims the lowest-index pending item for the worker, or
// returns nil when the job is drained.
func (s *Scheduler) ClaimNext(ctx context.Context, jobID, workerID string) (*store.JobItem, error) {
	item, err := s.store.ClaimNext(ctx, jobID, workerID, s.now())
	if err != nil {
		return nil, err
	}
	if item != nil {
		log.WithWorker(s.logger, jobID, workerID).Debug("item claimed", "item_index", item.ItemIndex)
	}
	return item, nil
}

// CompleteItem writes the item's output and settles its reservation at
// the actual cost. A revoked claim surfaces as ClaimLostError and
// settles nothing.
func (s *Scheduler) CompleteItem(ctx context.Context, workerID, itemID string, output map[string]any, costMinor int64) error {
	item, err := s.store.GetItem(ctx, itemID)
	if err != nil {
		return err
	}

	if err := s.store.CompleteItem(ctx, workerID, itemID, output, costMinor, s.now()); err != nil {
		if errors.Matches[*errors.ClaimLostError](err) {
			metrics.RecordClaimConflict()
		}
		return err
	}

	job, err := s.store.GetJob(ctx, item.JobID)
	if err != nil {
		return err
	}
	if err := s.ledger.Settle(ctx, job.AgentID, reservationID(item.JobID, itemID), costMinor); err != nil {
		return fmt.Errorf("settling item %s: %w", itemID, err)
	}
	return nil
}

// FailItem records the failure and refunds the item's reservation.
func (s *Scheduler) FailItem(ctx context.Context, workerID, itemID string, itemErr error) error {
	item, err := s.store.GetItem(ctx, itemID)
	if err != nil {
		return err
	}

	msg := ""
	if itemErr != nil {
		msg = itemErr.Error()
	}
	if err := s.store.FailItem(ctx, workerID, itemID, msg, s.now()); err != nil {
		if errors.Matches[*errors.ClaimLostError](err) {
			metrics.RecordClaimConflict()
		}
		return err
	}

	job, err := s.store.GetJob(ctx, item.JobID)
	if err != nil {
		return err
	}
	if err := s.ledger.Refund(ctx, job.AgentID, reservationID(item.JobID, itemID)); err != nil {
		return fmt.Errorf("refunding item %s: %w", itemID, err)
	}
	return nil
}

// Heartbeat records that the worker is alive.
func (s *Scheduler) Heartbeat(ctx context.Context, workerID string) error {
	return s.store.Heartbeat(ctx, workerID, s.now())
}

// ReclaimStale resets items held by workers whose last heartbeat is
// older than the heartbeat TTL. Returns the number reclaimed.
func (s *Scheduler) ReclaimStale(ctx context.Context) (int, error) {
	deadline := s.now().Add(-s.heartbeatTTL)
	n, err := s.store.ReclaimStale(ctx, deadline)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Warn("reclaimed stale claims", "count", n)
	}
	return n, nil
}

// Handler processes one job item, returning its output and actual
// cost.
type Handler func(ctx context.Context, item *store.JobItem) (map[string]any, int64, error)

// ProcessJob drains a job with up to parallelism concurrent workers.
// Each worker loops claim-process-complete until the job has no
// pending items. A ClaimLost on completion is not fatal: the worker
// moves on to the next claim. Handler errors fail the item and refund
// its reservation.
func (s *Scheduler) ProcessJob(ctx context.Context, jobID string, parallelism int, handler Handler) error {
	if parallelism < 1 {
		parallelism = 1
	}

	errCh := make(chan error, parallelism)
	for w := 0; w < parallelism; w++ {
		workerID := fmt.Sprintf("%s-worker-%02d", jobID, w)
		go func() {
			errCh <- s.workerLoop(ctx, jobID, workerID, handler)
		}()
	}

	var firstErr error
	for w := 0; w < parallelism; w++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Scheduler) workerLoop(ctx context.Context, jobID, workerID string, handler Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.Heartbeat(ctx, workerID); err != nil {
			return err
		}

		item, err := s.ClaimNext(ctx, jobID, workerID)
		if err != nil {
			return err
		}
		if item == nil {
			return nil
		}

		output, cost, herr := handler(ctx, item)
		if herr != nil {
			if err := s.FailItem(ctx, workerID, item.ID, herr); err != nil {
				if errors.Matches[*errors.ClaimLostError](err) {
					continue
				}
				return err
			}
			continue
		}

		if err := s.CompleteItem(ctx, workerID, item.ID, output, cost); err != nil {
			if errors.Matches[*errors.ClaimLostError](err) {
				continue
			}
			return err
		}
	}
}
