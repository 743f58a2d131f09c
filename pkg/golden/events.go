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

// Package golden implements the append-only, HMAC-signed event log of a
// workflow run. Each run produces one {run_id}.steps.jsonl file of
// canonical JSON lines plus a detached {run_id}.steps.jsonl.sig
// signature. Timestamps and duration_* fields appear on disk but are
// excluded from replay comparison by default.
package golden

import "time"

// EventType identifies the semantic event recorded on a line.
type EventType string

const (
	// EventRunStart opens a run's record.
	EventRunStart EventType = "run_start"
	// EventStep records one executed step, in schedule order.
	EventStep EventType = "step"
	// EventRunEnd closes a run's record with the terminal status.
	EventRunEnd EventType = "run_end"
)

// Event is one line of a golden record. Fields not belonging to the
// event's type are omitted; pointer fields keep semantically-required
// zero values (seed 0, index 0, replay false) on the wire.
type Event struct {
	Type EventType `json:"type"`

	// Timestamp is informational only. It is stripped before hashing
	// and before comparison unless explicitly requested.
	Timestamp string `json:"timestamp,omitempty"`

	// run_start fields.
	RunID  string  `json:"run_id,omitempty"`
	SpecID string  `json:"spec_id,omitempty"`
	Seed   *uint64 `json:"seed,omitempty"`
	Replay *bool   `json:"replay,omitempty"`

	// step fields. Seed carries the derived per-step seed here.
	Index  *int   `json:"index,omitempty"`
	StepID string `json:"step_id,omitempty"`
	Output any    `json:"output,omitempty"`

	// DurationMS is informational timing, excluded from comparison.
	DurationMS *int64 `json:"duration_ms,omitempty"`

	// run_end field.
	Status string `json:"status,omitempty"`
}

// NewRunStart builds a run_start event.
func NewRunStart(runID, specID string, seed uint64, replay bool) Event {
	return Event{
		Type:   EventRunStart,
		RunID:  runID,
		SpecID: specID,
		Seed:   &seed,
		Replay: &replay,
	}
}

// NewStep builds a step event carrying the derived step seed and the
// step's canonical output.
func NewStep(index int, stepID string, seed uint64, output any, duration time.Duration) Event {
	ms := duration.Milliseconds()
	return Event{
		Type:       EventStep,
		Index:      &index,
		StepID:     stepID,
		Seed:       &seed,
		Output:     output,
		DurationMS: &ms,
	}
}

// NewRunEnd builds a run_end event with the terminal status.
func NewRunEnd(status string) Event {
	return Event{
		Type:   EventRunEnd,
		Status: status,
	}
}
