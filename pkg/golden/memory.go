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

package golden

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tombee/baton/pkg/canonical"
	"github.com/tombee/baton/pkg/errors"
)

// MemoryRecorder is an in-memory Recorder with semantics identical to
// FileRecorder. It shares the serialization, signing, and comparison
// logic and exists for tests and ephemeral runs.
type MemoryRecorder struct {
	mu      sync.Mutex
	secret  []byte
	now     func() time.Time
	records map[string]*bytes.Buffer
	sigs    map[string]string
}

// NewMemoryRecorder creates an in-memory recorder signing with secret.
func NewMemoryRecorder(secret []byte) *MemoryRecorder {
	return &MemoryRecorder{
		secret:  secret,
		now:     time.Now,
		records: make(map[string]*bytes.Buffer),
		sigs:    make(map[string]string),
	}
}

// RecordRunStart appends the run_start event.
func (r *MemoryRecorder) RecordRunStart(ctx context.Context, runID, specID string, seed uint64, replay bool) error {
	return r.append(runID, NewRunStart(runID, specID, seed, replay))
}

// RecordStep appends one step event.
func (r *MemoryRecorder) RecordStep(ctx context.Context, runID string, index int, stepID string, seed uint64, output any, duration time.Duration) error {
	return r.append(runID, NewStep(index, stepID, seed, output, duration))
}

// RecordRunEnd appends the run_end event.
func (r *MemoryRecorder) RecordRunEnd(ctx context.Context, runID, status string) error {
	return r.append(runID, NewRunEnd(status))
}

func (r *MemoryRecorder) append(runID string, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev.Timestamp = r.now().UTC().Format(time.RFC3339Nano)

	line, err := canonical.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode golden event: %w", err)
	}

	buf, ok := r.records[runID]
	if !ok {
		buf = &bytes.Buffer{}
		r.records[runID] = buf
	}
	buf.Write(line)
	buf.WriteByte('\n')
	return nil
}

// Sign stores the hex HMAC of the accumulated record.
func (r *MemoryRecorder) Sign(ctx context.Context, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf, ok := r.records[runID]
	if !ok {
		return fmt.Errorf("no golden record for run %q", runID)
	}
	mac := hmac.New(sha256.New, r.secret)
	mac.Write(buf.Bytes())
	r.sigs[runID] = hex.EncodeToString(mac.Sum(nil))
	return nil
}

// Verify recomputes the HMAC and compares constant-time.
func (r *MemoryRecorder) Verify(ctx context.Context, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf, ok := r.records[runID]
	if !ok {
		return fmt.Errorf("no golden record for run %q", runID)
	}
	stored, ok := r.sigs[runID]
	if !ok {
		return fmt.Errorf("no signature for run %q", runID)
	}
	want, err := hex.DecodeString(stored)
	if err != nil {
		return &errors.TamperError{RunID: runID}
	}
	mac := hmac.New(sha256.New, r.secret)
	mac.Write(buf.Bytes())
	if !hmac.Equal(mac.Sum(nil), want) {
		return &errors.TamperError{RunID: runID}
	}
	return nil
}

// Events returns the recorded events in append order.
func (r *MemoryRecorder) Events(ctx context.Context, runID string) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf, ok := r.records[runID]
	if !ok {
		return nil, fmt.Errorf("no golden record for run %q", runID)
	}

	var events []Event
	for _, line := range bytes.Split(buf.Bytes(), []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("decode golden event: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// Corrupt flips one byte of the stored record. Test helper for tamper
// detection paths.
func (r *MemoryRecorder) Corrupt(runID string, offset int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf, ok := r.records[runID]
	if !ok || offset >= buf.Len() {
		return
	}
	b := buf.Bytes()
	b[offset] ^= 0x01
}
