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
	"bufio"
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tombee/baton/pkg/canonical"
	"github.com/tombee/baton/pkg/errors"
)

// Recorder appends semantic events to a run's golden record and manages
// its signature. Only the run's driver task writes; readers open
// read-only copies.
type Recorder interface {
	// RecordRunStart appends the run_start event.
	RecordRunStart(ctx context.Context, runID, specID string, seed uint64, replay bool) error

	// RecordStep appends one step event in schedule order.
	RecordStep(ctx context.Context, runID string, index int, stepID string, seed uint64, output any, duration time.Duration) error

	// RecordRunEnd appends the run_end event with the terminal status.
	RecordRunEnd(ctx context.Context, runID, status string) error

	// Sign computes the HMAC-SHA-256 signature over the record and
	// stores it atomically.
	Sign(ctx context.Context, runID string) error

	// Verify recomputes the signature and compares it constant-time to
	// the stored one. A mismatch returns *errors.TamperError.
	Verify(ctx context.Context, runID string) error

	// Events returns the recorded events for a run in append order.
	Events(ctx context.Context, runID string) ([]Event, error)
}

// FileRecorder is the durable Recorder writing canonical JSON lines under
// a directory, one {run_id}.steps.jsonl file per run.
type FileRecorder struct {
	mu     sync.Mutex
	dir    string
	secret []byte
	now    func() time.Time
}

// Option configures a FileRecorder.
type Option func(*FileRecorder)

// WithClock overrides the timestamp source. Timestamps never participate
// in hashing or comparison, so this exists for reproducible fixtures.
func WithClock(now func() time.Time) Option {
	return func(r *FileRecorder) {
		r.now = now
	}
}

// NewFileRecorder creates a durable recorder rooted at dir, signing with
// the process-scoped secret.
func NewFileRecorder(dir string, secret []byte, opts ...Option) (*FileRecorder, error) {
	if len(secret) == 0 {
		return nil, &errors.ValidationError{Field: "secret", Message: "signing secret must not be empty"}
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create golden dir: %w", err)
	}
	r := &FileRecorder{
		dir:    dir,
		secret: secret,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// RecordRunStart appends the run_start event.
func (r *FileRecorder) RecordRunStart(ctx context.Context, runID, specID string, seed uint64, replay bool) error {
	return r.append(runID, NewRunStart(runID, specID, seed, replay))
}

// RecordStep appends one step event.
func (r *FileRecorder) RecordStep(ctx context.Context, runID string, index int, stepID string, seed uint64, output any, duration time.Duration) error {
	return r.append(runID, NewStep(index, stepID, seed, output, duration))
}

// RecordRunEnd appends the run_end event.
func (r *FileRecorder) RecordRunEnd(ctx context.Context, runID, status string) error {
	return r.append(runID, NewRunEnd(status))
}

func (r *FileRecorder) append(runID string, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev.Timestamp = r.now().UTC().Format(time.RFC3339Nano)

	line, err := canonical.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode golden event: %w", err)
	}

	f, err := os.OpenFile(r.recordPath(runID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open golden record: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append golden event: %w", err)
	}
	return nil
}

// Sign writes the hex HMAC-SHA-256 of the record file through a temp
// file plus rename, so readers never observe a signature that does not
// correspond to the accompanying data.
func (r *FileRecorder) Sign(ctx context.Context, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.recordPath(runID))
	if err != nil {
		return fmt.Errorf("read golden record: %w", err)
	}

	sig := r.sum(data)

	sigPath := r.sigPath(runID)
	tmp, err := os.CreateTemp(r.dir, filepath.Base(sigPath)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create signature temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(sig + "\n"); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write signature: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync signature: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close signature temp file: %w", err)
	}
	if err := os.Rename(tmpName, sigPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publish signature: %w", err)
	}
	return nil
}

// Verify recomputes the HMAC and compares constant-time.
func (r *FileRecorder) Verify(ctx context.Context, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.recordPath(runID))
	if err != nil {
		return fmt.Errorf("read golden record: %w", err)
	}
	stored, err := os.ReadFile(r.sigPath(runID))
	if err != nil {
		return fmt.Errorf("read signature: %w", err)
	}

	want, err := hex.DecodeString(strings.TrimSpace(string(stored)))
	if err != nil {
		return &errors.TamperError{RunID: runID, Path: r.sigPath(runID)}
	}

	mac := hmac.New(sha256.New, r.secret)
	mac.Write(data)
	if !hmac.Equal(mac.Sum(nil), want) {
		return &errors.TamperError{RunID: runID, Path: r.recordPath(runID)}
	}
	return nil
}

// Events reads back a run's record in append order.
func (r *FileRecorder) Events(ctx context.Context, runID string) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.Open(r.recordPath(runID))
	if err != nil {
		return nil, fmt.Errorf("open golden record: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("decode golden event: %w", err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan golden record: %w", err)
	}
	return events, nil
}

// RecordPath returns the on-disk path of a run's record file.
func (r *FileRecorder) RecordPath(runID string) string {
	return r.recordPath(runID)
}

func (r *FileRecorder) sum(data []byte) string {
	mac := hmac.New(sha256.New, r.secret)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

func (r *FileRecorder) recordPath(runID string) string {
	return filepath.Join(r.dir, runID+".steps.jsonl")
}

func (r *FileRecorder) sigPath(runID string) string {
	return filepath.Join(r.dir, runID+".steps.jsonl.sig")
}
