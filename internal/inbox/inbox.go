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

// Package inbox routes replies for cross-workflow invokes. Each invoke
// id owns a single-slot inbox: the caller registers it and waits, the
// callee posts exactly one reply into it. Delivery is at most once; a
// second post to the same id is rejected.
package inbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tombee/baton/internal/metrics"
	"github.com/tombee/baton/pkg/errors"
)

// Reply is what a callee posts back to its caller.
type Reply struct {
	// Status is the callee run's terminal status.
	Status string

	// Output carries the callee's result payload.
	Output map[string]any

	// Err is set when the callee terminated unsuccessfully.
	Err error
}

type slot struct {
	ch        chan Reply
	posted    bool
	cancelled bool
}

// Router holds the live inboxes, keyed by invoke id.
type Router struct {
	mu    sync.Mutex
	slots map[string]*slot
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{slots: make(map[string]*slot)}
}

// Register creates the single-slot inbox for invokeID. The id must be
// fresh; reusing a live id is a validation error.
func (r *Router) Register(invokeID string) error {
	if invokeID == "" {
		return &errors.ValidationError{Field: "invoke_id", Message: "invoke id is required"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.slots[invokeID]; exists {
		return &errors.ValidationError{
			Field:   "invoke_id",
			Message: fmt.Sprintf("inbox %q already registered", invokeID),
		}
	}
	r.slots[invokeID] = &slot{ch: make(chan Reply, 1)}
	return nil
}

// Post delivers a reply to the inbox. The first post wins; any later
// post to the same id is rejected, preserving at-most-once delivery.
// Posting to an unknown or already-collected id is also an error.
func (r *Router) Post(invokeID string, reply Reply) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.slots[invokeID]
	if !ok {
		return &errors.ValidationError{
			Field:   "invoke_id",
			Message: fmt.Sprintf("no inbox registered for %q", invokeID),
		}
	}
	if s.posted {
		return &errors.ValidationError{
			Field:   "invoke_id",
			Message: fmt.Sprintf("inbox %q already has a reply", invokeID),
		}
	}
	s.posted = true
	s.ch <- reply
	return nil
}

// Wait blocks until a reply arrives, the timeout expires, or ctx is
// done. The inbox is removed on return, whatever the outcome. Expiry
// returns a TimeoutError; a zero timeout waits on ctx alone.
func (r *Router) Wait(ctx context.Context, invokeID string, timeout time.Duration) (Reply, error) {
	r.mu.Lock()
	s, ok := r.slots[invokeID]
	r.mu.Unlock()
	if !ok {
		return Reply{}, &errors.ValidationError{
			Field:   "invoke_id",
			Message: fmt.Sprintf("no inbox registered for %q", invokeID),
		}
	}
	defer r.remove(invokeID)

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case reply := <-s.ch:
		return reply, nil
	case <-timeoutCh:
		metrics.RecordInboxTimeout()
		return Reply{}, &errors.TimeoutError{
			Operation: fmt.Sprintf("inbox wait for %s", invokeID),
			Duration:  timeout,
		}
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// Cancel flags the invoke as cancelled. The flag propagates to the
// callee, which observes it via Cancelled between its own steps. The
// inbox stays registered so a caller already waiting still receives a
// reply the callee may post on its way out.
func (r *Router) Cancel(invokeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.slots[invokeID]; ok {
		s.cancelled = true
	}
}

// Cancelled reports whether the invoke has been cancelled. Unknown ids
// report true: a missing inbox means the caller is gone.
func (r *Router) Cancelled(invokeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[invokeID]
	if !ok {
		return true
	}
	return s.cancelled
}

func (r *Router) remove(invokeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.slots, invokeID)
}
