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

// Package ledger defines the abstract budget reservation interface the
// scheduler and policy enforcer consume, plus an in-memory reference
// implementation. The real billing system lives behind this interface.
package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/tombee/baton/pkg/errors"
)

// Ledger reserves, settles, and refunds budget in minor currency units.
type Ledger interface {
	// Reserve places a hold of amountMinor against agentID under
	// reservationID. A denied reservation returns a
	// BudgetExceededError.
	Reserve(ctx context.Context, agentID, reservationID string, amountMinor int64) error

	// Settle converts a reservation into actual spend. Settle is
	// idempotent on reservationID: repeated calls with the same id are
	// no-ops after the first.
	Settle(ctx context.Context, agentID, reservationID string, actualMinor int64) error

	// Refund releases an unsettled reservation in full.
	Refund(ctx context.Context, agentID, reservationID string) error
}

type reservationState int

const (
	stateHeld reservationState = iota
	stateSettled
	stateRefunded
)

type reservation struct {
	agentID     string
	amountMinor int64
	state       reservationState
}

// MemoryLedger is an in-process Ledger with optional per-agent limits.
// It also satisfies the policy enforcer's AgentBudget interface, so a
// single instance can back both reservation and pre-flight checks.
type MemoryLedger struct {
	mu           sync.Mutex
	limits       map[string]int64 // agent_id -> limit; absent = unlimited
	spent        map[string]int64 // agent_id -> settled spend
	held         map[string]int64 // agent_id -> outstanding holds
	reservations map[string]*reservation
}

// NewMemoryLedger creates an empty ledger with no agent limits.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		limits:       make(map[string]int64),
		spent:        make(map[string]int64),
		held:         make(map[string]int64),
		reservations: make(map[string]*reservation),
	}
}

// SetLimit caps an agent's combined settled-plus-held spend.
func (l *MemoryLedger) SetLimit(agentID string, limitMinor int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits[agentID] = limitMinor
}

// Reserve implements Ledger.
func (l *MemoryLedger) Reserve(ctx context.Context, agentID, reservationID string, amountMinor int64) error {
	if reservationID == "" {
		return &errors.ValidationError{Field: "reservation_id", Message: "reservation id is required"}
	}
	if amountMinor < 0 {
		return &errors.ValidationError{Field: "amount_minor", Message: "amount must be non-negative"}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.reservations[reservationID]; exists {
		return &errors.ValidationError{
			Field:   "reservation_id",
			Message: fmt.Sprintf("reservation %q already exists", reservationID),
		}
	}

	if limit, capped := l.limits[agentID]; capped {
		committed := l.spent[agentID] + l.held[agentID]
		if committed+amountMinor > limit {
			return &errors.BudgetExceededError{
				PolicyDenyError: errors.PolicyDenyError{
					Kind: errors.DenyAgentBudgetExceeded,
					Reason: fmt.Sprintf("reserving %d would bring agent %q to %d over limit %d",
						amountMinor, agentID, committed+amountMinor, limit),
				},
				LimitMinor:     limit,
				AttemptedMinor: committed + amountMinor,
			}
		}
	}

	l.reservations[reservationID] = &reservation{agentID: agentID, amountMinor: amountMinor}
	l.held[agentID] += amountMinor
	return nil
}

// Settle implements Ledger. The actual amount may differ from the
// reserved amount; the hold is released either way.
func (l *MemoryLedger) Settle(ctx context.Context, agentID, reservationID string, actualMinor int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, ok := l.reservations[reservationID]
	if !ok {
		return &errors.ValidationError{
			Field:   "reservation_id",
			Message: fmt.Sprintf("unknown reservation %q", reservationID),
		}
	}
	if res.state == stateSettled {
		return nil // idempotent
	}
	if res.state == stateRefunded {
		return &errors.ValidationError{
			Field:   "reservation_id",
			Message: fmt.Sprintf("reservation %q already refunded", reservationID),
		}
	}

	l.held[res.agentID] -= res.amountMinor
	l.spent[res.agentID] += actualMinor
	res.state = stateSettled
	return nil
}

// Refund implements Ledger. Refunding a settled reservation is an
// error; refunding twice is a no-op.
func (l *MemoryLedger) Refund(ctx context.Context, agentID, reservationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, ok := l.reservations[reservationID]
	if !ok {
		return &errors.ValidationError{
			Field:   "reservation_id",
			Message: fmt.Sprintf("unknown reservation %q", reservationID),
		}
	}
	if res.state == stateRefunded {
		return nil
	}
	if res.state == stateSettled {
		return &errors.ValidationError{
			Field:   "reservation_id",
			Message: fmt.Sprintf("reservation %q already settled", reservationID),
		}
	}

	l.held[res.agentID] -= res.amountMinor
	res.state = stateRefunded
	return nil
}

// CheckBudget reports whether agentID can afford estimatedMinor more.
// It satisfies the policy enforcer's AgentBudget interface.
func (l *MemoryLedger) CheckBudget(ctx context.Context, agentID string, estimatedMinor int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit, capped := l.limits[agentID]
	if !capped {
		return nil
	}
	committed := l.spent[agentID] + l.held[agentID]
	if committed+estimatedMinor > limit {
		return &errors.BudgetExceededError{
			PolicyDenyError: errors.PolicyDenyError{
				Kind:   errors.DenyAgentBudgetExceeded,
				Reason: fmt.Sprintf("agent %q at %d of limit %d", agentID, committed, limit),
			},
			LimitMinor:     limit,
			AttemptedMinor: committed + estimatedMinor,
		}
	}
	return nil
}

// Spent returns an agent's settled spend.
func (l *MemoryLedger) Spent(agentID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.spent[agentID]
}

// Held returns an agent's outstanding reserved amount.
func (l *MemoryLedger) Held(agentID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[agentID]
}
