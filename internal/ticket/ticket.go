// Package ticket defines the remediation ticket and its terminal error taxonomy.
package ticket

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Outcome is the lifecycle state of a ticket.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeKilled    Outcome = "killed"
)

// Terminal reports whether the outcome ends the ticket.
func (o Outcome) Terminal() bool {
	return o == OutcomeCompleted || o == OutcomeFailed || o == OutcomeKilled
}

// Summary is the human-readable result line used in notifications.
func (o Outcome) Summary() string {
	switch o {
	case OutcomeCompleted:
		return "Task completed"
	case OutcomeFailed:
		return "Task failed"
	case OutcomeKilled:
		return "Task terminated"
	default:
		return "Task pending"
	}
}

// ErrAlreadyResolved is returned when a ticket outcome is set twice.
var ErrAlreadyResolved = errors.New("ticket outcome already resolved")

// Ticket is one remediation request for a single MAC address.
type Ticket struct {
	Tracker   string    `json:"tracker"`
	MAC       string    `json:"mac"`
	IP        string    `json:"ip,omitempty"`
	Port      string    `json:"port,omitempty"`
	Vendor    string    `json:"vendor,omitempty"`
	Requester string    `json:"requester,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	mu      sync.Mutex
	outcome Outcome
	cause   Cause
}

// New creates a pending ticket.
func New(tracker, mac, requester string) *Ticket {
	return &Ticket{
		Tracker:   tracker,
		MAC:       mac,
		Requester: requester,
		CreatedAt: time.Now(),
		outcome:   OutcomePending,
	}
}

// Outcome returns the current outcome.
func (t *Ticket) Outcome() Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outcome
}

// Cause returns the failure cause, empty unless the ticket failed or was killed.
func (t *Ticket) Cause() Cause {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cause
}

// Resolve moves the ticket to a terminal outcome. It succeeds exactly once.
func (t *Ticket) Resolve(outcome Outcome, cause Cause) error {
	if !outcome.Terminal() {
		return fmt.Errorf("resolve ticket %s: %q is not a terminal outcome", t.Tracker, outcome)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.outcome.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, t.Tracker, t.outcome)
	}
	t.outcome = outcome
	t.cause = cause
	return nil
}

// ResolveFromError maps the error returned by a ticket run to its outcome.
// A nil error completes the ticket.
func (t *Ticket) ResolveFromError(err error) error {
	if err == nil {
		return t.Resolve(OutcomeCompleted, "")
	}
	cause := CauseOf(err)
	if cause == CauseCancelledByOperator || cause == CauseInterrupted {
		return t.Resolve(OutcomeKilled, cause)
	}
	return t.Resolve(OutcomeFailed, cause)
}

// Result is the notification line for the resolved ticket.
func (t *Ticket) Result() string {
	outcome := t.Outcome()
	cause := t.Cause()
	if cause == "" {
		return outcome.Summary()
	}
	return fmt.Sprintf("%s (%s)", outcome.Summary(), cause)
}
