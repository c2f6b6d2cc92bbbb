// Package defect defines the tracked units of remediation that mendd
// files, iterates on, and closes.
//
// A Defect corresponds to a failing test condition in the tracker. Each
// remediation attempt against a defect is recorded as an Attempt on an
// append-only history line. The package also owns dedup-key
// normalization, which guarantees at most one open defect per failure
// signature.
package defect

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// State is the tracker-visible lifecycle state of a defect.
type State string

const (
	// StateOpen marks a defect that still needs remediation.
	StateOpen State = "open"

	// StateClosed marks a defect resolved by a passing gate.
	StateClosed State = "closed"
)

// Outcome classifies a single remediation attempt.
type Outcome string

const (
	// OutcomeAgentFailed means the producer made no commit.
	OutcomeAgentFailed Outcome = "agent_failed"

	// OutcomeTestFailed means the post-fix gate failed.
	OutcomeTestFailed Outcome = "test_failed"

	// OutcomeTestTimeout means the post-fix gate timed out.
	OutcomeTestTimeout Outcome = "test_timeout"

	// OutcomeSucceeded means the post-fix gate passed.
	OutcomeSucceeded Outcome = "succeeded"
)

// Lease is an advisory, time-bounded claim on a defect. It prevents
// concurrent orchestrator instances from acting on the same defect;
// expiry lets another worker take over after a crash.
type Lease struct {
	Holder  string    `json:"holder,omitempty"`
	Expires time.Time `json:"expires,omitempty"`
}

// Active reports whether the lease is held by anyone at the given time.
func (l Lease) Active(now time.Time) bool {
	return l.Holder != "" && now.Before(l.Expires)
}

// HeldBy reports whether the lease is held by holder at the given time.
func (l Lease) HeldBy(holder string, now time.Time) bool {
	return l.Holder == holder && now.Before(l.Expires)
}

// Defect is a tracked unit of required remediation.
type Defect struct {
	// ID is the tracker-assigned identifier (issue number or UUID).
	ID string `json:"id"`

	// Title is the human-readable summary. The dedup key is derived
	// from it, so titles must be stable per failure signature.
	Title string `json:"title"`

	// Body holds the failure description and captured test output.
	Body string `json:"body"`

	// Labels carry the tool label plus a single defect-class label
	// per test scope.
	Labels []string `json:"labels"`

	// State is Open or Closed.
	State State `json:"state"`

	// DedupKey is the normalized title signature.
	DedupKey string `json:"dedup_key"`

	// CreatedAt is when the defect was filed.
	CreatedAt time.Time `json:"created_at"`

	// Lease is the current advisory claim, if any.
	Lease Lease `json:"lease"`
}

// Open reports whether the defect still needs remediation.
func (d *Defect) Open() bool {
	return d.State == StateOpen
}

// Attempt is one entry on a defect's append-only remediation history.
type Attempt struct {
	// DefectID identifies the defect this attempt belongs to.
	DefectID string `json:"defect_id"`

	// Ordinal is the 1-based iteration number, strictly increasing
	// per defect.
	Ordinal int `json:"ordinal"`

	// Ref is the commit produced by this attempt, empty when the
	// producer made no change.
	Ref string `json:"ref,omitempty"`

	// Timestamp is when the attempt was classified.
	Timestamp time.Time `json:"timestamp"`

	// Outcome is the orchestrator's classification of the attempt.
	Outcome Outcome `json:"outcome"`
}

// Validation errors.
var (
	ErrInvalidAttempt   = errors.New("invalid attempt")
	ErrDefectIDRequired = errors.New("defect id is required")
	ErrOrdinalTooLow    = errors.New("ordinal must be >= 1")
	ErrUnknownOutcome   = errors.New("unknown outcome")
)

// Validate checks the attempt is well-formed before archival.
func (a *Attempt) Validate() error {
	if a.DefectID == "" {
		return fmt.Errorf("%w: %v", ErrInvalidAttempt, ErrDefectIDRequired)
	}
	if a.Ordinal < 1 {
		return fmt.Errorf("%w: %v", ErrInvalidAttempt, ErrOrdinalTooLow)
	}
	switch a.Outcome {
	case OutcomeAgentFailed, OutcomeTestFailed, OutcomeTestTimeout, OutcomeSucceeded:
	default:
		return fmt.Errorf("%w: %v: %q", ErrInvalidAttempt, ErrUnknownOutcome, a.Outcome)
	}
	return nil
}

// Key normalizes a defect title into its dedup key.
//
// Normalization lowercases the title and collapses every run of
// non-alphanumeric characters into a single hyphen, so cosmetic title
// differences (spacing, punctuation, casing) map to the same key.
//
// Example:
//
//	Key("[full] Test suite failing")  // "full-test-suite-failing"
//	Key("full test  suite FAILING!")  // "full-test-suite-failing"
func Key(title string) string {
	var b strings.Builder
	b.Grow(len(title))
	pending := false
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if pending && b.Len() > 0 {
				b.WriteByte('-')
			}
			pending = false
			b.WriteRune(r)
		default:
			pending = true
		}
	}
	return b.String()
}
