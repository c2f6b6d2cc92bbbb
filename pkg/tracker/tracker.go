// Package tracker abstracts the defect tracker behind a narrow store
// interface: find, create-with-dedup, comment, close, and advisory
// leasing.
//
// Two implementations are provided: MemoryStore, a mutex-guarded
// reference implementation used in tests and single-process setups,
// and GitHubStore, which persists defects as GitHub issues.
package tracker

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/mendd/pkg/defect"
)

// Label taxonomy: every defect carries ToolLabel plus exactly one
// defect-class label per test scope.
const (
	ToolLabel       = "mendd"
	LabelScopeSmoke = "mendd:smoke"
	LabelScopeFull  = "mendd:full"
)

// Store errors.
var (
	// ErrNotFound indicates no open defect matches the dedup key.
	ErrNotFound = errors.New("defect not found")

	// ErrClosed indicates a mutation was attempted on a closed defect.
	ErrClosed = errors.New("defect already closed")
)

// Store is the tracker abstraction consumed by the orchestrator.
//
// Only the orchestrator calls Close; every other collaborator is
// handed at most a read path.
type Store interface {
	// FindOpenByKey returns the open defect whose dedup key matches,
	// or ErrNotFound. With multiple matches (a rare dedup race that
	// slipped through) the oldest wins, deterministically.
	FindOpenByKey(ctx context.Context, key string) (*defect.Defect, error)

	// CreateIfAbsent files a defect unless an open one with the same
	// dedup key already exists. Safe under concurrent callers: two
	// simultaneous calls with the same key yield exactly one defect.
	// The second caller receives the existing defect, created=false,
	// and a comment noting the duplicate trigger is appended to it.
	CreateIfAbsent(ctx context.Context, title, body string, labels []string) (d *defect.Defect, created bool, err error)

	// Comment appends a comment to the defect.
	Comment(ctx context.Context, d *defect.Defect, text string) error

	// Close closes the defect with a final comment. Idempotent:
	// closing an already-closed defect returns ErrClosed without
	// further mutation, which is the safety net for rare double-runs.
	Close(ctx context.Context, d *defect.Defect, text string) error

	// AcquireLease claims the defect for holder with the given TTL.
	// Returns false when another holder's lease is unexpired.
	// Re-acquiring one's own lease extends it.
	AcquireLease(ctx context.Context, d *defect.Defect, holder string, ttl time.Duration) (bool, error)

	// ReleaseLease drops holder's lease. A no-op when the lease is
	// held by someone else (it may have expired and been taken over).
	ReleaseLease(ctx context.Context, d *defect.Defect, holder string) error
}

// ScopeLabel returns the defect-class label for a test scope name.
func ScopeLabel(scope string) string {
	if scope == "smoke" {
		return LabelScopeSmoke
	}
	return LabelScopeFull
}
