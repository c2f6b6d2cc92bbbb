// Package producer defines the change-producer boundary: given a
// defect and its prior-attempt history, produce a committed change.
//
// The producer reports only whether a commit was produced, never
// whether the defect is fixed; that verdict belongs exclusively to the
// post-fix test gate. The boundary is structural, not instructional:
// this package imports neither the test runner nor the tracker, so no
// producer implementation can run tests or mutate defects.
package producer

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5"

	"github.com/fyrsmithlabs/mendd/pkg/defect"
)

// Outcome communicates whether a commit was produced. Nothing more:
// a producer has no authority over the defect's fixed/unfixed status.
type Outcome struct {
	// Committed is true when the producer committed a change.
	Committed bool

	// Ref is the commit id of the produced change, empty otherwise.
	Ref string
}

// ChangeProducer is the narrow interface the orchestrator hands fix
// work to.
type ChangeProducer interface {
	AttemptFix(ctx context.Context, d *defect.Defect, prior []defect.Attempt) (Outcome, error)
}

// Briefing renders the defect and its prior-attempt history into the
// textual context handed to a producer. Prior attempts appear in
// chronological order so the producer can avoid repeating approaches
// that already failed.
func Briefing(d *defect.Defect, prior []defect.Attempt) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Defect %s: %s\n\n", d.ID, d.Title)
	b.WriteString(d.Body)
	b.WriteString("\n")

	if len(prior) > 0 {
		b.WriteString("\nPrior attempts (do not repeat these approaches):\n")
		for _, a := range prior {
			fmt.Fprintf(&b, "  %d. %s", a.Ordinal, a.Outcome)
			if a.Ref != "" {
				fmt.Fprintf(&b, " (commit %s)", a.Ref)
			}
			b.WriteString("\n")
		}
	}

	return b.String()
}

// headRef returns the current HEAD commit of the repository at path.
func headRef(path string) (string, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return "", fmt.Errorf("opening repository %s: %w", path, err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("reading HEAD: %w", err)
	}
	return head.Hash().String(), nil
}
