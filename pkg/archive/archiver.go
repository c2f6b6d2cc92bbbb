// Package archive preserves failed remediation attempts on append-only
// per-defect git branches.
//
// Each defect gets one WIP branch whose name is a pure function of the
// defect id. Before every fix attempt after the first, the working-tree
// delta accumulated since the previous attempt is committed onto that
// branch, so the producer can read the full history of what was already
// tried. Archiving never rewrites or deletes prior entries.
package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mendd/pkg/defect"
)

// BranchPrefix is the fixed prefix of every WIP archive branch.
const BranchPrefix = "mendd/wip/"

// Commit identity used for archive commits.
const (
	authorName  = "mendd"
	authorEmail = "mendd@fyrsmithlabs.dev"
)

// ErrDetachedNotRestorable indicates the repository HEAD could not be
// restored after archiving.
var ErrDetachedNotRestorable = errors.New("could not restore original HEAD")

// BranchFor returns the WIP branch name for a defect id. Pure function:
// the same id always maps to the same branch.
func BranchFor(defectID string) string {
	return BranchPrefix + sanitizeRef(defectID)
}

// sanitizeRef makes an identifier safe for use as a branch component.
func sanitizeRef(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

// Archiver commits working-tree deltas onto per-defect WIP branches.
type Archiver struct {
	repoPath string
	logger   *zap.Logger
	now      func() time.Time
}

// NewArchiver creates an archiver over the repository at repoPath.
func NewArchiver(repoPath string, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{
		repoPath: repoPath,
		logger:   logger,
		now:      time.Now,
	}
}

// Archive commits the current working-tree delta onto the defect's WIP
// branch, with the iteration ordinal embedded in the commit message,
// and restores the original HEAD afterwards. A clean worktree still
// archives a marker commit so the history line stays one entry per
// attempt.
func (a *Archiver) Archive(ctx context.Context, d *defect.Defect, ordinal int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if ordinal < 1 {
		return "", fmt.Errorf("%w: %v", defect.ErrInvalidAttempt, defect.ErrOrdinalTooLow)
	}

	repo, err := git.PlainOpen(a.repoPath)
	if err != nil {
		return "", fmt.Errorf("opening repository %s: %w", a.repoPath, err)
	}

	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("reading HEAD: %w", err)
	}

	w, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("opening worktree: %w", err)
	}

	branch := plumbing.NewBranchReferenceName(BranchFor(d.ID))
	_, refErr := repo.Reference(branch, true)
	create := refErr != nil

	// Keep: true carries the uncommitted delta across the checkout so
	// it lands on the WIP branch instead of the working branch.
	if err := w.Checkout(&git.CheckoutOptions{Branch: branch, Create: create, Keep: true}); err != nil {
		return "", fmt.Errorf("checking out %s: %w", branch.Short(), err)
	}

	hash, commitErr := a.commitAll(w, d, ordinal)

	// Restore the original HEAD whether or not the commit succeeded.
	restore := &git.CheckoutOptions{Keep: true}
	if head.Name().IsBranch() {
		restore.Branch = head.Name()
	} else {
		restore.Hash = head.Hash()
	}
	if err := w.Checkout(restore); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDetachedNotRestorable, err)
	}

	if commitErr != nil {
		return "", commitErr
	}

	a.logger.Info("attempt archived",
		zap.String("defect_id", d.ID),
		zap.Int("ordinal", ordinal),
		zap.String("branch", branch.Short()),
		zap.String("commit", hash))

	return hash, nil
}

func (a *Archiver) commitAll(w *git.Worktree, d *defect.Defect, ordinal int) (string, error) {
	if err := w.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("staging delta: %w", err)
	}

	msg := fmt.Sprintf("wip: defect %s attempt %d", d.ID, ordinal)
	hash, err := w.Commit(msg, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  authorName,
			Email: authorEmail,
			When:  a.now(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("committing attempt %d for defect %s: %w", ordinal, d.ID, err)
	}
	return hash.String(), nil
}
