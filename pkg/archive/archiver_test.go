package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/mendd/pkg/defect"
)

func TestBranchFor(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want string
	}{
		{name: "issue number", id: "42", want: "mendd/wip/42"},
		{name: "uuid", id: "3f8a1c9e-1b2d-4e5f-8a9b-0c1d2e3f4a5b", want: "mendd/wip/3f8a1c9e-1b2d-4e5f-8a9b-0c1d2e3f4a5b"},
		{name: "unsafe characters replaced", id: "a b/c", want: "mendd/wip/a-b-c"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BranchFor(tt.id))
		})
	}

	// Pure function: same id, same branch.
	assert.Equal(t, BranchFor("42"), BranchFor("42"))
}

func initTestRepo(t *testing.T) (string, *git.Repository) {
	t.Helper()
	dir := t.TempDir()

	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644))

	w, err := repo.Worktree()
	require.NoError(t, err)
	_, err = w.Add("main.go")
	require.NoError(t, err)
	_, err = w.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "dev", Email: "dev@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	return dir, repo
}

func wipCommits(t *testing.T, repo *git.Repository, defectID string) []*object.Commit {
	t.Helper()
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(BranchFor(defectID)), true)
	require.NoError(t, err)

	var commits []*object.Commit
	c, err := repo.CommitObject(ref.Hash())
	require.NoError(t, err)
	for {
		commits = append(commits, c)
		if c.NumParents() == 0 {
			break
		}
		c, err = c.Parent(0)
		require.NoError(t, err)
	}
	return commits
}

func TestArchiveCommitsDeltaOntoWipBranch(t *testing.T) {
	dir, repo := initTestRepo(t)
	a := NewArchiver(dir, nil)
	d := &defect.Defect{ID: "42"}

	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main // attempt\n"), 0o644))

	ref, err := a.Archive(context.Background(), d, 2)
	require.NoError(t, err)
	assert.NotEmpty(t, ref)

	commits := wipCommits(t, repo, "42")
	require.GreaterOrEqual(t, len(commits), 2) // wip commit + initial
	assert.Equal(t, "wip: defect 42 attempt 2", commits[0].Message)

	// HEAD is back on the original branch.
	head, err := repo.Head()
	require.NoError(t, err)
	assert.True(t, head.Name().IsBranch())
	assert.NotContains(t, head.Name().String(), BranchPrefix)
}

func TestArchiveHistoryIsAppendOnly(t *testing.T) {
	dir, repo := initTestRepo(t)
	a := NewArchiver(dir, nil)
	d := &defect.Defect{ID: "42"}

	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main // v2\n"), 0o644))
	first, err := a.Archive(context.Background(), d, 2)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main // v3\n"), 0o644))
	second, err := a.Archive(context.Background(), d, 3)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	commits := wipCommits(t, repo, "42")
	require.GreaterOrEqual(t, len(commits), 3)
	assert.Equal(t, "wip: defect 42 attempt 3", commits[0].Message)
	assert.Equal(t, "wip: defect 42 attempt 2", commits[1].Message)
	// The first entry is still reachable: nothing was rewritten.
	assert.Equal(t, first, commits[1].Hash.String())
}

func TestArchiveCleanWorktreeStillRecordsAttempt(t *testing.T) {
	dir, repo := initTestRepo(t)
	a := NewArchiver(dir, nil)
	d := &defect.Defect{ID: "7"}

	ref, err := a.Archive(context.Background(), d, 2)
	require.NoError(t, err)
	assert.NotEmpty(t, ref)

	commits := wipCommits(t, repo, "7")
	assert.Equal(t, "wip: defect 7 attempt 2", commits[0].Message)
}

func TestArchiveSeparateDefectsGetSeparateBranches(t *testing.T) {
	dir, repo := initTestRepo(t)
	a := NewArchiver(dir, nil)

	_, err := a.Archive(context.Background(), &defect.Defect{ID: "1"}, 2)
	require.NoError(t, err)
	_, err = a.Archive(context.Background(), &defect.Defect{ID: "2"}, 2)
	require.NoError(t, err)

	_, err = repo.Reference(plumbing.NewBranchReferenceName(BranchFor("1")), true)
	assert.NoError(t, err)
	_, err = repo.Reference(plumbing.NewBranchReferenceName(BranchFor("2")), true)
	assert.NoError(t, err)
}

func TestArchiveRejectsInvalidOrdinal(t *testing.T) {
	dir, _ := initTestRepo(t)
	a := NewArchiver(dir, nil)

	_, err := a.Archive(context.Background(), &defect.Defect{ID: "42"}, 0)
	assert.ErrorIs(t, err, defect.ErrInvalidAttempt)
}

func TestArchiveNotARepository(t *testing.T) {
	a := NewArchiver(t.TempDir(), nil)

	_, err := a.Archive(context.Background(), &defect.Defect{ID: "42"}, 2)
	assert.Error(t, err)
}
