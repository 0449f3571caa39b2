package searchindex

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

func hashOf(s string) plumbing.Hash {
	return plumbing.NewHash(s)
}

// Update asks the repository rooted at repoRoot for every .eml path that
// changed since lastHead (modified, added, or currently untracked),
// reparses just those files, and applies them to the File Index and FTS
// Index without a full Rebuild. Returns the new HEAD commit hash to
// persist as the next call's lastHead, plus the number of files touched.
//
// This replaces shelling out to the git binary: go-git's Worktree.Status
// already reports untracked/modified files, and a two-commit diff
// between lastHead and HEAD covers what a plain `git diff --name-only`
// would report for committed changes.
func (idx *Index) Update(repoRoot, lastHead string) (newHead string, touched int, err error) {
	repo, err := git.PlainOpen(repoRoot)
	if err != nil {
		return "", 0, fmt.Errorf("searchindex update: open repo: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		return "", 0, fmt.Errorf("searchindex update: head: %w", err)
	}
	newHead = head.Hash().String()

	changed := make(map[string]bool)

	wt, err := repo.Worktree()
	if err != nil {
		return newHead, 0, fmt.Errorf("searchindex update: worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return newHead, 0, fmt.Errorf("searchindex update: status: %w", err)
	}
	for path, s := range status {
		if s.Worktree != git.Unmodified || s.Staging != git.Unmodified {
			changed[path] = true
		}
	}

	if lastHead != "" && lastHead != newHead {
		paths, err := diffCommitRange(repo, lastHead, newHead)
		if err != nil {
			return newHead, 0, fmt.Errorf("searchindex update: diff range: %w", err)
		}
		for _, p := range paths {
			changed[p] = true
		}
	}

	for path := range changed {
		if !strings.HasSuffix(strings.ToLower(path), ".eml") {
			continue
		}
		abs := filepath.Join(repoRoot, path)
		if err := idx.AddOrReplace(abs); err != nil {
			return newHead, touched, fmt.Errorf("searchindex update: %s: %w", abs, err)
		}
		touched++
	}

	if touched > 0 {
		if err := idx.rebuildFTS(); err != nil {
			return newHead, touched, err
		}
	}
	return newHead, touched, nil
}

// diffCommitRange returns repo-relative paths that differ between the
// commits named by fromHash and toHash.
func diffCommitRange(repo *git.Repository, fromHash, toHash string) ([]string, error) {
	fromCommit, err := repo.CommitObject(hashOf(fromHash))
	if err != nil {
		return nil, err
	}
	toCommit, err := repo.CommitObject(hashOf(toHash))
	if err != nil {
		return nil, err
	}
	fromTree, err := fromCommit.Tree()
	if err != nil {
		return nil, err
	}
	toTree, err := toCommit.Tree()
	if err != nil {
		return nil, err
	}
	changes, err := fromTree.Diff(toTree)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, c := range changes {
		if c.To.Name != "" {
			paths = append(paths, c.To.Name)
		} else if c.From.Name != "" {
			paths = append(paths, c.From.Name)
		}
	}
	return paths, nil
}
