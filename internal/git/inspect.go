package git

import (
	"fmt"
	"path/filepath"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Inspector reads commit objects straight from the repository storage. The repository is reopened on every
// call so objects written by git commands in between (commits, fetched packs) are always visible.
type Inspector struct {
	path string
}

// NewInspector returns an Inspector rooted at the repository containing path.
func NewInspector(path string) *Inspector {
	return &Inspector{path: path}
}

// RepositoryRoot returns the top level directory of the working tree containing path.
func RepositoryRoot(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}

	repo, err := gogit.PlainOpenWithOptions(abs, &gogit.PlainOpenOptions{
		DetectDotGit:          true,
		EnableDotGitCommonDir: true,
	})
	if err != nil {
		return "", fmt.Errorf("open repository %s: %w", abs, err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("open worktree: %w", err)
	}
	return worktree.Filesystem.Root(), nil
}

func (i *Inspector) open() (*gogit.Repository, error) {
	repo, err := gogit.PlainOpenWithOptions(i.path, &gogit.PlainOpenOptions{
		DetectDotGit:          true,
		EnableDotGitCommonDir: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	return repo, nil
}

// Commit loads the commit header (identities, parents, message) for a full SHA.
func (i *Inspector) Commit(sha string) (Commit, error) {
	if !plumbing.IsHash(sha) {
		return Commit{}, fmt.Errorf("invalid commit sha %q", sha)
	}

	repo, err := i.open()
	if err != nil {
		return Commit{}, err
	}

	obj, err := repo.CommitObject(plumbing.NewHash(sha))
	if err != nil {
		return Commit{}, fmt.Errorf("read commit %s: %w", sha, err)
	}

	return commitFromObject(obj), nil
}

func commitFromObject(obj *object.Commit) Commit {
	parents := make([]string, 0, len(obj.ParentHashes))
	for _, p := range obj.ParentHashes {
		parents = append(parents, p.String())
	}

	return Commit{
		SHA:     obj.Hash.String(),
		Parents: parents,
		Author: Identity{
			Name:  obj.Author.Name,
			Email: obj.Author.Email,
			When:  obj.Author.When,
		},
		Committer: Identity{
			Name:  obj.Committer.Name,
			Email: obj.Committer.Email,
			When:  obj.Committer.When,
		},
		Message: obj.Message,
	}
}
