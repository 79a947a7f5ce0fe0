package orchestrator

import (
	gh "github.com/rancher/create-pull-request-action/internal/github"
	"github.com/rancher/create-pull-request-action/internal/reconcile"
)

// Config captures the runtime controls the orchestrator needs.
type Config struct {
	// Owner and Repo name the repository the pull request is opened against.
	Owner string
	Repo  string
	// ForkOwner and ForkRepo, when set, name the fork the branch is pushed to.
	ForkOwner string
	ForkRepo  string

	// Reconcile carries the branch settings; Branch is the name before any suffix is applied.
	Reconcile    reconcile.Config
	BranchSuffix gh.BranchSuffix

	Title               string
	Body                string
	Labels              []string
	Assignees           []string
	Reviewers           []string
	Draft               bool
	MaintainerCanModify bool

	DryRun bool
}

func (c Config) headOwner() string {
	if c.ForkOwner != "" {
		return c.ForkOwner
	}
	return c.Owner
}

func (c Config) headRepo() string {
	if c.ForkRepo != "" {
		return c.ForkRepo
	}
	return c.Repo
}
