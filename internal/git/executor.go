package git

import "context"

// Executor prepares an existing checkout for branch reconciliation.
type Executor interface {
	Prepare(ctx context.Context, path string) (Workspace, error)
}

// CommandResult is the raw outcome of a git invocation.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// FetchOptions describes a single fetch against one remote.
type FetchOptions struct {
	Remote   string
	Refspecs []string
	// Depth limits history; zero fetches the full history of the refspecs.
	Depth int
	Force bool
}

// Workspace exposes the git primitives used to reconcile a working branch and publish it. Every method acts
// on the same on-disk checkout, so callers must not invoke them concurrently.
type Workspace interface {
	Path() string
	// BranchRemote is the remote the working branch is fetched from and pushed to.
	BranchRemote() string

	SymbolicRef(ctx context.Context, ref string) (string, int)
	RevParse(ctx context.Context, ref string) (string, error)
	Fetch(ctx context.Context, opts FetchOptions) error
	Checkout(ctx context.Context, branch, startPoint string) error
	IsDirty(ctx context.Context, untracked bool, paths []string) (bool, error)
	Stage(ctx context.Context, paths []string) error
	HasStagedChanges(ctx context.Context) (bool, error)
	Commit(ctx context.Context, message string, signoff bool) (CommandResult, error)
	Log(ctx context.Context, revRange, format string) (string, error)
	RevListCount(ctx context.Context, revRange string, flags ...string) (int, error)
	CommitMetadata(ctx context.Context, rev string) (Commit, error)
	Exec(ctx context.Context, args []string, allowFailure bool) (CommandResult, error)

	Push(ctx context.Context, remote, branch string, forceWithLease bool) error
	Cleanup(ctx context.Context) error
}
