package gh

import (
	"context"
	"errors"
)

// PullRequest is the subset of pull request state the action reads back from GitHub.
type PullRequest struct {
	Number  int
	URL     string
	Title   string
	Body    string
	Head    string
	HeadSHA string
	Base    string
	Draft   bool
}

// Client exposes the GitHub operations required to publish a working branch as a pull request.
type Client interface {
	// FindPullRequest returns the open pull request from head (owner:branch) into base, or
	// ErrPullRequestNotFound.
	FindPullRequest(ctx context.Context, owner, repo, head, base string) (PullRequest, error)
	CreatePullRequest(ctx context.Context, owner, repo string, input CreatePROptions) (PullRequest, error)
	UpdatePullRequest(ctx context.Context, owner, repo string, number int, input UpdatePROptions) (PullRequest, error)
	// BranchHead returns the SHA a branch points at, or ErrBranchNotFound.
	BranchHead(ctx context.Context, owner, repo, branch string) (string, error)
}

// CreatePROptions defines the metadata used to open a pull request.
type CreatePROptions struct {
	Title               string
	Body                string
	Head                string
	Base                string
	Draft               bool
	MaintainerCanModify bool
	Labels              []string
	Assignees           []string
	// Reviewers accepts user logins and org/team slugs.
	Reviewers []string
}

// UpdatePROptions refreshes an existing pull request. Labels, assignees and reviewers are only ever added.
type UpdatePROptions struct {
	Title     string
	Body      string
	Labels    []string
	Assignees []string
	Reviewers []string
}

// Factory builds concrete GitHub clients (e.g., REST-backed) for the orchestrator.
type Factory interface {
	New(ctx context.Context, token string) (Client, error)
}

var (
	// ErrBranchNotFound indicates the requested branch does not exist.
	ErrBranchNotFound = errors.New("github: branch not found")
	// ErrPullRequestNotFound indicates no open pull request matches the head and base.
	ErrPullRequestNotFound = errors.New("github: pull request not found")
)

// retryableError marks an error that may succeed if the operation is retried.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	if e == nil || e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e *retryableError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// IsRetryable reports whether the supplied error resulted from a transient GitHub API failure (a network
// timeout, a 5xx or a rate-limited request). Callers use it to tell users a rerun may succeed.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var target *retryableError
	return errors.As(err, &target)
}
