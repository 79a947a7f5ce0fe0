package gh

import (
	"context"
	"errors"
)

// ErrDryRun is returned by every call on a dry-run client.
var ErrDryRun = errors.New("github: api calls are disabled in dry run")

// NewDryRunFactory returns a Factory whose clients refuse every call. It lets dry runs proceed without a
// token; the orchestrator never reaches the API when dry run is enabled.
func NewDryRunFactory() Factory {
	return dryRunFactory{}
}

type dryRunFactory struct{}

func (dryRunFactory) New(context.Context, string) (Client, error) {
	return dryRunClient{}, nil
}

type dryRunClient struct{}

func (dryRunClient) FindPullRequest(context.Context, string, string, string, string) (PullRequest, error) {
	return PullRequest{}, ErrDryRun
}

func (dryRunClient) CreatePullRequest(context.Context, string, string, CreatePROptions) (PullRequest, error) {
	return PullRequest{}, ErrDryRun
}

func (dryRunClient) UpdatePullRequest(context.Context, string, string, int, UpdatePROptions) (PullRequest, error) {
	return PullRequest{}, ErrDryRun
}

func (dryRunClient) BranchHead(context.Context, string, string, string) (string, error) {
	return "", ErrDryRun
}
