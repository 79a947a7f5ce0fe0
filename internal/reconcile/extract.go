package reconcile

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/rancher/create-pull-request-action/internal/git"
)

// CommitSource is what the commit extractor needs from the gateway.
type CommitSource interface {
	Log(ctx context.Context, revRange, format string) (string, error)
	CommitMetadata(ctx context.Context, rev string) (git.Commit, error)
}

// ExtractCommits returns the commits in revRange (exclusive..inclusive), oldest first. Diff entries that
// could not be classified stay on each commit's Unparsed list and are summarized as one warning per commit.
func ExtractCommits(ctx context.Context, src CommitSource, revRange string) ([]git.Commit, []string, error) {
	ctx, span := tracer.Start(ctx, "extract_commits")
	defer span.End()

	out, err := src.Log(ctx, revRange, "%H")
	if err != nil {
		return nil, nil, fmt.Errorf("list commits %s: %w", revRange, err)
	}

	shas := strings.Fields(out)
	slices.Reverse(shas)

	commits := make([]git.Commit, 0, len(shas))
	var warnings []string
	for _, sha := range shas {
		commit, err := src.CommitMetadata(ctx, sha)
		if err != nil {
			return nil, nil, fmt.Errorf("read commit %s: %w", sha, err)
		}
		if len(commit.Unparsed) > 0 {
			warnings = append(warnings, fmt.Sprintf("commit %s has unparsed changes: %s", shortSHA(sha), strings.Join(commit.Unparsed, ", ")))
		}
		commits = append(commits, commit)
	}

	return commits, warnings, nil
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
