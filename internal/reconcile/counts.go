package reconcile

import (
	"context"
	"fmt"
)

// RevCounter counts revisions in a range. Gateway satisfies it.
type RevCounter interface {
	RevListCount(ctx context.Context, revRange string, flags ...string) (int, error)
}

// CommitsAhead counts the commits reachable from y but not from x.
func CommitsAhead(ctx context.Context, rc RevCounter, x, y string) (int, error) {
	n, err := rc.RevListCount(ctx, x+"..."+y, "--right-only")
	if err != nil {
		return 0, fmt.Errorf("count commits ahead of %s: %w", x, err)
	}
	return n, nil
}

// CommitsBehind counts the commits reachable from x but not from y.
func CommitsBehind(ctx context.Context, rc RevCounter, x, y string) (int, error) {
	n, err := rc.RevListCount(ctx, x+"..."+y, "--left-only")
	if err != nil {
		return 0, fmt.Errorf("count commits behind %s: %w", x, err)
	}
	return n, nil
}

// IsAhead reports whether y has commits x lacks.
func IsAhead(ctx context.Context, rc RevCounter, x, y string) (bool, error) {
	n, err := CommitsAhead(ctx, rc, x, y)
	return n > 0, err
}

// IsBehind reports whether x has commits y lacks, i.e. y is behind x.
func IsBehind(ctx context.Context, rc RevCounter, x, y string) (bool, error) {
	n, err := CommitsBehind(ctx, rc, x, y)
	return n > 0, err
}
