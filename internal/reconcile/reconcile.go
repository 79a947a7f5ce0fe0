// Package reconcile brings a long-lived working branch up to date with a checkout and a base branch.
//
// A run resolves what is checked out, makes sure the working branch exists locally, resolves divergence
// from the base branch (soft reset for config-sync repositories, rebase otherwise), commits outstanding
// changes and reports the commits the branch carries on top of the base.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rancher/create-pull-request-action/internal/git"
)

// DefaultRemote is the remote the base branch is always fetched from.
const DefaultRemote = "origin"

var tracer = otel.Tracer("github.com/rancher/create-pull-request-action/internal/reconcile")

// ErrBaseRequired is returned when no base branch was configured and none can be taken from the checkout:
// HEAD is detached, or the working branch itself is checked out.
var ErrBaseRequired = errors.New("base branch is required")

// Gateway is the set of git primitives the reconciler drives. git.Workspace satisfies it.
type Gateway interface {
	SymbolicRef(ctx context.Context, ref string) (string, int)
	RevParse(ctx context.Context, ref string) (string, error)
	Fetch(ctx context.Context, opts git.FetchOptions) error
	Checkout(ctx context.Context, branch, startPoint string) error
	IsDirty(ctx context.Context, untracked bool, paths []string) (bool, error)
	Stage(ctx context.Context, paths []string) error
	HasStagedChanges(ctx context.Context) (bool, error)
	Commit(ctx context.Context, message string, signoff bool) (git.CommandResult, error)
	Log(ctx context.Context, revRange, format string) (string, error)
	RevListCount(ctx context.Context, revRange string, flags ...string) (int, error)
	CommitMetadata(ctx context.Context, rev string) (git.Commit, error)
	Exec(ctx context.Context, args []string, allowFailure bool) (git.CommandResult, error)
}

// WorkingBaseType tells whether a branch or a bare commit was checked out.
type WorkingBaseType string

const (
	WorkingBaseBranch WorkingBaseType = "branch"
	WorkingBaseCommit WorkingBaseType = "commit"
)

// WorkingBase is the ref or commit checked out before reconciliation begins.
type WorkingBase struct {
	Ref  string
	Type WorkingBaseType
}

// Action summarizes what happened to the working branch.
type Action string

const (
	ActionNone    Action = "none"
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
)

// Config is the immutable input of a reconciliation run.
type Config struct {
	// Base is the branch the working branch is compared against. Defaults to the working base.
	Base string
	// Branch is the working branch to create or update.
	Branch string
	// BranchRemoteName is the remote the working branch lives on. Defaults to DefaultRemote.
	BranchRemoteName string
	CommitMessage    string
	Signoff          bool
	// AddPaths restricts staging; empty stages everything.
	AddPaths []string
	// IsConfigSync selects the history-discarding policy for regenerable repositories.
	IsConfigSync bool
}

func (c Config) branchRemote() string {
	if c.BranchRemoteName == "" {
		return DefaultRemote
	}
	return c.BranchRemoteName
}

// Result is produced once per run and handed to whoever publishes the pull request.
type Result struct {
	Action            Action
	Base              string
	HasDiffWithBase   bool
	WasResetOrRebased bool
	BaseCommit        git.Commit
	HeadSHA           string
	// BranchCommits are the commits on the branch but not on the base, oldest first.
	BranchCommits []git.Commit
	// Warnings lists diff entries the commit extractor could not classify, one entry per commit.
	Warnings []string
}

// Reconciler runs the reconciliation steps against a single checkout. It is not safe for concurrent use
// because every step mutates the same working tree.
type Reconciler struct {
	gw  Gateway
	log *slog.Logger
}

// New returns a Reconciler driving gw.
func New(gw Gateway, logger *slog.Logger) *Reconciler {
	return &Reconciler{gw: gw, log: logger}
}

// WorkingBase resolves what is currently checked out.
func (r *Reconciler) WorkingBase(ctx context.Context) (WorkingBase, error) {
	if ref, code := r.gw.SymbolicRef(ctx, "HEAD"); code == 0 && ref != "" {
		return WorkingBase{Ref: ref, Type: WorkingBaseBranch}, nil
	}

	sha, err := r.gw.RevParse(ctx, "HEAD")
	if err != nil {
		return WorkingBase{}, fmt.Errorf("resolve HEAD: %w", err)
	}
	return WorkingBase{Ref: sha, Type: WorkingBaseCommit}, nil
}

// Reconcile creates or updates cfg.Branch so it carries the checkout's changes on top of the base.
func (r *Reconciler) Reconcile(ctx context.Context, cfg Config) (res Result, err error) {
	ctx, span := tracer.Start(ctx, "reconcile", trace.WithAttributes(
		attribute.String("branch", cfg.Branch),
		attribute.String("base", cfg.Base),
		attribute.Bool("config_sync", cfg.IsConfigSync),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(
				attribute.String("action", string(res.Action)),
				attribute.Bool("has_diff_with_base", res.HasDiffWithBase),
				attribute.Int("branch_commits", len(res.BranchCommits)),
			)
		}
		span.End()
	}()

	if strings.TrimSpace(cfg.Branch) == "" {
		return Result{}, fmt.Errorf("branch is required")
	}

	res = Result{Action: ActionNone}

	workingBase, err := r.WorkingBase(ctx)
	if err != nil {
		return Result{}, err
	}
	if workingBase.Type == WorkingBaseCommit && cfg.Base == "" {
		return Result{}, fmt.Errorf("%w: HEAD is detached at commit %s", ErrBaseRequired, workingBase.Ref)
	}
	r.debug("resolved working base", "ref", workingBase.Ref, "type", workingBase.Type)

	base := cfg.Base
	if base == "" {
		base = workingBase.Ref
	}
	if base == cfg.Branch {
		if cfg.Base == "" {
			return Result{}, fmt.Errorf("%w: working branch %s is checked out", ErrBaseRequired, cfg.Branch)
		}
		return Result{}, fmt.Errorf("base and branch are both %s", cfg.Branch)
	}
	remoteBase := DefaultRemote + "/" + base
	branchRemote := cfg.branchRemote()
	trackingRef := fmt.Sprintf("refs/remotes/%s/%s", branchRemote, cfg.Branch)

	if cfg.Branch != workingBase.Ref {
		if r.probeRemoteBranch(ctx, branchRemote, cfg.Branch, 0) {
			if err := r.gw.Checkout(ctx, cfg.Branch, ""); err != nil {
				return Result{}, fmt.Errorf("checkout existing branch: %w", err)
			}
			r.info("checked out existing branch", "branch", cfg.Branch, "remote", branchRemote)
		} else {
			start, err := r.startPoint(ctx, base)
			if err != nil {
				return Result{}, err
			}
			if err := r.gw.Checkout(ctx, cfg.Branch, start); err != nil {
				return Result{}, fmt.Errorf("create branch: %w", err)
			}
			res.Action = ActionCreated
			r.info("created branch", "branch", cfg.Branch, "base", base)
		}
	}

	// Both are recorded before anything is committed so an unchanged branch can be told apart from an
	// updated one. The upstream SHA is only known once the branch has been fetched or pushed.
	startSHA, err := r.gw.RevParse(ctx, "HEAD")
	if err != nil {
		return Result{}, fmt.Errorf("resolve branch head: %w", err)
	}
	upstreamSHA := ""
	if res.Action != ActionCreated {
		upstreamSHA, _ = r.gw.RevParse(ctx, trackingRef)
	}

	if err := r.fetchBase(ctx, base); err != nil {
		return Result{}, err
	}

	if cfg.IsConfigSync {
		behind, err := IsBehind(ctx, r.gw, remoteBase, "HEAD")
		if err != nil {
			return Result{}, err
		}
		if behind {
			if _, err := r.gw.Exec(ctx, []string{"reset", "--soft", remoteBase}, false); err != nil {
				return Result{}, fmt.Errorf("reset branch to %s: %w", remoteBase, err)
			}
			res.WasResetOrRebased = true
			r.info("reset branch onto base", "branch", cfg.Branch, "base", remoteBase)
		}
	}

	committed, err := r.commitChanges(ctx, cfg)
	if err != nil {
		return Result{}, err
	}
	if committed {
		r.info("committed outstanding changes", "branch", cfg.Branch)
	}

	if !cfg.IsConfigSync {
		behind, err := IsBehind(ctx, r.gw, remoteBase, "HEAD")
		if err != nil {
			return Result{}, err
		}
		if behind {
			args := []string{"pull", "--rebase", "--autostash", "--no-edit", DefaultRemote, base}
			if _, err := r.gw.Exec(ctx, args, false); err != nil {
				_, _ = r.gw.Exec(ctx, []string{"rebase", "--abort"}, true)
				return Result{}, fmt.Errorf("rebase branch onto %s: %w", remoteBase, err)
			}
			res.WasResetOrRebased = true
			r.info("rebased branch onto base", "branch", cfg.Branch, "base", remoteBase)
		}
	}

	res.HasDiffWithBase, err = IsAhead(ctx, r.gw, remoteBase, "HEAD")
	if err != nil {
		return Result{}, err
	}

	res.Base = base

	res.BaseCommit, err = r.gw.CommitMetadata(ctx, remoteBase)
	if err != nil {
		return Result{}, fmt.Errorf("resolve base commit: %w", err)
	}
	res.HeadSHA, err = r.gw.RevParse(ctx, "HEAD")
	if err != nil {
		return Result{}, fmt.Errorf("resolve branch head: %w", err)
	}

	if res.HasDiffWithBase {
		res.BranchCommits, res.Warnings, err = ExtractCommits(ctx, r.gw, remoteBase+"..HEAD")
		if err != nil {
			return Result{}, err
		}
		moved := res.HeadSHA != startSHA
		unpublished := upstreamSHA != "" && res.HeadSHA != upstreamSHA
		if res.Action != ActionCreated && (moved || unpublished) {
			res.Action = ActionUpdated
		}
	}

	r.info("reconciled branch",
		"branch", cfg.Branch,
		"base", res.Base,
		"action", res.Action,
		"has_diff_with_base", res.HasDiffWithBase,
		"was_reset_or_rebased", res.WasResetOrRebased,
		"head_sha", res.HeadSHA,
		"branch_commits", len(res.BranchCommits),
	)

	return res, nil
}

// probeRemoteBranch fetches branch from remote into its tracking ref. Any failure means the branch does not
// exist upstream yet.
func (r *Reconciler) probeRemoteBranch(ctx context.Context, remote, branch string, depth int) bool {
	err := r.gw.Fetch(ctx, git.FetchOptions{
		Remote:   remote,
		Refspecs: []string{fmt.Sprintf("%s:refs/remotes/%s/%s", branch, remote, branch)},
		Depth:    depth,
		Force:    true,
	})
	if err != nil {
		r.debug("remote branch not found", "remote", remote, "branch", branch, "error", err)
		return false
	}
	return true
}

// startPoint picks where a new branch starts: the local base branch, or the base's remote-tracking ref when
// the checkout has no local copy of it. The base is fetched first when neither exists yet.
func (r *Reconciler) startPoint(ctx context.Context, base string) (string, error) {
	if _, err := r.gw.RevParse(ctx, "refs/heads/"+base); err == nil {
		return base, nil
	}
	remoteBase := DefaultRemote + "/" + base
	if _, err := r.gw.RevParse(ctx, remoteBase); err == nil {
		return remoteBase, nil
	}
	if err := r.fetchBase(ctx, base); err != nil {
		return "", err
	}
	return remoteBase, nil
}

// fetchBase refreshes the base remote-tracking ref. A failed fetch is tolerated as long as a previously
// fetched ref is still available to compare against.
func (r *Reconciler) fetchBase(ctx context.Context, base string) error {
	err := r.gw.Fetch(ctx, git.FetchOptions{
		Remote:   DefaultRemote,
		Refspecs: []string{fmt.Sprintf("%s:refs/remotes/%s/%s", base, DefaultRemote, base)},
		Force:    true,
	})
	if err == nil {
		return nil
	}

	if _, revErr := r.gw.RevParse(ctx, DefaultRemote+"/"+base); revErr != nil {
		return fmt.Errorf("fetch base %s: %w", base, err)
	}
	if r.log != nil {
		r.log.Warn("failed to fetch base, using existing remote-tracking ref", "base", base, "error", err)
	}
	return nil
}

// commitChanges stages and commits outstanding changes. It reports whether a commit was created.
func (r *Reconciler) commitChanges(ctx context.Context, cfg Config) (bool, error) {
	dirty, err := r.gw.IsDirty(ctx, true, cfg.AddPaths)
	if err != nil {
		return false, fmt.Errorf("check working tree: %w", err)
	}
	if !dirty {
		return false, nil
	}

	if err := r.gw.Stage(ctx, cfg.AddPaths); err != nil {
		return false, fmt.Errorf("stage changes: %w", err)
	}

	staged, err := r.gw.HasStagedChanges(ctx)
	if err != nil {
		return false, fmt.Errorf("check staged changes: %w", err)
	}
	if !staged {
		// Line-ending normalization can leave a dirty tree that stages to nothing.
		r.debug("nothing to commit after staging", "branch", cfg.Branch)
		return false, nil
	}

	out, err := r.gw.Commit(ctx, cfg.CommitMessage, cfg.Signoff)
	if err != nil {
		return false, fmt.Errorf("commit changes: %w", err)
	}
	if out.ExitCode == 0 {
		return true, nil
	}
	if nothingToCommit(out) {
		r.debug("git reported nothing to commit", "branch", cfg.Branch)
		return false, nil
	}
	return false, fmt.Errorf("commit changes: git exited with %d: %s", out.ExitCode, strings.TrimSpace(out.Stderr))
}

func nothingToCommit(out git.CommandResult) bool {
	return strings.Contains(out.Stdout, "nothing to commit") || strings.Contains(out.Stdout, "nothing added to commit")
}

func (r *Reconciler) info(msg string, args ...any) {
	if r.log != nil {
		r.log.Info(msg, args...)
	}
}

func (r *Reconciler) debug(msg string, args ...any) {
	if r.log != nil {
		r.log.Debug(msg, args...)
	}
}
