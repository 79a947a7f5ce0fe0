package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/rancher/create-pull-request-action/internal/git"
	gh "github.com/rancher/create-pull-request-action/internal/github"
	"github.com/rancher/create-pull-request-action/internal/reconcile"
)

var tracer = otel.Tracer("github.com/rancher/create-pull-request-action/internal/orchestrator")

// Operation reports what happened to the pull request.
type Operation string

const (
	OperationCreated    Operation = "created"
	OperationUpdated    Operation = "updated"
	OperationNotUpdated Operation = "not-updated"
	OperationNone       Operation = "none"
)

// Result captures the outcome of a single orchestrator run.
type Result struct {
	Branch      string
	Reconcile   reconcile.Result
	Operation   Operation
	Pushed      bool
	PullRequest *gh.PullRequest
	// Skipped explains why publishing stopped after reconciliation.
	SkippedReason string
}

// Reconciler is the branch reconciliation step. *reconcile.Reconciler satisfies it.
type Reconciler interface {
	Reconcile(ctx context.Context, cfg reconcile.Config) (reconcile.Result, error)
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithReconciler replaces how the reconciler is built for a prepared workspace.
func WithReconciler(fn func(gw reconcile.Gateway, logger *slog.Logger) Reconciler) Option {
	return func(o *Orchestrator) {
		o.newReconciler = fn
	}
}

// Orchestrator prepares the checkout, reconciles the working branch and publishes it as a pull request.
type Orchestrator struct {
	cfg           Config
	gh            gh.Client
	git           git.Executor
	log           *slog.Logger
	newReconciler func(gw reconcile.Gateway, logger *slog.Logger) Reconciler
}

// New returns a configured Orchestrator instance.
func New(cfg Config, ghClient gh.Client, gitExecutor git.Executor, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg: cfg,
		gh:  ghClient,
		git: gitExecutor,
		log: logger,
		newReconciler: func(gw reconcile.Gateway, logger *slog.Logger) Reconciler {
			return reconcile.New(gw, logger)
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run reconciles the working branch of the checkout at path and creates or refreshes its pull request.
// A best-effort Result is always returned when err == nil.
func (o *Orchestrator) Run(ctx context.Context, path string) (res Result, err error) {
	ctx, span := tracer.Start(ctx, "create_pull_request")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.String("operation", string(res.Operation)))
		}
		span.End()
	}()

	if o.git == nil {
		return Result{}, fmt.Errorf("git executor is required")
	}
	if o.gh == nil && !o.cfg.DryRun {
		return Result{}, fmt.Errorf("github client is required")
	}

	workspace, err := o.git.Prepare(ctx, path)
	if err != nil {
		return Result{}, fmt.Errorf("prepare workspace: %w", err)
	}
	defer func() {
		if err := workspace.Cleanup(ctx); err != nil && o.log != nil {
			o.log.Warn("failed to cleanup workspace", "error", err)
		}
	}()

	branch, err := o.branchName(ctx, workspace)
	if err != nil {
		return Result{}, err
	}
	res = Result{Branch: branch, Operation: OperationNone}

	rcfg := o.cfg.Reconcile
	rcfg.Branch = branch
	rcfg.BranchRemoteName = workspace.BranchRemote()

	res.Reconcile, err = o.newReconciler(workspace, o.log).Reconcile(ctx, rcfg)
	if err != nil {
		return Result{}, fmt.Errorf("reconcile branch %s: %w", branch, err)
	}
	for _, warning := range res.Reconcile.Warnings {
		if o.log != nil {
			o.log.Warn("commit extraction warning", "branch", branch, "warning", warning)
		}
	}

	if !res.Reconcile.HasDiffWithBase {
		res.SkippedReason = fmt.Sprintf("branch %s has no differences with %s", branch, res.Reconcile.Base)
		if o.log != nil {
			o.log.Info("skipping pull request: no differences with base", "branch", branch, "base", res.Reconcile.Base)
		}
		return res, nil
	}

	if o.cfg.DryRun {
		res.SkippedReason = "dry run enabled"
		if o.log != nil {
			o.log.Info("dry run: skipping push and pull request",
				"branch", branch,
				"base", res.Reconcile.Base,
				"action", res.Reconcile.Action,
				"commits", len(res.Reconcile.BranchCommits),
			)
		}
		return res, nil
	}

	res.Pushed, err = o.push(ctx, workspace, branch, res.Reconcile)
	if err != nil {
		return Result{}, err
	}

	pr, op, err := o.publish(ctx, branch, res.Reconcile, res.Pushed)
	if err != nil {
		return Result{}, err
	}
	res.PullRequest = &pr
	res.Operation = op

	return res, nil
}

// branchName applies the configured suffix. The short-commit-hash suffix uses the checkout's HEAD before
// reconciliation.
func (o *Orchestrator) branchName(ctx context.Context, workspace git.Workspace) (string, error) {
	headSHA := ""
	if o.cfg.BranchSuffix == gh.SuffixShortCommitHash {
		sha, err := workspace.RevParse(ctx, "HEAD")
		if err != nil {
			return "", fmt.Errorf("resolve HEAD for branch suffix: %w", err)
		}
		headSHA = sha
	}

	branch, err := gh.BranchWithSuffix(o.cfg.Reconcile.Branch, o.cfg.BranchSuffix, headSHA)
	if err != nil {
		return "", fmt.Errorf("branch name: %w", err)
	}
	return branch, nil
}

// push publishes the branch unless the remote already points at the reconciled head. Existing branches are
// pushed with a lease so a reset or rebase can replace their history.
func (o *Orchestrator) push(ctx context.Context, workspace git.Workspace, branch string, rec reconcile.Result) (bool, error) {
	remoteHead, err := o.gh.BranchHead(ctx, o.cfg.headOwner(), o.cfg.headRepo(), branch)
	if err != nil && !errors.Is(err, gh.ErrBranchNotFound) {
		return false, fmt.Errorf("get remote branch %s: %w", branch, err)
	}
	if remoteHead != "" && remoteHead == rec.HeadSHA {
		if o.log != nil {
			o.log.Info("branch already up to date on remote", "branch", branch, "head_sha", rec.HeadSHA)
		}
		return false, nil
	}

	forceWithLease := rec.Action != reconcile.ActionCreated
	if err := workspace.Push(ctx, "", branch, forceWithLease); err != nil {
		return false, fmt.Errorf("push branch %s: %w", branch, err)
	}
	if o.log != nil {
		o.log.Info("pushed branch", "branch", branch, "remote", workspace.BranchRemote(), "head_sha", rec.HeadSHA, "force_with_lease", forceWithLease)
	}
	return true, nil
}

func (o *Orchestrator) publish(ctx context.Context, branch string, rec reconcile.Result, pushed bool) (gh.PullRequest, Operation, error) {
	head := fmt.Sprintf("%s:%s", o.cfg.headOwner(), branch)

	existing, err := o.gh.FindPullRequest(ctx, o.cfg.Owner, o.cfg.Repo, head, rec.Base)
	switch {
	case errors.Is(err, gh.ErrPullRequestNotFound):
		created, err := o.gh.CreatePullRequest(ctx, o.cfg.Owner, o.cfg.Repo, o.buildCreatePROptions(head, rec))
		if err != nil {
			return gh.PullRequest{}, "", fmt.Errorf("create pull request: %w", err)
		}
		if o.log != nil {
			o.log.Info("created pull request", "owner", o.cfg.Owner, "repo", o.cfg.Repo, "base_branch", rec.Base, "head_branch", branch, "pr_number", created.Number, "pr_url", created.URL)
		}
		return created, OperationCreated, nil
	case err != nil:
		return gh.PullRequest{}, "", fmt.Errorf("find pull request for %s: %w", head, err)
	}

	updated, err := o.gh.UpdatePullRequest(ctx, o.cfg.Owner, o.cfg.Repo, existing.Number, gh.UpdatePROptions{
		Title:     o.title(),
		Body:      o.body(),
		Labels:    o.cfg.Labels,
		Assignees: o.cfg.Assignees,
		Reviewers: o.cfg.Reviewers,
	})
	if err != nil {
		return gh.PullRequest{}, "", fmt.Errorf("update pull request #%d: %w", existing.Number, err)
	}
	if updated.Number == 0 {
		updated = existing
	}

	op := OperationNotUpdated
	if pushed {
		op = OperationUpdated
	}
	if o.log != nil {
		o.log.Info("refreshed pull request", "pr_number", updated.Number, "pr_url", updated.URL, "operation", op)
	}
	return updated, op, nil
}

func (o *Orchestrator) buildCreatePROptions(head string, rec reconcile.Result) gh.CreatePROptions {
	return gh.CreatePROptions{
		Title:               o.title(),
		Body:                o.body(),
		Head:                head,
		Base:                rec.Base,
		Draft:               o.cfg.Draft,
		MaintainerCanModify: o.cfg.MaintainerCanModify,
		Labels:              o.cfg.Labels,
		Assignees:           o.cfg.Assignees,
		Reviewers:           o.cfg.Reviewers,
	}
}

func (o *Orchestrator) title() string {
	if title := strings.TrimSpace(o.cfg.Title); title != "" {
		return title
	}
	subject, _, _ := strings.Cut(strings.TrimSpace(o.cfg.Reconcile.CommitMessage), "\n")
	return strings.TrimSpace(subject)
}

func (o *Orchestrator) body() string {
	if body := strings.TrimSpace(o.cfg.Body); body != "" {
		return body
	}
	return "Automated changes by rancher/create-pull-request-action."
}
