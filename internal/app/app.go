package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/rancher/create-pull-request-action/internal/event"
	"github.com/rancher/create-pull-request-action/internal/git"
	gh "github.com/rancher/create-pull-request-action/internal/github"
	"github.com/rancher/create-pull-request-action/internal/orchestrator"
	"github.com/rancher/create-pull-request-action/internal/reconcile"
	"github.com/rancher/create-pull-request-action/internal/telemetry"
)

var tracer = otel.Tracer("github.com/rancher/create-pull-request-action/internal/app")

// Version is stamped into telemetry resources; release builds override it with -ldflags.
var Version = "dev"

// Runner glues together the orchestrator and supporting services to execute the create-pull-request flow.
type Runner struct {
	cfg       Config
	log       *slog.Logger
	logCloser io.Closer
	telemetry *telemetry.Provider
	ghFactory gh.Factory
	gitExec   git.Executor // only set for testing via NewRunnerWithDeps
}

// NewRunner constructs a Runner with the supplied configuration. Close must be called once the run is over.
func NewRunner(ctx context.Context, cfg Config) (*Runner, error) {
	logger, closer, err := NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	provider, err := telemetry.NewProvider(ctx, telemetry.Config{Enabled: cfg.Tracing, Version: Version})
	if err != nil {
		_ = closer.Close()
		return nil, fmt.Errorf("configure tracing: %w", err)
	}
	logger = logger.With("run_id", provider.RunID())

	factory := gh.NewRESTFactory(cfg.GitHubBaseURL, cfg.GitHubUploadURL)
	if cfg.DryRun {
		factory = gh.NewDryRunFactory()
	}

	return &Runner{
		cfg:       cfg,
		log:       logger,
		logCloser: closer,
		telemetry: provider,
		ghFactory: factory,
		gitExec:   nil,
	}, nil
}

// NewRunnerWithDeps constructs a Runner with injected dependencies for testing.
func NewRunnerWithDeps(cfg Config, log *slog.Logger, ghFactory gh.Factory, gitExec git.Executor) *Runner {
	return &Runner{cfg: cfg, log: log, ghFactory: ghFactory, gitExec: gitExec}
}

// Close flushes pending spans and releases the log file.
func (r *Runner) Close(ctx context.Context) error {
	var errs []error
	if err := r.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if r.logCloser != nil {
		if err := r.logCloser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close log file: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Run executes the application using the provided context.
func (r *Runner) Run(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "run")
	defer span.End()

	err := r.run(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if err != nil && r.log != nil {
		r.log.Error("create pull request failed",
			"error", err,
			"retryable", gh.IsRetryable(err),
			"base_required", errors.Is(err, reconcile.ErrBaseRequired),
		)
	}
	return err
}

func (r *Runner) run(ctx context.Context) error {
	if r.log != nil {
		r.log.Info("starting create-pull-request action run",
			"dry_run", r.cfg.DryRun,
			"branch", r.cfg.Branch,
			"base", r.cfg.Base,
			"config_sync", r.cfg.ConfigSync,
		)
	}

	repo, err := event.ResolveRepository(os.Getenv("GITHUB_EVENT_PATH"), os.Getenv("GITHUB_REPOSITORY"))
	if err != nil {
		return fmt.Errorf("resolve repository: %w", err)
	}

	ghClient, err := r.ghFactory.New(ctx, r.cfg.GitHubToken)
	if err != nil {
		return fmt.Errorf("initialize github client: %w", err)
	}

	gitExec := r.gitExec
	if gitExec == nil {
		gitExec = r.buildGitExecutor()
	}

	orchCfg := orchestrator.Config{
		Owner: repo.Owner,
		Repo:  repo.Name,
		Reconcile: reconcile.Config{
			Base:          r.cfg.Base,
			Branch:        r.cfg.Branch,
			CommitMessage: r.cfg.CommitMessage,
			Signoff:       r.cfg.Signoff,
			AddPaths:      r.cfg.AddPaths,
			IsConfigSync:  r.cfg.ConfigSync,
		},
		BranchSuffix:        r.cfg.BranchSuffix,
		Title:               r.cfg.Title,
		Body:                r.cfg.Body,
		Labels:              r.cfg.Labels,
		Assignees:           r.cfg.Assignees,
		Reviewers:           r.cfg.Reviewers,
		Draft:               r.cfg.Draft,
		MaintainerCanModify: r.cfg.MaintainerCanModify,
		DryRun:              r.cfg.DryRun,
	}
	if r.cfg.PushToFork != "" {
		orchCfg.ForkOwner, orchCfg.ForkRepo, _ = strings.Cut(r.cfg.PushToFork, "/")
	}

	orch := orchestrator.New(orchCfg, ghClient, gitExec, r.log)

	result, err := orch.Run(ctx, r.workspacePath())
	if err != nil {
		return fmt.Errorf("create pull request: %w", err)
	}

	if r.log != nil {
		attrs := []any{
			"branch", result.Branch,
			"base", result.Reconcile.Base,
			"action", result.Reconcile.Action,
			"operation", result.Operation,
			"commits", len(result.Reconcile.BranchCommits),
			"trace_id", telemetry.TraceID(ctx),
		}
		if result.PullRequest != nil {
			attrs = append(attrs, "pr_number", result.PullRequest.Number, "pr_url", result.PullRequest.URL)
		}
		if result.SkippedReason != "" {
			attrs = append(attrs, "skipped_reason", result.SkippedReason)
		}
		r.log.Info("create-pull-request action finished", attrs...)
	}

	if err := r.writeStepSummary(result); err != nil && r.log != nil {
		r.log.Warn("failed to write step summary", "error", err)
	}

	if err := r.writeGitHubOutputs(result); err != nil && r.log != nil {
		r.log.Warn("failed to write action outputs", "error", err)
	}

	return nil
}

// workspacePath resolves a relative path input against GITHUB_WORKSPACE when the runner provides one.
func (r *Runner) workspacePath() string {
	path := r.cfg.Path
	if path == "" {
		path = "."
	}
	if filepath.IsAbs(path) {
		return path
	}
	if root := strings.TrimSpace(os.Getenv("GITHUB_WORKSPACE")); root != "" {
		return filepath.Join(root, path)
	}
	return path
}

func (r *Runner) buildGitExecutor() git.Executor {
	exec := git.NewShellExecutor()
	exec.Token = r.cfg.GitHubToken
	exec.UserName = r.cfg.GitUserName
	exec.UserEmail = r.cfg.GitUserEmail
	exec.SigningKey = r.cfg.GitSigningKey
	exec.SigningPassphrase = r.cfg.GitSigningPass
	exec.ForkRepository = r.cfg.PushToFork

	if remote := remoteURLBuilder(r.cfg); remote != nil {
		exec.RemoteURL = remote
	}

	return exec
}

func remoteURLBuilder(cfg Config) func(owner, repo string) string {
	base := strings.TrimSpace(cfg.GitHubBaseURL)
	if base == "" {
		return nil
	}

	parsed, err := url.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil
	}

	root := (&url.URL{Scheme: parsed.Scheme, Host: parsed.Host}).String()
	root = strings.TrimRight(root, "/")

	return func(owner, repo string) string {
		return fmt.Sprintf("%s/%s/%s.git", root, owner, repo)
	}
}
