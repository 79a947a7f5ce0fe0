package orchestrator_test

import (
	"context"
	"errors"
	"io"
	"log/slog"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rancher/create-pull-request-action/internal/git"
	gh "github.com/rancher/create-pull-request-action/internal/github"
	"github.com/rancher/create-pull-request-action/internal/orchestrator"
	"github.com/rancher/create-pull-request-action/internal/reconcile"
)

type fakeGHClient struct {
	branchHeads  map[string]string
	branchErr    error
	existingPR   *gh.PullRequest
	findErr      error
	createInputs []gh.CreatePROptions
	createErr    error
	updateInputs []gh.UpdatePROptions
	findHeads    []string
}

func (f *fakeGHClient) FindPullRequest(_ context.Context, owner, repo, head, base string) (gh.PullRequest, error) {
	f.findHeads = append(f.findHeads, head+"->"+base)
	if f.findErr != nil {
		return gh.PullRequest{}, f.findErr
	}
	if f.existingPR == nil {
		return gh.PullRequest{}, gh.ErrPullRequestNotFound
	}
	return *f.existingPR, nil
}

func (f *fakeGHClient) CreatePullRequest(_ context.Context, owner, repo string, input gh.CreatePROptions) (gh.PullRequest, error) {
	f.createInputs = append(f.createInputs, input)
	if f.createErr != nil {
		return gh.PullRequest{}, f.createErr
	}
	return gh.PullRequest{Number: 42, URL: "https://github.com/rancher/charts/pull/42", Base: input.Base}, nil
}

func (f *fakeGHClient) UpdatePullRequest(_ context.Context, owner, repo string, number int, input gh.UpdatePROptions) (gh.PullRequest, error) {
	f.updateInputs = append(f.updateInputs, input)
	return gh.PullRequest{Number: number, URL: "https://github.com/rancher/charts/pull/7", Title: input.Title}, nil
}

func (f *fakeGHClient) BranchHead(_ context.Context, owner, repo, branch string) (string, error) {
	if f.branchErr != nil {
		return "", f.branchErr
	}
	sha, ok := f.branchHeads[owner+"/"+repo+":"+branch]
	if !ok {
		return "", gh.ErrBranchNotFound
	}
	return sha, nil
}

// fakeWorkspace only implements what the orchestrator calls itself; reconciliation is faked separately.
type fakeWorkspace struct {
	git.Workspace
	remote   string
	head     string
	pushes   []string
	pushErr  error
	cleaned  bool
	prepared string
}

func (w *fakeWorkspace) BranchRemote() string { return w.remote }

func (w *fakeWorkspace) RevParse(context.Context, string) (string, error) { return w.head, nil }

func (w *fakeWorkspace) Push(_ context.Context, remote, branch string, forceWithLease bool) error {
	if forceWithLease {
		branch += " (lease)"
	}
	w.pushes = append(w.pushes, branch)
	return w.pushErr
}

func (w *fakeWorkspace) Cleanup(context.Context) error {
	w.cleaned = true
	return nil
}

type fakeExecutor struct {
	ws  *fakeWorkspace
	err error
}

func (e *fakeExecutor) Prepare(_ context.Context, path string) (git.Workspace, error) {
	if e.err != nil {
		return nil, e.err
	}
	e.ws.prepared = path
	return e.ws, nil
}

type fakeReconciler struct {
	result reconcile.Result
	err    error
	got    []reconcile.Config
}

func (r *fakeReconciler) Reconcile(_ context.Context, cfg reconcile.Config) (reconcile.Result, error) {
	r.got = append(r.got, cfg)
	return r.result, r.err
}

var _ = Describe("Orchestrator", func() {
	var (
		ctx        context.Context
		cfg        orchestrator.Config
		client     *fakeGHClient
		workspace  *fakeWorkspace
		executor   *fakeExecutor
		reconciler *fakeReconciler
	)

	BeforeEach(func() {
		ctx = context.Background()
		cfg = orchestrator.Config{
			Owner: "rancher",
			Repo:  "charts",
			Reconcile: reconcile.Config{
				Branch:        "create-pull-request/patch",
				CommitMessage: "Update generated charts\n\nDetails.",
			},
			Labels:              []string{"automated"},
			Assignees:           []string{"alice"},
			Reviewers:           []string{"rancher/core"},
			Draft:               true,
			MaintainerCanModify: true,
		}
		client = &fakeGHClient{branchHeads: map[string]string{}}
		workspace = &fakeWorkspace{remote: "origin", head: "0123456789abcdef0123456789abcdef01234567"}
		executor = &fakeExecutor{ws: workspace}
		reconciler = &fakeReconciler{result: reconcile.Result{
			Action:          reconcile.ActionCreated,
			Base:            "main",
			HasDiffWithBase: true,
			HeadSHA:         "newhead",
			BranchCommits:   []git.Commit{{SHA: "newhead"}},
		}}
	})

	run := func() (orchestrator.Result, error) {
		o := orchestrator.New(cfg, client, executor, slog.New(slog.NewTextHandler(io.Discard, nil)),
			orchestrator.WithReconciler(func(reconcile.Gateway, *slog.Logger) orchestrator.Reconciler {
				return reconciler
			}),
		)
		return o.Run(ctx, "/work")
	}

	It("creates a pull request for a new branch", func() {
		res, err := run()
		Expect(err).NotTo(HaveOccurred())

		Expect(workspace.prepared).To(Equal("/work"))
		Expect(workspace.cleaned).To(BeTrue())
		Expect(reconciler.got).To(HaveLen(1))
		Expect(reconciler.got[0].Branch).To(Equal("create-pull-request/patch"))
		Expect(reconciler.got[0].BranchRemoteName).To(Equal("origin"))

		Expect(workspace.pushes).To(Equal([]string{"create-pull-request/patch"}))
		Expect(res.Pushed).To(BeTrue())
		Expect(res.Operation).To(Equal(orchestrator.OperationCreated))
		Expect(res.PullRequest).NotTo(BeNil())
		Expect(res.PullRequest.Number).To(Equal(42))

		Expect(client.findHeads).To(Equal([]string{"rancher:create-pull-request/patch->main"}))
		Expect(client.createInputs).To(HaveLen(1))
		input := client.createInputs[0]
		Expect(input.Title).To(Equal("Update generated charts"))
		Expect(input.Body).To(ContainSubstring("create-pull-request-action"))
		Expect(input.Head).To(Equal("rancher:create-pull-request/patch"))
		Expect(input.Base).To(Equal("main"))
		Expect(input.Draft).To(BeTrue())
		Expect(input.MaintainerCanModify).To(BeTrue())
		Expect(input.Labels).To(Equal([]string{"automated"}))
		Expect(input.Assignees).To(Equal([]string{"alice"}))
		Expect(input.Reviewers).To(Equal([]string{"rancher/core"}))
	})

	It("force pushes with a lease and updates the existing pull request", func() {
		reconciler.result.Action = reconcile.ActionUpdated
		reconciler.result.WasResetOrRebased = true
		client.branchHeads["rancher/charts:create-pull-request/patch"] = "oldhead"
		client.existingPR = &gh.PullRequest{Number: 7}
		cfg.Title = "Custom title"
		cfg.Body = "Custom body"

		res, err := run()
		Expect(err).NotTo(HaveOccurred())

		Expect(workspace.pushes).To(Equal([]string{"create-pull-request/patch (lease)"}))
		Expect(res.Operation).To(Equal(orchestrator.OperationUpdated))
		Expect(client.createInputs).To(BeEmpty())
		Expect(client.updateInputs).To(HaveLen(1))
		Expect(client.updateInputs[0].Title).To(Equal("Custom title"))
		Expect(client.updateInputs[0].Body).To(Equal("Custom body"))
		Expect(res.PullRequest.Number).To(Equal(7))
	})

	It("does not push when the remote branch already has the head", func() {
		reconciler.result.Action = reconcile.ActionNone
		client.branchHeads["rancher/charts:create-pull-request/patch"] = "newhead"
		client.existingPR = &gh.PullRequest{Number: 7}

		res, err := run()
		Expect(err).NotTo(HaveOccurred())
		Expect(workspace.pushes).To(BeEmpty())
		Expect(res.Pushed).To(BeFalse())
		Expect(res.Operation).To(Equal(orchestrator.OperationNotUpdated))
	})

	It("skips publishing when the branch has no differences with the base", func() {
		reconciler.result = reconcile.Result{Action: reconcile.ActionNone, Base: "main"}

		res, err := run()
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Operation).To(Equal(orchestrator.OperationNone))
		Expect(res.SkippedReason).To(ContainSubstring("no differences"))
		Expect(workspace.pushes).To(BeEmpty())
		Expect(client.findHeads).To(BeEmpty())
	})

	It("reconciles but neither pushes nor calls the API in dry run", func() {
		cfg.DryRun = true
		client = nil

		o := orchestrator.New(cfg, nil, executor, nil,
			orchestrator.WithReconciler(func(reconcile.Gateway, *slog.Logger) orchestrator.Reconciler {
				return reconciler
			}),
		)
		res, err := o.Run(ctx, "/work")
		Expect(err).NotTo(HaveOccurred())
		Expect(reconciler.got).To(HaveLen(1))
		Expect(workspace.pushes).To(BeEmpty())
		Expect(res.Operation).To(Equal(orchestrator.OperationNone))
		Expect(res.SkippedReason).To(Equal("dry run enabled"))
	})

	It("pushes to the fork and opens the pull request from it", func() {
		cfg.ForkOwner = "someone"
		cfg.ForkRepo = "charts-fork"
		workspace.remote = git.ForkRemoteName
		client.branchHeads["rancher/charts:create-pull-request/patch"] = "newhead"

		res, err := run()
		Expect(err).NotTo(HaveOccurred())
		Expect(reconciler.got[0].BranchRemoteName).To(Equal(git.ForkRemoteName))
		Expect(workspace.pushes).To(HaveLen(1), "the base repository head must not suppress a push to the fork")
		Expect(client.createInputs[0].Head).To(Equal("someone:create-pull-request/patch"))
		Expect(res.Operation).To(Equal(orchestrator.OperationCreated))
	})

	It("applies the short commit hash suffix from the checkout", func() {
		cfg.BranchSuffix = gh.SuffixShortCommitHash

		res, err := run()
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Branch).To(Equal("create-pull-request/patch-0123456"))
		Expect(reconciler.got[0].Branch).To(Equal("create-pull-request/patch-0123456"))
	})

	Describe("failures", func() {
		It("requires a git executor", func() {
			_, err := orchestrator.New(cfg, client, nil, nil).Run(ctx, "/work")
			Expect(err).To(MatchError(ContainSubstring("git executor is required")))
		})

		It("requires a github client outside dry run", func() {
			_, err := orchestrator.New(cfg, nil, executor, nil).Run(ctx, "/work")
			Expect(err).To(MatchError(ContainSubstring("github client is required")))
		})

		It("wraps prepare failures", func() {
			executor.err = errors.New("not a git repository")
			_, err := run()
			Expect(err).To(MatchError(ContainSubstring("prepare workspace: not a git repository")))
		})

		It("propagates reconcile errors and still cleans up", func() {
			reconciler.err = reconcile.ErrBaseRequired
			_, err := run()
			Expect(errors.Is(err, reconcile.ErrBaseRequired)).To(BeTrue())
			Expect(workspace.cleaned).To(BeTrue())
		})

		It("fails when the push fails", func() {
			workspace.pushErr = errors.New("rejected")
			_, err := run()
			Expect(err).To(MatchError(ContainSubstring("push branch create-pull-request/patch: rejected")))
			Expect(client.createInputs).To(BeEmpty())
		})

		It("fails on unexpected branch lookup errors", func() {
			client.branchErr = errors.New("boom")
			_, err := run()
			Expect(err).To(MatchError(ContainSubstring("get remote branch")))
		})

		It("wraps pull request creation failures", func() {
			client.createErr = errors.New("validation failed")
			_, err := run()
			Expect(err).To(MatchError(ContainSubstring("create pull request: validation failed")))
		})

		It("wraps pull request lookup failures", func() {
			client.findErr = errors.New("server error")
			_, err := run()
			Expect(err).To(MatchError(ContainSubstring("find pull request for rancher:create-pull-request/patch")))
		})
	})
})
