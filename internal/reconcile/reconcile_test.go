package reconcile_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rancher/create-pull-request-action/internal/git"
	"github.com/rancher/create-pull-request-action/internal/reconcile"
)

const (
	aheadKey  = "origin/main...HEAD --right-only"
	behindKey = "origin/main...HEAD --left-only"
)

var _ = Describe("Reconciler", func() {
	var (
		ctx context.Context
		gw  *fakeGateway
		cfg reconcile.Config
	)

	BeforeEach(func() {
		ctx = context.Background()
		gw = newFakeGateway()
		gw.commits["origin/main"] = git.Commit{SHA: "base"}
		cfg = reconcile.Config{
			Branch:        "updates",
			CommitMessage: "Update generated files",
		}
	})

	run := func() (reconcile.Result, error) {
		return reconcile.New(gw, nil).Reconcile(ctx, cfg)
	}

	Describe("WorkingBase", func() {
		It("reports the checked out branch", func() {
			wb, err := reconcile.New(gw, nil).WorkingBase(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(wb).To(Equal(reconcile.WorkingBase{Ref: "main", Type: reconcile.WorkingBaseBranch}))
		})

		It("falls back to the HEAD commit when detached", func() {
			gw.symbolic, gw.symbolicCode = "", 128
			wb, err := reconcile.New(gw, nil).WorkingBase(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(wb).To(Equal(reconcile.WorkingBase{Ref: "head", Type: reconcile.WorkingBaseCommit}))
		})
	})

	It("requires a branch", func() {
		cfg.Branch = "  "
		_, err := run()
		Expect(err).To(MatchError(ContainSubstring("branch is required")))
		Expect(gw.calls).To(BeEmpty())
	})

	It("fails before touching the repository when HEAD is detached and no base is set", func() {
		gw.symbolic, gw.symbolicCode = "", 128

		_, err := run()
		Expect(errors.Is(err, reconcile.ErrBaseRequired)).To(BeTrue())
		Expect(gw.mutated()).To(BeFalse())
	})

	It("accepts a detached HEAD when the base is set", func() {
		gw.symbolic, gw.symbolicCode = "", 128
		cfg.Base = "main"

		res, err := run()
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Base).To(Equal("main"))
		Expect(gw.calls).To(ContainElement("checkout updates main"))
	})

	Context("when the branch does not exist upstream", func() {
		BeforeEach(func() {
			gw.dirty = true
			gw.counts[aheadKey] = []int{1}
			gw.logOutput = "c1\n"
		})

		It("creates it from the base and commits the changes", func() {
			res, err := run()
			Expect(err).NotTo(HaveOccurred())

			Expect(gw.calls).To(ContainElement("fetch origin updates:refs/remotes/origin/updates"))
			Expect(gw.calls).To(ContainElement("checkout updates main"))
			Expect(gw.calls).To(ContainElement("commit Update generated files signoff=false"))

			Expect(res.Action).To(Equal(reconcile.ActionCreated))
			Expect(res.Base).To(Equal("main"))
			Expect(res.HasDiffWithBase).To(BeTrue())
			Expect(res.WasResetOrRebased).To(BeFalse())
			Expect(res.BaseCommit.SHA).To(Equal("base"))
			Expect(res.HeadSHA).To(Equal("head"))
			Expect(res.BranchCommits).To(HaveLen(1))
			Expect(res.BranchCommits[0].SHA).To(Equal("c1"))
		})

		It("starts from the remote-tracking base when there is no local base branch", func() {
			cfg.Base = "release/v2"
			gw.remoteBranches["origin/release/v2"] = true
			gw.revs["origin/release/v2"] = "release"

			res, err := run()
			Expect(err).NotTo(HaveOccurred())
			Expect(gw.calls).To(ContainElement("checkout updates origin/release/v2"))
			Expect(gw.calls).NotTo(ContainElement("checkout updates HEAD"))
			Expect(res.Base).To(Equal("release/v2"))
		})

		It("fetches the base before branching when it was never fetched", func() {
			cfg.Base = "release/v2"
			gw.remoteBranches["origin/release/v2"] = true

			_, err := run()
			Expect(err).NotTo(HaveOccurred())

			fetch := gw.index("fetch origin release/v2:refs/remotes/origin/release/v2")
			checkout := gw.index("checkout updates origin/release/v2")
			Expect(fetch).To(BeNumerically(">=", 0))
			Expect(checkout).To(BeNumerically(">", fetch))
		})

		It("does not create the branch when the base cannot be fetched", func() {
			cfg.Base = "missing"

			_, err := run()
			Expect(err).To(MatchError(ContainSubstring("fetch base missing")))
			Expect(gw.index("checkout")).To(Equal(-1))
		})

		It("probes the configured branch remote", func() {
			cfg.BranchRemoteName = git.ForkRemoteName

			_, err := run()
			Expect(err).NotTo(HaveOccurred())
			Expect(gw.calls).To(ContainElement("fetch fork updates:refs/remotes/fork/updates"))
			Expect(gw.calls).To(ContainElement("fetch origin main:refs/remotes/origin/main"))
		})
	})

	Context("when the branch exists upstream", func() {
		BeforeEach(func() {
			gw.remoteBranches["origin/updates"] = true
			gw.revs["refs/remotes/origin/updates"] = "head"
		})

		It("checks it out and reports no action when nothing differs from the base", func() {
			res, err := run()
			Expect(err).NotTo(HaveOccurred())

			Expect(gw.calls).To(ContainElement("checkout updates "))
			Expect(res.Action).To(Equal(reconcile.ActionNone))
			Expect(res.HasDiffWithBase).To(BeFalse())
			Expect(res.BranchCommits).To(BeEmpty())
			Expect(gw.index("log")).To(Equal(-1))
		})

		It("reports no action when the branch head is already published", func() {
			gw.counts[aheadKey] = []int{1}
			gw.logOutput = "head\n"

			res, err := run()
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Action).To(Equal(reconcile.ActionNone))
			Expect(res.HasDiffWithBase).To(BeTrue())
			Expect(res.BranchCommits).To(HaveLen(1))
		})

		It("reports an update when a new commit was made", func() {
			gw.revs["refs/remotes/origin/updates"] = "previous"
			gw.dirty = true
			gw.counts[aheadKey] = []int{2}
			gw.logOutput = "head\nprevious\n"

			res, err := run()
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Action).To(Equal(reconcile.ActionUpdated))
			Expect(res.BranchCommits).To(HaveLen(2))
			Expect(res.BranchCommits[0].SHA).To(Equal("previous"))
			Expect(res.BranchCommits[1].SHA).To(Equal("head"))
		})

		It("requires an explicit base when the working branch is checked out", func() {
			gw.symbolic = "updates"

			_, err := run()
			Expect(errors.Is(err, reconcile.ErrBaseRequired)).To(BeTrue())
			Expect(gw.mutated()).To(BeFalse())
		})

		It("skips the checkout when the branch is already checked out", func() {
			gw.symbolic = "updates"
			cfg.Base = "main"

			_, err := run()
			Expect(err).NotTo(HaveOccurred())
			Expect(gw.index("checkout")).To(Equal(-1))
			Expect(gw.index("fetch origin updates")).To(Equal(-1))
		})
	})

	Context("for config-sync repositories", func() {
		BeforeEach(func() {
			cfg.IsConfigSync = true
			gw.remoteBranches["origin/updates"] = true
			gw.revs["refs/remotes/origin/updates"] = "previous"
			gw.dirty = true
			gw.counts[aheadKey] = []int{1}
			gw.logOutput = "head\n"
		})

		It("soft resets onto the base before committing when behind", func() {
			gw.counts[behindKey] = []int{3}

			res, err := run()
			Expect(err).NotTo(HaveOccurred())

			reset := gw.index("exec reset --soft origin/main")
			commit := gw.index("commit")
			Expect(reset).To(BeNumerically(">=", 0))
			Expect(commit).To(BeNumerically(">", reset))
			Expect(gw.index("exec pull")).To(Equal(-1))

			Expect(res.WasResetOrRebased).To(BeTrue())
			Expect(res.BranchCommits).To(HaveLen(1))
			Expect(res.Action).To(Equal(reconcile.ActionUpdated))
		})

		It("leaves history alone when not behind", func() {
			res, err := run()
			Expect(err).NotTo(HaveOccurred())
			Expect(gw.index("exec reset")).To(Equal(-1))
			Expect(res.WasResetOrRebased).To(BeFalse())
		})
	})

	Context("for regular repositories", func() {
		BeforeEach(func() {
			gw.remoteBranches["origin/updates"] = true
			gw.revs["refs/remotes/origin/updates"] = "previous"
			gw.dirty = true
			gw.counts[aheadKey] = []int{1}
			gw.logOutput = "head\n"
		})

		It("rebases onto the base after committing when behind", func() {
			gw.counts[behindKey] = []int{2}

			res, err := run()
			Expect(err).NotTo(HaveOccurred())

			commit := gw.index("commit")
			pull := gw.index("exec pull --rebase --autostash --no-edit origin main")
			Expect(commit).To(BeNumerically(">=", 0))
			Expect(pull).To(BeNumerically(">", commit))
			Expect(gw.index("exec reset")).To(Equal(-1))
			Expect(res.WasResetOrRebased).To(BeTrue())
		})

		It("surfaces rebase failures", func() {
			gw.counts[behindKey] = []int{2}
			gw.execErr["pull"] = errors.New("conflict")

			_, err := run()
			Expect(err).To(MatchError(ContainSubstring("rebase branch onto origin/main")))
			Expect(gw.calls).To(ContainElement("exec rebase --abort"))
		})
	})

	Context("when the branch is checked out and was never pushed", func() {
		BeforeEach(func() {
			gw.symbolic = "updates"
			cfg.Base = "main"
			gw.counts[aheadKey] = []int{1}
			gw.logOutput = "head\n"
		})

		It("reports no action when nothing moved", func() {
			res, err := run()
			Expect(err).NotTo(HaveOccurred())
			Expect(res.HasDiffWithBase).To(BeTrue())
			Expect(res.Action).To(Equal(reconcile.ActionNone))
		})

		It("reports an update when a commit moved the head", func() {
			gw.dirty = true
			gw.committedHead = "next"
			gw.logOutput = "head\nnext\n"

			res, err := run()
			Expect(err).NotTo(HaveOccurred())
			Expect(res.HeadSHA).To(Equal("next"))
			Expect(res.Action).To(Equal(reconcile.ActionUpdated))
		})
	})

	Describe("committing", func() {
		BeforeEach(func() {
			gw.remoteBranches["origin/updates"] = true
			cfg.AddPaths = []string{"generated"}
			cfg.Signoff = true
		})

		It("does not stage a clean tree", func() {
			_, err := run()
			Expect(err).NotTo(HaveOccurred())
			Expect(gw.index("add")).To(Equal(-1))
			Expect(gw.index("commit")).To(Equal(-1))
		})

		It("stages only the configured paths and signs off", func() {
			gw.dirty = true

			_, err := run()
			Expect(err).NotTo(HaveOccurred())
			Expect(gw.calls).To(ContainElement("add generated"))
			Expect(gw.calls).To(ContainElement("commit Update generated files signoff=true"))
		})

		It("does not commit when staging produced nothing", func() {
			gw.dirty = true
			gw.staged = false

			_, err := run()
			Expect(err).NotTo(HaveOccurred())
			Expect(gw.index("commit")).To(Equal(-1))
		})

		It("treats git's nothing to commit report as success", func() {
			gw.dirty = true
			gw.commitResult = git.CommandResult{ExitCode: 1, Stdout: "On branch updates\nnothing to commit, working tree clean\n"}

			_, err := run()
			Expect(err).NotTo(HaveOccurred())
		})

		It("fails on any other non-zero exit", func() {
			gw.dirty = true
			gw.commitResult = git.CommandResult{ExitCode: 128, Stderr: "gpg failed to sign the data\n"}

			_, err := run()
			Expect(err).To(MatchError(ContainSubstring("gpg failed to sign the data")))
		})
	})

	Describe("fetching the base", func() {
		It("tolerates a failed fetch when a tracking ref exists", func() {
			gw.remoteBranches["origin/main"] = false

			_, err := run()
			Expect(err).NotTo(HaveOccurred())
		})

		It("fails when the base was never fetched", func() {
			gw.remoteBranches["origin/main"] = false
			delete(gw.revs, "origin/main")

			_, err := run()
			Expect(err).To(MatchError(ContainSubstring("fetch base main")))
		})
	})

	It("collects warnings for commits with unparsed changes in oldest-first order", func() {
		gw.remoteBranches["origin/updates"] = true
		gw.counts[aheadKey] = []int{2}
		gw.logOutput = "c2222222222\nc1111111111\n"
		gw.commits["c1111111111"] = git.Commit{SHA: "c1111111111", Unparsed: []string{"X weird.txt"}}

		res, err := run()
		Expect(err).NotTo(HaveOccurred())
		Expect(res.BranchCommits).To(HaveLen(2))
		Expect(res.BranchCommits[0].SHA).To(Equal("c1111111111"))
		Expect(res.BranchCommits[1].SHA).To(Equal("c2222222222"))
		Expect(res.Warnings).To(ConsistOf("commit c111111 has unparsed changes: X weird.txt"))
	})
})
