package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
)

// ForkRemoteName is the remote added when the working branch is pushed to a fork.
const ForkRemoteName = "fork"

// ShellExecutor shells out to the system git binary to prepare an existing checkout for branch
// reconciliation.
type ShellExecutor struct {
	// Git is the git binary to execute. Defaults to "git" when empty.
	Git string

	// TempDir is the directory under which scratch directories (the GPG home) are created. When empty,
	// os.TempDir() is used.
	TempDir string

	// RemoteURL constructs the git remote URL for the given owner/repo pair. When
	// unset, https://github.com/<owner>/<repo>.git is assumed.
	RemoteURL func(owner, repo string) string

	// Token, if provided, is embedded into HTTPS fork remotes using the
	// x-access-token format.
	Token string

	// UserName and UserEmail configure the git identity for commits.
	UserName  string
	UserEmail string

	// SigningKey, if provided, enables GPG signing of commits. The key should be
	// armored GPG private key material.
	SigningKey string

	// SigningPassphrase unlocks the signing key when required.
	SigningPassphrase string

	// RemoteName is the remote the base branch is fetched from. Defaults to "origin".
	RemoteName string

	// ForkRepository, in owner/repo form, redirects the working branch to a fork. A remote named
	// ForkRemoteName is added pointing at it.
	ForkRepository string

	// NetworkRetries controls how many additional attempts should be made for network
	// oriented git commands (fetch, push, pull). When zero, a default of 2 retries is used.
	NetworkRetries int

	// NetworkRetryDelay controls the initial backoff delay between retries. When zero,
	// a default of 1 second is used. Backoff grows exponentially per attempt.
	NetworkRetryDelay time.Duration

	// NetworkTimeout bounds network commands that would otherwise inherit an unbounded
	// context. When zero, a default of 2 minutes is used.
	NetworkTimeout time.Duration
}

// NewShellExecutor returns an Executor backed by system git commands.
func NewShellExecutor() *ShellExecutor {
	return &ShellExecutor{}
}

func (e *ShellExecutor) gitBinary() string {
	if e.Git == "" {
		return "git"
	}
	return e.Git
}

func (e *ShellExecutor) remoteName() string {
	if e.RemoteName == "" {
		return "origin"
	}
	return e.RemoteName
}

func (e *ShellExecutor) remoteURL(owner, repo string) string {
	if e.RemoteURL != nil {
		return e.RemoteURL(owner, repo)
	}
	url := fmt.Sprintf("https://github.com/%s/%s.git", owner, repo)
	if e.Token == "" {
		return url
	}
	parts := strings.SplitN(strings.TrimPrefix(url, "https://"), "/", 2)
	if len(parts) != 2 {
		return url
	}
	return fmt.Sprintf("https://x-access-token:%s@%s/%s", e.Token, parts[0], parts[1])
}

func (e *ShellExecutor) Prepare(ctx context.Context, path string) (Workspace, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("repository path is required")
	}

	root, err := RepositoryRoot(path)
	if err != nil {
		return nil, err
	}

	ws := &shellWorkspace{
		executor:     e,
		path:         root,
		baseRemote:   e.remoteName(),
		branchRemote: e.remoteName(),
		inspector:    NewInspector(root),
	}

	if e.UserName != "" {
		if _, err := ws.exec(ctx, "config", "user.name", e.UserName); err != nil {
			return nil, fmt.Errorf("git config user.name: %w", err)
		}
	}
	if e.UserEmail != "" {
		if _, err := ws.exec(ctx, "config", "user.email", e.UserEmail); err != nil {
			return nil, fmt.Errorf("git config user.email: %w", err)
		}
	}

	if e.SigningKey != "" {
		if err := e.configureGPGSigning(ctx, ws); err != nil {
			_ = ws.Cleanup(ctx)
			return nil, fmt.Errorf("configure gpg signing: %w", err)
		}
	}

	if fork := strings.TrimSpace(e.ForkRepository); fork != "" {
		owner, repo, ok := strings.Cut(fork, "/")
		if !ok || owner == "" || repo == "" {
			_ = ws.Cleanup(ctx)
			return nil, fmt.Errorf("fork repository %q must be in owner/repo form", fork)
		}
		if err := ws.ensureRemote(ctx, ForkRemoteName, e.remoteURL(owner, repo)); err != nil {
			_ = ws.Cleanup(ctx)
			return nil, fmt.Errorf("configure fork remote: %w", err)
		}
		ws.branchRemote = ForkRemoteName
	}

	return ws, nil
}

type shellWorkspace struct {
	path         string
	baseRemote   string
	branchRemote string
	gnupgHome    string
	executor     *ShellExecutor
	inspector    *Inspector
}

func (w *shellWorkspace) Path() string {
	return w.path
}

func (w *shellWorkspace) BranchRemote() string {
	return w.branchRemote
}

func (w *shellWorkspace) ensureRemote(ctx context.Context, name, url string) error {
	if _, err := w.exec(ctx, "remote", "get-url", name); err == nil {
		_, err := w.exec(ctx, "remote", "set-url", name, url)
		return err
	}
	_, err := w.exec(ctx, "remote", "add", name, url)
	return err
}

// SymbolicRef resolves ref to the short name of the branch it points at. The exit code is non-zero when ref
// is not symbolic, e.g. on a detached HEAD.
func (w *shellWorkspace) SymbolicRef(ctx context.Context, ref string) (string, int) {
	res, err := w.Exec(ctx, []string{"symbolic-ref", "--short", ref}, true)
	if err != nil {
		return "", -1
	}
	return strings.TrimSpace(res.Stdout), res.ExitCode
}

func (w *shellWorkspace) RevParse(ctx context.Context, ref string) (string, error) {
	res, err := w.exec(ctx, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
	if err != nil {
		return "", fmt.Errorf("git rev-parse %s: %w", ref, err)
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (w *shellWorkspace) Fetch(ctx context.Context, opts FetchOptions) error {
	remote := opts.Remote
	if remote == "" {
		remote = w.baseRemote
	}

	args := []string{"fetch", "--no-tags"}
	if opts.Force {
		args = append(args, "--force")
	}
	if opts.Depth > 0 {
		args = append(args, fmt.Sprintf("--depth=%d", opts.Depth))
	}
	args = append(args, remote)
	args = append(args, opts.Refspecs...)

	if _, err := w.exec(ctx, args...); err != nil {
		return fmt.Errorf("git fetch %s: %w", remote, err)
	}
	return nil
}

func (w *shellWorkspace) Checkout(ctx context.Context, branch, startPoint string) error {
	args := []string{"checkout", branch}
	if startPoint != "" {
		args = []string{"checkout", "--no-track", "-b", branch, startPoint}
	}
	if _, err := w.exec(ctx, args...); err != nil {
		return fmt.Errorf("git checkout %s: %w", branch, err)
	}
	return nil
}

func (w *shellWorkspace) IsDirty(ctx context.Context, untracked bool, paths []string) (bool, error) {
	args := []string{"status", "--porcelain"}
	if untracked {
		args = append(args, "--untracked-files=all")
	} else {
		args = append(args, "--untracked-files=no")
	}
	args = append(args, "--")
	args = append(args, paths...)

	res, err := w.exec(ctx, args...)
	if err != nil {
		return false, fmt.Errorf("git status: %w", err)
	}
	return strings.TrimSpace(res.Stdout) != "", nil
}

func (w *shellWorkspace) Stage(ctx context.Context, paths []string) error {
	args := []string{"add", "-A", "--"}
	if len(paths) == 0 {
		args = append(args, ".")
	} else {
		args = append(args, paths...)
	}
	if _, err := w.exec(ctx, args...); err != nil {
		return fmt.Errorf("git add: %w", err)
	}
	return nil
}

func (w *shellWorkspace) HasStagedChanges(ctx context.Context) (bool, error) {
	res, err := w.Exec(ctx, []string{"diff", "--cached", "--quiet"}, true)
	if err != nil {
		return false, err
	}
	switch res.ExitCode {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("git diff --cached exited with %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
}

// Commit records the staged changes. A non-zero exit is reported through the result, not the error.
func (w *shellWorkspace) Commit(ctx context.Context, message string, signoff bool) (CommandResult, error) {
	args := []string{"commit", "-m", message}
	if signoff {
		args = append(args, "--signoff")
	}
	return w.Exec(ctx, args, true)
}

func (w *shellWorkspace) Log(ctx context.Context, revRange, format string) (string, error) {
	res, err := w.exec(ctx, "log", "--format="+format, revRange, "--")
	if err != nil {
		return "", fmt.Errorf("git log %s: %w", revRange, err)
	}
	return res.Stdout, nil
}

func (w *shellWorkspace) RevListCount(ctx context.Context, revRange string, flags ...string) (int, error) {
	args := append([]string{"rev-list", "--count"}, flags...)
	args = append(args, revRange, "--")

	res, err := w.exec(ctx, args...)
	if err != nil {
		return 0, fmt.Errorf("git rev-list %s: %w", revRange, err)
	}

	count, err := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if err != nil {
		return 0, fmt.Errorf("parse rev-list count %q: %w", strings.TrimSpace(res.Stdout), err)
	}
	return count, nil
}

// CommitMetadata loads a commit and its classified file changes. rev may be any commit-ish.
func (w *shellWorkspace) CommitMetadata(ctx context.Context, rev string) (Commit, error) {
	sha := rev
	if !plumbing.IsHash(sha) {
		resolved, err := w.RevParse(ctx, rev)
		if err != nil {
			return Commit{}, err
		}
		sha = resolved
	}

	commit, err := w.inspector.Commit(sha)
	if err != nil {
		return Commit{}, err
	}

	res, err := w.exec(ctx, "diff-tree", "--no-commit-id", "--name-status", "-z", "-r", "--root", "-M", "-C", sha)
	if err != nil {
		return Commit{}, fmt.Errorf("git diff-tree %s: %w", sha, err)
	}
	commit.Changes, commit.Unparsed = parseNameStatus(res.Stdout)

	return commit, nil
}

// Exec runs an arbitrary git subcommand. With allowFailure a non-zero exit is returned in the result
// instead of as an error; failures to run git at all are always errors.
func (w *shellWorkspace) Exec(ctx context.Context, args []string, allowFailure bool) (CommandResult, error) {
	res, err := w.exec(ctx, args...)
	if err == nil {
		return res, nil
	}

	var gitErr *GitError
	if allowFailure && errors.As(err, &gitErr) && gitErr.ExitCode > 0 {
		return res, nil
	}
	return res, err
}

func (w *shellWorkspace) Push(ctx context.Context, remote, branch string, forceWithLease bool) error {
	if remote == "" {
		remote = w.branchRemote
	}
	args := []string{"push"}
	if forceWithLease {
		args = append(args, "--force-with-lease")
	}
	args = append(args, remote, fmt.Sprintf("HEAD:refs/heads/%s", branch))

	if _, err := w.exec(ctx, args...); err != nil {
		return fmt.Errorf("git push %s: %w", branch, err)
	}
	return nil
}

func (w *shellWorkspace) Cleanup(ctx context.Context) error {
	if w.gnupgHome == "" {
		return nil
	}
	err := os.RemoveAll(w.gnupgHome)
	w.gnupgHome = ""
	return err
}

func (w *shellWorkspace) env() []string {
	if w.gnupgHome == "" {
		return nil
	}
	return []string{"GNUPGHOME=" + w.gnupgHome}
}

func (w *shellWorkspace) exec(ctx context.Context, args ...string) (CommandResult, error) {
	cmd := append([]string{"-C", w.path}, args...)
	return w.executor.runGit(ctx, w.env(), cmd...)
}

func (e *ShellExecutor) runGit(ctx context.Context, env []string, args ...string) (CommandResult, error) {
	primary := primaryGitCommand(args)
	isNetwork := isNetworkCommand(primary)

	retries := 0
	if isNetwork {
		retries = e.networkRetriesValue()
	}

	delay := e.networkRetryDelayValue()
	var (
		lastRes CommandResult
		lastErr error
	)

	for attempt := 0; attempt <= retries; attempt++ {
		attemptCtx, cancel := e.applyNetworkTimeout(ctx, isNetwork)
		res, err := e.runGitOnce(attemptCtx, env, args...)
		cancel()

		if err == nil {
			return res, nil
		}
		lastRes, lastErr = res, err

		if !isNetwork {
			break
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			break
		}
		// A missing ref never appears on retry.
		if isMissingRemoteBranch(err) {
			break
		}
		if attempt == retries {
			break
		}

		select {
		case <-ctx.Done():
			return lastRes, ctx.Err()
		case <-time.After(delay):
		}
		if delay < time.Second {
			delay = time.Second
		}
		delay *= 2
	}

	return lastRes, lastErr
}

func (e *ShellExecutor) runGitOnce(ctx context.Context, env []string, args ...string) (CommandResult, error) {
	cmd := exec.CommandContext(ctx, e.gitBinary(), args...)
	setProcessGroup(cmd)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	cmd.Env = append(cmd.Env, env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return CommandResult{ExitCode: -1}, &GitError{Args: args, Err: err, ExitCode: -1}
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var waitErr error
	select {
	case <-ctx.Done():
		terminateProcessGroup(cmd)
		<-done
		return CommandResult{ExitCode: -1, Stdout: stdout.String(), Stderr: stderr.String()}, ctx.Err()
	case waitErr = <-done:
	}

	res := CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if waitErr == nil {
		return res, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		res.ExitCode = -1
		return res, ctxErr
	}

	res.ExitCode = -1
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
	}
	return res, &GitError{
		Args:     args,
		Output:   res.Stdout + res.Stderr,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
		Err:      waitErr,
	}
}

func primaryGitCommand(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			if i+1 < len(args) {
				return args[i+1]
			}
			return ""
		}
		if strings.HasPrefix(arg, "-") {
			switch arg {
			case "-C", "--git-dir", "-c":
				i++
			}
			continue
		}
		return arg
	}
	return ""
}

func isNetworkCommand(cmd string) bool {
	switch cmd {
	case "clone", "fetch", "push", "pull":
		return true
	default:
		return false
	}
}

func (e *ShellExecutor) networkRetriesValue() int {
	if e.NetworkRetries < 0 {
		return 0
	}
	if e.NetworkRetries == 0 {
		return 2
	}
	return e.NetworkRetries
}

func (e *ShellExecutor) networkRetryDelayValue() time.Duration {
	if e.NetworkRetryDelay <= 0 {
		return time.Second
	}
	return e.NetworkRetryDelay
}

func (e *ShellExecutor) networkTimeoutValue() time.Duration {
	if e.NetworkTimeout <= 0 {
		return 2 * time.Minute
	}
	return e.NetworkTimeout
}

func (e *ShellExecutor) applyNetworkTimeout(ctx context.Context, network bool) (context.Context, context.CancelFunc) {
	if !network {
		return ctx, func() {}
	}
	if deadline, ok := ctx.Deadline(); ok && !deadline.IsZero() {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.networkTimeoutValue())
}

// GitError wraps failures when invoking the git binary.
type GitError struct {
	Args []string
	// Output is stdout followed by stderr.
	Output   string
	Stderr   string
	ExitCode int
	Err      error
}

func (e *GitError) Error() string {
	if e == nil {
		return ""
	}
	detail := strings.TrimSpace(e.Stderr)
	if detail == "" {
		detail = strings.TrimSpace(e.Output)
	}
	return fmt.Sprintf("git %s: %v\n%s", strings.Join(e.Args, " "), e.Err, detail)
}

func (e *GitError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsMissingRemoteBranch reports whether err came from fetching a ref the remote does not have.
func IsMissingRemoteBranch(err error) bool {
	return isMissingRemoteBranch(err)
}

func isMissingRemoteBranch(err error) bool {
	var gitErr *GitError
	if !errors.As(err, &gitErr) {
		return false
	}
	out := gitErr.Output
	return strings.Contains(out, "couldn't find remote ref") ||
		strings.Contains(out, "invalid refspec") ||
		strings.Contains(out, "unknown revision")
}

func (e *ShellExecutor) configureGPGSigning(ctx context.Context, ws *shellWorkspace) error {
	keyData := strings.TrimSpace(e.SigningKey)
	if keyData == "" {
		return nil
	}

	base := e.TempDir
	if base == "" {
		base = os.TempDir()
	}
	gpgHome, err := os.MkdirTemp(base, "create-pull-request-gnupg-")
	if err != nil {
		return fmt.Errorf("create gpg home: %w", err)
	}
	if err := os.Chmod(gpgHome, 0o700); err != nil {
		return fmt.Errorf("chmod gpg home: %w", err)
	}
	ws.gnupgHome = gpgHome

	keyFile := filepath.Join(gpgHome, "signing.key")
	if err := os.WriteFile(keyFile, []byte(keyData), 0o600); err != nil {
		return fmt.Errorf("write signing key: %w", err)
	}
	defer func() {
		if err := os.Remove(keyFile); err != nil {
			fmt.Fprintf(os.Stderr, "failed to remove temp key file: %v\n", err)
		}
	}()

	importArgs := []string{"--homedir", gpgHome, "--batch", "--import", keyFile}
	if e.SigningPassphrase != "" {
		importArgs = append([]string{"--pinentry-mode", "loopback", "--passphrase", e.SigningPassphrase}, importArgs...)
	}
	gpgCmd := exec.CommandContext(ctx, "gpg", importArgs...)
	if output, err := gpgCmd.CombinedOutput(); err != nil {
		return fmt.Errorf("gpg import key: %w\n%s", err, string(output))
	}

	listCmd := exec.CommandContext(ctx, "gpg", "--homedir", gpgHome, "--list-secret-keys", "--keyid-format=long")
	output, err := listCmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("gpg list keys: %w\n%s", err, string(output))
	}

	keyID := extractKeyID(string(output))
	if keyID == "" {
		return fmt.Errorf("could not extract key ID from gpg output")
	}

	settings := [][2]string{
		{"user.signingkey", keyID},
		{"commit.gpgsign", "true"},
		{"gpg.program", "gpg"},
	}
	for _, kv := range settings {
		if _, err := ws.exec(ctx, "config", kv[0], kv[1]); err != nil {
			return fmt.Errorf("git config %s: %w", kv[0], err)
		}
	}

	return nil
}

func extractKeyID(output string) string {
	// Look for pattern like "rsa4096/ABCD1234EFGH5678"
	for _, line := range strings.Split(output, "\n") {
		if !strings.HasPrefix(strings.TrimSpace(line), "sec") && !strings.HasPrefix(strings.TrimSpace(line), "ssb") {
			continue
		}
		for _, part := range strings.Fields(line) {
			algo, id, ok := strings.Cut(part, "/")
			if ok && algo != "" && len(id) >= 8 {
				return id
			}
		}
	}
	return ""
}
