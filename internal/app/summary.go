package app

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rancher/create-pull-request-action/internal/git"
	"github.com/rancher/create-pull-request-action/internal/orchestrator"
)

func (r *Runner) writeStepSummary(result orchestrator.Result) error {
	path := strings.TrimSpace(os.Getenv("GITHUB_STEP_SUMMARY"))
	if path == "" {
		return nil
	}

	// GitHub Actions normally creates this directory already.
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
			fmt.Fprintf(os.Stderr, "warning: could not create summary directory: %v\n", mkErr)
		}
	}

	var builder strings.Builder
	builder.WriteString("## Create pull request summary\n\n")
	builder.WriteString(renderResultDetails(result))

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open step summary: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close step summary file: %v\n", closeErr)
		}
	}()

	if _, err := file.WriteString(builder.String()); err != nil {
		return fmt.Errorf("write step summary: %w", err)
	}

	if !strings.HasSuffix(builder.String(), "\n") {
		if _, err := file.WriteString("\n"); err != nil {
			return fmt.Errorf("terminate step summary: %w", err)
		}
	}

	return nil
}

func (r *Runner) writeGitHubOutputs(result orchestrator.Result) error {
	path := strings.TrimSpace(os.Getenv("GITHUB_OUTPUT"))
	if path == "" {
		return nil
	}

	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
			fmt.Fprintf(os.Stderr, "warning: could not create outputs directory: %v\n", mkErr)
		}
	}

	commits := make([]outputCommit, 0, len(result.Reconcile.BranchCommits))
	for _, commit := range result.Reconcile.BranchCommits {
		commits = append(commits, toOutputCommit(commit))
	}

	commitsJSON, err := json.Marshal(commits)
	if err != nil {
		return fmt.Errorf("marshal branch-commits: %w", err)
	}

	number, url := "", ""
	if result.PullRequest != nil {
		number = strconv.Itoa(result.PullRequest.Number)
		url = result.PullRequest.URL
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open github output: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close github output file: %v\n", closeErr)
		}
	}()

	outputs := []struct{ key, value string }{
		{"pull-request-number", number},
		{"pull-request-url", url},
		{"pull-request-operation", string(result.Operation)},
		{"pull-request-head-sha", result.Reconcile.HeadSHA},
		{"pull-request-branch", result.Branch},
		{"branch-commits", string(commitsJSON)},
	}
	for _, output := range outputs {
		if err := writeMultilineOutput(file, output.key, output.value); err != nil {
			return err
		}
	}

	return nil
}

func renderResultDetails(result orchestrator.Result) string {
	var builder strings.Builder

	prCell := "-"
	if pr := result.PullRequest; pr != nil {
		if pr.URL != "" {
			prCell = fmt.Sprintf("[PR #%d](%s)", pr.Number, pr.URL)
		} else {
			prCell = fmt.Sprintf("PR #%d", pr.Number)
		}
	}

	builder.WriteString("| Branch | Base | Branch action | Pull request | Operation |\n")
	builder.WriteString("| --- | --- | --- | --- | --- |\n")
	builder.WriteString(fmt.Sprintf("| %s | %s | %s | %s | %s |\n",
		sanitizeMarkdownCell(result.Branch),
		sanitizeMarkdownCell(result.Reconcile.Base),
		sanitizeMarkdownCell(string(result.Reconcile.Action)),
		sanitizeMarkdownCell(prCell),
		sanitizeMarkdownCell(string(result.Operation)),
	))

	if result.SkippedReason != "" {
		builder.WriteString(fmt.Sprintf("\nSkipped publishing: %s\n", sanitizeMarkdownCell(result.SkippedReason)))
	}

	if len(result.Reconcile.BranchCommits) > 0 {
		builder.WriteString("\n### Branch commits\n\n")
		builder.WriteString("| Commit | Subject | Author | Changes |\n")
		builder.WriteString("| --- | --- | --- | --- |\n")
		for _, commit := range result.Reconcile.BranchCommits {
			builder.WriteString(fmt.Sprintf("| %s | %s | %s | %s |\n",
				sanitizeMarkdownCell(shortSHA(commit.SHA)),
				sanitizeMarkdownCell(commit.Subject()),
				sanitizeMarkdownCell(commit.Author.String()),
				sanitizeMarkdownCell(describeChanges(commit.Changes)),
			))
		}
	}

	if len(result.Reconcile.Warnings) > 0 {
		builder.WriteString("\n### Warnings\n\n")
		for _, warning := range result.Reconcile.Warnings {
			builder.WriteString(fmt.Sprintf("- %s\n", strings.ReplaceAll(strings.TrimSpace(warning), "\n", " ")))
		}
	}

	return builder.String()
}

type outputCommit struct {
	SHA       string         `json:"sha"`
	Parents   []string       `json:"parents"`
	Author    outputIdentity `json:"author"`
	Committer outputIdentity `json:"committer"`
	Message   string         `json:"message"`
	Changes   []outputChange `json:"changes"`
	Unparsed  []string       `json:"unparsed,omitempty"`
}

type outputIdentity struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Date  string `json:"date,omitempty"`
}

type outputChange struct {
	Kind string `json:"kind"`
	Path string `json:"path"`
	From string `json:"from,omitempty"`
}

func toOutputCommit(commit git.Commit) outputCommit {
	changes := make([]outputChange, 0, len(commit.Changes))
	for _, change := range commit.Changes {
		changes = append(changes, outputChange{Kind: string(change.Kind), Path: change.Path, From: change.From})
	}
	parents := commit.Parents
	if parents == nil {
		parents = []string{}
	}
	return outputCommit{
		SHA:       commit.SHA,
		Parents:   parents,
		Author:    toOutputIdentity(commit.Author),
		Committer: toOutputIdentity(commit.Committer),
		Message:   commit.Message,
		Changes:   changes,
		Unparsed:  commit.Unparsed,
	}
}

func toOutputIdentity(id git.Identity) outputIdentity {
	out := outputIdentity{Name: id.Name, Email: id.Email}
	if !id.When.IsZero() {
		out.Date = id.When.UTC().Format("2006-01-02T15:04:05Z")
	}
	return out
}

func describeChanges(changes []git.FileChange) string {
	if len(changes) == 0 {
		return "-"
	}
	counts := make(map[git.ChangeKind]int)
	order := []git.ChangeKind{git.ChangeAdded, git.ChangeModified, git.ChangeDeleted, git.ChangeRenamed, git.ChangeCopied, git.ChangeUnknown}
	for _, change := range changes {
		counts[change.Kind]++
	}
	parts := make([]string, 0, len(order))
	for _, kind := range order {
		if n := counts[kind]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, kind))
		}
	}
	return strings.Join(parts, ", ")
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

func writeMultilineOutput(file *os.File, key, value string) error {
	if _, err := fmt.Fprintf(file, "%s<<EOF\n%s\nEOF\n", key, value); err != nil {
		return fmt.Errorf("write output %s: %w", key, err)
	}
	return nil
}

func sanitizeMarkdownCell(value string) string {
	value = strings.ReplaceAll(value, "|", "\\|")
	value = strings.ReplaceAll(value, "\n", "<br>")
	value = strings.TrimSpace(value)
	if value == "" {
		return "-"
	}
	return value
}
