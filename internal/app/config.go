package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	gh "github.com/rancher/create-pull-request-action/internal/github"
	"github.com/rancher/create-pull-request-action/internal/labels"
)

const (
	defaultPath          = "."
	defaultBranch        = "create-pull-request/patch"
	defaultCommitMessage = "[create-pull-request] automated change"
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
	defaultGitUserName   = "Rancher Create-Pull-Request Bot"
	defaultGitUserEmail  = "no-reply@rancher.com"
)

// Config captures runtime options sourced from GitHub Action inputs or environment variables.
type Config struct {
	GitHubToken     string
	GitHubBaseURL   string
	GitHubUploadURL string

	Path          string
	AddPaths      []string
	CommitMessage string
	Signoff       bool
	Branch        string
	BranchSuffix  gh.BranchSuffix
	Base          string
	// PushToFork is the owner/repo the branch is pushed to instead of the checkout's own repository.
	PushToFork string
	ConfigSync bool

	Title               string
	Body                string
	Labels              []string
	Assignees           []string
	Reviewers           []string
	Draft               bool
	MaintainerCanModify bool

	DryRun    bool
	Verbose   bool
	LogLevel  string
	LogFormat string
	LogFile   string
	Tracing   bool

	GitUserName    string
	GitUserEmail   string
	GitSigningKey  string
	GitSigningPass string
}

// LoadConfig reads action inputs from the environment, applies defaults, and performs validation.
func LoadConfig() (Config, error) {
	cfg := Config{
		Path:          strings.TrimSpace(envOrDefault("INPUT_PATH", defaultPath)),
		CommitMessage: envOrDefault("INPUT_COMMIT_MESSAGE", defaultCommitMessage),
		Branch:        labels.NormalizeBranch(envOrDefault("INPUT_BRANCH", defaultBranch)),
		Base:          labels.NormalizeBranch(os.Getenv("INPUT_BASE")),
		PushToFork:    strings.TrimSpace(os.Getenv("INPUT_PUSH_TO_FORK")),
		Title:         strings.TrimSpace(os.Getenv("INPUT_TITLE")),
		Body:          os.Getenv("INPUT_BODY"),
		LogLevel:      strings.ToLower(strings.TrimSpace(envOrDefault("INPUT_LOG_LEVEL", defaultLogLevel))),
		LogFormat:     strings.ToLower(strings.TrimSpace(envOrDefault("INPUT_LOG_FORMAT", defaultLogFormat))),
		LogFile:       strings.TrimSpace(os.Getenv("INPUT_LOG_FILE")),
	}

	cfg.GitHubToken = strings.TrimSpace(os.Getenv("INPUT_GITHUB_TOKEN"))
	if cfg.GitHubToken == "" {
		cfg.GitHubToken = strings.TrimSpace(os.Getenv("GITHUB_TOKEN"))
	}

	cfg.GitHubBaseURL = strings.TrimSpace(os.Getenv("INPUT_GITHUB_BASE_URL"))
	cfg.GitHubUploadURL = strings.TrimSpace(os.Getenv("INPUT_GITHUB_UPLOAD_URL"))
	cfg.GitUserName = strings.TrimSpace(os.Getenv("INPUT_GIT_USER_NAME"))
	cfg.GitUserEmail = strings.TrimSpace(os.Getenv("INPUT_GIT_USER_EMAIL"))
	cfg.GitSigningKey = strings.TrimSpace(os.Getenv("INPUT_GIT_SIGNING_KEY"))
	cfg.GitSigningPass = strings.TrimSpace(os.Getenv("INPUT_GIT_SIGNING_PASSPHRASE"))

	cfg.AddPaths = labels.ParsePaths(os.Getenv("INPUT_ADD_PATHS"))
	cfg.Labels = labels.ParseList(os.Getenv("INPUT_LABELS"))
	cfg.Assignees = labels.ParseLogins(os.Getenv("INPUT_ASSIGNEES"))
	cfg.Reviewers = labels.ParseLogins(os.Getenv("INPUT_REVIEWERS"))

	suffix, err := gh.ParseBranchSuffix(os.Getenv("INPUT_BRANCH_SUFFIX"))
	if err != nil {
		return Config{}, fmt.Errorf("parse INPUT_BRANCH_SUFFIX: %w", err)
	}
	cfg.BranchSuffix = suffix

	flags := []struct {
		key    string
		target *bool
	}{
		{"INPUT_SIGNOFF", &cfg.Signoff},
		{"INPUT_CONFIG_SYNC", &cfg.ConfigSync},
		{"INPUT_DRAFT", &cfg.Draft},
		{"INPUT_DRY_RUN", &cfg.DryRun},
		{"INPUT_VERBOSE", &cfg.Verbose},
		{"INPUT_TRACING", &cfg.Tracing},
	}
	for _, flag := range flags {
		if err := parseBoolEnv(flag.key, flag.target); err != nil {
			return Config{}, err
		}
	}

	cfg.MaintainerCanModify = true
	if err := parseBoolEnv("INPUT_MAINTAINER_CAN_MODIFY", &cfg.MaintainerCanModify); err != nil {
		return Config{}, err
	}

	if cfg.GitHubToken == "" && !cfg.DryRun {
		return Config{}, fmt.Errorf("github token is required (set INPUT_GITHUB_TOKEN or GITHUB_TOKEN)")
	}

	if (cfg.GitHubBaseURL == "") != (cfg.GitHubUploadURL == "") {
		return Config{}, fmt.Errorf("INPUT_GITHUB_BASE_URL and INPUT_GITHUB_UPLOAD_URL must both be set for GitHub Enterprise")
	}

	if cfg.Path == "" {
		cfg.Path = defaultPath
	}

	if cfg.Branch == "" {
		cfg.Branch = defaultBranch
	}
	if err := labels.ValidateBranch(cfg.Branch); err != nil {
		return Config{}, fmt.Errorf("INPUT_BRANCH: %w", err)
	}

	if cfg.Base != "" {
		if err := labels.ValidateBranch(cfg.Base); err != nil {
			return Config{}, fmt.Errorf("INPUT_BASE: %w", err)
		}
		if cfg.Base == cfg.Branch {
			return Config{}, fmt.Errorf("branch %q cannot be the same as base", cfg.Branch)
		}
	}

	if strings.TrimSpace(cfg.CommitMessage) == "" {
		cfg.CommitMessage = defaultCommitMessage
	}

	if cfg.PushToFork != "" {
		owner, repo, ok := strings.Cut(cfg.PushToFork, "/")
		if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
			return Config{}, fmt.Errorf("INPUT_PUSH_TO_FORK must be in owner/repo form, got %q", cfg.PushToFork)
		}
	}

	if cfg.GitUserName == "" {
		cfg.GitUserName = defaultGitUserName
	}

	if cfg.GitUserEmail == "" {
		cfg.GitUserEmail = defaultGitUserEmail
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}

	if cfg.LogFormat == "" {
		cfg.LogFormat = defaultLogFormat
	}

	supportedFormats := map[string]struct{}{"text": {}, "json": {}}
	if _, ok := supportedFormats[cfg.LogFormat]; !ok {
		return Config{}, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	if cfg.Verbose {
		cfg.LogLevel = "debug"
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// parseBoolEnv leaves target untouched when key is unset or blank.
func parseBoolEnv(key string, target *bool) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*target = value
	return nil
}
