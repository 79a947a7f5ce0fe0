package gh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	github "github.com/google/go-github/v55/github"
	"golang.org/x/oauth2"
)

const defaultUserAgent = "rancher-create-pull-request-action"

// NewRESTFactory returns a GitHub client factory backed by the go-github REST client. When
// base and upload URLs are provided, the factory targets a GitHub Enterprise instance.
func NewRESTFactory(baseURL, uploadURL string) Factory {
	return &restFactory{
		userAgent: defaultUserAgent,
		baseURL:   strings.TrimSpace(baseURL),
		uploadURL: strings.TrimSpace(uploadURL),
	}
}

type restFactory struct {
	userAgent string
	baseURL   string
	uploadURL string
}

type restClient struct {
	client *github.Client
}

func (f *restFactory) New(ctx context.Context, token string) (Client, error) {
	if token == "" {
		return nil, fmt.Errorf("github token is required")
	}

	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	ghClient := github.NewClient(httpClient)

	switch {
	case f.baseURL == "" && f.uploadURL == "":
	case f.baseURL == "":
		return nil, fmt.Errorf("github upload url cannot be set without base url")
	case f.uploadURL == "":
		return nil, fmt.Errorf("github upload url must be provided when base url is set")
	default:
		enterprise, err := withEnterpriseURLs(ghClient, f.baseURL, f.uploadURL)
		if err != nil {
			return nil, err
		}
		ghClient = enterprise
	}

	if f.userAgent != "" {
		ghClient.UserAgent = f.userAgent
	}

	return &restClient{client: ghClient}, nil
}

func withEnterpriseURLs(client *github.Client, baseURL, uploadURL string) (*github.Client, error) {
	base, err := normalizeGitHubURL(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse github base url: %w", err)
	}
	upload, err := normalizeGitHubURL(uploadURL)
	if err != nil {
		return nil, fmt.Errorf("parse github upload url: %w", err)
	}
	enterprise, err := client.WithEnterpriseURLs(base, upload)
	if err != nil {
		return nil, fmt.Errorf("construct enterprise github client: %w", err)
	}
	return enterprise, nil
}

func normalizeGitHubURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("url cannot be empty")
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}

	if parsed.Scheme == "" {
		return "", fmt.Errorf("url must include scheme (e.g. https://)")
	}

	if parsed.Host == "" {
		return "", fmt.Errorf("url must include host")
	}

	if parsed.Path == "" {
		parsed.Path = "/"
	} else if !strings.HasSuffix(parsed.Path, "/") {
		parsed.Path += "/"
	}

	parsed.RawQuery = ""
	parsed.Fragment = ""

	return parsed.String(), nil
}

func (c *restClient) FindPullRequest(ctx context.Context, owner, repo, head, base string) (PullRequest, error) {
	opts := &github.PullRequestListOptions{
		State: "open",
		Head:  head,
		Base:  base,
		ListOptions: github.ListOptions{
			PerPage: 50,
		},
	}

	for {
		prs, resp, err := c.client.PullRequests.List(ctx, owner, repo, opts)
		if err != nil {
			err = classifyGitHubError(err)
			return PullRequest{}, fmt.Errorf("list pull requests: %w", err)
		}

		for _, pr := range prs {
			if pr == nil {
				continue
			}
			return toPullRequest(pr), nil
		}

		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return PullRequest{}, ErrPullRequestNotFound
}

func (c *restClient) CreatePullRequest(ctx context.Context, owner, repo string, input CreatePROptions) (PullRequest, error) {
	pr, _, err := c.client.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title:               github.String(input.Title),
		Head:                github.String(input.Head),
		Base:                github.String(input.Base),
		Body:                github.String(input.Body),
		Draft:               github.Bool(input.Draft),
		MaintainerCanModify: github.Bool(input.MaintainerCanModify),
	})
	if err != nil {
		err = classifyGitHubError(err)
		return PullRequest{}, fmt.Errorf("create pull request: %w", err)
	}

	result := toPullRequest(pr)
	if err := c.decorate(ctx, owner, repo, result.Number, input.Labels, input.Assignees, input.Reviewers); err != nil {
		return result, err
	}
	return result, nil
}

func (c *restClient) UpdatePullRequest(ctx context.Context, owner, repo string, number int, input UpdatePROptions) (PullRequest, error) {
	pr, _, err := c.client.PullRequests.Edit(ctx, owner, repo, number, &github.PullRequest{
		Title: github.String(input.Title),
		Body:  github.String(input.Body),
	})
	if err != nil {
		err = classifyGitHubError(err)
		return PullRequest{}, fmt.Errorf("update pull request #%d: %w", number, err)
	}

	result := toPullRequest(pr)
	if err := c.decorate(ctx, owner, repo, number, input.Labels, input.Assignees, input.Reviewers); err != nil {
		return result, err
	}
	return result, nil
}

// decorate applies labels, assignees and review requests to a pull request.
func (c *restClient) decorate(ctx context.Context, owner, repo string, number int, labels, assignees, reviewers []string) error {
	if len(labels) > 0 {
		if _, _, err := c.client.Issues.AddLabelsToIssue(ctx, owner, repo, number, labels); err != nil {
			err = classifyGitHubError(err)
			return fmt.Errorf("add labels to pull request: %w", err)
		}
	}

	if len(assignees) > 0 {
		if _, _, err := c.client.Issues.AddAssignees(ctx, owner, repo, number, assignees); err != nil {
			err = classifyGitHubError(err)
			return fmt.Errorf("add assignees to pull request: %w", err)
		}
	}

	if len(reviewers) > 0 {
		if _, _, err := c.client.PullRequests.RequestReviewers(ctx, owner, repo, number, reviewersRequest(reviewers)); err != nil {
			err = classifyGitHubError(err)
			return fmt.Errorf("request reviewers: %w", err)
		}
	}

	return nil
}

// reviewersRequest splits user logins from org/team slugs.
func reviewersRequest(reviewers []string) github.ReviewersRequest {
	var req github.ReviewersRequest
	for _, r := range reviewers {
		if _, team, ok := strings.Cut(r, "/"); ok {
			req.TeamReviewers = append(req.TeamReviewers, team)
			continue
		}
		req.Reviewers = append(req.Reviewers, r)
	}
	return req
}

func (c *restClient) BranchHead(ctx context.Context, owner, repo, branch string) (string, error) {
	b, resp, err := c.client.Repositories.GetBranch(ctx, owner, repo, branch, false)
	if err != nil {
		if isNotFound(resp, err) {
			return "", ErrBranchNotFound
		}
		err = classifyGitHubError(err)
		return "", fmt.Errorf("get branch %s: %w", branch, err)
	}
	return b.GetCommit().GetSHA(), nil
}

func toPullRequest(pr *github.PullRequest) PullRequest {
	result := PullRequest{
		Number: pr.GetNumber(),
		URL:    pr.GetHTMLURL(),
		Title:  pr.GetTitle(),
		Body:   pr.GetBody(),
		Draft:  pr.GetDraft(),
	}
	if head := pr.GetHead(); head != nil {
		result.Head = head.GetRef()
		result.HeadSHA = head.GetSHA()
	}
	if base := pr.GetBase(); base != nil {
		result.Base = base.GetRef()
	}
	return result
}

func isNotFound(resp *github.Response, err error) bool {
	if resp != nil && resp.StatusCode == http.StatusNotFound {
		return true
	}
	var githubErr *github.ErrorResponse
	if errors.As(err, &githubErr) {
		if githubErr.Response != nil && githubErr.Response.StatusCode == http.StatusNotFound {
			return true
		}
	}
	return false
}

func classifyGitHubError(err error) error {
	if err == nil {
		return nil
	}
	if isRetryableGitHubError(err) {
		return &retryableError{err: err}
	}
	return err
}

// isRetryableGitHubError reports rate limiting, server-side failures and network timeouts.
func isRetryableGitHubError(err error) bool {
	var (
		rateLimit *github.RateLimitError
		abuse     *github.AbuseRateLimitError
		accepted  *github.AcceptedError
		resp      *github.ErrorResponse
		netErr    net.Error
	)
	switch {
	case err == nil:
		return false
	case errors.As(err, &rateLimit), errors.As(err, &abuse), errors.As(err, &accepted):
		return true
	case errors.As(err, &resp) && resp.Response != nil:
		code := resp.Response.StatusCode
		return code == http.StatusTooManyRequests || (code >= 500 && code <= 599)
	case errors.As(err, &netErr):
		return netErr.Timeout()
	default:
		return false
	}
}
