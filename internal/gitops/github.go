// Package gitops looks up what a push-to-git stage produced in the
// workflow repository.
package gitops

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

// Config names the repository that push-to-git jobs commit to.
type Config struct {
	OwnerRepo string
	Branch    string
	Token     string

	// APIURL overrides the GitHub API root (GitHub Enterprise).
	APIURL string
}

// Enabled reports whether a lookup can be made.
func (c Config) Enabled() bool {
	return c.OwnerRepo != "" && c.Token != ""
}

// Commit is the head of the configured branch.
type Commit struct {
	SHA     string `json:"sha"`
	URL     string `json:"url,omitempty"`
	Message string `json:"message,omitempty"`
	Author  string `json:"author,omitempty"`
}

// CommitLookup reads branch heads through the GitHub API.
type CommitLookup struct {
	client *github.Client
	owner  string
	repo   string
	branch string
}

// createGitHubClient creates an authenticated GitHub client
func createGitHubClient(ctx context.Context, token string) *github.Client {
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	return github.NewClient(oauth2.NewClient(ctx, ts))
}

// NewCommitLookup validates cfg and returns a lookup.
func NewCommitLookup(ctx context.Context, cfg Config) (*CommitLookup, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("github repository and token are required")
	}

	owner, repo, err := parseOwnerRepo(cfg.OwnerRepo)
	if err != nil {
		return nil, err
	}

	client := createGitHubClient(ctx, cfg.Token)
	if cfg.APIURL != "" {
		base, err := url.Parse(strings.TrimRight(cfg.APIURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("invalid github api url: %w", err)
		}
		client.BaseURL = base
	}

	branch := cfg.Branch
	if branch == "" {
		branch = "main"
	}

	return &CommitLookup{client: client, owner: owner, repo: repo, branch: branch}, nil
}

// HeadCommit returns the commit the branch currently points at.
func (l *CommitLookup) HeadCommit(ctx context.Context) (Commit, error) {
	rc, _, err := l.client.Repositories.GetCommit(ctx, l.owner, l.repo, l.branch, nil)
	if err != nil {
		return Commit{}, fmt.Errorf("get %s/%s@%s: %w", l.owner, l.repo, l.branch, err)
	}

	return Commit{
		SHA:     rc.GetSHA(),
		URL:     rc.GetHTMLURL(),
		Message: firstLine(rc.GetCommit().GetMessage()),
		Author:  rc.GetCommit().GetAuthor().GetName(),
	}, nil
}

func parseOwnerRepo(s string) (string, string, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid owner/repo format: %s", s)
	}
	return parts[0], parts[1], nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
