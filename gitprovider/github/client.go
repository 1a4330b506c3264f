// Package github implements gitprovider.Provider using the GitHub API.
package github

import (
	"context"
	"fmt"
	"strings"

	gogh "github.com/google/go-github/v68/github"

	"github.com/pi-agent/relay/model"
)

// Client wraps the GitHub API for relay repository lookups.
type Client struct {
	gh *gogh.Client
}

// New creates a GitHub client authenticated with the given token.
func New(token string) *Client {
	return &Client{
		gh: gogh.NewClient(nil).WithAuthToken(token),
	}
}

// ListRepos returns all repositories visible to the authenticated user,
// following pagination.
func (c *Client) ListRepos(ctx context.Context) ([]model.Repo, error) {
	opts := &gogh.RepositoryListByAuthenticatedUserOptions{
		Sort:        "pushed",
		ListOptions: gogh.ListOptions{PerPage: 100},
	}

	var repos []model.Repo
	for {
		page, resp, err := c.gh.Repositories.ListByAuthenticatedUser(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("listing repositories: %w", err)
		}
		for _, r := range page {
			repos = append(repos, toRepo(r))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return repos, nil
}

// GetRepo returns one repository by "owner/name".
func (c *Client) GetRepo(ctx context.Context, fullName string) (model.Repo, error) {
	owner, name, err := splitRepo(fullName)
	if err != nil {
		return model.Repo{}, err
	}

	r, _, err := c.gh.Repositories.Get(ctx, owner, name)
	if err != nil {
		return model.Repo{}, fmt.Errorf("getting repository: %w", err)
	}
	return toRepo(r), nil
}

func toRepo(r *gogh.Repository) model.Repo {
	return model.Repo{
		ID:            r.GetFullName(),
		FullName:      r.GetFullName(),
		Owner:         r.GetOwner().GetLogin(),
		Private:       r.GetPrivate(),
		DefaultBranch: r.GetDefaultBranch(),
		CloneURL:      r.GetCloneURL(),
		Description:   r.GetDescription(),
	}
}

func splitRepo(fullName string) (owner, repo string, err error) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo format %q, expected \"owner/repo\"", fullName)
	}
	return parts[0], parts[1], nil
}
