// Package gitprovider defines the interface for repository metadata
// lookups used by code-mode sessions.
package gitprovider

import (
	"context"

	"github.com/pi-agent/relay/model"
)

// Provider fetches repository metadata from a git host.
type Provider interface {
	// ListRepos returns all repositories visible to the authenticated
	// user.
	ListRepos(ctx context.Context) ([]model.Repo, error)
	// GetRepo returns one repository by "owner/name".
	GetRepo(ctx context.Context, fullName string) (model.Repo, error)
}
