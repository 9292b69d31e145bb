// Package pullrequest abstracts the code host's pull request API and
// implements the comment filtering rules the planner applies to review
// feedback.
package pullrequest

import (
	"context"
	"sync"
	"time"
)

// Service is the pull request contract the planner and workers consume.
type Service interface {
	// Name returns the provider identifier (e.g. "github", "mock").
	Name() string

	// GetPullRequest returns a single PR by number. repoID is "owner/name".
	GetPullRequest(ctx context.Context, repoID string, number int) (*PullRequest, error)

	// ListPullRequests lists PRs filtered by state (open, closed, all).
	ListPullRequests(ctx context.Context, repoID, state string) ([]PullRequest, error)

	// IsApproved reports whether the PR is approved: the latest review per
	// reviewer contains at least one APPROVED and no CHANGES_REQUESTED.
	IsApproved(ctx context.Context, repoID string, number int) (bool, error)

	// GetReviews returns all reviews on the PR in submission order.
	GetReviews(ctx context.Context, repoID string, number int) ([]Review, error)

	// GetComments returns all comments on the PR in creation order.
	GetComments(ctx context.Context, repoID string, number int) ([]Comment, error)

	// GetNewComments returns comments created strictly after since,
	// filtered by opts (nil means DefaultFilterOptions against the PR
	// author).
	GetNewComments(ctx context.Context, repoID string, number int, since time.Time, opts *FilterOptions) ([]Comment, error)

	// MarkCommentsAsProcessed acknowledges comment IDs with the provider.
	// Providers without server-side tracking treat this as a no-op.
	MarkCommentsAsProcessed(ctx context.Context, repoID string, number int, ids []string) error
}

// Factory constructs a Service from provider-specific options.
type Factory func(opts ProviderOptions) (Service, error)

// ProviderOptions carries the configuration shared by all providers.
type ProviderOptions struct {
	Token   string
	APIBase string
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register adds a provider factory to the registry.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// New constructs the named provider, or returns false if unregistered.
func New(name string, opts ProviderOptions) (Service, bool, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	svc, err := f(opts)
	return svc, true, err
}

// ApprovedFromReviews applies the approval rule to a review list: take the
// latest review per reviewer, then require at least one APPROVED and no
// CHANGES_REQUESTED. Shared by providers so approval semantics can't drift.
func ApprovedFromReviews(reviews []Review) bool {
	latest := make(map[string]Review, len(reviews))
	for _, r := range reviews {
		prev, ok := latest[r.Author]
		if !ok || r.SubmittedAt.After(prev.SubmittedAt) {
			latest[r.Author] = r
		}
	}

	approved := false
	for _, r := range latest {
		switch r.State {
		case ReviewChangesRequested:
			return false
		case ReviewApproved:
			approved = true
		}
	}
	return approved
}
