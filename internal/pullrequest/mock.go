package pullrequest

import (
	"context"
	"fmt"
	"sync"
	"time"
)

func init() {
	Register("mock", func(opts ProviderOptions) (Service, error) {
		return NewMockService(), nil
	})
}

// MockService is an in-memory pull request provider for tests.
type MockService struct {
	mu        sync.Mutex
	prs       map[string]*PullRequest // key: repoID#number
	reviews   map[string][]Review
	comments  map[string][]Comment
	processed map[string][]string

	// Errs maps operation names to errors the next call should return.
	Errs map[string]error
}

// NewMockService creates an empty mock provider.
func NewMockService() *MockService {
	return &MockService{
		prs:       make(map[string]*PullRequest),
		reviews:   make(map[string][]Review),
		comments:  make(map[string][]Comment),
		processed: make(map[string][]string),
		Errs:      make(map[string]error),
	}
}

func key(repoID string, number int) string {
	return fmt.Sprintf("%s#%d", repoID, number)
}

// AddPullRequest seeds a PR.
func (m *MockService) AddPullRequest(repoID string, pr PullRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := pr
	m.prs[key(repoID, pr.Number)] = &cp
}

// AddReview appends a review to a seeded PR.
func (m *MockService) AddReview(repoID string, number int, review Review) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(repoID, number)
	m.reviews[k] = append(m.reviews[k], review)
}

// AddComment appends a comment to a seeded PR.
func (m *MockService) AddComment(repoID string, number int, comment Comment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(repoID, number)
	m.comments[k] = append(m.comments[k], comment)
}

// Processed returns the comment IDs acknowledged for a PR.
func (m *MockService) Processed(repoID string, number int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.processed[key(repoID, number)]...)
}

// Name returns "mock".
func (m *MockService) Name() string { return "mock" }

// GetPullRequest returns a seeded PR.
func (m *MockService) GetPullRequest(ctx context.Context, repoID string, number int) (*PullRequest, error) {
	if err := m.errFor("GetPullRequest"); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	pr, ok := m.prs[key(repoID, number)]
	if !ok {
		return nil, fmt.Errorf("pull request not found: %s#%d", repoID, number)
	}
	cp := *pr
	return &cp, nil
}

// ListPullRequests lists seeded PRs for a repository filtered by state.
func (m *MockService) ListPullRequests(ctx context.Context, repoID, state string) ([]PullRequest, error) {
	if err := m.errFor("ListPullRequests"); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []PullRequest
	prefix := repoID + "#"
	for k, pr := range m.prs {
		if len(k) < len(prefix) || k[:len(prefix)] != prefix {
			continue
		}
		if state == "" || state == StateAll || pr.State == state {
			out = append(out, *pr)
		}
	}
	return out, nil
}

// GetReviews returns seeded reviews.
func (m *MockService) GetReviews(ctx context.Context, repoID string, number int) ([]Review, error) {
	if err := m.errFor("GetReviews"); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Review(nil), m.reviews[key(repoID, number)]...), nil
}

// IsApproved applies the shared approval rule to seeded reviews.
func (m *MockService) IsApproved(ctx context.Context, repoID string, number int) (bool, error) {
	reviews, err := m.GetReviews(ctx, repoID, number)
	if err != nil {
		return false, err
	}
	return ApprovedFromReviews(reviews), nil
}

// GetComments returns seeded comments.
func (m *MockService) GetComments(ctx context.Context, repoID string, number int) ([]Comment, error) {
	if err := m.errFor("GetComments"); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Comment(nil), m.comments[key(repoID, number)]...), nil
}

// GetNewComments filters seeded comments by creation time and the standard
// filtering rules.
func (m *MockService) GetNewComments(ctx context.Context, repoID string, number int, since time.Time, opts *FilterOptions) ([]Comment, error) {
	pr, err := m.GetPullRequest(ctx, repoID, number)
	if err != nil {
		return nil, err
	}

	all, err := m.GetComments(ctx, repoID, number)
	if err != nil {
		return nil, err
	}

	var recent []Comment
	for _, c := range all {
		if c.CreatedAt.After(since) {
			recent = append(recent, c)
		}
	}
	return FilterComments(recent, pr.Author, opts), nil
}

// MarkCommentsAsProcessed records the acknowledged IDs.
func (m *MockService) MarkCommentsAsProcessed(ctx context.Context, repoID string, number int, ids []string) error {
	if err := m.errFor("MarkCommentsAsProcessed"); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(repoID, number)
	m.processed[k] = append(m.processed[k], ids...)
	return nil
}

func (m *MockService) errFor(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.Errs[op]; ok && err != nil {
		return err
	}
	return nil
}
