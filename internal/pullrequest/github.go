package pullrequest

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/crewhq/crew/internal/githubapi"
)

func init() {
	Register("github", func(opts ProviderOptions) (Service, error) {
		if opts.Token == "" {
			return nil, fmt.Errorf("github pull request provider requires a token")
		}
		return NewGitHubService(githubapi.NewClient(opts.Token, opts.APIBase)), nil
	})
}

// GitHubService is the REST-backed pull request provider.
type GitHubService struct {
	client *githubapi.Client
}

// NewGitHubService creates the GitHub pull request provider.
func NewGitHubService(client *githubapi.Client) *GitHubService {
	return &GitHubService{client: client}
}

// Name returns "github".
func (s *GitHubService) Name() string { return "github" }

// REST response shapes, trimmed to the fields crew reads.
type (
	ghUser struct {
		Login string `json:"login"`
	}

	ghPullRequest struct {
		Number    int       `json:"number"`
		Title     string    `json:"title"`
		HTMLURL   string    `json:"html_url"`
		State     string    `json:"state"`
		User      ghUser    `json:"user"`
		Merged    bool      `json:"merged"`
		Mergeable *bool     `json:"mergeable"`
		CreatedAt time.Time `json:"created_at"`
		UpdatedAt time.Time `json:"updated_at"`
		Head      struct {
			Ref string `json:"ref"`
		} `json:"head"`
		Base struct {
			Ref string `json:"ref"`
		} `json:"base"`
	}

	ghReview struct {
		ID          int64     `json:"id"`
		User        ghUser    `json:"user"`
		State       string    `json:"state"`
		SubmittedAt time.Time `json:"submitted_at"`
	}

	ghComment struct {
		ID        int64     `json:"id"`
		User      ghUser    `json:"user"`
		Body      string    `json:"body"`
		Path      string    `json:"path,omitempty"`
		HTMLURL   string    `json:"html_url"`
		CreatedAt time.Time `json:"created_at"`
	}
)

func convertPR(pr *ghPullRequest) *PullRequest {
	return &PullRequest{
		Number:    pr.Number,
		Title:     pr.Title,
		URL:       pr.HTMLURL,
		State:     pr.State,
		Author:    pr.User.Login,
		Branch:    pr.Head.Ref,
		BaseRef:   pr.Base.Ref,
		Merged:    pr.Merged,
		Mergeable: pr.Mergeable != nil && *pr.Mergeable,
		CreatedAt: pr.CreatedAt,
		UpdatedAt: pr.UpdatedAt,
	}
}

// GetPullRequest fetches a single PR.
func (s *GitHubService) GetPullRequest(ctx context.Context, repoID string, number int) (*PullRequest, error) {
	if _, _, err := githubapi.SplitRepoID(repoID); err != nil {
		return nil, err
	}
	path := fmt.Sprintf("/repos/%s/pulls/%d", repoID, number)
	var pr ghPullRequest
	if err := s.client.DoRequest(ctx, http.MethodGet, path, nil, &pr); err != nil {
		return nil, fmt.Errorf("failed to get PR %s#%d: %w", repoID, number, err)
	}
	return convertPR(&pr), nil
}

// ListPullRequests lists PRs filtered by state.
func (s *GitHubService) ListPullRequests(ctx context.Context, repoID, state string) ([]PullRequest, error) {
	if _, _, err := githubapi.SplitRepoID(repoID); err != nil {
		return nil, err
	}
	if state == "" {
		state = StateOpen
	}
	path := fmt.Sprintf("/repos/%s/pulls?state=%s&per_page=100", repoID, state)
	var raw []ghPullRequest
	if err := s.client.DoRequest(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, fmt.Errorf("failed to list PRs for %s: %w", repoID, err)
	}

	out := make([]PullRequest, 0, len(raw))
	for i := range raw {
		out = append(out, *convertPR(&raw[i]))
	}
	return out, nil
}

// GetReviews returns all reviews on the PR in submission order.
func (s *GitHubService) GetReviews(ctx context.Context, repoID string, number int) ([]Review, error) {
	path := fmt.Sprintf("/repos/%s/pulls/%d/reviews?per_page=100", repoID, number)
	var raw []ghReview
	if err := s.client.DoRequest(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, fmt.Errorf("failed to list reviews for %s#%d: %w", repoID, number, err)
	}

	out := make([]Review, 0, len(raw))
	for _, r := range raw {
		out = append(out, Review{
			ID:          strconv.FormatInt(r.ID, 10),
			Author:      r.User.Login,
			State:       r.State,
			SubmittedAt: r.SubmittedAt,
		})
	}
	return out, nil
}

// IsApproved applies the latest-review-per-reviewer rule.
func (s *GitHubService) IsApproved(ctx context.Context, repoID string, number int) (bool, error) {
	reviews, err := s.GetReviews(ctx, repoID, number)
	if err != nil {
		return false, err
	}
	return ApprovedFromReviews(reviews), nil
}

// GetComments returns issue comments and review comments merged in creation
// order. IDs are prefixed by kind so the two sequences can't collide.
func (s *GitHubService) GetComments(ctx context.Context, repoID string, number int) ([]Comment, error) {
	issuePath := fmt.Sprintf("/repos/%s/issues/%d/comments?per_page=100", repoID, number)
	var issueComments []ghComment
	if err := s.client.DoRequest(ctx, http.MethodGet, issuePath, nil, &issueComments); err != nil {
		return nil, fmt.Errorf("failed to list comments for %s#%d: %w", repoID, number, err)
	}

	reviewPath := fmt.Sprintf("/repos/%s/pulls/%d/comments?per_page=100", repoID, number)
	var reviewComments []ghComment
	if err := s.client.DoRequest(ctx, http.MethodGet, reviewPath, nil, &reviewComments); err != nil {
		return nil, fmt.Errorf("failed to list review comments for %s#%d: %w", repoID, number, err)
	}

	out := make([]Comment, 0, len(issueComments)+len(reviewComments))
	for _, c := range issueComments {
		out = append(out, Comment{
			ID:        "ic-" + strconv.FormatInt(c.ID, 10),
			Author:    c.User.Login,
			Body:      c.Body,
			URL:       c.HTMLURL,
			CreatedAt: c.CreatedAt,
		})
	}
	for _, c := range reviewComments {
		out = append(out, Comment{
			ID:        "rc-" + strconv.FormatInt(c.ID, 10),
			Author:    c.User.Login,
			Body:      c.Body,
			Path:      c.Path,
			URL:       c.HTMLURL,
			CreatedAt: c.CreatedAt,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// GetNewComments returns comments strictly after since, filtered against the
// PR author and the bot allowlist.
func (s *GitHubService) GetNewComments(ctx context.Context, repoID string, number int, since time.Time, opts *FilterOptions) ([]Comment, error) {
	pr, err := s.GetPullRequest(ctx, repoID, number)
	if err != nil {
		return nil, err
	}

	all, err := s.GetComments(ctx, repoID, number)
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

// MarkCommentsAsProcessed is a no-op: GitHub has no server-side processed
// marker, the cursor lives in crew's own state.
func (s *GitHubService) MarkCommentsAsProcessed(ctx context.Context, repoID string, number int, ids []string) error {
	return nil
}
