package pullrequest

import "time"

// PR state filters accepted by ListPullRequests.
const (
	StateOpen   = "open"
	StateClosed = "closed"
	StateAll    = "all"
)

// Review states as reported by the provider.
const (
	ReviewApproved         = "APPROVED"
	ReviewChangesRequested = "CHANGES_REQUESTED"
	ReviewCommented        = "COMMENTED"
)

// PullRequest is a read-only projection of a provider pull request.
type PullRequest struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	URL       string    `json:"url"`
	State     string    `json:"state"`
	Author    string    `json:"author"`
	Branch    string    `json:"branch"`
	BaseRef   string    `json:"base_ref"`
	Merged    bool      `json:"merged"`
	Mergeable bool      `json:"mergeable"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Review is a single PR review. Only the latest review per reviewer counts
// toward approval.
type Review struct {
	ID          string    `json:"id"`
	Author      string    `json:"author"`
	State       string    `json:"state"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Comment is a PR comment (issue comment or review comment).
type Comment struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	Path      string    `json:"path,omitempty"` // set for review comments
	URL       string    `json:"url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
