package board

import "time"

// Status values for board item lanes. These mirror the task lanes the
// planner reconciles against.
const (
	StatusTodo       = "TODO"
	StatusInProgress = "IN_PROGRESS"
	StatusInReview   = "IN_REVIEW"
	StatusDone       = "DONE"
)

// Board is a read-only projection of an external project board.
type Board struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Items []Item `json:"items,omitempty"`
}

// Item is a unit of work on the external project board. Items are
// projections of provider state; crew never mutates them except through
// UpdateItemStatus and AddPullRequestToItem.
type Item struct {
	ID              string            `json:"id"`
	Title           string            `json:"title"`
	Body            string            `json:"body,omitempty"`
	Status          string            `json:"status"`
	Assignee        string            `json:"assignee,omitempty"`
	Labels          []string          `json:"labels,omitempty"`
	PullRequestURLs []string          `json:"pull_request_urls,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// RepositoryID returns the "owner/name" repository this item targets,
// taken from item metadata. Empty when the provider did not supply one.
func (i *Item) RepositoryID() string {
	if i.Metadata == nil {
		return ""
	}
	return i.Metadata["repository"]
}

// HasLabel reports whether the item carries the given label (exact match).
func (i *Item) HasLabel(label string) bool {
	for _, l := range i.Labels {
		if l == label {
			return true
		}
	}
	return false
}
