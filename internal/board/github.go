package board

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/crewhq/crew/internal/githubapi"
	"github.com/crewhq/crew/internal/logging"
)

func init() {
	Register("github", func(opts ProviderOptions) (Service, error) {
		if opts.Token == "" {
			return nil, fmt.Errorf("github board provider requires a token")
		}
		return NewGitHubBoard(githubapi.NewClient(opts.Token, opts.APIBase)), nil
	})
}

// GraphQL queries for GitHub Projects V2.
const (
	queryProjectByOrg = `query($owner: String!, $number: Int!) {
  organization(login: $owner) { projectV2(number: $number) { id title } }
}`

	queryProjectByUser = `query($owner: String!, $number: Int!) {
  user(login: $owner) { projectV2(number: $number) { id title } }
}`

	queryProjectItems = `query($projectID: ID!, $cursor: String) {
  node(id: $projectID) {
    ... on ProjectV2 {
      items(first: 100, after: $cursor) {
        pageInfo { hasNextPage endCursor }
        nodes {
          id
          fieldValueByName(name: "Status") {
            ... on ProjectV2ItemFieldSingleSelectValue { name }
          }
          content {
            ... on Issue {
              id number title body url createdAt updatedAt
              repository { nameWithOwner }
              labels(first: 20) { nodes { name } }
              assignees(first: 5) { nodes { login } }
              timelineItems(itemTypes: [CROSS_REFERENCED_EVENT], first: 20) {
                nodes {
                  ... on CrossReferencedEvent {
                    source { ... on PullRequest { url } }
                  }
                }
              }
            }
          }
        }
      }
    }
  }
}`

	queryStatusField = `query($projectID: ID!) {
  node(id: $projectID) {
    ... on ProjectV2 {
      field(name: "Status") {
        ... on ProjectV2SingleSelectField { id options { id name } }
      }
    }
  }
}`

	mutationSetItemStatus = `mutation($projectID: ID!, $itemID: ID!, $fieldID: ID!, $optionID: String!) {
  updateProjectV2ItemFieldValue(input: {
    projectId: $projectID, itemId: $itemID, fieldId: $fieldID,
    value: { singleSelectOptionId: $optionID }
  }) { projectV2Item { id } }
}`
)

// statusAliases maps crew lane names to the column names commonly used on
// Projects V2 boards. Matching is case-insensitive on the collapsed name.
var statusAliases = map[string]string{
	"todo":       StatusTodo,
	"inprogress": StatusInProgress,
	"inreview":   StatusInReview,
	"done":       StatusDone,
}

// GitHubBoard is the Projects V2 board provider. Board IDs are
// "owner/projectNumber". Project, field and option node IDs are resolved
// lazily and cached; item lookups needed by mutations come from the most
// recent GetItems call.
type GitHubBoard struct {
	client *githubapi.Client
	log    *slog.Logger

	mu        sync.Mutex
	projects  map[string]*projectInfo // boardID -> resolved project
	itemIndex map[string]*itemEntry   // item node ID -> latest projection
}

type projectInfo struct {
	nodeID    string
	title     string
	fieldID   string
	optionIDs map[string]string // collapsed column name -> option node ID
}

type itemEntry struct {
	boardID string
	item    Item
}

// NewGitHubBoard creates the Projects V2 provider.
func NewGitHubBoard(client *githubapi.Client) *GitHubBoard {
	return &GitHubBoard{
		client:    client,
		log:       logging.WithComponent("board.github"),
		projects:  make(map[string]*projectInfo),
		itemIndex: make(map[string]*itemEntry),
	}
}

// Name returns "github".
func (g *GitHubBoard) Name() string { return "github" }

// GetBoard resolves the project behind a board ID.
func (g *GitHubBoard) GetBoard(ctx context.Context, boardID string) (*Board, error) {
	proj, err := g.project(ctx, boardID)
	if err != nil {
		return nil, err
	}
	return &Board{ID: boardID, Name: proj.title}, nil
}

// GetItems lists board items, paging through the whole project, optionally
// filtered by status lane.
func (g *GitHubBoard) GetItems(ctx context.Context, boardID, status string) ([]Item, error) {
	proj, err := g.project(ctx, boardID)
	if err != nil {
		return nil, err
	}

	var items []Item
	cursor := ""
	for {
		vars := map[string]interface{}{"projectID": proj.nodeID}
		if cursor != "" {
			vars["cursor"] = cursor
		}

		var resp projectItemsResponse
		if err := g.client.ExecuteGraphQL(ctx, queryProjectItems, vars, &resp); err != nil {
			return nil, fmt.Errorf("failed to list items for board %s: %w", boardID, err)
		}

		for _, node := range resp.Node.Items.Nodes {
			item, ok := convertItem(node)
			if !ok {
				continue // draft or PR-backed item, not actionable
			}
			g.remember(boardID, item)
			if status == "" || item.Status == status {
				items = append(items, item)
			}
		}

		if !resp.Node.Items.PageInfo.HasNextPage {
			break
		}
		cursor = resp.Node.Items.PageInfo.EndCursor
	}

	return items, nil
}

// UpdateItemStatus moves an item to a new lane via the single-select Status
// field.
func (g *GitHubBoard) UpdateItemStatus(ctx context.Context, itemID, newStatus string) (*Item, error) {
	entry, ok := g.lookup(itemID)
	if !ok {
		return nil, fmt.Errorf("unknown board item: %s", itemID)
	}

	proj, err := g.project(ctx, entry.boardID)
	if err != nil {
		return nil, err
	}

	optionID, ok := proj.optionIDs[collapseStatus(newStatus)]
	if !ok {
		return nil, fmt.Errorf("board has no status column for %s", newStatus)
	}

	err = githubapi.WithRetryVoid(ctx, func() error {
		return g.client.ExecuteGraphQL(ctx, mutationSetItemStatus, map[string]interface{}{
			"projectID": proj.nodeID,
			"itemID":    itemID,
			"fieldID":   proj.fieldID,
			"optionID":  optionID,
		}, nil)
	}, githubapi.DefaultRetryOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to move item %s to %s: %w", itemID, newStatus, err)
	}

	g.mu.Lock()
	entry.item.Status = newStatus
	entry.item.UpdatedAt = time.Now().UTC()
	updated := entry.item
	g.mu.Unlock()

	g.log.Info("board item moved",
		slog.String("item_id", itemID),
		slog.String("status", newStatus),
	)
	return &updated, nil
}

// AddPullRequestToItem links a PR to the item's backing issue by commenting
// on it. GitHub renders the link as a cross-reference, which the item query
// picks up on the next sync.
func (g *GitHubBoard) AddPullRequestToItem(ctx context.Context, itemID, url string) (*Item, error) {
	entry, ok := g.lookup(itemID)
	if !ok {
		return nil, fmt.Errorf("unknown board item: %s", itemID)
	}

	repoID := entry.item.RepositoryID()
	number := entry.item.Metadata["issue_number"]
	if repoID == "" || number == "" {
		return nil, fmt.Errorf("item %s has no backing issue", itemID)
	}

	err := githubapi.WithRetryVoid(ctx, func() error {
		path := fmt.Sprintf("/repos/%s/issues/%s/comments", repoID, number)
		return g.client.DoRequest(ctx, http.MethodPost, path, map[string]string{
			"body": fmt.Sprintf("Pull request: %s", url),
		}, nil)
	}, githubapi.DefaultRetryOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to link PR to item %s: %w", itemID, err)
	}

	g.mu.Lock()
	if !containsString(entry.item.PullRequestURLs, url) {
		entry.item.PullRequestURLs = append(entry.item.PullRequestURLs, url)
	}
	updated := entry.item
	g.mu.Unlock()

	return &updated, nil
}

// project resolves and caches the project behind a board ID.
func (g *GitHubBoard) project(ctx context.Context, boardID string) (*projectInfo, error) {
	g.mu.Lock()
	proj, ok := g.projects[boardID]
	g.mu.Unlock()
	if ok {
		return proj, nil
	}

	owner, numberStr, err := githubapi.SplitRepoID(boardID)
	if err != nil {
		return nil, fmt.Errorf("invalid board id, expected owner/number: %s", boardID)
	}
	number, err := strconv.Atoi(numberStr)
	if err != nil {
		return nil, fmt.Errorf("invalid board id, expected owner/number: %s", boardID)
	}

	vars := map[string]interface{}{"owner": owner, "number": number}

	// Organizations first, user accounts as fallback.
	var orgResp projectByOrgResponse
	nodeID, title := "", ""
	if err := g.client.ExecuteGraphQL(ctx, queryProjectByOrg, vars, &orgResp); err == nil && orgResp.Organization.ProjectV2.ID != "" {
		nodeID, title = orgResp.Organization.ProjectV2.ID, orgResp.Organization.ProjectV2.Title
	} else {
		var userResp projectByUserResponse
		if err := g.client.ExecuteGraphQL(ctx, queryProjectByUser, vars, &userResp); err != nil {
			return nil, fmt.Errorf("failed to resolve board %s: %w", boardID, err)
		}
		if userResp.User.ProjectV2.ID == "" {
			return nil, fmt.Errorf("project #%d not found for owner %s", number, owner)
		}
		nodeID, title = userResp.User.ProjectV2.ID, userResp.User.ProjectV2.Title
	}

	var fieldResp statusFieldResponse
	if err := g.client.ExecuteGraphQL(ctx, queryStatusField, map[string]interface{}{"projectID": nodeID}, &fieldResp); err != nil {
		return nil, fmt.Errorf("failed to resolve status field for board %s: %w", boardID, err)
	}
	if fieldResp.Node.Field.ID == "" {
		return nil, fmt.Errorf("board %s has no Status field", boardID)
	}

	optionIDs := make(map[string]string, len(fieldResp.Node.Field.Options))
	for _, opt := range fieldResp.Node.Field.Options {
		optionIDs[collapseStatus(opt.Name)] = opt.ID
	}

	proj = &projectInfo{
		nodeID:    nodeID,
		title:     title,
		fieldID:   fieldResp.Node.Field.ID,
		optionIDs: optionIDs,
	}

	g.mu.Lock()
	g.projects[boardID] = proj
	g.mu.Unlock()
	return proj, nil
}

func (g *GitHubBoard) remember(boardID string, item Item) {
	g.mu.Lock()
	g.itemIndex[item.ID] = &itemEntry{boardID: boardID, item: item}
	g.mu.Unlock()
}

func (g *GitHubBoard) lookup(itemID string) (*itemEntry, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.itemIndex[itemID]
	return entry, ok
}

// Response types for GraphQL unmarshalling.
type (
	projectByOrgResponse struct {
		Organization struct {
			ProjectV2 struct {
				ID    string `json:"id"`
				Title string `json:"title"`
			} `json:"projectV2"`
		} `json:"organization"`
	}

	projectByUserResponse struct {
		User struct {
			ProjectV2 struct {
				ID    string `json:"id"`
				Title string `json:"title"`
			} `json:"projectV2"`
		} `json:"user"`
	}

	statusFieldResponse struct {
		Node struct {
			Field struct {
				ID      string `json:"id"`
				Options []struct {
					ID   string `json:"id"`
					Name string `json:"name"`
				} `json:"options"`
			} `json:"field"`
		} `json:"node"`
	}

	projectItemsResponse struct {
		Node struct {
			Items struct {
				PageInfo struct {
					HasNextPage bool   `json:"hasNextPage"`
					EndCursor   string `json:"endCursor"`
				} `json:"pageInfo"`
				Nodes []projectItemNode `json:"nodes"`
			} `json:"items"`
		} `json:"node"`
	}

	projectItemNode struct {
		ID               string `json:"id"`
		FieldValueByName struct {
			Name string `json:"name"`
		} `json:"fieldValueByName"`
		Content struct {
			ID         string    `json:"id"`
			Number     int       `json:"number"`
			Title      string    `json:"title"`
			Body       string    `json:"body"`
			URL        string    `json:"url"`
			CreatedAt  time.Time `json:"createdAt"`
			UpdatedAt  time.Time `json:"updatedAt"`
			Repository struct {
				NameWithOwner string `json:"nameWithOwner"`
			} `json:"repository"`
			Labels struct {
				Nodes []struct {
					Name string `json:"name"`
				} `json:"nodes"`
			} `json:"labels"`
			Assignees struct {
				Nodes []struct {
					Login string `json:"login"`
				} `json:"nodes"`
			} `json:"assignees"`
			TimelineItems struct {
				Nodes []struct {
					Source struct {
						URL string `json:"url"`
					} `json:"source"`
				} `json:"nodes"`
			} `json:"timelineItems"`
		} `json:"content"`
	}
)

// convertItem projects a GraphQL item node onto the provider-neutral Item.
// Only issue-backed items are actionable.
func convertItem(node projectItemNode) (Item, bool) {
	if node.Content.ID == "" {
		return Item{}, false
	}

	item := Item{
		ID:        node.ID,
		Title:     node.Content.Title,
		Body:      node.Content.Body,
		Status:    normalizeStatus(node.FieldValueByName.Name),
		CreatedAt: node.Content.CreatedAt,
		UpdatedAt: node.Content.UpdatedAt,
		Metadata: map[string]string{
			"repository":   node.Content.Repository.NameWithOwner,
			"issue_number": strconv.Itoa(node.Content.Number),
			"issue_url":    node.Content.URL,
			"content_id":   node.Content.ID,
		},
	}

	for _, label := range node.Content.Labels.Nodes {
		item.Labels = append(item.Labels, label.Name)
	}
	if len(node.Content.Assignees.Nodes) > 0 {
		item.Assignee = node.Content.Assignees.Nodes[0].Login
	}
	for _, t := range node.Content.TimelineItems.Nodes {
		if strings.Contains(t.Source.URL, "/pull/") && !containsString(item.PullRequestURLs, t.Source.URL) {
			item.PullRequestURLs = append(item.PullRequestURLs, t.Source.URL)
		}
	}

	return item, true
}

// normalizeStatus maps a board column name onto a crew lane. Unrecognized
// columns pass through unchanged so the planner can ignore them.
func normalizeStatus(column string) string {
	if lane, ok := statusAliases[collapseStatus(column)]; ok {
		return lane
	}
	return column
}

// collapseStatus lowercases and strips separators ("In Progress",
// "in_progress" and "IN_PROGRESS" all collapse to "inprogress").
func collapseStatus(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if r == ' ' || r == '_' || r == '-' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
