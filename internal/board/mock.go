package board

import (
	"context"
	"fmt"
	"sync"
	"time"
)

func init() {
	Register("mock", func(opts ProviderOptions) (Service, error) {
		return NewMockBoard(), nil
	})
}

// MockBoard is an in-memory board provider for tests and dry runs.
type MockBoard struct {
	mu    sync.Mutex
	items map[string]*Item
	order []string

	// Errs maps operation names ("GetItems", "UpdateItemStatus", ...) to
	// errors the next call should return.
	Errs map[string]error
}

// NewMockBoard creates an empty mock board.
func NewMockBoard() *MockBoard {
	return &MockBoard{
		items: make(map[string]*Item),
		Errs:  make(map[string]error),
	}
}

// AddItem seeds an item. Missing timestamps are filled in.
func (m *MockBoard) AddItem(item Item) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = item.CreatedAt
	}
	if _, exists := m.items[item.ID]; !exists {
		m.order = append(m.order, item.ID)
	}
	cp := item
	m.items[item.ID] = &cp
}

// Item returns a copy of a seeded item.
func (m *MockBoard) Item(id string) (Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return Item{}, false
	}
	return *item, true
}

// Name returns "mock".
func (m *MockBoard) Name() string { return "mock" }

// GetBoard returns a board wrapper around the seeded items.
func (m *MockBoard) GetBoard(ctx context.Context, boardID string) (*Board, error) {
	if err := m.errFor("GetBoard"); err != nil {
		return nil, err
	}
	return &Board{ID: boardID, Name: "mock board"}, nil
}

// GetItems lists seeded items in insertion order, optionally filtered.
func (m *MockBoard) GetItems(ctx context.Context, boardID, status string) ([]Item, error) {
	if err := m.errFor("GetItems"); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Item
	for _, id := range m.order {
		item := m.items[id]
		if status == "" || item.Status == status {
			out = append(out, *item)
		}
	}
	return out, nil
}

// UpdateItemStatus moves an item to a new lane.
func (m *MockBoard) UpdateItemStatus(ctx context.Context, itemID, newStatus string) (*Item, error) {
	if err := m.errFor("UpdateItemStatus"); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[itemID]
	if !ok {
		return nil, fmt.Errorf("unknown board item: %s", itemID)
	}
	item.Status = newStatus
	item.UpdatedAt = time.Now().UTC()
	cp := *item
	return &cp, nil
}

// AddPullRequestToItem attaches a PR URL to an item.
func (m *MockBoard) AddPullRequestToItem(ctx context.Context, itemID, url string) (*Item, error) {
	if err := m.errFor("AddPullRequestToItem"); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[itemID]
	if !ok {
		return nil, fmt.Errorf("unknown board item: %s", itemID)
	}
	for _, existing := range item.PullRequestURLs {
		if existing == url {
			cp := *item
			return &cp, nil
		}
	}
	item.PullRequestURLs = append(item.PullRequestURLs, url)
	item.UpdatedAt = time.Now().UTC()
	cp := *item
	return &cp, nil
}

func (m *MockBoard) errFor(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.Errs[op]; ok && err != nil {
		return err
	}
	return nil
}
