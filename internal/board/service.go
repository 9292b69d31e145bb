// Package board abstracts the external project board behind a provider
// interface. Concrete providers register themselves in the registry and are
// selected by configuration at startup.
package board

import (
	"context"
	"sync"
)

// Service is the contract the planner consumes. Implementations are
// read-mostly: the only mutations are lane changes and PR attachment.
type Service interface {
	// Name returns the provider identifier (e.g. "github", "mock").
	Name() string

	// GetBoard returns the board with the given ID.
	GetBoard(ctx context.Context, boardID string) (*Board, error)

	// GetItems lists board items, optionally filtered by status lane.
	// Items are returned in board order.
	GetItems(ctx context.Context, boardID, status string) ([]Item, error)

	// UpdateItemStatus moves an item to a new lane and returns the
	// updated item.
	UpdateItemStatus(ctx context.Context, itemID, newStatus string) (*Item, error)

	// AddPullRequestToItem attaches a PR URL to an item.
	AddPullRequestToItem(ctx context.Context, itemID, url string) (*Item, error)
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

// Register adds a provider factory to the registry. Typically called from a
// provider file's init().
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
