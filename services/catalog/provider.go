// Package catalog talks to the external music catalog that owns canonical
// track ids.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"track-resolver-go/track"
)

// Filters narrows a catalog search. Empty fields are not sent.
type Filters struct {
	Title  string `json:"title,omitempty"`
	Artist string `json:"artist,omitempty"`
	Album  string `json:"album,omitempty"`
}

// IsEmpty reports whether no filter is set
func (f Filters) IsEmpty() bool {
	return f.Title == "" && f.Artist == "" && f.Album == ""
}

// SearchProvider defines the interface every catalog backend implements
type SearchProvider interface {
	// Name returns the provider's identifier (e.g., "memory", "http")
	Name() string

	// Search returns at most limit tracks matching every non-empty filter,
	// in catalog order
	Search(ctx context.Context, filters Filters, limit int) ([]track.Candidate, error)

	// Fetch returns one track by id. A missing track is ErrNotFound.
	Fetch(ctx context.Context, externalID string) (track.Candidate, error)
}

// Lister is implemented by providers that can enumerate their tracks. It is
// used to warm the local index.
type Lister interface {
	List(ctx context.Context, fn func(track.Candidate) bool) error
}

// Registry holds the configured providers by name
type Registry struct {
	mu        sync.RWMutex
	providers map[string]SearchProvider
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]SearchProvider)}
}

// Register adds a provider, replacing any provider with the same name
func (r *Registry) Register(p SearchProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get retrieves a provider by name
func (r *Registry) Get(name string) (SearchProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("catalog provider not found: %s", name)
	}
	return p, nil
}

// List returns all registered provider names, sorted
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has checks if a provider is registered
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[name]
	return ok
}
