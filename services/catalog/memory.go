package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"track-resolver-go/track"
)

// MemoryProvider serves a fixed track list. Filters match case-insensitive
// substrings. It backs local development and the test suites.
type MemoryProvider struct {
	mu     sync.RWMutex
	tracks []track.Candidate
	byID   map[string]int
	calls  atomic.Int64
}

var (
	_ SearchProvider = (*MemoryProvider)(nil)
	_ Lister         = (*MemoryProvider)(nil)
)

// NewMemoryProvider creates a provider over tracks, in catalog order
func NewMemoryProvider(tracks ...track.Candidate) *MemoryProvider {
	p := &MemoryProvider{byID: make(map[string]int)}
	p.Add(tracks...)
	return p
}

// LoadMemoryProvider reads a JSON array of tracks from path
func LoadMemoryProvider(path string) (*MemoryProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog seed file: %w", err)
	}
	var tracks []track.Candidate
	if err := json.Unmarshal(data, &tracks); err != nil {
		return nil, fmt.Errorf("failed to parse catalog seed file: %w", err)
	}
	return NewMemoryProvider(tracks...), nil
}

// Name returns "memory"
func (p *MemoryProvider) Name() string { return "memory" }

// Add appends tracks; an existing id is replaced in place
func (p *MemoryProvider) Add(tracks ...track.Candidate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range tracks {
		if i, ok := p.byID[t.ExternalID]; ok {
			p.tracks[i] = t
			continue
		}
		p.byID[t.ExternalID] = len(p.tracks)
		p.tracks = append(p.tracks, t)
	}
}

// Calls returns how many Search and Fetch calls were served
func (p *MemoryProvider) Calls() int {
	return int(p.calls.Load())
}

func containsFold(field, filter string) bool {
	if filter == "" {
		return true
	}
	return strings.Contains(strings.ToLower(field), strings.ToLower(filter))
}

// Search returns tracks matching every non-empty filter
func (p *MemoryProvider) Search(ctx context.Context, f Filters, limit int) ([]track.Candidate, error) {
	p.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, NewProviderError(p.Name(), "search cancelled", fmt.Errorf("%w: %v", ErrUnavailable, err))
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []track.Candidate
	for _, t := range p.tracks {
		if !containsFold(t.Title, f.Title) || !containsFold(t.Artist, f.Artist) || !containsFold(t.Album, f.Album) {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Fetch returns one track by id
func (p *MemoryProvider) Fetch(ctx context.Context, externalID string) (track.Candidate, error) {
	p.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return track.Candidate{}, NewProviderError(p.Name(), "fetch cancelled", fmt.Errorf("%w: %v", ErrUnavailable, err))
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	i, ok := p.byID[externalID]
	if !ok {
		return track.Candidate{}, NewProviderError(p.Name(), "fetch "+externalID, ErrNotFound)
	}
	return p.tracks[i], nil
}

// List walks every track in catalog order
func (p *MemoryProvider) List(_ context.Context, fn func(track.Candidate) bool) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, t := range p.tracks {
		if !fn(t) {
			return nil
		}
	}
	return nil
}
