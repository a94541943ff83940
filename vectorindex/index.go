// Package vectorindex is an in-memory cosine-similarity index over known
// catalog metadata. It lets the resolver find tracks it has already seen
// without calling the catalog.
package vectorindex

import (
	"math"
	"sort"
	"strings"
	"sync"

	"track-resolver-go/normalize"
	"track-resolver-go/track"
)

const (
	DefaultLimit    = 25
	DefaultMinScore = 0.35

	ngramSize   = 3
	ngramPrefix = "ng:"
)

// fieldWeights is the weight of every word token by source field
var fieldWeights = []struct {
	field  func(track.Query) string
	weight float64
}{
	{func(q track.Query) string { return q.Title }, 3},
	{func(q track.Query) string { return q.Artist }, 2},
	{func(q track.Query) string { return q.Album }, 1},
}

// Vector is a sparse token -> weight map with its euclidean norm
type Vector struct {
	Counts map[string]float64
	Norm   float64
}

// Entry is an indexed item. Norm is always > 0.
type Entry struct {
	ItemID   string
	Counts   map[string]float64
	Norm     float64
	Metadata track.Query
}

// Candidate returns the entry as a catalog candidate
func (e *Entry) Candidate() track.Candidate {
	return track.Candidate{
		ExternalID: e.ItemID,
		Title:      e.Metadata.Title,
		Artist:     e.Metadata.Artist,
		Album:      e.Metadata.Album,
	}
}

// Scored pairs an entry with its cosine score
type Scored struct {
	Entry *Entry
	Score float64
}

// Index is safe for concurrent use.
type Index struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	postings map[string]map[string]struct{}
}

// New creates an empty index
func New() *Index {
	return &Index{
		entries:  make(map[string]*Entry),
		postings: make(map[string]map[string]struct{}),
	}
}

// BuildVector tokenizes metadata. Indexing and querying both go through here.
func BuildVector(meta track.Query) Vector {
	counts := make(map[string]float64)
	for _, fw := range fieldWeights {
		text := normalize.Fold(normalize.CleanField(fw.field(meta)))
		if text == "" {
			continue
		}
		for _, tok := range strings.Fields(text) {
			counts[tok] += fw.weight
		}

		ngramWeight := math.Max(1, fw.weight-1)
		for _, ng := range charNgrams(text) {
			counts[ngramPrefix+ng] += ngramWeight
		}
	}
	return Vector{Counts: counts, Norm: vectorNorm(counts)}
}

func charNgrams(text string) []string {
	r := []rune(strings.ReplaceAll(text, " ", ""))
	if len(r) < ngramSize {
		return nil
	}
	out := make([]string, 0, len(r)-ngramSize+1)
	for i := 0; i+ngramSize <= len(r); i++ {
		out = append(out, string(r[i:i+ngramSize]))
	}
	return out
}

func vectorNorm(counts map[string]float64) float64 {
	var sum float64
	for _, w := range counts {
		sum += w * w
	}
	return math.Sqrt(sum)
}

// Len returns the number of indexed items
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// Get returns the entry for id
func (idx *Index) Get(id string) (*Entry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	e, ok := idx.entries[id]
	return e, ok
}

// Add indexes metadata under id. It returns false, and indexes nothing,
// when the metadata produces an empty vector. An existing id is replaced.
func (idx *Index) Add(id string, meta track.Query) bool {
	if id == "" {
		return false
	}
	vec := BuildVector(meta)
	if len(vec.Counts) == 0 || vec.Norm == 0 {
		return false
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.removeLocked(id)
	idx.entries[id] = &Entry{ItemID: id, Counts: vec.Counts, Norm: vec.Norm, Metadata: meta}
	for tok := range vec.Counts {
		bucket, ok := idx.postings[tok]
		if !ok {
			bucket = make(map[string]struct{})
			idx.postings[tok] = bucket
		}
		bucket[id] = struct{}{}
	}
	return true
}

// Remove drops id from the index
func (idx *Index) Remove(id string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.removeLocked(id)
}

func (idx *Index) removeLocked(id string) bool {
	entry, ok := idx.entries[id]
	if !ok {
		return false
	}
	delete(idx.entries, id)
	for tok := range entry.Counts {
		bucket := idx.postings[tok]
		delete(bucket, id)
		if len(bucket) == 0 {
			delete(idx.postings, tok)
		}
	}
	return true
}

// Upsert replaces whatever is stored under id
func (idx *Index) Upsert(id string, meta track.Query) bool {
	idx.Remove(id)
	return idx.Add(id, meta)
}

// CandidateScores scores every item sharing at least one token with vec.
// Results under minScore are dropped; at most limit results are returned,
// best first.
func (idx *Index) CandidateScores(vec Vector, limit int, minScore float64) []Scored {
	if len(vec.Counts) == 0 || vec.Norm == 0 {
		return nil
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	candidates := make(map[string]struct{})
	for tok := range vec.Counts {
		for id := range idx.postings[tok] {
			candidates[id] = struct{}{}
		}
	}

	scored := make([]Scored, 0, len(candidates))
	for id := range candidates {
		entry := idx.entries[id]
		if entry == nil || entry.Norm == 0 {
			continue
		}
		var dot float64
		for tok, w := range vec.Counts {
			dot += w * entry.Counts[tok]
		}
		if dot <= 0 {
			continue
		}
		score := dot / (vec.Norm * entry.Norm)
		if score < minScore {
			continue
		}
		scored = append(scored, Scored{Entry: entry, Score: score})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Entry.ItemID < scored[j].Entry.ItemID
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}

// Search builds the query vector and scores it
func (idx *Index) Search(q track.Query, limit int, minScore float64) []Scored {
	return idx.CandidateScores(BuildVector(q), limit, minScore)
}

// Each calls fn for every entry until it returns false
func (idx *Index) Each(fn func(*Entry) bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	for _, e := range idx.entries {
		if !fn(e) {
			return
		}
	}
}

// Reset empties the index
func (idx *Index) Reset() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries = make(map[string]*Entry)
	idx.postings = make(map[string]map[string]struct{})
}
