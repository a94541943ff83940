package resolver

import (
	"context"

	"track-resolver-go/track"
)

// Action is the user's answer to a disambiguation prompt
type Action int

const (
	// Select accepts Choice.Selected
	Select Action = iota
	// Skip records the query as unresolvable
	Skip
	// ManualEntry restarts resolution with Choice.Manual
	ManualEntry
)

// Choice is returned by a Disambiguator
type Choice struct {
	Action   Action
	Selected *track.Candidate
	Manual   *track.Query
}

// Disambiguator asks a human to pick among scored candidates. The list may
// be empty, in which case only Skip and ManualEntry make sense.
type Disambiguator interface {
	Present(ctx context.Context, q track.Query, candidates []track.Match) Choice
}

// DisambiguatorFunc adapts a function to the Disambiguator interface
type DisambiguatorFunc func(ctx context.Context, q track.Query, candidates []track.Match) Choice

// Present calls f
func (f DisambiguatorFunc) Present(ctx context.Context, q track.Query, candidates []track.Match) Choice {
	return f(ctx, q, candidates)
}
