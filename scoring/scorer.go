// Package scoring compares a query with catalog candidates using a
// field-weighted string distance.
package scoring

import (
	"sort"
	"unicode/utf8"

	"track-resolver-go/normalize"
	"track-resolver-go/track"

	"github.com/hbollon/go-edlib"
	"github.com/xrash/smetrics"
)

// Algorithm selects the per-field similarity ratio
type Algorithm string

const (
	AlgorithmLCS         Algorithm = "lcs"
	AlgorithmLevenshtein Algorithm = "levenshtein"
)

// Score bands used for colour-coded display
const (
	BandHigh   = "high"
	BandMedium = "medium"
	BandLow    = "low"
)

// epsilon absorbs float error so that a score of exactly a threshold passes it
const epsilon = 1e-9

// Weights of each field in the distance. They sum to 1.
type Weights struct {
	Title  float64
	Album  float64
	Artist float64
}

// DefaultWeights favour the title, then the artist
var DefaultWeights = Weights{Title: 0.5, Album: 0.2, Artist: 0.3}

// Thresholds gate acceptance of scored candidates
type Thresholds struct {
	Accept       float64 // best of several candidates
	SingleAccept float64 // a lone candidate
	Visibility   float64 // shown in interactive lists
	LocalConfirm float64 // local index hit confirmed without catalog search
}

// DefaultThresholds are used when no configuration overrides them
var DefaultThresholds = Thresholds{
	Accept:       0.7,
	SingleAccept: 0.8,
	Visibility:   0.3,
	LocalConfirm: 0.75,
}

// Scorer computes distances between queries and candidates. It is stateless
// and safe for concurrent use.
type Scorer struct {
	algorithm  Algorithm
	weights    Weights
	thresholds Thresholds
}

// NewScorer creates a scorer. An unknown algorithm falls back to LCS and
// zero thresholds fall back to the defaults.
func NewScorer(algorithm Algorithm, thresholds Thresholds) *Scorer {
	if algorithm != AlgorithmLevenshtein {
		algorithm = AlgorithmLCS
	}
	if thresholds.Accept <= 0 {
		thresholds.Accept = DefaultThresholds.Accept
	}
	if thresholds.SingleAccept <= 0 {
		thresholds.SingleAccept = DefaultThresholds.SingleAccept
	}
	if thresholds.Visibility <= 0 {
		thresholds.Visibility = DefaultThresholds.Visibility
	}
	if thresholds.LocalConfirm <= 0 {
		thresholds.LocalConfirm = DefaultThresholds.LocalConfirm
	}
	return &Scorer{
		algorithm:  algorithm,
		weights:    DefaultWeights,
		thresholds: thresholds,
	}
}

// Default returns an LCS scorer with the default thresholds
func Default() *Scorer {
	return NewScorer(AlgorithmLCS, DefaultThresholds)
}

// Algorithm returns the configured similarity algorithm
func (s *Scorer) Algorithm() Algorithm { return s.algorithm }

// Thresholds returns the acceptance thresholds
func (s *Scorer) Thresholds() Thresholds { return s.thresholds }

// FieldSimilarity compares two raw field values. Two empty fields are
// identical; one empty field never matches.
func (s *Scorer) FieldSimilarity(a, b string) float64 {
	a = normalize.CleanField(a)
	b = normalize.CleanField(b)

	switch {
	case a == "" && b == "":
		return 1.0
	case a == "" || b == "":
		return 0.0
	case a == b:
		return 1.0
	}

	if s.algorithm == AlgorithmLevenshtein {
		return levenshteinRatio(a, b)
	}
	return lcsRatio(a, b)
}

// Distance is the weighted sum of per-field distances, in [0,1]
func (s *Scorer) Distance(q track.Query, c track.Candidate) float64 {
	d := s.weights.Title*(1-s.FieldSimilarity(q.Title, c.Title)) +
		s.weights.Album*(1-s.FieldSimilarity(q.Album, c.Album)) +
		s.weights.Artist*(1-s.FieldSimilarity(q.Artist, c.Artist))
	return clamp(d)
}

// Score is 1 - Distance
func (s *Scorer) Score(q track.Query, c track.Candidate) float64 {
	return clamp(1 - s.Distance(q, c))
}

// Rank scores every candidate and sorts by score descending. Equal scores
// keep catalog order.
func (s *Scorer) Rank(q track.Query, candidates []track.Candidate) []track.Match {
	matches := make([]track.Match, len(candidates))
	for i, c := range candidates {
		matches[i] = track.Match{Candidate: c, Score: s.Score(q, c)}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	return matches
}

// Visible filters ranked matches down to those worth showing interactively
func (s *Scorer) Visible(matches []track.Match) []track.Match {
	var out []track.Match
	for _, m := range matches {
		if Meets(m.Score, s.thresholds.Visibility) {
			out = append(out, m)
		}
	}
	return out
}

// Accepts reports whether the best of several candidates is good enough
func (s *Scorer) Accepts(score float64) bool {
	return Meets(score, s.thresholds.Accept)
}

// AcceptsSingle reports whether a lone candidate is good enough
func (s *Scorer) AcceptsSingle(score float64) bool {
	return Meets(score, s.thresholds.SingleAccept)
}

// ConfirmsLocal reports whether a local index hit can skip catalog search
func (s *Scorer) ConfirmsLocal(score float64) bool {
	return Meets(score, s.thresholds.LocalConfirm)
}

// Band classifies a score for display
func (s *Scorer) Band(score float64) string {
	switch {
	case Meets(score, s.thresholds.Accept):
		return BandHigh
	case Meets(score, s.thresholds.Visibility):
		return BandMedium
	default:
		return BandLow
	}
}

// Meets compares a score with a threshold, tolerating float rounding
func Meets(score, threshold float64) bool {
	return score >= threshold-epsilon
}

func lcsRatio(a, b string) float64 {
	total := utf8.RuneCountInString(a) + utf8.RuneCountInString(b)
	if total == 0 {
		return 1.0
	}
	return clamp(2 * float64(edlib.LCS(a, b)) / float64(total))
}

func levenshteinRatio(a, b string) float64 {
	longest := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > longest {
		longest = n
	}
	if longest == 0 {
		return 1.0
	}
	dist := smetrics.WagnerFischer(a, b, 1, 1, 1)
	return clamp(1 - float64(dist)/float64(longest))
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
