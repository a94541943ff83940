package search

import (
	"track-resolver-go/logcolors"
	"track-resolver-go/scoring"
	"track-resolver-go/track"

	log "github.com/sirupsen/logrus"
)

// Verdict classifies the candidates a waterfall produced
type Verdict int

const (
	// NoCandidates means every strategy came back empty
	NoCandidates Verdict = iota
	// Accepted means Best cleared its threshold
	Accepted
	// Ambiguous means candidates exist but none is good enough
	Ambiguous
)

func (v Verdict) String() string {
	switch v {
	case Accepted:
		return "accepted"
	case Ambiguous:
		return "ambiguous"
	default:
		return "none"
	}
}

// Evaluation is the scored view of a waterfall result
type Evaluation struct {
	Verdict Verdict
	Best    *track.Match
	Ranked  []track.Match
}

// Evaluate scores candidates against q. A lone candidate must clear the
// single-result bar; otherwise the best ranked candidate must clear the
// accept threshold.
func Evaluate(scorer *scoring.Scorer, q track.Query, candidates []track.Candidate) Evaluation {
	if len(candidates) == 0 {
		return Evaluation{Verdict: NoCandidates}
	}

	ranked := scorer.Rank(q, candidates)
	best := ranked[0]
	log.Debugf("%s %q best %s (%s) %.2f of %d", logcolors.LogBestMatch, q.SearchString(),
		best.Candidate.ExternalID, best.Candidate.Title, best.Score, len(ranked))

	accepted := scorer.Accepts(best.Score)
	if len(ranked) == 1 {
		accepted = scorer.AcceptsSingle(best.Score)
	}
	if accepted {
		return Evaluation{Verdict: Accepted, Best: &best, Ranked: ranked}
	}
	return Evaluation{Verdict: Ambiguous, Ranked: ranked}
}
