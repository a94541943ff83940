package scoring

import (
	"math"
	"testing"

	"track-resolver-go/track"
)

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestFieldSimilarity(t *testing.T) {
	s := Default()

	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{"Both empty", "", "", 1.0},
		{"One empty", "Meteora", "", 0.0},
		{"Other empty", "", "Meteora", 0.0},
		{"Identical", "Numb", "Numb", 1.0},
		{"Identical after cleaning", "Numb (Live)", "numb", 1.0},
		{"Leading article", "The Beatles", "Beatles", 1.0},
		{"Disjoint", "abc", "xyz", 0.0},
		{"Half overlap", "abcd", "abxy", 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.FieldSimilarity(tt.a, tt.b)
			if !approx(got, tt.want) {
				t.Errorf("FieldSimilarity(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestFieldSimilarityLevenshtein(t *testing.T) {
	s := NewScorer(AlgorithmLevenshtein, Thresholds{})

	if got := s.FieldSimilarity("kitten", "sitting"); !approx(got, 1-3.0/7.0) {
		t.Errorf("FieldSimilarity(kitten, sitting) = %v", got)
	}
	if got := s.FieldSimilarity("", ""); got != 1.0 {
		t.Errorf("FieldSimilarity of empty fields = %v, want 1", got)
	}
}

func TestDistanceEmptyAlbumsArePerfect(t *testing.T) {
	s := Default()
	q := track.Query{Title: "Numb", Artist: "Linkin Park"}
	c := track.Candidate{ExternalID: "1", Title: "Numb", Artist: "Linkin Park"}

	if d := s.Distance(q, c); !approx(d, 0) {
		t.Errorf("Distance() = %v, want 0 when both albums are empty", d)
	}
	if score := s.Score(q, c); !approx(score, 1) {
		t.Errorf("Score() = %v, want 1", score)
	}
}

func TestScoreMissingAlbumOnQuery(t *testing.T) {
	s := Default()
	q := track.Query{Title: "Numb", Artist: "Linkin Park"}
	c := track.Candidate{ExternalID: "1", Title: "Numb", Artist: "Linkin Park", Album: "Meteora"}

	score := s.Score(q, c)
	if !approx(score, 0.8) {
		t.Fatalf("Score() = %v, want 0.8", score)
	}
	if !s.AcceptsSingle(score) {
		t.Errorf("AcceptsSingle(%v) = false, want true", score)
	}
}

func TestScoreArtistMismatchRejected(t *testing.T) {
	s := Default()
	q := track.Query{Title: "Bohemian Rhapsody", Artist: "Some Cover Band"}
	c := track.Candidate{ExternalID: "q1", Title: "Bohemian Rhapsody", Artist: "Queen", Album: "A Night at the Opera"}

	score := s.Score(q, c)
	if s.AcceptsSingle(score) {
		t.Errorf("AcceptsSingle(%v) = true, want false", score)
	}
	if s.Accepts(score) {
		t.Errorf("Accepts(%v) = true, want false", score)
	}
}

func TestRankIsStable(t *testing.T) {
	s := Default()
	q := track.Query{Title: "Numb"}
	candidates := []track.Candidate{
		{ExternalID: "a", Title: "Numb", Album: "Meteora"},
		{ExternalID: "b", Title: "Numb"},
		{ExternalID: "c", Title: "Numb", Album: "Live"},
		{ExternalID: "d", Title: "Numb"},
	}

	ranked := s.Rank(q, candidates)
	want := []string{"b", "d", "a", "c"}
	for i, id := range want {
		if ranked[i].Candidate.ExternalID != id {
			t.Fatalf("Rank()[%d] = %s, want %s (full: %+v)", i, ranked[i].Candidate.ExternalID, id, ranked)
		}
	}
	for i := 1; i < len(ranked); i++ {
		if ranked[i].Score > ranked[i-1].Score {
			t.Errorf("Rank() not sorted at %d", i)
		}
	}
}

func TestVisibleAndBand(t *testing.T) {
	s := Default()
	matches := []track.Match{{Score: 0.9}, {Score: 0.5}, {Score: 0.1}}

	if got := s.Visible(matches); len(got) != 2 {
		t.Errorf("Visible() returned %d matches, want 2", len(got))
	}

	tests := []struct {
		score float64
		want  string
	}{
		{0.95, BandHigh},
		{0.7, BandHigh},
		{0.5, BandMedium},
		{0.3, BandMedium},
		{0.1, BandLow},
	}
	for _, tt := range tests {
		if got := s.Band(tt.score); got != tt.want {
			t.Errorf("Band(%v) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestNewScorerDefaults(t *testing.T) {
	s := NewScorer("unknown", Thresholds{Accept: 0.6})
	if s.Algorithm() != AlgorithmLCS {
		t.Errorf("Algorithm() = %s, want lcs", s.Algorithm())
	}
	th := s.Thresholds()
	if th.Accept != 0.6 || th.SingleAccept != 0.8 || th.LocalConfirm != 0.75 {
		t.Errorf("Thresholds() = %+v", th)
	}
}

func TestMeets(t *testing.T) {
	if !Meets(0.7999999999999999, 0.8) {
		t.Error("Meets should tolerate float rounding")
	}
	if Meets(0.79, 0.8) {
		t.Error("Meets(0.79, 0.8) = true")
	}
}
