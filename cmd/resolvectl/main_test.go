package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"track-resolver-go/resolver"
	"track-resolver-go/scoring"
	"track-resolver-go/track"
)

var promptCandidates = []track.Match{
	{Candidate: track.Candidate{ExternalID: "q1", Title: "Bohemian Rhapsody", Artist: "Queen", Album: "A Night at the Opera"}, Score: 0.59},
	{Candidate: track.Candidate{ExternalID: "q2", Title: "Bohemian Rhapsody (Live)", Artist: "Queen", Album: "Live Killers"}, Score: 0.41},
}

func TestTerminalPromptPresent(t *testing.T) {
	q := track.Query{Title: "Bohemian Rhapsody", Artist: "Some Cover Band"}

	tests := []struct {
		name       string
		input      string
		candidates []track.Match
		wantAction resolver.Action
		wantID     string
		wantManual *track.Query
	}{
		{"select second", "2\n", promptCandidates, resolver.Select, "q2", nil},
		{"invalid then select", "7\nabc\n1\n", promptCandidates, resolver.Select, "q1", nil},
		{"skip", "s\n", promptCandidates, resolver.Skip, "", nil},
		{"empty answer skips", "\n", promptCandidates, resolver.Skip, "", nil},
		{"end of input skips", "", promptCandidates, resolver.Skip, "", nil},
		{"manual entry", "m\nBohemian Rhapsody\nQueen\n\n", nil, resolver.ManualEntry, "", &track.Query{Title: "Bohemian Rhapsody", Artist: "Queen"}},
		{"manual without title skips", "m\n\n", nil, resolver.Skip, "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			p := newTerminalPrompt(strings.NewReader(tt.input), &out, scoring.Default(), false)

			choice := p.Present(context.Background(), q, tt.candidates)

			if choice.Action != tt.wantAction {
				t.Fatalf("Action = %v, want %v (output %q)", choice.Action, tt.wantAction, out.String())
			}
			if tt.wantID != "" && (choice.Selected == nil || choice.Selected.ExternalID != tt.wantID) {
				t.Errorf("Selected = %+v, want %s", choice.Selected, tt.wantID)
			}
			if tt.wantManual != nil && (choice.Manual == nil || *choice.Manual != *tt.wantManual) {
				t.Errorf("Manual = %+v, want %+v", choice.Manual, tt.wantManual)
			}
		})
	}
}

func TestTerminalPromptListsCandidates(t *testing.T) {
	var out bytes.Buffer
	p := newTerminalPrompt(strings.NewReader("s\n"), &out, scoring.Default(), false)
	p.Present(context.Background(), track.Query{Title: "Bohemian Rhapsody"}, promptCandidates)

	for _, want := range []string{"1) [0.59] Bohemian Rhapsody - Queen", "2) [0.41] Bohemian Rhapsody (Live)"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestReadQueries(t *testing.T) {
	input := `{"title":"Numb","artist":"Linkin Park"}

{"title":"Faint","artist":"Linkin Park","album":"Meteora"}
`
	queries, err := readQueries(strings.NewReader(input))
	if err != nil {
		t.Fatalf("readQueries() error: %v", err)
	}
	if len(queries) != 2 || queries[1].Album != "Meteora" {
		t.Errorf("queries = %+v", queries)
	}

	_, err = readQueries(strings.NewReader("{\"title\":\"ok\"}\nnot json\n"))
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Errorf("error = %v, want line 2 parse error", err)
	}
}

func TestSummarize(t *testing.T) {
	match := &track.Match{Candidate: track.Candidate{ExternalID: "t1"}}
	outcomes := []*resolver.Outcome{
		{Match: match, Source: resolver.SourceCatalog},
		{Match: match, Source: resolver.SourceCatalog},
		{Match: match, Source: resolver.SourceCache},
		{},
		{Err: errors.New("invalid query")},
	}

	s := summarize(outcomes)
	if s.Total != 5 || s.Resolved != 3 || s.Invalid != 1 || s.BySource["catalog"] != 2 {
		t.Errorf("summary = %+v", s)
	}

	var out bytes.Buffer
	s.print(&out, 1500*time.Millisecond)
	if !strings.Contains(out.String(), "Resolved 3 of 5 queries in 1.5s (1 invalid)") {
		t.Errorf("print = %q", out.String())
	}
}

func TestPrintOutcome(t *testing.T) {
	var out bytes.Buffer
	printOutcome(&out, &resolver.Outcome{
		Query:      track.Query{Title: "Nothing"},
		Strategies: []string{"title_only", "fuzzy_title"},
	}, false)
	if !strings.Contains(out.String(), "tried title_only, fuzzy_title") {
		t.Errorf("no-match output = %q", out.String())
	}

	out.Reset()
	printOutcome(&out, &resolver.Outcome{
		Match:  &track.Match{Candidate: track.Candidate{ExternalID: "t1", Title: "Numb", Artist: "Linkin Park", Album: "Meteora"}, Score: 0.8},
		Source: resolver.SourceCatalog,
	}, false)
	if !strings.HasPrefix(out.String(), "t1\tNumb - Linkin Park (Meteora)\tscore 0.80 via catalog") {
		t.Errorf("match output = %q", out.String())
	}
}
