package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"track-resolver-go/logcolors"
	"track-resolver-go/resolver"
	"track-resolver-go/scoring"
	"track-resolver-go/track"
)

// terminalPrompt lists scored candidates and reads the user's pick
type terminalPrompt struct {
	in     *bufio.Reader
	out    io.Writer
	scorer *scoring.Scorer
	color  bool
}

var _ resolver.Disambiguator = (*terminalPrompt)(nil)

func newTerminalPrompt(in io.Reader, out io.Writer, scorer *scoring.Scorer, color bool) *terminalPrompt {
	return &terminalPrompt{in: bufio.NewReader(in), out: out, scorer: scorer, color: color}
}

func (p *terminalPrompt) paint(band, s string) string {
	if !p.color {
		return s
	}
	return logcolors.ScoreColor(band) + s + logcolors.Reset
}

func (p *terminalPrompt) readLine(prompt string) (string, bool) {
	fmt.Fprint(p.out, prompt)
	line, err := p.in.ReadString('\n')
	if err != nil && line == "" {
		return "", false
	}
	return strings.TrimSpace(line), true
}

// Present implements resolver.Disambiguator. End of input counts as skip.
func (p *terminalPrompt) Present(ctx context.Context, q track.Query, candidates []track.Match) resolver.Choice {
	fmt.Fprintf(p.out, "\nNo confident match for %q\n", q.SearchString())
	for i, m := range candidates {
		score := fmt.Sprintf("%.2f", m.Score)
		fmt.Fprintf(p.out, "  %2d) [%s] %s - %s (%s)\n", i+1, p.paint(p.scorer.Band(m.Score), score),
			m.Candidate.Title, m.Candidate.Artist, m.Candidate.Album)
	}
	if len(candidates) == 0 {
		fmt.Fprintln(p.out, "  (no candidates)")
	}

	for ctx.Err() == nil {
		answer, ok := p.readLine("Pick a number, [m]anual entry or [s]kip: ")
		if !ok {
			return resolver.Choice{Action: resolver.Skip}
		}

		switch strings.ToLower(answer) {
		case "", "s", "skip":
			return resolver.Choice{Action: resolver.Skip}
		case "m", "manual":
			return p.manual()
		}

		n, err := strconv.Atoi(answer)
		if err != nil || n < 1 || n > len(candidates) {
			fmt.Fprintf(p.out, "Invalid choice %q\n", answer)
			continue
		}
		selected := candidates[n-1].Candidate
		return resolver.Choice{Action: resolver.Select, Selected: &selected}
	}
	return resolver.Choice{Action: resolver.Skip}
}

func (p *terminalPrompt) manual() resolver.Choice {
	title, ok := p.readLine("Title: ")
	if !ok || title == "" {
		return resolver.Choice{Action: resolver.Skip}
	}
	artist, _ := p.readLine("Artist: ")
	album, _ := p.readLine("Album: ")
	return resolver.Choice{
		Action: resolver.ManualEntry,
		Manual: &track.Query{Title: title, Artist: artist, Album: album},
	}
}
