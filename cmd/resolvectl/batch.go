package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"track-resolver-go/app"
	"track-resolver-go/config"
	"track-resolver-go/resolver"
	"track-resolver-go/track"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var batchCmd = &cobra.Command{
	Use:   "batch FILE",
	Short: "Resolve a JSON lines file of song descriptors",
	Long: `Resolve every line of FILE, one {"title","artist","album"} object per line.
Outcomes are written as JSON lines to --output (default stdout). Background
cleanup started by the batch is drained before the summary is printed.`,
	Args: cobra.ExactArgs(1),
	RunE: runBatch,
}

func init() {
	rootCmd.AddCommand(batchCmd)

	batchCmd.Flags().StringP("output", "o", "", "write outcomes to this file instead of stdout")
	batchCmd.Flags().String("scope", "", "scope id for background cleanup (default: random)")
	batchCmd.Flags().Int("chunk", 50, "queries resolved per progress step")
	batchCmd.Flags().Duration("drain-timeout", 0, "how long to wait for background cleanup (default from ENRICHMENT_DRAIN_TIMEOUT_SECS)")
}

// readQueries parses JSON lines, skipping blank lines
func readQueries(r io.Reader) ([]track.Query, error) {
	var queries []track.Query
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Bytes()
		if len(bytes.TrimSpace(text)) == 0 {
			continue
		}
		var q track.Query
		if err := json.Unmarshal(text, &q); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		queries = append(queries, q)
	}
	return queries, scanner.Err()
}

// batchSummary tallies outcomes by source
type batchSummary struct {
	Total    int
	Resolved int
	Invalid  int
	BySource map[string]int
}

func summarize(outcomes []*resolver.Outcome) batchSummary {
	s := batchSummary{Total: len(outcomes), BySource: make(map[string]int)}
	for _, o := range outcomes {
		switch {
		case o.Err != nil:
			s.Invalid++
		case o.Matched():
			s.Resolved++
			s.BySource[string(o.Source)]++
		}
	}
	return s
}

func (s batchSummary) print(w io.Writer, elapsed time.Duration) {
	fmt.Fprintf(w, "Resolved %s of %s queries in %s", humanize.Comma(int64(s.Resolved)), humanize.Comma(int64(s.Total)), elapsed.Round(time.Millisecond))
	if s.Invalid > 0 {
		fmt.Fprintf(w, " (%d invalid)", s.Invalid)
	}
	fmt.Fprintln(w)

	sources := make([]string, 0, len(s.BySource))
	for src := range s.BySource {
		sources = append(sources, src)
	}
	sort.Strings(sources)
	for _, src := range sources {
		fmt.Fprintf(w, "  %-12s %s\n", src, humanize.Comma(int64(s.BySource[src])))
	}
}

func runBatch(cmd *cobra.Command, args []string) error {
	outputPath, _ := cmd.Flags().GetString("output")
	scopeID, _ := cmd.Flags().GetString("scope")
	chunk, _ := cmd.Flags().GetInt("chunk")
	drainTimeout, _ := cmd.Flags().GetDuration("drain-timeout")
	if chunk <= 0 {
		chunk = 50
	}
	if scopeID == "" {
		scopeID = uuid.NewString()
	}

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open input: %w", err)
	}
	info, _ := f.Stat()
	queries, err := readQueries(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}
	if info != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Read %d queries (%s) from %s\n", len(queries), humanize.Bytes(uint64(info.Size())), args[0])
	}

	out := cmd.OutOrStdout()
	if outputPath != "" {
		of, err := os.Create(outputPath)
		if err != nil {
			return fmt.Errorf("failed to create output: %w", err)
		}
		defer of.Close()
		out = of
	}

	a, err := openApp(cmd.Context(), app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()
	if drainTimeout <= 0 {
		drainTimeout = config.Seconds(a.Config.Configuration.EnrichmentDrainTimeout)
	}

	var bar *progressbar.ProgressBar
	if term.IsTerminal(int(os.Stderr.Fd())) {
		bar = progressbar.NewOptions(len(queries),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("Resolving"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("songs"),
			progressbar.OptionThrottle(200*time.Millisecond),
			progressbar.OptionClearOnFinish(),
		)
	}

	start := time.Now()
	enc := json.NewEncoder(out)
	var outcomes []*resolver.Outcome
	for i := 0; i < len(queries); i += chunk {
		end := min(i+chunk, len(queries))
		batch := a.Resolver.ResolveBatch(cmd.Context(), queries[i:end], scopeID)
		for _, o := range batch.Outcomes {
			if err := enc.Encode(o); err != nil {
				return fmt.Errorf("failed to write outcome: %w", err)
			}
		}
		outcomes = append(outcomes, batch.Outcomes...)
		if bar != nil {
			bar.Add(end - i)
		}
		if cmd.Context().Err() != nil {
			break
		}
	}
	if bar != nil {
		bar.Finish()
	}

	if a.Queue != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Waiting for background cleanup (scope %s)...\n", scopeID)
		if !a.Resolver.Drain(scopeID, drainTimeout) {
			fmt.Fprintf(cmd.ErrOrStderr(), "Background cleanup still running after %s\n", drainTimeout)
		}
	}

	summarize(outcomes).print(cmd.ErrOrStderr(), time.Since(start))
	return nil
}
