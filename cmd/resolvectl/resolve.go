package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"track-resolver-go/app"
	"track-resolver-go/resolver"
	"track-resolver-go/track"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve TITLE",
	Short: "Resolve one song descriptor",
	Long: `Resolve a single song. When no strategy is confident and --interactive
is set (the default on a terminal), the scored candidates are listed and you
can pick one, type the metadata by hand or skip.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runResolve,
}

func init() {
	rootCmd.AddCommand(resolveCmd)

	resolveCmd.Flags().StringP("artist", "a", "", "artist name")
	resolveCmd.Flags().StringP("album", "l", "", "album name")
	resolveCmd.Flags().BoolP("interactive", "i", term.IsTerminal(int(os.Stdin.Fd())), "prompt when no confident match is found")
	resolveCmd.Flags().Bool("cache-only", false, "only consult the cache")
	resolveCmd.Flags().Bool("json", false, "print the outcome as JSON")
}

func runResolve(cmd *cobra.Command, args []string) error {
	artist, _ := cmd.Flags().GetString("artist")
	album, _ := cmd.Flags().GetString("album")
	interactive, _ := cmd.Flags().GetBool("interactive")
	cacheOnly, _ := cmd.Flags().GetBool("cache-only")
	asJSON, _ := cmd.Flags().GetBool("json")

	q := track.Query{Title: strings.Join(args, " "), Artist: artist, Album: album}
	color := term.IsTerminal(int(os.Stdout.Fd()))

	var prompt *terminalPrompt
	opts := app.Options{}
	if interactive {
		// scorer is filled in once the app is wired
		prompt = newTerminalPrompt(cmd.InOrStdin(), cmd.OutOrStdout(), nil, color)
		opts.Disambiguator = prompt
	}

	a, err := openApp(cmd.Context(), opts)
	if err != nil {
		return err
	}
	defer a.Close()
	if prompt != nil {
		prompt.scorer = a.Scorer
	}

	out := a.Resolver.Resolve(cmd.Context(), q, resolver.Options{Interactive: interactive, CacheOnly: cacheOnly})
	if out.Err != nil {
		return out.Err
	}
	return printOutcome(cmd.OutOrStdout(), out, asJSON)
}

func printOutcome(w io.Writer, out *resolver.Outcome, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	if !out.Matched() {
		fmt.Fprintf(w, "No match for %q", out.Query.SearchString())
		if len(out.Strategies) > 0 {
			fmt.Fprintf(w, " (tried %s)", strings.Join(out.Strategies, ", "))
		}
		fmt.Fprintln(w)
		return nil
	}
	c := out.Match.Candidate
	fmt.Fprintf(w, "%s\t%s - %s (%s)\tscore %.2f via %s\n", c.ExternalID, c.Title, c.Artist, c.Album, out.Match.Score, out.Source)
	return nil
}
