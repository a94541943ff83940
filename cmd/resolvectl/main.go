// Command resolvectl resolves song descriptors from the terminal and manages
// the resolver's cache and local index.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"track-resolver-go/app"
	"track-resolver-go/config"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time
	Version = "dev"

	verbose bool

	rootCmd = &cobra.Command{
		Use:   "resolvectl",
		Short: "Resolve song descriptors to catalog tracks",
		Long: `resolvectl maps free-form song descriptors (title, artist, album) to
tracks in the configured catalog. It shares configuration, cache and local
index with the HTTP server; settings come from the environment and .env.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.SetFormatter(&log.TextFormatter{DisableTimestamp: true})
			log.SetOutput(os.Stderr)
			log.SetLevel(log.WarnLevel)
			if verbose {
				log.SetLevel(log.DebugLevel)
			}
		},
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
}

// openApp loads configuration and wires the resolver
func openApp(ctx context.Context, opts app.Options) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return app.New(ctx, cfg, opts)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
