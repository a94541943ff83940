package main

import (
	"errors"
	"fmt"

	"track-resolver-go/app"
	"track-resolver-go/cache"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the resolution cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show resolution cache entry counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), app.Options{})
		if err != nil {
			return err
		}
		defer a.Close()

		st := a.Cache.Stats()
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Backend:        %s\n", a.Config.Configuration.CacheBackend)
		fmt.Fprintf(w, "Entries:        %s\n", humanize.Comma(int64(st.Entries)))
		fmt.Fprintf(w, "  positive:     %s\n", humanize.Comma(int64(st.Positive)))
		fmt.Fprintf(w, "  negative:     %s\n", humanize.Comma(int64(st.Negative)))
		fmt.Fprintf(w, "  with cleaned: %s\n", humanize.Comma(int64(st.WithCleaned)))
		if a.Index != nil {
			fmt.Fprintf(w, "Local index:    %s entries\n", humanize.Comma(int64(a.Index.Len())))
		}
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every resolution entry",
	Long:  "Remove every resolution entry. The bolt backend is backed up first unless --no-backup is given.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		noBackup, _ := cmd.Flags().GetBool("no-backup")

		a, err := openApp(cmd.Context(), app.Options{})
		if err != nil {
			return err
		}
		defer a.Close()

		if noBackup {
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d entries\n", a.Cache.Clear())
			return nil
		}

		backup, removed, err := a.Cache.BackupAndClear()
		if errors.Is(err, cache.ErrBackupUnsupported) {
			fmt.Fprintf(cmd.ErrOrStderr(), "Backend %q has no backups, clearing without one\n", a.Config.Configuration.CacheBackend)
			backup, removed, err = "", a.Cache.Clear(), nil
		}
		if err != nil {
			return fmt.Errorf("failed to back up cache: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d entries", removed)
		if backup != "" {
			fmt.Fprintf(cmd.OutOrStdout(), " (backup: %s)", backup)
		}
		fmt.Fprintln(cmd.OutOrStdout())
		return nil
	},
}

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage the local candidate index snapshot",
}

// snapshotPath returns the explicit argument or the configured path
func snapshotPath(a *app.App, args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	if p := a.Config.Configuration.IndexSnapshotPath; p != "" {
		return p, nil
	}
	return "", errors.New("no snapshot path given and INDEX_SNAPSHOT_PATH is empty")
}

var indexSaveCmd = &cobra.Command{
	Use:   "save [PATH]",
	Short: "Write the local index to a snapshot file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		warm, _ := cmd.Flags().GetBool("warm")

		a, err := openApp(cmd.Context(), app.Options{})
		if err != nil {
			return err
		}
		defer a.Close()
		if a.Index == nil {
			return errors.New("local index is disabled (FF_LOCAL_INDEX=false)")
		}

		if warm {
			added, err := app.WarmIndex(cmd.Context(), a.Index, a.Catalog)
			if err != nil {
				return fmt.Errorf("failed to warm index: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added %d tracks from %s\n", added, a.Catalog.Name())
		}

		path, err := snapshotPath(a, args)
		if err != nil {
			return err
		}
		if err := a.Index.SaveFile(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Saved %d entries to %s\n", a.Index.Len(), path)
		return nil
	},
}

var indexLoadCmd = &cobra.Command{
	Use:   "load PATH",
	Short: "Replace the local index with a snapshot file",
	Long: `Load PATH into the local index and write it to the configured snapshot
location so that the server picks it up on its next start.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), app.Options{})
		if err != nil {
			return err
		}
		defer a.Close()
		if a.Index == nil {
			return errors.New("local index is disabled (FF_LOCAL_INDEX=false)")
		}

		n, err := a.Index.LoadFile(args[0])
		if err != nil {
			return err
		}
		// Close persists the loaded index to the configured path
		fmt.Fprintf(cmd.OutOrStdout(), "Loaded %d entries from %s\n", n, args[0])
		return nil
	},
}

func init() {
	cacheClearCmd.Flags().Bool("no-backup", false, "skip the backup before clearing")
	cacheCmd.AddCommand(cacheStatsCmd, cacheClearCmd)

	indexSaveCmd.Flags().Bool("warm", false, "list the catalog into the index before saving")
	indexCmd.AddCommand(indexSaveCmd, indexLoadCmd)

	rootCmd.AddCommand(cacheCmd, indexCmd)
}
