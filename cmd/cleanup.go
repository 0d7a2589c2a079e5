package cmd

import (
	"fmt"
	"time"

	"snapvault/internal/display"
	"snapvault/internal/storage"

	"github.com/spf13/cobra"
)

var cleanupMaxAge time.Duration

// cleanupCmd sweeps aged files from the storage zones
var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Sweep aged files from the storage zones",
	Long: `Remove aged files from the temp, scratch, uploads and managed zones.
Each zone uses its configured age threshold unless --max-age overrides
them all. Managed artifacts still referenced by a backup record are never
removed, and the managed zone is skipped entirely while its threshold is
unset.

Examples:
  # Per-zone configured thresholds
  snapvault cleanup

  # Everything older than a day, all zones
  snapvault cleanup --max-age 24h`,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().DurationVar(&cleanupMaxAge, "max-age", 0, "override every zone's age threshold")

	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.storage.Cleanup(ctx, cleanupMaxAge)
	if err != nil {
		a.display.Error(fmt.Sprintf("Cleanup failed: %v", err))
		return err
	}

	if a.display.Format() == display.FormatJSON {
		return a.display.PrintJSON(result)
	}

	a.display.Success(fmt.Sprintf("Removed %d files, reclaimed %s",
		result.FilesRemoved, display.FormatBytes(result.BytesReclaimed)))
	for _, zone := range []storage.Zone{storage.ZoneTemp, storage.ZoneScratch, storage.ZoneUploads, storage.ZoneManaged} {
		removed := result.PerZone[zone]
		skipped := result.Skipped[zone]
		if removed == 0 && skipped == 0 {
			continue
		}
		if skipped > 0 {
			a.display.Detail("%s: %d removed, %d still referenced", zone, removed, skipped)
		} else {
			a.display.Detail("%s: %d removed", zone, removed)
		}
	}
	return nil
}
