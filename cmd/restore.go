package cmd

import (
	"fmt"
	"time"

	"snapvault/internal/display"
	"snapvault/internal/restore"

	"github.com/spf13/cobra"
)

var (
	restoreIgnoreDuplicates bool
	restoreStrictFK         bool
	restoreSkipFiles        bool
)

// restoreCmd restores a backup created by this installation
var restoreCmd = &cobra.Command{
	Use:   "restore <backup-id>",
	Short: "Restore a backup into the live datastore",
	Long: `Decrypt a backup artifact, extract it, and replay its SQL dump inside a
single transaction with foreign key enforcement relaxed. Statements that
hit foreign key ordering problems are retried in dependency-deferral
passes; rows violating NOT NULL constraints are repaired from column
defaults where possible.

The artifact is decrypted with a key derived from the backup's creator, so
this command must run under the same principal that created the backup.

Examples:
  # Plain restore
  snapvault restore bkp_01hq3f...

  # Re-applying an old backup over current data
  snapvault restore bkp_01hq3f... --ignore-duplicates

  # Fail instead of tolerating dangling references
  snapvault restore bkp_01hq3f... --strict-fk

  # Data only, leave file directories untouched
  snapvault restore bkp_01hq3f... --skip-files`,
	Args: cobra.ExactArgs(1),
	RunE: runRestore,
}

func init() {
	restoreCmd.Flags().BoolVar(&restoreIgnoreDuplicates, "ignore-duplicates", false, "skip rows that already exist instead of recording failures")
	restoreCmd.Flags().BoolVar(&restoreStrictFK, "strict-fk", false, "fail the restore when the consistency check finds foreign key violations")
	restoreCmd.Flags().BoolVar(&restoreSkipFiles, "skip-files", false, "replay data only, do not restore file directories")

	rootCmd.AddCommand(restoreCmd)
}

func runRestore(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	backupID := args[0]
	ok, err := a.confirm(
		fmt.Sprintf("Restoring backup %s replays its dump over the live datastore", backupID),
		"existing rows may be overwritten or removed")
	if err != nil {
		return err
	}
	if !ok {
		a.display.Info("Restore aborted")
		return nil
	}

	a.display.Info(fmt.Sprintf("Restoring backup %s", backupID))

	record, err := a.restore.Restore(ctx, backupID, restore.Options{
		Principal:         resolvePrincipal(),
		IgnoreDuplicates:  restoreIgnoreDuplicates,
		StrictForeignKeys: restoreStrictFK,
		SkipFiles:         restoreSkipFiles,
	})
	if err != nil {
		a.display.Error(fmt.Sprintf("Restore failed: %v", err))
		return err
	}

	if a.display.Format() == display.FormatJSON {
		return a.display.PrintJSON(record)
	}

	a.display.Success(fmt.Sprintf("Restore %s completed", record.ID))
	a.display.Detail("statements: %d total, %d failed", record.TotalStatements, record.FailedStatements)
	a.display.Detail("records restored: %d", record.RecordsRestored)
	a.display.Detail("files restored: %d", record.FilesRestored)
	if record.CompletedAt != nil {
		a.display.Detail("duration: %s", record.CompletedAt.Sub(record.StartedAt).Round(time.Millisecond))
	}
	if record.FailedStatements > 0 {
		a.display.Warning(fmt.Sprintf("%d statements could not be replayed; see the restore log", record.FailedStatements))
	}
	return nil
}
