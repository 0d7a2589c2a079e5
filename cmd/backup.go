package cmd

import (
	"fmt"
	"strconv"
	"time"

	"snapvault/internal/backup"
	"snapvault/internal/display"
	"snapvault/internal/ledger"

	"github.com/spf13/cobra"
)

var (
	// Backup creation flags
	backupName     string
	backupType     string
	backupFileDirs []string

	// Backup listing flags
	listLimit int
)

// backupCmd represents the backup command
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage encrypted backups",
	Long: `Create, list and delete encrypted backup archives.

A backup exports the datastore metadata, runs the engine's native dump tool,
bundles the configured file directories, and encrypts the archive before it
is moved into managed storage. The artifact never exists unencrypted there.

Examples:
  # Create a full backup
  snapvault backup create --name nightly

  # Create a data-only backup (no file directories)
  snapvault backup create --name dbonly --type data_only

  # List the 20 most recent backups
  snapvault backup list --limit 20

  # Delete a backup and its artifact
  snapvault backup delete bkp_01hq3f...`,
}

// backupCreateCmd creates a new backup
var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new encrypted backup",
	RunE:  runBackupCreate,
}

// backupListCmd lists recorded backups
var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded backups",
	RunE:  runBackupList,
}

// backupDeleteCmd deletes a backup record and its artifact
var backupDeleteCmd = &cobra.Command{
	Use:   "delete <backup-id>",
	Short: "Delete a backup record and its encrypted artifact",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupDelete,
}

func init() {
	backupCreateCmd.Flags().StringVar(&backupName, "name", "", "backup name (default from configuration)")
	backupCreateCmd.Flags().StringVar(&backupType, "type", string(ledger.BackupTypeFull), "backup type (full, data_only, metadata_only)")
	backupCreateCmd.Flags().StringSliceVar(&backupFileDirs, "file-dirs", nil, "override the configured file directories")

	backupListCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum number of backups to list")

	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupDeleteCmd)
	rootCmd.AddCommand(backupCmd)
}

func runBackupCreate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	name := backupName
	if name == "" {
		name = a.cfg.Backup.Name
	}

	a.display.Info(fmt.Sprintf("Creating %s backup %q", backupType, name))

	record, err := a.backups.CreateBackup(ctx, backup.Options{
		Name:            name,
		Type:            ledger.BackupType(backupType),
		Principal:       resolvePrincipal(),
		IncludeFileDirs: backupFileDirs,
	})
	if err != nil {
		a.display.Error(fmt.Sprintf("Backup failed: %v", err))
		return err
	}

	if a.display.Format() == display.FormatJSON {
		return a.display.PrintJSON(record)
	}

	a.display.Success(fmt.Sprintf("Backup %s completed", record.ID))
	a.display.Detail("artifact: %s", record.FilePath)
	a.display.Detail("size: %s", display.FormatBytes(record.FileSize))
	a.display.Detail("tables: %d, records: %d, files: %d",
		record.TablesCount, record.RecordsCount, record.FilesCount)
	a.display.Detail("duration: %s", record.Duration().Round(time.Millisecond))
	return nil
}

func runBackupList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	records, err := a.backups.ListBackups(ctx, listLimit)
	if err != nil {
		return err
	}

	if a.display.Format() == display.FormatJSON {
		return a.display.PrintJSON(records)
	}

	if len(records) == 0 {
		a.display.Info("No backups recorded")
		return nil
	}

	rows := make([][]string, 0, len(records))
	for _, r := range records {
		completed := "-"
		if r.CompletedAt != nil {
			completed = r.CompletedAt.Format(time.RFC3339)
		}
		rows = append(rows, []string{
			r.ID,
			r.Name,
			string(r.BackupType),
			string(r.Status),
			display.FormatBytes(r.FileSize),
			strconv.Itoa(r.RecordsCount),
			completed,
		})
	}
	a.display.PrintTable([]string{"ID", "NAME", "TYPE", "STATUS", "SIZE", "RECORDS", "COMPLETED"}, rows)
	return nil
}

func runBackupDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	id := args[0]
	ok, err := a.confirm(fmt.Sprintf("Deleting backup %s discards its encrypted artifact", id))
	if err != nil {
		return err
	}
	if !ok {
		a.display.Info("Delete aborted")
		return nil
	}

	if err := a.backups.DeleteBackup(ctx, id); err != nil {
		a.display.Error(fmt.Sprintf("Delete failed: %v", err))
		return err
	}

	// The artifact reference cache now holds a stale path.
	a.storage.Cache().Invalidate()

	a.display.Success(fmt.Sprintf("Backup %s deleted", id))
	return nil
}
