package cmd

import (
	"fmt"

	"snapvault/internal/display"
	"snapvault/internal/ledger"

	"github.com/spf13/cobra"
)

var (
	uploadLabel      string
	externalStrategy string
)

// uploadCmd stages and validates an externally supplied archive
var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Stage and validate an external backup archive",
	Long: `Copy an externally supplied archive into the uploads zone under a
generated name and run it through the security validator: size and
extension checks, executable signature detection, archive inspection with
compression ratio bounds, and an antivirus scan when a scanner is
installed.

The upload is only restorable once its status is ready.

Examples:
  snapvault upload /tmp/legacy-export.zip
  snapvault upload dump.sql --label "staging export"`,
	Args: cobra.ExactArgs(1),
	RunE: runUpload,
}

// restoreExternalCmd restores a validated upload through the isolation layer
var restoreExternalCmd = &cobra.Command{
	Use:   "restore-external <upload-id>",
	Short: "Restore a validated external upload",
	Long: `Replay a validated external archive against the live datastore through
the isolation layer. Statements targeting system and authentication tables
are dropped, inserts into known business tables become upserts, and
primary keys are stripped from inserts into unknown tables so existing
rows are never overwritten by id collision.

The replace strategy is recognized but always refused: external data never
wholesale replaces the live datastore.

Examples:
  snapvault restore-external upl_01hq3g... --strategy merge
  snapvault restore-external upl_01hq3g... --strategy preserveSystem`,
	Args: cobra.ExactArgs(1),
	RunE: runRestoreExternal,
}

// restoreStatusCmd reports the progress of an external restoration
var restoreStatusCmd = &cobra.Command{
	Use:   "restore-status <restoration-id>",
	Short: "Show the progress of an external restoration",
	Args:  cobra.ExactArgs(1),
	RunE:  runRestoreStatus,
}

// cancelRestoreCmd cancels an in-flight external restoration
var cancelRestoreCmd = &cobra.Command{
	Use:   "cancel-restore <restoration-id>",
	Short: "Cancel an external restoration that has not started executing",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancelRestore,
}

func init() {
	uploadCmd.Flags().StringVar(&uploadLabel, "label", "", "human readable label (default: source file name)")
	restoreExternalCmd.Flags().StringVar(&externalStrategy, "strategy", string(ledger.MergeStrategyPreserveSystem), "merge strategy (preserveSystem, merge)")

	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(restoreExternalCmd)
	rootCmd.AddCommand(restoreStatusCmd)
	rootCmd.AddCommand(cancelRestoreCmd)
}

func runUpload(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	upload, err := a.uploads.Upload(ctx, args[0], resolvePrincipal(), uploadLabel)
	if err != nil {
		a.display.Error(fmt.Sprintf("Upload failed: %v", err))
		return err
	}

	if a.display.Format() == display.FormatJSON {
		return a.display.PrintJSON(upload)
	}

	switch upload.Status {
	case ledger.UploadStatusReady:
		a.display.Success(fmt.Sprintf("Upload %s is ready to restore", upload.ID))
	default:
		a.display.Error(fmt.Sprintf("Upload %s rejected: %s", upload.ID, upload.Status))
	}
	a.display.Detail("staged at: %s", upload.FilePath)
	a.display.Detail("size: %s, checksum: %s", display.FormatBytes(upload.FileSize), upload.Checksum)
	if upload.DetectedType != "" {
		a.display.Detail("detected type: %s", upload.DetectedType)
	}
	if upload.SourceSystem != "" {
		a.display.Detail("source system: %s", upload.SourceSystem)
	}
	if upload.Status != ledger.UploadStatusReady && upload.ValidationReport != "" {
		a.display.Detail("validation report: %s", upload.ValidationReport)
	}
	return nil
}

func runRestoreExternal(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	uploadID := args[0]
	ok, err := a.confirm(
		fmt.Sprintf("Restoring external upload %s writes untrusted data into the live datastore", uploadID),
		"system and authentication tables are preserved, business rows may change")
	if err != nil {
		return err
	}
	if !ok {
		a.display.Info("External restore aborted")
		return nil
	}

	a.display.Info(fmt.Sprintf("Restoring external upload %s with strategy %s", uploadID, externalStrategy))

	rec, err := a.uploads.RestoreExternal(ctx, uploadID, resolvePrincipal(), ledger.MergeStrategy(externalStrategy))
	if err != nil {
		a.display.Error(fmt.Sprintf("External restore failed: %v", err))
		return err
	}

	if a.display.Format() == display.FormatJSON {
		return a.display.PrintJSON(rec)
	}

	switch rec.Status {
	case ledger.ExternalStatusCompleted:
		a.display.Success(fmt.Sprintf("External restoration %s completed", rec.ID))
	case ledger.ExternalStatusCancelled:
		a.display.Warning(fmt.Sprintf("External restoration %s was cancelled", rec.ID))
	default:
		a.display.Error(fmt.Sprintf("External restoration %s ended in status %s", rec.ID, rec.Status))
	}
	a.display.Detail("tables processed: %d, preserved: %d", rec.TablesProcessed, rec.TablesPreserved)
	a.display.Detail("records processed: %d", rec.RecordsProcessed)
	a.display.Detail("conflicts resolved: %d", rec.ConflictsResolved)
	if rec.FilesProcessed > 0 {
		a.display.Detail("file entries in archive: %d (external file trees are never applied)", rec.FilesProcessed)
	}
	return nil
}

func runRestoreStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	rec, err := a.repo.GetExternal(ctx, args[0])
	if err != nil {
		return err
	}

	if a.display.Format() == display.FormatJSON {
		return a.display.PrintJSON(rec)
	}

	a.display.Info(fmt.Sprintf("Restoration %s of upload %s: %s", rec.ID, rec.UploadID, rec.Status))
	a.display.PhaseProgress(rec.CurrentStep, rec.Progress)
	if rec.Progress < 100 {
		// PhaseProgress leaves the cursor on the bar line until 100%.
		fmt.Fprintln(cmd.OutOrStdout())
	}
	if rec.Error != "" {
		a.display.Error(rec.Error)
	}
	return nil
}

func runCancelRestore(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	id := args[0]
	if err := a.uploads.Cancel(ctx, id); err != nil {
		a.display.Error(fmt.Sprintf("Cancel failed: %v", err))
		return err
	}
	a.display.Success(fmt.Sprintf("Restoration %s cancelled", id))
	return nil
}
