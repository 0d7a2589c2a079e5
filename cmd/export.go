package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"snapvault/internal/display"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var exportOutput string

// exportCmd re-encrypts a backup artifact under a passphrase for transfer
var exportCmd = &cobra.Command{
	Use:   "export <backup-id>",
	Short: "Export a backup re-encrypted under a passphrase",
	Long: `Managed artifacts are encrypted with a key derived from this installation's
secret, so they cannot be opened anywhere else. Export decrypts the
artifact and re-encrypts it under a passphrase you choose, producing a
portable archive another installation can import.

The intermediate plaintext lives only in the temp zone and is removed
before the command returns.

Examples:
  snapvault export bkp_01hq3f... --output /mnt/transfer/nightly.enc`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVar(&exportOutput, "output", "", "destination path for the portable archive (required)")
	exportCmd.MarkFlagRequired("output")

	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	record, err := a.backups.GetBackup(ctx, args[0])
	if err != nil {
		return err
	}
	if record.FilePath == "" {
		return fmt.Errorf("backup %s has no artifact to export", record.ID)
	}

	passphrase, err := promptPassphrase()
	if err != nil {
		return err
	}

	secret, err := a.cfg.InstallationSecretBytes()
	if err != nil {
		return err
	}
	key := a.crypto.DeriveKey(record.CreatedBy, secret)

	plainPath := filepath.Join(a.cfg.Storage.TempDir, record.ID+".export")
	if err := a.crypto.DecryptFile(record.FilePath, plainPath, key); err != nil {
		return fmt.Errorf("failed to decrypt artifact: %w", err)
	}
	defer os.Remove(plainPath)

	stats, err := a.crypto.EncryptFileWithPassword(plainPath, exportOutput, passphrase)
	if err != nil {
		return fmt.Errorf("failed to encrypt export: %w", err)
	}

	if a.display.Format() == display.FormatJSON {
		return a.display.PrintJSON(map[string]interface{}{
			"backup_id": record.ID,
			"output":    exportOutput,
			"size":      stats.EncryptedSize,
		})
	}

	a.display.Success(fmt.Sprintf("Exported backup %s", record.ID))
	a.display.Detail("output: %s (%s)", exportOutput, display.FormatBytes(stats.EncryptedSize))
	return nil
}

// promptPassphrase reads and confirms a passphrase without echo. Falls back
// to an error rather than echoing when stdin is not a terminal.
func promptPassphrase() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("export requires an interactive terminal to read the passphrase")
	}

	fmt.Fprint(os.Stderr, "Passphrase: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}

	fmt.Fprint(os.Stderr, "Confirm passphrase: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}

	if string(first) != string(second) {
		return "", fmt.Errorf("passphrases do not match")
	}
	if len(first) < 8 {
		return "", fmt.Errorf("passphrase must be at least 8 characters")
	}
	return string(first), nil
}
