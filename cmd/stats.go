package cmd

import (
	"strconv"

	"snapvault/internal/display"

	"github.com/spf13/cobra"
)

// statsCmd reports storage zone usage
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Report storage usage per zone",
	Long: `Walk the managed, temp, uploads and scratch zones and report file counts
and byte totals.

Examples:
  snapvault stats
  snapvault stats --format json`,
	RunE: runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := a.storage.Stats()
	if err != nil {
		return err
	}

	if a.display.Format() == display.FormatJSON {
		return a.display.PrintJSON(stats)
	}

	rows := make([][]string, 0, len(stats.Zones)+1)
	for _, zs := range stats.Zones {
		rows = append(rows, []string{
			string(zs.Zone),
			zs.Path,
			strconv.Itoa(zs.Files),
			display.FormatBytes(zs.Bytes),
		})
	}
	rows = append(rows, []string{
		"total", "",
		strconv.Itoa(stats.TotalFiles),
		display.FormatBytes(stats.TotalBytes),
	})
	a.display.PrintTable([]string{"ZONE", "PATH", "FILES", "SIZE"}, rows)
	return nil
}
