package cmd

import (
	"fmt"
	"log/slog"

	"github.com/audiolibrelab/pulsecapture/internal/record"
	"github.com/audiolibrelab/pulsecapture/internal/service"
	"github.com/audiolibrelab/pulsecapture/internal/session"

	"github.com/spf13/cobra"
)

var exportCmd = &cobra.Command{
	Use:   "export <channel> <dest>",
	Short: "Copy a channel file of a recorded session",
	Long: `Copy the file of one channel (hr, acc or ecg) to dest. When dest is a
directory the file is named {participant}_{session}_{trial}_{channel}_{prefix}.csv.

The newest session is exported unless --prefix selects another one.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ch, err := record.ParseChannel(args[0])
		if err != nil {
			return err
		}
		prefix, _ := cmd.Flags().GetString("prefix")

		svc := service.New(cfg, nil)
		if prefix != "" {
			if _, err := svc.RestoreSession(session.Prefix(prefix)); err != nil {
				return fmt.Errorf("failed to select session: %w", err)
			}
		}

		written, err := svc.Export(ch, args[1])
		if err != nil {
			return fmt.Errorf("failed to export %s: %w", ch, err)
		}
		slog.Debug("Export finished", "channel", ch, "dest", written)
		fmt.Println(written)
		return nil
	},
}

func init() {
	exportCmd.Flags().String("prefix", "", "session prefix to export (default: newest)")
}
