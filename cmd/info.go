package cmd

import (
	"fmt"

	"github.com/audiolibrelab/pulsecapture/internal/record"
	"github.com/audiolibrelab/pulsecapture/internal/session"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show resolved configuration and recorded sessions",
	Long:  `Display the resolved configuration and the sessions found in the data directory, with the metadata line of each one.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("=== RESOLVED CONFIGURATION ===\n")
		fmt.Printf("data_dir: %s\n", cfg.DataDir)
		fmt.Printf("backend: %s\n", cfg.Sensor.Backend)
		fmt.Printf("retry_interval: %s\n", cfg.Sensor.RetryInterval)

		fmt.Printf("\n[Buffers]\n")
		for _, ch := range record.Channels {
			fmt.Printf("%s: %d bytes\n", ch, cfg.BufferSize(ch))
		}

		sessions, err := session.NewRegistry(cfg.DataDir).Sessions()
		if err != nil {
			return err
		}

		fmt.Printf("\n=== SESSIONS (%d) ===\n", len(sessions))
		for _, s := range sessions {
			fmt.Printf("%s\n", s.Prefix)
			for _, ch := range record.Channels {
				path, ok := s.Files[ch]
				if !ok {
					fmt.Printf("  %-4s missing\n", ch)
					continue
				}
				meta, err := record.ReadMetadata(path)
				if err != nil {
					fmt.Printf("  %-4s %s [unreadable: %v]\n", ch, path, err)
					continue
				}
				fmt.Printf("  %-4s %s [%s session=%d trial=%d]\n", ch, path, meta.ParticipantID, meta.SessionNumber, meta.TrialID)
			}
		}
		return nil
	},
}
