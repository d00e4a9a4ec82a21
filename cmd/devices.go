package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/audiolibrelab/pulsecapture/internal/sensor"

	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List sensors that can be connected",
	Long:  `Scan for sensors using the configured backend and list their device ids.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		devices, err := sensor.NewConnector(cfg).ListDevices(ctx)
		if err != nil {
			if sensor.IsFatal(err) {
				return fmt.Errorf("no bluetooth adapters found")
			}
			return fmt.Errorf("failed to list devices: %w", err)
		}

		fmt.Printf("Sensors (%s backend, %d found):\n", cfg.Sensor.Backend, len(devices))
		for i, d := range devices {
			fmt.Printf("  %d. %s\n", i+1, d)
		}
		if len(devices) > 0 {
			fmt.Printf("\nUsage: pulsecapture record --device %s --participant <id>\n", devices[0])
		}
		fmt.Printf("Available backends: %v\n", sensor.GetAvailableBackends())
		return nil
	},
}

func init() {
	devicesCmd.Flags().Duration("timeout", 10*time.Second, "how long to scan")
}
