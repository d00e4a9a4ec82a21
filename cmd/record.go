package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/audiolibrelab/pulsecapture/internal/capture"
	"github.com/audiolibrelab/pulsecapture/internal/config"
	"github.com/audiolibrelab/pulsecapture/internal/service"

	"github.com/spf13/cobra"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Connect to the sensor and capture until interrupted",
	Long: `Connect to the sensor, apply the accelerometer range and sample rate and
capture every channel into CSV files under the data directory.

Capture runs until Ctrl+C, until --duration elapses or until the sensor
drops the connection. All buffered records are written before exiting.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionCfg, err := sessionFromFlags(cmd)
		if err != nil {
			return err
		}
		device, _ := cmd.Flags().GetString("device")
		duration, _ := cmd.Flags().GetDuration("duration")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc := service.New(cfg, nil)
		defer svc.Shutdown(context.Background())

		if err := svc.SetConfig(ctx, sessionCfg); err != nil {
			return err
		}

		if device == "" {
			devices, err := svc.ListDevices(ctx)
			if err != nil {
				return fmt.Errorf("failed to list devices: %w", err)
			}
			if len(devices) == 0 {
				return fmt.Errorf("no sensors found, pass --device")
			}
			device = devices[0]
		}

		slog.Info("Connecting... Press Ctrl+C to cancel", "device", device)
		if err := svc.Connect(ctx, device); err != nil {
			if errors.Is(err, capture.ErrConnectCancelled) {
				slog.Info("Connection cancelled")
				return nil
			}
			return fmt.Errorf("failed to connect: %w", err)
		}

		info, err := svc.StartCapture(ctx)
		if err != nil {
			return fmt.Errorf("failed to start capture: %w", err)
		}
		slog.Info("Capturing... Press Ctrl+C to stop", "prefix", info.Prefix, "data_dir", cfg.DataDir)

		waitForCapture(ctx, svc, duration)

		slog.Info("Stopping capture...")
		report, err := stopOrCollect(svc)
		if err != nil {
			return err
		}
		printReport(report)

		if err := svc.Disconnect(context.Background()); err != nil {
			return fmt.Errorf("failed to disconnect: %w", err)
		}
		if report.StorageErr != nil {
			return fmt.Errorf("capture finished with storage errors: %w", report.StorageErr)
		}
		return nil
	},
}

// waitForCapture returns on interrupt, after duration, or once the session
// has ended on its own
func waitForCapture(ctx context.Context, svc service.Service, duration time.Duration) {
	var deadline <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case <-ticker.C:
			if svc.GetStatus().State != capture.StateStreaming {
				slog.Warn("Capture ended by the sensor", "last_error", svc.GetLastError())
				return
			}
		}
	}
}

func stopOrCollect(svc service.Service) (*capture.Report, error) {
	report, err := svc.StopCapture(context.Background())
	if errors.Is(err, capture.ErrMissingActiveCapture) {
		if last, ok := svc.GetLastReport(); ok {
			return last, nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stop capture: %w", err)
	}
	return report, nil
}

func printReport(r *capture.Report) {
	fmt.Printf("Session %s (%s)\n", r.Prefix, r.StoppedAt.Sub(r.StartedAt).Round(time.Second))
	for _, ch := range r.Channels {
		line := fmt.Sprintf("  %-4s %8d records  %s", ch.Channel, ch.Records, ch.Path)
		if ch.Dropped > 0 {
			line += fmt.Sprintf("  (%d dropped: %s)", ch.Dropped, ch.Error)
		}
		fmt.Println(line)
	}
}

// sessionFromFlags reads the session configuration from --session-file or
// from the individual flags
func sessionFromFlags(cmd *cobra.Command) (config.SessionConfig, error) {
	if path, _ := cmd.Flags().GetString("session-file"); path != "" {
		return config.LoadSessionFile(path)
	}

	flags := cmd.Flags()
	var s config.SessionConfig
	s.ParticipantID, _ = flags.GetString("participant")
	s.SessionNumber, _ = flags.GetUint64("session")
	s.TrialID, _ = flags.GetUint64("trial")
	s.Description, _ = flags.GetString("description")
	s.Range, _ = flags.GetUint8("range")
	s.Rate, _ = flags.GetUint8("rate")

	if err := s.Validate(); err != nil {
		return s, fmt.Errorf("invalid session: %w", err)
	}
	return s, nil
}

func init() {
	recordCmd.Flags().StringP("device", "d", "", "sensor device id (default: first device found)")
	recordCmd.Flags().Duration("duration", 0, "stop after this long (default: until Ctrl+C)")
	recordCmd.Flags().String("session-file", "", "read the session configuration from a YAML file")
	recordCmd.Flags().StringP("participant", "P", "", "participant id")
	recordCmd.Flags().Uint64P("session", "s", 1, "session number")
	recordCmd.Flags().Uint64P("trial", "t", 1, "trial id")
	recordCmd.Flags().String("description", "", "free-text description of the trial")
	recordCmd.Flags().Uint8("range", 8, "accelerometer range in g (2, 4 or 8)")
	recordCmd.Flags().Uint8("rate", 200, "accelerometer sample rate in Hz (25, 50, 100 or 200)")
}
