package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/audiolibrelab/pulsecapture/internal/config"

	"github.com/spf13/cobra"
)

var (
	cfg          *config.Config
	cfgFile      string
	logFile      string
	verboseLevel int

	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "pulsecapture",
	Short: "Capture heart rate, accelerometer and ECG data from a chest-strap sensor",
	Long: `PulseCapture connects to a wireless chest-strap sensor and records its
heart rate, accelerometer and ECG streams into one CSV file per channel.

Every file starts with a metadata line describing the participant, session
and trial, followed by a column header. Files can be exported under a name
built from the session identifiers.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Log to stderr until the configuration says otherwise
		if err := setupLogging(verboseLevel, ""); err != nil {
			return err
		}

		// A missing file is fine unless it was asked for explicitly
		explicit := cfgFile != ""
		if !explicit {
			cfgFile = os.ExpandEnv("$HOME/.config/pulsecapture.yaml")
		}

		var err error
		cfg, err = config.Load(cfgFile, !explicit)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		dest := logFile
		if dest == "" {
			dest = cfg.Log.File
		}
		if dest != "" {
			if err := setupLogging(verboseLevel, dest); err != nil {
				return err
			}
		}
		slog.Debug("Configuration loaded", "config", cfgFile, "data_dir", cfg.DataDir, "backend", cfg.Sensor.Backend)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
			logCloser = nil
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/pulsecapture.yaml)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "write logs to this file instead of stderr (overrides log.file)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug")

	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(serveCmd)
}

// setupLogging configures slog based on the verbose level. An empty path
// logs to stderr; otherwise logs are appended to the file.
func setupLogging(level int, path string) error {
	var slogLevel slog.Level
	switch level {
	case 0:
		slogLevel = slog.LevelInfo
	default:
		slogLevel = slog.LevelDebug
	}

	var out io.Writer = os.Stderr
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		if logCloser != nil {
			logCloser.Close()
		}
		logCloser = f
		out = f
	}

	opts := &slog.HandlerOptions{
		Level: slogLevel,
	}
	handler := slog.NewTextHandler(out, opts)
	slog.SetDefault(slog.New(handler))
	return nil
}
