package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/audiolibrelab/pulsecapture/internal/capture"
	"github.com/audiolibrelab/pulsecapture/internal/config"
	"github.com/audiolibrelab/pulsecapture/internal/record"
	"github.com/audiolibrelab/pulsecapture/internal/sensor"
	"github.com/audiolibrelab/pulsecapture/internal/session"
)

// Service represents the core PulseCapture service interface
type Service interface {
	// Session configuration
	SetConfig(ctx context.Context, cfg config.SessionConfig) error
	GetSessionConfig() (config.SessionConfig, bool)

	// Connection operations
	Connect(ctx context.Context, deviceID string) error
	CancelConnect()
	Disconnect(ctx context.Context) error
	ListDevices(ctx context.Context) ([]string, error)

	// Capture operations
	StartCapture(ctx context.Context) (*SessionInfo, error)
	StopCapture(ctx context.Context) (*capture.Report, error)
	GetStatus() capture.Status
	GetLastReport() (*capture.Report, bool)

	// Export operations
	ExportName(ch record.Channel) (string, error)
	Export(ch record.Channel, dest string) (string, error)
	OpenExport(ch record.Channel) (*os.File, string, error)

	// Information operations
	ListSessions() ([]session.Recorded, error)
	RestoreSession(prefix session.Prefix) (session.Session, error)
	GetConfig() *config.Config
	GetLastError() string

	Shutdown(ctx context.Context) error
}

// SessionInfo describes a capture session that just started
type SessionInfo struct {
	Prefix    session.Prefix            `json:"prefix"`
	StartedAt time.Time                 `json:"started_at"`
	Files     map[record.Channel]string `json:"files"`
}

// PulseCaptureService is the main service implementation
type PulseCaptureService struct {
	cfg        *config.Config
	connector  sensor.Connector
	controller *capture.Controller

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

// New creates a new PulseCapture service instance. A nil connector selects
// the backend named in the configuration.
func New(cfg *config.Config, connector sensor.Connector) Service {
	if connector == nil {
		connector = sensor.NewConnector(cfg)
	}

	// Sessions from earlier runs stay exportable and keep prefixes unique
	registry := session.NewRegistry(cfg.DataDir)
	if prev, err := registry.Restore(""); err == nil {
		slog.Debug("Restored previous session", "prefix", prev.Prefix, "participant", prev.Config.ParticipantID)
	} else if !errors.Is(err, session.ErrNoSession) {
		slog.Warn("Could not restore previous session", "data_dir", cfg.DataDir, "error", err)
	}

	return &PulseCaptureService{
		cfg:       cfg,
		connector: connector,
		controller: capture.NewController(capture.Options{
			Connector:     connector,
			Registry:      registry,
			RetryInterval: cfg.Sensor.RetryInterval,
			BufferSize:    cfg.BufferSize,
		}),
	}
}

// SetConfig stores the session configuration used by the next connect and capture
func (s *PulseCaptureService) SetConfig(ctx context.Context, cfg config.SessionConfig) error {
	slog.Debug("Service.SetConfig called", "participant", cfg.ParticipantID)
	if err := s.controller.SetConfig(ctx, cfg); err != nil {
		s.setLastError(fmt.Sprintf("Failed to set configuration: %v", err))
		return err
	}
	s.clearLastError()
	return nil
}

// GetSessionConfig returns the stored session configuration
func (s *PulseCaptureService) GetSessionConfig() (config.SessionConfig, bool) {
	return s.controller.Config()
}

// Connect blocks until the sensor is connected, the attempt is cancelled or a
// fatal error occurs
func (s *PulseCaptureService) Connect(ctx context.Context, deviceID string) error {
	slog.Debug("Service.Connect called", "device", deviceID)
	s.clearLastError()
	err := s.controller.Connect(ctx, deviceID)
	if err != nil {
		if errors.Is(err, capture.ErrConnectCancelled) {
			slog.Info("Connection attempt cancelled", "device", deviceID)
			return err
		}
		if sensor.IsFatal(err) {
			s.setLastError("No bluetooth adapters found")
		} else {
			s.setLastError(fmt.Sprintf("Failed to connect to %s: %v", deviceID, err))
		}
	}
	return err
}

// CancelConnect aborts a pending connection attempt
func (s *PulseCaptureService) CancelConnect() {
	s.controller.CancelConnect()
}

// Disconnect stops any running capture and drops the sensor
func (s *PulseCaptureService) Disconnect(ctx context.Context) error {
	err := s.controller.Disconnect(ctx)
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to disconnect: %v", err))
		return err
	}
	s.checkReport()
	return nil
}

// ListDevices returns the devices the connector can see
func (s *PulseCaptureService) ListDevices(ctx context.Context) ([]string, error) {
	devices, err := s.connector.ListDevices(ctx)
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to list devices: %v", err))
		return nil, err
	}
	return devices, nil
}

// StartCapture begins a new session on the connected sensor
func (s *PulseCaptureService) StartCapture(ctx context.Context) (*SessionInfo, error) {
	slog.Debug("Service.StartCapture called")
	s.clearLastError()

	sess, err := s.controller.StartCapture(ctx)
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to start capture: %v", err))
		return nil, err
	}

	info := &SessionInfo{
		Prefix:    sess.Prefix,
		StartedAt: sess.StartedAt,
		Files:     make(map[record.Channel]string, len(record.Channels)),
	}
	registry := s.controller.Registry()
	for _, ch := range record.Channels {
		info.Files[ch] = registry.PathFor(ch, sess.Prefix)
	}
	return info, nil
}

// StopCapture ends the running session. Storage problems during the session
// do not fail the stop; they are returned in the report and kept as the last
// error.
func (s *PulseCaptureService) StopCapture(ctx context.Context) (*capture.Report, error) {
	report, err := s.controller.StopCapture(ctx)
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to stop capture: %v", err))
		return nil, err
	}
	s.checkReport()
	return &report, nil
}

// GetStatus returns the controller status
func (s *PulseCaptureService) GetStatus() capture.Status {
	return s.controller.Status()
}

// GetLastReport returns the report of the most recently finished session
func (s *PulseCaptureService) GetLastReport() (*capture.Report, bool) {
	r, ok := s.controller.LastReport()
	if !ok {
		return nil, false
	}
	return &r, true
}

// ExportName suggests a file name for a channel of the current session
func (s *PulseCaptureService) ExportName(ch record.Channel) (string, error) {
	return s.controller.Registry().ExportName(ch)
}

// Export copies the latest file of ch to dest
func (s *PulseCaptureService) Export(ch record.Channel, dest string) (string, error) {
	if err := s.controller.FlushChannel(ch); err != nil {
		slog.Warn("Failed to flush channel before export", "channel", ch, "error", err)
	}
	written, err := s.controller.Registry().Export(ch, dest)
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to export %s: %v", ch, err))
		return "", err
	}
	return written, nil
}

// OpenExport opens the latest file of ch for reading and returns it together
// with its suggested export name. The caller closes the file.
func (s *PulseCaptureService) OpenExport(ch record.Channel) (*os.File, string, error) {
	registry := s.controller.Registry()
	path, ok := registry.ResolvePath(ch)
	if !ok {
		return nil, "", fmt.Errorf("export %s: %w", ch, session.ErrNoSession)
	}
	if err := s.controller.FlushChannel(ch); err != nil {
		slog.Warn("Failed to flush channel before export", "channel", ch, "error", err)
	}

	name, err := registry.ExportName(ch)
	if err != nil {
		return nil, "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("export %s: %w", ch, err)
	}
	return f, name, nil
}

// ListSessions returns the sessions recorded in the data directory
func (s *PulseCaptureService) ListSessions() ([]session.Recorded, error) {
	return s.controller.Registry().Sessions()
}

// RestoreSession selects an earlier session as the export source. It fails
// with capture.ErrCaptureActive while a session is streaming.
func (s *PulseCaptureService) RestoreSession(prefix session.Prefix) (session.Session, error) {
	return s.controller.RestoreSession(prefix)
}

// GetConfig returns the application configuration
func (s *PulseCaptureService) GetConfig() *config.Config {
	return s.cfg
}

// Shutdown stops capture and releases the sensor
func (s *PulseCaptureService) Shutdown(ctx context.Context) error {
	return s.controller.Shutdown(ctx)
}

// checkReport turns storage errors of the last finished session into the
// last error
func (s *PulseCaptureService) checkReport() {
	report, ok := s.controller.LastReport()
	if !ok || report.StorageErr == nil {
		return
	}

	var failed []string
	for _, ch := range report.Channels {
		if ch.Error != "" {
			failed = append(failed, fmt.Sprintf("%s (%d dropped)", ch.Channel, ch.Dropped))
		}
	}
	if len(failed) == 0 {
		s.setLastError(fmt.Sprintf("Session %s finished with storage errors: %v", report.Prefix, report.StorageErr))
		return
	}
	s.setLastError(fmt.Sprintf("Session %s lost records on %s", report.Prefix, strings.Join(failed, ", ")))
}

// GetLastError returns the last error message (thread-safe)
func (s *PulseCaptureService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

// setLastError sets the last error message (thread-safe)
func (s *PulseCaptureService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err

	slog.Error("Service error occurred", "error_message", err)
}

// clearLastError clears the last error message (thread-safe)
func (s *PulseCaptureService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}
