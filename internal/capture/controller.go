// Package capture owns the sensor connection and the lifecycle of capture
// sessions: connect, start, stop and disconnect.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/audiolibrelab/pulsecapture/internal/config"
	"github.com/audiolibrelab/pulsecapture/internal/metrics"
	"github.com/audiolibrelab/pulsecapture/internal/record"
	"github.com/audiolibrelab/pulsecapture/internal/sensor"
	"github.com/audiolibrelab/pulsecapture/internal/session"
	"golang.org/x/time/rate"
)

// State represents the connection state of the controller
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateStreaming    State = "streaming"
)

var allStates = []string{
	string(StateDisconnected), string(StateConnecting), string(StateConnected), string(StateStreaming),
}

// Options configures a Controller
type Options struct {
	Connector     sensor.Connector
	Registry      *session.Registry
	RetryInterval time.Duration
	// BufferSize returns the write buffer size per channel. Nil uses record defaults.
	BufferSize func(record.Channel) int
	// Now is used for session prefixes. Nil uses time.Now.
	Now func() time.Time
}

// SessionStatus describes the running session
type SessionStatus struct {
	Prefix    session.Prefix  `json:"prefix"`
	StartedAt time.Time       `json:"started_at"`
	Channels  []ChannelReport `json:"channels"`
}

// Status is a snapshot of the controller
type Status struct {
	State    State                 `json:"state"`
	DeviceID string                `json:"device_id,omitempty"`
	Config   *config.SessionConfig `json:"config,omitempty"`
	Session  *SessionStatus        `json:"session,omitempty"`
}

// Controller serialises all commands against one sensor. The connected sensor
// is owned either by the controller or, while streaming, by the event loop.
type Controller struct {
	connector     sensor.Connector
	registry      *session.Registry
	retryInterval time.Duration
	bufferSize    func(record.Channel) int
	now           func() time.Time

	cfgMu sync.RWMutex
	cfg   *config.SessionConfig

	mu            sync.Mutex
	state         State
	deviceID      string
	sensor        sensor.Sensor
	handle        *StopHandle
	cancelConnect context.CancelFunc
	connectGen    uint64
	lastReport    *Report
}

// NewController creates a disconnected controller
func NewController(opts Options) *Controller {
	c := &Controller{
		connector:     opts.Connector,
		registry:      opts.Registry,
		retryInterval: opts.RetryInterval,
		bufferSize:    opts.BufferSize,
		now:           opts.Now,
		state:         StateDisconnected,
	}
	if c.bufferSize == nil {
		c.bufferSize = record.DefaultBufferSize
	}
	if c.now == nil {
		c.now = time.Now
	}
	metrics.SetConnectionState(string(c.state), allStates)
	return c
}

// Registry returns the session registry used for output paths
func (c *Controller) Registry() *session.Registry {
	return c.registry
}

// SetConfig validates and stores the session configuration. It is refused
// while a session is streaming. When a sensor is connected the new range and
// rate are applied to it immediately.
func (c *Controller) SetConfig(ctx context.Context, cfg config.SessionConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateStreaming {
		return ErrCaptureActive
	}
	if c.state == StateConnected && c.sensor != nil {
		if err := c.sensor.Configure(ctx, settingsFor(cfg)); err != nil {
			return fmt.Errorf("failed to apply settings to %s: %w", c.deviceID, err)
		}
	}

	c.cfgMu.Lock()
	c.cfg = &cfg
	c.cfgMu.Unlock()

	slog.Info("Session configured", "participant", cfg.ParticipantID, "session", cfg.SessionNumber,
		"trial", cfg.TrialID, "range", cfg.Range, "rate", cfg.Rate)
	return nil
}

// Config returns the stored session configuration
func (c *Controller) Config() (config.SessionConfig, bool) {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	if c.cfg == nil {
		return config.SessionConfig{}, false
	}
	return *c.cfg, true
}

// Connect dials deviceID, retrying transient failures every RetryInterval
// until it succeeds, ctx ends or CancelConnect is called. A missing adapter
// fails immediately. The connected sensor is configured with the stored
// session settings and subscribed to every channel.
func (c *Controller) Connect(ctx context.Context, deviceID string) error {
	cfg, ok := c.Config()
	if !ok {
		return ErrMissingConfiguration
	}
	if deviceID == "" {
		return fmt.Errorf("device id is required")
	}

	c.mu.Lock()
	switch c.state {
	case StateConnecting:
		c.mu.Unlock()
		return ErrConnectInProgress
	case StateConnected, StateStreaming:
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	dialCtx, cancel := context.WithCancel(ctx)
	c.connectGen++
	gen := c.connectGen
	c.cancelConnect = cancel
	c.deviceID = deviceID
	c.setState(StateConnecting)
	c.mu.Unlock()
	defer cancel()

	slog.Info("Connecting to sensor", "device", deviceID)
	s, err := c.dial(dialCtx, deviceID)
	if err == nil {
		if cerr := s.Configure(dialCtx, settingsFor(cfg)); cerr != nil {
			_ = s.Close()
			s, err = nil, fmt.Errorf("failed to configure %s: %w", deviceID, cerr)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Disconnect may have abandoned this attempt while it was dialing
	if c.connectGen != gen || c.state != StateConnecting {
		if s != nil {
			_ = s.Close()
		}
		if err == nil {
			err = ErrConnectCancelled
		}
		return err
	}

	c.cancelConnect = nil
	if err != nil {
		c.deviceID = ""
		c.setState(StateDisconnected)
		return err
	}

	c.sensor = s
	c.setState(StateConnected)
	slog.Info("Sensor connected", "device", deviceID)
	return nil
}

func (c *Controller) dial(ctx context.Context, deviceID string) (sensor.Sensor, error) {
	limit := rate.Inf
	if c.retryInterval > 0 {
		limit = rate.Every(c.retryInterval)
	}
	limiter := rate.NewLimiter(limit, 1)

	for attempt := 1; ; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			metrics.ConnectAttempts.WithLabelValues("cancelled").Inc()
			return nil, fmt.Errorf("%w: %w", ErrConnectCancelled, err)
		}

		s, err := c.connector.Dial(ctx, deviceID)
		if err == nil {
			metrics.ConnectAttempts.WithLabelValues("ok").Inc()
			return s, nil
		}
		if sensor.IsFatal(err) {
			metrics.ConnectAttempts.WithLabelValues("fatal").Inc()
			slog.Error("Giving up on sensor connection", "device", deviceID, "error", err)
			return nil, err
		}
		if ctx.Err() != nil {
			metrics.ConnectAttempts.WithLabelValues("cancelled").Inc()
			return nil, fmt.Errorf("%w: %w", ErrConnectCancelled, ctx.Err())
		}

		metrics.ConnectAttempts.WithLabelValues("transient").Inc()
		slog.Warn("Could not connect to sensor, retrying", "device", deviceID, "attempt", attempt, "error", err)
	}
}

// CancelConnect aborts a pending Connect. It does nothing otherwise.
func (c *Controller) CancelConnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnecting || c.cancelConnect == nil {
		return
	}
	slog.Info("Cancelling connection attempt", "device", c.deviceID)
	c.cancelConnect()
}

// StartCapture begins a session on the connected sensor. It opens one file
// per channel under a fresh prefix and hands the sensor to a new event loop.
// Nothing is created when configuration or connection is missing.
func (c *Controller) StartCapture(ctx context.Context) (session.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cfg, ok := c.Config()
	if !ok {
		return session.Session{}, ErrMissingConfiguration
	}
	switch c.state {
	case StateStreaming:
		return session.Session{}, ErrCaptureActive
	case StateConnected:
	default:
		return session.Session{}, ErrMissingConnection
	}

	if err := os.MkdirAll(c.registry.DataDir(), 0755); err != nil {
		return session.Session{}, &record.StorageError{Op: "mkdir", Path: c.registry.DataDir(), Err: err}
	}

	sess := c.registry.BeginSession(c.now(), cfg)
	sinks, err := c.openSinks(sess)
	if err != nil {
		return session.Session{}, err
	}
	for ch, s := range sinks {
		c.registry.RegisterPath(ch, s.Path())
	}

	s := c.sensor
	c.sensor = nil
	c.handle = startLoop(s, sess, sinks, c.loopEnded)
	c.setState(StateStreaming)
	metrics.SessionsStarted.Inc()

	slog.InfoContext(ctx, "Capture started", "device", c.deviceID, "prefix", sess.Prefix)
	return sess, nil
}

func (c *Controller) openSinks(sess session.Session) (map[record.Channel]*record.Sink, error) {
	meta := record.Metadata{
		ParticipantID: sess.Config.ParticipantID,
		SessionNumber: sess.Config.SessionNumber,
		TrialID:       sess.Config.TrialID,
		Description:   sess.Config.Description,
		CapturedAt:    sess.StartedAt,
	}

	sinks := make(map[record.Channel]*record.Sink, len(record.Channels))
	for _, ch := range record.Channels {
		s, err := record.Open(ch, c.registry.PathFor(ch, sess.Prefix), meta, c.bufferSize(ch))
		if err != nil {
			if cerr := closeSinks(sinks); cerr != nil {
				slog.Warn("Failed to close sinks after open error", "error", cerr)
			}
			return nil, err
		}
		sinks[ch] = s
	}
	return sinks, nil
}

// StopCapture ends the running session. It returns once the event loop has
// stopped and every buffered record is on disk. The sensor stays connected
// unless the link failed during the session.
func (c *Controller) StopCapture(ctx context.Context) (Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateStreaming || c.handle == nil {
		return Report{}, ErrMissingActiveCapture
	}

	s, report, err := c.handle.stopAndWait(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("waiting for capture to stop: %w", err)
	}
	c.collect(s, report)

	slog.InfoContext(ctx, "Capture stopped", "prefix", report.Prefix, "state", c.state)
	return report, nil
}

// loopEnded runs on the event loop goroutine once a loop has finished. It
// only acts when the loop ended without StopCapture or Disconnect.
func (c *Controller) loopEnded(h *StopHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle != h {
		return
	}
	s, report, _ := h.wait(context.Background())
	slog.Warn("Capture ended by the sensor", "prefix", report.Prefix, "error", report.LoopErr)
	c.collect(s, report)
}

// collect takes the sensor back from a finished loop. Callers hold c.mu.
func (c *Controller) collect(s sensor.Sensor, report Report) {
	c.handle = nil
	c.lastReport = &report
	if report.StorageErr != nil {
		slog.Error("Capture finished with storage errors", "prefix", report.Prefix, "error", report.StorageErr)
	}

	if report.LoopErr != nil {
		if s != nil {
			_ = s.Close()
		}
		c.sensor = nil
		c.deviceID = ""
		c.setState(StateDisconnected)
		return
	}
	c.sensor = s
	c.setState(StateConnected)
}

// Disconnect drops the sensor. A running session is stopped and flushed
// first and a pending Connect is abandoned. Disconnecting while disconnected
// is a no-op.
func (c *Controller) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateDisconnected:
		return nil
	case StateConnecting:
		if c.cancelConnect != nil {
			c.cancelConnect()
			c.cancelConnect = nil
		}
		c.connectGen++
	case StateStreaming:
		s, report, err := c.handle.stopAndWait(ctx)
		if err != nil {
			return fmt.Errorf("waiting for capture to stop: %w", err)
		}
		c.collect(s, report)
	}

	var err error
	if c.sensor != nil {
		err = c.sensor.Close()
	}
	slog.InfoContext(ctx, "Sensor disconnected", "device", c.deviceID)
	c.sensor = nil
	c.deviceID = ""
	c.setState(StateDisconnected)
	if err != nil {
		return fmt.Errorf("failed to close sensor connection: %w", err)
	}
	return nil
}

// RestoreSession makes a recorded session the export source again. It is
// refused while streaming so exports keep following the live session.
func (c *Controller) RestoreSession(prefix session.Prefix) (session.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateStreaming {
		return session.Session{}, ErrCaptureActive
	}
	return c.registry.Restore(prefix)
}

// FlushChannel pushes buffered records of ch to disk while a session runs.
// It does nothing when no session is streaming.
func (c *Controller) FlushChannel(ch record.Channel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle == nil {
		return nil
	}
	err := c.handle.dispatcher.Flush(ch)
	if errors.Is(err, record.ErrClosed) {
		return nil
	}
	return err
}

// LastReport returns the report of the most recently finished session
func (c *Controller) LastReport() (Report, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastReport == nil {
		return Report{}, false
	}
	return *c.lastReport, true
}

// Status returns a snapshot of state, device and the running session
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{State: c.state, DeviceID: c.deviceID}
	if cfg, ok := c.Config(); ok {
		st.Config = &cfg
	}
	if c.handle != nil {
		st.Session = &SessionStatus{
			Prefix:    c.handle.session.Prefix,
			StartedAt: c.handle.session.StartedAt,
			Channels:  c.handle.channelStatus(),
		}
	}
	return st
}

// Shutdown stops any session and releases the sensor
func (c *Controller) Shutdown(ctx context.Context) error {
	c.CancelConnect()
	return c.Disconnect(ctx)
}

func (c *Controller) setState(s State) {
	if c.state != s {
		slog.Debug("Controller state changed", "from", c.state, "to", s)
	}
	c.state = s
	metrics.SetConnectionState(string(s), allStates)
}

func settingsFor(cfg config.SessionConfig) sensor.Settings {
	return sensor.Settings{
		Range:         cfg.Range,
		SampleRate:    cfg.Rate,
		HeartRate:     true,
		Accelerometer: true,
		ECG:           true,
	}
}
