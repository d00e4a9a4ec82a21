package sensor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/audiolibrelab/pulsecapture/internal/config"
)

// ecgRate is the fixed ECG sample rate of chest-strap sensors
const ecgRate = 130

var errDeviceUnreachable = errors.New("device not reachable")

// SimulatedConnector produces synthetic sensors for the configured device ids.
// It can be told to fail a number of dial attempts, or to behave as if no
// adapter were present.
type SimulatedConnector struct {
	cfg config.SimulatedConfig

	mu       sync.Mutex
	attempts int
}

// NewSimulatedConnector creates a connector for the simulated backend
func NewSimulatedConnector(cfg config.SimulatedConfig) *SimulatedConnector {
	if cfg.HeartRateInterval <= 0 {
		cfg.HeartRateInterval = time.Second
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = 100 * time.Millisecond
	}
	return &SimulatedConnector{cfg: cfg}
}

// Dial makes one connection attempt
func (c *SimulatedConnector) Dial(ctx context.Context, deviceID string) (Sensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.cfg.NoAdapter {
		return nil, &TransportError{Device: deviceID, Op: "dial", Err: ErrNoAdapter}
	}

	c.mu.Lock()
	c.attempts++
	attempt := c.attempts
	c.mu.Unlock()

	if attempt <= c.cfg.FailAttempts {
		return nil, &TransportError{Device: deviceID, Op: "dial", Err: errDeviceUnreachable}
	}
	if !c.known(deviceID) {
		return nil, &TransportError{Device: deviceID, Op: "dial", Err: fmt.Errorf("device %s is not advertising", deviceID)}
	}

	slog.Debug("Simulated sensor connected", "device", deviceID, "attempt", attempt)
	return newSimulatedSensor(deviceID, c.cfg.HeartRateInterval, c.cfg.BatchInterval), nil
}

// ListDevices returns the configured simulated device ids
func (c *SimulatedConnector) ListDevices(ctx context.Context) ([]string, error) {
	if c.cfg.NoAdapter {
		return nil, &TransportError{Op: "scan", Err: ErrNoAdapter}
	}
	return append([]string(nil), c.cfg.Devices...), nil
}

func (c *SimulatedConnector) known(deviceID string) bool {
	for _, d := range c.cfg.Devices {
		if d == deviceID {
			return true
		}
	}
	return false
}

// SimulatedSensor emits synthetic heart-rate, accelerometer and ECG data
type SimulatedSensor struct {
	id            string
	hrInterval    time.Duration
	batchInterval time.Duration

	mu         sync.Mutex
	settings   Settings
	configured bool
	running    bool
	closed     chan struct{}
	closeOnce  sync.Once
}

func newSimulatedSensor(id string, hrInterval, batchInterval time.Duration) *SimulatedSensor {
	return &SimulatedSensor{
		id:            id,
		hrInterval:    hrInterval,
		batchInterval: batchInterval,
		closed:        make(chan struct{}),
	}
}

func (s *SimulatedSensor) DeviceID() string {
	return s.id
}

// Configure applies range, sample rate and channel subscriptions
func (s *SimulatedSensor) Configure(ctx context.Context, settings Settings) error {
	if s.isClosed() {
		return &TransportError{Device: s.id, Op: "configure", Err: ErrClosed}
	}
	if settings.SampleRate == 0 {
		return &TransportError{Device: s.id, Op: "configure", Err: fmt.Errorf("sample rate must be > 0")}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
	s.configured = true

	slog.Debug("Simulated sensor configured", "device", s.id, "range", settings.Range, "rate", settings.SampleRate)
	return nil
}

// Run delivers samples until h asks to stop, ctx ends or the sensor is closed
func (s *SimulatedSensor) Run(ctx context.Context, h Handler) error {
	s.mu.Lock()
	if !s.configured {
		s.mu.Unlock()
		return &TransportError{Device: s.id, Op: "run", Err: fmt.Errorf("sensor not configured")}
	}
	if s.running {
		s.mu.Unlock()
		return &TransportError{Device: s.id, Op: "run", Err: fmt.Errorf("event loop already running")}
	}
	s.running = true
	settings := s.settings
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	hrTicker := time.NewTicker(s.hrInterval)
	defer hrTicker.Stop()
	batchTicker := time.NewTicker(s.batchInterval)
	defer batchTicker.Stop()

	start := time.Now()
	gen := &waveform{
		accPerBatch: pointsPerBatch(int(settings.SampleRate), s.batchInterval),
		ecgPerBatch: pointsPerBatch(ecgRate, s.batchInterval),
		accStep:     uint64(time.Second) / uint64(settings.SampleRate),
		ecgStep:     uint64(time.Second) / ecgRate,
	}

	for {
		if !h.ShouldContinue() {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.closed:
			return &TransportError{Device: s.id, Op: "run", Err: ErrClosed}
		case <-hrTicker.C:
			if settings.HeartRate {
				h.HeartRate(ctx, gen.nextHeartRate())
			}
		case <-batchTicker.C:
			m := Measurement{Timestamp: uint64(time.Since(start))}
			if settings.Accelerometer {
				m.Samples = append(m.Samples, gen.nextAcceleration(settings.Range)...)
			}
			if settings.ECG {
				m.Samples = append(m.Samples, gen.nextECG()...)
			}
			if len(m.Samples) > 0 {
				h.Measurement(ctx, m)
			}
		}
	}
}

// Close drops the connection. A running event loop returns a TransportError.
func (s *SimulatedSensor) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		slog.Debug("Simulated sensor closed", "device", s.id)
	})
	return nil
}

func (s *SimulatedSensor) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func pointsPerBatch(rate int, interval time.Duration) int {
	n := int(time.Duration(rate) * interval / time.Second)
	if n < 1 {
		return 1
	}
	return n
}

// waveform generates deterministic synthetic signals
type waveform struct {
	beats       int
	accPerBatch int
	ecgPerBatch int
	accStep     uint64
	ecgStep     uint64
	accClock    uint64
	ecgClock    uint64
}

func (w *waveform) nextHeartRate() HeartRate {
	bpm := uint8(60 + w.beats%15)
	w.beats++
	rr := uint16(60000 / int(bpm))
	hr := HeartRate{BPM: bpm, RR: []uint16{rr}}
	if w.beats%2 == 0 {
		hr.RR = append(hr.RR, rr+10)
	}
	return hr
}

func (w *waveform) nextAcceleration(rangeG uint8) []Sample {
	limit := float64(rangeG) * 1000
	out := make([]Sample, 0, w.accPerBatch)
	for i := 0; i < w.accPerBatch; i++ {
		phase := float64(w.accClock) / float64(time.Second) * 2 * math.Pi
		out = append(out, Acceleration{
			X: int32(math.Max(-limit, math.Min(limit, 300*math.Sin(phase)))),
			Y: int32(math.Max(-limit, math.Min(limit, 300*math.Cos(phase)))),
			Z: 1000,
		})
		w.accClock += w.accStep
	}
	return out
}

func (w *waveform) nextECG() []Sample {
	out := make([]Sample, 0, w.ecgPerBatch)
	for i := 0; i < w.ecgPerBatch; i++ {
		phase := float64(w.ecgClock) / float64(time.Second) * 2 * math.Pi * 1.2
		out = append(out, ECG{Value: int32(800 * math.Pow(math.Sin(phase), 15))})
		w.ecgClock += w.ecgStep
	}
	return out
}
