// Package sensor defines the capability surface of a wireless physiological
// sensor: dialing a device, applying acquisition settings and running the
// event loop that delivers decoded samples to a Handler.
package sensor

import "context"

// Sample is the closed set of decoded sample kinds. Only the types in this
// package implement it.
type Sample interface {
	sample()
}

// HeartRate is one heart-rate notification
type HeartRate struct {
	BPM uint8
	RR  []uint16 // beat-to-beat intervals in ms, possibly empty
}

// Acceleration is one 3-axis accelerometer point in mG
type Acceleration struct {
	X, Y, Z int32
}

// ECG is one ECG point in microvolts
type ECG struct {
	Value int32
}

func (HeartRate) sample()    {}
func (Acceleration) sample() {}
func (ECG) sample()          {}

// Measurement is a batch of points sharing one capture timestamp
type Measurement struct {
	Timestamp uint64 // sensor clock, ns
	Samples   []Sample
}

// Settings are applied to a freshly connected sensor before capture
type Settings struct {
	Range         uint8 // g
	SampleRate    uint8 // Hz
	HeartRate     bool
	Accelerometer bool
	ECG           bool
}

// Handler receives events from a running sensor. Callbacks for one sensor are
// never invoked concurrently with each other.
type Handler interface {
	HeartRate(ctx context.Context, hr HeartRate)
	Measurement(ctx context.Context, m Measurement)
	// ShouldContinue is polled by the event loop; returning false ends it.
	ShouldContinue() bool
}

// Sensor is a live connection. It has exactly one owner at a time.
type Sensor interface {
	DeviceID() string
	Configure(ctx context.Context, settings Settings) error
	// Run delivers events to h until h.ShouldContinue reports false or ctx is
	// done, in which case it returns nil. A lost link returns a TransportError.
	Run(ctx context.Context, h Handler) error
	Close() error
}

// Connector establishes sensor connections
type Connector interface {
	// Dial makes a single connection attempt
	Dial(ctx context.Context, deviceID string) (Sensor, error)
	ListDevices(ctx context.Context) ([]string, error)
}
