package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/audiolibrelab/pulsecapture/internal/config"
	"github.com/audiolibrelab/pulsecapture/internal/record"
	"github.com/audiolibrelab/pulsecapture/internal/sensor"
	"github.com/audiolibrelab/pulsecapture/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testConfig = config.SessionConfig{
	ParticipantID: "P1", SessionNumber: 1, TrialID: 3, Description: "rest", Range: 8, Rate: 200,
}

// fakeSensor delivers whatever the test pushes into events
type fakeSensor struct {
	id     string
	events chan any
	lost   chan struct{}

	mu       sync.Mutex
	settings []sensor.Settings
	closed   bool
}

func newFakeSensor(id string) *fakeSensor {
	return &fakeSensor{id: id, events: make(chan any), lost: make(chan struct{})}
}

func (s *fakeSensor) DeviceID() string { return s.id }

func (s *fakeSensor) Configure(_ context.Context, settings sensor.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = append(s.settings, settings)
	return nil
}

func (s *fakeSensor) Run(ctx context.Context, h sensor.Handler) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		if !h.ShouldContinue() {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-s.lost:
			return &sensor.TransportError{Device: s.id, Op: "run", Err: sensor.ErrClosed}
		case ev := <-s.events:
			switch v := ev.(type) {
			case sensor.HeartRate:
				h.HeartRate(ctx, v)
			case sensor.Measurement:
				h.Measurement(ctx, v)
			}
		case <-ticker.C:
		}
	}
}

func (s *fakeSensor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSensor) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeConnector fails the first `failures` dials, or every dial when fatal is set
type fakeConnector struct {
	failures int
	fatal    bool
	// hang makes Dial block until its context ends
	hang bool

	mu       sync.Mutex
	attempts int
	sensors  []*fakeSensor
}

func (c *fakeConnector) Dial(ctx context.Context, deviceID string) (sensor.Sensor, error) {
	c.mu.Lock()
	c.attempts++
	attempt := c.attempts
	c.mu.Unlock()

	if c.fatal {
		return nil, &sensor.TransportError{Device: deviceID, Op: "dial", Err: sensor.ErrNoAdapter}
	}
	if c.hang {
		<-ctx.Done()
		return nil, &sensor.TransportError{Device: deviceID, Op: "dial", Err: ctx.Err()}
	}
	if attempt <= c.failures {
		return nil, &sensor.TransportError{Device: deviceID, Op: "dial", Err: fmt.Errorf("attempt %d failed", attempt)}
	}

	s := newFakeSensor(deviceID)
	c.mu.Lock()
	c.sensors = append(c.sensors, s)
	c.mu.Unlock()
	return s, nil
}

func (c *fakeConnector) ListDevices(context.Context) ([]string, error) {
	return []string{"DEV1"}, nil
}

func (c *fakeConnector) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *fakeConnector) lastSensor(t *testing.T) *fakeSensor {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.sensors)
	return c.sensors[len(c.sensors)-1]
}

func newTestController(t *testing.T, conn sensor.Connector) (*Controller, string) {
	t.Helper()
	dataDir := t.TempDir()
	clock := time.Unix(1700000000, 0)
	c := NewController(Options{
		Connector:     conn,
		Registry:      session.NewRegistry(dataDir),
		RetryInterval: time.Millisecond,
		Now:           func() time.Time { return clock },
	})
	return c, dataDir
}

func connected(t *testing.T) (*Controller, *fakeConnector, string) {
	t.Helper()
	conn := &fakeConnector{}
	c, dataDir := newTestController(t, conn)
	require.NoError(t, c.SetConfig(context.Background(), testConfig))
	require.NoError(t, c.Connect(context.Background(), "DEV1"))
	t.Cleanup(func() {
		_ = c.Shutdown(context.Background())
	})
	return c, conn, dataDir
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

func TestStartCapture_WithoutConfig(t *testing.T) {
	c, dataDir := newTestController(t, &fakeConnector{})

	_, err := c.StartCapture(context.Background())
	assert.True(t, errors.Is(err, ErrMissingConfiguration))

	entries, err := os.ReadDir(dataDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "no files may be created without a configuration")
}

func TestStartCapture_WithoutConnection(t *testing.T) {
	c, dataDir := newTestController(t, &fakeConnector{})
	require.NoError(t, c.SetConfig(context.Background(), testConfig))

	_, err := c.StartCapture(context.Background())
	assert.True(t, errors.Is(err, ErrMissingConnection))

	entries, err := os.ReadDir(dataDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestConnect_WithoutConfig(t *testing.T) {
	conn := &fakeConnector{}
	c, _ := newTestController(t, conn)

	err := c.Connect(context.Background(), "DEV1")
	assert.True(t, errors.Is(err, ErrMissingConfiguration))
	assert.Zero(t, conn.Attempts())
}

func TestSetConfig_Invalid(t *testing.T) {
	c, _ := newTestController(t, &fakeConnector{})
	bad := testConfig
	bad.Range = 3
	err := c.SetConfig(context.Background(), bad)
	assert.True(t, errors.Is(err, ErrInvalidConfiguration))

	_, ok := c.Config()
	assert.False(t, ok)
}

func TestCaptureLifecycle(t *testing.T) {
	c, conn, dataDir := connected(t)
	s := conn.lastSensor(t)

	s.mu.Lock()
	require.Len(t, s.settings, 1)
	assert.Equal(t, sensor.Settings{Range: 8, SampleRate: 200, HeartRate: true, Accelerometer: true, ECG: true}, s.settings[0])
	s.mu.Unlock()

	sess, err := c.StartCapture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, session.Prefix("1700000000"), sess.Prefix)
	assert.Equal(t, StateStreaming, c.Status().State)

	_, err = c.StartCapture(context.Background())
	assert.True(t, errors.Is(err, ErrCaptureActive))

	s.events <- sensor.HeartRate{BPM: 72, RR: []uint16{800, 810}}
	s.events <- sensor.HeartRate{BPM: 75}
	s.events <- sensor.Measurement{Timestamp: 1000, Samples: []sensor.Sample{
		sensor.Acceleration{X: 1, Y: 2, Z: 3},
		sensor.ECG{Value: 42},
		sensor.ECG{Value: -7},
	}}

	report, err := c.StopCapture(context.Background())
	require.NoError(t, err)
	assert.NoError(t, report.StorageErr)
	assert.NoError(t, report.LoopErr)
	assert.Equal(t, StateConnected, c.Status().State)
	assert.False(t, s.isClosed())

	counts := map[record.Channel]uint64{}
	for _, ch := range report.Channels {
		counts[ch.Channel] = ch.Records
	}
	assert.Equal(t, map[record.Channel]uint64{record.HeartRate: 2, record.Accelerometer: 1, record.ECG: 2}, counts)

	hr := readLines(t, fmt.Sprintf("%s/hr_1700000000.csv", dataDir))
	require.Len(t, hr, 4)
	assert.Equal(t, `"P1","1","3","2023-11-14T22:13:20Z","rest"`, hr[0])
	assert.Equal(t, "time,bpm,rr", hr[1])
	assert.Equal(t, []string{"0,72,800,810", "1,75"}, hr[2:])

	acc := readLines(t, fmt.Sprintf("%s/acc_1700000000.csv", dataDir))
	assert.Equal(t, []string{"time,x,y,z", "1000,1,2,3"}, acc[1:])

	ecg := readLines(t, fmt.Sprintf("%s/ecg_1700000000.csv", dataDir))
	assert.Equal(t, []string{"time,val", "1000,42", "1000,-7"}, ecg[1:])

	_, err = c.StopCapture(context.Background())
	assert.True(t, errors.Is(err, ErrMissingActiveCapture))

	// A second session on the same connection gets fresh files
	sess2, err := c.StartCapture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, session.Prefix("1700000001"), sess2.Prefix)
	_, err = c.StopCapture(context.Background())
	require.NoError(t, err)

	path, ok := c.Registry().ResolvePath(record.ECG)
	require.True(t, ok)
	assert.Equal(t, fmt.Sprintf("%s/ecg_1700000001.csv", dataDir), path)
}

func TestStopCapture_WithoutSession(t *testing.T) {
	c, _, _ := connected(t)
	_, err := c.StopCapture(context.Background())
	assert.True(t, errors.Is(err, ErrMissingActiveCapture))
}

func TestConnect_RetriesTransientFailures(t *testing.T) {
	conn := &fakeConnector{failures: 2}
	c, _ := newTestController(t, conn)
	require.NoError(t, c.SetConfig(context.Background(), testConfig))

	require.NoError(t, c.Connect(context.Background(), "DEV1"))
	defer c.Shutdown(context.Background())

	assert.Equal(t, 3, conn.Attempts())
	st := c.Status()
	assert.Equal(t, StateConnected, st.State)
	assert.Equal(t, "DEV1", st.DeviceID)
}

func TestConnect_NoAdapterIsNotRetried(t *testing.T) {
	conn := &fakeConnector{fatal: true}
	c, _ := newTestController(t, conn)
	require.NoError(t, c.SetConfig(context.Background(), testConfig))

	err := c.Connect(context.Background(), "DEV1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, sensor.ErrNoAdapter))
	assert.Equal(t, 1, conn.Attempts())
	assert.Equal(t, StateDisconnected, c.Status().State)
}

func TestConnect_AlreadyConnected(t *testing.T) {
	c, _, _ := connected(t)
	err := c.Connect(context.Background(), "DEV1")
	assert.True(t, errors.Is(err, ErrAlreadyConnected))
}

func TestCancelConnect(t *testing.T) {
	conn := &fakeConnector{failures: 1 << 30}
	c, _ := newTestController(t, conn)
	require.NoError(t, c.SetConfig(context.Background(), testConfig))

	// Nothing pending
	c.CancelConnect()

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Connect(context.Background(), "DEV1")
	}()

	require.Eventually(t, func() bool {
		return conn.Attempts() >= 2
	}, 2*time.Second, time.Millisecond)

	err := c.Connect(context.Background(), "DEV1")
	assert.True(t, errors.Is(err, ErrConnectInProgress))

	c.CancelConnect()

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, ErrConnectCancelled))
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return after CancelConnect")
	}
	assert.Equal(t, StateDisconnected, c.Status().State)
}

func TestDisconnect_AbandonsPendingConnect(t *testing.T) {
	conn := &fakeConnector{hang: true}
	c, _ := newTestController(t, conn)
	require.NoError(t, c.SetConfig(context.Background(), testConfig))

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Connect(context.Background(), "DEV1")
	}()
	require.Eventually(t, func() bool {
		return c.Status().State == StateConnecting && conn.Attempts() == 1
	}, 2*time.Second, time.Millisecond)

	require.NoError(t, c.Disconnect(context.Background()))
	assert.Equal(t, StateDisconnected, c.Status().State)

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return after Disconnect")
	}
}

func TestDisconnect_StopsRunningCapture(t *testing.T) {
	c, conn, dataDir := connected(t)
	s := conn.lastSensor(t)

	_, err := c.StartCapture(context.Background())
	require.NoError(t, err)
	s.events <- sensor.HeartRate{BPM: 61, RR: []uint16{983}}

	require.NoError(t, c.Disconnect(context.Background()))
	assert.Equal(t, StateDisconnected, c.Status().State)
	assert.True(t, s.isClosed())

	report, ok := c.LastReport()
	require.True(t, ok)
	assert.Equal(t, session.Prefix("1700000000"), report.Prefix)

	hr := readLines(t, fmt.Sprintf("%s/hr_1700000000.csv", dataDir))
	assert.Equal(t, "0,61,983", hr[len(hr)-1])

	// Idempotent
	require.NoError(t, c.Disconnect(context.Background()))
}

func TestCapture_LinkLossEndsSession(t *testing.T) {
	c, conn, dataDir := connected(t)
	s := conn.lastSensor(t)

	_, err := c.StartCapture(context.Background())
	require.NoError(t, err)
	s.events <- sensor.Measurement{Timestamp: 5, Samples: []sensor.Sample{sensor.ECG{Value: 9}}}
	close(s.lost)

	require.Eventually(t, func() bool {
		return c.Status().State == StateDisconnected
	}, 2*time.Second, time.Millisecond)

	report, ok := c.LastReport()
	require.True(t, ok)
	assert.Error(t, report.LoopErr)
	assert.True(t, s.isClosed())

	ecg := readLines(t, fmt.Sprintf("%s/ecg_1700000000.csv", dataDir))
	assert.Equal(t, "5,9", ecg[len(ecg)-1])

	_, err = c.StopCapture(context.Background())
	assert.True(t, errors.Is(err, ErrMissingActiveCapture))
}

func TestSetConfig_WhileStreaming(t *testing.T) {
	c, conn, _ := connected(t)

	updated := testConfig
	updated.Range = 4
	updated.Rate = 50
	require.NoError(t, c.SetConfig(context.Background(), updated))

	s := conn.lastSensor(t)
	s.mu.Lock()
	require.Len(t, s.settings, 2)
	assert.Equal(t, uint8(4), s.settings[1].Range)
	assert.Equal(t, uint8(50), s.settings[1].SampleRate)
	s.mu.Unlock()

	_, err := c.StartCapture(context.Background())
	require.NoError(t, err)

	err = c.SetConfig(context.Background(), testConfig)
	assert.True(t, errors.Is(err, ErrCaptureActive))

	cfg, ok := c.Config()
	require.True(t, ok)
	assert.Equal(t, uint8(4), cfg.Range)
}

func TestStatus_RunningSession(t *testing.T) {
	c, conn, _ := connected(t)
	s := conn.lastSensor(t)

	_, err := c.StartCapture(context.Background())
	require.NoError(t, err)
	s.events <- sensor.HeartRate{BPM: 80}

	require.Eventually(t, func() bool {
		st := c.Status()
		return st.Session != nil && st.Session.Channels[0].Records == 1
	}, 2*time.Second, time.Millisecond)

	st := c.Status()
	assert.Equal(t, StateStreaming, st.State)
	require.NotNil(t, st.Config)
	assert.Equal(t, "P1", st.Config.ParticipantID)
	require.Len(t, st.Session.Channels, 3)
	assert.Equal(t, record.HeartRate, st.Session.Channels[0].Channel)

	require.NoError(t, c.FlushChannel(record.HeartRate))
}
