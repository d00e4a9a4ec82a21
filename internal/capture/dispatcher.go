package capture

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/audiolibrelab/pulsecapture/internal/metrics"
	"github.com/audiolibrelab/pulsecapture/internal/record"
	"github.com/audiolibrelab/pulsecapture/internal/sensor"
	"github.com/prometheus/client_golang/prometheus"
)

// channelFailures tracks dropped records of one channel
type channelFailures struct {
	dropped uint64
	first   error
}

// Dispatcher routes incoming sensor data to the session's channel sinks.
// A record that fails to store is dropped and counted, the first error per
// channel is kept for the session report, and capture carries on.
type Dispatcher struct {
	sinks   map[record.Channel]*record.Sink
	stop    *atomic.Bool
	written map[record.Channel]prometheus.Counter
	dropped map[record.Channel]prometheus.Counter

	mu       sync.Mutex
	failures map[record.Channel]*channelFailures
}

// NewDispatcher creates a dispatcher writing into sinks. The event loop keeps
// running until stop is set.
func NewDispatcher(sinks map[record.Channel]*record.Sink, stop *atomic.Bool) *Dispatcher {
	d := &Dispatcher{
		sinks:    sinks,
		stop:     stop,
		written:  make(map[record.Channel]prometheus.Counter, len(record.Channels)),
		dropped:  make(map[record.Channel]prometheus.Counter, len(record.Channels)),
		failures: make(map[record.Channel]*channelFailures, len(record.Channels)),
	}
	for _, ch := range record.Channels {
		d.written[ch] = metrics.RecordsWritten.WithLabelValues(string(ch))
		d.dropped[ch] = metrics.RecordsDropped.WithLabelValues(string(ch))
	}
	return d
}

// HeartRate stores one heart-rate notification
func (d *Dispatcher) HeartRate(ctx context.Context, hr sensor.HeartRate) {
	d.dispatch(ctx, 0, hr)
}

// Measurement fans the samples of one batch out to their channels. Every
// sample shares the batch timestamp.
func (d *Dispatcher) Measurement(ctx context.Context, m sensor.Measurement) {
	for _, s := range m.Samples {
		d.dispatch(ctx, m.Timestamp, s)
	}
}

// ShouldContinue reports false once a stop has been requested
func (d *Dispatcher) ShouldContinue() bool {
	return !d.stop.Load()
}

func (d *Dispatcher) dispatch(ctx context.Context, ts uint64, s sensor.Sample) {
	var rec record.Record
	switch v := s.(type) {
	case sensor.HeartRate:
		rec = record.HeartRateRecord{BPM: v.BPM, RR: v.RR}
	case sensor.Acceleration:
		rec = record.AccelerometerRecord{Timestamp: ts, X: v.X, Y: v.Y, Z: v.Z}
	case sensor.ECG:
		rec = record.ECGRecord{Timestamp: ts, Value: v.Value}
	default:
		slog.WarnContext(ctx, "Ignoring unknown sample type", "sample", s)
		return
	}

	ch := rec.Channel()
	sink, ok := d.sinks[ch]
	if !ok {
		d.fail(ctx, ch, &record.StorageError{Channel: ch, Op: "append", Err: record.ErrClosed})
		return
	}
	if err := sink.Append(rec); err != nil {
		d.fail(ctx, ch, err)
		return
	}
	d.written[ch].Inc()
}

func (d *Dispatcher) fail(ctx context.Context, ch record.Channel, err error) {
	d.dropped[ch].Inc()

	d.mu.Lock()
	f, ok := d.failures[ch]
	if !ok {
		f = &channelFailures{}
		d.failures[ch] = f
	}
	f.dropped++
	first := f.first == nil
	if first {
		f.first = err
	}
	d.mu.Unlock()

	// Storage failures tend to repeat for every following record
	if first {
		slog.ErrorContext(ctx, "Dropping record after storage error", "channel", ch, "error", err)
	} else {
		slog.DebugContext(ctx, "Dropping record after storage error", "channel", ch, "error", err)
	}
}

// Dropped returns how many records of ch were dropped and the first error seen
func (d *Dispatcher) Dropped(ch record.Channel) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.failures[ch]
	if !ok {
		return 0, nil
	}
	return f.dropped, f.first
}

// Flush pushes buffered records of ch to the file without ending the session
func (d *Dispatcher) Flush(ch record.Channel) error {
	sink, ok := d.sinks[ch]
	if !ok {
		return nil
	}
	return sink.Flush()
}
