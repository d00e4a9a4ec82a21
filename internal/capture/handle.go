package capture

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/audiolibrelab/pulsecapture/internal/record"
	"github.com/audiolibrelab/pulsecapture/internal/sensor"
	"github.com/audiolibrelab/pulsecapture/internal/session"
)

// ChannelReport summarises one channel of a finished session
type ChannelReport struct {
	Channel record.Channel `json:"channel"`
	Path    string         `json:"path"`
	Records uint64         `json:"records"`
	Dropped uint64         `json:"dropped"`
	Error   string         `json:"error,omitempty"`
}

// Report is produced once the event loop of a session has ended and every
// sink has been flushed
type Report struct {
	Prefix    session.Prefix  `json:"prefix"`
	StartedAt time.Time       `json:"started_at"`
	StoppedAt time.Time       `json:"stopped_at"`
	Channels  []ChannelReport `json:"channels"`

	// StorageErr joins the first append error of each channel with any
	// flush errors from teardown
	StorageErr error `json:"-"`
	// LoopErr is set when the event loop ended because the link failed
	LoopErr error `json:"-"`
}

// StopHandle controls one running event loop. Requesting a stop sets the flag
// polled by the loop and cancels its context. The loop goroutine flushes all
// sinks itself before signalling done, so once done is closed the session's
// files are complete.
type StopHandle struct {
	session    session.Session
	sinks      map[record.Channel]*record.Sink
	dispatcher *Dispatcher

	stop   atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	// written by the loop goroutine before done is closed
	sensor sensor.Sensor
	report Report
}

// startLoop runs s.Run on its own goroutine. onExit is called after the loop
// has ended and the report is ready, whether or not a stop was requested.
func startLoop(s sensor.Sensor, sess session.Session, sinks map[record.Channel]*record.Sink, onExit func(*StopHandle)) *StopHandle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &StopHandle{
		session: sess,
		sinks:   sinks,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	h.dispatcher = NewDispatcher(sinks, &h.stop)

	go func() {
		loopErr := s.Run(ctx, h.dispatcher)
		flushErr := closeSinks(sinks)
		cancel()

		h.sensor = s
		h.report = h.buildReport(loopErr, flushErr)
		close(h.done)

		if onExit != nil {
			onExit(h)
		}
	}()
	return h
}

// requestStop asks the loop to end. It does not wait.
func (h *StopHandle) requestStop() {
	h.stop.Store(true)
	h.cancel()
}

// wait blocks until the loop has ended and its sinks are flushed
func (h *StopHandle) wait(ctx context.Context) (sensor.Sensor, Report, error) {
	select {
	case <-h.done:
		return h.sensor, h.report, nil
	case <-ctx.Done():
		return nil, Report{}, ctx.Err()
	}
}

// stopAndWait requests a stop and waits for the loop to finish
func (h *StopHandle) stopAndWait(ctx context.Context) (sensor.Sensor, Report, error) {
	h.requestStop()
	return h.wait(ctx)
}

func (h *StopHandle) buildReport(loopErr, flushErr error) Report {
	r := Report{
		Prefix:    h.session.Prefix,
		StartedAt: h.session.StartedAt,
		StoppedAt: time.Now(),
		LoopErr:   loopErr,
	}

	var errs []error
	for _, ch := range record.Channels {
		sink, ok := h.sinks[ch]
		if !ok {
			continue
		}
		dropped, first := h.dispatcher.Dropped(ch)
		cr := ChannelReport{
			Channel: ch,
			Path:    sink.Path(),
			Records: sink.Count(),
			Dropped: dropped,
		}
		if first != nil {
			cr.Error = first.Error()
			errs = append(errs, first)
		}
		r.Channels = append(r.Channels, cr)
	}
	if flushErr != nil {
		errs = append(errs, flushErr)
	}
	r.StorageErr = errors.Join(errs...)
	return r
}

// channelStatus reports the live counters of the running session
func (h *StopHandle) channelStatus() []ChannelReport {
	out := make([]ChannelReport, 0, len(h.sinks))
	for _, ch := range record.Channels {
		sink, ok := h.sinks[ch]
		if !ok {
			continue
		}
		dropped, first := h.dispatcher.Dropped(ch)
		cr := ChannelReport{Channel: ch, Path: sink.Path(), Records: sink.Count(), Dropped: dropped}
		if first != nil {
			cr.Error = first.Error()
		}
		out = append(out, cr)
	}
	return out
}
