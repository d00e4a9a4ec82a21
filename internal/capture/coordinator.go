package capture

import (
	"errors"
	"log/slog"

	"github.com/audiolibrelab/pulsecapture/internal/metrics"
	"github.com/audiolibrelab/pulsecapture/internal/record"
	"golang.org/x/sync/errgroup"
)

// closeSinks flushes and closes every sink of a session concurrently. Each
// sink is attempted regardless of failures on the others and all errors are
// returned together. It returns only once every close has finished.
func closeSinks(sinks map[record.Channel]*record.Sink) error {
	var g errgroup.Group
	errs := make([]error, len(record.Channels))

	for i, ch := range record.Channels {
		s, ok := sinks[ch]
		if !ok {
			continue
		}
		g.Go(func() error {
			if err := s.Close(); err != nil {
				metrics.FlushErrors.WithLabelValues(string(ch)).Inc()
				slog.Error("Failed to flush channel sink", "channel", ch, "path", s.Path(), "error", err)
				errs[i] = err
			}
			return nil
		})
	}

	_ = g.Wait()
	return errors.Join(errs...)
}
