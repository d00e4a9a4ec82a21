package record

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sync"
)

// Sink is the buffered, append-only CSV writer for one channel of one session.
// All methods are safe for concurrent use; writes are serialized by the sink's
// own lock so sinks of different channels never contend.
type Sink struct {
	channel Channel
	path    string

	mu      sync.Mutex
	file    *os.File
	w       *bufio.Writer
	seq     uint64 // next heart-rate sequence number
	count   uint64
	closed  bool
	scratch []byte

	closeOnce sync.Once
	closeErr  error
}

// Open creates or truncates path, writes the metadata and header lines and
// returns a sink ready for appends. bufSize <= 0 selects DefaultBufferSize.
func Open(channel Channel, path string, meta Metadata, bufSize int) (*Sink, error) {
	if !channel.Valid() {
		return nil, fmt.Errorf("open sink: invalid channel %q", channel)
	}
	if bufSize <= 0 {
		bufSize = DefaultBufferSize(channel)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, &StorageError{Channel: channel, Op: "open", Path: path, Err: err}
	}

	s := &Sink{
		channel: channel,
		path:    path,
		file:    file,
		w:       bufio.NewWriterSize(file, bufSize),
		scratch: make([]byte, 0, 64),
	}

	if _, err := s.w.WriteString(meta.Line() + "\n" + channel.Header() + "\n"); err != nil {
		file.Close()
		return nil, &StorageError{Channel: channel, Op: "write header", Path: path, Err: err}
	}
	// The preamble is flushed right away so a crashed session still leaves a
	// self-describing file behind.
	if err := s.w.Flush(); err != nil {
		file.Close()
		return nil, &StorageError{Channel: channel, Op: "write header", Path: path, Err: err}
	}

	return s, nil
}

// Channel returns the channel this sink persists
func (s *Sink) Channel() Channel {
	return s.channel
}

// Path returns the file this sink writes to. It never changes.
func (s *Sink) Path() string {
	return s.path
}

// Count returns how many records were accepted by the sink
func (s *Sink) Count() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Append writes one record as a single line. Heart-rate records receive their
// sequence number here, under the sink lock, and the counter only advances when
// the write was accepted.
func (s *Sink) Append(r Record) error {
	if r.Channel() != s.channel {
		return fmt.Errorf("append %s record to %s sink", r.Channel(), s.channel)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return &StorageError{Channel: s.channel, Op: "write", Path: s.path, Err: ErrClosed}
	}

	line := r.appendLine(s.scratch[:0], s.seq)
	line = append(line, '\n')
	s.scratch = line[:0]

	if _, err := s.w.Write(line); err != nil {
		return &StorageError{Channel: s.channel, Op: "write", Path: s.path, Err: err}
	}

	if s.channel == HeartRate {
		s.seq++
	}
	s.count++
	return nil
}

// Flush pushes buffered lines to the file. It may be called any number of
// times, including after Close.
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	if err := s.w.Flush(); err != nil {
		return &StorageError{Channel: s.channel, Op: "flush", Path: s.path, Err: err}
	}
	return nil
}

// Close flushes, syncs and closes the file. Only the first call does the work;
// later calls return the same result.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		var errs []error
		if err := s.w.Flush(); err != nil {
			errs = append(errs, &StorageError{Channel: s.channel, Op: "flush", Path: s.path, Err: err})
		}
		if err := s.file.Sync(); err != nil {
			errs = append(errs, &StorageError{Channel: s.channel, Op: "sync", Path: s.path, Err: err})
		}
		if err := s.file.Close(); err != nil {
			errs = append(errs, &StorageError{Channel: s.channel, Op: "close", Path: s.path, Err: err})
		}
		s.closed = true
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
