package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/audiolibrelab/pulsecapture/internal/config"
	"github.com/audiolibrelab/pulsecapture/internal/record"
	"github.com/google/renameio/v2"
)

// ErrNoSession is returned when no capture session has been started yet
var ErrNoSession = errors.New("no capture session has been started")

// Prefix disambiguates the files of one capture session from earlier runs
type Prefix string

// Session describes the most recently started capture session
type Session struct {
	Prefix    Prefix
	Config    config.SessionConfig
	StartedAt time.Time
}

// Registry hands out session prefixes, resolves output paths under the data
// directory and remembers the latest file per channel for export.
type Registry struct {
	dataDir string

	mu      sync.RWMutex
	last    int64
	current *Session
	paths   map[record.Channel]string
}

// NewRegistry creates a registry rooted at dataDir
func NewRegistry(dataDir string) *Registry {
	return &Registry{
		dataDir: dataDir,
		paths:   make(map[record.Channel]string),
	}
}

// DataDir returns the directory channel files are written to
func (r *Registry) DataDir() string {
	return r.dataDir
}

// BeginSession starts a new session and returns it. The prefix is the start
// time in unix seconds, bumped past the previous prefix when two sessions start
// within the same second so no two sessions ever share file names.
func (r *Registry) BeginSession(now time.Time, cfg config.SessionConfig) Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	secs := now.Unix()
	if secs <= r.last {
		secs = r.last + 1
	}
	r.last = secs

	s := Session{
		Prefix:    Prefix(strconv.FormatInt(secs, 10)),
		Config:    cfg,
		StartedAt: now,
	}
	r.current = &s
	return s
}

// PathFor returns {dataDir}/{channel}_{prefix}.csv
func (r *Registry) PathFor(ch record.Channel, prefix Prefix) string {
	return filepath.Join(r.dataDir, fmt.Sprintf("%s_%s.csv", ch, prefix))
}

// RegisterPath records path as the latest file of ch, replacing older entries
func (r *Registry) RegisterPath(ch record.Channel, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths[ch] = path
}

// ResolvePath returns the latest registered file of ch
func (r *Registry) ResolvePath(ch record.Channel) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.paths[ch]
	return p, ok
}

// Current returns the most recently started session
func (r *Registry) Current() (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.current == nil {
		return Session{}, false
	}
	return *r.current, true
}

// ExportName suggests a file name for exporting a channel of the current session
func (r *Registry) ExportName(ch record.Channel) (string, error) {
	s, ok := r.Current()
	if !ok {
		return "", ErrNoSession
	}
	return ExportName(s.Config, ch, s.Prefix), nil
}

// ExportName formats {participant}_{session}_{trial}_{channel}_{prefix}.csv
func ExportName(cfg config.SessionConfig, ch record.Channel, prefix Prefix) string {
	return fmt.Sprintf("%s_%d_%d_%s_%s.csv", cfg.ParticipantID, cfg.SessionNumber, cfg.TrialID, ch, prefix)
}

// Export copies the latest file of ch to dest. When dest is an existing
// directory the suggested export name is used inside it. The destination is
// replaced atomically. Returns the written path.
func (r *Registry) Export(ch record.Channel, dest string) (string, error) {
	src, ok := r.ResolvePath(ch)
	if !ok {
		return "", fmt.Errorf("export %s: %w", ch, ErrNoSession)
	}

	if info, err := os.Stat(dest); err == nil && info.IsDir() {
		name, err := r.ExportName(ch)
		if err != nil {
			return "", fmt.Errorf("export %s: %w", ch, err)
		}
		dest = filepath.Join(dest, name)
	}

	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("export %s: open source: %w", ch, err)
	}
	defer in.Close()

	pendingFile, err := renameio.NewPendingFile(dest, renameio.WithPermissions(0644))
	if err != nil {
		return "", fmt.Errorf("export %s: create pending file: %w", ch, err)
	}
	defer func() {
		if err := pendingFile.Cleanup(); err != nil {
			slog.Debug("cleanup pending export file", "error", err)
		}
	}()

	n, err := io.Copy(pendingFile, in)
	if err != nil {
		return "", fmt.Errorf("export %s: copy: %w", ch, err)
	}
	if err := pendingFile.CloseAtomicallyReplace(); err != nil {
		return "", fmt.Errorf("export %s: atomically replace %s: %w", ch, dest, err)
	}

	slog.Info("Exported channel file", "channel", ch, "source", src, "dest", dest, "bytes", n)
	return dest, nil
}
