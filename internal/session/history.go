package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/audiolibrelab/pulsecapture/internal/config"
	"github.com/audiolibrelab/pulsecapture/internal/record"
)

// Recorded is a session found on disk
type Recorded struct {
	Prefix Prefix
	Files  map[record.Channel]string
}

// Sessions lists the sessions in the data directory, oldest first
func (r *Registry) Sessions() ([]Recorded, error) {
	entries, err := os.ReadDir(r.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}

	byPrefix := make(map[Prefix]*Recorded)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ch, prefix, ok := parseFileName(e.Name())
		if !ok {
			continue
		}
		rec, exists := byPrefix[prefix]
		if !exists {
			rec = &Recorded{Prefix: prefix, Files: make(map[record.Channel]string)}
			byPrefix[prefix] = rec
		}
		rec.Files[ch] = filepath.Join(r.dataDir, e.Name())
	}

	out := make([]Recorded, 0, len(byPrefix))
	for _, rec := range byPrefix {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return prefixValue(out[i].Prefix) < prefixValue(out[j].Prefix)
	})
	return out, nil
}

// Restore makes a session recorded by an earlier run the current one so its
// files can be exported. An empty prefix selects the newest session. New
// prefixes handed out afterwards stay above every restored one.
func (r *Registry) Restore(prefix Prefix) (Session, error) {
	sessions, err := r.Sessions()
	if err != nil {
		return Session{}, err
	}
	if len(sessions) == 0 {
		return Session{}, ErrNoSession
	}

	found := sessions[len(sessions)-1]
	if prefix != "" {
		var ok bool
		for _, s := range sessions {
			if s.Prefix == prefix {
				found, ok = s, true
				break
			}
		}
		if !ok {
			return Session{}, fmt.Errorf("session %s: %w", prefix, ErrNoSession)
		}
	}

	var meta record.Metadata
	for _, ch := range record.Channels {
		path, ok := found.Files[ch]
		if !ok {
			continue
		}
		if meta, err = record.ReadMetadata(path); err == nil {
			break
		}
	}
	if err != nil {
		return Session{}, fmt.Errorf("session %s: %w", found.Prefix, err)
	}

	s := Session{
		Prefix: found.Prefix,
		Config: config.SessionConfig{
			ParticipantID: meta.ParticipantID,
			SessionNumber: meta.SessionNumber,
			TrialID:       meta.TrialID,
			Description:   meta.Description,
		},
		StartedAt: meta.CapturedAt,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if newest := prefixValue(sessions[len(sessions)-1].Prefix); newest > r.last {
		r.last = newest
	}
	r.current = &s
	r.paths = make(map[record.Channel]string, len(found.Files))
	for ch, path := range found.Files {
		r.paths[ch] = path
	}
	return s, nil
}

// parseFileName splits "{channel}_{prefix}.csv"
func parseFileName(name string) (record.Channel, Prefix, bool) {
	base, ok := strings.CutSuffix(name, ".csv")
	if !ok {
		return "", "", false
	}
	chPart, prefixPart, ok := strings.Cut(base, "_")
	if !ok {
		return "", "", false
	}
	ch := record.Channel(chPart)
	if !ch.Valid() {
		return "", "", false
	}
	if _, err := strconv.ParseInt(prefixPart, 10, 64); err != nil {
		return "", "", false
	}
	return ch, Prefix(prefixPart), true
}

func prefixValue(p Prefix) int64 {
	v, _ := strconv.ParseInt(string(p), 10, 64)
	return v
}
