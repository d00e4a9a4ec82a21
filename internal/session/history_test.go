package session

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/audiolibrelab/pulsecapture/internal/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSessionFiles(t *testing.T, r *Registry, prefix Prefix, participant string) {
	t.Helper()
	meta := record.Metadata{ParticipantID: participant, SessionNumber: 1, TrialID: 2, CapturedAt: time.Unix(10, 0)}
	for _, ch := range record.Channels {
		s, err := record.Open(ch, r.PathFor(ch, prefix), meta, 0)
		require.NoError(t, err)
		require.NoError(t, s.Close())
	}
}

func TestSessions_ListsByPrefix(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir)

	writeSessionFiles(t, r, "900", "A")
	writeSessionFiles(t, r, "1000", "B")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "eeg_5.csv"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hr_abc.csv"), nil, 0644))

	sessions, err := r.Sessions()
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, Prefix("900"), sessions[0].Prefix)
	assert.Equal(t, Prefix("1000"), sessions[1].Prefix)
	assert.Len(t, sessions[1].Files, 3)
}

func TestSessions_MissingDataDir(t *testing.T) {
	r := NewRegistry(filepath.Join(t.TempDir(), "absent"))
	sessions, err := r.Sessions()
	require.NoError(t, err)
	assert.Empty(t, sessions)

	_, err = r.Restore("")
	assert.True(t, errors.Is(err, ErrNoSession))
}

func TestRestore(t *testing.T) {
	dir := t.TempDir()
	writer := NewRegistry(dir)
	writeSessionFiles(t, writer, "900", "A")
	writeSessionFiles(t, writer, "1000", "B")

	r := NewRegistry(dir)
	s, err := r.Restore("")
	require.NoError(t, err)
	assert.Equal(t, Prefix("1000"), s.Prefix)
	assert.Equal(t, "B", s.Config.ParticipantID)

	name, err := r.ExportName(record.ECG)
	require.NoError(t, err)
	assert.Equal(t, "B_1_2_ecg_1000.csv", name)

	s, err = r.Restore("900")
	require.NoError(t, err)
	assert.Equal(t, "A", s.Config.ParticipantID)
	p, ok := r.ResolvePath(record.HeartRate)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "hr_900.csv"), p)

	_, err = r.Restore("42")
	assert.True(t, errors.Is(err, ErrNoSession))

	// New sessions never reuse a restored prefix
	next := r.BeginSession(time.Unix(500, 0), s.Config)
	assert.Equal(t, Prefix("1001"), next.Prefix)
}

func TestRestore_DropsChannelsMissingFromSession(t *testing.T) {
	dir := t.TempDir()
	writer := NewRegistry(dir)
	writeSessionFiles(t, writer, "100", "A")

	meta := record.Metadata{ParticipantID: "B", CapturedAt: time.Unix(200, 0)}
	s, err := record.Open(record.HeartRate, writer.PathFor(record.HeartRate, "200"), meta, 0)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	r := NewRegistry(dir)
	_, err = r.Restore("100")
	require.NoError(t, err)
	_, ok := r.ResolvePath(record.ECG)
	require.True(t, ok)

	_, err = r.Restore("200")
	require.NoError(t, err)

	p, ok := r.ResolvePath(record.HeartRate)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "hr_200.csv"), p)

	_, ok = r.ResolvePath(record.ECG)
	assert.False(t, ok, "ecg of session 100 must not be exported under session 200")
	_, err = r.Export(record.ECG, t.TempDir())
	assert.True(t, errors.Is(err, ErrNoSession))
}
