package record

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMeta() Metadata {
	return Metadata{
		ParticipantID: "P1",
		SessionNumber: 1,
		TrialID:       3,
		Description:   "rest",
		CapturedAt:    time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC),
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := strings.TrimSuffix(string(data), "\n")
	return strings.Split(text, "\n")
}

func TestOpen_WritesMetadataAndHeader(t *testing.T) {
	for _, ch := range Channels {
		t.Run(string(ch), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), string(ch)+".csv")
			s, err := Open(ch, path, testMeta(), 0)
			require.NoError(t, err)
			require.NoError(t, s.Close())

			lines := readLines(t, path)
			require.Len(t, lines, 2)
			assert.Equal(t, `"P1","1","3","2024-03-01T12:30:00Z","rest"`, lines[0])
			assert.Equal(t, ch.Header(), lines[1])
		})
	}
}

func TestOpen_TruncatesExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ecg.csv")
	require.NoError(t, os.WriteFile(path, []byte("stale\nstale\nstale\nstale\n"), 0644))

	s, err := Open(ECG, path, testMeta(), 0)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	assert.Len(t, readLines(t, path), 2)
}

func TestOpen_MissingDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "hr.csv")
	_, err := Open(HeartRate, path, testMeta(), 0)

	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "open", storageErr.Op)
	assert.Equal(t, HeartRate, storageErr.Channel)
}

func TestMetadataLine_EscapesQuotes(t *testing.T) {
	meta := testMeta()
	meta.ParticipantID = `P,1`
	meta.Description = `said "hi", left`

	assert.Equal(t, `"P,1","1","3","2024-03-01T12:30:00Z","said ""hi"", left"`, meta.Line())
}

func TestSink_HeartRateLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hr.csv")
	s, err := Open(HeartRate, path, testMeta(), 0)
	require.NoError(t, err)

	require.NoError(t, s.Append(HeartRateRecord{BPM: 72, RR: []uint16{800, 810}}))
	require.NoError(t, s.Append(HeartRateRecord{BPM: 75}))
	require.NoError(t, s.Close())

	lines := readLines(t, path)
	require.Len(t, lines, 4)
	assert.Equal(t, "0,72,800,810", lines[2])
	assert.Equal(t, "1,75", lines[3])
	assert.Equal(t, uint64(2), s.Count())
}

func TestSink_MeasurementLines(t *testing.T) {
	dir := t.TempDir()
	acc, err := Open(Accelerometer, filepath.Join(dir, "acc.csv"), testMeta(), 0)
	require.NoError(t, err)
	ecg, err := Open(ECG, filepath.Join(dir, "ecg.csv"), testMeta(), 0)
	require.NoError(t, err)

	require.NoError(t, acc.Append(AccelerometerRecord{Timestamp: 1000, X: 1, Y: 2, Z: 3}))
	require.NoError(t, acc.Append(AccelerometerRecord{Timestamp: 1001, X: -1, Y: 0, Z: -998}))
	require.NoError(t, ecg.Append(ECGRecord{Timestamp: 1000, Value: 42}))
	require.NoError(t, acc.Close())
	require.NoError(t, ecg.Close())

	accLines := readLines(t, acc.Path())
	assert.Equal(t, []string{"1000,1,2,3", "1001,-1,0,-998"}, accLines[2:])
	assert.Equal(t, []string{"1000,42"}, readLines(t, ecg.Path())[2:])
}

func TestSink_RejectsForeignRecord(t *testing.T) {
	s, err := Open(ECG, filepath.Join(t.TempDir(), "ecg.csv"), testMeta(), 0)
	require.NoError(t, err)
	defer s.Close()

	assert.Error(t, s.Append(HeartRateRecord{BPM: 60}))
	assert.Equal(t, uint64(0), s.Count())
}

func TestSink_ConcurrentHeartRateIsGapFree(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hr.csv")
	s, err := Open(HeartRate, path, testMeta(), 0)
	require.NoError(t, err)

	const writers, perWriter = 8, 250
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				assert.NoError(t, s.Append(HeartRateRecord{BPM: uint8(60 + w), RR: []uint16{uint16(i)}}))
			}
		}(w)
	}
	wg.Wait()
	require.NoError(t, s.Close())

	lines := readLines(t, path)[2:]
	require.Len(t, lines, writers*perWriter)
	for i, line := range lines {
		fields := strings.Split(line, ",")
		require.Len(t, fields, 3, "line %d: %q", i, line)
		seq, err := strconv.Atoi(fields[0])
		require.NoError(t, err)
		assert.Equal(t, i, seq)
	}
}

func TestSink_ConcurrentMeasurementsDoNotInterleave(t *testing.T) {
	dir := t.TempDir()
	acc, err := Open(Accelerometer, filepath.Join(dir, "acc.csv"), testMeta(), 256)
	require.NoError(t, err)
	ecg, err := Open(ECG, filepath.Join(dir, "ecg.csv"), testMeta(), 256)
	require.NoError(t, err)

	const writers, perWriter = 6, 500
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(2)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				assert.NoError(t, acc.Append(AccelerometerRecord{Timestamp: uint64(i), X: int32(w), Y: -int32(w), Z: 1000}))
			}
		}(w)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				assert.NoError(t, ecg.Append(ECGRecord{Timestamp: uint64(i), Value: int32(w * 100)}))
			}
		}(w)
	}
	wg.Wait()
	require.NoError(t, acc.Close())
	require.NoError(t, ecg.Close())

	accLines := readLines(t, acc.Path())[2:]
	require.Len(t, accLines, writers*perWriter)
	for _, line := range accLines {
		fields := strings.Split(line, ",")
		require.Len(t, fields, 4, "corrupted line %q", line)
		assert.Equal(t, "1000", fields[3])
	}

	ecgLines := readLines(t, ecg.Path())[2:]
	require.Len(t, ecgLines, writers*perWriter)
	for _, line := range ecgLines {
		assert.Len(t, strings.Split(line, ","), 2, "corrupted line %q", line)
	}
}

func TestSink_FlushIsIdempotent(t *testing.T) {
	s, err := Open(ECG, filepath.Join(t.TempDir(), "ecg.csv"), testMeta(), 0)
	require.NoError(t, err)

	require.NoError(t, s.Append(ECGRecord{Timestamp: 1, Value: 2}))
	require.NoError(t, s.Flush())
	require.NoError(t, s.Flush())
	assert.Equal(t, []string{"1,2"}, readLines(t, s.Path())[2:])

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.NoError(t, s.Flush())
}

func TestSink_AppendAfterClose(t *testing.T) {
	s, err := Open(Accelerometer, filepath.Join(t.TempDir(), "acc.csv"), testMeta(), 0)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	err = s.Append(AccelerometerRecord{Timestamp: 1})
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestSink_WriteFailureDoesNotAdvanceSequence(t *testing.T) {
	s, err := Open(HeartRate, filepath.Join(t.TempDir(), "hr.csv"), testMeta(), 16)
	require.NoError(t, err)

	require.NoError(t, s.Append(HeartRateRecord{BPM: 72}))
	require.NoError(t, s.file.Close())

	var storageErr *StorageError
	require.ErrorAs(t, s.Flush(), &storageErr)
	assert.Equal(t, "flush", storageErr.Op)

	require.Error(t, s.Append(HeartRateRecord{BPM: 73}))
	assert.Equal(t, uint64(1), s.Count())
	assert.Error(t, s.Close())
}
