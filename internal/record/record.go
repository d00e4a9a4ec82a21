package record

import (
	"strconv"
	"strings"
	"time"
)

// Record is a single observation destined for one channel's sink
type Record interface {
	Channel() Channel
	// appendLine appends the CSV line without the trailing newline.
	// seq is only meaningful for heart-rate records.
	appendLine(dst []byte, seq uint64) []byte
}

// HeartRateRecord carries beats per minute and zero or more beat-to-beat intervals
type HeartRateRecord struct {
	BPM uint8
	RR  []uint16
}

func (HeartRateRecord) Channel() Channel { return HeartRate }

func (r HeartRateRecord) appendLine(dst []byte, seq uint64) []byte {
	dst = strconv.AppendUint(dst, seq, 10)
	dst = append(dst, ',')
	dst = strconv.AppendUint(dst, uint64(r.BPM), 10)
	for _, rr := range r.RR {
		dst = append(dst, ',')
		dst = strconv.AppendUint(dst, uint64(rr), 10)
	}
	return dst
}

// AccelerometerRecord is one 3-axis reading
type AccelerometerRecord struct {
	Timestamp uint64
	X, Y, Z   int32
}

func (AccelerometerRecord) Channel() Channel { return Accelerometer }

func (r AccelerometerRecord) appendLine(dst []byte, _ uint64) []byte {
	dst = strconv.AppendUint(dst, r.Timestamp, 10)
	for _, v := range [3]int32{r.X, r.Y, r.Z} {
		dst = append(dst, ',')
		dst = strconv.AppendInt(dst, int64(v), 10)
	}
	return dst
}

// ECGRecord is one scalar ECG reading in microvolts
type ECGRecord struct {
	Timestamp uint64
	Value     int32
}

func (ECGRecord) Channel() Channel { return ECG }

func (r ECGRecord) appendLine(dst []byte, _ uint64) []byte {
	dst = strconv.AppendUint(dst, r.Timestamp, 10)
	dst = append(dst, ',')
	return strconv.AppendInt(dst, int64(r.Value), 10)
}

// Metadata is written as the first line of every channel file
type Metadata struct {
	ParticipantID string
	SessionNumber uint64
	TrialID       uint64
	Description   string
	CapturedAt    time.Time
}

// Line renders the metadata with every field quoted so embedded commas and
// quotes survive.
func (m Metadata) Line() string {
	fields := []string{
		m.ParticipantID,
		strconv.FormatUint(m.SessionNumber, 10),
		strconv.FormatUint(m.TrialID, 10),
		m.CapturedAt.UTC().Format(time.RFC3339),
		m.Description,
	}
	var b strings.Builder
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		b.WriteString(strings.ReplaceAll(f, `"`, `""`))
		b.WriteByte('"')
	}
	return b.String()
}
