package record

import (
	"fmt"
	"strings"
)

// Channel identifies one of the independent physiological data streams
type Channel string

const (
	HeartRate     Channel = "hr"
	Accelerometer Channel = "acc"
	ECG           Channel = "ecg"
)

// Channels lists every channel in a stable order
var Channels = []Channel{HeartRate, Accelerometer, ECG}

// ParseChannel accepts the short file-name form or the long name of a channel
func ParseChannel(name string) (Channel, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "hr", "heart_rate", "heartrate":
		return HeartRate, nil
	case "acc", "accelerometer":
		return Accelerometer, nil
	case "ecg":
		return ECG, nil
	default:
		return "", fmt.Errorf("unknown channel %q (valid: hr, acc, ecg)", name)
	}
}

// Valid reports whether c is one of the known channels
func (c Channel) Valid() bool {
	switch c {
	case HeartRate, Accelerometer, ECG:
		return true
	}
	return false
}

// Header returns the column header line of the channel's schema.
// The heart-rate "time" column holds the per-session sequence number.
func (c Channel) Header() string {
	switch c {
	case HeartRate:
		return "time,bpm,rr"
	case Accelerometer:
		return "time,x,y,z"
	case ECG:
		return "time,val"
	default:
		return ""
	}
}

// DefaultBufferSize is the write buffer used for a channel when none is configured.
// Heart rate arrives about once per second so it keeps a small buffer.
func DefaultBufferSize(c Channel) int {
	if c == HeartRate {
		return 1024
	}
	return 64 * 1024
}

func (c Channel) String() string {
	return string(c)
}
