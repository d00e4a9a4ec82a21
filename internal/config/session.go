package config

import (
	"fmt"
	"os"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// Accepted acquisition settings of the sensor
var (
	ValidRanges      = []uint8{2, 4, 8}
	ValidSampleRates = []uint8{25, 50, 100, 200}
)

// SessionConfig describes one capture run. It is supplied by the command
// surface and never changes while a session is streaming.
type SessionConfig struct {
	ParticipantID string `json:"participant_id" yaml:"participant_id"`
	SessionNumber uint64 `json:"session_number" yaml:"session_number"`
	TrialID       uint64 `json:"trial_id" yaml:"trial_id"`
	Description   string `json:"description" yaml:"description"`
	Range         uint8  `json:"range" yaml:"range"` // accelerometer range in g
	Rate          uint8  `json:"rate" yaml:"rate"`   // accelerometer sample rate in Hz
}

// Validate checks identifiers and acquisition settings
func (s SessionConfig) Validate() error {
	if strings.TrimSpace(s.ParticipantID) == "" {
		return fmt.Errorf("'participant_id' is required")
	}
	// The metadata line must stay a single line
	if strings.ContainsFunc(s.ParticipantID, unicode.IsControl) {
		return fmt.Errorf("'participant_id' must not contain control characters")
	}
	if strings.ContainsFunc(s.Description, unicode.IsControl) {
		return fmt.Errorf("'description' must not contain control characters")
	}
	if !contains(ValidRanges, s.Range) {
		return fmt.Errorf("'range' must be one of %v, got: %d", ValidRanges, s.Range)
	}
	if !contains(ValidSampleRates, s.Rate) {
		return fmt.Errorf("'rate' must be one of %v, got: %d", ValidSampleRates, s.Rate)
	}
	return nil
}

// LoadSessionFile reads a SessionConfig from a YAML file
func LoadSessionFile(path string) (SessionConfig, error) {
	var s SessionConfig

	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("failed to read session file: %w", err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("failed to parse session file %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return s, fmt.Errorf("invalid session file %s: %w", path, err)
	}
	return s, nil
}

func contains(values []uint8, v uint8) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
