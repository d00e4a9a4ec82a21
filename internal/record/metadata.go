package record

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ParseMetadata reads back a line produced by Metadata.Line
func ParseMetadata(line string) (Metadata, error) {
	var m Metadata

	fields, err := csv.NewReader(strings.NewReader(line)).Read()
	if err != nil {
		return m, fmt.Errorf("parse metadata: %w", err)
	}
	if len(fields) != 5 {
		return m, fmt.Errorf("parse metadata: expected 5 fields, got %d", len(fields))
	}

	m.ParticipantID = fields[0]
	if m.SessionNumber, err = strconv.ParseUint(fields[1], 10, 64); err != nil {
		return m, fmt.Errorf("parse metadata: session number: %w", err)
	}
	if m.TrialID, err = strconv.ParseUint(fields[2], 10, 64); err != nil {
		return m, fmt.Errorf("parse metadata: trial id: %w", err)
	}
	if m.CapturedAt, err = time.Parse(time.RFC3339, fields[3]); err != nil {
		return m, fmt.Errorf("parse metadata: timestamp: %w", err)
	}
	m.Description = fields[4]
	return m, nil
}

// ReadMetadata parses the first line of a channel file
func ReadMetadata(path string) (Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return Metadata{}, err
	}
	defer f.Close()

	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && line == "" {
		return Metadata{}, fmt.Errorf("read metadata from %s: %w", path, err)
	}
	m, err := ParseMetadata(strings.TrimRight(line, "\r\n"))
	if err != nil {
		return Metadata{}, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}
