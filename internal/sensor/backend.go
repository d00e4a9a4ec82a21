package sensor

import (
	"strings"

	"github.com/audiolibrelab/pulsecapture/internal/config"
)

// BackendType represents the type of sensor backend
type BackendType string

const (
	BackendTypeSimulated BackendType = "simulated"
)

// NewConnector creates a connector using the backend selected by configuration
func NewConnector(cfg *config.Config) Connector {
	switch determineBackend(cfg) {
	case BackendTypeSimulated:
		return NewSimulatedConnector(cfg.Sensor.Simulated)
	default:
		return NewSimulatedConnector(cfg.Sensor.Simulated)
	}
}

func determineBackend(cfg *config.Config) BackendType {
	switch strings.ToLower(cfg.Sensor.Backend) {
	case "simulated", "":
		return BackendTypeSimulated
	}
	return BackendTypeSimulated
}

// GetAvailableBackends returns the backends compiled into this binary
func GetAvailableBackends() []BackendType {
	return []BackendType{BackendTypeSimulated}
}
