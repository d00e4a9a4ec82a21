package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/audiolibrelab/pulsecapture/internal/record"
	"github.com/spf13/viper"
)

type Config struct {
	DataDir string       `mapstructure:"data_dir" yaml:"data_dir"`
	Sensor  SensorConfig `mapstructure:"sensor" yaml:"sensor"`
	Buffers BufferConfig `mapstructure:"buffers" yaml:"buffers"`
	Server  ServerConfig `mapstructure:"server" yaml:"server"`
	Log     LogConfig    `mapstructure:"log" yaml:"log"`
}

type SensorConfig struct {
	Backend       string          `mapstructure:"backend" yaml:"backend"` // "simulated"
	RetryInterval time.Duration   `mapstructure:"retry_interval" yaml:"retry_interval"`
	Simulated     SimulatedConfig `mapstructure:"simulated" yaml:"simulated"`
}

// SimulatedConfig drives the built-in simulated sensor backend
type SimulatedConfig struct {
	Devices           []string      `mapstructure:"devices" yaml:"devices"`
	HeartRateInterval time.Duration `mapstructure:"heart_rate_interval" yaml:"heart_rate_interval"`
	BatchInterval     time.Duration `mapstructure:"batch_interval" yaml:"batch_interval"`
	FailAttempts      int           `mapstructure:"fail_attempts" yaml:"fail_attempts"` // transient dial failures before success
	NoAdapter         bool          `mapstructure:"no_adapter" yaml:"no_adapter"`
}

// BufferConfig holds per-channel write buffer sizes in bytes; 0 means default
type BufferConfig struct {
	HeartRate     int `mapstructure:"heart_rate" yaml:"heart_rate"`
	Accelerometer int `mapstructure:"accelerometer" yaml:"accelerometer"`
	ECG           int `mapstructure:"ecg" yaml:"ecg"`
}

type ServerConfig struct {
	Port string `mapstructure:"port" yaml:"port"`
	// ExportDir bounds the destinations of server-side exports; empty means {data_dir}/exports
	ExportDir string `mapstructure:"export_dir" yaml:"export_dir"`
}

type LogConfig struct {
	File string `mapstructure:"file" yaml:"file"` // empty logs to stderr
}

var defaultConfig = Config{
	DataDir: filepath.Join(os.Getenv("HOME"), ".local", "share", "pulsecapture"),
	Sensor: SensorConfig{
		Backend:       "simulated",
		RetryInterval: time.Second,
		Simulated: SimulatedConfig{
			Devices:           []string{"SIM0001"},
			HeartRateInterval: time.Second,
			BatchInterval:     100 * time.Millisecond,
		},
	},
	Buffers: BufferConfig{
		HeartRate:     record.DefaultBufferSize(record.HeartRate),
		Accelerometer: record.DefaultBufferSize(record.Accelerometer),
		ECG:           record.DefaultBufferSize(record.ECG),
	},
	Server: ServerConfig{Port: "8080"},
}

// Default returns a copy of the built-in configuration
func Default() *Config {
	cfg := defaultConfig
	cfg.Sensor.Simulated.Devices = append([]string(nil), defaultConfig.Sensor.Simulated.Devices...)
	return &cfg
}

// Load reads configFile on top of the defaults. A missing file is not an error
// when allowMissing is set, so first runs work without any setup.
func Load(configFile string, allowMissing bool) (*Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("no config file specified, use --config flag")
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configFile)

	v.SetEnvPrefix("PULSECAPTURE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if !allowMissing || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.DataDir = expandPath(cfg.DataDir)
	cfg.Log.File = expandPath(cfg.Log.File)
	cfg.Server.ExportDir = expandPath(cfg.Server.ExportDir)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := defaultConfig
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("sensor.backend", d.Sensor.Backend)
	v.SetDefault("sensor.retry_interval", d.Sensor.RetryInterval)
	v.SetDefault("sensor.simulated.devices", d.Sensor.Simulated.Devices)
	v.SetDefault("sensor.simulated.heart_rate_interval", d.Sensor.Simulated.HeartRateInterval)
	v.SetDefault("sensor.simulated.batch_interval", d.Sensor.Simulated.BatchInterval)
	v.SetDefault("sensor.simulated.fail_attempts", 0)
	v.SetDefault("sensor.simulated.no_adapter", false)
	v.SetDefault("buffers.heart_rate", d.Buffers.HeartRate)
	v.SetDefault("buffers.accelerometer", d.Buffers.Accelerometer)
	v.SetDefault("buffers.ecg", d.Buffers.ECG)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.export_dir", "")
	v.SetDefault("log.file", "")
}

// Validate checks the application configuration
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("'data_dir' is required")
	}

	switch strings.ToLower(c.Sensor.Backend) {
	case "", "simulated":
	default:
		return fmt.Errorf("sensor.backend must be 'simulated', got: %s", c.Sensor.Backend)
	}

	if c.Sensor.RetryInterval < 0 {
		return fmt.Errorf("sensor.retry_interval must be >= 0, got: %s", c.Sensor.RetryInterval)
	}
	if c.Sensor.Simulated.FailAttempts < 0 {
		return fmt.Errorf("sensor.simulated.fail_attempts must be >= 0, got: %d", c.Sensor.Simulated.FailAttempts)
	}

	for name, size := range map[string]int{
		"heart_rate":    c.Buffers.HeartRate,
		"accelerometer": c.Buffers.Accelerometer,
		"ecg":           c.Buffers.ECG,
	} {
		if size < 0 {
			return fmt.Errorf("buffers.%s must be >= 0, got: %d", name, size)
		}
	}

	return nil
}

// ExportDir returns the directory that server-side exports are confined to
func (c *Config) ExportDir() string {
	if c.Server.ExportDir != "" {
		return c.Server.ExportDir
	}
	return filepath.Join(c.DataDir, "exports")
}

// BufferSize returns the configured write buffer for a channel
func (c *Config) BufferSize(ch record.Channel) int {
	var size int
	switch ch {
	case record.HeartRate:
		size = c.Buffers.HeartRate
	case record.Accelerometer:
		size = c.Buffers.Accelerometer
	case record.ECG:
		size = c.Buffers.ECG
	}
	if size <= 0 {
		return record.DefaultBufferSize(ch)
	}
	return size
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}
