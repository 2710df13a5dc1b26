package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/itohio/gopmd/pkg/acquire"
	"github.com/itohio/gopmd/pkg/pmd"
	"github.com/itohio/gopmd/pkg/stats"
)

// DefaultFile is the configuration file read when none is given.
const DefaultFile = "pmdlog.yaml"

// Config represents the application configuration.
type Config struct {
	Serial      SerialConfig       `yaml:"serial"`
	Acquisition AcquisitionConfig  `yaml:"acquisition"`
	Output      OutputConfig       `yaml:"output"`
	Log         LogConfig          `yaml:"log"`
	Metrics     MetricsConfig      `yaml:"metrics"`
	Stats       StatsConfig        `yaml:"stats"`
	Emulator    pmd.EmulatorConfig `yaml:"emulator"`
}

// SerialConfig contains serial port configuration.
type SerialConfig struct {
	Port         string        `yaml:"port"`
	FastBaudRate int           `yaml:"fast_baud_rate"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	StreamSettle time.Duration `yaml:"stream_settle"`
	UartSettle   time.Duration `yaml:"uart_settle"`
}

// AcquisitionConfig selects the polling strategy.
type AcquisitionConfig struct {
	Speed     int           `yaml:"speed"`
	Interval  time.Duration `yaml:"interval"`   // slow polling period
	Deadline  time.Duration `yaml:"deadline"`   // 0 runs until interrupted
	QueueSize int           `yaml:"queue_size"` // producer to sink queue capacity
	Average   int           `yaml:"average"`    // readings per averaged row, 0 or 1 disables
}

// OutputConfig selects the sinks.
type OutputConfig struct {
	File string     `yaml:"file"` // empty or "-" writes to stdout
	NATS NATSConfig `yaml:"nats"`
}

// NATSConfig enables publishing rows to NATS when URL is set.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// MetricsConfig enables the metrics server when Addr is set.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type StatsConfig struct {
	Enabled bool          `yaml:"enabled"`
	Window  time.Duration `yaml:"window"`
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Serial: SerialConfig{
			Port:         "/dev/ttyUSB0", // "COM3" or similar on Windows
			FastBaudRate: pmd.FastBaudRate,
			ReadTimeout:  pmd.DefaultReadTimeout,
			StreamSettle: pmd.DefaultStreamSettle,
			UartSettle:   pmd.DefaultUartSettle,
		},
		Acquisition: AcquisitionConfig{
			Speed:     int(acquire.SpeedSlow),
			Interval:  time.Second,
			QueueSize: 1024,
		},
		Output: OutputConfig{
			NATS: NATSConfig{Subject: "pmd.samples"},
		},
		Log: LogConfig{
			Level: "info",
		},
		Stats: StatsConfig{
			Enabled: true,
			Window:  stats.DefaultWindow,
		},
		Emulator: pmd.DefaultEmulatorConfig(),
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate reports settings that cannot work. Every error wraps
// pmd.ErrConfiguration.
func (c *Config) Validate() error {
	speed, err := acquire.ParseSpeed(c.Acquisition.Speed)
	if err != nil {
		return err
	}
	if speed == acquire.SpeedSlow && c.Acquisition.Interval <= 0 {
		return fmt.Errorf("%w: interval must be positive, got %s", pmd.ErrConfiguration, c.Acquisition.Interval)
	}
	if c.Acquisition.Deadline < 0 {
		return fmt.Errorf("%w: deadline must not be negative, got %s", pmd.ErrConfiguration, c.Acquisition.Deadline)
	}
	if c.Acquisition.QueueSize < 0 {
		return fmt.Errorf("%w: queue size must not be negative, got %d", pmd.ErrConfiguration, c.Acquisition.QueueSize)
	}
	if c.Acquisition.Average < 0 {
		return fmt.Errorf("%w: average must not be negative, got %d", pmd.ErrConfiguration, c.Acquisition.Average)
	}
	if !pmd.ValidBaudRate(c.Serial.FastBaudRate) {
		return fmt.Errorf("%w: unsupported fast baud rate %d", pmd.ErrConfiguration, c.Serial.FastBaudRate)
	}
	if c.Serial.ReadTimeout <= 0 {
		return fmt.Errorf("%w: read timeout must be positive, got %s", pmd.ErrConfiguration, c.Serial.ReadTimeout)
	}
	if c.Output.NATS.URL != "" && c.Output.NATS.Subject == "" {
		return fmt.Errorf("%w: nats subject is required when nats url is set", pmd.ErrConfiguration)
	}
	return nil
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Serial.Port == "" {
		c.Serial.Port = def.Serial.Port
	}
	if c.Serial.FastBaudRate == 0 {
		c.Serial.FastBaudRate = def.Serial.FastBaudRate
	}
	if c.Serial.ReadTimeout == 0 {
		c.Serial.ReadTimeout = def.Serial.ReadTimeout
	}
	if c.Serial.StreamSettle == 0 {
		c.Serial.StreamSettle = def.Serial.StreamSettle
	}
	if c.Serial.UartSettle == 0 {
		c.Serial.UartSettle = def.Serial.UartSettle
	}

	if c.Acquisition.Interval == 0 {
		c.Acquisition.Interval = def.Acquisition.Interval
	}
	if c.Acquisition.QueueSize == 0 {
		c.Acquisition.QueueSize = def.Acquisition.QueueSize
	}

	if c.Output.NATS.Subject == "" {
		c.Output.NATS.Subject = def.Output.NATS.Subject
	}

	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}

	if c.Stats.Window == 0 {
		c.Stats.Window = def.Stats.Window
	}

	if len(c.Emulator.Rails) == 0 {
		c.Emulator.Rails = def.Emulator.Rails
	}
	if c.Emulator.Welcome == "" {
		c.Emulator.Welcome = def.Emulator.Welcome
	}
	if c.Emulator.TickStep == 0 {
		c.Emulator.TickStep = def.Emulator.TickStep
	}
}
