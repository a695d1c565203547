// Package config loads seqlink settings from TOML or YAML files.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"seqlink/host/sequence"
	"seqlink/host/serial"
	"seqlink/protocol"
)

const (
	DefaultDevice       = "/dev/ttyACM0"
	DefaultBaud         = 115200
	DefaultReadTimeout  = 100 * time.Millisecond
	DefaultBootDelay    = time.Second
	DefaultEventBuffer  = 64
	DefaultWriteRetries = 3
	DefaultLogLevel     = "info"
)

type Config struct {
	Serial   SerialConfig   `toml:"serial" yaml:"serial"`
	Engine   EngineConfig   `toml:"engine" yaml:"engine"`
	Log      LogConfig      `toml:"log" yaml:"log"`
	Sequence SequenceConfig `toml:"sequence" yaml:"sequence"`
}

type SerialConfig struct {
	Device      string        `toml:"device" yaml:"device"`
	Baud        int           `toml:"baud" yaml:"baud"`
	ReadTimeout time.Duration `toml:"read_timeout" yaml:"read_timeout"`
}

type EngineConfig struct {
	// BootDelay is how long the board needs after the port opens before
	// it accepts protocol traffic
	BootDelay    time.Duration `toml:"boot_delay" yaml:"boot_delay"`
	EventBuffer  int           `toml:"event_buffer" yaml:"event_buffer"`
	WriteRetries int           `toml:"write_retries" yaml:"write_retries"`
}

type LogConfig struct {
	Level   string `toml:"level" yaml:"level"`
	NoColor bool   `toml:"no_color" yaml:"no_color"`
}

type SequenceConfig struct {
	Dimensionality int           `toml:"dimensionality" yaml:"dimensionality"`
	Points         []PointConfig `toml:"points" yaml:"points"`
}

type PointConfig struct {
	Duration     uint16 `toml:"duration" yaml:"duration"`
	TimeToTarget uint16 `toml:"time_to_target" yaml:"time_to_target"`
	Channels     []uint `toml:"channels" yaml:"channels"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Serial: SerialConfig{
			Device:      DefaultDevice,
			Baud:        DefaultBaud,
			ReadTimeout: DefaultReadTimeout,
		},
		Engine: EngineConfig{
			BootDelay:    DefaultBootDelay,
			EventBuffer:  DefaultEventBuffer,
			WriteRetries: DefaultWriteRetries,
		},
		Log: LogConfig{
			Level: DefaultLogLevel,
		},
	}
}

// Load reads path over the defaults. The format follows the extension:
// .toml, or .yaml/.yml.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		meta, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			sort.Strings(keys)
			return Config{}, fmt.Errorf("config parse failed (%s): unknown keys %s", path, strings.Join(keys, ", "))
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
	default:
		return Config{}, fmt.Errorf("config load failed (%s): unsupported format %q", path, ext)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings the engine depends on
func (c Config) Validate() error {
	if strings.TrimSpace(c.Serial.Device) == "" {
		return fmt.Errorf("serial config missing device")
	}
	if c.Serial.Baud <= 0 {
		return fmt.Errorf("serial config invalid baud %d", c.Serial.Baud)
	}
	if c.Serial.ReadTimeout < 0 {
		return fmt.Errorf("serial config negative read_timeout")
	}
	if c.Engine.BootDelay < 0 {
		return fmt.Errorf("engine config negative boot_delay")
	}
	if c.Engine.EventBuffer <= 0 {
		return fmt.Errorf("engine config invalid event_buffer %d", c.Engine.EventBuffer)
	}
	if c.Engine.WriteRetries < 0 {
		return fmt.Errorf("engine config negative write_retries")
	}
	if len(c.Sequence.Points) > 0 {
		if _, err := c.Sequence.Build(); err != nil {
			return fmt.Errorf("sequence config invalid: %w", err)
		}
	}
	return nil
}

// SerialPortConfig converts to the transport configuration
func (c Config) SerialPortConfig() *serial.Config {
	return &serial.Config{
		Device:      c.Serial.Device,
		Baud:        c.Serial.Baud,
		ReadTimeout: c.Serial.ReadTimeout,
	}
}

// Build creates the configured sequence
func (s SequenceConfig) Build() (*sequence.Sequence, error) {
	points := make([]protocol.Point, len(s.Points))
	for i, p := range s.Points {
		points[i] = protocol.Point{
			Duration:     p.Duration,
			TimeToTarget: p.TimeToTarget,
			Channels:     p.Channels,
		}
	}
	return sequence.New(s.Dimensionality, points)
}
