// Package config loads and validates the immutable session configuration.
// A Config is built once at startup from a YAML file plus overrides and is
// shared read-only for the life of the session; changing anything requires
// stopping the session and starting a new one.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Supported ADS1299 output data rates in samples per second.
var SupportedRates = []int{250, 500, 1000, 2000, 4000, 8000, 16000}

// Supported PGA gain settings.
var SupportedGains = []int{1, 2, 4, 6, 8, 12, 24}

// Config is the complete session descriptor.
type Config struct {
	SampleRate int     `yaml:"sample_rate"` // Hz, one of SupportedRates
	Channels   []int   `yaml:"channels"`    // enabled channel indices, 0..7
	Gain       int     `yaml:"gain"`        // PGA gain applied to every channel
	Gains      []int   `yaml:"gains"`       // optional per-channel override, same length as channels
	VRef       float64 `yaml:"vref"`        // reference voltage in volts
	BatchSize  int     `yaml:"batch_size"`  // samples per channel per published batch

	Source    SourceConfig    `yaml:"source"`
	Filter    FilterConfig    `yaml:"filter"`
	FFT       FFTConfig       `yaml:"fft"`
	Recorder  RecorderConfig  `yaml:"recorder"`
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// SourceConfig selects the acquisition backend.
type SourceConfig struct {
	Kind       string     `yaml:"kind"`         // "hardware" or "mock"
	SPIDevice  string     `yaml:"spi_device"`   // e.g. /dev/spidev0.0
	SPISpeedHz int        `yaml:"spi_speed_hz"` // SCLK rate
	DrdyGPIO   int        `yaml:"drdy_gpio"`    // DRDY pin number (sysfs)
	Mock       MockConfig `yaml:"mock"`
}

// MockConfig describes the synthetic waveform for the mock source.
type MockConfig struct {
	Tones    []Tone  `yaml:"tones"`
	NoiseStd float64 `yaml:"noise_std"` // Gaussian noise stddev in volts
}

// Tone is one sinusoid component, applied to every enabled channel.
type Tone struct {
	FrequencyHz float64 `yaml:"frequency_hz"`
	Amplitude   float64 `yaml:"amplitude"` // volts
}

// FilterConfig describes the IIR voltage filter chain. A zero value for a
// corner disables that stage; with every stage disabled the filter passes
// samples through unchanged.
type FilterConfig struct {
	HighpassHz float64   `yaml:"highpass_hz"`
	LowpassHz  float64   `yaml:"lowpass_hz"`
	NotchHz    []float64 `yaml:"notch_hz"`
}

// FFTConfig describes the spectral stage.
type FFTConfig struct {
	WindowMs int `yaml:"window_ms"`
	HopMs    int `yaml:"hop_ms"`
}

// RecorderConfig describes the raw-sample sink.
type RecorderConfig struct {
	Enabled bool   `yaml:"enabled"`
	Format  string `yaml:"format"` // "csv" or "parquet"
	Dir     string `yaml:"dir"`
}

// ServerConfig describes the WebSocket data endpoint.
type ServerConfig struct {
	Listen    string `yaml:"listen"`     // e.g. ":8080"
	SendQueue int    `yaml:"send_queue"` // per-client outbound queue capacity
}

// TelemetryConfig describes the optional MQTT status emitter.
type TelemetryConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Broker    string `yaml:"broker"` // host:port of the MQTT broker
	Topic     string `yaml:"topic"`
	IntervalS int    `yaml:"interval_s"`
}

// Load reads and parses a YAML session file, applies defaults and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config with every field at its default value. The
// defaults describe a 4-channel 250 Hz mock session.
func Default() *Config {
	return &Config{
		SampleRate: 250,
		Channels:   []int{0, 1, 2, 3},
		Gain:       24,
		VRef:       4.5,
		BatchSize:  25,
		Source: SourceConfig{
			Kind:       "mock",
			SPIDevice:  "/dev/spidev0.0",
			SPISpeedHz: 1_000_000,
			DrdyGPIO:   25,
			Mock: MockConfig{
				Tones:    []Tone{{FrequencyHz: 10, Amplitude: 50e-6}},
				NoiseStd: 5e-6,
			},
		},
		Filter: FilterConfig{
			HighpassHz: 0.5,
			LowpassHz:  45,
			NotchHz:    []float64{50, 60},
		},
		FFT: FFTConfig{
			WindowMs: 1024,
			HopMs:    500,
		},
		Recorder: RecorderConfig{
			Enabled: false,
			Format:  "csv",
			Dir:     ".",
		},
		Server: ServerConfig{
			Listen:    ":8080",
			SendQueue: 64,
		},
		Telemetry: TelemetryConfig{
			Enabled:   false,
			Topic:     "eegdaq/health",
			IntervalS: 5,
		},
	}
}

// Validate checks the configuration, failing fast before a session is
// created.
func (c *Config) Validate() error {
	if !containsInt(SupportedRates, c.SampleRate) {
		return fmt.Errorf("sample_rate %d not supported, want one of %v", c.SampleRate, SupportedRates)
	}
	if len(c.Channels) == 0 {
		return fmt.Errorf("channels must not be empty")
	}
	seen := map[int]bool{}
	for _, ch := range c.Channels {
		if ch < 0 || ch > 7 {
			return fmt.Errorf("channel index %d out of range 0..7", ch)
		}
		if seen[ch] {
			return fmt.Errorf("channel index %d listed twice", ch)
		}
		seen[ch] = true
	}
	if !containsInt(SupportedGains, c.Gain) {
		return fmt.Errorf("gain %d not supported, want one of %v", c.Gain, SupportedGains)
	}
	if len(c.Gains) != 0 {
		if len(c.Gains) != len(c.Channels) {
			return fmt.Errorf("gains has %d entries for %d channels", len(c.Gains), len(c.Channels))
		}
		for i, g := range c.Gains {
			if !containsInt(SupportedGains, g) {
				return fmt.Errorf("gains[%d] = %d not supported, want one of %v", i, g, SupportedGains)
			}
		}
	}
	if c.VRef <= 0 {
		return fmt.Errorf("vref must be > 0, got %g", c.VRef)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be >= 1, got %d", c.BatchSize)
	}
	switch c.Source.Kind {
	case "mock":
	case "hardware":
		if c.Source.SPIDevice == "" {
			return fmt.Errorf("source.spi_device is required for the hardware source")
		}
		if c.Source.SPISpeedHz <= 0 {
			return fmt.Errorf("source.spi_speed_hz must be > 0")
		}
	default:
		return fmt.Errorf("source.kind %q unknown, want hardware or mock", c.Source.Kind)
	}
	if c.FFT.WindowMs <= 0 || c.FFT.HopMs <= 0 {
		return fmt.Errorf("fft window_ms and hop_ms must be > 0")
	}
	if c.FFT.HopMs > c.FFT.WindowMs {
		return fmt.Errorf("fft hop_ms %d exceeds window_ms %d", c.FFT.HopMs, c.FFT.WindowMs)
	}
	if c.WindowSamples() < 2 {
		return fmt.Errorf("fft window of %d ms holds fewer than 2 samples at %d Hz", c.FFT.WindowMs, c.SampleRate)
	}
	if c.HopSamples() < 1 {
		return fmt.Errorf("fft hop of %d ms holds no samples at %d Hz", c.FFT.HopMs, c.SampleRate)
	}
	if c.Recorder.Enabled {
		switch c.Recorder.Format {
		case "csv", "parquet":
		default:
			return fmt.Errorf("recorder.format %q unknown, want csv or parquet", c.Recorder.Format)
		}
	}
	if c.Server.SendQueue < 1 {
		return fmt.Errorf("server.send_queue must be >= 1")
	}
	if c.Telemetry.Enabled && c.Telemetry.Broker == "" {
		return fmt.Errorf("telemetry.broker is required when telemetry is enabled")
	}
	return nil
}

// ChannelGain returns the gain for the i-th enabled channel.
func (c *Config) ChannelGain(i int) int {
	if len(c.Gains) != 0 {
		return c.Gains[i]
	}
	return c.Gain
}

// WindowSamples is the FFT window length in samples.
func (c *Config) WindowSamples() int { return c.SampleRate * c.FFT.WindowMs / 1000 }

// HopSamples is the FFT emission stride in samples.
func (c *Config) HopSamples() int { return c.SampleRate * c.FFT.HopMs / 1000 }

func containsInt(set []int, v int) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
