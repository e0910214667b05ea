// Package config provides the configuration schema and loader for the
// mallard relay server. Configuration is loaded once at startup and is
// immutable afterwards; the session layer receives it by value.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Load when the file omits a value.
const (
	DefaultPort            = 8080
	DefaultProviderURL     = "wss://api.openai.com/v1/realtime"
	DefaultModel           = "gpt-4o-mini-realtime-preview-2024-12-17"
	DefaultVoice           = "alloy"
	DefaultSampleRate      = 24000
	DefaultMaxOutputTokens = 400
	DefaultTemperature     = 0.8
	DefaultCloseGrace      = 100 * time.Millisecond
)

// Default instructions sent with every session configuration.
const (
	DefaultInstructions = "Talk quickly and succinctly. Be concise. Time is of the essence."
	WelcomeInstructions = "Greet the user and ask them what you can assist them with. Talk quickly and succinctly."
)

// VoiceOptions lists the voices the provider accepts.
var VoiceOptions = []string{
	"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse",
}

// Config is the root configuration for the relay server.
// Load it from YAML with [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderConfig `yaml:"provider"`
	Audio    AudioConfig    `yaml:"audio"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// Port is the TCP port the relay listens on.
	Port int `yaml:"port"`

	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// CloseGrace bounds how long teardown waits after the farewell
	// notice before force-closing sockets.
	CloseGrace time.Duration `yaml:"close_grace"`
}

// ProviderConfig holds the upstream realtime endpoint settings.
type ProviderConfig struct {
	// URL is the provider's realtime WebSocket endpoint.
	URL string `yaml:"url"`

	// Model selects the realtime model appended as a query parameter.
	Model string `yaml:"model"`

	// APIKey is the bearer credential. Usually supplied via the
	// OPENAI_API_KEY environment variable rather than the file.
	APIKey string `yaml:"api_key"`

	// Voice selects the provider TTS voice.
	Voice string `yaml:"voice"`

	// Instructions is the system prompt for every response.
	Instructions string `yaml:"instructions"`

	// WelcomeInstructions drives the greeting response created when a
	// session becomes active.
	WelcomeInstructions string `yaml:"welcome_instructions"`

	// Temperature is the response randomness, 0.0-2.0.
	Temperature float64 `yaml:"temperature"`

	// MaxOutputTokens caps response length.
	MaxOutputTokens int `yaml:"max_output_tokens"`

	// VAD tunes the provider's server-side turn detection.
	VAD VADConfig `yaml:"vad"`
}

// VADConfig tunes provider-side voice activity detection.
type VADConfig struct {
	Threshold       float64       `yaml:"threshold"`
	PrefixPadding   time.Duration `yaml:"prefix_padding"`
	SilenceDuration time.Duration `yaml:"silence_duration"`
}

// AudioConfig holds the PCM format contract with both peers.
type AudioConfig struct {
	// SampleRate is the PCM16 sample rate in Hz on both directions.
	SampleRate int `yaml:"sample_rate"`
}

// Load reads the YAML configuration file at path, applies environment
// overrides, and returns a validated Config. An empty path yields the
// defaults (plus environment).
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()

		if err := decode(f, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment
// overrides, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Defaults()
	if err := decode(r, cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Defaults returns a fully populated configuration with every field at
// its default. Callers mutate the copy freely.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:       DefaultPort,
			LogLevel:   "info",
			CloseGrace: DefaultCloseGrace,
		},
		Provider: ProviderConfig{
			URL:                 DefaultProviderURL,
			Model:               DefaultModel,
			Voice:               DefaultVoice,
			Instructions:        DefaultInstructions,
			WelcomeInstructions: WelcomeInstructions,
			Temperature:         DefaultTemperature,
			MaxOutputTokens:     DefaultMaxOutputTokens,
			VAD: VADConfig{
				Threshold:       0.5,
				PrefixPadding:   300 * time.Millisecond,
				SilenceDuration: 500 * time.Millisecond,
			},
		},
		Audio: AudioConfig{
			SampleRate: DefaultSampleRate,
		},
	}
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

// applyEnv overrides file values from the process environment.
func applyEnv(cfg *Config) {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if port := os.Getenv("PORT"); port != "" {
		fmt.Sscanf(port, "%d", &cfg.Server.Port)
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range", cfg.Server.Port))
	}
	switch cfg.Server.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.CloseGrace <= 0 {
		errs = append(errs, errors.New("server.close_grace must be positive"))
	}

	if cfg.Provider.APIKey == "" {
		errs = append(errs, errors.New("provider.api_key is required (set OPENAI_API_KEY)"))
	}
	if cfg.Provider.URL == "" {
		errs = append(errs, errors.New("provider.url is required"))
	}
	if cfg.Provider.Model == "" {
		errs = append(errs, errors.New("provider.model is required"))
	}
	if !validVoice(cfg.Provider.Voice) {
		errs = append(errs, fmt.Errorf("provider.voice %q is not a recognised voice", cfg.Provider.Voice))
	}
	if cfg.Provider.Temperature < 0 || cfg.Provider.Temperature > 2 {
		errs = append(errs, fmt.Errorf("provider.temperature %g must be between 0.0 and 2.0", cfg.Provider.Temperature))
	}
	if cfg.Provider.MaxOutputTokens <= 0 {
		errs = append(errs, errors.New("provider.max_output_tokens must be positive"))
	}
	if cfg.Provider.VAD.Threshold < 0 || cfg.Provider.VAD.Threshold > 1 {
		errs = append(errs, fmt.Errorf("provider.vad.threshold %g must be between 0.0 and 1.0", cfg.Provider.VAD.Threshold))
	}

	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, errors.New("audio.sample_rate must be positive"))
	}

	return errors.Join(errs...)
}

func validVoice(v string) bool {
	for _, opt := range VoiceOptions {
		if v == opt {
			return true
		}
	}
	return false
}
