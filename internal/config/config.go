// Package config provides the configuration schema, loader, provider registry
// and file watcher for the turnloop voice server.
package config

import (
	"time"

	"github.com/MrWong99/turnloop/internal/resilience"
	"github.com/MrWong99/turnloop/internal/voice"
	"github.com/MrWong99/turnloop/pkg/audio"
)

// LogLevel controls log verbosity for the turnloop server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Default audio format of inbound client audio.
const (
	DefaultSampleRate = 16000
	DefaultChannels   = 1
)

// Config is the root configuration structure for turnloop.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Voice      VoiceConfig      `yaml:"voice"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Resilience ResilienceConfig `yaml:"resilience"`
}

// ServerConfig holds network and logging settings for the turnloop server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// VoiceConfig holds the per-session conversation settings. Changes picked up
// by the [Watcher] apply to sessions started afterwards.
type VoiceConfig struct {
	// SilenceTimeoutSeconds is the pause that ends a user turn. 0 selects
	// [voice.DefaultSilenceTimeout].
	SilenceTimeoutSeconds float64 `yaml:"silence_timeout_seconds"`

	// Greeting, if non-empty, is spoken when a session starts.
	Greeting string `yaml:"greeting"`

	// SampleRate is the rate of the PCM audio clients send, in Hz.
	// Default: 16000.
	SampleRate int `yaml:"sample_rate"`

	// Channels is the channel count of client audio (1 or 2). Default: 1.
	Channels int `yaml:"channels"`

	// OutputSampleRate is the rate of the PCM audio sent back to clients, in
	// Hz. 0 answers each client in the rate it sends.
	OutputSampleRate int `yaml:"output_sample_rate"`

	// OutputChannels is the channel count of audio sent back to clients.
	// 0 answers each client with the channel count it sends.
	OutputChannels int `yaml:"output_channels"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each entry selects a named provider registered in the
// [Registry].
type ProvidersConfig struct {
	LLM ProviderEntry `yaml:"llm"`
	STT ProviderEntry `yaml:"stt"`
	TTS ProviderEntry `yaml:"tts"`

	// LLMFallbacks are tried in order when the primary LLM fails.
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`

	// TTSFallbacks are tried in order when the primary TTS cannot start a
	// stream.
	TTSFallbacks []ProviderEntry `yaml:"tts_fallbacks"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o", "nova-3").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// ResilienceConfig tunes the circuit breakers guarding LLM and TTS providers.
// Zero values select the breaker defaults.
type ResilienceConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// VoiceOptions converts the voice settings into [voice.Options].
func (c *Config) VoiceOptions() voice.Options {
	return voice.OptionsFromSeconds(c.Voice.SilenceTimeoutSeconds)
}

// AudioFormat returns the format of client audio with defaults applied.
func (c *Config) AudioFormat() audio.Format {
	f := audio.Format{SampleRate: c.Voice.SampleRate, Channels: c.Voice.Channels}
	if f.SampleRate == 0 {
		f.SampleRate = DefaultSampleRate
	}
	if f.Channels == 0 {
		f.Channels = DefaultChannels
	}
	return f
}

// OutputFormat returns the configured format of audio sent to clients. Zero
// fields mean "same as the client's format".
func (c *Config) OutputFormat() audio.Format {
	return audio.Format{SampleRate: c.Voice.OutputSampleRate, Channels: c.Voice.OutputChannels}
}

// CircuitBreaker returns the breaker template for provider fallback groups.
func (r ResilienceConfig) CircuitBreaker() resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		MaxFailures:  r.MaxFailures,
		ResetTimeout: r.ResetTimeout,
		HalfOpenMax:  r.HalfOpenMax,
	}
}

// Label identifies the entry in logs and metrics: the name, plus the model
// when one is set.
func (e ProviderEntry) Label() string {
	if e.Model == "" {
		return e.Name
	}
	return e.Name + "/" + e.Model
}
