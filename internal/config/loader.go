package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"deepgram"},
	"tts": {"elevenlabs"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Voice
	if s := cfg.Voice.SilenceTimeoutSeconds; !validTimeoutSeconds(s) {
		errs = append(errs, fmt.Errorf("voice.silence_timeout_seconds %g must be positive or 0", s))
	}
	for _, f := range []struct {
		rateKey, channelsKey string
		rate, channels       int
	}{
		{"voice.sample_rate", "voice.channels", cfg.Voice.SampleRate, cfg.Voice.Channels},
		{"voice.output_sample_rate", "voice.output_channels", cfg.Voice.OutputSampleRate, cfg.Voice.OutputChannels},
	} {
		if f.rate < 0 {
			errs = append(errs, fmt.Errorf("%s %d must be positive", f.rateKey, f.rate))
		}
		if c := f.channels; c != 0 && c != 1 && c != 2 {
			errs = append(errs, fmt.Errorf("%s %d is invalid; valid values: 1, 2", f.channelsKey, c))
		}
	}

	// Providers
	for _, p := range []struct {
		kind  string
		entry ProviderEntry
	}{
		{"llm", cfg.Providers.LLM},
		{"stt", cfg.Providers.STT},
		{"tts", cfg.Providers.TTS},
	} {
		if p.entry.Name == "" {
			errs = append(errs, fmt.Errorf("providers.%s.name is required", p.kind))
			continue
		}
		validateProviderName(p.kind, p.entry.Name)
	}
	errs = append(errs, validateFallbacks("llm", cfg.Providers.LLM.Name, cfg.Providers.LLMFallbacks)...)
	errs = append(errs, validateFallbacks("tts", cfg.Providers.TTS.Name, cfg.Providers.TTSFallbacks)...)

	// Resilience
	if cfg.Resilience.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("resilience.max_failures %d must not be negative", cfg.Resilience.MaxFailures))
	}
	if cfg.Resilience.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("resilience.reset_timeout %v must not be negative", cfg.Resilience.ResetTimeout))
	}
	if cfg.Resilience.HalfOpenMax < 0 {
		errs = append(errs, fmt.Errorf("resilience.half_open_max %d must not be negative", cfg.Resilience.HalfOpenMax))
	}

	return errors.Join(errs...)
}

// maxTimeoutSeconds is the longest timeout a [time.Duration] can hold.
const maxTimeoutSeconds = float64(math.MaxInt64) / float64(time.Second)

// validTimeoutSeconds reports whether s is 0 or converts to a positive
// [time.Duration].
func validTimeoutSeconds(s float64) bool {
	if s == 0 {
		return true
	}
	if math.IsNaN(s) || s < 0 || s >= maxTimeoutSeconds {
		return false
	}
	return time.Duration(s*float64(time.Second)) > 0
}

// validateFallbacks checks fallback entries for one provider kind.
func validateFallbacks(kind, primary string, entries []ProviderEntry) []error {
	var errs []error
	seen := map[string]int{}
	for i, fb := range entries {
		prefix := fmt.Sprintf("providers.%s_fallbacks[%d]", kind, i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		validateProviderName(kind, fb.Name)
		label := fb.Label()
		if prev, ok := seen[label]; ok {
			errs = append(errs, fmt.Errorf("%s %q duplicates providers.%s_fallbacks[%d]", prefix, label, kind, prev))
		}
		seen[label] = i
		if fb.Name == primary && fb.Model == "" {
			slog.Warn("fallback provider has the same name as the primary and no model override",
				"kind", kind, "name", fb.Name)
		}
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
