package config_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/turnloop/internal/config"
	"github.com/MrWong99/turnloop/internal/voice"
	"github.com/MrWong99/turnloop/pkg/audio"
	"github.com/MrWong99/turnloop/pkg/provider/llm"
	llmmock "github.com/MrWong99/turnloop/pkg/provider/llm/mock"
	"github.com/MrWong99/turnloop/pkg/provider/stt"
	sttmock "github.com/MrWong99/turnloop/pkg/provider/stt/mock"
	"github.com/MrWong99/turnloop/pkg/provider/tts"
	ttsmock "github.com/MrWong99/turnloop/pkg/provider/tts/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":8080"
  log_level: info

voice:
  silence_timeout_seconds: 0.5
  greeting: "Hi, how can I help?"
  sample_rate: 48000
  channels: 2

providers:
  llm:
    name: openai
    api_key: sk-test
    model: gpt-4o-mini
    options:
      system_prompt: You are a concise assistant.
      temperature: 0.3
  stt:
    name: deepgram
    api_key: dg-test
    model: nova-3
  tts:
    name: elevenlabs
    api_key: el-test
    options:
      voice_id: rachel
  llm_fallbacks:
    - name: anthropic
      api_key: ant-test
      model: claude-3-5-haiku-latest
  tts_fallbacks: []

resilience:
  max_failures: 4
  reset_timeout: 45s
  half_open_max: 2
`

const minimalYAML = `
providers:
  llm: {name: openai}
  stt: {name: deepgram}
  tts: {name: elevenlabs}
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("server.listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":8080")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("server.log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
	if cfg.Voice.Greeting != "Hi, how can I help?" {
		t.Errorf("voice.greeting: got %q", cfg.Voice.Greeting)
	}
	if cfg.Providers.LLM.Model != "gpt-4o-mini" {
		t.Errorf("providers.llm.model: got %q", cfg.Providers.LLM.Model)
	}
	if got := cfg.Providers.TTS.Options["voice_id"]; got != "rachel" {
		t.Errorf("providers.tts.options.voice_id: got %v", got)
	}
	if len(cfg.Providers.LLMFallbacks) != 1 || cfg.Providers.LLMFallbacks[0].Name != "anthropic" {
		t.Fatalf("providers.llm_fallbacks: got %+v", cfg.Providers.LLMFallbacks)
	}
	if cfg.Resilience.ResetTimeout != 45*time.Second {
		t.Errorf("resilience.reset_timeout: got %v, want 45s", cfg.Resilience.ResetTimeout)
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.Load("../../turnloop.example.yaml")
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if cfg.Providers.TTS.Options["voice_id"] == nil {
		t.Error("example tts entry has no voice_id option")
	}
	if cfg.Resilience.ResetTimeout != 30*time.Second {
		t.Errorf("ResetTimeout = %v, want 30s", cfg.Resilience.ResetTimeout)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(minimalYAML + "\nnpcs: []\n"))
	if err == nil {
		t.Fatal("expected error for unknown top-level key")
	}
}

func TestConfig_VoiceOptions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		seconds float64
		want    time.Duration
	}{
		{0, voice.DefaultSilenceTimeout},
		{0.7, 700 * time.Millisecond},
		{1.25, 1250 * time.Millisecond},
	}
	for _, tt := range tests {
		cfg := &config.Config{Voice: config.VoiceConfig{SilenceTimeoutSeconds: tt.seconds}}
		if got := cfg.VoiceOptions().SilenceTimeout; got != tt.want {
			t.Errorf("VoiceOptions(%v) = %v, want %v", tt.seconds, got, tt.want)
		}
	}
}

func TestConfig_AudioFormat(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	if got, want := cfg.AudioFormat(), (audio.Format{SampleRate: 16000, Channels: 1}); got != want {
		t.Errorf("default AudioFormat() = %v, want %v", got, want)
	}
	cfg.Voice = config.VoiceConfig{SampleRate: 48000, Channels: 2}
	if got, want := cfg.AudioFormat(), (audio.Format{SampleRate: 48000, Channels: 2}); got != want {
		t.Errorf("AudioFormat() = %v, want %v", got, want)
	}
}

func TestConfig_OutputFormat(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	if got := cfg.OutputFormat(); got != (audio.Format{}) {
		t.Errorf("default OutputFormat() = %v, want zero", got)
	}
	cfg.Voice = config.VoiceConfig{SampleRate: 48000, OutputSampleRate: 24000}
	if got, want := cfg.OutputFormat(), (audio.Format{SampleRate: 24000}); got != want {
		t.Errorf("OutputFormat() = %v, want %v", got, want)
	}
}

func TestResilienceConfig_CircuitBreaker(t *testing.T) {
	t.Parallel()
	r := config.ResilienceConfig{MaxFailures: 4, ResetTimeout: time.Minute, HalfOpenMax: 2}
	cb := r.CircuitBreaker()
	if cb.MaxFailures != 4 || cb.ResetTimeout != time.Minute || cb.HalfOpenMax != 2 {
		t.Fatalf("CircuitBreaker() = %+v", cb)
	}
}

func TestProviderEntry_Label(t *testing.T) {
	t.Parallel()
	if got := (config.ProviderEntry{Name: "openai"}).Label(); got != "openai" {
		t.Errorf("Label() = %q", got)
	}
	if got := (config.ProviderEntry{Name: "anthropic", Model: "claude"}).Label(); got != "anthropic/claude" {
		t.Errorf("Label() = %q", got)
	}
}

// ── Registry ──────────────────────────────────────────────────────────────────

func TestRegistry_Unknown(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	entry := config.ProviderEntry{Name: "nope"}

	if _, err := reg.CreateLLM(entry); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateLLM: got %v, want ErrProviderNotRegistered", err)
	}
	if _, err := reg.CreateSTT(context.Background(), entry, audio.Format{}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateSTT: got %v, want ErrProviderNotRegistered", err)
	}
	if _, err := reg.CreateTTS(entry); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateTTS: got %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_Registered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	wantLLM := &llmmock.Provider{}
	wantTTS := &ttsmock.Provider{}
	var gotFormat audio.Format

	reg.RegisterLLM("test", func(e config.ProviderEntry) (llm.Provider, error) { return wantLLM, nil })
	reg.RegisterTTS("test", func(e config.ProviderEntry) (tts.Provider, error) { return wantTTS, nil })
	reg.RegisterSTT("test", func(_ context.Context, _ config.ProviderEntry, f audio.Format) (stt.Provider, error) {
		gotFormat = f
		return &sttmock.Provider{}, nil
	})

	entry := config.ProviderEntry{Name: "test"}
	if p, err := reg.CreateLLM(entry); err != nil || p != wantLLM {
		t.Errorf("CreateLLM = %v, %v", p, err)
	}
	if p, err := reg.CreateTTS(entry); err != nil || p != wantTTS {
		t.Errorf("CreateTTS = %v, %v", p, err)
	}
	format := audio.Format{SampleRate: 16000, Channels: 1}
	if _, err := reg.CreateSTT(context.Background(), entry, format); err != nil {
		t.Errorf("CreateSTT: %v", err)
	}
	if gotFormat != format {
		t.Errorf("STT factory got format %v, want %v", gotFormat, format)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	errFactory := errors.New("missing api key")
	reg.RegisterLLM("broken", func(config.ProviderEntry) (llm.Provider, error) { return nil, errFactory })

	if _, err := reg.CreateLLM(config.ProviderEntry{Name: "broken"}); !errors.Is(err, errFactory) {
		t.Fatalf("got %v, want factory error", err)
	}
}

func TestRegistry_Names(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	reg.RegisterLLM("openai", func(config.ProviderEntry) (llm.Provider, error) { return nil, nil })
	reg.RegisterLLM("anthropic", func(config.ProviderEntry) (llm.Provider, error) { return nil, nil })

	if got := reg.Names("llm"); !slices.Equal(got, []string{"anthropic", "openai"}) {
		t.Errorf("Names(llm) = %v", got)
	}
	if got := reg.Names("stt"); len(got) != 0 {
		t.Errorf("Names(stt) = %v, want empty", got)
	}
	if got := reg.Names("s2s"); got != nil {
		t.Errorf("Names(s2s) = %v, want nil", got)
	}
}
