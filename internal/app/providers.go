package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/MrWong99/turnloop/internal/config"
	"github.com/MrWong99/turnloop/internal/observe"
	"github.com/MrWong99/turnloop/internal/resilience"
	"github.com/MrWong99/turnloop/pkg/audio"
	"github.com/MrWong99/turnloop/pkg/provider/llm"
	"github.com/MrWong99/turnloop/pkg/provider/stt"
	"github.com/MrWong99/turnloop/pkg/provider/tts"
)

// STTFactory opens a speech-to-text engine for a single session. Engines
// hold per-stream state, so every session gets its own.
type STTFactory func(ctx context.Context, format audio.Format) (stt.Provider, error)

// Providers holds the provider values shared by all sessions.
type Providers struct {
	LLM    llm.Provider
	TTS    tts.Provider
	NewSTT STTFactory

	// closers release provider resources on shutdown.
	closers []io.Closer
}

// Validate reports every missing provider slot.
func (p *Providers) Validate() error {
	var errs []error
	if p.LLM == nil {
		errs = append(errs, errors.New("app: llm provider is required"))
	}
	if p.TTS == nil {
		errs = append(errs, errors.New("app: tts provider is required"))
	}
	if p.NewSTT == nil {
		errs = append(errs, errors.New("app: stt factory is required"))
	}
	return errors.Join(errs...)
}

// Close releases providers that hold resources. Errors are joined.
func (p *Providers) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}

// BuildProviders instantiates the configured providers through reg. When
// fallbacks are configured, LLM and TTS are wrapped in circuit-breaker
// guarded fallback groups whose attempts are recorded on m.
func BuildProviders(cfg *config.Config, reg *config.Registry, m *observe.Metrics) (*Providers, error) {
	p := &Providers{}
	breaker := cfg.Resilience.CircuitBreaker()
	breaker.OnStateChange = func(name string, from, to resilience.State) {
		slog.Warn("circuit breaker state changed", "provider", name, "from", from, "to", to)
	}

	llmProv, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("app: create llm %q: %w", cfg.Providers.LLM.Name, err)
	}
	p.addCloser(llmProv)
	if len(cfg.Providers.LLMFallbacks) > 0 {
		fb := resilience.NewLLMFallback(llmProv, cfg.Providers.LLM.Label(), resilience.FallbackConfig{
			CircuitBreaker: breaker,
			Metrics:        m,
		})
		for _, entry := range cfg.Providers.LLMFallbacks {
			prov, err := reg.CreateLLM(entry)
			if err != nil {
				p.Close()
				return nil, fmt.Errorf("app: create llm fallback %q: %w", entry.Label(), err)
			}
			p.addCloser(prov)
			fb.AddFallback(entry.Label(), prov)
		}
		slog.Info("llm fallback chain", "providers", fb.Names())
		llmProv = fb
	}
	p.LLM = llmProv

	ttsProv, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("app: create tts %q: %w", cfg.Providers.TTS.Name, err)
	}
	p.addCloser(ttsProv)
	if len(cfg.Providers.TTSFallbacks) > 0 {
		fb := resilience.NewTTSFallback(ttsProv, cfg.Providers.TTS.Label(), resilience.FallbackConfig{
			CircuitBreaker: breaker,
			Metrics:        m,
		})
		for _, entry := range cfg.Providers.TTSFallbacks {
			prov, err := reg.CreateTTS(entry)
			if err != nil {
				p.Close()
				return nil, fmt.Errorf("app: create tts fallback %q: %w", entry.Label(), err)
			}
			p.addCloser(prov)
			fb.AddFallback(entry.Label(), prov)
		}
		slog.Info("tts fallback chain", "providers", fb.Names())
		ttsProv = fb
	}
	p.TTS = ttsProv

	sttEntry := cfg.Providers.STT
	p.NewSTT = func(ctx context.Context, format audio.Format) (stt.Provider, error) {
		return reg.CreateSTT(ctx, sttEntry, format)
	}
	return p, nil
}

func (p *Providers) addCloser(v any) {
	if c, ok := v.(io.Closer); ok {
		p.closers = append(p.closers, c)
	}
}
