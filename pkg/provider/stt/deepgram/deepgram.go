// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// streaming WebSocket API.
//
// A [Provider] holds account-level configuration; [Provider.Open] dials one
// live [Session] per conversation. Sessions implement stt.Provider and
// stt.Endpointer: Deepgram's speech_final and UtteranceEnd events are
// surfaced as end-of-turn hints.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/turnloop/pkg/audio"
	"github.com/MrWong99/turnloop/pkg/provider/stt"
)

const (
	deepgramEndpoint       = "wss://api.deepgram.com/v1/listen"
	defaultModel           = "nova-3"
	defaultLanguage        = "en"
	defaultSampleRate      = 16000
	defaultChannels        = 1
	defaultFinalizeTimeout = 3 * time.Second
	keepAliveInterval      = 5 * time.Second
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithSampleRate sets the sample rate in Hz of the PCM sent to Deepgram.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithChannels sets the channel count of the PCM sent to Deepgram.
func WithChannels(n int) Option {
	return func(p *Provider) {
		p.channels = n
	}
}

// WithKeywords adds vocabulary hints in Deepgram's "word:boost" form.
func WithKeywords(keywords ...string) Option {
	return func(p *Provider) {
		p.keywords = append(p.keywords, keywords...)
	}
}

// WithEndpointing sets the silence in milliseconds after which Deepgram marks
// a result as speech_final. Zero leaves the server default.
func WithEndpointing(ms int) Option {
	return func(p *Provider) {
		p.endpointingMs = ms
	}
}

// WithFinalizeTimeout bounds how long Finalize waits for the flushed result.
// When it elapses, Finalize returns whatever has been recognised so far.
func WithFinalizeTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.finalizeTimeout = d
	}
}

// WithURL overrides the streaming endpoint (e.g., for a self-hosted Deepgram).
func WithURL(u string) Option {
	return func(p *Provider) {
		p.endpoint = u
	}
}

// Provider dials Deepgram streaming sessions.
type Provider struct {
	apiKey          string
	endpoint        string
	model           string
	language        string
	sampleRate      int
	channels        int
	keywords        []string
	endpointingMs   int
	finalizeTimeout time.Duration
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:          apiKey,
		endpoint:        deepgramEndpoint,
		model:           defaultModel,
		language:        defaultLanguage,
		sampleRate:      defaultSampleRate,
		channels:        defaultChannels,
		finalizeTimeout: defaultFinalizeTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Open dials a new streaming session. ctx bounds the dial only; the session
// lives until [Session.Close].
func (p *Provider) Open(ctx context.Context) (*Session, error) {
	wsURL, err := p.buildURL()
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:            conn,
		cancel:          cancel,
		finalizeTimeout: p.finalizeTimeout,
		format:          audio.Format{SampleRate: p.sampleRate, Channels: p.channels},
		flushed:         make(chan struct{}, 1),
		endpoints:       make(chan struct{}, 1),
		done:            make(chan struct{}),
	}
	go s.readLoop(runCtx)
	go s.keepAlive(runCtx)
	return s, nil
}

// buildURL constructs the Deepgram streaming endpoint URL.
func (p *Provider) buildURL() (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", p.language)
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(p.sampleRate))
	q.Set("channels", strconv.Itoa(p.channels))
	if p.endpointingMs > 0 {
		q.Set("endpointing", strconv.Itoa(p.endpointingMs))
		q.Set("utterance_end_ms", strconv.Itoa(max(p.endpointingMs, 1000)))
	}
	for _, kw := range p.keywords {
		q.Add("keywords", kw)
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// deepgramMessage is the subset of Deepgram server events the session uses.
type deepgramMessage struct {
	Type         string `json:"type"`
	IsFinal      bool   `json:"is_final"`
	SpeechFinal  bool   `json:"speech_final"`
	FromFinalize bool   `json:"from_finalize"`
	Channel      struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// Session is a live Deepgram streaming session.
type Session struct {
	conn            *websocket.Conn
	cancel          context.CancelFunc
	finalizeTimeout time.Duration
	format          audio.Format

	writeMu sync.Mutex

	mu       sync.Mutex
	segments []string
	readErr  error

	flushed   chan struct{}
	endpoints chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Format returns the PCM layout Deepgram expects on this session.
func (s *Session) Format() audio.Format { return s.format }

// AcceptAudio implements stt.Provider. It sends the frame's PCM payload as a
// binary WebSocket message.
func (s *Session) AcceptAudio(ctx context.Context, frame audio.AudioFrame) error {
	if err := s.closedErr(); err != nil {
		return err
	}
	if len(frame.Data) == 0 {
		return nil
	}
	return s.write(ctx, websocket.MessageBinary, frame.Data)
}

// Finalize implements stt.Provider. It asks Deepgram to flush the pending
// audio and waits for the result flagged from_finalize, then returns every
// final segment received since the previous call.
func (s *Session) Finalize(ctx context.Context) (string, error) {
	if err := s.closedErr(); err != nil {
		return "", err
	}

	select {
	case <-s.flushed:
	default:
	}
	if err := s.write(ctx, websocket.MessageText, []byte(`{"type":"Finalize"}`)); err != nil {
		return "", err
	}

	timer := time.NewTimer(s.finalizeTimeout)
	defer timer.Stop()
	select {
	case <-s.flushed:
	case <-timer.C:
		slog.Debug("deepgram: finalize timed out, returning partial result", "timeout", s.finalizeTimeout)
	case <-s.done:
		if err := s.closedErr(); err != nil {
			return "", err
		}
	case <-ctx.Done():
		return "", ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	text := strings.Join(s.segments, " ")
	s.segments = nil
	return text, nil
}

// Endpoints implements stt.Endpointer.
func (s *Session) Endpoints() <-chan struct{} { return s.endpoints }

// Close asks Deepgram to close the stream and releases the connection. It is
// safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = s.write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		cancel()
		s.cancel()
		_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

func (s *Session) write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.Write(ctx, typ, data); err != nil {
		return fmt.Errorf("deepgram: write: %w", err)
	}
	return nil
}

func (s *Session) closedErr() error {
	select {
	case <-s.done:
	default:
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return fmt.Errorf("deepgram: connection closed: %w", s.readErr)
	}
	return errors.New("deepgram: connection closed")
}

// keepAlive stops Deepgram from closing an idle stream while the pipeline is
// busy with the LLM or TTS and no audio flows.
func (s *Session) keepAlive(ctx context.Context) {
	t := time.NewTicker(keepAliveInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-t.C:
			if err := s.write(ctx, websocket.MessageText, []byte(`{"type":"KeepAlive"}`)); err != nil {
				return
			}
		}
	}
}

// readLoop receives JSON events from Deepgram until the connection ends.
func (s *Session) readLoop(ctx context.Context) {
	defer close(s.done)
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			s.mu.Lock()
			s.readErr = err
			s.mu.Unlock()
			return
		}
		s.handle(data)
	}
}

func (s *Session) handle(data []byte) {
	var msg deepgramMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	switch msg.Type {
	case "Results":
		if text, ok := finalText(msg); ok {
			s.mu.Lock()
			s.segments = append(s.segments, text)
			s.mu.Unlock()
		}
		if msg.FromFinalize {
			notify(s.flushed)
		}
		if msg.SpeechFinal {
			notify(s.endpoints)
		}
	case "UtteranceEnd":
		notify(s.endpoints)
	}
}

// finalText returns the trimmed transcript of a final Results message.
func finalText(msg deepgramMessage) (string, bool) {
	if !msg.IsFinal || len(msg.Channel.Alternatives) == 0 {
		return "", false
	}
	text := strings.TrimSpace(msg.Channel.Alternatives[0].Transcript)
	return text, text != ""
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

var (
	_ stt.Provider   = (*Session)(nil)
	_ stt.Endpointer = (*Session)(nil)
)
