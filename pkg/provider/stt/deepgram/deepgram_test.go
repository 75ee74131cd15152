package deepgram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/turnloop/pkg/audio"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	t.Parallel()
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL()
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "en", q.Get("language"))
	assertEqual(t, "punctuate", "true", q.Get("punctuate"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
	if _, ok := q["endpointing"]; ok {
		t.Error("expected no 'endpointing' param by default")
	}
}

func TestBuildURL_Custom(t *testing.T) {
	t.Parallel()
	p, err := New("key",
		WithModel("base"),
		WithLanguage("de-DE"),
		WithSampleRate(48000),
		WithChannels(2),
		WithEndpointing(300),
		WithKeywords("Eldrinax:5", "Zorrath:3.5"),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL()
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	q := u.Query()

	assertEqual(t, "model", "base", q.Get("model"))
	assertEqual(t, "language", "de-DE", q.Get("language"))
	assertEqual(t, "sample_rate", "48000", q.Get("sample_rate"))
	assertEqual(t, "channels", "2", q.Get("channels"))
	assertEqual(t, "endpointing", "300", q.Get("endpointing"))
	assertEqual(t, "utterance_end_ms", "1000", q.Get("utterance_end_ms"))
	if kws := q["keywords"]; len(kws) != 2 {
		t.Errorf("expected 2 keywords, got %v", kws)
	}
}

// ---- message handling tests ----

func TestFinalText(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		raw    string
		want   string
		wantOK bool
	}{
		{"final", `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":" Hello world "}]}}`, "Hello world", true},
		{"interim", `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"Hello"}]}}`, "", false},
		{"empty final", `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":""}]}}`, "", false},
		{"no alternatives", `{"type":"Results","is_final":true,"channel":{"alternatives":[]}}`, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var msg deepgramMessage
			if err := json.Unmarshal([]byte(tt.raw), &msg); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			got, ok := finalText(msg)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("finalText: got (%q, %v), want (%q, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestHandle_Signals(t *testing.T) {
	t.Parallel()
	s := &Session{flushed: make(chan struct{}, 1), endpoints: make(chan struct{}, 1)}

	s.handle([]byte(`{"type":"Results","is_final":true,"speech_final":true,"channel":{"alternatives":[{"transcript":"hi"}]}}`))
	select {
	case <-s.endpoints:
	default:
		t.Error("expected endpoint signal for speech_final")
	}

	s.handle([]byte(`{"type":"UtteranceEnd"}`))
	select {
	case <-s.endpoints:
	default:
		t.Error("expected endpoint signal for UtteranceEnd")
	}

	s.handle([]byte(`{"type":"Results","is_final":true,"from_finalize":true,"channel":{"alternatives":[{"transcript":"there"}]}}`))
	select {
	case <-s.flushed:
	default:
		t.Error("expected flush signal for from_finalize")
	}

	s.handle([]byte(`{invalid`))
	if got := strings.Join(s.segments, " "); got != "hi there" {
		t.Errorf("segments: got %q, want %q", got, "hi there")
	}
}

// ---- live session tests ----

// fakeDeepgram is a minimal streaming endpoint. It counts audio bytes and
// answers Finalize with a from_finalize result carrying transcript.
type fakeDeepgram struct {
	transcript    string
	answerFinalize bool

	mu         sync.Mutex
	audioBytes int
	authHeader string
	texts      []string
}

func (f *fakeDeepgram) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.authHeader = r.Header.Get("Authorization")
	f.mu.Unlock()

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer c.CloseNow()

	ctx := r.Context()
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		if typ == websocket.MessageBinary {
			f.mu.Lock()
			f.audioBytes += len(data)
			f.mu.Unlock()
			continue
		}
		f.mu.Lock()
		f.texts = append(f.texts, string(data))
		f.mu.Unlock()

		if strings.Contains(string(data), "Finalize") && f.answerFinalize {
			resp := `{"type":"Results","is_final":true,"speech_final":false,"from_finalize":true,` +
				`"channel":{"alternatives":[{"transcript":"` + f.transcript + `"}]}}`
			if err := c.Write(ctx, websocket.MessageText, []byte(resp)); err != nil {
				return
			}
		}
	}
}

func openFake(t *testing.T, fake *fakeDeepgram, opts ...Option) *Session {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	p, err := New("secret", append([]Option{WithURL(wsURL)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := p.Open(ctx)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSession_Finalize(t *testing.T) {
	t.Parallel()
	fake := &fakeDeepgram{transcript: "turn on the lights", answerFinalize: true}
	s := openFake(t, fake)
	ctx := context.Background()

	frame := audio.AudioFrame{Data: make([]byte, 320), SampleRate: 16000, Channels: 1}
	for range 3 {
		if err := s.AcceptAudio(ctx, frame); err != nil {
			t.Fatalf("AcceptAudio: unexpected error: %v", err)
		}
	}

	text, err := s.Finalize(ctx)
	if err != nil {
		t.Fatalf("Finalize: unexpected error: %v", err)
	}
	if text != "turn on the lights" {
		t.Errorf("Finalize: got %q, want %q", text, "turn on the lights")
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.audioBytes != 960 {
		t.Errorf("server received %d audio bytes, want 960", fake.audioBytes)
	}
	if fake.authHeader != "Token secret" {
		t.Errorf("Authorization header: got %q", fake.authHeader)
	}
}

func TestSession_FinalizeResetsSegments(t *testing.T) {
	t.Parallel()
	fake := &fakeDeepgram{transcript: "again", answerFinalize: true}
	s := openFake(t, fake)
	ctx := context.Background()

	for range 2 {
		text, err := s.Finalize(ctx)
		if err != nil {
			t.Fatalf("Finalize: unexpected error: %v", err)
		}
		if text != "again" {
			t.Errorf("Finalize: got %q, want %q", text, "again")
		}
	}
}

func TestSession_FinalizeTimeout(t *testing.T) {
	t.Parallel()
	fake := &fakeDeepgram{}
	s := openFake(t, fake, WithFinalizeTimeout(50*time.Millisecond))

	start := time.Now()
	text, err := s.Finalize(context.Background())
	if err != nil {
		t.Fatalf("Finalize: unexpected error: %v", err)
	}
	if text != "" {
		t.Errorf("Finalize: got %q, want empty", text)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Finalize took %v, expected to honour the timeout", elapsed)
	}
}

func TestSession_AcceptAfterClose(t *testing.T) {
	t.Parallel()
	s := openFake(t, &fakeDeepgram{})
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not stop after Close")
	}
	frame := audio.AudioFrame{Data: []byte{0, 0}}
	if err := s.AcceptAudio(context.Background(), frame); err == nil {
		t.Error("AcceptAudio after Close: expected error")
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

// ---- constructor tests ----

func TestNew_EmptyAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	assertEqual(t, "model", defaultModel, p.model)
	assertEqual(t, "language", defaultLanguage, p.language)
	if p.sampleRate != defaultSampleRate {
		t.Errorf("expected sampleRate %d, got %d", defaultSampleRate, p.sampleRate)
	}
	if p.finalizeTimeout != defaultFinalizeTimeout {
		t.Errorf("expected finalizeTimeout %v, got %v", defaultFinalizeTimeout, p.finalizeTimeout)
	}
}

// ---- helpers ----

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}
