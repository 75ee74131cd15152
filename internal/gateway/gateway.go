// Package gateway exposes voice sessions over WebSocket.
//
// A client connects to GET /v1/voice, optionally declaring its audio format
// with the sample_rate and channels query parameters, and then:
//
//   - sends binary messages containing 16-bit little-endian PCM;
//   - sends text messages {"type":"say","text":"..."} to have the assistant
//     speak an announcement;
//   - sends {"type":"end"} to signal that no more audio follows.
//
// The server first sends
//
//	{"type":"session","id":"...","sample_rate":16000,"channels":1}
//
// announcing the session ID and the format of the audio it sends back, and
// then streams the assistant's speech as binary PCM messages in that format. The connection is closed
// with a normal closure when the session ends and with an internal error
// status when it fails.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/turnloop/pkg/audio"
)

const (
	defaultReadLimit   = 1 << 20
	defaultFrameBuffer = 64
	sayBuffer          = 8
)

// Conn is the voice side of one accepted WebSocket connection.
type Conn struct {
	// ID is a UUIDv7 assigned when the connection is accepted.
	ID string

	// RemoteAddr is the client's network address.
	RemoteAddr string

	// Format is the audio format the client sends.
	Format audio.Format

	// OutputFormat is the audio format announced to the client. Every frame
	// played to Sink must be in this format.
	OutputFormat audio.Format

	// Source yields inbound audio. It closes when the client sends "end",
	// disconnects, or the server shuts down.
	Source audio.Source

	// Sink writes outbound audio to the client.
	Sink audio.Sink

	// Says carries the text of "say" requests. It closes together with Source.
	Says <-chan string
}

// Runner runs one voice session for an accepted connection. It returns when
// the session is over; the gateway then closes the connection.
type Runner interface {
	RunSession(ctx context.Context, conn *Conn) error
}

// RunnerFunc adapts a function to [Runner].
type RunnerFunc func(ctx context.Context, conn *Conn) error

// RunSession implements [Runner].
func (f RunnerFunc) RunSession(ctx context.Context, conn *Conn) error { return f(ctx, conn) }

// Option configures a [Server].
type Option func(*Server)

// WithFormat sets the audio format assumed when a client does not declare
// one. Default: 16000 Hz mono.
func WithFormat(f audio.Format) Option {
	return func(s *Server) { s.format = f }
}

// WithOutputFormat sets the format of audio sent to clients. A zero field
// takes the value of the client's own format. Default: the client's format.
func WithOutputFormat(f audio.Format) Option {
	return func(s *Server) { s.output = f }
}

// WithOriginPatterns sets the host patterns accepted for cross-origin
// WebSocket requests.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.originPatterns = patterns }
}

// WithReadLimit sets the maximum size of one inbound message in bytes.
// Default: 1 MiB.
func WithReadLimit(n int64) Option {
	return func(s *Server) { s.readLimit = n }
}

// Server accepts voice connections and hands each one to a [Runner].
type Server struct {
	runner         Runner
	format         audio.Format
	output         audio.Format
	originPatterns []string
	readLimit      int64

	// mu orders admissions against Drain: no session is added to wg once
	// accepting is false.
	mu        sync.Mutex
	accepting bool
	wg        sync.WaitGroup
	active    atomic.Int64

	// abort is cancelled when a drain times out and ends remaining sessions.
	abortCtx context.Context
	abort    context.CancelFunc
}

// New returns a server that accepts connections immediately.
func New(runner Runner, opts ...Option) *Server {
	s := &Server{
		runner:    runner,
		format:    audio.Format{SampleRate: 16000, Channels: 1},
		readLimit: defaultReadLimit,
	}
	for _, o := range opts {
		o(s)
	}
	s.abortCtx, s.abort = context.WithCancel(context.Background())
	s.accepting = true
	return s
}

// Register adds the voice route to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.Handle("GET /v1/voice", s)
}

// Active returns the number of sessions currently running.
func (s *Server) Active() int64 { return s.active.Load() }

// Accepting reports whether new connections are admitted.
func (s *Server) Accepting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepting
}

// admit registers a new request with wg unless the server is draining.
func (s *Server) admit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.accepting {
		return false
	}
	s.wg.Add(1)
	return true
}

// Drain stops admitting connections and waits until running sessions finish.
// If ctx is done first, the remaining sessions are cancelled and the context
// error is returned.
func (s *Server) Drain(ctx context.Context) error {
	s.mu.Lock()
	s.accepting = false
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		n := s.Active()
		s.abort()
		return fmt.Errorf("gateway: drain with %d sessions active: %w", n, ctx.Err())
	}
}

// ServeHTTP upgrades the request and runs the session to completion.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.admit() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	format, err := s.parseFormat(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		slog.Warn("gateway: websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	ws.SetReadLimit(s.readLimit)

	// Sessions outlive the request context; only a timed-out drain cancels
	// them.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	defer context.AfterFunc(s.abortCtx, cancel)()

	id, err := uuid.NewV7()
	if err != nil {
		ws.Close(websocket.StatusInternalError, "session id")
		return
	}
	output := s.outputFormat(format)
	hello := event{Type: "session", ID: id.String(), SampleRate: output.SampleRate, Channels: output.Channels}
	if err := writeEvent(ctx, ws, hello); err != nil {
		ws.CloseNow()
		return
	}

	frames := make(chan audio.AudioFrame, defaultFrameBuffer)
	says := make(chan string, sayBuffer)
	conn := &Conn{
		ID:           id.String(),
		RemoteAddr:   r.RemoteAddr,
		Format:       format,
		OutputFormat: output,
		Source:       audio.ChanSource(frames),
		Sink: audio.SinkFunc(func(ctx context.Context, f audio.AudioFrame) error {
			return ws.Write(ctx, websocket.MessageBinary, f.Data)
		}),
		Says:         says,
	}

	s.active.Add(1)
	defer s.active.Add(-1)
	log := slog.With("session_id", conn.ID, "remote", conn.RemoteAddr)
	log.Info("gateway: connection accepted",
		"format", format.String(), "output_format", output.String(), "active", s.Active())

	go readLoop(ctx, ws, format, frames, says, log)

	if err := s.runner.RunSession(ctx, conn); err != nil {
		log.Warn("gateway: session failed", "err", err)
		ws.Close(websocket.StatusInternalError, "session failed")
		return
	}
	ws.Close(websocket.StatusNormalClosure, "session ended")
	log.Info("gateway: connection closed")
}

func (s *Server) parseFormat(r *http.Request) (audio.Format, error) {
	f := s.format
	q := r.URL.Query()
	if v := q.Get("sample_rate"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return f, fmt.Errorf("invalid sample_rate %q", v)
		}
		f.SampleRate = n
	}
	if v := q.Get("channels"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || (n != 1 && n != 2) {
			return f, fmt.Errorf("invalid channels %q; valid values: 1, 2", v)
		}
		f.Channels = n
	}
	return f, nil
}

// outputFormat fills the zero fields of the configured output format from
// the client's format.
func (s *Server) outputFormat(client audio.Format) audio.Format {
	f := s.output
	if f.SampleRate == 0 {
		f.SampleRate = client.SampleRate
	}
	if f.Channels == 0 {
		f.Channels = client.Channels
	}
	return f
}

// event is a text message exchanged with the client.
type event struct {
	Type       string `json:"type"`
	ID         string `json:"id,omitempty"`
	Text       string `json:"text,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
}

func writeEvent(ctx context.Context, ws *websocket.Conn, ev event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}

// readLoop turns inbound messages into frames and say requests. It closes
// both channels when the client ends the audio or the connection drops.
func readLoop(ctx context.Context, ws *websocket.Conn, format audio.Format, frames chan<- audio.AudioFrame, says chan<- string, log *slog.Logger) {
	defer close(says)
	defer close(frames)

	var ts time.Duration
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				log.Debug("gateway: read ended", "err", err)
			}
			return
		}

		switch typ {
		case websocket.MessageBinary:
			f := audio.AudioFrame{Data: data, SampleRate: format.SampleRate, Channels: format.Channels, Timestamp: ts}
			ts += f.Duration()
			select {
			case frames <- f:
			case <-ctx.Done():
				return
			}

		case websocket.MessageText:
			var ev event
			if err := json.Unmarshal(data, &ev); err != nil {
				log.Warn("gateway: malformed text message", "err", err)
				continue
			}
			switch ev.Type {
			case "say":
				select {
				case says <- ev.Text:
				default:
					log.Warn("gateway: say request dropped, queue full")
				}
			case "end":
				return
			default:
				log.Warn("gateway: unknown message type", "type", ev.Type)
			}
		}
	}
}
