package app

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/turnloop/internal/config"
	"github.com/MrWong99/turnloop/internal/gateway"
	"github.com/MrWong99/turnloop/internal/observe"
	"github.com/MrWong99/turnloop/internal/voice"
	"github.com/MrWong99/turnloop/pkg/audio"
	"github.com/MrWong99/turnloop/pkg/provider/llm"
)

// SessionInfo holds metadata about an active session.
type SessionInfo struct {
	// SessionID is the gateway-assigned connection ID.
	SessionID string

	// RemoteAddr is the client address.
	RemoteAddr string

	// Format is the audio format the client sends.
	Format audio.Format

	// StartedAt is when the session was started.
	StartedAt time.Time
}

type managedSession struct {
	info    SessionInfo
	session *voice.Session
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Providers *Providers

	// Voice holds the initial per-session settings.
	Voice config.VoiceConfig

	// STTFormat is the format the STT engine is opened with. Client audio in
	// any other format is converted before it reaches the engine.
	STTFormat audio.Format

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// SessionManager runs one [voice.Session] per gateway connection and keeps
// track of the sessions that are live. It implements [gateway.Runner].
// All exported methods are safe for concurrent use.
type SessionManager struct {
	providers *Providers
	sttFormat audio.Format
	metrics   *observe.Metrics

	mu       sync.Mutex
	voice    config.VoiceConfig
	sessions map[string]*managedSession
}

var _ gateway.Runner = (*SessionManager)(nil)

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &SessionManager{
		providers: cfg.Providers,
		sttFormat: cfg.STTFormat,
		metrics:   m,
		voice:     cfg.Voice,
		sessions:  make(map[string]*managedSession),
	}
}

// SetVoice replaces the voice settings used by sessions started from now on.
// Running sessions keep the settings they were started with.
func (sm *SessionManager) SetVoice(v config.VoiceConfig) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.voice = v
}

// Voice returns the settings new sessions are started with.
func (sm *SessionManager) Voice() config.VoiceConfig {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.voice
}

// Count returns the number of live sessions.
func (sm *SessionManager) Count() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// Sessions returns metadata about every live session, oldest first.
func (sm *SessionManager) Sessions() []SessionInfo {
	sm.mu.Lock()
	infos := make([]SessionInfo, 0, len(sm.sessions))
	for _, ms := range sm.sessions {
		infos = append(infos, ms.info)
	}
	sm.mu.Unlock()

	slices.SortFunc(infos, func(a, b SessionInfo) int {
		return cmp.Or(a.StartedAt.Compare(b.StartedAt), cmp.Compare(a.SessionID, b.SessionID))
	})
	return infos
}

// Session returns the live session with the given ID, or nil.
func (sm *SessionManager) Session(id string) *voice.Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if ms, ok := sm.sessions[id]; ok {
		return ms.session
	}
	return nil
}

// RunSession opens an STT engine, builds a voice session around the
// connection and runs it until the client's audio ends or the session fails.
func (sm *SessionManager) RunSession(ctx context.Context, conn *gateway.Conn) error {
	settings := sm.Voice()
	log := observe.Logger(ctx).With("session_id", conn.ID)

	engine, err := sm.providers.NewSTT(ctx, sm.sttFormat)
	if err != nil {
		return fmt.Errorf("app: open stt: %w", err)
	}
	if c, ok := engine.(io.Closer); ok {
		defer func() {
			if err := c.Close(); err != nil {
				log.Warn("stt close error", "err", err)
			}
		}()
	}

	src := conn.Source
	if conn.Format != sm.sttFormat {
		conv, err := audio.NewConverter(sm.sttFormat)
		if err != nil {
			return fmt.Errorf("app: audio converter: %w", err)
		}
		convCtx, stopConv := context.WithCancel(ctx)
		defer stopConv()
		src = conv.ConvertSource(convCtx, src)
		log.Debug("converting client audio", "from", conn.Format.String(), "to", sm.sttFormat.String())
	}

	sink := conn.Sink
	if out := conn.OutputFormat; out.SampleRate > 0 && out.Channels > 0 {
		conv, err := audio.NewConverter(out)
		if err != nil {
			return fmt.Errorf("app: audio converter: %w", err)
		}
		sink = conv.ConvertSink(sink)
	}

	sess, err := voice.NewSession(voice.Config{
		STT:     engine,
		LLM:     sm.providers.LLM,
		TTS:     sm.providers.TTS,
		Source:  src,
		Sink:    sink,
		Options: voice.OptionsFromSeconds(settings.SilenceTimeoutSeconds),
	}, voice.WithID(conn.ID), voice.WithMetrics(sm.metrics))
	if err != nil {
		return fmt.Errorf("app: new session: %w", err)
	}

	info := SessionInfo{
		SessionID:  conn.ID,
		RemoteAddr: conn.RemoteAddr,
		Format:     conn.Format,
		StartedAt:  time.Now().UTC(),
	}
	sm.track(info, sess)
	defer sm.untrack(conn.ID)

	sm.metrics.ActiveSessions.Add(ctx, 1)
	defer sm.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

	sayCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()
	wg.Go(func() { sm.forwardSays(sayCtx, sess, conn.Says, log) })

	log.Info("session started", "remote", conn.RemoteAddr, "silence_timeout", sess.Options().SilenceTimeout)
	return sess.Start(ctx, &greeter{session: sess, greeting: settings.Greeting, log: log})
}

// forwardSays speaks every announcement that arrives on says until the
// channel closes or ctx is done.
func (sm *SessionManager) forwardSays(ctx context.Context, sess *voice.Session, says <-chan string, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case text, ok := <-says:
			if !ok {
				return
			}
			if err := sess.Say(ctx, text); err != nil {
				log.Warn("say failed", "err", err)
			}
		}
	}
}

func (sm *SessionManager) track(info SessionInfo, sess *voice.Session) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.sessions[info.SessionID] = &managedSession{info: info, session: sess}
}

func (sm *SessionManager) untrack(id string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.sessions, id)
}

// greeter is the default agent: it speaks the configured greeting when the
// session starts and logs each completed user turn.
type greeter struct {
	voice.BaseAgent
	session  *voice.Session
	greeting string
	log      *slog.Logger
}

func (g *greeter) OnEnter(ctx context.Context) error {
	if g.greeting == "" {
		return nil
	}
	return g.session.Say(ctx, g.greeting)
}

func (g *greeter) OnUserTurnCompleted(_ context.Context, history *voice.History, msg llm.Message) error {
	g.log.Info("user turn completed", "chars", len(msg.Content), "history_len", history.Len())
	return nil
}

func (g *greeter) OnExit(context.Context) error {
	g.log.Info("session ended", "history_len", g.session.History().Len())
	return nil
}
