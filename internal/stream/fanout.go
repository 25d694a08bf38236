package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/glotline/glotline/internal/observe"
	"github.com/glotline/glotline/internal/token"
	"github.com/glotline/glotline/pkg/audio"
)

// defaultConnectTimeout bounds how long a single language connection may take
// to reach connected during startup.
const defaultConnectTimeout = 10 * time.Second

// finishTimeout bounds the graceful finish exchange during teardown.
const finishTimeout = 2 * time.Second

// FanoutState is the explicit lifecycle of a [Fanout]. There is no ambient
// module state: the whole session lives in the Fanout value owned by the
// caller.
type FanoutState int

const (
	FanoutIdle FanoutState = iota
	FanoutActive
	FanoutStopped
)

// String returns the human-readable name of the state.
func (s FanoutState) String() string {
	switch s {
	case FanoutIdle:
		return "idle"
	case FanoutActive:
		return "active"
	case FanoutStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// languageConn is the slice of [Conn] the fanout needs. Narrowed to an
// interface so tests can substitute fakes.
type languageConn interface {
	Events() <-chan Event
	SendFrame(ctx context.Context, pcm []byte) error
	Finish(ctx context.Context) error
	Close() error
}

// dialFunc opens one language connection. Defaults to [Dial].
type dialFunc func(ctx context.Context, cfg ConnConfig) (languageConn, error)

// FanoutConfig holds the dependencies and settings for a [Fanout].
type FanoutConfig struct {
	// Endpoint is the websocket URL of the streaming service.
	Endpoint string

	// Model selects the recognition/translation model.
	Model string

	// SessionID is the owning session for all emitted interpretations.
	SessionID string

	// DeviceID selects the capture device ("default" when empty).
	DeviceID string

	// Issuer supplies the short-lived scoped credential. A failed issue
	// aborts Start before any socket is opened.
	Issuer token.Issuer

	// OpenDevice acquires the capture device. Typically portaudio.Open
	// wrapped to the [audio.Device] interface.
	OpenDevice func(id string) (audio.Device, error)

	// ConnectTimeout bounds each connection's time to reach connected during
	// Start. Defaults to 10 s.
	ConnectTimeout time.Duration

	// FrameSamples overrides the source frame size. Zero means the audio
	// package default.
	FrameSamples int

	// dial is the connection factory, replaceable in tests.
	dial dialFunc
}

// Fanout owns the audio source and N language connections for one streaming
// session. Every encoded frame is written identically to every open
// connection; a dropped connection simply stops receiving (no mid-stream
// reconnect — partial failure of one language never interrupts the others).
//
// All exported methods are safe for concurrent use.
type Fanout struct {
	cfg FanoutConfig

	mu     sync.Mutex
	state  FanoutState
	conns  map[string]languageConn
	open   map[string]bool
	source *audio.Source

	events  chan Event
	done    chan struct{}
	closing atomic.Bool
	stopOne sync.Once
	wg      sync.WaitGroup
}

// NewFanout creates an idle fanout. Call [Fanout.Start] to begin streaming.
func NewFanout(cfg FanoutConfig) *Fanout {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.dial == nil {
		cfg.dial = func(ctx context.Context, c ConnConfig) (languageConn, error) {
			return Dial(ctx, c)
		}
	}
	return &Fanout{
		cfg:    cfg,
		conns:  make(map[string]languageConn),
		open:   make(map[string]bool),
		events: make(chan Event, 256),
		done:   make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (f *Fanout) State() FanoutState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Events returns the merged event stream across all languages. The channel
// closes after [Fanout.Stop] has fully torn the session down.
func (f *Fanout) Events() <-chan Event { return f.events }

// Start acquires the capture device, opens one connection per target
// language in parallel, and begins distributing frames once all of them are
// connected. Startup is all-or-nothing: if any single connection misses the
// connect timeout, every partially-opened connection is closed and the
// device is released.
func (f *Fanout) Start(ctx context.Context, sourceLang string, targets []string) error {
	if len(targets) == 0 {
		return ErrNoTargetLanguages
	}
	seen := make(map[string]struct{}, len(targets))
	for _, lang := range targets {
		if _, dup := seen[lang]; dup {
			return fmt.Errorf("stream: duplicate target language %q", lang)
		}
		seen[lang] = struct{}{}
	}

	f.mu.Lock()
	if f.state != FanoutIdle {
		f.mu.Unlock()
		return ErrAlreadyActive
	}
	f.mu.Unlock()

	// Credential first: a missing credential must abort before any socket.
	cred, err := f.cfg.Issuer.Issue(ctx)
	if err != nil {
		return fmt.Errorf("stream: obtain credential: %w", err)
	}

	dev, err := f.cfg.OpenDevice(f.cfg.DeviceID)
	if err != nil {
		return fmt.Errorf("stream: acquire device: %w", err)
	}
	var srcOpts []audio.SourceOption
	if f.cfg.FrameSamples > 0 {
		srcOpts = append(srcOpts, audio.WithFrameSamples(f.cfg.FrameSamples))
	}
	source := audio.NewSource(dev, srcOpts...)

	// Parallel connect; the group context cancels the stragglers as soon as
	// one language fails.
	results := make([]languageConn, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, lang := range targets {
		g.Go(func() error {
			dctx, cancel := context.WithTimeout(gctx, f.cfg.ConnectTimeout)
			defer cancel()

			conn, err := f.cfg.dial(dctx, ConnConfig{
				Endpoint:       f.cfg.Endpoint,
				Credential:     cred.Token,
				Model:          f.cfg.Model,
				SourceLanguage: sourceLang,
				TargetLanguage: lang,
				SessionID:      f.cfg.SessionID,
			})
			if err != nil {
				observe.DefaultMetrics().RecordConnectionError(gctx, lang, "dial")
				return err
			}
			results[i] = conn
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, conn := range results {
			if conn != nil {
				_ = conn.Close()
			}
		}
		_ = source.Close()
		return err
	}

	f.mu.Lock()
	if f.state != FanoutIdle {
		// Lost a race with Stop or a concurrent Start.
		f.mu.Unlock()
		for _, conn := range results {
			_ = conn.Close()
		}
		_ = source.Close()
		return ErrAlreadyActive
	}
	f.source = source
	for i, lang := range targets {
		f.conns[lang] = results[i]
		f.open[lang] = true
	}
	f.state = FanoutActive
	f.mu.Unlock()

	observe.DefaultMetrics().AddActiveConnections(ctx, int64(len(targets)))

	for _, lang := range targets {
		f.wg.Add(1)
		go f.forward(lang, f.conns[lang])
	}
	f.wg.Add(1)
	go f.pump()

	slog.Info("stream fanout started",
		"session_id", f.cfg.SessionID,
		"source_language", sourceLang,
		"target_languages", targets,
	)
	return nil
}

// Pause mutes the audio track without closing any socket. No new connection
// or handshake occurs on Resume.
func (f *Fanout) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.source != nil {
		f.source.Pause()
	}
}

// Resume unmutes the audio track.
func (f *Fanout) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.source != nil {
		f.source.Resume()
	}
}

// Stop sends a graceful finish on every open connection, closes each socket,
// then releases the audio device. It is idempotent and safe to call
// concurrently with an in-flight frame callback.
func (f *Fanout) Stop() {
	f.stopOne.Do(func() {
		f.closing.Store(true)

		f.mu.Lock()
		conns := make(map[string]languageConn, len(f.conns))
		for lang, c := range f.conns {
			if f.open[lang] {
				conns[lang] = c
			}
			f.open[lang] = false
		}
		source := f.source
		f.state = FanoutStopped
		f.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
		defer cancel()
		for lang, c := range conns {
			if err := c.Finish(ctx); err != nil {
				slog.Debug("stream: finish request failed", "language", lang, "err", err)
			}
			_ = c.Close()
		}
		observe.DefaultMetrics().AddActiveConnections(ctx, -int64(len(conns)))

		if source != nil {
			_ = source.Close()
		}

		// Release blocked emitters, wait for pump and forwarders, then close
		// the merged event stream.
		close(f.done)
		f.wg.Wait()
		close(f.events)

		slog.Info("stream fanout stopped", "session_id", f.cfg.SessionID)
	})
}

// pump is the single frame-distribution goroutine. Each frame is one atomic
// unit of work, written synchronously to every open connection before the
// next frame is accepted, so frame ordering is identical across connections.
// Writes are fire-and-forget: a slow connection is never throttled.
func (f *Fanout) pump() {
	defer f.wg.Done()

	ctx := context.Background()
	for frame := range f.source.Frames() {
		if f.closing.Load() {
			return
		}
		data := audio.EncodeS16LE(frame.Samples)

		f.mu.Lock()
		type target struct {
			lang string
			conn languageConn
		}
		targets := make([]target, 0, len(f.conns))
		for lang, c := range f.conns {
			if f.open[lang] {
				targets = append(targets, target{lang, c})
			}
		}
		f.mu.Unlock()

		for _, tgt := range targets {
			if f.closing.Load() {
				return
			}
			if err := tgt.conn.SendFrame(ctx, data); err != nil {
				f.dropConn(tgt.lang, err)
			}
		}
		observe.DefaultMetrics().RecordFrame(ctx, len(data))
	}

	// Source closed underneath us: device failure or fanout teardown.
	if err := f.source.Err(); err != nil && !f.closing.Load() {
		f.emit(Event{Kind: EventError, Err: err})
		go f.Stop()
	}
}

// forward copies one connection's events onto the merged stream and detects
// the connection dropping (its channel closing).
func (f *Fanout) forward(lang string, c languageConn) {
	defer f.wg.Done()

	for ev := range c.Events() {
		if ev.Kind == EventError {
			observe.DefaultMetrics().RecordConnectionError(context.Background(), lang, "remote")
		}
		f.emit(ev)
	}
	// Channel closed: the remote end closed the socket or Stop did.
	f.dropConn(lang, nil)
}

// dropConn marks a language connection as no longer receiving frames. If it
// was the last one open and the fanout is still active, the whole session is
// torn down.
func (f *Fanout) dropConn(lang string, err error) {
	f.mu.Lock()
	wasOpen := f.open[lang]
	f.open[lang] = false
	anyOpen := false
	for _, open := range f.open {
		if open {
			anyOpen = true
			break
		}
	}
	active := f.state == FanoutActive
	var conn languageConn
	if wasOpen {
		conn = f.conns[lang]
	}
	f.mu.Unlock()

	if !wasOpen {
		return
	}

	if err != nil {
		slog.Warn("stream: language connection dropped", "language", lang, "err", err)
		observe.DefaultMetrics().RecordConnectionError(context.Background(), lang, "write")
		f.emit(Event{Kind: EventError, Language: lang, Err: err})
		_ = conn.Close()
	} else {
		slog.Info("stream: language connection closed by remote", "language", lang)
	}

	if !anyOpen && active && !f.closing.Load() {
		slog.Warn("stream: all language connections dropped, stopping fanout",
			"session_id", f.cfg.SessionID,
		)
		go f.Stop()
	}
}

// emit delivers ev on the merged stream without blocking past teardown.
func (f *Fanout) emit(ev Event) {
	select {
	case f.events <- ev:
	case <-f.done:
	}
}
