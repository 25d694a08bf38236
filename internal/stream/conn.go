package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/glotline/glotline/pkg/audio"
	"github.com/glotline/glotline/pkg/interp"
)

// ConnState is the lifecycle state of a single language connection.
type ConnState int32

const (
	StateIdle ConnState = iota
	StateConnecting
	StateOpen
	StateStreaming
	StateClosing
	StateClosed
	StateError
)

// String returns the human-readable name of the state.
func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ConnConfig configures a single language connection.
type ConnConfig struct {
	// Endpoint is the websocket URL of the streaming service.
	Endpoint string

	// Credential is the short-lived scoped token sent as a Bearer header.
	Credential string

	// Model selects the recognition/translation model.
	Model string

	// SourceLanguage is the hint for the presenter's spoken language.
	SourceLanguage string

	// TargetLanguage is the translation target this connection serves.
	TargetLanguage string

	// SessionID stamps every emitted interpretation.
	SessionID string

	// SampleRate of the audio frames that will be sent. Defaults to
	// [audio.PipelineRate].
	SampleRate int
}

// Conn is one persistent bidirectional streaming connection for a single
// target language. It forwards encoded audio frames outbound and parses the
// inbound token stream into partial/final interpretation events delivered on
// [Conn.Events].
//
// The configuration handshake is sent exactly once, on receipt of the first
// audio frame rather than at socket open. That orders the handshake and the
// first audio bytes correctly relative to any buffering upstream.
type Conn struct {
	cfg ConnConfig
	ws  *websocket.Conn

	state  atomic.Int32
	events chan Event
	done   chan struct{}

	writeMu    sync.Mutex
	configSent bool

	// emitMu serializes event delivery with the read loop closing the
	// channel: a Finish or SendFrame state change racing a remote close must
	// not send on the closed channel.
	emitMu       sync.Mutex
	eventsClosed bool

	// seq counts finalized entries. A non-final entry is labelled with the
	// prospective next sequence (seq+1) and shares that number with the
	// eventually-finalized entry for the same span.
	seq int64
	cur utterance

	closeOne sync.Once
}

// Dial opens the websocket for one target language. The returned connection
// is in the open state; the handshake is deferred until the first frame.
func Dial(ctx context.Context, cfg ConnConfig) (*Conn, error) {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = audio.PipelineRate
	}

	c := &Conn{
		cfg:    cfg,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
	c.setState(StateConnecting)

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+cfg.Credential)

	ws, _, err := websocket.Dial(ctx, cfg.Endpoint, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		c.state.Store(int32(StateError))
		return nil, &ConnectionError{Language: cfg.TargetLanguage, Err: err}
	}
	// Interpretation payloads for long utterances can exceed the library's
	// 32 KiB default.
	ws.SetReadLimit(1 << 20)

	c.ws = ws
	c.setState(StateOpen)
	go c.readLoop()
	return c, nil
}

// Events returns the tagged-union event stream for this language. The
// channel is closed once the connection has fully shut down.
func (c *Conn) Events() <-chan Event { return c.events }

// State returns the current lifecycle state.
func (c *Conn) State() ConnState { return ConnState(c.state.Load()) }

// Language returns the target language this connection serves.
func (c *Conn) Language() string { return c.cfg.TargetLanguage }

// SendFrame forwards one encoded s16le audio frame. The first call sends the
// configuration handshake immediately before the audio bytes.
func (c *Conn) SendFrame(ctx context.Context, pcm []byte) error {
	switch c.State() {
	case StateClosing, StateClosed, StateError:
		return &ConnectionError{Language: c.cfg.TargetLanguage, Err: fmt.Errorf("connection is %s", c.State())}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if !c.configSent {
		hs := handshake{
			Model:           c.cfg.Model,
			LanguageHints:   []string{c.cfg.SourceLanguage},
			IncludeNonfinal: true,
			AudioFormat:     "pcm_s16le",
			SampleRate:      c.cfg.SampleRate,
			NumChannels:     1,
			Translation: translationSpec{
				Type:           "one_way",
				TargetLanguage: c.cfg.TargetLanguage,
			},
		}
		raw, err := json.Marshal(hs)
		if err != nil {
			return fmt.Errorf("stream: marshal handshake: %w", err)
		}
		if err := c.ws.Write(ctx, websocket.MessageText, raw); err != nil {
			return &ConnectionError{Language: c.cfg.TargetLanguage, Err: err}
		}
		c.configSent = true
		c.setState(StateStreaming)
	}

	if err := c.ws.Write(ctx, websocket.MessageBinary, pcm); err != nil {
		return &ConnectionError{Language: c.cfg.TargetLanguage, Err: err}
	}
	return nil
}

// Finish requests graceful completion: the server flushes pending audio and
// finalizes the current utterance before closing its side.
func (c *Conn) Finish(ctx context.Context) error {
	c.setState(StateClosing)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	raw, err := json.Marshal(finishRequest{Finish: true})
	if err != nil {
		return fmt.Errorf("stream: marshal finish: %w", err)
	}
	if err := c.ws.Write(ctx, websocket.MessageText, raw); err != nil {
		return &ConnectionError{Language: c.cfg.TargetLanguage, Err: err}
	}
	return nil
}

// Close terminates the connection. Safe to call more than once; the event
// channel closes once the read loop has drained.
func (c *Conn) Close() error {
	c.closeOne.Do(func() {
		// No event for the terminal transition: the channel closing is the
		// signal, and emitting here could block against a gone consumer.
		c.state.Store(int32(StateClosed))
		close(c.done)
		_ = c.ws.Close(websocket.StatusNormalClosure, "stream closed")
	})
	return nil
}

// setState transitions to s and emits a connection-change event. Transitions
// into closed/error from closed are suppressed so the terminal state wins.
func (c *Conn) setState(s ConnState) {
	prev := ConnState(c.state.Swap(int32(s)))
	if prev == s || prev == StateClosed {
		c.state.Store(int32(prev))
		return
	}
	c.emit(Event{Kind: EventConnectionChange, Language: c.cfg.TargetLanguage, State: s})
}

// emit delivers ev without blocking past connection teardown. Once the read
// loop has closed the event channel the event is dropped.
func (c *Conn) emit(ev Event) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if c.eventsClosed {
		return
	}
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// closeEvents shuts the event channel once no emit is in flight. Only the
// read loop calls this.
func (c *Conn) closeEvents() {
	c.emitMu.Lock()
	c.eventsClosed = true
	c.emitMu.Unlock()
	close(c.events)
}

// readLoop receives server messages until the socket closes, then closes the
// event channel.
func (c *Conn) readLoop() {
	defer c.closeEvents()

	for {
		typ, raw, err := c.ws.Read(context.Background())
		if err != nil {
			// Remote close or local Close. Mark closed unless Close already
			// did; the fanout observes the channel closing either way.
			if c.State() != StateClosed {
				c.state.Store(int32(StateClosed))
			}
			return
		}
		if typ != websocket.MessageText {
			slog.Warn("stream: unexpected binary message from server, dropping",
				"language", c.cfg.TargetLanguage,
			)
			continue
		}

		var msg serverMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			// Protocol error: log and drop, keep the socket open.
			slog.Warn("stream: malformed server message, dropping",
				"language", c.cfg.TargetLanguage,
				"err", err,
			)
			continue
		}
		c.handleMessage(msg)
	}
}

// handleMessage folds one server message into the current utterance and
// emits the resulting partial/final/error events.
func (c *Conn) handleMessage(msg serverMessage) {
	if msg.ErrorCode != 0 || msg.ErrorMessage != "" {
		c.emit(Event{
			Kind:     EventError,
			Language: c.cfg.TargetLanguage,
			Err:      &RemoteError{Code: msg.ErrorCode, Message: msg.ErrorMessage},
		})
		return
	}

	for _, tok := range msg.Tokens {
		c.cur.add(tok)
	}

	if msg.Finished {
		if !c.cur.empty() {
			c.seq++
			c.emit(Event{
				Kind:     EventFinal,
				Language: c.cfg.TargetLanguage,
				Entry:    c.entry(c.seq, true),
			})
		}
		c.cur.reset()
		return
	}

	if len(msg.Tokens) > 0 && !c.cur.empty() {
		c.emit(Event{
			Kind:     EventPartial,
			Language: c.cfg.TargetLanguage,
			Entry:    c.entry(c.seq+1, false),
		})
	}
}

// entry snapshots the current utterance as an interpretation at seq.
func (c *Conn) entry(seq int64, final bool) interp.Interpretation {
	return interp.Interpretation{
		SessionID:      c.cfg.SessionID,
		Sequence:       seq,
		TargetLanguage: c.cfg.TargetLanguage,
		OriginalText:   c.cur.original(),
		TranslatedText: c.cur.translated(),
		IsFinal:        final,
		StartTimeMs:    c.cur.startMs,
		EndTimeMs:      c.cur.endMs,
		CreatedAt:      time.Now().UTC(),
	}
}

// utterance accumulates tokens for the entry currently being recognised.
type utterance struct {
	srcParts []string
	dstParts []string

	// startMs/endMs come from the first and last source tokens that carry
	// timing metadata.
	startMs *int64
	endMs   *int64
}

// add folds one token into the accumulation.
func (u *utterance) add(tok serverToken) {
	if tok.translated() {
		if tok.Text != "" {
			u.dstParts = append(u.dstParts, tok.Text)
		}
		return
	}
	if tok.Text != "" {
		u.srcParts = append(u.srcParts, tok.Text)
	}
	if tok.StartMs != nil {
		if u.startMs == nil {
			u.startMs = tok.StartMs
		}
		end := *tok.StartMs
		if tok.DurationMs != nil {
			end += *tok.DurationMs
		}
		u.endMs = &end
	}
}

// empty reports whether no text has accumulated in either partition.
func (u *utterance) empty() bool {
	return len(u.srcParts) == 0 && len(u.dstParts) == 0
}

// original concatenates the source partition in arrival order.
func (u *utterance) original() string { return strings.Join(u.srcParts, "") }

// translated concatenates the translated partition in arrival order.
func (u *utterance) translated() string { return strings.Join(u.dstParts, "") }

// reset clears accumulation for the next sequence slot.
func (u *utterance) reset() { *u = utterance{} }
