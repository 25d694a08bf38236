package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func ms(v int64) *int64 { return &v }

func newTestConn() *Conn {
	return &Conn{
		cfg: ConnConfig{
			SessionID:      "sess-1",
			TargetLanguage: "es",
		},
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
}

func drainEvents(c *Conn) []Event {
	var out []Event
	for {
		select {
		case ev := <-c.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestUtteranceAccumulation(t *testing.T) {
	var u utterance
	u.add(serverToken{Text: "Hello ", StartMs: ms(100), DurationMs: ms(300)})
	u.add(serverToken{Text: "world", StartMs: ms(400), DurationMs: ms(200)})
	u.add(serverToken{Text: "Hola ", TranslationStatus: "translation"})
	u.add(serverToken{Text: "mundo", TranslationStatus: "translation"})

	if got := u.original(); got != "Hello world" {
		t.Errorf("original = %q, want %q", got, "Hello world")
	}
	if got := u.translated(); got != "Hola mundo" {
		t.Errorf("translated = %q, want %q", got, "Hola mundo")
	}
	if u.startMs == nil || *u.startMs != 100 {
		t.Errorf("startMs = %v, want 100", u.startMs)
	}
	if u.endMs == nil || *u.endMs != 600 {
		t.Errorf("endMs = %v, want 600", u.endMs)
	}

	u.reset()
	if !u.empty() {
		t.Error("utterance not empty after reset")
	}
	if u.startMs != nil || u.endMs != nil {
		t.Error("timing not cleared after reset")
	}
}

func TestHandleMessage_PartialThenFinal(t *testing.T) {
	c := newTestConn()

	// First tokens arrive: expect a partial labelled with the prospective
	// sequence 1.
	c.handleMessage(serverMessage{Tokens: []serverToken{{Text: "Good "}}})
	evs := drainEvents(c)
	if len(evs) != 1 {
		t.Fatalf("got %d events, want 1", len(evs))
	}
	if evs[0].Kind != EventPartial {
		t.Fatalf("kind = %v, want partial", evs[0].Kind)
	}
	if evs[0].Entry.Sequence != 1 {
		t.Errorf("partial sequence = %d, want 1", evs[0].Entry.Sequence)
	}
	if evs[0].Entry.IsFinal {
		t.Error("partial marked final")
	}

	// More tokens, still sequence 1.
	c.handleMessage(serverMessage{Tokens: []serverToken{{Text: "morning"}}})
	evs = drainEvents(c)
	if len(evs) != 1 || evs[0].Entry.Sequence != 1 {
		t.Fatalf("second partial = %+v, want sequence 1", evs)
	}
	if got := evs[0].Entry.OriginalText; got != "Good morning" {
		t.Errorf("partial text = %q, want %q", got, "Good morning")
	}

	// Finalize: the final takes the same sequence the partials advertised.
	c.handleMessage(serverMessage{Finished: true})
	evs = drainEvents(c)
	if len(evs) != 1 {
		t.Fatalf("got %d events, want 1", len(evs))
	}
	if evs[0].Kind != EventFinal {
		t.Fatalf("kind = %v, want final", evs[0].Kind)
	}
	if evs[0].Entry.Sequence != 1 {
		t.Errorf("final sequence = %d, want 1", evs[0].Entry.Sequence)
	}
	if !evs[0].Entry.IsFinal {
		t.Error("final not marked final")
	}

	// Next utterance advertises sequence 2.
	c.handleMessage(serverMessage{Tokens: []serverToken{{Text: "Bye"}}})
	evs = drainEvents(c)
	if len(evs) != 1 || evs[0].Entry.Sequence != 2 {
		t.Fatalf("next partial = %+v, want sequence 2", evs)
	}
}

func TestHandleMessage_FinishedWithoutTokens(t *testing.T) {
	c := newTestConn()

	c.handleMessage(serverMessage{Finished: true})
	if evs := drainEvents(c); len(evs) != 0 {
		t.Fatalf("empty finish emitted %d events, want 0", len(evs))
	}
	if c.seq != 0 {
		t.Errorf("seq = %d, want 0 after empty finish", c.seq)
	}
}

func TestHandleMessage_ErrorPayload(t *testing.T) {
	c := newTestConn()

	c.handleMessage(serverMessage{ErrorCode: 401, ErrorMessage: "bad credential"})
	evs := drainEvents(c)
	if len(evs) != 1 || evs[0].Kind != EventError {
		t.Fatalf("got %+v, want one error event", evs)
	}
	var remote *RemoteError
	if !errors.As(evs[0].Err, &remote) {
		t.Fatalf("err = %v, want *RemoteError", evs[0].Err)
	}
	if remote.Code != 401 {
		t.Errorf("code = %d, want 401", remote.Code)
	}
}

// fakeServer accepts one websocket connection and records what it receives.
type fakeServer struct {
	t        *testing.T
	messages chan recvMsg
	conn     chan *websocket.Conn
}

type recvMsg struct {
	typ  websocket.MessageType
	data []byte
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	fs := &fakeServer{
		t:        t,
		messages: make(chan recvMsg, 16),
		conn:     make(chan *websocket.Conn, 1),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		fs.conn <- ws
		for {
			typ, data, err := ws.Read(r.Context())
			if err != nil {
				close(fs.messages)
				return
			}
			fs.messages <- recvMsg{typ: typ, data: data}
		}
	}))
	t.Cleanup(srv.Close)
	return fs, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (fs *fakeServer) recv() recvMsg {
	fs.t.Helper()
	select {
	case m, ok := <-fs.messages:
		if !ok {
			fs.t.Fatal("server message channel closed")
		}
		return m
	case <-time.After(2 * time.Second):
		fs.t.Fatal("timed out waiting for client message")
	}
	return recvMsg{}
}

func TestConn_HandshakeSentOnFirstFrame(t *testing.T) {
	fs, srv := newFakeServer(t)
	ctx := context.Background()

	c, err := Dial(ctx, ConnConfig{
		Endpoint:       wsURL(srv),
		Credential:     "tok",
		Model:          "rt-v3",
		SourceLanguage: "en",
		TargetLanguage: "es",
		SessionID:      "sess-1",
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if err := c.SendFrame(ctx, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}
	if err := c.SendFrame(ctx, []byte{5, 6}); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}

	// First message must be the text handshake.
	first := fs.recv()
	if first.typ != websocket.MessageText {
		t.Fatalf("first message type = %v, want text", first.typ)
	}
	var hs handshake
	if err := json.Unmarshal(first.data, &hs); err != nil {
		t.Fatalf("unmarshal handshake: %v", err)
	}
	if hs.Model != "rt-v3" {
		t.Errorf("model = %q, want rt-v3", hs.Model)
	}
	if hs.AudioFormat != "pcm_s16le" || hs.SampleRate != 16000 || hs.NumChannels != 1 {
		t.Errorf("audio spec = %q/%d/%d", hs.AudioFormat, hs.SampleRate, hs.NumChannels)
	}
	if hs.Translation.Type != "one_way" || hs.Translation.TargetLanguage != "es" {
		t.Errorf("translation = %+v", hs.Translation)
	}
	if !hs.IncludeNonfinal {
		t.Error("include_nonfinal not set")
	}

	// Then the two binary frames, handshake not repeated.
	for i, want := range [][]byte{{1, 2, 3, 4}, {5, 6}} {
		m := fs.recv()
		if m.typ != websocket.MessageBinary {
			t.Fatalf("frame %d type = %v, want binary", i, m.typ)
		}
		if string(m.data) != string(want) {
			t.Errorf("frame %d = %v, want %v", i, m.data, want)
		}
	}
}

func TestConn_ServerTokensBecomeEvents(t *testing.T) {
	fs, srv := newFakeServer(t)
	ctx := context.Background()

	c, err := Dial(ctx, ConnConfig{
		Endpoint:       wsURL(srv),
		Credential:     "tok",
		TargetLanguage: "fr",
		SessionID:      "sess-1",
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	ws := <-fs.conn
	payload, _ := json.Marshal(serverMessage{
		Tokens: []serverToken{
			{Text: "Hi", StartMs: ms(0), DurationMs: ms(200)},
			{Text: "Salut", TranslationStatus: "translation"},
		},
	})
	if err := ws.Write(ctx, websocket.MessageText, payload); err != nil {
		t.Fatalf("server write: %v", err)
	}
	final, _ := json.Marshal(serverMessage{Finished: true})
	if err := ws.Write(ctx, websocket.MessageText, final); err != nil {
		t.Fatalf("server write: %v", err)
	}

	var got []Event
	deadline := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				t.Fatal("event channel closed early")
			}
			if ev.Kind == EventConnectionChange {
				continue
			}
			got = append(got, ev)
		case <-deadline:
			t.Fatalf("timed out, got %d events", len(got))
		}
	}

	if got[0].Kind != EventPartial {
		t.Fatalf("first event kind = %v, want partial", got[0].Kind)
	}
	if got[1].Kind != EventFinal {
		t.Fatalf("second event kind = %v, want final", got[1].Kind)
	}
	fin := got[1].Entry
	if fin.OriginalText != "Hi" || fin.TranslatedText != "Salut" {
		t.Errorf("final text = %q/%q", fin.OriginalText, fin.TranslatedText)
	}
	if fin.TargetLanguage != "fr" || fin.SessionID != "sess-1" {
		t.Errorf("final identity = %q/%q", fin.TargetLanguage, fin.SessionID)
	}
	if fin.StartTimeMs == nil || *fin.StartTimeMs != 0 || fin.EndTimeMs == nil || *fin.EndTimeMs != 200 {
		t.Errorf("final timing = %v/%v", fin.StartTimeMs, fin.EndTimeMs)
	}
}

func TestConn_CloseIsIdempotent(t *testing.T) {
	_, srv := newFakeServer(t)

	c, err := Dial(context.Background(), ConnConfig{
		Endpoint:       wsURL(srv),
		TargetLanguage: "de",
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if c.State() != StateClosed {
		t.Errorf("state = %v, want closed", c.State())
	}

	// The event channel drains and closes after teardown.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-c.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("event channel never closed")
		}
	}
}

func TestConn_StateChangeAfterReadLoopExitIsDropped(t *testing.T) {
	c := newTestConn()

	// The remote closed the socket and the read loop shut the event stream
	// down while a Finish-driven state change was still in flight.
	c.closeEvents()
	c.setState(StateClosing)
	c.emit(Event{Kind: EventError, Language: "es", Err: errors.New("late")})

	if _, ok := <-c.events; ok {
		t.Fatal("event delivered after the channel was closed")
	}
}
