package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/glotline/glotline/internal/feed"
	"github.com/glotline/glotline/pkg/interp"
)

// Subscribe opens a LISTEN/NOTIFY change-feed subscription for one session.
// It dedicates a pooled connection to the listen loop for the subscription's
// lifetime. The store satisfies [feed.Source].
func (s *Store) Subscribe(ctx context.Context, sessionID string) (feed.Subscription, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: acquire feed connection: %w", err)
	}

	channel := pgx.Identifier{notifyChannelPrefix + sessionID}.Sanitize()
	if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("store: listen %s: %w", channel, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sub := &feedSub{
		session: sessionID,
		events:  make(chan interp.Event, 64),
		cancel:  cancel,
	}
	go sub.run(runCtx, conn)

	slog.Debug("store: change feed subscribed", "session_id", sessionID)
	return sub, nil
}

// feedSub is one live LISTEN subscription. Implements [feed.Subscription].
type feedSub struct {
	session string
	events  chan interp.Event
	cancel  context.CancelFunc

	mu       sync.Mutex
	err      error
	closeOne sync.Once
}

// Events implements [feed.Subscription].
func (f *feedSub) Events() <-chan interp.Event { return f.events }

// Err implements [feed.Subscription]. Non-nil only after the event channel
// has closed because of a failure.
func (f *feedSub) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Close implements [feed.Subscription]. Idempotent.
func (f *feedSub) Close() error {
	f.closeOne.Do(f.cancel)
	return nil
}

// run blocks on notifications until cancelled or the connection fails, then
// closes the event channel.
func (f *feedSub) run(ctx context.Context, conn *pgxpool.Conn) {
	defer close(f.events)
	defer conn.Release()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				f.mu.Lock()
				f.err = fmt.Errorf("store: change feed: %w", err)
				f.mu.Unlock()
			}
			return
		}

		ev, ok := decodeNotification(f.session, n.Payload)
		if !ok {
			continue
		}
		select {
		case f.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// notifyPayload mirrors the JSON the schema trigger emits.
type notifyPayload struct {
	Op        string     `json:"op"`
	SessionID string     `json:"session_id"`
	Row       rowPayload `json:"row"`
}

// rowPayload is the row_to_json rendering of one interpretations row.
type rowPayload struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	Sequence       int64     `json:"sequence"`
	TargetLanguage string    `json:"target_language"`
	OriginalText   string    `json:"original_text"`
	TranslatedText string    `json:"translated_text"`
	IsFinal        bool      `json:"is_final"`
	StartTimeMs    *int64    `json:"start_time_ms"`
	EndTimeMs      *int64    `json:"end_time_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

// decodeNotification parses one NOTIFY payload into a change-feed event.
// Malformed payloads and foreign sessions are dropped with a log line, never
// an error: the feed keeps flowing.
func decodeNotification(sessionID, payload string) (interp.Event, bool) {
	var p notifyPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		slog.Warn("store: malformed change feed payload, dropping", "err", err)
		return interp.Event{}, false
	}
	if p.SessionID != sessionID {
		return interp.Event{}, false
	}

	row := interp.Interpretation{
		ID:             p.Row.ID,
		SessionID:      p.Row.SessionID,
		Sequence:       p.Row.Sequence,
		TargetLanguage: p.Row.TargetLanguage,
		OriginalText:   p.Row.OriginalText,
		TranslatedText: p.Row.TranslatedText,
		IsFinal:        p.Row.IsFinal,
		StartTimeMs:    p.Row.StartTimeMs,
		EndTimeMs:      p.Row.EndTimeMs,
		CreatedAt:      p.Row.CreatedAt,
	}

	switch p.Op {
	case "insert":
		return interp.Event{Kind: interp.EventInsert, Row: row}, true
	case "update":
		return interp.Event{Kind: interp.EventUpdate, Row: row}, true
	case "delete":
		return interp.Event{Kind: interp.EventDelete, ID: row.ID}, true
	default:
		slog.Warn("store: unknown change feed operation, dropping", "op", p.Op)
		return interp.Event{}, false
	}
}
