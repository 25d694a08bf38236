package stream

import (
	"context"
	"log/slog"
	"time"

	"github.com/glotline/glotline/internal/observe"
	"github.com/glotline/glotline/pkg/interp"
)

// Writer persists interpretation rows. Implemented by the postgres store.
type Writer interface {
	// Upsert inserts or updates the row keyed by (session, language,
	// sequence) and returns the stored row with its assigned id.
	Upsert(ctx context.Context, row interp.Interpretation) (interp.Interpretation, error)
}

// Recorder drains a fanout's merged event stream and persists every partial
// and final entry. A partial at a given sequence and the final that replaces
// it share a key, so persistence is naturally idempotent: the final simply
// overwrites the last partial in place.
type Recorder struct {
	writer Writer
}

// NewRecorder creates a recorder that persists through w.
func NewRecorder(w Writer) *Recorder {
	return &Recorder{writer: w}
}

// Run consumes events until the channel closes or ctx is cancelled. Persist
// failures are logged and skipped; a flaky store must not stall the audio
// pipeline behind it.
func (r *Recorder) Run(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			r.handle(ctx, ev)
		}
	}
}

// handle persists one event if it carries an entry.
func (r *Recorder) handle(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventPartial, EventFinal:
	case EventError:
		if ev.Err != nil {
			slog.Warn("recorder: stream error event", "language", ev.Language, "err", ev.Err)
		}
		return
	default:
		return
	}

	start := time.Now()
	stored, err := r.writer.Upsert(ctx, ev.Entry)
	observe.DefaultMetrics().UpsertDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		slog.Error("recorder: persist interpretation failed",
			"language", ev.Entry.TargetLanguage,
			"sequence", ev.Entry.Sequence,
			"final", ev.Entry.IsFinal,
			"err", err,
		)
		return
	}

	if ev.Kind == EventFinal {
		observe.DefaultMetrics().RecordFinalized(ctx, stored.TargetLanguage)
		slog.Debug("recorder: finalized entry stored",
			"language", stored.TargetLanguage,
			"sequence", stored.Sequence,
			"id", stored.ID,
		)
	}
}
