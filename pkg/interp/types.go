// Package interp defines the shared types used across all Glotline packages.
//
// These types form the lingua franca between the producer pipeline, the
// persistence layer, and the consumer feed. Each package defines its own
// domain types, but cross-cutting data structures live here to avoid
// circular imports.
package interp

import "time"

// Interpretation is the atomic unit of transcription/translation output.
// One row exists per (SessionID, TargetLanguage, Sequence) slot; the source
// transcript travels alongside the translation rather than as a separate
// entity. Both text fields are mutable until IsFinal becomes true, after
// which the entry is immutable.
type Interpretation struct {
	// ID is the globally unique identifier, immutable once created.
	ID string `json:"id"`

	// SessionID is the owning session.
	SessionID string `json:"session_id"`

	// Sequence is a monotonically increasing integer, unique within a
	// (SessionID, TargetLanguage) pair. It defines presentation order.
	Sequence int64 `json:"sequence"`

	// TargetLanguage is the language code this entry's translation is for.
	TargetLanguage string `json:"target_language"`

	// OriginalText is the current best-known source transcript for this slot.
	OriginalText string `json:"original_text"`

	// TranslatedText is the current best-known translation for this slot.
	TranslatedText string `json:"translated_text"`

	// IsFinal transitions one-way from false to true.
	IsFinal bool `json:"is_final"`

	// StartTimeMs and EndTimeMs are optional offsets into the session's audio
	// timeline. Nil for entries without timing info.
	StartTimeMs *int64 `json:"start_time_ms,omitempty"`
	EndTimeMs   *int64 `json:"end_time_ms,omitempty"`

	// CreatedAt is the creation timestamp. Used only for tie-breaking and
	// audit, never for ordering.
	CreatedAt time.Time `json:"created_at"`
}

// EventKind classifies a change-feed event on the interpretation log.
type EventKind int

const (
	// EventInsert signals a newly created interpretation row.
	EventInsert EventKind = iota

	// EventUpdate signals a mutation of an existing row (text revision or
	// finalization).
	EventUpdate

	// EventDelete signals removal of a row.
	EventDelete
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventInsert:
		return "INSERT"
	case EventUpdate:
		return "UPDATE"
	case EventDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Event is a single change-feed notification scoped to one session.
// For EventDelete only ID is meaningful; Row is the zero value.
type Event struct {
	Kind EventKind

	// Row carries the full row for insert and update events.
	Row Interpretation

	// ID identifies the affected row. Always set, including for deletes.
	ID string
}

// ConnectionStatus is the single authoritative state of a consumer-side
// change-feed subscription. Transitions are driven by the subscription
// lifecycle, not by application code directly.
type ConnectionStatus int

const (
	// StatusDisconnected means no subscription is live and none is being
	// established.
	StatusDisconnected ConnectionStatus = iota

	// StatusConnecting means a subscription attempt is in flight.
	StatusConnecting

	// StatusConnected means the subscription is live and delivering events.
	StatusConnected

	// StatusError means the subscription failed and a retry is scheduled.
	StatusError

	// StatusEnded is terminal: the session was marked ended and no further
	// reconnection attempts occur.
	StatusEnded
)

// String returns the human-readable name of the status.
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	case StatusEnded:
		return "ended"
	default:
		return "unknown"
	}
}
