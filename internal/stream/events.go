package stream

import (
	"github.com/glotline/glotline/pkg/interp"
)

// EventKind classifies producer-side pipeline events.
type EventKind int

const (
	// EventPartial carries a non-final interpretation for the prospective
	// next sequence slot.
	EventPartial EventKind = iota

	// EventFinal carries a finalized interpretation.
	EventFinal

	// EventError reports a per-language failure. The other languages are
	// unaffected.
	EventError

	// EventConnectionChange reports a connection state transition.
	EventConnectionChange
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventPartial:
		return "partial"
	case EventFinal:
		return "final"
	case EventError:
		return "error"
	case EventConnectionChange:
		return "connection"
	default:
		return "unknown"
	}
}

// Event is the tagged union delivered on a connection's event channel.
// Exactly one payload field is meaningful per kind: Entry for partial/final,
// Err for error, State for connection changes. Language is always set.
type Event struct {
	Kind     EventKind
	Language string

	// Entry is the interpretation snapshot for EventPartial and EventFinal.
	Entry interp.Interpretation

	// Err is the failure for EventError.
	Err error

	// State is the new connection state for EventConnectionChange.
	State ConnState
}
