package feed

import "github.com/glotline/glotline/pkg/interp"

// Present collapses an ordered history into what an audience member reads:
// every finalized entry plus at most one live line, the highest-sequence
// non-final. Showing every intermediate partial floods the view; showing
// none makes long utterances feel stalled. One live line is the balance.
//
// language filters to a single target language; the empty string keeps all.
// Present is pure and holds no state: callers re-run it on every history
// change.
func Present(history []interp.Interpretation, language string) []interp.Interpretation {
	var (
		finals []interp.Interpretation
		live   *interp.Interpretation
	)
	for i := range history {
		row := history[i]
		if language != "" && row.TargetLanguage != language {
			continue
		}
		if row.IsFinal {
			finals = append(finals, row)
			continue
		}
		if live == nil || row.Sequence >= live.Sequence {
			live = &history[i]
		}
	}
	if live == nil {
		return finals
	}

	// Insert the live line at the position that preserves sequence order.
	out := make([]interp.Interpretation, 0, len(finals)+1)
	inserted := false
	for _, row := range finals {
		if !inserted && live.Sequence < row.Sequence {
			out = append(out, *live)
			inserted = true
		}
		out = append(out, row)
	}
	if !inserted {
		out = append(out, *live)
	}
	return out
}
