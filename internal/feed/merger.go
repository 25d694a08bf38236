// Package feed is the consumer side of the pipeline: it subscribes to a
// change feed of interpretation events for one session, merges them into an
// ordered local history, and collapses that history into the view an
// audience member reads.
package feed

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/glotline/glotline/internal/observe"
	"github.com/glotline/glotline/pkg/interp"
)

// Merger maintains a session-scoped mirror of the interpretation event log.
// It never infers finality and never filters: every row the log holds, the
// merger holds, ordered ascending by sequence.
//
// Event application is serialized through a mutex so merge-then-sort is
// atomic: a reader never observes a partially-applied event.
type Merger struct {
	mu   sync.Mutex
	rows []interp.Interpretation
	byID map[string]int
}

// NewMerger returns an empty merger.
func NewMerger() *Merger {
	return &Merger{byID: make(map[string]int)}
}

// Load replaces the merger's contents with a historical snapshot, typically
// the bulk read performed before live events start flowing. Rows are
// re-sorted; the snapshot need not be ordered.
func (m *Merger) Load(rows []interp.Interpretation) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rows = append([]interp.Interpretation(nil), rows...)
	m.resort()
}

// Apply folds one change-feed event into the history.
//
//   - Insert is idempotent: a duplicate id is a no-op, defending against an
//     event that references a row already present in the historical snapshot.
//   - Update replaces the row with the matching id, or inserts when the id is
//     unknown (the update may race ahead of the consumer's insert). An update
//     may never flip a stored final row back to non-final.
//   - Delete removes by id; absence is a no-op.
func (m *Merger) Apply(ev interp.Event) {
	start := time.Now()
	m.mu.Lock()
	defer func() {
		m.mu.Unlock()
		observe.DefaultMetrics().ApplyDuration.Record(context.Background(), time.Since(start).Seconds())
	}()

	switch ev.Kind {
	case interp.EventInsert:
		if _, dup := m.byID[ev.Row.ID]; dup {
			return
		}
		m.rows = append(m.rows, ev.Row)

	case interp.EventUpdate:
		idx, ok := m.byID[ev.Row.ID]
		if !ok {
			m.rows = append(m.rows, ev.Row)
			break
		}
		// Finality is monotone.
		if m.rows[idx].IsFinal && !ev.Row.IsFinal {
			return
		}
		m.rows[idx] = ev.Row

	case interp.EventDelete:
		idx, ok := m.byID[ev.ID]
		if !ok {
			return
		}
		m.rows = append(m.rows[:idx], m.rows[idx+1:]...)

	default:
		return
	}

	m.resort()
}

// History returns a copy of the merged rows, ordered ascending by sequence.
func (m *Merger) History() []interp.Interpretation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]interp.Interpretation(nil), m.rows...)
}

// Len returns the number of merged rows.
func (m *Merger) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// resort re-sorts rows by sequence (creation time breaks ties) and rebuilds
// the id index. Event volume per session is low and lists are bounded by
// session length, so sorting on every mutation stays cheap.
func (m *Merger) resort() {
	sort.SliceStable(m.rows, func(i, j int) bool {
		if m.rows[i].Sequence != m.rows[j].Sequence {
			return m.rows[i].Sequence < m.rows[j].Sequence
		}
		return m.rows[i].CreatedAt.Before(m.rows[j].CreatedAt)
	})
	m.byID = make(map[string]int, len(m.rows))
	for i, row := range m.rows {
		m.byID[row.ID] = i
	}
}
