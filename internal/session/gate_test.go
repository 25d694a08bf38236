package session

import "testing"

func TestGate_IssuesUniqueIDs(t *testing.T) {
	a, b := NewGate(), NewGate()
	if a.ID() == "" {
		t.Fatal("empty session id")
	}
	if a.ID() == b.ID() {
		t.Errorf("two gates share id %q", a.ID())
	}
}

func TestGate_EndClosesSignalIdempotently(t *testing.T) {
	g := NewGate()
	if g.IsEnded() {
		t.Fatal("fresh gate already ended")
	}

	g.End()
	g.End()

	select {
	case <-g.Ended():
	default:
		t.Fatal("Ended channel not closed after End")
	}
	if !g.IsEnded() {
		t.Error("IsEnded = false after End")
	}
}
