package state

import (
	"testing"
	"time"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRegistry(c *clock) *Registry {
	r := NewRegistry()
	r.now = c.now
	r.sessionStart = c.t
	return r
}

func TestGetOrCreate(t *testing.T) {
	t.Parallel()

	c := &clock{t: time.Unix(1700000000, 0)}
	r := newTestRegistry(c)

	rec := r.GetOrCreate(42, "Alice")
	if rec.DisplayName != "Alice" || !rec.FirstSeen.Equal(c.t) {
		t.Fatalf("created record = %+v", rec)
	}

	c.advance(time.Minute)
	rec = r.GetOrCreate(42, "")
	if rec.DisplayName != "Alice" {
		t.Error("empty display name overwrote existing one")
	}
	if !rec.LastSeen.Equal(c.t) {
		t.Error("last_seen not refreshed")
	}
	if !rec.FirstSeen.Equal(time.Unix(1700000000, 0)) {
		t.Error("first_seen changed on existing record")
	}

	rec = r.GetOrCreate(42, "Alice W.")
	if rec.DisplayName != "Alice W." {
		t.Error("non-empty display name not applied")
	}
}

func TestBanLifecycle(t *testing.T) {
	t.Parallel()

	c := &clock{t: time.Unix(1700000000, 0)}
	r := newTestRegistry(c)

	r.Approve(42)
	r.Ban(42, c.t.Add(time.Hour))
	if !r.IsBanned(42) {
		t.Fatal("expected active ban")
	}
	if r.IsApproved(42) {
		t.Error("ban did not clear approval")
	}

	// Lazy expiry.
	c.advance(61 * time.Minute)
	if r.IsBanned(42) {
		t.Error("expired ban still active")
	}

	r.BanPermanent(43)
	c.advance(100000 * time.Hour)
	if !r.IsBanned(43) {
		t.Error("permanent ban expired")
	}

	r.Unban(43)
	if r.IsBanned(43) {
		t.Error("ban survives unban")
	}
}

func TestViolationHorizon(t *testing.T) {
	t.Parallel()

	c := &clock{t: time.Unix(1700000000, 0)}
	r := newTestRegistry(c)

	r.GetOrCreate(42, "Alice")
	r.AddViolation(42, "spam")
	c.advance(25 * time.Hour)
	r.AddViolation(42, "spam")

	if got := r.ViolationsWithin(42, 24*time.Hour); got != 1 {
		t.Errorf("violations within 24h = %d, want 1", got)
	}

	rec := r.GetOrCreate(42, "")
	if rec.ViolationCount != 2 {
		t.Errorf("cumulative violation count = %d, want 2", rec.ViolationCount)
	}
}

func TestPruneIdempotence(t *testing.T) {
	t.Parallel()

	c := &clock{t: time.Unix(1700000000, 0)}
	r := newTestRegistry(c)

	r.GetOrCreate(42, "Alice")
	r.AddViolation(42, "spam")
	r.Ban(43, c.t.Add(time.Minute))
	r.BanPermanent(44)

	c.advance(25 * time.Hour)
	r.Prune()
	first := r.Stats()
	r.Prune()
	second := r.Stats()

	if first != second {
		t.Errorf("second prune changed state: %+v vs %+v", first, second)
	}
	if first.Banned != 1 {
		t.Errorf("banned after prune = %d, want only the permanent ban", first.Banned)
	}
	if got := r.ViolationsWithin(42, 48*time.Hour); got != 0 {
		t.Errorf("stale violations survive prune: %d", got)
	}
}

func TestHistoryBounded(t *testing.T) {
	t.Parallel()

	c := &clock{t: time.Unix(1700000000, 0)}
	r := newTestRegistry(c)

	for i := 0; i < historyMemoryLimit+50; i++ {
		r.AddHistory(HistoryEntry{Time: c.t, ChatID: 1, UserID: 42, Text: "hi"})
		c.advance(time.Second)
	}
	if got := r.Stats().History; got != historyMemoryLimit {
		t.Errorf("history length = %d, want %d", got, historyMemoryLimit)
	}

	recent := r.RecentHistory(10)
	if len(recent) != 10 {
		t.Fatalf("recent entries = %d, want 10", len(recent))
	}
	if !recent[9].Time.After(recent[0].Time) {
		t.Error("recent history not ordered oldest to newest")
	}
}

func TestGroupStateDefaultsEnabled(t *testing.T) {
	t.Parallel()

	c := &clock{t: time.Unix(1700000000, 0)}
	r := newTestRegistry(c)

	if !r.IsGroupEnabled(1) {
		t.Error("unknown group not enabled by default")
	}
	r.SetGroupEnabled(1, false)
	if r.IsGroupEnabled(1) {
		t.Error("disabled group reported enabled")
	}
}

func TestRotateSession(t *testing.T) {
	t.Parallel()

	c := &clock{t: time.Unix(1700000000, 0)}
	r := newTestRegistry(c)

	before := r.SessionID()
	after := r.RotateSession()
	if before == after {
		t.Error("session id unchanged after rotation")
	}
	if r.SessionID() != after {
		t.Error("rotated id not retained")
	}
}
