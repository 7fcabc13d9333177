package moderation

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/iamwavecut/aegis/internal/antispam"
	"github.com/iamwavecut/aegis/internal/config"
)

type transportCall struct {
	method    string
	chatID    int64
	userID    int64
	messageID int
	until     time.Time
	text      string
}

type fakeTransport struct {
	mu    sync.Mutex
	calls []transportCall
	fail  map[string]error
}

func (f *fakeTransport) record(c transportCall) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	if f.fail != nil {
		return f.fail[c.method]
	}
	return nil
}

func (f *fakeTransport) DeleteMessage(_ context.Context, chatID int64, messageID int) error {
	return f.record(transportCall{method: "delete", chatID: chatID, messageID: messageID})
}

func (f *fakeTransport) RestrictUser(_ context.Context, chatID, userID int64, until time.Time) error {
	return f.record(transportCall{method: "restrict", chatID: chatID, userID: userID, until: until})
}

func (f *fakeTransport) UnrestrictUser(_ context.Context, chatID, userID int64) error {
	return f.record(transportCall{method: "unrestrict", chatID: chatID, userID: userID})
}

func (f *fakeTransport) BanUser(_ context.Context, chatID, userID int64) error {
	return f.record(transportCall{method: "ban", chatID: chatID, userID: userID})
}

func (f *fakeTransport) UnbanUser(_ context.Context, chatID, userID int64) error {
	return f.record(transportCall{method: "unban", chatID: chatID, userID: userID})
}

func (f *fakeTransport) SendText(_ context.Context, chatID int64, text string) error {
	return f.record(transportCall{method: "send", chatID: chatID, text: text})
}

func (f *fakeTransport) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.method
	}
	return out
}

func (f *fakeTransport) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.method == method {
			n++
		}
	}
	return n
}

func testModerationConfig() config.Moderation {
	return config.Moderation{
		MuteDuration:       30 * time.Minute,
		EscalationMute:     60 * time.Minute,
		WarningsBeforeMute: 3,
		SweepInterval:      5 * time.Minute,
	}
}

func testDetectionConfig() config.Detection {
	return config.Detection{
		MaxMessageLength:     4000,
		MaxIdenticalMessages: 3,
		SpamScoreThreshold:   5,
		AutoBanScore:         10,
		MaxCapsRatio:         0.7,
		ProfanityFilter:      true,
		LinkFilter:           true,
		CapsFilter:           true,
	}
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestEngine(c *clock) (*Engine, *fakeTransport) {
	transport := &fakeTransport{}
	e := NewEngine(testModerationConfig(), testDetectionConfig(), transport, nil)
	e.now = c.now
	return e, transport
}

func TestDecideActionSelection(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		score int
		want  ActionKind
	}{
		{"below threshold", 4, ActionNone},
		{"warn band low", 5, ActionWarn},
		{"warn band high", 6, ActionWarn},
		{"mute band low", 7, ActionMute},
		{"mute band high", 9, ActionMute},
		{"ban threshold", 10, ActionBan},
		{"above ban", 25, ActionBan},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := &clock{t: time.Unix(1700000000, 0)}
			e, _ := newTestEngine(c)
			d := e.HandleViolation(context.Background(), 1, 42, 7, tt.score, "test")
			if d.Kind != tt.want {
				t.Errorf("score %d: action = %v, want %v", tt.score, d.Kind, tt.want)
			}
		})
	}
}

func TestBanTakesPrecedenceOverMute(t *testing.T) {
	t.Parallel()

	c := &clock{t: time.Unix(1700000000, 0)}
	e, transport := newTestEngine(c)

	// Score in the mute band first, then one over the ban threshold.
	e.HandleViolation(context.Background(), 1, 42, 7, 8, "spam")
	if !e.IsMuted(1, 42) {
		t.Fatal("expected mute record")
	}

	d := e.HandleViolation(context.Background(), 1, 42, 8, 12, "spam")
	if d.Kind != ActionBan {
		t.Fatalf("action = %v, want ban", d.Kind)
	}
	if e.IsMuted(1, 42) {
		t.Error("mute record survives ban")
	}
	if transport.count("restrict") != 1 {
		t.Errorf("restrict calls = %d, want 1", transport.count("restrict"))
	}
	if transport.count("ban") != 1 {
		t.Errorf("ban calls = %d, want 1", transport.count("ban"))
	}
}

func TestWarningEscalation(t *testing.T) {
	t.Parallel()

	c := &clock{t: time.Unix(1700000000, 0)}
	e, transport := newTestEngine(c)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d := e.HandleViolation(ctx, 1, 42, i+1, 5, "spam")
		if d.Kind != ActionWarn {
			t.Fatalf("violation %d: action = %v, want warn", i+1, d.Kind)
		}
	}

	d := e.HandleViolation(ctx, 1, 42, 3, 5, "spam")
	if d.Kind != ActionMute || !d.Escalated {
		t.Fatalf("3rd warning: decision = %+v, want escalated mute", d)
	}
	if d.MuteDuration != 60*time.Minute {
		t.Errorf("escalation mute = %v, want 60m", d.MuteDuration)
	}
	if got := e.Warnings(1, 42); got != 3 {
		t.Errorf("warnings after auto-mute = %d, want 3 (not reset)", got)
	}
	if transport.count("restrict") != 1 {
		t.Errorf("restrict calls = %d, want 1", transport.count("restrict"))
	}
}

func TestWarningsClearedOnlyExplicitly(t *testing.T) {
	t.Parallel()

	c := &clock{t: time.Unix(1700000000, 0)}
	e, _ := newTestEngine(c)

	e.HandleViolation(context.Background(), 1, 42, 1, 5, "spam")
	e.ClearWarnings(1, 42)
	if got := e.Warnings(1, 42); got != 0 {
		t.Errorf("warnings after clear = %d, want 0", got)
	}
}

func TestWarningCountersAreChatScoped(t *testing.T) {
	t.Parallel()

	c := &clock{t: time.Unix(1700000000, 0)}
	e, _ := newTestEngine(c)
	ctx := context.Background()

	e.HandleViolation(ctx, 1, 42, 1, 5, "spam")
	e.HandleViolation(ctx, 2, 42, 2, 5, "spam")
	if got := e.Warnings(1, 42); got != 1 {
		t.Errorf("chat 1 warnings = %d, want 1", got)
	}
	if got := e.Warnings(2, 42); got != 1 {
		t.Errorf("chat 2 warnings = %d, want 1", got)
	}
}

func TestDeleteFailureDoesNotUnwindAction(t *testing.T) {
	t.Parallel()

	c := &clock{t: time.Unix(1700000000, 0)}
	transport := &fakeTransport{fail: map[string]error{"delete": context.DeadlineExceeded}}
	e := NewEngine(testModerationConfig(), testDetectionConfig(), transport, nil)
	e.now = c.now

	d := e.HandleViolation(context.Background(), 1, 42, 7, 8, "spam")
	if d.Kind != ActionMute {
		t.Fatalf("action = %v, want mute", d.Kind)
	}
	if !e.IsMuted(1, 42) {
		t.Error("mute record missing after delete failure")
	}
	if transport.count("restrict") != 1 {
		t.Errorf("restrict calls = %d, want 1", transport.count("restrict"))
	}
}

func TestSweepRestoresExpiredMutes(t *testing.T) {
	t.Parallel()

	c := &clock{t: time.Unix(1700000000, 0)}
	e, transport := newTestEngine(c)
	ctx := context.Background()

	e.HandleViolation(ctx, 1, 42, 1, 8, "spam")
	e.HandleViolation(ctx, 2, 43, 2, 8, "spam")

	c.advance(31 * time.Minute)
	e.SweepExpired(ctx)

	if e.IsMuted(1, 42) || e.IsMuted(2, 43) {
		t.Error("mutes survive sweep past expiry")
	}
	if transport.count("unrestrict") != 2 {
		t.Errorf("unrestrict calls = %d, want 2", transport.count("unrestrict"))
	}

	// Idempotent: nothing left to restore.
	e.SweepExpired(ctx)
	if transport.count("unrestrict") != 2 {
		t.Errorf("unrestrict calls after second sweep = %d, want 2", transport.count("unrestrict"))
	}
}

func TestManualMuteAndUnmute(t *testing.T) {
	t.Parallel()

	c := &clock{t: time.Unix(1700000000, 0)}
	e, transport := newTestEngine(c)
	ctx := context.Background()

	if err := e.Mute(ctx, 1, 42, 10*time.Minute); err != nil {
		t.Fatalf("mute: %v", err)
	}
	if !e.IsMuted(1, 42) {
		t.Fatal("expected mute record")
	}
	if err := e.Unmute(ctx, 1, 42); err != nil {
		t.Fatalf("unmute: %v", err)
	}
	if e.IsMuted(1, 42) {
		t.Error("mute record survives unmute")
	}
	if got := transport.methods(); len(got) != 2 || got[0] != "restrict" || got[1] != "unrestrict" {
		t.Errorf("transport calls = %v", got)
	}
}

func TestMuteSnapshotRoundTrip(t *testing.T) {
	t.Parallel()

	c := &clock{t: time.Unix(1700000000, 0)}
	e, _ := newTestEngine(c)
	e.HandleViolation(context.Background(), 1, 42, 1, 8, "spam")

	entries := e.ActiveMutes()
	if len(entries) != 1 {
		t.Fatalf("active mutes = %d, want 1", len(entries))
	}

	restored, _ := newTestEngine(c)
	restored.RestoreMutes(entries)
	if !restored.IsMuted(1, 42) {
		t.Error("restored engine lost mute")
	}
}

type recordingAuditor struct {
	mu   sync.Mutex
	recs []ActionRecord
}

func (a *recordingAuditor) RecordAction(_ context.Context, rec ActionRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recs = append(a.recs, rec)
	return nil
}

func TestAuditTrail(t *testing.T) {
	t.Parallel()

	c := &clock{t: time.Unix(1700000000, 0)}
	audit := &recordingAuditor{}
	e := NewEngine(testModerationConfig(), testDetectionConfig(), &fakeTransport{}, audit)
	e.now = c.now

	e.HandleViolation(context.Background(), 1, 42, 7, 12, "flood")

	audit.mu.Lock()
	defer audit.mu.Unlock()
	if len(audit.recs) != 1 {
		t.Fatalf("audit records = %d, want 1", len(audit.recs))
	}
	rec := audit.recs[0]
	if rec.Action != "ban" || rec.ChatID != 1 || rec.UserID != 42 || rec.MessageID != 7 || rec.Score != 12 {
		t.Errorf("audit record = %+v", rec)
	}
}

// Spam flood scenario: identical oversized messages with a link shortener,
// escalating from mute to ban as duplicate penalties accumulate.
func TestSpamFloodEndsInBan(t *testing.T) {
	t.Parallel()

	c := &clock{t: time.Unix(1700000000, 0)}
	e, transport := newTestEngine(c)
	scorer := antispam.NewScorer(testDetectionConfig(), config.Trust{NewAccountIDCutoff: 5000000000}, config.GetFilters(), nil)
	ctx := context.Background()

	text := "check this out https://bit.ly/deal " + strings.Repeat("a", 5000)

	var banned bool
	for i := 0; i < 6 && !banned; i++ {
		res := scorer.Score(42, text)
		if i >= 2 && !res.Spam {
			t.Fatalf("message %d: expected spam verdict, score %d", i+1, res.Score)
		}
		if res.Spam {
			d := e.HandleViolation(ctx, 1, 42, i+1, res.Score, res.Reason())
			banned = d.Kind == ActionBan
		}
		c.advance(5 * time.Second)
	}

	if !banned {
		t.Fatal("flood never reached a ban")
	}
	if e.IsMuted(1, 42) {
		t.Error("mute record present after ban")
	}
	if transport.count("ban") != 1 {
		t.Errorf("ban calls = %d, want 1", transport.count("ban"))
	}
}
