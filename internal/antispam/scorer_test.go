package antispam

import (
	"testing"
	"time"

	"github.com/iamwavecut/aegis/internal/config"
)

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

func testFilters() config.Filters {
	return config.Filters{
		SpamPatterns: []string{
			`\b(viagra|cialis|casino|lottery|winner|congratulations)\b`,
			`\b(click here|free money|make money fast|get rich quick)\b`,
			`https?://(?:bit\.ly|tinyurl|t\.co|short\.link)/`,
		},
		ProfanityWords:   []string{"spam", "scam", "fake"},
		ShortLinkDomains: []string{"bit.ly", "tinyurl", "t.co", "short.link", "goo.gl"},
	}
}

type clock struct {
	at time.Time
}

func (c *clock) now() time.Time { return c.at }

func (c *clock) advance(d time.Duration) { c.at = c.at.Add(d) }

func newTestScorer(sink ViolationSink) (*Scorer, *clock) {
	s := NewScorer(testDetectionConfig(), config.Trust{NewAccountIDCutoff: 5000000000}, testFilters(), sink)
	c := &clock{at: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	s.now = c.now
	return s, c
}

func repeat(b byte, n int) string {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return string(out)
}

func TestSignalsInIsolation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		userID     int64
		text       string
		wantScore  int
		wantReason string
	}{
		{"long message", 100, repeat('a', 4001), 2, "message_too_long"},
		{"pattern match", 100, "you are the lottery winner", 2, "spam_pattern_0"},
		{"profanity", 100, "this looks like spam to me", 1, "profanity"},
		{"excessive caps", 100, "HELLO WORLD YES", 1, "excessive_caps"},
		{"suspicious link", 100, "check https://goo.gl/abc", 3, "suspicious_links"},
		{"new account", 6000000001, "hello there", 1, "new_account"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s, _ := newTestScorer(nil)
			res := s.Score(tt.userID, tt.text)
			if res.Score != tt.wantScore {
				t.Fatalf("score = %d (%v), want %d", res.Score, res.Reasons, tt.wantScore)
			}
			found := false
			for _, r := range res.Reasons {
				if r == tt.wantReason {
					found = true
				}
			}
			if !found {
				t.Fatalf("reasons %v missing %q", res.Reasons, tt.wantReason)
			}
			if res.Spam {
				t.Fatalf("single signal below threshold must not be spam, got score %d", res.Score)
			}
		})
	}
}

func TestPatternMatchesAccumulate(t *testing.T) {
	t.Parallel()

	s, _ := newTestScorer(nil)
	res := s.Score(100, "congratulations winner, click here for free money")
	// Two distinct configured patterns fire, two tags, +2 each.
	if res.Score != 4 {
		t.Fatalf("score = %d (%v), want 4", res.Score, res.Reasons)
	}
	if len(res.Reasons) != 2 {
		t.Fatalf("reasons = %v, want two pattern tags", res.Reasons)
	}
}

func TestDuplicatePenaltyEscalates(t *testing.T) {
	t.Parallel()

	s, c := newTestScorer(nil)
	want := []int{0, 0, 0, 1, 2}
	for i, w := range want {
		res := s.Score(100, "hello there friend")
		if res.Score != w {
			t.Fatalf("message %d: score = %d (%v), want %d", i+1, res.Score, res.Reasons, w)
		}
		c.advance(31 * time.Second) // stay clear of the rapid-messaging window
	}
}

func TestDuplicateBucketIsPerUser(t *testing.T) {
	t.Parallel()

	s, c := newTestScorer(nil)
	for i := 0; i < 4; i++ {
		s.Score(100, "same text")
		c.advance(31 * time.Second)
	}
	// A different user sharing the fingerprint bucket starts from zero.
	if res := s.Score(200, "same text"); res.Score != 0 {
		t.Fatalf("other user score = %d (%v), want 0", res.Score, res.Reasons)
	}
}

func TestRapidMessaging(t *testing.T) {
	t.Parallel()

	s, _ := newTestScorer(nil)
	texts := []string{"one", "two", "three", "four", "five"}
	var last Result
	for _, txt := range texts {
		last = s.Score(100, txt)
	}
	if last.Score != 2 {
		t.Fatalf("fifth rapid message: score = %d (%v), want 2", last.Score, last.Reasons)
	}
	if last.Reasons[0] != "rapid_messaging" {
		t.Fatalf("reasons = %v, want rapid_messaging", last.Reasons)
	}
}

type recordingSink struct {
	userIDs []int64
	reasons []string
}

func (r *recordingSink) AddViolation(userID int64, reason string) {
	r.userIDs = append(r.userIDs, userID)
	r.reasons = append(r.reasons, reason)
}

func TestSpamVerdictRecordsViolation(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	s, _ := newTestScorer(sink)
	res := s.Score(100, "congratulations winner! visit https://bit.ly/win for free money")
	if !res.Spam {
		t.Fatalf("expected spam verdict, got score %d (%v)", res.Score, res.Reasons)
	}
	if len(sink.userIDs) != 1 || sink.userIDs[0] != 100 {
		t.Fatalf("violation sink calls = %v, want one for user 100", sink.userIDs)
	}

	// Below threshold nothing is recorded.
	if res := s.Score(200, "hello"); res.Spam || len(sink.userIDs) != 1 {
		t.Fatalf("clean message must not record a violation (score %d)", res.Score)
	}
}

func TestPruneIdempotent(t *testing.T) {
	t.Parallel()

	s, c := newTestScorer(nil)
	s.Score(100, "old message")
	c.advance(2 * time.Hour)
	s.Score(200, "fresh message")

	s.Prune()
	first := s.Stats()
	s.Prune()
	second := s.Stats()
	for k, v := range first {
		if second[k] != v {
			t.Fatalf("prune not idempotent: %s went %d -> %d", k, v, second[k])
		}
	}
	if first["tracked_message_hashes"] != 1 {
		t.Fatalf("expected 1 live hash bucket, got %d", first["tracked_message_hashes"])
	}
}

func TestResetUser(t *testing.T) {
	t.Parallel()

	s, c := newTestScorer(nil)
	for i := 0; i < 4; i++ {
		s.Score(100, "repeated text")
		c.advance(31 * time.Second)
	}
	s.ResetUser(100)
	if res := s.Score(100, "repeated text"); res.Score != 0 {
		t.Fatalf("score after reset = %d (%v), want 0", res.Score, res.Reasons)
	}
}
