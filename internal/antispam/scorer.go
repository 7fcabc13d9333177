// Package antispam computes an additive spam score for individual messages.
// Every signal contributes independently; the duplicate-message signal is the
// only one that compounds with repetition. The duplicate and cadence indexes
// are sensors, they mutate on every call regardless of the verdict.
package antispam

import (
	"crypto/md5"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"

	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/aegis/internal/config"
	"github.com/iamwavecut/aegis/internal/timewin"
)

const (
	duplicateHorizon = time.Hour
	cadenceDepth     = 10
	rapidWindow      = 30 * time.Second
	rapidCount       = 5
	minCapsLength    = 10
)

// ViolationSink receives confirmed spam verdicts. The user registry
// implements it.
type ViolationSink interface {
	AddViolation(userID int64, reason string)
}

type hashEntry struct {
	userID int64
	at     time.Time
}

type Result struct {
	Spam    bool
	Score   int
	Reasons []string
}

func (r Result) Reason() string {
	return strings.Join(r.Reasons, ", ")
}

type Scorer struct {
	mu              sync.Mutex
	cfg             config.Detection
	accountIDCutoff int64
	patterns        []*regexp.Regexp
	profanity       map[string]struct{}
	shortLink       *regexp.Regexp
	hashes          map[string][]hashEntry
	cadence         map[int64]*timewin.Window
	sink            ViolationSink
	now             func() time.Time
	logger          *log.Entry
}

func NewScorer(cfg config.Detection, trustCfg config.Trust, filters config.Filters, sink ViolationSink) *Scorer {
	patterns := make([]*regexp.Regexp, 0, len(filters.SpamPatterns))
	for i, raw := range filters.SpamPatterns {
		re, err := regexp.Compile("(?i)" + raw)
		if err != nil {
			log.WithFields(log.Fields{"error": err.Error(), "index": i}).Error("cant compile spam pattern")
			continue
		}
		patterns = append(patterns, re)
	}

	profanity := make(map[string]struct{}, len(filters.ProfanityWords))
	for _, w := range filters.ProfanityWords {
		profanity[strings.ToLower(w)] = struct{}{}
	}

	return &Scorer{
		cfg:             cfg,
		accountIDCutoff: trustCfg.NewAccountIDCutoff,
		patterns:        patterns,
		profanity:       profanity,
		shortLink:       compileShortLink(filters.ShortLinkDomains),
		hashes:          make(map[string][]hashEntry),
		cadence:         make(map[int64]*timewin.Window),
		sink:            sink,
		now:             time.Now,
		logger:          log.WithField("object", "Scorer"),
	}
}

func compileShortLink(domains []string) *regexp.Regexp {
	if len(domains) == 0 {
		return nil
	}
	quoted := make([]string, 0, len(domains))
	for _, d := range domains {
		quoted = append(quoted, regexp.QuoteMeta(d))
	}
	return regexp.MustCompile(`(?i)https?://(?:` + strings.Join(quoted, "|") + `)/`)
}

// Score evaluates one message. It always updates the duplicate and cadence
// indexes; on a spam verdict it records a violation with the sink.
func (s *Scorer) Score(userID int64, text string) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	score := 0
	var reasons []string

	if len(text) > s.cfg.MaxMessageLength {
		score += 2
		reasons = append(reasons, "message_too_long")
	}

	for i, re := range s.patterns {
		if re.MatchString(text) {
			score += 2
			reasons = append(reasons, fmt.Sprintf("spam_pattern_%d", i))
		}
	}

	if s.cfg.ProfanityFilter && s.containsProfanity(text) {
		score++
		reasons = append(reasons, "profanity")
	}

	if s.cfg.CapsFilter && excessiveCaps(text, s.cfg.MaxCapsRatio) {
		score++
		reasons = append(reasons, "excessive_caps")
	}

	if dup := s.duplicateScore(userID, text, now); dup > 0 {
		score += dup
		reasons = append(reasons, "duplicate_message")
	}

	if s.cfg.LinkFilter && s.shortLink != nil && s.shortLink.MatchString(text) {
		score += 3
		reasons = append(reasons, "suspicious_links")
	}

	if s.rapidMessaging(userID, now) {
		score += 2
		reasons = append(reasons, "rapid_messaging")
	}

	if s.accountIDCutoff > 0 && userID > s.accountIDCutoff {
		score++
		reasons = append(reasons, "new_account")
	}

	result := Result{
		Spam:    score >= s.cfg.SpamScoreThreshold,
		Score:   score,
		Reasons: reasons,
	}
	if result.Spam {
		s.logger.WithFields(log.Fields{
			"user_id": userID,
			"score":   score,
			"reasons": result.Reason(),
		}).Warn("spam detected")
		if s.sink != nil {
			s.sink.AddViolation(userID, result.Reason())
		}
	}
	return result
}

func (s *Scorer) containsProfanity(text string) bool {
	for _, word := range strings.Fields(strings.ToLower(text)) {
		if _, ok := s.profanity[word]; ok {
			return true
		}
	}
	return false
}

func excessiveCaps(text string, maxRatio float64) bool {
	runes := []rune(text)
	if len(runes) < minCapsLength {
		return false
	}
	caps := 0
	for _, r := range runes {
		if unicode.IsUpper(r) {
			caps++
		}
	}
	return float64(caps)/float64(len(runes)) > maxRatio
}

// duplicateScore counts the user's prior entries in the fingerprint bucket
// before appending the current one. Counting first and inserting after keeps
// the escalation exact: with a limit of 3 the 4th identical message scores 1,
// the 5th scores 2.
func (s *Scorer) duplicateScore(userID int64, text string, now time.Time) int {
	fp := Fingerprint(text)

	cutoff := now.Add(-duplicateHorizon)
	kept := s.hashes[fp][:0]
	for _, e := range s.hashes[fp] {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}

	prior := 0
	for _, e := range kept {
		if e.userID == userID {
			prior++
		}
	}

	s.hashes[fp] = append(kept, hashEntry{userID: userID, at: now})

	if prior >= s.cfg.MaxIdenticalMessages {
		return prior - s.cfg.MaxIdenticalMessages + 1
	}
	return 0
}

func (s *Scorer) rapidMessaging(userID int64, now time.Time) bool {
	w, ok := s.cadence[userID]
	if !ok {
		w = timewin.NewBounded(duplicateHorizon, cadenceDepth)
		s.cadence[userID] = w
	}
	w.Add(now)
	return w.CountWithin(now, rapidWindow) >= rapidCount
}

// Fingerprint returns the stable content hash used by the duplicate index.
func Fingerprint(text string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(text)))
}

// ResetUser clears the user's cadence history and fingerprint entries.
func (s *Scorer) ResetUser(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.cadence, userID)
	for fp, entries := range s.hashes {
		kept := entries[:0]
		for _, e := range entries {
			if e.userID != userID {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(s.hashes, fp)
			continue
		}
		s.hashes[fp] = kept
	}
	s.logger.WithField("user_id", userID).Info("spam data reset")
}

// Prune evicts expired fingerprint entries and idle cadence windows.
func (s *Scorer) Prune() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-duplicateHorizon)
	for fp, entries := range s.hashes {
		kept := entries[:0]
		for _, e := range entries {
			if e.at.After(cutoff) {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(s.hashes, fp)
			continue
		}
		s.hashes[fp] = kept
	}

	for userID, w := range s.cadence {
		w.Prune(now)
		if w.Len() == 0 {
			delete(s.cadence, userID)
		}
	}
}

// Stats reports index sizes for the admin status surface.
func (s *Scorer) Stats() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]int{
		"tracked_message_hashes": len(s.hashes),
		"tracked_users":          len(s.cadence),
		"spam_patterns_count":    len(s.patterns),
		"profanity_words_count":  len(s.profanity),
	}
}
