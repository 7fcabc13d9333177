// Package trust implements heuristic account verification. Scoring is
// additive over independent signals and deterministic for a given identity
// and configuration; the only side effect of a failed verification is the
// suspicious-set entry.
package trust

import (
	"strings"
	"sync"
	"unicode"

	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/aegis/internal/config"
)

const failedVerificationsLimit = 3

// Identity is the opaque descriptor the verifier scores. Username and
// DisplayName may be empty.
type Identity struct {
	ID          int64
	Username    string
	DisplayName string
}

type Verifier struct {
	mu         sync.Mutex
	cfg        config.Trust
	filters    config.Filters
	suspicious map[int64]struct{}
	failed     map[int64]int
	logger     *log.Entry
}

func NewVerifier(cfg config.Trust, filters config.Filters) *Verifier {
	return &Verifier{
		cfg:        cfg,
		filters:    filters,
		suspicious: make(map[int64]struct{}),
		failed:     make(map[int64]int),
		logger:     log.WithField("object", "Verifier"),
	}
}

// Verify scores the identity against the account heuristics. Verified means
// the total stayed below 3. A failed identity is added to the suspicious set.
func (v *Verifier) Verify(identity Identity) (bool, []string) {
	if !v.cfg.Verification {
		return true, []string{"verification_disabled"}
	}

	score := 0
	var reasons []string

	if identity.Username == "" {
		score++
		reasons = append(reasons, "no_username")
	}

	// Weak proxy for account age, flagged for recalibration if the platform
	// ever exposes a real creation timestamp.
	if identity.ID > v.cfg.NewAccountIDCutoff {
		score += 2
		reasons = append(reasons, "potentially_new_account")
	}

	if identity.Username != "" && v.isSuspiciousUsername(identity.Username) {
		score += 2
		reasons = append(reasons, "suspicious_username")
	}

	if v.isSuspiciousName(identity.DisplayName) {
		score++
		reasons = append(reasons, "suspicious_name")
	}

	verified := score < 3
	if !verified {
		v.mu.Lock()
		v.suspicious[identity.ID] = struct{}{}
		v.mu.Unlock()
		v.logger.WithFields(log.Fields{
			"user_id": identity.ID,
			"reasons": strings.Join(reasons, ", "),
		}).Warn("user failed verification")
	}

	return verified, reasons
}

func (v *Verifier) isSuspiciousUsername(username string) bool {
	lower := strings.ToLower(username)
	for _, token := range v.filters.UsernameTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}

	digits := 0
	runes := []rune(username)
	for _, r := range runes {
		if unicode.IsDigit(r) {
			digits++
		}
	}
	return len(runes) > 0 && float64(digits)/float64(len(runes)) > 0.5
}

func (v *Verifier) isSuspiciousName(name string) bool {
	if name == "" {
		return true
	}

	special := 0
	runes := []rune(name)
	for _, r := range runes {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsSpace(r) {
			special++
		}
	}
	if float64(special)/float64(len(runes)) > 0.3 {
		return true
	}

	lower := strings.ToLower(name)
	for _, word := range v.filters.PromoWords {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}

// AddFailedVerification records a failed attempt; three strikes mark the
// user suspicious.
func (v *Verifier) AddFailedVerification(userID int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failed[userID]++
	if v.failed[userID] >= failedVerificationsLimit {
		v.suspicious[userID] = struct{}{}
		v.logger.WithFields(log.Fields{
			"user_id":  userID,
			"failures": v.failed[userID],
		}).Warn("user marked suspicious after failed verifications")
	}
}

func (v *Verifier) IsSuspicious(userID int64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.suspicious[userID]
	return ok
}

// MarkSafe clears the suspicious flag and the failure counter. Admin action
// is the only way out of the suspicious set.
func (v *Verifier) MarkSafe(userID int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.suspicious, userID)
	delete(v.failed, userID)
	v.logger.WithField("user_id", userID).Info("user marked safe")
}

// SuspiciousIDs returns the current suspicious set for checkpointing.
func (v *Verifier) SuspiciousIDs() []int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	ids := make([]int64, 0, len(v.suspicious))
	for id := range v.suspicious {
		ids = append(ids, id)
	}
	return ids
}

// RestoreSuspicious seeds the suspicious set from a snapshot.
func (v *Verifier) RestoreSuspicious(ids []int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, id := range ids {
		v.suspicious[id] = struct{}{}
	}
}

// Stats reports set sizes for the admin status surface.
func (v *Verifier) Stats() map[string]int {
	v.mu.Lock()
	defer v.mu.Unlock()
	total := 0
	for _, n := range v.failed {
		total += n
	}
	return map[string]int{
		"suspicious_users":            len(v.suspicious),
		"failed_verifications":        len(v.failed),
		"total_verification_failures": total,
	}
}
