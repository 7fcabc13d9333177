// Package rates throttles per-user traffic with sliding windows and a
// progressive cooldown. Limiting is content-blind; spam scoring is a
// separate concern.
package rates

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/aegis/internal/config"
	"github.com/iamwavecut/aegis/internal/timewin"
)

type Class string

const (
	ClassMessage Class = "message"
	ClassAPI     Class = "api"
)

const (
	messageHorizon  = time.Hour
	apiHorizon      = time.Minute
	cooldownStep    = 5 * time.Minute
	cooldownCeiling = time.Hour
)

type Limiter struct {
	mu         sync.Mutex
	cfg        config.Rates
	messages   map[int64]*timewin.Window
	apiCalls   map[int64]*timewin.Window
	cooldowns  map[int64]time.Time
	violations map[int64]int
	now        func() time.Time
	logger     *log.Entry
}

func NewLimiter(cfg config.Rates) *Limiter {
	return &Limiter{
		cfg:        cfg,
		messages:   make(map[int64]*timewin.Window),
		apiCalls:   make(map[int64]*timewin.Window),
		cooldowns:  make(map[int64]time.Time),
		violations: make(map[int64]int),
		now:        time.Now,
		logger:     log.WithField("object", "Limiter"),
	}
}

// IsLimited reports whether the user is throttled for the class. An active
// cooldown short-circuits the window checks; expired cooldowns are cleared
// lazily here. Windows are pruned before occupancy is evaluated.
func (l *Limiter) IsLimited(userID int64, class Class) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if until, ok := l.cooldowns[userID]; ok {
		if until.After(now) {
			return true
		}
		delete(l.cooldowns, userID)
	}

	l.prune(userID, now)

	switch class {
	case ClassMessage:
		return l.checkMessageLimit(userID, now)
	case ClassAPI:
		return l.checkAPILimit(userID, now)
	}
	return false
}

func (l *Limiter) prune(userID int64, now time.Time) {
	if w, ok := l.messages[userID]; ok {
		w.Prune(now)
	}
	if w, ok := l.apiCalls[userID]; ok {
		w.Prune(now)
	}
}

func (l *Limiter) checkMessageLimit(userID int64, now time.Time) bool {
	w, ok := l.messages[userID]
	if !ok {
		return false
	}
	if w.CountWithin(now, time.Minute) >= l.cfg.MaxMessagesPerMinute {
		l.applyCooldown(userID, now, "message_flood")
		return true
	}
	if w.CountWithin(now, time.Hour) >= l.cfg.MaxMessagesPerHour {
		l.applyCooldown(userID, now, "message_abuse")
		return true
	}
	return false
}

func (l *Limiter) checkAPILimit(userID int64, now time.Time) bool {
	w, ok := l.apiCalls[userID]
	if !ok {
		return false
	}
	if w.CountWithin(now, time.Minute) >= l.cfg.MaxAPICallsPerMinute {
		l.applyCooldown(userID, now, "api_abuse")
		return true
	}
	return false
}

// applyCooldown escalates with every breach: 5 minutes per accumulated
// violation, capped at one hour.
func (l *Limiter) applyCooldown(userID int64, now time.Time, violationType string) {
	l.violations[userID]++
	cooldown := time.Duration(l.violations[userID]) * cooldownStep
	if cooldown > cooldownCeiling {
		cooldown = cooldownCeiling
	}
	l.cooldowns[userID] = now.Add(cooldown)
	l.logger.WithFields(log.Fields{
		"user_id":   userID,
		"violation": violationType,
		"cooldown":  cooldown.String(),
	}).Warn("rate limit cooldown applied")
}

// Record adds a request to the class window.
func (l *Limiter) Record(userID int64, class Class) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	switch class {
	case ClassMessage:
		w, ok := l.messages[userID]
		if !ok {
			w = timewin.New(messageHorizon)
			l.messages[userID] = w
		}
		w.Add(now)
	case ClassAPI:
		w, ok := l.apiCalls[userID]
		if !ok {
			w = timewin.New(apiHorizon)
			l.apiCalls[userID] = w
		}
		w.Add(now)
	}
}

// CooldownRemaining returns the remaining cooldown, if any.
func (l *Limiter) CooldownRemaining(userID int64) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	until, ok := l.cooldowns[userID]
	if !ok {
		return 0, false
	}
	remaining := until.Sub(l.now())
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// Reset clears windows, cooldown and the violation counter for the user.
func (l *Limiter) Reset(userID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.messages, userID)
	delete(l.apiCalls, userID)
	delete(l.cooldowns, userID)
	l.violations[userID] = 0
	l.logger.WithField("user_id", userID).Info("rate limits reset")
}

type Stats struct {
	MessagesLastMinute int
	MessagesLastHour   int
	APICallsLastMinute int
	ViolationCount     int
	CooldownRemaining  time.Duration
}

func (l *Limiter) UserStats(userID int64) Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	stats := Stats{ViolationCount: l.violations[userID]}
	if w, ok := l.messages[userID]; ok {
		stats.MessagesLastMinute = w.CountWithin(now, time.Minute)
		stats.MessagesLastHour = w.CountWithin(now, time.Hour)
	}
	if w, ok := l.apiCalls[userID]; ok {
		stats.APICallsLastMinute = w.CountWithin(now, time.Minute)
	}
	if until, ok := l.cooldowns[userID]; ok && until.After(now) {
		stats.CooldownRemaining = until.Sub(now)
	}
	return stats
}

// Prune evicts stale windows across all users; run by the maintenance sweep.
func (l *Limiter) Prune() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for userID, w := range l.messages {
		w.Prune(now)
		if w.Len() == 0 {
			delete(l.messages, userID)
		}
	}
	for userID, w := range l.apiCalls {
		w.Prune(now)
		if w.Len() == 0 {
			delete(l.apiCalls, userID)
		}
	}
	for userID, until := range l.cooldowns {
		if !until.After(now) {
			delete(l.cooldowns, userID)
		}
	}
}
