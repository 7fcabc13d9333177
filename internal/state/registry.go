// Package state is the persistent memory of the bot: approvals, bans, user
// records, violation logs and chat history, checkpointed to JSON and restored
// on start.
package state

import (
	"sync"
	"time"

	"github.com/pborman/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	historyMemoryLimit = 1000
	violationHorizon   = 24 * time.Hour
)

// permanentUntil marks a ban with no expiry. It survives the snapshot
// round-trip as the string sentinel "max".
var permanentUntil = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

type TrustState int

const (
	TrustUnverified TrustState = iota
	TrustPending
	TrustVerified
)

func (s TrustState) String() string {
	switch s {
	case TrustPending:
		return "pending"
	case TrustVerified:
		return "verified"
	}
	return "unverified"
}

type UserRecord struct {
	ID             int64      `json:"id"`
	DisplayName    string     `json:"display_name"`
	FirstSeen      time.Time  `json:"first_seen"`
	LastSeen       time.Time  `json:"last_seen"`
	MessageCount   int        `json:"message_count"`
	ViolationCount int        `json:"violation_count"`
	Trust          TrustState `json:"trust"`
}

type HistoryEntry struct {
	Time     time.Time `json:"time"`
	ChatID   int64     `json:"chat_id"`
	UserID   int64     `json:"user_id"`
	UserName string    `json:"user_name"`
	Text     string    `json:"text"`
}

type Registry struct {
	mu           sync.Mutex
	approved     map[int64]bool
	banned       map[int64]time.Time
	groupStates  map[int64]bool
	history      []HistoryEntry
	users        map[int64]*UserRecord
	violations   map[int64][]time.Time
	suspicious   map[int64]bool
	sessionID    string
	sessionStart time.Time
	lastBackup   time.Time
	now          func() time.Time
	logger       *log.Entry
}

func NewRegistry() *Registry {
	r := &Registry{
		approved:    make(map[int64]bool),
		banned:      make(map[int64]time.Time),
		groupStates: make(map[int64]bool),
		users:       make(map[int64]*UserRecord),
		violations:  make(map[int64][]time.Time),
		suspicious:  make(map[int64]bool),
		sessionID:   uuid.New(),
		now:         time.Now,
		logger:      log.WithField("object", "Registry"),
	}
	r.sessionStart = r.now()
	return r
}

// GetOrCreate returns the record for the user, creating it on first sight.
// Existing records get last_seen refreshed and the display name updated when
// a non-empty one is supplied.
func (r *Registry) GetOrCreate(id int64, displayName string) UserRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	rec, ok := r.users[id]
	if !ok {
		rec = &UserRecord{
			ID:          id,
			DisplayName: displayName,
			FirstSeen:   now,
			LastSeen:    now,
		}
		r.users[id] = rec
		return *rec
	}
	rec.LastSeen = now
	if displayName != "" {
		rec.DisplayName = displayName
	}
	return *rec
}

func (r *Registry) CountMessage(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.users[id]; ok {
		rec.MessageCount++
	}
}

func (r *Registry) SetTrust(id int64, trust TrustState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.users[id]; ok {
		rec.Trust = trust
	}
}

// AddViolation logs a spam violation timestamp and bumps the user's counter.
// Satisfies the scorer's violation sink.
func (r *Registry) AddViolation(id int64, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.violations[id] = append(r.violations[id], r.now())
	if rec, ok := r.users[id]; ok {
		rec.ViolationCount++
	}
	r.logger.WithFields(log.Fields{
		"user_id": id,
		"reason":  reason,
	}).Debug("violation recorded")
}

func (r *Registry) ViolationsWithin(id int64, horizon time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-horizon)
	n := 0
	for _, ts := range r.violations[id] {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}

func (r *Registry) Approve(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.approved[id] = true
}

func (r *Registry) Revoke(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.approved, id)
}

func (r *Registry) IsApproved(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.approved[id]
}

// Ban records a ban until the given time. A ban clears approval.
func (r *Registry) Ban(id int64, until time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.banned[id] = until
	delete(r.approved, id)
}

func (r *Registry) BanPermanent(id int64) {
	r.Ban(id, permanentUntil)
}

func (r *Registry) Unban(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.banned, id)
}

// IsBanned reports an active ban, evicting expired entries lazily.
func (r *Registry) IsBanned(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	until, ok := r.banned[id]
	if !ok {
		return false
	}
	if !until.Equal(permanentUntil) && !until.After(r.now()) {
		delete(r.banned, id)
		return false
	}
	return true
}

func (r *Registry) SetGroupEnabled(chatID int64, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groupStates[chatID] = enabled
}

func (r *Registry) IsGroupEnabled(chatID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	enabled, ok := r.groupStates[chatID]
	if !ok {
		return true
	}
	return enabled
}

func (r *Registry) AddHistory(entry HistoryEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.history = append(r.history, entry)
	if len(r.history) > historyMemoryLimit {
		r.history = r.history[len(r.history)-historyMemoryLimit:]
	}
}

// RecentHistory returns up to n most recent entries, newest last.
func (r *Registry) RecentHistory(n int) []HistoryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n > len(r.history) {
		n = len(r.history)
	}
	out := make([]HistoryEntry, n)
	copy(out, r.history[len(r.history)-n:])
	return out
}

func (r *Registry) MarkSuspicious(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suspicious[id] = true
}

func (r *Registry) ClearSuspicious(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.suspicious, id)
}

func (r *Registry) IsSuspicious(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.suspicious[id]
}

// Prune evicts stale violation logs, expired bans and excess history. Safe
// to run repeatedly; a second pass with no new events is a no-op.
func (r *Registry) Prune() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-violationHorizon)
	for id, stamps := range r.violations {
		kept := stamps[:0]
		for _, ts := range stamps {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		if len(kept) == 0 {
			delete(r.violations, id)
			continue
		}
		r.violations[id] = kept
	}
	for id, until := range r.banned {
		if !until.Equal(permanentUntil) && !until.After(now) {
			delete(r.banned, id)
		}
	}
	if len(r.history) > historyMemoryLimit {
		r.history = r.history[len(r.history)-historyMemoryLimit:]
	}
}

// RotateSession replaces the conversation session identifier, detaching any
// external completion context.
func (r *Registry) RotateSession() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessionID = uuid.New()
	r.sessionStart = r.now()
	r.logger.WithField("session_id", r.sessionID).Info("session rotated")
	return r.sessionID
}

func (r *Registry) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

type Stats struct {
	Users      int
	Approved   int
	Banned     int
	Suspicious int
	History    int
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	return Stats{
		Users:      len(r.users),
		Approved:   len(r.approved),
		Banned:     len(r.banned),
		Suspicious: len(r.suspicious),
		History:    len(r.history),
	}
}
