// Package moderation turns spam scores into chat actions. Per (chat, user)
// the state machine is clean -> warned(n) -> muted(until) -> banned; mutes
// fall back to clean on expiry, everything else only via explicit admin
// action.
package moderation

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/aegis/internal/config"
)

// Transport performs the remote side effects. Calls are best effort: a
// failure is logged and local state stands.
type Transport interface {
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
	RestrictUser(ctx context.Context, chatID, userID int64, until time.Time) error
	UnrestrictUser(ctx context.Context, chatID, userID int64) error
	BanUser(ctx context.Context, chatID, userID int64) error
	UnbanUser(ctx context.Context, chatID, userID int64) error
	SendText(ctx context.Context, chatID int64, text string) error
}

// Auditor persists a trail of applied actions. Optional; nil disables
// auditing.
type Auditor interface {
	RecordAction(ctx context.Context, rec ActionRecord) error
}

type ActionRecord struct {
	ChatID    int64
	UserID    int64
	MessageID int
	Action    string
	Reason    string
	Score     int
	Duration  time.Duration
}

type ActionKind int

const (
	ActionNone ActionKind = iota
	ActionWarn
	ActionMute
	ActionBan
)

func (k ActionKind) String() string {
	switch k {
	case ActionWarn:
		return "warn"
	case ActionMute:
		return "mute"
	case ActionBan:
		return "ban"
	}
	return "none"
}

// Decision is the outcome of evaluating a score against the thresholds.
type Decision struct {
	Kind         ActionKind
	MuteDuration time.Duration
	Warnings     int
	Escalated    bool
}

type restrictionKey struct {
	ChatID int64
	UserID int64
}

type Engine struct {
	mu        sync.Mutex
	cfg       config.Moderation
	detection config.Detection
	transport Transport
	audit     Auditor
	warnings  map[restrictionKey]int
	mutes     map[restrictionKey]time.Time
	now       func() time.Time
	logger    *log.Entry
}

func NewEngine(cfg config.Moderation, detection config.Detection, transport Transport, audit Auditor) *Engine {
	return &Engine{
		cfg:       cfg,
		detection: detection,
		transport: transport,
		audit:     audit,
		warnings:  make(map[restrictionKey]int),
		mutes:     make(map[restrictionKey]time.Time),
		now:       time.Now,
		logger:    log.WithField("object", "Engine"),
	}
}

// decide picks the action for a score. Ban takes precedence over mute when a
// score satisfies both thresholds. Caller holds the lock.
func (e *Engine) decide(key restrictionKey, score int) Decision {
	switch {
	case score >= e.detection.AutoBanScore:
		// A ban supersedes any tracked restriction for the key.
		delete(e.mutes, key)
		return Decision{Kind: ActionBan}
	case score >= e.detection.SpamScoreThreshold+2:
		e.mutes[key] = e.now().Add(e.cfg.MuteDuration)
		return Decision{Kind: ActionMute, MuteDuration: e.cfg.MuteDuration}
	case score >= e.detection.SpamScoreThreshold:
		e.warnings[key]++
		n := e.warnings[key]
		if n >= e.cfg.WarningsBeforeMute && n%e.cfg.WarningsBeforeMute == 0 {
			// Escalation mute does not clear the warning counter.
			e.mutes[key] = e.now().Add(e.cfg.EscalationMute)
			return Decision{Kind: ActionMute, MuteDuration: e.cfg.EscalationMute, Warnings: n, Escalated: true}
		}
		return Decision{Kind: ActionWarn, Warnings: n}
	}
	return Decision{Kind: ActionNone}
}

// HandleViolation applies the action warranted by the score. The decision and
// local bookkeeping happen under the lock; transport I/O happens after it is
// released.
func (e *Engine) HandleViolation(ctx context.Context, chatID, userID int64, messageID int, score int, reason string) Decision {
	key := restrictionKey{ChatID: chatID, UserID: userID}

	e.mu.Lock()
	decision := e.decide(key, score)
	e.mu.Unlock()

	entry := e.logger.WithFields(log.Fields{
		"chat_id": chatID,
		"user_id": userID,
		"score":   score,
		"action":  decision.Kind.String(),
	})
	if decision.Kind == ActionNone {
		return decision
	}
	entry.WithField("reason", reason).Info("moderation action")

	// Deletion and the applied action are independent side effects.
	if messageID != 0 {
		if err := e.transport.DeleteMessage(ctx, chatID, messageID); err != nil {
			entry.WithField("error", err.Error()).Warn("cant delete message")
		}
	}

	switch decision.Kind {
	case ActionBan:
		if err := e.transport.BanUser(ctx, chatID, userID); err != nil {
			entry.WithField("error", err.Error()).Error("cant ban user")
		}
	case ActionMute:
		until := e.now().Add(decision.MuteDuration)
		if err := e.transport.RestrictUser(ctx, chatID, userID, until); err != nil {
			entry.WithField("error", err.Error()).Error("cant restrict user")
		}
	}

	e.recordAudit(ctx, ActionRecord{
		ChatID:    chatID,
		UserID:    userID,
		MessageID: messageID,
		Action:    decision.Kind.String(),
		Reason:    reason,
		Score:     score,
		Duration:  decision.MuteDuration,
	})
	return decision
}

func (e *Engine) recordAudit(ctx context.Context, rec ActionRecord) {
	if e.audit == nil {
		return
	}
	if err := e.audit.RecordAction(ctx, rec); err != nil {
		e.logger.WithFields(log.Fields{
			"chat_id": rec.ChatID,
			"user_id": rec.UserID,
			"error":   err.Error(),
		}).Warn("cant record audit entry")
	}
}

// IsMuted reports whether the user is under an unexpired mute. Expired
// entries are evicted lazily here; transport restoration is the sweep's job.
func (e *Engine) IsMuted(chatID, userID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := restrictionKey{ChatID: chatID, UserID: userID}
	until, ok := e.mutes[key]
	if !ok {
		return false
	}
	if !until.After(e.now()) {
		delete(e.mutes, key)
		return false
	}
	return true
}

// SweepExpired restores permissions for every mute past its expiry. Expired
// keys are collected under the lock, transport calls happen outside it.
func (e *Engine) SweepExpired(ctx context.Context) {
	e.mu.Lock()
	now := e.now()
	var expired []restrictionKey
	for key, until := range e.mutes {
		if !until.After(now) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		delete(e.mutes, key)
	}
	e.mu.Unlock()

	for _, key := range expired {
		if err := e.transport.UnrestrictUser(ctx, key.ChatID, key.UserID); err != nil {
			e.logger.WithFields(log.Fields{
				"chat_id": key.ChatID,
				"user_id": key.UserID,
				"error":   err.Error(),
			}).Warn("cant unrestrict user")
		} else {
			e.logger.WithFields(log.Fields{
				"chat_id": key.ChatID,
				"user_id": key.UserID,
			}).Info("mute expired, permissions restored")
		}
	}
}

// Mute applies an admin-initiated mute.
func (e *Engine) Mute(ctx context.Context, chatID, userID int64, duration time.Duration) error {
	until := e.now().Add(duration)

	e.mu.Lock()
	e.mutes[restrictionKey{ChatID: chatID, UserID: userID}] = until
	e.mu.Unlock()

	err := e.transport.RestrictUser(ctx, chatID, userID, until)
	e.recordAudit(ctx, ActionRecord{ChatID: chatID, UserID: userID, Action: "mute", Reason: "admin", Duration: duration})
	return err
}

// Unmute lifts a mute regardless of its expiry.
func (e *Engine) Unmute(ctx context.Context, chatID, userID int64) error {
	e.mu.Lock()
	delete(e.mutes, restrictionKey{ChatID: chatID, UserID: userID})
	e.mu.Unlock()

	err := e.transport.UnrestrictUser(ctx, chatID, userID)
	e.recordAudit(ctx, ActionRecord{ChatID: chatID, UserID: userID, Action: "unmute", Reason: "admin"})
	return err
}

// Unban lifts a chat ban.
func (e *Engine) Unban(ctx context.Context, chatID, userID int64) error {
	err := e.transport.UnbanUser(ctx, chatID, userID)
	e.recordAudit(ctx, ActionRecord{ChatID: chatID, UserID: userID, Action: "unban", Reason: "admin"})
	return err
}

// ClearWarnings is the only path that resets the warning counter.
func (e *Engine) ClearWarnings(chatID, userID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.warnings, restrictionKey{ChatID: chatID, UserID: userID})
}

func (e *Engine) Warnings(chatID, userID int64) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.warnings[restrictionKey{ChatID: chatID, UserID: userID}]
}

type MuteEntry struct {
	ChatID int64
	UserID int64
	Until  time.Time
}

// ActiveMutes snapshots tracked mutes for persistence.
func (e *Engine) ActiveMutes() []MuteEntry {
	e.mu.Lock()
	defer e.mu.Unlock()

	entries := make([]MuteEntry, 0, len(e.mutes))
	for key, until := range e.mutes {
		entries = append(entries, MuteEntry{ChatID: key.ChatID, UserID: key.UserID, Until: until})
	}
	return entries
}

// RestoreMutes reloads tracked mutes from a snapshot.
func (e *Engine) RestoreMutes(entries []MuteEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, entry := range entries {
		e.mutes[restrictionKey{ChatID: entry.ChatID, UserID: entry.UserID}] = entry.Until
	}
}
