package handlers

import (
	"context"
	"fmt"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/aegis/internal/antispam"
	"github.com/iamwavecut/aegis/internal/bot"
	"github.com/iamwavecut/aegis/internal/config"
	"github.com/iamwavecut/aegis/internal/db"
	"github.com/iamwavecut/aegis/internal/moderation"
	"github.com/iamwavecut/aegis/internal/observability"
	"github.com/iamwavecut/aegis/internal/rates"
	"github.com/iamwavecut/aegis/internal/state"
	"github.com/iamwavecut/aegis/internal/trust"
)

// maxInputLength is the hard reject cap for a single message. It sits above
// the detection length threshold so oversized-but-scoreable messages still
// run through the scorer.
const maxInputLength = 10000

type policyTransport interface {
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
	SendText(ctx context.Context, chatID int64, text string) error
	IsAdmin(ctx context.Context, chatID, userID int64) (bool, error)
}

// Policy is the access gate in front of everything else: bans, rate limits,
// trust verification, input validation and spam scoring, in that order.
type Policy struct {
	s        bot.Service
	cfg      config.Config
	registry *state.Registry
	verifier *trust.Verifier
	scorer   *antispam.Scorer
	limiter  *rates.Limiter
	engine   *moderation.Engine
	ops      policyTransport
}

func NewPolicy(
	s bot.Service,
	cfg config.Config,
	registry *state.Registry,
	verifier *trust.Verifier,
	scorer *antispam.Scorer,
	limiter *rates.Limiter,
	engine *moderation.Engine,
	ops policyTransport,
) *Policy {
	return &Policy{
		s:        s,
		cfg:      cfg,
		registry: registry,
		verifier: verifier,
		scorer:   scorer,
		limiter:  limiter,
		engine:   engine,
		ops:      ops,
	}
}

func (p *Policy) Handle(ctx context.Context, u *api.Update, chat *api.Chat, user *api.User) (bool, error) {
	if u.Message == nil || chat == nil || user == nil {
		return true, nil
	}
	if user.IsBot {
		return false, nil
	}
	m := u.Message
	entry := p.getLogEntry().WithFields(log.Fields{
		"chat_id": chat.ID,
		"user_id": user.ID,
	})
	done := observability.StartMessageProcessing()

	p.registry.GetOrCreate(user.ID, bot.GetFullName(user))
	p.registry.CountMessage(user.ID)

	if user.ID == p.cfg.OwnerID {
		done("owner")
		return true, nil
	}

	if !chat.IsPrivate() && !p.registry.IsGroupEnabled(chat.ID) {
		done("group_disabled")
		return false, nil
	}

	if p.registry.IsBanned(user.ID) {
		entry.Debug("dropping message from banned user")
		p.deleteMessage(ctx, entry, chat.ID, m.MessageID)
		done("banned")
		return false, nil
	}

	if p.limiter.IsLimited(user.ID, rates.ClassMessage) {
		observability.RecordRateLimitHit()
		p.deleteMessage(ctx, entry, chat.ID, m.MessageID)
		if remaining, ok := p.limiter.CooldownRemaining(user.ID); ok && chat.IsPrivate() {
			p.sendText(ctx, entry, chat.ID, fmt.Sprintf("Slow down, try again in %s.", remaining.Round(time.Second)))
		}
		done("rate_limited")
		return false, nil
	}
	p.limiter.Record(user.ID, rates.ClassMessage)

	if p.registry.IsSuspicious(user.ID) {
		entry.Debug("dropping message from suspicious user")
		p.deleteMessage(ctx, entry, chat.ID, m.MessageID)
		if chat.IsPrivate() {
			p.sendText(ctx, entry, chat.ID, "Your account is flagged, contact an administrator.")
		}
		done("suspicious")
		return false, nil
	}

	approved := p.registry.IsApproved(user.ID)
	if p.cfg.Trust.Verification && !approved {
		identity := trust.Identity{
			ID:          user.ID,
			Username:    user.UserName,
			DisplayName: bot.GetFullName(user),
		}
		verified, reasons := p.verifier.Verify(identity)
		if verified {
			p.registry.SetTrust(user.ID, state.TrustVerified)
			if chat.IsPrivate() {
				p.registry.Approve(user.ID)
				approved = true
			}
		} else {
			entry.WithField("reasons", reasons).Debug("verification failed")
			p.verifier.AddFailedVerification(user.ID)
			if p.verifier.IsSuspicious(user.ID) {
				p.registry.MarkSuspicious(user.ID)
			}
		}
	}

	if chat.IsPrivate() && !approved {
		p.sendText(ctx, entry, chat.ID, "You are not approved to use this bot yet.")
		done("unapproved")
		return false, nil
	}

	text := bot.ExtractContentFromMessage(m)
	if valid, reason := p.verifier.ValidateInput(text, maxInputLength); !valid {
		entry.WithField("reason", reason).Debug("message rejected")
		p.deleteMessage(ctx, entry, chat.ID, m.MessageID)
		done("invalid_input")
		return false, nil
	}

	result := p.scorer.Score(user.ID, text)
	p.registry.AddHistory(state.HistoryEntry{
		Time:     time.Now(),
		ChatID:   chat.ID,
		UserID:   user.ID,
		UserName: bot.GetUN(user),
		Text:     truncate(text, 100),
	})

	if result.Spam || p.registry.IsSuspicious(user.ID) && result.Score >= p.cfg.Detection.SpamScoreThreshold-1 {
		// Chat administrators are never moderated in their own chat.
		if !chat.IsPrivate() {
			if isAdmin, adminErr := p.ops.IsAdmin(ctx, chat.ID, user.ID); adminErr == nil && isAdmin {
				entry.Debug("skipping moderation for chat admin")
				done("admin_exempt")
				return true, nil
			}
		}
		observability.RecordSpamDetection(result.Reason())
		p.reportSpam(ctx, entry, chat.ID, user.ID, m.MessageID, result)

		decision := p.engine.HandleViolation(ctx, chat.ID, user.ID, m.MessageID, result.Score, result.Reason())
		if decision.Kind != moderation.ActionNone {
			observability.RecordModerationAction(decision.Kind.String())
		}
		if decision.Kind == moderation.ActionBan {
			p.registry.BanPermanent(user.ID)
		}
		done("spam")
		return false, nil
	}

	done("clean")
	return true, nil
}

func (p *Policy) deleteMessage(ctx context.Context, entry *log.Entry, chatID int64, messageID int) {
	if err := p.ops.DeleteMessage(ctx, chatID, messageID); err != nil {
		entry.WithField("error", err.Error()).Warn("cant delete message")
	}
}

func (p *Policy) sendText(ctx context.Context, entry *log.Entry, chatID int64, text string) {
	if err := p.ops.SendText(ctx, chatID, text); err != nil {
		entry.WithField("error", err.Error()).Warn("cant send message")
	}
}

func (p *Policy) reportSpam(ctx context.Context, entry *log.Entry, chatID, userID int64, messageID int, result antispam.Result) {
	client := p.s.GetDB()
	if client == nil {
		return
	}
	report := &db.SpamReport{
		ChatID:     chatID,
		UserID:     userID,
		MessageID:  messageID,
		Score:      result.Score,
		Reasons:    result.Reason(),
		ReportedAt: time.Now(),
	}
	if err := client.AddSpamReport(ctx, report); err != nil {
		entry.WithField("error", err.Error()).Warn("cant store spam report")
	}
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…"
}

func (p *Policy) getLogEntry() *log.Entry {
	return log.WithField("context", "policy")
}
