package handlers

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/aegis/internal/antispam"
	"github.com/iamwavecut/aegis/internal/bot"
	"github.com/iamwavecut/aegis/internal/config"
	"github.com/iamwavecut/aegis/internal/moderation"
	"github.com/iamwavecut/aegis/internal/rates"
	"github.com/iamwavecut/aegis/internal/state"
	"github.com/iamwavecut/aegis/internal/trust"
)

// Admin maps operator commands onto the policy state mutations. Commands are
// honored for the owner everywhere and for chat administrators in their chat.
type Admin struct {
	s        bot.Service
	cfg      config.Config
	registry *state.Registry
	verifier *trust.Verifier
	scorer   *antispam.Scorer
	limiter  *rates.Limiter
	engine   *moderation.Engine
	store    *state.Store
	backups  *state.BackupManager
}

func NewAdmin(
	s bot.Service,
	cfg config.Config,
	registry *state.Registry,
	verifier *trust.Verifier,
	scorer *antispam.Scorer,
	limiter *rates.Limiter,
	engine *moderation.Engine,
	store *state.Store,
	backups *state.BackupManager,
) *Admin {
	return &Admin{
		s:        s,
		cfg:      cfg,
		registry: registry,
		verifier: verifier,
		scorer:   scorer,
		limiter:  limiter,
		engine:   engine,
		store:    store,
		backups:  backups,
	}
}

func (a *Admin) Handle(ctx context.Context, u *api.Update, chat *api.Chat, user *api.User) (proceed bool, err error) {
	if chat == nil || user == nil {
		return true, nil
	}
	switch {
	case
		u.Message == nil,
		user.IsBot,
		!u.Message.IsCommand():
		return true, nil
	}
	m := u.Message
	entry := a.getLogEntry().WithFields(log.Fields{
		"chat_id": chat.ID,
		"user_id": user.ID,
		"command": m.Command(),
	})

	isAdmin, err := a.isPrivileged(chat, user)
	if err != nil {
		return true, errors.WithMessage(err, "cant check admin rights")
	}
	if !isAdmin {
		entry.Trace("not admin")
		return true, nil
	}

	b := a.s.GetBot()
	reply := func(text string) {
		msg := api.NewMessage(chat.ID, text)
		msg.DisableNotification = true
		if _, err := b.Send(msg); err != nil {
			entry.WithField("error", err.Error()).Warn("cant send reply")
		}
	}

	targetID, args := a.resolveTarget(m)

	switch m.Command() {
	case "grant":
		if targetID == 0 {
			reply("Usage: /grant <user_id> (or reply to a message)")
			return false, nil
		}
		a.registry.Approve(targetID)
		reply(fmt.Sprintf("User %d approved.", targetID))

	case "revoke":
		if targetID == 0 {
			reply("Usage: /revoke <user_id>")
			return false, nil
		}
		a.registry.Revoke(targetID)
		reply(fmt.Sprintf("Approval revoked for %d.", targetID))

	case "ban":
		if targetID == 0 {
			reply("Usage: /ban <user_id> [days] (0 or omitted = permanent)")
			return false, nil
		}
		days := 0
		if len(args) > 0 {
			days, _ = strconv.Atoi(args[0])
		}
		if days <= 0 {
			a.registry.BanPermanent(targetID)
			reply(fmt.Sprintf("User %d banned permanently.", targetID))
		} else {
			a.registry.Ban(targetID, time.Now().Add(time.Duration(days)*24*time.Hour))
			reply(fmt.Sprintf("User %d banned for %d day(s).", targetID, days))
		}

	case "unban":
		if targetID == 0 {
			reply("Usage: /unban <user_id>")
			return false, nil
		}
		a.registry.Unban(targetID)
		if err := a.engine.Unban(ctx, chat.ID, targetID); err != nil {
			entry.WithField("error", err.Error()).Warn("cant unban in chat")
		}
		reply(fmt.Sprintf("User %d unbanned.", targetID))

	case "mute":
		if targetID == 0 {
			reply("Usage: /mute <user_id> [minutes]")
			return false, nil
		}
		minutes := int(a.cfg.Moderation.MuteDuration.Minutes())
		if len(args) > 0 {
			if parsed, parseErr := strconv.Atoi(args[0]); parseErr == nil && parsed > 0 {
				minutes = parsed
			}
		}
		if err := a.engine.Mute(ctx, chat.ID, targetID, time.Duration(minutes)*time.Minute); err != nil {
			entry.WithField("error", err.Error()).Warn("cant mute")
		}
		reply(fmt.Sprintf("User %d muted for %d minute(s).", targetID, minutes))

	case "unmute":
		if targetID == 0 {
			reply("Usage: /unmute <user_id>")
			return false, nil
		}
		if err := a.engine.Unmute(ctx, chat.ID, targetID); err != nil {
			entry.WithField("error", err.Error()).Warn("cant unmute")
		}
		a.engine.ClearWarnings(chat.ID, targetID)
		reply(fmt.Sprintf("User %d unmuted, warnings cleared.", targetID))

	case "resetlimit":
		if targetID == 0 {
			reply("Usage: /resetlimit <user_id>")
			return false, nil
		}
		a.limiter.Reset(targetID)
		a.scorer.ResetUser(targetID)
		reply(fmt.Sprintf("Rate limits reset for %d.", targetID))

	case "marksafe":
		if targetID == 0 {
			reply("Usage: /marksafe <user_id>")
			return false, nil
		}
		a.verifier.MarkSafe(targetID)
		a.scorer.ResetUser(targetID)
		a.registry.ClearSuspicious(targetID)
		a.registry.SetTrust(targetID, state.TrustVerified)
		reply(fmt.Sprintf("User %d marked safe.", targetID))

	case "status":
		id := targetID
		if id == 0 {
			id = user.ID
		}
		reply(a.statusReport(ctx, chat.ID, id))

	case "checkpoint":
		if err := a.store.Save(a.registry, "manual"); err != nil {
			entry.WithField("error", err.Error()).Error("cant checkpoint state")
			reply("Checkpoint failed, check logs.")
			return false, nil
		}
		reply("State checkpointed.")

	case "backup":
		path, backupErr := a.backups.CreateBackup(a.registry, "manual")
		if backupErr != nil {
			entry.WithField("error", backupErr.Error()).Error("cant create backup")
			reply("Backup failed, check logs.")
			return false, nil
		}
		reply("Backup written: " + path)

	case "stats":
		reply(a.overallReport())

	case "backups":
		paths, listErr := a.backups.ListBackups()
		if listErr != nil {
			entry.WithField("error", listErr.Error()).Error("cant list backups")
			reply("Cant list backups, check logs.")
			return false, nil
		}
		if len(paths) == 0 {
			reply("No backups yet.")
			return false, nil
		}
		names := make([]string, 0, len(paths))
		for _, p := range paths {
			names = append(names, filepath.Base(p))
		}
		reply(strings.Join(names, "\n"))

	case "restore":
		paths, listErr := a.backups.ListBackups()
		if listErr != nil || len(paths) == 0 {
			reply("No backup to restore.")
			return false, nil
		}
		// Newest backup unless a file name is given.
		path := paths[len(paths)-1]
		if len(args) > 0 {
			path = filepath.Join(filepath.Dir(path), filepath.Base(args[0]))
		}
		if restoreErr := a.backups.Restore(a.registry, path); restoreErr != nil {
			entry.WithField("error", restoreErr.Error()).Error("cant restore backup")
			reply("Restore failed, check logs.")
			return false, nil
		}
		a.verifier.RestoreSuspicious(a.registry.SuspiciousIDs())
		reply("State restored from " + filepath.Base(path) + ".")

	case "rotatesession":
		id := a.registry.RotateSession()
		reply("New session: " + id)

	case "enable":
		a.registry.SetGroupEnabled(chat.ID, true)
		reply("Enabled in this chat.")

	case "disable":
		a.registry.SetGroupEnabled(chat.ID, false)
		reply("Disabled in this chat.")

	default:
		entry.Trace("unknown command")
		return true, nil
	}
	return false, nil
}

func (a *Admin) isPrivileged(chat *api.Chat, user *api.User) (bool, error) {
	if user.ID == a.cfg.OwnerID {
		return true, nil
	}
	if chat.IsPrivate() {
		return false, nil
	}
	chatMember, err := a.s.GetBot().GetChatMember(api.GetChatMemberConfig{
		ChatConfigWithUser: api.ChatConfigWithUser{
			UserID: user.ID,
			ChatConfig: api.ChatConfig{
				ChatID: chat.ID,
			},
		},
	})
	if err != nil {
		return false, err
	}
	switch {
	case
		chatMember.IsCreator(),
		chatMember.IsAdministrator() && chatMember.CanRestrictMembers:
		return true, nil
	}
	return false, nil
}

// resolveTarget picks the subject of a command: the replied-to sender, or
// the first numeric argument. Remaining arguments are returned as-is.
func (a *Admin) resolveTarget(m *api.Message) (int64, []string) {
	args := strings.Fields(m.CommandArguments())
	if m.ReplyToMessage != nil && m.ReplyToMessage.From != nil {
		return m.ReplyToMessage.From.ID, args
	}
	if len(args) == 0 {
		return 0, nil
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return 0, args
	}
	return id, args[1:]
}

func (a *Admin) statusReport(ctx context.Context, chatID, userID int64) string {
	stats := a.limiter.UserStats(userID)
	rec := a.registry.GetOrCreate(userID, "")
	var sb strings.Builder
	fmt.Fprintf(&sb, "User %d (%s)\n", userID, rec.Trust)
	fmt.Fprintf(&sb, "Messages: %d total, %d last minute, %d last hour\n",
		rec.MessageCount, stats.MessagesLastMinute, stats.MessagesLastHour)
	fmt.Fprintf(&sb, "Violations: %d total, %d last 24h, %d rate breaches\n",
		rec.ViolationCount, a.registry.ViolationsWithin(userID, 24*time.Hour), stats.ViolationCount)
	if stats.CooldownRemaining > 0 {
		fmt.Fprintf(&sb, "Cooldown: %s remaining\n", stats.CooldownRemaining.Round(time.Second))
	}
	for _, mute := range a.engine.ActiveMutes() {
		if mute.UserID != userID {
			continue
		}
		fmt.Fprintf(&sb, "Muted in chat %d until %s\n", mute.ChatID, mute.Until.Format(time.RFC3339))
	}
	if a.registry.IsBanned(userID) {
		sb.WriteString("Banned\n")
	}
	if a.registry.IsSuspicious(userID) {
		sb.WriteString("Flagged suspicious\n")
	}
	a.appendAuditTrail(ctx, &sb, chatID, userID)
	return strings.TrimSpace(sb.String())
}

func (a *Admin) appendAuditTrail(ctx context.Context, sb *strings.Builder, chatID, userID int64) {
	client := a.s.GetDB()
	if client == nil {
		return
	}
	since := time.Now().Add(-24 * time.Hour).Unix()
	if n, err := client.CountSpamReportsSince(ctx, userID, since); err == nil && n > 0 {
		fmt.Fprintf(sb, "Spam reports last 24h: %d\n", n)
	}
	if reports, err := client.GetSpamReports(ctx, userID, 3); err == nil {
		for _, rep := range reports {
			fmt.Fprintf(sb, "Report: score %d (%s)\n", rep.Score, rep.Reasons)
		}
	}
	if actions, err := client.GetModerationActions(ctx, chatID, userID, 5); err == nil {
		for _, act := range actions {
			fmt.Fprintf(sb, "Action: %s score %d at %s\n", act.Action, act.Score, act.TakenAt.Format(time.RFC3339))
		}
	}
}

func (a *Admin) overallReport() string {
	stats := a.registry.Stats()
	var sb strings.Builder
	fmt.Fprintf(&sb, "Users: %d known, %d approved, %d banned, %d suspicious\n",
		stats.Users, stats.Approved, stats.Banned, stats.Suspicious)
	fmt.Fprintf(&sb, "History: %d entries, session %s\n", stats.History, a.registry.SessionID())
	for name, v := range a.scorer.Stats() {
		fmt.Fprintf(&sb, "Scorer %s: %d\n", name, v)
	}
	for name, v := range a.verifier.Stats() {
		fmt.Fprintf(&sb, "Trust %s: %d\n", name, v)
	}
	return strings.TrimSpace(sb.String())
}

func (a *Admin) getLogEntry() *log.Entry {
	return log.WithField("context", "admin")
}
