package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
)

// Operations provides common Telegram bot operations. It satisfies the
// moderation engine's transport interface.
type Operations struct {
	bot *api.BotAPI
}

// NewOperations creates a new Operations instance
func NewOperations(bot *api.BotAPI) *Operations {
	return &Operations{bot: bot}
}

// DeleteMessage deletes a message from a chat
func (o *Operations) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	_, err := o.bot.Request(api.NewDeleteMessage(chatID, messageID))
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

// BanUser bans a user from a chat
func (o *Operations) BanUser(ctx context.Context, chatID, userID int64) error {
	config := api.BanChatMemberConfig{
		ChatMemberConfig: api.ChatMemberConfig{
			ChatConfig: api.ChatConfig{
				ChatID: chatID,
			},
			UserID: userID,
		},
		RevokeMessages: true,
	}
	_, err := o.bot.Request(config)
	if err != nil {
		if strings.Contains(err.Error(), "not enough rights") {
			return fmt.Errorf("not enough rights to ban user")
		}
		return fmt.Errorf("failed to ban user: %w", err)
	}
	return nil
}

// UnbanUser lifts a chat ban
func (o *Operations) UnbanUser(ctx context.Context, chatID, userID int64) error {
	config := api.UnbanChatMemberConfig{
		ChatMemberConfig: api.ChatMemberConfig{
			ChatConfig: api.ChatConfig{
				ChatID: chatID,
			},
			UserID: userID,
		},
		OnlyIfBanned: true,
	}
	_, err := o.bot.Request(config)
	if err != nil {
		return fmt.Errorf("failed to unban user: %w", err)
	}
	return nil
}

// RestrictUser mutes a user until the given time
func (o *Operations) RestrictUser(ctx context.Context, chatID, userID int64, until time.Time) error {
	config := api.RestrictChatMemberConfig{
		ChatMemberConfig: api.ChatMemberConfig{
			ChatConfig: api.ChatConfig{
				ChatID: chatID,
			},
			UserID: userID,
		},
		UntilDate: until.Unix(),
		Permissions: &api.ChatPermissions{
			CanSendMessages:       false,
			CanSendOtherMessages:  false,
			CanAddWebPagePreviews: false,
		},
	}
	_, err := o.bot.Request(config)
	if err != nil {
		return fmt.Errorf("failed to restrict user: %w", err)
	}
	return nil
}

// UnrestrictUser removes chat restrictions from a user
func (o *Operations) UnrestrictUser(ctx context.Context, chatID, userID int64) error {
	config := api.RestrictChatMemberConfig{
		ChatMemberConfig: api.ChatMemberConfig{
			ChatConfig: api.ChatConfig{
				ChatID: chatID,
			},
			UserID: userID,
		},
		Permissions: &api.ChatPermissions{
			CanSendMessages:       true,
			CanSendOtherMessages:  true,
			CanAddWebPagePreviews: true,
		},
	}
	_, err := o.bot.Request(config)
	if err != nil {
		return fmt.Errorf("failed to unrestrict user: %w", err)
	}
	return nil
}

// SendText sends a plain text message to a chat
func (o *Operations) SendText(ctx context.Context, chatID int64, text string) error {
	_, err := o.bot.Send(api.NewMessage(chatID, text))
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// SendTyping shows the typing indicator; failures are not worth surfacing
func (o *Operations) SendTyping(ctx context.Context, chatID int64) {
	_, _ = o.bot.Request(api.NewChatAction(chatID, api.ChatTyping))
}

// IsAdmin reports whether the user administers the chat
func (o *Operations) IsAdmin(ctx context.Context, chatID, userID int64) (bool, error) {
	member, err := o.bot.GetChatMember(api.GetChatMemberConfig{
		ChatConfigWithUser: api.ChatConfigWithUser{
			ChatConfig: api.ChatConfig{
				ChatID: chatID,
			},
			UserID: userID,
		},
	})
	if err != nil {
		return false, fmt.Errorf("failed to get chat member: %w", err)
	}
	return member.IsCreator() || member.IsAdministrator(), nil
}
