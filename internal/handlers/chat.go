package handlers

import (
	"context"
	"strings"

	api "github.com/OvyFlash/telegram-bot-api"
	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/aegis/internal/adapters"
	"github.com/iamwavecut/aegis/internal/adapters/llm"
	"github.com/iamwavecut/aegis/internal/bot"
	"github.com/iamwavecut/aegis/internal/config"
	"github.com/iamwavecut/aegis/internal/rates"
	"github.com/iamwavecut/aegis/internal/state"
)

const historyContextDepth = 10

type chatTransport interface {
	SendText(ctx context.Context, chatID int64, text string) error
	SendTyping(ctx context.Context, chatID int64)
}

// Chat relays surviving messages to the completion service and replies with
// its answer. In groups only messages carrying the trigger word are relayed;
// everything else ends the chain quietly.
type Chat struct {
	s        bot.Service
	cfg      config.Config
	registry *state.Registry
	limiter  *rates.Limiter
	llmAPI   adapters.LLM
	ops      chatTransport
}

func NewChat(
	s bot.Service,
	cfg config.Config,
	registry *state.Registry,
	limiter *rates.Limiter,
	llmAPI adapters.LLM,
	ops chatTransport,
) *Chat {
	return &Chat{
		s:        s,
		cfg:      cfg,
		registry: registry,
		limiter:  limiter,
		llmAPI:   llmAPI,
		ops:      ops,
	}
}

func (c *Chat) Handle(ctx context.Context, u *api.Update, chat *api.Chat, user *api.User) (bool, error) {
	if u.Message == nil || chat == nil || user == nil {
		return true, nil
	}
	text := bot.ExtractContentFromMessage(u.Message)
	if text == "" {
		return false, nil
	}
	entry := c.getLogEntry().WithFields(log.Fields{
		"chat_id": chat.ID,
		"user_id": user.ID,
	})

	if !chat.IsPrivate() {
		trigger := strings.ToLower(c.cfg.TriggerWord)
		lowered := strings.ToLower(text)
		switch {
		case strings.HasPrefix(lowered, trigger):
			text = strings.TrimSpace(text[len(trigger):])
		case strings.Contains(lowered, "@"+trigger):
		default:
			return false, nil
		}
		if text == "" {
			text = "hi"
		}
	}

	if c.limiter.IsLimited(user.ID, rates.ClassAPI) {
		c.send(ctx, entry, chat.ID, "You are sending requests too fast, give it a minute.")
		return false, nil
	}
	c.limiter.Record(user.ID, rates.ClassAPI)

	c.ops.SendTyping(ctx, chat.ID)

	completionCtx, cancel := context.WithTimeout(ctx, c.cfg.LLM.Timeout)
	defer cancel()

	resp, err := c.llmAPI.ChatCompletion(completionCtx, c.buildMessages(chat.ID, text))
	if err != nil {
		entry.WithField("error", err.Error()).Warn("completion failed")
		c.send(ctx, entry, chat.ID, fallbackReply(err))
		return false, nil
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		c.send(ctx, entry, chat.ID, fallbackReply(llm.ErrMalformedResponse))
		return false, nil
	}

	c.send(ctx, entry, chat.ID, resp.Choices[0].Message.Content)
	return false, nil
}

// buildMessages assembles the prompt: system instruction bound to the
// current session, recent chat context, then the user's message.
func (c *Chat) buildMessages(chatID int64, text string) []llm.ChatCompletionMessage {
	messages := []llm.ChatCompletionMessage{
		{
			Role:    llm.RoleSystem,
			Content: c.cfg.LLM.SystemPrompt + "\nConversation session: " + c.registry.SessionID(),
		},
	}
	for _, entry := range c.registry.RecentHistory(historyContextDepth) {
		if entry.ChatID != chatID || entry.Text == "" {
			continue
		}
		messages = append(messages, llm.ChatCompletionMessage{
			Role:    llm.RoleUser,
			Content: entry.UserName + ": " + entry.Text,
		})
	}
	return append(messages, llm.ChatCompletionMessage{
		Role:    llm.RoleUser,
		Content: text,
	})
}

func fallbackReply(err error) string {
	switch llm.Classify(err) {
	case llm.ErrorTimeout:
		return "The assistant took too long to answer, try again."
	case llm.ErrorConnection:
		return "I cant reach the assistant right now, try again later."
	case llm.ErrorBadStatus:
		return "The assistant service rejected the request, try again later."
	case llm.ErrorMalformed:
		return "I got an answer I could not read, try again."
	}
	return "Something went wrong, try again."
}

func (c *Chat) send(ctx context.Context, entry *log.Entry, chatID int64, text string) {
	if err := c.ops.SendText(ctx, chatID, text); err != nil {
		entry.WithField("error", err.Error()).Warn("cant send reply")
	}
}

func (c *Chat) getLogEntry() *log.Entry {
	return log.WithField("context", "chat")
}
