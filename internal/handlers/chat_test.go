package handlers

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"

	"github.com/iamwavecut/aegis/internal/adapters/llm"
	"github.com/iamwavecut/aegis/internal/rates"
	"github.com/iamwavecut/aegis/internal/state"
)

type fakeLLM struct {
	reply string
	err   error
	calls int
}

func (f *fakeLLM) ChatCompletion(_ context.Context, messages []llm.ChatCompletionMessage) (llm.ChatCompletionResponse, error) {
	f.calls++
	if f.err != nil {
		return llm.ChatCompletionResponse{}, f.err
	}
	return llm.ChatCompletionResponse{
		Choices: []llm.ChatCompletionChoice{{Message: llm.ChatCompletionMessage{Role: llm.RoleAssistant, Content: f.reply}}},
	}, nil
}

func newChatFixture(llmAPI *fakeLLM) (*Chat, *fakeOps, *state.Registry) {
	cfg := testConfig()
	registry := state.NewRegistry()
	limiter := rates.NewLimiter(cfg.Rates)
	ops := &fakeOps{}
	return NewChat(fakeService{}, cfg, registry, limiter, llmAPI, ops), ops, registry
}

func privateMessage(text string) (*api.Update, *api.Chat, *api.User) {
	chat := &api.Chat{ID: 42, Type: "private"}
	user := &api.User{ID: 42, UserName: "alice_wong", FirstName: "Alice"}
	u := &api.Update{
		Message: &api.Message{
			MessageID: 1,
			Chat:      *chat,
			From:      user,
			Text:      text,
			Date:      int(time.Now().Unix()),
		},
	}
	return u, chat, user
}

func TestChatRepliesInPrivate(t *testing.T) {
	t.Parallel()

	llmAPI := &fakeLLM{reply: "hi there"}
	c, ops, _ := newChatFixture(llmAPI)

	u, chat, user := privateMessage("hello")
	proceed, err := c.Handle(context.Background(), u, chat, user)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if proceed {
		t.Error("chat handler should end the chain")
	}
	if ops.typing != 1 {
		t.Errorf("typing indications = %d, want 1", ops.typing)
	}
	if len(ops.sent) != 1 || ops.sent[0] != "hi there" {
		t.Errorf("sent = %v", ops.sent)
	}
}

func TestChatGroupRequiresTrigger(t *testing.T) {
	t.Parallel()

	llmAPI := &fakeLLM{reply: "hi"}
	c, ops, _ := newChatFixture(llmAPI)

	u, chat, user := groupMessage(42, 1, "just chatting with friends")
	if _, err := c.Handle(context.Background(), u, chat, user); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if llmAPI.calls != 0 {
		t.Error("completion called without trigger word")
	}

	u, chat, user = groupMessage(42, 2, "alya what time is it")
	if _, err := c.Handle(context.Background(), u, chat, user); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if llmAPI.calls != 1 {
		t.Errorf("completion calls = %d, want 1", llmAPI.calls)
	}
	if len(ops.sent) != 1 {
		t.Errorf("sent = %v", ops.sent)
	}
}

func TestChatStripsTriggerCaseInsensitively(t *testing.T) {
	t.Parallel()

	var captured []llm.ChatCompletionMessage
	llmAPI := &capturingLLM{reply: "ok", captured: &captured}
	cfg := testConfig()
	registry := state.NewRegistry()
	limiter := rates.NewLimiter(cfg.Rates)
	c := NewChat(fakeService{}, cfg, registry, limiter, llmAPI, &fakeOps{})

	u, chat, user := groupMessage(42, 1, "Alya what time is it")
	if _, err := c.Handle(context.Background(), u, chat, user); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(captured) == 0 {
		t.Fatal("completion not called")
	}
	got := captured[len(captured)-1].Content
	if got != "what time is it" {
		t.Errorf("prompt = %q, want trigger stripped", got)
	}
}

func TestChatFallbackReplies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		wantPart string
	}{
		{"timeout", context.DeadlineExceeded, "took too long"},
		{"connection", &net.OpError{Op: "dial", Err: errors.New("refused")}, "cant reach"},
		{"bad status", &llm.StatusError{Code: 500, Err: errors.New("server error")}, "rejected the request"},
		{"malformed", llm.ErrMalformedResponse, "could not read"},
		{"unknown", errors.New("boom"), "Something went wrong"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c, ops, _ := newChatFixture(&fakeLLM{err: tt.err})
			u, chat, user := privateMessage("hello")
			if _, err := c.Handle(context.Background(), u, chat, user); err != nil {
				t.Fatalf("handle: %v", err)
			}
			if len(ops.sent) != 1 || !strings.Contains(ops.sent[0], tt.wantPart) {
				t.Errorf("sent = %v, want reply containing %q", ops.sent, tt.wantPart)
			}
		})
	}
}

func TestChatAPIRateLimit(t *testing.T) {
	t.Parallel()

	llmAPI := &fakeLLM{reply: "ok"}
	c, ops, _ := newChatFixture(llmAPI)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		u, chat, user := privateMessage("hello")
		if _, err := c.Handle(ctx, u, chat, user); err != nil {
			t.Fatalf("handle %d: %v", i, err)
		}
	}
	if llmAPI.calls != 5 {
		t.Errorf("completion calls = %d, want 5", llmAPI.calls)
	}
	last := ops.sent[len(ops.sent)-1]
	if !strings.Contains(last, "too fast") {
		t.Errorf("last reply = %q, want throttle notice", last)
	}
}

func TestChatIncludesSessionAndHistory(t *testing.T) {
	t.Parallel()

	var captured []llm.ChatCompletionMessage
	llmAPI := &capturingLLM{reply: "ok", captured: &captured}
	cfg := testConfig()
	registry := state.NewRegistry()
	limiter := rates.NewLimiter(cfg.Rates)
	ops := &fakeOps{}
	c := NewChat(fakeService{}, cfg, registry, limiter, llmAPI, ops)

	registry.AddHistory(state.HistoryEntry{Time: time.Now(), ChatID: 42, UserID: 7, UserName: "bob", Text: "earlier message"})
	registry.AddHistory(state.HistoryEntry{Time: time.Now(), ChatID: 99, UserID: 8, UserName: "eve", Text: "other chat"})

	u, chat, user := privateMessage("hello")
	if _, err := c.Handle(context.Background(), u, chat, user); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(captured) != 3 {
		t.Fatalf("messages = %d, want system + history + user", len(captured))
	}
	if captured[0].Role != llm.RoleSystem || !strings.Contains(captured[0].Content, registry.SessionID()) {
		t.Errorf("system message = %+v, want session id included", captured[0])
	}
	if !strings.Contains(captured[1].Content, "earlier message") {
		t.Errorf("history message = %+v", captured[1])
	}
	if captured[2].Content != "hello" {
		t.Errorf("user message = %+v", captured[2])
	}
}

type capturingLLM struct {
	reply    string
	captured *[]llm.ChatCompletionMessage
}

func (f *capturingLLM) ChatCompletion(_ context.Context, messages []llm.ChatCompletionMessage) (llm.ChatCompletionResponse, error) {
	*f.captured = messages
	return llm.ChatCompletionResponse{
		Choices: []llm.ChatCompletionChoice{{Message: llm.ChatCompletionMessage{Role: llm.RoleAssistant, Content: f.reply}}},
	}, nil
}
