package llm

import (
	"context"
	"errors"
	"net"
	"net/url"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type ChatCompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatCompletionResponse struct {
	Choices []ChatCompletionChoice `json:"choices"`
}

type ChatCompletionChoice struct {
	Message ChatCompletionMessage `json:"message"`
}

type GenerationParameters struct {
	Temperature      float32
	TopK             int32
	TopP             float32
	MaxOutputTokens  int64
	ResponseMIMEType string
}

// ErrMalformedResponse marks a reply the adapter could not extract text from.
var ErrMalformedResponse = errors.New("malformed completion response")

type ErrorClass int

const (
	ErrorUnknown ErrorClass = iota
	ErrorTimeout
	ErrorConnection
	ErrorBadStatus
	ErrorMalformed
)

// StatusError wraps a provider reply with a non-success HTTP status. The
// adapters translate provider-specific error types into this so callers stay
// provider-neutral.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string {
	return e.Err.Error()
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// Classify buckets a completion failure so the caller can pick a fallback
// reply. Order matters: timeouts are also net.Errors, so they go first.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorUnknown
	}
	if errors.Is(err, ErrMalformedResponse) {
		return ErrorMalformed
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorTimeout
		}
		return ErrorConnection
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return ErrorConnection
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrorConnection
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return ErrorBadStatus
	}
	return ErrorUnknown
}
