// Package agent invokes the conversational backend under a shared concurrency
// budget. Calls queue for a slot in arrival order and are never rejected.
package agent

import (
	"context"

	"github.com/pkg/errors"
)

const (
	ChannelVoice = "voice"
	ChannelSMS   = "sms"
)

// Apology is the reply used when the backend fails.
const Apology = "Sorry, something went wrong on my end. Please try again in a moment."

// ErrNoBackend is returned by every call when no backend is configured.
var ErrNoBackend = errors.New("no agent backend configured")

// Request is one prompt for the agent. SessionID groups requests that share
// conversation history; voice and SMS from the same number share a session.
type Request struct {
	SessionID string
	Caller    string
	Channel   string
	Prompt    string
}

// Backend produces a reply for a prompt. Implementations must honour ctx.
type Backend interface {
	Reply(ctx context.Context, req Request) (string, error)
	Name() string
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, req Request) (string, error)

func (f BackendFunc) Reply(ctx context.Context, req Request) (string, error) { return f(ctx, req) }

func (f BackendFunc) Name() string { return "func" }
