package agent

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"

	"github.com/ranacseruet/clawphone/internal/sessions"
)

type APIConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
}

// APIBackend answers through an OpenAI-compatible chat completion endpoint,
// replaying the session's recent history with every prompt.
type APIBackend struct {
	client  *openai.Client
	model   string
	system  string
	history *sessions.Store
}

func NewAPIBackend(cfg APIConfig, history *sessions.Store) *APIBackend {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	return &APIBackend{
		client:  openai.NewClientWithConfig(config),
		model:   cfg.Model,
		system:  cfg.SystemPrompt,
		history: history,
	}
}

func (b *APIBackend) Name() string { return "api" }

func (b *APIBackend) Reply(ctx context.Context, req Request) (string, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, 8)
	if system := b.systemPrompt(req.Channel); system != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	if b.history != nil {
		for _, m := range b.history.History(req.SessionID) {
			role := openai.ChatMessageRoleUser
			if m.Role == sessions.RoleAssistant {
				role = openai.ChatMessageRoleAssistant
			}
			msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
		}
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    b.model,
		Messages: msgs,
	})
	if err != nil {
		return "", errors.Wrap(err, "chat completion")
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	reply := strings.TrimSpace(resp.Choices[0].Message.Content)

	if b.history != nil && reply != "" {
		b.history.Append(req.SessionID,
			sessions.Message{Role: sessions.RoleUser, Content: req.Prompt},
			sessions.Message{Role: sessions.RoleAssistant, Content: reply},
		)
	}
	return reply, nil
}

func (b *APIBackend) systemPrompt(channel string) string {
	switch channel {
	case ChannelVoice:
		return strings.TrimSpace(b.system + "\nThe user is on a phone call; your reply will be read aloud. Avoid markdown, lists and URLs.")
	case ChannelSMS:
		return strings.TrimSpace(b.system + "\nThe user is texting; keep the reply to a few short sentences.")
	default:
		return b.system
	}
}
