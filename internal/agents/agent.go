// Package agents hosts the specialist AI roster: built-in personas, custom
// tenant bots, mention routing and the reply loop with its tool calls.
package agents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/omnidesk/omnidesk/internal/providers"
)

// Agent is one addressable AI persona.
type Agent struct {
	Key          string
	Name         string
	Emoji        string
	SystemPrompt string
	Specialties  []string
	Commands     map[string]string
	Tools        []string // tool names this agent may call
	Provider     providers.Provider
	MaxTokens    int
	Temperature  float64
	ReplyTimeout time.Duration
	HistoryDepth int // user+assistant turn pairs kept per user

	mu      sync.Mutex
	history map[string][]providers.Message
}

// DisplayName renders the name with its emoji.
func (a *Agent) DisplayName() string {
	if a.Emoji == "" {
		return a.Name
	}
	return a.Name + " " + a.Emoji
}

// ClearHistory drops the per-user context window.
func (a *Agent) ClearHistory(userID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.history, userID)
}

// HistoryCount reports the context window size for a user.
func (a *Agent) HistoryCount(userID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.history[userID])
}

func (a *Agent) snapshotHistory(userID string) []providers.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	h := a.history[userID]
	out := make([]providers.Message, len(h))
	copy(out, h)
	return out
}

func (a *Agent) appendHistory(userID, question, answer string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.history == nil {
		a.history = make(map[string][]providers.Message)
	}
	h := append(a.history[userID],
		providers.Message{Role: "user", Content: question},
		providers.Message{Role: "assistant", Content: answer},
	)
	// Window is measured in messages, two per turn.
	if max := a.HistoryDepth * 2; max > 0 && len(h) > max {
		h = h[len(h)-max:]
	}
	a.history[userID] = h
}

// ToolExecutor runs a tool call on behalf of an agent.
type ToolExecutor interface {
	Execute(ctx context.Context, agent *Agent, userID string, call providers.ToolCall) (string, error)
	Definitions(agent *Agent) []providers.ToolDefinition
}

const maxToolIterations = 4

// Respond runs one agent turn: history, the user message, and up to a few
// tool-call rounds. Failures degrade to an apology so the conversation
// never stalls on a provider outage.
func (a *Agent) Respond(ctx context.Context, logger *slog.Logger, tools ToolExecutor, userID, userName, message string) string {
	timeout := a.ReplyTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msgs := []providers.Message{{Role: "system", Content: a.SystemPrompt}}
	msgs = append(msgs, a.snapshotHistory(userID)...)
	msgs = append(msgs, providers.Message{
		Role:    "user",
		Content: fmt.Sprintf("[Usuário: %s] %s", userName, message),
	})

	var defs []providers.ToolDefinition
	if tools != nil && len(a.Tools) > 0 {
		defs = tools.Definitions(a)
	}

	for i := 0; i < maxToolIterations; i++ {
		resp, err := a.Provider.Chat(ctx, providers.ChatRequest{
			Messages:    msgs,
			Tools:       defs,
			MaxTokens:   a.MaxTokens,
			Temperature: a.Temperature,
		})
		if err != nil {
			logger.Warn("agents.reply_failed", "agent", a.Key, "error", err)
			return fmt.Sprintf("⏱️ %s não conseguiu responder agora. Tente novamente em instantes.", a.Name)
		}

		if len(resp.ToolCalls) == 0 || tools == nil {
			answer := strings.TrimSpace(resp.Content)
			if answer == "" {
				answer = "Desculpe, não consegui elaborar uma resposta. Pode reformular?"
			}
			a.appendHistory(userID, message, answer)
			return answer
		}

		msgs = append(msgs, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			result, err := tools.Execute(ctx, a, userID, call)
			if err != nil {
				logger.Warn("agents.tool_failed", "agent", a.Key, "tool", call.Name, "error", err)
				result = "erro: " + err.Error()
			}
			msgs = append(msgs, providers.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: call.ID,
			})
		}
	}

	logger.Warn("agents.tool_loop_exhausted", "agent", a.Key)
	return "Desculpe, não consegui concluir essa operação. Pode tentar novamente?"
}
