package agents

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnidesk/omnidesk/internal/config"
	"github.com/omnidesk/omnidesk/internal/errdefs"
	"github.com/omnidesk/omnidesk/internal/providers"
	"github.com/omnidesk/omnidesk/internal/store"
	"github.com/omnidesk/omnidesk/internal/store/memory"
)

func customAgent(key, prompt string) store.CustomAgent {
	return store.CustomAgent{Key: key, DisplayName: key, SystemPrompt: prompt, Provider: "openai"}
}

type scriptedProvider struct {
	replies []string
	calls   int
	err     error
}

func (p *scriptedProvider) Chat(context.Context, providers.ChatRequest) (*providers.ChatResponse, error) {
	if p.err != nil {
		return nil, p.err
	}
	reply := "ok"
	if p.calls < len(p.replies) {
		reply = p.replies[p.calls]
	}
	p.calls++
	return &providers.ChatResponse{Content: reply}, nil
}

func (p *scriptedProvider) DefaultModel() string { return "scripted-1" }
func (p *scriptedProvider) Name() string         { return "openai" }

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRegistry(config.AgentsConfig{
		MaxTokens:       512,
		Temperature:     0.7,
		ReplyTimeoutSec: 5,
		HistoryDepth:    10,
	}, map[string]providers.Provider{"openai": &scriptedProvider{}}, memory.NewStores().CustomAgents, logger)
}

func TestDetectMention(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	key, ok := r.DetectMention(ctx, "@advogado preciso de ajuda")
	require.True(t, ok)
	assert.Equal(t, "advogado", key)

	// Aliases resolve to the canonical key.
	key, ok = r.DetectMention(ctx, "@advogada, uma dúvida")
	require.True(t, ok)
	assert.Equal(t, "advogado", key)

	key, ok = r.DetectMention(ctx, "@Agenda quero marcar")
	require.True(t, ok)
	assert.Equal(t, "sdr", key)

	// A mention not at the start of the message is ordinary text.
	_, ok = r.DetectMention(ctx, "fala com o @advogado")
	assert.False(t, ok)

	// Unregistered handles never match.
	_, ok = r.DetectMention(ctx, "@ninguem oi")
	assert.False(t, ok)

	_, ok = r.DetectMention(ctx, "sem mencao nenhuma")
	assert.False(t, ok)
}

func TestCleanMention(t *testing.T) {
	assert.Equal(t, "preciso de ajuda", CleanMention("@advogado preciso de ajuda"))
	assert.Equal(t, "uma dúvida", CleanMention("@advogado: uma dúvida"))
	assert.Equal(t, "sem mencao", CleanMention("sem mencao"))
	assert.Equal(t, "", CleanMention("@guru"))
}

func TestHandleCommand(t *testing.T) {
	r := newTestRegistry(t)
	a, err := r.Get(context.Background(), "guru")
	require.NoError(t, err)

	reply, handled := HandleCommand(a, "u1", "/ajuda")
	require.True(t, handled)
	assert.Contains(t, reply, "/limpar")
	assert.Contains(t, reply, "Especialidades")

	reply, handled = HandleCommand(a, "u1", "/contexto")
	require.True(t, handled)
	assert.Contains(t, reply, "0 mensagens")

	a.appendHistory("u1", "pergunta", "resposta")
	reply, handled = HandleCommand(a, "u1", "/contexto")
	require.True(t, handled)
	assert.Contains(t, reply, "2 mensagens")

	_, handled = HandleCommand(a, "u1", "/limpar")
	require.True(t, handled)
	assert.Zero(t, a.HistoryCount("u1"))

	_, handled = HandleCommand(a, "u1", "pergunta normal")
	assert.False(t, handled)
}

func TestRegistryRosterAndDefault(t *testing.T) {
	r := newTestRegistry(t)

	assert.Equal(t, "guru", r.DefaultKey())

	list, err := r.List(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, list)
	keys := make([]string, len(list))
	for i, e := range list {
		keys[i] = e.Key
	}
	assert.Contains(t, keys, "guru")
	assert.Contains(t, keys, "advogado")
	assert.Contains(t, keys, "sdr")
}

func TestRegisterCustomAgent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	created, err := r.RegisterCustom(ctx, customAgent("chef", "Você é um chef."))
	require.NoError(t, err)
	assert.Equal(t, "chef", created.Key)

	a, err := r.Get(ctx, "chef")
	require.NoError(t, err)
	assert.Equal(t, "chef", a.Key)

	// Custom agents appear in the roster flagged as custom.
	list, err := r.List(ctx)
	require.NoError(t, err)
	var found bool
	for _, e := range list {
		if e.Key == "chef" {
			found = true
			assert.True(t, e.Custom)
		}
	}
	assert.True(t, found)

	// Built-in keys are reserved.
	_, err = r.RegisterCustom(ctx, customAgent("guru", "prompt"))
	assert.True(t, errdefs.IsKind(err, errdefs.Conflict))

	_, err = r.RegisterCustom(ctx, customAgent("", "prompt"))
	assert.True(t, errdefs.IsKind(err, errdefs.Invalid))

	require.NoError(t, r.RemoveCustom(ctx, "chef"))
	_, err = r.Get(ctx, "chef")
	assert.True(t, errdefs.IsKind(err, errdefs.NotFound))

	assert.True(t, errdefs.IsKind(r.RemoveCustom(ctx, "guru"), errdefs.Invalid))
}

func TestRespondKeepsHistoryWindow(t *testing.T) {
	p := &scriptedProvider{replies: []string{"primeira", "segunda"}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewRegistry(config.AgentsConfig{HistoryDepth: 1, ReplyTimeoutSec: 5},
		map[string]providers.Provider{"openai": p}, memory.NewStores().CustomAgents, logger)

	a, err := r.Get(context.Background(), "guru")
	require.NoError(t, err)

	answer := a.Respond(context.Background(), logger, nil, "u1", "Ana", "oi")
	assert.Equal(t, "primeira", answer)

	answer = a.Respond(context.Background(), logger, nil, "u1", "Ana", "de novo")
	assert.Equal(t, "segunda", answer)

	// Depth 1 keeps a single turn pair.
	assert.Equal(t, 2, a.HistoryCount("u1"))
}

func TestRespondDegradesOnProviderFailure(t *testing.T) {
	p := &scriptedProvider{err: fmt.Errorf("provider down")}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewRegistry(config.AgentsConfig{ReplyTimeoutSec: 5},
		map[string]providers.Provider{"openai": p}, memory.NewStores().CustomAgents, logger)

	a, err := r.Get(context.Background(), "guru")
	require.NoError(t, err)

	answer := a.Respond(context.Background(), logger, nil, "u1", "Ana", "oi")
	assert.Contains(t, answer, "não conseguiu responder")
	assert.Zero(t, a.HistoryCount("u1"))
}
