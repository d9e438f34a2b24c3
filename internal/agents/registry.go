package agents

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/omnidesk/omnidesk/internal/config"
	"github.com/omnidesk/omnidesk/internal/errdefs"
	"github.com/omnidesk/omnidesk/internal/providers"
	"github.com/omnidesk/omnidesk/internal/store"
)

// Registry resolves agent keys to live agents: the built-in roster plus
// tenant-defined custom bots.
type Registry struct {
	cfg       config.AgentsConfig
	providers map[string]providers.Provider
	custom    store.CustomAgentStore
	logger    *slog.Logger

	builtins map[string]*Agent

	mu sync.Mutex
	// customAgents caches live custom agents so their history survives
	// between turns.
	customAgents map[string]*Agent
}

// NewRegistry builds the roster. providerByName maps provider names
// ("openai", "anthropic") to configured clients; the first one listed in the
// map under "openai" backs the built-in roster, falling back to any entry.
func NewRegistry(cfg config.AgentsConfig, providerByName map[string]providers.Provider, custom store.CustomAgentStore, logger *slog.Logger) *Registry {
	r := &Registry{
		cfg:          cfg,
		providers:    providerByName,
		custom:       custom,
		logger:       logger,
		builtins:     make(map[string]*Agent),
		customAgents: make(map[string]*Agent),
	}
	p := r.defaultProvider()
	for _, def := range builtinRoster {
		a := def // copy
		a.Provider = p
		a.MaxTokens = cfg.MaxTokens
		a.Temperature = cfg.Temperature
		a.ReplyTimeout = time.Duration(cfg.ReplyTimeoutSec) * time.Second
		a.HistoryDepth = cfg.HistoryDepth
		r.builtins[a.Key] = &a
	}
	return r
}

func (r *Registry) defaultProvider() providers.Provider {
	if p, ok := r.providers["openai"]; ok {
		return p
	}
	for _, p := range r.providers {
		return p
	}
	return nil
}

// DefaultKey is the concierge agent that answers unaddressed messages.
func (r *Registry) DefaultKey() string {
	if r.cfg.DefaultKey != "" {
		return r.cfg.DefaultKey
	}
	return "guru"
}

// Get resolves a key to a live agent, built-in or custom.
func (r *Registry) Get(ctx context.Context, key string) (*Agent, error) {
	key = strings.ToLower(strings.TrimSpace(key))
	if a, ok := r.builtins[key]; ok {
		return a, nil
	}
	r.mu.Lock()
	a, ok := r.customAgents[key]
	r.mu.Unlock()
	if ok {
		return a, nil
	}
	rec, ok, err := r.custom.ByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errdefs.Newf(errdefs.NotFound, "agent %q not found", key)
	}
	a = r.materialize(rec)
	r.mu.Lock()
	// Keep the first materialization if another goroutine won the race, so
	// agent history stays on one instance.
	if cached, ok := r.customAgents[key]; ok {
		a = cached
	} else {
		r.customAgents[key] = a
	}
	r.mu.Unlock()
	return a, nil
}

// Has reports whether a key names a registered agent without materializing it.
func (r *Registry) Has(ctx context.Context, key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if _, ok := r.builtins[key]; ok {
		return true
	}
	_, ok, err := r.custom.ByKey(ctx, key)
	return err == nil && ok
}

func (r *Registry) materialize(rec store.CustomAgent) *Agent {
	p, ok := r.providers[rec.Provider]
	if !ok {
		p = r.defaultProvider()
	}
	return &Agent{
		Key:          rec.Key,
		Name:         rec.DisplayName,
		Emoji:        rec.Emoji,
		SystemPrompt: rec.SystemPrompt,
		Tools:        rec.Tools,
		Provider:     p,
		MaxTokens:    r.cfg.MaxTokens,
		Temperature:  r.cfg.Temperature,
		ReplyTimeout: time.Duration(r.cfg.ReplyTimeoutSec) * time.Second,
		HistoryDepth: r.cfg.HistoryDepth,
	}
}

// Forget drops a cached custom agent after deletion or update.
func (r *Registry) Forget(key string) {
	r.mu.Lock()
	delete(r.customAgents, strings.ToLower(key))
	r.mu.Unlock()
}

// RosterEntry is one line of the agent listing.
type RosterEntry struct {
	Key         string   `json:"key"`
	Name        string   `json:"name"`
	Emoji       string   `json:"emoji"`
	Specialties []string `json:"specialties,omitempty"`
	Custom      bool     `json:"custom"`
}

// List returns every registered agent, built-ins first, each group sorted by
// key.
func (r *Registry) List(ctx context.Context) ([]RosterEntry, error) {
	out := make([]RosterEntry, 0, len(r.builtins))
	for _, a := range r.builtins {
		out = append(out, RosterEntry{Key: a.Key, Name: a.Name, Emoji: a.Emoji, Specialties: a.Specialties})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })

	custom, err := r.custom.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(custom, func(i, j int) bool { return custom[i].Key < custom[j].Key })
	for _, rec := range custom {
		out = append(out, RosterEntry{Key: rec.Key, Name: rec.DisplayName, Emoji: rec.Emoji, Custom: true})
	}
	return out, nil
}

// RegisterCustom validates and persists a tenant-defined agent.
func (r *Registry) RegisterCustom(ctx context.Context, rec store.CustomAgent) (store.CustomAgent, error) {
	rec.Key = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(rec.Key), " ", ""))
	if rec.Key == "" {
		return store.CustomAgent{}, errdefs.New(errdefs.Invalid, "agent key is required")
	}
	if _, taken := r.builtins[rec.Key]; taken {
		return store.CustomAgent{}, errdefs.Newf(errdefs.Conflict, "agent key %q is reserved", rec.Key)
	}
	if rec.DisplayName == "" {
		rec.DisplayName = rec.Key
	}
	if rec.SystemPrompt == "" {
		return store.CustomAgent{}, errdefs.New(errdefs.Invalid, "system prompt is required")
	}
	if rec.Provider == "" {
		rec.Provider = "openai"
	}
	if _, ok := r.providers[rec.Provider]; !ok {
		return store.CustomAgent{}, errdefs.Newf(errdefs.Invalid, "unknown provider %q", rec.Provider)
	}
	created, err := r.custom.Create(ctx, rec)
	if err != nil {
		return store.CustomAgent{}, err
	}
	r.logger.Info("agents.custom_registered", "key", created.Key, "provider", created.Provider)
	return created, nil
}

// RemoveCustom deletes a tenant-defined agent and evicts its cache entry.
func (r *Registry) RemoveCustom(ctx context.Context, key string) error {
	key = strings.ToLower(strings.TrimSpace(key))
	if _, builtin := r.builtins[key]; builtin {
		return errdefs.Newf(errdefs.Invalid, "agent %q is built in", key)
	}
	if err := r.custom.Delete(ctx, key); err != nil {
		return err
	}
	r.Forget(key)
	r.logger.Info("agents.custom_removed", "key", key)
	return nil
}

// builtinRoster is the fixed specialist lineup. Keys are stable and double
// as @mention handles.
var builtinRoster = []Agent{
	{
		Key:   "guru",
		Name:  "Guru",
		Emoji: "🧠",
		SystemPrompt: "Você é o Guru 🧠, o assistente geral da plataforma. " +
			"Responda qualquer pergunta com clareza e objetividade, em português. " +
			"Quando o assunto exigir um especialista (jurídico, vendas, saúde, psicologia), " +
			"sugira o agente adequado mencionando a chave dele, por exemplo @advogado. " +
			"Seja cordial e direto, sem respostas excessivamente longas.",
		Specialties: []string{"conhecimentos gerais", "orientação", "encaminhamento"},
		Commands: map[string]string{
			"/ajuda":    "lista os comandos disponíveis",
			"/limpar":   "apaga o histórico da conversa",
			"/contexto": "mostra quantas mensagens estão no contexto",
		},
	},
	{
		Key:   "advogado",
		Name:  "Dr. Advocatus",
		Emoji: "⚖️",
		SystemPrompt: "Você é o Dr. Advocatus ⚖️, assistente jurídico especializado em " +
			"direito brasileiro: consumidor, trabalhista, civil e contratos. " +
			"Explique em linguagem acessível, cite a legislação pertinente quando couber " +
			"e deixe claro que orientações não substituem um advogado constituído. " +
			"Responda sempre em português.",
		Specialties: []string{"direito do consumidor", "direito trabalhista", "contratos"},
		Commands: map[string]string{
			"/ajuda":    "lista os comandos disponíveis",
			"/limpar":   "apaga o histórico da conversa",
			"/contexto": "mostra quantas mensagens estão no contexto",
		},
	},
	{
		Key:   "vendedor",
		Name:  "Sales Pro",
		Emoji: "💼",
		SystemPrompt: "Você é o Sales Pro 💼, consultor comercial. Ajude o cliente a " +
			"encontrar o produto certo, tire dúvidas sobre preços, condições e prazos, " +
			"e conduza a conversa para o fechamento sem ser insistente. " +
			"Quando o cliente quiser uma reunião ou demonstração, use as ferramentas de " +
			"agenda para verificar horários e marcar. Responda sempre em português.",
		Specialties: []string{"vendas", "negociação", "produtos"},
		Tools:       []string{ToolFetchAvailability, ToolScheduleMeeting},
		Commands: map[string]string{
			"/ajuda":    "lista os comandos disponíveis",
			"/limpar":   "apaga o histórico da conversa",
			"/contexto": "mostra quantas mensagens estão no contexto",
		},
	},
	{
		Key:   "medico",
		Name:  "Dr. Health",
		Emoji: "🩺",
		SystemPrompt: "Você é o Dr. Health 🩺, assistente de informações de saúde. " +
			"Forneça informações gerais sobre sintomas, prevenção e bem-estar. " +
			"Nunca dê diagnóstico nem prescreva medicamentos; em casos que inspirem " +
			"cuidado, recomende procurar um médico presencialmente. " +
			"Responda sempre em português.",
		Specialties: []string{"saúde geral", "prevenção", "bem-estar"},
		Commands: map[string]string{
			"/ajuda":    "lista os comandos disponíveis",
			"/limpar":   "apaga o histórico da conversa",
			"/contexto": "mostra quantas mensagens estão no contexto",
		},
	},
	{
		Key:   "psicologo",
		Name:  "MindCare",
		Emoji: "🧘",
		SystemPrompt: "Você é o MindCare 🧘, assistente de bem-estar emocional. " +
			"Acolha com empatia, ajude a organizar pensamentos e sugira práticas de " +
			"autocuidado. Você não substitui terapia; em sinais de crise, oriente a " +
			"buscar ajuda profissional imediatamente (CVV 188). " +
			"Responda sempre em português.",
		Specialties: []string{"bem-estar emocional", "autocuidado", "escuta ativa"},
		Commands: map[string]string{
			"/ajuda":    "lista os comandos disponíveis",
			"/limpar":   "apaga o histórico da conversa",
			"/contexto": "mostra quantas mensagens estão no contexto",
		},
	},
	{
		Key:   "sdr",
		Name:  "Agenda",
		Emoji: "📅",
		SystemPrompt: "Você é o Agenda 📅, assistente de agendamentos. Sua única função " +
			"é marcar reuniões: colete e-mail e horário desejado, consulte a " +
			"disponibilidade com a ferramenta fetch_availability e confirme a reserva " +
			"com schedule_meeting. Nunca invente horários; ofereça apenas os livres. " +
			"Responda sempre em português.",
		Specialties: []string{"agendamento", "disponibilidade"},
		Tools:       []string{ToolFetchAvailability, ToolScheduleMeeting},
		Commands: map[string]string{
			"/ajuda":    "lista os comandos disponíveis",
			"/limpar":   "apaga o histórico da conversa",
			"/contexto": "mostra quantas mensagens estão no contexto",
		},
	},
}

// HandleCommand intercepts slash commands before the model sees them. The
// bool result reports whether the text was a command.
func HandleCommand(a *Agent, userID, text string) (string, bool) {
	cmd := strings.ToLower(strings.TrimSpace(text))
	switch cmd {
	case "/ajuda", "/help":
		var b strings.Builder
		fmt.Fprintf(&b, "%s — comandos disponíveis:\n", a.DisplayName())
		keys := make([]string, 0, len(a.Commands))
		for k := range a.Commands {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s: %s\n", k, a.Commands[k])
		}
		if len(a.Specialties) > 0 {
			fmt.Fprintf(&b, "Especialidades: %s", strings.Join(a.Specialties, ", "))
		}
		return strings.TrimRight(b.String(), "\n"), true
	case "/limpar", "/clear":
		a.ClearHistory(userID)
		return "🧹 Histórico limpo! Podemos começar do zero.", true
	case "/contexto":
		n := a.HistoryCount(userID)
		return fmt.Sprintf("📋 Contexto atual: %d mensagens na memória.", n), true
	}
	return "", false
}
