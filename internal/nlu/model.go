package nlu

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/omnidesk/omnidesk/internal/providers"
)

// ModelClassifier asks an LLM for the intent and falls back to the rules
// classifier on any failure. A failure never blocks routing.
type ModelClassifier struct {
	provider providers.Provider
	fallback *RulesClassifier
	logger   *slog.Logger
	timeout  time.Duration
}

// NewModelClassifier wraps a provider with the rules fallback.
func NewModelClassifier(provider providers.Provider, logger *slog.Logger) *ModelClassifier {
	return &ModelClassifier{
		provider: provider,
		fallback: NewRulesClassifier(),
		logger:   logger,
		timeout:  10 * time.Second,
	}
}

type modelDecision struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Classify asks the model for a JSON decision. Unknown intent names, parse
// failures and transport errors all land on the rules fallback.
func (c *ModelClassifier) Classify(ctx context.Context, text string, speaker Speaker) Intent {
	intent, err := c.classifyModel(ctx, text, speaker)
	if err != nil {
		c.logger.Warn("nlu.model_fallback", "error", err)
		return c.fallback.Classify(ctx, text, speaker)
	}
	return intent
}

func (c *ModelClassifier) classifyModel(ctx context.Context, text string, speaker Speaker) (Intent, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	table := intentTable(speaker)
	names := make([]string, 0, len(table))
	for name := range table {
		names = append(names, name)
	}
	sort.Strings(names)

	var descriptions strings.Builder
	for _, name := range names {
		kws := table[name].keywords
		if len(kws) > 5 {
			kws = kws[:5]
		}
		fmt.Fprintf(&descriptions, "- %s: %s\n", name, strings.Join(kws, ", "))
	}

	prompt := fmt.Sprintf(`Analise a seguinte mensagem e identifique a intenção do usuário.

Mensagem: %q

Intenções possíveis:
%s
Retorne APENAS um JSON válido no formato:
{"intent": "nome_da_intencao", "confidence": 0.95, "reasoning": "breve explicação"}

Se a mensagem não se encaixar em nenhuma intenção, use "general" com confidence baixa.`, text, descriptions.String())

	resp, err := c.provider.Chat(ctx, providers.ChatRequest{
		Messages:    []providers.Message{{Role: "user", Content: prompt}},
		Temperature: 0.3,
		MaxTokens:   150,
	})
	if err != nil {
		return Intent{}, err
	}

	content := strings.TrimSpace(resp.Content)
	content = stripCodeFence(content)

	var decision modelDecision
	if err := json.Unmarshal([]byte(content), &decision); err != nil {
		return Intent{}, fmt.Errorf("parse model decision: %w", err)
	}

	name := decision.Intent
	confidence := decision.Confidence
	if _, known := table[name]; !known && name != IntentGeneral {
		name = IntentGeneral
		confidence = 0.3
	}

	intent := Intent{
		Name:       name,
		Confidence: round2(confidence),
		Method:     MethodModel,
	}
	if decision.Reasoning != "" {
		intent.KeywordsMatched = []string{decision.Reasoning}
	}
	if spec, ok := table[name]; ok {
		intent.SuggestedAgent = spec.agent
		intent.SuggestedAction = spec.action
	}
	return intent, nil
}

func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
