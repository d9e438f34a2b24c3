// Package nlu classifies message intent and extracts structured entities.
// Two classifier modes exist: keyword rules (offline, deterministic) and an
// LLM-backed mode that falls back to the rules on any failure.
package nlu

import (
	"context"
	"log/slog"
)

// Speaker selects which intent table applies.
type Speaker string

const (
	SpeakerCustomer Speaker = "customer"
	SpeakerOperator Speaker = "agent"
)

// Classification methods.
const (
	MethodRules = "rules"
	MethodModel = "model"
)

// IntentGeneral is returned when nothing matches.
const IntentGeneral = "general"

// Intent is one classification decision.
type Intent struct {
	Name            string   `json:"name"`
	Confidence      float64  `json:"confidence"`
	KeywordsMatched []string `json:"keywords_matched,omitempty"`
	SuggestedAgent  string   `json:"suggested_agent,omitempty"`
	SuggestedAction string   `json:"suggested_action,omitempty"`
	Method          string   `json:"method"`
}

// Classifier turns text into an intent decision.
type Classifier interface {
	Classify(ctx context.Context, text string, speaker Speaker) Intent
}

// Service bundles classification and entity extraction.
type Service struct {
	classifier Classifier
	logger     *slog.Logger
}

// NewService builds the NLU front door around a classifier.
func NewService(classifier Classifier, logger *slog.Logger) *Service {
	return &Service{classifier: classifier, logger: logger}
}

// Analyze classifies text and extracts its entities in one pass.
func (s *Service) Analyze(ctx context.Context, text string, speaker Speaker) (Intent, map[string]Entity) {
	intent := s.classifier.Classify(ctx, text, speaker)
	entities := ExtractEntities(text)
	s.logger.Debug("nlu.analyzed",
		"intent", intent.Name,
		"confidence", intent.Confidence,
		"method", intent.Method,
		"entities", len(entities))
	return intent, entities
}
