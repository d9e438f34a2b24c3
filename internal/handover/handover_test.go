package handover

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/omnidesk/omnidesk/internal/nlu"
	"github.com/omnidesk/omnidesk/internal/store"
)

func TestEvaluateRuleOrder(t *testing.T) {
	// An explicit request wins even when low-confidence would also fire.
	d := Evaluate(Signals{
		Intent:            nlu.Intent{Name: nlu.IntentHumanHandover, Confidence: 0.9},
		LowConfidenceRuns: 3,
	})
	assert.True(t, d.Trigger)
	assert.Equal(t, store.ReasonExplicitRequest, d.Reason)

	d = Evaluate(Signals{Intent: nlu.Intent{Name: nlu.IntentComplaint}})
	assert.True(t, d.Trigger)
	assert.Equal(t, store.ReasonComplaint, d.Reason)

	d = Evaluate(Signals{AgentGaveUp: true, LowConfidenceRuns: 2})
	assert.True(t, d.Trigger)
	assert.Equal(t, store.ReasonComplexQuery, d.Reason)
}

func TestEvaluateLowConfidenceNeedsTwoRuns(t *testing.T) {
	d := Evaluate(Signals{Intent: nlu.Intent{Name: nlu.IntentGeneral, Confidence: 0.1}, LowConfidenceRuns: 1})
	assert.False(t, d.Trigger)

	d = Evaluate(Signals{Intent: nlu.Intent{Name: nlu.IntentGeneral, Confidence: 0.1}, LowConfidenceRuns: 2})
	assert.True(t, d.Trigger)
	assert.Equal(t, store.ReasonLowConfidence, d.Reason)
}

func TestEvaluateLongUncertainConversation(t *testing.T) {
	d := Evaluate(Signals{
		Intent:             nlu.Intent{Name: nlu.IntentGeneral, Confidence: 0.5},
		ConversationLength: 11,
	})
	assert.True(t, d.Trigger)
	assert.Equal(t, store.ReasonComplexQuery, d.Reason)

	// A confident long conversation stays with the bot.
	d = Evaluate(Signals{
		Intent:             nlu.Intent{Name: nlu.IntentPurchase, Confidence: 0.9},
		ConversationLength: 11,
	})
	assert.False(t, d.Trigger)
}

func TestEvaluateOutsideHoursIsLastResort(t *testing.T) {
	d := Evaluate(Signals{Intent: nlu.Intent{Name: nlu.IntentGeneral, Confidence: 0.9}, OutsideHours: true})
	assert.True(t, d.Trigger)
	assert.Equal(t, store.ReasonOutsideHours, d.Reason)

	d = Evaluate(Signals{Intent: nlu.Intent{Name: nlu.IntentGeneral, Confidence: 0.9}})
	assert.False(t, d.Trigger)
}

func TestPriority(t *testing.T) {
	assert.Equal(t, 4, Priority(store.ReasonComplaint, nil))
	assert.Equal(t, 4, Priority(store.ReasonEscalation, nil))
	assert.Equal(t, 3, Priority(store.ReasonExplicitRequest, nil))
	assert.Equal(t, 2, Priority(store.ReasonLowConfidence, nil))

	// Identified customers on complex tickets jump the queue.
	assert.Equal(t, 2, Priority(store.ReasonComplexQuery, nil))
	assert.Equal(t, 3, Priority(store.ReasonComplexQuery, map[string]string{"cpf": "529.982.247-25"}))
	assert.Equal(t, 3, Priority(store.ReasonTechnicalIssue, map[string]string{"email": "a@b.com"}))

	assert.Equal(t, 1, Priority(store.ReasonOutsideHours, nil))
}

func TestMaxPriority(t *testing.T) {
	p := MaxPriority(nil, store.ReasonOutsideHours, store.ReasonComplaint, store.ReasonExplicitRequest)
	assert.Equal(t, 4, p)
	assert.Equal(t, 1, MaxPriority(nil))
}

func TestSuggestDepartment(t *testing.T) {
	assert.Equal(t, "vendas", SuggestDepartment(nlu.IntentPurchase, store.ReasonComplexQuery, nil))
	assert.Equal(t, "juridico", SuggestDepartment(nlu.IntentLegal, "", nil))
	assert.Equal(t, "supervisor", SuggestDepartment(nlu.IntentGeneral, store.ReasonEscalation, nil))
	assert.Equal(t, "vendas", SuggestDepartment(nlu.IntentGeneral, store.ReasonLowConfidence, map[string]string{"product": "notebook"}))
	assert.Equal(t, "geral", SuggestDepartment(nlu.IntentGeneral, store.ReasonLowConfidence, nil))
}

func TestCustomerMessageFallback(t *testing.T) {
	assert.Contains(t, CustomerMessage(store.ReasonComplaint), "supervisor")
	assert.Contains(t, CustomerMessage(store.HandoverReason("unknown")), "transferir")
}

func TestSummary(t *testing.T) {
	s := Summary(store.HandoverTicket{
		CustomerName: "João",
		Reason:       store.ReasonExplicitRequest,
		Intent:       "purchase",
		Entities:     map[string]string{"cpf": "529.***.***-25", "product": "notebook"},
		LastMessages: []string{"m1", "m2", "m3", "m4"},
	})
	assert.Contains(t, s, "Cliente: João")
	assert.Contains(t, s, "Motivo: explicit request")
	assert.Contains(t, s, "cpf: 529.***.***-25")
	assert.Contains(t, s, "product: notebook")

	// Only the last three messages make the digest.
	assert.NotContains(t, s, "m1")
	assert.Contains(t, s, "m4")
	assert.Equal(t, 1, strings.Count(s, "Últimas mensagens"))
}
