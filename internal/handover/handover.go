// Package handover decides when a conversation leaves bot control and
// manages the resulting ticket queue.
package handover

import (
	"fmt"
	"strings"

	"github.com/omnidesk/omnidesk/internal/nlu"
	"github.com/omnidesk/omnidesk/internal/store"
)

// Decision is the outcome of evaluating a classified message.
type Decision struct {
	Trigger bool
	Reason  store.HandoverReason
}

// Signals feeds the trigger evaluation.
type Signals struct {
	Intent             nlu.Intent
	LowConfidenceRuns  int  // consecutive sub-threshold turns, including this one
	ConversationLength int  // messages in the conversation so far
	AgentGaveUp        bool // agent reply signalled it cannot help
	OutsideHours       bool
}

// Evaluate applies the trigger rules in priority order. Two consecutive
// low-confidence turns are required so a single garbled message does not
// escalate.
func Evaluate(sig Signals) Decision {
	switch {
	case sig.Intent.Name == nlu.IntentHumanHandover:
		return Decision{Trigger: true, Reason: store.ReasonExplicitRequest}
	case sig.Intent.Name == nlu.IntentComplaint:
		return Decision{Trigger: true, Reason: store.ReasonComplaint}
	case sig.AgentGaveUp:
		return Decision{Trigger: true, Reason: store.ReasonComplexQuery}
	case sig.LowConfidenceRuns >= 2:
		return Decision{Trigger: true, Reason: store.ReasonLowConfidence}
	case sig.ConversationLength > 10 && sig.Intent.Confidence < 0.6:
		return Decision{Trigger: true, Reason: store.ReasonComplexQuery}
	case sig.OutsideHours:
		return Decision{Trigger: true, Reason: store.ReasonOutsideHours}
	}
	return Decision{}
}

// Priority grades a ticket 1 (low) to 4 (urgent). Known identity raises
// medium tickets because the operator can act immediately.
func Priority(reason store.HandoverReason, entities map[string]string) int {
	switch reason {
	case store.ReasonComplaint, store.ReasonEscalation:
		return 4
	case store.ReasonExplicitRequest:
		return 3
	case store.ReasonLowConfidence:
		return 2
	case store.ReasonComplexQuery, store.ReasonTechnicalIssue:
		if _, ok := entities["cpf"]; ok {
			return 3
		}
		if _, ok := entities["email"]; ok {
			return 3
		}
		return 2
	}
	return 1
}

// MaxPriority folds several reasons into the highest single priority.
func MaxPriority(entities map[string]string, reasons ...store.HandoverReason) int {
	max := 1
	for _, r := range reasons {
		if p := Priority(r, entities); p > max {
			max = p
		}
	}
	return max
}

// SuggestDepartment routes the ticket to a department tag.
func SuggestDepartment(intent string, reason store.HandoverReason, entities map[string]string) string {
	byIntent := map[string]string{
		nlu.IntentPurchase:         "vendas",
		nlu.IntentScheduling:       "comercial",
		nlu.IntentLegal:            "juridico",
		nlu.IntentTechnicalSupport: "suporte",
		nlu.IntentComplaint:        "supervisor",
	}
	if dep, ok := byIntent[intent]; ok {
		return dep
	}
	switch reason {
	case store.ReasonComplaint, store.ReasonEscalation:
		return "supervisor"
	case store.ReasonTechnicalIssue:
		return "suporte"
	}
	if _, ok := entities["product"]; ok {
		return "vendas"
	}
	if _, ok := entities["money"]; ok {
		return "vendas"
	}
	return "geral"
}

// CustomerMessage is the acknowledgement sent to the customer when the bot
// steps aside.
func CustomerMessage(reason store.HandoverReason) string {
	messages := map[store.HandoverReason]string{
		store.ReasonExplicitRequest: "Claro! Vou conectar você com um de nossos atendentes. Um momento, por favor... 👤",
		store.ReasonLowConfidence:   "Hmm, não tenho certeza se entendi corretamente. Vou transferir você para um especialista que pode ajudar melhor! 🤝",
		store.ReasonComplaint:       "Lamento muito pelo problema. Vou transferir imediatamente para nosso supervisor resolver isso com prioridade! 🚨",
		store.ReasonComplexQuery:    "Essa é uma questão importante! Vou conectar você com um especialista que tem mais experiência nesse assunto. 💡",
		store.ReasonEscalation:      "Vou escalar sua solicitação para nosso supervisor. Aguarde um momento, por favor... 📞",
		store.ReasonTechnicalIssue:  "Entendo a situação técnica. Vou transferir para nossa equipe de suporte especializada! 🔧",
		store.ReasonOutsideHours:    "No momento estamos fora do horário de atendimento. Mas vou registrar sua solicitação e te retornaremos assim que possível! ⏰",
	}
	if msg, ok := messages[reason]; ok {
		return msg
	}
	return "Vou transferir você para um atendente. Um momento! 👋"
}

// Summary renders the operator-facing context digest of a ticket.
func Summary(t store.HandoverTicket) string {
	parts := []string{
		fmt.Sprintf("🙋 Cliente: %s", t.CustomerName),
		fmt.Sprintf("📌 Motivo: %s", strings.ReplaceAll(string(t.Reason), "_", " ")),
	}
	if t.Intent != "" {
		parts = append(parts, fmt.Sprintf("🎯 Intenção detectada: %s", t.Intent))
	}
	var collected []string
	for _, key := range []string{"cpf", "phone", "email", "product"} {
		if v, ok := t.Entities[key]; ok {
			collected = append(collected, fmt.Sprintf("%s: %s", key, v))
		}
	}
	if len(collected) > 0 {
		parts = append(parts, "📋 Dados coletados: "+strings.Join(collected, ", "))
	}
	if len(t.LastMessages) > 0 {
		parts = append(parts, "", "💬 Últimas mensagens:")
		tail := t.LastMessages
		if len(tail) > 3 {
			tail = tail[len(tail)-3:]
		}
		for _, m := range tail {
			if len(m) > 100 {
				m = m[:100]
			}
			parts = append(parts, "  "+m)
		}
	}
	return strings.Join(parts, "\n")
}
