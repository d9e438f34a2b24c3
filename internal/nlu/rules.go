package nlu

import (
	"context"
	"math"
	"strings"
)

// Customer-facing intents.
const (
	IntentGreeting         = "greeting"
	IntentPurchase         = "purchase"
	IntentScheduling       = "scheduling"
	IntentLegal            = "legal"
	IntentTechnicalSupport = "technical_support"
	IntentComplaint        = "complaint"
	IntentCancel           = "cancel"
	IntentHumanHandover    = "human_handover"
)

// Operator-facing intents.
const (
	IntentSearchInfo      = "search_info"
	IntentCreateOrder     = "create_order"
	IntentCheckStatus     = "check_status"
	IntentScheduleMeeting = "schedule_meeting"
	IntentEscalate        = "escalate"
)

type intentSpec struct {
	keywords []string
	agent    string
	action   string
}

// Keyword tables are Portuguese-first; English synonyms kept where the
// customer base uses them.
var customerIntents = map[string]intentSpec{
	IntentGreeting: {
		keywords: []string{"olá", "oi", "bom dia", "boa tarde", "boa noite", "hey", "opa"},
		action:   "greet_customer",
	},
	IntentPurchase: {
		keywords: []string{"quero comprar", "preciso comprar", "quanto custa", "preço", "valor", "orçamento", "produto", "vender"},
		agent:    "vendedor",
		action:   "start_purchase_flow",
	},
	IntentScheduling: {
		keywords: []string{"agendar", "marcar", "reunião", "meeting", "consulta", "horário disponível", "agenda", "disponibilidade"},
		agent:    "sdr",
		action:   "start_scheduling_flow",
	},
	IntentLegal: {
		keywords: []string{"advogado", "jurídico", "contrato", "processo", "ação judicial", "direito", "lei", "legal"},
		agent:    "advogado",
		action:   "forward_to_legal",
	},
	IntentTechnicalSupport: {
		keywords: []string{"erro", "bug", "não funciona", "problema técnico", "código", "programação", "sistema caiu", "travou"},
		agent:    "tech",
		action:   "start_support_ticket",
	},
	IntentComplaint: {
		keywords: []string{"reclamação", "insatisfeito", "péssimo", "ruim", "problema", "não gostei", "decepcionado"},
		agent:    "supervisor",
		action:   "escalate_to_supervisor",
	},
	IntentCancel: {
		keywords: []string{"cancelar", "desistir", "não quero mais", "remover pedido"},
		agent:    "vendedor",
		action:   "cancel_order",
	},
	IntentHumanHandover: {
		keywords: []string{"falar com humano", "atendente", "pessoa real", "humano", "transferir", "não entendi"},
		action:   "handover_to_human",
	},
}

var operatorIntents = map[string]intentSpec{
	IntentSearchInfo: {
		keywords: []string{"@guru", "buscar", "informação sobre", "consultar", "verificar"},
		action:   "query_bot",
	},
	IntentCreateOrder: {
		keywords: []string{"criar pedido", "registrar venda", "novo pedido", "fechar venda"},
		action:   "create_order",
	},
	IntentCheckStatus: {
		keywords: []string{"status", "andamento", "verificar pedido", "acompanhar"},
		action:   "check_order_status",
	},
	IntentScheduleMeeting: {
		keywords: []string{"agendar reunião", "marcar meeting", "agendar demo"},
		action:   "schedule_with_calendar",
	},
	IntentEscalate: {
		keywords: []string{"escalar", "supervisor", "gerente", "urgente"},
		action:   "escalate",
	},
}

func intentTable(speaker Speaker) map[string]intentSpec {
	if speaker == SpeakerOperator {
		return operatorIntents
	}
	return customerIntents
}

// RulesClassifier matches keyword tables. It is deterministic and needs no
// network.
type RulesClassifier struct{}

// NewRulesClassifier builds the keyword classifier.
func NewRulesClassifier() *RulesClassifier { return &RulesClassifier{} }

// Classify scores each intent by keyword hits; ties keep the first-seen
// best. Confidence is hits relative to message length, capped at 1.
func (c *RulesClassifier) Classify(_ context.Context, text string, speaker Speaker) Intent {
	lower := strings.ToLower(strings.TrimSpace(text))
	table := intentTable(speaker)

	best := ""
	var matched []string
	for name, spec := range table {
		var hits []string
		for _, kw := range spec.keywords {
			if strings.Contains(lower, kw) {
				hits = append(hits, kw)
			}
		}
		if len(hits) > len(matched) || (len(hits) == len(matched) && len(hits) > 0 && (best == "" || name < best)) {
			best = name
			matched = hits
		}
	}

	if best == "" {
		intent := Intent{Name: IntentGeneral, Method: MethodRules, SuggestedAction: "general_query"}
		if speaker == SpeakerCustomer {
			intent.SuggestedAgent = "guru"
		}
		return intent
	}

	words := len(strings.Fields(lower))
	if words == 0 {
		words = 1
	}
	confidence := math.Min(1.0, float64(len(matched))/float64(words)*2)

	spec := table[best]
	return Intent{
		Name:            best,
		Confidence:      round2(confidence),
		KeywordsMatched: matched,
		SuggestedAgent:  spec.agent,
		SuggestedAction: spec.action,
		Method:          MethodRules,
	}
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

// SuggestResponseTemplate returns a canned reply hint for human operators.
func SuggestResponseTemplate(intent Intent) string {
	templates := map[string]string{
		IntentGreeting:         "Olá! Como posso ajudar você hoje?",
		IntentPurchase:         "Ótimo! Vou ajudar com sua compra. Qual produto te interessa?",
		IntentScheduling:       "Vou verificar os horários disponíveis. Qual seria o melhor dia/horário para você?",
		IntentLegal:            "Entendo sua questão jurídica. Vou conectar você com nosso departamento legal.",
		IntentTechnicalSupport: "Vou ajudar a resolver seu problema técnico. Pode descrever o erro em mais detalhes?",
		IntentComplaint:        "Lamento pelo problema. Vou transferir para nosso supervisor resolver isso com prioridade.",
		IntentCancel:           "Entendo que deseja cancelar. Pode me informar o número do pedido?",
	}
	if t, ok := templates[intent.Name]; ok {
		return t
	}
	return "Como posso ajudar?"
}
