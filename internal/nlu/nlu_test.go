package nlu

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRulesClassifierCustomerIntents(t *testing.T) {
	c := NewRulesClassifier()
	ctx := context.Background()

	cases := []struct {
		text   string
		intent string
		agent  string
	}{
		{"Olá, bom dia!", IntentGreeting, ""},
		{"quero comprar um notebook, quanto custa?", IntentPurchase, "vendedor"},
		{"preciso agendar uma consulta", IntentScheduling, "sdr"},
		{"tenho uma dúvida sobre meu contrato com advogado", IntentLegal, "advogado"},
		{"o sistema caiu e dá erro toda hora", IntentTechnicalSupport, "tech"},
		{"quero falar com humano", IntentHumanHandover, ""},
		{"quero cancelar meu pedido", IntentCancel, "vendedor"},
	}
	for _, tc := range cases {
		intent := c.Classify(ctx, tc.text, SpeakerCustomer)
		assert.Equal(t, tc.intent, intent.Name, "text: %s", tc.text)
		assert.Equal(t, tc.agent, intent.SuggestedAgent, "text: %s", tc.text)
		assert.Equal(t, MethodRules, intent.Method)
		assert.Greater(t, intent.Confidence, 0.0)
	}
}

func TestRulesClassifierUnmatchedFallsToGeneral(t *testing.T) {
	c := NewRulesClassifier()

	intent := c.Classify(context.Background(), "xyzzy plugh", SpeakerCustomer)
	assert.Equal(t, IntentGeneral, intent.Name)
	assert.Equal(t, "guru", intent.SuggestedAgent)
	assert.Zero(t, intent.Confidence)

	// Operators get no concierge suggestion.
	intent = c.Classify(context.Background(), "xyzzy plugh", SpeakerOperator)
	assert.Equal(t, IntentGeneral, intent.Name)
	assert.Empty(t, intent.SuggestedAgent)
}

func TestRulesClassifierOperatorTable(t *testing.T) {
	c := NewRulesClassifier()

	intent := c.Classify(context.Background(), "qual o status do pedido 123?", SpeakerOperator)
	assert.Equal(t, IntentCheckStatus, intent.Name)

	intent = c.Classify(context.Background(), "agendar reunião com o cliente", SpeakerOperator)
	assert.Equal(t, IntentScheduleMeeting, intent.Name)
}

func TestValidateCPF(t *testing.T) {
	// 529.982.247-25 is the canonical valid test CPF.
	assert.True(t, ValidateCPF("529.982.247-25"))
	assert.True(t, ValidateCPF("52998224725"))
	assert.False(t, ValidateCPF("529.982.247-24"))
	assert.False(t, ValidateCPF("111.111.111-11"))
	assert.False(t, ValidateCPF("123"))
}

func TestExtractEntities(t *testing.T) {
	text := "Meu CPF é 529.982.247-25, email joao@empresa.com.br, pode me ligar no (11) 98765-4321? Quero 2 unidades do notebook dell por R$ 3.500,00 dia 15/10/2026 às 14:30"
	entities := ExtractEntities(text)

	cpf, ok := entities["cpf"]
	require.True(t, ok)
	assert.True(t, cpf.Valid)
	assert.Equal(t, "529.982.247-25", cpf.Normalized)
	assert.Equal(t, "529.***.***-25", cpf.Metadata["masked"])

	email, ok := entities["email"]
	require.True(t, ok)
	assert.Equal(t, "joao@empresa.com.br", email.Normalized)
	assert.Equal(t, "empresa.com.br", email.Metadata["domain"])

	phone, ok := entities["phone"]
	require.True(t, ok)
	assert.Equal(t, "(11) 98765-4321", phone.Normalized)

	date, ok := entities["date"]
	require.True(t, ok)
	assert.Equal(t, "2026-10-15", date.Normalized)

	clock, ok := entities["time"]
	require.True(t, ok)
	assert.Equal(t, "14:30", clock.Normalized)

	money, ok := entities["money"]
	require.True(t, ok)
	assert.Equal(t, "R$ 3500.00", money.Normalized)

	qty, ok := entities["quantity"]
	require.True(t, ok)
	assert.Equal(t, "2", qty.Value)

	product, ok := entities["product"]
	require.True(t, ok)
	assert.Contains(t, product.Value, "notebook")
}

func TestExtractEntitiesInvalidCPFKept(t *testing.T) {
	entities := ExtractEntities("cpf 123.456.789-00")
	cpf, ok := entities["cpf"]
	require.True(t, ok)
	assert.False(t, cpf.Valid)
	assert.Empty(t, cpf.Normalized)
}

func TestParseClock(t *testing.T) {
	cases := map[string]string{
		"14:30":    "14:30",
		"2:30pm":   "14:30",
		"02:30 PM": "14:30",
		"12:00am":  "00:00",
		"12:00pm":  "12:00",
	}
	for in, want := range cases {
		got, ok := ParseClock(in)
		require.True(t, ok, "input %q", in)
		assert.Equal(t, want, got, "input %q", in)
	}
	_, ok := ParseClock("25:99")
	assert.False(t, ok)
}

func TestParseMoney(t *testing.T) {
	got, ok := ParseMoney("R$ 1.500,00")
	require.True(t, ok)
	assert.Equal(t, 1500.0, got)

	got, ok = ParseMoney("R$ 1500.50")
	require.True(t, ok)
	assert.Equal(t, 1500.5, got)
}

func TestNormalizedEntities(t *testing.T) {
	assert.Nil(t, NormalizedEntities(nil))

	out := NormalizedEntities(map[string]Entity{
		"email": {Type: "email", Value: "A@B.com", Normalized: "a@b.com"},
		"url":   {Type: "url", Value: "https://x.dev"},
	})
	assert.Equal(t, "a@b.com", out["email"])
	assert.Equal(t, "https://x.dev", out["url"])
}

func TestSuggestResponseTemplate(t *testing.T) {
	assert.Contains(t, SuggestResponseTemplate(Intent{Name: IntentPurchase}), "compra")
	assert.Equal(t, "Como posso ajudar?", SuggestResponseTemplate(Intent{Name: IntentGeneral}))
}
