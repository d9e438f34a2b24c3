package agents

import (
	"context"
	"strings"
)

// mentionAliases maps alternative @handles to canonical agent keys.
var mentionAliases = map[string]string{
	"@advogada":  "advogado",
	"@dr":        "advogado",
	"@dra":       "advogado",
	"@advocatus": "advogado",
	"@vendedora": "vendedor",
	"@sales":     "vendedor",
	"@comercial": "vendedor",
	"@medica":    "medico",
	"@doutor":    "medico",
	"@doutora":   "medico",
	"@health":    "medico",
	"@psicologa": "psicologo",
	"@terapeuta": "psicologo",
	"@mindcare":  "psicologo",
	"@agenda":    "sdr",
	"@agendar":   "sdr",
}

// DetectMention finds an @agent handle at the start of a message and returns
// the canonical key. Only registered agents match, so a stray @ in ordinary
// text is left alone.
func (r *Registry) DetectMention(ctx context.Context, text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "@") {
		return "", false
	}
	token := strings.ToLower(firstToken(trimmed))
	token = strings.TrimRight(token, ",.:;!?")

	if key, ok := mentionAliases[token]; ok && r.Has(ctx, key) {
		return key, true
	}
	key := strings.TrimPrefix(token, "@")
	if key != "" && r.Has(ctx, key) {
		return key, true
	}
	return "", false
}

// CleanMention strips the leading @handle and any separator after it, so the
// agent receives only the actual question.
func CleanMention(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "@") {
		return trimmed
	}
	rest := strings.TrimSpace(strings.TrimPrefix(trimmed, firstToken(trimmed)))
	rest = strings.TrimLeft(rest, ",:")
	return strings.TrimSpace(rest)
}

func firstToken(s string) string {
	if i := strings.IndexAny(s, " \t\n"); i >= 0 {
		return s[:i]
	}
	return s
}
