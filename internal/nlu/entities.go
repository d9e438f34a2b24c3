package nlu

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Entity is one structured value pulled out of free text.
type Entity struct {
	Type       string            `json:"type"`
	Value      string            `json:"value"`
	Normalized string            `json:"normalized,omitempty"`
	Valid      bool              `json:"valid"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

var (
	reCPF      = regexp.MustCompile(`\b\d{3}\.?\d{3}\.?\d{3}-?\d{2}\b`)
	reCNPJ     = regexp.MustCompile(`\b\d{2}\.?\d{3}\.?\d{3}/?0001-?\d{2}\b`)
	rePhone    = regexp.MustCompile(`\(?\d{2}\)?\s*9?\d{4}-?\d{4}`)
	reCEP      = regexp.MustCompile(`\b\d{5}-?\d{3}\b`)
	reEmail    = regexp.MustCompile(`\b[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}\b`)
	reURL      = regexp.MustCompile(`https?://[^\s]+`)
	reDate     = regexp.MustCompile(`\b\d{1,2}[/\-]\d{1,2}[/\-]\d{2,4}\b`)
	reTime     = regexp.MustCompile(`\b\d{1,2}:\d{2}(?:\s*(?:am|pm|AM|PM))?\b`)
	reMoney    = regexp.MustCompile(`R\$\s*\d+(?:[.,]\d{3})*(?:[.,]\d{2})?`)
	reNonDigit = regexp.MustCompile(`\D`)

	quantityPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b(\d+)\s+(?:unidades?|produtos?|itens?|pcs?)`),
		regexp.MustCompile(`\bquero\s+(\d+)`),
		regexp.MustCompile(`\bpreciso\s+de\s+(\d+)`),
		regexp.MustCompile(`\b(\d+)x\b`),
	}

	productNames = []string{
		"notebook", "laptop", "computador", "pc", "desktop",
		"celular", "smartphone", "iphone", "samsung",
		"tablet", "ipad",
		"mouse", "teclado", "monitor", "webcam",
	}
)

// ValidateCPF checks both check digits. Repeated-digit sequences are
// rejected even though they satisfy the checksum.
func ValidateCPF(cpf string) bool {
	digits := reNonDigit.ReplaceAllString(cpf, "")
	if len(digits) != 11 {
		return false
	}
	if strings.Count(digits, string(digits[0])) == 11 {
		return false
	}
	sum := 0
	for i := 0; i < 9; i++ {
		sum += int(digits[i]-'0') * (10 - i)
	}
	if int(digits[9]-'0') != sum*10%11%10 {
		return false
	}
	sum = 0
	for i := 0; i < 10; i++ {
		sum += int(digits[i]-'0') * (11 - i)
	}
	return int(digits[10]-'0') == sum*10%11%10
}

func normalizeCPF(cpf string) string {
	d := reNonDigit.ReplaceAllString(cpf, "")
	return fmt.Sprintf("%s.%s.%s-%s", d[:3], d[3:6], d[6:9], d[9:])
}

func normalizePhone(phone string) string {
	d := reNonDigit.ReplaceAllString(phone, "")
	switch len(d) {
	case 11:
		return fmt.Sprintf("(%s) %s-%s", d[:2], d[2:7], d[7:])
	case 10:
		return fmt.Sprintf("(%s) %s-%s", d[:2], d[2:6], d[6:])
	}
	return phone
}

func normalizeCEP(cep string) string {
	d := reNonDigit.ReplaceAllString(cep, "")
	return d[:5] + "-" + d[5:]
}

// ParseDate accepts dd/mm/yyyy, dd-mm-yyyy and two-digit-year variants.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"02/01/2006", "02-01-2006", "02/01/06", "02-01-06"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ParseClock normalizes a clock reading to 24h HH:MM. Accepts 14:30,
// 2:30pm, 02:30 PM.
func ParseClock(s string) (string, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	m := regexp.MustCompile(`^(\d{1,2}):(\d{2})\s*(am|pm)?`).FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	hour, _ := strconv.Atoi(m[1])
	minute, _ := strconv.Atoi(m[2])
	if hour > 23 || minute > 59 {
		return "", false
	}
	switch m[3] {
	case "pm":
		if hour != 12 {
			hour += 12
		}
	case "am":
		if hour == 12 {
			hour = 0
		}
	}
	return fmt.Sprintf("%02d:%02d", hour, minute), true
}

// ParseMoney converts "R$ 1.500,00" or "R$ 1500.00" to a float amount.
func ParseMoney(s string) (float64, bool) {
	s = regexp.MustCompile(`R\$\s*`).ReplaceAllString(s, "")
	if strings.Contains(s, ",") {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.ReplaceAll(s, ",", ".")
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func extractQuantity(text string) (int, bool) {
	lower := strings.ToLower(text)
	for _, re := range quantityPatterns {
		if m := re.FindStringSubmatch(lower); m != nil {
			n, err := strconv.Atoi(m[1])
			if err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

func extractProduct(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, product := range productNames {
		if !strings.Contains(lower, product) {
			continue
		}
		re := regexp.MustCompile(`\b\w*` + product + `\w*(?:\s+\w+){0,2}\b`)
		if m := re.FindString(lower); m != "" {
			return strings.TrimSpace(m), true
		}
	}
	return "", false
}

// ExtractEntities pulls every recognized entity out of text. First match of
// each type wins.
func ExtractEntities(text string) map[string]Entity {
	entities := make(map[string]Entity)

	if m := reCPF.FindString(text); m != "" {
		valid := ValidateCPF(m)
		e := Entity{Type: "cpf", Value: m, Valid: valid}
		if valid {
			e.Normalized = normalizeCPF(m)
			d := reNonDigit.ReplaceAllString(m, "")
			e.Metadata = map[string]string{"masked": d[:3] + ".***.***-" + d[9:]}
		}
		entities["cpf"] = e
	}

	if m := reCNPJ.FindString(text); m != "" {
		entities["cnpj"] = Entity{Type: "cnpj", Value: m, Valid: true}
	}

	// The phone pattern also matches bare CPF/CEP digit runs; skip when one
	// of those already claimed the span.
	if m := rePhone.FindString(text); m != "" {
		if _, tookCPF := entities["cpf"]; !tookCPF || !strings.Contains(entities["cpf"].Value, m) {
			entities["phone"] = Entity{
				Type:       "phone",
				Value:      m,
				Normalized: normalizePhone(m),
				Valid:      true,
			}
		}
	}

	if m := reCEP.FindString(text); m != "" {
		entities["cep"] = Entity{Type: "cep", Value: m, Normalized: normalizeCEP(m), Valid: true}
	}

	if m := reEmail.FindString(text); m != "" {
		_, domain, _ := strings.Cut(m, "@")
		entities["email"] = Entity{
			Type:       "email",
			Value:      m,
			Normalized: strings.ToLower(m),
			Valid:      true,
			Metadata:   map[string]string{"domain": domain},
		}
	}

	if m := reURL.FindString(text); m != "" {
		entities["url"] = Entity{Type: "url", Value: m, Valid: true}
	}

	if m := reDate.FindString(text); m != "" {
		if parsed, ok := ParseDate(m); ok {
			entities["date"] = Entity{
				Type:       "date",
				Value:      m,
				Normalized: parsed.Format("2006-01-02"),
				Valid:      true,
				Metadata: map[string]string{
					"is_past":     strconv.FormatBool(parsed.Before(time.Now().Truncate(24 * time.Hour))),
					"day_of_week": parsed.Weekday().String(),
				},
			}
		}
	}

	if m := reTime.FindString(text); m != "" {
		if normalized, ok := ParseClock(m); ok {
			entities["time"] = Entity{Type: "time", Value: m, Normalized: normalized, Valid: true}
		}
	}

	if m := reMoney.FindString(text); m != "" {
		if amount, ok := ParseMoney(m); ok {
			entities["money"] = Entity{
				Type:       "money",
				Value:      m,
				Normalized: fmt.Sprintf("R$ %.2f", amount),
				Valid:      true,
				Metadata:   map[string]string{"amount": strconv.FormatFloat(amount, 'f', 2, 64)},
			}
		}
	}

	if n, ok := extractQuantity(text); ok {
		entities["quantity"] = Entity{
			Type:       "quantity",
			Value:      strconv.Itoa(n),
			Normalized: strconv.Itoa(n),
			Valid:      true,
		}
	}

	if p, ok := extractProduct(text); ok {
		entities["product"] = Entity{Type: "product", Value: p, Normalized: titleCase(p), Valid: true}
	}

	return entities
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}

// NormalizedEntities flattens an entity map to type -> normalized (or raw)
// value, the shape stored on tickets and interactions.
func NormalizedEntities(entities map[string]Entity) map[string]string {
	if len(entities) == 0 {
		return nil
	}
	out := make(map[string]string, len(entities))
	for k, e := range entities {
		if e.Normalized != "" {
			out[k] = e.Normalized
		} else {
			out[k] = e.Value
		}
	}
	return out
}
