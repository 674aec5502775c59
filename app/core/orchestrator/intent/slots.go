package intent

import (
	"regexp"
	"strings"
	"time"
	"unicode"

	"elias/app/pkg/types"
)

// Relative date phrases, longest first so "pasado mañana" wins over
// "mañana".
var relativeDays = []struct {
	phrase string
	days   int
}{
	{"pasado mañana", 2},
	{"pasado manana", 2},
	{"mañana", 1},
	{"manana", 1},
	{"hoy", 0},
	{"en una semana", 7},
}

var (
	inDaysRe  = regexp.MustCompile(`en (\d{1,3}) d[ií]as?`)
	inWeeksRe = regexp.MustCompile(`en (\d{1,2}) semanas?`)
	isoDateRe = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	dmyDateRe = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(\d{4})\b`)
)

// ParseDueDate scans text for a date phrase and resolves it against
// now. The returned phrase is the exact matched fragment, so callers
// can strip it from a title. A zero time means no phrase parsed;
// unparseable dates never fail.
func ParseDueDate(text string, now time.Time) (time.Time, string) {
	lower := strings.ToLower(text)

	if m := isoDateRe.FindStringSubmatch(lower); m != nil {
		if t, err := time.ParseInLocation("2006-01-02", m[0], now.Location()); err == nil {
			return t, m[0]
		}
	}
	if m := dmyDateRe.FindStringSubmatch(lower); m != nil {
		if t, err := time.ParseInLocation("2/1/2006", m[0], now.Location()); err == nil {
			return t, m[0]
		}
	}

	if m := inDaysRe.FindStringSubmatch(lower); m != nil {
		return dateOnly(now.AddDate(0, 0, atoiSafe(m[1]))), m[0]
	}
	if m := inWeeksRe.FindStringSubmatch(lower); m != nil {
		return dateOnly(now.AddDate(0, 0, 7*atoiSafe(m[1]))), m[0]
	}

	for _, rd := range relativeDays {
		if idx := strings.Index(lower, rd.phrase); idx >= 0 {
			if !wordBoundary(lower, idx, len(rd.phrase)) {
				continue
			}
			return dateOnly(now.AddDate(0, 0, rd.days)), rd.phrase
		}
	}

	return time.Time{}, ""
}

func atoiSafe(s string) int {
	n := 0
	for _, r := range s {
		n = n*10 + int(r-'0')
	}
	return n
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// wordBoundary reports whether s[idx:idx+n] is not glued to letters on
// either side, so "hoy" does not fire inside "hoyo".
func wordBoundary(s string, idx, n int) bool {
	before := []rune(s[:idx])
	if len(before) > 0 && unicode.IsLetter(before[len(before)-1]) {
		return false
	}
	after := []rune(s[idx+n:])
	if len(after) > 0 && unicode.IsLetter(after[0]) {
		return false
	}
	return true
}

var priorityWords = map[string]types.TaskPriority{
	"urgente": types.PriorityUrgent,
	"alta":    types.PriorityHigh,
	"media":   types.PriorityMedium,
	"baja":    types.PriorityLow,
}

// PriorityFromText returns the priority named by a whole word in text,
// medium when none is. The second result is the matched word.
func PriorityFromText(text string) (types.TaskPriority, string) {
	for _, tok := range tokens(text) {
		if p, ok := priorityWords[tok]; ok {
			return p, tok
		}
	}
	return types.PriorityMedium, ""
}

// PriorityFromWord maps a single extracted slot value (either the
// canonical enum or the Spanish wire word) onto the enum.
func PriorityFromWord(word string) types.TaskPriority {
	w := strings.ToLower(strings.TrimSpace(word))
	if p, ok := priorityWords[w]; ok {
		return p
	}
	if p := types.TaskPriority(w); p.Valid() {
		return p
	}
	return types.PriorityMedium
}

func tokens(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// Infinitives the original assistant accepts as task-title openers.
var titleVerbs = map[string]bool{
	"hacer": true, "crear": true, "revisar": true, "estudiar": true,
	"comprar": true, "llamar": true, "enviar": true, "escribir": true,
	"leer": true, "completar": true, "terminar": true, "iniciar": true,
	"planificar": true, "organizar": true, "preparar": true,
	"investigar": true, "desarrollar": true, "implementar": true,
	"diseñar": true, "analizar": true, "verificar": true,
	"comprobar": true, "actualizar": true, "modificar": true,
	"corregir": true, "solucionar": true, "resolver": true,
	"contactar": true, "reunir": true, "coordinar": true,
	"programar": true, "agendar": true, "visitar": true, "ir": true,
	"volver": true, "entregar": true, "recoger": true, "buscar": true,
}

func startsWithVerb(title string) bool {
	toks := tokens(title)
	return len(toks) > 0 && titleVerbs[toks[0]]
}

// NormalizeTitle trims, removes one pair of surrounding quotes, and
// capitalizes the first rune. With ensureVerb set, titles that do not
// open with a known infinitive get the "Realizar " prefix.
func NormalizeTitle(title string, ensureVerb bool) string {
	t := strings.TrimSpace(title)
	t = trimQuotes(t)
	t = strings.TrimSpace(t)
	if t == "" {
		return ""
	}
	if ensureVerb && !startsWithVerb(t) {
		return "Realizar " + strings.ToLower(t)
	}
	r := []rune(t)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

func trimQuotes(s string) string {
	pairs := [][2]string{{`"`, `"`}, {"'", "'"}, {"«", "»"}, {"“", "”"}}
	for _, p := range pairs {
		if strings.HasPrefix(s, p[0]) && strings.HasSuffix(s, p[1]) && len(s) > len(p[0])+len(p[1]) {
			return s[len(p[0]) : len(s)-len(p[1])]
		}
	}
	return s
}

// Connector words left dangling at a title edge once a date or
// priority fragment is cut out.
var connectorWords = map[string]bool{
	"para": true, "el": true, "la": true, "antes": true,
	"de": true, "del": true, "con": true, "prioridad": true,
}

// stripFragment removes the first occurrence of fragment
// (case-insensitively) from text and tidies the seam.
func stripFragment(text, fragment string) string {
	if fragment == "" {
		return text
	}
	lower := strings.ToLower(text)
	idx := strings.Index(lower, strings.ToLower(fragment))
	if idx < 0 {
		return text
	}
	out := text[:idx] + text[idx+len(fragment):]
	out = strings.Join(strings.Fields(out), " ")
	return trimConnectors(out)
}

func trimConnectors(s string) string {
	words := strings.Fields(s)
	for len(words) > 0 && connectorWords[strings.ToLower(words[len(words)-1])] {
		words = words[:len(words)-1]
	}
	for len(words) > 0 && connectorWords[strings.ToLower(words[0])] {
		words = words[1:]
	}
	return strings.Join(words, " ")
}

// draftFromText builds a single task draft out of free text: date
// phrase and trailing priority word are lifted into slots and cut from
// the title.
func draftFromText(text string, now time.Time, ensureVerb bool) types.TaskDraft {
	due, phrase := ParseDueDate(text, now)
	title := stripFragment(text, phrase)

	prio := types.PriorityMedium
	if p, word := PriorityFromText(title); word != "" {
		prio = p
		// "media" is also an everyday noun; cut it only when it is
		// an explicit priority phrase.
		if p != types.PriorityMedium || strings.Contains(strings.ToLower(title), "prioridad "+word) {
			title = stripFragment(title, word)
		}
	}

	return types.TaskDraft{
		Title:    NormalizeTitle(title, ensureVerb),
		Priority: prio,
		DueDate:  due,
	}
}
