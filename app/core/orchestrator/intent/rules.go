package intent

import (
	"strings"

	"elias/app/pkg/types"
)

// trimLead drops surrounding whitespace and the inverted punctuation
// that opens Spanish questions and exclamations.
func trimLead(message string) string {
	s := strings.TrimSpace(message)
	s = strings.TrimLeft(s, "¿¡!?. ")
	return strings.TrimSpace(s)
}

// normalize is the lowercased trimmed message, for rule matching.
func normalize(message string) string {
	return strings.ToLower(trimLead(message))
}

// rule is one strict matcher. Rules run in registration order and the
// first hit wins.
type rule struct {
	name  string
	match func(norm, raw string) (types.Intent, bool)
}

func (c *Classifier) buildRules() []rule {
	return []rule{
		{"create-marker", c.matchCreateMarker},
		{"task-count", prefixQuery("cuántas tareas", "cuantas tareas")},
		{"pending-tasks", prefixQuery("tareas pendientes")},
		{"my-tasks", prefixQuery("mis tareas")},
		{"which-tasks", prefixQuery("qué tareas", "que tareas")},
		{"project-status", matchProjectStatus},
		{"my-projects", matchProjects},
		{"help", matchHelp},
	}
}

func (c *Classifier) matchRules(norm, raw string) (types.Intent, bool) {
	for _, r := range c.rules {
		if it, ok := r.match(norm, raw); ok {
			it.Source = types.SourceRule
			it.Confidence = 100
			return it, true
		}
	}
	return types.Intent{}, false
}

var createMarkers = []string{
	"crear tarea", "nueva tarea", "añadir tarea", "anadir tarea",
	"agregar tarea",
}

func (c *Classifier) matchCreateMarker(norm, raw string) (types.Intent, bool) {
	for _, marker := range createMarkers {
		if !strings.HasPrefix(norm, marker) {
			continue
		}
		// Slice the draft from the raw message so the title keeps the
		// caller's casing. The markers case-fold byte for byte, so the
		// marker length lines up on the trimmed raw text.
		rest := norm[len(marker):]
		if lead := trimLead(raw); len(lead) >= len(marker) && strings.EqualFold(lead[:len(marker)], marker) {
			rest = lead[len(marker):]
		}
		rest = strings.TrimSpace(rest)
		rest = strings.TrimSpace(strings.TrimPrefix(rest, ":"))
		draft := draftFromText(rest, c.now(), c.verbTitles)
		return types.Intent{
			Kind:  types.IntentCreateTask,
			Tasks: []types.TaskDraft{draft},
		}, true
	}
	return types.Intent{}, false
}

// prefixQuery builds a task-query rule that fires on any of the given
// prefixes and scans the rest of the message for filter words.
func prefixQuery(prefixes ...string) func(norm, raw string) (types.Intent, bool) {
	return func(norm, raw string) (types.Intent, bool) {
		for _, p := range prefixes {
			if strings.HasPrefix(norm, p) {
				return types.Intent{
					Kind:   types.IntentQueryTasks,
					Filter: scanQueryFilter(norm),
				}, true
			}
		}
		return types.Intent{}, false
	}
}

func matchProjectStatus(norm, raw string) (types.Intent, bool) {
	for _, marker := range []string{"estado del proyecto", "estado de proyecto"} {
		if strings.HasPrefix(norm, marker) {
			return types.Intent{
				Kind:    types.IntentQueryProjects,
				Project: strings.TrimSpace(norm[len(marker):]),
			}, true
		}
	}
	return types.Intent{}, false
}

func matchProjects(norm, raw string) (types.Intent, bool) {
	if strings.HasPrefix(norm, "mis proyectos") || norm == "proyectos" {
		return types.Intent{Kind: types.IntentQueryProjects}, true
	}
	return types.Intent{}, false
}

func matchHelp(norm, raw string) (types.Intent, bool) {
	if strings.HasPrefix(norm, "ayuda") || norm == "help" {
		return types.Intent{Kind: types.IntentHelp}, true
	}
	return types.Intent{}, false
}

// scanQueryFilter lifts status and priority words out of a query
// sentence. "tareas pendientes urgentes" filters both ways.
func scanQueryFilter(norm string) types.TaskFilter {
	var f types.TaskFilter

	switch {
	case strings.Contains(norm, "pendiente") || strings.Contains(norm, "sin empezar"):
		f.Status = types.StatusNotStarted
	case strings.Contains(norm, "en curso") || strings.Contains(norm, "en progreso"):
		f.Status = types.StatusInProgress
	case strings.Contains(norm, "completada") || strings.Contains(norm, "terminada") ||
		strings.Contains(norm, "completado") || strings.Contains(norm, "terminado"):
		f.Status = types.StatusDone
	}

	for _, tok := range tokens(norm) {
		switch tok {
		case "urgente", "urgentes":
			f.Priority = types.PriorityUrgent
		}
	}
	return f
}

var looseCreateVerbs = map[string]bool{
	"crear": true, "crea": true, "nueva": true, "nuevo": true,
	"añadir": true, "anadir": true, "agregar": true, "agrega": true,
	"apuntar": true, "apunta": true, "anotar": true, "anota": true,
}

// loose is the last classification stage: the containment checks the
// assistant answered with before it had a language model. Hits carry
// the fallback flag; a miss is the unknown intent.
func (c *Classifier) loose(norm, raw string) types.Intent {
	it := types.Intent{
		Kind:     types.IntentUnknown,
		Source:   types.SourceFallback,
		Fallback: true,
	}

	toks := tokens(norm)
	has := func(words ...string) bool {
		for _, t := range toks {
			for _, w := range words {
				if t == w {
					return true
				}
			}
		}
		return false
	}

	switch {
	case strings.Contains(norm, "cuántas tareas") || strings.Contains(norm, "cuantas tareas") || has("total"):
		it.Kind = types.IntentQueryTasks
		it.Filter = scanQueryFilter(norm)
	case has("tarea", "tareas") && hasAnyKey(toks, looseCreateVerbs):
		it.Kind = types.IntentCreateTask
		it.Tasks = []types.TaskDraft{c.looseDraft(raw)}
	case has("pendientes", "pendiente"):
		it.Kind = types.IntentQueryTasks
		it.Filter = types.TaskFilter{Status: types.StatusNotStarted}
	case has("proyectos", "proyecto"):
		it.Kind = types.IntentQueryProjects
	case has("ayuda", "help"):
		it.Kind = types.IntentHelp
	}

	if it.Kind != types.IntentUnknown {
		it.Confidence = 50
	}
	return it
}

func hasAnyKey(toks []string, set map[string]bool) bool {
	for _, t := range toks {
		if set[t] {
			return true
		}
	}
	return false
}

// looseDraft salvages a creation draft from free text: the fragment
// after a colon when there is one, otherwise the whole message, capped
// at 100 runes.
func (c *Classifier) looseDraft(raw string) types.TaskDraft {
	text := raw
	if idx := strings.Index(raw, ":"); idx >= 0 {
		text = raw[idx+1:]
	}
	text = strings.TrimSpace(text)
	if r := []rune(text); len(r) > 100 {
		text = string(r[:100])
	}
	return draftFromText(text, c.now(), c.verbTitles)
}
