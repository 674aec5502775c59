// Package intent turns raw message text into a structured intent:
// ordered rules first, then a language-model extraction, then the
// loose keyword pass the assistant started life with. The classifier
// never mutates external state and never returns an error; every
// failure path degrades to the unknown intent with the fallback flag.
package intent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"elias/app/pkg/logger"
	"elias/app/pkg/types"
)

// Extractor is the language-model collaborator. Implementations live
// in app/core/llm; tests stub it.
type Extractor interface {
	Extract(ctx context.Context, instruction, message string, history []string) (string, error)
	Name() string
}

// Options tune the classifier. Zero values pick the documented
// defaults.
type Options struct {
	// ConfidenceThreshold below which a model classification is
	// discarded (0-100, default 70).
	ConfidenceThreshold int
	// VerbTitles forwards the title verb-prefix toggle to slot
	// normalization.
	VerbTitles bool
	// Clock supplies "now" for relative dates. Tests pin it.
	Clock func() time.Time
}

// Classifier resolves intents. A nil extractor disables the model
// stage, leaving rules and the loose pass.
type Classifier struct {
	extractor  Extractor
	threshold  int
	verbTitles bool
	nowFn      func() time.Time
	rules      []rule
}

func NewClassifier(extractor Extractor, opts Options) *Classifier {
	threshold := opts.ConfidenceThreshold
	if threshold <= 0 || threshold > 100 {
		threshold = 70
	}
	nowFn := opts.Clock
	if nowFn == nil {
		nowFn = time.Now
	}
	c := &Classifier{
		extractor:  extractor,
		threshold:  threshold,
		verbTitles: opts.VerbTitles,
		nowFn:      nowFn,
	}
	c.rules = c.buildRules()
	return c
}

func (c *Classifier) now() time.Time { return c.nowFn() }

// Classify resolves one message. history carries the caller's recent
// exchanges, oldest first; only the model stage reads it.
func (c *Classifier) Classify(ctx context.Context, message string, history []string) types.Intent {
	norm := normalize(message)
	if norm == "" {
		return types.Intent{Kind: types.IntentUnknown, Source: types.SourceFallback, Fallback: true}
	}

	if it, ok := c.matchRules(norm, message); ok {
		logger.Debug("[Intent] rule hit: kind=%s", it.Kind)
		return it
	}

	if c.extractor != nil {
		if it, ok := c.classifyWithModel(ctx, message, history); ok {
			return it
		}
	}

	it := c.loose(norm, message)
	logger.Debug("[Intent] loose pass: kind=%s", it.Kind)
	return it
}

func (c *Classifier) classifyWithModel(ctx context.Context, message string, history []string) (types.Intent, bool) {
	reply, err := c.extractor.Extract(ctx, c.instruction(), message, history)
	if err != nil {
		logger.Warn("[Intent] model extraction failed: %v", err)
		return types.Intent{}, false
	}

	it, err := c.parseModelReply(reply)
	if err != nil {
		logger.Warn("[Intent] unparseable model reply: %v", err)
		return types.Intent{}, false
	}
	if it.Kind == types.IntentUnknown {
		return types.Intent{}, false
	}
	if it.Confidence < c.threshold {
		logger.Debug("[Intent] model confidence %d below threshold %d", it.Confidence, c.threshold)
		return types.Intent{}, false
	}
	it.Source = types.SourceModel
	logger.Debug("[Intent] model hit: kind=%s confidence=%d tasks=%d", it.Kind, it.Confidence, len(it.Tasks))
	return it, true
}

// instruction is the fixed extraction prompt, anchored on the current
// date so the model resolves relative phrases itself.
func (c *Classifier) instruction() string {
	return fmt.Sprintf(`Eres un clasificador y extractor para un asistente de gestión de tareas.

FECHA ACTUAL: %s

Clasifica el mensaje del usuario en una de estas intenciones:
- "create-task": quiere registrar una o varias tareas nuevas
- "query-tasks": pregunta por sus tareas existentes
- "query-projects": pregunta por sus proyectos o el estado de uno
- "help": pide ayuda sobre el uso del asistente
- "unknown": nada de lo anterior

RESPONDE ÚNICAMENTE CON UN JSON VÁLIDO:
{
  "intent": "create-task|query-tasks|query-projects|help|unknown",
  "confidence": 0-100,
  "tasks": [
    {
      "titulo": "Verbo + acción específica",
      "descripcion": "contexto adicional, puede ir vacío",
      "prioridad": "Baja|Media|Alta|Urgente",
      "proyecto": "nombre del proyecto o vacío",
      "fecha_vencimiento": "YYYY-MM-DD o null"
    }
  ],
  "filter": {
    "estado": "not-started|in-progress|done o vacío",
    "prioridad": "low|medium|high|urgent o vacío",
    "proyecto": "nombre o vacío",
    "texto": "subcadena a buscar o vacío"
  }
}

REGLAS OBLIGATORIAS:
1. TÍTULO: empezar con un verbo en infinitivo ("Comprar vitaminas", "Revisar código").
2. FECHAS: calcular fechas exactas a partir de la fecha actual ("mañana", "en una semana").
3. MÚLTIPLES TAREAS: una tarea separada por cada acción detectada.
4. "tasks" solo aplica a create-task; "filter" solo a query-tasks.

Ejemplo:
Entrada: "tengo que estudiar el capítulo 5 mañana y comprar vitaminas"
Salida: {"intent":"create-task","confidence":90,"tasks":[{"titulo":"Estudiar capítulo 5","descripcion":"","prioridad":"Alta","proyecto":"","fecha_vencimiento":"%s"},{"titulo":"Comprar vitaminas","descripcion":"","prioridad":"Media","proyecto":"","fecha_vencimiento":null}]}`,
		c.now().Format("2006-01-02"), c.now().AddDate(0, 0, 1).Format("2006-01-02"))
}

// Intent tokens the model may answer with, including the Spanish ones
// earlier prompt revisions taught it.
var intentAliases = map[string]types.IntentKind{
	"create-task":         types.IntentCreateTask,
	"create_task":         types.IntentCreateTask,
	"crear":               types.IntentCreateTask,
	"crear_tarea":         types.IntentCreateTask,
	"query-tasks":         types.IntentQueryTasks,
	"query_tasks":         types.IntentQueryTasks,
	"consultar":           types.IntentQueryTasks,
	"consultar_tareas":    types.IntentQueryTasks,
	"query-projects":      types.IntentQueryProjects,
	"query_projects":      types.IntentQueryProjects,
	"consultar_proyectos": types.IntentQueryProjects,
	"help":                types.IntentHelp,
	"ayuda":               types.IntentHelp,
}

// parseModelReply locates the JSON object in the raw model text and
// reads it. Anything structurally off is an error so the caller can
// fall through to the loose pass.
func (c *Classifier) parseModelReply(reply string) (types.Intent, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return types.Intent{}, fmt.Errorf("no JSON object in reply")
	}
	raw := reply[start : end+1]
	if !gjson.Valid(raw) {
		return types.Intent{}, fmt.Errorf("invalid JSON in reply")
	}
	g := gjson.Parse(raw)

	token := strings.ToLower(strings.TrimSpace(g.Get("intent").String()))
	kind, ok := intentAliases[token]
	if !ok {
		if token == "unknown" || token == "desconocido" || token == "ambiguo" {
			return types.Intent{Kind: types.IntentUnknown}, nil
		}
		return types.Intent{}, fmt.Errorf("unrecognized intent token %q", token)
	}

	it := types.Intent{
		Kind:       kind,
		Confidence: int(g.Get("confidence").Int()),
	}

	if kind == types.IntentCreateTask {
		it.Tasks = c.parseDrafts(g)
		if len(it.Tasks) == 0 {
			return types.Intent{}, fmt.Errorf("create intent without tasks")
		}
	}
	if kind == types.IntentQueryTasks {
		it.Filter = parseFilter(g.Get("filter"))
	}
	if kind == types.IntentQueryProjects {
		it.Project = strings.TrimSpace(g.Get("filter.proyecto").String())
	}
	return it, nil
}

func (c *Classifier) parseDrafts(g gjson.Result) []types.TaskDraft {
	list := g.Get("tasks")
	if !list.Exists() {
		// Earlier prompt revisions used the Spanish key.
		list = g.Get("tareas")
	}

	var drafts []types.TaskDraft
	list.ForEach(func(_, t gjson.Result) bool {
		title := NormalizeTitle(t.Get("titulo").String(), c.verbTitles)
		if title == "" {
			return true
		}
		draft := types.TaskDraft{
			Title:       title,
			Description: strings.TrimSpace(t.Get("descripcion").String()),
			Priority:    PriorityFromWord(t.Get("prioridad").String()),
		}
		if p := strings.TrimSpace(t.Get("proyecto").String()); p != "" {
			draft.Projects = []string{p}
		}
		if f := t.Get("fecha_vencimiento").String(); f != "" {
			if due, err := time.ParseInLocation("2006-01-02", f, c.now().Location()); err == nil {
				draft.DueDate = due
			}
		}
		drafts = append(drafts, draft)
		return true
	})
	return drafts
}

var statusWords = map[string]types.TaskStatus{
	"not-started": types.StatusNotStarted,
	"pendiente":   types.StatusNotStarted,
	"pendientes":  types.StatusNotStarted,
	"sin empezar": types.StatusNotStarted,
	"in-progress": types.StatusInProgress,
	"en curso":    types.StatusInProgress,
	"en progreso": types.StatusInProgress,
	"done":        types.StatusDone,
	"completado":  types.StatusDone,
	"completada":  types.StatusDone,
	"terminado":   types.StatusDone,
	"terminada":   types.StatusDone,
}

func parseFilter(g gjson.Result) types.TaskFilter {
	var f types.TaskFilter
	if !g.Exists() {
		return f
	}
	if s, ok := statusWords[strings.ToLower(strings.TrimSpace(g.Get("estado").String()))]; ok {
		f.Status = s
	}
	if raw := strings.TrimSpace(g.Get("prioridad").String()); raw != "" {
		f.Priority = PriorityFromWord(raw)
	}
	f.Project = strings.TrimSpace(g.Get("proyecto").String())
	f.Substring = strings.TrimSpace(g.Get("texto").String())
	return f
}
