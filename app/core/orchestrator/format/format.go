// Package format renders pipeline results into the Spanish replies and
// inline quick actions the channels deliver. All user-facing text lives
// here; the pipeline and handlers never build reply strings themselves.
package format

import (
	"fmt"
	"strings"
	"time"

	"elias/app/core/workspace"
	"elias/app/pkg/errs"
	"elias/app/pkg/types"
)

const (
	// maxListItems caps task lines per reply; the rest is summarized.
	maxListItems = 10
	// maxProjectButtons caps the project selector rows (2 per row).
	maxProjectButtons = 8
	// buttonLabelRunes caps a project name inside a button label.
	buttonLabelRunes = 15
)

var statusES = map[types.TaskStatus]string{
	types.StatusNotStarted: "Sin empezar",
	types.StatusInProgress: "En curso",
	types.StatusDone:       "Completado",
}

var priorityES = map[types.TaskPriority]string{
	types.PriorityLow:    "Baja",
	types.PriorityMedium: "Media",
	types.PriorityHigh:   "Alta",
	types.PriorityUrgent: "Urgente",
}

var priorityMark = map[types.TaskPriority]string{
	types.PriorityLow:    "🟢",
	types.PriorityMedium: "🟡",
	types.PriorityHigh:   "🟠",
	types.PriorityUrgent: "🔴",
}

// StatusES returns the Spanish display name for a status.
func StatusES(s types.TaskStatus) string {
	if v, ok := statusES[s]; ok {
		return v
	}
	return statusES[types.StatusNotStarted]
}

// PriorityES returns the Spanish display name for a priority.
func PriorityES(p types.TaskPriority) string {
	if v, ok := priorityES[p]; ok {
		return v
	}
	return priorityES[types.PriorityMedium]
}

// DateES renders a date the way the assistant always has: DD/MM/YYYY.
func DateES(t time.Time) string {
	return t.Format("02/01/2006")
}

// Welcome greets a new conversation. name may be empty.
func Welcome(name string) string {
	who := strings.TrimSpace(name)
	if who == "" {
		who = "👋"
	} else {
		who = "¡Hola " + who + "!"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "🤖 **%s Soy ELiaS**\n\n", who)
	b.WriteString("Tu asistente para gestión de tareas.\n\n")
	b.WriteString("🎯 **¿Qué puedo hacer por ti?**\n")
	b.WriteString("• 📋 Crear tareas en lenguaje natural\n")
	b.WriteString("• 🔍 Consultar tus tareas existentes\n")
	b.WriteString("• 📊 Generar resúmenes y estadísticas\n\n")
	b.WriteString("💬 **Ejemplos:**\n")
	b.WriteString("• \"Tengo que estudiar matemáticas mañana\"\n")
	b.WriteString("• \"¿Cuántas tareas pendientes tengo?\"\n")
	b.WriteString("• \"crear tarea: revisar código\"\n\n")
	b.WriteString("🚀 ¡Escríbeme en lenguaje natural y yo me encargo del resto!")
	return b.String()
}

// Help is the /help guide. It also backs the command router's help.
func Help() string {
	var b strings.Builder
	b.WriteString("📚 **Guía de ELiaS**\n\n")
	b.WriteString("🤖 **Comandos:**\n")
	b.WriteString("• `/start` - Iniciar el asistente\n")
	b.WriteString("• `/help` - Esta ayuda\n")
	b.WriteString("• `/stats` - Estadísticas (solo admins)\n")
	b.WriteString("• `/admin` - Panel admin (solo admins)\n\n")
	b.WriteString("📝 **Crear tareas:**\n")
	b.WriteString("• \"Tengo que hacer ejercicio mañana\"\n")
	b.WriteString("• \"Nueva tarea urgente: llamar al doctor\"\n")
	b.WriteString("• \"crear tarea: comprar vitaminas\"\n\n")
	b.WriteString("🔍 **Consultar:**\n")
	b.WriteString("• \"¿Cuántas tareas tengo pendientes?\"\n")
	b.WriteString("• \"Mis tareas\"\n")
	b.WriteString("• \"Estado del proyecto Personal\"\n")
	b.WriteString("• \"Mis proyectos\"\n\n")
	b.WriteString("🚀 ¡Simplemente escribe lo que necesitas de forma natural!")
	return b.String()
}

// MenuPrompt is the short text behind the main-menu quick action.
func MenuPrompt() string {
	return "🤖 **¿Qué te gustaría hacer?**\n\n💡 También puedes escribir directamente, por ejemplo:\n• \"Crear tarea urgente de revisar código\"\n• \"¿Cuántas tareas pendientes tengo?\""
}

// NewTaskGuide explains creating tasks, behind the new-task quick action.
func NewTaskGuide() string {
	var b strings.Builder
	b.WriteString("✨ **Crear Nueva Tarea**\n\n")
	b.WriteString("¡Solo escríbeme lo que necesitas!\n\n")
	b.WriteString("📝 **Ejemplos:**\n")
	b.WriteString("• \"Tengo que estudiar matemáticas mañana\"\n")
	b.WriteString("• \"Nueva tarea urgente: llamar al doctor\"\n")
	b.WriteString("• \"crear tarea: hacer ejercicio en 2 días\"\n\n")
	b.WriteString("Detecto la prioridad, la fecha y el proyecto automáticamente.\n\n")
	b.WriteString("💬 ¡Escribe tu nueva tarea ahora!")
	return b.String()
}

// Unknown is the clarification prompt for messages nothing could route.
func Unknown() string {
	var b strings.Builder
	b.WriteString("❓ No entendí tu mensaje.\n\n")
	b.WriteString("💡 **Prueba con:**\n")
	b.WriteString("• \"¿Cuántas tareas tengo?\"\n")
	b.WriteString("• \"Crear tarea: [descripción]\"\n")
	b.WriteString("• \"Mis proyectos\"\n")
	b.WriteString("• \"Tareas pendientes\"\n\n")
	b.WriteString("O escribe /help para ver la guía completa.")
	return b.String()
}

// TaskCreated confirms one created task. projectName may be empty.
func TaskCreated(t types.Task, projectName string) string {
	var b strings.Builder
	b.WriteString("✅ **Tarea creada exitosamente**\n\n")
	fmt.Fprintf(&b, "📝 **Título:** %s\n", t.Title)
	fmt.Fprintf(&b, "⚡ **Prioridad:** %s\n", PriorityES(t.Priority))
	fmt.Fprintf(&b, "📊 **Estado:** %s\n", StatusES(t.Status))
	if !t.DueDate.IsZero() {
		fmt.Fprintf(&b, "📅 **Vencimiento:** %s\n", DateES(t.DueDate))
	}
	if projectName != "" {
		fmt.Fprintf(&b, "📁 **Proyecto:** %s\n", projectName)
	}
	fmt.Fprintf(&b, "🆔 **ID:** `%s`", t.ID)
	if t.URL != "" {
		fmt.Fprintf(&b, "\n\n🔗 [Ver en Notion](%s)", t.URL)
	}
	return b.String()
}

// DraftFailure names one draft that could not be created and why.
type DraftFailure struct {
	Title  string
	Reason string
}

// TasksCreated summarizes a multi-draft create: every created task is
// listed, and every failed draft is named with its reason.
func TasksCreated(created []types.Task, failed []DraftFailure) string {
	if len(created) == 1 && len(failed) == 0 {
		return TaskCreated(created[0], "")
	}

	var b strings.Builder
	switch {
	case len(created) == 0:
		b.WriteString("❌ **No se pudo crear ninguna tarea**\n")
	case len(failed) == 0:
		fmt.Fprintf(&b, "✅ **%d tareas creadas exitosamente**\n", len(created))
	default:
		fmt.Fprintf(&b, "⚠️ **%d de %d tareas creadas**\n", len(created), len(created)+len(failed))
	}

	for i, t := range created {
		fmt.Fprintf(&b, "\n**%d.** %s\n   ⚡ %s", i+1, t.Title, PriorityES(t.Priority))
		if !t.DueDate.IsZero() {
			fmt.Fprintf(&b, " | 📅 %s", DateES(t.DueDate))
		}
	}
	for _, f := range failed {
		fmt.Fprintf(&b, "\n❌ **%s**: %s", f.Title, f.Reason)
	}
	return b.String()
}

// TaskCount reports how many tasks match the filter.
func TaskCount(n int, f types.TaskFilter) string {
	noun := "tareas"
	if n == 1 {
		noun = "tarea"
	}
	return fmt.Sprintf("📋 Tienes %d %s%s", n, noun, filterSuffix(f))
}

// TaskList renders matching tasks, capped at maxListItems.
func TaskList(tasks []types.Task, f types.TaskFilter) string {
	if len(tasks) == 0 {
		return "📭 No hay tareas" + filterSuffix(f) + "."
	}

	var b strings.Builder
	b.WriteString(TaskCount(len(tasks), f))
	b.WriteString(":\n")
	for i, t := range tasks {
		if i == maxListItems {
			fmt.Fprintf(&b, "… y %d más", len(tasks)-maxListItems)
			break
		}
		fmt.Fprintf(&b, "%s %s", priorityMark[t.Priority], t.Title)
		if !t.DueDate.IsZero() {
			fmt.Fprintf(&b, " (vence %s)", DateES(t.DueDate))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func filterSuffix(f types.TaskFilter) string {
	var parts []string
	switch f.Status {
	case types.StatusNotStarted:
		parts = append(parts, "pendientes")
	case types.StatusInProgress:
		parts = append(parts, "en curso")
	case types.StatusDone:
		parts = append(parts, "completadas")
	}
	if f.Priority != "" {
		parts = append(parts, "de prioridad "+strings.ToLower(PriorityES(f.Priority)))
	}
	if f.Project != "" {
		parts = append(parts, "en el proyecto "+f.Project)
	}
	if f.Substring != "" {
		parts = append(parts, fmt.Sprintf("que mencionan %q", f.Substring))
	}
	if len(parts) == 0 {
		return ""
	}
	return " " + strings.Join(parts, " ")
}

// Projects lists available projects with a selector keyboard.
func Projects(projects []types.Project) (string, [][]types.Button) {
	if len(projects) == 0 {
		return "📭 No hay proyectos configurados aún.", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📁 **Proyectos disponibles (%d)**\n\n", len(projects))
	for i, p := range projects {
		if i == maxProjectButtons {
			fmt.Fprintf(&b, "… y %d más\n", len(projects)-maxProjectButtons)
			break
		}
		fmt.Fprintf(&b, "• %s\n", p.Name)
	}
	b.WriteString("\nSelecciona un proyecto para ver sus tareas.")
	return b.String(), ProjectButtons(projects)
}

// ProjectStatus reports one project's task counts.
func ProjectStatus(stats types.ProjectStats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 **Estado del proyecto %s**\n\n", stats.ProjectName)
	fmt.Fprintf(&b, "📋 **Tareas totales:** %d\n", stats.Total)
	if stats.Total == 0 {
		b.WriteString("\n📭 Este proyecto no tiene tareas todavía.")
		return b.String()
	}
	fmt.Fprintf(&b, "⏳ **Sin empezar:** %d\n", stats.ByStatus[types.StatusNotStarted])
	fmt.Fprintf(&b, "🔄 **En curso:** %d\n", stats.ByStatus[types.StatusInProgress])
	fmt.Fprintf(&b, "✅ **Completadas:** %d\n", stats.ByStatus[types.StatusDone])
	fmt.Fprintf(&b, "\n📈 **Progreso:** %.0f%%", stats.PercentDone)
	return b.String()
}

// Stats renders the workspace-wide summary for /stats.
func Stats(s workspace.Summary) string {
	var b strings.Builder
	b.WriteString("📊 **Estado del Sistema ELiaS**\n\n")
	fmt.Fprintf(&b, "✅ **Tareas totales:** %d\n", s.TotalTasks)
	fmt.Fprintf(&b, "⏳ **Pendientes:** %d\n", s.ByStatus[types.StatusNotStarted])
	fmt.Fprintf(&b, "🔄 **En curso:** %d\n", s.ByStatus[types.StatusInProgress])
	fmt.Fprintf(&b, "🎯 **Completadas:** %d (%.0f%%)\n", s.ByStatus[types.StatusDone], s.PercentDone)
	if s.Overdue > 0 {
		fmt.Fprintf(&b, "🚨 **Vencidas:** %d\n", s.Overdue)
	}
	fmt.Fprintf(&b, "📁 **Proyectos:** %d", s.ProjectCount)
	return b.String()
}

// AdminPanel renders the /admin panel text.
func AdminPanel(userID, llmName string, workspaceOK bool) string {
	workspaceState := "❌ Desconectado"
	if workspaceOK {
		workspaceState = "✅ Conectado"
	}
	llmState := "❌ Inactivo"
	if llmName != "" {
		llmState = "✅ " + llmName
	}

	var b strings.Builder
	b.WriteString("🔧 **Panel de Administración ELiaS**\n\n")
	fmt.Fprintf(&b, "👤 **Admin:** %s\n\n", userID)
	b.WriteString("🤖 **Estado del sistema:**\n")
	fmt.Fprintf(&b, "• Modelo de lenguaje: %s\n", llmState)
	fmt.Fprintf(&b, "• Workspace: %s", workspaceState)
	return b.String()
}

// Failure turns a pipeline error into caller-readable Spanish. Internal
// detail never reaches the caller; the full error goes to the log.
func Failure(err error) string {
	switch errs.KindOf(err) {
	case errs.RateLimited:
		wait := errs.WaitOf(err)
		if wait > 0 {
			secs := int((wait + time.Second - 1) / time.Second)
			return fmt.Sprintf("⏳ Demasiadas consultas seguidas. Espera %d segundos e inténtalo de nuevo.", secs)
		}
		return "⏳ Demasiadas consultas seguidas. Espera un momento e inténtalo de nuevo."
	case errs.Unavailable:
		return "❌ El servicio no está disponible en este momento. Inténtalo de nuevo en unos minutos."
	case errs.PermissionDenied:
		return "❌ No tienes permisos de administrador."
	case errs.NotFound:
		if msg := errs.MessageOf(err); msg != "" {
			return "🔍 " + msg
		}
		return "🔍 No encontré lo que buscas."
	case errs.Validation:
		if msg := errs.MessageOf(err); msg != "" {
			return "⚠️ " + msg
		}
		return "⚠️ No pude procesar tu solicitud. Revisa el formato e inténtalo de nuevo."
	default:
		return "❌ Algo salió mal procesando tu mensaje. Inténtalo de nuevo o escribe /help."
	}
}

// MainMenu is the quick-action keyboard attached to greetings.
func MainMenu() [][]types.Button {
	return [][]types.Button{
		{
			{Label: "📋 Ver Tareas", Token: "view_tasks"},
			{Label: "✨ Nueva Tarea", Token: "new_task"},
		},
		{
			{Label: "📁 Proyectos", Token: "view_projects"},
			{Label: "❓ Ayuda", Token: "help"},
		},
	}
}

// TaskActions is the keyboard attached to task listings.
func TaskActions() [][]types.Button {
	return [][]types.Button{
		{
			{Label: "📋 Todas", Token: "tasks_all"},
			{Label: "⏳ Pendientes", Token: "tasks_pending"},
		},
		{
			{Label: "✅ Completadas", Token: "tasks_completed"},
			{Label: "🚨 Urgentes", Token: "tasks_urgent"},
		},
	}
}

// AdminActions is the keyboard attached to the admin panel.
func AdminActions() [][]types.Button {
	return [][]types.Button{
		{
			{Label: "📊 Estadísticas", Token: "admin_stats"},
			{Label: "🔄 Refrescar caché", Token: "admin_refresh"},
		},
	}
}

// ProjectButtons builds the project selector, two per row, capped.
func ProjectButtons(projects []types.Project) [][]types.Button {
	if len(projects) == 0 {
		return nil
	}
	n := len(projects)
	if n > maxProjectButtons {
		n = maxProjectButtons
	}
	var rows [][]types.Button
	for i := 0; i < n; i += 2 {
		row := []types.Button{projectButton(projects[i])}
		if i+1 < n {
			row = append(row, projectButton(projects[i+1]))
		}
		rows = append(rows, row)
	}
	return rows
}

func projectButton(p types.Project) types.Button {
	label := p.Name
	if runes := []rune(label); len(runes) > buttonLabelRunes {
		label = string(runes[:buttonLabelRunes]) + "..."
	}
	return types.Button{Label: "📁 " + label, Token: "project_" + p.Name}
}
