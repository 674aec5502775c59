package workspace

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"elias/app/pkg/errs"
	"elias/app/pkg/logger"
	"elias/app/pkg/types"
)

// TaskFields is the input for one task creation. ProjectIDs must already
// be resolved; name resolution belongs to the caller's resolve step.
// DedupKey, when set, makes the creation replay-safe.
type TaskFields struct {
	Title       string
	Description string
	Status      types.TaskStatus
	Priority    types.TaskPriority
	DueDate     time.Time
	ProjectIDs  []string
	DedupKey    string
}

// CreateTask validates fields, consults the dedup ledger, and creates a
// task record. Validation failures never reach the wire.
func (c *Client) CreateTask(ctx context.Context, f TaskFields) (types.Task, error) {
	f.Title = strings.TrimSpace(f.Title)
	if f.Title == "" {
		return types.Task{}, errs.New(errs.Validation, "el título de la tarea no puede estar vacío")
	}
	if f.Status == "" {
		f.Status = types.StatusNotStarted
	}
	if !f.Status.Valid() {
		return types.Task{}, errs.Newf(errs.Validation, "estado de tarea desconocido: %q", f.Status)
	}
	if f.Priority == "" {
		f.Priority = types.PriorityMedium
	}
	if !f.Priority.Valid() {
		return types.Task{}, errs.Newf(errs.Validation, "prioridad de tarea desconocida: %q", f.Priority)
	}

	if f.DedupKey != "" && c.ledger != nil {
		taskID, seen, err := c.ledger.Lookup(ctx, f.DedupKey)
		if err != nil {
			return types.Task{}, errs.Wrap(errs.Unavailable, err)
		}
		if seen {
			logger.Info("[Workspace] dedup key %s already recorded, returning task %s", f.DedupKey, taskID)
			return c.GetTask(ctx, taskID)
		}
	}

	res, err := c.do(ctx, http.MethodPost, "/v1/pages", []byte(createTaskBody(c.cfg.TasksDB, f)))
	if err != nil {
		return types.Task{}, err
	}
	task := taskFromPage(res)

	if f.DedupKey != "" && c.ledger != nil {
		// The record already exists remotely; a ledger write failure must
		// not fail the operation or it would be retried into a duplicate.
		if err := c.ledger.Record(ctx, f.DedupKey, task.ID); err != nil {
			logger.Warn("[Workspace] recording dedup key %s failed: %v", f.DedupKey, err)
		}
	}
	c.invalidateTaskCache()
	return task, nil
}

// GetTask fetches one task record by ID.
func (c *Client) GetTask(ctx context.Context, id string) (types.Task, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return types.Task{}, errs.New(errs.Validation, "el id de la tarea no puede estar vacío")
	}
	res, err := c.do(ctx, http.MethodGet, "/v1/pages/"+id, nil)
	if err != nil {
		return types.Task{}, err
	}
	return taskFromPage(res), nil
}

// ListTasks returns tasks matching the filter, newest first. Status,
// priority, and project membership are pushed down into the query;
// the substring predicate runs client-side because the remote text
// filter mishandles accented content.
func (c *Client) ListTasks(ctx context.Context, filter types.TaskFilter) ([]types.Task, error) {
	projectID := ""
	if filter.Project != "" {
		project, err := c.ResolveProject(ctx, filter.Project)
		if err != nil {
			return nil, err
		}
		projectID = project.ID
	}

	key := string(filter.Status) + "|" + string(filter.Priority) + "|" + projectID
	tasks, ok := c.cachedTasks(key)
	if !ok {
		pages, err := c.queryAll(ctx, c.cfg.TasksDB, taskQueryBody(filter, projectID))
		if err != nil {
			return nil, err
		}
		tasks = make([]types.Task, 0, len(pages))
		for _, page := range pages {
			tasks = append(tasks, taskFromPage(page))
		}
		c.storeTasks(key, tasks)
	}

	if filter.Substring == "" {
		return tasks, nil
	}
	needle := strings.ToLower(filter.Substring)
	matched := make([]types.Task, 0, len(tasks))
	for _, t := range tasks {
		if strings.Contains(strings.ToLower(t.Title), needle) ||
			strings.Contains(strings.ToLower(t.Description), needle) {
			matched = append(matched, t)
		}
	}
	return matched, nil
}

func (c *Client) listTasksByProjectID(ctx context.Context, projectID string) ([]types.Task, error) {
	key := "||" + projectID
	if tasks, ok := c.cachedTasks(key); ok {
		return tasks, nil
	}
	pages, err := c.queryAll(ctx, c.cfg.TasksDB, taskQueryBody(types.TaskFilter{}, projectID))
	if err != nil {
		return nil, err
	}
	tasks := make([]types.Task, 0, len(pages))
	for _, page := range pages {
		tasks = append(tasks, taskFromPage(page))
	}
	c.storeTasks(key, tasks)
	return tasks, nil
}

func createTaskBody(databaseID string, f TaskFields) string {
	body := setJSON("{}", "parent.database_id", databaseID)
	body = setJSON(body, "properties.Nombre.title.0.text.content", f.Title)
	if f.Description != "" {
		body = setJSON(body, "properties.Descripción.rich_text.0.text.content", f.Description)
	}
	body = setJSON(body, "properties.Estado.status.name", statusToWire(f.Status))
	body = setJSON(body, "properties.Prioridad.select.name", priorityToWire(f.Priority))
	if !f.DueDate.IsZero() {
		body = setJSON(body, "properties.Fecha.date.start", wireDate(f.DueDate))
	}
	for i, id := range f.ProjectIDs {
		body = setJSON(body, fmt.Sprintf("properties.Proyectos.relation.%d.id", i), id)
	}
	return body
}

func taskQueryBody(filter types.TaskFilter, projectID string) string {
	body := setJSON("{}", "page_size", 100)
	body = setRawJSON(body, "sorts", `[{"timestamp":"created_time","direction":"descending"}]`)

	var conds []string
	if filter.Status != "" {
		cond := setJSON("{}", "property", "Estado")
		cond = setJSON(cond, "status.equals", statusToWire(filter.Status))
		conds = append(conds, cond)
	}
	if filter.Priority != "" {
		cond := setJSON("{}", "property", "Prioridad")
		cond = setJSON(cond, "select.equals", priorityToWire(filter.Priority))
		conds = append(conds, cond)
	}
	if projectID != "" {
		cond := setJSON("{}", "property", "Proyectos")
		cond = setJSON(cond, "relation.contains", projectID)
		conds = append(conds, cond)
	}
	for _, cond := range conds {
		body = setRawJSON(body, "filter.and.-1", cond)
	}
	return body
}

func taskFromPage(page gjson.Result) types.Task {
	status := page.Get("properties.Estado.status.name").String()
	if status == "" {
		// Older task databases modeled the state column as a select.
		status = page.Get("properties.Estado.select.name").String()
	}

	var projectIDs []string
	page.Get("properties.Proyectos.relation").ForEach(func(_, rel gjson.Result) bool {
		if id := rel.Get("id").String(); id != "" {
			projectIDs = append(projectIDs, id)
		}
		return true
	})

	return types.Task{
		ID:          page.Get("id").String(),
		Title:       joinText(page.Get("properties.Nombre.title")),
		Description: joinText(page.Get("properties.Descripción.rich_text")),
		Status:      statusFromWire(status),
		Priority:    priorityFromWire(page.Get("properties.Prioridad.select.name").String()),
		CreatedAt:   parseWireTime(page.Get("created_time").String()),
		DueDate:     parseWireTime(page.Get("properties.Fecha.date.start").String()),
		ProjectIDs:  projectIDs,
		URL:         page.Get("url").String(),
	}
}

// joinText concatenates the content fragments of a title or rich_text
// property value.
func joinText(arr gjson.Result) string {
	var b strings.Builder
	arr.ForEach(func(_, item gjson.Result) bool {
		b.WriteString(item.Get("text.content").String())
		return true
	})
	return b.String()
}

// setJSON and setRawJSON wrap sjson; path errors are programmer errors
// on fixed paths, never runtime conditions.
func setJSON(body, path string, value interface{}) string {
	out, _ := sjson.Set(body, path, value)
	return out
}

func setRawJSON(body, path, raw string) string {
	out, _ := sjson.SetRaw(body, path, raw)
	return out
}
