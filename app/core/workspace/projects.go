package workspace

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"elias/app/pkg/errs"
	"elias/app/pkg/types"
)

// ListProjects returns every project in the projects database, newest
// first. Results are cached briefly; the cache is advisory only.
func (c *Client) ListProjects(ctx context.Context) ([]types.Project, error) {
	if c.cfg.ProjectsDB == "" {
		return nil, errs.New(errs.Validation, "la base de datos de proyectos no está configurada")
	}
	if projects, ok := c.cachedProjects(); ok {
		return projects, nil
	}

	body := setJSON("{}", "page_size", 100)
	body = setRawJSON(body, "sorts", `[{"timestamp":"created_time","direction":"descending"}]`)
	pages, err := c.queryAll(ctx, c.cfg.ProjectsDB, body)
	if err != nil {
		return nil, err
	}
	projects := make([]types.Project, 0, len(pages))
	for _, page := range pages {
		projects = append(projects, projectFromPage(page))
	}
	c.storeProjects(projects)
	return projects, nil
}

// GetProject fetches one project record by ID.
func (c *Client) GetProject(ctx context.Context, id string) (types.Project, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return types.Project{}, errs.New(errs.Validation, "el id del proyecto no puede estar vacío")
	}
	res, err := c.do(ctx, http.MethodGet, "/v1/pages/"+id, nil)
	if err != nil {
		return types.Project{}, err
	}
	return projectFromPage(res), nil
}

// ResolveProject matches a human-supplied name to a project record:
// exact case-insensitive match first, then substring containment in
// either direction. No match is NotFound.
func (c *Client) ResolveProject(ctx context.Context, name string) (types.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return types.Project{}, errs.New(errs.Validation, "el nombre del proyecto no puede estar vacío")
	}
	projects, err := c.ListProjects(ctx)
	if err != nil {
		return types.Project{}, err
	}

	lower := strings.ToLower(name)
	for _, p := range projects {
		if strings.ToLower(p.Name) == lower {
			return p, nil
		}
	}
	for _, p := range projects {
		pn := strings.ToLower(p.Name)
		if pn == "" {
			continue
		}
		if strings.Contains(pn, lower) || strings.Contains(lower, pn) {
			return p, nil
		}
	}
	return types.Project{}, errs.Newf(errs.NotFound, "no se encontró el proyecto %q", name)
}

// ProjectStats recomputes the task counts for one project. Nothing is
// persisted; every call reflects the workspace at call time (modulo the
// short task cache).
func (c *Client) ProjectStats(ctx context.Context, projectID string) (types.ProjectStats, error) {
	project, err := c.GetProject(ctx, projectID)
	if err != nil {
		return types.ProjectStats{}, err
	}
	tasks, err := c.listTasksByProjectID(ctx, project.ID)
	if err != nil {
		return types.ProjectStats{}, err
	}

	stats := types.ProjectStats{
		ProjectID:   project.ID,
		ProjectName: project.Name,
		Total:       len(tasks),
		ByStatus:    make(map[types.TaskStatus]int),
	}
	for _, t := range tasks {
		stats.ByStatus[t.Status]++
	}
	if stats.Total > 0 {
		stats.PercentDone = float64(stats.ByStatus[types.StatusDone]) / float64(stats.Total) * 100
	}
	return stats, nil
}

// Summary aggregates workspace-wide counts for the stats command.
type Summary struct {
	TotalTasks   int
	ByStatus     map[types.TaskStatus]int
	ByPriority   map[types.TaskPriority]int
	Overdue      int
	PercentDone  float64
	ProjectCount int
}

// Summary counts all tasks by status and priority, plus overdue tasks
// (due date passed and not done) and the project total.
func (c *Client) Summary(ctx context.Context) (Summary, error) {
	tasks, err := c.ListTasks(ctx, types.TaskFilter{})
	if err != nil {
		return Summary{}, err
	}

	s := Summary{
		TotalTasks: len(tasks),
		ByStatus:   make(map[types.TaskStatus]int),
		ByPriority: make(map[types.TaskPriority]int),
	}
	now := time.Now()
	for _, t := range tasks {
		s.ByStatus[t.Status]++
		s.ByPriority[t.Priority]++
		if !t.DueDate.IsZero() && t.DueDate.Before(now) && t.Status != types.StatusDone {
			s.Overdue++
		}
	}
	if s.TotalTasks > 0 {
		s.PercentDone = float64(s.ByStatus[types.StatusDone]) / float64(s.TotalTasks) * 100
	}

	if c.cfg.ProjectsDB != "" {
		projects, err := c.ListProjects(ctx)
		if err != nil {
			return Summary{}, err
		}
		s.ProjectCount = len(projects)
	}
	return s, nil
}

func projectFromPage(page gjson.Result) types.Project {
	return types.Project{
		ID:          page.Get("id").String(),
		Name:        joinText(page.Get("properties.Nombre.title")),
		Description: joinText(page.Get("properties.Descripción.rich_text")),
	}
}
