package workspace

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"elias/app/pkg/errs"
	"elias/app/pkg/types"
)

type fakeLedger struct {
	seen     map[string]string
	recorded map[string]string
	lookups  int
}

func (f *fakeLedger) Lookup(ctx context.Context, key string) (string, bool, error) {
	f.lookups++
	id, ok := f.seen[key]
	return id, ok, nil
}

func (f *fakeLedger) Record(ctx context.Context, key, taskID string) error {
	if f.recorded == nil {
		f.recorded = make(map[string]string)
	}
	f.recorded[key] = taskID
	return nil
}

const createdTaskPage = `{
  "id": "task-1",
  "url": "https://workspace.test/task-1",
  "created_time": "2024-03-01T10:00:00.000Z",
  "properties": {
    "Nombre": {"title": [{"text": {"content": "Comprar pan"}}]},
    "Descripción": {"rich_text": [{"text": {"content": "integral"}}]},
    "Estado": {"status": {"name": "Sin empezar"}},
    "Prioridad": {"select": {"name": "Alta"}},
    "Fecha": {"date": {"start": "2024-03-05"}},
    "Proyectos": {"relation": [{"id": "proj-1"}]}
  }
}`

func TestCreateTaskValidatesBeforeAnyCall(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("validation failures must not reach the wire")
	})

	_, err := c.CreateTask(context.Background(), TaskFields{Title: "   "})
	if !errs.Is(err, errs.Validation) {
		t.Fatalf("blank title classified as %q", errs.KindOf(err))
	}

	_, err = c.CreateTask(context.Background(), TaskFields{Title: "ok", Priority: "extreme"})
	if !errs.Is(err, errs.Validation) {
		t.Fatalf("bogus priority classified as %q", errs.KindOf(err))
	}
}

func TestCreateTaskBuildsWireProperties(t *testing.T) {
	var body string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/pages" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		raw, _ := io.ReadAll(r.Body)
		body = string(raw)
		fmt.Fprint(w, createdTaskPage)
	})

	due := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	task, err := c.CreateTask(context.Background(), TaskFields{
		Title:       "Comprar pan",
		Description: "integral",
		Priority:    types.PriorityHigh,
		DueDate:     due,
		ProjectIDs:  []string{"proj-1", "proj-2"},
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	if got := gjson.Get(body, "parent.database_id").String(); got != "tasks-db" {
		t.Fatalf("parent database = %q", got)
	}
	if got := gjson.Get(body, "properties.Nombre.title.0.text.content").String(); got != "Comprar pan" {
		t.Fatalf("title property = %q", got)
	}
	if got := gjson.Get(body, "properties.Descripción.rich_text.0.text.content").String(); got != "integral" {
		t.Fatalf("description property = %q", got)
	}
	if got := gjson.Get(body, "properties.Estado.status.name").String(); got != "Sin empezar" {
		t.Fatalf("status property = %q", got)
	}
	if got := gjson.Get(body, "properties.Prioridad.select.name").String(); got != "Alta" {
		t.Fatalf("priority property = %q", got)
	}
	if got := gjson.Get(body, "properties.Fecha.date.start").String(); got != "2024-03-05" {
		t.Fatalf("due date property = %q", got)
	}
	if got := gjson.Get(body, "properties.Proyectos.relation.#").Int(); got != 2 {
		t.Fatalf("relation count = %d", got)
	}
	if got := gjson.Get(body, "properties.Proyectos.relation.1.id").String(); got != "proj-2" {
		t.Fatalf("second relation = %q", got)
	}

	if task.ID != "task-1" || task.Title != "Comprar pan" {
		t.Fatalf("unexpected parsed task: %+v", task)
	}
	if task.Status != types.StatusNotStarted || task.Priority != types.PriorityHigh {
		t.Fatalf("unexpected parsed enums: %s / %s", task.Status, task.Priority)
	}
	if len(task.ProjectIDs) != 1 || task.ProjectIDs[0] != "proj-1" {
		t.Fatalf("unexpected parsed projects: %v", task.ProjectIDs)
	}
}

func TestCreateTaskReplaysDedupKey(t *testing.T) {
	var posts, gets int
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/pages":
			posts++
			fmt.Fprint(w, createdTaskPage)
		case r.Method == http.MethodGet && r.URL.Path == "/v1/pages/task-1":
			gets++
			fmt.Fprint(w, createdTaskPage)
		default:
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	})
	c.ledger = &fakeLedger{seen: map[string]string{"req-9/0": "task-1"}}

	task, err := c.CreateTask(context.Background(), TaskFields{Title: "Comprar pan", DedupKey: "req-9/0"})
	if err != nil {
		t.Fatalf("replayed create: %v", err)
	}
	if task.ID != "task-1" {
		t.Fatalf("replay returned %q", task.ID)
	}
	if posts != 0 {
		t.Fatalf("replay must not create, saw %d posts", posts)
	}
	if gets != 1 {
		t.Fatalf("replay should fetch the recorded task once, saw %d gets", gets)
	}
}

func TestCreateTaskRecordsDedupKey(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, createdTaskPage)
	})
	ledger := &fakeLedger{}
	c.ledger = ledger

	if _, err := c.CreateTask(context.Background(), TaskFields{Title: "Comprar pan", DedupKey: "req-9/0"}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if got := ledger.recorded["req-9/0"]; got != "task-1" {
		t.Fatalf("ledger recorded %q, want task-1", got)
	}
}

func TestListTasksPushesFiltersDown(t *testing.T) {
	var body string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/databases/tasks-db/query" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		raw, _ := io.ReadAll(r.Body)
		body = string(raw)
		fmt.Fprint(w, `{"results":[],"has_more":false}`)
	})

	_, err := c.ListTasks(context.Background(), types.TaskFilter{
		Status:   types.StatusInProgress,
		Priority: types.PriorityUrgent,
	})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}

	conds := gjson.Get(body, "filter.and")
	if !conds.IsArray() || len(conds.Array()) != 2 {
		t.Fatalf("expected 2 pushed-down conditions: %s", body)
	}
	if got := gjson.Get(body, `filter.and.#(property=="Estado").status.equals`).String(); got != "En curso" {
		t.Fatalf("status condition = %q", got)
	}
	if got := gjson.Get(body, `filter.and.#(property=="Prioridad").select.equals`).String(); got != "Urgente" {
		t.Fatalf("priority condition = %q", got)
	}
	if got := gjson.Get(body, "sorts.0.timestamp").String(); got != "created_time" {
		t.Fatalf("sort = %q", got)
	}
}

func TestListTasksSubstringFiltersClientSide(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		if gjson.GetBytes(raw, "filter").Exists() {
			t.Fatalf("substring must not be pushed down: %s", raw)
		}
		fmt.Fprint(w, `{"results":[
			{"id":"t1","properties":{"Nombre":{"title":[{"text":{"content":"Comprar pan"}}]}}},
			{"id":"t2","properties":{"Nombre":{"title":[{"text":{"content":"Llamar al médico"}}]},"Descripción":{"rich_text":[{"text":{"content":"urgente"}}]}}}
		],"has_more":false}`)
	})

	tasks, err := c.ListTasks(context.Background(), types.TaskFilter{Substring: "MÉDICO"})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "t2" {
		t.Fatalf("substring match returned %+v", tasks)
	}
}

func TestListTasksUsesCacheWithinTTL(t *testing.T) {
	var calls int
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprint(w, `{"results":[{"id":"t1","properties":{}}],"has_more":false}`)
	})

	for i := 0; i < 3; i++ {
		if _, err := c.ListTasks(context.Background(), types.TaskFilter{}); err != nil {
			t.Fatalf("list tasks run %d: %v", i, err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected a single upstream query, saw %d", calls)
	}
}

func TestCreateTaskInvalidatesListCache(t *testing.T) {
	var queries int
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/databases/tasks-db/query":
			queries++
			fmt.Fprint(w, `{"results":[],"has_more":false}`)
		case "/v1/pages":
			fmt.Fprint(w, createdTaskPage)
		default:
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
	})

	if _, err := c.ListTasks(context.Background(), types.TaskFilter{}); err != nil {
		t.Fatalf("first list: %v", err)
	}
	if _, err := c.CreateTask(context.Background(), TaskFields{Title: "Nueva"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := c.ListTasks(context.Background(), types.TaskFilter{}); err != nil {
		t.Fatalf("second list: %v", err)
	}
	if queries != 2 {
		t.Fatalf("create must drop the list cache, saw %d queries", queries)
	}
}
