package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"elias/app/configs"
	"elias/app/core/history"
	"elias/app/core/orchestrator/command"
	"elias/app/core/orchestrator/format"
	"elias/app/core/workspace"
	"elias/app/pkg/errs"
	"elias/app/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// --- fakes ---------------------------------------------------------------

type fakeWorkspace struct {
	mu sync.Mutex

	tasks    []types.Task
	projects []types.Project
	stats    map[string]types.ProjectStats
	summary  workspace.Summary

	createErrs   []error // consumed one per CreateTask call; nil entries succeed
	resolveErr   error
	listErr      error
	createCalls  int
	listCalls    int
	resolveNames []string
	created      []workspace.TaskFields
	gotFilter    types.TaskFilter
	invalidated  int

	listDelay   time.Duration
	inFlight    int32
	maxInFlight int32
}

func newFakeWorkspace() *fakeWorkspace {
	return &fakeWorkspace{
		projects: []types.Project{
			{ID: "p1", Name: "Casa"},
			{ID: "p2", Name: "Universidad"},
		},
		stats: map[string]types.ProjectStats{},
	}
}

func (f *fakeWorkspace) CreateTask(_ context.Context, fields workspace.TaskFields) (types.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if err != nil {
			return types.Task{}, err
		}
	}
	f.created = append(f.created, fields)
	status := fields.Status
	if status == "" {
		status = types.StatusNotStarted
	}
	return types.Task{
		ID:         fmt.Sprintf("t-%d", len(f.created)),
		Title:      fields.Title,
		Status:     status,
		Priority:   fields.Priority,
		DueDate:    fields.DueDate,
		ProjectIDs: fields.ProjectIDs,
	}, nil
}

func (f *fakeWorkspace) ListTasks(_ context.Context, filter types.TaskFilter) ([]types.Task, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		old := atomic.LoadInt32(&f.maxInFlight)
		if n <= old || atomic.CompareAndSwapInt32(&f.maxInFlight, old, n) {
			break
		}
	}
	if f.listDelay > 0 {
		time.Sleep(f.listDelay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	f.gotFilter = filter
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]types.Task(nil), f.tasks...), nil
}

func (f *fakeWorkspace) ListProjects(context.Context) ([]types.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Project(nil), f.projects...), nil
}

func (f *fakeWorkspace) ResolveProject(_ context.Context, name string) (types.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolveNames = append(f.resolveNames, name)
	if f.resolveErr != nil {
		return types.Project{}, f.resolveErr
	}
	for _, p := range f.projects {
		if strings.EqualFold(p.Name, name) {
			return p, nil
		}
	}
	return types.Project{}, errs.Newf(errs.NotFound, "no encontré el proyecto %q", name)
}

func (f *fakeWorkspace) ProjectStats(_ context.Context, projectID string) (types.ProjectStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.stats[projectID]; ok {
		return st, nil
	}
	return types.ProjectStats{
		ProjectID:   projectID,
		ProjectName: "Casa",
		Total:       3,
		ByStatus:    map[types.TaskStatus]int{types.StatusNotStarted: 2, types.StatusDone: 1},
		PercentDone: 33.3,
	}, nil
}

func (f *fakeWorkspace) Summary(context.Context) (workspace.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.summary, nil
}

func (f *fakeWorkspace) InvalidateCaches() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated++
}

type scriptedClassifier struct {
	mu         sync.Mutex
	intent     types.Intent
	calls      int
	gotMessage string
	gotHistory []string
}

func (s *scriptedClassifier) Classify(_ context.Context, message string, hist []string) types.Intent {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.gotMessage = message
	s.gotHistory = hist
	return s.intent
}

type fakeHistory struct {
	mu        sync.Mutex
	exchanges []history.Exchange
	appends   [][3]string
	appendErr error
}

func (f *fakeHistory) AppendExchange(_ context.Context, userID, userLine, assistantLine string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	f.appends = append(f.appends, [3]string{userID, userLine, assistantLine})
	return nil
}

func (f *fakeHistory) RecentExchanges(context.Context, string) ([]history.Exchange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]history.Exchange(nil), f.exchanges...), nil
}

// --- helpers -------------------------------------------------------------

type pipelineEnv struct {
	ws   *fakeWorkspace
	cl   *scriptedClassifier
	hist *fakeHistory
	p    *Pipeline
}

// newEnv builds a pipeline over fakes. The working directory moves to a
// temp dir because router audits append JSONL under a relative path.
func newEnv(t *testing.T, it types.Intent, opts Options) *pipelineEnv {
	t.Helper()
	t.Chdir(t.TempDir())

	if opts.RetryBackoff == 0 {
		opts.RetryBackoff = time.Millisecond
	}
	if opts.IsAdmin == nil {
		opts.IsAdmin = func(userID string) bool { return userID == "admin-1" }
	}
	if opts.LLMName == "" {
		opts.LLMName = "gemini-2.0-flash"
	}

	env := &pipelineEnv{
		ws:   newFakeWorkspace(),
		cl:   &scriptedClassifier{intent: it},
		hist: &fakeHistory{},
	}
	env.p = New(env.cl, command.NewExecutor(), env.ws, env.hist, opts)
	return env
}

func userMsg(content string) types.Message {
	return types.Message{
		ID:        "m1",
		Content:   content,
		Role:      types.MessageRoleUser,
		ChannelID: "telegram",
		UserID:    "u42",
		ChatID:    "chat-7",
		RequestID: "req-1",
		Timestamp: time.Now(),
	}
}

func callbackMsg(token string) types.Message {
	m := userMsg(token)
	m.Callback = true
	return m
}

func createIntent(drafts ...types.TaskDraft) types.Intent {
	return types.Intent{
		Kind:       types.IntentCreateTask,
		Tasks:      drafts,
		Confidence: 100,
		Source:     types.SourceRule,
	}
}

// --- tests ---------------------------------------------------------------

func TestProcessCreatesTask(t *testing.T) {
	it := createIntent(types.TaskDraft{
		Title:    "Comprar pan",
		Priority: types.PriorityMedium,
		Projects: []string{"Casa"},
	})
	env := newEnv(t, it, Options{})

	res := env.p.Process(context.Background(), userMsg("crea una tarea de comprar pan para casa"))

	require.Equal(t, StateSucceeded, res.State)
	assert.Empty(t, res.Failure)
	assert.False(t, res.Handled)
	assert.Contains(t, res.Reply, "✅")
	assert.Contains(t, res.Reply, "Comprar pan")
	assert.Contains(t, res.Reply, "Casa")

	require.Len(t, env.ws.created, 1)
	assert.Equal(t, "req-1/0", env.ws.created[0].DedupKey)
	assert.Equal(t, []string{"p1"}, env.ws.created[0].ProjectIDs)

	if diff := cmp.Diff(format.TaskActions(), res.Buttons); diff != "" {
		t.Fatalf("buttons mismatch (-want +got):\n%s", diff)
	}

	for _, st := range []State{StateReceived, StateRouting, StateExecuting} {
		if _, ok := res.Timings[st]; !ok {
			t.Fatalf("timings missing %s: %v", st, res.Timings)
		}
	}

	require.Len(t, env.hist.appends, 1)
	assert.Equal(t, "u42", env.hist.appends[0][0])
	assert.Equal(t, res.Reply, env.hist.appends[0][2])
}

func TestProcessRateLimitShortCircuits(t *testing.T) {
	it := types.Intent{Kind: types.IntentHelp, Confidence: 100, Source: types.SourceRule}
	env := newEnv(t, it, Options{
		Features:        configs.FeatureConfig{RateLimit: true},
		RateLimitMax:    2,
		RateLimitWindow: time.Minute,
	})

	for i := 0; i < 2; i++ {
		res := env.p.Process(context.Background(), userMsg("ayuda"))
		require.Equal(t, StateSucceeded, res.State, "dispatch %d", i+1)
	}

	res := env.p.Process(context.Background(), userMsg("ayuda"))
	require.Equal(t, StateFailed, res.State)
	assert.Equal(t, errs.RateLimited, res.Failure)
	assert.True(t, strings.HasPrefix(res.Reply, "⏳"), "reply: %q", res.Reply)
	assert.Contains(t, res.Reply, "Espera")

	// The gate sits before routing: no classification, no ROUTING timing.
	assert.Equal(t, 2, env.cl.calls)
	_, routed := res.Timings[StateRouting]
	assert.False(t, routed)
}

func TestProcessUnknownIntentAsksForClarification(t *testing.T) {
	env := newEnv(t, types.Intent{Kind: types.IntentUnknown}, Options{})

	res := env.p.Process(context.Background(), userMsg("asdf qwerty"))

	require.Equal(t, StateFailed, res.State)
	assert.Equal(t, errs.Classification, res.Failure)
	assert.Equal(t, format.Unknown(), res.Reply)
	assert.Zero(t, env.ws.createCalls)
	assert.Empty(t, env.hist.appends, "failed dispatches stay out of history")
}

func TestProcessFallbackSourceIsDegraded(t *testing.T) {
	it := types.Intent{
		Kind:       types.IntentQueryTasks,
		Filter:     types.TaskFilter{Status: types.StatusNotStarted},
		Confidence: 50,
		Fallback:   true,
		Source:     types.SourceFallback,
	}
	env := newEnv(t, it, Options{})
	env.ws.tasks = []types.Task{
		{ID: "t-1", Title: "Estudiar cálculo", Status: types.StatusNotStarted, Priority: types.PriorityHigh},
	}

	res := env.p.Process(context.Background(), userMsg("cuantas tareas pendientes tengo"))

	require.Equal(t, StateDegraded, res.State)
	assert.Empty(t, res.Failure)
	assert.Contains(t, res.Reply, "Estudiar cálculo")
	assert.Equal(t, types.StatusNotStarted, env.ws.gotFilter.Status)
}

func TestProcessRetriesUnavailable(t *testing.T) {
	it := createIntent(types.TaskDraft{Title: "Lavar el coche"})
	env := newEnv(t, it, Options{})
	env.ws.createErrs = []error{
		errs.New(errs.Unavailable, "sin conexión"),
		errs.New(errs.Unavailable, "sin conexión"),
		nil,
	}

	res := env.p.Process(context.Background(), userMsg("crear tarea lavar el coche"))

	require.Equal(t, StateSucceeded, res.State)
	assert.Equal(t, 3, env.ws.createCalls)
}

func TestProcessDoesNotRetryValidation(t *testing.T) {
	it := createIntent(types.TaskDraft{Title: "x"})
	env := newEnv(t, it, Options{})
	env.ws.createErrs = []error{errs.New(errs.Validation, "el título de la tarea no puede estar vacío")}

	res := env.p.Process(context.Background(), userMsg("crear tarea"))

	require.Equal(t, StateFailed, res.State)
	assert.Equal(t, errs.Validation, res.Failure)
	assert.Equal(t, "create-task", res.Step)
	assert.Equal(t, 1, env.ws.createCalls)
	assert.Contains(t, res.Reply, "título")
}

func TestProcessRetryExhaustionNamesStep(t *testing.T) {
	it := types.Intent{Kind: types.IntentQueryTasks, Confidence: 100, Source: types.SourceRule}
	env := newEnv(t, it, Options{})
	env.ws.listErr = errs.New(errs.Unavailable, "workspace caído")

	res := env.p.Process(context.Background(), userMsg("mis tareas"))

	require.Equal(t, StateFailed, res.State)
	assert.Equal(t, errs.Unavailable, res.Failure)
	assert.Equal(t, "list-tasks", res.Step)
	assert.Equal(t, 3, env.ws.listCalls, "one attempt plus two retries")
	assert.Equal(t, "❌ El servicio no está disponible en este momento. Inténtalo de nuevo en unos minutos.", res.Reply)
}

func TestProcessResolveFailureNamesStep(t *testing.T) {
	it := createIntent(types.TaskDraft{Title: "Entregar informe", Projects: []string{"Fantasma"}})
	env := newEnv(t, it, Options{})

	res := env.p.Process(context.Background(), userMsg("crear tarea en fantasma"))

	require.Equal(t, StateFailed, res.State)
	assert.Equal(t, errs.NotFound, res.Failure)
	assert.Equal(t, "resolve-projects", res.Step)
	assert.Contains(t, res.Reply, "Fantasma")
	assert.Zero(t, env.ws.createCalls, "no create call after resolution failed")
}

func TestProcessMultiDraftDedupKeys(t *testing.T) {
	it := createIntent(
		types.TaskDraft{Title: "Comprar pan"},
		types.TaskDraft{Title: "Llamar al doctor"},
		types.TaskDraft{Title: "Pagar recibo"},
	)
	env := newEnv(t, it, Options{})
	msg := userMsg("tres tareas")
	msg.RequestID = "req-9"

	res := env.p.Process(context.Background(), msg)

	require.Equal(t, StateSucceeded, res.State)
	require.Len(t, env.ws.created, 3)
	for i, want := range []string{"req-9/0", "req-9/1", "req-9/2"} {
		assert.Equal(t, want, env.ws.created[i].DedupKey)
	}
	assert.Contains(t, res.Reply, "3 tareas creadas")
}

func TestProcessPartialCreateIsDegraded(t *testing.T) {
	it := createIntent(
		types.TaskDraft{Title: "Comprar pan"},
		types.TaskDraft{Title: "Llamar al doctor"},
	)
	env := newEnv(t, it, Options{})
	env.ws.createErrs = []error{
		nil,
		errs.New(errs.Unavailable, "sin conexión"),
		errs.New(errs.Unavailable, "sin conexión"),
		errs.New(errs.Unavailable, "sin conexión"),
	}

	res := env.p.Process(context.Background(), userMsg("dos tareas"))

	require.Equal(t, StateDegraded, res.State)
	assert.Empty(t, res.Failure)
	assert.Equal(t, 4, env.ws.createCalls, "first draft lands, second exhausts retries")
	assert.Contains(t, res.Reply, "1 de 2")
	assert.Contains(t, res.Reply, "Llamar al doctor")
	assert.Contains(t, res.Reply, "sin conexión")
}

func TestProcessAllDraftsFailedIsFailed(t *testing.T) {
	it := createIntent(types.TaskDraft{Title: "Comprar pan"})
	env := newEnv(t, it, Options{})
	env.ws.createErrs = []error{errs.New(errs.Validation, "datos inválidos")}

	res := env.p.Process(context.Background(), userMsg("crear tarea"))

	require.Equal(t, StateFailed, res.State)
	assert.Equal(t, errs.Validation, res.Failure)
	assert.Contains(t, res.Reply, "datos inválidos")
}

func TestProcessCommandPath(t *testing.T) {
	env := newEnv(t, types.Intent{Kind: types.IntentUnknown}, Options{})
	msg := userMsg("/start")
	msg.Meta = map[string]interface{}{"first_name": "Víctor"}

	res := env.p.Process(context.Background(), msg)

	require.Equal(t, StateSucceeded, res.State)
	assert.True(t, res.Handled)
	assert.Equal(t, format.Welcome("Víctor"), res.Reply)
	assert.Zero(t, env.cl.calls, "commands never reach the classifier")
	assert.Empty(t, env.hist.appends, "commands stay out of history")

	if diff := cmp.Diff(format.MainMenu(), res.Buttons); diff != "" {
		t.Fatalf("buttons mismatch (-want +got):\n%s", diff)
	}
}

func TestProcessAdminCommandDenied(t *testing.T) {
	env := newEnv(t, types.Intent{Kind: types.IntentUnknown}, Options{})

	res := env.p.Process(context.Background(), userMsg("/stats"))

	require.Equal(t, StateFailed, res.State)
	assert.True(t, res.Handled)
	assert.Equal(t, errs.PermissionDenied, res.Failure)
	assert.Contains(t, res.Reply, "permisos")
	assert.Zero(t, env.cl.calls)
}

func TestProcessAdminCommandAllowed(t *testing.T) {
	env := newEnv(t, types.Intent{Kind: types.IntentUnknown}, Options{})
	env.ws.summary = workspace.Summary{TotalTasks: 7}
	msg := userMsg("/stats")
	msg.UserID = "admin-1"

	res := env.p.Process(context.Background(), msg)

	require.Equal(t, StateSucceeded, res.State)
	assert.Contains(t, res.Reply, "📊")
	assert.Contains(t, res.Reply, "7")
}

func TestProcessCallbackFilter(t *testing.T) {
	env := newEnv(t, types.Intent{Kind: types.IntentUnknown}, Options{})
	env.ws.tasks = []types.Task{
		{ID: "t-1", Title: "Estudiar cálculo", Status: types.StatusNotStarted},
	}

	res := env.p.Process(context.Background(), callbackMsg("tasks_pending"))

	require.Equal(t, StateSucceeded, res.State)
	assert.True(t, res.Handled)
	assert.Equal(t, types.StatusNotStarted, env.ws.gotFilter.Status)
	assert.Contains(t, res.Reply, "Estudiar cálculo")

	if diff := cmp.Diff(format.TaskActions(), res.Buttons); diff != "" {
		t.Fatalf("buttons mismatch (-want +got):\n%s", diff)
	}
}

func TestProcessCallbackProjectStatus(t *testing.T) {
	env := newEnv(t, types.Intent{Kind: types.IntentUnknown}, Options{})

	res := env.p.Process(context.Background(), callbackMsg("project_Casa"))

	require.Equal(t, StateSucceeded, res.State)
	require.Equal(t, []string{"Casa"}, env.ws.resolveNames)
	assert.Contains(t, res.Reply, "Casa")
	assert.Contains(t, res.Reply, "Tareas totales")
}

func TestProcessAdminRefreshInvalidatesCaches(t *testing.T) {
	env := newEnv(t, types.Intent{Kind: types.IntentUnknown}, Options{})
	msg := callbackMsg("admin_refresh")
	msg.UserID = "admin-1"

	res := env.p.Process(context.Background(), msg)

	require.Equal(t, StateSucceeded, res.State)
	assert.Equal(t, 1, env.ws.invalidated)
	assert.Contains(t, res.Reply, "Caché actualizada")

	if diff := cmp.Diff(format.AdminActions(), res.Buttons); diff != "" {
		t.Fatalf("buttons mismatch (-want +got):\n%s", diff)
	}
}

func TestProcessCallbackAdminGate(t *testing.T) {
	env := newEnv(t, types.Intent{Kind: types.IntentUnknown}, Options{})

	res := env.p.Process(context.Background(), callbackMsg("admin_refresh"))

	require.Equal(t, StateFailed, res.State)
	assert.Equal(t, errs.PermissionDenied, res.Failure)
	assert.Zero(t, env.ws.invalidated)
}

func TestProcessHistoryFeedsClassifier(t *testing.T) {
	it := types.Intent{Kind: types.IntentHelp, Confidence: 100, Source: types.SourceRule}
	env := newEnv(t, it, Options{})
	env.hist.exchanges = []history.Exchange{
		{UserLine: "hola", AssistantLine: "¡Hola! ¿En qué te ayudo?"},
		{UserLine: "crea una tarea", AssistantLine: "✅ Tarea creada"},
	}

	env.p.Process(context.Background(), userMsg("¿y ahora qué?"))

	want := []string{
		"Usuario: hola",
		"ELiaS: ¡Hola! ¿En qué te ayudo?",
		"Usuario: crea una tarea",
		"ELiaS: ✅ Tarea creada",
	}
	if diff := cmp.Diff(want, env.cl.gotHistory); diff != "" {
		t.Fatalf("history lines mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "¿y ahora qué?", env.cl.gotMessage)
}

func TestProcessSerializesSameUser(t *testing.T) {
	it := types.Intent{Kind: types.IntentQueryTasks, Confidence: 100, Source: types.SourceRule}
	env := newEnv(t, it, Options{})
	env.ws.listDelay = 5 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := env.p.Process(context.Background(), userMsg("mis tareas"))
			if res.State != StateSucceeded {
				t.Errorf("state = %s, want SUCCEEDED", res.State)
			}
		}()
	}
	wg.Wait()

	if max := atomic.LoadInt32(&env.ws.maxInFlight); max != 1 {
		t.Fatalf("observed %d concurrent workspace calls for one user, want 1", max)
	}
	assert.Equal(t, 4, env.ws.listCalls)
}

// A user's second message must not begin dispatch before the first
// finishes, even when its goroutine is scheduled first. Sequence
// reserves the lane slot at call time, so arrival order wins.
func TestSequencePreservesArrivalOrder(t *testing.T) {
	env := newEnv(t, createIntent(types.TaskDraft{Title: "Comprar pan", Priority: types.PriorityMedium}), Options{})

	first := userMsg("crear tarea: comprar pan")
	first.RequestID = "req-first"
	second := userMsg("crear tarea: comprar pan")
	second.RequestID = "req-second"

	runFirst := env.p.Sequence(first)
	runSecond := env.p.Sequence(second)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if _, err := runSecond(context.Background()); err != nil {
			t.Errorf("second dispatch: %v", err)
		}
	}()
	// Give the second dispatch a head start; it must still wait for
	// the first.
	time.Sleep(20 * time.Millisecond)
	go func() {
		defer wg.Done()
		if _, err := runFirst(context.Background()); err != nil {
			t.Errorf("first dispatch: %v", err)
		}
	}()
	wg.Wait()

	require.Len(t, env.ws.created, 2)
	assert.Equal(t, "req-first/0", env.ws.created[0].DedupKey)
	assert.Equal(t, "req-second/0", env.ws.created[1].DedupKey)
}

func TestDispatchWrapsResult(t *testing.T) {
	it := types.Intent{Kind: types.IntentHelp, Confidence: 100, Source: types.SourceRule}
	env := newEnv(t, it, Options{})

	out, err := env.p.Dispatch(context.Background(), userMsg("ayuda"))

	require.NoError(t, err)
	assert.NotEmpty(t, out.ID)
	assert.Equal(t, types.MessageRoleAssistant, out.Role)
	assert.Equal(t, "telegram", out.ChannelID)
	assert.Equal(t, "u42", out.UserID)
	assert.Equal(t, "chat-7", out.ChatID)
	assert.Equal(t, "req-1", out.RequestID)
	assert.Equal(t, format.Help(), out.Content)
	assert.False(t, out.Timestamp.IsZero())
	assert.Equal(t, string(StateSucceeded), out.Meta["dispatch_state"])
}

func TestDispatchFoldsFailuresIntoReply(t *testing.T) {
	env := newEnv(t, types.Intent{Kind: types.IntentUnknown}, Options{})

	out, err := env.p.Dispatch(context.Background(), userMsg("???"))

	require.NoError(t, err, "failures become reply text, never transport errors")
	assert.Equal(t, format.Unknown(), out.Content)
	assert.Equal(t, string(StateFailed), out.Meta["dispatch_state"])
	assert.Equal(t, string(errs.Classification), out.Meta["failure_kind"])
}
