// Package dispatch runs the message lifecycle: rate gate, command
// routing, intent classification, execution against the workspace, and
// reply assembly. Every dispatch walks
//
//	RECEIVED -> ROUTING -> EXECUTING -> {SUCCEEDED, DEGRADED, FAILED}
//
// and produces a Result recording the terminal state, the reply, and
// per-state timing. Failures become Spanish reply text; raw errors
// never reach a channel.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"elias/app/configs"
	"elias/app/core/history"
	"elias/app/core/orchestrator/command"
	"elias/app/core/orchestrator/format"
	"elias/app/core/workspace"
	"elias/app/pkg/errs"
	"elias/app/pkg/logger"
	"elias/app/pkg/types"
)

// State is one dispatch lifecycle phase.
type State string

const (
	StateReceived  State = "RECEIVED"
	StateRouting   State = "ROUTING"
	StateExecuting State = "EXECUTING"
	StateSucceeded State = "SUCCEEDED"
	StateDegraded  State = "DEGRADED"
	StateFailed    State = "FAILED"
)

// Result is the terminal record of one dispatch.
type Result struct {
	State   State
	Reply   string
	Buttons [][]types.Button
	Intent  types.Intent
	Handled bool      // resolved by the command router
	Failure errs.Kind // empty on success
	Step    string    // failing execution step, empty otherwise
	Timings map[State]time.Duration
}

// Classifier turns free text into an intent. Rules and fallbacks live
// behind it; the pipeline only sees the final classification.
type Classifier interface {
	Classify(ctx context.Context, message string, history []string) types.Intent
}

// Workspace is the task-service surface the pipeline executes against.
type Workspace interface {
	CreateTask(ctx context.Context, f workspace.TaskFields) (types.Task, error)
	ListTasks(ctx context.Context, filter types.TaskFilter) ([]types.Task, error)
	ListProjects(ctx context.Context) ([]types.Project, error)
	ResolveProject(ctx context.Context, name string) (types.Project, error)
	ProjectStats(ctx context.Context, projectID string) (types.ProjectStats, error)
	Summary(ctx context.Context) (workspace.Summary, error)
	InvalidateCaches()
}

// History is the rolling exchange memory fed to the classifier prompt.
type History interface {
	AppendExchange(ctx context.Context, userID, userLine, assistantLine string) error
	RecentExchanges(ctx context.Context, userID string) ([]history.Exchange, error)
}

// Options tune one pipeline. Zero values take the documented defaults.
type Options struct {
	Features        configs.FeatureConfig
	RateLimitMax    int           // dispatches per caller per window, default 5
	RateLimitWindow time.Duration // default 60s
	RetryBackoff    time.Duration // fixed wait between retries, default 400ms
	MaxRetries      int           // Unavailable retries per step, default 2
	LLMName         string        // shown on the admin panel
	IsAdmin         func(userID string) bool
}

type Pipeline struct {
	classifier Classifier
	router     *command.Executor
	ws         Workspace
	hist       History

	limiter      *Limiter
	lanes        *lanes
	features     configs.FeatureConfig
	llmName      string
	retryBackoff time.Duration
	maxRetries   int
	nowFn        func() time.Time
}

// New assembles a pipeline and registers the built-in command and
// quick-action handlers on the router.
func New(classifier Classifier, router *command.Executor, ws Workspace, hist History, opts Options) *Pipeline {
	backoff := opts.RetryBackoff
	if backoff <= 0 {
		backoff = 400 * time.Millisecond
	}
	retries := opts.MaxRetries
	if retries <= 0 {
		retries = 2
	}
	if router == nil {
		router = command.NewExecutor()
	}

	p := &Pipeline{
		classifier:   classifier,
		router:       router,
		ws:           ws,
		hist:         hist,
		limiter:      NewLimiter(opts.RateLimitMax, opts.RateLimitWindow),
		lanes:        newLanes(),
		features:     opts.Features,
		llmName:      opts.LLMName,
		retryBackoff: backoff,
		maxRetries:   retries,
		nowFn:        time.Now,
	}
	p.registerHandlers(opts.IsAdmin)
	return p
}

func (p *Pipeline) Name() string { return "dispatch" }

// Dispatch implements types.Dispatcher. Failures are folded into the
// reply text, so the returned error is always nil; channels just send.
// Meta carries the terminal state (and failure kind) for gateway
// counters.
func (p *Pipeline) Dispatch(ctx context.Context, msg types.Message) (types.Message, error) {
	return p.toReply(msg, p.Process(ctx, msg)), nil
}

// Sequence reserves msg's place in its sender's lane at call time and
// returns the dispatch to run later. A caller that handles each
// message on its own goroutine invokes Sequence synchronously on
// arrival so a user's second message can never overtake the first.
// The returned func must be called exactly once.
func (p *Pipeline) Sequence(msg types.Message) func(ctx context.Context) (types.Message, error) {
	t := p.lanes.enqueue(laneKey(msg))
	return func(ctx context.Context) (types.Message, error) {
		return p.toReply(msg, p.process(ctx, msg, t)), nil
	}
}

func (p *Pipeline) toReply(msg types.Message, res Result) types.Message {
	meta := map[string]interface{}{"dispatch_state": string(res.State)}
	if res.Failure != "" {
		meta["failure_kind"] = string(res.Failure)
	}
	return types.Message{
		ID:        uuid.NewString(),
		Content:   res.Reply,
		Role:      types.MessageRoleAssistant,
		ChannelID: msg.ChannelID,
		UserID:    msg.UserID,
		ChatID:    msg.ChatID,
		RequestID: msg.RequestID,
		Timestamp: p.nowFn(),
		Buttons:   res.Buttons,
		Meta:      meta,
	}
}

// Process runs one message through the state machine. Dispatches for
// the same caller are serialized by lane; different callers proceed
// independently.
func (p *Pipeline) Process(ctx context.Context, msg types.Message) Result {
	return p.process(ctx, msg, p.lanes.enqueue(laneKey(msg)))
}

func (p *Pipeline) process(ctx context.Context, msg types.Message, t *turn) Result {
	tr := newTrace(msg.RequestID, p.nowFn)
	res := Result{Intent: types.Intent{Kind: types.IntentUnknown}}

	key := laneKey(msg)
	t.wait()
	defer t.release()

	if p.features.RateLimit {
		if ok, wait := p.limiter.Allow(key); !ok {
			err := errs.New(errs.RateLimited, "límite de mensajes alcanzado").WithWait(wait)
			logger.Warn("[Dispatch] %s rate limited, next slot in %s", key, wait)
			res.State, res.Failure = StateFailed, errs.RateLimited
			res.Reply = format.Failure(err)
			res.Timings = tr.finish(StateFailed)
			return res
		}
	}

	tr.to(StateRouting)
	out, handled, err := p.router.Execute(ctx, msg)
	if handled {
		res.Handled = true
		if err != nil {
			logger.Error("[Dispatch] %s command failed: %v", msg.RequestID, err)
			res.State, res.Failure = StateFailed, errs.KindOf(err)
			res.Step = errs.StepOf(err)
			res.Reply = format.Failure(err)
		} else {
			res.State = StateSucceeded
			res.Reply = out
			res.Buttons = p.quickActionsFor(ctx, msg)
		}
		res.Timings = tr.finish(res.State)
		return res
	}

	it := p.classifier.Classify(ctx, msg.Content, p.historyLines(ctx, msg.UserID))
	res.Intent = it

	if it.Kind == types.IntentUnknown {
		res.State, res.Failure = StateFailed, errs.Classification
		res.Reply = format.Unknown()
		res.Timings = tr.finish(StateFailed)
		return res
	}

	tr.to(StateExecuting)
	reply, buttons, partial, err := p.execute(ctx, msg, it)
	if err != nil {
		logger.Error("[Dispatch] %s %s failed (step=%s): %v", msg.RequestID, it.Kind, errs.StepOf(err), err)
		res.State, res.Failure = StateFailed, errs.KindOf(err)
		res.Step = errs.StepOf(err)
		res.Reply = format.Failure(err)
		res.Timings = tr.finish(StateFailed)
		return res
	}

	res.Reply, res.Buttons = reply, buttons
	if partial || it.Source == types.SourceFallback {
		res.State = StateDegraded
	} else {
		res.State = StateSucceeded
	}
	p.remember(ctx, msg, reply)
	res.Timings = tr.finish(res.State)
	return res
}

// execute runs one classified intent. partial reports a create that
// landed some drafts but not all.
func (p *Pipeline) execute(ctx context.Context, msg types.Message, it types.Intent) (reply string, buttons [][]types.Button, partial bool, err error) {
	switch it.Kind {
	case types.IntentHelp:
		return format.Help(), format.MainMenu(), false, nil

	case types.IntentCreateTask:
		return p.executeCreate(ctx, msg, it)

	case types.IntentQueryTasks:
		tasks, err := p.listTasks(ctx, it.Filter)
		if err != nil {
			return "", nil, false, err
		}
		return format.TaskList(tasks, it.Filter), format.TaskActions(), false, nil

	case types.IntentQueryProjects:
		if strings.TrimSpace(it.Project) != "" {
			text, err := p.projectStatus(ctx, it.Project)
			return text, nil, false, err
		}
		projects, err := p.listProjects(ctx)
		if err != nil {
			return "", nil, false, err
		}
		text, projectButtons := format.Projects(projects)
		return text, projectButtons, false, nil

	default:
		return "", nil, false, errs.Newf(errs.Classification, "intención no ejecutable: %s", it.Kind)
	}
}

// executeCreate creates every draft in the intent. Each draft runs its
// own resolve-projects and create-task steps; one draft failing never
// orphans the rest, and the summary names both outcomes.
func (p *Pipeline) executeCreate(ctx context.Context, msg types.Message, it types.Intent) (string, [][]types.Button, bool, error) {
	if len(it.Tasks) == 0 {
		return "", nil, false, errs.New(errs.Validation, "no encontré ninguna tarea en tu mensaje")
	}

	var created []types.Task
	var failures []format.DraftFailure
	var firstErr error
	projectName := ""

	for i, draft := range it.Tasks {
		task, name, err := p.createOne(ctx, msg, i, draft)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			failures = append(failures, format.DraftFailure{Title: draft.Title, Reason: shortReason(err)})
			continue
		}
		created = append(created, task)
		if projectName == "" {
			projectName = name
		}
	}

	if len(created) == 0 {
		return "", nil, false, firstErr
	}
	if len(created) == 1 && len(failures) == 0 {
		return format.TaskCreated(created[0], projectName), format.TaskActions(), false, nil
	}
	return format.TasksCreated(created, failures), format.TaskActions(), len(failures) > 0, nil
}

func (p *Pipeline) createOne(ctx context.Context, msg types.Message, idx int, draft types.TaskDraft) (types.Task, string, error) {
	var projectIDs []string
	projectName := ""
	for _, name := range draft.Projects {
		var project types.Project
		err := p.withRetry(ctx, "resolve-projects", func() error {
			var e error
			project, e = p.ws.ResolveProject(ctx, name)
			return e
		})
		if err != nil {
			return types.Task{}, "", err
		}
		projectIDs = append(projectIDs, project.ID)
		if projectName == "" {
			projectName = project.Name
		}
	}

	fields := workspace.TaskFields{
		Title:       draft.Title,
		Description: draft.Description,
		Priority:    draft.Priority,
		DueDate:     draft.DueDate,
		ProjectIDs:  projectIDs,
		DedupKey:    dedupKey(msg, idx),
	}
	var task types.Task
	err := p.withRetry(ctx, "create-task", func() error {
		var e error
		task, e = p.ws.CreateTask(ctx, fields)
		return e
	})
	if err != nil {
		return types.Task{}, "", err
	}
	return task, projectName, nil
}

func (p *Pipeline) listTasks(ctx context.Context, filter types.TaskFilter) ([]types.Task, error) {
	var tasks []types.Task
	err := p.withRetry(ctx, "list-tasks", func() error {
		var e error
		tasks, e = p.ws.ListTasks(ctx, filter)
		return e
	})
	return tasks, err
}

func (p *Pipeline) listProjects(ctx context.Context) ([]types.Project, error) {
	var projects []types.Project
	err := p.withRetry(ctx, "list-projects", func() error {
		var e error
		projects, e = p.ws.ListProjects(ctx)
		return e
	})
	return projects, err
}

func (p *Pipeline) projectStatus(ctx context.Context, name string) (string, error) {
	var project types.Project
	err := p.withRetry(ctx, "resolve-projects", func() error {
		var e error
		project, e = p.ws.ResolveProject(ctx, name)
		return e
	})
	if err != nil {
		return "", err
	}
	var stats types.ProjectStats
	err = p.withRetry(ctx, "project-stats", func() error {
		var e error
		stats, e = p.ws.ProjectStats(ctx, project.ID)
		return e
	})
	if err != nil {
		return "", err
	}
	return format.ProjectStatus(stats), nil
}

// withRetry runs fn, retrying only Unavailable failures: at most
// maxRetries extra attempts with a fixed backoff that honors ctx
// cancellation. The step name lands on the returned error.
func (p *Pipeline) withRetry(ctx context.Context, step string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			logger.Debug("[Dispatch] retrying %s (%d/%d)", step, attempt, p.maxRetries)
			select {
			case <-ctx.Done():
				return errs.Wrap(errs.Unavailable, ctx.Err()).WithStep(step)
			case <-time.After(p.retryBackoff):
			}
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !errs.IsRetryable(lastErr) {
			break
		}
	}
	var e *errs.Error
	if errors.As(lastErr, &e) && e.Step == "" {
		e.Step = step
	}
	return lastErr
}

func (p *Pipeline) historyLines(ctx context.Context, userID string) []string {
	if p.hist == nil || strings.TrimSpace(userID) == "" {
		return nil
	}
	exchanges, err := p.hist.RecentExchanges(ctx, userID)
	if err != nil {
		logger.Warn("[Dispatch] reading history for %s failed: %v", userID, err)
		return nil
	}
	var lines []string
	for _, ex := range exchanges {
		lines = append(lines, "Usuario: "+ex.UserLine, "ELiaS: "+ex.AssistantLine)
	}
	return lines
}

// remember records a natural-language exchange. Commands and callbacks
// stay out of the window; their results are history-independent.
func (p *Pipeline) remember(ctx context.Context, msg types.Message, reply string) {
	if p.hist == nil || strings.TrimSpace(msg.UserID) == "" || msg.Callback {
		return
	}
	if err := p.hist.AppendExchange(ctx, msg.UserID, msg.Content, reply); err != nil {
		logger.Warn("[Dispatch] recording exchange for %s failed: %v", msg.UserID, err)
	}
}

// registerHandlers binds the built-in commands and quick-action
// callbacks. The router stays mechanism-only; reply policy lives here.
func (p *Pipeline) registerHandlers(isAdmin func(string) bool) {
	r := p.router
	if r == nil {
		return
	}

	r.SetHelpProvider(format.Help)
	if isAdmin != nil {
		r.SetAuthorizer(command.AdminOnly(isAdmin, "stats", "admin", "admin_stats", "admin_refresh"))
	}

	r.Register("start", func(_ context.Context, msg types.Message, _ []string) (string, error) {
		return format.Welcome(firstName(msg)), nil
	})
	r.Register("stats", p.statsHandler)
	r.Register("admin", func(_ context.Context, msg types.Message, _ []string) (string, error) {
		return format.AdminPanel(msg.UserID, p.llmName, p.ws != nil), nil
	})

	r.Register("main_menu", staticHandler(format.MenuPrompt))
	r.Register("help", staticHandler(format.Help))
	r.Register("new_task", staticHandler(format.NewTaskGuide))
	r.Register("view_tasks", p.taskListHandler(types.TaskFilter{}))
	r.Register("tasks_all", p.taskListHandler(types.TaskFilter{}))
	r.Register("tasks_pending", p.taskListHandler(types.TaskFilter{Status: types.StatusNotStarted}))
	r.Register("tasks_completed", p.taskListHandler(types.TaskFilter{Status: types.StatusDone}))
	r.Register("tasks_urgent", p.taskListHandler(types.TaskFilter{Priority: types.PriorityUrgent}))
	r.Register("view_projects", func(ctx context.Context, _ types.Message, _ []string) (string, error) {
		projects, err := p.listProjects(ctx)
		if err != nil {
			return "", err
		}
		text, _ := format.Projects(projects)
		return text, nil
	})
	r.Register("project_", func(ctx context.Context, _ types.Message, args []string) (string, error) {
		if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
			return "", errs.New(errs.Validation, "falta el nombre del proyecto")
		}
		return p.projectStatus(ctx, args[0])
	})
	r.Register("admin_stats", p.statsHandler)
	r.Register("admin_refresh", func(context.Context, types.Message, []string) (string, error) {
		p.ws.InvalidateCaches()
		return "🔄 Caché actualizada.", nil
	})
}

func (p *Pipeline) statsHandler(ctx context.Context, _ types.Message, _ []string) (string, error) {
	var sum workspace.Summary
	err := p.withRetry(ctx, "summary", func() error {
		var e error
		sum, e = p.ws.Summary(ctx)
		return e
	})
	if err != nil {
		return "", err
	}
	return format.Stats(sum), nil
}

func (p *Pipeline) taskListHandler(filter types.TaskFilter) command.Handler {
	return func(ctx context.Context, _ types.Message, _ []string) (string, error) {
		tasks, err := p.listTasks(ctx, filter)
		if err != nil {
			return "", err
		}
		return format.TaskList(tasks, filter), nil
	}
}

func staticHandler(text func() string) command.Handler {
	return func(context.Context, types.Message, []string) (string, error) {
		return text(), nil
	}
}

// quickActionsFor picks the keyboard attached to a router-handled
// reply. Project buttons re-read the (cached) project list.
func (p *Pipeline) quickActionsFor(ctx context.Context, msg types.Message) [][]types.Button {
	token := strings.ToLower(strings.TrimSpace(msg.Content))
	if !msg.Callback {
		token = strings.TrimPrefix(token, "/")
		if i := strings.IndexAny(token, " @"); i >= 0 {
			token = token[:i]
		}
	}

	switch token {
	case "start", "help", "ayuda", "main_menu", "new_task":
		return format.MainMenu()
	case "view_tasks", "tasks_all", "tasks_pending", "tasks_completed", "tasks_urgent", "stats":
		return format.TaskActions()
	case "admin", "admin_stats", "admin_refresh":
		return format.AdminActions()
	case "view_projects":
		projects, err := p.listProjects(ctx)
		if err != nil {
			return nil
		}
		return format.ProjectButtons(projects)
	}
	if msg.Callback && strings.HasPrefix(token, "project_") {
		return format.TaskActions()
	}
	return nil
}

func firstName(msg types.Message) string {
	if name, ok := msg.Meta["first_name"].(string); ok {
		return name
	}
	return ""
}

func dedupKey(msg types.Message, idx int) string {
	if strings.TrimSpace(msg.RequestID) == "" {
		return ""
	}
	return fmt.Sprintf("%s/%d", msg.RequestID, idx)
}

// shortReason is the one-line failure note attached to a draft in a
// multi-create summary.
func shortReason(err error) string {
	if msg := errs.MessageOf(err); msg != "" {
		return msg
	}
	switch errs.KindOf(err) {
	case errs.Unavailable:
		return "el servicio no respondió"
	case errs.NotFound:
		return "no se encontró el registro"
	default:
		return "no se pudo crear"
	}
}

func laneKey(msg types.Message) string {
	if id := strings.TrimSpace(msg.UserID); id != "" {
		return id
	}
	if id := strings.TrimSpace(msg.ChatID); id != "" {
		return msg.ChannelID + ":" + id
	}
	return msg.ChannelID + ":anonymous"
}

type trace struct {
	requestID string
	nowFn     func() time.Time
	state     State
	last      time.Time
	timings   map[State]time.Duration
}

func newTrace(requestID string, nowFn func() time.Time) *trace {
	return &trace{
		requestID: requestID,
		nowFn:     nowFn,
		state:     StateReceived,
		last:      nowFn(),
		timings:   make(map[State]time.Duration),
	}
}

func (t *trace) to(next State) {
	now := t.nowFn()
	t.timings[t.state] += now.Sub(t.last)
	logger.Debug("[Dispatch] %s: %s -> %s", t.requestID, t.state, next)
	t.state, t.last = next, now
}

func (t *trace) finish(terminal State) map[State]time.Duration {
	t.to(terminal)
	return t.timings
}
