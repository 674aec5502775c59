package types

import (
	"context"
	"time"
)

// Message roles.
const (
	MessageRoleUser      = "user"
	MessageRoleAssistant = "assistant"
	MessageRoleSystem    = "system"
)

// Message represents one inbound chat event or one outbound reply.
type Message struct {
	ID        string
	Content   string
	Role      string // "user", "assistant", "system"
	ChannelID string // source channel identifier (e.g. "telegram", "cli")
	UserID    string
	ChatID    string // platform conversation identifier, when distinct from UserID
	RequestID string
	Callback  bool // Content is an inline-button token rather than typed text
	Timestamp time.Time
	Buttons   [][]Button // outbound quick actions, row-major
	Meta      map[string]interface{}
}

// Button is one inline quick action attached to an outbound message.
// Token is what comes back as a callback Message when pressed.
type Button struct {
	Label string
	Token string
}

// Channel represents an input/output surface (Telegram, CLI).
type Channel interface {
	Start(ctx context.Context, handler func(Message)) error
	Send(ctx context.Context, msg Message) error
	ID() string
}

// Dispatcher turns one inbound message into one outbound reply.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg Message) (Message, error)
	Name() string
}

// Gateway fans inbound messages from channels into the dispatcher.
type Gateway interface {
	RegisterChannel(c Channel)
	Start(ctx context.Context) error
}

// TaskStatus is the closed set of workflow states for a task.
type TaskStatus string

const (
	StatusNotStarted TaskStatus = "not-started"
	StatusInProgress TaskStatus = "in-progress"
	StatusDone       TaskStatus = "done"
)

// Valid reports whether s is one of the enumerated statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusNotStarted, StatusInProgress, StatusDone:
		return true
	}
	return false
}

// TaskPriority is the closed set of task priorities.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

// Valid reports whether p is one of the enumerated priorities.
func (p TaskPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Task is a task record as the workspace service returns it.
// Zero time fields mean the value is absent.
type Task struct {
	ID          string
	Title       string
	Description string
	Status      TaskStatus
	Priority    TaskPriority
	CreatedAt   time.Time
	DueDate     time.Time
	CompletedAt time.Time
	ProjectIDs  []string
	URL         string
}

// Project is a project record. Aggregate statistics are derived on
// demand via ProjectStats, never stored on the record.
type Project struct {
	ID          string
	Name        string
	Description string
}

// ProjectStats are task counts for one project, recomputed per call.
type ProjectStats struct {
	ProjectID   string
	ProjectName string
	Total       int
	ByStatus    map[TaskStatus]int
	PercentDone float64
}

// IntentKind classifies the purpose of one inbound message.
type IntentKind string

const (
	IntentCreateTask    IntentKind = "create-task"
	IntentQueryTasks    IntentKind = "query-tasks"
	IntentQueryProjects IntentKind = "query-projects"
	IntentHelp          IntentKind = "help"
	IntentUnknown       IntentKind = "unknown"
)

// IntentSource identifies which classifier stage produced a result.
type IntentSource string

const (
	SourceRule     IntentSource = "rule"
	SourceModel    IntentSource = "model"
	SourceFallback IntentSource = "fallback"
)

// TaskDraft is the slot bundle for one task to be created.
type TaskDraft struct {
	Title       string
	Description string
	Priority    TaskPriority
	DueDate     time.Time // zero when no parseable date phrase was present
	Projects    []string  // raw project names, resolved by the adapter
}

// TaskFilter narrows a task query. Zero-valued fields are unset.
type TaskFilter struct {
	Status    TaskStatus
	Priority  TaskPriority
	Project   string // project name or identifier
	Substring string // case-insensitive match on title/description
}

// Empty reports whether no predicate is set.
func (f TaskFilter) Empty() bool {
	return f.Status == "" && f.Priority == "" && f.Project == "" && f.Substring == ""
}

// Intent is the transient classification of one inbound message.
// It is created per message and discarded after dispatch.
type Intent struct {
	Kind       IntentKind
	Tasks      []TaskDraft // create-task drafts, possibly several per message
	Filter     TaskFilter  // query-tasks constraint
	Project    string      // query-projects target, empty for all
	Confidence int         // 0-100
	Fallback   bool        // primary (model) path failed and was bypassed
	Source     IntentSource
}
