// Package command routes explicit slash commands and inline-button
// callbacks. It runs before intent classification: a registered token
// resolves to its handler, an unknown token falls through so prefix
// collisions degrade into natural-language handling instead of an
// error. Every attempt, allow, and deny decision lands in a dated
// JSONL audit trail.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"elias/app/pkg/errs"
	"elias/app/pkg/logger"
	"elias/app/pkg/types"
)

// Handler executes one command. args carries the whitespace-split
// words after the token, or the parameter of a parameterized callback.
type Handler func(context.Context, types.Message, []string) (string, error)

// Authorizer approves or rejects a command before its handler runs.
type Authorizer func(userID string, parts []string) error

// HelpProvider overrides the generated /help output.
type HelpProvider func() string

type Executor struct {
	mu           sync.RWMutex
	handlers     map[string]Handler
	helpProvider HelpProvider
	authorizer   Authorizer
}

func NewExecutor() *Executor {
	return &Executor{handlers: map[string]Handler{}}
}

// Register binds a token to a handler. A token ending in "_" is a
// callback prefix: "project_" matches the callback "project_Casa" and
// hands "Casa" to the handler as its single argument.
func (e *Executor) Register(name string, handler Handler) {
	if e == nil || handler == nil {
		return
	}
	token := strings.ToLower(strings.TrimSpace(name))
	if token == "" {
		return
	}
	e.mu.Lock()
	e.handlers[token] = handler
	e.mu.Unlock()
}

func (e *Executor) SetHelpProvider(provider HelpProvider) {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.helpProvider = provider
	e.mu.Unlock()
}

func (e *Executor) SetAuthorizer(authorizer Authorizer) {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.authorizer = authorizer
	e.mu.Unlock()
}

// AdminOnly builds an Authorizer that gates the named tokens behind
// the admin check. Non-admin callers get PermissionDenied and the
// handler never runs.
func AdminOnly(isAdmin func(userID string) bool, tokens ...string) Authorizer {
	gated := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		gated[strings.ToLower(strings.TrimSpace(t))] = true
	}
	return func(userID string, parts []string) error {
		if len(parts) == 0 || !gated[strings.ToLower(parts[0])] {
			return nil
		}
		if isAdmin != nil && isAdmin(userID) {
			return nil
		}
		return errs.New(errs.PermissionDenied, "no tienes permisos para usar ese comando")
	}
}

// Execute resolves msg against the registry. handled=false means the
// message is not a command the router knows; the caller should run the
// classifier instead.
func (e *Executor) Execute(ctx context.Context, msg types.Message) (string, bool, error) {
	if msg.Callback {
		return e.executeCallback(ctx, msg)
	}

	content := strings.TrimSpace(msg.Content)
	if !strings.HasPrefix(content, "/") {
		return "", false, nil
	}
	cmd := strings.TrimSpace(strings.TrimPrefix(content, "/"))
	if cmd == "" {
		return "", false, nil
	}
	parts := strings.Fields(cmd)
	token := strings.ToLower(parts[0])
	// "/cmd@botname" forms arrive from group chats.
	if at := strings.Index(token, "@"); at >= 0 {
		token = token[:at]
	}
	parts[0] = token

	auditCommand(msg.UserID, msg.ChannelID, msg.RequestID, cmd, "attempt", "")

	if token == "help" || token == "ayuda" {
		out := e.helpText()
		auditCommand(msg.UserID, msg.ChannelID, msg.RequestID, cmd, "allow", "")
		return out, true, nil
	}

	handler := e.handlerFor(token)
	if handler == nil {
		// Unknown token: let the classifier take the message.
		return "", false, nil
	}

	if err := e.authorize(msg.UserID, parts); err != nil {
		auditCommand(msg.UserID, msg.ChannelID, msg.RequestID, cmd, "deny", err.Error())
		return "", true, err
	}

	out, err := handler(ctx, msg, parts[1:])
	if err != nil {
		auditCommand(msg.UserID, msg.ChannelID, msg.RequestID, cmd, "deny", err.Error())
		return out, true, err
	}
	auditCommand(msg.UserID, msg.ChannelID, msg.RequestID, cmd, "allow", "")
	return out, true, nil
}

func (e *Executor) executeCallback(ctx context.Context, msg types.Message) (string, bool, error) {
	token := strings.TrimSpace(msg.Content)
	if token == "" {
		return "", false, nil
	}

	auditCommand(msg.UserID, msg.ChannelID, msg.RequestID, token, "attempt", "")

	handler, args := e.callbackHandlerFor(token)
	if handler == nil {
		return "", false, nil
	}

	authParts := append([]string{strings.ToLower(token)}, args...)
	if err := e.authorize(msg.UserID, authParts); err != nil {
		auditCommand(msg.UserID, msg.ChannelID, msg.RequestID, token, "deny", err.Error())
		return "", true, err
	}

	out, err := handler(ctx, msg, args)
	if err != nil {
		auditCommand(msg.UserID, msg.ChannelID, msg.RequestID, token, "deny", err.Error())
		return out, true, err
	}
	auditCommand(msg.UserID, msg.ChannelID, msg.RequestID, token, "allow", "")
	return out, true, nil
}

func (e *Executor) handlerFor(name string) Handler {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.handlers[strings.ToLower(strings.TrimSpace(name))]
}

// callbackHandlerFor matches a callback token: exact entry first, then
// registered prefixes (keys ending in "_"), longest first.
func (e *Executor) callbackHandlerFor(token string) (Handler, []string) {
	lower := strings.ToLower(token)

	e.mu.RLock()
	defer e.mu.RUnlock()

	if h, ok := e.handlers[lower]; ok {
		return h, nil
	}

	prefixes := make([]string, 0, len(e.handlers))
	for key := range e.handlers {
		if strings.HasSuffix(key, "_") && strings.HasPrefix(lower, key) {
			prefixes = append(prefixes, key)
		}
	}
	if len(prefixes) == 0 {
		return nil, nil
	}
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })
	key := prefixes[0]
	// The parameter keeps the caller's casing; project names are
	// matched case-insensitively downstream.
	return e.handlers[key], []string{strings.TrimSpace(token[len(key):])}
}

func (e *Executor) authorize(userID string, parts []string) error {
	e.mu.RLock()
	authorizer := e.authorizer
	e.mu.RUnlock()
	if authorizer == nil {
		return nil
	}
	return authorizer(userID, parts)
}

func (e *Executor) helpText() string {
	e.mu.RLock()
	provider := e.helpProvider
	commands := make([]string, 0, len(e.handlers))
	for name := range e.handlers {
		if !strings.HasSuffix(name, "_") && !strings.Contains(name, "_") {
			commands = append(commands, name)
		}
	}
	e.mu.RUnlock()

	if provider != nil {
		return strings.TrimSpace(provider())
	}
	sort.Strings(commands)
	var b strings.Builder
	b.WriteString("Comandos:\n")
	b.WriteString("  /help\n")
	for _, name := range commands {
		b.WriteString("  /")
		b.WriteString(name)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

type commandAuditEntry struct {
	Timestamp string `json:"timestamp"`
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
	RequestID string `json:"request_id"`
	Command   string `json:"command"`
	Decision  string `json:"decision"`
	Reason    string `json:"reason,omitempty"`
}

var (
	commandAuditMu       sync.Mutex
	commandAuditBasePath = filepath.Join("output", "audit")
)

func auditCommand(userID, channelID, requestID, command, decision, reason string) {
	line := formatAuditCommandLine(userID, channelID, requestID, command, decision, reason)
	logger.Info("%s", line)
	if err := appendCommandAuditEntry(time.Now(), userID, channelID, requestID, command, decision, reason); err != nil {
		logger.Warn("[AUDIT] failed to append command audit entry: %v", err)
	}
}

func formatAuditCommandLine(userID, channelID, requestID, command, decision, reason string) string {
	user := normalizeAuditUserID(userID)
	channel := normalizeAuditChannelID(channelID)
	request := normalizeAuditRequestID(requestID)
	line := fmt.Sprintf("[AUDIT] user=%s channel=%s request=%s decision=%s command=%q", user, channel, request, decision, command)
	if strings.TrimSpace(reason) != "" {
		line += fmt.Sprintf(" reason=%q", reason)
	}
	return line
}

func appendCommandAuditEntry(ts time.Time, userID, channelID, requestID, command, decision, reason string) error {
	record := commandAuditEntry{
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
		UserID:    normalizeAuditUserID(userID),
		ChannelID: normalizeAuditChannelID(channelID),
		RequestID: normalizeAuditRequestID(requestID),
		Command:   strings.TrimSpace(command),
		Decision:  strings.TrimSpace(decision),
		Reason:    strings.TrimSpace(reason),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}

	dayDir := filepath.Join(commandAuditBasePath, ts.Format("2006-01-02"))
	if err := os.MkdirAll(dayDir, 0755); err != nil {
		return err
	}
	logPath := filepath.Join(dayDir, "command_permission.jsonl")

	commandAuditMu.Lock()
	defer commandAuditMu.Unlock()

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(append(payload, '\n'))
	return err
}

func normalizeAuditUserID(userID string) string {
	user := strings.TrimSpace(userID)
	if user == "" {
		return "anonymous"
	}
	return user
}

func normalizeAuditChannelID(channelID string) string {
	channel := strings.TrimSpace(channelID)
	if channel == "" {
		return "unknown"
	}
	return channel
}

func normalizeAuditRequestID(requestID string) string {
	request := strings.TrimSpace(requestID)
	if request == "" {
		return "n/a"
	}
	return request
}
