package workspace

import (
	"strings"
	"time"

	"elias/app/pkg/types"
)

// The workspace databases store Spanish display values. Canonical enum
// values never reach the wire and Spanish values never leave this package.

var statusToWireNames = map[types.TaskStatus]string{
	types.StatusNotStarted: "Sin empezar",
	types.StatusInProgress: "En curso",
	types.StatusDone:       "Completado",
}

var statusFromWireNames = map[string]types.TaskStatus{
	"sin empezar": types.StatusNotStarted,
	"en curso":    types.StatusInProgress,
	"completado":  types.StatusDone,
	// Older databases carried these labels before the schema settled.
	"pendiente":   types.StatusNotStarted,
	"no iniciada": types.StatusNotStarted,
	"en progreso": types.StatusInProgress,
	"completada":  types.StatusDone,
}

var priorityToWireNames = map[types.TaskPriority]string{
	types.PriorityLow:    "Baja",
	types.PriorityMedium: "Media",
	types.PriorityHigh:   "Alta",
	types.PriorityUrgent: "Urgente",
}

var priorityFromWireNames = map[string]types.TaskPriority{
	"baja":    types.PriorityLow,
	"media":   types.PriorityMedium,
	"alta":    types.PriorityHigh,
	"urgente": types.PriorityUrgent,
}

func statusToWire(s types.TaskStatus) string {
	if name, ok := statusToWireNames[s]; ok {
		return name
	}
	return statusToWireNames[types.StatusNotStarted]
}

func statusFromWire(name string) types.TaskStatus {
	if s, ok := statusFromWireNames[strings.ToLower(strings.TrimSpace(name))]; ok {
		return s
	}
	return types.StatusNotStarted
}

func priorityToWire(p types.TaskPriority) string {
	if name, ok := priorityToWireNames[p]; ok {
		return name
	}
	return priorityToWireNames[types.PriorityMedium]
}

func priorityFromWire(name string) types.TaskPriority {
	if p, ok := priorityFromWireNames[strings.ToLower(strings.TrimSpace(name))]; ok {
		return p
	}
	return types.PriorityMedium
}

// parseWireTime reads the timestamp formats the workspace emits: full
// RFC 3339 ("2024-03-01T09:00:00.000Z") and bare dates ("2024-03-01").
// Anything else yields the zero time.
func parseWireTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t
	}
	return time.Time{}
}

func wireDate(t time.Time) string {
	return t.Format("2006-01-02")
}
