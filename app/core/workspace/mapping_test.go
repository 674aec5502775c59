package workspace

import (
	"testing"
	"time"

	"elias/app/pkg/types"
)

func TestStatusMappingRoundTrip(t *testing.T) {
	cases := []struct {
		status types.TaskStatus
		wire   string
	}{
		{types.StatusNotStarted, "Sin empezar"},
		{types.StatusInProgress, "En curso"},
		{types.StatusDone, "Completado"},
	}
	for _, tc := range cases {
		if got := statusToWire(tc.status); got != tc.wire {
			t.Fatalf("statusToWire(%s) = %q, want %q", tc.status, got, tc.wire)
		}
		if got := statusFromWire(tc.wire); got != tc.status {
			t.Fatalf("statusFromWire(%q) = %s, want %s", tc.wire, got, tc.status)
		}
	}
}

func TestStatusFromWireLegacyLabels(t *testing.T) {
	cases := map[string]types.TaskStatus{
		"Pendiente":   types.StatusNotStarted,
		"No iniciada": types.StatusNotStarted,
		"En progreso": types.StatusInProgress,
		"Completada":  types.StatusDone,
		"EN CURSO":    types.StatusInProgress,
	}
	for wire, want := range cases {
		if got := statusFromWire(wire); got != want {
			t.Fatalf("statusFromWire(%q) = %s, want %s", wire, got, want)
		}
	}
}

func TestUnknownValuesMapToDefaults(t *testing.T) {
	if got := statusFromWire("Archivado"); got != types.StatusNotStarted {
		t.Fatalf("unknown status mapped to %s", got)
	}
	if got := statusFromWire(""); got != types.StatusNotStarted {
		t.Fatalf("empty status mapped to %s", got)
	}
	if got := priorityFromWire("Crítica"); got != types.PriorityMedium {
		t.Fatalf("unknown priority mapped to %s", got)
	}
	if got := statusToWire(types.TaskStatus("bogus")); got != "Sin empezar" {
		t.Fatalf("unknown canonical status mapped to %q", got)
	}
	if got := priorityToWire(types.TaskPriority("bogus")); got != "Media" {
		t.Fatalf("unknown canonical priority mapped to %q", got)
	}
}

func TestPriorityMappingRoundTrip(t *testing.T) {
	cases := []struct {
		priority types.TaskPriority
		wire     string
	}{
		{types.PriorityLow, "Baja"},
		{types.PriorityMedium, "Media"},
		{types.PriorityHigh, "Alta"},
		{types.PriorityUrgent, "Urgente"},
	}
	for _, tc := range cases {
		if got := priorityToWire(tc.priority); got != tc.wire {
			t.Fatalf("priorityToWire(%s) = %q, want %q", tc.priority, got, tc.wire)
		}
		if got := priorityFromWire(tc.wire); got != tc.priority {
			t.Fatalf("priorityFromWire(%q) = %s, want %s", tc.wire, got, tc.priority)
		}
	}
}

func TestParseWireTime(t *testing.T) {
	if got := parseWireTime("2024-03-01T09:30:00.000Z"); got.IsZero() {
		t.Fatal("RFC 3339 timestamp should parse")
	} else if got.UTC().Hour() != 9 || got.UTC().Minute() != 30 {
		t.Fatalf("unexpected parsed time: %v", got)
	}

	got := parseWireTime("2024-03-01")
	want := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("bare date parsed to %v, want %v", got, want)
	}

	if got := parseWireTime("next tuesday"); !got.IsZero() {
		t.Fatalf("garbage input should yield zero time, got %v", got)
	}
	if got := parseWireTime(""); !got.IsZero() {
		t.Fatalf("empty input should yield zero time, got %v", got)
	}
}
