package workspace

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"elias/app/pkg/errs"
	"elias/app/pkg/types"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(Config{
		Token:      "test-token",
		TasksDB:    "tasks-db",
		ProjectsDB: "projects-db",
		APIRoot:    server.URL,
	}, nil)
}

func TestStatusCodeClassification(t *testing.T) {
	cases := []struct {
		status int
		want   errs.Kind
	}{
		{http.StatusBadRequest, errs.Validation},
		{http.StatusUnauthorized, errs.Validation},
		{http.StatusForbidden, errs.Validation},
		{http.StatusNotFound, errs.NotFound},
		{http.StatusTooManyRequests, errs.Unavailable},
		{http.StatusInternalServerError, errs.Unavailable},
		{http.StatusBadGateway, errs.Unavailable},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("status_%d", tc.status), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				fmt.Fprint(w, `{"object":"error","message":"boom"}`)
			})
			_, err := c.GetTask(context.Background(), "page-id")
			if err == nil {
				t.Fatal("expected an error")
			}
			if got := errs.KindOf(err); got != tc.want {
				t.Fatalf("status %d classified as %q, want %q", tc.status, got, tc.want)
			}
		})
	}
}

func TestTransportErrorIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // refuse all connections

	c := NewClient(Config{Token: "t", TasksDB: "db", APIRoot: server.URL}, nil)
	_, err := c.GetTask(context.Background(), "page-id")
	if !errs.Is(err, errs.Unavailable) {
		t.Fatalf("transport failure classified as %q", errs.KindOf(err))
	}
}

func TestThrottleCarriesRetryAfter(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"message":"rate limited"}`)
	})
	_, err := c.GetTask(context.Background(), "page-id")
	if !errs.Is(err, errs.Unavailable) {
		t.Fatalf("throttle classified as %q", errs.KindOf(err))
	}
	if got := errs.WaitOf(err); got != 7*time.Second {
		t.Fatalf("wait hint = %v, want 7s", got)
	}
}

func TestRequestCarriesAuthAndVersionHeaders(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Fatalf("unexpected authorization header: %q", got)
		}
		if got := r.Header.Get("Notion-Version"); got == "" {
			t.Fatal("missing version header")
		}
		fmt.Fprint(w, `{"id":"page-1","properties":{}}`)
	})
	if _, err := c.GetTask(context.Background(), "page-1"); err != nil {
		t.Fatalf("get task: %v", err)
	}
}

func TestQueryFollowsCursors(t *testing.T) {
	var calls int
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		raw, _ := io.ReadAll(r.Body)
		body := string(raw)
		switch calls {
		case 1:
			if gjson.Get(body, "start_cursor").Exists() {
				t.Fatalf("first request must not carry a cursor: %s", body)
			}
			fmt.Fprint(w, `{"results":[{"id":"t1","properties":{"Nombre":{"title":[{"text":{"content":"Uno"}}]}}}],"has_more":true,"next_cursor":"c2"}`)
		case 2:
			if got := gjson.Get(body, "start_cursor").String(); got != "c2" {
				t.Fatalf("second request cursor = %q, want c2", got)
			}
			fmt.Fprint(w, `{"results":[{"id":"t2","properties":{"Nombre":{"title":[{"text":{"content":"Dos"}}]}}}],"has_more":false}`)
		default:
			t.Fatalf("unexpected extra call %d", calls)
		}
	})

	tasks, err := c.ListTasks(context.Background(), types.TaskFilter{})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks across pages, got %d", len(tasks))
	}
	if tasks[0].Title != "Uno" || tasks[1].Title != "Dos" {
		t.Fatalf("unexpected titles: %q, %q", tasks[0].Title, tasks[1].Title)
	}
}
