// Package workspace is the adapter between dispatch operations and the
// external task-management service. It owns value mapping, request
// shaping, error classification, and short-lived read caches; it never
// owns task or project records.
package workspace

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"elias/app/pkg/errs"
	"elias/app/pkg/types"
)

const (
	defaultAPIRoot = "https://api.notion.com"
	apiVersion     = "2022-06-28"
)

// DedupLedger records client-supplied deduplication keys for task
// creation. Lookup returns the task ID recorded for a key, when any.
type DedupLedger interface {
	Lookup(ctx context.Context, key string) (taskID string, ok bool, err error)
	Record(ctx context.Context, key, taskID string) error
}

type Config struct {
	Token           string
	TasksDB         string
	ProjectsDB      string
	APIRoot         string
	Timeout         time.Duration
	ProjectCacheTTL time.Duration
	TaskCacheTTL    time.Duration
}

// Client talks to the workspace HTTP API. All methods classify failures
// with errs kinds; callers never see raw status codes.
type Client struct {
	cfg    Config
	httpc  *http.Client
	ledger DedupLedger

	mu         sync.Mutex
	projectsAt time.Time
	projects   []types.Project
	tasksAt    map[string]time.Time
	tasks      map[string][]types.Task
}

func NewClient(cfg Config, ledger DedupLedger) *Client {
	if strings.TrimSpace(cfg.APIRoot) == "" {
		cfg.APIRoot = defaultAPIRoot
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ProjectCacheTTL <= 0 {
		cfg.ProjectCacheTTL = 300 * time.Second
	}
	if cfg.TaskCacheTTL <= 0 {
		cfg.TaskCacheTTL = 60 * time.Second
	}
	return &Client{
		cfg:     cfg,
		httpc:   &http.Client{Timeout: cfg.Timeout},
		ledger:  ledger,
		tasksAt: make(map[string]time.Time),
		tasks:   make(map[string][]types.Task),
	}
}

// do issues one API call and returns the parsed response body. Status
// codes map onto the shared failure taxonomy:
//
//	400         -> Validation (the request body was rejected)
//	401, 403    -> Validation (credential or share misconfiguration)
//	404         -> NotFound
//	429         -> Unavailable, with the advertised wait
//	5xx, transport errors, timeouts -> Unavailable
func (c *Client) do(ctx context.Context, method, path string, body []byte) (gjson.Result, error) {
	url := strings.TrimRight(c.cfg.APIRoot, "/") + path

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return gjson.Result{}, errs.Wrap(errs.Unavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Notion-Version", apiVersion)
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return gjson.Result{}, errs.Wrap(errs.Unavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, errs.Wrap(errs.Unavailable, err)
	}

	if resp.StatusCode >= 300 {
		return gjson.Result{}, classifyStatus(resp, respBody)
	}
	return gjson.ParseBytes(respBody), nil
}

func classifyStatus(resp *http.Response, body []byte) error {
	msg := strings.TrimSpace(gjson.GetBytes(body, "message").String())
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		return errs.Newf(errs.Validation, "workspace rejected the request: %s", msg)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errs.Newf(errs.Validation, "workspace credentials rejected (status=%d): %s", resp.StatusCode, msg)
	case resp.StatusCode == http.StatusNotFound:
		return errs.Newf(errs.NotFound, "workspace record not found: %s", msg)
	case resp.StatusCode == http.StatusTooManyRequests:
		e := errs.Newf(errs.Unavailable, "workspace is throttling requests: %s", msg)
		if wait := retryAfter(resp); wait > 0 {
			e = e.WithWait(wait)
		}
		return e
	default:
		return errs.Newf(errs.Unavailable, "workspace error status=%d: %s", resp.StatusCode, msg)
	}
}

func retryAfter(resp *http.Response) time.Duration {
	raw := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return 0
}

// queryAll pages through a database query, following cursors until the
// service reports no more results. pageCap bounds runaway cursors.
func (c *Client) queryAll(ctx context.Context, databaseID, body string) ([]gjson.Result, error) {
	const pageCap = 10
	path := fmt.Sprintf("/v1/databases/%s/query", databaseID)

	var pages []gjson.Result
	cursor := ""
	for i := 0; i < pageCap; i++ {
		reqBody := body
		if cursor != "" {
			reqBody = setJSON(reqBody, "start_cursor", cursor)
		}
		res, err := c.do(ctx, http.MethodPost, path, []byte(reqBody))
		if err != nil {
			return nil, err
		}
		res.Get("results").ForEach(func(_, page gjson.Result) bool {
			pages = append(pages, page)
			return true
		})
		if !res.Get("has_more").Bool() {
			break
		}
		cursor = res.Get("next_cursor").String()
		if cursor == "" {
			break
		}
	}
	return pages, nil
}

// InvalidateCaches drops the task and project read caches so the next
// reads hit the service. The admin refresh action calls this.
func (c *Client) InvalidateCaches() {
	c.mu.Lock()
	c.tasksAt = make(map[string]time.Time)
	c.tasks = make(map[string][]types.Task)
	c.projectsAt = time.Time{}
	c.projects = nil
	c.mu.Unlock()
}

func (c *Client) invalidateTaskCache() {
	c.mu.Lock()
	c.tasksAt = make(map[string]time.Time)
	c.tasks = make(map[string][]types.Task)
	c.mu.Unlock()
}

func (c *Client) cachedTasks(key string) ([]types.Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.tasksAt[key]
	if !ok || time.Since(at) > c.cfg.TaskCacheTTL {
		return nil, false
	}
	return c.tasks[key], true
}

func (c *Client) storeTasks(key string, tasks []types.Task) {
	c.mu.Lock()
	c.tasksAt[key] = time.Now()
	c.tasks[key] = tasks
	c.mu.Unlock()
}

func (c *Client) cachedProjects() ([]types.Project, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.projectsAt.IsZero() || time.Since(c.projectsAt) > c.cfg.ProjectCacheTTL {
		return nil, false
	}
	return c.projects, true
}

func (c *Client) storeProjects(projects []types.Project) {
	c.mu.Lock()
	c.projectsAt = time.Now()
	c.projects = projects
	c.mu.Unlock()
}
