// Package taskapi is the request/response client for the task service. The
// realtime session uses it to seed the cache and to resync after reconnects.
package taskapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/oremus-labs/taskstream/internal/cache"
)

const defaultPageSize = 100

// Client wraps API calls.
type Client struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	PageSize   int
	HTTPClient *http.Client
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s failed: %s", e.Method, e.Path, e.Status)
}

type envelope[T any] struct {
	Data    T      `json:"data"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type pageMeta struct {
	Page       int  `json:"page"`
	Limit      int  `json:"limit"`
	TotalCount int  `json:"totalCount"`
	HasNext    bool `json:"hasNext"`
}

type page[T any] struct {
	Data []T      `json:"data"`
	Meta pageMeta `json:"meta"`
}

type logLine struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

type threadMessage struct {
	ID      string    `json:"id"`
	Role    string    `json:"role"`
	Content string    `json:"content"`
	TS      time.Time `json:"ts"`
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

func (c *Client) newRequest(ctx context.Context, path string, query url.Values) (*http.Request, error) {
	base := strings.TrimRight(c.BaseURL, "/")
	target := base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, target interface{}) error {
	req, err := c.newRequest(ctx, path, query)
	if err != nil {
		return err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &StatusError{Method: req.Method, Path: req.URL.Path, Code: resp.StatusCode, Status: resp.Status}
	}
	return json.NewDecoder(resp.Body).Decode(target)
}

func (c *Client) pageSize() int {
	if c.PageSize > 0 {
		return c.PageSize
	}
	return defaultPageSize
}

// ListTasks returns every task, following pagination.
func (c *Client) ListTasks(ctx context.Context) ([]cache.Task, error) {
	var tasks []cache.Task
	for p := 1; ; p++ {
		query := url.Values{
			"page":          {strconv.Itoa(p)},
			"limit":         {strconv.Itoa(c.pageSize())},
			"sortBy":        {"updatedAt"},
			"sortDirection": {"desc"},
		}
		var resp page[cache.Task]
		if err := c.getJSON(ctx, "/api/tasks", query, &resp); err != nil {
			return nil, err
		}
		tasks = append(tasks, resp.Data...)
		if !resp.Meta.HasNext || len(resp.Data) == 0 {
			return tasks, nil
		}
	}
}

// GetTask returns one task.
func (c *Client) GetTask(ctx context.Context, id string) (cache.Task, error) {
	var resp envelope[cache.Task]
	if err := c.getJSON(ctx, "/api/tasks/"+url.PathEscape(id), nil, &resp); err != nil {
		return cache.Task{}, err
	}
	return resp.Data, nil
}

// TaskLogs returns the task's log lines in order.
func (c *Client) TaskLogs(ctx context.Context, id string) ([]cache.LogEntry, error) {
	query := url.Values{"page": {"1"}, "limit": {"1000"}}
	var resp page[logLine]
	if err := c.getJSON(ctx, "/api/tasks/"+url.PathEscape(id)+"/logs", query, &resp); err != nil {
		return nil, err
	}
	out := make([]cache.LogEntry, 0, len(resp.Data))
	for _, l := range resp.Data {
		out = append(out, cache.LogEntry{Line: l.Message, Level: l.Level, Timestamp: l.Timestamp})
	}
	return out, nil
}

// TaskThread returns the task's conversation thread.
func (c *Client) TaskThread(ctx context.Context, id string) ([]cache.Message, error) {
	query := url.Values{"page": {"1"}, "limit": {strconv.Itoa(c.pageSize())}}
	var resp page[threadMessage]
	if err := c.getJSON(ctx, "/api/tasks/"+url.PathEscape(id)+"/thread", query, &resp); err != nil {
		return nil, err
	}
	out := make([]cache.Message, 0, len(resp.Data))
	for _, m := range resp.Data {
		out = append(out, cache.Message{ID: m.ID, TaskID: id, Role: m.Role, Content: m.Content, Timestamp: m.TS})
	}
	return out, nil
}
