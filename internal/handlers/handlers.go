// Package handlers provides HTTP request handlers for the taskstream read API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oremus-labs/taskstream/internal/cache"
	"github.com/oremus-labs/taskstream/internal/events"
	"github.com/oremus-labs/taskstream/internal/openapi"
	"github.com/oremus-labs/taskstream/internal/store"
	"github.com/oremus-labs/taskstream/internal/wsclient"
)

// Options configures handler runtime behavior.
type Options struct {
	Version         string
	HistoryLimit    int
	ResyncTimeout   time.Duration
	StreamBuffer    int
	StreamKeepAlive time.Duration
	AuthEnabled     bool
	DataStore       string
	StreamURL       string
}

type session interface {
	State() wsclient.State
	Cache() *cache.Cache
	Send(v interface{}) error
	Resync(ctx context.Context) error
	Events(ctx context.Context, buffer int) (<-chan events.Envelope, func())
}

type historyStore interface {
	ListHistory(limit int) ([]store.HistoryEntry, error)
}

// Handler encapsulates dependencies for HTTP handlers.
type Handler struct {
	session session
	history historyStore
	opts    Options
	started time.Time
}

// New creates a new Handler instance. history may be nil.
func New(s session, history historyStore, opts Options) *Handler {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 100
	}
	if opts.ResyncTimeout <= 0 {
		opts.ResyncTimeout = 30 * time.Second
	}
	if opts.StreamBuffer <= 0 {
		opts.StreamBuffer = 64
	}
	if opts.StreamKeepAlive <= 0 {
		opts.StreamKeepAlive = 15 * time.Second
	}
	return &Handler{
		session: s,
		history: history,
		opts:    opts,
		started: time.Now(),
	}
}

type stateResponse struct {
	Phase             wsclient.Phase `json:"phase"`
	IsConnected       bool           `json:"isConnected"`
	IsReconnecting    bool           `json:"isReconnecting"`
	ReconnectAttempts int            `json:"reconnectAttempts"`
	LastError         string         `json:"lastError,omitempty"`
	CacheVersion      uint64         `json:"cacheVersion"`
	Tasks             int            `json:"tasks"`
}

// Health returns the health status of the service. The service is healthy
// while the stream is connected or recovering.
func (h *Handler) Health(c *gin.Context) {
	st := h.session.State()
	status := http.StatusOK
	body := gin.H{"status": "ok", "phase": st.Phase}
	if st.Phase == wsclient.PhaseDisconnected && st.LastError != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
		body["error"] = st.LastError.Error()
	}
	c.JSON(status, body)
}

// SystemInfo describes the running service.
func (h *Handler) SystemInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":     h.opts.Version,
		"uptime":      time.Since(h.started).Round(time.Second).String(),
		"streamUrl":   h.opts.StreamURL,
		"dataStore":   h.opts.DataStore,
		"authEnabled": h.opts.AuthEnabled,
	})
}

// OpenAPISpec serves the API description as JSON, or YAML with ?format=yaml.
func (h *Handler) OpenAPISpec(c *gin.Context) {
	if c.Query("format") == "yaml" {
		c.Data(http.StatusOK, "application/yaml", openapi.YAML())
		return
	}
	doc, err := openapi.JSON()
	if err != nil {
		log.Printf("Failed to render OpenAPI document: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to render OpenAPI document"})
		return
	}
	c.Data(http.StatusOK, "application/json", doc)
}

// GetState returns the connection state and cache counters.
func (h *Handler) GetState(c *gin.Context) {
	st := h.session.State()
	resp := stateResponse{
		Phase:             st.Phase,
		IsConnected:       st.IsConnected,
		IsReconnecting:    st.IsReconnecting,
		ReconnectAttempts: st.ReconnectAttempts,
		CacheVersion:      h.session.Cache().Version(),
		Tasks:             len(h.session.Cache().Tasks()),
	}
	if st.LastError != nil {
		resp.LastError = st.LastError.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// ListTasks returns cached tasks, newest first. ?status= filters by status.
func (h *Handler) ListTasks(c *gin.Context) {
	tasks := h.session.Cache().Tasks()
	if status := c.Query("status"); status != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if t.Status == status {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

// GetTask returns one cached task.
func (h *Handler) GetTask(c *gin.Context) {
	task, ok := h.session.Cache().GetTask(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, task)
}

// TaskLogs returns the cached log stream for a task. ?tail= limits the
// response to the last N entries.
func (h *Handler) TaskLogs(c *gin.Context) {
	logs := h.session.Cache().GetLogStream(c.Param("id"))
	if raw := c.Query("tail"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "tail must be a non-negative integer"})
			return
		}
		if n < len(logs) {
			logs = logs[len(logs)-n:]
		}
	}
	c.JSON(http.StatusOK, gin.H{"taskId": c.Param("id"), "logs": logs})
}

// TaskThread returns the cached message thread for a task.
func (h *Handler) TaskThread(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"taskId":   c.Param("id"),
		"messages": h.session.Cache().GetMessageThread(c.Param("id")),
	})
}

// Send forwards a JSON body to the event stream unchanged.
func (h *Handler) Send(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !json.Valid(body) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be valid JSON"})
		return
	}
	if err := h.session.Send(json.RawMessage(body)); err != nil {
		if errors.Is(err, wsclient.ErrNotConnected) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		log.Printf("Failed to send frame: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "sent"})
}

// Resync reloads the cache from the task API.
func (h *Handler) Resync(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.opts.ResyncTimeout)
	defer cancel()
	if err := h.session.Resync(ctx); err != nil {
		log.Printf("Resync failed: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resynced", "tasks": len(h.session.Cache().Tasks())})
}

// ListHistory returns recorded lifecycle entries, newest first.
func (h *Handler) ListHistory(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history store disabled"})
		return
	}
	limit := h.opts.HistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	entries, err := h.history.ListHistory(limit)
	if err != nil {
		log.Printf("Failed to list history: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": entries})
}

// StreamEvents relays dispatched envelopes as server-sent events until the
// client goes away.
func (h *Handler) StreamEvents(c *gin.Context) {
	ctx := c.Request.Context()
	ch, stop := h.session.Events(ctx, h.opts.StreamBuffer)
	defer stop()

	keepAlive := time.NewTicker(h.opts.StreamKeepAlive)
	defer keepAlive.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case env, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(env.Type, env)
			return true
		case <-keepAlive.C:
			c.SSEvent("keepalive", gin.H{"phase": h.session.State().Phase})
			return true
		}
	})
}
