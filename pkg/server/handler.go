package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mikeboe/deep-research/pkg/database"
	"github.com/mikeboe/deep-research/pkg/research"
	"github.com/mikeboe/deep-research/pkg/streaming"
	"github.com/mikeboe/deep-research/pkg/vectorstore"
)

const heartbeatInterval = 15 * time.Second

type Handler struct {
	Service *Service
	MCP     http.Handler
}

func NewHandler(s *Service) *Handler {
	return &Handler{Service: s, MCP: NewMCPHandler(s)}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if h.MCP != nil {
		r.Any("/mcp", gin.WrapH(h.MCP))
	}

	api := r.Group("/api")
	{
		api.POST("/research", h.createJob)
		api.POST("/research/run", h.runJob)
		api.GET("/research", h.listJobs)
		api.GET("/research/:id", h.getJob)
		api.DELETE("/research/:id", h.deleteJob)
		api.POST("/research/:id/cancel", h.cancelJob)
		api.GET("/research/:id/events", h.streamEvents)
		api.GET("/research/:id/logs", h.getJobLogs)

		api.GET("/findings/search", h.searchFindings)
	}
}

func (h *Handler) createJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := h.Service.CreateJob(c.Request.Context(), req)
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, job)
}

// runJob blocks until the run ends. The run is cancelled when the client
// disconnects.
func (h *Handler) runJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, res, err := h.Service.RunJob(c.Request.Context(), req)
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.Header("X-Research-Id", job.ID.String())
	c.JSON(http.StatusOK, res.Response())
}

func (h *Handler) listJobs(c *gin.Context) {
	jobs, err := h.Service.ListJobs(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	// Return empty list instead of null
	if jobs == nil {
		jobs = []database.Job{}
	}
	c.JSON(http.StatusOK, jobs)
}

func (h *Handler) getJob(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	job, err := h.Service.GetJob(c.Request.Context(), id)
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, job)
}

func (h *Handler) cancelJob(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if _, err := h.Service.GetJob(c.Request.Context(), id); err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	if !h.Service.CancelJob(id) {
		c.JSON(http.StatusConflict, gin.H{"error": "job is not running"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id, "status": "cancelling"})
}

func (h *Handler) deleteJob(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.Service.DeleteJob(c.Request.Context(), id); err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) getJobLogs(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	logs, err := h.Service.GetJobLogs(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if logs == nil {
		logs = []database.LogEntry{}
	}
	c.JSON(http.StatusOK, logs)
}

// streamEvents serves the run's events as SSE. Clients resume with
// Last-Event-ID or ?since=<seq>.
func (h *Handler) streamEvents(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if _, err := h.Service.GetJob(ctx, id); err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}

	since, err := lastEventID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
		return
	}

	runID := id.String()
	hub := h.Service.Hub
	// Subscribe before replaying so nothing published in between is lost.
	ch := hub.Subscribe(runID, 64)
	defer hub.Unsubscribe(runID, ch)

	backlog, err := h.Service.Replay(ctx, runID, since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	w := c.Writer
	for _, msg := range backlog {
		writeSSE(w, msg)
		since = msg.Seq
	}
	w.Flush()

	// The hub no longer holds this run, so the backlog was all there is.
	if !hub.Known(runID) {
		job, err := h.Service.GetJob(ctx, id)
		if err == nil && job.Status != database.JobPending && job.Status != database.JobRunning {
			return
		}
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			_, _ = io.WriteString(w, ": ping\n\n")
			w.Flush()
		case msg, open := <-ch:
			if !open {
				// Events dropped for a slow reader are still in history.
				for _, m := range hub.ReplaySince(runID, since) {
					writeSSE(w, m)
				}
				w.Flush()
				return
			}
			if msg.Seq <= since {
				continue
			}
			if msg.Seq > since+1 {
				for _, m := range hub.ReplaySince(runID, since) {
					writeSSE(w, m)
					since = m.Seq
				}
			} else {
				writeSSE(w, msg)
				since = msg.Seq
			}
			w.Flush()
		}
	}
}

func writeSSE(w io.Writer, msg streaming.Message) {
	_, _ = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", msg.Seq, msg.Event.Name(), msg.Event.Marshal())
}

func lastEventID(c *gin.Context) (uint64, error) {
	raw := c.GetHeader("Last-Event-ID")
	if raw == "" {
		raw = c.Query("since")
	}
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

func (h *Handler) searchFindings(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "q is required"})
		return
	}
	topK := 5
	if raw := c.Query("topK"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid topK"})
			return
		}
		topK = n
	}

	results, err := h.Service.SearchFindings(c.Request.Context(), query, topK, vectorstore.Filter{
		JobID:  c.Query("job"),
		Source: c.Query("source"),
	})
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	if results == nil {
		results = []vectorstore.SimilaritySearchResult{}
	}
	c.JSON(http.StatusOK, results)
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid uuid"})
		return uuid.Nil, false
	}
	return id, true
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, research.ErrEmptyTopic):
		return http.StatusBadRequest
	case errors.Is(err, database.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrJobRunning):
		return http.StatusConflict
	case errors.Is(err, ErrArchiveDisabled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
