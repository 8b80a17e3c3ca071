package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/recallhq/recall/internal/common/errors"
	"github.com/recallhq/recall/internal/metrics"
	"github.com/recallhq/recall/internal/store"
)

// inboundEvent is the shape posted by the hosting tool harness. Unknown
// fields are ignored.
type inboundEvent struct {
	SessionID            string          `json:"sessionId"`
	Project              string          `json:"project"`
	UserPrompt           string          `json:"userPrompt"`
	Kind                 string          `json:"kind"`
	ToolName             string          `json:"toolName"`
	ToolInput            json.RawMessage `json:"toolInput"`
	ToolResponse         json.RawMessage `json:"toolResponse"`
	CWD                  string          `json:"cwd"`
	LastUserMessage      string          `json:"lastUserMessage"`
	LastAssistantMessage string          `json:"lastAssistantMessage"`
}

func (s *Server) respondError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusInternalServerError, apperrors.InternalError("request failed", err))
}

func (s *Server) handleHealth(c *gin.Context) {
	status := "ok"
	if err := s.store.Ping(c.Request.Context()); err != nil {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         status,
		"busConnected":   s.bus.IsConnected(),
		"activeSessions": s.manager.ActiveCount(),
	})
}

func (s *Server) handleInboundEvent(c *gin.Context) {
	var event inboundEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		s.respondError(c, apperrors.BadRequest("invalid event payload"))
		return
	}
	if event.SessionID == "" {
		s.respondError(c, apperrors.ValidationError("sessionId", "is required"))
		return
	}
	if event.Project == "" {
		s.respondError(c, apperrors.ValidationError("project", "is required"))
		return
	}
	if event.Kind != store.KindObservation && event.Kind != store.KindSummarize {
		s.respondError(c, apperrors.ValidationError("kind", "must be observation or summarize"))
		return
	}

	ctx := c.Request.Context()
	wasActive := s.manager.IsActive(event.SessionID)

	active, err := s.manager.InitializeSession(ctx, event.SessionID, event.Project, event.UserPrompt)
	if err != nil {
		s.respondError(c, err)
		return
	}

	if event.UserPrompt != "" {
		var prompt *store.UserPrompt
		if !wasActive && active.Session().LastPromptNumber <= 1 {
			// First prompt of a fresh session is already on the row.
			prompt, err = s.store.InsertPrompt(ctx, event.SessionID, event.Project, 1, event.UserPrompt)
		} else {
			prompt, err = s.manager.AdvancePrompt(ctx, event.SessionID, event.UserPrompt)
		}
		if err != nil {
			s.respondError(c, err)
			return
		}
		s.broadcaster.EmitPrompt(ctx, prompt)
	}

	if err := s.manager.Enqueue(ctx, event.SessionID, store.PendingMessage{
		Kind:                 event.Kind,
		ToolName:             event.ToolName,
		ToolInput:            []byte(event.ToolInput),
		ToolResponse:         []byte(event.ToolResponse),
		CWD:                  event.CWD,
		LastUserMessage:      event.LastUserMessage,
		LastAssistantMessage: event.LastAssistantMessage,
	}); err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"sessionId": event.SessionID,
		"queued":    true,
	})
}

func (s *Server) rangeQuery(c *gin.Context) store.RangeQuery {
	q := store.RangeQuery{Project: c.Query("project")}
	if v, err := strconv.ParseInt(c.Query("beforeId"), 10, 64); err == nil {
		q.BeforeID = v
	}
	if v, err := strconv.Atoi(c.Query("limit")); err == nil {
		q.Limit = v
	}
	return q
}

func (s *Server) handleListObservations(c *gin.Context) {
	rows, err := s.store.ListObservations(c.Request.Context(), s.rangeQuery(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"observations": rows})
}

func (s *Server) handleListSummaries(c *gin.Context) {
	rows, err := s.store.ListSummaries(c.Request.Context(), s.rangeQuery(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"summaries": rows})
}

func (s *Server) handleListPrompts(c *gin.Context) {
	rows, err := s.store.ListPrompts(c.Request.Context(), s.rangeQuery(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"prompts": rows})
}

func (s *Server) handleActiveSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"sessions":     s.manager.ActiveSessions(),
		"isProcessing": s.manager.IsAnyProcessing(),
		"activeWork":   s.manager.TotalActiveWork(),
	})
}

func (s *Server) handleTokenSummary(c *gin.Context) {
	c.JSON(http.StatusOK, s.metrics.Summary(c.Request.Context(), c.Query("project"), c.Query("since")))
}

func (s *Server) handleTokensByProject(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	c.JSON(http.StatusOK, s.metrics.ByProject(c.Request.Context(), limit, c.Query("since")))
}

func (s *Server) handleTokensByType(c *gin.Context) {
	c.JSON(http.StatusOK, s.metrics.ByType(c.Request.Context(), c.Query("project"), c.Query("since")))
}

func (s *Server) handleTokenTimeSeries(c *gin.Context) {
	c.JSON(http.StatusOK, s.metrics.TimeSeries(c.Request.Context(),
		c.Query("project"), c.Query("since"), c.Query("granularity")))
}

func (s *Server) handleTokenCompression(c *gin.Context) {
	c.JSON(http.StatusOK, s.metrics.Compression(c.Request.Context(), c.Query("project"), c.Query("since")))
}

func (s *Server) handleTokenProjection(c *gin.Context) {
	c.JSON(http.StatusOK, s.metrics.Projection(c.Request.Context(), c.Query("project")))
}

func (s *Server) handlePerformanceQueue(c *gin.Context) {
	sinceMs, _ := metrics.ParseSince(c.Query("since"), time.Now())
	c.JSON(http.StatusOK, s.perf.GetQueueHistory(sinceMs))
}

func (s *Server) handlePerformanceTimes(c *gin.Context) {
	sinceMs, _ := metrics.ParseSince(c.Query("since"), time.Now())
	limit, _ := strconv.Atoi(c.Query("limit"))
	c.JSON(http.StatusOK, s.perf.GetProcessingTimes(sinceMs, limit))
}

func (s *Server) handleLiveStream(c *gin.Context) {
	snapshot, err := s.composeSnapshot(c)
	if err != nil {
		s.respondError(c, err)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	s.hub.ServeConn(conn, snapshot)
}
