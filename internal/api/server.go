// Package api exposes the loopback HTTP and WebSocket surface: inbound
// events from the tool harness, paginated reads for the viewer, token and
// performance reports, and the live event stream.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/recallhq/recall/internal/common/httpmw"
	"github.com/recallhq/recall/internal/common/logger"
	"github.com/recallhq/recall/internal/events/bus"
	"github.com/recallhq/recall/internal/live"
	"github.com/recallhq/recall/internal/metrics"
	"github.com/recallhq/recall/internal/observer"
	"github.com/recallhq/recall/internal/perf"
	"github.com/recallhq/recall/internal/store"
)

// Server is the HTTP API server.
type Server struct {
	store       *store.Store
	manager     *observer.Manager
	metrics     *metrics.Service
	perf        *perf.Tracker
	hub         *live.Hub
	broadcaster *live.Broadcaster
	bus         bus.EventBus
	logger      *logger.Logger
	router      *gin.Engine

	upgrader websocket.Upgrader
}

// Deps bundles the server's collaborators.
type Deps struct {
	Store       *store.Store
	Manager     *observer.Manager
	Metrics     *metrics.Service
	Perf        *perf.Tracker
	Hub         *live.Hub
	Broadcaster *live.Broadcaster
	Bus         bus.EventBus
	Logger      *logger.Logger
}

// NewServer creates the API server and registers its routes.
func NewServer(deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		store:       deps.Store,
		manager:     deps.Manager,
		metrics:     deps.Metrics,
		perf:        deps.Perf,
		hub:         deps.Hub,
		broadcaster: deps.Broadcaster,
		bus:         deps.Bus,
		logger:      deps.Logger.WithFields(zap.String("component", "api-server")),
		router:      gin.New(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // loopback-only server
			},
		},
	}

	s.router.Use(gin.Recovery())
	s.router.Use(httpmw.RequestLogger(s.logger, "recall"))
	s.router.Use(httpmw.OtelTracing("recall"))

	s.setupRoutes()
	return s
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/ws", s.handleLiveStream)

	api := s.router.Group("/api")
	{
		api.GET("/health", s.handleHealth)
		api.POST("/events", s.handleInboundEvent)

		api.GET("/observations", s.handleListObservations)
		api.GET("/summaries", s.handleListSummaries)
		api.GET("/prompts", s.handleListPrompts)
		api.GET("/sessions/active", s.handleActiveSessions)

		tokens := api.Group("/tokens")
		{
			tokens.GET("/summary", s.handleTokenSummary)
			tokens.GET("/by-project", s.handleTokensByProject)
			tokens.GET("/by-type", s.handleTokensByType)
			tokens.GET("/time-series", s.handleTokenTimeSeries)
			tokens.GET("/compression", s.handleTokenCompression)
			tokens.GET("/projection", s.handleTokenProjection)
		}

		performance := api.Group("/performance")
		{
			performance.GET("/queue", s.handlePerformanceQueue)
			performance.GET("/times", s.handlePerformanceTimes)
		}
	}
}
