package api

import (
	"encoding/json"

	"github.com/gin-gonic/gin"

	"github.com/recallhq/recall/internal/events"
	"github.com/recallhq/recall/internal/live"
	"github.com/recallhq/recall/internal/store"
)

const snapshotLimit = 50

// composeSnapshot builds the initial_load frame a new subscriber receives
// before any live event.
func (s *Server) composeSnapshot(c *gin.Context) ([]byte, error) {
	ctx := c.Request.Context()
	q := store.RangeQuery{Project: c.Query("project"), Limit: snapshotLimit}

	observations, err := s.store.ListObservations(ctx, q)
	if err != nil {
		return nil, err
	}
	summaries, err := s.store.ListSummaries(ctx, q)
	if err != nil {
		return nil, err
	}
	prompts, err := s.store.ListPrompts(ctx, q)
	if err != nil {
		return nil, err
	}

	return json.Marshal(live.InitialLoadEvent{
		Type:         events.InitialLoad,
		Observations: observations,
		Summaries:    summaries,
		Prompts:      prompts,
	})
}
