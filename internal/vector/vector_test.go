package vector

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recallhq/recall/internal/common/logger"
	"github.com/recallhq/recall/internal/store"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func TestHTTPIndexSyncObservation(t *testing.T) {
	received := make(chan store.Observation, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/observations", r.URL.Path)
		var obs store.Observation
		require.NoError(t, json.NewDecoder(r.Body).Decode(&obs))
		received <- obs
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	index := NewHTTPIndex(server.URL, 2*time.Second)
	err := index.SyncObservation(context.Background(), &store.Observation{ID: 42, Project: "recall"})
	require.NoError(t, err)

	obs := <-received
	assert.Equal(t, int64(42), obs.ID)
	assert.Equal(t, "recall", obs.Project)
}

func TestHTTPIndexErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	index := NewHTTPIndex(server.URL, 2*time.Second)
	err := index.SyncObservation(context.Background(), &store.Observation{ID: 1})
	assert.Error(t, err)
	assert.Error(t, index.Ping(context.Background()))
}

func TestHTTPIndexPing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	index := NewHTTPIndex(server.URL, 2*time.Second)
	assert.NoError(t, index.Ping(context.Background()))
}

// recordingIndex captures synced documents for assertions.
type recordingIndex struct {
	mu           sync.Mutex
	observations []int64
	summaries    []int64
	err          error
	block        chan struct{}
}

func (r *recordingIndex) SyncObservation(ctx context.Context, obs *store.Observation) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	r.observations = append(r.observations, obs.ID)
	r.mu.Unlock()
	return r.err
}

func (r *recordingIndex) SyncSummary(ctx context.Context, summary *store.Summary) error {
	r.mu.Lock()
	r.summaries = append(r.summaries, summary.ID)
	r.mu.Unlock()
	return r.err
}

func (r *recordingIndex) Ping(context.Context) error { return r.err }

func TestSyncerDrainsQueue(t *testing.T) {
	index := &recordingIndex{}
	syncer := NewSyncer(index, 16, 2, newTestLogger(t))

	for i := int64(1); i <= 5; i++ {
		syncer.SyncObservation(&store.Observation{ID: i})
	}
	syncer.SyncSummary(&store.Summary{ID: 9})
	syncer.Close()

	index.mu.Lock()
	defer index.mu.Unlock()
	assert.Len(t, index.observations, 5)
	assert.Equal(t, []int64{9}, index.summaries)
}

func TestSyncerFailuresAreSwallowed(t *testing.T) {
	index := &recordingIndex{err: errors.New("index down")}
	syncer := NewSyncer(index, 16, 1, newTestLogger(t))

	syncer.SyncObservation(&store.Observation{ID: 1})
	syncer.Close()

	index.mu.Lock()
	defer index.mu.Unlock()
	assert.Len(t, index.observations, 1)
}

func TestSyncerDropsOnOverflow(t *testing.T) {
	block := make(chan struct{})
	index := &recordingIndex{block: block}
	syncer := NewSyncer(index, 1, 1, newTestLogger(t))

	// First job occupies the worker, second fills the queue, the rest drop.
	for i := int64(1); i <= 10; i++ {
		syncer.SyncObservation(&store.Observation{ID: i})
	}
	close(block)
	syncer.Close()

	index.mu.Lock()
	defer index.mu.Unlock()
	assert.LessOrEqual(t, len(index.observations), 3)
	assert.NotEmpty(t, index.observations)
}

func TestSyncerEnqueueAfterCloseIsNoop(t *testing.T) {
	index := &recordingIndex{}
	syncer := NewSyncer(index, 4, 1, newTestLogger(t))
	syncer.Close()

	syncer.SyncObservation(&store.Observation{ID: 1})

	index.mu.Lock()
	defer index.mu.Unlock()
	assert.Empty(t, index.observations)
}
