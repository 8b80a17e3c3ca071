package observer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recallhq/recall/internal/common/logger"
	"github.com/recallhq/recall/internal/db"
	"github.com/recallhq/recall/internal/store"
	"github.com/recallhq/recall/pkg/analyzer"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

// fakeAnalyzer is an in-memory AnalyzerSession scripted by the test.
type fakeAnalyzer struct {
	mu         sync.Mutex
	frames     []analyzer.Frame
	terminated bool
	killed     bool
	waitErr    error

	replies   chan analyzer.Reply
	frameCh   chan analyzer.Frame
	closeOnce sync.Once
}

func newFakeAnalyzer() *fakeAnalyzer {
	return &fakeAnalyzer{
		replies: make(chan analyzer.Reply, 64),
		frameCh: make(chan analyzer.Frame, 64),
	}
}

func (f *fakeAnalyzer) Send(frame analyzer.Frame) error {
	f.mu.Lock()
	f.frames = append(f.frames, frame)
	f.mu.Unlock()
	f.frameCh <- frame
	return nil
}

func (f *fakeAnalyzer) Replies() <-chan analyzer.Reply { return f.replies }
func (f *fakeAnalyzer) AnalyzerSessionID() string      { return "an-test" }

func (f *fakeAnalyzer) CloseInput() error {
	f.closeReplies()
	return nil
}

func (f *fakeAnalyzer) Terminate() {
	f.mu.Lock()
	f.terminated = true
	f.mu.Unlock()
	f.closeReplies()
}

func (f *fakeAnalyzer) Kill() {
	f.mu.Lock()
	f.killed = true
	f.mu.Unlock()
	f.closeReplies()
}

func (f *fakeAnalyzer) Wait() error { return f.waitErr }

func (f *fakeAnalyzer) reply(text string, usage *analyzer.Usage) {
	f.replies <- analyzer.Reply{Text: text, Usage: usage}
}

func (f *fakeAnalyzer) closeReplies() {
	f.closeOnce.Do(func() { close(f.replies) })
}

func (f *fakeAnalyzer) waitFrame(t *testing.T) analyzer.Frame {
	t.Helper()
	select {
	case frame := <-f.frameCh:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for analyzer frame")
		return analyzer.Frame{}
	}
}

type statusEvent struct {
	isProcessing bool
	queueDepth   int
}

type recordingEvents struct {
	mu           sync.Mutex
	observations []store.Observation
	summaries    []store.Summary
	statuses     []statusEvent
}

func (r *recordingEvents) EmitObservation(_ context.Context, obs *store.Observation) {
	r.mu.Lock()
	r.observations = append(r.observations, *obs)
	r.mu.Unlock()
}

func (r *recordingEvents) EmitSummary(_ context.Context, summary *store.Summary) {
	r.mu.Lock()
	r.summaries = append(r.summaries, *summary)
	r.mu.Unlock()
}

func (r *recordingEvents) EmitProcessingStatus(_ context.Context, isProcessing bool, queueDepth int) {
	r.mu.Lock()
	r.statuses = append(r.statuses, statusEvent{isProcessing, queueDepth})
	r.mu.Unlock()
}

func (r *recordingEvents) observationTitles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	titles := make([]string, len(r.observations))
	for i, obs := range r.observations {
		titles[i] = obs.Title
	}
	return titles
}

type recordingTokens struct {
	mu          sync.Mutex
	invalidated []string
	broadcasts  int
}

func (r *recordingTokens) InvalidateCache(project string) {
	r.mu.Lock()
	r.invalidated = append(r.invalidated, project)
	r.mu.Unlock()
}

func (r *recordingTokens) BroadcastTokenUpdate(context.Context) {
	r.mu.Lock()
	r.broadcasts++
	r.mu.Unlock()
}

type perfSample struct {
	observationCount int
	discoveryTokens  int64
}

type recordingPerf struct {
	mu      sync.Mutex
	samples []perfSample
	depths  []int
}

func (r *recordingPerf) RecordProcessing(_ time.Duration, observationCount int, discoveryTokens int64) {
	r.mu.Lock()
	r.samples = append(r.samples, perfSample{observationCount, discoveryTokens})
	r.mu.Unlock()
}

func (r *recordingPerf) SampleQueueDepth(depth int) {
	r.mu.Lock()
	r.depths = append(r.depths, depth)
	r.mu.Unlock()
}

type recordingVector struct {
	mu           sync.Mutex
	observations []int64
	summaries    []int64
}

func (r *recordingVector) SyncObservation(obs *store.Observation) {
	r.mu.Lock()
	r.observations = append(r.observations, obs.ID)
	r.mu.Unlock()
}

func (r *recordingVector) SyncSummary(summary *store.Summary) {
	r.mu.Lock()
	r.summaries = append(r.summaries, summary.ID)
	r.mu.Unlock()
}

type fixture struct {
	store   *store.Store
	manager *Manager
	events  *recordingEvents
	tokens  *recordingTokens
	perf    *recordingPerf
	vector  *recordingVector
}

func setup(t *testing.T, launcher AnalyzerLauncher) *fixture {
	t.Helper()

	pool, err := db.Open(filepath.Join(t.TempDir(), "observer.db"))
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	st, err := store.New(context.Background(), pool, newTestLogger(t))
	require.NoError(t, err)

	f := &fixture{
		store:  st,
		events: &recordingEvents{},
		tokens: &recordingTokens{},
		perf:   &recordingPerf{},
		vector: &recordingVector{},
	}
	f.manager = NewManager(context.Background(), ManagerDeps{
		Store:         st,
		Events:        f.events,
		Perf:          f.perf,
		Tokens:        f.tokens,
		Vector:        f.vector,
		Launcher:      launcher,
		KeepProcessed: 100,
		Logger:        newTestLogger(t),
	})
	t.Cleanup(func() { f.manager.Shutdown(2 * time.Second) })
	return f
}

func singleLauncher(fake *fakeAnalyzer) AnalyzerLauncher {
	return func(context.Context) (AnalyzerSession, error) { return fake, nil }
}

func observationReply(titles ...string) string {
	var b strings.Builder
	for _, title := range titles {
		fmt.Fprintf(&b, `<observation>{"type":"discovery","title":%q,"facts":["f1"]}</observation>`, title)
	}
	return b.String()
}

func usage(input, cacheCreation, output, cacheRead int64) *analyzer.Usage {
	return &analyzer.Usage{
		InputTokens:              input,
		CacheCreationInputTokens: cacheCreation,
		OutputTokens:             output,
		CacheReadInputTokens:     cacheRead,
	}
}

func TestSessionLifecycle(t *testing.T) {
	fake := newFakeAnalyzer()
	f := setup(t, singleLauncher(fake))
	ctx := context.Background()

	active, err := f.manager.InitializeSession(ctx, "sess-1", "recall", "find the bug")
	require.NoError(t, err)

	opening := fake.waitFrame(t)
	assert.Equal(t, analyzer.FrameInit, opening.Kind)
	assert.Equal(t, "recall", opening.Project)
	assert.Equal(t, "find the bug", opening.UserPrompt)

	// Re-initialization returns the same registry entry.
	again, err := f.manager.InitializeSession(ctx, "sess-1", "recall", "")
	require.NoError(t, err)
	assert.Same(t, active, again)
	assert.Equal(t, 1, f.manager.ActiveCount())

	require.NoError(t, f.manager.Enqueue(ctx, "sess-1", store.PendingMessage{
		Kind:         store.KindObservation,
		ToolName:     "Bash",
		ToolInput:    []byte(`{"command":"ls"}`),
		ToolResponse: []byte(`{"stdout":"ok"}`),
		CWD:          "/tmp",
	}))

	frame := fake.waitFrame(t)
	assert.Equal(t, analyzer.FrameObservation, frame.Kind)
	assert.Equal(t, "Bash", frame.ToolName)

	// Reply with two observations; cache reads must not count as discovery.
	fake.reply(observationReply("first", "second"), usage(30, 10, 10, 500))

	require.Eventually(t, func() bool {
		f.events.mu.Lock()
		defer f.events.mu.Unlock()
		return len(f.events.observations) == 2
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"first", "second"}, f.events.observationTitles())

	rows, err := f.store.ListObservations(ctx, store.RangeQuery{Project: "recall"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	// Full delta attributed to every record of the reply.
	assert.Equal(t, int64(50), rows[0].DiscoveryTokens)
	assert.Equal(t, int64(50), rows[1].DiscoveryTokens)

	// The pending message was marked processed after persistence.
	require.Eventually(t, func() bool {
		count, err := f.store.CountPending(ctx, active.Session().ID)
		return err == nil && count == 0
	}, 2*time.Second, 10*time.Millisecond)

	f.tokens.mu.Lock()
	assert.Equal(t, 2, f.tokens.broadcasts)
	assert.Equal(t, []string{"recall", "recall"}, f.tokens.invalidated)
	f.tokens.mu.Unlock()

	f.perf.mu.Lock()
	require.Len(t, f.perf.samples, 1)
	assert.Equal(t, perfSample{observationCount: 2, discoveryTokens: 50}, f.perf.samples[0])
	f.perf.mu.Unlock()

	f.vector.mu.Lock()
	assert.Len(t, f.vector.observations, 2)
	f.vector.mu.Unlock()

	// Clean end of the reply stream completes the session.
	fake.closeReplies()
	require.Eventually(t, func() bool {
		return f.manager.ActiveCount() == 0
	}, 2*time.Second, 10*time.Millisecond)

	row, err := f.store.GetSessionByAssistantID(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, store.SessionCompleted, row.Status)
	assert.Equal(t, "an-test", row.AnalyzerSessionID)
	assert.Equal(t, int64(40), row.InputTokens)
	assert.Equal(t, int64(10), row.OutputTokens)
}

func TestContinuationFrameAfterResume(t *testing.T) {
	fake := newFakeAnalyzer()
	f := setup(t, singleLauncher(fake))
	ctx := context.Background()

	row, err := f.store.CreateSession(ctx, "sess-2", "recall", "original prompt")
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateSessionPromptNumber(ctx, row.ID, 3))

	_, err = f.manager.InitializeSession(ctx, "sess-2", "recall", "")
	require.NoError(t, err)

	opening := fake.waitFrame(t)
	assert.Equal(t, analyzer.FrameContinuation, opening.Kind)
	assert.Equal(t, 3, opening.PromptNumber)
}

func TestSummaryReply(t *testing.T) {
	fake := newFakeAnalyzer()
	f := setup(t, singleLauncher(fake))
	ctx := context.Background()

	_, err := f.manager.InitializeSession(ctx, "sess-3", "recall", "wrap up")
	require.NoError(t, err)
	fake.waitFrame(t)

	require.NoError(t, f.manager.Enqueue(ctx, "sess-3", store.PendingMessage{
		Kind:                 store.KindSummarize,
		LastUserMessage:      "done?",
		LastAssistantMessage: "yes",
	}))
	frame := fake.waitFrame(t)
	assert.Equal(t, analyzer.FrameSummarize, frame.Kind)
	assert.Equal(t, "done?", frame.LastUserMessage)

	fake.reply(`<summary>{"request":"wrap up","completed":"all of it"}</summary>`, usage(5, 0, 5, 0))

	require.Eventually(t, func() bool {
		f.events.mu.Lock()
		defer f.events.mu.Unlock()
		return len(f.events.summaries) == 1
	}, 2*time.Second, 10*time.Millisecond)

	summaries, err := f.store.ListSummaries(ctx, store.RangeQuery{Project: "recall"})
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "all of it", summaries[0].Completed)

	f.vector.mu.Lock()
	assert.Len(t, f.vector.summaries, 1)
	f.vector.mu.Unlock()
}

func TestEmptyReplyStillAdvancesQueue(t *testing.T) {
	fake := newFakeAnalyzer()
	f := setup(t, singleLauncher(fake))
	ctx := context.Background()

	active, err := f.manager.InitializeSession(ctx, "sess-4", "recall", "p")
	require.NoError(t, err)
	fake.waitFrame(t)

	require.NoError(t, f.manager.Enqueue(ctx, "sess-4", store.PendingMessage{
		Kind:     store.KindObservation,
		ToolName: "Read",
	}))
	fake.waitFrame(t)

	// No envelope in the reply: nothing persisted, queue still advances.
	fake.reply("just chatting", usage(1, 0, 1, 0))

	require.Eventually(t, func() bool {
		f.events.mu.Lock()
		defer f.events.mu.Unlock()
		n := len(f.events.statuses)
		return n > 0 && !f.events.statuses[n-1].isProcessing
	}, 2*time.Second, 10*time.Millisecond)

	count, err := f.store.CountPending(ctx, active.Session().ID)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	rows, err := f.store.ListObservations(ctx, store.RangeQuery{})
	require.NoError(t, err)
	assert.Empty(t, rows)

	f.perf.mu.Lock()
	assert.Empty(t, f.perf.samples)
	f.perf.mu.Unlock()
}

func TestCancellationPreservesPersistedWork(t *testing.T) {
	fake := newFakeAnalyzer()
	f := setup(t, singleLauncher(fake))
	ctx := context.Background()

	active, err := f.manager.InitializeSession(ctx, "sess-5", "recall", "p")
	require.NoError(t, err)
	fake.waitFrame(t)

	require.NoError(t, f.manager.Enqueue(ctx, "sess-5", store.PendingMessage{
		Kind: store.KindObservation, ToolName: "Bash",
	}))
	fake.waitFrame(t)
	fake.reply(observationReply("kept"), usage(10, 0, 10, 0))

	require.Eventually(t, func() bool {
		f.events.mu.Lock()
		defer f.events.mu.Unlock()
		return len(f.events.observations) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Second message never gets a reply; cancel while it is in flight.
	require.NoError(t, f.manager.Enqueue(ctx, "sess-5", store.PendingMessage{
		Kind: store.KindObservation, ToolName: "Grep",
	}))
	fake.waitFrame(t)

	f.manager.Delete("sess-5")
	require.Eventually(t, func() bool {
		return f.manager.ActiveCount() == 0
	}, 2*time.Second, 10*time.Millisecond)

	// Persisted observation survives; the unanswered message stays pending
	// for redelivery.
	rows, err := f.store.ListObservations(ctx, store.RangeQuery{Project: "recall"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "kept", rows[0].Title)

	count, err := f.store.CountPending(ctx, active.Session().ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// The session row is not completed by cancellation.
	row, err := f.store.GetSessionByAssistantID(ctx, "sess-5")
	require.NoError(t, err)
	assert.Equal(t, store.SessionActive, row.Status)
}

func TestAnalyzerFailureAllowsResurrection(t *testing.T) {
	crashed := newFakeAnalyzer()
	crashed.waitErr = errors.New("exit status 1")
	replacement := newFakeAnalyzer()

	var mu sync.Mutex
	fakes := []*fakeAnalyzer{crashed, replacement}
	launcher := func(context.Context) (AnalyzerSession, error) {
		mu.Lock()
		defer mu.Unlock()
		next := fakes[0]
		if len(fakes) > 1 {
			fakes = fakes[1:]
		}
		return next, nil
	}

	f := setup(t, launcher)
	ctx := context.Background()

	_, err := f.manager.InitializeSession(ctx, "sess-6", "recall", "p")
	require.NoError(t, err)
	crashed.waitFrame(t)

	row, err := f.store.GetSessionByAssistantID(ctx, "sess-6")
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateSessionPromptNumber(ctx, row.ID, 2))

	// Simulate subprocess death: stream closes, Wait reports failure.
	crashed.closeReplies()
	require.Eventually(t, func() bool {
		return f.manager.ActiveCount() == 0
	}, 2*time.Second, 10*time.Millisecond)

	// Session row stays un-completed and the next event resurrects it with
	// the prior prompt number.
	row, err = f.store.GetSessionByAssistantID(ctx, "sess-6")
	require.NoError(t, err)
	assert.Equal(t, store.SessionActive, row.Status)

	_, err = f.manager.InitializeSession(ctx, "sess-6", "recall", "")
	require.NoError(t, err)
	opening := replacement.waitFrame(t)
	assert.Equal(t, analyzer.FrameContinuation, opening.Kind)
	assert.Equal(t, 2, opening.PromptNumber)
}

func TestEnqueueUnknownSession(t *testing.T) {
	f := setup(t, singleLauncher(newFakeAnalyzer()))
	err := f.manager.Enqueue(context.Background(), "nope", store.PendingMessage{Kind: store.KindObservation})
	assert.Error(t, err)
}

func TestWorkAccounting(t *testing.T) {
	fake := newFakeAnalyzer()
	f := setup(t, singleLauncher(fake))
	ctx := context.Background()

	_, err := f.manager.InitializeSession(ctx, "sess-7", "recall", "p")
	require.NoError(t, err)
	fake.waitFrame(t)

	assert.False(t, f.manager.IsAnyProcessing())
	require.NoError(t, f.manager.Enqueue(ctx, "sess-7", store.PendingMessage{
		Kind: store.KindObservation, ToolName: "Bash",
	}))
	assert.True(t, f.manager.IsAnyProcessing())
	assert.Equal(t, 1, f.manager.TotalActiveWork())

	fake.waitFrame(t)
	fake.reply(observationReply("done"), usage(1, 0, 1, 0))

	require.Eventually(t, func() bool {
		return !f.manager.IsAnyProcessing()
	}, 2*time.Second, 10*time.Millisecond)
}
