// Package observer drives one analyzer subprocess per active assistant
// session: it feeds pending tool activity in, parses the analyzer's replies,
// persists the results and fans out live updates.
package observer

import (
	"context"
	"sync"
	"time"

	"github.com/recallhq/recall/internal/store"
	"github.com/recallhq/recall/pkg/analyzer"
)

// ObservationEvents is the live-broadcast capability injected into the
// orchestrator.
type ObservationEvents interface {
	EmitObservation(ctx context.Context, obs *store.Observation)
	EmitSummary(ctx context.Context, summary *store.Summary)
	EmitProcessingStatus(ctx context.Context, isProcessing bool, queueDepth int)
}

// MetricsSink records performance samples.
type MetricsSink interface {
	RecordProcessing(duration time.Duration, observationCount int, discoveryTokens int64)
	SampleQueueDepth(depth int)
}

// TokenMetrics is the token-economics engine surface the orchestrator
// touches after persisting observations.
type TokenMetrics interface {
	InvalidateCache(project string)
	BroadcastTokenUpdate(ctx context.Context)
}

// VectorSync mirrors persisted records into the vector index. Calls are
// fire-and-forget.
type VectorSync interface {
	SyncObservation(obs *store.Observation)
	SyncSummary(summary *store.Summary)
}

// PendingMessages is the queue surface of the store used by the
// orchestrator.
type PendingMessages interface {
	IteratePending(ctx context.Context, sessionID int64) <-chan store.PendingMessage
	MarkProcessed(ctx context.Context, ids []int64) error
	CleanupProcessed(ctx context.Context, keepLast int) error
}

// AnalyzerSession is the subprocess handle the orchestrator drives.
// *analyzer.Session satisfies it; tests substitute an in-memory fake.
type AnalyzerSession interface {
	Send(frame analyzer.Frame) error
	Replies() <-chan analyzer.Reply
	AnalyzerSessionID() string
	CloseInput() error
	Terminate()
	Kill()
	Wait() error
}

// AnalyzerLauncher spawns one analyzer session. Must fail within the
// configured spawn timeout.
type AnalyzerLauncher func(ctx context.Context) (AnalyzerSession, error)

// WorkStatus exposes the manager's aggregate work counters for
// processing_status events.
type WorkStatus interface {
	IsAnyProcessing() bool
	TotalActiveWork() int
}

// State is the orchestrator's lifecycle position.
type State int32

const (
	StateInitializing State = iota
	StateRunning
	StateDraining
	StateCompleted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// ActiveSession is one registered session: the persistent row plus the
// in-memory work accounting shared between the manager and the orchestrator.
type ActiveSession struct {
	session *store.Session
	cancel  context.CancelFunc

	mu                   sync.Mutex
	pendingProcessingIDs []int64
	activeWork           int
	promptNumber         int
}

func newActiveSession(row *store.Session, cancel context.CancelFunc) *ActiveSession {
	n := row.LastPromptNumber
	if n < 1 {
		n = 1
	}
	return &ActiveSession{session: row, cancel: cancel, promptNumber: n}
}

// Session returns the persistent session row.
func (a *ActiveSession) Session() *store.Session {
	return a.session
}

// Cancel fires the session's cancellation handle.
func (a *ActiveSession) Cancel() {
	a.cancel()
}

// ActiveWork returns the number of enqueued-but-unprocessed messages.
func (a *ActiveSession) ActiveWork() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activeWork
}

// PromptNumber returns the current prompt counter.
func (a *ActiveSession) PromptNumber() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.promptNumber
}

func (a *ActiveSession) setPromptNumber(n int) {
	a.mu.Lock()
	if n > a.promptNumber {
		a.promptNumber = n
	}
	a.mu.Unlock()
}

func (a *ActiveSession) addWork() {
	a.mu.Lock()
	a.activeWork++
	a.mu.Unlock()
}

// trackForwarded records a message id that was sent to the analyzer and
// awaits the current reply's processing step.
func (a *ActiveSession) trackForwarded(id int64) {
	a.mu.Lock()
	a.pendingProcessingIDs = append(a.pendingProcessingIDs, id)
	a.mu.Unlock()
}

// takeProcessing snapshots and empties the forwarded-id set, decrementing
// the work counter by the number taken.
func (a *ActiveSession) takeProcessing() []int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := a.pendingProcessingIDs
	a.pendingProcessingIDs = nil
	a.activeWork -= len(ids)
	if a.activeWork < 0 {
		a.activeWork = 0
	}
	return ids
}
