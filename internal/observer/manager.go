package observer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/recallhq/recall/internal/common/config"
	apperrors "github.com/recallhq/recall/internal/common/errors"
	"github.com/recallhq/recall/internal/common/logger"
	"github.com/recallhq/recall/internal/store"
	"github.com/recallhq/recall/pkg/analyzer"
)

// Manager is the process-wide session registry: at most one orchestrator
// runs per assistant session id, and inbound events for a running session
// are appended to its queue without restarting the analyzer.
type Manager struct {
	store    *store.Store
	events   ObservationEvents
	perf     MetricsSink
	tokens   TokenMetrics
	vector   VectorSync
	launcher AnalyzerLauncher
	logger   *logger.Logger

	keepProcessed int
	baseCtx       context.Context

	mu       sync.Mutex
	sessions map[string]*ActiveSession

	onSessionDeleted func()

	wg sync.WaitGroup
}

// ManagerDeps bundles the manager's collaborators.
type ManagerDeps struct {
	Store         *store.Store
	Events        ObservationEvents
	Perf          MetricsSink
	Tokens        TokenMetrics
	Vector        VectorSync
	Launcher      AnalyzerLauncher
	KeepProcessed int
	Logger        *logger.Logger
}

// NewManager creates a Manager. baseCtx bounds every orchestrator; cancel
// it to drain all sessions.
func NewManager(baseCtx context.Context, deps ManagerDeps) *Manager {
	return &Manager{
		store:         deps.Store,
		events:        deps.Events,
		perf:          deps.Perf,
		tokens:        deps.Tokens,
		vector:        deps.Vector,
		launcher:      deps.Launcher,
		keepProcessed: deps.KeepProcessed,
		baseCtx:       baseCtx,
		sessions:      make(map[string]*ActiveSession),
		logger:        deps.Logger.WithFields(zap.String("component", "session-manager")),
	}
}

// CLILauncher builds the production AnalyzerLauncher around the configured
// analyzer binary.
func CLILauncher(cfg config.AnalyzerConfig, log *logger.Logger) AnalyzerLauncher {
	return func(ctx context.Context) (AnalyzerSession, error) {
		return analyzer.Launch(ctx, analyzer.Config{
			Binary:       cfg.Binary,
			Model:        cfg.Model,
			WorkDir:      cfg.WorkDir,
			SpawnTimeout: cfg.SpawnTimeout,
		}, log)
	}
}

// OnSessionDeleted registers a callback fired after a session leaves the
// registry. Used to rebroadcast processing_status.
func (m *Manager) OnSessionDeleted(fn func()) {
	m.mu.Lock()
	m.onSessionDeleted = fn
	m.mu.Unlock()
}

// InitializeSession returns the running session for the assistant session
// id, creating the persistent row and spawning an orchestrator when none is
// active. Idempotent per assistant session id.
func (m *Manager) InitializeSession(ctx context.Context, assistantSessionID, project, userPrompt string) (*ActiveSession, error) {
	m.mu.Lock()
	if active, ok := m.sessions[assistantSessionID]; ok {
		m.mu.Unlock()
		return active, nil
	}
	m.mu.Unlock()

	row, err := m.store.CreateSession(ctx, assistantSessionID, project, userPrompt)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if active, ok := m.sessions[assistantSessionID]; ok {
		return active, nil
	}

	runCtx, cancel := context.WithCancel(m.baseCtx)
	active := newActiveSession(row, cancel)
	m.sessions[assistantSessionID] = active

	orch := newOrchestrator(active, OrchestratorDeps{
		Store:         m.store,
		Pending:       m.store,
		Launcher:      m.launcher,
		Events:        m.events,
		Perf:          m.perf,
		Tokens:        m.tokens,
		Vector:        m.vector,
		Status:        m,
		KeepProcessed: m.keepProcessed,
		Logger:        m.logger,
	})

	m.logger.Info("session initialized",
		zap.String("session_id", assistantSessionID),
		zap.String("project", project),
		zap.Int("last_prompt_number", row.LastPromptNumber))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := orch.Run(runCtx); err != nil {
			m.logger.Error("Session orchestrator failed",
				zap.String("session_id", assistantSessionID),
				zap.Error(err))
		}
		m.Delete(assistantSessionID)
	}()

	return active, nil
}

// Enqueue appends one pending message to the session's durable queue.
func (m *Manager) Enqueue(ctx context.Context, assistantSessionID string, msg store.PendingMessage) error {
	m.mu.Lock()
	active, ok := m.sessions[assistantSessionID]
	m.mu.Unlock()
	if !ok {
		return errSessionNotActive(assistantSessionID)
	}

	msg.SessionID = active.session.ID
	if msg.Kind == store.KindObservation && msg.PromptNumber == 0 {
		msg.PromptNumber = active.PromptNumber()
	}

	if _, err := m.store.Enqueue(ctx, msg); err != nil {
		return err
	}
	active.addWork()

	m.perf.SampleQueueDepth(m.TotalActiveWork())
	m.events.EmitProcessingStatus(ctx, m.IsAnyProcessing(), m.TotalActiveWork())
	return nil
}

// IsActive reports whether an orchestrator is registered for the assistant
// session id.
func (m *Manager) IsActive(assistantSessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[assistantSessionID]
	return ok
}

// AdvancePrompt increments the session's prompt counter, records the prompt
// text, and returns the stored user_prompts row.
func (m *Manager) AdvancePrompt(ctx context.Context, assistantSessionID, promptText string) (*store.UserPrompt, error) {
	m.mu.Lock()
	active, ok := m.sessions[assistantSessionID]
	m.mu.Unlock()
	if !ok {
		return nil, errSessionNotActive(assistantSessionID)
	}

	n, err := m.store.AdvanceSessionPrompt(ctx, active.session.ID, promptText)
	if err != nil {
		return nil, err
	}
	active.setPromptNumber(n)
	return m.store.InsertPrompt(ctx, assistantSessionID, active.session.Project, n, promptText)
}

// Delete removes the session from the registry and cancels its
// orchestrator. The persistent row is untouched; a later inbound event
// resurrects the session with its prior prompt number.
func (m *Manager) Delete(assistantSessionID string) {
	m.mu.Lock()
	active, ok := m.sessions[assistantSessionID]
	if ok {
		delete(m.sessions, assistantSessionID)
	}
	callback := m.onSessionDeleted
	m.mu.Unlock()

	if !ok {
		return
	}
	active.Cancel()
	m.logger.Debug("session removed", zap.String("session_id", assistantSessionID))
	if callback != nil {
		callback()
	}
}

// IsAnyProcessing reports whether any session has unprocessed work.
func (m *Manager) IsAnyProcessing() bool {
	return m.TotalActiveWork() > 0
}

// TotalActiveWork sums queued plus in-flight messages across sessions.
func (m *Manager) TotalActiveWork() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, active := range m.sessions {
		total += active.ActiveWork()
	}
	return total
}

// ActiveCount returns the number of registered sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ActiveSessions snapshots the registry for API introspection.
func (m *Manager) ActiveSessions() []ActiveSessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ActiveSessionInfo, 0, len(m.sessions))
	for _, active := range m.sessions {
		out = append(out, ActiveSessionInfo{
			SessionID:          active.session.ID,
			AssistantSessionID: active.session.AssistantSessionID,
			Project:            active.session.Project,
			PromptNumber:       active.PromptNumber(),
			ActiveWork:         active.ActiveWork(),
		})
	}
	return out
}

func errSessionNotActive(assistantSessionID string) error {
	return apperrors.NotFound("active session", assistantSessionID)
}

// ActiveSessionInfo is one registry entry as exposed over the API.
type ActiveSessionInfo struct {
	SessionID          int64  `json:"sessionId"`
	AssistantSessionID string `json:"assistantSessionId"`
	Project            string `json:"project"`
	PromptNumber       int    `json:"promptNumber"`
	ActiveWork         int    `json:"activeWork"`
}

// Shutdown cancels every session and waits up to timeout for orchestrators
// to drain.
func (m *Manager) Shutdown(timeout time.Duration) {
	m.mu.Lock()
	for _, active := range m.sessions {
		active.Cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		m.logger.Warn("shutdown drain deadline exceeded")
	}
}
