package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/recallhq/recall/internal/common/logger"
	"github.com/recallhq/recall/internal/observer/parser"
	"github.com/recallhq/recall/internal/store"
	"github.com/recallhq/recall/pkg/analyzer"
)

const (
	// Mode announced to the analyzer in the opening frame.
	analyzerMode = "endless"

	// Grace period for outstanding replies after cancellation.
	drainGrace = 5 * time.Second

	// After asking a draining analyzer to terminate, wait this long before
	// killing the process group.
	killGrace = 2 * time.Second
)

// SessionStore is the persistence surface the orchestrator writes through.
// *store.Store satisfies it.
type SessionStore interface {
	InsertObservation(ctx context.Context, assistantSessionID, project string, p store.ObservationPayload, promptNumber int, discoveryTokens int64) (*store.Observation, error)
	InsertSummary(ctx context.Context, assistantSessionID, project string, p store.SummaryPayload) (*store.Summary, error)
	SetAnalyzerSessionID(ctx context.Context, id int64, analyzerSessionID string) error
	UpdateSessionTokens(ctx context.Context, id int64, inputTokens, outputTokens int64) error
	UpdateSessionPromptNumber(ctx context.Context, id int64, n int) error
	MarkSessionCompleted(ctx context.Context, id int64) error
}

// Orchestrator pumps one session: it produces the analyzer's input stream
// from the pending queue and consumes its reply stream, persisting and
// broadcasting everything the analyzer distills.
type Orchestrator struct {
	active   *ActiveSession
	store    SessionStore
	pending  PendingMessages
	launcher AnalyzerLauncher
	events   ObservationEvents
	perf     MetricsSink
	tokens   TokenMetrics
	vector   VectorSync
	status   WorkStatus
	logger   *logger.Logger

	keepProcessed int

	state atomic.Int32

	// Cumulative analyzer token counters; single consumer goroutine, no lock.
	cumInput  int64
	cumOutput int64

	analyzerIDSaved bool
}

// OrchestratorDeps bundles the orchestrator's collaborators.
type OrchestratorDeps struct {
	Store         SessionStore
	Pending       PendingMessages
	Launcher      AnalyzerLauncher
	Events        ObservationEvents
	Perf          MetricsSink
	Tokens        TokenMetrics
	Vector        VectorSync
	Status        WorkStatus
	KeepProcessed int
	Logger        *logger.Logger
}

func newOrchestrator(active *ActiveSession, deps OrchestratorDeps) *Orchestrator {
	keep := deps.KeepProcessed
	if keep <= 0 {
		keep = 100
	}
	return &Orchestrator{
		active:        active,
		store:         deps.Store,
		pending:       deps.Pending,
		launcher:      deps.Launcher,
		events:        deps.Events,
		perf:          deps.Perf,
		tokens:        deps.Tokens,
		vector:        deps.Vector,
		status:        deps.Status,
		keepProcessed: keep,
		logger: deps.Logger.WithFields(
			zap.String("component", "orchestrator"),
			zap.String("session_id", active.session.AssistantSessionID)),
	}
}

// State returns the orchestrator's current lifecycle state.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

func (o *Orchestrator) setState(s State) {
	o.state.Store(int32(s))
}

// Run drives the session until the analyzer's reply stream ends or ctx is
// cancelled. Cancellation drains silently and is not an error; analyzer or
// store failures propagate and leave pending messages for redelivery.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.setState(StateInitializing)

	an, err := o.launcher(ctx)
	if err != nil {
		return fmt.Errorf("failed to launch analyzer: %w", err)
	}

	// The producer blocks on the pending iterator between messages; it gets
	// its own cancel handle so a closed reply stream releases it without
	// waiting for the session context.
	prodCtx, prodCancel := context.WithCancel(ctx)
	defer prodCancel()

	producerDone := make(chan struct{})
	go func() {
		defer close(producerDone)
		o.produce(prodCtx, an)
	}()

	var procErr error
consume:
	for {
		select {
		case reply, ok := <-an.Replies():
			if !ok {
				break consume
			}
			if procErr != nil {
				continue
			}
			if err := o.handleReply(context.Background(), an, reply); err != nil {
				procErr = err
				an.Kill()
			}
		case <-ctx.Done():
			o.setState(StateDraining)
			_ = an.CloseInput()
			o.drainReplies(an)
			break consume
		}
	}

	prodCancel()
	<-producerDone
	waitErr := an.Wait()

	switch {
	case procErr != nil:
		o.setState(StateAborted)
		return procErr
	case ctx.Err() != nil:
		o.setState(StateAborted)
		o.logger.Info("session cancelled", zap.String("state", o.State().String()))
		return nil
	case waitErr != nil:
		o.setState(StateAborted)
		return fmt.Errorf("analyzer subprocess failed: %w", waitErr)
	}

	if err := o.store.MarkSessionCompleted(context.Background(), o.active.session.ID); err != nil {
		o.logger.Warn("failed to mark session completed", zap.Error(err))
	}
	o.setState(StateCompleted)
	o.logger.Info("session completed",
		zap.Int64("input_tokens", o.cumInput),
		zap.Int64("output_tokens", o.cumOutput))
	return nil
}

// produce sends the opening Init/Continuation frame, then translates the
// pending queue into analyzer frames until the iterator closes.
func (o *Orchestrator) produce(ctx context.Context, an AnalyzerSession) {
	sess := o.active.session

	var opening analyzer.Frame
	if sess.LastPromptNumber > 1 {
		opening = analyzer.ContinuationFrame(sess.Project, sess.AssistantSessionID, sess.UserPrompt, analyzerMode, sess.LastPromptNumber)
	} else {
		opening = analyzer.InitFrame(sess.Project, sess.AssistantSessionID, sess.UserPrompt, analyzerMode)
	}
	if err := an.Send(opening); err != nil {
		o.logger.Warn("failed to send opening frame", zap.Error(err))
		_ = an.CloseInput()
		return
	}
	o.setState(StateRunning)

	for msg := range o.pending.IteratePending(ctx, sess.ID) {
		// The prompt counter advances before the frame reaches the analyzer
		// so observations persisted from its reply carry the right number.
		if msg.Kind == store.KindObservation && msg.PromptNumber > 0 {
			o.active.setPromptNumber(msg.PromptNumber)
			if err := o.store.UpdateSessionPromptNumber(ctx, sess.ID, msg.PromptNumber); err != nil {
				o.logger.Warn("failed to update prompt number", zap.Error(err))
			}
		}

		o.active.trackForwarded(msg.ID)
		if err := an.Send(frameFromMessage(sess, &msg)); err != nil {
			o.logger.Warn("failed to forward frame to analyzer",
				zap.Int64("message_id", msg.ID),
				zap.Error(err))
			break
		}
	}

	_ = an.CloseInput()
}

// handleReply applies the per-reply pipeline: token accounting, parse,
// persist, mirror, broadcast, sample, advance the queue.
func (o *Orchestrator) handleReply(ctx context.Context, an AnalyzerSession, reply analyzer.Reply) error {
	replyStart := time.Now()
	sess := o.active.session

	if !o.analyzerIDSaved {
		if id := an.AnalyzerSessionID(); id != "" {
			o.analyzerIDSaved = true
			if err := o.store.SetAnalyzerSessionID(ctx, sess.ID, id); err != nil {
				o.logger.Warn("failed to record analyzer session id", zap.Error(err))
			}
		}
	}

	var discovery int64
	if reply.Usage != nil {
		before := o.cumInput + o.cumOutput
		o.cumInput += reply.Usage.InputTokens + reply.Usage.CacheCreationInputTokens
		o.cumOutput += reply.Usage.OutputTokens
		discovery = (o.cumInput + o.cumOutput) - before

		if err := o.store.UpdateSessionTokens(ctx, sess.ID, o.cumInput, o.cumOutput); err != nil {
			o.logger.Warn("failed to update session tokens", zap.Error(err))
		}
	}

	if strings.TrimSpace(reply.Text) != "" {
		observations, summary := parser.Parse(reply.Text)

		for i := range observations {
			obs, err := o.store.InsertObservation(ctx, sess.AssistantSessionID, sess.Project,
				observations[i], o.active.PromptNumber(), discovery)
			if err != nil {
				return fmt.Errorf("failed to persist observation: %w", err)
			}
			o.vector.SyncObservation(obs)
			o.events.EmitObservation(ctx, obs)
			o.tokens.InvalidateCache(sess.Project)
			o.tokens.BroadcastTokenUpdate(ctx)
		}

		if summary != nil {
			persisted, err := o.store.InsertSummary(ctx, sess.AssistantSessionID, sess.Project, *summary)
			if err != nil {
				return fmt.Errorf("failed to persist summary: %w", err)
			}
			o.vector.SyncSummary(persisted)
			o.events.EmitSummary(ctx, persisted)
		}

		if len(observations) > 0 || summary != nil {
			o.perf.RecordProcessing(time.Since(replyStart), len(observations), discovery)
		}
	}

	// Advance the queue even when the reply carried nothing parseable.
	ids := o.active.takeProcessing()
	if len(ids) > 0 {
		if err := o.pending.MarkProcessed(ctx, ids); err != nil {
			return fmt.Errorf("failed to mark messages processed: %w", err)
		}
		if err := o.pending.CleanupProcessed(ctx, o.keepProcessed); err != nil {
			o.logger.Warn("failed to clean up processed messages", zap.Error(err))
		}
	}
	o.events.EmitProcessingStatus(ctx, o.status.IsAnyProcessing(), o.status.TotalActiveWork())
	return nil
}

// drainReplies consumes outstanding replies after cancellation, up to the
// grace deadline, then escalates to terminate and kill.
func (o *Orchestrator) drainReplies(an AnalyzerSession) {
	deadline := time.NewTimer(drainGrace)
	defer deadline.Stop()

	for {
		select {
		case reply, ok := <-an.Replies():
			if !ok {
				return
			}
			if err := o.handleReply(context.Background(), an, reply); err != nil {
				o.logger.Warn("reply processing failed during drain", zap.Error(err))
				an.Kill()
				return
			}
		case <-deadline.C:
			an.Terminate()
			kill := time.NewTimer(killGrace)
			defer kill.Stop()
			for {
				select {
				case _, ok := <-an.Replies():
					if !ok {
						return
					}
				case <-kill.C:
					an.Kill()
					return
				}
			}
		}
	}
}

func frameFromMessage(sess *store.Session, msg *store.PendingMessage) analyzer.Frame {
	if msg.Kind == store.KindSummarize {
		return analyzer.Frame{
			Kind:                 analyzer.FrameSummarize,
			Project:              sess.Project,
			SessionID:            sess.AssistantSessionID,
			LastUserMessage:      msg.LastUserMessage,
			LastAssistantMessage: msg.LastAssistantMessage,
		}
	}
	return analyzer.Frame{
		Kind:         analyzer.FrameObservation,
		Project:      sess.Project,
		SessionID:    sess.AssistantSessionID,
		PromptNumber: msg.PromptNumber,
		ToolName:     msg.ToolName,
		ToolInput:    json.RawMessage(msg.ToolInput),
		ToolResponse: json.RawMessage(msg.ToolResponse),
		CWD:          msg.CWD,
	}
}
