// Package store implements durable storage for observations, summaries,
// prompts, sessions, and the pending message queue on a single SQLite file.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/recallhq/recall/internal/common/errors"
	"github.com/recallhq/recall/internal/common/logger"
	"github.com/recallhq/recall/internal/db"
)

// Store provides typed access to the observation database. All writes go
// through the pool's single writer connection; range and aggregation reads
// use the read-only pool.
type Store struct {
	pool   *db.Pool
	logger *logger.Logger

	// Per-session wakeup channels for the pending queue iterators.
	waitersMu sync.Mutex
	waiters   map[int64]map[chan struct{}]struct{}
}

// New creates a Store and initializes the schema.
func New(ctx context.Context, pool *db.Pool, log *logger.Logger) (*Store, error) {
	s := &Store{
		pool:    pool,
		logger:  log.WithFields(zap.String("component", "store")),
		waiters: make(map[int64]map[chan struct{}]struct{}),
	}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Pool exposes the underlying connection pool for read-side consumers.
func (s *Store) Pool() *db.Pool {
	return s.pool
}

// Ping verifies both database connections.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Writer().PingContext(ctx); err != nil {
		return err
	}
	return s.pool.Reader().PingContext(ctx)
}

func nowEpochMilli() int64 {
	return time.Now().UnixMilli()
}

// GetSessionByAssistantID returns the session row for an assistant session
// id, or a NotFound error.
func (s *Store) GetSessionByAssistantID(ctx context.Context, assistantSessionID string) (*Session, error) {
	var session Session
	err := s.pool.Reader().GetContext(ctx, &session,
		`SELECT * FROM sessions WHERE assistant_session_id = ?`, assistantSessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("session", assistantSessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &session, nil
}

// GetSession returns a session row by internal id.
func (s *Store) GetSession(ctx context.Context, id int64) (*Session, error) {
	var session Session
	err := s.pool.Reader().GetContext(ctx, &session,
		`SELECT * FROM sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("session", fmt.Sprintf("%d", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &session, nil
}

// CreateSession inserts a session row for an assistant session id, or
// returns the existing one. Idempotent: concurrent callers for the same
// assistant session id observe a single row.
func (s *Store) CreateSession(ctx context.Context, assistantSessionID, project, userPrompt string) (*Session, error) {
	existing, err := s.GetSessionByAssistantID(ctx, assistantSessionID)
	if err == nil {
		return existing, nil
	}
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) || appErr.Code != apperrors.ErrCodeNotFound {
		return nil, err
	}

	now := nowEpochMilli()
	_, err = s.pool.Writer().ExecContext(ctx,
		`INSERT INTO sessions (assistant_session_id, project, user_prompt, last_prompt_number, status, started_at)
		 VALUES (?, ?, ?, 1, ?, ?)
		 ON CONFLICT(assistant_session_id) DO NOTHING`,
		assistantSessionID, project, userPrompt, SessionActive, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return s.GetSessionByAssistantID(ctx, assistantSessionID)
}

// AdvanceSessionPrompt increments the session's prompt number and replaces
// its current prompt text, reactivating the row for a continuation. Returns
// the new prompt number. The increment keeps lastPromptNumber monotonic.
func (s *Store) AdvanceSessionPrompt(ctx context.Context, id int64, promptText string) (int, error) {
	_, err := s.pool.Writer().ExecContext(ctx,
		`UPDATE sessions
		 SET last_prompt_number = last_prompt_number + 1,
		     user_prompt = ?,
		     status = ?
		 WHERE id = ?`,
		promptText, SessionActive, id)
	if err != nil {
		return 0, fmt.Errorf("failed to advance session prompt: %w", err)
	}

	var promptNumber int
	err = s.pool.Writer().GetContext(ctx, &promptNumber,
		`SELECT last_prompt_number FROM sessions WHERE id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("failed to read session prompt number: %w", err)
	}
	return promptNumber, nil
}

// UpdateSessionPromptNumber raises the stored prompt number to n if it is
// higher than the current value. Used when an observation frame carries a
// later prompt number than the session has seen.
func (s *Store) UpdateSessionPromptNumber(ctx context.Context, id int64, n int) error {
	_, err := s.pool.Writer().ExecContext(ctx,
		`UPDATE sessions SET last_prompt_number = ? WHERE id = ? AND last_prompt_number < ?`,
		n, id, n)
	if err != nil {
		return fmt.Errorf("failed to update session prompt number: %w", err)
	}
	return nil
}

// SetAnalyzerSessionID records the analyzer-side id once the subprocess
// reports it.
func (s *Store) SetAnalyzerSessionID(ctx context.Context, id int64, analyzerSessionID string) error {
	_, err := s.pool.Writer().ExecContext(ctx,
		`UPDATE sessions SET analyzer_session_id = ? WHERE id = ?`,
		analyzerSessionID, id)
	if err != nil {
		return fmt.Errorf("failed to set analyzer session id: %w", err)
	}
	return nil
}

// UpdateSessionTokens persists the cumulative token counters.
func (s *Store) UpdateSessionTokens(ctx context.Context, id int64, inputTokens, outputTokens int64) error {
	_, err := s.pool.Writer().ExecContext(ctx,
		`UPDATE sessions SET input_tokens = ?, output_tokens = ? WHERE id = ?`,
		inputTokens, outputTokens, id)
	if err != nil {
		return fmt.Errorf("failed to update session tokens: %w", err)
	}
	return nil
}

// MarkSessionCompleted transitions the session row to completed.
func (s *Store) MarkSessionCompleted(ctx context.Context, id int64) error {
	_, err := s.pool.Writer().ExecContext(ctx,
		`UPDATE sessions SET status = ? WHERE id = ?`, SessionCompleted, id)
	if err != nil {
		return fmt.Errorf("failed to mark session completed: %w", err)
	}
	return nil
}

// ListActiveSessions returns all sessions currently marked active.
func (s *Store) ListActiveSessions(ctx context.Context) ([]Session, error) {
	sessions := []Session{}
	err := s.pool.Reader().SelectContext(ctx, &sessions,
		`SELECT * FROM sessions WHERE status = ? ORDER BY id DESC`, SessionActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	return sessions, nil
}

func marshalStrings(items []string) string {
	if items == nil {
		items = []string{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// InsertObservation persists one parsed observation with its discovery
// token attribution and returns the stored row.
func (s *Store) InsertObservation(ctx context.Context, assistantSessionID, project string, p ObservationPayload, promptNumber int, discoveryTokens int64) (*Observation, error) {
	if discoveryTokens < 0 {
		discoveryTokens = 0
	}
	now := nowEpochMilli()

	res, err := s.pool.Writer().ExecContext(ctx,
		`INSERT INTO observations
		 (assistant_session_id, project, type, title, subtitle, narrative, text,
		  facts, concepts, files_read, files_modified, prompt_number, discovery_tokens, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		assistantSessionID, project, p.Type, p.Title, p.Subtitle, p.Narrative, p.Text,
		marshalStrings(p.Facts), marshalStrings(p.Concepts),
		marshalStrings(p.FilesRead), marshalStrings(p.FilesModified),
		promptNumber, discoveryTokens, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert observation: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read observation id: %w", err)
	}

	var obs Observation
	if err := s.pool.Writer().GetContext(ctx, &obs,
		`SELECT * FROM observations WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("failed to reload observation: %w", err)
	}
	return &obs, nil
}

// InsertSummary persists one parsed session summary and returns the stored row.
func (s *Store) InsertSummary(ctx context.Context, assistantSessionID, project string, p SummaryPayload) (*Summary, error) {
	now := nowEpochMilli()

	res, err := s.pool.Writer().ExecContext(ctx,
		`INSERT INTO summaries
		 (assistant_session_id, project, request, investigated, learned, completed, next_steps, notes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		assistantSessionID, project, p.Request, p.Investigated, p.Learned, p.Completed, p.NextSteps, p.Notes, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert summary: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read summary id: %w", err)
	}

	var summary Summary
	if err := s.pool.Writer().GetContext(ctx, &summary,
		`SELECT * FROM summaries WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("failed to reload summary: %w", err)
	}
	return &summary, nil
}

// InsertPrompt records a user utterance and returns the stored row.
func (s *Store) InsertPrompt(ctx context.Context, assistantSessionID, project string, promptNumber int, promptText string) (*UserPrompt, error) {
	now := nowEpochMilli()

	res, err := s.pool.Writer().ExecContext(ctx,
		`INSERT INTO user_prompts (assistant_session_id, project, prompt_number, prompt_text, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		assistantSessionID, project, promptNumber, promptText, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert prompt: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt id: %w", err)
	}

	var prompt UserPrompt
	if err := s.pool.Writer().GetContext(ctx, &prompt,
		`SELECT * FROM user_prompts WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("failed to reload prompt: %w", err)
	}
	return &prompt, nil
}

const maxPageSize = 200

func (q RangeQuery) normalize() RangeQuery {
	if q.Limit <= 0 || q.Limit > maxPageSize {
		q.Limit = 50
	}
	return q
}

// ListObservations returns a newest-first page of observations.
func (s *Store) ListObservations(ctx context.Context, q RangeQuery) ([]Observation, error) {
	q = q.normalize()
	query := `SELECT * FROM observations WHERE 1=1`
	args := []any{}
	if q.Project != "" {
		query += ` AND project = ?`
		args = append(args, q.Project)
	}
	if q.BeforeID > 0 {
		query += ` AND id < ?`
		args = append(args, q.BeforeID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, q.Limit)

	observations := []Observation{}
	if err := s.pool.Reader().SelectContext(ctx, &observations, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list observations: %w", err)
	}
	return observations, nil
}

// ListSummaries returns a newest-first page of summaries.
func (s *Store) ListSummaries(ctx context.Context, q RangeQuery) ([]Summary, error) {
	q = q.normalize()
	query := `SELECT * FROM summaries WHERE 1=1`
	args := []any{}
	if q.Project != "" {
		query += ` AND project = ?`
		args = append(args, q.Project)
	}
	if q.BeforeID > 0 {
		query += ` AND id < ?`
		args = append(args, q.BeforeID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, q.Limit)

	summaries := []Summary{}
	if err := s.pool.Reader().SelectContext(ctx, &summaries, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list summaries: %w", err)
	}
	return summaries, nil
}

// ListPrompts returns a newest-first page of user prompts.
func (s *Store) ListPrompts(ctx context.Context, q RangeQuery) ([]UserPrompt, error) {
	q = q.normalize()
	query := `SELECT * FROM user_prompts WHERE 1=1`
	args := []any{}
	if q.Project != "" {
		query += ` AND project = ?`
		args = append(args, q.Project)
	}
	if q.BeforeID > 0 {
		query += ` AND id < ?`
		args = append(args, q.BeforeID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, q.Limit)

	prompts := []UserPrompt{}
	if err := s.pool.Reader().SelectContext(ctx, &prompts, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list prompts: %w", err)
	}
	return prompts, nil
}
